package media

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
)

// Audio constants for the capture path (WebRTC standard: 48kHz Opus).
const (
	SampleRate    = 48000
	Channels      = 1
	FrameDuration = 20 * time.Millisecond
	FrameSamples  = 960 // 20ms at 48kHz mono

	// OpusRTPChannels is what the RTP codec line signals. Opus always
	// advertises opus/48000/2 per RFC 7587, even for mono voice.
	OpusRTPChannels = 2
)

// CaptureStream is one exclusive microphone acquisition. Track feeds the
// peer connection; Frames is a best-effort tee of the raw PCM frames for
// local consumers (amplitude monitoring, recording). Close stops capture and
// releases the device.
type CaptureStream interface {
	Track() webrtc.TrackLocal
	Frames() <-chan []int16
	Close() error
}

// Microphone acquires the capture device. The microphone is a single
// exclusive resource: a second Acquire before Close fails. Acquire can block
// on a permission prompt and honors ctx cancellation.
type Microphone interface {
	Acquire(ctx context.Context) (CaptureStream, error)
}

// AudioSink consumes decoded remote audio for playback. Close detaches the
// sink; writes after Close are errors.
type AudioSink interface {
	WritePCM(pcm []int16) error
	Close() error
}
