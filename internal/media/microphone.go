package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/voxbridge-ai/voxbridge/pkg/commons"
)

// framesChannelSize buffers the local PCM tee (~1s of 20ms frames).
const framesChannelSize = 50

// PCMMicrophone adapts a raw PCM frame source (a platform capture device,
// a file, a test fixture) into a Microphone. Each acquisition Opus-encodes
// the frames onto a local WebRTC track and tees them to Frames for local
// consumers.
type PCMMicrophone struct {
	mu     sync.Mutex
	logger commons.Logger
	source <-chan []int16
	busy   bool
}

// NewPCMMicrophone wraps a PCM frame source. Frames must be FrameSamples
// long; short or long frames are dropped with a warning.
func NewPCMMicrophone(logger commons.Logger, source <-chan []int16) *PCMMicrophone {
	return &PCMMicrophone{logger: logger, source: source}
}

// Acquire claims the device. Only one stream may exist at a time; the claim
// is released by CaptureStream.Close.
func (m *PCMMicrophone) Acquire(ctx context.Context) (CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("microphone is already in use")
	}
	m.busy = true
	m.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: SampleRate,
			Channels:  OpusRTPChannels,
		},
		"audio",
		"voxbridge-mic",
	)
	if err != nil {
		m.release()
		return nil, fmt.Errorf("failed to create local audio track: %w", err)
	}

	encoder, err := NewOpusEncoder()
	if err != nil {
		m.release()
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream := &pcmCaptureStream{
		mic:    m,
		track:  track,
		frames: make(chan []int16, framesChannelSize),
		cancel: cancel,
	}

	go stream.pump(streamCtx, m.logger, m.source, encoder)
	return stream, nil
}

func (m *PCMMicrophone) release() {
	m.mu.Lock()
	m.busy = false
	m.mu.Unlock()
}

type pcmCaptureStream struct {
	mic    *PCMMicrophone
	track  *webrtc.TrackLocalStaticSample
	frames chan []int16
	cancel context.CancelFunc
	once   sync.Once
}

func (s *pcmCaptureStream) Track() webrtc.TrackLocal {
	return s.track
}

func (s *pcmCaptureStream) Frames() <-chan []int16 {
	return s.frames
}

// Close stops the encode pump and releases the device claim. Idempotent.
func (s *pcmCaptureStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.mic.release()
	})
	return nil
}

// pump encodes PCM frames onto the track and tees them to the frames
// channel. The tee is non-blocking so a slow local consumer never stalls the
// media path.
func (s *pcmCaptureStream) pump(ctx context.Context, logger commons.Logger, source <-chan []int16, encoder *OpusEncoder) {
	defer close(s.frames)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-source:
			if !ok {
				return
			}
			if len(frame) != FrameSamples {
				logger.Warnw("dropping malformed capture frame", "samples", len(frame))
				continue
			}

			select {
			case s.frames <- frame:
			default:
			}

			packet, err := encoder.Encode(frame)
			if err != nil {
				logger.Debugw("opus encode failed", "error", err)
				continue
			}
			if err := s.track.WriteSample(pionmedia.Sample{
				Data:     packet,
				Duration: FrameDuration,
			}); err != nil {
				logger.Debugw("failed to write sample to track", "error", err)
			}
		}
	}
}
