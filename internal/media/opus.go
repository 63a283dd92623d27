package media

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

const maxOpusPacketSize = 1500

// OpusEncoder wraps a mono 48kHz Opus encoder for 20ms voice frames.
type OpusEncoder struct {
	enc *opus.Encoder
	buf []byte
}

// NewOpusEncoder creates an encoder tuned for voice.
func NewOpusEncoder() (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc: enc,
		buf: make([]byte, maxOpusPacketSize),
	}, nil
}

// Encode encodes one PCM frame into an Opus packet. The returned slice is
// only valid until the next call.
func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return e.buf[:n], nil
}

// OpusDecoder wraps a mono 48kHz Opus decoder.
type OpusDecoder struct {
	dec *opus.Decoder
	pcm []int16
}

// NewOpusDecoder creates a decoder matching the capture configuration.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec: dec,
		// 120ms is the maximum Opus frame duration.
		pcm: make([]int16, 6*FrameSamples),
	}, nil
}

// Decode decodes one Opus packet to PCM. The returned slice is only valid
// until the next call.
func (d *OpusDecoder) Decode(packet []byte) ([]int16, error) {
	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return d.pcm[:n*Channels], nil
}
