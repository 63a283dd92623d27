package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/voxbridge-ai/voxbridge/internal/call"
	"github.com/voxbridge-ai/voxbridge/internal/media"
	"github.com/voxbridge-ai/voxbridge/pkg/commons"
)

const (
	bytesPerSample = 2 // LINEAR16
	bitsPerSample  = 16
	wavPCMFormat   = 1
)

// Recorder captures both sides of a call on a shared wall-clock timeline
// and renders them as per-speaker WAV files.
type Recorder interface {
	// Start begins the recording timeline. Subsequent writes are placed
	// relative to this moment.
	Start()
	// Write places one PCM fragment on the speaker's track.
	Write(speaker call.Speaker, pcm []int16) error
	// Render returns the user and agent WAV files spanning the full session.
	Render() (user []byte, agent []byte, err error)
}

// segment is one recorded fragment at a fixed timeline position.
type segment struct {
	byteOffset int
	data       []byte
	track      int
}

const (
	trackUser  = 0
	trackAgent = 1
)

type callRecorder struct {
	logger    commons.Logger
	mu        sync.Mutex
	startTime time.Time
	started   bool
	segments  []segment
	// Per-track cursor: one byte past the last written byte. The user track
	// is placed by wall-clock; the agent track paces burst deliveries at the
	// playback rate, anchoring only the first fragment after a gap.
	cursor [2]int
	// clock is injectable for testing.
	clock func() time.Time
}

// NewCallRecorder creates an empty recorder.
func NewCallRecorder(logger commons.Logger) Recorder {
	return &callRecorder{
		logger: logger,
		clock:  time.Now,
	}
}

func (r *callRecorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startTime = r.clock()
	r.started = true
}

func bytesPerSecond() int {
	return media.SampleRate * media.Channels * bytesPerSample
}

// durationBytes converts a wall-clock duration to a frame-aligned byte
// count.
func durationBytes(d time.Duration) int {
	raw := int(d.Seconds() * float64(bytesPerSecond()))
	frameSize := bytesPerSample * media.Channels
	return (raw / frameSize) * frameSize
}

func (r *callRecorder) Write(speaker call.Speaker, pcm []int16) error {
	if len(pcm) == 0 {
		return nil
	}
	track := trackUser
	if speaker == call.SpeakerAgent {
		track = trackAgent
	}
	return r.push(pcmBytes(pcm), track)
}

func (r *callRecorder) push(data []byte, track int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wallOffset := 0
	if r.started {
		wallOffset = durationBytes(r.clock().Sub(r.startTime))
	}

	var offset int
	switch track {
	case trackUser:
		// Mic audio arrives at real-time rate, so wall-clock offset is the
		// correct timeline position.
		offset = wallOffset
		if r.cursor[track] > offset {
			offset = r.cursor[track]
		}
	case trackAgent:
		// Agent audio arrives in bursts faster than real-time. Continuation
		// fragments are paced from the cursor so the rendered audio has no
		// gaps or overlaps; only a fragment after silence anchors at
		// wall-clock.
		if r.cursor[track] > wallOffset {
			offset = r.cursor[track]
		} else {
			offset = wallOffset
		}
	}

	r.segments = append(r.segments, segment{
		byteOffset: offset,
		data:       data,
		track:      track,
	})
	r.cursor[track] = offset + len(data)
	return nil
}

// Render paints every segment onto a zero-filled (silence) buffer per track
// and wraps each in a WAV container. Both files span the full session.
func (r *callRecorder) Render() ([]byte, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.segments) == 0 {
		return nil, nil, fmt.Errorf("no audio recorded")
	}

	totalLen := 0
	if r.started {
		totalLen = durationBytes(r.clock().Sub(r.startTime))
	}
	for _, s := range r.segments {
		if end := s.byteOffset + len(s.data); end > totalLen {
			totalLen = end
		}
	}

	userPCM := make([]byte, totalLen)
	agentPCM := make([]byte, totalLen)
	userBytes, agentBytes := 0, 0
	for _, s := range r.segments {
		dst := userPCM
		if s.track == trackAgent {
			dst = agentPCM
			agentBytes += len(s.data)
		} else {
			userBytes += len(s.data)
		}
		copy(dst[s.byteOffset:], s.data)
	}

	r.logger.Infow("call recording rendered",
		"userSeconds", float64(userBytes)/float64(bytesPerSecond()),
		"agentSeconds", float64(agentBytes)/float64(bytesPerSecond()),
		"totalSeconds", float64(totalLen)/float64(bytesPerSecond()),
		"segments", len(r.segments),
	)

	return wavFile(userPCM), wavFile(agentPCM), nil
}

func pcmBytes(pcm []int16) []byte {
	buf := make([]byte, len(pcm)*2)
	for i, sample := range pcm {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
	}
	return buf
}

func wavFile(pcmData []byte) []byte {
	var buf bytes.Buffer
	byteRate := bytesPerSecond()

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcmData)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(wavPCMFormat))
	binary.Write(&buf, binary.LittleEndian, uint16(media.Channels))
	binary.Write(&buf, binary.LittleEndian, uint32(media.SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(bytesPerSample*media.Channels))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcmData)))
	buf.Write(pcmData)

	return buf.Bytes()
}
