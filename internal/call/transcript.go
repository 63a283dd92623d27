package call

import (
	"strings"
	"sync"
)

// Speaker identifies which side of the conversation produced a transcript.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// TranscriptBuffer accumulates streamed transcript text for one speaker.
// Deltas are appended in arrival order until Finalize replaces the buffer
// with the authoritative completed text. The producing component owns the
// buffer; the orchestrator only reads it.
type TranscriptBuffer struct {
	mu      sync.Mutex
	speaker Speaker
	text    strings.Builder
	final   string
	isFinal bool
}

// NewTranscriptBuffer creates an empty buffer for the given speaker.
func NewTranscriptBuffer(speaker Speaker) *TranscriptBuffer {
	return &TranscriptBuffer{speaker: speaker}
}

// Speaker returns the owning speaker.
func (b *TranscriptBuffer) Speaker() Speaker {
	return b.speaker
}

// Append concatenates a delta in arrival order. Appends after finalization
// are dropped; the completed text is authoritative.
func (b *TranscriptBuffer) Append(delta string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isFinal {
		return
	}
	b.text.WriteString(delta)
}

// Finalize replaces the accumulated text with the trimmed authoritative
// final text, favoring it over the deltas when they disagree.
func (b *TranscriptBuffer) Finalize(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.final = strings.TrimSpace(text)
	b.isFinal = true
}

// Text returns the current transcript: the final text once finalized,
// otherwise the delta accumulation so far.
func (b *TranscriptBuffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isFinal {
		return b.final
	}
	return b.text.String()
}

// IsFinal reports whether the buffer has been finalized.
func (b *TranscriptBuffer) IsFinal() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isFinal
}

// Reset clears the buffer for the next utterance.
func (b *TranscriptBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text.Reset()
	b.final = ""
	b.isFinal = false
}
