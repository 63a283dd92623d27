package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranscriptBuffer_AppendAccumulates(t *testing.T) {
	b := NewTranscriptBuffer(SpeakerUser)

	b.Append("hello ")
	b.Append("world")

	assert.Equal(t, "hello world", b.Text())
	assert.False(t, b.IsFinal())
}

func TestTranscriptBuffer_FinalizeIsAuthoritative(t *testing.T) {
	b := NewTranscriptBuffer(SpeakerAgent)

	b.Append("partial hyp")
	b.Finalize("  the actual sentence  ")

	assert.Equal(t, "the actual sentence", b.Text(), "final text replaces accumulated deltas")
	assert.True(t, b.IsFinal())
}

func TestTranscriptBuffer_AppendAfterFinalIsDropped(t *testing.T) {
	b := NewTranscriptBuffer(SpeakerUser)

	b.Finalize("done")
	b.Append(" extra")

	assert.Equal(t, "done", b.Text())
}

func TestTranscriptBuffer_ResetClearsEverything(t *testing.T) {
	b := NewTranscriptBuffer(SpeakerUser)

	b.Append("something")
	b.Finalize("something")
	b.Reset()

	assert.Equal(t, "", b.Text())
	assert.False(t, b.IsFinal())

	b.Append("again")
	assert.Equal(t, "again", b.Text(), "buffer must be reusable after reset")
}
