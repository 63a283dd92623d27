package transport

import (
	"encoding/json"
	"fmt"

	"github.com/voxbridge-ai/voxbridge/internal/call"
)

// Upstream realtime API event types carried over the data channel, one JSON
// object per message.
const (
	// outbound
	wireSessionUpdate  = "session.update"
	wireResponseCancel = "response.cancel"

	// inbound
	wireSpeechStarted         = "input_audio_buffer.speech_started"
	wireSpeechStopped         = "input_audio_buffer.speech_stopped"
	wireOutputAudioStarted    = "output_audio_buffer.started"
	wireOutputAudioStopped    = "output_audio_buffer.stopped"
	wireOutputAudioCleared    = "output_audio_buffer.cleared"
	wireResponseAudioDelta    = "response.audio.delta"
	wireResponseAudioDone     = "response.audio.done"
	wireInputTranscriptDelta  = "conversation.item.input_audio_transcription.delta"
	wireInputTranscriptDone   = "conversation.item.input_audio_transcription.completed"
	wireOutputTranscriptDelta = "response.audio_transcript.delta"
	wireOutputTranscriptDone  = "response.audio_transcript.done"
	wireResponseDone          = "response.done"
	wireError                 = "error"
)

// wireEvent is the superset of inbound event fields the transport cares
// about. Unknown fields are ignored; unknown types are dropped upstream.
type wireEvent struct {
	Type       string     `json:"type"`
	Delta      string     `json:"delta"`
	Transcript string     `json:"transcript"`
	Truncated  bool       `json:"truncated"`
	Error      *wireFault `json:"error"`
}

type wireFault struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeWireEvent(data []byte) (*wireEvent, error) {
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("malformed channel event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("channel event missing type")
	}
	return &ev, nil
}

// sessionUpdateMessage is sent once when the event channel opens.
type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string           `json:"modalities,omitempty"`
	Voice                   string             `json:"voice,omitempty"`
	Instructions            string             `json:"instructions,omitempty"`
	InputAudioTranscription *transcriptionConf `json:"input_audio_transcription,omitempty"`
}

type transcriptionConf struct {
	Model string `json:"model"`
}

func encodeSessionUpdate(voice, instructions string) ([]byte, error) {
	return json.Marshal(sessionUpdateMessage{
		Type: wireSessionUpdate,
		Session: sessionParams{
			Modalities:              []string{"audio", "text"},
			Voice:                   voice,
			Instructions:            instructions,
			InputAudioTranscription: &transcriptionConf{Model: "whisper-1"},
		},
	})
}

func encodeResponseCancel() []byte {
	return []byte(`{"type":"response.cancel"}`)
}

// normalize maps one inbound wire event onto the closed call.Event union.
// The second return is false for event types the engine does not consume.
func normalize(ev *wireEvent) (call.Event, bool) {
	switch ev.Type {
	case wireSpeechStarted:
		return call.Event{Kind: call.EventUserSpeechStarted}, true
	case wireOutputAudioStarted, wireResponseAudioDelta:
		return call.Event{Kind: call.EventAgentSpeechStarted}, true
	case wireOutputAudioStopped, wireResponseAudioDone:
		return call.Event{Kind: call.EventAgentSpeechEnded}, true
	case wireInputTranscriptDelta:
		return call.Event{Kind: call.EventUserTranscriptDelta, Text: ev.Delta}, true
	case wireInputTranscriptDone:
		return call.Event{Kind: call.EventUserTranscriptFinal, Text: ev.Transcript}, true
	case wireOutputTranscriptDelta:
		return call.Event{Kind: call.EventAgentTranscriptDelta, Text: ev.Delta}, true
	case wireOutputTranscriptDone:
		if ev.Truncated {
			// The user spoke over the reply; upstream marked it truncated.
			return call.Event{Kind: call.EventInterrupted, Text: ev.Transcript}, true
		}
		return call.Event{Kind: call.EventAgentTranscriptFinal, Text: ev.Transcript}, true
	case wireError:
		msg := "upstream error"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		return call.Event{Kind: call.EventError, Message: msg}, true
	case wireSpeechStopped, wireOutputAudioCleared, wireResponseDone:
		// Consumed implicitly via the audio/transcript events.
		return call.Event{}, false
	default:
		return call.Event{}, false
	}
}
