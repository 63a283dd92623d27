package call

// Status is the externally visible state of a call. The orchestrator derives
// exactly one Status at a time; components never publish a Status directly.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusListening   Status = "listening"
	StatusProcessing  Status = "processing"
	StatusSpeaking    Status = "speaking"
	StatusInterrupted Status = "interrupted"
	StatusEnded       Status = "ended"
	StatusError       Status = "error"
)

// Mode selects which pipeline carries the call.
type Mode string

const (
	ModeRealtime Mode = "realtime"
	ModeLegacy   Mode = "legacy"
)

// EventKind enumerates the closed set of normalized call events. Upstream
// protocol events, recognizer results, and playback signals are all reduced
// to this union before the orchestrator sees them, so the state machine can
// be tested without any transport attached.
type EventKind uint8

const (
	EventConnecting EventKind = iota
	EventUserSpeechStarted
	EventAgentSpeechStarted
	EventAgentSpeechEnded
	EventUserTranscriptDelta
	EventUserTranscriptFinal
	EventAgentTranscriptDelta
	EventAgentTranscriptFinal
	EventInterrupted
	EventEnded
	EventError
)

var eventKindNames = map[EventKind]string{
	EventConnecting:           "connecting",
	EventUserSpeechStarted:    "user_speech_started",
	EventAgentSpeechStarted:   "agent_speech_started",
	EventAgentSpeechEnded:     "agent_speech_ended",
	EventUserTranscriptDelta:  "user_transcript_delta",
	EventUserTranscriptFinal:  "user_transcript_final",
	EventAgentTranscriptDelta: "agent_transcript_delta",
	EventAgentTranscriptFinal: "agent_transcript_final",
	EventInterrupted:          "interrupted",
	EventEnded:                "ended",
	EventError:                "error",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is one normalized call event. Text carries the transcript payload for
// the transcript kinds; Message carries the human-readable description for
// EventError.
type Event struct {
	Kind    EventKind
	Text    string
	Message string
}

// EventSink receives normalized events. Producers must treat the sink as
// cheap and non-blocking; ordering within one producer is preserved.
type EventSink func(Event)
