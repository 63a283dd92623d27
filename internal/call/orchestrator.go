package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voxbridge-ai/voxbridge/pkg/commons"
)

// EventChannelSize buffers normalized events between producers and the
// single orchestrator consumer. Events are small; the consumer is fast.
const EventChannelSize = 256

// StatusConnecting is a transport-internal state. It never appears as the
// orchestrator's visible status; the derivation maps it to StatusProcessing.
const StatusConnecting Status = "connecting"

// ChatClient is the chat-path collaborator for the legacy pipeline: submit a
// finished utterance as a message, cancel a reply mid-generation, and obtain
// the synthesized audio for the latest reply.
type ChatClient interface {
	SubmitMessage(ctx context.Context, text string) error
	StopGeneration(ctx context.Context) error
	LatestReplyAudio() (string, bool)
}

// PlaybackControl drives synthesized-reply playback.
type PlaybackControl interface {
	Play(url string) error
	Stop() error
}

// CaptureControl is the orchestrator's view of the capture controller.
type CaptureControl interface {
	Start(ctx context.Context) error
	Stop() error
	RearmIfIdle(ctx context.Context)
	Listening() bool
	SetAgentSpeaking(speaking bool)
	SetSubmitting(submitting bool)
	SetCallActive(active bool)
	SetAutoSendDelay(d time.Duration)
}

// TransportControl is the orchestrator's view of the realtime transport.
// Connect registers every acquired media resource into the session's handle
// bundle so teardown runs in a fixed order.
type TransportControl interface {
	Connect(ctx context.Context, handles *MediaHandles) error
	Interrupt() error
	Close() error
	Status() Status
}

// BargeControl is the orchestrator's view of the barge-in detector.
type BargeControl interface {
	Start(ctx context.Context) error
	Stop()
	SetThreshold(threshold float64)
}

// Journal records call sessions for later inspection. Implementations must
// tolerate Finish without a matching Begin.
type Journal interface {
	Begin(ctx context.Context, s *Session) error
	Finish(ctx context.Context, s *Session, status Status) error
}

// Settings are the per-call tunables the user can change mid-call. They are
// snapshotted when a call starts and restored when it ends.
type Settings struct {
	AutoSendDelay     time.Duration
	PlaybackAutoStart bool
	BargeInThreshold  float64
}

// DefaultSettings mirror the defaults a fresh client starts with.
func DefaultSettings() Settings {
	return Settings{
		AutoSendDelay:     3 * time.Second,
		PlaybackAutoStart: true,
		BargeInThreshold:  0.05,
	}
}

// Deps bundles the orchestrator's collaborators. Transport is required for
// realtime calls; Chat, Capture, Playback, and BargeIn for legacy calls.
// Journal is optional.
type Deps struct {
	Chat      ChatClient
	Playback  PlaybackControl
	Capture   CaptureControl
	Transport TransportControl
	BargeIn   BargeControl
	Journal   Journal
}

// Orchestrator is the top-level call state machine. It is the single
// consumer of the normalized event stream, derives one externally visible
// Status, and drives all cross-component side effects: generation
// cancellation, playback stop, microphone re-arming, transcript updates.
type Orchestrator struct {
	logger commons.Logger
	deps   Deps

	events chan Event

	mu             sync.Mutex
	session        *Session
	mode           Mode
	micListening   bool
	submitting     bool
	playing        bool
	interrupted    bool
	failed         bool
	ended          bool
	interim        string
	settings       Settings
	settingsBackup Settings

	onStatus     func(Status, string)
	onTranscript func(Speaker, string, bool)
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithStatusObserver registers a callback invoked with every derived status
// change plus the associated human-readable message (empty unless error).
func WithStatusObserver(fn func(Status, string)) Option {
	return func(o *Orchestrator) { o.onStatus = fn }
}

// WithTranscriptObserver registers a callback for visible transcript updates.
func WithTranscriptObserver(fn func(Speaker, string, bool)) Option {
	return func(o *Orchestrator) { o.onTranscript = fn }
}

// NewOrchestrator wires the collaborators together. The returned
// orchestrator is idle until StartCall; Run must be started for events to be
// consumed.
func NewOrchestrator(logger commons.Logger, deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:   logger,
		deps:     deps,
		events:   make(chan Event, EventChannelSize),
		settings: DefaultSettings(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Sink returns the event sink handed to producing components. All producers
// feed the same channel; FIFO ordering per producer is preserved and the
// single Run loop guarantees no concurrent dispatch.
func (o *Orchestrator) Sink() EventSink {
	return o.Publish
}

// Publish enqueues a normalized event (non-blocking). A full channel drops
// the event with a warning rather than stalling a media callback.
func (o *Orchestrator) Publish(ev Event) {
	select {
	case o.events <- ev:
	default:
		o.logger.Warnw("event channel full, dropping event", "kind", ev.Kind.String())
	}
}

// Run consumes events until ctx is cancelled. It must be called exactly once.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.EndCall(context.Background())
			return
		case ev := <-o.events:
			o.handleEvent(ctx, ev)
		}
	}
}

// ============================================================================
// Call lifecycle
// ============================================================================

// StartCall begins a new call in the given mode. Any previous session is
// fully torn down first; per-call settings are snapshotted so EndCall can
// restore them.
func (o *Orchestrator) StartCall(ctx context.Context, mode Mode) error {
	o.mu.Lock()
	if o.session != nil && !o.ended {
		prev := o.session
		o.mu.Unlock()
		o.logger.Infow("tearing down previous call before starting a new one", "session", prev.ID)
		o.EndCall(ctx)
		o.mu.Lock()
	}

	session := NewSession(mode)
	o.session = session
	o.mode = mode
	o.micListening = false
	o.submitting = false
	o.playing = false
	o.interrupted = false
	o.failed = false
	o.ended = false
	o.interim = ""
	o.settingsBackup = o.settings
	o.mu.Unlock()

	if o.deps.Journal != nil {
		if err := o.deps.Journal.Begin(ctx, session); err != nil {
			o.logger.Warnw("failed to journal call start", "session", session.ID, "error", err)
		}
	}

	o.logger.Infow("call started", "session", session.ID, "mode", mode)
	o.notifyStatus()

	switch mode {
	case ModeRealtime:
		if o.deps.Transport == nil {
			return fmt.Errorf("realtime mode requires a transport")
		}
		go func() {
			if err := o.deps.Transport.Connect(ctx, session.Handles); err != nil {
				o.Publish(Event{Kind: EventError, Message: err.Error()})
			}
		}()
	case ModeLegacy:
		if o.deps.Capture == nil {
			return fmt.Errorf("legacy mode requires a capture controller")
		}
		o.deps.Capture.SetCallActive(true)
		o.deps.Capture.SetAutoSendDelay(o.CurrentSettings().AutoSendDelay)
		go func() {
			if err := o.deps.Capture.Start(ctx); err != nil {
				o.Publish(Event{Kind: EventError, Message: err.Error()})
			}
		}()
	default:
		return fmt.Errorf("unknown call mode %q", mode)
	}
	return nil
}

// EndCall ends the active call and releases every per-call resource. It is
// idempotent and safe to invoke mid-negotiation or multiple times.
func (o *Orchestrator) EndCall(ctx context.Context) {
	o.mu.Lock()
	session := o.session
	alreadyEnded := o.ended
	o.ended = true
	o.mu.Unlock()

	if session == nil || alreadyEnded {
		return
	}

	if o.deps.Transport != nil {
		if err := o.deps.Transport.Close(); err != nil {
			o.logger.Warnw("transport close failed", "error", err)
		}
	}
	if o.deps.Capture != nil {
		o.deps.Capture.SetCallActive(false)
		if err := o.deps.Capture.Stop(); err != nil {
			o.logger.Warnw("capture stop failed", "error", err)
		}
	}
	if o.deps.BargeIn != nil {
		o.deps.BargeIn.Stop()
	}
	if o.deps.Playback != nil {
		if err := o.deps.Playback.Stop(); err != nil {
			o.logger.Warnw("playback stop failed", "error", err)
		}
	}

	session.Handles.Release(o.logger)
	session.EndedAt = time.Now()

	o.mu.Lock()
	o.playing = false
	o.micListening = false
	o.submitting = false
	o.interim = ""
	// Restore whatever the settings were immediately before the call started.
	o.settings = o.settingsBackup
	finalStatus := StatusEnded
	if o.failed {
		finalStatus = StatusError
	}
	o.mu.Unlock()

	if o.deps.Journal != nil {
		if err := o.deps.Journal.Finish(ctx, session, finalStatus); err != nil {
			o.logger.Warnw("failed to journal call end", "session", session.ID, "error", err)
		}
	}

	o.logger.Infow("call ended", "session", session.ID, "status", finalStatus)
	o.notifyStatus()
}

// ============================================================================
// Event handling
// ============================================================================

func (o *Orchestrator) handleEvent(ctx context.Context, ev Event) {
	o.mu.Lock()
	session := o.session
	o.mu.Unlock()
	if session == nil {
		return
	}

	switch ev.Kind {
	case EventConnecting:
		o.notifyStatus()

	case EventUserSpeechStarted:
		o.mu.Lock()
		o.micListening = true
		o.interrupted = false
		o.mu.Unlock()
		o.notifyStatus()

	case EventAgentSpeechStarted:
		o.mu.Lock()
		o.playing = true
		o.mu.Unlock()
		o.notifyStatus()
		if o.mode == ModeLegacy {
			o.startBargeIn(ctx)
			if o.deps.Capture != nil {
				o.deps.Capture.SetAgentSpeaking(true)
			}
		}

	case EventAgentSpeechEnded:
		o.mu.Lock()
		o.playing = false
		o.mu.Unlock()
		if o.mode == ModeLegacy {
			if o.deps.BargeIn != nil {
				o.deps.BargeIn.Stop()
			}
			if o.deps.Capture != nil {
				o.deps.Capture.SetAgentSpeaking(false)
				o.deps.Capture.RearmIfIdle(ctx)
			}
		}
		o.notifyStatus()

	case EventUserTranscriptDelta:
		o.mu.Lock()
		o.interim += ev.Text
		interim := o.interim
		o.mu.Unlock()
		o.notifyTranscript(SpeakerUser, interim, false)

	case EventUserTranscriptFinal:
		o.mu.Lock()
		o.interim = ""
		o.mu.Unlock()
		o.notifyTranscript(SpeakerUser, ev.Text, true)
		if o.mode == ModeLegacy {
			go o.submitUtterance(ctx, ev.Text)
		}

	case EventAgentTranscriptDelta:
		o.notifyTranscript(SpeakerAgent, ev.Text, false)

	case EventAgentTranscriptFinal:
		o.notifyTranscript(SpeakerAgent, ev.Text, true)

	case EventInterrupted:
		o.handleInterruption(ctx)

	case EventEnded:
		o.EndCall(ctx)

	case EventError:
		o.mu.Lock()
		o.failed = true
		session.LastError = ev.Message
		o.mu.Unlock()
		o.logger.Errorw("call failed", "session", session.ID, "error", ev.Message)
		// A terminal error ends the call: the same teardown EndCall performs,
		// so the microphone, detector, and playback never outlive the failure.
		o.EndCall(ctx)
	}
}

// handleInterruption applies the barge-in ordering invariant: cancel any
// reply mid-generation and stop in-flight playback before any re-arm can
// happen.
func (o *Orchestrator) handleInterruption(ctx context.Context) {
	o.mu.Lock()
	submitting := o.submitting
	playing := o.playing
	o.interrupted = true
	o.playing = false
	o.mu.Unlock()

	o.logger.Infow("interruption", "mode", o.mode, "generating", submitting, "playing", playing)

	switch o.mode {
	case ModeRealtime:
		if o.deps.Transport != nil {
			if err := o.deps.Transport.Interrupt(); err != nil {
				o.logger.Warnw("transport interrupt failed", "error", err)
			}
		}
	case ModeLegacy:
		// 1. Cancel generation first so no further audio is produced.
		if submitting && o.deps.Chat != nil {
			if err := o.deps.Chat.StopGeneration(ctx); err != nil {
				o.logger.Warnw("stop generation failed", "error", err)
			}
		}
		// 2. Silence what is already playing.
		if o.deps.Playback != nil {
			if err := o.deps.Playback.Stop(); err != nil {
				o.logger.Warnw("playback stop failed", "error", err)
			}
		}
		if o.deps.BargeIn != nil {
			o.deps.BargeIn.Stop()
		}
		// 3. Only now is the microphone allowed back.
		if o.deps.Capture != nil {
			o.deps.Capture.SetAgentSpeaking(false)
			o.deps.Capture.RearmIfIdle(ctx)
		}
	}
	o.notifyStatus()
}

// submitUtterance carries one finished utterance through the chat path and
// auto-plays the synthesized reply.
func (o *Orchestrator) submitUtterance(ctx context.Context, text string) {
	o.mu.Lock()
	if o.submitting || o.ended {
		o.mu.Unlock()
		return
	}
	o.submitting = true
	autoPlay := o.settings.PlaybackAutoStart
	o.mu.Unlock()

	if o.deps.Capture != nil {
		o.deps.Capture.SetSubmitting(true)
	}
	o.notifyStatus()

	err := o.deps.Chat.SubmitMessage(ctx, text)

	o.mu.Lock()
	o.submitting = false
	interrupted := o.interrupted
	o.mu.Unlock()
	if o.deps.Capture != nil {
		o.deps.Capture.SetSubmitting(false)
	}

	if err != nil {
		o.Publish(Event{Kind: EventError, Message: err.Error()})
		return
	}
	if interrupted {
		return
	}

	if autoPlay {
		if url, ok := o.deps.Chat.LatestReplyAudio(); ok {
			if err := o.deps.Playback.Play(url); err != nil {
				o.logger.Warnw("reply playback failed", "error", err)
				o.Publish(Event{Kind: EventAgentSpeechEnded})
				return
			}
			o.Publish(Event{Kind: EventAgentSpeechStarted})
			return
		}
	}
	// No audio to play; the turn is over, re-arm directly.
	o.Publish(Event{Kind: EventAgentSpeechEnded})
}

func (o *Orchestrator) startBargeIn(ctx context.Context) {
	if o.deps.BargeIn == nil {
		return
	}
	o.mu.Lock()
	o.deps.BargeIn.SetThreshold(o.settings.BargeInThreshold)
	o.mu.Unlock()
	if err := o.deps.BargeIn.Start(ctx); err != nil {
		o.logger.Warnw("barge-in detector start failed", "error", err)
	}
}

// ============================================================================
// Status derivation
// ============================================================================

// Status derives the single externally visible call status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deriveLocked()
}

func (o *Orchestrator) deriveLocked() Status {
	if o.session == nil {
		return StatusIdle
	}
	if o.failed {
		return StatusError
	}
	if o.ended {
		return StatusEnded
	}
	if o.interrupted {
		return StatusInterrupted
	}

	if o.mode == ModeRealtime {
		// The transport state machine is authoritative in realtime mode.
		status := StatusConnecting
		if o.deps.Transport != nil {
			status = o.deps.Transport.Status()
		}
		if status == StatusConnecting || status == StatusIdle {
			return StatusProcessing
		}
		return status
	}

	// Legacy: highest priority first, listening > processing > speaking.
	listening := o.micListening
	if o.deps.Capture != nil {
		listening = o.deps.Capture.Listening()
	}
	switch {
	case listening:
		return StatusListening
	case o.submitting:
		return StatusProcessing
	case o.playing:
		return StatusSpeaking
	default:
		return StatusIdle
	}
}

func (o *Orchestrator) notifyStatus() {
	if o.onStatus == nil {
		return
	}
	o.mu.Lock()
	status := o.deriveLocked()
	message := ""
	if o.session != nil {
		message = o.session.LastError
	}
	o.mu.Unlock()
	o.onStatus(status, message)
}

func (o *Orchestrator) notifyTranscript(speaker Speaker, text string, final bool) {
	if o.onTranscript != nil {
		o.onTranscript(speaker, text, final)
	}
}

// ============================================================================
// Per-call settings
// ============================================================================

// CurrentSettings returns a copy of the current per-call settings.
func (o *Orchestrator) CurrentSettings() Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// UpdateSettings applies mid-call tunable changes. Changes made during a call
// are reverted by EndCall.
func (o *Orchestrator) UpdateSettings(s Settings) {
	o.mu.Lock()
	o.settings = s
	o.mu.Unlock()
	if o.deps.BargeIn != nil {
		o.deps.BargeIn.SetThreshold(s.BargeInThreshold)
	}
	if o.deps.Capture != nil {
		o.deps.Capture.SetAutoSendDelay(s.AutoSendDelay)
	}
}

// ActiveSession returns the current session, or nil.
func (o *Orchestrator) ActiveSession() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}
