package capture

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/voxbridge-ai/voxbridge/internal/call"
	"github.com/voxbridge-ai/voxbridge/internal/speech"
	"github.com/voxbridge-ai/voxbridge/pkg/commons"
)

const (
	// EchoQuietPeriod is how long after agent speech a final transcript is
	// still treated as echo of the agent's own audio.
	EchoQuietPeriod = time.Second

	// RearmDelay debounces re-arming so playback teardown settles before the
	// microphone listens again.
	RearmDelay = 300 * time.Millisecond

	// DefaultAutoSendDelay closes an utterance after this much silence when
	// the recognizer never marks it final itself.
	DefaultAutoSendDelay = 3 * time.Second
)

// fillerPhrases are short acknowledgements that never warrant a reply.
// Matched case-insensitively after trimming surrounding punctuation.
var fillerPhrases = map[string]struct{}{
	"ok":        {},
	"okay":      {},
	"thanks":    {},
	"thank you": {},
	"um":        {},
	"uh":        {},
	"hmm":       {},
	"bye":       {},
}

// Controller owns the microphone listening window of the legacy pipeline:
// it starts and stops the recognizer, suppresses echo of agent audio,
// filters filler utterances, and re-arms itself between turns.
type Controller struct {
	logger commons.Logger
	rec    speech.Recognizer
	emit   call.EventSink

	now   func() time.Time
	after func(time.Duration, func()) *time.Timer

	mu            sync.Mutex
	listening     bool
	callActive    bool
	agentSpeaking bool
	submitting    bool
	rearmPending  bool
	quietUntil    time.Time
	sent          string
	interim       string
	autoSendDelay time.Duration
	autoSendTimer *time.Timer

	pumpOnce sync.Once
}

// NewController wires a recognizer to the event sink. The controller is
// inert until Start.
func NewController(logger commons.Logger, rec speech.Recognizer, emit call.EventSink) *Controller {
	return &Controller{
		logger:        logger,
		rec:           rec,
		emit:          emit,
		now:           time.Now,
		after:         time.AfterFunc,
		autoSendDelay: DefaultAutoSendDelay,
	}
}

// Listening reports whether a listening window is open.
func (c *Controller) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

// SetCallActive gates listening on an active call. Deactivating also
// defuses any pending re-arm.
func (c *Controller) SetCallActive(active bool) {
	c.mu.Lock()
	c.callActive = active
	c.mu.Unlock()
}

// SetAgentSpeaking tracks agent playback. The end of agent speech opens the
// echo quiet period.
func (c *Controller) SetAgentSpeaking(speaking bool) {
	c.mu.Lock()
	c.agentSpeaking = speaking
	if !speaking {
		c.quietUntil = c.now().Add(EchoQuietPeriod)
	}
	c.mu.Unlock()
}

// SetSubmitting tracks the chat submission round-trip; the microphone never
// re-arms while a submission is in flight.
func (c *Controller) SetSubmitting(submitting bool) {
	c.mu.Lock()
	c.submitting = submitting
	c.mu.Unlock()
}

// SetAutoSendDelay adjusts the silence window that closes an utterance.
func (c *Controller) SetAutoSendDelay(d time.Duration) {
	c.mu.Lock()
	if d > 0 {
		c.autoSendDelay = d
	}
	c.mu.Unlock()
}

// Start opens a listening window. Starting while already listening is a
// no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.listening {
		c.mu.Unlock()
		return nil
	}
	c.listening = true
	c.sent = ""
	c.interim = ""
	c.mu.Unlock()

	if err := c.rec.Start(ctx); err != nil {
		c.mu.Lock()
		c.listening = false
		c.mu.Unlock()
		return err
	}

	c.pumpOnce.Do(func() {
		go c.consumeResults()
	})
	c.logger.Debugw("microphone listening")
	return nil
}

// Stop closes the listening window. Idempotent.
func (c *Controller) Stop() error {
	c.mu.Lock()
	c.listening = false
	c.interim = ""
	c.sent = ""
	if c.autoSendTimer != nil {
		c.autoSendTimer.Stop()
		c.autoSendTimer = nil
	}
	c.mu.Unlock()
	return c.rec.Stop()
}

// RearmIfIdle schedules a delayed re-arm. Redundant calls while one is
// pending collapse into a single re-arm; the gates are re-checked when the
// timer fires.
func (c *Controller) RearmIfIdle(ctx context.Context) {
	c.mu.Lock()
	if c.rearmPending || c.listening || !c.callActive {
		c.mu.Unlock()
		return
	}
	c.rearmPending = true
	c.mu.Unlock()

	c.after(RearmDelay, func() {
		c.mu.Lock()
		c.rearmPending = false
		blocked := !c.callActive || c.listening || c.agentSpeaking || c.submitting
		c.mu.Unlock()
		if blocked {
			return
		}
		if err := c.Start(ctx); err != nil {
			c.logger.Warnw("microphone re-arm failed", "error", err)
		}
	})
}

// consumeResults is the single reader of the recognizer's result stream.
func (c *Controller) consumeResults() {
	for result := range c.rec.Results() {
		c.handleResult(result)
	}
}

func (c *Controller) handleResult(result speech.Result) {
	c.mu.Lock()
	if !c.listening {
		c.mu.Unlock()
		return
	}
	if c.agentSpeaking || c.now().Before(c.quietUntil) {
		c.mu.Unlock()
		c.logger.Debugw("discarding echo transcript", "text", result.Text)
		return
	}

	if !result.Final {
		first := c.interim == ""
		delta := diffDelta(c.sent, result.Text)
		c.interim = result.Text
		c.sent = result.Text
		c.scheduleAutoSendLocked()
		c.mu.Unlock()

		if first {
			c.emit(call.Event{Kind: call.EventUserSpeechStarted})
		}
		if delta != "" {
			c.emit(call.Event{Kind: call.EventUserTranscriptDelta, Text: delta})
		}
		return
	}

	if c.autoSendTimer != nil {
		c.autoSendTimer.Stop()
		c.autoSendTimer = nil
	}
	c.interim = ""
	c.sent = ""
	c.mu.Unlock()

	c.finishUtterance(result.Text)
}

// finishUtterance closes the window and forwards the utterance, unless it
// is filler.
func (c *Controller) finishUtterance(text string) {
	if isFiller(text) {
		c.logger.Debugw("discarding filler utterance", "text", text)
		return
	}

	c.mu.Lock()
	c.listening = false
	c.mu.Unlock()
	if err := c.rec.Stop(); err != nil {
		c.logger.Warnw("recognizer stop failed", "error", err)
	}
	c.emit(call.Event{Kind: call.EventUserTranscriptFinal, Text: strings.TrimSpace(text)})
}

// scheduleAutoSendLocked restarts the silence timer. Called with c.mu held.
func (c *Controller) scheduleAutoSendLocked() {
	if c.autoSendTimer != nil {
		c.autoSendTimer.Stop()
	}
	c.autoSendTimer = c.after(c.autoSendDelay, c.autoSend)
}

// autoSend fires when the recognizer stays quiet after interim results; the
// accumulated interim text becomes the utterance.
func (c *Controller) autoSend() {
	c.mu.Lock()
	text := c.interim
	if !c.listening || text == "" {
		c.mu.Unlock()
		return
	}
	c.interim = ""
	c.sent = ""
	c.autoSendTimer = nil
	c.mu.Unlock()

	c.finishUtterance(text)
}

// isFiller reports whether an utterance is an acknowledgement or
// punctuation-only fragment that should not produce a reply.
func isFiller(text string) bool {
	norm := strings.ToLower(strings.TrimSpace(text))
	norm = strings.Trim(norm, ".,!?;:-…\"'")
	norm = strings.TrimSpace(norm)
	if norm == "" {
		return true
	}
	_, ok := fillerPhrases[norm]
	return ok
}

// diffDelta returns the newly added suffix when the recognizer grows the
// same utterance, or the whole text when it rewrites it.
func diffDelta(sent, text string) string {
	if sent != "" && strings.HasPrefix(text, sent) {
		return text[len(sent):]
	}
	return text
}
