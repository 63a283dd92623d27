package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxbridge-ai/voxbridge/internal/call"
	"github.com/voxbridge-ai/voxbridge/internal/speech"
	"github.com/voxbridge-ai/voxbridge/pkg/commons"
)

// ============================================================================
// Test helpers
// ============================================================================

type fakeRecognizer struct {
	mu      sync.Mutex
	results chan speech.Result
	starts  int
	stops   int
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{results: make(chan speech.Result, 16)}
}

func (f *fakeRecognizer) Start(ctx context.Context) error {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	return nil
}

func (f *fakeRecognizer) Stop() error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return nil
}

func (f *fakeRecognizer) Results() <-chan speech.Result { return f.results }

func (f *fakeRecognizer) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type captureFixture struct {
	ctrl *Controller
	rec  *fakeRecognizer

	mu     sync.Mutex
	events []call.Event

	now time.Time

	timerMu sync.Mutex
	pending []func()
}

func newFixture(t *testing.T) *captureFixture {
	t.Helper()
	f := &captureFixture{
		rec: newFakeRecognizer(),
		now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	logger := commons.NewApplicationLogger(commons.WithLevel("error"))
	f.ctrl = NewController(logger, f.rec, func(ev call.Event) {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	})
	f.ctrl.now = func() time.Time { return f.now }
	f.ctrl.after = func(d time.Duration, fn func()) *time.Timer {
		f.timerMu.Lock()
		f.pending = append(f.pending, fn)
		f.timerMu.Unlock()
		// Inert real timer so Stop() calls on it are harmless.
		return time.AfterFunc(time.Hour, func() {})
	}
	return f
}

func (f *captureFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

// fireTimers runs and clears all scheduled timer callbacks.
func (f *captureFixture) fireTimers() {
	f.timerMu.Lock()
	pending := f.pending
	f.pending = nil
	f.timerMu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (f *captureFixture) pendingTimers() int {
	f.timerMu.Lock()
	defer f.timerMu.Unlock()
	return len(f.pending)
}

func (f *captureFixture) kinds() []call.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]call.EventKind, len(f.events))
	for i, ev := range f.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (f *captureFixture) finals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var finals []string
	for _, ev := range f.events {
		if ev.Kind == call.EventUserTranscriptFinal {
			finals = append(finals, ev.Text)
		}
	}
	return finals
}

// ============================================================================
// Filler filtering
// ============================================================================

func TestIsFiller(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"ok", true},
		{"Okay.", true},
		{"  Thank you!  ", true},
		{"um", true},
		{"Hmm...", true},
		{"bye", true},
		{"...", true},
		{"?!", true},
		{"", true},
		{"no", false},
		{"yes", false},
		{"okay, let's do it", false},
		{"What time is it?", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isFiller(tt.text), "text=%q", tt.text)
	}
}

func TestFinalFillerIsDiscardedAndStaysListening(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background()))

	f.ctrl.handleResult(speech.Result{Text: "Okay.", Final: true})

	assert.Empty(t, f.finals(), "filler must not be forwarded")
	assert.True(t, f.ctrl.Listening(), "filler must not close the listening window")
}

func TestFinalUtteranceIsForwardedAndClosesWindow(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background()))

	f.ctrl.handleResult(speech.Result{Text: " What's the weather? ", Final: true})

	assert.Equal(t, []string{"What's the weather?"}, f.finals())
	assert.False(t, f.ctrl.Listening())
}

// ============================================================================
// Echo suppression
// ============================================================================

func TestResultsWhileAgentSpeakingAreDiscarded(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background()))
	f.ctrl.SetAgentSpeaking(true)

	f.ctrl.handleResult(speech.Result{Text: "echo of the agent", Final: true})

	assert.Empty(t, f.kinds())
	assert.True(t, f.ctrl.Listening())
}

func TestResultsInQuietPeriodAreDiscarded(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background()))

	f.ctrl.SetAgentSpeaking(true)
	f.ctrl.SetAgentSpeaking(false)

	f.advance(EchoQuietPeriod / 2)
	f.ctrl.handleResult(speech.Result{Text: "trailing echo", Final: true})
	assert.Empty(t, f.finals(), "result inside the quiet period is echo")

	f.advance(EchoQuietPeriod)
	f.ctrl.handleResult(speech.Result{Text: "a real question", Final: true})
	assert.Equal(t, []string{"a real question"}, f.finals(), "result after the quiet period is genuine")
}

// ============================================================================
// Interim results
// ============================================================================

func TestInterimResultsEmitSpeechStartAndDeltas(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background()))

	f.ctrl.handleResult(speech.Result{Text: "hello"})
	f.ctrl.handleResult(speech.Result{Text: "hello there"})

	kinds := f.kinds()
	require.Len(t, kinds, 3)
	assert.Equal(t, call.EventUserSpeechStarted, kinds[0])
	assert.Equal(t, call.EventUserTranscriptDelta, kinds[1])
	assert.Equal(t, call.EventUserTranscriptDelta, kinds[2])

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "hello", f.events[1].Text)
	assert.Equal(t, " there", f.events[2].Text, "delta carries only the new suffix")
}

func TestAutoSendFiresAfterSilence(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background()))

	f.ctrl.handleResult(speech.Result{Text: "turn off the lights"})
	require.Equal(t, 1, f.pendingTimers(), "an interim result must schedule the silence timer")

	f.fireTimers()

	assert.Equal(t, []string{"turn off the lights"}, f.finals())
	assert.False(t, f.ctrl.Listening())
}

// ============================================================================
// Start / Stop / re-arm
// ============================================================================

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Start(ctx))
	require.NoError(t, f.ctrl.Start(ctx))
	require.NoError(t, f.ctrl.Start(ctx))

	assert.Equal(t, 1, f.rec.startCount())
}

func TestRearmIfIdle_CollapsesConcurrentRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ctrl.SetCallActive(true)

	f.ctrl.RearmIfIdle(ctx)
	f.ctrl.RearmIfIdle(ctx)
	f.ctrl.RearmIfIdle(ctx)

	assert.Equal(t, 1, f.pendingTimers(), "redundant re-arm requests must collapse")

	f.fireTimers()
	assert.Equal(t, 1, f.rec.startCount())
	assert.True(t, f.ctrl.Listening())
}

func TestRearmIfIdle_GatesAreRecheckedAtFireTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ctrl.SetCallActive(true)

	f.ctrl.RearmIfIdle(ctx)
	f.ctrl.SetAgentSpeaking(true) // agent starts talking before the timer fires
	f.fireTimers()

	assert.Equal(t, 0, f.rec.startCount(), "re-arm must not open the microphone over agent speech")
	assert.False(t, f.ctrl.Listening())
}

func TestRearmIfIdle_NoopWithoutActiveCall(t *testing.T) {
	f := newFixture(t)

	f.ctrl.RearmIfIdle(context.Background())

	assert.Equal(t, 0, f.pendingTimers())
}

func TestRearmIfIdle_NoopWhileSubmitting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ctrl.SetCallActive(true)
	f.ctrl.SetSubmitting(true)

	f.ctrl.RearmIfIdle(ctx)
	f.fireTimers()

	assert.Equal(t, 0, f.rec.startCount())
}

func TestStopClosesWindowAndRecognizer(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(context.Background()))

	require.NoError(t, f.ctrl.Stop())

	assert.False(t, f.ctrl.Listening())
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	assert.Equal(t, 1, f.rec.stops)
}
