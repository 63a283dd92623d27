package playback

import (
	"context"
	"sync"
	"time"

	"github.com/voxbridge-ai/voxbridge/internal/call"
	"github.com/voxbridge-ai/voxbridge/pkg/commons"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultStallWindow  = 2 * time.Second
)

// Player is the underlying audio output the monitor supervises. Native
// end-of-stream and pause signals are deliberately collapsed into the polled
// Position reading: a player that stops claiming to play ends the cycle as
// completed, and one that keeps claiming to play behind a frozen playhead
// ends it through the stall window. Players therefore need no callback
// surface of their own.
type Player interface {
	Play(url string) error
	Stop() error
	// Position reports the playhead and whether the player claims to still
	// be playing.
	Position() (time.Duration, bool)
}

// Monitor supervises one playback cycle at a time and guarantees exactly
// one ended signal per cycle, whether playback finishes naturally, stalls,
// or is stopped explicitly. Players are not trusted to report completion:
// a playhead that stops advancing while the player still claims to be
// playing counts as ended.
type Monitor struct {
	logger commons.Logger
	player Player
	emit   call.EventSink

	pollInterval time.Duration
	stallWindow  time.Duration
	now          func() time.Time

	mu          sync.Mutex
	playing     bool
	endedSent   bool
	cancel      context.CancelFunc
	lastPos     time.Duration
	lastAdvance time.Time
}

// MonitorOption configures the monitor.
type MonitorOption func(*Monitor)

// WithPollInterval sets how often the playhead is sampled.
func WithPollInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.pollInterval = d }
}

// WithStallWindow sets how long the playhead may sit still before the
// cycle is declared ended.
func WithStallWindow(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.stallWindow = d }
}

// WithClock injects a time source.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor wraps a player. The monitor is idle until Play.
func NewMonitor(logger commons.Logger, player Player, emit call.EventSink, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		logger:       logger,
		player:       player,
		emit:         emit,
		pollInterval: defaultPollInterval,
		stallWindow:  defaultStallWindow,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Play starts a new cycle. A cycle already in progress is stopped first so
// its ended signal can never leak into the new one.
func (m *Monitor) Play(url string) error {
	m.mu.Lock()
	if m.playing {
		m.mu.Unlock()
		if err := m.Stop(); err != nil {
			m.logger.Warnw("failed to stop previous playback", "error", err)
		}
		m.mu.Lock()
	}

	if err := m.player.Play(url); err != nil {
		m.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.playing = true
	m.endedSent = false
	m.cancel = cancel
	m.lastPos = 0
	m.lastAdvance = m.now()
	m.mu.Unlock()

	go m.watch(ctx)
	return nil
}

// Stop halts playback. The cycle is closed silently; the caller already
// knows it stopped the audio. Idempotent.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.playing {
		m.mu.Unlock()
		return nil
	}
	m.playing = false
	m.endedSent = true
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return m.player.Stop()
}

// Playing reports whether a cycle is in progress.
func (m *Monitor) Playing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing
}

// watch samples the playhead until the cycle ends one way or another.
func (m *Monitor) watch(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := m.sample(); done {
				return
			}
		}
	}
}

// sample takes one playhead reading and returns true once the cycle is
// over.
func (m *Monitor) sample() bool {
	pos, stillPlaying := m.player.Position()

	m.mu.Lock()
	if !m.playing {
		m.mu.Unlock()
		return true
	}

	if !stillPlaying {
		m.mu.Unlock()
		m.finishCycle("completed")
		return true
	}

	if pos > m.lastPos {
		m.lastPos = pos
		m.lastAdvance = m.now()
		m.mu.Unlock()
		return false
	}

	stalled := m.now().Sub(m.lastAdvance) >= m.stallWindow
	m.mu.Unlock()

	if stalled {
		if err := m.player.Stop(); err != nil {
			m.logger.Warnw("failed to stop stalled playback", "error", err)
		}
		m.finishCycle("stalled")
		return true
	}
	return false
}

// finishCycle emits the ended signal at most once per cycle.
func (m *Monitor) finishCycle(reason string) {
	m.mu.Lock()
	if m.endedSent {
		m.mu.Unlock()
		return
	}
	m.endedSent = true
	m.playing = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	m.logger.Debugw("playback cycle finished", "reason", reason)
	m.emit(call.Event{Kind: call.EventAgentSpeechEnded})
}
