package call

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxbridge-ai/voxbridge/pkg/commons"
)

// Session is one active voice call. Exactly one Session may be active per
// orchestrator; it is created on call start and torn down on end, error, or
// orchestrator disposal.
type Session struct {
	ID        string
	Mode      Mode
	StartedAt time.Time
	EndedAt   time.Time
	LastError string

	Handles *MediaHandles
}

// NewSession creates a session with a fresh identifier and an empty handle
// bundle.
func NewSession(mode Mode) *Session {
	return &Session{
		ID:        uuid.New().String(),
		Mode:      mode,
		StartedAt: time.Now(),
		Handles:   NewMediaHandles(),
	}
}

// MediaHandles is the exclusive ownership bundle for every per-call media
// resource: the local microphone stream, the peer connection, the event
// channel, the remote audio sink, and any timers. Owners register release
// steps in teardown order; Release runs them exactly once, each step guarded
// so a failure in one does not skip the rest.
type MediaHandles struct {
	mu       sync.Mutex
	steps    []teardownStep
	released bool
}

type teardownStep struct {
	name string
	fn   func() error
}

// NewMediaHandles returns an empty bundle.
func NewMediaHandles() *MediaHandles {
	return &MediaHandles{}
}

// Register appends a named release step. Steps run in registration order on
// Release. Registering after Release runs the step immediately so a resource
// acquired during a racing teardown does not leak.
func (h *MediaHandles) Register(name string, fn func() error) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		_ = fn()
		return
	}
	h.steps = append(h.steps, teardownStep{name: name, fn: fn})
	h.mu.Unlock()
}

// Release runs every registered step in order. It is idempotent and safe to
// call from multiple goroutines or multiple times, including mid-negotiation.
// Step failures are logged and do not stop the remaining steps.
func (h *MediaHandles) Release(logger commons.Logger) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	steps := h.steps
	h.steps = nil
	h.mu.Unlock()

	for _, step := range steps {
		if err := step.fn(); err != nil {
			logger.Warnw("media handle release step failed", "step", step.name, "error", err)
		}
	}
}

// Released reports whether Release has run.
func (h *MediaHandles) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}
