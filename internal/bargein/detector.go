package bargein

import (
	"context"
	"math"
	"sync"

	"github.com/voxbridge-ai/voxbridge/internal/call"
	"github.com/voxbridge-ai/voxbridge/pkg/commons"
)

// DefaultThreshold is the normalized RMS energy above which microphone
// input counts as the user speaking over the agent.
const DefaultThreshold = 0.05

// Detector watches microphone energy while the agent is speaking and fires
// a single interruption per armed window. It is armed by Start when
// playback begins and released by Stop when playback ends; outside that
// window microphone energy is ignored entirely.
type Detector struct {
	logger commons.Logger
	frames <-chan []int16
	emit   call.EventSink

	mu        sync.Mutex
	threshold float64
	running   bool
	triggered bool
	cancel    context.CancelFunc
}

// NewDetector wraps a PCM frame source. The detector is inert until Start.
func NewDetector(logger commons.Logger, frames <-chan []int16, emit call.EventSink) *Detector {
	return &Detector{
		logger:    logger,
		frames:    frames,
		emit:      emit,
		threshold: DefaultThreshold,
	}
}

// SetThreshold adjusts the trigger level. Non-positive values are ignored.
func (d *Detector) SetThreshold(threshold float64) {
	d.mu.Lock()
	if threshold > 0 {
		d.threshold = threshold
	}
	d.mu.Unlock()
}

// Start arms the detector for one playback window. Starting an armed
// detector is a no-op.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.triggered = false
	watchCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	go d.watch(watchCtx)
	return nil
}

// Stop releases the detector. Idempotent.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// watch drains microphone frames until the window closes or a trigger
// fires. Frames are also drained after a trigger so the capture tee never
// backs up.
func (d *Detector) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-d.frames:
			if !ok {
				return
			}
			d.sample(frame)
		}
	}
}

func (d *Detector) sample(frame []int16) {
	energy := rms(frame)

	d.mu.Lock()
	if !d.running || d.triggered || energy < d.threshold {
		d.mu.Unlock()
		return
	}
	d.triggered = true
	threshold := d.threshold
	d.mu.Unlock()

	d.logger.Infow("barge-in detected", "energy", energy, "threshold", threshold)
	d.emit(call.Event{Kind: call.EventInterrupted})
}

// rms computes the normalized root-mean-square energy of a PCM frame in
// [0, 1].
func rms(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum/float64(len(frame))) / 32768.0
}
