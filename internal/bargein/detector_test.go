package bargein

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxbridge-ai/voxbridge/internal/call"
	"github.com/voxbridge-ai/voxbridge/pkg/commons"
)

func loudFrame(amplitude int16, n int) []int16 {
	frame := make([]int16, n)
	for i := range frame {
		frame[i] = amplitude
	}
	return frame
}

type triggerCounter struct {
	mu    sync.Mutex
	count int
}

func (c *triggerCounter) sink(ev call.Event) {
	if ev.Kind != call.EventInterrupted {
		return
	}
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

func (c *triggerCounter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func newTestDetector(t *testing.T) (*Detector, chan []int16, *triggerCounter) {
	t.Helper()
	frames := make(chan []int16, 16)
	counter := &triggerCounter{}
	logger := commons.NewApplicationLogger(commons.WithLevel("error"))
	return NewDetector(logger, frames, counter.sink), frames, counter
}

func TestRMS(t *testing.T) {
	assert.Equal(t, 0.0, rms(nil))
	assert.Equal(t, 0.0, rms([]int16{0, 0, 0}))
	assert.InDelta(t, 1.0, rms([]int16{-32768, -32768}), 0.001, "full-scale signal has unit energy")
	assert.InDelta(t, 0.1, rms(loudFrame(3277, 960)), 0.001)
}

func TestDetector_LoudFrameTriggersOnce(t *testing.T) {
	d, frames, counter := newTestDetector(t)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	for i := 0; i < 5; i++ {
		frames <- loudFrame(8000, 960)
	}

	require.Eventually(t, func() bool { return counter.value() == 1 },
		time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, counter.value(), "a window must trigger at most once")
}

func TestDetector_QuietFramesDoNotTrigger(t *testing.T) {
	d, frames, counter := newTestDetector(t)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	for i := 0; i < 5; i++ {
		frames <- loudFrame(500, 960) // ~0.015 energy, below 0.05
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, counter.value())
}

func TestDetector_IgnoresFramesWhenStopped(t *testing.T) {
	d, frames, counter := newTestDetector(t)
	require.NoError(t, d.Start(context.Background()))
	d.Stop()

	select {
	case frames <- loudFrame(8000, 960):
	default:
		// the watcher may already have stopped draining; buffered send is fine
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, counter.value())
}

func TestDetector_RearmsAfterRestart(t *testing.T) {
	d, frames, counter := newTestDetector(t)
	ctx := context.Background()

	require.NoError(t, d.Start(ctx))
	frames <- loudFrame(8000, 960)
	require.Eventually(t, func() bool { return counter.value() == 1 },
		time.Second, time.Millisecond)
	d.Stop()

	require.NoError(t, d.Start(ctx))
	defer d.Stop()
	frames <- loudFrame(8000, 960)
	require.Eventually(t, func() bool { return counter.value() == 2 },
		time.Second, time.Millisecond)
}

func TestDetector_ThresholdIsAdjustable(t *testing.T) {
	d, frames, counter := newTestDetector(t)
	d.SetThreshold(0.5)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	frames <- loudFrame(8000, 960) // ~0.24 energy, below the raised threshold
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, counter.value())

	d.SetThreshold(0.1)
	frames <- loudFrame(8000, 960)
	require.Eventually(t, func() bool { return counter.value() == 1 },
		time.Second, time.Millisecond)
}

func TestDetector_StartWhileRunningIsNoop(t *testing.T) {
	d, _, _ := newTestDetector(t)
	ctx := context.Background()

	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.Start(ctx))
	d.Stop()
	d.Stop()
}
