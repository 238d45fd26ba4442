package nvmesim

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/nvmesim/nvmesim/test"
	"github.com/stretchr/testify/assert"
)

func TestWatcher_RunsCheck(t *testing.T) {
	l := test.NewLogger()
	var calls atomic.Int64

	w := NewWatcher(l, time.Millisecond, func() { calls.Add(1) })
	w.Start()
	defer w.End()

	w.WaitForFlip()
	assert.GreaterOrEqual(t, calls.Load(), int64(1))
}

func TestWatcher_EndStopsCalls(t *testing.T) {
	l := test.NewLogger()
	var calls atomic.Int64

	w := NewWatcher(l, time.Millisecond, func() { calls.Add(1) })
	w.Start()
	w.WaitForFlip()
	w.End()

	n := calls.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, calls.Load())

	// ending twice is harmless
	w.End()
}

func TestWatcher_WaitForFlipCompletesIteration(t *testing.T) {
	l := test.NewLogger()
	var inFlight atomic.Bool
	var sawOverlap atomic.Bool

	w := NewWatcher(l, time.Millisecond, func() {
		if !inFlight.CompareAndSwap(false, true) {
			sawOverlap.Store(true)
		}
		time.Sleep(time.Millisecond)
		inFlight.Store(false)
	})
	w.Start()
	defer w.End()

	for i := 0; i < 3; i++ {
		w.WaitForFlip()
	}
	assert.False(t, sawOverlap.Load())
}

func TestWatcher_StartTwice(t *testing.T) {
	l := test.NewLogger()
	var calls atomic.Int64

	w := NewWatcher(l, time.Millisecond, func() { calls.Add(1) })
	w.Start()
	w.Start()
	defer w.End()

	w.WaitForFlip()
	assert.GreaterOrEqual(t, calls.Load(), int64(1))
}
