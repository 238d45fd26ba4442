package nvmesim

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultChangeCheckInterval = 2 * time.Millisecond

// Watcher periodically drives a check function from its own goroutine, the
// simulator's stand-in for a controller core polling its doorbells. End
// lets the in-flight iteration finish before the goroutine exits.
type Watcher struct {
	interval time.Duration
	check    func()

	mu    sync.Mutex
	cond  *sync.Cond
	flips uint64

	stop chan struct{}
	done chan struct{}

	l *logrus.Logger
}

func NewWatcher(l *logrus.Logger, interval time.Duration, check func()) *Watcher {
	if interval <= 0 {
		interval = defaultChangeCheckInterval
	}

	w := &Watcher{
		interval: interval,
		check:    check,
		l:        l,
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Start launches the polling goroutine. Calling Start on a running watcher
// is a no-op.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return
	}

	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(w.stop, w.done)
	w.l.WithField("interval", w.interval).Debug("Doorbell watcher started")
}

func (w *Watcher) run(stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}

		w.check()

		w.mu.Lock()
		w.flips++
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

// End stops the watcher and blocks until the current iteration has finished.
func (w *Watcher) End() {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.stop = nil
	w.done = nil
	w.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	w.l.Debug("Doorbell watcher ended")
}

// WaitForFlip blocks until at least one complete iteration has run after the
// call. Used by tests to step the simulation deterministically.
func (w *Watcher) WaitForFlip() {
	w.mu.Lock()
	defer w.mu.Unlock()

	// an iteration may already be mid-run, so wait out two flips to be sure
	// a full one started after us
	target := w.flips + 2
	for w.flips < target {
		w.cond.Wait()
	}
}
