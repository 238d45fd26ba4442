package nvmesim

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Control is the handle a host harness or the command line driver gets back
// from Main. In the default threaded mode it owns the doorbell watcher and
// the register observer goroutine; in single threaded mode both are elided
// and the host drives the simulation through Step.
type Control struct {
	ctrl    *Controller
	watcher *Watcher
	l       *logrus.Logger
	cancel  context.CancelFunc
	started bool
}

// Controller exposes the engine for harnesses that need direct access.
func (c *Control) Controller() *Controller {
	return c.ctrl
}

// SingleThreaded reports whether the watcher was elided.
func (c *Control) SingleThreaded() bool {
	return c.watcher == nil
}

// Start launches the background tasks. This is a nonblocking call; use
// ShutdownBlock to wait for a signal. A no-op in single threaded mode.
func (c *Control) Start() {
	if c.started {
		return
	}
	c.started = true

	if c.watcher == nil {
		c.l.Info("Single threaded mode, drive the controller with Step")
		return
	}

	go c.ctrl.runRegisterObserver()
	c.watcher.Start()
}

// Step advances the simulation: in single threaded mode it runs one register
// reconcile pass plus one doorbell sweep synchronously, so every host register
// write made before the call has been observed when it returns. In threaded
// mode it blocks until the watcher has completed a full iteration, so doorbell
// writes made before the call have been swept; CC.EN changes are applied by
// the register observer goroutine on its own schedule.
func (c *Control) Step() {
	if c.watcher == nil {
		c.ctrl.regs.Reconcile()
		c.ctrl.CheckForChanges()
		return
	}

	c.watcher.WaitForFlip()
}

// Stop ends the config watcher, the doorbell watcher and the register
// observer. It waits only for the doorbell watcher to finish its iteration;
// the other two goroutines are signalled and exit on their own. The register
// images remain readable afterwards.
func (c *Control) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.watcher != nil {
		c.watcher.End()
	}
	c.ctrl.Close()
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}
