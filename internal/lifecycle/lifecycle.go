// Package lifecycle holds the cooperative stop flag shared by the pipeline
// stages: Idle -> Running -> Stopping -> Stopped.
package lifecycle

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is a stage lifecycle state
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyStarted = errors.New("stage already started")
	ErrStopped        = errors.New("stage stopped")
)

// Flag is the must-stop flag of one stage. The stage loop reads MustStop
// every iteration; Stop may be called from any goroutine.
type Flag struct {
	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
	logger   *slog.Logger
}

// NewFlag creates a flag in the Idle state
func NewFlag(logger *slog.Logger) *Flag {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flag{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start moves Idle -> Running. The caller launches its loop only on nil.
func (f *Flag) Start() error {
	if f.state.CompareAndSwap(int32(Idle), int32(Running)) {
		f.logger.Info("Starting...")
		return nil
	}
	if f.State() == Running {
		return ErrAlreadyStarted
	}
	return ErrStopped
}

// Stop requests shutdown. Only the first call transitions state; later
// calls are logged and ignored. Stopping a stage that never started
// finishes it immediately.
func (f *Flag) Stop() bool {
	if f.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		f.logger.Info("Stopping...")
		f.closeStop()
		return true
	}
	if f.state.CompareAndSwap(int32(Idle), int32(Stopped)) {
		f.logger.Info("Stopping...")
		f.closeStop()
		f.closeDone()
		return true
	}
	f.logger.Info("Already stopped")
	return false
}

// MustStop reports whether the loop should exit
func (f *Flag) MustStop() bool {
	return f.State() != Running
}

// Sleep pauses the loop for d. It returns early, with false, once a stop
// has been requested.
func (f *Flag) Sleep(d time.Duration) bool {
	if d <= 0 {
		return !f.MustStop()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return !f.MustStop()
	case <-f.stopCh:
		return false
	}
}

// Finish is called by the loop on exit
func (f *Flag) Finish() {
	f.state.Store(int32(Stopped))
	f.logger.Info("Stopped.")
	f.closeDone()
}

// State returns the current state
func (f *Flag) State() State {
	return State(f.state.Load())
}

// StopRequested is closed by the first Stop call
func (f *Flag) StopRequested() <-chan struct{} {
	return f.stopCh
}

// Done is closed once the stage reaches Stopped
func (f *Flag) Done() <-chan struct{} {
	return f.done
}

func (f *Flag) closeStop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

func (f *Flag) closeDone() {
	f.doneOnce.Do(func() { close(f.done) })
}
