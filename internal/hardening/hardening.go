// Package hardening applies best-effort realtime settings to the simulation
// loop's goroutine: it pins the goroutine to its OS thread and, where the
// platform allows, raises the thread's scheduling priority and restricts it
// to a set of CPUs. Every setting is undone by Release. Failures are logged
// and never stop the loop.
package hardening

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
)

// Options selects the settings to apply.
type Options struct {
	Enabled bool
	// Nice is the niceness to set on the loop thread (0 leaves it alone).
	Nice int
	// CPUs restricts the loop thread to these CPUs (empty leaves it alone).
	CPUs []int
}

// Scope holds the undo actions of one Acquire. It must be released on the
// goroutine that acquired it.
type Scope struct {
	logger   *slog.Logger
	once     sync.Once
	undo     []func() error
	locked   bool
	Applied  []string
	Failures []error
}

// Acquire applies opts to the calling goroutine's thread.
func Acquire(opts Options, logger *slog.Logger) *Scope {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scope{logger: logger.With("component", "hardening")}
	if !opts.Enabled {
		return s
	}

	runtime.LockOSThread()
	s.locked = true
	s.Applied = append(s.Applied, "thread_lock")

	if opts.Nice != 0 {
		s.apply("nice", func() (func() error, error) { return setNice(opts.Nice) })
	}
	if len(opts.CPUs) > 0 {
		s.apply("affinity", func() (func() error, error) { return setAffinity(opts.CPUs) })
	}
	s.logger.Info("realtime hardening acquired", "applied", s.Applied, "failures", len(s.Failures))
	return s
}

func (s *Scope) apply(name string, f func() (func() error, error)) {
	undo, err := f()
	if err != nil {
		s.Failures = append(s.Failures, err)
		s.logger.Warn("realtime setting not applied", "setting", name, "error", err)
		return
	}
	s.undo = append(s.undo, undo)
	s.Applied = append(s.Applied, name)
}

// Release restores the previous settings in reverse order and unlocks the
// thread. Release is idempotent.
func (s *Scope) Release() error {
	var errs []error
	s.once.Do(func() {
		for i := len(s.undo) - 1; i >= 0; i-- {
			if err := s.undo[i](); err != nil {
				errs = append(errs, err)
			}
		}
		if s.locked {
			runtime.UnlockOSThread()
		}
		if len(errs) > 0 {
			s.logger.Warn("realtime hardening not fully restored", "error", errors.Join(errs...))
		}
	})
	return errors.Join(errs...)
}

// ErrUnsupported is returned for settings the platform cannot apply.
var ErrUnsupported = errors.New("not supported on this platform")
