// Package physics drives a black-box physics world at a fixed timestep,
// aligned to the master clock through the rate scheduler.
package physics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/comalice/lockstepx/clock"
	"github.com/comalice/lockstepx/latency"
	"github.com/comalice/lockstepx/schedule"
)

// World is the physics engine. The stepper owns it exclusively.
type World interface {
	Step(dt time.Duration) error
}

// WorldFunc adapts a function to World.
type WorldFunc func(dt time.Duration) error

func (f WorldFunc) Step(dt time.Duration) error { return f(dt) }

// Stepper is a scheduler consumer advancing its world by exactly one fixed dt
// per fire.
type Stepper struct {
	world   World
	class   schedule.RateClass
	name    string
	adapter *latency.Adapter
	observe func(name string, m latency.Measurement)
	logger  *slog.Logger

	mu       sync.Mutex
	steps    uint64
	failures uint64
	lastFire time.Duration // master time of the previous measured fire
}

// Option configures a Stepper.
type Option func(*Stepper)

// WithRateClass overrides the default 50 Hz class; its period becomes dt.
func WithRateClass(rc schedule.RateClass) Option {
	return func(s *Stepper) {
		s.class = rc
	}
}

// WithName sets the subsystem name used for latency samples.
func WithName(name string) Option {
	return func(s *Stepper) {
		s.name = name
	}
}

// WithLatency reports the wall cost of every step through a.
func WithLatency(a *latency.Adapter) Option {
	return func(s *Stepper) {
		s.adapter = a
	}
}

// WithObserver is called with every measurement taken through WithLatency.
func WithObserver(fn func(name string, m latency.Measurement)) Option {
	return func(s *Stepper) {
		s.observe = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stepper) {
		s.logger = l
	}
}

// New creates a stepper for world.
func New(world World, opts ...Option) (*Stepper, error) {
	if world == nil {
		return nil, fmt.Errorf("physics: nil world")
	}
	s := &Stepper{
		world: world,
		class: schedule.Physics,
		name:  clock.Physics,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.class.Period <= 0 {
		return nil, fmt.Errorf("physics: rate class %q has no period", s.class.Name)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "physics")
	return s, nil
}

// RateClass returns the class to register the stepper with.
func (s *Stepper) RateClass() schedule.RateClass { return s.class }

// Dt returns the fixed timestep.
func (s *Stepper) Dt() time.Duration { return s.class.Period }

// Name returns the subsystem name.
func (s *Stepper) Name() string { return s.name }

// ScheduledUpdate advances the world by dt. The scheduler period is ignored:
// the timestep never varies.
//
// The latency sample covers the master time since the previous fire, not
// dt. When the host step does not divide dt, fires land up to one period
// late and the window changes from fire to fire; only compute time beyond
// the window counts as drift.
func (s *Stepper) ScheduledUpdate(ctx context.Context, now, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dt := s.class.Period
	step := func() (uint64, error) { return 0, s.world.Step(dt) }

	var err error
	if s.adapter != nil {
		s.mu.Lock()
		window := max(now-s.lastFire, 0)
		s.lastFire = now
		s.mu.Unlock()

		var m latency.Measurement
		m, err = s.adapter.Measure(s.name, window, step)
		if s.observe != nil {
			s.observe(s.name, m)
		}
	} else {
		_, err = step()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failures++
		return fmt.Errorf("physics step at %v: %w", now, err)
	}
	s.steps++
	return nil
}

// StepCount returns the number of completed steps.
func (s *Stepper) StepCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

// Failures returns the number of failed steps.
func (s *Stepper) Failures() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// SimulatedTime returns the world time covered so far.
func (s *Stepper) SimulatedTime() time.Duration {
	return time.Duration(s.StepCount()) * s.class.Period
}

// Reset zeroes the counters and the fire window. The world itself is not
// touched.
func (s *Stepper) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = 0
	s.failures = 0
	s.lastFire = 0
}
