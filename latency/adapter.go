// Package latency measures how much wall time a subsystem spends per step and
// turns it into latency samples for the master clock.
package latency

import (
	"log/slog"
	"time"

	wallclock "github.com/benbjohnson/clock"

	"github.com/comalice/lockstepx/clock"
)

// Reporter receives samples; *clock.Master implements it.
type Reporter interface {
	Report(s clock.LatencySample) error
}

// Measurement is the outcome of one measured step.
type Measurement struct {
	Cost   time.Duration
	Sample clock.LatencySample
}

// Adapter times subsystem steps and reports them.
//
// A step that finishes within the span of master time it covers is reported
// as having taken exactly that span: the subsystem waited for the master.
// A step that overruns is reported with its full cost, so the overrun shows up
// as positive drift. A failed step is reported as missed with zero elapsed
// time, showing up as the subsystem falling behind.
type Adapter struct {
	wall     wallclock.Clock
	reporter Reporter
	models   map[string]CircuitModel
	logger   *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithWallClock sets the clock used to time steps.
func WithWallClock(c wallclock.Clock) Option {
	return func(a *Adapter) {
		a.wall = c
	}
}

// WithModel adds modelled signal latency to the measured cost of name.
func WithModel(name string, m CircuitModel) Option {
	return func(a *Adapter) {
		a.models[name] = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = l
	}
}

// New creates an adapter reporting into r.
func New(r Reporter, opts ...Option) *Adapter {
	a := &Adapter{
		wall:     wallclock.New(),
		reporter: r,
		models:   map[string]CircuitModel{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("component", "latency")
	return a
}

// Measure runs step, times it and reports a sample for name covering span of
// master time. The step's error is returned unchanged.
func (a *Adapter) Measure(name string, span time.Duration, step func() (cycles uint64, err error)) (Measurement, error) {
	start := a.wall.Now()
	cycles, err := step()
	cost := a.wall.Since(start)

	s := clock.LatencySample{Name: name, Cycles: cycles}
	if err != nil {
		s.Missed = true
	} else {
		effective := cost
		if m, ok := a.models[name]; ok {
			effective += m.Latency(cycles)
		}
		s.Elapsed = max(span, effective)
	}

	if rerr := a.reporter.Report(s); rerr != nil {
		a.logger.Warn("latency report rejected", "subsystem", name, "error", rerr)
	}
	return Measurement{Cost: cost, Sample: s}, err
}

// Missed reports a step that did not run at all.
func (a *Adapter) Missed(name string) {
	if err := a.reporter.Report(clock.LatencySample{Name: name, Missed: true}); err != nil {
		a.logger.Warn("latency report rejected", "subsystem", name, "error", err)
	}
}
