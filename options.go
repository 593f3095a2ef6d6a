package lockstepx

import (
	"log/slog"
	"time"

	wallclock "github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/comalice/lockstepx/clock"
	"github.com/comalice/lockstepx/latency"
	"github.com/comalice/lockstepx/physics"
	"github.com/comalice/lockstepx/schedule"
	"github.com/comalice/lockstepx/step"
	"github.com/comalice/lockstepx/telemetry"
	"github.com/comalice/lockstepx/validate"
)

// Option configures a Session.
type Option func(*Session)

// WithID sets the session ID (default: a random UUID).
func WithID(id string) Option {
	return func(s *Session) {
		s.id = id
	}
}

// WithLogger sets the base logger for every component of the session.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithWallClock sets the wall clock used for latency measurement, time
// ratios and validation timestamps.
func WithWallClock(c wallclock.Clock) Option {
	return func(s *Session) {
		s.wall = c
	}
}

// WithHostDt sets the step used when deterministic mode is disabled
// (default config.DefaultHostDt).
func WithHostDt(d time.Duration) Option {
	return func(s *Session) {
		s.hostDt = d
	}
}

// WithCorrectionPolicy sets the master clock's drift correction policy.
func WithCorrectionPolicy(p clock.CorrectionPolicy) Option {
	return func(s *Session) {
		s.clockOpts = append(s.clockOpts, clock.WithPolicy(p))
	}
}

// WithThresholds sets the correction threshold and the desynchronization
// bound.
func WithThresholds(threshold, hardBound time.Duration) Option {
	return func(s *Session) {
		s.clockOpts = append(s.clockOpts, clock.WithThreshold(threshold), clock.WithHardBound(hardBound))
	}
}

// WithForceSync resyncs subsystems beyond the hard bound in one correction.
func WithForceSync(on bool) Option {
	return func(s *Session) {
		s.clockOpts = append(s.clockOpts, clock.WithForceSync(on))
	}
}

// WithValidationInterval sets how much simulated time passes between
// validations.
func WithValidationInterval(d time.Duration) Option {
	return func(s *Session) {
		s.validatorOpts = append(s.validatorOpts, validate.WithInterval(d))
	}
}

// WithAlerts sets the validator's alert levels.
func WithAlerts(a validate.Alerts) Option {
	return func(s *Session) {
		s.validatorOpts = append(s.validatorOpts, validate.WithAlerts(a))
	}
}

// WithAutoResync force-synchronizes all subsystems after a validation that
// raises a critical alert.
func WithAutoResync(on bool) Option {
	return func(s *Session) {
		s.autoResync = on
	}
}

// WithStepper adds a subsystem stepped once per tick, in the order added.
func WithStepper(st step.Stepper) Option {
	return func(s *Session) {
		s.steppers = append(s.steppers, st)
	}
}

// WithCircuitModel adds modeled circuit latency to a subsystem's samples.
func WithCircuitModel(name string, m latency.CircuitModel) Option {
	return func(s *Session) {
		s.latencyOpts = append(s.latencyOpts, latency.WithModel(name, m))
	}
}

// WithPhysics steps world at the physics rate class on the session's
// scheduler, measured like any other subsystem.
func WithPhysics(world physics.World, opts ...physics.Option) Option {
	return func(s *Session) {
		s.physics = append(s.physics, physicsSpec{world: world, opts: opts})
	}
}

// WithSensor registers a consumer on the session's scheduler.
func WithSensor(c schedule.Consumer, rc schedule.RateClass) Option {
	return func(s *Session) {
		s.sensors = append(s.sensors, sensorSpec{consumer: c, class: rc})
	}
}

// WithTelemetry publishes per-tick frames on h instead of a private hub.
func WithTelemetry(h *telemetry.Hub) Option {
	return func(s *Session) {
		s.hub = h
	}
}

// WithRegistry registers the session's Prometheus collector on Init and
// unregisters it on Shutdown.
func WithRegistry(r prometheus.Registerer) Option {
	return func(s *Session) {
		s.registry = r
	}
}
