// Package lockstepx is a lockstep co-simulation host. A Session owns one
// master clock, rate scheduler, latency adapter, timing validator and
// telemetry hub, and advances every composed subsystem once per tick:
//
//  1. the master clock advances by the fixed dt
//  2. the scheduler fires due consumers (sensors, physics)
//  3. every stepper (in-process solver, firmware session) runs one exchange,
//     timed by the latency adapter, which reports into the clock
//  4. the clock corrects drift above its threshold
//  5. the validator runs when its interval of simulated time has elapsed
//  6. a telemetry frame is published
//
// Sessions are independent; several may run in one process.
package lockstepx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	wallclock "github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/comalice/lockstepx/clock"
	"github.com/comalice/lockstepx/config"
	"github.com/comalice/lockstepx/firmware"
	"github.com/comalice/lockstepx/latency"
	"github.com/comalice/lockstepx/metrics"
	"github.com/comalice/lockstepx/physics"
	"github.com/comalice/lockstepx/schedule"
	"github.com/comalice/lockstepx/simerr"
	"github.com/comalice/lockstepx/step"
	"github.com/comalice/lockstepx/telemetry"
	"github.com/comalice/lockstepx/validate"
)

var (
	// ErrNotInitialized is returned by StepOnce before Init or after Shutdown.
	ErrNotInitialized = &simerr.Error{Kind: simerr.KindInvalidArgument, Reason: "not_initialized"}
	// ErrDuplicateSubsystem is returned by New when two steppers share a name.
	ErrDuplicateSubsystem = &simerr.Error{Kind: simerr.KindInvalidArgument, Reason: "duplicate_subsystem"}
)

type physicsSpec struct {
	world physics.World
	opts  []physics.Option
}

type sensorSpec struct {
	consumer schedule.Consumer
	class    schedule.RateClass
}

// Tick is the outcome of one StepOnce.
type Tick struct {
	Sequence    uint64
	SimTime     time.Duration
	Fired       int
	Outputs     map[string]step.Output
	PinStates   []int
	Serial      string
	Corrections int
	Validation  *validate.Result
}

// Snapshot is a copied view of a session for readers outside the loop.
type Snapshot struct {
	ID         string
	Clock      clock.Metrics
	Validation *validate.Result
	Alerts     validate.AlertCounts
	Firmware   *firmware.Stats
	Telemetry  telemetry.Stats
	Schedule   []schedule.Stat
	LastTick   *Tick
}

// firmwareStepper is the view of a firmware session the host reports on.
type firmwareStepper interface {
	step.Stepper
	Stats() firmware.Stats
}

// Session is the context object for one co-simulation. StepOnce, Reset, Init
// and Shutdown belong to the simulation goroutine; Snapshot and the
// accessors may be called from anywhere.
type Session struct {
	id       string
	cfg      config.Deterministic
	logger   *slog.Logger
	wall     wallclock.Clock
	registry prometheus.Registerer
	hostDt   time.Duration
	dt       time.Duration
	micros   uint32

	clockOpts     []clock.Option
	validatorOpts []validate.Option
	latencyOpts   []latency.Option
	physics       []physicsSpec
	sensors       []sensorSpec
	autoResync    bool

	clock     *clock.Master
	scheduler *schedule.Scheduler
	latency   *latency.Adapter
	validator *validate.Validator
	hub       *telemetry.Hub
	collector *metrics.Collector
	steppers  []step.Stepper
	bodies    []*physics.Stepper
	firmware  firmwareStepper
	rng       *rand.Rand

	mu          sync.RWMutex
	initialized bool
	shutdown    bool
	lastTick    *Tick
}

// New composes a session from cfg and opts. Nothing is started until Init.
func New(cfg config.Deterministic, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	s := &Session{cfg: cfg, wall: wallclock.New()}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	s.dt = cfg.StepDt(s.hostDt)
	s.micros = cfg.StepDeltaMicros(s.hostDt)
	if s.logger == nil {
		s.logger = slog.Default()
	}
	base := s.logger.With("session_id", s.id)
	s.logger = base.With("component", "session")

	s.clock = clock.New(append([]clock.Option{clock.WithWallClock(s.wall), clock.WithLogger(base)}, s.clockOpts...)...)
	s.scheduler = schedule.New(base)
	s.latency = latency.New(s.clock, append([]latency.Option{latency.WithWallClock(s.wall), latency.WithLogger(base)}, s.latencyOpts...)...)
	s.validator = validate.New(s.clock, append([]validate.Option{validate.WithWallClock(s.wall), validate.WithLogger(base)}, s.validatorOpts...)...)
	if s.hub == nil {
		s.hub = telemetry.NewHub()
	}
	s.rng = newRand(cfg.RandomSeed)

	seen := map[string]bool{}
	for _, st := range s.steppers {
		if seen[st.Name()] {
			return nil, simerr.New(simerr.KindInvalidArgument, "new session", ErrDuplicateSubsystem.Reason,
				fmt.Errorf("subsystem %q", st.Name()))
		}
		seen[st.Name()] = true
		if fw, ok := st.(firmwareStepper); ok && s.firmware == nil {
			s.firmware = fw
		}
	}
	for _, p := range s.physics {
		body, err := physics.New(p.world, append([]physics.Option{physics.WithLogger(base)}, append(p.opts, physics.WithLatency(s.latency), physics.WithObserver(s.observeStep))...)...)
		if err != nil {
			return nil, fmt.Errorf("new session: %w", err)
		}
		if seen[body.Name()] {
			return nil, simerr.New(simerr.KindInvalidArgument, "new session", ErrDuplicateSubsystem.Reason,
				fmt.Errorf("subsystem %q", body.Name()))
		}
		seen[body.Name()] = true
		s.bodies = append(s.bodies, body)
	}

	s.collector = metrics.NewCollector(metrics.Sources{
		Clock:      s.clock.Metrics,
		Validation: s.validator.LastResult,
		Alerts:     s.validator.AlertCounts,
		Firmware:   s.firmwareStats,
		Telemetry:  s.hub.Stats,
	}, s.id)
	return s, nil
}

func newRand(seed int64) *rand.Rand {
	u := uint64(seed)
	return rand.New(rand.NewPCG(u, u^0x9e3779b97f4a7c15))
}

// observeStep feeds the step latency histogram. The collector is built after
// the physics steppers, so they observe through this method.
func (s *Session) observeStep(name string, m latency.Measurement) {
	if s.collector != nil {
		s.collector.ObserveStep(name, m.Sample.Elapsed, m.Sample.Missed)
	}
}

func (s *Session) firmwareStats() (firmware.Stats, bool) {
	if s.firmware == nil {
		return firmware.Stats{}, false
	}
	return s.firmware.Stats(), true
}

// register opens drift windows and schedules consumers at the current
// master time.
func (s *Session) register() error {
	for _, st := range s.steppers {
		s.clock.Register(st.Name())
	}
	for _, body := range s.bodies {
		s.clock.Register(body.Name())
		if err := s.scheduler.Register(body, body.RateClass()); err != nil {
			return err
		}
	}
	for _, sen := range s.sensors {
		if err := s.scheduler.Register(sen.consumer, sen.class); err != nil {
			return err
		}
	}
	return nil
}

// Init registers subsystems, starts steppers that hold connections and
// registers the collector. A stepper that fails to start is retried by its
// own backoff on later steps unless its failure is fatal.
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if s.shutdown {
		return simerr.New(simerr.KindInvalidArgument, "init", "shut_down", nil)
	}
	if err := s.register(); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	var started []step.Lifecycle
	for _, st := range s.steppers {
		lc, ok := st.(step.Lifecycle)
		if !ok {
			continue
		}
		err := lc.Start(ctx)
		if err == nil {
			started = append(started, lc)
			continue
		}
		if fatal := fatalErr(st); fatal != nil || ctx.Err() != nil {
			for _, prev := range started {
				_ = prev.Stop()
			}
			_ = lc.Stop()
			return fmt.Errorf("init %s: %w", st.Name(), errors.Join(err, ctx.Err()))
		}
		started = append(started, lc)
		s.logger.Warn("subsystem not started, will retry", "subsystem", st.Name(), "error", err)
	}

	if s.registry != nil {
		if err := s.registry.Register(s.collector); err != nil {
			s.logger.Warn("metrics collector not registered", "error", err)
		}
	}
	s.initialized = true
	s.logger.Info("session initialized",
		"dt", s.dt,
		"delta_micros", s.micros,
		"deterministic", s.cfg.Enabled,
		"steppers", len(s.steppers),
		"physics", len(s.bodies),
		"sensors", len(s.sensors),
	)
	return nil
}

func fatalErr(st step.Stepper) error {
	if f, ok := st.(interface{ Err() error }); ok {
		return f.Err()
	}
	return nil
}

// StepOnce runs one tick with the given input pin states. Subsystem failures
// do not stop the tick; they are joined into the returned error, which also
// carries a DesyncError when the tick's validation found the subsystems
// desynchronized.
func (s *Session) StepOnce(ctx context.Context, pins []int) (Tick, error) {
	s.mu.RLock()
	ready := s.initialized
	s.mu.RUnlock()
	if !ready {
		return Tick{}, ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return Tick{}, err
	}

	dt := s.dt
	if err := s.clock.Advance(dt); err != nil {
		return Tick{}, err
	}
	now := s.clock.Now()
	seq := s.clock.Ticks()
	tick := Tick{Sequence: seq, SimTime: now, Outputs: make(map[string]step.Output, len(s.steppers))}

	var errs []error
	fired, err := s.scheduler.Tick(ctx, now)
	tick.Fired = fired
	if err != nil {
		errs = append(errs, err)
	}

	in := step.Input{
		Sequence:    seq,
		Delta:       dt,
		DeltaMicros: s.micros,
		RailVoltage: step.DefaultRailVoltage,
		PinStates:   append([]int(nil), pins...),
	}
	var serial strings.Builder
	for _, st := range s.steppers {
		var out step.Output
		m, err := s.latency.Measure(st.Name(), dt, func() (uint64, error) {
			var err error
			out, err = st.Step(ctx, in)
			return out.Cycles, err
		})
		s.observeStep(st.Name(), m)
		if err != nil {
			out.Missed = true
			errs = append(errs, fmt.Errorf("%s step %d: %w", st.Name(), seq, err))
			s.logger.Debug("subsystem step missed", "subsystem", st.Name(), "step_sequence", seq, "error", err)
		}
		tick.Outputs[st.Name()] = out
		serial.WriteString(out.SerialOutput)
		if !out.Missed && len(out.PinStates) > 0 && (tick.PinStates == nil || st.Name() == clock.Firmware) {
			tick.PinStates = append([]int(nil), out.PinStates...)
		}
	}
	tick.Serial = serial.String()

	tick.Corrections = s.clock.ApplyCorrectionIfNeeded()

	if s.validator.Due(now) {
		r := s.validator.ValidateTiming()
		tick.Validation = &r
		if s.autoResync && r.Alert == validate.LevelCritical {
			s.clock.Resync()
		}
		if err := r.Err(); err != nil {
			errs = append(errs, err)
		}
	}

	tickErr := errors.Join(errs...)
	s.publish(ctx, tick, tickErr)

	s.mu.Lock()
	t := tick
	s.lastTick = &t
	s.mu.Unlock()
	return tick, tickErr
}

func (s *Session) publish(ctx context.Context, tick Tick, tickErr error) {
	f := telemetry.Frame{
		Tick:      tick.Sequence,
		SimTime:   tick.SimTime,
		PinStates: tick.PinStates,
		Serial:    tick.Serial,
	}
	if st, ok := s.firmwareStats(); ok {
		f.Firmware = firmware.StateName(st.State)
	}
	if r, ok := s.validator.LastResult(); ok {
		f.Validation = r.Status.String()
	}
	if tickErr != nil {
		f.Err = tickErr.Error()
	}
	if _, err := s.hub.Publish(ctx, f); err != nil && !errors.Is(err, telemetry.ErrClosed) {
		s.logger.Debug("telemetry frame not published", "error", err)
	}
}

// Reset returns simulated time to zero and clears every counter. Firmware
// connections are kept; the seeded RNG restarts from its seed.
func (s *Session) Reset() error {
	s.clock.ResetAllClocks()
	s.scheduler.Reset()
	s.validator.Reset()
	for _, body := range s.bodies {
		body.Reset()
	}
	s.mu.Lock()
	s.rng = newRand(s.cfg.RandomSeed)
	s.lastTick = nil
	s.mu.Unlock()
	for _, st := range s.steppers {
		s.clock.Register(st.Name())
	}
	for _, body := range s.bodies {
		s.clock.Register(body.Name())
	}
	s.logger.Info("session reset")
	return nil
}

// Shutdown stops every stepper, closes the telemetry hub and unregisters the
// collector. It is idempotent.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.initialized = false
	s.mu.Unlock()

	var errs []error
	for i := len(s.steppers) - 1; i >= 0; i-- {
		if lc, ok := s.steppers[i].(step.Lifecycle); ok {
			if err := lc.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", s.steppers[i].Name(), err))
			}
		}
	}
	if err := s.hub.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.registry != nil {
		s.registry.Unregister(s.collector)
	}
	s.logger.Info("session shut down")
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Stop interrupts in-flight steps by stopping every stepper that holds a
// connection. It may be called from any goroutine.
func (s *Session) Stop() {
	for _, st := range s.steppers {
		if lc, ok := st.(step.Lifecycle); ok {
			_ = lc.Stop()
		}
	}
}

// Snapshot returns a copied view of the session.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:        s.id,
		Clock:     s.clock.Metrics(),
		Alerts:    s.validator.AlertCounts(),
		Telemetry: s.hub.Stats(),
		Schedule:  s.scheduler.Stats(),
	}
	if r, ok := s.validator.LastResult(); ok {
		snap.Validation = &r
	}
	if st, ok := s.firmwareStats(); ok {
		snap.Firmware = &st
	}
	s.mu.RLock()
	if s.lastTick != nil {
		t := *s.lastTick
		t.PinStates = append([]int(nil), t.PinStates...)
		outs := make(map[string]step.Output, len(t.Outputs))
		for k, v := range t.Outputs {
			v.PinStates = append([]int(nil), v.PinStates...)
			outs[k] = v
		}
		t.Outputs = outs
		snap.LastTick = &t
	}
	s.mu.RUnlock()
	return snap
}

// Rand returns the session's deterministic RNG, seeded from the
// configuration. It belongs to the simulation goroutine.
func (s *Session) Rand() *rand.Rand {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rng
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Dt returns the step each tick advances simulated time by: the configured
// dt in deterministic mode, the host dt otherwise.
func (s *Session) Dt() time.Duration { return s.dt }

// Config returns the deterministic configuration.
func (s *Session) Config() config.Deterministic { return s.cfg }

// Clock returns the master clock.
func (s *Session) Clock() *clock.Master { return s.clock }

// Scheduler returns the rate scheduler.
func (s *Session) Scheduler() *schedule.Scheduler { return s.scheduler }

// Validator returns the timing validator.
func (s *Session) Validator() *validate.Validator { return s.validator }

// Telemetry returns the telemetry hub.
func (s *Session) Telemetry() *telemetry.Hub { return s.hub }

// Collector returns the Prometheus collector.
func (s *Session) Collector() *metrics.Collector { return s.collector }

// Physics returns the physics steppers in the order added.
func (s *Session) Physics() []*physics.Stepper {
	return append([]*physics.Stepper(nil), s.bodies...)
}

// DiagnosticReport renders the validator's report.
func (s *Session) DiagnosticReport() string {
	return s.validator.GenerateDiagnosticReport()
}
