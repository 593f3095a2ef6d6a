package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	wallclock "github.com/benbjohnson/clock"

	"github.com/comalice/lockstepx"
	"github.com/comalice/lockstepx/internal/hardening"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("runtime already started")
	// ErrStopTimeout is returned by Stop when the loop does not exit within
	// the grace period.
	ErrStopTimeout = errors.New("loop did not stop within grace period")
)

// DefaultStopGrace bounds how long Stop waits for the loop to exit.
const DefaultStopGrace = 500 * time.Millisecond

// Hardening selects best-effort realtime settings for the loop thread.
type Hardening struct {
	Enabled bool
	Nice    int   // 0 leaves the niceness alone
	CPUs    []int // empty leaves the affinity alone
}

// Config configures the realtime runtime.
type Config struct {
	// TickRate is the wall-clock period between ticks. Zero paces ticks at
	// the session's dt, so simulated time tracks wall time.
	TickRate time.Duration
	// Unpaced runs ticks back to back, as fast as the subsystems allow.
	Unpaced bool
	// MaxTicks stops the loop after this many ticks (0: run until stopped).
	MaxTicks uint64
	// MaxInputsPerTick is the input queue capacity (default: 1000).
	MaxInputsPerTick int
	// StopGrace bounds Stop (default: DefaultStopGrace).
	StopGrace time.Duration
	Hardening Hardening
	// OnTick is called on the loop goroutine after every tick.
	OnTick func(lockstepx.Tick, error)
	Clock  wallclock.Clock
	Logger *slog.Logger
}

// Stats counts loop activity.
type Stats struct {
	Ticks     uint64
	Errors    uint64
	Panics    uint64
	Overruns  uint64
	LastError string
}

// Runtime drives a session's ticks on a dedicated goroutine.
type Runtime struct {
	session *lockstepx.Session
	cfg     Config
	logger  *slog.Logger

	tickRate time.Duration
	ticker   *wallclock.Ticker
	tickNum  uint64

	// Input batching
	inputs      []Input
	pins        []int
	batchMu     sync.Mutex
	sequenceNum uint64

	errors    uint64
	panics    uint64
	overruns  uint64
	lastError string

	// Control
	started    atomic.Bool
	stopping   atomic.Bool
	tickCtx    context.Context
	tickCancel context.CancelFunc
	stopped    chan struct{}
}

// NewRuntime creates a runtime for session. The runtime initializes the
// session on Start; shutting the session down stays with the caller.
func NewRuntime(session *lockstepx.Session, cfg Config) *Runtime {
	if cfg.MaxInputsPerTick <= 0 {
		cfg.MaxInputsPerTick = 1000
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = wallclock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	rate := cfg.TickRate
	if rate <= 0 {
		rate = session.Dt()
	}
	return &Runtime{
		session:  session,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "realtime", "session", session.ID()),
		tickRate: rate,
		inputs:   make([]Input, 0, cfg.MaxInputsPerTick),
		stopped:  make(chan struct{}),
	}
}

// Start initializes the session and begins tick execution. The loop runs
// until Stop, until ctx is done, or until MaxTicks ticks have run.
func (rt *Runtime) Start(ctx context.Context) error {
	if !rt.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := rt.session.Init(ctx); err != nil {
		close(rt.stopped)
		return fmt.Errorf("start: %w", err)
	}

	rt.tickCtx, rt.tickCancel = context.WithCancel(ctx)
	if !rt.cfg.Unpaced {
		rt.ticker = rt.cfg.Clock.Ticker(rt.tickRate)
	}
	rt.logger.Info("realtime loop starting",
		"tick_rate", rt.tickRate,
		"unpaced", rt.cfg.Unpaced,
		"max_ticks", rt.cfg.MaxTicks,
		"hardening", rt.cfg.Hardening.Enabled,
	)

	go rt.tickLoop()
	return nil
}

// Stop asks the loop to exit, interrupts any in-flight firmware step and
// waits up to the grace period for the loop to finish.
func (rt *Runtime) Stop() error {
	if !rt.started.Load() {
		return nil
	}
	rt.stopping.Store(true)
	if rt.tickCancel != nil {
		rt.tickCancel()
	}
	if rt.ticker != nil {
		rt.ticker.Stop()
	}
	rt.session.Stop()

	select {
	case <-rt.stopped:
		return nil
	case <-time.After(rt.cfg.StopGrace):
		rt.logger.Error("realtime loop did not stop", "grace", rt.cfg.StopGrace)
		return ErrStopTimeout
	}
}

// Done is closed when the loop has exited.
func (rt *Runtime) Done() <-chan struct{} {
	return rt.stopped
}

// tickLoop is the main tick execution loop.
func (rt *Runtime) tickLoop() {
	defer close(rt.stopped)
	scope := hardening.Acquire(hardening.Options{
		Enabled: rt.cfg.Hardening.Enabled,
		Nice:    rt.cfg.Hardening.Nice,
		CPUs:    rt.cfg.Hardening.CPUs,
	}, rt.logger)
	defer func() { _ = scope.Release() }()
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("realtime loop panicked", "panic", r)
		}
	}()

	for {
		if rt.stopping.Load() || rt.tickCtx.Err() != nil {
			return
		}
		if rt.ticker != nil {
			select {
			case <-rt.tickCtx.Done():
				return
			case <-rt.ticker.C:
			}
		}

		rt.processTick()

		rt.batchMu.Lock()
		rt.tickNum++
		done := rt.cfg.MaxTicks > 0 && rt.tickNum >= rt.cfg.MaxTicks
		rt.batchMu.Unlock()
		if done {
			rt.logger.Info("realtime loop reached tick limit", "ticks", rt.cfg.MaxTicks)
			return
		}
	}
}

// SendInput queues a pin write for the next tick.
func (rt *Runtime) SendInput(pin, level int) error {
	return rt.SendInputWithPriority(pin, level, 0)
}

// SendInputWithPriority queues a pin write with priority. Among writes to the
// same pin in one tick, the highest priority wins, then the latest.
func (rt *Runtime) SendInputWithPriority(pin, level, priority int) error {
	if pin < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPin, pin)
	}
	rt.batchMu.Lock()
	defer rt.batchMu.Unlock()

	if len(rt.inputs) >= cap(rt.inputs) {
		return ErrInputQueueFull
	}
	rt.inputs = append(rt.inputs, Input{
		Pin:         pin,
		Level:       level,
		Priority:    priority,
		SequenceNum: rt.sequenceNum,
	})
	rt.sequenceNum++
	return nil
}

// TickNumber returns the number of completed ticks.
func (rt *Runtime) TickNumber() uint64 {
	rt.batchMu.Lock()
	defer rt.batchMu.Unlock()
	return rt.tickNum
}

// Pins returns a copy of the input pin states held for the next tick.
func (rt *Runtime) Pins() []int {
	rt.batchMu.Lock()
	defer rt.batchMu.Unlock()
	return append([]int(nil), rt.pins...)
}

// Stats returns a copy of the loop counters.
func (rt *Runtime) Stats() Stats {
	rt.batchMu.Lock()
	defer rt.batchMu.Unlock()
	return Stats{
		Ticks:     rt.tickNum,
		Errors:    rt.errors,
		Panics:    rt.panics,
		Overruns:  rt.overruns,
		LastError: rt.lastError,
	}
}
