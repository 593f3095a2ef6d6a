// Package schedule decides, on every host tick, which registered consumers are
// due to fire given their rate class and the elapsed simulated time.
//
// A consumer fires at most once per tick. Its last fire time advances by whole
// periods (phase is preserved) and any excess elapsed time carries over to the
// following ticks, so the average fire rate converges to the configured rate.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/comalice/lockstepx/simerr"
)

// Consumer is fired by the scheduler. now is the master time of the tick and
// period the consumer's rate class period.
type Consumer interface {
	ScheduledUpdate(ctx context.Context, now, period time.Duration) error
}

// ConsumerFunc adapts a function to Consumer. Function values are not
// comparable, so register a *ConsumerFunc when it must be unregistered.
type ConsumerFunc func(ctx context.Context, now, period time.Duration) error

func (f *ConsumerFunc) ScheduledUpdate(ctx context.Context, now, period time.Duration) error {
	return (*f)(ctx, now, period)
}

// RateClass is a required update period.
type RateClass struct {
	Name   string
	Period time.Duration
}

// Hz builds a rate class from a frequency.
func Hz(name string, hz float64) RateClass {
	return RateClass{Name: name, Period: time.Duration(float64(time.Second) / hz)}
}

// Standard rate classes.
var (
	LineSensor  = RateClass{Name: "line", Period: time.Millisecond}
	IMU         = RateClass{Name: "imu", Period: time.Millisecond}
	ColorSensor = RateClass{Name: "color", Period: 10 * time.Millisecond}
	Ultrasonic  = RateClass{Name: "ultrasonic", Period: 20 * time.Millisecond}
	LiDAR       = RateClass{Name: "lidar", Period: 100 * time.Millisecond}
	Physics     = RateClass{Name: "physics", Period: 20 * time.Millisecond}
)

type registration struct {
	consumer  Consumer
	class     RateClass
	lastFired time.Duration
	fires     uint64
	errors    uint64
}

// Scheduler tracks registrations. Tick must be called only from the
// simulation loop; Register, Unregister and Stats are safe from any goroutine.
type Scheduler struct {
	mu     sync.Mutex
	regs   []*registration
	logger *slog.Logger
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger.With("component", "scheduler")}
}

// identifiable reports whether c can be matched against registrations.
// Consumers of uncomparable types (structs holding slices or maps, funcs)
// must be registered through a pointer.
func identifiable(c Consumer) bool {
	return c != nil && reflect.TypeOf(c).Comparable()
}

// Register adds c with rate class rc. Registering an already registered
// consumer updates its rate class and keeps its phase. The scheduler never
// takes ownership of c.
func (s *Scheduler) Register(c Consumer, rc RateClass) error {
	if c == nil {
		return simerr.InvalidArgument("register", "nil_consumer")
	}
	if !identifiable(c) {
		return simerr.New(simerr.KindInvalidArgument, "register", "consumer_not_comparable",
			fmt.Errorf("%T: register a pointer", c))
	}
	if rc.Period <= 0 {
		return simerr.New(simerr.KindInvalidArgument, "register", "period_not_positive",
			fmt.Errorf("rate class %q period %v", rc.Name, rc.Period))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regs {
		if r.consumer == c {
			r.class = rc
			return nil
		}
	}
	s.regs = append(s.regs, &registration{consumer: c, class: rc})
	return nil
}

// RegisterAt is Register with an explicit phase origin, for consumers joining
// after the session started.
func (s *Scheduler) RegisterAt(c Consumer, rc RateClass, origin time.Duration) error {
	if err := s.Register(c, rc); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regs {
		if r.consumer == c {
			r.lastFired = origin
		}
	}
	return nil
}

// Unregister removes c. Unknown consumers are ignored.
func (s *Scheduler) Unregister(c Consumer) {
	if !identifiable(c) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.regs {
		if r.consumer == c {
			s.regs = append(s.regs[:i], s.regs[i+1:]...)
			return
		}
	}
}

// Len returns the number of registrations.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regs)
}

// Tick fires every consumer due at master time now, in registration order.
// It returns the number of consumers fired and the joined errors of failing
// consumers; a failing consumer never prevents the others from firing.
func (s *Scheduler) Tick(ctx context.Context, now time.Duration) (int, error) {
	s.mu.Lock()
	due := make([]*registration, 0, len(s.regs))
	var errs []error
	for _, r := range s.regs {
		elapsed := now - r.lastFired
		if elapsed < 0 {
			errs = append(errs, simerr.New(simerr.KindRateViolation, "tick", "negative_elapsed",
				fmt.Errorf("%s: now %v before last fire %v", r.class.Name, now, r.lastFired)))
			continue
		}
		if elapsed >= r.class.Period {
			r.lastFired += r.class.Period
			r.fires++
			due = append(due, r)
		}
	}
	s.mu.Unlock()

	// Consumers run without the lock so they may register or unregister.
	for _, r := range due {
		if err := r.consumer.ScheduledUpdate(ctx, now, r.class.Period); err != nil {
			s.mu.Lock()
			r.errors++
			s.mu.Unlock()
			s.logger.Warn("consumer update failed", "rate_class", r.class.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", r.class.Name, err))
		}
	}
	return len(due), errors.Join(errs...)
}

// Reset rewinds every registration to time zero.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regs {
		r.lastFired = 0
		r.fires = 0
		r.errors = 0
	}
}

// Stat is a copied view of one registration.
type Stat struct {
	Class     RateClass
	LastFired time.Duration
	Fires     uint64
	Errors    uint64
}

// Stats returns one Stat per registration in registration order.
func (s *Scheduler) Stats() []Stat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stat, 0, len(s.regs))
	for _, r := range s.regs {
		out = append(out, Stat{Class: r.class, LastFired: r.lastFired, Fires: r.fires, Errors: r.errors})
	}
	return out
}
