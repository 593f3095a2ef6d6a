// Package validate classifies the master clock's drift picture on a fixed
// interval of simulated time, keeps a bounded drift history and alert
// counts, and renders a diagnostic report. It reads clock metrics only and
// never mutates the clock.
package validate

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	wallclock "github.com/benbjohnson/clock"

	"github.com/comalice/lockstepx/clock"
	"github.com/comalice/lockstepx/simerr"
)

// Status classifies one validation.
type Status int

const (
	// Synchronized: every subsystem within the threshold.
	Synchronized Status = iota
	// Degraded: some beyond the threshold, all within the hard bound.
	Degraded
	// Desynchronized: some subsystem beyond the hard bound.
	Desynchronized
)

func (s Status) String() string {
	switch s {
	case Synchronized:
		return "synchronized"
	case Degraded:
		return "degraded"
	case Desynchronized:
		return "desynchronized"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Level is an alert level.
type Level int

const (
	LevelNone Level = iota
	LevelWarning
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Alerts are the drift magnitudes above which an alert of each level is
// counted.
type Alerts struct {
	Warning  time.Duration
	Error    time.Duration
	Critical time.Duration
}

// DefaultAlerts returns 1ms, 10ms and 100ms.
func DefaultAlerts() Alerts {
	return Alerts{Warning: time.Millisecond, Error: 10 * time.Millisecond, Critical: 100 * time.Millisecond}
}

func (a Alerts) level(d time.Duration) Level {
	switch {
	case d > a.Critical:
		return LevelCritical
	case d > a.Error:
		return LevelError
	case d > a.Warning:
		return LevelWarning
	default:
		return LevelNone
	}
}

const (
	DefaultInterval    = time.Second
	DefaultHistorySize = 100
)

// Source provides clock metrics; *clock.Master implements it.
type Source interface {
	Metrics() clock.Metrics
}

// Result is one validation. Results are immutable; LastResult hands out
// copies.
type Result struct {
	Status      Status
	Alert       Level
	Drift       map[string]time.Duration
	MaxDrift    time.Duration // absolute
	Worst       string
	MasterTime  time.Duration
	Ticks       uint64
	Corrections uint64
	Timestamp   time.Time
}

// Err returns a DesyncError for a Desynchronized result.
func (r Result) Err() error {
	if r.Status != Desynchronized {
		return nil
	}
	return simerr.New(simerr.KindDesync, "validate timing", "",
		fmt.Errorf("%s drift %v at master time %v", r.Worst, r.MaxDrift, r.MasterTime))
}

func (r Result) clone() Result {
	out := r
	out.Drift = make(map[string]time.Duration, len(r.Drift))
	for k, v := range r.Drift {
		out.Drift[k] = v
	}
	return out
}

// DriftStats summarizes the history of max drifts.
type DriftStats struct {
	Samples int
	Average time.Duration
	Min     time.Duration
	Max     time.Duration
}

// AlertCounts counts validations per alert level.
type AlertCounts struct {
	Warnings uint64
	Errors   uint64
	Critical uint64
}

// Validator runs timing validations against a Source.
type Validator struct {
	src         Source
	wall        wallclock.Clock
	logger      *slog.Logger
	interval    time.Duration
	alerts      Alerts
	historySize int

	mu          sync.RWMutex
	last        *Result
	lastAt      time.Duration
	history     []time.Duration
	head        int
	counts      AlertCounts
	validations uint64
}

// Option configures a Validator.
type Option func(*Validator)

// WithInterval sets the simulated-time validation interval.
func WithInterval(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.interval = d
		}
	}
}

// WithAlerts sets the alert levels.
func WithAlerts(a Alerts) Option {
	return func(v *Validator) {
		v.alerts = a
	}
}

// WithHistorySize bounds the drift history.
func WithHistorySize(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.historySize = n
		}
	}
}

// WithWallClock sets the clock used to timestamp results.
func WithWallClock(c wallclock.Clock) Option {
	return func(v *Validator) {
		v.wall = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		v.logger = l
	}
}

// New creates a validator reading from src.
func New(src Source, opts ...Option) *Validator {
	v := &Validator{
		src:         src,
		wall:        wallclock.New(),
		interval:    DefaultInterval,
		alerts:      DefaultAlerts(),
		historySize: DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	v.logger = v.logger.With("component", "validator")
	v.history = make([]time.Duration, 0, v.historySize)
	return v
}

// Interval returns the validation interval.
func (v *Validator) Interval() time.Duration { return v.interval }

// Due reports whether a validation interval of simulated time has elapsed
// since the last validation. Master time moving backwards (a clock reset)
// makes a validation due.
func (v *Validator) Due(now time.Duration) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if now < v.lastAt {
		return true
	}
	return now-v.lastAt >= v.interval
}

// ValidateTiming classifies the current drift of every subsystem.
func (v *Validator) ValidateTiming() Result {
	m := v.src.Metrics()
	r := Result{
		Drift:       make(map[string]time.Duration, len(m.Subsystems)),
		MasterTime:  m.MasterTime,
		Ticks:       m.Ticks,
		Corrections: m.TotalDriftCorrections,
		Timestamp:   v.wall.Now(),
	}
	for _, name := range m.Names() {
		d := m.Subsystems[name].Drift
		r.Drift[name] = d
		if a := abs(d); a > r.MaxDrift {
			r.MaxDrift = a
			r.Worst = name
		}
	}
	switch {
	case r.MaxDrift > m.HardBound:
		r.Status = Desynchronized
	case r.MaxDrift > m.Threshold:
		r.Status = Degraded
	default:
		r.Status = Synchronized
	}
	r.Alert = v.alerts.level(r.MaxDrift)

	v.mu.Lock()
	v.last = &r
	v.lastAt = m.MasterTime
	v.validations++
	v.record(r.MaxDrift)
	switch r.Alert {
	case LevelWarning:
		v.counts.Warnings++
	case LevelError:
		v.counts.Errors++
	case LevelCritical:
		v.counts.Critical++
	}
	v.mu.Unlock()

	switch r.Alert {
	case LevelNone:
		v.logger.Debug("timing validated", "status", r.Status.String(), "max_drift", r.MaxDrift)
	case LevelWarning:
		v.logger.Warn("minor drift detected", "status", r.Status.String(), "max_drift", r.MaxDrift, "subsystem", r.Worst)
	default:
		v.logger.Error("major drift detected", "level", r.Alert.String(), "status", r.Status.String(),
			"max_drift", r.MaxDrift, "subsystem", r.Worst)
	}
	return r.clone()
}

func (v *Validator) record(d time.Duration) {
	if len(v.history) < v.historySize {
		v.history = append(v.history, d)
		return
	}
	v.history[v.head] = d
	v.head = (v.head + 1) % v.historySize
}

// LastResult returns a copy of the latest result.
func (v *Validator) LastResult() (Result, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.last == nil {
		return Result{}, false
	}
	return v.last.clone(), true
}

// Stats summarizes the drift history.
func (v *Validator) Stats() DriftStats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.statsLocked()
}

func (v *Validator) statsLocked() DriftStats {
	if len(v.history) == 0 {
		return DriftStats{}
	}
	s := DriftStats{Samples: len(v.history), Min: v.history[0], Max: v.history[0]}
	var total time.Duration
	for _, d := range v.history {
		total += d
		s.Min = min(s.Min, d)
		s.Max = max(s.Max, d)
	}
	s.Average = total / time.Duration(len(v.history))
	return s
}

// History returns the recorded max drifts, oldest first.
func (v *Validator) History() []time.Duration {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]time.Duration, 0, len(v.history))
	out = append(out, v.history[v.head:]...)
	return append(out, v.history[:v.head]...)
}

// AlertCounts returns the alert counters.
func (v *Validator) AlertCounts() AlertCounts {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.counts
}

// Validations returns the number of validations run.
func (v *Validator) Validations() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.validations
}

// Reset clears results, history and counters.
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.last = nil
	v.lastAt = 0
	v.history = v.history[:0]
	v.head = 0
	v.counts = AlertCounts{}
	v.validations = 0
}

func ms(d time.Duration) string {
	return fmt.Sprintf("%.3fms", float64(d)/float64(time.Millisecond))
}

const rule = "========================================"

// GenerateDiagnosticReport renders the current status, per-subsystem drift,
// drift statistics, alert counts and clock metrics as text.
func (v *Validator) GenerateDiagnosticReport() string {
	m := v.src.Metrics()

	v.mu.RLock()
	var last *Result
	if v.last != nil {
		r := v.last.clone()
		last = &r
	}
	stats := v.statsLocked()
	counts := v.counts
	validations := v.validations
	v.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "%s\nTIMING VALIDATION DIAGNOSTIC REPORT\n%s\n\n", rule, rule)

	b.WriteString("CURRENT STATUS:\n")
	if last == nil {
		b.WriteString("  No validation run yet\n")
	} else {
		fmt.Fprintf(&b, "  Status: %s\n", last.Status)
		fmt.Fprintf(&b, "  Alert: %s\n", last.Alert)
		if last.Worst != "" {
			fmt.Fprintf(&b, "  Max Drift: %s (%s)\n", ms(last.MaxDrift), last.Worst)
		} else {
			fmt.Fprintf(&b, "  Max Drift: %s\n", ms(last.MaxDrift))
		}
		fmt.Fprintf(&b, "  Master Clock: %s\n", ms(last.MasterTime))
	}
	b.WriteString("\n")

	b.WriteString("PER-SUBSYSTEM DRIFT:\n")
	names := m.Names()
	if len(names) == 0 {
		b.WriteString("  No subsystems reporting\n")
	}
	for _, name := range names {
		sub := m.Subsystems[name]
		fmt.Fprintf(&b, "  %s: %s (reports %d, missed %d, corrections %d)\n",
			name, ms(sub.Drift), sub.Reports, sub.Missed, sub.Corrections)
	}
	b.WriteString("\n")

	b.WriteString("DRIFT STATISTICS:\n")
	fmt.Fprintf(&b, "  Samples: %d\n", stats.Samples)
	fmt.Fprintf(&b, "  Average: %s\n", ms(stats.Average))
	fmt.Fprintf(&b, "  Min: %s\n", ms(stats.Min))
	fmt.Fprintf(&b, "  Max: %s\n", ms(stats.Max))
	b.WriteString("\n")

	b.WriteString("ALERT COUNTS:\n")
	fmt.Fprintf(&b, "  Warnings: %d\n", counts.Warnings)
	fmt.Fprintf(&b, "  Errors: %d\n", counts.Errors)
	fmt.Fprintf(&b, "  Critical: %d\n", counts.Critical)
	b.WriteString("\n")

	b.WriteString("METRICS:\n")
	fmt.Fprintf(&b, "  Total Validations: %d\n", validations)
	fmt.Fprintf(&b, "  Master Time: %s\n", ms(m.MasterTime))
	fmt.Fprintf(&b, "  Ticks: %d\n", m.Ticks)
	fmt.Fprintf(&b, "  Drift Corrections: %d\n", m.TotalDriftCorrections)
	fmt.Fprintf(&b, "  Forced Syncs: %d\n", m.ForcedSyncs)
	fmt.Fprintf(&b, "  Time Ratio: %.3f\n", m.TimeRatio)
	b.WriteString("\n")
	b.WriteString(rule + "\n")
	return b.String()
}

// SortedDrift returns the result's subsystem names ordered by decreasing
// absolute drift, ties by name.
func (r Result) SortedDrift() []string {
	names := make([]string, 0, len(r.Drift))
	for n := range r.Drift {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		di, dj := abs(r.Drift[names[i]]), abs(r.Drift[names[j]])
		if di != dj {
			return di > dj
		}
		return names[i] < names[j]
	})
	return names
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
