// Package clock implements the master clock: the single authoritative
// simulated-time counter every subsystem is measured against.
//
// The master ingests latency samples from subsystems, tracks the drift each
// accumulates relative to master time, and nudges drifting subsystems back
// through a pluggable CorrectionPolicy. Mutating methods follow a
// single-writer discipline (the simulation loop); readers get copies.
package clock

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	wallclock "github.com/benbjohnson/clock"

	"github.com/comalice/lockstepx/simerr"
)

// Well-known subsystem names.
const (
	Circuit   = "circuit"
	Firmware  = "firmware"
	Physics   = "physics"
	Rendering = "rendering"
	Sensors   = "sensors"
)

const (
	DefaultThreshold = time.Millisecond
	DefaultHardBound = 10 * time.Millisecond
	DefaultGain      = 0.1
)

// LatencySample is what a subsystem reports after covering one window of
// master time. Missed marks a step the subsystem failed to complete.
type LatencySample struct {
	Name    string
	Elapsed time.Duration
	Cycles  uint64
	Missed  bool
}

type subsystem struct {
	latest      LatencySample
	windowStart time.Duration
	lag         time.Duration // sum over windows of elapsed minus window length
	offset      time.Duration // corrections applied so far
	reports     uint64
	missed      uint64
	corrections uint64
}

func (s *subsystem) drift() time.Duration {
	return s.lag - s.offset
}

// Master is the master clock.
type Master struct {
	mu sync.RWMutex

	wall      wallclock.Clock
	policy    CorrectionPolicy
	threshold time.Duration
	hardBound time.Duration
	forceSync bool
	logger    *slog.Logger

	now         time.Duration
	ticks       uint64
	reports     uint64
	corrections uint64
	forced      uint64
	subsystems  map[string]*subsystem
	startedAt   time.Time
}

// Option configures a Master.
type Option func(*Master)

// WithWallClock sets the wall clock used for the time ratio.
func WithWallClock(c wallclock.Clock) Option {
	return func(m *Master) {
		m.wall = c
	}
}

// WithPolicy sets the correction policy (default Proportional{DefaultGain}).
func WithPolicy(p CorrectionPolicy) Option {
	return func(m *Master) {
		m.policy = p
	}
}

// WithThreshold sets the drift beyond which a subsystem is corrected.
func WithThreshold(d time.Duration) Option {
	return func(m *Master) {
		m.threshold = d
	}
}

// WithHardBound sets the drift beyond which a subsystem counts as desynchronized.
func WithHardBound(d time.Duration) Option {
	return func(m *Master) {
		m.hardBound = d
	}
}

// WithForceSync resyncs a subsystem in one correction once its drift exceeds
// the hard bound, bypassing the policy.
func WithForceSync(on bool) Option {
	return func(m *Master) {
		m.forceSync = on
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Master) {
		m.logger = l
	}
}

// New creates a master clock at simulated time zero.
func New(opts ...Option) *Master {
	m := &Master{
		wall:       wallclock.New(),
		policy:     Proportional{Gain: DefaultGain},
		threshold:  DefaultThreshold,
		hardBound:  DefaultHardBound,
		subsystems: map[string]*subsystem{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "clock")
	if m.hardBound < m.threshold {
		m.hardBound = m.threshold
	}
	m.startedAt = m.wall.Now()
	return m
}

// Advance moves simulated time forward by dt.
func (m *Master) Advance(dt time.Duration) error {
	if dt <= 0 {
		return simerr.New(simerr.KindInvalidArgument, "advance", "dt_not_positive",
			fmt.Errorf("dt %v", dt))
	}
	m.mu.Lock()
	m.now += dt
	m.ticks++
	m.mu.Unlock()
	return nil
}

// Now returns the current simulated time.
func (m *Master) Now() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Ticks returns the number of completed Advance calls.
func (m *Master) Ticks() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ticks
}

// Micros returns the current simulated time in whole microseconds.
func (m *Master) Micros() int64 {
	return m.Now().Microseconds()
}

// Register opens the first drift window of a subsystem at the current master
// time. Subsystems that report without registering are measured from zero.
func (m *Master) Register(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subsystems[name]; !ok {
		m.subsystems[name] = &subsystem{windowStart: m.now}
	}
}

// Unregister forgets a subsystem.
func (m *Master) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subsystems, name)
}

// ReportLatency records the subsystem's latest sample.
func (m *Master) ReportLatency(name string, elapsed time.Duration, cycles uint64) error {
	return m.Report(LatencySample{Name: name, Elapsed: elapsed, Cycles: cycles})
}

// Report records s as the latest sample of s.Name, closing the subsystem's
// current window at the present master time.
func (m *Master) Report(s LatencySample) error {
	if s.Name == "" {
		return simerr.InvalidArgument("report latency", "empty_name")
	}
	if s.Elapsed < 0 {
		return simerr.New(simerr.KindInvalidArgument, "report latency", "negative_elapsed",
			fmt.Errorf("%s elapsed %v", s.Name, s.Elapsed))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subsystems[s.Name]
	if !ok {
		sub = &subsystem{}
		m.subsystems[s.Name] = sub
	}
	window := m.now - sub.windowStart
	sub.lag += s.Elapsed - window
	sub.windowStart = m.now
	sub.latest = s
	sub.reports++
	if s.Missed {
		sub.missed++
	}
	m.reports++
	return nil
}

// ComputeDrift returns the subsystem's elapsed time minus the master's
// elapsed time over the same windows, net of corrections. Zero if the
// subsystem has not reported.
func (m *Master) ComputeDrift(name string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subsystems[name]; ok {
		return sub.drift()
	}
	return 0
}

// ApplyCorrectionIfNeeded nudges every subsystem whose drift exceeds the
// threshold toward the master and returns how many were corrected.
func (m *Master) ApplyCorrectionIfNeeded() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	applied := 0
	for _, name := range m.sortedNamesLocked() {
		sub := m.subsystems[name]
		drift := sub.drift()
		if abs(drift) <= m.threshold {
			continue
		}
		var adj time.Duration
		if m.forceSync && abs(drift) > m.hardBound {
			adj = drift
			m.forced++
		} else {
			adj = clampAdjustment(drift, m.policy.Adjustment(drift))
		}
		sub.offset += adj
		sub.corrections++
		m.corrections++
		applied++
		m.logger.Debug("drift corrected",
			"subsystem", name,
			"drift", drift,
			"adjustment", adj,
			"remaining", sub.drift(),
		)
	}
	return applied
}

// Resync removes the drift of every subsystem in one correction each,
// counted as forced syncs. It returns the number of subsystems resynced.
func (m *Master) Resync() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, name := range m.sortedNamesLocked() {
		sub := m.subsystems[name]
		drift := sub.drift()
		if drift == 0 {
			continue
		}
		sub.offset += drift
		sub.corrections++
		m.corrections++
		m.forced++
		n++
	}
	if n > 0 {
		m.logger.Warn("subsystems force-synchronized", "count", n)
	}
	return n
}

// AreSubsystemsSynchronized reports whether every subsystem's drift is within
// the threshold, with a line per offending subsystem.
func (m *Master) AreSubsystemsSynchronized() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var b strings.Builder
	for _, name := range m.sortedNamesLocked() {
		d := m.subsystems[name].drift()
		if abs(d) > m.threshold {
			fmt.Fprintf(&b, "%s: drift %v exceeds %v\n", name, d, m.threshold)
		}
	}
	if b.Len() == 0 {
		return true, "all subsystems synchronized"
	}
	return false, strings.TrimRight(b.String(), "\n")
}

// ResetAllClocks returns the clock to its initial state.
func (m *Master) ResetAllClocks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = 0
	m.ticks = 0
	m.reports = 0
	m.corrections = 0
	m.forced = 0
	m.subsystems = map[string]*subsystem{}
	m.startedAt = m.wall.Now()
	m.logger.Info("clocks reset")
}

// Threshold returns the correction threshold.
func (m *Master) Threshold() time.Duration { return m.threshold }

// HardBound returns the desynchronization bound.
func (m *Master) HardBound() time.Duration { return m.hardBound }

// SubsystemMetrics is a copied view of one subsystem.
type SubsystemMetrics struct {
	Latest      LatencySample
	Drift       time.Duration
	Reports     uint64
	Missed      uint64
	Corrections uint64
}

// Metrics is a point-in-time copy of the clock's state.
type Metrics struct {
	MasterTime            time.Duration
	Ticks                 uint64
	Reports               uint64
	TotalDriftCorrections uint64
	ForcedSyncs           uint64
	WallElapsed           time.Duration
	TimeRatio             float64
	Threshold             time.Duration
	HardBound             time.Duration
	Subsystems            map[string]SubsystemMetrics
}

// Names returns the subsystem names in sorted order.
func (mt Metrics) Names() []string {
	names := make([]string, 0, len(mt.Subsystems))
	for n := range mt.Subsystems {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Metrics returns a copy of the current state.
func (m *Master) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wall := m.wall.Since(m.startedAt)
	out := Metrics{
		MasterTime:            m.now,
		Ticks:                 m.ticks,
		Reports:               m.reports,
		TotalDriftCorrections: m.corrections,
		ForcedSyncs:           m.forced,
		WallElapsed:           wall,
		Threshold:             m.threshold,
		HardBound:             m.hardBound,
		Subsystems:            make(map[string]SubsystemMetrics, len(m.subsystems)),
	}
	if wall > 0 {
		out.TimeRatio = float64(m.now) / float64(wall)
	}
	for name, sub := range m.subsystems {
		out.Subsystems[name] = SubsystemMetrics{
			Latest:      sub.latest,
			Drift:       sub.drift(),
			Reports:     sub.reports,
			Missed:      sub.missed,
			Corrections: sub.corrections,
		}
	}
	return out
}

func (m *Master) sortedNamesLocked() []string {
	names := make([]string, 0, len(m.subsystems))
	for n := range m.subsystems {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
