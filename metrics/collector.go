// Package metrics exports simulation state to Prometheus. The Collector reads
// copied snapshots at scrape time, so scraping never touches the simulation
// loop's state directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/comalice/lockstepx/clock"
	"github.com/comalice/lockstepx/firmware"
	"github.com/comalice/lockstepx/telemetry"
	"github.com/comalice/lockstepx/validate"
)

const namespace = "lockstep"

// Sources are the snapshot functions read on every scrape. Nil sources are
// skipped.
type Sources struct {
	Clock      func() clock.Metrics
	Validation func() (validate.Result, bool)
	Alerts     func() validate.AlertCounts
	Firmware   func() (firmware.Stats, bool)
	Telemetry  func() telemetry.Stats
}

// Collector is a prometheus.Collector for one simulation session.
type Collector struct {
	src Sources

	masterTime   *prometheus.Desc
	ticks        *prometheus.Desc
	reports      *prometheus.Desc
	corrections  *prometheus.Desc
	forcedSyncs  *prometheus.Desc
	timeRatio    *prometheus.Desc
	drift        *prometheus.Desc
	missed       *prometheus.Desc
	status       *prometheus.Desc
	maxDrift     *prometheus.Desc
	alerts       *prometheus.Desc
	fwState      *prometheus.Desc
	fwSteps      *prometheus.Desc
	fwTimeouts   *prometheus.Desc
	fwConnects   *prometheus.Desc
	telemetryOut *prometheus.Desc

	stepLatency *prometheus.HistogramVec
}

// NewCollector creates a collector labelled with the session ID.
func NewCollector(src Sources, sessionID string) *Collector {
	labels := prometheus.Labels{"session_id": sessionID}
	desc := func(name, help string, varLabels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, varLabels, labels)
	}
	return &Collector{
		src:          src,
		masterTime:   desc("master_time_seconds", "Simulated master time."),
		ticks:        desc("ticks_total", "Simulation ticks executed."),
		reports:      desc("latency_reports_total", "Latency samples reported to the master clock."),
		corrections:  desc("drift_corrections_total", "Drift corrections applied."),
		forcedSyncs:  desc("forced_syncs_total", "Subsystems resynchronized in one correction."),
		timeRatio:    desc("time_ratio", "Simulated time over wall time."),
		drift:        desc("subsystem_drift_seconds", "Current drift per subsystem.", "subsystem"),
		missed:       desc("subsystem_missed_total", "Missed steps per subsystem.", "subsystem"),
		status:       desc("validation_status", "Latest validation status (0 synchronized, 1 degraded, 2 desynchronized)."),
		maxDrift:     desc("validation_max_drift_seconds", "Largest absolute drift at the latest validation."),
		alerts:       desc("validation_alerts_total", "Validations per alert level.", "level"),
		fwState:      desc("firmware_state", "Firmware session state (1 disconnected, 2 connecting, 3 connected, 4 faulted)."),
		fwSteps:      desc("firmware_steps_total", "Completed firmware step exchanges."),
		fwTimeouts:   desc("firmware_step_timeouts_total", "Firmware step exchanges that timed out."),
		fwConnects:   desc("firmware_connects_total", "Successful firmware handshakes."),
		telemetryOut: desc("telemetry_dropped_total", "Telemetry frames dropped on full subscriber buffers."),
		stepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "step_latency_seconds",
			Help:        "Measured time covered by one subsystem step.",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 14),
			ConstLabels: labels,
		}, []string{"subsystem"}),
	}
}

// ObserveStep records one subsystem step. Missed steps are counted by the
// clock, not observed.
func (c *Collector) ObserveStep(subsystem string, elapsed time.Duration, missed bool) {
	if missed {
		return
	}
	c.stepLatency.WithLabelValues(subsystem).Observe(elapsed.Seconds())
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.masterTime, c.ticks, c.reports, c.corrections, c.forcedSyncs, c.timeRatio,
		c.drift, c.missed, c.status, c.maxDrift, c.alerts,
		c.fwState, c.fwSteps, c.fwTimeouts, c.fwConnects, c.telemetryOut,
	} {
		ch <- d
	}
	c.stepLatency.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, lv ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, lv...)
	}
	counter := func(d *prometheus.Desc, v float64, lv ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, lv...)
	}

	if c.src.Clock != nil {
		m := c.src.Clock()
		gauge(c.masterTime, m.MasterTime.Seconds())
		counter(c.ticks, float64(m.Ticks))
		counter(c.reports, float64(m.Reports))
		counter(c.corrections, float64(m.TotalDriftCorrections))
		counter(c.forcedSyncs, float64(m.ForcedSyncs))
		gauge(c.timeRatio, m.TimeRatio)
		for _, name := range m.Names() {
			sub := m.Subsystems[name]
			gauge(c.drift, sub.Drift.Seconds(), name)
			counter(c.missed, float64(sub.Missed), name)
		}
	}
	if c.src.Validation != nil {
		if r, ok := c.src.Validation(); ok {
			gauge(c.status, float64(r.Status))
			gauge(c.maxDrift, r.MaxDrift.Seconds())
		}
	}
	if c.src.Alerts != nil {
		a := c.src.Alerts()
		counter(c.alerts, float64(a.Warnings), validate.LevelWarning.String())
		counter(c.alerts, float64(a.Errors), validate.LevelError.String())
		counter(c.alerts, float64(a.Critical), validate.LevelCritical.String())
	}
	if c.src.Firmware != nil {
		if st, ok := c.src.Firmware(); ok {
			gauge(c.fwState, float64(st.State))
			counter(c.fwSteps, float64(st.Steps))
			counter(c.fwTimeouts, float64(st.Timeouts))
			counter(c.fwConnects, float64(st.Connects))
		}
	}
	if c.src.Telemetry != nil {
		counter(c.telemetryOut, float64(c.src.Telemetry().Dropped))
	}
	c.stepLatency.Collect(ch)
}

var _ prometheus.Collector = (*Collector)(nil)
