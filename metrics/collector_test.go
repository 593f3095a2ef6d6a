package metrics

import (
	"strings"
	"testing"
	"time"

	wallclock "github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/comalice/lockstepx/clock"
	"github.com/comalice/lockstepx/firmware"
	"github.com/comalice/lockstepx/telemetry"
	"github.com/comalice/lockstepx/validate"
)

func TestCollectorClockMetrics(t *testing.T) {
	m := clock.New(clock.WithWallClock(wallclock.NewMock()))
	m.Register(clock.Firmware)
	for i := 0; i < 3; i++ {
		if err := m.Advance(10 * time.Millisecond); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.ReportLatency(clock.Firmware, 32*time.Millisecond, 0); err != nil {
		t.Fatal(err)
	}

	c := NewCollector(Sources{Clock: m.Metrics}, "s1")
	expected := `
# HELP lockstep_ticks_total Simulation ticks executed.
# TYPE lockstep_ticks_total counter
lockstep_ticks_total{session_id="s1"} 3
# HELP lockstep_master_time_seconds Simulated master time.
# TYPE lockstep_master_time_seconds gauge
lockstep_master_time_seconds{session_id="s1"} 0.03
# HELP lockstep_subsystem_drift_seconds Current drift per subsystem.
# TYPE lockstep_subsystem_drift_seconds gauge
lockstep_subsystem_drift_seconds{session_id="s1",subsystem="firmware"} 0.002
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"lockstep_ticks_total", "lockstep_master_time_seconds", "lockstep_subsystem_drift_seconds"); err != nil {
		t.Fatal(err)
	}
}

func TestCollectorAllSources(t *testing.T) {
	m := clock.New(clock.WithWallClock(wallclock.NewMock()))
	v := validate.New(m)
	hub := telemetry.NewHub()
	c := NewCollector(Sources{
		Clock:      m.Metrics,
		Validation: v.LastResult,
		Alerts:     v.AlertCounts,
		Firmware: func() (firmware.Stats, bool) {
			return firmware.Stats{State: firmware.Connected, Steps: 7, Timeouts: 1, Connects: 2}, true
		},
		Telemetry: hub.Stats,
	}, "s2")

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Before any validation no status is exported.
	if n := testutil.CollectAndCount(c, "lockstep_validation_status"); n != 0 {
		t.Fatalf("expected no validation status, got %d", n)
	}
	v.ValidateTiming()
	if n := testutil.CollectAndCount(c, "lockstep_validation_status"); n != 1 {
		t.Fatalf("expected validation status, got %d", n)
	}
	if n := testutil.CollectAndCount(c, "lockstep_validation_alerts_total"); n != 3 {
		t.Fatalf("expected one alert series per level, got %d", n)
	}

	expected := `
# HELP lockstep_firmware_state Firmware session state (1 disconnected, 2 connecting, 3 connected, 4 faulted).
# TYPE lockstep_firmware_state gauge
lockstep_firmware_state{session_id="s2"} 3
# HELP lockstep_firmware_steps_total Completed firmware step exchanges.
# TYPE lockstep_firmware_steps_total counter
lockstep_firmware_steps_total{session_id="s2"} 7
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"lockstep_firmware_state", "lockstep_firmware_steps_total"); err != nil {
		t.Fatal(err)
	}
}

func TestObserveStep(t *testing.T) {
	c := NewCollector(Sources{}, "s3")
	c.ObserveStep(clock.Physics, 20*time.Millisecond, false)
	c.ObserveStep(clock.Physics, 0, true)
	c.ObserveStep(clock.Firmware, 10*time.Millisecond, false)

	if n := testutil.CollectAndCount(c, "lockstep_step_latency_seconds"); n != 2 {
		t.Fatalf("expected two histogram series, got %d", n)
	}
}
