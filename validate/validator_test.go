package validate

import (
	"strings"
	"testing"
	"time"

	wallclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/lockstepx/clock"
	"github.com/comalice/lockstepx/simerr"
)

func newMaster(t *testing.T) *clock.Master {
	t.Helper()
	m := clock.New(clock.WithWallClock(wallclock.NewMock()))
	m.Register(clock.Firmware)
	m.Register(clock.Physics)
	return m
}

// step advances the master by 10ms and reports the given elapsed time for
// the firmware and an exact 10ms for physics.
func step(t *testing.T, m *clock.Master, firmware time.Duration) {
	t.Helper()
	require.NoError(t, m.Advance(10*time.Millisecond))
	require.NoError(t, m.ReportLatency(clock.Firmware, firmware, 0))
	require.NoError(t, m.ReportLatency(clock.Physics, 10*time.Millisecond, 0))
}

func TestClassification(t *testing.T) {
	m := newMaster(t)
	v := New(m)

	step(t, m, 10*time.Millisecond)
	r := v.ValidateTiming()
	assert.Equal(t, Synchronized, r.Status)
	assert.Equal(t, LevelNone, r.Alert)
	assert.NoError(t, r.Err())

	step(t, m, 12*time.Millisecond)
	r = v.ValidateTiming()
	assert.Equal(t, Degraded, r.Status)
	assert.Equal(t, LevelWarning, r.Alert)
	assert.Equal(t, 2*time.Millisecond, r.MaxDrift)
	assert.Equal(t, clock.Firmware, r.Worst)
	assert.Equal(t, 20*time.Millisecond, r.MasterTime)
	assert.NoError(t, r.Err())

	step(t, m, 25*time.Millisecond)
	r = v.ValidateTiming()
	assert.Equal(t, Desynchronized, r.Status)
	assert.Equal(t, LevelError, r.Alert)
	assert.Equal(t, 17*time.Millisecond, r.MaxDrift)
	require.ErrorIs(t, r.Err(), simerr.ErrDesync)

	assert.Equal(t, AlertCounts{Warnings: 1, Errors: 1}, v.AlertCounts())
	assert.Equal(t, uint64(3), v.Validations())
	assert.Equal(t, []string{clock.Firmware, clock.Physics}, r.SortedDrift())
}

func TestValidatorNeverMutatesClock(t *testing.T) {
	m := newMaster(t)
	step(t, m, 30*time.Millisecond)
	before := m.Metrics()

	New(m).ValidateTiming()

	after := m.Metrics()
	assert.Equal(t, before.Subsystems, after.Subsystems)
	assert.Equal(t, before.TotalDriftCorrections, after.TotalDriftCorrections)
}

func TestDue(t *testing.T) {
	m := newMaster(t)
	v := New(m, WithInterval(50*time.Millisecond))

	assert.False(t, v.Due(40*time.Millisecond))
	assert.True(t, v.Due(50*time.Millisecond))

	for i := 0; i < 5; i++ {
		step(t, m, 10*time.Millisecond)
	}
	v.ValidateTiming()
	assert.False(t, v.Due(60*time.Millisecond))
	assert.True(t, v.Due(100*time.Millisecond))
	assert.True(t, v.Due(0), "master time went backwards")
}

func TestLastResultIsCopy(t *testing.T) {
	m := newMaster(t)
	v := New(m)
	_, ok := v.LastResult()
	assert.False(t, ok)

	step(t, m, 11*time.Millisecond)
	v.ValidateTiming()
	r, ok := v.LastResult()
	require.True(t, ok)
	r.Drift[clock.Firmware] = 0

	again, _ := v.LastResult()
	assert.Equal(t, time.Millisecond, again.Drift[clock.Firmware])
}

func TestHistoryBoundedAndStats(t *testing.T) {
	m := newMaster(t)
	v := New(m, WithHistorySize(3))

	// Firmware lag grows by 1ms per step: 1, 2, 3, 4ms.
	for i := 0; i < 4; i++ {
		step(t, m, 11*time.Millisecond)
		v.ValidateTiming()
	}
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 3 * time.Millisecond, 4 * time.Millisecond}, v.History())
	assert.Equal(t, DriftStats{
		Samples: 3,
		Average: 3 * time.Millisecond,
		Min:     2 * time.Millisecond,
		Max:     4 * time.Millisecond,
	}, v.Stats())

	v.Reset()
	assert.Empty(t, v.History())
	assert.Equal(t, DriftStats{}, v.Stats())
	assert.Equal(t, uint64(0), v.Validations())
}

func TestCriticalAlert(t *testing.T) {
	m := newMaster(t)
	v := New(m, WithAlerts(Alerts{Warning: time.Millisecond, Error: 5 * time.Millisecond, Critical: 20 * time.Millisecond}))
	step(t, m, 40*time.Millisecond)
	r := v.ValidateTiming()
	assert.Equal(t, LevelCritical, r.Alert)
	assert.Equal(t, uint64(1), v.AlertCounts().Critical)
}

func TestDiagnosticReport(t *testing.T) {
	m := newMaster(t)
	v := New(m)

	report := v.GenerateDiagnosticReport()
	assert.Contains(t, report, "No validation run yet")

	step(t, m, 12*time.Millisecond)
	v.ValidateTiming()
	report = v.GenerateDiagnosticReport()

	sections := []string{"CURRENT STATUS:", "PER-SUBSYSTEM DRIFT:", "DRIFT STATISTICS:", "ALERT COUNTS:", "METRICS:"}
	last := -1
	for _, s := range sections {
		i := strings.Index(report, s)
		require.GreaterOrEqual(t, i, 0, "missing %s", s)
		assert.Greater(t, i, last, "%s out of order", s)
		last = i
	}
	assert.Contains(t, report, "Status: degraded")
	assert.Contains(t, report, "Max Drift: 2.000ms (firmware)")
	assert.Contains(t, report, "firmware: 2.000ms")
	assert.Contains(t, report, "Warnings: 1")
	assert.Contains(t, report, "Master Time: 10.000ms")
	assert.Contains(t, report, "Ticks: 1")
}
