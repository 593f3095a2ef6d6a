package latency

import (
	"errors"
	"testing"
	"time"

	wallclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/lockstepx/clock"
)

type recorder struct {
	samples []clock.LatencySample
}

func (r *recorder) Report(s clock.LatencySample) error {
	r.samples = append(r.samples, s)
	return nil
}

func TestMeasureWithinSpan(t *testing.T) {
	mock := wallclock.NewMock()
	rec := &recorder{}
	a := New(rec, WithWallClock(mock))

	m, err := a.Measure(clock.Physics, 20*time.Millisecond, func() (uint64, error) {
		mock.Add(3 * time.Millisecond)
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Millisecond, m.Cost)
	require.Len(t, rec.samples, 1)
	assert.Equal(t, 20*time.Millisecond, rec.samples[0].Elapsed)
	assert.False(t, rec.samples[0].Missed)
}

func TestMeasureOverrun(t *testing.T) {
	mock := wallclock.NewMock()
	rec := &recorder{}
	a := New(rec, WithWallClock(mock))

	_, err := a.Measure(clock.Circuit, 10*time.Millisecond, func() (uint64, error) {
		mock.Add(12 * time.Millisecond)
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, clock.LatencySample{Name: clock.Circuit, Elapsed: 12 * time.Millisecond, Cycles: 42}, rec.samples[0])
}

func TestMeasureFailureIsMissed(t *testing.T) {
	rec := &recorder{}
	a := New(rec, WithWallClock(wallclock.NewMock()))
	boom := errors.New("solver diverged")

	m, err := a.Measure(clock.Circuit, 10*time.Millisecond, func() (uint64, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, m.Sample.Missed)
	assert.Zero(t, m.Sample.Elapsed)

	a.Missed(clock.Firmware)
	assert.True(t, rec.samples[1].Missed)
}

func TestMeasureIntoMasterClock(t *testing.T) {
	mock := wallclock.NewMock()
	master := clock.New(clock.WithWallClock(mock))
	a := New(master, WithWallClock(mock))

	require.NoError(t, master.Advance(10*time.Millisecond))
	_, err := a.Measure(clock.Circuit, 10*time.Millisecond, func() (uint64, error) {
		mock.Add(12 * time.Millisecond)
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Millisecond, master.ComputeDrift(clock.Circuit))
}

func TestCircuitModel(t *testing.T) {
	m := DefaultCircuitModel()
	assert.Equal(t, time.Millisecond+5*time.Microsecond, m.Latency(16000))

	m.ADC = true
	assert.Equal(t, 5*time.Microsecond+104*time.Microsecond, m.Latency(0))

	m = CircuitModel{UARTBaud: 9600, UARTBytes: 1}
	assert.InDelta(t, float64(1041666*time.Nanosecond), float64(m.Latency(0)), float64(time.Microsecond))
}

func TestMeasureAppliesModel(t *testing.T) {
	mock := wallclock.NewMock()
	rec := &recorder{}
	a := New(rec, WithWallClock(mock), WithModel(clock.Circuit, DefaultCircuitModel()))

	_, err := a.Measure(clock.Circuit, time.Millisecond, func() (uint64, error) {
		mock.Add(500 * time.Microsecond)
		return 16000, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1505*time.Microsecond, rec.samples[0].Elapsed)
}
