package lockstepx_test

import (
	"context"
	"errors"
	"testing"
	"time"

	wallclock "github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/lockstepx"
	"github.com/comalice/lockstepx/clock"
	"github.com/comalice/lockstepx/config"
	"github.com/comalice/lockstepx/firmware"
	"github.com/comalice/lockstepx/physics"
	"github.com/comalice/lockstepx/schedule"
	"github.com/comalice/lockstepx/simerr"
	"github.com/comalice/lockstepx/step"
	"github.com/comalice/lockstepx/testutil"
	"github.com/comalice/lockstepx/validate"
)

// echo is a solver that returns its input pins.
func echo(name string) *step.SolverStepper {
	return step.NewSolverStepper(name, step.SolverFunc(func(_ context.Context, in step.Input) (step.Output, error) {
		return step.Output{TickCount: in.Sequence, PinStates: in.PinStates}, nil
	}))
}

func newSession(t *testing.T, opts ...lockstepx.Option) *lockstepx.Session {
	t.Helper()
	s, err := lockstepx.New(config.Default(), opts...)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := config.Default()
	cfg.DtSeconds = -1
	_, err := lockstepx.New(cfg)
	assert.ErrorIs(t, err, simerr.ErrInvalidArgument)
}

func TestNewRejectsDuplicateSubsystems(t *testing.T) {
	_, err := lockstepx.New(config.Default(),
		lockstepx.WithStepper(echo(clock.Circuit)),
		lockstepx.WithStepper(echo(clock.Circuit)))
	assert.ErrorIs(t, err, lockstepx.ErrDuplicateSubsystem)
}

func TestStepOnceBeforeInit(t *testing.T) {
	s, err := lockstepx.New(config.Default())
	require.NoError(t, err)
	_, err = s.StepOnce(context.Background(), nil)
	assert.ErrorIs(t, err, lockstepx.ErrNotInitialized)
}

func TestStepOnceSequencesAndTelemetry(t *testing.T) {
	s := newSession(t, lockstepx.WithID("run-1"), lockstepx.WithStepper(echo(clock.Circuit)))
	sub := s.Telemetry().Subscribe(16)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		tick, err := s.StepOnce(ctx, []int{i})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), tick.Sequence)
		assert.Equal(t, time.Duration(i)*10*time.Millisecond, tick.SimTime)
		assert.Equal(t, []int{i}, tick.PinStates)
		assert.Equal(t, uint64(i), tick.Outputs[clock.Circuit].TickCount)
	}

	for i := uint64(1); i <= 3; i++ {
		f := <-sub.C
		assert.Equal(t, i, f.Seq)
		assert.Equal(t, i, f.Tick)
	}

	snap := s.Snapshot()
	assert.Equal(t, "run-1", snap.ID)
	assert.Equal(t, uint64(3), snap.Clock.Ticks)
	require.NotNil(t, snap.LastTick)
	assert.Equal(t, uint64(3), snap.LastTick.Sequence)
	assert.Nil(t, snap.Firmware)
	assert.Equal(t, time.Duration(0), s.Clock().ComputeDrift(clock.Circuit))
}

func TestPhysicsAndSensorsFollowRateClasses(t *testing.T) {
	var sensorFires int
	sensor := schedule.ConsumerFunc(func(context.Context, time.Duration, time.Duration) error {
		sensorFires++
		return nil
	})
	var worldSteps int
	world := physics.WorldFunc(func(dt time.Duration) error {
		assert.Equal(t, 20*time.Millisecond, dt)
		worldSteps++
		return nil
	})

	s := newSession(t,
		lockstepx.WithPhysics(world),
		lockstepx.WithSensor(&sensor, schedule.Ultrasonic),
	)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := s.StepOnce(ctx, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, 5, worldSteps)
	assert.Equal(t, 5, sensorFires)
	require.Len(t, s.Physics(), 1)
	assert.Equal(t, uint64(5), s.Physics()[0].StepCount())
	assert.Equal(t, time.Duration(0), s.Clock().ComputeDrift(clock.Physics))
}

func TestPhysicsOffRateHostStaysSynchronized(t *testing.T) {
	cfg := config.Default()
	cfg.DtSeconds = 0.016
	reg := prometheus.NewRegistry()
	s, err := lockstepx.New(cfg,
		lockstepx.WithWallClock(wallclock.NewMock()),
		lockstepx.WithPhysics(physics.WorldFunc(func(time.Duration) error { return nil })),
		lockstepx.WithValidationInterval(16*time.Millisecond),
		lockstepx.WithRegistry(reg),
	)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	ctx := context.Background()
	for i := 1; i <= 500; i++ {
		tick, err := s.StepOnce(ctx, nil)
		require.NoError(t, err, "tick %d", i)
		assert.Zero(t, tick.Corrections, "tick %d", i)
		if tick.Validation != nil {
			require.Equal(t, validate.Synchronized, tick.Validation.Status, "tick %d", i)
		}
	}
	assert.Positive(t, s.Validator().Validations())
	assert.Equal(t, uint64(400), s.Physics()[0].StepCount())
	assert.Zero(t, s.Clock().Metrics().TotalDriftCorrections)

	families, err := reg.Gather()
	require.NoError(t, err)
	var physicsSamples uint64
	for _, f := range families {
		if f.GetName() != "lockstep_step_latency_seconds" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "subsystem" && l.GetValue() == clock.Physics {
					physicsSamples = m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	assert.Equal(t, uint64(400), physicsSamples)
}

func TestDisabledDeterministicModeUsesHostDt(t *testing.T) {
	var micros []uint32
	recorder := step.NewSolverStepper(clock.Circuit, step.SolverFunc(func(_ context.Context, in step.Input) (step.Output, error) {
		micros = append(micros, in.DeltaMicros)
		return step.Output{}, nil
	}))
	cfg, err := config.Parse([]byte("enabled: false\ndt_seconds: 0.02\n"), true)
	require.NoError(t, err)

	s, err := lockstepx.New(cfg, lockstepx.WithStepper(recorder))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultHostDt, s.Dt())

	s, err = lockstepx.New(cfg, lockstepx.WithStepper(recorder), lockstepx.WithHostDt(5*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	tick, err := s.StepOnce(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Millisecond, tick.SimTime)
	assert.Equal(t, []uint32{5000}, micros)

	cfg.Enabled = true
	s, err = lockstepx.New(cfg, lockstepx.WithHostDt(5*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, s.Dt())
}

func TestFirmwareBlinkEndToEnd(t *testing.T) {
	peer := testutil.NewPeer(firmware.Binary)
	fw, err := firmware.New(peer.Listen(t), firmware.DefaultConfig())
	require.NoError(t, err)

	s := newSession(t, lockstepx.WithStepper(fw))
	require.Equal(t, firmware.Connected, fw.State())
	ctx := context.Background()

	var tick lockstepx.Tick
	for i := 1; i <= 50; i++ {
		tick, err = s.StepOnce(ctx, []int{0})
		require.NoError(t, err)
		if i == 1 {
			assert.Equal(t, testutil.BootBanner, tick.Serial)
		}
	}
	assert.Equal(t, []int{0}, tick.PinStates, "LED on after 50 steps")

	tick, err = s.StepOnce(ctx, []int{0})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, tick.PinStates, "LED off after 51 steps")
	assert.Equal(t, uint64(51), tick.Outputs[clock.Firmware].Sequence)
	assert.Equal(t, uint64(510_000), peer.Micros())

	snap := s.Snapshot()
	require.NotNil(t, snap.Firmware)
	assert.Equal(t, uint64(51), snap.Firmware.Steps)
	f, ok := s.Telemetry().Latest()
	require.True(t, ok)
	assert.Equal(t, "connected", f.Firmware)
}

func TestDeltaMicrosOverrideReachesFirmware(t *testing.T) {
	peer := testutil.NewPeer(firmware.Binary)
	fw, err := firmware.New(peer.Listen(t), firmware.DefaultConfig())
	require.NoError(t, err)

	cfg := config.Default()
	us := uint32(2500)
	cfg.DeltaMicrosOverride = &us
	s, err := lockstepx.New(cfg, lockstepx.WithStepper(fw))
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	for i := 0; i < 4; i++ {
		_, err := s.StepOnce(context.Background(), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(10_000), peer.Micros())
	assert.Equal(t, 40*time.Millisecond, s.Clock().Now())
}

func TestValidationRunsOnInterval(t *testing.T) {
	s := newSession(t, lockstepx.WithStepper(echo(clock.Circuit)), lockstepx.WithValidationInterval(50*time.Millisecond))
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		tick, err := s.StepOnce(ctx, nil)
		require.NoError(t, err)
		if i%5 == 0 {
			require.NotNil(t, tick.Validation, "tick %d", i)
			assert.Equal(t, validate.Synchronized, tick.Validation.Status)
		} else {
			assert.Nil(t, tick.Validation, "tick %d", i)
		}
	}
	assert.Equal(t, uint64(2), s.Validator().Validations())
	assert.Contains(t, s.DiagnosticReport(), "Status: synchronized")
}

func TestSlowSubsystemDesyncAndAutoResync(t *testing.T) {
	wall := wallclock.NewMock()
	slow := step.NewSolverStepper(clock.Circuit, step.SolverFunc(func(context.Context, step.Input) (step.Output, error) {
		wall.Add(30 * time.Millisecond)
		return step.Output{}, nil
	}))
	s := newSession(t,
		lockstepx.WithWallClock(wall),
		lockstepx.WithStepper(slow),
		lockstepx.WithValidationInterval(50*time.Millisecond),
		lockstepx.WithAlerts(validate.Alerts{Warning: time.Millisecond, Error: 10 * time.Millisecond, Critical: 50 * time.Millisecond}),
		lockstepx.WithAutoResync(true),
	)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		tick, err := s.StepOnce(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, tick.Corrections, "tick %d", i)
	}
	tick, err := s.StepOnce(ctx, nil)
	require.ErrorIs(t, err, simerr.ErrDesync)
	require.NotNil(t, tick.Validation)
	assert.Equal(t, validate.Desynchronized, tick.Validation.Status)
	assert.Equal(t, validate.LevelCritical, tick.Validation.Alert)

	assert.Equal(t, time.Duration(0), s.Clock().ComputeDrift(clock.Circuit))
	assert.Equal(t, uint64(1), s.Clock().Metrics().ForcedSyncs)
}

func TestSolverFailureIsMissedNotFatal(t *testing.T) {
	boom := errors.New("solver diverged")
	bad := step.NewSolverStepper(clock.Circuit, step.SolverFunc(func(context.Context, step.Input) (step.Output, error) {
		return step.Output{}, boom
	}))
	s := newSession(t, lockstepx.WithStepper(bad), lockstepx.WithStepper(echo(clock.Sensors)))

	tick, err := s.StepOnce(context.Background(), []int{1})
	require.ErrorIs(t, err, boom)
	assert.True(t, tick.Outputs[clock.Circuit].Missed)
	assert.Equal(t, []int{1}, tick.PinStates)
	assert.Equal(t, uint64(1), s.Clock().Metrics().Subsystems[clock.Circuit].Missed)

	f, ok := s.Telemetry().Latest()
	require.True(t, ok)
	assert.Contains(t, f.Err, "solver diverged")
}

func TestRandIsSeeded(t *testing.T) {
	a := newSession(t)
	b := newSession(t)
	first := a.Rand().Uint64()
	assert.Equal(t, first, b.Rand().Uint64())

	require.NoError(t, a.Reset())
	assert.Equal(t, first, a.Rand().Uint64())
}

func TestNegativeSeed(t *testing.T) {
	cfg := config.Default()
	cfg.RandomSeed = -5
	a, err := lockstepx.New(cfg)
	require.NoError(t, err)
	b, err := lockstepx.New(cfg)
	require.NoError(t, err)
	first := a.Rand().Uint64()
	assert.Equal(t, first, b.Rand().Uint64())
	assert.NotEqual(t, newSession(t).Rand().Uint64(), first)
}

func TestResetRewindsEverything(t *testing.T) {
	s := newSession(t, lockstepx.WithStepper(echo(clock.Circuit)), lockstepx.WithValidationInterval(20*time.Millisecond))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = s.StepOnce(ctx, nil)
	}
	require.NoError(t, s.Reset())

	snap := s.Snapshot()
	assert.Equal(t, time.Duration(0), snap.Clock.MasterTime)
	assert.Equal(t, uint64(0), snap.Clock.Ticks)
	assert.Nil(t, snap.Validation)
	assert.Nil(t, snap.LastTick)

	tick, err := s.StepOnce(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tick.Sequence)
}

func TestShutdownAndRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := lockstepx.New(config.Default(), lockstepx.WithRegistry(reg), lockstepx.WithStepper(echo(clock.Circuit)))
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	sub := s.Telemetry().Subscribe(1)

	_, err = s.StepOnce(context.Background(), nil)
	require.NoError(t, err)
	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["lockstep_ticks_total"])

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
	assert.False(t, reg.Unregister(s.Collector()), "already unregistered")

	<-sub.C
	_, open := <-sub.C
	assert.False(t, open)

	_, err = s.StepOnce(context.Background(), nil)
	assert.ErrorIs(t, err, lockstepx.ErrNotInitialized)
	assert.Error(t, s.Init(context.Background()))
}
