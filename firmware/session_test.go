package firmware_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	wallclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/lockstepx/firmware"
	"github.com/comalice/lockstepx/simerr"
	"github.com/comalice/lockstepx/step"
	"github.com/comalice/lockstepx/testutil"
)

func input(seq uint64) step.Input {
	return step.Input{
		Sequence:    seq,
		Delta:       10 * time.Millisecond,
		DeltaMicros: 10_000,
		RailVoltage: step.DefaultRailVoltage,
		PinStates:   []int{1},
	}
}

func testConfig(form firmware.WireForm) firmware.Config {
	cfg := firmware.DefaultConfig()
	cfg.Form = form
	cfg.ConnectTimeout = time.Second
	cfg.StepTimeout = time.Second
	cfg.Backoff = firmware.Backoff{Initial: 100 * time.Millisecond, Max: time.Second}
	return cfg
}

func newSession(t *testing.T, p *testutil.Peer, cfg firmware.Config, opts ...firmware.Option) *firmware.Session {
	t.Helper()
	s, err := firmware.New(p.Listen(t), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestNewRequiresDialer(t *testing.T) {
	_, err := firmware.New(nil, firmware.DefaultConfig())
	assert.ErrorIs(t, err, simerr.ErrInvalidArgument)
}

func TestStepBeforeStart(t *testing.T) {
	s := newSession(t, testutil.NewPeer(firmware.Binary), testConfig(firmware.Binary))
	assert.Equal(t, firmware.Disconnected, s.State())

	out, err := s.Step(context.Background(), input(1))
	assert.ErrorIs(t, err, firmware.ErrNotStarted)
	assert.True(t, out.Missed)
}

func TestBinaryHandshakeAndSteps(t *testing.T) {
	p := testutil.NewPeer(firmware.Binary)
	p.Chatter = true
	s := newSession(t, p, testConfig(firmware.Binary), firmware.WithID("fw-1"))
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.Equal(t, firmware.Connected, s.State())
	assert.Equal(t, "fw-1", s.ID())

	out, err := s.Step(ctx, input(1))
	require.NoError(t, err)
	assert.False(t, out.Missed)
	assert.Equal(t, uint64(1), out.Sequence)
	assert.Equal(t, uint64(1), out.TickCount)
	assert.Equal(t, uint64(160_000), out.Cycles)
	assert.Equal(t, []int{0}, out.PinStates)
	assert.Equal(t, testutil.BootBanner, out.SerialOutput)

	out, err = s.Step(ctx, input(2))
	require.NoError(t, err)
	assert.Empty(t, out.SerialOutput)

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Steps)
	assert.Equal(t, uint64(1), st.Connects)
	assert.Equal(t, uint32(20), st.PeerPinCount)
	assert.Equal(t, uint64(2), st.LastTickCount)
	assert.Equal(t, []int{1}, p.LastInput())
}

// Fifty 10ms steps leave the blink firmware at 0.49s with the LED lit;
// the fifty-first step starts at exactly 0.5s and turns it off.
func TestBlinkPinAcrossHalfSecond(t *testing.T) {
	for _, form := range []firmware.WireForm{firmware.Binary, firmware.Text} {
		t.Run(form.String(), func(t *testing.T) {
			s := newSession(t, testutil.NewPeer(form), testConfig(form))
			ctx := context.Background()
			require.NoError(t, s.Start(ctx))

			var out step.Output
			var err error
			for seq := uint64(1); seq <= 50; seq++ {
				out, err = s.Step(ctx, input(seq))
				require.NoError(t, err)
			}
			assert.Equal(t, []int{0}, out.PinStates, "after 50 steps")

			out, err = s.Step(ctx, input(51))
			require.NoError(t, err)
			assert.Equal(t, []int{1}, out.PinStates, "after 51 steps")
		})
	}
}

func TestTextMinimalPeer(t *testing.T) {
	p := testutil.NewPeer(firmware.Text)
	p.Minimal = true
	s := newSession(t, p, testConfig(firmware.Text))
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	out, err := s.Step(ctx, input(7))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), out.Sequence)
	assert.Equal(t, uint64(7), out.TickCount, "tick count falls back to the step sequence")
	assert.Equal(t, testutil.BootBanner, out.SerialOutput)
}

func TestStepTimeoutIsMissedNotFault(t *testing.T) {
	p := testutil.NewPeer(firmware.Binary)
	p.Delay = func(seq uint64) time.Duration {
		if seq == 1 {
			return 200 * time.Millisecond
		}
		return 0
	}
	cfg := testConfig(firmware.Binary)
	cfg.StepTimeout = 50 * time.Millisecond
	s := newSession(t, p, cfg)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	out, err := s.Step(ctx, input(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, simerr.ErrStepTimeout)
	assert.True(t, out.Missed)
	assert.Equal(t, firmware.Connected, s.State())

	// Let the late answer arrive; the next step must skip it.
	time.Sleep(300 * time.Millisecond)

	out, err = s.Step(ctx, input(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), out.Sequence)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Timeouts)
	assert.Equal(t, uint64(1), st.Missed)
	assert.Equal(t, uint64(1), st.Steps)
}

func TestConsecutiveTimeoutsFault(t *testing.T) {
	p := testutil.NewPeer(firmware.Binary)
	p.Delay = func(uint64) time.Duration { return time.Second }
	cfg := testConfig(firmware.Binary)
	cfg.StepTimeout = 20 * time.Millisecond
	s := newSession(t, p, cfg)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	for seq := uint64(1); seq <= 2; seq++ {
		_, err := s.Step(ctx, input(seq))
		require.ErrorIs(t, err, simerr.ErrStepTimeout)
		require.Equal(t, firmware.Connected, s.State(), "step %d", seq)
	}
	_, err := s.Step(ctx, input(3))
	require.ErrorIs(t, err, simerr.ErrStepTimeout)
	assert.Equal(t, firmware.Faulted, s.State())
	assert.Equal(t, uint64(3), s.Stats().Timeouts)
}

func TestReconnectAfterBackoff(t *testing.T) {
	p := testutil.NewPeer(firmware.Binary)
	p.CloseAfter = 1
	mock := wallclock.NewMock()
	s := newSession(t, p, testConfig(firmware.Binary), firmware.WithWallClock(mock))
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	_, err := s.Step(ctx, input(1))
	require.NoError(t, err)

	// The peer hung up after the first step.
	_, err = s.Step(ctx, input(2))
	require.ErrorIs(t, err, simerr.ErrConnection)
	require.Equal(t, firmware.Faulted, s.State())

	_, err = s.Step(ctx, input(3))
	require.ErrorIs(t, err, simerr.ErrConnection)
	assert.Equal(t, "backoff", simerr.ReasonOf(err))
	assert.Equal(t, firmware.Faulted, s.State())

	mock.Add(100 * time.Millisecond)
	out, err := s.Step(ctx, input(4))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), out.Sequence)
	assert.Equal(t, firmware.Connected, s.State())
	assert.Equal(t, uint64(2), s.Stats().Connects)
	assert.Equal(t, 2, p.Conns())
}

func TestIncompatiblePeerIsFatal(t *testing.T) {
	p := testutil.NewPeer(firmware.Binary)
	p.Major = 2
	mock := wallclock.NewMock()
	s := newSession(t, p, testConfig(firmware.Binary), firmware.WithWallClock(mock))
	ctx := context.Background()

	err := s.Start(ctx)
	require.ErrorIs(t, err, simerr.ErrProtocol)
	assert.Equal(t, "unsupported_major", simerr.ReasonOf(err))
	assert.Equal(t, firmware.Faulted, s.State())
	assert.NoError(t, s.Err())

	mock.Add(time.Second)
	_, err = s.Step(ctx, input(1))
	require.ErrorIs(t, err, firmware.ErrIncompatiblePeer)
	assert.Equal(t, firmware.Disconnected, s.State())
	assert.ErrorIs(t, s.Err(), firmware.ErrIncompatiblePeer)

	// Fatal errors stick.
	assert.ErrorIs(t, s.Start(ctx), firmware.ErrIncompatiblePeer)
}

func TestProtocolErrorReconnects(t *testing.T) {
	p := testutil.NewPeer(firmware.Binary)
	p.GapAt = 2
	s := newSession(t, p, testConfig(firmware.Binary))
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	_, err := s.Step(ctx, input(1))
	require.NoError(t, err)

	_, err = s.Step(ctx, input(2))
	require.ErrorIs(t, err, simerr.ErrProtocol)
	assert.Equal(t, "sequence_gap", simerr.ReasonOf(err))
	assert.Equal(t, firmware.Connecting, s.State())

	out, err := s.Step(ctx, input(3))
	require.NoError(t, err)
	assert.False(t, out.Missed)
	assert.Equal(t, firmware.Connected, s.State())
	assert.Equal(t, uint64(1), s.Stats().ProtocolErrors)
}

func TestStopInterruptsStep(t *testing.T) {
	p := testutil.NewPeer(firmware.Binary)
	p.Delay = func(uint64) time.Duration { return 5 * time.Second }
	cfg := testConfig(firmware.Binary)
	cfg.StepTimeout = 10 * time.Second
	s := newSession(t, p, cfg)
	require.NoError(t, s.Start(context.Background()))

	var wg sync.WaitGroup
	var stepErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, stepErr = s.Step(context.Background(), input(1))
	}()

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	require.NoError(t, s.Stop())
	wg.Wait()

	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, stepErr, firmware.ErrStopped)
	assert.Equal(t, firmware.Disconnected, s.State())
	require.NoError(t, s.Stop(), "second stop")
}

func TestStepHonorsContext(t *testing.T) {
	p := testutil.NewPeer(firmware.Binary)
	p.Delay = func(uint64) time.Duration { return 5 * time.Second }
	cfg := testConfig(firmware.Binary)
	cfg.StepTimeout = 10 * time.Second
	s := newSession(t, p, cfg)
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out, err := s.Step(ctx, input(1))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.True(t, out.Missed)
}

func TestConnectFailureBacksOff(t *testing.T) {
	d := firmware.DialFunc(func(ctx context.Context) (firmware.Conn, error) {
		return nil, errors.New("connection refused")
	})
	mock := wallclock.NewMock()
	s, err := firmware.New(d, testConfig(firmware.Binary), firmware.WithWallClock(mock))
	require.NoError(t, err)

	err = s.Start(context.Background())
	require.ErrorIs(t, err, simerr.ErrConnection)
	assert.Equal(t, firmware.Faulted, s.State())

	_, err = s.Step(context.Background(), input(1))
	assert.Equal(t, "backoff", simerr.ReasonOf(err))

	mock.Add(100 * time.Millisecond)
	_, err = s.Step(context.Background(), input(2))
	assert.Equal(t, "dial", simerr.ReasonOf(err))
	assert.Equal(t, uint64(2), s.Stats().ConnectFailures)
}

func TestLoadImage(t *testing.T) {
	p := testutil.NewPeer(firmware.Binary)
	s := newSession(t, p, testConfig(firmware.Binary))
	ctx := context.Background()

	assert.Error(t, s.LoadImage(ctx, []byte{1}))
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.LoadImage(ctx, []byte{0xde, 0xad}))

	// A step round trip orders the image ahead of it.
	_, err := s.Step(ctx, input(1))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0xde, 0xad}}, p.Images())
}

func TestParseWireForm(t *testing.T) {
	f, err := firmware.ParseWireForm("text")
	require.NoError(t, err)
	assert.Equal(t, firmware.Text, f)
	f, err = firmware.ParseWireForm("")
	require.NoError(t, err)
	assert.Equal(t, firmware.Binary, f)
	_, err = firmware.ParseWireForm("carrier-pigeon")
	assert.ErrorIs(t, err, simerr.ErrInvalidArgument)
}

func TestStateDiagram(t *testing.T) {
	p := testutil.NewPeer(firmware.Binary)
	s := newSession(t, p, testConfig(firmware.Binary))
	require.NoError(t, s.Start(context.Background()))

	dot := s.StateDiagram()
	assert.Contains(t, dot, `"connected" [label="connected" style=filled fillcolor=lightgreen];`)
	assert.Contains(t, dot, `"connected" -> "connecting" [label="protocol_error"];`)
	assert.Contains(t, dot, `"faulted" -> "disconnected" [label="fatal"];`)
}
