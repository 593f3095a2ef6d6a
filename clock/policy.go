package clock

import "time"

// CorrectionPolicy decides how far to nudge a drifting subsystem toward the
// master in one correction. The returned adjustment is subtracted from the
// drift; the clock clamps it to (0, |drift|] with the sign of drift, so any
// policy yields a strictly smaller drift without overshoot.
type CorrectionPolicy interface {
	Adjustment(drift time.Duration) time.Duration
}

// Proportional removes a fixed fraction of the drift per correction.
type Proportional struct {
	Gain float64 // (0, 1]
}

func (p Proportional) Adjustment(drift time.Duration) time.Duration {
	gain := p.Gain
	if gain <= 0 || gain > 1 {
		gain = DefaultGain
	}
	return time.Duration(float64(drift) * gain)
}

// Stepped removes at most Step per correction.
type Stepped struct {
	Step time.Duration
}

func (s Stepped) Adjustment(drift time.Duration) time.Duration {
	step := s.Step
	if step <= 0 {
		step = time.Microsecond
	}
	if drift < 0 {
		return -min(step, -drift)
	}
	return min(step, drift)
}

// PolicyFunc adapts a function to CorrectionPolicy.
type PolicyFunc func(drift time.Duration) time.Duration

func (f PolicyFunc) Adjustment(drift time.Duration) time.Duration { return f(drift) }

// clampAdjustment bounds adj to (0, |drift|] carrying the sign of drift.
func clampAdjustment(drift, adj time.Duration) time.Duration {
	if drift == 0 {
		return 0
	}
	mag, a := abs(drift), abs(adj)
	if a == 0 {
		a = 1
	}
	a = min(a, mag)
	if drift < 0 {
		return -a
	}
	return a
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
