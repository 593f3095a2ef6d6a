package firmware

import "time"

// Backoff configures the reconnect delay schedule.
type Backoff struct {
	Initial time.Duration // delay after the first failure (default 100ms)
	Max     time.Duration // delay cap (default 5s)
}

// DefaultBackoff returns the default reconnect schedule.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 100 * time.Millisecond,
		Max:     5 * time.Second,
	}
}

// Delay returns the wait before reconnect attempt n (1-based):
// Initial * 2^(n-1), capped at Max.
//
//   - Attempt 1: 100ms
//   - Attempt 2: 200ms
//   - Attempt 3: 400ms
//   - Attempt 7: 5s (capped)
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.Max {
			return b.Max
		}
	}
	return min(delay, b.Max)
}
