// Package telemetry distributes per-tick frames from the simulation loop to
// any number of readers. Publishing never blocks: a subscriber whose buffer
// is full loses the frame and the loss is counted.
package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Frame is the per-tick record published after every step.
type Frame struct {
	Seq        uint64 // strictly increasing per hub, starting at 1
	Tick       uint64
	SimTime    time.Duration
	PinStates  []int
	Serial     string
	Firmware   string // firmware session state
	Validation string // latest validation status, empty before the first
	Err        string // tick error, if any
}

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("telemetry hub closed")

// DefaultBuffer is the subscriber buffer size used when none is given.
const DefaultBuffer = 64

// Subscription receives frames on C until it is cancelled or the hub closes.
type Subscription struct {
	C <-chan Frame

	hub     *Hub
	ch      chan Frame
	mu      sync.Mutex
	dropped uint64
	closed  bool
}

// Dropped returns the number of frames this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Cancel detaches the subscription and closes C. Cancel is idempotent.
func (s *Subscription) Cancel() {
	s.hub.remove(s)
}

func (s *Subscription) offer(f Frame) bool {
	select {
	case s.ch <- f:
		return true
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Stats counts hub activity.
type Stats struct {
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Subscribers int
}

// Hub is a single-producer, multi-subscriber frame distributor.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	seq    uint64
	latest *Frame
	closed bool
	stats  Stats
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a reader with a buffer of n frames (DefaultBuffer if
// n <= 0). Subscribing to a closed hub returns an already-closed
// subscription.
func (h *Hub) Subscribe(n int) *Subscription {
	if n <= 0 {
		n = DefaultBuffer
	}
	ch := make(chan Frame, n)
	s := &Subscription{C: ch, hub: h, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.close()
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	s.close()
}

// Publish stamps f with the next sequence number and offers it to every
// subscriber without blocking. It returns the assigned sequence number.
func (h *Hub) Publish(ctx context.Context, f Frame) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrClosed
	}
	h.seq++
	f.Seq = h.seq
	f.PinStates = append([]int(nil), f.PinStates...)
	h.latest = &f
	h.stats.Published++

	for s := range h.subs {
		g := f
		g.PinStates = append([]int(nil), f.PinStates...)
		if s.offer(g) {
			h.stats.Delivered++
		} else {
			h.stats.Dropped++
		}
	}
	return f.Seq, nil
}

// Latest returns a copy of the most recent frame, for pull-style readers.
func (h *Hub) Latest() (Frame, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		return Frame{}, false
	}
	f := *h.latest
	f.PinStates = append([]int(nil), f.PinStates...)
	return f, true
}

// Stats returns a copy of the counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := h.stats
	st.Subscribers = len(h.subs)
	return st
}

// Close closes every subscription. Further publishes fail with ErrClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[*Subscription]struct{})
	h.mu.Unlock()

	for s := range subs {
		s.close()
	}
	return nil
}
