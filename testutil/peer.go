// Package testutil provides a scripted firmware peer that speaks both wire
// forms, for tests and for running the demo without an emulator.
package testutil

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/comalice/lockstepx/firmware"
	"github.com/comalice/lockstepx/protocol"
	"github.com/comalice/lockstepx/transport"
)

// BootBanner is sent on the serial channel with the first step result.
const BootBanner = "Booting...\n"

// BlinkLevel returns the LED pin level of the blink firmware for a step that
// starts at the given firmware time. The LED is active-low: the pin is 0
// (lit) for the first half of every second and 1 for the second half.
func BlinkLevel(startMicros uint64) int {
	if startMicros%1_000_000 < 500_000 {
		return 0
	}
	return 1
}

// Peer answers step requests like the blink firmware. Its clock advances by
// each request's delta in exact microseconds. Configure fields before the
// first connection.
type Peer struct {
	Form firmware.WireForm
	// Major is the protocol major version written in frame headers.
	Major uint16
	// DefaultDelta is used for text requests that carry no delta.
	DefaultDelta time.Duration
	// Delay stalls the answer to the given step sequence.
	Delay func(seq uint64) time.Duration
	// CloseAfter closes each connection after that many steps (0 never).
	CloseAfter uint64
	// GapAt skips a frame sequence number on the result of that step.
	GapAt uint64
	// Chatter sends a log frame alongside every result.
	Chatter bool
	// Minimal omits the optional sequencing fields of text responses.
	Minimal bool

	mu     sync.Mutex
	steps  uint64
	micros uint64
	conns  int
	images [][]byte
	last   []int
	open   map[io.Closer]struct{}
	done   chan struct{}
	closed bool
}

// NewPeer returns a peer for the given wire form.
func NewPeer(form firmware.WireForm) *Peer {
	return &Peer{
		Form:         form,
		Major:        protocol.VersionMajor,
		DefaultDelta: 10 * time.Millisecond,
		open:         make(map[io.Closer]struct{}),
		done:         make(chan struct{}),
	}
}

// Steps returns the number of steps answered.
func (p *Peer) Steps() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.steps
}

// Micros returns the firmware time in microseconds.
func (p *Peer) Micros() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.micros
}

// Conns returns the number of connections served.
func (p *Peer) Conns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns
}

// Images returns the firmware images received.
func (p *Peer) Images() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.images...)
}

// LastInput returns the pin states of the latest request.
func (p *Peer) LastInput() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.last...)
}

// Close ends all connections and interrupts pending delays.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	open := p.open
	p.open = make(map[io.Closer]struct{})
	p.mu.Unlock()
	for c := range open {
		_ = c.Close()
	}
}

// Serve answers requests on c until it is closed. A clean end of stream
// returns nil.
func (p *Peer) Serve(c io.ReadWriteCloser) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return c.Close()
	}
	p.conns++
	p.open[c] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.open, c)
		p.mu.Unlock()
		_ = c.Close()
	}()

	var err error
	if p.Form == firmware.Text {
		err = p.serveText(c)
	} else {
		err = p.serveBinary(c)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, errConnDone) {
		return nil
	}
	return err
}

var errConnDone = errors.New("peer closed connection")

// ServeListener serves every connection accepted on ln until ln is closed.
func (p *Peer) ServeListener(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() { _ = p.Serve(c) }()
	}
}

// Listen serves the peer on a loopback TCP port until the test ends and
// returns a dialer for it.
func (p *Peer) Listen(tb testing.TB) *transport.NetDialer {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("listen: %v", err)
	}
	go func() { _ = p.ServeListener(ln) }()
	tb.Cleanup(func() {
		_ = ln.Close()
		p.Close()
	})
	return transport.TCP(ln.Addr().String())
}

// advance runs one firmware step and reports whether the connection should
// be closed afterwards.
func (p *Peer) advance(deltaMicros uint64, pins []int, connSteps uint64) (level int, ticks uint64, serial string, closeConn bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := p.micros
	p.micros += deltaMicros
	p.steps++
	p.last = append(p.last[:0], pins...)
	if start == 0 {
		serial = BootBanner
	}
	closeConn = p.CloseAfter > 0 && connSteps >= p.CloseAfter
	return BlinkLevel(start), p.steps, serial, closeConn
}

func (p *Peer) stall(seq uint64) {
	if p.Delay == nil {
		return
	}
	d := p.Delay(seq)
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-p.done:
	}
}

func (p *Peer) serveBinary(c io.ReadWriter) error {
	r := protocol.NewReader(c)
	var seq uint32
	write := func(t protocol.MessageType, payload []byte, gap bool) error {
		seq++
		if gap {
			seq++
		}
		h := protocol.NewHeader(t, 0, uint32(len(payload)), seq)
		h.VersionMajor = p.Major
		buf := h.AppendTo(make([]byte, 0, protocol.HeaderSize+len(payload)))
		_, err := c.Write(append(buf, payload...))
		return err
	}
	writeMsg := func(t protocol.MessageType, m interface{ MarshalBinary() ([]byte, error) }, gap bool) error {
		b, err := m.MarshalBinary()
		if err != nil {
			return err
		}
		return write(t, b, gap)
	}

	var connSteps uint64
	for {
		f, err := r.ReadFrame()
		if err != nil {
			return err
		}
		switch f.Header.Type {
		case protocol.TypeHello:
			var hello protocol.Hello
			if err := f.Decode(&hello); err != nil {
				return err
			}
			if err := writeMsg(protocol.TypeHelloAck, protocol.Hello{Flags: hello.Flags, PinCount: hello.PinCount}, false); err != nil {
				return err
			}
		case protocol.TypeStep:
			var req protocol.StepRequest
			if err := f.Decode(&req); err != nil {
				return err
			}
			connSteps++
			pins := make([]int, len(req.Pins))
			for i, v := range req.Pins {
				pins[i] = int(v)
			}
			p.stall(req.StepSequence)
			level, ticks, serial, closeConn := p.advance(uint64(req.DeltaMicros), pins, connSteps)
			if serial != "" {
				if err := write(protocol.TypeSerial, []byte(serial), false); err != nil {
					return err
				}
			}
			if p.Chatter {
				msg := protocol.LogMessage{Level: protocol.LogInfo, Text: fmt.Sprintf("step %d", req.StepSequence)}
				if err := writeMsg(protocol.TypeLog, msg, false); err != nil {
					return err
				}
			}
			out := protocol.OutputState{
				StepSequence: req.StepSequence,
				TickCount:    ticks,
				Cycles:       uint64(req.DeltaMicros) * 16,
				Pins:         []uint8{uint8(level)},
			}
			if err := writeMsg(protocol.TypeOutputState, out, p.GapAt != 0 && p.GapAt == req.StepSequence); err != nil {
				return err
			}
			if closeConn {
				return errConnDone
			}
		case protocol.TypeLoadBvm:
			p.mu.Lock()
			p.images = append(p.images, append([]byte(nil), f.Payload...))
			p.mu.Unlock()
		}
	}
}

func (p *Peer) serveText(c io.ReadWriter) error {
	lines := protocol.NewLineReader(c)
	var connSteps uint64
	for {
		raw, err := lines.ReadLine()
		if err != nil {
			return err
		}
		var req protocol.TextRequest
		if err := protocol.DecodeLine(raw, &req); err != nil {
			return err
		}
		connSteps++
		delta := uint64(req.DeltaMicros)
		if delta == 0 {
			delta = uint64(p.DefaultDelta / time.Microsecond)
		}
		p.stall(req.StepSequence)
		level, ticks, serial, closeConn := p.advance(delta, req.PinStates, connSteps)
		resp := protocol.TextResponse{PinStates: []int{level}, SerialOutput: serial}
		if !p.Minimal {
			resp.StepSequence = req.StepSequence
			resp.TickCount = ticks
		}
		line, err := protocol.EncodeLine(resp)
		if err != nil {
			return err
		}
		if _, err := c.Write(line); err != nil {
			return err
		}
		if closeConn {
			return errConnDone
		}
	}
}
