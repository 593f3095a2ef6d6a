package firmware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/comalice/lockstepx/protocol"
	"github.com/comalice/lockstepx/simerr"
	"github.com/comalice/lockstepx/step"
)

// WireForm selects how step exchanges are encoded.
type WireForm int

const (
	// Binary is the framed form with header validation.
	Binary WireForm = iota
	// Text is one JSON object per line.
	Text
)

func (f WireForm) String() string {
	switch f {
	case Binary:
		return "binary"
	case Text:
		return "text"
	default:
		return fmt.Sprintf("wireform(%d)", int(f))
	}
}

// ParseWireForm parses "binary" or "text".
func ParseWireForm(s string) (WireForm, error) {
	switch strings.ToLower(s) {
	case "", "binary":
		return Binary, nil
	case "text", "json":
		return Text, nil
	default:
		return 0, simerr.InvalidArgument("parse wire form", "unknown_wire_form")
	}
}

// exchanger runs the wire protocol over one connection. Deadlines are set
// by the session; the exchanger only reads and writes.
type exchanger interface {
	handshake(pinCount int) (protocol.Hello, error)
	exchange(in step.Input) (step.Output, error)
	loadImage(image []byte) error
}

func newExchanger(form WireForm, c Conn, logger *slog.Logger) exchanger {
	if form == Text {
		return &textExchanger{conn: c, lines: protocol.NewLineReader(c), logger: logger}
	}
	return &binaryExchanger{
		conn:   c,
		reader: protocol.NewReader(c),
		writer: protocol.NewWriter(c),
		logger: logger,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classify maps transport errors onto the taxonomy; categorized errors pass
// through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *simerr.Error
	if errors.As(err, &se) {
		return err
	}
	if isTimeout(err) {
		return simerr.New(simerr.KindStepTimeout, op, "deadline_exceeded", err)
	}
	return simerr.New(simerr.KindConnection, op, "", err)
}

func toWirePins(pins []int) []uint8 {
	out := make([]uint8, len(pins))
	for i, p := range pins {
		out[i] = uint8(max(0, min(p, 255)))
	}
	return out
}

func fromWirePins(pins []uint8) []int {
	out := make([]int, len(pins))
	for i, p := range pins {
		out[i] = int(p)
	}
	return out
}

type binaryExchanger struct {
	conn   Conn
	reader *protocol.Reader
	writer *protocol.Writer
	seq    protocol.SequenceTracker
	serial strings.Builder
	ticks  uint64
	logger *slog.Logger
}

func (b *binaryExchanger) readFrame(op string) (protocol.Frame, error) {
	f, err := b.reader.ReadFrame()
	if err != nil {
		return protocol.Frame{}, classify(op, err)
	}
	if err := b.seq.Check(f.Header.Sequence); err != nil {
		return protocol.Frame{}, err
	}
	return f, nil
}

func (b *binaryExchanger) handshake(pinCount int) (protocol.Hello, error) {
	hello := protocol.Hello{Flags: protocol.FlagLockstep, PinCount: uint32(pinCount)}
	if _, err := b.writer.WriteMessage(protocol.TypeHello, hello); err != nil {
		return protocol.Hello{}, classify("handshake", err)
	}
	for {
		f, err := b.readFrame("handshake")
		if err != nil {
			return protocol.Hello{}, err
		}
		switch f.Header.Type {
		case protocol.TypeHelloAck:
			var ack protocol.Hello
			if err := f.Decode(&ack); err != nil {
				return protocol.Hello{}, err
			}
			return ack, nil
		case protocol.TypeLog, protocol.TypeSerial, protocol.TypeStatus, protocol.TypeError:
			b.side(f)
		default:
			return protocol.Hello{}, simerr.New(simerr.KindProtocol, "handshake", protocol.ReasonUnexpectedType,
				fmt.Errorf("got %s before hello_ack", f.Header.Type))
		}
	}
}

func (b *binaryExchanger) exchange(in step.Input) (step.Output, error) {
	req := protocol.StepRequest{
		StepSequence: in.Sequence,
		DeltaMicros:  in.DeltaMicros,
		RailVoltage:  float32(in.RailVoltage),
		Pins:         toWirePins(in.PinStates),
	}
	if _, err := b.writer.WriteMessage(protocol.TypeStep, req); err != nil {
		return step.Output{}, classify("write step", err)
	}

	for {
		f, err := b.readFrame("read step result")
		if err != nil {
			return step.Output{}, err
		}
		if f.Header.Type != protocol.TypeOutputState {
			if err := b.side(f); err != nil {
				return step.Output{}, err
			}
			continue
		}

		var out protocol.OutputState
		if err := f.Decode(&out); err != nil {
			return step.Output{}, err
		}
		switch {
		case out.StepSequence < in.Sequence:
			// Late answer to a request that already timed out.
			b.logger.Debug("discarding stale step result", "step_sequence", out.StepSequence, "want", in.Sequence)
			continue
		case out.StepSequence > in.Sequence:
			return step.Output{}, simerr.New(simerr.KindProtocol, "read step result", protocol.ReasonSequenceGap,
				fmt.Errorf("result for step %d while waiting for %d", out.StepSequence, in.Sequence))
		}

		b.ticks = out.TickCount
		serial := b.serial.String()
		b.serial.Reset()
		return step.Output{
			Sequence:     out.StepSequence,
			TickCount:    out.TickCount,
			Cycles:       out.Cycles,
			PinStates:    fromWirePins(out.Pins),
			SerialOutput: serial,
		}, nil
	}
}

// side consumes frames that may interleave with step results.
func (b *binaryExchanger) side(f protocol.Frame) error {
	switch f.Header.Type {
	case protocol.TypeSerial:
		b.serial.Write(f.Payload)
	case protocol.TypeLog:
		var lm protocol.LogMessage
		if err := f.Decode(&lm); err != nil {
			return err
		}
		b.logger.Log(context.Background(), logLevel(lm.Level), "firmware log", "text", lm.Text)
	case protocol.TypeStatus:
		var st protocol.Status
		if err := f.Decode(&st); err != nil {
			return err
		}
		b.ticks = st.TickCount
	case protocol.TypeError:
		var em protocol.ErrorMessage
		if err := f.Decode(&em); err != nil {
			return err
		}
		b.logger.Error("firmware error", "code", em.Code, "text", em.Text)
	case protocol.TypeMemoryPatch:
		b.logger.Debug("ignoring memory patch frame", "bytes", len(f.Payload))
	default:
		return simerr.New(simerr.KindProtocol, "read frame", protocol.ReasonUnexpectedType,
			fmt.Errorf("unexpected %s frame", f.Header.Type))
	}
	return nil
}

func (b *binaryExchanger) loadImage(image []byte) error {
	_, err := b.writer.WriteFrame(protocol.TypeLoadBvm, 0, image)
	return classify("load image", err)
}

func logLevel(l protocol.LogLevel) slog.Level {
	switch l {
	case protocol.LogWarning:
		return slog.LevelWarn
	case protocol.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type textExchanger struct {
	conn   Conn
	lines  *protocol.LineReader
	logger *slog.Logger
}

func (t *textExchanger) handshake(pinCount int) (protocol.Hello, error) {
	// The text form has no handshake.
	return protocol.Hello{PinCount: uint32(pinCount)}, nil
}

func (t *textExchanger) exchange(in step.Input) (step.Output, error) {
	line, err := protocol.EncodeLine(protocol.TextRequest{
		RailVoltage:  in.RailVoltage,
		PinStates:    in.PinStates,
		StepSequence: in.Sequence,
		DeltaMicros:  in.DeltaMicros,
	})
	if err != nil {
		return step.Output{}, err
	}
	if _, err := t.conn.Write(line); err != nil {
		return step.Output{}, classify("write step", err)
	}

	for {
		raw, err := t.lines.ReadLine()
		if err != nil {
			return step.Output{}, classify("read step result", err)
		}
		var resp protocol.TextResponse
		if err := protocol.DecodeLine(raw, &resp); err != nil {
			return step.Output{}, err
		}
		if resp.StepSequence != 0 && resp.StepSequence < in.Sequence {
			t.logger.Debug("discarding stale step result", "step_sequence", resp.StepSequence, "want", in.Sequence)
			continue
		}
		ticks := resp.TickCount
		if ticks == 0 {
			ticks = in.Sequence
		}
		return step.Output{
			Sequence:     in.Sequence,
			TickCount:    ticks,
			PinStates:    resp.PinStates,
			SerialOutput: resp.SerialOutput,
		}, nil
	}
}

func (t *textExchanger) loadImage([]byte) error {
	return simerr.InvalidArgument("load image", "unsupported_by_text_form")
}
