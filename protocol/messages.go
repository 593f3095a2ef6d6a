package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/comalice/lockstepx/simerr"
)

// Client capability flags carried in Hello.
const (
	FlagTimestamp uint32 = 1 << 0
	FlagPerf      uint32 = 1 << 1
	FlagLockstep  uint32 = 1 << 8
)

// LogLevel is the severity of a firmware Log frame.
type LogLevel uint8

const (
	LogInfo    LogLevel = 1
	LogWarning LogLevel = 2
	LogError   LogLevel = 3
)

const maxPins = math.MaxUint16

func malformed(msg string, format string, args ...any) error {
	return simerr.New(simerr.KindProtocol, "decode "+msg, ReasonMalformedPayload, fmt.Errorf(format, args...))
}

// Hello opens a session; HelloAck answers it with the peer's capabilities.
type Hello struct {
	Flags    uint32
	PinCount uint32
}

func (m Hello) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 8)
	b = binary.LittleEndian.AppendUint32(b, m.Flags)
	b = binary.LittleEndian.AppendUint32(b, m.PinCount)
	return b, nil
}

func (m *Hello) UnmarshalBinary(b []byte) error {
	if len(b) < 8 {
		return malformed("hello", "got %d bytes, need 8", len(b))
	}
	m.Flags = binary.LittleEndian.Uint32(b[0:4])
	m.PinCount = binary.LittleEndian.Uint32(b[4:8])
	return nil
}

// StepRequest asks the firmware to advance by DeltaMicros.
type StepRequest struct {
	StepSequence uint64
	DeltaMicros  uint32
	RailVoltage  float32
	Pins         []uint8
}

func (m StepRequest) MarshalBinary() ([]byte, error) {
	if len(m.Pins) > maxPins {
		return nil, simerr.InvalidArgument("encode step", "too_many_pins")
	}
	b := make([]byte, 0, 18+len(m.Pins))
	b = binary.LittleEndian.AppendUint64(b, m.StepSequence)
	b = binary.LittleEndian.AppendUint32(b, m.DeltaMicros)
	b = binary.LittleEndian.AppendUint32(b, math.Float32bits(m.RailVoltage))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(m.Pins)))
	b = append(b, m.Pins...)
	return b, nil
}

func (m *StepRequest) UnmarshalBinary(b []byte) error {
	if len(b) < 18 {
		return malformed("step", "got %d bytes, need at least 18", len(b))
	}
	m.StepSequence = binary.LittleEndian.Uint64(b[0:8])
	m.DeltaMicros = binary.LittleEndian.Uint32(b[8:12])
	m.RailVoltage = math.Float32frombits(binary.LittleEndian.Uint32(b[12:16]))
	n := int(binary.LittleEndian.Uint16(b[16:18]))
	if len(b) < 18+n {
		return malformed("step", "pin count %d exceeds payload", n)
	}
	m.Pins = append([]uint8(nil), b[18:18+n]...)
	return nil
}

// OutputState is the firmware's answer to one StepRequest.
type OutputState struct {
	StepSequence uint64
	TickCount    uint64
	Cycles       uint64
	Pins         []uint8
}

func (m OutputState) MarshalBinary() ([]byte, error) {
	if len(m.Pins) > maxPins {
		return nil, simerr.InvalidArgument("encode output state", "too_many_pins")
	}
	b := make([]byte, 0, 26+len(m.Pins))
	b = binary.LittleEndian.AppendUint64(b, m.StepSequence)
	b = binary.LittleEndian.AppendUint64(b, m.TickCount)
	b = binary.LittleEndian.AppendUint64(b, m.Cycles)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(m.Pins)))
	b = append(b, m.Pins...)
	return b, nil
}

func (m *OutputState) UnmarshalBinary(b []byte) error {
	if len(b) < 26 {
		return malformed("output state", "got %d bytes, need at least 26", len(b))
	}
	m.StepSequence = binary.LittleEndian.Uint64(b[0:8])
	m.TickCount = binary.LittleEndian.Uint64(b[8:16])
	m.Cycles = binary.LittleEndian.Uint64(b[16:24])
	n := int(binary.LittleEndian.Uint16(b[24:26]))
	if len(b) < 26+n {
		return malformed("output state", "pin count %d exceeds payload", n)
	}
	m.Pins = append([]uint8(nil), b[26:26+n]...)
	return nil
}

// Status reports the firmware's own tick counter outside a step exchange.
type Status struct {
	TickCount uint64
}

func (m Status) MarshalBinary() ([]byte, error) {
	return binary.LittleEndian.AppendUint64(nil, m.TickCount), nil
}

func (m *Status) UnmarshalBinary(b []byte) error {
	if len(b) < 8 {
		return malformed("status", "got %d bytes, need 8", len(b))
	}
	m.TickCount = binary.LittleEndian.Uint64(b[0:8])
	return nil
}

// LogMessage carries a firmware log line.
type LogMessage struct {
	Level LogLevel
	Text  string
}

func (m LogMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 1+len(m.Text))
	b = append(b, byte(m.Level))
	return append(b, m.Text...), nil
}

func (m *LogMessage) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return malformed("log", "empty payload")
	}
	m.Level = LogLevel(b[0])
	m.Text = string(b[1:])
	return nil
}

// ErrorMessage carries a firmware-side fault code.
type ErrorMessage struct {
	Code uint32
	Text string
}

func (m ErrorMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 4+len(m.Text))
	b = binary.LittleEndian.AppendUint32(b, m.Code)
	return append(b, m.Text...), nil
}

func (m *ErrorMessage) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return malformed("error", "got %d bytes, need at least 4", len(b))
	}
	m.Code = binary.LittleEndian.Uint32(b[0:4])
	m.Text = string(b[4:])
	return nil
}
