// Package protocol implements the firmware IPC wire formats: the binary framed
// form with its fixed 20-byte little-endian header, and the line-delimited JSON
// fallback used over minimal transports.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/comalice/lockstepx/simerr"
)

const (
	// Magic identifies the protocol ("RTFW" read as a little-endian u32).
	Magic uint32 = 0x57465452

	VersionMajor uint16 = 1
	VersionMinor uint16 = 1

	HeaderSize = 20

	// MaxPayload bounds payload_size and text line length.
	MaxPayload = 8 * 1024 * 1024
)

// Named reasons reported by TryParseHeader and the frame readers.
const (
	ReasonHeaderTooSmall   = "header_too_small"
	ReasonInvalidMagic     = "invalid_magic"
	ReasonUnsupportedMajor = "unsupported_major"
	ReasonPayloadTooLarge  = "payload_too_large"
	ReasonSequenceGap      = "sequence_gap"
	ReasonMalformedPayload = "malformed_payload"
	ReasonUnexpectedType   = "unexpected_type"
)

var (
	ErrHeaderTooSmall   = &simerr.Error{Kind: simerr.KindProtocol, Reason: ReasonHeaderTooSmall}
	ErrInvalidMagic     = &simerr.Error{Kind: simerr.KindProtocol, Reason: ReasonInvalidMagic}
	ErrUnsupportedMajor = &simerr.Error{Kind: simerr.KindProtocol, Reason: ReasonUnsupportedMajor}
	ErrPayloadTooLarge  = &simerr.Error{Kind: simerr.KindProtocol, Reason: ReasonPayloadTooLarge}
	ErrSequenceGap      = &simerr.Error{Kind: simerr.KindProtocol, Reason: ReasonSequenceGap}
	ErrMalformedPayload = &simerr.Error{Kind: simerr.KindProtocol, Reason: ReasonMalformedPayload}
	ErrUnexpectedType   = &simerr.Error{Kind: simerr.KindProtocol, Reason: ReasonUnexpectedType}
)

// MessageType identifies the payload carried by a frame.
type MessageType uint16

const (
	TypeHello       MessageType = 1
	TypeHelloAck    MessageType = 2
	TypeLoadBvm     MessageType = 3
	TypeStep        MessageType = 4
	TypeOutputState MessageType = 5
	TypeSerial      MessageType = 6
	TypeStatus      MessageType = 7
	TypeLog         MessageType = 8
	TypeError       MessageType = 9
	TypeMemoryPatch MessageType = 10
)

func (t MessageType) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeHelloAck:
		return "hello_ack"
	case TypeLoadBvm:
		return "load_bvm"
	case TypeStep:
		return "step"
	case TypeOutputState:
		return "output_state"
	case TypeSerial:
		return "serial"
	case TypeStatus:
		return "status"
	case TypeLog:
		return "log"
	case TypeError:
		return "error"
	case TypeMemoryPatch:
		return "memory_patch"
	default:
		return fmt.Sprintf("type(%d)", uint16(t))
	}
}

// Header is the fixed frame header.
//
//	offset 0  magic         u32
//	offset 4  version_major u16
//	offset 6  version_minor u16
//	offset 8  type          u16
//	offset 10 flags         u16
//	offset 12 payload_size  u32
//	offset 16 sequence      u32
type Header struct {
	Magic        uint32
	VersionMajor uint16
	VersionMinor uint16
	Type         MessageType
	Flags        uint16
	PayloadSize  uint32
	Sequence     uint32
}

// NewHeader returns a header for the current protocol version.
func NewHeader(t MessageType, flags uint16, payloadSize uint32, seq uint32) Header {
	return Header{
		Magic:        Magic,
		VersionMajor: VersionMajor,
		VersionMinor: VersionMinor,
		Type:         t,
		Flags:        flags,
		PayloadSize:  payloadSize,
		Sequence:     seq,
	}
}

// AppendTo appends the 20-byte encoding of h to b.
func (h Header) AppendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, h.Magic)
	b = binary.LittleEndian.AppendUint16(b, h.VersionMajor)
	b = binary.LittleEndian.AppendUint16(b, h.VersionMinor)
	b = binary.LittleEndian.AppendUint16(b, uint16(h.Type))
	b = binary.LittleEndian.AppendUint16(b, h.Flags)
	b = binary.LittleEndian.AppendUint32(b, h.PayloadSize)
	b = binary.LittleEndian.AppendUint32(b, h.Sequence)
	return b
}

// TryParseHeader decodes and validates the header at the start of buf. It never
// panics; failures carry one of the named reasons, checked in the order
// header_too_small, invalid_magic, unsupported_major, payload_too_large.
// A newer minor version is accepted.
func TryParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, simerr.New(simerr.KindProtocol, "parse header", ReasonHeaderTooSmall,
			fmt.Errorf("got %d bytes, need %d", len(buf), HeaderSize))
	}
	h := Header{
		Magic:        binary.LittleEndian.Uint32(buf[0:4]),
		VersionMajor: binary.LittleEndian.Uint16(buf[4:6]),
		VersionMinor: binary.LittleEndian.Uint16(buf[6:8]),
		Type:         MessageType(binary.LittleEndian.Uint16(buf[8:10])),
		Flags:        binary.LittleEndian.Uint16(buf[10:12]),
		PayloadSize:  binary.LittleEndian.Uint32(buf[12:16]),
		Sequence:     binary.LittleEndian.Uint32(buf[16:20]),
	}
	if h.Magic != Magic {
		return Header{}, simerr.New(simerr.KindProtocol, "parse header", ReasonInvalidMagic,
			fmt.Errorf("magic 0x%08x", h.Magic))
	}
	if h.VersionMajor != VersionMajor {
		return Header{}, simerr.New(simerr.KindProtocol, "parse header", ReasonUnsupportedMajor,
			fmt.Errorf("peer major %d, local major %d", h.VersionMajor, VersionMajor))
	}
	if h.PayloadSize > MaxPayload {
		return Header{}, simerr.New(simerr.KindProtocol, "parse header", ReasonPayloadTooLarge,
			fmt.Errorf("payload %d bytes exceeds %d", h.PayloadSize, MaxPayload))
	}
	return h, nil
}
