package protocol

import (
	"encoding"
	"fmt"
	"io"

	"github.com/comalice/lockstepx/simerr"
)

// Frame is one header-plus-payload unit.
type Frame struct {
	Header  Header
	Payload []byte
}

// Decode unmarshals the payload into m.
func (f Frame) Decode(m encoding.BinaryUnmarshaler) error {
	return m.UnmarshalBinary(f.Payload)
}

// Reader reads frames from a stream. A read that fails part-way (for example on
// a deadline) keeps the bytes received so far, so the next ReadFrame resumes
// the same frame instead of losing stream alignment.
type Reader struct {
	r io.Reader

	hdr  [HeaderSize]byte
	hn   int
	head *Header

	payload []byte
	pn      int
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadFrame returns the next complete frame. Header validation failures reset
// the reader; the stream should be considered unusable afterwards.
func (fr *Reader) ReadFrame() (Frame, error) {
	for fr.hn < HeaderSize {
		n, err := fr.r.Read(fr.hdr[fr.hn:])
		fr.hn += n
		if fr.hn == HeaderSize {
			break
		}
		if err != nil {
			return Frame{}, err
		}
	}

	if fr.head == nil {
		h, err := TryParseHeader(fr.hdr[:])
		if err != nil {
			fr.reset()
			return Frame{}, err
		}
		fr.head = &h
		fr.payload = make([]byte, h.PayloadSize)
		fr.pn = 0
	}

	for fr.pn < len(fr.payload) {
		n, err := fr.r.Read(fr.payload[fr.pn:])
		fr.pn += n
		if fr.pn == len(fr.payload) {
			break
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}

	f := Frame{Header: *fr.head, Payload: fr.payload}
	fr.reset()
	return f, nil
}

// Pending reports whether a frame is partially received.
func (fr *Reader) Pending() bool {
	return fr.hn > 0
}

func (fr *Reader) reset() {
	fr.hn = 0
	fr.head = nil
	fr.payload = nil
	fr.pn = 0
}

// Writer writes frames with strictly increasing sequence numbers starting at 1.
type Writer struct {
	w   io.Writer
	seq uint32
	buf []byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame encodes header and payload into a single Write and returns the
// sequence number assigned.
func (fw *Writer) WriteFrame(t MessageType, flags uint16, payload []byte) (uint32, error) {
	if len(payload) > MaxPayload {
		return 0, simerr.New(simerr.KindProtocol, "write frame", ReasonPayloadTooLarge,
			fmt.Errorf("payload %d bytes exceeds %d", len(payload), MaxPayload))
	}
	fw.seq++
	h := NewHeader(t, flags, uint32(len(payload)), fw.seq)
	fw.buf = h.AppendTo(fw.buf[:0])
	fw.buf = append(fw.buf, payload...)
	if _, err := fw.w.Write(fw.buf); err != nil {
		return 0, err
	}
	return fw.seq, nil
}

// WriteMessage marshals m and writes it as a frame of type t.
func (fw *Writer) WriteMessage(t MessageType, m encoding.BinaryMarshaler) (uint32, error) {
	payload, err := m.MarshalBinary()
	if err != nil {
		return 0, err
	}
	return fw.WriteFrame(t, 0, payload)
}

// Sequence returns the last sequence number written.
func (fw *Writer) Sequence() uint32 {
	return fw.seq
}

// SequenceTracker enforces that received sequence numbers increase by exactly
// one. The first observed value is accepted as the start.
type SequenceTracker struct {
	last    uint32
	started bool
}

// Check validates seq against the previous one.
func (st *SequenceTracker) Check(seq uint32) error {
	if !st.started {
		st.started = true
		st.last = seq
		return nil
	}
	if seq != st.last+1 {
		err := simerr.New(simerr.KindProtocol, "check sequence", ReasonSequenceGap,
			fmt.Errorf("expected %d, got %d", st.last+1, seq))
		return err
	}
	st.last = seq
	return nil
}

// Last returns the last accepted sequence number.
func (st *SequenceTracker) Last() uint32 {
	return st.last
}

// Reset forgets the previous sequence, used when a new connection starts.
func (st *SequenceTracker) Reset() {
	st.last = 0
	st.started = false
}
