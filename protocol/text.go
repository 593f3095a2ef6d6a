package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/comalice/lockstepx/simerr"
)

// TextRequest is one step request of the line-delimited fallback form.
// The sequencing fields are optional; minimal peers ignore them.
type TextRequest struct {
	RailVoltage  float64 `json:"rail_voltage"`
	PinStates    []int   `json:"pin_states"`
	StepSequence uint64  `json:"step_sequence,omitempty"`
	DeltaMicros  uint32  `json:"delta_micros,omitempty"`
}

// TextResponse is one step result of the line-delimited fallback form.
type TextResponse struct {
	PinStates    []int  `json:"pin_states"`
	SerialOutput string `json:"serial_output"`
	StepSequence uint64 `json:"step_sequence,omitempty"`
	TickCount    uint64 `json:"tick_count,omitempty"`
}

// EncodeLine marshals v as a single JSON line terminated by '\n'.
func EncodeLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return append(b, '\n'), nil
}

// DecodeLine unmarshals one line into v.
func DecodeLine(line []byte, v any) error {
	if err := json.Unmarshal(line, v); err != nil {
		return simerr.New(simerr.KindProtocol, "decode line", ReasonMalformedPayload, err)
	}
	return nil
}

// LineReader splits a stream into lines and, like Reader, keeps a partially
// received line across failed reads.
type LineReader struct {
	r       io.Reader
	pending []byte
	chunk   []byte
}

func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: r, chunk: make([]byte, 4096)}
}

// ReadLine returns the next line without its terminator. Blank lines are
// skipped. Lines longer than MaxPayload fail with payload_too_large.
func (lr *LineReader) ReadLine() ([]byte, error) {
	for {
		if i := bytes.IndexByte(lr.pending, '\n'); i >= 0 {
			line := bytes.TrimRight(lr.pending[:i], "\r")
			out := append([]byte(nil), line...)
			lr.pending = lr.pending[i+1:]
			if len(out) == 0 {
				continue
			}
			return out, nil
		}
		if len(lr.pending) > MaxPayload {
			lr.pending = nil
			return nil, simerr.New(simerr.KindProtocol, "read line", ReasonPayloadTooLarge, nil)
		}
		n, err := lr.r.Read(lr.chunk)
		lr.pending = append(lr.pending, lr.chunk[:n]...)
		if err != nil {
			if n > 0 && bytes.IndexByte(lr.chunk[:n], '\n') >= 0 {
				continue
			}
			return nil, err
		}
	}
}

// Pending reports whether a partial line is buffered.
func (lr *LineReader) Pending() bool {
	return len(lr.pending) > 0
}
