package realtime

import (
	"errors"
	"sort"
)

// Input is a queued write of one input pin, applied at the next tick
// boundary. Written levels hold until overwritten.
type Input struct {
	Pin         int
	Level       int
	Priority    int    // Higher wins among writes to the same pin in one tick
	SequenceNum uint64 // Arrival order, breaks priority ties
}

// ErrInputQueueFull is returned when a tick's input queue is at capacity.
var ErrInputQueueFull = errors.New("input queue full")

// ErrInvalidPin is returned for negative pin numbers.
var ErrInvalidPin = errors.New("invalid pin")

// sortInputs orders writes so that applying them front to back leaves the
// highest-priority, latest write of each pin in place.
func sortInputs(inputs []Input) {
	sort.SliceStable(inputs, func(i, j int) bool {
		if inputs[i].Priority != inputs[j].Priority {
			return inputs[i].Priority < inputs[j].Priority
		}
		return inputs[i].SequenceNum < inputs[j].SequenceNum
	})
}

// applyInputs writes inputs onto pins, growing it as needed.
func applyInputs(pins []int, inputs []Input) []int {
	for _, in := range inputs {
		for len(pins) <= in.Pin {
			pins = append(pins, 0)
		}
		pins[in.Pin] = in.Level
	}
	return pins
}
