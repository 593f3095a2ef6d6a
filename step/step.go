// Package step defines the contract shared by everything the host advances
// once per tick: in-process solvers and the out-of-process firmware session.
package step

import (
	"context"
	"time"
)

// DefaultRailVoltage is the supply voltage sent with each request.
const DefaultRailVoltage = 5.0

// Input is one step request.
type Input struct {
	Sequence    uint64 // tick count + 1
	Delta       time.Duration
	DeltaMicros uint32
	RailVoltage float64
	PinStates   []int
}

// Output is one step result. Missed marks a step that produced no result.
type Output struct {
	Sequence     uint64
	TickCount    uint64
	Cycles       uint64
	PinStates    []int
	SerialOutput string
	Missed       bool
}

// Stepper advances one subsystem by one step. Step blocks until the result is
// available or its own deadline passes.
type Stepper interface {
	Name() string
	Step(ctx context.Context, in Input) (Output, error)
}

// Lifecycle is implemented by steppers that hold resources between steps.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop() error
}

// Solver is an in-process black-box solver.
type Solver interface {
	Solve(ctx context.Context, in Input) (Output, error)
}

// SolverFunc adapts a function to Solver.
type SolverFunc func(ctx context.Context, in Input) (Output, error)

func (f SolverFunc) Solve(ctx context.Context, in Input) (Output, error) { return f(ctx, in) }

// SolverStepper runs a Solver in the simulation goroutine.
type SolverStepper struct {
	name   string
	solver Solver
}

// NewSolverStepper wraps s under the subsystem name.
func NewSolverStepper(name string, s Solver) *SolverStepper {
	return &SolverStepper{name: name, solver: s}
}

func (s *SolverStepper) Name() string { return s.name }

func (s *SolverStepper) Step(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{Sequence: in.Sequence, Missed: true}, err
	}
	out, err := s.solver.Solve(ctx, in)
	if err != nil {
		out.Missed = true
	}
	if out.Sequence == 0 {
		out.Sequence = in.Sequence
	}
	return out, err
}
