package realtime

import (
	"context"
	"errors"
	"fmt"
)

// processTick processes one complete tick.
func (rt *Runtime) processTick() {
	start := rt.cfg.Clock.Now()
	defer func() {
		if r := recover(); r != nil {
			rt.record(fmt.Errorf("tick panicked: %v", r), true)
			rt.logger.Error("tick panicked", "tick", rt.TickNumber()+1, "panic", r)
		}
	}()

	// Phase 1: collect and order this tick's input writes
	inputs := rt.collectInputs()
	sortInputs(inputs)

	// Phase 2: fold them into the held pin states
	pins := rt.applyInputs(inputs)

	// Phase 3: step the session
	tick, err := rt.session.StepOnce(rt.tickCtx, pins)
	if err != nil && !rt.interrupted(err) {
		rt.record(err, false)
		rt.logger.Warn("tick failed", "tick", tick.Sequence, "error", err)
	}

	// Phase 4: account for pacing
	if rt.ticker != nil && rt.cfg.Clock.Since(start) > rt.tickRate {
		rt.batchMu.Lock()
		rt.overruns++
		rt.batchMu.Unlock()
	}

	if rt.cfg.OnTick != nil {
		rt.cfg.OnTick(tick, err)
	}
}

// collectInputs atomically retrieves and clears the input batch.
func (rt *Runtime) collectInputs() []Input {
	rt.batchMu.Lock()
	defer rt.batchMu.Unlock()

	inputs := rt.inputs
	rt.inputs = make([]Input, 0, cap(rt.inputs))
	return inputs
}

func (rt *Runtime) applyInputs(inputs []Input) []int {
	rt.batchMu.Lock()
	defer rt.batchMu.Unlock()
	rt.pins = applyInputs(rt.pins, inputs)
	return append([]int(nil), rt.pins...)
}

// interrupted reports whether err only reflects the loop being stopped.
func (rt *Runtime) interrupted(err error) bool {
	if rt.tickCtx.Err() == nil && !rt.stopping.Load() {
		return false
	}
	return errors.Is(err, context.Canceled) || rt.stopping.Load()
}

func (rt *Runtime) record(err error, panicked bool) {
	rt.batchMu.Lock()
	defer rt.batchMu.Unlock()
	if panicked {
		rt.panics++
	} else {
		rt.errors++
	}
	rt.lastError = err.Error()
}
