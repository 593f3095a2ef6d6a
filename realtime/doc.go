// Package realtime drives a lockstepx.Session on a dedicated loop goroutine.
//
// The loop differs from calling Session.StepOnce directly in three ways:
//   - Ticks are paced on the wall clock (by default at the session's dt)
//   - Input pin writes are batched and applied at tick boundaries
//   - The loop thread can be hardened for realtime work
//
// # Example Usage
//
//	s, _ := lockstepx.New(config.Default(), lockstepx.WithStepper(fw))
//	rt := realtime.NewRuntime(s, realtime.Config{
//		Hardening: realtime.Hardening{Enabled: true, Nice: -5},
//	})
//	rt.Start(ctx)
//	rt.SendInput(2, 1)
//	...
//	rt.Stop()
//	s.Shutdown(ctx)
//
// # Input Ordering Guarantees
//
// Writes queued between two ticks are ordered deterministically using:
//  1. Priority (higher priority applied last, so it wins)
//  2. Sequence number (arrival order for the same priority)
//  3. Stable sorting (preserves relative order)
//
// Written levels hold until overwritten, so a tick sees every pin's last
// winning write.
//
// # Stopping
//
// The loop checks its stop flag at the top of every iteration. Stop also
// stops the session's connection-holding subsystems so that a firmware step
// blocked on I/O returns immediately, and then waits up to Config.StopGrace
// for the loop to exit. A tick that panics is logged and counted in Stats;
// the loop carries on with the next tick.
//
// # Hardening
//
// When Config.Hardening.Enabled is set, the loop goroutine locks its OS
// thread and, on Linux, applies the requested niceness and CPU affinity.
// Settings that cannot be applied are logged and skipped. Everything is
// restored when the loop exits.
package realtime
