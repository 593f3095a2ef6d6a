package latency

import (
	"math"
	"time"
)

// Defaults for an ATmega328P-class board.
const (
	DefaultCPUHz       = 16_000_000
	DefaultPropagation = 5 * time.Microsecond
	adcCycles          = 13
	adcClockHz         = 125_000
	uartBitsPerByte    = 10
)

// CircuitModel estimates the signal latency a circuit step adds on top of
// compute time: executed cycles at the CPU clock, gate propagation, an optional
// ADC conversion and optional UART transfer.
type CircuitModel struct {
	CPUHz       float64
	Propagation time.Duration
	ADC         bool
	UARTBaud    int
	UARTBytes   int
}

// DefaultCircuitModel returns a 16 MHz model with 5µs propagation.
func DefaultCircuitModel() CircuitModel {
	return CircuitModel{CPUHz: DefaultCPUHz, Propagation: DefaultPropagation}
}

// Latency returns the modelled latency for cycles executed cycles.
func (m CircuitModel) Latency(cycles uint64) time.Duration {
	hz := m.CPUHz
	if hz <= 0 {
		hz = DefaultCPUHz
	}
	d := seconds(float64(cycles) / hz)
	d += m.Propagation
	if m.ADC {
		d += seconds(float64(adcCycles) / adcClockHz)
	}
	if m.UARTBaud > 0 && m.UARTBytes > 0 {
		d += seconds(float64(uartBitsPerByte*m.UARTBytes) / float64(m.UARTBaud))
	}
	return d
}

func seconds(f float64) time.Duration {
	return time.Duration(math.Round(f * float64(time.Second)))
}
