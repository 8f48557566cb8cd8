// Package chipset is the bus between guest physical addresses and device
// models. Devices claim MMIO windows when they are registered and accesses
// are routed by address. Interrupt lines carry level changes from devices to
// whatever models the interrupt controller.
package chipset

import (
	"github.com/tinyrange/xhci/internal/hv"
)

// MmioHandler serves accesses inside a claimed window. addr is the guest
// physical address of the first byte.
type MmioHandler interface {
	ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error
}

// MmioIntercept lists the windows a device claims and who serves them.
type MmioIntercept struct {
	Regions []hv.MMIORegion
	Handler MmioHandler
}

// ChangeDeviceState is the lifecycle every bus device follows.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// ChipsetDevice is a device on the bus. SupportsMmio returns nil for
// devices without registers.
type ChipsetDevice interface {
	ChangeDeviceState

	SupportsMmio() *MmioIntercept
}

// LineInterrupt is the device end of a level-triggered interrupt line.
// PulseInterrupt raises and drops the line in one step.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

// funcLine reports levels to fn. The zero value drops everything.
type funcLine struct {
	fn func(bool)
}

func (l funcLine) SetLevel(high bool) {
	if l.fn != nil {
		l.fn(high)
	}
}

func (l funcLine) PulseInterrupt() {
	l.SetLevel(true)
	l.SetLevel(false)
}

// LineInterruptDetached returns a line nobody listens to.
func LineInterruptDetached() LineInterrupt { return funcLine{} }

// LineInterruptFromFunc returns a line that reports every level to fn.
func LineInterruptFromFunc(fn func(high bool)) LineInterrupt { return funcLine{fn: fn} }
