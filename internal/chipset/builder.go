package chipset

import (
	"fmt"
	"sort"

	"github.com/tinyrange/xhci/internal/hv"
)

// mmioBinding is one claimed window, [start, end).
type mmioBinding struct {
	device     string
	start, end uint64
	handler    MmioHandler
}

// ChipsetBuilder collects devices and the windows they claim. Build
// freezes the layout.
type ChipsetBuilder struct {
	devices map[string]ChipsetDevice
	order   []string
	mmio    []mmioBinding
}

// NewBuilder returns an empty builder.
func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{devices: make(map[string]ChipsetDevice)}
}

// RegisterDevice adds dev under name and claims its MMIO windows. Devices
// start in registration order and stop in reverse.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	switch {
	case name == "":
		return fmt.Errorf("chipset: device name is empty")
	case dev == nil:
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	if _, ok := b.devices[name]; ok {
		return fmt.Errorf("chipset: device %q already registered", name)
	}

	if icpt := dev.SupportsMmio(); icpt != nil {
		// Claim every window or none.
		claimed := len(b.mmio)
		for _, r := range icpt.Regions {
			if err := b.claim(name, r.Address, r.Size, icpt.Handler); err != nil {
				b.mmio = b.mmio[:claimed]
				return err
			}
		}
	}

	b.devices[name] = dev
	b.order = append(b.order, name)
	return nil
}

// WithMmioRegion claims a window for a handler that has no lifecycle.
func (b *ChipsetBuilder) WithMmioRegion(base, size uint64, handler MmioHandler) error {
	return b.claim("", base, size, handler)
}

func (b *ChipsetBuilder) claim(device string, base, size uint64, handler MmioHandler) error {
	end := base + size
	switch {
	case handler == nil:
		return fmt.Errorf("chipset: window %#x+%#x has no handler", base, size)
	case size == 0:
		return fmt.Errorf("chipset: window at %#x is empty", base)
	case end < base:
		return fmt.Errorf("chipset: window %#x+%#x wraps the address space", base, size)
	}
	for _, other := range b.mmio {
		if base < other.end && other.start < end {
			return fmt.Errorf("chipset: window [%#x, %#x) of %q collides with [%#x, %#x) of %q",
				base, end, device, other.start, other.end, other.device)
		}
	}
	b.mmio = append(b.mmio, mmioBinding{device: device, start: base, end: end, handler: handler})
	return nil
}

// Build returns the bus. The builder may keep being used; later changes do
// not affect chipsets already built.
func (b *ChipsetBuilder) Build() (*Chipset, error) {
	c := &Chipset{
		devices: make(map[string]ChipsetDevice, len(b.devices)),
		order:   append([]string(nil), b.order...),
		mmio:    append([]mmioBinding(nil), b.mmio...),
	}
	for name, dev := range b.devices {
		c.devices[name] = dev
	}
	sort.Slice(c.mmio, func(i, j int) bool { return c.mmio[i].start < c.mmio[j].start })
	return c, nil
}

// Chipset routes MMIO to devices and drives their lifecycle.
type Chipset struct {
	devices map[string]ChipsetDevice
	order   []string
	// mmio is sorted by start address and never overlaps.
	mmio []mmioBinding
}

func (c *Chipset) lookup(addr uint64, n int) (*mmioBinding, error) {
	end := addr + uint64(n)
	if end < addr {
		return nil, fmt.Errorf("chipset: access at %#x wraps the address space", addr)
	}
	i := sort.Search(len(c.mmio), func(i int) bool { return c.mmio[i].end > addr })
	if i == len(c.mmio) || addr < c.mmio[i].start || end > c.mmio[i].end {
		return nil, fmt.Errorf("chipset: no device claims %#x (%d bytes)", addr, n)
	}
	return &c.mmio[i], nil
}

// DeviceConfigs describes the claimed windows in address order, for
// snapshot validation.
func (c *Chipset) DeviceConfigs() []hv.DeviceConfig {
	out := make([]hv.DeviceConfig, 0, len(c.mmio))
	for _, m := range c.mmio {
		out = append(out, hv.DeviceConfig{ID: m.device, Base: m.start, Size: m.end - m.start})
	}
	return out
}
