package chipset

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/tinyrange/xhci/internal/hv"
)

// Start starts devices in registration order. If one fails, the devices
// already started are stopped again.
func (c *Chipset) Start() error {
	for i, name := range c.order {
		if err := c.devices[name].Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = c.devices[c.order[j]].Stop()
			}
			return fmt.Errorf("chipset: start %q: %w", name, err)
		}
	}
	return nil
}

// Stop stops every device in reverse registration order, even when some
// fail.
func (c *Chipset) Stop() error {
	var result *multierror.Error
	for i := len(c.order) - 1; i >= 0; i-- {
		name := c.order[i]
		if err := c.devices[name].Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("chipset: stop %q: %w", name, err))
		}
	}
	return result.ErrorOrNil()
}

// Reset resets every device in registration order.
func (c *Chipset) Reset() error {
	var result *multierror.Error
	for _, name := range c.order {
		if err := c.devices[name].Reset(); err != nil {
			result = multierror.Append(result, fmt.Errorf("chipset: reset %q: %w", name, err))
		}
	}
	return result.ErrorOrNil()
}

// HandleMMIO routes an access to the device whose window contains all of it.
func (c *Chipset) HandleMMIO(ctx hv.ExitContext, addr uint64, data []byte, isWrite bool) error {
	m, err := c.lookup(addr, len(data))
	if err != nil {
		return err
	}
	if isWrite {
		return m.handler.WriteMMIO(ctx, addr, data)
	}
	return m.handler.ReadMMIO(ctx, addr, data)
}

// ReadMMIO lets a Chipset stand in as the bus for a driver.
func (c *Chipset) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	return c.HandleMMIO(ctx, addr, data, false)
}

// WriteMMIO lets a Chipset stand in as the bus for a driver.
func (c *Chipset) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	return c.HandleMMIO(ctx, addr, data, true)
}

// Snapshotters returns the devices that support snapshots, in registration
// order.
func (c *Chipset) Snapshotters() []hv.DeviceSnapshotter {
	var out []hv.DeviceSnapshotter
	for _, name := range c.order {
		if s, ok := c.devices[name].(hv.DeviceSnapshotter); ok {
			out = append(out, s)
		}
	}
	return out
}

var _ MmioHandler = (*Chipset)(nil)
