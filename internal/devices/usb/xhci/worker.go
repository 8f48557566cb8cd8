package xhci

import (
	"context"
	mathbits "math/bits"
	"time"
)

const microframe = 125 * time.Microsecond

// run is the controller's worker. Register writes only set doorbell bits and
// kick it; all ring walking happens here.
func (c *Controller) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.kick:
		}
		c.mu.Lock()
		if !c.closed {
			c.serviceLocked()
		}
		c.mu.Unlock()
	}
}

func (c *Controller) serviceLocked() {
	if !c.running() {
		c.haltLocked()
		return
	}
	if c.cmdBell.Swap(false) {
		c.crr = true
	}
	c.processCommandsLocked()

	for i := 1; i < len(c.doorbells) && c.running(); i++ {
		pending := c.doorbells[i].Swap(0)
		for pending != 0 && c.running() {
			dci := DCI(mathbits.TrailingZeros32(pending))
			pending &^= dci.bit()
			c.serviceEndpointLocked(SlotID(i), dci)
		}
	}

	if !c.running() {
		c.haltLocked()
	}
}

// haltLocked completes a Run/Stop transition to stopped once the worker has
// finished its current work.
func (c *Controller) haltLocked() {
	if c.halted() {
		return
	}
	if c.crr {
		c.stopCommandRingLocked()
	}
	c.usbsts.Or(stsHCHalted)
	c.freezeMFIndexLocked()
	c.log.Debug("xhci: controller halted")
}

func (c *Controller) startLocked() {
	if c.usbsts.Load()&stsHCE != 0 {
		c.diag("xhci: run requested after host controller error")
		c.usbcmd.And(^uint32(cmdRunStop))
		return
	}
	c.usbsts.And(^uint32(stsHCHalted))
	c.runStart = time.Now()
	c.replayPortChangesLocked()
	c.kickWorker()
	c.log.Debug("xhci: controller running")
}

func (c *Controller) mfindexLocked() uint32 {
	v := c.mfindexBase
	if !c.runStart.IsZero() {
		v += uint32(time.Since(c.runStart) / microframe)
	}
	return v & 0x3fff
}

func (c *Controller) freezeMFIndexLocked() {
	c.mfindexBase = c.mfindexLocked()
	c.runStart = time.Time{}
}
