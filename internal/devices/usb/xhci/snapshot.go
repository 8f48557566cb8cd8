package xhci

import (
	"encoding/gob"
	"fmt"
	"time"

	"github.com/tinyrange/xhci/internal/hv"
)

func init() {
	gob.Register(&controllerSnapshot{})
}

type slotSnapshot struct {
	State   uint8
	Port    uint8
	Address uint8
}

type controllerSnapshot struct {
	Base      uint64
	USB2Ports int
	USB3Ports int

	USBCMD  uint32
	USBSTS  uint32
	DNCTRL  uint32
	CONFIG  uint32
	DCBAAP  uint64
	CRCR    uint64
	CRCRCS  bool
	CRR     bool
	MFIndex uint32

	Slots        []slotSnapshot
	Ports        []portState
	Interrupters []interrupterState
}

var _ hv.DeviceSnapshotter = (*Controller)(nil)

func (c *Controller) DeviceId() string { return "xhci" }

// CaptureSnapshot records the register state. In-flight transfers are not
// captured; the driver sees them as never completed after a restore.
func (c *Controller) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	snap := &controllerSnapshot{
		Base:      c.opts.Base,
		USB2Ports: c.opts.USB2Ports,
		USB3Ports: c.opts.USB3Ports,
		USBCMD:    c.usbcmd.Load(),
		USBSTS:    c.usbsts.Load(),
		DNCTRL:    c.dnctrl,
		CONFIG:    c.config,
		DCBAAP:    c.dcbaap,
		CRCR:      c.crcr.Addr,
		CRCRCS:    c.crcr.Cycle,
		CRR:       c.crr,
		MFIndex:   c.mfindexLocked(),
	}
	for i := range c.slots {
		s := &c.slots[i]
		snap.Slots = append(snap.Slots, slotSnapshot{State: uint8(s.state), Port: uint8(s.port), Address: s.address})
	}
	for i := range c.ports {
		snap.Ports = append(snap.Ports, c.ports[i].capture())
	}
	for _, ir := range c.intrs {
		snap.Interrupters = append(snap.Interrupters, ir.capture())
	}
	return snap, nil
}

func (c *Controller) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*controllerSnapshot)
	if !ok {
		return fmt.Errorf("xhci: invalid snapshot type %T", snap)
	}
	if data.USB2Ports != c.opts.USB2Ports || data.USB3Ports != c.opts.USB3Ports ||
		len(data.Slots) != len(c.slots) || len(data.Interrupters) != len(c.intrs) {
		return fmt.Errorf("xhci: snapshot geometry does not match controller")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.epoch++
	if c.cmdAbort != nil {
		close(c.cmdAbort)
		c.cmdAbort = nil
	}
	c.cmdBusy, c.cmdStop = false, ccInvalid
	c.usbcmd.Store(data.USBCMD & cmdWritable)
	c.usbsts.Store(data.USBSTS)
	c.dnctrl, c.config, c.dcbaap = data.DNCTRL, data.CONFIG, data.DCBAAP
	c.crcr = ringPtr{Addr: data.CRCR, Cycle: data.CRCRCS}
	c.crr = data.CRR
	for i, s := range data.Slots {
		rt := &c.slots[i]
		rt.invalidate(allEndpoints)
		rt.state, rt.port, rt.address = slotState(s.State), PortNumber(s.Port), s.Address
	}
	for i, p := range data.Ports {
		c.ports[i].restore(p)
	}
	for i, s := range data.Interrupters {
		c.intrs[i].restore(s)
	}
	for i := range c.doorbells {
		c.doorbells[i].Store(0)
	}
	c.cmdBell.Store(false)
	c.mfindexBase = data.MFIndex
	c.runStart = time.Time{}
	if c.running() && !c.halted() {
		c.runStart = time.Now()
	}
	c.mu.Unlock()

	c.transport.CancelAll()
	c.updateLine()
	c.kickWorker()
	return nil
}
