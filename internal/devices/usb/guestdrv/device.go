package guestdrv

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/xhci/internal/devices/usb/vusb"
	"github.com/tinyrange/xhci/internal/guestmem"
)

const (
	ctxSize = 32
	// maxTransfer is the size of each endpoint's bounce buffer.
	maxTransfer = 16 << 10
)

// Protocol speed IDs as reported in PORTSC.
const (
	SpeedFull  = 1
	SpeedLow   = 2
	SpeedHigh  = 3
	SpeedSuper = 4
)

// Endpoint is an endpoint descriptor taken from a configuration.
type Endpoint struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

// In reports whether the endpoint is device-to-host.
func (e Endpoint) In() bool { return e.Address&0x80 != 0 }

// DCI is the endpoint's device context index.
func (e Endpoint) DCI() uint8 { return dciFor(e.Address) }

func dciFor(addr uint8) uint8 {
	n := addr & 0x0f
	if n == 0 {
		return 1
	}
	if addr&0x80 != 0 {
		return n*2 + 1
	}
	return n * 2
}

func (e Endpoint) contextType() uint32 {
	t := uint32(e.Attributes & 0x3)
	if e.In() {
		t += 4
	}
	return t
}

// Device is a device the driver has addressed.
type Device struct {
	d *Driver

	Slot  uint8
	Port  int
	Speed uint8

	Descriptor    []byte
	Configuration []byte
	Endpoints     []Endpoint

	out   uint64
	in    uint64
	rings [32]*producerRing
	bufs  [32]uint64
}

// EnableSlot runs an Enable Slot command and returns the slot ID.
func (d *Driver) EnableSlot(ctx context.Context) (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ev, err := d.checkedCommand(ctx, "enable slot", TRB{Control: typeBits(trbEnableSlot)})
	if err != nil {
		return 0, err
	}
	return ev.Slot(), nil
}

// DisableSlot releases a slot.
func (d *Driver) DisableSlot(ctx context.Context, slot uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.checkedCommand(ctx, "disable slot", TRB{Control: typeBits(trbDisableSlot) | uint32(slot)<<24})
	if err == nil {
		delete(d.devices, slot)
	}
	return err
}

// AddressDevice sets up the contexts of slot for the device on port and runs
// Address Device. With bsr set the controller skips SET_ADDRESS and leaves
// the slot in the Default state.
func (d *Driver) AddressDevice(ctx context.Context, slot uint8, port int, bsr bool) (*Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sc, err := d.read32(d.portReg(port))
	if err != nil {
		return nil, err
	}
	dev := &Device{d: d, Slot: slot, Port: port, Speed: uint8(sc >> 10 & 0xf)}
	if dev.out, err = d.arena.alloc(32*ctxSize, 64); err != nil {
		return nil, err
	}
	if dev.in, err = d.arena.alloc(33*ctxSize, 64); err != nil {
		return nil, err
	}
	if err := guestmem.WriteUint64(d.mem, d.dcbaa+uint64(slot)*8, dev.out); err != nil {
		return nil, err
	}
	ring, err := newProducerRing(&d.arena, d.opts.TransferRingSize)
	if err != nil {
		return nil, err
	}
	dev.rings[1] = ring

	var ictx [3][8]uint32
	ictx[0][1] = 0x3
	ictx[1][0] = uint32(dev.Speed)<<20 | 1<<27
	ictx[1][1] = uint32(port) << 16
	ictx[2] = endpointContext(4, defaultMaxPacket0(dev.Speed), 0, ring)
	if err := d.writeContexts(dev.in, ictx[:]); err != nil {
		return nil, err
	}

	ctl := typeBits(trbAddressDevice) | uint32(slot)<<24
	if bsr {
		ctl |= ctlBSR
	}
	if _, err := d.checkedCommand(ctx, "address device", TRB{Parameter: dev.in, Control: ctl}); err != nil {
		return nil, err
	}
	d.devices[slot] = dev
	return dev, nil
}

func defaultMaxPacket0(speed uint8) uint16 {
	switch speed {
	case SpeedLow:
		return 8
	case SpeedSuper:
		return 512
	}
	return 64
}

// endpointContext builds the eight dwords of an endpoint context.
func endpointContext(epType uint32, mps uint16, interval uint8, ring *producerRing) [8]uint32 {
	var c [8]uint32
	c[0] = uint32(interval) << 16
	cerr := uint32(3)
	if epType == 1 || epType == 5 {
		cerr = 0
	}
	c[1] = cerr<<1 | epType<<3 | uint32(mps)<<16
	deq := ring.dequeuePointer()
	c[2], c[3] = uint32(deq), uint32(deq>>32)
	c[4] = uint32(min(mps, 1024))
	return c
}

func (d *Driver) writeContexts(addr uint64, ctxs [][8]uint32) error {
	buf := make([]byte, len(ctxs)*ctxSize)
	for i, c := range ctxs {
		for j, v := range c {
			binary.LittleEndian.PutUint32(buf[i*ctxSize+j*4:], v)
		}
	}
	return guestmem.Write(d.mem, addr, buf)
}

// SlotState reads the slot state from the output slot context.
func (dev *Device) SlotState() (uint8, error) {
	v, err := guestmem.ReadUint32(dev.d.mem, dev.out+12)
	return uint8(v >> 27), err
}

// EndpointState reads an endpoint state from the output context.
func (dev *Device) EndpointState(epAddr uint8) (uint8, error) {
	v, err := guestmem.ReadUint32(dev.d.mem, dev.out+uint64(dciFor(epAddr))*ctxSize)
	return uint8(v & 0x7), err
}

// Address reads the USB address the controller assigned.
func (dev *Device) Address() (uint8, error) {
	v, err := guestmem.ReadUint32(dev.d.mem, dev.out+12)
	return uint8(v), err
}

func (dev *Device) buffer(dci uint8) (uint64, error) {
	if dev.bufs[dci] == 0 {
		addr, err := dev.d.arena.alloc(maxTransfer, 64)
		if err != nil {
			return 0, err
		}
		dev.bufs[dci] = addr
	}
	return dev.bufs[dci], nil
}

// Control runs a control transfer on the default endpoint and returns the
// number of bytes moved in the data stage.
func (dev *Device) Control(ctx context.Context, setup vusb.SetupPacket, data []byte) (int, error) {
	d := dev.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if int(setup.Length) != len(data) {
		return 0, fmt.Errorf("guestdrv: setup length %d does not match buffer %d", setup.Length, len(data))
	}
	if len(data) > maxTransfer {
		return 0, fmt.Errorf("guestdrv: control transfer of %d bytes too large", len(data))
	}
	in := setup.In()
	ring := dev.rings[1]
	buf, err := dev.buffer(1)
	if err != nil {
		return 0, err
	}
	if !in && len(data) > 0 {
		if err := guestmem.Write(d.mem, buf, data); err != nil {
			return 0, err
		}
	}

	raw := setup.Bytes()
	trt := uint32(0)
	switch {
	case len(data) > 0 && in:
		trt = 3
	case len(data) > 0:
		trt = 2
	}
	addrs := make(map[uint64]bool)
	setupAddr, err := ring.push(TRB{
		Parameter: binary.LittleEndian.Uint64(raw[:]),
		Status:    8,
		Control:   typeBits(trbSetup) | ctlIDT | trt<<16,
	})
	if err != nil {
		return 0, err
	}
	addrs[setupAddr] = true
	if len(data) > 0 {
		ctl := typeBits(trbData) | ctlISP
		if in {
			ctl |= ctlDirIn
		}
		dataAddr, err := ring.push(TRB{Parameter: buf, Status: uint32(len(data)), Control: ctl})
		if err != nil {
			return 0, err
		}
		addrs[dataAddr] = true
	}
	statusCtl := typeBits(trbStatus) | ctlIOC
	if !in || len(data) == 0 {
		statusCtl |= ctlDirIn
	}
	statusAddr, err := ring.push(TRB{Control: statusCtl})
	if err != nil {
		return 0, err
	}
	addrs[statusAddr] = true

	if err := d.ringDoorbell(dev.Slot, 1); err != nil {
		return 0, err
	}

	actual := len(data)
	for {
		ev, err := d.waitEvent(ctx, func(ev TRB) bool {
			return ev.Type() == trbTransferEvent && ev.Slot() == dev.Slot && ev.Endpoint() == 1 && addrs[ev.Parameter]
		})
		if err != nil {
			return 0, err
		}
		switch ev.Code() {
		case CodeSuccess:
		case CodeShortPacket:
			actual = len(data) - int(ev.Residual())
		default:
			return 0, &CompletionError{Op: "control transfer", Code: ev.Code()}
		}
		if ev.Parameter == statusAddr {
			break
		}
	}
	if in && actual > 0 {
		if err := guestmem.Read(d.mem, buf, data[:actual]); err != nil {
			return 0, err
		}
	}
	return actual, nil
}

// Transfer runs one bulk or interrupt transfer on epAddr. IN transfers fill
// data and return the received length.
func (dev *Device) Transfer(ctx context.Context, epAddr uint8, data []byte) (int, error) {
	d := dev.d
	d.mu.Lock()
	defer d.mu.Unlock()

	dci := dciFor(epAddr)
	ring := dev.rings[dci]
	if ring == nil || dci == 1 {
		return 0, fmt.Errorf("guestdrv: endpoint %#x not configured", epAddr)
	}
	if len(data) > maxTransfer {
		return 0, fmt.Errorf("guestdrv: transfer of %d bytes too large", len(data))
	}
	in := epAddr&0x80 != 0
	buf, err := dev.buffer(dci)
	if err != nil {
		return 0, err
	}
	if !in {
		if err := guestmem.Write(d.mem, buf, data); err != nil {
			return 0, err
		}
	}
	addr, err := ring.push(TRB{
		Parameter: buf,
		Status:    uint32(len(data)),
		Control:   typeBits(trbNormal) | ctlISP | ctlIOC,
	})
	if err != nil {
		return 0, err
	}
	if err := d.ringDoorbell(dev.Slot, dci); err != nil {
		return 0, err
	}
	ev, err := d.waitEvent(ctx, func(ev TRB) bool {
		return ev.Type() == trbTransferEvent && ev.Slot() == dev.Slot && ev.Endpoint() == dci && ev.Parameter == addr
	})
	if err != nil {
		return 0, err
	}
	actual := len(data)
	switch ev.Code() {
	case CodeSuccess:
	case CodeShortPacket:
		actual = len(data) - int(ev.Residual())
	default:
		return 0, &CompletionError{Op: fmt.Sprintf("transfer on %#x", epAddr), Code: ev.Code()}
	}
	if in && actual > 0 {
		if err := guestmem.Read(d.mem, buf, data[:actual]); err != nil {
			return 0, err
		}
	}
	return actual, nil
}

// ConfigureEndpoints adds eps to the device with a Configure Endpoint
// command and sets up a transfer ring for each.
func (dev *Device) ConfigureEndpoints(ctx context.Context, eps []Endpoint) error {
	d := dev.d
	d.mu.Lock()
	defer d.mu.Unlock()

	ictx := make([][8]uint32, 33)
	last := uint8(1)
	var rings []*producerRing
	for _, ep := range eps {
		dci := ep.DCI()
		ring, err := newProducerRing(&d.arena, d.opts.TransferRingSize)
		if err != nil {
			return err
		}
		rings = append(rings, ring)
		ictx[0][1] |= 1 << dci
		ictx[1+dci] = endpointContext(ep.contextType(), ep.MaxPacketSize, intervalFor(dev.Speed, ep), ring)
		last = max(last, dci)
	}
	ictx[0][1] |= 1
	slotCtx, err := dev.readContext(0)
	if err != nil {
		return err
	}
	slotCtx[0] = slotCtx[0]&^(0x1f<<27) | uint32(last)<<27
	slotCtx[3] = 0
	ictx[1] = slotCtx
	if err := d.writeContexts(dev.in, ictx); err != nil {
		return err
	}
	cmd := TRB{Parameter: dev.in, Control: typeBits(trbConfigureEP) | uint32(dev.Slot)<<24}
	if _, err := d.checkedCommand(ctx, "configure endpoint", cmd); err != nil {
		return err
	}
	for i, ep := range eps {
		dev.rings[ep.DCI()] = rings[i]
	}
	return nil
}

// intervalFor converts a descriptor bInterval to the context's exponent.
func intervalFor(speed uint8, ep Endpoint) uint8 {
	if ep.Attributes&0x3 != 0x3 || ep.Interval == 0 {
		return 0
	}
	if speed == SpeedFull || speed == SpeedLow {
		// Frames to 125us microframes, as a power of two.
		n := uint8(3)
		for v := ep.Interval; v > 1; v >>= 1 {
			n++
		}
		return n
	}
	return ep.Interval - 1
}

func (dev *Device) readContext(idx int) ([8]uint32, error) {
	var raw [ctxSize]byte
	var c [8]uint32
	if err := guestmem.Read(dev.d.mem, dev.out+uint64(idx)*ctxSize, raw[:]); err != nil {
		return c, err
	}
	for i := range c {
		c[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return c, nil
}

// SetMaxPacket0 updates the default endpoint's max packet size with an
// Evaluate Context command.
func (dev *Device) SetMaxPacket0(ctx context.Context, mps uint16) error {
	d := dev.d
	d.mu.Lock()
	defer d.mu.Unlock()

	ictx := make([][8]uint32, 3)
	ictx[0][1] = 0x2
	ep0, err := dev.readContext(1)
	if err != nil {
		return err
	}
	ep0[1] = ep0[1]&0xffff | uint32(mps)<<16
	ictx[2] = ep0
	if err := d.writeContexts(dev.in, ictx); err != nil {
		return err
	}
	_, err = d.checkedCommand(ctx, "evaluate context", TRB{Parameter: dev.in, Control: typeBits(trbEvaluateCtx) | uint32(dev.Slot)<<24})
	return err
}

// ResetEndpoint recovers a halted endpoint: Reset Endpoint followed by Set
// TR Dequeue Pointer past the failed TD.
func (dev *Device) ResetEndpoint(ctx context.Context, epAddr uint8) error {
	d := dev.d
	d.mu.Lock()
	defer d.mu.Unlock()

	dci := dciFor(epAddr)
	ring := dev.rings[dci]
	if ring == nil {
		return fmt.Errorf("guestdrv: endpoint %#x not configured", epAddr)
	}
	target := uint32(dev.Slot)<<24 | uint32(dci)<<16
	if _, err := d.checkedCommand(ctx, "reset endpoint", TRB{Control: typeBits(trbResetEP) | target}); err != nil {
		return err
	}
	_, err := d.checkedCommand(ctx, "set TR dequeue", TRB{Parameter: ring.enqueuePointer(), Control: typeBits(trbSetTRDeq) | target})
	return err
}

// StopEndpoint stops an endpoint. Its pending TDs are abandoned.
func (dev *Device) StopEndpoint(ctx context.Context, epAddr uint8) error {
	d := dev.d
	d.mu.Lock()
	defer d.mu.Unlock()
	target := uint32(dev.Slot)<<24 | uint32(dciFor(epAddr))<<16
	_, err := d.checkedCommand(ctx, "stop endpoint", TRB{Control: typeBits(trbStopEP) | target})
	return err
}

// Enumerate brings up the device on port: port reset, slot, address,
// descriptors, endpoints and SET_CONFIGURATION.
func (d *Driver) Enumerate(ctx context.Context, port int) (*Device, error) {
	sc, err := d.PortStatus(port)
	if err != nil {
		return nil, err
	}
	if sc&PortConnected == 0 {
		return nil, fmt.Errorf("guestdrv: nothing connected to port %d", port)
	}
	if sc, err = d.ResetPort(ctx, port); err != nil {
		return nil, err
	}
	if sc&PortEnabled == 0 {
		return nil, fmt.Errorf("guestdrv: port %d not enabled after reset", port)
	}
	slot, err := d.EnableSlot(ctx)
	if err != nil {
		return nil, err
	}
	dev, err := d.AddressDevice(ctx, slot, port, false)
	if err != nil {
		return nil, err
	}

	head := make([]byte, 8)
	if _, err := dev.Control(ctx, getDescriptor(vusb.DescriptorTypeDevice, len(head)), head); err != nil {
		return nil, fmt.Errorf("guestdrv: device descriptor: %w", err)
	}
	if mps := uint16(head[7]); dev.Speed != SpeedSuper && mps != defaultMaxPacket0(dev.Speed) {
		if err := dev.SetMaxPacket0(ctx, mps); err != nil {
			return nil, err
		}
	}
	dev.Descriptor = make([]byte, 18)
	n, err := dev.Control(ctx, getDescriptor(vusb.DescriptorTypeDevice, 18), dev.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("guestdrv: device descriptor: %w", err)
	}
	dev.Descriptor = dev.Descriptor[:n]

	cfgHead := make([]byte, 9)
	if _, err := dev.Control(ctx, getDescriptor(vusb.DescriptorTypeConfiguration, 9), cfgHead); err != nil {
		return nil, fmt.Errorf("guestdrv: configuration descriptor: %w", err)
	}
	total := int(binary.LittleEndian.Uint16(cfgHead[2:4]))
	dev.Configuration = make([]byte, total)
	n, err = dev.Control(ctx, getDescriptor(vusb.DescriptorTypeConfiguration, total), dev.Configuration)
	if err != nil {
		return nil, fmt.Errorf("guestdrv: configuration descriptor: %w", err)
	}
	dev.Configuration = dev.Configuration[:n]
	dev.Endpoints = parseEndpoints(dev.Configuration)

	if len(dev.Endpoints) > 0 {
		if err := dev.ConfigureEndpoints(ctx, dev.Endpoints); err != nil {
			return nil, err
		}
	}
	setConfig := vusb.SetupPacket{Request: vusb.RequestSetConfiguration, Value: uint16(cfgHead[5])}
	if _, err := dev.Control(ctx, setConfig, nil); err != nil {
		return nil, fmt.Errorf("guestdrv: SET_CONFIGURATION: %w", err)
	}
	d.log.Info("device enumerated", "port", port, "slot", slot, "speed", dev.Speed, "endpoints", len(dev.Endpoints))
	return dev, nil
}

func getDescriptor(typ uint8, length int) vusb.SetupPacket {
	return vusb.SetupPacket{
		RequestType: vusb.RequestTypeDeviceToHost,
		Request:     vusb.RequestGetDescriptor,
		Value:       uint16(typ) << 8,
		Length:      uint16(length),
	}
}

func parseEndpoints(cfg []byte) []Endpoint {
	var eps []Endpoint
	for off := 0; off+2 <= len(cfg); {
		l := int(cfg[off])
		if l < 2 || off+l > len(cfg) {
			break
		}
		if cfg[off+1] == vusb.DescriptorTypeEndpoint && l >= 7 {
			eps = append(eps, Endpoint{
				Address:       cfg[off+2],
				Attributes:    cfg[off+3],
				MaxPacketSize: binary.LittleEndian.Uint16(cfg[off+4:]),
				Interval:      cfg[off+6],
			})
		}
		off += l
	}
	return eps
}
