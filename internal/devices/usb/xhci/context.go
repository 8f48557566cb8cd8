package xhci

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/xhci/internal/guestmem"
)

const ctxSize = 32

// Slot context states.
const (
	slotCtxEnabled    = 0
	slotCtxDefault    = 1
	slotCtxAddressed  = 2
	slotCtxConfigured = 3
)

// Endpoint context states.
const (
	epDisabled = 0
	epRunning  = 1
	epHalted   = 2
	epStopped  = 3
	epError    = 4
)

// Endpoint types.
const (
	epTypeInvalid  = 0
	epTypeIsochOut = 1
	epTypeBulkOut  = 2
	epTypeIntrOut  = 3
	epTypeControl  = 4
	epTypeIsochIn  = 5
	epTypeBulkIn   = 6
	epTypeIntrIn   = 7
)

type context32 [8]uint32

func (c *context32) decode(raw []byte) {
	for i := range c {
		c[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
}

func (c *context32) encode(raw []byte) {
	for i, v := range c {
		binary.LittleEndian.PutUint32(raw[i*4:], v)
	}
}

// slotContext is the 32-byte Slot Context.
type slotContext struct{ context32 }

func (s *slotContext) RouteString() uint32    { return bits(s.context32[0], 19, 0) }
func (s *slotContext) Speed() uint8           { return uint8(bits(s.context32[0], 23, 20)) }
func (s *slotContext) ContextEntries() DCI    { return DCI(bits(s.context32[0], 31, 27)) }
func (s *slotContext) MaxExitLatency() uint16 { return uint16(bits(s.context32[1], 15, 0)) }
func (s *slotContext) RootHubPort() PortNumber {
	return PortNumber(bits(s.context32[1], 23, 16))
}
func (s *slotContext) Interrupter() int { return int(bits(s.context32[2], 31, 22)) }
func (s *slotContext) Address() uint8   { return uint8(bits(s.context32[3], 7, 0)) }
func (s *slotContext) State() uint8     { return uint8(bits(s.context32[3], 31, 27)) }

func (s *slotContext) SetContextEntries(n DCI) {
	s.context32[0] = setBits(s.context32[0], 31, 27, uint32(n))
}
func (s *slotContext) SetMaxExitLatency(v uint16) {
	s.context32[1] = setBits(s.context32[1], 15, 0, uint32(v))
}
func (s *slotContext) SetInterrupter(i int) {
	s.context32[2] = setBits(s.context32[2], 31, 22, uint32(i))
}
func (s *slotContext) SetAddress(a uint8) { s.context32[3] = setBits(s.context32[3], 7, 0, uint32(a)) }
func (s *slotContext) SetState(st uint8)  { s.context32[3] = setBits(s.context32[3], 31, 27, uint32(st)) }

// endpointContext is the 32-byte Endpoint Context. Dwords 5-7 are reserved
// for the controller; they hold the TR enqueue pointer and the number of TDs
// handed to the transport.
type endpointContext struct{ context32 }

func (e *endpointContext) State() uint8          { return uint8(bits(e.context32[0], 2, 0)) }
func (e *endpointContext) Interval() uint8       { return uint8(bits(e.context32[0], 23, 16)) }
func (e *endpointContext) Type() uint8           { return uint8(bits(e.context32[1], 5, 3)) }
func (e *endpointContext) MaxBurst() uint8       { return uint8(bits(e.context32[1], 15, 8)) }
func (e *endpointContext) MaxPacketSize() uint16 { return uint16(bits(e.context32[1], 31, 16)) }

func (e *endpointContext) Dequeue() ringPtr {
	return ringPtrFromRaw(uint64(e.context32[2]) | uint64(e.context32[3])<<32)
}

func (e *endpointContext) Enqueue() ringPtr {
	return ringPtrFromRaw(uint64(e.context32[5]) | uint64(e.context32[6])<<32)
}

func (e *endpointContext) InFlight() int { return int(bits(e.context32[7], 15, 0)) }

func (e *endpointContext) SetState(st uint8) {
	e.context32[0] = setBits(e.context32[0], 2, 0, uint32(st))
}

func (e *endpointContext) SetMaxPacketSize(v uint16) {
	e.context32[1] = setBits(e.context32[1], 31, 16, uint32(v))
}

func (e *endpointContext) SetDequeue(p ringPtr) {
	raw := p.raw()
	// Bits 3:1 of dword 2 are reserved and preserved as zero.
	e.context32[2] = uint32(raw)
	e.context32[3] = uint32(raw >> 32)
}

func (e *endpointContext) SetEnqueue(p ringPtr) {
	raw := p.raw()
	e.context32[5] = uint32(raw)
	e.context32[6] = uint32(raw >> 32)
}

func (e *endpointContext) SetInFlight(n int) {
	e.context32[7] = setBits(e.context32[7], 15, 0, uint32(n))
}

// resetPipeline makes the enqueue pointer catch up with the dequeue pointer.
func (e *endpointContext) resetPipeline() {
	e.SetEnqueue(e.Dequeue())
	e.SetInFlight(0)
}

// inputControl is the Input Control Context header.
type inputControl struct {
	Drop uint32
	Add  uint32
}

// contextStore resolves and transfers device contexts in guest memory. It
// never caches: every access is a fresh guest memory transaction.
type contextStore struct {
	mem guestmem.Memory
}

// deviceContextAddr reads the DCBAA entry for slot.
func (s contextStore) deviceContextAddr(dcbaap uint64, slot SlotID) (uint64, error) {
	if dcbaap == 0 {
		return 0, fmt.Errorf("xhci: DCBAA pointer not set")
	}
	addr, err := guestmem.ReadUint64(s.mem, dcbaap+uint64(slot)*8)
	if err != nil {
		return 0, err
	}
	addr &^= 0x3f
	if addr == 0 {
		return 0, fmt.Errorf("xhci: no device context for %s", slot)
	}
	return addr, nil
}

func (s contextStore) readContext(addr uint64, c *context32) error {
	var raw [ctxSize]byte
	if err := guestmem.Read(s.mem, addr&^0xf, raw[:]); err != nil {
		return err
	}
	c.decode(raw[:])
	return nil
}

func (s contextStore) writeContext(addr uint64, c *context32) error {
	var raw [ctxSize]byte
	c.encode(raw[:])
	return guestmem.Write(s.mem, addr&^0xf, raw[:])
}

func (s contextStore) readSlot(dev uint64) (slotContext, error) {
	var sc slotContext
	err := s.readContext(dev, &sc.context32)
	return sc, err
}

func (s contextStore) writeSlot(dev uint64, sc *slotContext) error {
	return s.writeContext(dev, &sc.context32)
}

func (s contextStore) readEndpoint(dev uint64, dci DCI) (endpointContext, error) {
	var ep endpointContext
	err := s.readContext(dev+uint64(dci)*ctxSize, &ep.context32)
	return ep, err
}

func (s contextStore) writeEndpoint(dev uint64, dci DCI, ep *endpointContext) error {
	return s.writeContext(dev+uint64(dci)*ctxSize, &ep.context32)
}

// Input contexts carry the control context first, shifting everything by one.

func (s contextStore) readInputControl(in uint64) (inputControl, error) {
	var c context32
	if err := s.readContext(in, &c); err != nil {
		return inputControl{}, err
	}
	return inputControl{Drop: c[0], Add: c[1]}, nil
}

func (s contextStore) readInputSlot(in uint64) (slotContext, error) {
	return s.readSlot(in + ctxSize)
}

func (s contextStore) readInputEndpoint(in uint64, dci DCI) (endpointContext, error) {
	return s.readEndpoint(in+ctxSize, dci)
}
