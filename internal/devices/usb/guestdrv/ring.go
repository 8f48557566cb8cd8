package guestdrv

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/xhci/internal/guestmem"
)

const trbSize = 16

// TRB types used by the driver.
const (
	trbNormal        = 1
	trbSetup         = 2
	trbData          = 3
	trbStatus        = 4
	trbLink          = 6
	trbEventData     = 7
	trbNoOp          = 8
	trbEnableSlot    = 9
	trbDisableSlot   = 10
	trbAddressDevice = 11
	trbConfigureEP   = 12
	trbEvaluateCtx   = 13
	trbResetEP       = 14
	trbStopEP        = 15
	trbSetTRDeq      = 16
	trbResetDevice   = 17
	trbNoOpCmd       = 23

	trbTransferEvent   = 32
	trbCommandEvent    = 33
	trbPortEvent       = 34
	trbHostEvent       = 37
	trbNECCommandEvent = 48
)

const (
	ctlCycle = 1 << 0
	ctlTC    = 1 << 1
	ctlED    = 1 << 2
	ctlISP   = 1 << 2
	ctlChain = 1 << 4
	ctlIOC   = 1 << 5
	ctlIDT   = 1 << 6
	ctlBSR   = 1 << 9
	ctlDirIn = 1 << 16
)

// TRB is a ring element as the driver sees it.
type TRB struct {
	Parameter uint64
	Status    uint32
	Control   uint32
}

func (t TRB) Type() uint8 { return uint8(t.Control >> 10 & 0x3f) }

// Code is the completion code of an event TRB.
func (t TRB) Code() uint8 { return uint8(t.Status >> 24) }

// Residual is the untransferred length reported by a Transfer Event.
func (t TRB) Residual() uint32 { return t.Status & 0xffffff }

func (t TRB) Slot() uint8 { return uint8(t.Control >> 24) }

func (t TRB) Endpoint() uint8 { return uint8(t.Control >> 16 & 0x1f) }

func (t TRB) EventData() bool { return t.Control&ctlED != 0 }

func (t TRB) String() string {
	return fmt.Sprintf("trb{type=%d param=%#x status=%#x ctrl=%#x}", t.Type(), t.Parameter, t.Status, t.Control)
}

func typeBits(typ uint8) uint32 { return uint32(typ) << 10 }

// allocator hands out zeroed, aligned blocks of guest memory from an arena.
type allocator struct {
	mem  guestmem.Memory
	next uint64
	end  uint64
}

func (a *allocator) alloc(size, align uint64) (uint64, error) {
	if align == 0 {
		align = 16
	}
	addr := (a.next + align - 1) &^ (align - 1)
	if addr+size > a.end || addr+size < addr {
		return 0, fmt.Errorf("guestdrv: arena exhausted allocating %d bytes", size)
	}
	if err := guestmem.Write(a.mem, addr, make([]byte, size)); err != nil {
		return 0, err
	}
	a.next = addr + size
	return addr, nil
}

// producerRing is a single-segment ring the driver enqueues onto. The last
// slot holds a Link TRB back to the start with Toggle Cycle set.
type producerRing struct {
	mem   guestmem.Memory
	base  uint64
	size  int
	enq   int
	cycle bool
}

func newProducerRing(a *allocator, size int) (*producerRing, error) {
	base, err := a.alloc(uint64(size*trbSize), 64)
	if err != nil {
		return nil, err
	}
	r := &producerRing{mem: a.mem, base: base, size: size, cycle: true}
	return r, nil
}

// dequeuePointer returns the ring start with the initial cycle state.
func (r *producerRing) dequeuePointer() uint64 { return r.base | ctlCycle }

// enqueuePointer is the next TRB position with the producer cycle state, as
// used by Set TR Dequeue Pointer.
func (r *producerRing) enqueuePointer() uint64 {
	p := r.base + uint64(r.enq*trbSize)
	if r.cycle {
		p |= ctlCycle
	}
	return p
}

// push writes t at the enqueue position and returns its address. The control
// dword is written last so the controller never sees a half-written TRB.
func (r *producerRing) push(t TRB) (uint64, error) {
	addr := r.base + uint64(r.enq*trbSize)
	if err := writeTRB(r.mem, addr, t, r.cycle); err != nil {
		return 0, err
	}
	r.enq++
	if r.enq == r.size-1 {
		link := TRB{Parameter: r.base, Control: typeBits(trbLink) | ctlTC}
		if err := writeTRB(r.mem, r.base+uint64(r.enq*trbSize), link, r.cycle); err != nil {
			return 0, err
		}
		r.enq = 0
		r.cycle = !r.cycle
	}
	return addr, nil
}

func writeTRB(mem guestmem.Memory, addr uint64, t TRB, cycle bool) error {
	ctrl := t.Control &^ ctlCycle
	if cycle {
		ctrl |= ctlCycle
	}
	var raw [12]byte
	binary.LittleEndian.PutUint64(raw[0:8], t.Parameter)
	binary.LittleEndian.PutUint32(raw[8:12], t.Status)
	if err := guestmem.Write(mem, addr, raw[:]); err != nil {
		return err
	}
	return guestmem.WriteUint32(mem, addr+12, ctrl)
}

func readTRB(mem guestmem.Memory, addr uint64) (TRB, error) {
	var raw [trbSize]byte
	if err := guestmem.Read(mem, addr, raw[:]); err != nil {
		return TRB{}, err
	}
	return TRB{
		Parameter: binary.LittleEndian.Uint64(raw[0:8]),
		Status:    binary.LittleEndian.Uint32(raw[8:12]),
		Control:   binary.LittleEndian.Uint32(raw[12:16]),
	}, nil
}

// eventRing is the consumer side of a single-segment event ring.
type eventRing struct {
	mem  guestmem.Memory
	base uint64
	erst uint64
	size int
	deq  int
	ccs  bool
}

func newEventRing(a *allocator, size int) (*eventRing, error) {
	base, err := a.alloc(uint64(size*trbSize), 64)
	if err != nil {
		return nil, err
	}
	erst, err := a.alloc(16, 64)
	if err != nil {
		return nil, err
	}
	if err := guestmem.WriteUint64(a.mem, erst, base); err != nil {
		return nil, err
	}
	if err := guestmem.WriteUint32(a.mem, erst+8, uint32(size)); err != nil {
		return nil, err
	}
	return &eventRing{mem: a.mem, base: base, erst: erst, size: size, ccs: true}, nil
}

func (r *eventRing) dequeuePointer() uint64 { return r.base + uint64(r.deq*trbSize) }

// pop returns the next event, if the controller has produced one.
func (r *eventRing) pop() (TRB, bool, error) {
	t, err := readTRB(r.mem, r.dequeuePointer())
	if err != nil {
		return TRB{}, false, err
	}
	if (t.Control&ctlCycle != 0) != r.ccs {
		return TRB{}, false, nil
	}
	r.deq++
	if r.deq == r.size {
		r.deq = 0
		r.ccs = !r.ccs
	}
	return t, true, nil
}
