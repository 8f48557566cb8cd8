package xhci

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/xhci/internal/guestmem"
)

const (
	erstEntrySize       = 16
	imodUnit            = 250 * time.Nanosecond
	defaultERDPDebounce = 3

	erstMax = 1 << erstMaxLog2
)

// interrupter is one event delivery channel: an event ring described by an
// Event Ring Segment Table and the IMAN/IMOD/ERDP register state that gates
// its interrupts. Each interrupter has its own lock; the controller lock, if
// held, is always taken first.
type interrupter struct {
	c   *Controller
	idx int

	mu sync.Mutex

	iman   uint32
	imod   uint32
	erstsz uint32
	erstba uint64
	erdp   uint64

	// Producer state of the event ring.
	seg     uint32
	segLeft uint32
	enq     uint64
	pcs     bool
	full    bool

	ipe bool

	lastERDP uint64
	sameERDP int

	modUntil   time.Time
	modPending bool
	modTimer   *time.Timer

	// asserted mirrors IP&&IE for the shared legacy line.
	asserted atomic.Bool
}

func newInterrupter(c *Controller, idx int) *interrupter {
	return &interrupter{c: c, idx: idx}
}

func (ir *interrupter) reset() {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	if ir.modTimer != nil {
		ir.modTimer.Stop()
		ir.modTimer = nil
	}
	ir.iman, ir.imod, ir.erstsz = 0, 0, 0
	ir.erstba, ir.erdp = 0, 0
	ir.seg, ir.segLeft, ir.enq = 0, 0, 0
	ir.pcs, ir.full, ir.ipe = false, false, false
	ir.lastERDP, ir.sameERDP = 0, 0
	ir.modUntil, ir.modPending = time.Time{}, false
	ir.asserted.Store(false)
}

// loadSegmentLocked points the producer at ERST entry idx.
func (ir *interrupter) loadSegmentLocked(idx uint32) error {
	var raw [erstEntrySize]byte
	if err := guestmem.Read(ir.c.mem, ir.erstba+uint64(idx)*erstEntrySize, raw[:]); err != nil {
		return err
	}
	entry := decodeTRB(raw[:])
	ir.seg = idx
	ir.enq = entry.Parameter &^ 0x3f
	ir.segLeft = entry.Status & 0xffff
	return nil
}

// initRingLocked restarts the event ring at the first ERST segment.
func (ir *interrupter) initRingLocked() {
	ir.pcs = true
	ir.full = false
	ir.segLeft = 0
	if ir.erstsz == 0 || ir.erstba == 0 {
		return
	}
	if err := ir.loadSegmentLocked(0); err != nil {
		ir.c.diag("xhci: cannot read event ring segment table", "interrupter", ir.idx, "err", err)
		ir.segLeft = 0
	}
}

// advanceLocked moves the enqueue pointer past one TRB.
func (ir *interrupter) advanceLocked() {
	ir.enq += trbSize
	ir.segLeft--
	if ir.segLeft > 0 {
		return
	}
	next := ir.seg + 1
	if next >= ir.erstsz {
		next = 0
		ir.pcs = !ir.pcs
	}
	if err := ir.loadSegmentLocked(next); err != nil {
		ir.c.diag("xhci: cannot read event ring segment", "interrupter", ir.idx, "segment", next, "err", err)
		ir.segLeft = 0
	}
}

// nextEnqueueLocked returns where the enqueue pointer lands after one more
// event without changing any state.
func (ir *interrupter) nextEnqueueLocked() uint64 {
	if ir.segLeft > 1 {
		return ir.enq + trbSize
	}
	next := ir.seg + 1
	if next >= ir.erstsz {
		next = 0
	}
	base, err := guestmem.ReadUint64(ir.c.mem, ir.erstba+uint64(next)*erstEntrySize)
	if err != nil {
		return ir.enq + trbSize
	}
	return base &^ 0x3f
}

func (ir *interrupter) writeEventLocked(ev TRB) error {
	ev.Control &^= trbCycle
	if ir.pcs {
		ev.Control |= trbCycle
	}
	var raw [trbSize]byte
	ev.encode(raw[:])
	// The cycle bit hands the TRB to the driver, so the control dword goes last.
	if err := guestmem.Write(ir.c.mem, ir.enq, raw[:12]); err != nil {
		return err
	}
	return guestmem.Write(ir.c.mem, ir.enq+12, raw[12:])
}

// post enqueues ev. Blocking events (BEI) do not raise interrupt pending.
// It reports whether the event reached the ring.
func (ir *interrupter) post(ev TRB, blocking bool) bool {
	ir.mu.Lock()
	defer ir.mu.Unlock()

	if ir.segLeft == 0 {
		ir.c.diag("xhci: event dropped, event ring not configured", "interrupter", ir.idx, "type", ev.Type())
		ir.c.metrics.eventDropped(ir.idx)
		return false
	}
	if ir.full {
		ir.c.diag("xhci: event dropped, event ring full", "interrupter", ir.idx, "type", ev.Type())
		ir.c.metrics.eventDropped(ir.idx)
		return false
	}

	if ir.nextEnqueueLocked() == ir.erdp&erdpPointerMask {
		// Last free TRB: report the overflow and stop until the driver
		// moves its dequeue pointer.
		if err := ir.writeEventLocked(hostControllerEvent(ccEventRingFull)); err != nil {
			ir.c.diag("xhci: event ring write failed", "interrupter", ir.idx, "err", err)
			return false
		}
		ir.advanceLocked()
		ir.full = true
		ir.c.diag("xhci: event ring full", "interrupter", ir.idx, "dropped_type", ev.Type())
		ir.c.metrics.eventDropped(ir.idx)
		ir.setPendingLocked()
		return false
	}

	if err := ir.writeEventLocked(ev); err != nil {
		ir.c.diag("xhci: event ring write failed", "interrupter", ir.idx, "err", err)
		ir.c.metrics.eventDropped(ir.idx)
		return false
	}
	ir.advanceLocked()
	ir.c.metrics.eventPosted(ir.idx, ev.Type())
	if !blocking {
		ir.setPendingLocked()
	}
	return true
}

// setPendingLocked sets IPE; its 0->1 edge asserts IP unless the handler is
// still busy.
func (ir *interrupter) setPendingLocked() {
	if ir.ipe {
		return
	}
	ir.ipe = true
	if ir.erdp&erdpEHB == 0 {
		ir.triggerLocked()
	}
}

func (ir *interrupter) triggerLocked() {
	if ir.iman&imanIP != 0 {
		return
	}
	now := time.Now()
	if now.Before(ir.modUntil) {
		ir.modPending = true
		if ir.modTimer == nil {
			ir.modTimer = time.AfterFunc(ir.modUntil.Sub(now), ir.moderationExpired)
		}
		return
	}
	ir.modPending = false
	ir.iman |= imanIP
	ir.erdp |= erdpEHB
	ir.c.usbsts.Or(stsEINT)
	if interval := ir.imod & 0xffff; interval != 0 {
		ir.modUntil = now.Add(time.Duration(interval) * imodUnit)
	}
	ir.deliverLocked()
}

func (ir *interrupter) moderationExpired() {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	ir.modTimer = nil
	if ir.modPending && ir.ipe {
		ir.triggerLocked()
	}
}

// deliverLocked signals the host for a pending IP. With MSI the pending bit
// clears as soon as the message is sent; the legacy line stays asserted until
// the driver clears IP.
func (ir *interrupter) deliverLocked() {
	if ir.iman&imanIP == 0 || ir.iman&imanIE == 0 || ir.c.usbcmd.Load()&cmdIntEnable == 0 {
		return
	}
	if ir.c.irq.msiEnabled() {
		ir.c.irq.signalMSI(ir.idx)
		ir.iman &^= imanIP
		return
	}
	ir.asserted.Store(true)
	ir.c.updateLine()
}

func (ir *interrupter) readReg(off uint64) uint32 {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	switch off {
	case intrRegIMAN:
		return ir.iman
	case intrRegIMOD:
		return ir.imod
	case intrRegERSTSZ:
		return ir.erstsz
	case intrRegERSTBALo, intrRegERSTBAHi:
		return half(ir.erstba, off == intrRegERSTBAHi)
	case intrRegERDPLo, intrRegERDPHi:
		return half(ir.erdp, off == intrRegERDPHi)
	}
	return 0
}

func (ir *interrupter) writeReg(off uint64, v uint32) {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	switch off {
	case intrRegIMAN:
		ir.writeIMANLocked(v)
	case intrRegIMOD:
		ir.imod = v
	case intrRegERSTSZ:
		ir.erstsz = v & 0xffff
		if ir.erstsz > erstMax {
			ir.c.diag("xhci: event ring segment table too large", "interrupter", ir.idx, "size", ir.erstsz, "max", erstMax)
			ir.erstsz = erstMax
		}
	case intrRegERSTBALo, intrRegERSTBAHi:
		ir.erstba = mergeHalf(ir.erstba, off == intrRegERSTBAHi, v) & erstbaMask
		ir.initRingLocked()
	case intrRegERDPLo, intrRegERDPHi:
		ir.writeERDPLocked(off == intrRegERDPHi, v)
	}
}

func (ir *interrupter) writeIMANLocked(v uint32) {
	ir.iman = ir.iman&^imanIE | v&imanIE
	if v&imanIP != 0 {
		ir.iman &^= imanIP
	}
	level := ir.iman&imanIP != 0 && ir.iman&imanIE != 0
	if level {
		ir.deliverLocked()
		return
	}
	if ir.asserted.Swap(false) {
		ir.c.updateLine()
	}
}

func (ir *interrupter) writeERDPLocked(high bool, v uint32) {
	ehb := ir.erdp & erdpEHB
	clearEHB := !high && v&erdpEHB != 0
	next := mergeHalf(ir.erdp, high, v) &^ erdpEHB
	if !clearEHB {
		next |= ehb
	}
	ptr := next & erdpPointerMask
	if ptr != ir.erdp&erdpPointerMask {
		ir.full = false
	}
	ir.erdp = next

	if !high {
		if ptr == ir.lastERDP {
			ir.sameERDP++
		} else {
			ir.lastERDP = ptr
			ir.sameERDP = 0
		}
	}

	if ptr == ir.enq {
		ir.ipe = false
		return
	}
	if clearEHB && ir.ipe {
		// Some drivers re-enable interrupts repeatedly with an unchanged
		// dequeue pointer before they are ready to consume events.
		if ir.sameERDP >= ir.c.opts.ERDPDebounce {
			return
		}
		ir.triggerLocked()
	}
}

// interrupterState is the persisted register set of an interrupter.
type interrupterState struct {
	IMAN   uint32
	IMOD   uint32
	ERSTSZ uint32
	ERSTBA uint64
	ERDP   uint64
	Seg    uint32
	Left   uint32
	Enq    uint64
	PCS    bool
	Full   bool
	IPE    bool
}

func (ir *interrupter) capture() interrupterState {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	return interrupterState{
		IMAN: ir.iman, IMOD: ir.imod, ERSTSZ: ir.erstsz, ERSTBA: ir.erstba, ERDP: ir.erdp,
		Seg: ir.seg, Left: ir.segLeft, Enq: ir.enq, PCS: ir.pcs, Full: ir.full, IPE: ir.ipe,
	}
}

func (ir *interrupter) restore(s interrupterState) {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	ir.iman, ir.imod, ir.erstsz, ir.erstba, ir.erdp = s.IMAN, s.IMOD, s.ERSTSZ, s.ERSTBA, s.ERDP
	ir.seg, ir.segLeft, ir.enq, ir.pcs, ir.full, ir.ipe = s.Seg, s.Left, s.Enq, s.PCS, s.Full, s.IPE
	ir.asserted.Store(ir.iman&imanIP != 0 && ir.iman&imanIE != 0)
}
