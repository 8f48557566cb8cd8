package xhci

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/xhci/internal/devices/usb/vusb"
	"github.com/tinyrange/xhci/internal/guestmem"
)

var errRingChanged = errors.New("xhci: transfer ring changed under an in-flight TD")

// immediateDataMax is the most a TRB with IDT set can carry in its
// parameter field.
const immediateDataMax = 8

type tdKind uint8

const (
	tdNoOp tdKind = iota
	tdNormal
	tdControl
	tdMalformed
)

// transferDescriptor is one TD taken off a transfer ring. It stays queued on
// its endpoint until it is retired in ring order.
type transferDescriptor struct {
	slot SlotID
	dci  DCI
	gen  uint32
	kind tdKind

	start ringPtr
	next  ringPtr
	trbs  int

	length   int
	in       bool
	setup    [vusb.SetupPacketSize]byte
	fragment bool

	req       *vusb.Request
	done      bool
	cancelled bool
	status    vusb.Status
	actual    int
	// code is set when the TD failed before reaching the transport.
	code CompletionCode
}

// probeResult describes the TD found at a ring position.
type probeResult struct {
	kind      tdKind
	next      ringPtr
	trbs      int
	length    int
	in        bool
	setup     [vusb.SetupPacketSize]byte
	eventData bool
	fragment  bool
	// ready is false while the driver has not finished writing the TD.
	ready bool
}

// probe sizes the TD starting at start without consuming it. Bulk-like TDs
// end at the first TRB without a Chain bit; control TDs end at their Status
// stage. A bulk TD that is still being written but already carries an Event
// Data TRB is returned as a fragment.
func (c *Controller) probe(start ringPtr, control, in bool) (probeResult, error) {
	p := probeResult{in: in}
	first := true
	// Position just past the last Event Data TRB seen, where a fragment
	// may be cut.
	var seen, cutTRBs, cutLength int
	visit := func(t TRB, addr uint64) (visitAction, error) {
		seen++
		typ := t.Type()
		if first {
			first = false
			switch {
			case typ == trbNoOp && !t.Chain():
				p.kind = tdNoOp
				return visitStop, nil
			case control && typ != trbSetup:
				p.kind = tdMalformed
				return visitStop, nil
			case control:
				p.kind = tdControl
				binary.LittleEndian.PutUint64(p.setup[:], t.Parameter)
				p.in = p.setup[0]&vusb.RequestTypeDeviceToHost != 0
				return visitNext, nil
			}
			p.kind = tdNormal
		}

		switch typ {
		case trbNormal, trbIsoch, trbData:
			if control != (typ == trbData) {
				p.kind = tdMalformed
			}
			if t.IDT() && t.TransferLength() > immediateDataMax {
				p.kind = tdMalformed
			}
			p.length += int(t.TransferLength())
			if typ == trbData {
				p.in = t.Control&trbDirIn != 0
			}
		case trbEventData:
			p.eventData = true
			cutTRBs, cutLength = seen, p.length
		case trbStatus:
			if control {
				return visitStop, nil
			}
			p.kind = tdMalformed
		case trbNoOp:
		default:
			p.kind = tdMalformed
		}
		if control {
			return visitNext, nil
		}
		return visitChain, nil
	}

	res, err := c.walker.walk(start, visit)
	if err != nil {
		return p, err
	}
	p.next, p.trbs = res.Next, res.Count
	if res.Incomplete {
		if p.kind == tdNormal && cutTRBs > 0 {
			// TRBs after the last Event Data TRB stay on the ring for the
			// next fragment.
			next, err := c.skipTRBs(start, cutTRBs)
			if err != nil {
				return p, err
			}
			p.next, p.trbs, p.length = next, cutTRBs, cutLength
			p.fragment, p.ready = true, true
		}
		return p, nil
	}
	p.ready = true
	return p, nil
}

// skipTRBs returns the ring position n TRBs past start, following Links.
func (c *Controller) skipTRBs(start ringPtr, n int) (ringPtr, error) {
	seen := 0
	res, err := c.walker.walk(start, func(TRB, uint64) (visitAction, error) {
		if seen++; seen >= n {
			return visitStop, nil
		}
		return visitNext, nil
	})
	if err != nil {
		return start, err
	}
	if seen < n {
		return start, errRingChanged
	}
	return res.Next, nil
}

// walkTD visits exactly the TRBs of td again.
func (c *Controller) walkTD(td *transferDescriptor, fn func(t TRB, addr uint64) error) error {
	n := 0
	_, err := c.walker.walk(td.start, func(t TRB, addr uint64) (visitAction, error) {
		if err := fn(t, addr); err != nil {
			return visitStop, err
		}
		n++
		if n >= td.trbs {
			return visitStop, nil
		}
		return visitNext, nil
	})
	if err != nil {
		return err
	}
	if n < td.trbs {
		return errRingChanged
	}
	return nil
}

func (c *Controller) inFlightLimit(epType uint8) int {
	switch epType {
	case epTypeControl:
		return 1
	case epTypeIsochIn, epTypeIsochOut:
		return c.opts.MaxIsocInFlight
	}
	return c.opts.MaxBulkInFlight
}

func transferType(epType uint8) vusb.TransferType {
	switch epType {
	case epTypeControl:
		return vusb.TransferControl
	case epTypeIsochIn, epTypeIsochOut:
		return vusb.TransferIsochronous
	case epTypeIntrIn, epTypeIntrOut:
		return vusb.TransferInterrupt
	}
	return vusb.TransferBulk
}

func completionFromStatus(s vusb.Status) CompletionCode {
	switch s {
	case vusb.StatusOK:
		return ccSuccess
	case vusb.StatusStall:
		return ccStall
	case vusb.StatusOverrun:
		return ccBabble
	case vusb.StatusUnderrun:
		return ccDataBuffer
	}
	return ccTransaction
}

// serviceEndpointLocked handles a doorbell for one endpoint: it restarts a
// stopped endpoint and hands new TDs to the transport up to the endpoint's
// in-flight limit.
func (c *Controller) serviceEndpointLocked(id SlotID, dci DCI) {
	s := c.slot(id)
	if s == nil || s.state < slotDefault || !dci.Valid() {
		c.diag("xhci: doorbell for unusable endpoint", "slot", id, "dci", dci)
		return
	}
	dev, err := c.ctxs.deviceContextAddr(c.dcbaap, id)
	if err != nil {
		c.diag("xhci: doorbell without device context", "slot", id, "err", err)
		return
	}
	ep, err := c.ctxs.readEndpoint(dev, dci)
	if err != nil {
		c.diag("xhci: cannot read endpoint context", "slot", id, "dci", dci, "err", err)
		return
	}
	switch ep.State() {
	case epRunning:
	case epStopped:
		ep.SetState(epRunning)
	default:
		c.log.Debug("xhci: doorbell ignored", "slot", id, "dci", dci, "state", ep.State())
		return
	}
	if ep.Type() == epTypeInvalid {
		c.diag("xhci: doorbell for endpoint without type", "slot", id, "dci", dci)
		return
	}

	rt := &s.eps[dci]
	if len(rt.queue) == 0 && (ep.Enqueue() != ep.Dequeue() || ep.InFlight() != 0) {
		ep.resetPipeline()
	}

	control := ep.Type() == epTypeControl
	limit := c.inFlightLimit(ep.Type())
	// No-op TDs take no in-flight slot, so a ring of owned No-ops behind a
	// Link back to itself never fills the pipeline. Bound how many one pass
	// may consume instead.
	budget := c.opts.MaxTRBsPerWalk
	for ep.InFlight() < limit {
		start := ep.Enqueue()
		p, err := c.probe(start, control, dci.In())
		if err == nil && p.ready && p.kind == tdNoOp {
			if budget -= p.trbs; budget < 0 {
				err = fmt.Errorf("%w (limit %d No-ops in one doorbell, at %s)", ErrTooManyTRBs, c.opts.MaxTRBsPerWalk, start)
			}
		}
		if err != nil {
			_ = c.ctxs.writeEndpoint(dev, dci, &ep)
			c.fatalLocked(fmt.Errorf("slot %d dci %d: %w", id, dci, err))
			return
		}
		if !p.ready {
			break
		}
		td := &transferDescriptor{
			slot:     id,
			dci:      dci,
			gen:      rt.gen,
			kind:     p.kind,
			start:    start,
			next:     p.next,
			trbs:     p.trbs,
			length:   p.length,
			in:       p.in,
			setup:    p.setup,
			fragment: p.fragment,
		}
		ep.SetEnqueue(p.next)
		if td.kind == tdNoOp && len(rt.queue) == 0 {
			// Nothing ahead of it: retire in place.
			c.finishTDLocked(td)
			ep.SetDequeue(p.next)
			continue
		}
		rt.queue = append(rt.queue, td)

		stop := false
		switch td.kind {
		case tdNoOp:
			td.done = true
		case tdMalformed:
			c.diag("xhci: malformed TD", "slot", id, "dci", dci, "at", start)
			td.done, td.code = true, ccTRBError
			stop = true
		default:
			if err := c.submitLocked(s, td, ep.Type()); err != nil {
				c.log.Debug("xhci: submit failed", "slot", id, "dci", dci, "err", err)
				td.done, td.code = true, ccTransaction
				stop = true
			} else {
				ep.SetInFlight(ep.InFlight() + 1)
			}
		}
		if stop {
			break
		}
	}
	if err := c.ctxs.writeEndpoint(dev, dci, &ep); err != nil {
		c.diag("xhci: cannot write endpoint context", "slot", id, "dci", dci, "err", err)
		return
	}
	c.retireLocked(id, dci)
}

// submitLocked builds the transport request for td, gathering OUT data from
// the TD's buffers.
func (c *Controller) submitLocked(s *slotRuntime, td *transferDescriptor, epType uint8) error {
	req := &vusb.Request{
		Port:     uint8(s.port),
		Address:  s.address,
		Endpoint: td.dci.Endpoint(),
		Type:     transferType(epType),
		Data:     make([]byte, td.length),
		Owner:    td,
	}
	if td.kind == tdControl {
		req.Setup = td.setup
	}
	if td.in {
		req.Dir = vusb.DirIn
	} else if td.length > 0 {
		if err := c.gatherLocked(td, req.Data); err != nil {
			return err
		}
	}
	if err := c.transport.Submit(req); err != nil {
		return err
	}
	td.req = req
	c.metrics.tdsSubmitted.Inc()
	return nil
}

func (c *Controller) gatherLocked(td *transferDescriptor, buf []byte) error {
	off := 0
	return c.walkTD(td, func(t TRB, _ uint64) error {
		if !t.isDataTRB() {
			return nil
		}
		n := int(t.TransferLength())
		if off+n > len(buf) {
			return errRingChanged
		}
		if t.IDT() {
			var imm [immediateDataMax]byte
			binary.LittleEndian.PutUint64(imm[:], t.Parameter)
			if n > len(imm) {
				n = len(imm)
			}
			copy(buf[off:off+n], imm[:n])
		} else if err := guestmem.Read(c.mem, t.Parameter, buf[off:off+n]); err != nil {
			return err
		}
		off += n
		return nil
	})
}

// completeLocked records the transport's answer for td and retires whatever
// is now at the head of the endpoint.
func (c *Controller) completeLocked(td *transferDescriptor, req *vusb.Request) {
	s := c.slot(td.slot)
	if s == nil || s.eps[td.dci].gen != td.gen || td.done {
		return
	}
	td.done = true
	if req.Status == vusb.StatusCancelled {
		td.cancelled = true
		return
	}
	td.status, td.actual = req.Status, req.Actual
	c.retireLocked(td.slot, td.dci)
}

// retireLocked completes finished TDs strictly in ring order, moving the
// dequeue pointer past each one. An error halts the endpoint at the failed
// TD.
func (c *Controller) retireLocked(id SlotID, dci DCI) {
	s := c.slot(id)
	rt := &s.eps[dci]
	if len(rt.queue) == 0 || !rt.queue[0].done || rt.queue[0].cancelled {
		return
	}
	dev, err := c.ctxs.deviceContextAddr(c.dcbaap, id)
	if err != nil {
		c.diag("xhci: completion without device context", "slot", id, "err", err)
		return
	}
	ep, err := c.ctxs.readEndpoint(dev, dci)
	if err != nil {
		c.diag("xhci: cannot read endpoint context", "slot", id, "dci", dci, "err", err)
		return
	}

	var (
		retired bool
		halt    *transferDescriptor
		code    CompletionCode
	)
	for len(rt.queue) > 0 {
		td := rt.queue[0]
		if !td.done || td.cancelled {
			break
		}
		if td.start != ep.Dequeue() {
			c.diag("xhci: dequeue pointer moved under in-flight TDs", "slot", id, "dci", dci,
				"dequeue", ep.Dequeue(), "td", td.start)
			rt.gen++
			rt.queue = nil
			ep.resetPipeline()
			break
		}
		rt.queue = rt.queue[1:]
		if td.req != nil && ep.InFlight() > 0 {
			ep.SetInFlight(ep.InFlight() - 1)
		}
		retired = true

		if code = c.finishTDLocked(td); code != ccSuccess {
			halt = td
			outstanding := len(rt.queue) > 0
			rt.gen++
			rt.queue = nil
			ep.SetState(epHalted)
			ep.resetPipeline()
			if outstanding {
				port, num, dir := uint8(s.port), dci.Endpoint(), vusb.DirOut
				if dci.In() {
					dir = vusb.DirIn
				}
				go c.transport.AbortEndpoint(port, num, dir)
			}
			c.log.Debug("xhci: endpoint halted", "slot", id, "dci", dci, "code", code)
			break
		}
		ep.SetDequeue(td.next)
		if len(rt.queue) == 0 {
			ep.SetEnqueue(td.next)
		}
	}
	if err := c.ctxs.writeEndpoint(dev, dci, &ep); err != nil {
		c.diag("xhci: cannot write endpoint context", "slot", id, "dci", dci, "err", err)
		return
	}
	if halt != nil {
		// The driver reads the Halted state once it sees the event.
		c.postHaltEventLocked(halt, code)
		return
	}
	if retired && ep.State() == epRunning && c.running() {
		c.doorbells[id].Or(dci.bit())
		c.kickWorker()
	}
}

func (c *Controller) postTransferEvent(target int, ev TRB, blocking bool) {
	c.metrics.transferEvents.WithLabelValues(CompletionCode(ev.Status >> 24).String()).Inc()
	c.postEvent(target, ev, blocking)
}

// postHaltEventLocked reports a failed TD with a single event at its first
// TRB. Transport failures report the whole TD as untransferred.
func (c *Controller) postHaltEventLocked(td *transferDescriptor, code CompletionCode) {
	target := 0
	if first, err := readTRB(c.mem, td.start.Addr); err == nil {
		target = first.Interrupter()
	}
	residual := uint32(td.length)
	if code == ccTRBError {
		residual = 0
	}
	c.postTransferEvent(target, transferEvent(td.start.Addr, code, residual, td.slot, td.dci, false), false)
}

// finishTDLocked writes IN data back to the TD's buffers and posts its
// Transfer Events. It returns the completion code that halts the endpoint,
// or ccSuccess; the caller reports failures.
func (c *Controller) finishTDLocked(td *transferDescriptor) CompletionCode {
	code := td.code
	if code == ccInvalid && td.req != nil {
		code = completionFromStatus(td.status)
	}
	if code == ccInvalid {
		code = ccSuccess
	}
	if code != ccSuccess {
		return code
	}

	var data []byte
	if td.req != nil {
		data = td.req.Data[:min(td.actual, len(td.req.Data))]
	}
	var (
		off           int
		remaining     = len(data)
		edtla         uint32
		short         bool
		shortReported bool
	)
	err := c.walkTD(td, func(t TRB, addr uint64) error {
		switch t.Type() {
		case trbNormal, trbData, trbIsoch:
			want := int(t.TransferLength())
			n := min(want, remaining)
			if short {
				n = 0
			}
			if td.in && n > 0 && !t.IDT() {
				if err := guestmem.Write(c.mem, t.Parameter, data[off:off+n]); err != nil {
					return err
				}
			}
			off += n
			remaining -= n
			edtla += uint32(n)
			residual := uint32(want - n)
			switch {
			case n < want && !shortReported && (t.ISP() || t.IOC()):
				short, shortReported = true, true
				c.postTransferEvent(t.Interrupter(), transferEvent(addr, ccShortPacket, residual, td.slot, td.dci, false), t.BEI())
			case n < want:
				short = true
			case t.IOC():
				c.postTransferEvent(t.Interrupter(), transferEvent(addr, ccSuccess, 0, td.slot, td.dci, false), t.BEI())
			}
		case trbEventData:
			if t.IOC() {
				code := ccSuccess
				if short {
					code = ccShortPacket
				}
				c.postTransferEvent(t.Interrupter(), transferEvent(t.Parameter, code, edtla, td.slot, td.dci, true), t.BEI())
			}
			edtla = 0
		default:
			if t.IOC() {
				c.postTransferEvent(t.Interrupter(), transferEvent(addr, ccSuccess, 0, td.slot, td.dci, false), false)
			}
		}
		return nil
	})
	if err != nil {
		c.diag("xhci: cannot complete TD", "slot", td.slot, "dci", td.dci, "at", td.start, "err", err)
		return ccTRBError
	}
	return ccSuccess
}
