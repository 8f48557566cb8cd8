package xhci

import (
	"errors"
	mathbits "math/bits"

	"github.com/tinyrange/xhci/internal/devices/usb/vusb"
	"github.com/tinyrange/xhci/internal/guestmem"
)

const necFirmwareRevision = 0x3015

var commandNames = map[uint8]string{
	trbLink:            "link",
	trbEnableSlot:      "enable-slot",
	trbDisableSlot:     "disable-slot",
	trbAddressDevice:   "address-device",
	trbConfigureEP:     "configure-endpoint",
	trbEvaluateCtx:     "evaluate-context",
	trbResetEP:         "reset-endpoint",
	trbStopEP:          "stop-endpoint",
	trbSetTRDeq:        "set-tr-dequeue",
	trbResetDevice:     "reset-device",
	trbGetPortBW:       "get-port-bandwidth",
	trbNoOpCmd:         "no-op",
	trbNECGetFirmware:  "nec-get-firmware",
	trbNECAuthenticate: "nec-authenticate",
}

func commandName(t uint8) string {
	if n, ok := commandNames[t]; ok {
		return n
	}
	return "unknown"
}

// commandResult is what a command reports in its completion event.
type commandResult struct {
	code   CompletionCode
	slot   SlotID
	param  uint32
	vendor bool
	// ctrl overrides the endpoint field of a vendor completion.
	ctrl uint32
}

func result(code CompletionCode, slot SlotID) commandResult {
	return commandResult{code: code, slot: slot}
}

// commandRingReady reports whether the worker may fetch commands.
func (c *Controller) commandRingReady() bool {
	return c.crr && c.cmdStop == ccInvalid && c.running()
}

// processCommandsLocked runs commands until the ring is empty, stopped, or the
// per-iteration budget is spent.
func (c *Controller) processCommandsLocked() {
	for budget := c.opts.CommandBudget; budget > 0; budget-- {
		if !c.commandRingReady() {
			return
		}
		var (
			cmd     TRB
			cmdAddr uint64
		)
		res, err := c.cmdWalker.walk(c.crcr, func(t TRB, addr uint64) (visitAction, error) {
			if t.Type() == trbLink {
				if t.IOC() {
					c.completeCommandLocked(addr, trbLink, result(ccSuccess, 0))
				}
				return visitNext, nil
			}
			cmd, cmdAddr = t, addr
			return visitStop, nil
		})
		if err != nil {
			// A Link loop or a ring outside guest memory.
			c.fatalLocked(err)
			return
		}
		c.crcr = res.Next
		if res.Count == 0 {
			return
		}

		epoch := c.epoch
		c.cmdBusy = true
		r := c.executeCommandLocked(cmd)
		c.cmdBusy = false
		if epoch != c.epoch {
			return
		}
		c.completeCommandLocked(cmdAddr, cmd.Type(), r)
		if c.cmdStop != ccInvalid {
			c.stopCommandRingLocked()
			return
		}
	}
	c.kickWorker()
}

func (c *Controller) completeCommandLocked(addr uint64, typ uint8, r commandResult) {
	c.metrics.commands.WithLabelValues(commandName(typ), r.code.String()).Inc()
	if r.code != ccSuccess {
		c.log.Debug("xhci: command failed", "type", commandName(typ), "slot", r.slot, "code", r.code)
	}
	var ev TRB
	if r.vendor {
		ev = vendorCompletionEvent(addr, r.code, r.slot, r.param)
		ev.Control |= r.ctrl
	} else {
		ev = commandCompletionEvent(addr, r.code, r.slot, r.param)
	}
	c.postEvent(0, ev, false)
}

// stopCommandRingLocked halts the command ring and reports where it stopped.
func (c *Controller) stopCommandRingLocked() {
	c.crr = false
	c.cmdStop = ccInvalid
	c.postEvent(0, commandCompletionEvent(c.crcr.Addr, ccCmdRingStopped, 0, 0), false)
}

func (c *Controller) executeCommandLocked(cmd TRB) commandResult {
	id := cmd.SlotID()
	switch cmd.Type() {
	case trbNoOpCmd:
		return result(ccSuccess, 0)
	case trbEnableSlot:
		return c.cmdEnableSlot()
	case trbDisableSlot:
		return result(c.cmdDisableSlot(id), id)
	case trbAddressDevice:
		return result(c.cmdAddressDevice(id, cmd), id)
	case trbConfigureEP:
		return result(c.cmdConfigureEndpoint(id, cmd), id)
	case trbEvaluateCtx:
		return result(c.cmdEvaluateContext(id, cmd), id)
	case trbResetEP:
		return result(c.cmdResetEndpoint(id, cmd.EndpointID()), id)
	case trbStopEP:
		return result(c.cmdStopEndpoint(id, cmd.EndpointID()), id)
	case trbSetTRDeq:
		return result(c.cmdSetTRDequeue(id, cmd.EndpointID(), cmd.Parameter), id)
	case trbResetDevice:
		return result(c.cmdResetDevice(id), id)
	case trbGetPortBW:
		return result(c.cmdGetPortBandwidth(cmd), id)
	case trbNECGetFirmware:
		return commandResult{code: ccSuccess, slot: id, param: necFirmwareRevision, vendor: true}
	case trbNECAuthenticate:
		val := necChallenge(uint32(cmd.Parameter>>32), uint32(cmd.Parameter))
		return commandResult{
			code:   ccSuccess,
			slot:   SlotID(val >> 24),
			param:  val & 0xffff,
			vendor: true,
			ctrl:   ((val >> 16) & 0x1f) << 16,
		}
	}
	c.diag("xhci: unsupported command", "type", cmd.Type())
	return result(ccTRBError, id)
}

// necChallenge answers the NEC firmware authentication handshake.
func necChallenge(hi, lo uint32) uint32 {
	const key = 0x49434878
	val := mathbits.RotateLeft32(lo-key, 32-int((hi>>8)&0x1f))
	val += mathbits.RotateLeft32(lo+key, int(hi&0x1f))
	val -= mathbits.RotateLeft32(hi^key, int((lo>>16)&0x1f))
	return ^val
}

// enabledSlot returns the runtime of an allocated slot.
func (c *Controller) enabledSlot(id SlotID) (*slotRuntime, CompletionCode) {
	s := c.slot(id)
	if s == nil || s.state == slotEmpty {
		return nil, ccSlotNotEnabled
	}
	return s, ccSuccess
}

func (c *Controller) maxSlotsEnabled() int {
	n := int(c.config & 0xff)
	if n > len(c.slots) {
		n = len(c.slots)
	}
	return n
}

func (c *Controller) cmdEnableSlot() commandResult {
	for i := 0; i < c.maxSlotsEnabled(); i++ {
		s := &c.slots[i]
		if s.state != slotEmpty {
			continue
		}
		s.invalidate(allEndpoints)
		s.state, s.port, s.address = slotEnabled, 0, 0
		id := SlotIDFromIndex(i)
		c.log.Debug("xhci: slot enabled", "slot", id)
		return result(ccSuccess, id)
	}
	return result(ccNoSlots, 0)
}

func (c *Controller) cmdDisableSlot(id SlotID) CompletionCode {
	s, code := c.enabledSlot(id)
	if s == nil {
		return code
	}
	s.invalidate(allEndpoints)
	if !c.abortEndpointsLocked(id, allEndpoints) {
		return ccInvalid
	}
	if dev, err := c.ctxs.deviceContextAddr(c.dcbaap, id); err == nil {
		if sc, err := c.ctxs.readSlot(dev); err == nil {
			sc.SetState(slotCtxEnabled)
			_ = c.ctxs.writeSlot(dev, &sc)
		}
	}
	c.doorbells[id].Store(0)
	s.state, s.port, s.address = slotEmpty, 0, 0
	c.log.Debug("xhci: slot disabled", "slot", id)
	return ccSuccess
}

func (c *Controller) cmdAddressDevice(id SlotID, cmd TRB) CompletionCode {
	s, code := c.enabledSlot(id)
	if s == nil {
		return code
	}
	bsr := cmd.Control&trbBSR != 0
	switch {
	case s.state == slotEnabled:
	case s.state == slotDefault && !bsr:
	default:
		return ccContextState
	}

	in := cmd.Parameter &^ 0xf
	ictl, err := c.ctxs.readInputControl(in)
	if err != nil {
		return ccTRBError
	}
	if ictl.Add&0x3 != 0x3 {
		return ccParameter
	}
	islot, err := c.ctxs.readInputSlot(in)
	if err != nil {
		return ccTRBError
	}
	iep0, err := c.ctxs.readInputEndpoint(in, dciEP0)
	if err != nil {
		return ccTRBError
	}
	dev, err := c.ctxs.deviceContextAddr(c.dcbaap, id)
	if err != nil {
		c.diag("xhci: address device without device context", "slot", id, "err", err)
		return ccParameter
	}
	pn := islot.RootHubPort()
	p := c.port(pn)
	if p == nil {
		return ccTRBError
	}
	if !p.connected || p.portsc&portscPED == 0 {
		return ccTransaction
	}

	s.invalidate(dciEP0.bit())
	s.port = pn
	out := islot
	out.SetContextEntries(dciEP0)
	if bsr {
		out.SetAddress(0)
		out.SetState(slotCtxDefault)
	} else {
		req := &vusb.Request{
			Port: uint8(pn),
			Type: vusb.TransferControl,
			Setup: vusb.SetupPacket{
				Request: vusb.RequestSetAddress,
				Value:   uint16(id),
			}.Bytes(),
		}
		if err := c.submitSyncLocked(req); err != nil {
			if errors.Is(err, errControllerReset) {
				return ccInvalid
			}
			c.log.Debug("xhci: SET_ADDRESS failed", "slot", id, "port", pn, "err", err)
			if errors.Is(err, errCommandAborted) {
				return ccCmdAborted
			}
			return ccTransaction
		}
		out.SetAddress(uint8(id))
		out.SetState(slotCtxAddressed)
	}

	ep0 := iep0
	ep0.SetState(epRunning)
	ep0.resetPipeline()
	if err := c.ctxs.writeSlot(dev, &out); err != nil {
		return ccParameter
	}
	if err := c.ctxs.writeEndpoint(dev, dciEP0, &ep0); err != nil {
		return ccParameter
	}
	if bsr {
		s.state, s.address = slotDefault, 0
	} else {
		s.state, s.address = slotAddressed, uint8(id)
	}
	c.log.Debug("xhci: device addressed", "slot", id, "port", pn, "state", s.state)
	return ccSuccess
}

// highestEnabledDCI scans the output context for the last enabled endpoint.
func (c *Controller) highestEnabledDCI(dev uint64) (DCI, error) {
	last := dciEP0
	for dci := DCI(2); dci <= maxDCI; dci++ {
		ep, err := c.ctxs.readEndpoint(dev, dci)
		if err != nil {
			return 0, err
		}
		if ep.State() != epDisabled {
			last = dci
		}
	}
	return last, nil
}

func (c *Controller) cmdConfigureEndpoint(id SlotID, cmd TRB) CompletionCode {
	s, code := c.enabledSlot(id)
	if s == nil {
		return code
	}
	if s.state != slotAddressed && s.state != slotConfigured {
		return ccContextState
	}
	dev, err := c.ctxs.deviceContextAddr(c.dcbaap, id)
	if err != nil {
		return ccParameter
	}

	var (
		drop, add uint32
		in        = cmd.Parameter &^ 0xf
	)
	if cmd.Control&trbDC != 0 {
		drop = allEndpoints &^ 0x3
	} else {
		ictl, err := c.ctxs.readInputControl(in)
		if err != nil {
			return ccTRBError
		}
		if ictl.Drop&0x3 != 0 || ictl.Add&0x2 != 0 {
			return ccTRBError
		}
		drop, add = ictl.Drop, ictl.Add&^0x1
	}

	// Validate every added endpoint before touching the output context.
	added := make(map[DCI]endpointContext)
	for dci := DCI(2); dci <= maxDCI; dci++ {
		if add&dci.bit() == 0 {
			continue
		}
		ep, err := c.ctxs.readInputEndpoint(in, dci)
		if err != nil {
			return ccTRBError
		}
		if ep.Type() == epTypeInvalid || ep.Type() == epTypeControl {
			return ccParameter
		}
		added[dci] = ep
	}

	affected := (drop | add) &^ 0x3
	s.invalidate(affected)
	if !c.abortEndpointsLocked(id, affected) {
		return ccInvalid
	}

	for dci := DCI(2); dci <= maxDCI; dci++ {
		if drop&dci.bit() == 0 || add&dci.bit() != 0 {
			continue
		}
		ep, err := c.ctxs.readEndpoint(dev, dci)
		if err != nil {
			return ccParameter
		}
		ep.SetState(epDisabled)
		ep.SetInFlight(0)
		if err := c.ctxs.writeEndpoint(dev, dci, &ep); err != nil {
			return ccParameter
		}
	}
	for dci, ep := range added {
		ep.SetState(epRunning)
		ep.resetPipeline()
		if err := c.ctxs.writeEndpoint(dev, dci, &ep); err != nil {
			return ccParameter
		}
	}

	sc, err := c.ctxs.readSlot(dev)
	if err != nil {
		return ccParameter
	}
	last, err := c.highestEnabledDCI(dev)
	if err != nil {
		return ccParameter
	}
	sc.SetContextEntries(last)
	if last > dciEP0 {
		sc.SetState(slotCtxConfigured)
		s.state = slotConfigured
	} else {
		sc.SetState(slotCtxAddressed)
		s.state = slotAddressed
	}
	if err := c.ctxs.writeSlot(dev, &sc); err != nil {
		return ccParameter
	}
	c.log.Debug("xhci: endpoints configured", "slot", id, "add", add, "drop", drop, "entries", last)
	return ccSuccess
}

func (c *Controller) cmdEvaluateContext(id SlotID, cmd TRB) CompletionCode {
	s, code := c.enabledSlot(id)
	if s == nil {
		return code
	}
	if s.state == slotEnabled {
		return ccContextState
	}
	dev, err := c.ctxs.deviceContextAddr(c.dcbaap, id)
	if err != nil {
		return ccParameter
	}
	in := cmd.Parameter &^ 0xf
	ictl, err := c.ctxs.readInputControl(in)
	if err != nil {
		return ccTRBError
	}
	if ictl.Drop != 0 {
		return ccTRBError
	}
	if ictl.Add&0x1 != 0 {
		islot, err := c.ctxs.readInputSlot(in)
		if err != nil {
			return ccTRBError
		}
		sc, err := c.ctxs.readSlot(dev)
		if err != nil {
			return ccParameter
		}
		sc.SetInterrupter(islot.Interrupter())
		sc.SetMaxExitLatency(islot.MaxExitLatency())
		if err := c.ctxs.writeSlot(dev, &sc); err != nil {
			return ccParameter
		}
	}
	if ictl.Add&0x2 != 0 {
		iep, err := c.ctxs.readInputEndpoint(in, dciEP0)
		if err != nil {
			return ccTRBError
		}
		ep, err := c.ctxs.readEndpoint(dev, dciEP0)
		if err != nil {
			return ccParameter
		}
		ep.SetMaxPacketSize(iep.MaxPacketSize())
		if err := c.ctxs.writeEndpoint(dev, dciEP0, &ep); err != nil {
			return ccParameter
		}
	}
	return ccSuccess
}

// endpointContextFor loads the output endpoint context of an enabled slot.
func (c *Controller) endpointContextFor(id SlotID, dci DCI) (*slotRuntime, uint64, endpointContext, CompletionCode) {
	s, code := c.enabledSlot(id)
	if s == nil {
		return nil, 0, endpointContext{}, code
	}
	if !dci.Valid() {
		return nil, 0, endpointContext{}, ccTRBError
	}
	dev, err := c.ctxs.deviceContextAddr(c.dcbaap, id)
	if err != nil {
		return nil, 0, endpointContext{}, ccParameter
	}
	ep, err := c.ctxs.readEndpoint(dev, dci)
	if err != nil {
		return nil, 0, endpointContext{}, ccParameter
	}
	return s, dev, ep, ccSuccess
}

func (c *Controller) cmdResetEndpoint(id SlotID, dci DCI) CompletionCode {
	s, dev, ep, code := c.endpointContextFor(id, dci)
	if s == nil {
		return code
	}
	if ep.State() != epHalted {
		return ccContextState
	}
	s.invalidate(dci.bit())
	ep.SetState(epStopped)
	ep.resetPipeline()
	if err := c.ctxs.writeEndpoint(dev, dci, &ep); err != nil {
		return ccParameter
	}
	return ccSuccess
}

func (c *Controller) cmdStopEndpoint(id SlotID, dci DCI) CompletionCode {
	s, dev, ep, code := c.endpointContextFor(id, dci)
	if s == nil {
		return code
	}
	if ep.State() != epRunning {
		return ccContextState
	}
	if !c.abortEndpointsLocked(id, dci.bit()) {
		return ccInvalid
	}

	// Completions that raced the abort may have moved the ring on.
	ep, err := c.ctxs.readEndpoint(dev, dci)
	if err != nil {
		return ccParameter
	}
	rt := &s.eps[dci]
	if len(rt.queue) > 0 || ep.InFlight() > 0 {
		ev := transferEvent(ep.Dequeue().Addr, ccStoppedLenInvalid, 0, id, dci, false)
		c.postEvent(c.slotInterrupter(dev), ev, false)
	}
	s.invalidate(dci.bit())
	c.doorbells[id].And(^dci.bit())
	ep.SetState(epStopped)
	ep.resetPipeline()
	if err := c.ctxs.writeEndpoint(dev, dci, &ep); err != nil {
		return ccParameter
	}
	return ccSuccess
}

func (c *Controller) cmdSetTRDequeue(id SlotID, dci DCI, ptr uint64) CompletionCode {
	s, dev, ep, code := c.endpointContextFor(id, dci)
	if s == nil {
		return code
	}
	if st := ep.State(); st != epStopped && st != epError {
		return ccContextState
	}
	if ptr&^0xf == 0 {
		return ccParameter
	}
	s.invalidate(dci.bit())
	ep.SetDequeue(ringPtrFromRaw(ptr))
	ep.resetPipeline()
	if err := c.ctxs.writeEndpoint(dev, dci, &ep); err != nil {
		return ccParameter
	}
	return ccSuccess
}

func (c *Controller) cmdResetDevice(id SlotID) CompletionCode {
	s, code := c.enabledSlot(id)
	if s == nil {
		return code
	}
	if s.state != slotAddressed && s.state != slotConfigured {
		return ccContextState
	}
	dev, err := c.ctxs.deviceContextAddr(c.dcbaap, id)
	if err != nil {
		return ccParameter
	}
	s.invalidate(allEndpoints)
	if !c.abortEndpointsLocked(id, allEndpoints) {
		return ccInvalid
	}
	for dci := DCI(2); dci <= maxDCI; dci++ {
		ep, err := c.ctxs.readEndpoint(dev, dci)
		if err != nil {
			return ccParameter
		}
		if ep.State() == epDisabled {
			continue
		}
		ep.SetState(epDisabled)
		ep.SetInFlight(0)
		if err := c.ctxs.writeEndpoint(dev, dci, &ep); err != nil {
			return ccParameter
		}
	}
	sc, err := c.ctxs.readSlot(dev)
	if err != nil {
		return ccParameter
	}
	sc.SetState(slotCtxDefault)
	sc.SetAddress(0)
	sc.SetContextEntries(dciEP0)
	if err := c.ctxs.writeSlot(dev, &sc); err != nil {
		return ccParameter
	}
	c.doorbells[id].Store(0)
	s.state, s.address = slotDefault, 0
	return ccSuccess
}

func (c *Controller) cmdGetPortBandwidth(cmd TRB) CompletionCode {
	if cmd.SlotID() != 0 {
		// Only the root hub is modelled.
		return ccParameter
	}
	buf := make([]byte, 1+c.numPorts)
	for i := 1; i < len(buf); i++ {
		buf[i] = 80
	}
	if err := guestmem.Write(c.mem, cmd.Parameter&^0xf, buf); err != nil {
		return ccParameter
	}
	return ccSuccess
}

// slotInterrupter is the interrupter named by a device's slot context.
func (c *Controller) slotInterrupter(dev uint64) int {
	sc, err := c.ctxs.readSlot(dev)
	if err != nil {
		return 0
	}
	return sc.Interrupter()
}
