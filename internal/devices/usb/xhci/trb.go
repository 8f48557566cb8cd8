package xhci

import (
	"encoding/binary"
	"fmt"
)

const trbSize = 16

// TRB types.
const (
	trbNormal        = 1
	trbSetup         = 2
	trbData          = 3
	trbStatus        = 4
	trbIsoch         = 5
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
	trbForceEvent    = 18
	trbNegotiateBW   = 19
	trbSetLT         = 20
	trbGetPortBW     = 21
	trbForceHeader   = 22
	trbNoOpCmd       = 23

	trbTransferEvent = 32
	trbCommandEvent  = 33
	trbPortEvent     = 34
	trbHostEvent     = 37
	trbMFIndexWrap   = 39

	trbNECCommandEvent = 48
	trbNECGetFirmware  = 49
	trbNECAuthenticate = 50
)

var eventNames = map[uint8]string{
	trbTransferEvent:   "transfer",
	trbCommandEvent:    "command-completion",
	trbPortEvent:       "port-status-change",
	trbHostEvent:       "host-controller",
	trbMFIndexWrap:     "mfindex-wrap",
	trbNECCommandEvent: "nec-command-completion",
}

func trbTypeName(t uint8) string {
	if n, ok := eventNames[t]; ok {
		return n
	}
	return commandName(t)
}

// TRB control dword bits.
const (
	trbCycle = 1 << 0
	trbTC    = 1 << 1 // Link: toggle cycle
	trbENT   = 1 << 1 // Transfer: evaluate next TRB
	trbED    = 1 << 2 // Event: event data
	trbISP   = 1 << 2 // Transfer: interrupt on short packet
	trbChain = 1 << 4
	trbIOC   = 1 << 5
	trbIDT   = 1 << 6
	trbBEI   = 1 << 9
	trbBSR   = 1 << 9 // Address Device: block set address
	trbDC    = 1 << 9 // Configure Endpoint: deconfigure
	trbTSP   = 1 << 9 // Reset Endpoint: transfer state preserve
	trbDirIn = 1 << 16
	trbSP    = 1 << 23 // Stop Endpoint: suspend
)

// Completion codes.
type CompletionCode uint8

const (
	ccInvalid            CompletionCode = 0
	ccSuccess            CompletionCode = 1
	ccDataBuffer         CompletionCode = 2
	ccBabble             CompletionCode = 3
	ccTransaction        CompletionCode = 4
	ccTRBError           CompletionCode = 5
	ccStall              CompletionCode = 6
	ccResource           CompletionCode = 7
	ccBandwidth          CompletionCode = 8
	ccNoSlots            CompletionCode = 9
	ccInvalidStreamType  CompletionCode = 10
	ccSlotNotEnabled     CompletionCode = 11
	ccEPNotEnabled       CompletionCode = 12
	ccShortPacket        CompletionCode = 13
	ccRingUnderrun       CompletionCode = 14
	ccRingOverrun        CompletionCode = 15
	ccParameter          CompletionCode = 17
	ccContextState       CompletionCode = 19
	ccEventRingFull      CompletionCode = 21
	ccIncompatibleDevice CompletionCode = 22
	ccCmdRingStopped     CompletionCode = 24
	ccCmdAborted         CompletionCode = 25
	ccStopped            CompletionCode = 26
	ccStoppedLenInvalid  CompletionCode = 27
	ccUndefined          CompletionCode = 33
)

var completionNames = map[CompletionCode]string{
	ccSuccess:            "success",
	ccDataBuffer:         "data-buffer",
	ccBabble:             "babble",
	ccTransaction:        "transaction",
	ccTRBError:           "trb",
	ccStall:              "stall",
	ccResource:           "resource",
	ccBandwidth:          "bandwidth",
	ccNoSlots:            "no-slots",
	ccSlotNotEnabled:     "slot-not-enabled",
	ccEPNotEnabled:       "endpoint-not-enabled",
	ccShortPacket:        "short-packet",
	ccParameter:          "parameter",
	ccContextState:       "context-state",
	ccEventRingFull:      "event-ring-full",
	ccIncompatibleDevice: "incompatible-device",
	ccCmdRingStopped:     "command-ring-stopped",
	ccCmdAborted:         "command-aborted",
	ccStopped:            "stopped",
	ccStoppedLenInvalid:  "stopped-length-invalid",
	ccUndefined:          "undefined",
}

func (c CompletionCode) String() string {
	if name, ok := completionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("cc%d", uint8(c))
}

// TRB is one 16-byte ring element.
type TRB struct {
	Parameter uint64
	Status    uint32
	Control   uint32
}

func decodeTRB(raw []byte) TRB {
	return TRB{
		Parameter: binary.LittleEndian.Uint64(raw[0:8]),
		Status:    binary.LittleEndian.Uint32(raw[8:12]),
		Control:   binary.LittleEndian.Uint32(raw[12:16]),
	}
}

func (t TRB) encode(raw []byte) {
	binary.LittleEndian.PutUint64(raw[0:8], t.Parameter)
	binary.LittleEndian.PutUint32(raw[8:12], t.Status)
	binary.LittleEndian.PutUint32(raw[12:16], t.Control)
}

func (t TRB) Type() uint8    { return uint8(bits(t.Control, 15, 10)) }
func (t TRB) Cycle() bool    { return t.Control&trbCycle != 0 }
func (t TRB) Chain() bool    { return t.Control&trbChain != 0 }
func (t TRB) IOC() bool      { return t.Control&trbIOC != 0 }
func (t TRB) ISP() bool      { return t.Control&trbISP != 0 }
func (t TRB) IDT() bool      { return t.Control&trbIDT != 0 }
func (t TRB) BEI() bool      { return t.Control&trbBEI != 0 }
func (t TRB) Toggle() bool   { return t.Control&trbTC != 0 }
func (t TRB) SlotID() SlotID { return SlotID(bits(t.Control, 31, 24)) }
func (t TRB) EndpointID() DCI {
	return DCI(bits(t.Control, 20, 16))
}

// TransferLength is the byte count of a Normal, Data or Isoch TRB.
func (t TRB) TransferLength() uint32 { return bits(t.Status, 16, 0) }

// Interrupter is the target interrupter of a transfer TRB.
func (t TRB) Interrupter() int { return int(bits(t.Status, 31, 22)) }

// LinkTarget returns the segment pointer of a Link TRB.
func (t TRB) LinkTarget() uint64 { return t.Parameter &^ 0xf }

// isDataTRB reports whether the TRB carries a data buffer.
func (t TRB) isDataTRB() bool {
	switch t.Type() {
	case trbNormal, trbData, trbIsoch:
		return true
	}
	return false
}

func (t TRB) String() string {
	return fmt.Sprintf("trb{type=%d param=%#x status=%#x ctrl=%#x}", t.Type(), t.Parameter, t.Status, t.Control)
}

func makeControl(trbType uint8, cycle bool) uint32 {
	c := uint32(trbType) << 10
	if cycle {
		c |= trbCycle
	}
	return c
}

// Event TRB constructors. The cycle bit is applied when the event is written.

func commandCompletionEvent(cmdAddr uint64, code CompletionCode, slot SlotID, param uint32) TRB {
	return TRB{
		Parameter: cmdAddr,
		Status:    uint32(code)<<24 | param&0xffffff,
		Control:   makeControl(trbCommandEvent, false) | uint32(slot)<<24,
	}
}

func vendorCompletionEvent(cmdAddr uint64, code CompletionCode, slot SlotID, param uint32) TRB {
	ev := commandCompletionEvent(cmdAddr, code, slot, param)
	ev.Control = setBits(ev.Control, 15, 10, trbNECCommandEvent)
	return ev
}

func transferEvent(ptr uint64, code CompletionCode, residual uint32, slot SlotID, dci DCI, eventData bool) TRB {
	ev := TRB{
		Parameter: ptr,
		Status:    uint32(code)<<24 | residual&0xffffff,
		Control:   makeControl(trbTransferEvent, false) | uint32(dci)<<16 | uint32(slot)<<24,
	}
	if eventData {
		ev.Control |= trbED
	}
	return ev
}

func portStatusChangeEvent(port PortNumber) TRB {
	return TRB{
		Parameter: uint64(port) << 24,
		Status:    uint32(ccSuccess) << 24,
		Control:   makeControl(trbPortEvent, false),
	}
}

func hostControllerEvent(code CompletionCode) TRB {
	return TRB{
		Status:  uint32(code) << 24,
		Control: makeControl(trbHostEvent, false),
	}
}
