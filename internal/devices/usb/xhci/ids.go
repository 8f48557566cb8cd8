package xhci

import "fmt"

// SlotID is a 1-based device slot identifier as used on the wire. Slot ID 0
// is reserved (it addresses the scratchpad entry of the DCBAA and doorbell 0
// belongs to the host controller).
type SlotID uint8

// SlotIDFromIndex converts a 0-based slot array index to a SlotID.
func SlotIDFromIndex(i int) SlotID { return SlotID(i + 1) }

// Index returns the 0-based array index for the slot.
func (s SlotID) Index() int { return int(s) - 1 }

func (s SlotID) Valid(maxSlots int) bool { return s != 0 && int(s) <= maxSlots }

func (s SlotID) String() string { return fmt.Sprintf("slot%d", uint8(s)) }

// PortNumber is a 1-based root hub port number.
type PortNumber uint8

// PortNumberFromIndex converts a 0-based port index to a PortNumber.
func PortNumberFromIndex(i int) PortNumber { return PortNumber(i + 1) }

// Index returns the 0-based port index.
func (p PortNumber) Index() int { return int(p) - 1 }

func (p PortNumber) Valid(numPorts int) bool { return p != 0 && int(p) <= numPorts }

// DCI is a Device Context Index: 1 is the bidirectional default control
// endpoint, endpoint n OUT is 2n and endpoint n IN is 2n+1.
type DCI uint8

const (
	dciEP0 DCI = 1
	maxDCI DCI = 31
)

func (d DCI) Valid() bool { return d >= dciEP0 && d <= maxDCI }

// Endpoint returns the USB endpoint number.
func (d DCI) Endpoint() uint8 { return uint8(d) / 2 }

// In reports whether the endpoint is device-to-host. EP0 reports false.
func (d DCI) In() bool { return d != dciEP0 && d&1 == 1 }

// bit returns the DCI's bit in add/drop flags and doorbell bitmaps.
func (d DCI) bit() uint32 { return 1 << uint(d) }
