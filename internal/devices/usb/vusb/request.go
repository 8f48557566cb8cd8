// Package vusb is the boundary between a USB host controller model and the
// devices behind it. A controller hands Requests to a Transport and is told
// about their completion through callbacks.
package vusb

import (
	"encoding/binary"
	"fmt"
)

// Speed is the connection speed of a device.
type Speed uint8

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedSuper
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	case SpeedSuper:
		return "super"
	default:
		return "unknown"
	}
}

// IsSuperSpeed reports whether the device attaches to a USB3 port.
func (s Speed) IsSuperSpeed() bool { return s >= SpeedSuper }

// Direction of a data stage or endpoint.
type Direction uint8

const (
	DirOut Direction = iota
	DirIn
)

func (d Direction) String() string {
	if d == DirIn {
		return "in"
	}
	return "out"
}

// TransferType is the USB transfer type of a pipe.
type TransferType uint8

const (
	TransferControl TransferType = iota
	TransferIsochronous
	TransferBulk
	TransferInterrupt
)

func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("TransferType(%d)", uint8(t))
	}
}

// Status is the outcome of a Request.
type Status uint8

const (
	StatusOK Status = iota
	StatusStall
	StatusNotResponding
	StatusCRC
	StatusOverrun
	StatusUnderrun
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusStall:
		return "stall"
	case StatusNotResponding:
		return "not-responding"
	case StatusCRC:
		return "crc"
	case StatusOverrun:
		return "overrun"
	case StatusUnderrun:
		return "underrun"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// Standard request codes used by the transport itself.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
)

// Request type bits of bmRequestType.
const (
	RequestTypeDeviceToHost = 0x80
	RequestTypeStandard     = 0x00
	RequestTypeClass        = 0x20
	RequestTypeVendor       = 0x40
	RequestTypeMask         = 0x60
)

// SetupPacket is a decoded USB SETUP packet.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetupPacket decodes an 8-byte SETUP packet.
func ParseSetupPacket(raw [SetupPacketSize]byte) SetupPacket {
	return SetupPacket{
		RequestType: raw[0],
		Request:     raw[1],
		Value:       binary.LittleEndian.Uint16(raw[2:4]),
		Index:       binary.LittleEndian.Uint16(raw[4:6]),
		Length:      binary.LittleEndian.Uint16(raw[6:8]),
	}
}

// Bytes encodes the SETUP packet.
func (s SetupPacket) Bytes() [SetupPacketSize]byte {
	var raw [SetupPacketSize]byte
	raw[0] = s.RequestType
	raw[1] = s.Request
	binary.LittleEndian.PutUint16(raw[2:4], s.Value)
	binary.LittleEndian.PutUint16(raw[4:6], s.Index)
	binary.LittleEndian.PutUint16(raw[6:8], s.Length)
	return raw
}

// In reports whether the data stage moves data device-to-host.
func (s SetupPacket) In() bool { return s.RequestType&RequestTypeDeviceToHost != 0 }

// Request is one unit of work handed to a Transport (a URB). Data is sized by
// the submitter: OUT requests carry the payload, IN requests provide the
// buffer the transport fills. Actual and Status are written by the transport
// before the completion callback runs.
type Request struct {
	// Port is the 1-based root hub port the device is attached to.
	Port     uint8
	Address  uint8
	Endpoint uint8
	Dir      Direction
	Type     TransferType

	Setup [SetupPacketSize]byte
	Data  []byte

	Actual int
	Status Status

	// Owner is opaque to the transport.
	Owner any
}

func (r *Request) String() string {
	return fmt.Sprintf("port=%d addr=%d ep=%d %s %s len=%d", r.Port, r.Address, r.Endpoint, r.Type, r.Dir, len(r.Data))
}

// Transport moves Requests to and from devices.
//
// Callbacks never run on the goroutine that called Submit. AbortEndpoint and
// CancelAll return only once the callbacks of every affected request have
// returned.
type Transport interface {
	Submit(req *Request) error
	AbortEndpoint(port, endpoint uint8, dir Direction)
	CancelAll()
	// ResetPort resets the device on port and calls done when finished.
	ResetPort(port uint8, warm bool, done func(error))
	// SetCallbacks registers the completion callback and the error callback.
	// onError is consulted for failed requests; returning true retires the
	// request instead of retrying it.
	SetCallbacks(onComplete func(*Request), onError func(*Request) bool)
}
