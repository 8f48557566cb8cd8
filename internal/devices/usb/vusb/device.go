package vusb

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
)

// Device is a USB function attached to a Hub port. The hub handles
// SET_ADDRESS itself; every other control request and all data transfers are
// forwarded. IN handlers return the payload; OUT handlers consume data.
type Device interface {
	Speed() Speed
	HandleControl(ctx context.Context, setup SetupPacket, data []byte) ([]byte, error)
	HandleTransfer(ctx context.Context, endpoint uint8, dir Direction, data []byte) ([]byte, error)
}

// Resetter is implemented by devices that keep state across a bus reset.
type Resetter interface {
	Reset()
}

// Descriptor types.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
	DescriptorTypeHID           = 0x21
	DescriptorTypeHIDReport     = 0x22
)

// DeviceDescriptor is the standard 18-byte device descriptor.
type DeviceDescriptor struct {
	USBVersion     uint16
	DeviceClass    uint8
	DeviceSubClass uint8
	DeviceProtocol uint8
	MaxPacketSize0 uint8
	VendorID       uint16
	ProductID      uint16
	DeviceVersion  uint16
}

func (d DeviceDescriptor) Bytes() []byte {
	b := make([]byte, 18)
	b[0] = 18
	b[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(b[2:4], d.USBVersion)
	b[4] = d.DeviceClass
	b[5] = d.DeviceSubClass
	b[6] = d.DeviceProtocol
	b[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(b[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(b[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(b[12:14], d.DeviceVersion)
	b[17] = 1 // bNumConfigurations
	return b
}

// InterfaceDescriptor describes one interface of the single configuration.
type InterfaceDescriptor struct {
	Number   uint8
	Class    uint8
	SubClass uint8
	Protocol uint8
	// Extra is class-specific data emitted after the interface descriptor.
	Extra     []byte
	Endpoints []EndpointDescriptor
}

// EndpointDescriptor describes a non-control endpoint.
type EndpointDescriptor struct {
	Address       uint8 // bit 7 set for IN
	Attributes    uint8 // transfer type in bits 1:0
	MaxPacketSize uint16
	Interval      uint8
}

func (e EndpointDescriptor) write(b *bytes.Buffer) {
	b.Write([]byte{7, DescriptorTypeEndpoint, e.Address, e.Attributes})
	binary.Write(b, binary.LittleEndian, e.MaxPacketSize)
	b.WriteByte(e.Interval)
}

// ConfigurationBytes builds configuration 1 with the given interfaces.
func ConfigurationBytes(ifaces []InterfaceDescriptor) []byte {
	var body bytes.Buffer
	for _, iface := range ifaces {
		body.Write([]byte{9, DescriptorTypeInterface, iface.Number, 0, uint8(len(iface.Endpoints)), iface.Class, iface.SubClass, iface.Protocol, 0})
		body.Write(iface.Extra)
		for _, ep := range iface.Endpoints {
			ep.write(&body)
		}
	}
	total := 9 + body.Len()
	hdr := []byte{9, DescriptorTypeConfiguration, 0, 0, uint8(len(ifaces)), 1, 0, 0x80, 50}
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(total))
	return append(hdr, body.Bytes()...)
}

// StandardDevice answers the standard chapter 9 requests from fixed
// descriptors. Devices embed it and add their own endpoint handling.
type StandardDevice struct {
	DeviceSpeed Speed
	Descriptor  DeviceDescriptor
	Interfaces  []InterfaceDescriptor
	// Class answers class and vendor control requests, if set.
	Class func(setup SetupPacket, data []byte) ([]byte, error)

	mu            sync.Mutex
	configuration uint8
}

func (d *StandardDevice) Speed() Speed { return d.DeviceSpeed }

// Configuration returns the value set by the last SET_CONFIGURATION.
func (d *StandardDevice) Configuration() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configuration
}

func (d *StandardDevice) Reset() {
	d.mu.Lock()
	d.configuration = 0
	d.mu.Unlock()
}

func (d *StandardDevice) HandleControl(ctx context.Context, setup SetupPacket, data []byte) ([]byte, error) {
	if setup.RequestType&RequestTypeMask != RequestTypeStandard {
		if d.Class == nil {
			return nil, ErrStall
		}
		return d.Class(setup, data)
	}
	switch setup.Request {
	case RequestGetDescriptor:
		switch uint8(setup.Value >> 8) {
		case DescriptorTypeDevice:
			return d.Descriptor.Bytes(), nil
		case DescriptorTypeConfiguration:
			return ConfigurationBytes(d.Interfaces), nil
		case DescriptorTypeString:
			// Language ID table only.
			return []byte{4, DescriptorTypeString, 0x09, 0x04}, nil
		}
		return nil, ErrStall
	case RequestSetConfiguration:
		d.mu.Lock()
		d.configuration = uint8(setup.Value)
		d.mu.Unlock()
		return nil, nil
	case RequestGetConfiguration:
		return []byte{d.Configuration()}, nil
	case RequestGetStatus:
		return []byte{0, 0}, nil
	case RequestClearFeature, RequestSetFeature:
		return nil, nil
	}
	return nil, ErrStall
}

// Loopback is a bulk device that returns OUT payloads on its IN endpoint in
// order. An IN transfer with nothing queued waits until data arrives.
type Loopback struct {
	StandardDevice

	queue chan []byte
}

// NewLoopback builds a loopback device with bulk endpoints 0x01 and 0x81.
func NewLoopback(speed Speed) *Loopback {
	mps := uint16(512)
	if speed == SpeedFull {
		mps = 64
	} else if speed.IsSuperSpeed() {
		mps = 1024
	}
	return &Loopback{
		StandardDevice: StandardDevice{
			DeviceSpeed: speed,
			Descriptor: DeviceDescriptor{
				USBVersion:     0x0200,
				DeviceClass:    0xff,
				MaxPacketSize0: 64,
				VendorID:       0x1d6b,
				ProductID:      0x0104,
			},
			Interfaces: []InterfaceDescriptor{{
				Class: 0xff,
				Endpoints: []EndpointDescriptor{
					{Address: 0x01, Attributes: 0x02, MaxPacketSize: mps},
					{Address: 0x81, Attributes: 0x02, MaxPacketSize: mps},
				},
			}},
		},
		queue: make(chan []byte, 64),
	}
}

func (l *Loopback) HandleTransfer(ctx context.Context, endpoint uint8, dir Direction, data []byte) ([]byte, error) {
	if endpoint != 1 {
		return nil, ErrStall
	}
	if dir == DirOut {
		select {
		case l.queue <- append([]byte(nil), data...):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	select {
	case payload := <-l.queue:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Keyboard is a HID boot keyboard. Reports queued with Press are returned on
// interrupt endpoint 0x81.
type Keyboard struct {
	StandardDevice

	reports chan [8]byte
}

var keyboardReportDescriptor = []byte{
	0x05, 0x01, 0x09, 0x06, 0xa1, 0x01, 0x05, 0x07, 0x19, 0xe0, 0x29, 0xe7,
	0x15, 0x00, 0x25, 0x01, 0x75, 0x01, 0x95, 0x08, 0x81, 0x02, 0x95, 0x01,
	0x75, 0x08, 0x81, 0x01, 0x95, 0x06, 0x75, 0x08, 0x15, 0x00, 0x25, 0x65,
	0x05, 0x07, 0x19, 0x00, 0x29, 0x65, 0x81, 0x00, 0xc0,
}

// NewKeyboard builds a full-speed boot keyboard.
func NewKeyboard() *Keyboard {
	hid := []byte{9, DescriptorTypeHID, 0x11, 0x01, 0, 1, DescriptorTypeHIDReport, 0, 0}
	binary.LittleEndian.PutUint16(hid[7:9], uint16(len(keyboardReportDescriptor)))
	k := &Keyboard{reports: make(chan [8]byte, 32)}
	k.StandardDevice = StandardDevice{
		DeviceSpeed: SpeedFull,
		Descriptor: DeviceDescriptor{
			USBVersion:     0x0110,
			MaxPacketSize0: 8,
			VendorID:       0x1d6b,
			ProductID:      0x0101,
		},
		Interfaces: []InterfaceDescriptor{{
			Class:    0x03,
			SubClass: 0x01,
			Protocol: 0x01,
			Extra:    hid,
			Endpoints: []EndpointDescriptor{
				{Address: 0x81, Attributes: 0x03, MaxPacketSize: 8, Interval: 10},
			},
		}},
		Class: k.classRequest,
	}
	return k
}

func (k *Keyboard) classRequest(setup SetupPacket, data []byte) ([]byte, error) {
	// GET_DESCRIPTOR(report) arrives as a standard request to the interface,
	// SET_IDLE/SET_PROTOCOL as class requests; accept the latter silently.
	if setup.RequestType&RequestTypeMask == RequestTypeClass {
		return nil, nil
	}
	return nil, ErrStall
}

func (k *Keyboard) HandleControl(ctx context.Context, setup SetupPacket, data []byte) ([]byte, error) {
	if setup.Request == RequestGetDescriptor && uint8(setup.Value>>8) == DescriptorTypeHIDReport {
		return keyboardReportDescriptor, nil
	}
	return k.StandardDevice.HandleControl(ctx, setup, data)
}

// Press queues a key-down report followed by a key-up report.
func (k *Keyboard) Press(usage uint8) {
	k.reports <- [8]byte{2: usage}
	k.reports <- [8]byte{}
}

func (k *Keyboard) HandleTransfer(ctx context.Context, endpoint uint8, dir Direction, data []byte) ([]byte, error) {
	if endpoint != 1 || dir != DirIn {
		return nil, ErrStall
	}
	select {
	case r := <-k.reports:
		return r[:], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var (
	_ Device   = (*Loopback)(nil)
	_ Device   = (*Keyboard)(nil)
	_ Resetter = (*StandardDevice)(nil)
)
