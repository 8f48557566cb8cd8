package hv

// ExitContext describes the guest access being emulated.
type ExitContext interface {
	// VCPU is the index of the vCPU that made the access, or -1 for the host.
	VCPU() int
}

type hostContext struct{}

func (hostContext) VCPU() int { return -1 }

// HostContext is the ExitContext for accesses the host makes itself, from a
// built-in driver or a test.
func HostContext() ExitContext { return hostContext{} }

// MMIORegion is a window of guest physical address space.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// MemoryMappedIODevice is a device with register windows.
type MemoryMappedIODevice interface {
	MMIORegions() []MMIORegion

	ReadMMIO(ctx ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx ExitContext, addr uint64, data []byte) error
}

// DeviceSnapshot is opaque device state. Concrete types are registered with
// gob.Register by the package that defines them.
type DeviceSnapshot any

// DeviceSnapshotter is implemented by devices whose state survives a
// snapshot. DeviceId keys the state in the snapshot file.
type DeviceSnapshotter interface {
	DeviceId() string
	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}
