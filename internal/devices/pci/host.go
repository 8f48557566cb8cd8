package pci

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/xhci/internal/chipset"
	"github.com/tinyrange/xhci/internal/hv"
)

const (
	type0BAROffset = 0x10
	type0BARStride = 4

	// ecamBusSize is the ECAM window covering one bus.
	ecamBusSize = 1 << 20
)

// ConfigSpace models PCI configuration space access for a single bus/device/function tuple.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

type deviceKey struct {
	dev uint8
	fn  uint8
}

func (k deviceKey) String() string { return fmt.Sprintf("00:%02x.%x", k.dev, k.fn) }

// HostBridgeConfig describes where the ECAM window lives.
type HostBridgeConfig struct {
	ConfigBase   uint64
	RootVendorID uint16
	RootDeviceID uint16
	Logger       *slog.Logger
}

// HostBridge is an ECAM root complex for bus 0. The root function at 00:00.0
// is a plain host bridge; other functions are registered by their owners.
type HostBridge struct {
	base uint64
	log  *slog.Logger

	mu      sync.Mutex
	devices map[deviceKey]ConfigSpace
}

func NewHostBridge(cfg HostBridgeConfig) *HostBridge {
	root := &rootFunction{}
	vendor, device := cfg.RootVendorID, cfg.RootDeviceID
	if vendor == 0 {
		vendor = 0x1b36
	}
	if device == 0 {
		device = 0x0008
	}
	binary.LittleEndian.PutUint16(root[0x00:], vendor)
	binary.LittleEndian.PutUint16(root[0x02:], device)
	root[0x0b] = 0x06

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &HostBridge{
		base:    cfg.ConfigBase,
		log:     log.With("device", "pci-host"),
		devices: map[deviceKey]ConfigSpace{{}: root},
	}
}

// ConfigSize is the size of the ECAM window.
func (h *HostBridge) ConfigSize() uint64 { return ecamBusSize }

// ConfigAddress returns the ECAM address of a register of device.function.
func (h *HostBridge) ConfigAddress(device, function uint8, reg uint16) uint64 {
	return h.base | uint64(device&0x1f)<<15 | uint64(function&0x7)<<12 | uint64(reg&0xfff)
}

func (h *HostBridge) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: h.base, Size: ecamBusSize}}
}

// ReadMMIO reads config space. Absent functions read as all ones.
func (h *HostBridge) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	return h.access(addr, data, false)
}

// WriteMMIO writes config space. Writes to absent functions are dropped.
func (h *HostBridge) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	return h.access(addr, data, true)
}

// access splits an ECAM access into naturally aligned config accesses.
func (h *HostBridge) access(addr uint64, data []byte, write bool) error {
	if addr < h.base || addr-h.base+uint64(len(data)) > ecamBusSize {
		return fmt.Errorf("pci host bridge: access at %#x (%d bytes) outside config space", addr, len(data))
	}
	for done := 0; done < len(data); {
		off := addr - h.base + uint64(done)
		key := deviceKey{dev: uint8(off >> 15 & 0x1f), fn: uint8(off >> 12 & 0x7)}
		reg := uint16(off & 0xfff)
		width := accessWidth(reg, len(data)-done)
		chunk := data[done : done+width]

		h.mu.Lock()
		cs := h.devices[key]
		h.mu.Unlock()

		if write {
			h.store(key, cs, reg, chunk)
		} else {
			h.load(key, cs, reg, chunk)
		}
		done += width
	}
	return nil
}

func (h *HostBridge) load(key deviceKey, cs ConfigSpace, reg uint16, chunk []byte) {
	v := uint32(0xffff_ffff)
	if cs != nil {
		got, err := cs.ReadConfig(reg, uint8(len(chunk)))
		if err != nil {
			h.log.Debug("config read failed", "function", key, "offset", reg, "error", err)
		} else {
			v = got
		}
	}
	for i := range chunk {
		chunk[i] = byte(v >> (8 * i))
	}
}

func (h *HostBridge) store(key deviceKey, cs ConfigSpace, reg uint16, chunk []byte) {
	if cs == nil {
		return
	}
	var v uint32
	for i, b := range chunk {
		v |= uint32(b) << (8 * i)
	}
	if err := cs.WriteConfig(reg, uint8(len(chunk)), v); err != nil {
		h.log.Debug("config write failed", "function", key, "offset", reg, "error", err)
	}
}

// accessWidth picks the widest aligned access that fits.
func accessWidth(reg uint16, remaining int) int {
	for _, w := range []int{4, 2} {
		if remaining >= w && int(reg)%w == 0 {
			return w
		}
	}
	return 1
}

// RegisterFunction places a config space at 00:device.function.
func (h *HostBridge) RegisterFunction(device, function uint8, cs ConfigSpace) error {
	key := deviceKey{dev: device, fn: function}
	switch {
	case cs == nil:
		return fmt.Errorf("pci: function %s is nil", key)
	case device > 0x1f || function > 7:
		return fmt.Errorf("pci: invalid location %s", key)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, taken := h.devices[key]; taken {
		return fmt.Errorf("pci: %s is already occupied", key)
	}
	h.devices[key] = cs
	return nil
}

// rootFunction is the read-only header of 00:00.0.
type rootFunction [64]byte

func (r *rootFunction) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if int(offset)+int(size) > len(r) {
		return 0, nil
	}
	var v uint32
	for i := 0; i < int(size); i++ {
		v |= uint32(r[int(offset)+i]) << (8 * i)
	}
	return v, nil
}

func (r *rootFunction) WriteConfig(offset uint16, size uint8, value uint32) error { return nil }

// SupportsMmio implements chipset.ChipsetDevice.
func (h *HostBridge) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{Regions: h.MMIORegions(), Handler: h}
}

// configSaver is implemented by functions whose config space is part of
// the bridge snapshot.
type configSaver interface {
	saveConfig() []byte
	loadConfig([]byte) error
}

func init() {
	gob.Register(&bridgeSnapshot{})
}

type bridgeSnapshot struct {
	Functions map[string][]byte
}

func (h *HostBridge) DeviceId() string { return "pci-host" }

// CaptureSnapshot records the config space of every registered function.
func (h *HostBridge) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := &bridgeSnapshot{Functions: make(map[string][]byte)}
	for key, cs := range h.devices {
		if s, ok := cs.(configSaver); ok {
			snap.Functions[key.String()] = s.saveConfig()
		}
	}
	return snap, nil
}

func (h *HostBridge) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*bridgeSnapshot)
	if !ok {
		return fmt.Errorf("pci host bridge: invalid snapshot type %T", snap)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, cs := range h.devices {
		s, ok := cs.(configSaver)
		if !ok {
			continue
		}
		cfg, ok := data.Functions[key.String()]
		if !ok {
			return fmt.Errorf("pci host bridge: snapshot has no function %s", key)
		}
		if err := s.loadConfig(cfg); err != nil {
			return fmt.Errorf("pci host bridge: %s: %w", key, err)
		}
	}
	return nil
}

func (h *HostBridge) Start() error { return nil }
func (h *HostBridge) Stop() error  { return nil }
func (h *HostBridge) Reset() error { return nil }

var (
	_ hv.MemoryMappedIODevice = (*HostBridge)(nil)
	_ chipset.ChipsetDevice   = (*HostBridge)(nil)
	_ hv.DeviceSnapshotter    = (*HostBridge)(nil)
)
