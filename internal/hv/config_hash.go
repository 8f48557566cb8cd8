package hv

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// ConfigHash identifies a machine layout. Snapshots only restore into a
// machine whose hash matches.
type ConfigHash [sha256.Size]byte

func (h ConfigHash) String() string { return hex.EncodeToString(h[:]) }

// DeviceConfig is the part of a device that must match across a snapshot.
type DeviceConfig struct {
	ID      string
	Base    uint64
	Size    uint64
	IRQLine uint32
}

type layoutHeader struct {
	RAMBase, RAMSize uint64
	Devices          uint32
}

type deviceRecord struct {
	Base, Size uint64
	IRQLine    uint32
	IDLen      uint32
}

// ComputeConfigHash hashes the RAM layout and the devices in order. Device
// order is part of the identity.
func ComputeConfigHash(memBase, memSize uint64, deviceConfigs []DeviceConfig) ConfigHash {
	h := sha256.New()
	// Writes to a hash never fail.
	_ = binary.Write(h, binary.LittleEndian, layoutHeader{
		RAMBase: memBase,
		RAMSize: memSize,
		Devices: uint32(len(deviceConfigs)),
	})
	for _, dc := range deviceConfigs {
		_ = binary.Write(h, binary.LittleEndian, deviceRecord{
			Base:    dc.Base,
			Size:    dc.Size,
			IRQLine: dc.IRQLine,
			IDLen:   uint32(len(dc.ID)),
		})
		h.Write([]byte(dc.ID))
	}

	var out ConfigHash
	h.Sum(out[:0])
	return out
}
