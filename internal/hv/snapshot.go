package hv

import (
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// Snapshot file format constants
const (
	SnapshotMagic   uint32 = 0x534e4150 // "SNAP"
	SnapshotVersion uint32 = 1
)

var ErrConfigMismatch = errors.New("snapshot: configuration hash mismatch")

type snapshotHeader struct {
	Magic   uint32
	Version uint32
	Config  ConfigHash
}

type snapshotBody struct {
	Devices map[string]DeviceSnapshot
}

// WriteSnapshot captures every device and writes a snapshot file: a fixed
// header followed by the gob-encoded device states.
func WriteSnapshot(w io.Writer, config ConfigHash, devices []DeviceSnapshotter) error {
	body := snapshotBody{Devices: make(map[string]DeviceSnapshot, len(devices))}
	for _, dev := range devices {
		snap, err := dev.CaptureSnapshot()
		if err != nil {
			return fmt.Errorf("snapshot: capture %s: %w", dev.DeviceId(), err)
		}
		if _, dup := body.Devices[dev.DeviceId()]; dup {
			return fmt.Errorf("snapshot: duplicate device id %q", dev.DeviceId())
		}
		body.Devices[dev.DeviceId()] = snap
	}

	hdr := snapshotHeader{Magic: SnapshotMagic, Version: SnapshotVersion, Config: config}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("snapshot: write header: %w", err)
	}
	if err := gob.NewEncoder(w).Encode(&body); err != nil {
		return fmt.Errorf("snapshot: encode devices: %w", err)
	}
	return nil
}

// ReadSnapshot reads a snapshot file and restores each device from it. Every
// device must be present in the file.
func ReadSnapshot(r io.Reader, config ConfigHash, devices []DeviceSnapshotter) error {
	var hdr snapshotHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("snapshot: read header: %w", err)
	}
	if hdr.Magic != SnapshotMagic {
		return fmt.Errorf("snapshot: bad magic %#x", hdr.Magic)
	}
	if hdr.Version != SnapshotVersion {
		return fmt.Errorf("snapshot: unsupported version %d", hdr.Version)
	}
	if hdr.Config != config {
		return fmt.Errorf("%w: file %s, machine %s", ErrConfigMismatch, hdr.Config, config)
	}

	var body snapshotBody
	if err := gob.NewDecoder(r).Decode(&body); err != nil {
		return fmt.Errorf("snapshot: decode devices: %w", err)
	}
	for _, dev := range devices {
		snap, ok := body.Devices[dev.DeviceId()]
		if !ok {
			return fmt.Errorf("snapshot: no state for device %q", dev.DeviceId())
		}
		if err := dev.RestoreSnapshot(snap); err != nil {
			return fmt.Errorf("snapshot: restore %s: %w", dev.DeviceId(), err)
		}
	}
	return nil
}
