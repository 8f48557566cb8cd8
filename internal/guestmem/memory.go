// Package guestmem provides access to guest physical memory for device models.
package guestmem

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Memory provides access to guest physical memory. Offsets passed to ReadAt
// and WriteAt are guest physical addresses.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

func offset(addr uint64, length int) (int64, error) {
	if addr > math.MaxInt64 || uint64(length) > math.MaxInt64-addr {
		return 0, fmt.Errorf("guestmem: address 0x%x (+%d) out of range", addr, length)
	}
	return int64(addr), nil
}

// Read fills buf from guest memory at addr.
func Read(mem Memory, addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := offset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := mem.ReadAt(buf, off)
	if err != nil && !(err == io.EOF && n == len(buf)) {
		return fmt.Errorf("guestmem: read 0x%x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("guestmem: short read at 0x%x (want %d, got %d)", addr, len(buf), n)
	}
	return nil
}

// Write copies data into guest memory at addr.
func Write(mem Memory, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off, err := offset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := mem.WriteAt(data, off)
	if err != nil {
		return fmt.Errorf("guestmem: write 0x%x: %w", addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("guestmem: short write at 0x%x (want %d, got %d)", addr, len(data), n)
	}
	return nil
}

func ReadUint32(mem Memory, addr uint64) (uint32, error) {
	var buf [4]byte
	if err := Read(mem, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func ReadUint64(mem Memory, addr uint64) (uint64, error) {
	var buf [8]byte
	if err := Read(mem, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func WriteUint32(mem Memory, addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return Write(mem, addr, buf[:])
}

func WriteUint64(mem Memory, addr uint64, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return Write(mem, addr, buf[:])
}

// RAM is a contiguous block of guest memory starting at Base.
type RAM struct {
	Base uint64
	data []byte

	release func([]byte) error
}

// Size returns the size of the RAM block in bytes.
func (r *RAM) Size() uint64 { return uint64(len(r.data)) }

// Bytes exposes the backing slice.
func (r *RAM) Bytes() []byte { return r.data }

func (r *RAM) window(off int64, length int) ([]byte, error) {
	if off < 0 || uint64(off) < r.Base {
		return nil, fmt.Errorf("guestmem: address 0x%x below RAM base 0x%x", off, r.Base)
	}
	start := uint64(off) - r.Base
	if start > uint64(len(r.data)) || uint64(length) > uint64(len(r.data))-start {
		return nil, fmt.Errorf("guestmem: access 0x%x+%d outside RAM (size 0x%x)", off, length, len(r.data))
	}
	return r.data[start : start+uint64(length)], nil
}

// ReadAt implements io.ReaderAt.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	w, err := r.window(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, w), nil
}

// WriteAt implements io.WriterAt.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	w, err := r.window(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(w, p), nil
}

// Close releases the backing memory. The RAM must not be used afterwards.
func (r *RAM) Close() error {
	if r.release == nil || r.data == nil {
		return nil
	}
	data := r.data
	r.data = nil
	return r.release(data)
}

var _ Memory = (*RAM)(nil)
