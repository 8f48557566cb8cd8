//go:build unix

package guestmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NewRAM allocates size bytes of zeroed guest RAM at base using an anonymous
// private mapping.
func NewRAM(base, size uint64) (*RAM, error) {
	if size == 0 {
		return nil, fmt.Errorf("guestmem: memory size must be greater than 0")
	}
	if size > uint64(^uint(0)>>1) {
		return nil, fmt.Errorf("guestmem: size %d exceeds host address limit", size)
	}
	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("guestmem: mmap guest memory: %w", err)
	}
	return &RAM{Base: base, data: mem, release: unix.Munmap}, nil
}
