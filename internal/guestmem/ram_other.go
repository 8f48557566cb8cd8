//go:build !unix

package guestmem

import "fmt"

// NewRAM allocates size bytes of zeroed guest RAM at base.
func NewRAM(base, size uint64) (*RAM, error) {
	if size == 0 {
		return nil, fmt.Errorf("guestmem: memory size must be greater than 0")
	}
	return &RAM{Base: base, data: make([]byte, size)}, nil
}
