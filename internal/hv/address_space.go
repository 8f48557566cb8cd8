package hv

import (
	"fmt"
	"sort"
	"sync"
)

const pageSize = 0x1000

// MMIOAllocationRequest asks for a window above RAM. Alignment defaults to
// a page and must be a power of two.
type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// MMIOAllocation is a placed window.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

func (a MMIOAllocation) end() uint64 { return a.Base + a.Size }

func (a MMIOAllocation) overlaps(base, size uint64) bool {
	return base < a.end() && a.Base < base+size
}

// AddressSpace hands out guest physical windows for devices. Dynamic
// windows go first-fit above RAM; fixed windows may sit anywhere outside RAM.
type AddressSpace struct {
	ramBase, ramSize uint64

	mu sync.Mutex
	// claims is sorted by Base. fixed marks the entries from RegisterFixed.
	claims []MMIOAllocation
	fixed  map[string]bool
}

func NewAddressSpace(ramBase, ramSize uint64) *AddressSpace {
	return &AddressSpace{ramBase: ramBase, ramSize: ramSize, fixed: make(map[string]bool)}
}

func (a *AddressSpace) RAMBase() uint64 { return a.ramBase }
func (a *AddressSpace) RAMSize() uint64 { return a.ramSize }
func (a *AddressSpace) RAMEnd() uint64  { return a.ramBase + a.ramSize }

// Allocate places req in the lowest free window above RAM. The size is
// rounded up to the alignment.
func (a *AddressSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	align := req.Alignment
	if align == 0 {
		align = pageSize
	}
	switch {
	case req.Size == 0:
		return MMIOAllocation{}, fmt.Errorf("hv: allocation %q has no size", req.Name)
	case align&(align-1) != 0:
		return MMIOAllocation{}, fmt.Errorf("hv: allocation %q: alignment %#x is not a power of two", req.Name, align)
	}
	size := alignUp(req.Size, align)

	a.mu.Lock()
	defer a.mu.Unlock()

	base := alignUp(a.RAMEnd(), pageSize)
	base = alignUp(base, align)
	for _, c := range a.claims {
		if c.overlaps(base, size) {
			base = alignUp(c.end(), align)
		}
	}
	if base+size < base {
		return MMIOAllocation{}, fmt.Errorf("hv: no room for %q (%#x bytes)", req.Name, size)
	}

	out := MMIOAllocation{Name: req.Name, Base: base, Size: size}
	a.insert(out)
	return out, nil
}

// RegisterFixed reserves [base, base+size) for a device with a fixed address.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	if size == 0 {
		return fmt.Errorf("hv: fixed region %q has no size", name)
	}
	if base+size < base {
		return fmt.Errorf("hv: fixed region %q wraps the address space", name)
	}
	ram := MMIOAllocation{Name: "ram", Base: a.ramBase, Size: a.ramSize}
	if a.ramSize != 0 && ram.overlaps(base, size) {
		return fmt.Errorf("hv: fixed region %q [%#x, %#x) overlaps RAM [%#x, %#x)",
			name, base, base+size, ram.Base, ram.end())
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range a.claims {
		if c.overlaps(base, size) {
			return fmt.Errorf("hv: fixed region %q overlaps %q", name, c.Name)
		}
	}
	a.insert(MMIOAllocation{Name: name, Base: base, Size: size})
	a.fixed[name] = true
	return nil
}

// Allocations returns the dynamic windows in address order.
func (a *AddressSpace) Allocations() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []MMIOAllocation
	for _, c := range a.claims {
		if !a.fixed[c.Name] {
			out = append(out, c)
		}
	}
	return out
}

// Find returns the window claimed under name.
func (a *AddressSpace) Find(name string) (MMIOAllocation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range a.claims {
		if c.Name == name {
			return c, true
		}
	}
	return MMIOAllocation{}, false
}

func (a *AddressSpace) insert(c MMIOAllocation) {
	i := sort.Search(len(a.claims), func(i int) bool { return a.claims[i].Base > c.Base })
	a.claims = append(a.claims, MMIOAllocation{})
	copy(a.claims[i+1:], a.claims[i:])
	a.claims[i] = c
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
