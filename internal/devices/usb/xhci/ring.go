package xhci

import (
	"errors"
	"fmt"

	"github.com/tinyrange/xhci/internal/guestmem"
)

// ErrTooManyTRBs is returned when a single ring walk exceeds its TRB budget.
// Only a guest-constructed loop of Link TRBs (or an absurdly long TD) can
// trigger it; the controller treats it as fatal.
var ErrTooManyTRBs = errors.New("xhci: too many TRBs in a single ring walk")

const defaultMaxTRBsPerWalk = 256

// ringPtr is a position in a ring: a TRB address and the cycle state the
// consumer expects to find there.
type ringPtr struct {
	Addr  uint64
	Cycle bool
}

func (p ringPtr) String() string {
	c := 0
	if p.Cycle {
		c = 1
	}
	return fmt.Sprintf("%#x/%d", p.Addr, c)
}

// raw packs the pointer the way dequeue pointer registers and contexts do.
func (p ringPtr) raw() uint64 {
	v := p.Addr &^ 0xf
	if p.Cycle {
		v |= 1
	}
	return v
}

func ringPtrFromRaw(v uint64) ringPtr {
	return ringPtr{Addr: v &^ 0xf, Cycle: v&1 != 0}
}

type visitAction int

const (
	// visitChain continues while the visited TRB has its Chain bit set.
	visitChain visitAction = iota
	// visitNext continues unconditionally.
	visitNext
	// visitStop ends the walk after the visited TRB.
	visitStop
)

type visitor func(t TRB, addr uint64) (visitAction, error)

type walkResult struct {
	// Next is the position following the last visited TRB.
	Next ringPtr
	// Count is the number of non-Link TRBs handed to the visitor.
	Count int
	// Incomplete is set when the walk reached a TRB the producer has not
	// handed over yet. It is not an error: the ring is logically empty there.
	Incomplete bool
}

// ringWalker traverses TRB rings in guest memory. It has no side effects on
// ring state: callers own their dequeue and enqueue pointers, so the same
// region can be walked repeatedly.
type ringWalker struct {
	mem   guestmem.Memory
	limit int
	// links hands Link TRBs to the visitor before they are followed.
	links bool
}

func readTRB(mem guestmem.Memory, addr uint64) (TRB, error) {
	var raw [trbSize]byte
	if err := guestmem.Read(mem, addr&^0xf, raw[:]); err != nil {
		return TRB{}, err
	}
	return decodeTRB(raw[:]), nil
}

func (w ringWalker) walk(start ringPtr, visit visitor) (walkResult, error) {
	limit := w.limit
	if limit <= 0 {
		limit = defaultMaxTRBsPerWalk
	}
	res := walkResult{Next: ringPtr{Addr: start.Addr &^ 0xf, Cycle: start.Cycle}}

	for steps := 0; ; steps++ {
		if steps >= limit {
			return res, fmt.Errorf("%w (limit %d, at %s)", ErrTooManyTRBs, limit, res.Next)
		}
		addr := res.Next.Addr
		t, err := readTRB(w.mem, addr)
		if err != nil {
			return res, err
		}
		if t.Cycle() != res.Next.Cycle {
			res.Incomplete = true
			return res, nil
		}

		if t.Type() == trbLink {
			action := visitNext
			if w.links {
				if action, err = visit(t, addr); err != nil {
					return res, err
				}
			}
			res.Next.Addr = t.LinkTarget()
			if t.Toggle() {
				res.Next.Cycle = !res.Next.Cycle
			}
			if action == visitStop {
				return res, nil
			}
			continue
		}

		res.Count++
		res.Next.Addr = addr + trbSize
		action, err := visit(t, addr)
		if err != nil {
			return res, err
		}
		switch action {
		case visitStop:
			return res, nil
		case visitChain:
			if !t.Chain() {
				return res, nil
			}
		}
	}
}
