package xhci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/xhci/internal/guestmem"
)

func newTestRAM(t *testing.T) *guestmem.RAM {
	t.Helper()
	ram, err := guestmem.NewRAM(0, 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { ram.Close() })
	return ram
}

func TestRingWalkerAdvancesPerTRB(t *testing.T) {
	ram := newTestRAM(t)
	const base = 0x1000
	for _, n := range []int{1, 2, 7, 32} {
		for i := 0; i < n; i++ {
			ctl := makeControl(trbNormal, false)
			if i < n-1 {
				ctl |= trbChain
			}
			writeTestTRB(t, ram, base+uint64(i)*trbSize, TRB{Status: 8, Control: ctl}, true)
		}
		// A foreign cycle bit terminates the chain region.
		writeTestTRB(t, ram, base+uint64(n)*trbSize, TRB{Control: makeControl(trbNormal, false)}, false)

		w := ringWalker{mem: ram, limit: 64}
		res, err := w.walk(ringPtr{Addr: base, Cycle: true}, func(TRB, uint64) (visitAction, error) {
			return visitChain, nil
		})
		require.NoError(t, err)
		assert.Equal(t, n, res.Count)
		assert.Equal(t, uint64(base+n*trbSize), res.Next.Addr, "n=%d", n)
		assert.True(t, res.Next.Cycle)
		assert.False(t, res.Incomplete)
	}
}

func TestRingWalkerFollowsLinkWithToggle(t *testing.T) {
	ram := newTestRAM(t)
	const base = 0x2000
	// Four slots: two TRBs, a chained third, then a Link back with TC.
	writeTestTRB(t, ram, base+2*trbSize, TRB{Control: makeControl(trbNormal, false) | trbChain}, true)
	writeTestTRB(t, ram, base+3*trbSize, TRB{Parameter: base, Control: makeControl(trbLink, false) | trbTC}, true)
	// The producer wrapped, so slot 0 now carries the toggled cycle state.
	writeTestTRB(t, ram, base, TRB{Control: makeControl(trbNormal, false)}, false)

	var visited []uint64
	w := ringWalker{mem: ram, limit: 16}
	res, err := w.walk(ringPtr{Addr: base + 2*trbSize, Cycle: true}, func(_ TRB, addr uint64) (visitAction, error) {
		visited = append(visited, addr)
		return visitChain, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{base + 2*trbSize, base}, visited)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, ringPtr{Addr: base + trbSize, Cycle: false}, res.Next)
}

func TestRingWalkerStopsAtProducerBoundary(t *testing.T) {
	ram := newTestRAM(t)
	const base = 0x3000
	writeTestTRB(t, ram, base, TRB{Control: makeControl(trbNormal, false)}, false)

	w := ringWalker{mem: ram}
	start := ringPtr{Addr: base, Cycle: true}
	res, err := w.walk(start, func(TRB, uint64) (visitAction, error) {
		t.Fatal("visited a TRB the producer does not own")
		return visitStop, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Incomplete)
	assert.Zero(t, res.Count)
	assert.Equal(t, start, res.Next)
}

func TestRingWalkerLinkLoop(t *testing.T) {
	ram := newTestRAM(t)
	const base = 0x4000
	writeTestTRB(t, ram, base, TRB{Parameter: base, Control: makeControl(trbLink, false)}, true)

	w := ringWalker{mem: ram, limit: 8}
	_, err := w.walk(ringPtr{Addr: base, Cycle: true}, func(TRB, uint64) (visitAction, error) {
		return visitNext, nil
	})
	require.ErrorIs(t, err, ErrTooManyTRBs)
}

func TestRingWalkerIsRepeatable(t *testing.T) {
	ram := newTestRAM(t)
	const base = 0x5000
	for i := 0; i < 3; i++ {
		writeTestTRB(t, ram, base+uint64(i)*trbSize, TRB{Control: makeControl(trbNormal, false) | trbChain}, true)
	}
	writeTestTRB(t, ram, base+3*trbSize, TRB{Control: makeControl(trbNormal, false)}, true)

	w := ringWalker{mem: ram}
	start := ringPtr{Addr: base, Cycle: true}
	visit := func(TRB, uint64) (visitAction, error) { return visitChain, nil }
	first, err := w.walk(start, visit)
	require.NoError(t, err)
	second, err := w.walk(start, visit)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRingPtrRaw(t *testing.T) {
	p := ringPtrFromRaw(0x1234_5670 | 1)
	assert.Equal(t, ringPtr{Addr: 0x1234_5670, Cycle: true}, p)
	assert.Equal(t, uint64(0x1234_5671), p.raw())
	assert.Equal(t, uint64(0x40), ringPtrFromRaw(0x4e).raw())
}
