package xhci

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/xhci/internal/guestmem"
	"github.com/tinyrange/xhci/internal/hv"
)

const (
	testERST      = testScratch
	testEventRing = testScratch + 0x1000
)

// setupEventRing programs interrupter 0 with a single segment of size TRBs
// and returns it.
func setupEventRing(t *testing.T, b *testBed, size uint32) *interrupter {
	t.Helper()
	require.NoError(t, guestmem.WriteUint64(b.ram, testERST, testEventRing))
	require.NoError(t, guestmem.WriteUint32(b.ram, testERST+8, size))

	ir0 := uint64(rtsOff + intrRegBase)
	b.write32(t, ir0+intrRegERSTSZ, 1)
	b.write64(t, ir0+intrRegERDPLo, testEventRing)
	b.write64(t, ir0+intrRegERSTBALo, testERST)
	b.write32(t, ir0+intrRegIMAN, imanIE)
	return b.ctrl.intrs[0]
}

func noOpEvent(n int) TRB {
	return commandCompletionEvent(uint64(0x1000+16*n), ccSuccess, 0, 0)
}

func TestInterrupterAssertsAndAcknowledges(t *testing.T) {
	b := newTestBed(t, Options{})
	ir := setupEventRing(t, b, 8)
	b.write32(t, opBase+opRegUSBCmd, cmdIntEnable)

	require.True(t, ir.post(noOpEvent(0), false))

	ir0 := uint64(rtsOff + intrRegBase)
	assert.NotZero(t, b.read32(t, ir0+intrRegIMAN)&imanIP)
	assert.NotZero(t, b.read32(t, ir0+intrRegERDPLo)&erdpEHB)
	assert.NotZero(t, b.read32(t, opBase+opRegUSBSts)&stsEINT)
	assert.True(t, b.line.Level())

	ev := readTestTRB(t, b.ram, testEventRing)
	assert.Equal(t, uint8(trbCommandEvent), ev.Type())
	assert.True(t, ev.Cycle())

	// IP is write-1-to-clear and drops the line.
	b.write32(t, ir0+intrRegIMAN, imanIP|imanIE)
	assert.Zero(t, b.read32(t, ir0+intrRegIMAN)&imanIP)
	assert.False(t, b.line.Level())

	// Consuming everything clears EHB without a new interrupt.
	b.write64(t, ir0+intrRegERDPLo, (testEventRing+trbSize)|erdpEHB)
	assert.Zero(t, b.read32(t, ir0+intrRegERDPLo)&erdpEHB)
	assert.Zero(t, b.read32(t, ir0+intrRegIMAN)&imanIP)

	b.write32(t, opBase+opRegUSBSts, stsEINT)
	assert.Zero(t, b.read32(t, opBase+opRegUSBSts)&stsEINT)
}

func TestInterrupterBlockEventInterrupt(t *testing.T) {
	b := newTestBed(t, Options{})
	ir := setupEventRing(t, b, 8)

	require.True(t, ir.post(noOpEvent(0), true))
	assert.Zero(t, b.read32(t, rtsOff+intrRegBase+intrRegIMAN)&imanIP)
}

func TestInterrupterIgnoresLineWithoutINTE(t *testing.T) {
	b := newTestBed(t, Options{})
	ir := setupEventRing(t, b, 8)

	require.True(t, ir.post(noOpEvent(0), false))
	assert.NotZero(t, b.read32(t, rtsOff+intrRegBase+intrRegIMAN)&imanIP)
	assert.False(t, b.line.Level())

	// Enabling interrupts delivers the pending one.
	b.write32(t, opBase+opRegUSBCmd, cmdIntEnable)
	assert.True(t, b.line.Level())
}

func TestEventRingFull(t *testing.T) {
	b := newTestBed(t, Options{})
	ir := setupEventRing(t, b, 4)

	for i := 0; i < 3; i++ {
		require.True(t, ir.post(noOpEvent(i), false), "event %d", i)
	}
	// The last free TRB carries the overflow report instead.
	assert.False(t, ir.post(noOpEvent(3), false))
	full := readTestTRB(t, b.ram, testEventRing+3*trbSize)
	assert.Equal(t, uint8(trbHostEvent), full.Type())
	assert.Equal(t, ccEventRingFull, CompletionCode(full.Status>>24))
	assert.True(t, full.Cycle())

	// Further events are dropped until ERDP moves.
	assert.False(t, ir.post(noOpEvent(4), false))
	assert.False(t, ir.post(noOpEvent(5), false))

	ir0 := uint64(rtsOff + intrRegBase)
	b.write64(t, ir0+intrRegERDPLo, (testEventRing+2*trbSize)|erdpEHB)
	require.True(t, ir.post(noOpEvent(6), false))

	// The ring wrapped, so the producer cycle state flipped.
	ev := readTestTRB(t, b.ram, testEventRing)
	assert.Equal(t, uint8(trbCommandEvent), ev.Type())
	assert.False(t, ev.Cycle())
}

func TestEventDroppedWithoutRing(t *testing.T) {
	b := newTestBed(t, Options{})
	assert.False(t, b.ctrl.intrs[0].post(noOpEvent(0), false))
}

func TestERDPDebounce(t *testing.T) {
	b := newTestBed(t, Options{ERDPDebounce: 3})
	ir := setupEventRing(t, b, 8)
	ir0 := uint64(rtsOff + intrRegBase)

	require.True(t, ir.post(noOpEvent(0), false))
	require.NotZero(t, b.read32(t, ir0+intrRegIMAN)&imanIP)

	// The driver keeps acknowledging without consuming the event. Each
	// unchanged ERDP write re-raises the interrupt until the threshold.
	var raised []bool
	for i := 0; i < 4; i++ {
		b.write32(t, ir0+intrRegIMAN, imanIP|imanIE)
		b.write32(t, ir0+intrRegERDPLo, uint32(testEventRing)|erdpEHB)
		raised = append(raised, b.read32(t, ir0+intrRegIMAN)&imanIP != 0)
	}
	assert.Equal(t, []bool{true, true, false, false}, raised)

	// Moving the dequeue pointer resets the count.
	require.True(t, ir.post(noOpEvent(1), false))
	b.write32(t, ir0+intrRegIMAN, imanIP|imanIE)
	b.write32(t, ir0+intrRegERDPLo, uint32(testEventRing+trbSize)|erdpEHB)
	assert.NotZero(t, b.read32(t, ir0+intrRegIMAN)&imanIP)
}

type fakeMSI struct {
	vectors []int
}

func (m *fakeMSI) MSIEnabled() bool     { return true }
func (m *fakeMSI) SignalMSI(vector int) { m.vectors = append(m.vectors, vector) }

func TestInterrupterMSI(t *testing.T) {
	msi := &fakeMSI{}
	b := newTestBed(t, Options{MSI: msi})
	ir := setupEventRing(t, b, 8)
	b.write32(t, opBase+opRegUSBCmd, cmdIntEnable)

	require.True(t, ir.post(noOpEvent(0), false))
	assert.Equal(t, []int{0}, msi.vectors)
	// The message clears IP; the legacy line is untouched.
	assert.Zero(t, b.read32(t, rtsOff+intrRegBase+intrRegIMAN)&imanIP)
	assert.False(t, b.line.Level())
}

func TestNarrowWritesKeepPendingInterrupt(t *testing.T) {
	b := newTestBed(t, Options{})
	ir := setupEventRing(t, b, 8)
	ctx := hv.HostContext()

	require.True(t, ir.post(noOpEvent(0), false))
	ir0 := uint64(rtsOff + intrRegBase)
	require.NotZero(t, b.read32(t, ir0+intrRegIMAN)&imanIP)
	require.NotZero(t, b.read32(t, ir0+intrRegERDPLo)&erdpEHB)

	require.NoError(t, b.ctrl.WriteMMIO(ctx, testBAR+ir0+intrRegIMAN+2, []byte{0, 0}))
	assert.NotZero(t, b.read32(t, ir0+intrRegIMAN)&imanIP)

	require.NoError(t, b.ctrl.WriteMMIO(ctx, testBAR+ir0+intrRegERDPLo+2, []byte{0, 0}))
	assert.NotZero(t, b.read32(t, ir0+intrRegERDPLo)&erdpEHB)
	assert.Equal(t, uint64(testEventRing), ir.capture().ERDP&erdpPointerMask)
}

func TestERSTSizeClampedToMax(t *testing.T) {
	b := newTestBed(t, Options{})
	ir0 := uint64(rtsOff + intrRegBase)

	b.write32(t, ir0+intrRegERSTSZ, 1000)
	assert.Equal(t, uint32(erstMax), b.read32(t, ir0+intrRegERSTSZ))

	b.write32(t, ir0+intrRegERSTSZ, 2)
	assert.Equal(t, uint32(2), b.read32(t, ir0+intrRegERSTSZ))
}

func TestInterruptModerationDelaysNextInterrupt(t *testing.T) {
	b := newTestBed(t, Options{})
	ir := setupEventRing(t, b, 8)
	ir0 := uint64(rtsOff + intrRegBase)
	const interval = 10 * time.Millisecond
	b.write32(t, ir0+intrRegIMOD, uint32(interval/imodUnit))

	start := time.Now()
	require.True(t, ir.post(noOpEvent(0), false))
	require.NotZero(t, b.read32(t, ir0+intrRegIMAN)&imanIP)

	// Acknowledge and consume the first event.
	b.write32(t, ir0+intrRegIMAN, imanIP|imanIE)
	b.write64(t, ir0+intrRegERDPLo, (testEventRing+trbSize)|erdpEHB)

	require.True(t, ir.post(noOpEvent(1), false))
	ip := b.read32(t, ir0+intrRegIMAN) & imanIP
	if time.Since(start) < interval {
		assert.Zero(t, ip)
	}
	require.Eventually(t, func() bool {
		return b.read32(t, ir0+intrRegIMAN)&imanIP != 0
	}, 5*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), interval)
}
