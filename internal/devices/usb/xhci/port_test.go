package xhci

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/xhci/internal/devices/usb/guestdrv"
	"github.com/tinyrange/xhci/internal/devices/usb/vusb"
)

func portEventFor(n int) func(guestdrv.TRB) bool {
	return func(ev guestdrv.TRB) bool {
		return ev.Type() == trbPortEvent && int(ev.Parameter>>24) == n
	}
}

func TestPortsPoweredAfterReset(t *testing.T) {
	b := newTestBed(t, Options{})
	for n := 1; n <= 4; n++ {
		sc := b.portsc(t, n)
		assert.NotZero(t, sc&portscPP, "port %d", n)
		assert.Zero(t, sc&portscCCS, "port %d", n)
		assert.Equal(t, uint32(linkRxDetect), bits(sc, 8, 5), "port %d", n)
	}
}

func TestResetEmptyPortReportsConnectChange(t *testing.T) {
	b := newTestBed(t, Options{})
	drv := b.driver(t)

	b.writePortsc(t, 1, portscPP|portscPR)
	_, err := drv.WaitEvent(testContext(t), portEventFor(1))
	require.NoError(t, err)

	sc := b.portsc(t, 1)
	assert.NotZero(t, sc&portscCSC)
	assert.Zero(t, sc&portscPR)
	assert.Zero(t, sc&portscPED)
	assert.Zero(t, sc&portscPRC)
	assert.NotZero(t, b.read32(t, opBase+opRegUSBSts)&stsPCD)
}

func TestUSB2PortNeedsReset(t *testing.T) {
	b := newTestBed(t, Options{})
	drv := b.driver(t)
	ctx := testContext(t)

	require.NoError(t, b.hub.Attach(1, newBulkDevice()))
	_, err := drv.WaitEvent(ctx, portEventFor(1))
	require.NoError(t, err)

	sc := b.portsc(t, 1)
	assert.NotZero(t, sc&portscCCS)
	assert.NotZero(t, sc&portscCSC)
	assert.Zero(t, sc&portscPED)
	assert.Equal(t, uint32(linkPolling), bits(sc, 8, 5))

	sc, err = drv.ResetPort(ctx, 1)
	require.NoError(t, err)
	assert.NotZero(t, sc&portscPED)
	assert.Zero(t, sc&portscPR)
	assert.Equal(t, uint32(speedIDHigh), bits(sc, 13, 10))
	assert.Equal(t, uint32(linkU0), bits(sc, 8, 5))
	// The driver acknowledged every change bit.
	assert.Zero(t, b.portsc(t, 1)&portscChangeBits)
}

func TestUSB3PortEnablesOnAttach(t *testing.T) {
	b := newTestBed(t, Options{})
	drv := b.driver(t)

	require.NoError(t, b.hub.Attach(3, vusb.NewLoopback(vusb.SpeedSuper)))
	_, err := drv.WaitEvent(testContext(t), portEventFor(3))
	require.NoError(t, err)

	sc := b.portsc(t, 3)
	assert.NotZero(t, sc&portscCCS)
	assert.NotZero(t, sc&portscPED)
	assert.NotZero(t, sc&portscCSC)
	assert.Equal(t, uint32(linkU0), bits(sc, 8, 5))
	assert.Equal(t, uint32(speedIDSuper), bits(sc, 13, 10))
}

func TestUSB3WarmReset(t *testing.T) {
	b := newTestBed(t, Options{})
	drv := b.driver(t)
	ctx := testContext(t)

	require.NoError(t, b.hub.Attach(3, vusb.NewLoopback(vusb.SpeedSuper)))
	_, err := drv.WaitEvent(ctx, portEventFor(3))
	require.NoError(t, err)
	b.writePortsc(t, 3, portscPP|portscCSC)

	b.writePortsc(t, 3, portscPP|portscWPR)
	require.Eventually(t, func() bool {
		return b.portsc(t, 3)&portscPRC != 0
	}, 5*time.Second, time.Millisecond)

	sc := b.portsc(t, 3)
	assert.NotZero(t, sc&portscWRC)
	assert.NotZero(t, sc&portscPED)
	assert.Zero(t, sc&portscPR)
}

func TestPortPowerOff(t *testing.T) {
	b := newTestBed(t, Options{})
	drv := b.driver(t)
	ctx := testContext(t)

	require.NoError(t, b.hub.Attach(3, vusb.NewLoopback(vusb.SpeedSuper)))
	_, err := drv.WaitEvent(ctx, portEventFor(3))
	require.NoError(t, err)
	b.writePortsc(t, 3, portscPP|portscCSC)

	b.writePortsc(t, 3, 0)
	sc := b.portsc(t, 3)
	assert.Zero(t, sc&portscPP)
	assert.Zero(t, sc&portscCCS)
	assert.Zero(t, sc&portscPED)
	assert.Equal(t, uint32(linkDisabled), bits(sc, 8, 5))

	// Powering the port again finds the device still plugged in.
	b.writePortsc(t, 3, portscPP)
	_, err = drv.WaitEvent(ctx, portEventFor(3))
	require.NoError(t, err)
	sc = b.portsc(t, 3)
	assert.NotZero(t, sc&portscCCS)
	assert.NotZero(t, sc&portscCSC)
	assert.NotZero(t, sc&portscPED)
}

func TestPortChangesLatchedWhileHalted(t *testing.T) {
	b := newTestBed(t, Options{})
	require.NoError(t, b.hub.Attach(3, vusb.NewLoopback(vusb.SpeedSuper)))

	sc := b.portsc(t, 3)
	require.NotZero(t, sc&portscCSC)
	assert.Zero(t, b.read32(t, opBase+opRegUSBSts)&stsPCD)

	// Starting the controller reports the latched change.
	drv := b.driver(t)
	_, err := drv.WaitEvent(testContext(t), portEventFor(3))
	require.NoError(t, err)
}

func TestDetachClearsConnection(t *testing.T) {
	b := newTestBed(t, Options{})
	drv := b.driver(t)
	ctx := testContext(t)

	require.NoError(t, b.hub.Attach(1, newBulkDevice()))
	_, err := drv.WaitEvent(ctx, portEventFor(1))
	require.NoError(t, err)
	_, err = drv.ResetPort(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, b.hub.Detach(1))
	_, err = drv.WaitEvent(ctx, portEventFor(1))
	require.NoError(t, err)

	sc := b.portsc(t, 1)
	assert.Zero(t, sc&portscCCS)
	assert.Zero(t, sc&portscPED)
	assert.NotZero(t, sc&portscCSC)
}

func TestSuspendAndResumeLink(t *testing.T) {
	b := newTestBed(t, Options{})
	drv := b.driver(t)
	ctx := testContext(t)

	require.NoError(t, b.hub.Attach(3, vusb.NewLoopback(vusb.SpeedSuper)))
	_, err := drv.WaitEvent(ctx, portEventFor(3))
	require.NoError(t, err)
	b.writePortsc(t, 3, portscPP|portscCSC)

	b.writePortsc(t, 3, portscPP|portscLWS|linkU3<<portscPLSShift)
	assert.Equal(t, uint32(linkU3), bits(b.portsc(t, 3), 8, 5))

	b.writePortsc(t, 3, portscPP|portscLWS|linkU0<<portscPLSShift)
	_, err = drv.WaitEvent(ctx, portEventFor(3))
	require.NoError(t, err)
	sc := b.portsc(t, 3)
	assert.Equal(t, uint32(linkU0), bits(sc, 8, 5))
	assert.NotZero(t, sc&portscPLC)
}
