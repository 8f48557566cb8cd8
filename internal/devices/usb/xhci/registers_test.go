package xhci

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/xhci/internal/devices/usb/vusb"
	"github.com/tinyrange/xhci/internal/hv"
)

func TestCapabilityRegisters(t *testing.T) {
	b := newTestBed(t, Options{USB2Ports: 2, USB3Ports: 3, MaxSlots: 16, Interrupters: 4})

	assert.Equal(t, uint32(0x0100_0080), b.read32(t, capRegLength))
	assert.Equal(t, uint32(16|4<<8|5<<24), b.read32(t, capRegHCSParam1))
	assert.Equal(t, uint32(dbOff), b.read32(t, capRegDBOff))
	assert.Equal(t, uint32(rtsOff), b.read32(t, capRegRTSOff))

	hcc := b.read32(t, capRegHCCParam1)
	assert.NotZero(t, hcc&hccAC64)
	assert.Equal(t, uint32(extCapStart/4), hcc>>hccXECPShift)

	// Byte and word reads see the same layout.
	var one [1]byte
	require.NoError(t, b.ctrl.ReadMMIO(hv.HostContext(), testBAR, one[:]))
	assert.Equal(t, byte(capLength), one[0])
	var two [2]byte
	require.NoError(t, b.ctrl.ReadMMIO(hv.HostContext(), testBAR+2, two[:]))
	assert.Equal(t, []byte{0x00, 0x01}, two[:])
}

func TestSupportedProtocolCapabilities(t *testing.T) {
	b := newTestBed(t, Options{USB2Ports: 2, USB3Ports: 3})

	usb2 := b.read32(t, extCapStart)
	assert.Equal(t, uint32(extCapProtocol), usb2&0xff)
	assert.Equal(t, uint32(2), usb2>>24)
	assert.Equal(t, uint32(4), usb2>>8&0xff)
	assert.Equal(t, uint32(protocolName), b.read32(t, extCapStart+4))
	assert.Equal(t, uint32(1|2<<8), b.read32(t, extCapStart+8)&0xffff)

	usb3 := b.read32(t, extCapStart+16)
	assert.Equal(t, uint32(3), usb3>>24)
	assert.Zero(t, usb3>>8&0xff)
	assert.Equal(t, uint32(3|3<<8), b.read32(t, extCapStart+24)&0xffff)
}

func TestInvalidAccesses(t *testing.T) {
	b := newTestBed(t, Options{})
	ctx := hv.HostContext()
	buf := make([]byte, 4)

	assert.Error(t, b.ctrl.ReadMMIO(ctx, testBAR+2, buf))
	assert.Error(t, b.ctrl.ReadMMIO(ctx, testBAR-4, buf))
	assert.Error(t, b.ctrl.ReadMMIO(ctx, testBAR+MMIOWindowSize, buf))
	assert.Error(t, b.ctrl.WriteMMIO(ctx, testBAR+MMIOWindowSize-2, buf))
	assert.Error(t, b.ctrl.ReadMMIO(ctx, testBAR, make([]byte, 3)))

	// Holes in the BAR read as zero and ignore writes.
	b.write32(t, 0x3000, 0xffffffff)
	assert.Zero(t, b.read32(t, 0x3000))
}

func TestOperationalRegisters(t *testing.T) {
	b := newTestBed(t, Options{})

	assert.Equal(t, uint32(1), b.read32(t, opBase+opRegPageSize))
	assert.NotZero(t, b.read32(t, opBase+opRegUSBSts)&stsHCHalted)

	b.write64(t, opBase+opRegDCBAAPLo, 0x1234_5678_9abc_deff)
	assert.Equal(t, uint32(0x9abc_dec0), b.read32(t, opBase+opRegDCBAAPLo))
	assert.Equal(t, uint32(0x1234_5678), b.read32(t, opBase+opRegDCBAAPHi))

	b.write32(t, opBase+opRegConfig, 0xffff_ffff)
	assert.Equal(t, uint32(0x3ff), b.read32(t, opBase+opRegConfig))

	b.write32(t, opBase+opRegDNCtrl, 0xffff_ffff)
	assert.Equal(t, uint32(0xffff), b.read32(t, opBase+opRegDNCtrl))

	// The command ring pointer reads back as zero.
	b.write64(t, opBase+opRegCRCRLo, 0x8000|crcrRCS)
	assert.Zero(t, b.read32(t, opBase+opRegCRCRLo))
	assert.Zero(t, b.read32(t, opBase+opRegCRCRHi))
}

func TestUSBSTSWriteOneToClear(t *testing.T) {
	b := newTestBed(t, Options{})
	b.ctrl.usbsts.Or(stsEINT | stsPCD)

	// HCHalted is read-only.
	b.write32(t, opBase+opRegUSBSts, stsPCD|stsHCHalted)
	sts := b.read32(t, opBase+opRegUSBSts)
	assert.Zero(t, sts&stsPCD)
	assert.NotZero(t, sts&stsEINT)
	assert.NotZero(t, sts&stsHCHalted)
}

func TestRunStop(t *testing.T) {
	b := newTestBed(t, Options{})

	b.write32(t, opBase+opRegUSBCmd, cmdRunStop)
	assert.Zero(t, b.read32(t, opBase+opRegUSBSts)&stsHCHalted)

	// The worker halts once in-flight work has drained.
	b.write32(t, opBase+opRegUSBCmd, 0)
	require.Eventually(t, func() bool {
		return b.read32(t, opBase+opRegUSBSts)&stsHCHalted != 0
	}, 5*time.Second, time.Millisecond)
}

func TestHostControllerReset(t *testing.T) {
	b := newTestBed(t, Options{})
	setupEventRing(t, b, 8)
	b.write64(t, opBase+opRegDCBAAPLo, testScratch)
	b.write32(t, opBase+opRegConfig, 4)
	b.write32(t, opBase+opRegUSBCmd, cmdRunStop|cmdIntEnable)

	b.write32(t, opBase+opRegUSBCmd, cmdHCReset)

	assert.Zero(t, b.read32(t, opBase+opRegUSBCmd))
	assert.Equal(t, uint32(stsHCHalted), b.read32(t, opBase+opRegUSBSts))
	assert.Zero(t, b.read32(t, opBase+opRegDCBAAPLo))
	assert.Zero(t, b.read32(t, opBase+opRegConfig))
	ir0 := uint64(rtsOff + intrRegBase)
	assert.Zero(t, b.read32(t, ir0+intrRegIMAN))
	assert.Zero(t, b.read32(t, ir0+intrRegERSTSZ))
	assert.Zero(t, b.read32(t, ir0+intrRegERSTBALo))
}

func TestMFIndexAdvancesWhileRunning(t *testing.T) {
	b := newTestBed(t, Options{})
	assert.Zero(t, b.read32(t, rtsOff+rtRegMFIndex))

	b.write32(t, opBase+opRegUSBCmd, cmdRunStop)
	require.Eventually(t, func() bool {
		return b.read32(t, rtsOff+rtRegMFIndex) != 0
	}, time.Second, time.Millisecond)
}

func TestNarrowWritesKeepWriteOneToClearBits(t *testing.T) {
	b := newTestBed(t, Options{})
	drv := b.driver(t)
	ctx := hv.HostContext()

	require.NoError(t, b.hub.Attach(3, vusb.NewLoopback(vusb.SpeedSuper)))
	_, err := drv.WaitEvent(testContext(t), portEventFor(3))
	require.NoError(t, err)

	sc := b.portsc(t, 3)
	require.NotZero(t, sc&portscCSC)
	require.NotZero(t, sc&portscPED)
	require.NotZero(t, b.read32(t, opBase+opRegUSBSts)&stsPCD)

	// Byte 3 of PORTSC holds only wake enables and WPR.
	portOff := uint64(opBase + portRegBase + 2*portRegSize)
	require.NoError(t, b.ctrl.WriteMMIO(ctx, testBAR+portOff+3, []byte{0}))
	assert.Equal(t, sc, b.portsc(t, 3))

	require.NoError(t, b.ctrl.WriteMMIO(ctx, testBAR+opBase+opRegUSBSts+1, []byte{0}))
	assert.NotZero(t, b.read32(t, opBase+opRegUSBSts)&stsPCD)

}
