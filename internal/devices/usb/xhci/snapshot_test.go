package xhci

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/xhci/internal/devices/usb/vusb"
	"github.com/tinyrange/xhci/internal/hv"
)

// peerController builds a second controller over the same guest memory.
func peerController(t *testing.T, b *testBed, opts Options) *Controller {
	t.Helper()
	hub := vusb.NewHub(opts.USB2Ports+opts.USB3Ports, quietLogger())
	t.Cleanup(func() { hub.Close() })
	opts.Base = testBAR
	opts.Memory = b.ram
	opts.Transport = hub
	opts.Logger = quietLogger()
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSnapshotRoundTrip(t *testing.T) {
	b := newTestBed(t, Options{USB2Ports: 2, USB3Ports: 2})
	drv := b.driver(t)
	_, gdev := addressedBulkDevice(t, b, drv)

	hash := hv.ComputeConfigHash(0, testRAMSize, []hv.DeviceConfig{{ID: "xhci", Base: testBAR, Size: MMIOWindowSize}})
	var buf bytes.Buffer
	require.NoError(t, hv.WriteSnapshot(&buf, hash, []hv.DeviceSnapshotter{b.ctrl}))

	peer := peerController(t, b, Options{USB2Ports: 2, USB3Ports: 2})
	require.NoError(t, hv.ReadSnapshot(&buf, hash, []hv.DeviceSnapshotter{peer}))

	for _, off := range []uint64{
		opBase + opRegUSBCmd,
		opBase + opRegConfig,
		opBase + opRegDCBAAPLo,
		opBase + opRegDCBAAPHi,
		opBase + portRegBase,
		rtsOff + intrRegBase + intrRegIMAN,
		rtsOff + intrRegBase + intrRegERSTSZ,
		rtsOff + intrRegBase + intrRegERSTBALo,
		rtsOff + intrRegBase + intrRegERDPLo,
	} {
		var want, got [4]byte
		require.NoError(t, b.ctrl.ReadMMIO(hv.HostContext(), testBAR+off, want[:]))
		require.NoError(t, peer.ReadMMIO(hv.HostContext(), testBAR+off, got[:]))
		assert.Equal(t, want, got, "register %#x", off)
	}

	peer.mu.Lock()
	state := peer.slots[SlotID(gdev.Slot).Index()].state
	peer.mu.Unlock()
	assert.Equal(t, slotAddressed, state)
	assert.True(t, peer.running())
	assert.False(t, peer.halted())
}

func TestSnapshotGeometryMismatch(t *testing.T) {
	b := newTestBed(t, Options{USB2Ports: 2, USB3Ports: 2})
	snap, err := b.ctrl.CaptureSnapshot()
	require.NoError(t, err)

	peer := peerController(t, b, Options{USB2Ports: 1, USB3Ports: 3})
	assert.Error(t, peer.RestoreSnapshot(snap))

	assert.Error(t, b.ctrl.RestoreSnapshot("not a controller"))
}

func TestSnapshotAfterClose(t *testing.T) {
	b := newTestBed(t, Options{})
	require.NoError(t, b.ctrl.Close())
	_, err := b.ctrl.CaptureSnapshot()
	assert.ErrorIs(t, err, ErrClosed)
}
