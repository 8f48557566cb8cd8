package xhci

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/xhci/internal/chipset"
	"github.com/tinyrange/xhci/internal/devices/usb/guestdrv"
	"github.com/tinyrange/xhci/internal/devices/usb/vusb"
	"github.com/tinyrange/xhci/internal/guestmem"
	"github.com/tinyrange/xhci/internal/hv"
)

const (
	testBAR       = 0xfebf_0000
	testRAMSize   = 16 << 20
	testArenaBase = 0x0010_0000
	testArenaSize = 8 << 20
	// scratch is guest memory the tests use for hand-built structures.
	testScratch = 0x00f0_0000
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// recordingLine remembers the last level driven on the legacy line.
type recordingLine struct {
	mu    sync.Mutex
	level bool
	edges int
}

func (l *recordingLine) SetLevel(level bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level && !l.level {
		l.edges++
	}
	l.level = level
}

func (l *recordingLine) PulseInterrupt() {}

func (l *recordingLine) Level() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

var _ chipset.LineInterrupt = (*recordingLine)(nil)

type testBed struct {
	ram  *guestmem.RAM
	hub  *vusb.Hub
	ctrl *Controller
	line *recordingLine
}

func newTestBed(t *testing.T, opts Options) *testBed {
	t.Helper()
	if opts.USB2Ports == 0 && opts.USB3Ports == 0 {
		opts.USB2Ports, opts.USB3Ports = 2, 2
	}
	ram, err := guestmem.NewRAM(0, testRAMSize)
	require.NoError(t, err)
	t.Cleanup(func() { ram.Close() })

	hub := vusb.NewHub(opts.USB2Ports+opts.USB3Ports, quietLogger())
	t.Cleanup(func() { hub.Close() })

	line := &recordingLine{}
	opts.Base = testBAR
	opts.Memory = ram
	opts.Transport = hub
	opts.Line = line
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	ctrl, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { ctrl.Close() })

	return &testBed{ram: ram, hub: hub, ctrl: ctrl, line: line}
}

func (b *testBed) read32(t *testing.T, off uint64) uint32 {
	t.Helper()
	var buf [4]byte
	require.NoError(t, b.ctrl.ReadMMIO(hv.HostContext(), testBAR+off, buf[:]))
	return binary.LittleEndian.Uint32(buf[:])
}

func (b *testBed) write32(t *testing.T, off uint64, v uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	require.NoError(t, b.ctrl.WriteMMIO(hv.HostContext(), testBAR+off, buf[:]))
}

func (b *testBed) write64(t *testing.T, off uint64, v uint64) {
	t.Helper()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	require.NoError(t, b.ctrl.WriteMMIO(hv.HostContext(), testBAR+off, buf[:]))
}

func (b *testBed) portsc(t *testing.T, n int) uint32 {
	t.Helper()
	return b.read32(t, opBase+portRegBase+uint64(n-1)*portRegSize)
}

func (b *testBed) writePortsc(t *testing.T, n int, v uint32) {
	t.Helper()
	b.write32(t, opBase+portRegBase+uint64(n-1)*portRegSize, v)
}

// driver brings the controller up with the guest driver harness.
func (b *testBed) driver(t *testing.T) *guestdrv.Driver {
	t.Helper()
	drv, err := guestdrv.New(guestdrv.Options{
		Bus:       b.ctrl,
		Base:      testBAR,
		Memory:    b.ram,
		ArenaBase: testArenaBase,
		ArenaSize: testArenaSize,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, drv.Init(testContext(t)))
	return drv
}

// endpoint reads an output endpoint context with the controller lock held,
// so no retirement is half written.
func (b *testBed) endpoint(t *testing.T, slot uint8, dci DCI) *endpointContext {
	t.Helper()
	c := b.ctrl
	c.mu.Lock()
	defer c.mu.Unlock()
	dev, err := c.ctxs.deviceContextAddr(c.dcbaap, SlotID(slot))
	require.NoError(t, err)
	ep, err := c.ctxs.readEndpoint(dev, dci)
	require.NoError(t, err)
	return &ep
}

func (b *testBed) slotState(slot uint8) slotState {
	c := b.ctrl
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[SlotID(slot).Index()].state
}

func writeTestTRB(t *testing.T, mem guestmem.Memory, addr uint64, trb TRB, cycle bool) {
	t.Helper()
	trb.Control &^= trbCycle
	if cycle {
		trb.Control |= trbCycle
	}
	var raw [trbSize]byte
	trb.encode(raw[:])
	require.NoError(t, guestmem.Write(mem, addr, raw[:]))
}

func readTestTRB(t *testing.T, mem guestmem.Memory, addr uint64) TRB {
	t.Helper()
	trb, err := readTRB(mem, addr)
	require.NoError(t, err)
	return trb
}

// bulkDevice is a high-speed device with one bulk endpoint pair whose
// behaviour the tests steer.
type bulkDevice struct {
	vusb.StandardDevice

	mu    sync.Mutex
	reply []byte
	stall bool
	outs  [][]byte
}

func newBulkDevice() *bulkDevice {
	return &bulkDevice{
		StandardDevice: vusb.StandardDevice{
			DeviceSpeed: vusb.SpeedHigh,
			Descriptor: vusb.DeviceDescriptor{
				USBVersion:     0x0200,
				DeviceClass:    0xff,
				MaxPacketSize0: 64,
				VendorID:       0x1d6b,
				ProductID:      0x0200,
			},
			Interfaces: []vusb.InterfaceDescriptor{{
				Class: 0xff,
				Endpoints: []vusb.EndpointDescriptor{
					{Address: 0x01, Attributes: 0x02, MaxPacketSize: 512},
					{Address: 0x81, Attributes: 0x02, MaxPacketSize: 512},
				},
			}},
		},
	}
}

func (d *bulkDevice) setReply(b []byte) {
	d.mu.Lock()
	d.reply = b
	d.mu.Unlock()
}

func (d *bulkDevice) setStall(stall bool) {
	d.mu.Lock()
	d.stall = stall
	d.mu.Unlock()
}

func (d *bulkDevice) received() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.outs...)
}

func (d *bulkDevice) HandleTransfer(ctx context.Context, endpoint uint8, dir vusb.Direction, data []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stall || endpoint != 1 {
		return nil, vusb.ErrStall
	}
	if dir == vusb.DirOut {
		d.outs = append(d.outs, append([]byte(nil), data...))
		return nil, nil
	}
	return d.reply, nil
}

var _ vusb.Device = (*bulkDevice)(nil)
