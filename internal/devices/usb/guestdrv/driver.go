// Package guestdrv is a minimal xHCI host driver that runs on the host side
// of an emulated controller. It programs the controller purely through MMIO
// and guest memory, the way a guest kernel would, and is used to bring up
// and exercise devices in tests and in the simulator.
package guestdrv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/xhci/internal/chipset"
	"github.com/tinyrange/xhci/internal/guestmem"
	"github.com/tinyrange/xhci/internal/hv"
)

// Completion codes the driver interprets.
const (
	CodeSuccess            = 1
	CodeStall              = 6
	CodeShortPacket        = 13
	CodeCommandRingStopped = 24
)

var ErrHalted = errors.New("guestdrv: controller halted")

// CompletionError reports a command or transfer that did not succeed.
type CompletionError struct {
	Op   string
	Code uint8
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("guestdrv: %s failed with completion code %d", e.Op, e.Code)
}

// IsStall reports whether err is a STALL completion.
func IsStall(err error) bool {
	var ce *CompletionError
	return errors.As(err, &ce) && ce.Code == CodeStall
}

// Register offsets the driver uses.
const (
	capHCSParams1 = 0x04
	capDBOff      = 0x14
	capRTSOff     = 0x18

	opUSBCmd  = 0x00
	opUSBSts  = 0x04
	opCRCR    = 0x18
	opDCBAAP  = 0x30
	opConfig  = 0x38
	opPortSC  = 0x400
	portSetSz = 0x10

	intr0      = 0x20
	intrIMAN   = 0x00
	intrERSTSZ = 0x08
	intrERSTBA = 0x10
	intrERDP   = 0x18

	cmdRunStop   = 1 << 0
	cmdHCReset   = 1 << 1
	cmdIntEnable = 1 << 2

	stsHCHalted = 1 << 0
	stsEINT     = 1 << 3
	stsHCE      = 1 << 12

	crcrCS  = 1 << 1
	crcrCA  = 1 << 2
	crcrCRR = 1 << 3

	erdpEHB = 1 << 3
)

// Options configures a Driver.
type Options struct {
	// Bus carries the driver's register accesses, usually the chipset.
	Bus chipset.MmioHandler
	// Base is the controller BAR address.
	Base uint64
	// Memory is guest RAM; the driver's structures live in
	// [ArenaBase, ArenaBase+ArenaSize).
	Memory    guestmem.Memory
	ArenaBase uint64
	ArenaSize uint64

	CommandRingSize int
	EventRingSize   int
	// TransferRingSize is the number of TRBs per endpoint ring.
	TransferRingSize int

	// Interrupt, when set, wakes event waits early.
	Interrupt <-chan struct{}
	// PollInterval bounds the wait between event ring checks.
	PollInterval time.Duration

	Logger *slog.Logger
}

// Driver programs one controller. Methods are serialized internally.
type Driver struct {
	opts  Options
	bus   chipset.MmioHandler
	mem   guestmem.Memory
	base  uint64
	arena allocator
	log   *slog.Logger

	mu sync.Mutex

	opBase   uint64
	rtBase   uint64
	dbBase   uint64
	maxSlots int
	numPorts int

	dcbaa   uint64
	cmdRing *producerRing
	events  *eventRing
	pending []TRB

	devices map[uint8]*Device
}

// New creates a driver. Call Init before anything else.
func New(opts Options) (*Driver, error) {
	if opts.Bus == nil || opts.Memory == nil {
		return nil, fmt.Errorf("guestdrv: bus and memory are required")
	}
	if opts.ArenaSize == 0 {
		return nil, fmt.Errorf("guestdrv: empty arena")
	}
	if opts.CommandRingSize == 0 {
		opts.CommandRingSize = 64
	}
	if opts.EventRingSize == 0 {
		opts.EventRingSize = 128
	}
	if opts.TransferRingSize == 0 {
		opts.TransferRingSize = 64
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 200 * time.Microsecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Driver{
		opts:    opts,
		bus:     opts.Bus,
		mem:     opts.Memory,
		base:    opts.Base,
		arena:   allocator{mem: opts.Memory, next: opts.ArenaBase, end: opts.ArenaBase + opts.ArenaSize},
		log:     opts.Logger.With("component", "guestdrv"),
		devices: make(map[uint8]*Device),
	}, nil
}

func (d *Driver) read32(off uint64) (uint32, error) {
	var buf [4]byte
	if err := d.bus.ReadMMIO(hv.HostContext(), d.base+off, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (d *Driver) write32(off uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return d.bus.WriteMMIO(hv.HostContext(), d.base+off, buf[:])
}

func (d *Driver) write64(off uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return d.bus.WriteMMIO(hv.HostContext(), d.base+off, buf[:])
}

// Init resets the controller, sets up the DCBAA, the command ring and the
// primary event ring, and starts the controller.
func (d *Driver) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	capLen, err := d.read32(0)
	if err != nil {
		return err
	}
	d.opBase = uint64(capLen & 0xff)
	rts, err := d.read32(capRTSOff)
	if err != nil {
		return err
	}
	db, err := d.read32(capDBOff)
	if err != nil {
		return err
	}
	d.rtBase, d.dbBase = uint64(rts&^0x1f), uint64(db&^0x3)
	params, err := d.read32(capHCSParams1)
	if err != nil {
		return err
	}
	d.maxSlots, d.numPorts = int(params&0xff), int(params>>24)

	if err := d.write32(d.opBase+opUSBCmd, cmdHCReset); err != nil {
		return err
	}
	if err := d.waitStatus(ctx, stsHCHalted, stsHCHalted); err != nil {
		return err
	}

	if d.dcbaa, err = d.arena.alloc(uint64(d.maxSlots+1)*8, 64); err != nil {
		return err
	}
	if d.cmdRing, err = newProducerRing(&d.arena, d.opts.CommandRingSize); err != nil {
		return err
	}
	if d.events, err = newEventRing(&d.arena, d.opts.EventRingSize); err != nil {
		return err
	}
	d.pending = nil
	d.devices = make(map[uint8]*Device)

	if err := d.write32(d.opBase+opConfig, uint32(d.maxSlots)); err != nil {
		return err
	}
	if err := d.write64(d.opBase+opDCBAAP, d.dcbaa); err != nil {
		return err
	}
	if err := d.write64(d.opBase+opCRCR, d.cmdRing.dequeuePointer()); err != nil {
		return err
	}
	ir := d.rtBase + intr0
	if err := d.write32(ir+intrERSTSZ, 1); err != nil {
		return err
	}
	if err := d.write64(ir+intrERDP, d.events.dequeuePointer()); err != nil {
		return err
	}
	if err := d.write64(ir+intrERSTBA, d.events.erst); err != nil {
		return err
	}
	if err := d.write32(ir+intrIMAN, 0x3); err != nil {
		return err
	}
	if err := d.write32(d.opBase+opUSBCmd, cmdRunStop|cmdIntEnable); err != nil {
		return err
	}
	if err := d.waitStatus(ctx, stsHCHalted, 0); err != nil {
		return err
	}
	d.log.Debug("controller running", "slots", d.maxSlots, "ports", d.numPorts)
	return nil
}

// Stop clears Run/Stop and waits for the controller to halt.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.write32(d.opBase+opUSBCmd, 0); err != nil {
		return err
	}
	return d.waitStatus(ctx, stsHCHalted, stsHCHalted)
}

// NumPorts is the number of root hub ports reported by the controller.
func (d *Driver) NumPorts() int { return d.numPorts }

func (d *Driver) waitStatus(ctx context.Context, mask, want uint32) error {
	for {
		sts, err := d.read32(d.opBase + opUSBSts)
		if err != nil {
			return err
		}
		if sts&mask == want {
			return nil
		}
		if err := d.sleep(ctx); err != nil {
			return fmt.Errorf("guestdrv: waiting for USBSTS %#x=%#x (now %#x): %w", mask, want, sts, err)
		}
	}
}

func (d *Driver) sleep(ctx context.Context) error {
	t := time.NewTimer(d.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.opts.Interrupt:
	case <-t.C:
	}
	return nil
}

// drain moves every available event into d.pending and acknowledges them.
func (d *Driver) drain() (bool, error) {
	got := false
	for {
		ev, ok, err := d.events.pop()
		if err != nil {
			return got, err
		}
		if !ok {
			break
		}
		got = true
		d.pending = append(d.pending, ev)
	}
	if !got {
		return false, nil
	}
	ir := d.rtBase + intr0
	if err := d.write32(ir+intrIMAN, 0x3); err != nil {
		return got, err
	}
	if err := d.write32(d.opBase+opUSBSts, stsEINT); err != nil {
		return got, err
	}
	return got, d.write64(ir+intrERDP, d.events.dequeuePointer()|erdpEHB)
}

// waitEvent returns the first event accepted by match, keeping the others
// queued for later waits.
func (d *Driver) waitEvent(ctx context.Context, match func(TRB) bool) (TRB, error) {
	for {
		for i, ev := range d.pending {
			if match(ev) {
				d.pending = append(d.pending[:i], d.pending[i+1:]...)
				return ev, nil
			}
		}
		got, err := d.drain()
		if err != nil {
			return TRB{}, err
		}
		if got {
			continue
		}
		sts, err := d.read32(d.opBase + opUSBSts)
		if err != nil {
			return TRB{}, err
		}
		if sts&stsHCE != 0 {
			return TRB{}, ErrHalted
		}
		if err := d.sleep(ctx); err != nil {
			return TRB{}, err
		}
	}
}

// Command enqueues a command, rings doorbell 0 and waits for its completion
// event.
func (d *Driver) Command(ctx context.Context, cmd TRB) (TRB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commandLocked(ctx, cmd)
}

func (d *Driver) commandLocked(ctx context.Context, cmd TRB) (TRB, error) {
	addr, err := d.cmdRing.push(cmd)
	if err != nil {
		return TRB{}, err
	}
	if err := d.write32(d.dbBase, 0); err != nil {
		return TRB{}, err
	}
	ev, err := d.waitEvent(ctx, func(ev TRB) bool {
		typ := ev.Type()
		return (typ == trbCommandEvent || typ == trbNECCommandEvent) && ev.Parameter == addr
	})
	if err != nil {
		return TRB{}, fmt.Errorf("guestdrv: command type %d: %w", cmd.Type(), err)
	}
	return ev, nil
}

func (d *Driver) checkedCommand(ctx context.Context, op string, cmd TRB) (TRB, error) {
	ev, err := d.commandLocked(ctx, cmd)
	if err != nil {
		return ev, err
	}
	if ev.Code() != CodeSuccess {
		return ev, &CompletionError{Op: op, Code: ev.Code()}
	}
	return ev, nil
}

// WaitEvent returns the next event accepted by match. Events that do not
// match stay queued for later waits.
func (d *Driver) WaitEvent(ctx context.Context, match func(TRB) bool) (TRB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waitEvent(ctx, match)
}

// StopCommandRing stops the command ring, or aborts the running command
// when abort is set, and returns the Command Ring Stopped completion. The
// next command doorbell restarts the ring.
func (d *Driver) StopCommandRing(ctx context.Context, abort bool) (TRB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	crcr, err := d.read32(d.opBase + opCRCR)
	if err != nil {
		return TRB{}, err
	}
	if crcr&crcrCRR == 0 {
		return TRB{}, fmt.Errorf("guestdrv: command ring is not running")
	}
	bit := uint32(crcrCS)
	if abort {
		bit = crcrCA
	}
	if err := d.write32(d.opBase+opCRCR, bit); err != nil {
		return TRB{}, err
	}
	return d.waitEvent(ctx, func(ev TRB) bool {
		return ev.Type() == trbCommandEvent && ev.Code() == CodeCommandRingStopped
	})
}

// NoOp runs a No Op command.
func (d *Driver) NoOp(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.checkedCommand(ctx, "no-op", TRB{Control: typeBits(trbNoOpCmd)})
	return err
}

// PortStatus reads PORTSC of a 1-based port.
func (d *Driver) PortStatus(port int) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.read32(d.portReg(port))
}

func (d *Driver) portReg(port int) uint64 {
	return d.opBase + opPortSC + uint64(port-1)*portSetSz
}

// PORTSC bits the driver interprets.
const (
	PortConnected = 1 << 0
	PortEnabled   = 1 << 1
	portReset     = 1 << 4
	PortPower     = 1 << 9
	portLWS       = 1 << 16
	portChanges   = 0x7f << 17
	portPRC       = 1 << 21
	portWPR       = 1 << 31
)

// neutral strips the bits of a PORTSC value whose write has side effects.
func neutral(v uint32) uint32 {
	return v &^ (PortEnabled | portReset | portLWS | portChanges | portWPR)
}

// ResetPort resets a port and waits for the reset to complete. It returns
// the port status afterwards.
func (d *Driver) ResetPort(ctx context.Context, port int) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if port < 1 || port > d.numPorts {
		return 0, fmt.Errorf("guestdrv: no port %d", port)
	}
	reg := d.portReg(port)
	sc, err := d.read32(reg)
	if err != nil {
		return 0, err
	}
	if err := d.write32(reg, neutral(sc)|portChanges|portReset); err != nil {
		return 0, err
	}
	for {
		if _, err := d.waitEvent(ctx, func(ev TRB) bool {
			return ev.Type() == trbPortEvent && int(ev.Parameter>>24) == port
		}); err != nil {
			return 0, fmt.Errorf("guestdrv: reset port %d: %w", port, err)
		}
		if sc, err = d.read32(reg); err != nil {
			return 0, err
		}
		if sc&portPRC != 0 {
			break
		}
	}
	if err := d.write32(reg, neutral(sc)|sc&portChanges); err != nil {
		return 0, err
	}
	return sc &^ portChanges, nil
}

func (d *Driver) ringDoorbell(slot uint8, target uint8) error {
	return d.write32(d.dbBase+uint64(slot)*4, uint32(target))
}
