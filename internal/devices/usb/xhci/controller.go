// Package xhci emulates a USB eXtensible Host Controller as seen by a guest
// driver: the register surface of the controller BAR, the command and
// transfer rings in guest memory, the event rings and interrupters, and the
// root hub ports. USB traffic is handed to a vusb.Transport.
package xhci

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tinyrange/xhci/internal/chipset"
	"github.com/tinyrange/xhci/internal/devices/usb/vusb"
	"github.com/tinyrange/xhci/internal/guestmem"
)

var (
	// ErrClosed is returned by operations on a controller after Close.
	ErrClosed = errors.New("xhci: controller closed")
	// ErrNotRunning is returned when an operation needs the Run/Stop bit set.
	ErrNotRunning = errors.New("xhci: controller not running")

	errControllerReset = errors.New("xhci: controller reset while waiting")
	errCommandAborted  = errors.New("xhci: command aborted")
	errAsyncTimeout    = errors.New("xhci: transport did not answer in time")
)

// MSISignaler delivers message-signaled interrupts. When MSIEnabled reports
// true the interrupt pending bit clears as soon as the message is sent.
type MSISignaler interface {
	MSIEnabled() bool
	SignalMSI(vector int)
}

// Options configures a Controller. Zero values select the defaults.
type Options struct {
	// Name labels log records and metrics.
	Name string
	// Base is the guest physical address of the register BAR.
	Base uint64

	Memory    guestmem.Memory
	Transport vusb.Transport
	Line      chipset.LineInterrupt
	MSI       MSISignaler

	USB2Ports    int
	USB3Ports    int
	MaxSlots     int
	Interrupters int

	MaxTRBsPerWalk  int
	MaxBulkInFlight int
	MaxIsocInFlight int
	// CommandBudget bounds the commands run per worker iteration.
	CommandBudget int
	// ERDPDebounce is the number of consecutive unchanged ERDP writes after
	// which clearing EHB no longer re-asserts the interrupt.
	ERDPDebounce int
	// AsyncTimeout bounds internal requests such as SET_ADDRESS.
	AsyncTimeout time.Duration

	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "xhci"
	}
	if o.USB2Ports == 0 && o.USB3Ports == 0 {
		o.USB2Ports, o.USB3Ports = 4, 4
	}
	if o.MaxSlots == 0 {
		o.MaxSlots = 32
	}
	if o.Interrupters == 0 {
		o.Interrupters = 8
	}
	if o.MaxTRBsPerWalk == 0 {
		o.MaxTRBsPerWalk = defaultMaxTRBsPerWalk
	}
	if o.MaxBulkInFlight == 0 {
		o.MaxBulkInFlight = 1
	}
	if o.MaxIsocInFlight == 0 {
		o.MaxIsocInFlight = 3
	}
	if o.CommandBudget == 0 {
		o.CommandBudget = 64
	}
	if o.ERDPDebounce == 0 {
		o.ERDPDebounce = defaultERDPDebounce
	}
	if o.AsyncTimeout == 0 {
		o.AsyncTimeout = 5 * time.Second
	}
	if o.Line == nil {
		o.Line = chipset.LineInterruptDetached()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

func (o *Options) validate() error {
	switch {
	case o.Memory == nil:
		return fmt.Errorf("xhci: guest memory is required")
	case o.Transport == nil:
		return fmt.Errorf("xhci: USB transport is required")
	case o.USB2Ports < 0 || o.USB3Ports < 0 || o.USB2Ports+o.USB3Ports > maxPortsHard:
		return fmt.Errorf("xhci: invalid port count %d+%d (max %d)", o.USB2Ports, o.USB3Ports, maxPortsHard)
	case o.MaxSlots < 1 || o.MaxSlots > maxSlotsHard:
		return fmt.Errorf("xhci: invalid slot count %d (1..%d)", o.MaxSlots, maxSlotsHard)
	case o.Interrupters < 1 || o.Interrupters > maxIntrsHard:
		return fmt.Errorf("xhci: invalid interrupter count %d (1..%d)", o.Interrupters, maxIntrsHard)
	case o.MaxTRBsPerWalk < 2:
		return fmt.Errorf("xhci: TRB walk limit %d too small", o.MaxTRBsPerWalk)
	case o.MaxBulkInFlight < 1 || o.MaxIsocInFlight < 1:
		return fmt.Errorf("xhci: in-flight limits must be positive")
	case o.ERDPDebounce < 1:
		return fmt.Errorf("xhci: ERDP debounce must be positive")
	}
	return nil
}

// Slot states tracked by the controller. They mirror the slot context state
// with an extra Empty state for unallocated slots.
type slotState uint8

const (
	slotEmpty slotState = iota
	slotEnabled
	slotDefault
	slotAddressed
	slotConfigured
)

func (s slotState) String() string {
	switch s {
	case slotEmpty:
		return "empty"
	case slotEnabled:
		return "enabled"
	case slotDefault:
		return "default"
	case slotAddressed:
		return "addressed"
	case slotConfigured:
		return "configured"
	}
	return fmt.Sprintf("slotState(%d)", uint8(s))
}

// endpointRuntime is the controller-private view of an endpoint: the TDs
// handed to the transport, in ring order.
type endpointRuntime struct {
	gen   uint32
	queue []*transferDescriptor
}

type slotRuntime struct {
	state   slotState
	port    PortNumber
	address uint8
	eps     [maxDCI + 1]endpointRuntime
}

// invalidate drops every queued TD of the endpoints in mask; completions
// still owed by the transport are ignored when they arrive.
func (s *slotRuntime) invalidate(mask uint32) {
	for dci := dciEP0; dci <= maxDCI; dci++ {
		if mask&dci.bit() == 0 {
			continue
		}
		s.eps[dci].gen++
		s.eps[dci].queue = nil
	}
}

const allEndpoints = ^uint32(0)

// syncRequest tracks a request issued by the controller itself.
type syncRequest struct {
	done chan struct{}
}

type irqRouter struct {
	line chipset.LineInterrupt
	msi  MSISignaler
}

func (r irqRouter) msiEnabled() bool   { return r.msi != nil && r.msi.MSIEnabled() }
func (r irqRouter) signalMSI(vec int)  { r.msi.SignalMSI(vec) }
func (r irqRouter) setLine(level bool) { r.line.SetLevel(level) }

// Controller is an emulated xHCI controller.
type Controller struct {
	opts      Options
	mem       guestmem.Memory
	ctxs      contextStore
	transport vusb.Transport
	irq       irqRouter
	log       *slog.Logger
	limiter   *rate.Limiter
	metrics   *metrics
	walker    ringWalker
	cmdWalker ringWalker
	blocks    []regBlock

	numPorts int

	usbcmd atomic.Uint32
	usbsts atomic.Uint32

	doorbells []atomic.Uint32
	cmdBell   atomic.Bool
	kick      chan struct{}

	lineMu    sync.Mutex
	lineLevel bool

	mu sync.Mutex

	epoch    uint64
	dnctrl   uint32
	config   uint32
	dcbaap   uint64
	crcr     ringPtr
	crr      bool
	cmdBusy  bool
	cmdStop  CompletionCode
	cmdAbort chan struct{}

	slots []slotRuntime
	ports []port
	intrs []*interrupter

	runStart    time.Time
	mfindexBase uint32

	cancel context.CancelFunc
	group  *errgroup.Group
	closed bool
}

// New creates a controller and starts its worker. The controller starts
// halted, as after a hardware reset.
func New(opts Options) (*Controller, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	m, err := newMetrics(opts.Name, opts.Registerer)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		opts:      opts,
		mem:       opts.Memory,
		ctxs:      contextStore{mem: opts.Memory},
		transport: opts.Transport,
		irq:       irqRouter{line: opts.Line, msi: opts.MSI},
		log:       opts.Logger.With("device", opts.Name),
		limiter:   rate.NewLimiter(rate.Limit(20), 40),
		metrics:   m,
		walker:    ringWalker{mem: opts.Memory, limit: opts.MaxTRBsPerWalk},
		cmdWalker: ringWalker{mem: opts.Memory, limit: opts.MaxTRBsPerWalk, links: true},
		numPorts:  opts.USB2Ports + opts.USB3Ports,
		doorbells: make([]atomic.Uint32, opts.MaxSlots+1),
		kick:      make(chan struct{}, 1),
		slots:     make([]slotRuntime, opts.MaxSlots),
	}
	c.ports = make([]port, c.numPorts)
	for i := range c.ports {
		c.ports[i].num = PortNumberFromIndex(i)
		c.ports[i].usb3 = i >= opts.USB2Ports
	}
	c.intrs = make([]*interrupter, opts.Interrupters)
	for i := range c.intrs {
		c.intrs[i] = newInterrupter(c, i)
	}
	c.blocks = c.buildRegBlocks()

	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()

	c.transport.SetCallbacks(c.onComplete, c.onError)
	if n, ok := c.transport.(vusb.AttachNotifier); ok {
		n.SetAttachListener(c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.group, ctx = errgroup.WithContext(ctx)
	c.group.Go(func() error { return c.run(ctx) })

	c.log.Debug("xhci: controller created",
		"usb2_ports", opts.USB2Ports, "usb3_ports", opts.USB3Ports,
		"slots", opts.MaxSlots, "interrupters", opts.Interrupters)
	return c, nil
}

// Close stops the worker and cancels every outstanding transport request.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.epoch++
	if c.cmdAbort != nil {
		close(c.cmdAbort)
		c.cmdAbort = nil
	}
	c.mu.Unlock()

	c.cancel()
	err := c.group.Wait()
	c.transport.CancelAll()
	for _, ir := range c.intrs {
		ir.reset()
	}
	return err
}

// Reset performs a host controller reset (USBCMD.HCRST).
func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.resetLocked()
	c.mu.Unlock()
	c.transport.CancelAll()
	c.log.Debug("xhci: controller reset")
	return nil
}

func (c *Controller) resetLocked() {
	c.epoch++
	c.usbcmd.Store(0)
	c.usbsts.Store(stsHCHalted)
	c.dnctrl, c.config, c.dcbaap = 0, 0, 0
	c.crcr, c.crr = ringPtr{}, false
	c.cmdStop = ccInvalid
	if c.cmdAbort != nil {
		close(c.cmdAbort)
		c.cmdAbort = nil
	}
	for i := range c.slots {
		s := &c.slots[i]
		s.invalidate(allEndpoints)
		s.state, s.port, s.address = slotEmpty, 0, 0
	}
	for i := range c.doorbells {
		c.doorbells[i].Store(0)
	}
	c.cmdBell.Store(false)
	for i := range c.ports {
		c.ports[i].reset()
	}
	for _, ir := range c.intrs {
		ir.reset()
	}
	c.runStart, c.mfindexBase = time.Time{}, 0
	c.updateLine()
}

// diag logs a guest-triggered condition, rate limited so a hostile guest
// cannot flood the host log.
func (c *Controller) diag(msg string, args ...any) {
	if c.limiter.Allow() {
		c.log.Warn(msg, args...)
	}
}

// running reports USBCMD.RS.
func (c *Controller) running() bool { return c.usbcmd.Load()&cmdRunStop != 0 }

func (c *Controller) halted() bool { return c.usbsts.Load()&stsHCHalted != 0 }

// kickWorker wakes the worker without blocking.
func (c *Controller) kickWorker() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// updateLine recomputes the shared legacy interrupt line.
func (c *Controller) updateLine() {
	c.lineMu.Lock()
	defer c.lineMu.Unlock()
	level := false
	if c.usbcmd.Load()&cmdIntEnable != 0 {
		for _, ir := range c.intrs {
			if ir.asserted.Load() {
				level = true
				break
			}
		}
	}
	if level != c.lineLevel {
		c.lineLevel = level
		c.irq.setLine(level)
	}
}

// interrupterFor bounds a guest-supplied interrupter target.
func (c *Controller) interrupterFor(idx int) *interrupter {
	if idx < 0 || idx >= len(c.intrs) {
		c.diag("xhci: interrupter target out of range", "target", idx)
		idx = 0
	}
	return c.intrs[idx]
}

// postEvent queues ev on an interrupter's event ring.
func (c *Controller) postEvent(target int, ev TRB, blocking bool) bool {
	return c.interrupterFor(target).post(ev, blocking)
}

// fatalLocked records a controller-fatal condition: the controller stops and
// only a reset recovers it.
func (c *Controller) fatalLocked(err error) {
	c.log.Error("xhci: host controller error", "err", err)
	c.metrics.fatalErrors.Inc()
	c.usbcmd.And(^uint32(cmdRunStop))
	c.usbsts.Or(stsHCE | stsHCHalted)
	c.crr = false
	c.freezeMFIndexLocked()
}

func (c *Controller) slot(id SlotID) *slotRuntime {
	if !id.Valid(len(c.slots)) {
		return nil
	}
	return &c.slots[id.Index()]
}

func (c *Controller) port(n PortNumber) *port {
	if !n.Valid(len(c.ports)) {
		return nil
	}
	return &c.ports[n.Index()]
}

// submitSyncLocked issues an internal request and waits for it with the
// controller lock released.
func (c *Controller) submitSyncLocked(req *vusb.Request) error {
	sr := &syncRequest{done: make(chan struct{})}
	req.Owner = sr
	epoch := c.epoch
	abort := make(chan struct{})
	c.cmdAbort = abort
	if err := c.transport.Submit(req); err != nil {
		c.cmdAbort = nil
		return err
	}

	c.mu.Unlock()
	timer := time.NewTimer(c.opts.AsyncTimeout)
	var err error
	select {
	case <-sr.done:
		if req.Status != vusb.StatusOK {
			err = fmt.Errorf("xhci: internal request %s: %s", req, req.Status)
		}
	case <-timer.C:
		err = errAsyncTimeout
		c.transport.AbortEndpoint(req.Port, req.Endpoint, req.Dir)
	case <-abort:
		err = errCommandAborted
		c.transport.AbortEndpoint(req.Port, req.Endpoint, req.Dir)
	}
	timer.Stop()
	c.mu.Lock()

	if c.cmdAbort == abort {
		c.cmdAbort = nil
	}
	if c.epoch != epoch {
		return errControllerReset
	}
	return err
}

// abortEndpointsLocked cancels the transport requests of the endpoints in
// mask with the controller lock released, so their completion callbacks can
// run. It reports false if the controller was reset meanwhile.
func (c *Controller) abortEndpointsLocked(id SlotID, mask uint32) bool {
	s := c.slot(id)
	if s == nil || s.port == 0 {
		return true
	}
	type pipe struct {
		ep  uint8
		dir vusb.Direction
	}
	var pipes []pipe
	for dci := dciEP0; dci <= maxDCI; dci++ {
		if mask&dci.bit() == 0 {
			continue
		}
		dir := vusb.DirOut
		if dci.In() {
			dir = vusb.DirIn
		}
		pipes = append(pipes, pipe{ep: dci.Endpoint(), dir: dir})
	}
	portNum := uint8(s.port)
	epoch := c.epoch

	c.mu.Unlock()
	for _, p := range pipes {
		c.transport.AbortEndpoint(portNum, p.ep, p.dir)
	}
	c.mu.Lock()
	return c.epoch == epoch
}

// onError is the transport's error callback. Failed requests are never
// retried: the endpoint halts and the driver decides.
func (c *Controller) onError(req *vusb.Request) bool {
	c.metrics.transportErrors.WithLabelValues(req.Status.String()).Inc()
	return true
}

// onComplete is the transport's completion callback.
func (c *Controller) onComplete(req *vusb.Request) {
	switch owner := req.Owner.(type) {
	case *syncRequest:
		close(owner.done)
	case *transferDescriptor:
		c.mu.Lock()
		c.completeLocked(owner, req)
		c.mu.Unlock()
	default:
		c.diag("xhci: completion for unknown request", "req", req)
	}
}

var _ vusb.AttachListener = (*Controller)(nil)
