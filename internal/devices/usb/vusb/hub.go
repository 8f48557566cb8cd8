package vusb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/btree"
)

// AttachListener is told when devices come and go on hub ports.
type AttachListener interface {
	DeviceAttached(port uint8, speed Speed)
	DeviceDetached(port uint8)
}

// AttachNotifier is implemented by transports that report hot-plug events.
type AttachNotifier interface {
	SetAttachListener(l AttachListener)
}

const (
	hubDegree        = 8
	hubMaxErrRetries = 3
)

type pipeKey struct {
	port     uint8
	endpoint uint8
	dir      Direction
}

func (k pipeKey) less(o pipeKey) bool {
	if k.port != o.port {
		return k.port < o.port
	}
	if k.endpoint != o.endpoint {
		return k.endpoint < o.endpoint
	}
	return k.dir < o.dir
}

type pendingRequest struct {
	key pipeKey
	seq uint64
	req *Request
}

func pendingLess(a, b pendingRequest) bool {
	if a.key != b.key {
		return a.key.less(b.key)
	}
	return a.seq < b.seq
}

// pipe runs the requests of one endpoint in submission order.
type pipe struct {
	running bool
	idle    chan struct{}
	cancel  context.CancelFunc
}

type hubPort struct {
	dev     Device
	address uint8
}

// Hub is an in-process root hub. It implements Transport for the devices
// attached to its ports; each endpoint pipe is served by its own goroutine so
// completions of one pipe are delivered in submission order.
type Hub struct {
	mu sync.Mutex

	ports    []hubPort
	pending  *btree.BTreeG[pendingRequest]
	pipes    map[pipeKey]*pipe
	seq      uint64
	closed   bool
	listener AttachListener

	onComplete func(*Request)
	onError    func(*Request) bool

	log *slog.Logger
}

// NewHub creates a hub with numPorts ports, numbered from 1.
func NewHub(numPorts int, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		ports:      make([]hubPort, numPorts),
		pending:    btree.NewG(hubDegree, pendingLess),
		pipes:      make(map[pipeKey]*pipe),
		onComplete: func(*Request) {},
		log:        log.With("device", "vusb-hub"),
	}
}

// SetAttachListener registers the controller to notify on attach and detach.
// Devices already attached are reported to l immediately.
func (h *Hub) SetAttachListener(l AttachListener) {
	type attached struct {
		port  uint8
		speed Speed
	}
	h.mu.Lock()
	h.listener = l
	var present []attached
	for i, p := range h.ports {
		if p.dev != nil {
			present = append(present, attached{port: uint8(i + 1), speed: p.dev.Speed()})
		}
	}
	h.mu.Unlock()

	if l == nil {
		return
	}
	for _, a := range present {
		l.DeviceAttached(a.port, a.speed)
	}
}

// SetCallbacks implements Transport.
func (h *Hub) SetCallbacks(onComplete func(*Request), onError func(*Request) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if onComplete == nil {
		onComplete = func(*Request) {}
	}
	h.onComplete = onComplete
	h.onError = onError
}

func (h *Hub) port(n uint8) (*hubPort, error) {
	if n == 0 || int(n) > len(h.ports) {
		return nil, fmt.Errorf("vusb: port %d out of range (1..%d)", n, len(h.ports))
	}
	return &h.ports[n-1], nil
}

// Attach connects dev to port.
func (h *Hub) Attach(port uint8, dev Device) error {
	h.mu.Lock()
	p, err := h.port(port)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if p.dev != nil {
		h.mu.Unlock()
		return fmt.Errorf("vusb: port %d already has a device", port)
	}
	p.dev = dev
	p.address = 0
	l := h.listener
	h.mu.Unlock()

	h.log.Info("vusb: device attached", "port", port, "speed", dev.Speed())
	if l != nil {
		l.DeviceAttached(port, dev.Speed())
	}
	return nil
}

// Detach disconnects the device on port, cancelling its requests.
func (h *Hub) Detach(port uint8) error {
	h.mu.Lock()
	p, err := h.port(port)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if p.dev == nil {
		h.mu.Unlock()
		return ErrNoDevice
	}
	p.dev = nil
	p.address = 0
	l := h.listener
	h.mu.Unlock()

	h.cancelMatching(func(k pipeKey) bool { return k.port == port })
	if l != nil {
		l.DeviceDetached(port)
	}
	return nil
}

// Address returns the USB address assigned to the device on port.
func (h *Hub) Address(port uint8) uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, err := h.port(port)
	if err != nil {
		return 0
	}
	return p.address
}

// Submit implements Transport.
func (h *Hub) Submit(req *Request) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	key := pipeKey{port: req.Port, endpoint: req.Endpoint, dir: req.Dir}
	if req.Endpoint == 0 {
		// The default control pipe is bidirectional.
		key.dir = DirOut
	}
	h.seq++
	h.pending.ReplaceOrInsert(pendingRequest{key: key, seq: h.seq, req: req})

	p := h.pipes[key]
	if p == nil {
		p = &pipe{}
		h.pipes[key] = p
	}
	if !p.running {
		p.running = true
		p.idle = make(chan struct{})
		go h.runPipe(key, p)
	}
	return nil
}

func (h *Hub) nextLocked(key pipeKey) (pendingRequest, bool) {
	var (
		item  pendingRequest
		found bool
	)
	h.pending.AscendGreaterOrEqual(pendingRequest{key: key}, func(it pendingRequest) bool {
		if it.key == key {
			item, found = it, true
		}
		return false
	})
	return item, found
}

func (h *Hub) runPipe(key pipeKey, p *pipe) {
	for {
		h.mu.Lock()
		item, ok := h.nextLocked(key)
		if !ok {
			p.running = false
			p.cancel = nil
			close(p.idle)
			h.mu.Unlock()
			return
		}
		h.pending.Delete(item)
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		h.mu.Unlock()

		h.execute(ctx, item.req)
		h.finish(ctx, item.req)
		cancel()

		h.mu.Lock()
		p.cancel = nil
		h.mu.Unlock()
	}
}

func (h *Hub) execute(ctx context.Context, req *Request) {
	h.mu.Lock()
	p, err := h.port(req.Port)
	var dev Device
	if err == nil {
		dev = p.dev
	}
	h.mu.Unlock()

	req.Actual = 0
	if dev == nil {
		req.Status = StatusNotResponding
		return
	}

	var (
		resp []byte
		derr error
	)
	if req.Type == TransferControl {
		setup := ParseSetupPacket(req.Setup)
		if setup.RequestType == 0 && setup.Request == RequestSetAddress {
			h.mu.Lock()
			p.address = uint8(setup.Value & 0x7f)
			h.mu.Unlock()
			req.Status = StatusOK
			return
		}
		resp, derr = dev.HandleControl(ctx, setup, req.Data)
	} else {
		resp, derr = dev.HandleTransfer(ctx, req.Endpoint, req.Dir, req.Data)
	}
	if ctx.Err() != nil {
		derr = ctx.Err()
	}
	req.Status = StatusFromError(derr)
	if req.Status != StatusOK {
		return
	}
	if req.Dir == DirIn {
		// Control reads are truncated to wLength; a bulk device that sends
		// more than asked for babbles.
		n := copy(req.Data, resp)
		if len(resp) > len(req.Data) && req.Type != TransferControl {
			req.Status = StatusOverrun
		}
		req.Actual = n
	} else {
		req.Actual = len(req.Data)
	}
}

func (h *Hub) finish(ctx context.Context, req *Request) {
	h.mu.Lock()
	onComplete, onError := h.onComplete, h.onError
	h.mu.Unlock()

	for attempt := 0; req.Status != StatusOK && req.Status != StatusCancelled && onError != nil; attempt++ {
		if onError(req) || attempt >= hubMaxErrRetries {
			break
		}
		h.execute(ctx, req)
	}
	onComplete(req)
}

// cancelMatching completes every queued request whose pipe matches with
// StatusCancelled, cancels the active ones and waits for their pipes to drain.
func (h *Hub) cancelMatching(match func(pipeKey) bool) {
	h.mu.Lock()
	var victims []pendingRequest
	h.pending.Ascend(func(it pendingRequest) bool {
		if match(it.key) {
			victims = append(victims, it)
		}
		return true
	})
	for _, it := range victims {
		h.pending.Delete(it)
	}
	var idle []chan struct{}
	for key, p := range h.pipes {
		if !match(key) || !p.running {
			continue
		}
		if p.cancel != nil {
			p.cancel()
		}
		idle = append(idle, p.idle)
	}
	onComplete := h.onComplete
	h.mu.Unlock()

	for _, it := range victims {
		it.req.Status = StatusCancelled
		it.req.Actual = 0
		onComplete(it.req)
	}
	for _, ch := range idle {
		<-ch
	}
}

// AbortEndpoint implements Transport.
func (h *Hub) AbortEndpoint(port, endpoint uint8, dir Direction) {
	key := pipeKey{port: port, endpoint: endpoint, dir: dir}
	if endpoint == 0 {
		key.dir = DirOut
	}
	h.cancelMatching(func(k pipeKey) bool { return k == key })
}

// CancelAll implements Transport.
func (h *Hub) CancelAll() {
	h.cancelMatching(func(pipeKey) bool { return true })
}

// ResetPort implements Transport.
func (h *Hub) ResetPort(port uint8, warm bool, done func(error)) {
	go func() {
		h.cancelMatching(func(k pipeKey) bool { return k.port == port })

		h.mu.Lock()
		p, err := h.port(port)
		var dev Device
		if err == nil {
			dev = p.dev
			p.address = 0
		}
		h.mu.Unlock()

		if err == nil && dev == nil {
			err = ErrNoDevice
		}
		if r, ok := dev.(Resetter); ok {
			r.Reset()
		}
		h.log.Debug("vusb: port reset", "port", port, "warm", warm, "err", err)
		if done != nil {
			done(err)
		}
	}()
}

// Close cancels everything outstanding and rejects further submissions.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.CancelAll()
	return nil
}

var (
	_ Transport      = (*Hub)(nil)
	_ AttachNotifier = (*Hub)(nil)
)
