package vusb

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, ports int) (*Hub, chan *Request) {
	t.Helper()
	h := NewHub(ports, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { h.Close() })
	done := make(chan *Request, 64)
	h.SetCallbacks(func(r *Request) { done <- r }, nil)
	return h, done
}

func wait(t *testing.T, done <-chan *Request) *Request {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no completion")
		return nil
	}
}

func controlIn(port uint8, setup SetupPacket) *Request {
	return &Request{
		Port:  port,
		Dir:   DirIn,
		Type:  TransferControl,
		Setup: setup.Bytes(),
		Data:  make([]byte, setup.Length),
	}
}

type recordingListener struct {
	mu       sync.Mutex
	attached map[uint8]Speed
	detached []uint8
}

func (l *recordingListener) DeviceAttached(port uint8, speed Speed) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.attached == nil {
		l.attached = make(map[uint8]Speed)
	}
	l.attached[port] = speed
}

func (l *recordingListener) DeviceDetached(port uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.detached = append(l.detached, port)
}

func TestHubAttach(t *testing.T) {
	h, _ := newTestHub(t, 2)

	require.NoError(t, h.Attach(1, NewLoopback(SpeedHigh)))
	assert.Error(t, h.Attach(1, NewLoopback(SpeedHigh)))
	assert.Error(t, h.Attach(0, NewLoopback(SpeedHigh)))
	assert.Error(t, h.Attach(3, NewLoopback(SpeedHigh)))

	// A listener learns about devices that were already present.
	l := &recordingListener{}
	h.SetAttachListener(l)
	assert.Equal(t, map[uint8]Speed{1: SpeedHigh}, l.attached)

	require.NoError(t, h.Attach(2, NewKeyboard()))
	assert.Equal(t, SpeedFull, l.attached[2])

	require.NoError(t, h.Detach(1))
	assert.Equal(t, []uint8{1}, l.detached)
	assert.ErrorIs(t, h.Detach(1), ErrNoDevice)
}

func TestHubSetAddress(t *testing.T) {
	h, done := newTestHub(t, 1)
	require.NoError(t, h.Attach(1, NewLoopback(SpeedHigh)))

	req := &Request{Port: 1, Type: TransferControl, Setup: SetupPacket{Request: RequestSetAddress, Value: 7}.Bytes()}
	require.NoError(t, h.Submit(req))
	r := wait(t, done)
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, uint8(7), h.Address(1))
}

func TestHubControlTruncatesToLength(t *testing.T) {
	h, done := newTestHub(t, 1)
	require.NoError(t, h.Attach(1, NewLoopback(SpeedHigh)))

	req := controlIn(1, SetupPacket{
		RequestType: RequestTypeDeviceToHost,
		Request:     RequestGetDescriptor,
		Value:       DescriptorTypeDevice << 8,
		Length:      8,
	})
	require.NoError(t, h.Submit(req))
	r := wait(t, done)
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, 8, r.Actual)
	assert.Equal(t, byte(18), r.Data[0])
}

func TestHubControlStall(t *testing.T) {
	h, done := newTestHub(t, 1)
	require.NoError(t, h.Attach(1, NewLoopback(SpeedHigh)))

	require.NoError(t, h.Submit(controlIn(1, SetupPacket{
		RequestType: RequestTypeDeviceToHost | RequestTypeVendor,
		Request:     0x42,
		Length:      4,
	})))
	r := wait(t, done)
	assert.Equal(t, StatusStall, r.Status)
	assert.Zero(t, r.Actual)
}

func TestHubNoDevice(t *testing.T) {
	h, done := newTestHub(t, 2)
	require.NoError(t, h.Submit(&Request{Port: 2, Endpoint: 1, Dir: DirIn, Type: TransferBulk, Data: make([]byte, 8)}))
	assert.Equal(t, StatusNotResponding, wait(t, done).Status)
}

func TestHubPipeOrder(t *testing.T) {
	h, done := newTestHub(t, 1)
	require.NoError(t, h.Attach(1, NewLoopback(SpeedHigh)))

	for i := byte(0); i < 8; i++ {
		require.NoError(t, h.Submit(&Request{Port: 1, Endpoint: 1, Dir: DirOut, Type: TransferBulk, Data: []byte{i}, Owner: int(i)}))
	}
	for i := 0; i < 8; i++ {
		r := wait(t, done)
		assert.Equal(t, i, r.Owner)
		assert.Equal(t, StatusOK, r.Status)
		assert.Equal(t, 1, r.Actual)
	}
	for i := byte(0); i < 8; i++ {
		require.NoError(t, h.Submit(&Request{Port: 1, Endpoint: 1, Dir: DirIn, Type: TransferBulk, Data: make([]byte, 4)}))
	}
	for i := byte(0); i < 8; i++ {
		r := wait(t, done)
		assert.Equal(t, []byte{i}, r.Data[:r.Actual])
	}
}

// chatty returns 16 bytes for every IN transfer.
type chatty struct {
	StandardDevice
}

func (*chatty) HandleTransfer(ctx context.Context, endpoint uint8, dir Direction, data []byte) ([]byte, error) {
	return make([]byte, 16), nil
}

func TestHubBulkOverrun(t *testing.T) {
	h, done := newTestHub(t, 1)
	require.NoError(t, h.Attach(1, &chatty{StandardDevice{DeviceSpeed: SpeedHigh}}))

	require.NoError(t, h.Submit(&Request{Port: 1, Endpoint: 1, Dir: DirIn, Type: TransferBulk, Data: make([]byte, 8)}))
	r := wait(t, done)
	assert.Equal(t, StatusOverrun, r.Status)
	assert.Equal(t, 8, r.Actual)
}

// flaky fails every transfer with a CRC error and counts attempts.
type flaky struct {
	StandardDevice

	mu       sync.Mutex
	attempts int
}

func (f *flaky) HandleTransfer(ctx context.Context, endpoint uint8, dir Direction, data []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	return nil, ErrCRC
}

func TestHubRetriesUntilErrorHandlerGivesUp(t *testing.T) {
	h, done := newTestHub(t, 1)
	var consulted int
	h.SetCallbacks(func(r *Request) { done <- r }, func(*Request) bool {
		consulted++
		return false
	})
	dev := &flaky{StandardDevice: StandardDevice{DeviceSpeed: SpeedHigh}}
	require.NoError(t, h.Attach(1, dev))

	require.NoError(t, h.Submit(&Request{Port: 1, Endpoint: 1, Dir: DirOut, Type: TransferBulk, Data: []byte{1}}))
	r := wait(t, done)
	assert.Equal(t, StatusCRC, r.Status)
	assert.Equal(t, hubMaxErrRetries+1, dev.attempts)
	assert.Equal(t, hubMaxErrRetries+1, consulted)
}

func TestHubAbortEndpoint(t *testing.T) {
	h, done := newTestHub(t, 1)
	require.NoError(t, h.Attach(1, NewLoopback(SpeedHigh)))

	// Nothing was sent, so both reads block in the device.
	first := &Request{Port: 1, Endpoint: 1, Dir: DirIn, Type: TransferBulk, Data: make([]byte, 8)}
	second := &Request{Port: 1, Endpoint: 1, Dir: DirIn, Type: TransferBulk, Data: make([]byte, 8)}
	require.NoError(t, h.Submit(first))
	require.NoError(t, h.Submit(second))

	h.AbortEndpoint(1, 1, DirIn)
	got := []*Request{wait(t, done), wait(t, done)}
	assert.ElementsMatch(t, []*Request{first, second}, got)
	for _, r := range got {
		assert.Equal(t, StatusCancelled, r.Status)
		assert.Zero(t, r.Actual)
	}
}

func TestHubResetPort(t *testing.T) {
	h, _ := newTestHub(t, 2)
	lb := NewLoopback(SpeedHigh)
	require.NoError(t, h.Attach(1, lb))
	_, err := lb.HandleControl(context.Background(), SetupPacket{Request: RequestSetConfiguration, Value: 1}, nil)
	require.NoError(t, err)

	errs := make(chan error, 2)
	h.ResetPort(1, false, func(err error) { errs <- err })
	h.ResetPort(2, false, func(err error) { errs <- err })

	results := []error{<-errs, <-errs}
	assert.Contains(t, results, nil)
	assert.Contains(t, results, ErrNoDevice)
	assert.Zero(t, lb.Configuration())
}

func TestHubClosed(t *testing.T) {
	h, _ := newTestHub(t, 1)
	require.NoError(t, h.Close())
	assert.ErrorIs(t, h.Submit(&Request{Port: 1}), ErrHubClosed)
}

func TestStatusFromError(t *testing.T) {
	assert.Equal(t, StatusOK, StatusFromError(nil))
	assert.Equal(t, StatusStall, StatusFromError(ErrStall))
	assert.Equal(t, StatusCancelled, StatusFromError(context.Canceled))
	assert.Equal(t, StatusNotResponding, StatusFromError(io.EOF))
}
