package vusb

import (
	"context"
	"errors"
)

// Errors returned by devices to signal USB protocol conditions.
var (
	ErrStall         = errors.New("vusb: endpoint stalled")
	ErrCRC           = errors.New("vusb: CRC error")
	ErrOverrun       = errors.New("vusb: data overrun")
	ErrUnderrun      = errors.New("vusb: data underrun")
	ErrNoDevice      = errors.New("vusb: no device attached")
	ErrNotResponding = errors.New("vusb: device not responding")
	ErrHubClosed     = errors.New("vusb: hub closed")
)

// StatusFromError maps a device error to a request status.
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrStall):
		return StatusStall
	case errors.Is(err, ErrCRC):
		return StatusCRC
	case errors.Is(err, ErrOverrun):
		return StatusOverrun
	case errors.Is(err, ErrUnderrun):
		return StatusUnderrun
	case errors.Is(err, context.Canceled):
		return StatusCancelled
	default:
		return StatusNotResponding
	}
}
