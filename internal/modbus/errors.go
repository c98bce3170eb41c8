package modbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrDeviceTimeout wird bei Read-Deadline, Context-Deadline oder Serial-Timeout geliefert.
	ErrDeviceTimeout = errors.New("device timeout")
	// ErrDeviceProtocol covers exception responses, CRC/LRC failures and malformed frames.
	ErrDeviceProtocol = errors.New("device protocol error")
	// ErrInvalidCommand is returned before any bus traffic for unknown valves or actions.
	ErrInvalidCommand = errors.New("invalid command")
)

// DeviceError tags a bus failure with the logical device and operation.
type DeviceError struct {
	Device string
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a device timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrDeviceTimeout)
}

// classify maps a raw transport error onto ErrDeviceTimeout or ErrDeviceProtocol.
// The original error stays in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDeviceTimeout) || errors.Is(err, ErrDeviceProtocol) || errors.Is(err, ErrInvalidCommand) {
		return err
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %w", ErrDeviceTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrDeviceProtocol, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}
