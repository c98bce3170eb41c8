package modbus

import (
	"context"
	"sync"
	"time"
)

// Device is one logical field device. Transactions on a device are
// serialized and spaced by at least MinInterval, measured from the last
// successful command.
type Device struct {
	Name        string
	MinInterval time.Duration

	bus Bus

	mu          sync.Mutex
	lastSuccess time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDevice(name string, bus Bus, minInterval time.Duration) *Device {
	return &Device{
		Name:        name,
		MinInterval: minInterval,
		bus:         bus,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Do runs one transaction against the bus while holding the device lock.
// Errors are classified and wrapped in a *DeviceError.
func (d *Device) Do(ctx context.Context, op string, fn func(ctx context.Context, bus Bus) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.throttle(ctx); err != nil {
		return &DeviceError{Device: d.Name, Op: op, Err: classify(err)}
	}

	if err := fn(ctx, d.bus); err != nil {
		return &DeviceError{Device: d.Name, Op: op, Err: classify(err)}
	}

	d.lastSuccess = d.now()
	return nil
}

// LastSuccess gibt den Zeitpunkt des letzten erfolgreichen Kommandos zurück
func (d *Device) LastSuccess() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSuccess
}

func (d *Device) throttle(ctx context.Context) error {
	if d.MinInterval <= 0 || d.lastSuccess.IsZero() {
		return ctx.Err()
	}
	wait := d.MinInterval - d.now().Sub(d.lastSuccess)
	if wait <= 0 {
		return ctx.Err()
	}
	return d.sleep(ctx, wait)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
