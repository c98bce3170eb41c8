package modbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PollFunc performs one I/O cycle of a polling loop.
type PollFunc func(ctx context.Context) error

type Poller struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	poll     PollFunc
	logger   *zap.Logger

	// OnSuccess is called after every cycle without error (watchdog feed).
	OnSuccess func(name string)

	mu      sync.Mutex
	running bool
	errors  uint64
}

func NewPoller(name string, interval time.Duration, poll PollFunc, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	timeout := interval * 5
	if timeout < time.Second {
		timeout = time.Second
	}
	return &Poller{
		name:     name,
		interval: interval,
		timeout:  timeout,
		poll:     poll,
		logger:   logger,
	}
}

func (p *Poller) Name() string {
	return p.name
}

// Run pollt zyklisch bis ctx beendet wird. I/O-Fehler beenden die Schleife nicht.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("poller already running: " + p.name)
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		p.logger.Info("Poller stopped", zap.String("loop", p.name))
	}()

	p.logger.Info("Poller started",
		zap.String("loop", p.name),
		zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.pollOnce(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	cycleCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.poll(cycleCtx)
	switch {
	case err == nil:
		if p.OnSuccess != nil {
			p.OnSuccess(p.name)
		}
	case ctx.Err() != nil:
		// shutdown
	case errors.Is(err, ErrDeviceTimeout):
		p.countError()
		p.logger.Debug("Poll timed out", zap.String("loop", p.name), zap.Error(err))
	default:
		p.countError()
		p.logger.Error("Poll failed", zap.String("loop", p.name), zap.Error(err))
	}
}

func (p *Poller) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

// Errors returns the number of failed cycles since start.
func (p *Poller) Errors() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errors
}

// IsRunning gibt an ob Poller läuft
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
