package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type CleaningParams struct {
	InitialDelay time.Duration
	Interval     time.Duration
	ToggleDelay  time.Duration
	StopDelay    time.Duration
	// MaxDuration ends the run by itself; 0 means no limit.
	MaxDuration time.Duration
}

// Cleaner flushes the filling head by alternating the valves with the pump
// running. While active, fill ticks and manual requests are suppressed.
type Cleaner struct {
	c      *Controller
	logger *zap.Logger
	submit func(ctx context.Context, src Source, cmds ...Command) error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCleaner(c *Controller, logger *zap.Logger) *Cleaner {
	return &Cleaner{c: c, logger: logger, submit: c.actuator.Submit}
}

const (
	releaseAttempts   = 3
	releaseRetryDelay = 100 * time.Millisecond
)

// Start claims the actuators and spawns the cleaning run. Only allowed in
// waiting_for_mould or wait_removal with no manual hold.
func (cl *Cleaner) Start(ctx context.Context) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	c := cl.c
	c.mu.Lock()
	if c.cleaning {
		c.mu.Unlock()
		return ErrCleaningActive
	}
	if !c.state.ManualPermitted() || c.holds.any() {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cleaning in %s", ErrNotPermitted, state)
	}
	c.cleaning = true
	c.mu.Unlock()

	if err := cl.submit(ctx, SourceCleaning, Claim(), OpenValve(SideLeft)); err != nil {
		c.setCleaning(false)
		return fmt.Errorf("claim actuators: %w", err)
	}

	base := c.runContext()
	var runCtx context.Context
	var cancel context.CancelFunc
	if limit := c.settings.Cleaning.MaxDuration; limit > 0 {
		runCtx, cancel = context.WithTimeout(base, limit)
	} else {
		runCtx, cancel = context.WithCancel(base)
	}

	done := make(chan struct{})
	cl.cancel = cancel
	cl.done = done

	cl.logger.Info("Cleaning started",
		zap.Float64("speed", c.Speeds().Clean),
		zap.Duration("max_duration", c.settings.Cleaning.MaxDuration))

	go cl.run(runCtx, base, cancel, done)
	return nil
}

// Stop ends a running cleaning cycle. The pump is stopped before Stop
// returns; the valves close after the stop delay.
func (cl *Cleaner) Stop() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.cancel == nil {
		return false
	}
	cl.cancel()
	<-cl.done
	cl.cancel = nil
	cl.done = nil
	return true
}

// Active reports whether cleaning owns the machine (including the valve
// close delay after stop).
func (cl *Cleaner) Active() bool {
	cl.c.mu.RLock()
	defer cl.c.mu.RUnlock()
	return cl.c.cleaning
}

func (cl *Cleaner) run(ctx, base context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()

	c := cl.c
	p := c.settings.Cleaning
	submit := func(cmds ...Command) error {
		return cl.submit(ctx, SourceCleaning, cmds...)
	}

	first, other := SideLeft, SideRight

	err := c.sleep(ctx, p.InitialDelay)
	if err == nil {
		err = submit(RunPump(SpeedUnits(c.Speeds().Clean)))
	}
	for err == nil {
		if err = submit(OpenValve(other)); err != nil {
			break
		}
		if err = c.sleep(ctx, p.ToggleDelay); err != nil {
			break
		}
		if err = submit(CloseValve(first)); err != nil {
			break
		}
		first, other = other, first

		// clean_speed may change while running
		if err = submit(RunPump(SpeedUnits(c.Speeds().Clean))); err != nil {
			break
		}
		err = c.sleep(ctx, p.Interval)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		cl.logger.Info("Cleaning reached max duration", zap.Duration("max_duration", p.MaxDuration))
	case errors.Is(err, context.Canceled):
		cl.logger.Info("Cleaning stop requested")
	default:
		cl.logger.Error("Cleaning aborted", zap.Error(err))
	}

	cl.finish(base)
}

// finish stops the pump now and closes the valves after the stop delay
// so residual pressure can bleed off.
func (cl *Cleaner) finish(base context.Context) {
	c := cl.c
	p := c.settings.Cleaning

	stopCtx, cancel := context.WithTimeout(base, time.Second)
	if err := cl.submit(stopCtx, SourceCleaning, StopPump()); err != nil {
		cl.logger.Warn("Failed to stop pump after cleaning", zap.Error(err))
	}
	cancel()

	go func() {
		defer c.setCleaning(false)

		if err := c.sleep(base, p.StopDelay); err != nil {
			// shutdown: the final hardware write closes the valves
			return
		}

		if cl.closeAndRelease(base) {
			cl.logger.Info("Cleaning finished")
		}
	}()
}

// closeAndRelease closes the valves and hands the actuators back. If the
// close keeps failing the claim is still dropped on its own.
func (cl *Cleaner) closeAndRelease(base context.Context) bool {
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(base, time.Second)
		err := cl.submit(ctx, SourceCleaning, CloseValves(), Release())
		cancel()
		if err == nil {
			return true
		}
		if errors.Is(err, ErrActuatorStopped) {
			return false
		}
		cl.logger.Warn("Failed to close valves after cleaning",
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == releaseAttempts {
			break
		}
		if cl.c.sleep(base, releaseRetryDelay) != nil {
			return false
		}
	}

	ctx, cancel := context.WithTimeout(base, time.Second)
	defer cancel()
	if err := cl.submit(ctx, SourceCleaning, Release()); err != nil {
		cl.logger.Error("Cleaning could not release the actuators", zap.Error(err))
		return false
	}
	cl.logger.Error("Cleaning released the actuators with valves possibly open")
	return false
}

func (c *Controller) setCleaning(active bool) {
	c.mu.Lock()
	c.cleaning = active
	c.mu.Unlock()
}
