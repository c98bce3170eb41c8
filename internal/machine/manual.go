package machine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type hold struct {
	active bool
	owner  Trigger
}

// manualHolds is guarded by Controller.mu.
type manualHolds struct {
	left  hold
	right hold
	prime hold
}

func (h *manualHolds) any() bool {
	return h.left.active || h.right.active || h.prime.active
}

func (h *manualHolds) side(s Side) *hold {
	if s == SideLeft {
		return &h.left
	}
	return &h.right
}

func (h *manualHolds) view() ManualHolds {
	return ManualHolds{Left: h.left.active, Right: h.right.active, Prime: h.prime.active}
}

// Arbiter handles manual top-up and prime requests from the operator
// panel and the physical buttons. Requests outside waiting_for_mould and
// wait_removal are ignored.
type Arbiter struct {
	c      *Controller
	logger *zap.Logger
}

func NewArbiter(c *Controller, logger *zap.Logger) *Arbiter {
	return &Arbiter{c: c, logger: logger}
}

// StartTopUp opens the side's valve and runs the pump at slow speed.
// It returns false when the request was ignored.
func (a *Arbiter) StartTopUp(ctx context.Context, side Side, trigger Trigger) (bool, error) {
	if !side.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	return a.start(ctx, func(h *manualHolds) *hold { return h.side(side) }, string(side), trigger)
}

// StopTopUp releases the side if trigger holds it. The pump only stops
// once no hold is left.
func (a *Arbiter) StopTopUp(ctx context.Context, side Side, trigger Trigger) (bool, error) {
	if !side.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	return a.stop(ctx, func(h *manualHolds) *hold { return h.side(side) }, string(side), trigger)
}

// StartPrime opens both valves and runs the pump at prime speed.
func (a *Arbiter) StartPrime(ctx context.Context, trigger Trigger) (bool, error) {
	return a.start(ctx, func(h *manualHolds) *hold { return &h.prime }, "prime", trigger)
}

func (a *Arbiter) StopPrime(ctx context.Context, trigger Trigger) (bool, error) {
	return a.stop(ctx, func(h *manualHolds) *hold { return &h.prime }, "prime", trigger)
}

// Holds returns the active manual holds.
func (a *Arbiter) Holds() ManualHolds {
	a.c.mu.RLock()
	defer a.c.mu.RUnlock()
	return a.c.holds.view()
}

func (a *Arbiter) start(ctx context.Context, pick func(*manualHolds) *hold, name string, trigger Trigger) (bool, error) {
	c := a.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cleaning || !c.state.ManualPermitted() {
		a.logger.Debug("Manual request ignored",
			zap.String("hold", name),
			zap.String("state", string(c.state)),
			zap.Bool("cleaning", c.cleaning))
		return false, nil
	}

	h := pick(&c.holds)
	prev := *h
	*h = hold{active: true, owner: trigger}

	if err := c.actuator.Submit(ctx, SourceManual, c.manualOutputs()...); err != nil {
		*h = prev
		return false, fmt.Errorf("start %s: %w", name, err)
	}

	a.logger.Info("Manual hold started",
		zap.String("hold", name),
		zap.String("trigger", string(trigger)))
	return true, nil
}

func (a *Arbiter) stop(ctx context.Context, pick func(*manualHolds) *hold, name string, trigger Trigger) (bool, error) {
	c := a.c
	c.mu.Lock()
	defer c.mu.Unlock()

	h := pick(&c.holds)
	if !h.active {
		return false, nil
	}
	if h.owner != trigger {
		a.logger.Debug("Manual release ignored, held by other trigger",
			zap.String("hold", name),
			zap.String("owner", string(h.owner)),
			zap.String("trigger", string(trigger)))
		return false, nil
	}

	*h = hold{}

	if c.cleaning || !c.state.ManualPermitted() {
		return true, nil
	}

	if err := c.actuator.Submit(ctx, SourceManual, c.manualOutputs()...); err != nil {
		return true, fmt.Errorf("stop %s: %w", name, err)
	}

	a.logger.Info("Manual hold stopped",
		zap.String("hold", name),
		zap.String("trigger", string(trigger)))
	return true, nil
}

// manualOutputs derives the complete output state from the holds.
// Must be called with c.mu held.
func (c *Controller) manualOutputs() []Command {
	h := &c.holds
	left := h.left.active || h.prime.active
	right := h.right.active || h.prime.active

	cmds := []Command{SetValve(SideLeft, left), SetValve(SideRight, right)}
	switch {
	case h.prime.active:
		cmds = append(cmds, RunPump(SpeedUnits(c.speeds.Prime)))
	case left || right:
		cmds = append(cmds, RunPump(SpeedUnits(c.speeds.Slow)))
	default:
		cmds = append(cmds, StopPump())
	}
	return cmds
}
