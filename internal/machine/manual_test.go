package machine

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func newTestArbiter(t *testing.T) (*Arbiter, *Controller, *Actuator) {
	t.Helper()
	c, a := newTestController(t, testSettings(), Hooks{})
	return NewArbiter(c, zap.NewNop()), c, a
}

func TestTopUpInWaitRemoval(t *testing.T) {
	arb, c, a := newTestArbiter(t)
	setState(c, StateWaitRemoval)
	ctx := context.Background()

	ok, err := arb.StartTopUp(ctx, SideRight, TriggerUI)
	if err != nil || !ok {
		t.Fatalf("start: ok = %v, err = %v", ok, err)
	}
	want := CommandState{RightValveOpen: true, PumpRunning: true, PumpSpeedUnits: slowUnits}
	if got := a.Snapshot(); got != want {
		t.Errorf("outputs = %+v, want %+v", got, want)
	}

	// the fill sequence keeps counting removal readings but must not
	// touch the outputs while the hold is active
	tickAt(t, c, 1.0)
	if got := a.Snapshot(); got != want {
		t.Errorf("tick changed outputs: %+v", got)
	}

	ok, err = arb.StopTopUp(ctx, SideRight, TriggerUI)
	if err != nil || !ok {
		t.Fatalf("stop: ok = %v, err = %v", ok, err)
	}
	if got := a.Snapshot(); got != (CommandState{}) {
		t.Errorf("outputs after stop = %+v", got)
	}
}

func TestTopUpTriggerOwnership(t *testing.T) {
	arb, _, a := newTestArbiter(t)
	ctx := context.Background()

	if ok, err := arb.StartTopUp(ctx, SideLeft, TriggerButton); err != nil || !ok {
		t.Fatalf("start: ok = %v, err = %v", ok, err)
	}

	// the UI cannot release a hold started by the button
	ok, err := arb.StopTopUp(ctx, SideLeft, TriggerUI)
	if err != nil || ok {
		t.Fatalf("foreign stop: ok = %v, err = %v", ok, err)
	}
	if !arb.Holds().Left || !a.Snapshot().LeftValveOpen {
		t.Fatal("hold released by the wrong trigger")
	}

	// a second side keeps the pump running when the first stops
	if ok, err := arb.StartTopUp(ctx, SideRight, TriggerUI); err != nil || !ok {
		t.Fatalf("start right: ok = %v, err = %v", ok, err)
	}
	if ok, err := arb.StopTopUp(ctx, SideLeft, TriggerButton); err != nil || !ok {
		t.Fatalf("stop left: ok = %v, err = %v", ok, err)
	}
	want := CommandState{RightValveOpen: true, PumpRunning: true, PumpSpeedUnits: slowUnits}
	if got := a.Snapshot(); got != want {
		t.Errorf("outputs = %+v, want %+v", got, want)
	}

	if ok, _ := arb.StopTopUp(ctx, SideLeft, TriggerButton); ok {
		t.Error("stopping an inactive hold reported success")
	}
}

func TestManualIgnoredWhileFilling(t *testing.T) {
	arb, c, a := newTestArbiter(t)
	ctx := context.Background()

	for _, s := range []State{StateConfirmingMould, StateFillLeftFast, StateFillLeftSlow, StatePrepRight, StateFillRightFast, StateFillRightSlow} {
		setState(c, s)
		if ok, err := arb.StartTopUp(ctx, SideLeft, TriggerUI); ok || err != nil {
			t.Errorf("%s: top-up ok = %v, err = %v", s, ok, err)
		}
		if ok, err := arb.StartPrime(ctx, TriggerButton); ok || err != nil {
			t.Errorf("%s: prime ok = %v, err = %v", s, ok, err)
		}
	}
	if got := arb.Holds(); got != (ManualHolds{}) {
		t.Errorf("holds = %+v", got)
	}
	if got := a.Snapshot(); got != (CommandState{}) {
		t.Errorf("outputs = %+v", got)
	}
}

func TestHoldBlocksMouldDetection(t *testing.T) {
	arb, c, _ := newTestArbiter(t)
	ctx := context.Background()

	if ok, err := arb.StartTopUp(ctx, SideLeft, TriggerUI); err != nil || !ok {
		t.Fatalf("start: ok = %v, err = %v", ok, err)
	}
	for i := 0; i < 5; i++ {
		tickAt(t, c, 1.2)
	}
	if s := c.State(); s != StateWaitingForMould {
		t.Fatalf("state = %s while hold active", s)
	}

	if _, err := arb.StopTopUp(ctx, SideLeft, TriggerUI); err != nil {
		t.Fatal(err)
	}
	tickAt(t, c, 1.2)
	if s := c.State(); s != StateConfirmingMould {
		t.Errorf("state after release = %s", s)
	}
}

func TestPrime(t *testing.T) {
	arb, _, a := newTestArbiter(t)
	ctx := context.Background()

	if ok, err := arb.StartPrime(ctx, TriggerUI); err != nil || !ok {
		t.Fatalf("start: ok = %v, err = %v", ok, err)
	}
	want := CommandState{LeftValveOpen: true, RightValveOpen: true, PumpRunning: true, PumpSpeedUnits: 4500}
	if got := a.Snapshot(); got != want {
		t.Errorf("prime outputs = %+v, want %+v", got, want)
	}

	// prime speed wins over a concurrent top-up
	if _, err := arb.StartTopUp(ctx, SideLeft, TriggerButton); err != nil {
		t.Fatal(err)
	}
	if got := a.Snapshot().PumpSpeedUnits; got != 4500 {
		t.Errorf("speed = %d, want prime", got)
	}

	if _, err := arb.StopPrime(ctx, TriggerUI); err != nil {
		t.Fatal(err)
	}
	want = CommandState{LeftValveOpen: true, PumpRunning: true, PumpSpeedUnits: slowUnits}
	if got := a.Snapshot(); got != want {
		t.Errorf("after prime stop = %+v, want %+v", got, want)
	}
}

func TestInvalidSide(t *testing.T) {
	arb, _, _ := newTestArbiter(t)
	if _, err := arb.StartTopUp(context.Background(), Side("middle"), TriggerUI); !errors.Is(err, ErrInvalidSide) {
		t.Errorf("expected ErrInvalidSide, got %v", err)
	}
}
