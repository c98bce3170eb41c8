package machine

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestActuatorOwnership(t *testing.T) {
	a := startActuator(t)
	ctx := context.Background()

	// unclaimed: only manual may drive outputs
	if err := a.Submit(ctx, SourceFill, OpenValve(SideLeft)); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("fill without claim: got %v", err)
	}
	if err := a.Submit(ctx, SourceManual, OpenValve(SideLeft), RunPump(800)); err != nil {
		t.Fatalf("manual without claim: %v", err)
	}
	if err := a.Submit(ctx, SourceManual, CloseValves(), StopPump()); err != nil {
		t.Fatal(err)
	}

	if err := a.Submit(ctx, SourceManual, Claim()); !errors.Is(err, ErrNotOwner) {
		t.Errorf("manual claim: got %v", err)
	}

	if err := a.Submit(ctx, SourceFill, Claim(), OpenValve(SideRight)); err != nil {
		t.Fatal(err)
	}
	if owner, claimed := a.Owner(); owner != SourceFill || !claimed {
		t.Fatalf("owner = %s/%v", owner, claimed)
	}

	if err := a.Submit(ctx, SourceCleaning, Claim()); !errors.Is(err, ErrNotOwner) {
		t.Errorf("cleaning claim over fill: got %v", err)
	}
	if err := a.Submit(ctx, SourceManual, CloseValve(SideRight)); !errors.Is(err, ErrNotOwner) {
		t.Errorf("manual over fill: got %v", err)
	}
	if !a.Snapshot().RightValveOpen {
		t.Error("rejected command changed the outputs")
	}

	// release from a non-owner is a no-op
	if err := a.Submit(ctx, SourceCleaning, Release()); err != nil {
		t.Fatal(err)
	}
	if _, claimed := a.Owner(); !claimed {
		t.Error("release by non-owner dropped the claim")
	}

	if err := a.Submit(ctx, SourceFill, CloseValves(), Release()); err != nil {
		t.Fatal(err)
	}
	if owner, claimed := a.Owner(); claimed || owner != SourceManual {
		t.Errorf("after release: owner = %s/%v", owner, claimed)
	}
}

func TestActuatorBatchIsAtomic(t *testing.T) {
	a := startActuator(t)
	ctx := context.Background()

	err := a.Submit(ctx, SourceManual, OpenValve(SideLeft), RunPump(900), Command{Kind: CmdSetValve, Side: "middle", Open: true})
	if !errors.Is(err, ErrInvalidSide) {
		t.Fatalf("expected ErrInvalidSide, got %v", err)
	}
	if got := a.Snapshot(); got != (CommandState{}) {
		t.Errorf("partial batch applied: %+v", got)
	}

	// claim followed by a rejected command leaves the claim untouched
	if err := a.Submit(ctx, SourceCleaning, Claim(), Command{Kind: CommandKind(42)}); err == nil {
		t.Fatal("unknown command accepted")
	}
	if _, claimed := a.Owner(); claimed {
		t.Error("claim from a rejected batch was kept")
	}
}

func TestActuatorStopPumpClearsSpeed(t *testing.T) {
	a := startActuator(t)
	ctx := context.Background()

	if err := a.Submit(ctx, SourceManual, RunPump(4500)); err != nil {
		t.Fatal(err)
	}
	if got := a.Snapshot(); !got.PumpRunning || got.PumpSpeedUnits != 4500 {
		t.Fatalf("running: %+v", got)
	}
	if err := a.Submit(ctx, SourceManual, StopPump()); err != nil {
		t.Fatal(err)
	}
	if got := a.Snapshot(); got.PumpRunning || got.PumpSpeedUnits != 0 {
		t.Errorf("stopped: %+v", got)
	}
}

func TestActuatorShutdownLatch(t *testing.T) {
	a := startActuator(t)
	ctx := context.Background()

	if err := a.Submit(ctx, SourceCleaning, Claim(), OpenValve(SideLeft), RunPump(5000)); err != nil {
		t.Fatal(err)
	}

	// shutdown overrides any owner
	if err := a.Submit(ctx, SourceShutdown, Claim(), StopPump(), CloseValves()); err != nil {
		t.Fatal(err)
	}
	if !a.Latched() {
		t.Fatal("shutdown claim must latch")
	}
	if got := a.Snapshot(); got != (CommandState{}) {
		t.Errorf("outputs after shutdown: %+v", got)
	}

	for _, src := range []Source{SourceFill, SourceCleaning, SourceManual} {
		if err := a.Submit(ctx, src, OpenValve(SideRight)); !errors.Is(err, ErrNotOwner) {
			t.Errorf("%s after latch: got %v", src, err)
		}
	}

	// the latch survives a release
	if err := a.Submit(ctx, SourceShutdown, Release()); err != nil {
		t.Fatal(err)
	}
	if owner, claimed := a.Owner(); owner != SourceShutdown || !claimed {
		t.Errorf("owner after shutdown release = %s/%v", owner, claimed)
	}
}

func TestActuatorStopped(t *testing.T) {
	a := NewActuator(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	if err := a.Submit(context.Background(), SourceManual, RunPump(100)); err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}

	if err := a.Submit(context.Background(), SourceManual, StopPump()); !errors.Is(err, ErrActuatorStopped) {
		t.Errorf("expected ErrActuatorStopped, got %v", err)
	}
}

func TestActuatorSubmitHonoursContext(t *testing.T) {
	// not running: nobody reads the inbox
	a := NewActuator(zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	if err := a.Submit(ctx, SourceManual, StopPump()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	if err := a.Submit(ctx, SourceManual); err != nil {
		t.Errorf("empty batch: %v", err)
	}
}
