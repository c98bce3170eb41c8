package machine

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

const (
	fastUnits = 3500
	slowUnits = 800
)

func testSettings() Settings {
	return Settings{
		Fill: FillParams{
			MouldTolerance:   0.1,
			FillTolerance:    0.15,
			RemovalTolerance: 0.02,
			ConfirmReadings:  3,
			ConfirmRemovals:  3,
		},
		Speeds:       Speeds{Fast: 35, Slow: 8, Clean: 50, Prime: 45},
		TickInterval: time.Millisecond,
		Flavours: []FlavourProfile{
			{ID: "food_service", Name: "Food Service", DesiredVolume: 1.5, MouldTareWeight: 1.2},
			{ID: "brie", Name: "Brie", DesiredVolume: 2.11, MouldTareWeight: 1.3},
		},
		DefaultFlavour: "food_service",
		Batch:          "B-42",
		StartEnabled:   true,
	}
}

func startActuator(t *testing.T) *Actuator {
	t.Helper()
	a := NewActuator(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a
}

func newTestController(t *testing.T, settings Settings, hooks Hooks) (*Controller, *Actuator) {
	t.Helper()
	a := startActuator(t)
	c, err := NewController(zap.NewNop(), a, settings, hooks)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c, a
}

// tickAt sets the weight and runs one tick.
func tickAt(t *testing.T, c *Controller, weight float64) {
	t.Helper()
	c.UpdateWeight(weight)
	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick at %v: %v", weight, err)
	}
}

func setState(c *Controller, s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
