package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenFillCore/internal/machine"
)

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{1.5, "1.5"},
		{0.000001, "0.000001"},
		{true, "1"},
		{false, "0"},
		{3, "3"},
		{uint16(3500), "3500"},
		{12340 * time.Millisecond, "12.34"},
		{"B-42", "B-42"},
		{machine.StateWaitRemoval, "wait_removal"},
	}
	for _, tt := range tests {
		if got := string(FormatValue(tt.in)); got != tt.want {
			t.Errorf("FormatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type staticSource struct{ s machine.Status }

func (s staticSource) Status() machine.Status { return s.s }

func testStatus() machine.Status {
	return machine.Status{
		State:         machine.StateFillLeftSlow,
		StateCode:     3,
		Weight:        machine.ScaleSample{Mass: 2.75},
		Commands:      machine.CommandState{PumpRunning: true, PumpSpeedUnits: 800, LeftValveOpen: true},
		Drive:         0x0003,
		Speeds:        machine.Speeds{Fast: 35, Slow: 8},
		DesiredVolume: 1.5,
		Cycle:         machine.FillCycle{TareWeight: 1.2},
	}
}

func TestPublishStatus(t *testing.T) {
	pub := NewFakePublisher()
	r := NewReporter(pub, nil, nil, time.Second, zap.NewNop())

	if err := r.PublishStatus(testStatus(), false); err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		TopicActualWeight: "2.75",
		TopicVFDState:     "1",
		TopicVFDSpeed:     "8",
		TopicVFDStatus:    "3",
		TopicValve1State:  "1",
		TopicValve2State:  "0",
		TopicFillStatus:   "3",
		TopicFillState:    "fill_left_slow",
		TopicHealthy:      "0",
		TopicCleaning:     "0",
		TopicTare:         "1.2",
	}
	for topic, payload := range want {
		got, ok := pub.Last(topic)
		if !ok {
			t.Errorf("topic %s not published", topic)
			continue
		}
		if got != payload {
			t.Errorf("%s = %q, want %q", topic, got, payload)
		}
	}
}

func TestPublishPour(t *testing.T) {
	pub := NewFakePublisher()
	r := NewReporter(pub, nil, nil, time.Second, zap.NewNop())

	rec := machine.PourRecord{
		ID:            uuid.New(),
		DesiredVolume: 1.5,
		LeftPour:      1.52,
		RightPour:     1.49,
		LeftFillTime:  41 * time.Second,
		RightFillTime: 39500 * time.Millisecond,
		FastSpeed:     35,
		SlowSpeed:     8,
		Batch:         "B-42",
	}
	if err := r.PublishPour(rec); err != nil {
		t.Fatal(err)
	}

	msgs := pub.Messages()
	if len(msgs) != 8 {
		t.Fatalf("expected 8 messages, got %d", len(msgs))
	}
	if msgs[0].Topic != TopicMould1FinalWeight || msgs[0].Payload != "1.52" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if got, _ := pub.Last(TopicMould2FillTime); got != "39.50" {
		t.Errorf("mould 2 fill time = %q", got)
	}
	if got, _ := pub.Last(TopicBatchNumber); got != "B-42" {
		t.Errorf("batch = %q", got)
	}
}

func TestPublishErrorsAreJoined(t *testing.T) {
	pub := NewFakePublisher()
	pub.PublishError = errors.New("broker gone")
	r := NewReporter(pub, nil, nil, time.Second, zap.NewNop())

	err := r.PublishPour(machine.PourRecord{})
	if !errors.Is(err, pub.PublishError) {
		t.Errorf("expected broker error, got %v", err)
	}
}

func TestReporterRunFeedsWatchdog(t *testing.T) {
	pub := NewFakePublisher()
	r := NewReporter(pub, staticSource{testStatus()}, func() bool { return true }, time.Millisecond, zap.NewNop())

	fed := make(chan string, 16)
	r.OnSuccess = func(name string) {
		select {
		case fed <- name:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case name := <-fed:
		if name != "telemetry" {
			t.Errorf("fed %q", name)
		}
	case <-time.After(time.Second):
		t.Fatal("reporter never published")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
	if got, _ := pub.Last(TopicHealthy); got != "1" {
		t.Errorf("healthy = %q", got)
	}
}

func TestReporterPublishesEventsInOrder(t *testing.T) {
	pub := NewFakePublisher()
	r := NewReporter(pub, staticSource{testStatus()}, nil, time.Hour, zap.NewNop())

	r.StateChanged(machine.StatePrepRight)
	r.StateChanged(machine.StateFillRightFast)
	r.HealthChanged(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for len(pub.Messages()) < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("published %+v", pub.Messages())
		}
		time.Sleep(time.Millisecond)
	}

	want := []Message{
		{TopicFillStatus, "4"},
		{TopicFillState, "prep_right"},
		{TopicFillStatus, "5"},
		{TopicFillState, "fill_right_fast"},
		{TopicHealthy, "0"},
	}
	got := pub.Messages()
	for i, m := range want {
		if got[i] != m {
			t.Errorf("message %d = %+v, want %+v", i, got[i], m)
		}
	}
}

func TestRingBufferDropsOldest(t *testing.T) {
	r := newRingBuffer(3)
	for _, topic := range []string{"a", "b", "c", "d"} {
		r.push(bufferedMsg{topic: topic})
	}
	if !r.overflow {
		t.Error("overflow not flagged")
	}
	got := r.drainAll()
	if len(got) != 3 || got[0].topic != "b" || got[2].topic != "d" {
		t.Errorf("drained %+v", got)
	}
	if r.drainAll() != nil {
		t.Error("buffer not empty after drain")
	}
}
