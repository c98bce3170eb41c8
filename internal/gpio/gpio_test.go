package gpio

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWatcherDebouncesEdges(t *testing.T) {
	reader := NewFakeReader(
		Sample{Left: true},  // bounce
		Sample{},            // back
		Sample{Left: true},  // press ...
		Sample{Left: true},  // ... confirmed
		Sample{Left: true, Right: true},
		Sample{Left: true, Right: true},
		Sample{Right: true},
		Sample{Right: true},
		Sample{},
		Sample{},
	)

	var events []Event
	w := NewWatcher(reader, time.Millisecond, func(e Event) { events = append(events, e) }, zap.NewNop())

	for i := 0; i < 10; i++ {
		if err := w.Poll(); err != nil {
			t.Fatal(err)
		}
	}

	want := []Event{
		{ButtonLeft, true},
		{ButtonRight, true},
		{ButtonLeft, false},
		{ButtonRight, false},
	}
	if len(events) != len(want) {
		t.Fatalf("events = %+v, want %+v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestWatcherReadError(t *testing.T) {
	reader := NewFakeReader(Sample{Left: true})
	reader.ReadError = errors.New("line busy")

	called := false
	w := NewWatcher(reader, time.Millisecond, func(Event) { called = true }, zap.NewNop())
	if err := w.Poll(); !errors.Is(err, reader.ReadError) {
		t.Errorf("expected read error, got %v", err)
	}
	if called {
		t.Error("handler called on failed read")
	}
}

func TestWatcherRunAndClose(t *testing.T) {
	reader := NewFakeReader(Sample{Right: true})
	got := make(chan Event, 1)
	w := NewWatcher(reader, time.Millisecond, func(e Event) {
		select {
		case got <- e:
		default:
		}
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case e := <-got:
		if e != (Event{ButtonRight, true}) {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	cancel()
	<-done

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if !reader.Closed {
		t.Error("reader not closed")
	}
}

func TestFakeReaderNoSamples(t *testing.T) {
	if _, _, err := NewFakeReader().Read(); err == nil {
		t.Error("expected error with no samples")
	}
}
