package modbus

import (
	"math"
	"testing"
)

func TestWindowStartsZeroFilled(t *testing.T) {
	var w window

	got := w.push(1.0)
	if math.Abs(got-0.2) > 1e-9 {
		t.Errorf("first mean: got %v, want 0.2", got)
	}
}

func TestWindowEvictsOldest(t *testing.T) {
	var w window
	for i := 0; i < SmoothingWindow; i++ {
		w.push(1.0)
	}
	if got := w.mean(); math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("full window mean: got %v, want 1.0", got)
	}

	// 4 x 1.0 + 1 x 6.0
	got := w.push(6.0)
	if math.Abs(got-2.0) > 1e-9 {
		t.Errorf("after eviction: got %v, want 2.0", got)
	}

	for i := 0; i < SmoothingWindow; i++ {
		got = w.push(3.0)
	}
	if math.Abs(got-3.0) > 1e-9 {
		t.Errorf("after full turnover: got %v, want 3.0", got)
	}
}
