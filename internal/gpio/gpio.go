// Package gpio reads the two top-up push buttons.
// The real implementation uses the Linux GPIO character device; the fake
// allows testing without hardware.
package gpio

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reader reads the logical button states (true = pressed).
type Reader interface {
	Read() (left, right bool, err error)
	Close() error
}

type Button string

const (
	ButtonLeft  Button = "left"
	ButtonRight Button = "right"
)

// Event is a debounced press or release.
type Event struct {
	Button  Button
	Pressed bool
}

// stableReads is the number of equal consecutive reads before a change is
// reported.
const stableReads = 2

// Watcher polls a Reader and reports debounced edges.
type Watcher struct {
	reader   Reader
	interval time.Duration
	handle   func(Event)
	logger   *zap.Logger

	// OnSuccess is called after every successful read (watchdog feed).
	OnSuccess func(name string)

	state   [2]bool
	pending [2]int
}

func NewWatcher(reader Reader, interval time.Duration, handle func(Event), logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	return &Watcher{
		reader:   reader,
		interval: interval,
		handle:   handle,
		logger:   logger,
	}
}

// Run pollt die Taster bis ctx beendet wird.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := w.Poll(); err != nil {
			if !failing {
				failing = true
				w.logger.Error("Button read failed", zap.Error(err))
			}
			continue
		}
		if failing {
			failing = false
			w.logger.Info("Button read recovered")
		}
		if w.OnSuccess != nil {
			w.OnSuccess("buttons")
		}
	}
}

// Poll reads once and dispatches any debounced edge. Not safe for
// concurrent use.
func (w *Watcher) Poll() error {
	left, right, err := w.reader.Read()
	if err != nil {
		return err
	}

	w.update(0, ButtonLeft, left)
	w.update(1, ButtonRight, right)
	return nil
}

func (w *Watcher) update(i int, b Button, pressed bool) {
	if pressed == w.state[i] {
		w.pending[i] = 0
		return
	}
	w.pending[i]++
	if w.pending[i] < stableReads {
		return
	}

	w.state[i] = pressed
	w.pending[i] = 0
	w.logger.Debug("Button edge", zap.String("button", string(b)), zap.Bool("pressed", pressed))
	if w.handle != nil {
		w.handle(Event{Button: b, Pressed: pressed})
	}
}

func (w *Watcher) Close() error {
	return w.reader.Close()
}
