package stream

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFillCore/internal/machine"
)

// StatusSource provides the snapshot that is fanned out.
type StatusSource interface {
	Status() machine.Status
}

// StatusStreamer fans machine snapshots out to stream subscribers.
type StatusStreamer struct {
	source   StatusSource
	interval time.Duration

	mu          sync.RWMutex
	subscribers []chan machine.Status
}

func NewStatusStreamer(source StatusSource, interval time.Duration) *StatusStreamer {
	if interval <= 0 {
		interval = time.Second
	}
	return &StatusStreamer{
		source:   source,
		interval: interval,
	}
}

func (s *StatusStreamer) Subscribe() <-chan machine.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan machine.Status, 16)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

func (s *StatusStreamer) Unsubscribe(ch <-chan machine.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(sub)
			break
		}
	}
}

// Broadcast pushes a snapshot to every subscriber. Full channels skip it.
func (s *StatusStreamer) Broadcast(status machine.Status) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- status:
		default:
		}
	}
}

// Notify broadcasts the current snapshot, used on state transitions.
func (s *StatusStreamer) Notify() {
	if s.SubscriberCount() == 0 {
		return
	}
	s.Broadcast(s.source.Status())
}

func (s *StatusStreamer) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Run broadcasts periodically until ctx ends, then closes all
// subscriptions.
func (s *StatusStreamer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for _, ch := range s.subscribers {
				close(ch)
			}
			s.subscribers = nil
			s.mu.Unlock()
			return nil
		case <-ticker.C:
			s.Notify()
		}
	}
}
