// Package watchdog tracks the heartbeat of the polling loops.
package watchdog

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor flags the machine unhealthy when a registered loop has not
// reported success within the threshold. It only reports; nothing is
// tripped.
type Monitor struct {
	interval  time.Duration
	threshold time.Duration
	logger    *zap.Logger
	now       func() time.Time

	// OnChange is called outside the lock when the health flag flips.
	OnChange func(healthy bool, stale []string)

	mu      sync.RWMutex
	last    map[string]time.Time
	healthy bool
	stale   []string
}

func NewMonitor(interval, threshold time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	if threshold <= 0 {
		threshold = 5 * time.Second
	}
	return &Monitor{
		interval:  interval,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
		last:      make(map[string]time.Time),
		healthy:   true,
	}
}

// Register adds a loop. Its clock starts now so a loop that never
// succeeds goes stale after one threshold.
func (m *Monitor) Register(names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, n := range names {
		if _, ok := m.last[n]; !ok {
			m.last[n] = now
		}
	}
}

// Feed records a successful cycle of the named loop.
func (m *Monitor) Feed(name string) {
	m.mu.Lock()
	m.last[name] = m.now()
	m.mu.Unlock()
}

// Check evaluates all loops and returns the health flag.
func (m *Monitor) Check() bool {
	m.mu.Lock()
	now := m.now()
	var stale []string
	for name, at := range m.last {
		if now.Sub(at) > m.threshold {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)

	was := m.healthy
	m.healthy = len(stale) == 0
	m.stale = stale
	healthy := m.healthy
	m.mu.Unlock()

	switch {
	case was && !healthy:
		m.logger.Warn("Watchdog: loops stale",
			zap.Strings("loops", stale),
			zap.Duration("threshold", m.threshold))
	case !was && healthy:
		m.logger.Info("Watchdog: all loops healthy again")
	}
	if was != healthy && m.OnChange != nil {
		m.OnChange(healthy, stale)
	}
	return healthy
}

func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// Stale returns the loops that were late at the last check.
func (m *Monitor) Stale() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.stale...)
}

// LastSeen returns the last successful cycle per loop.
func (m *Monitor) LastSeen() map[string]time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]time.Time, len(m.last))
	for k, v := range m.last {
		out[k] = v
	}
	return out
}

func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Watchdog started",
		zap.Duration("interval", m.interval),
		zap.Duration("threshold", m.threshold))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check()
		}
	}
}
