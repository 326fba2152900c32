// Package connectivity tracks whether the backend is reachable.
//
// The signal only gates background synchronization. Local writes never
// consult it.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pinger probes the backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor polls a Pinger and publishes online/offline transitions.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	mu     sync.RWMutex
	online bool
	known  bool
	subs   []chan bool
}

// NewMonitor creates a Monitor probing every interval. The state is offline
// until the first probe succeeds.
func NewMonitor(p Pinger, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		pinger:   p,
		interval: interval,
		timeout:  5 * time.Second,
		log:      logger.With("component", "connectivity"),
	}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe returns a channel receiving the new state on every transition.
// The channel holds only the latest state; a slow reader skips intermediate
// flips.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// SetOnline forces the state, as a platform network callback would.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := !m.known || m.online != online
	m.online = online
	m.known = true
	subs := m.subs
	m.mu.Unlock()

	if !changed {
		return
	}
	if online {
		m.log.Info("backend reachable")
	} else {
		m.log.Warn("backend unreachable")
	}
	for _, ch := range subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- online:
		default:
		}
	}
}

// Check probes once and updates the state.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.pinger.Ping(ctx)
	if err != nil {
		m.log.Debug("probe failed", slog.String("error", err.Error()))
	}
	m.SetOnline(err == nil)
	return err == nil
}

// Run probes until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
