package sync

import (
	gosync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cashpoint/posync/internal/schema"
)

// BackoffConfig tunes the per entity type retry delay.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultBackoff returns the production delays.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    2 * time.Second,
		Max:        5 * time.Minute,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// typeBackoff keeps one exponential schedule per entity type so that a type
// whose pushes keep failing does not delay the others.
type typeBackoff struct {
	cfg BackoffConfig

	mu    gosync.Mutex
	state map[schema.EntityType]*backoff.ExponentialBackOff
	until map[schema.EntityType]time.Time
}

func newTypeBackoff(cfg BackoffConfig) *typeBackoff {
	return &typeBackoff{
		cfg:   cfg,
		state: make(map[schema.EntityType]*backoff.ExponentialBackOff),
		until: make(map[schema.EntityType]time.Time),
	}
}

// ready reports whether entity may be pushed at now.
func (b *typeBackoff) ready(entity schema.EntityType, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !now.Before(b.until[entity])
}

// failed schedules the next attempt for entity and returns the delay.
func (b *typeBackoff) failed(entity schema.EntityType, now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	eb, ok := b.state[entity]
	if !ok {
		eb = backoff.NewExponentialBackOff()
		eb.InitialInterval = b.cfg.Initial
		eb.MaxInterval = b.cfg.Max
		eb.Multiplier = b.cfg.Multiplier
		eb.RandomizationFactor = b.cfg.Jitter
		eb.MaxElapsedTime = 0
		eb.Reset()
		b.state[entity] = eb
	}

	d := eb.NextBackOff()
	if d == backoff.Stop {
		d = b.cfg.Max
	}
	b.until[entity] = now.Add(d)
	return d
}

// succeeded clears the schedule of entity.
func (b *typeBackoff) succeeded(entity schema.EntityType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if eb, ok := b.state[entity]; ok {
		eb.Reset()
	}
	delete(b.until, entity)
}

// clear drops every schedule.
func (b *typeBackoff) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, eb := range b.state {
		eb.Reset()
	}
	b.until = make(map[schema.EntityType]time.Time)
}
