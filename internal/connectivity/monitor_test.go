package connectivity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPinger struct {
	fail atomic.Bool
}

func (p *stubPinger) Ping(ctx context.Context) error {
	if p.fail.Load() {
		return errors.New("unreachable")
	}
	return nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMonitor_CheckPublishesTransitions(t *testing.T) {
	p := &stubPinger{}
	m := NewMonitor(p, time.Hour, newTestLogger())
	ch := m.Subscribe()

	assert.False(t, m.Online())

	assert.True(t, m.Check(context.Background()))
	assert.True(t, <-ch)
	assert.True(t, m.Online())

	// No transition, no event.
	m.Check(context.Background())
	select {
	case v := <-ch:
		t.Fatalf("unexpected event %v", v)
	default:
	}

	p.fail.Store(true)
	assert.False(t, m.Check(context.Background()))
	assert.False(t, <-ch)
	assert.False(t, m.Online())
}

func TestMonitor_SubscriberKeepsLatest(t *testing.T) {
	m := NewMonitor(&stubPinger{}, time.Hour, newTestLogger())
	ch := m.Subscribe()

	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(true)

	assert.True(t, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("expected a single buffered state, got extra %v", v)
	default:
	}
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	m := NewMonitor(&stubPinger{}, 10*time.Millisecond, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
