package loadtest

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cashpoint/posync/internal/order"
	"github.com/cashpoint/posync/internal/schema"
	"github.com/cashpoint/posync/internal/store/db/dbtest"
	"github.com/cashpoint/posync/internal/store/outbox"
)

func TestPopulate(t *testing.T) {
	ctx := context.Background()
	store := dbtest.New(t)

	c, err := Populate(ctx, store, 25)
	require.NoError(t, err)
	assert.Len(t, c.ProductIDs, 25)

	counts, err := store.CountBySyncStatus(ctx, schema.EntityProduct)
	require.NoError(t, err)
	assert.Equal(t, 25, counts[schema.SyncStatusSynced])

	_, err = Populate(ctx, store, 0)
	assert.Error(t, err)
}

func TestRunCheckouts_Concurrent(t *testing.T) {
	ctx := context.Background()
	store := dbtest.New(t)
	ob := outbox.New(store)
	orders := order.NewManager(order.Options{
		Store:  store,
		Outbox: ob,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	c, err := Populate(ctx, store, 50)
	require.NoError(t, err)

	stats, err := RunCheckouts(ctx, store, orders, "store-1", c, 4, 5)
	require.NoError(t, err)
	assert.Zero(t, stats.Errors)
	assert.Equal(t, 20, stats.Checkouts)
	assert.LessOrEqual(t, stats.Min, stats.P50)
	assert.LessOrEqual(t, stats.P50, stats.Max)
	assert.Greater(t, stats.Throughput(), 0.0)

	require.NoError(t, CheckConsistency(ctx, store, ob))

	paid, err := store.ListOrders(ctx, schema.OrderStatusPaid)
	require.NoError(t, err)
	assert.Len(t, paid, 20)
}

func TestCheckConsistency_DetectsMissingEntry(t *testing.T) {
	ctx := context.Background()
	store := dbtest.New(t)
	ob := outbox.New(store)
	orders := order.NewManager(order.Options{Store: store, Outbox: ob, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	c, err := Populate(ctx, store, 3)
	require.NoError(t, err)
	_, err = RunCheckouts(ctx, store, orders, "store-1", c, 1, 2)
	require.NoError(t, err)

	entries, err := ob.DequeueBatch(ctx, schema.EntityOrder, 1)
	require.NoError(t, err)
	require.NoError(t, ob.Ack(ctx, entries[0].ID))

	assert.ErrorContains(t, CheckConsistency(ctx, store, ob), "outbox entries")
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	s := computeLatencyStats(durations)
	assert.Equal(t, time.Millisecond, s.Min)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 51*time.Millisecond, s.P50)
	assert.Equal(t, 96*time.Millisecond, s.P95)
	assert.Equal(t, 100*time.Millisecond, s.P99)
	assert.Equal(t, 50500*time.Microsecond, s.Mean)
	assert.Equal(t, 100, s.Checkouts)

	assert.Zero(t, computeLatencyStats(nil).Checkouts)

	var buf bytes.Buffer
	s.Print(&buf)
	assert.Contains(t, buf.String(), "Checkouts:     100")
}
