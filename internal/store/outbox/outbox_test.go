package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cashpoint/posync/internal/schema"
	"github.com/cashpoint/posync/internal/store/db"
	"github.com/cashpoint/posync/internal/store/db/dbtest"
)

func enqueue(t *testing.T, store *db.DB, ob *Outbox, entity schema.EntityType, action schema.Action, id string) int64 {
	t.Helper()
	var entryID int64
	err := store.RunInTx(context.Background(), func(ctx context.Context) error {
		var err error
		entryID, err = ob.Enqueue(ctx, entity, action, id, map[string]string{"id": id})
		return err
	})
	require.NoError(t, err)
	return entryID
}

func TestEnqueue_RequiresTransaction(t *testing.T) {
	store := dbtest.New(t)
	ob := New(store)

	_, err := ob.Enqueue(context.Background(), schema.EntityOrder, schema.ActionCreate, "ord_1", nil)
	assert.ErrorIs(t, err, db.ErrNoTx)
}

func TestEnqueue_Validation(t *testing.T) {
	store := dbtest.New(t)
	ob := New(store)

	tests := []struct {
		name   string
		entity schema.EntityType
		action schema.Action
		id     string
	}{
		{"unknown entity", "widgets", schema.ActionCreate, "x"},
		{"unknown action", schema.EntityOrder, "merge", "x"},
		{"missing id", schema.EntityOrder, schema.ActionCreate, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.RunInTx(context.Background(), func(ctx context.Context) error {
				_, err := ob.Enqueue(ctx, tt.entity, tt.action, tt.id, nil)
				return err
			})
			assert.ErrorIs(t, err, schema.ErrValidation)
		})
	}
}

// A failure between the record write and the enqueue must leave neither.
func TestEnqueue_AtomicWithRecordWrite(t *testing.T) {
	ctx := context.Background()
	store := dbtest.New(t)
	ob := New(store)
	injected := errors.New("crash before enqueue")

	o := schema.NewOrder("s1")
	err := store.RunInTx(ctx, func(ctx context.Context) error {
		if err := store.PutOrder(ctx, o); err != nil {
			return err
		}
		return injected
	})
	require.ErrorIs(t, err, injected)

	_, err = store.GetOrder(ctx, o.ID)
	assert.ErrorIs(t, err, schema.ErrNotFound)

	// And a failure after the enqueue drops both as well.
	err = store.RunInTx(ctx, func(ctx context.Context) error {
		if err := store.PutOrder(ctx, o); err != nil {
			return err
		}
		if _, err := ob.Enqueue(ctx, schema.EntityOrder, schema.ActionCreate, o.ID, o); err != nil {
			return err
		}
		return injected
	})
	require.ErrorIs(t, err, injected)

	entries, err := ob.DequeueBatch(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The happy path commits both.
	require.NoError(t, store.RunInTx(ctx, func(ctx context.Context) error {
		if err := store.PutOrder(ctx, o); err != nil {
			return err
		}
		_, err := ob.Enqueue(ctx, schema.EntityOrder, schema.ActionCreate, o.ID, o)
		return err
	}))

	_, err = store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	pending, err := ob.HasPending(ctx, schema.EntityOrder, o.ID)
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestDequeueBatch_FIFO(t *testing.T) {
	ctx := context.Background()
	store := dbtest.New(t)
	ob := New(store)

	enqueue(t, store, ob, schema.EntityOrder, schema.ActionCreate, "ord_a")
	enqueue(t, store, ob, schema.EntityShift, schema.ActionCreate, "shift_a")
	enqueue(t, store, ob, schema.EntityOrder, schema.ActionUpdate, "ord_a")
	enqueue(t, store, ob, schema.EntityOrder, schema.ActionCreate, "ord_b")

	orders, err := ob.DequeueBatch(ctx, schema.EntityOrder, 0)
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, schema.ActionCreate, orders[0].Action)
	assert.Equal(t, schema.ActionUpdate, orders[1].Action)
	assert.Equal(t, "ord_b", orders[2].EntityLocalID)
	assert.Less(t, orders[0].ID, orders[1].ID)

	limited, err := ob.DequeueBatch(ctx, schema.EntityOrder, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	all, err := ob.DequeueBatch(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, schema.EntityShift, all[1].EntityType)

	var payload map[string]string
	require.NoError(t, all[1].Decode(&payload))
	assert.Equal(t, "shift_a", payload["id"])
}

func TestAckAndFail(t *testing.T) {
	ctx := context.Background()
	store := dbtest.New(t)
	ob := New(store)

	id := enqueue(t, store, ob, schema.EntityShift, schema.ActionCreate, "shift_1")

	n, err := ob.Fail(ctx, id, errors.New("connection refused"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = ob.Fail(ctx, id, errors.New("503"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	e, err := ob.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, e.RetryCount)
	assert.Equal(t, "503", e.LastError)

	require.NoError(t, ob.Ack(ctx, id))
	_, err = ob.Get(ctx, id)
	assert.ErrorIs(t, err, schema.ErrNotFound)

	assert.ErrorIs(t, ob.Ack(ctx, id), schema.ErrNotFound)
	_, err = ob.Fail(ctx, id, nil)
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

func TestExhaustedEntriesAreKept(t *testing.T) {
	ctx := context.Background()
	store := dbtest.New(t)
	ob := New(store)

	stuck := enqueue(t, store, ob, schema.EntityOrder, schema.ActionCreate, "ord_1")
	fresh := enqueue(t, store, ob, schema.EntityOrder, schema.ActionCreate, "ord_2")

	for i := 0; i < 5; i++ {
		_, err := ob.Fail(ctx, stuck, errors.New("timeout"))
		require.NoError(t, err)
	}

	exhausted, err := ob.Exhausted(ctx, 5)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	assert.Equal(t, stuck, exhausted[0].ID)

	all, err := ob.DequeueBatch(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2, "exhausted entries stay in the queue")

	n, err := ob.ResetExhausted(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	exhausted, err = ob.Exhausted(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, exhausted)

	_, err = ob.Fail(ctx, fresh, errors.New("timeout"))
	require.NoError(t, err)
	require.NoError(t, ob.Reset(ctx, fresh))
	e, err := ob.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Zero(t, e.RetryCount)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	store := dbtest.New(t)
	ob := New(store)

	st, err := ob.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Total)
	assert.Nil(t, st.OldestAt)

	base := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
	ob.now = func() time.Time { return base }
	first := enqueue(t, store, ob, schema.EntityShift, schema.ActionCreate, "shift_1")
	ob.now = func() time.Time { return base.Add(time.Minute) }
	enqueue(t, store, ob, schema.EntityOrder, schema.ActionCreate, "ord_1")
	enqueue(t, store, ob, schema.EntityOrder, schema.ActionUpdate, "ord_1")

	_, err = ob.Fail(ctx, first, errors.New("boom"))
	require.NoError(t, err)

	st, err = ob.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.ByType[schema.EntityOrder])
	assert.Equal(t, 1, st.ByType[schema.EntityShift])
	assert.Equal(t, 1, st.Failing)
	require.NotNil(t, st.OldestAt)
	assert.True(t, st.OldestAt.Equal(base))
}

func TestExportJSONL(t *testing.T) {
	ctx := context.Background()
	store := dbtest.New(t)
	ob := New(store)

	failing := enqueue(t, store, ob, schema.EntityOrder, schema.ActionCreate, "ord_1")
	enqueue(t, store, ob, schema.EntityOrder, schema.ActionUpdate, "ord_1")
	enqueue(t, store, ob, schema.EntityShift, schema.ActionCreate, "shift_1")
	_, err := ob.Fail(ctx, failing, errors.New("422 unprocessable"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"ord_1", "ord_1", "shift_1"}},
		{"by type", Filter{EntityType: schema.EntityShift}, []string{"shift_1"}},
		{"failing only", Filter{MinRetries: 1}, []string{"ord_1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := ob.ExportJSONL(ctx, &buf, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), n)

			dec := json.NewDecoder(&buf)
			var got []string
			for dec.More() {
				var e Entry
				require.NoError(t, dec.Decode(&e))
				got = append(got, e.EntityLocalID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDrainable_SkipsExhaustedRecords(t *testing.T) {
	ctx := context.Background()
	store := dbtest.New(t)
	ob := New(store)

	stuck := enqueue(t, store, ob, schema.EntityOrder, schema.ActionCreate, "ord_1")
	second := enqueue(t, store, ob, schema.EntityOrder, schema.ActionCreate, "ord_2")
	enqueue(t, store, ob, schema.EntityOrder, schema.ActionUpdate, "ord_1")
	third := enqueue(t, store, ob, schema.EntityOrder, schema.ActionCreate, "ord_3")
	enqueue(t, store, ob, schema.EntityShift, schema.ActionCreate, "shf_1")

	for i := 0; i < 2; i++ {
		_, err := ob.Fail(ctx, stuck, errors.New("rejected"))
		require.NoError(t, err)
	}

	entries, err := ob.Drainable(ctx, schema.EntityOrder, 2, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2, "the later entry of an exhausted record stays behind it")
	assert.Equal(t, second, entries[0].ID)
	assert.Equal(t, third, entries[1].ID)

	entries, err = ob.Drainable(ctx, schema.EntityOrder, 2, second, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, third, entries[0].ID)

	entries, err = ob.Drainable(ctx, schema.EntityOrder, 2, third, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	n, err := ob.ResetExhausted(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	entries, err = ob.Drainable(ctx, schema.EntityOrder, 2, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, stuck, entries[0].ID)
}
