package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cashpoint/posync/internal/schema"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "posd.db")
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), testDBPath(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testProduct(id, code string) *schema.Product {
	return &schema.Product{
		Meta:  schema.Meta{ID: id, ServerID: id, SyncStatus: schema.SyncStatusSynced},
		Code:  code,
		Name:  "Product " + code,
		Price: decimal.RequireFromString("4.50"),
	}
}

func testShift(storeID string) *schema.Shift {
	return &schema.Shift{
		Meta:        schema.Meta{ID: schema.NewLocalID(schema.PrefixShift), SyncStatus: schema.SyncStatusPending},
		ShiftNumber: 1,
		StoreID:     storeID,
		Status:      schema.ShiftStatusOpen,
		OpenedAt:    time.Now().UTC(),
		InitialCash: decimal.NewFromInt(100),
	}
}

// TestOpen_MigratesAndReopens tests that opening twice keeps the schema
func TestOpen_MigratesAndReopens(t *testing.T) {
	ctx := context.Background()
	path := testDBPath(t)

	db, err := Open(ctx, path)
	require.NoError(t, err)
	v, err := db.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	require.NoError(t, db.Put(ctx, testProduct("p1", "A1")))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "Close must be idempotent")

	db, err = Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()

	v, err = db.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	p, err := Get[schema.Product](ctx, db, "p1")
	require.NoError(t, err)
	assert.Equal(t, "A1", p.Code)
}

// TestOpen_Tables tests that every store exists after open
func TestOpen_Tables(t *testing.T) {
	db := openTestDB(t)

	tables := []string{"outbox", "id_map", "sync_state", "sync_conflicts"}
	for _, e := range schema.EntityTypes {
		tables = append(tables, string(e))
	}
	for _, name := range tables {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s", name)
	}
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	p := testProduct("p1", "A1")
	p.CategoryID = "c1"
	p.UpdatedAt = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, db.Put(ctx, p))

	got, err := Get[schema.Product](ctx, db, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Product A1", got.Name)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("4.50")))
	assert.Equal(t, schema.SyncStatusSynced, got.SyncStatus)
	assert.True(t, got.UpdatedAt.Equal(p.UpdatedAt))

	// Upsert replaces the snapshot and the index columns.
	p.Code = "B2"
	p.Name = "Renamed"
	require.NoError(t, db.Put(ctx, p))

	byCode, err := QueryByIndex[schema.Product](ctx, db, "code", "B2")
	require.NoError(t, err)
	require.Len(t, byCode, 1)
	assert.Equal(t, "Renamed", byCode[0].Name)

	old, err := QueryByIndex[schema.Product](ctx, db, "code", "A1")
	require.NoError(t, err)
	assert.Empty(t, old)
}

func TestPut_DefaultsBookkeeping(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	c := &schema.Category{Meta: schema.Meta{ID: "c1"}, Name: "Drinks"}
	require.NoError(t, db.Put(ctx, c))
	assert.Equal(t, schema.SyncStatusPending, c.SyncStatus)
	assert.False(t, c.UpdatedAt.IsZero())

	err := db.Put(ctx, &schema.Category{Name: "no id"})
	assert.ErrorIs(t, err, schema.ErrValidation)
}

func TestGet_NotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := Get[schema.Customer](context.Background(), db, "missing")
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

func TestQueryByIndex(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for i, code := range []string{"A", "B", "C"} {
		p := testProduct(code, code)
		if i < 2 {
			p.CategoryID = "drinks"
		}
		require.NoError(t, db.Put(ctx, p))
	}

	tests := []struct {
		name    string
		index   string
		value   any
		want    []string
		wantErr error
	}{
		{name: "category", index: "category_id", value: "drinks", want: []string{"A", "B"}},
		{name: "null category", index: "category_id", value: nil, want: []string{"C"}},
		{name: "sync status", index: "sync_status", value: "synced", want: []string{"A", "B", "C"}},
		{name: "no match", index: "code", value: "Z", want: nil},
		{name: "unknown index", index: "phone", value: "1", wantErr: ErrUnknownIndex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := QueryByIndex[schema.Product](ctx, db, tt.index, tt.value)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			var ids []string
			for _, p := range got {
				ids = append(ids, p.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestIndexes(t *testing.T) {
	assert.Equal(t, []string{"server_id", "status", "store_id", "sync_status"}, Indexes(schema.EntityShift))
	assert.Equal(t, []string{"server_id", "sync_status"}, Indexes(schema.EntityCategory))
}

func TestPutOrder_ReplacesItems(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	coffee := testProduct("p1", "COF")
	tea := testProduct("p2", "TEA")

	o := schema.NewOrder("store-1")
	_, err := o.AddItem(coffee, 2)
	require.NoError(t, err)
	second, err := o.AddItem(tea, 1)
	require.NoError(t, err)
	teaID := second.ID
	require.NoError(t, db.PutOrder(ctx, o))

	got, err := db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	assert.True(t, got.Total.Equal(o.Total))
	assert.Equal(t, o.ID, got.Items[0].OrderID)
	assert.Equal(t, schema.SyncStatusPending, got.Items[1].SyncStatus)

	require.NoError(t, got.RemoveItem(teaID))
	require.NoError(t, db.PutOrder(ctx, got))

	got, err = db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "p1", got.Items[0].ProductID)

	items, err := QueryByIndex[schema.OrderItem](ctx, db, "order_id", o.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestPutOrder_RejectsInconsistentTotals(t *testing.T) {
	db := openTestDB(t)

	o := schema.NewOrder("store-1")
	o.Total = decimal.NewFromInt(99)

	err := db.PutOrder(context.Background(), o)
	assert.ErrorIs(t, err, schema.ErrValidation)

	_, err = db.GetOrder(context.Background(), o.ID)
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

func TestListOrders(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	draft := schema.NewOrder("s1")
	paid := schema.NewOrder("s1")
	_, err := paid.AddItem(testProduct("p1", "A"), 1)
	require.NoError(t, err)
	require.NoError(t, paid.MarkPaid(schema.PaymentCash, decimal.NewFromInt(10), time.Now()))

	require.NoError(t, db.PutOrder(ctx, draft))
	require.NoError(t, db.PutOrder(ctx, paid))

	all, err := db.ListOrders(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	paidOnly, err := db.ListOrders(ctx, schema.OrderStatusPaid)
	require.NoError(t, err)
	require.Len(t, paidOnly, 1)
	assert.Equal(t, paid.ID, paidOnly[0].ID)
	assert.Len(t, paidOnly[0].Items, 1)
}

func TestOpenShift_AtMostOnePerStore(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.OpenShift(ctx, "s1")
	assert.ErrorIs(t, err, schema.ErrNotFound)

	first := testShift("s1")
	require.NoError(t, db.Put(ctx, first))

	err = db.Put(ctx, testShift("s1"))
	assert.ErrorIs(t, err, schema.ErrAlreadyExists)

	// Another store is independent.
	require.NoError(t, db.Put(ctx, testShift("s2")))

	open, err := db.OpenShift(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, open.ID)

	// Once closed, a new one may open.
	require.NoError(t, first.Close(decimal.NewFromInt(150), "", time.Now()))
	require.NoError(t, db.Put(ctx, first))
	require.NoError(t, db.Put(ctx, testShift("s1")))

	has, err := db.HasShifts(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = db.HasShifts(ctx, "s9")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestNextNumbers(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	n, err := db.NextOrderNumber(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	o := schema.NewOrder("s1")
	o.OrderNumber = 41
	require.NoError(t, db.PutOrder(ctx, o))

	n, err = db.NextOrderNumber(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	n, err = db.NextOrderNumber(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	sh := testShift("s1")
	sh.ShiftNumber = 7
	require.NoError(t, db.Put(ctx, sh))
	n, err = db.NextShiftNumber(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
}

func TestRunInTx(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	boom := errors.New("boom")

	t.Run("rollback on error", func(t *testing.T) {
		err := db.RunInTx(ctx, func(ctx context.Context) error {
			require.True(t, InTx(ctx))
			require.NoError(t, db.Put(ctx, testProduct("rb", "RB")))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = Get[schema.Product](ctx, db, "rb")
		assert.ErrorIs(t, err, schema.ErrNotFound)
	})

	t.Run("nested joins outer", func(t *testing.T) {
		err := db.RunInTx(ctx, func(ctx context.Context) error {
			if err := db.RunInTx(ctx, func(ctx context.Context) error {
				return db.Put(ctx, testProduct("inner", "IN"))
			}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = Get[schema.Product](ctx, db, "inner")
		assert.ErrorIs(t, err, schema.ErrNotFound, "inner write must roll back with the outer transaction")
	})

	t.Run("rollback on panic", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = db.RunInTx(ctx, func(ctx context.Context) error {
				_ = db.Put(ctx, testProduct("panic", "PA"))
				panic("bad")
			})
		})

		_, err := Get[schema.Product](ctx, db, "panic")
		assert.ErrorIs(t, err, schema.ErrNotFound)
	})

	t.Run("commit", func(t *testing.T) {
		require.NoError(t, db.RunInTx(ctx, func(ctx context.Context) error {
			return db.Put(ctx, testProduct("ok", "OK"))
		}))

		_, err := Get[schema.Product](ctx, db, "ok")
		assert.NoError(t, err)
	})
}

func TestMarkSynced(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	sh := testShift("s1")
	require.NoError(t, db.Put(ctx, sh))

	ackAt := time.Date(2025, 5, 1, 8, 30, 0, 0, time.UTC)
	require.NoError(t, db.MarkSynced(ctx, schema.EntityShift, sh.ID, "srv-9", schema.SyncStatusSynced, ackAt))

	got, err := Get[schema.Shift](ctx, db, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, "srv-9", got.ServerID)
	assert.Equal(t, schema.SyncStatusSynced, got.SyncStatus)
	assert.True(t, got.UpdatedAt.Equal(ackAt))

	byServer, err := QueryByIndex[schema.Shift](ctx, db, "server_id", "srv-9")
	require.NoError(t, err)
	assert.Len(t, byServer, 1)

	require.NoError(t, db.SetSyncStatus(ctx, schema.EntityShift, sh.ID, schema.SyncStatusError))
	got, err = Get[schema.Shift](ctx, db, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SyncStatusError, got.SyncStatus)

	err = db.MarkSynced(ctx, schema.EntityShift, "missing", "x", schema.SyncStatusSynced, ackAt)
	assert.ErrorIs(t, err, schema.ErrNotFound)

	counts, err := db.CountBySyncStatus(ctx, schema.EntityShift)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[schema.SyncStatusError])
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.Put(ctx, testProduct("p1", "A")))
	require.NoError(t, db.Delete(ctx, schema.EntityProduct, "p1"))
	require.NoError(t, db.Delete(ctx, schema.EntityProduct, "p1"))

	_, err := Get[schema.Product](ctx, db, "p1")
	assert.ErrorIs(t, err, schema.ErrNotFound)

	err = db.Delete(ctx, schema.EntityType("bogus"), "p1")
	assert.ErrorIs(t, err, schema.ErrValidation)
}

func TestIDMap(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	local := schema.NewLocalID(schema.PrefixShift)

	id, ok, err := db.ResolveServerID(ctx, schema.EntityShift, local)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, id)

	require.NoError(t, db.MapID(ctx, schema.EntityShift, local, "srv-1"))
	require.NoError(t, db.MapID(ctx, schema.EntityShift, local, "srv-1"))

	id, ok, err = db.ResolveServerID(ctx, schema.EntityShift, local)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "srv-1", id)

	back, err := db.LocalIDFor(ctx, schema.EntityShift, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, local, back)

	// Server ids and empty references pass through.
	id, ok, err = db.ResolveServerID(ctx, schema.EntityCustomer, "42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "42", id)

	id, ok, err = db.ResolveServerID(ctx, schema.EntityCustomer, "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, id)
}

func TestWatermark(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	w, err := db.Watermark(ctx, schema.EntityOrder)
	require.NoError(t, err)
	assert.True(t, w.IsZero())

	later := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	require.NoError(t, db.SetWatermark(ctx, schema.EntityOrder, later))
	require.NoError(t, db.SetWatermark(ctx, schema.EntityOrder, earlier))

	w, err = db.Watermark(ctx, schema.EntityOrder)
	require.NoError(t, err)
	assert.True(t, w.Equal(later), "watermark must not move backwards, got %s", w)

	other, err := db.Watermark(ctx, schema.EntityProduct)
	require.NoError(t, err)
	assert.True(t, other.IsZero())
}

func TestConflicts(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for _, id := range []string{"o1", "o2"} {
		require.NoError(t, db.RecordConflict(ctx, Conflict{
			EntityType:   schema.EntityOrder,
			LocalID:      id,
			LocalStatus:  "paid",
			RemoteStatus: "draft",
			Resolution:   "kept_local",
		}))
	}

	got, err := db.ListConflicts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "o2", got[0].LocalID)
	assert.Equal(t, schema.EntityOrder, got[0].EntityType)
	assert.False(t, got[0].DetectedAt.IsZero())
}
