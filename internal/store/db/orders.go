package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/cashpoint/posync/internal/schema"
)

// PutOrder persists an order together with its items. The order row stores
// the order without items; each item gets its own order_items row sharing the
// order's sync status and updated_at. Items no longer on the order are
// removed.
func (db *DB) PutOrder(ctx context.Context, o *schema.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}

	return db.RunInTx(ctx, func(ctx context.Context) error {
		head := *o
		head.Items = nil
		if err := db.Put(ctx, &head); err != nil {
			return err
		}
		// Put may have defaulted the bookkeeping fields.
		o.Meta = head.Meta

		q, args, err := psql.Delete(string(schema.EntityOrderItem)).Where(sq.Eq{"order_id": o.ID}).ToSql()
		if err != nil {
			return fmt.Errorf("build delete: %w", err)
		}
		if _, err := db.Querier(ctx).ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("failed to replace items of order %s: %w", o.ID, err)
		}

		for i := range o.Items {
			item := &o.Items[i]
			item.OrderID = o.ID
			item.SyncStatus = o.SyncStatus
			item.UpdatedAt = o.UpdatedAt
			if err := db.Put(ctx, item); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetOrder loads an order and its items.
func (db *DB) GetOrder(ctx context.Context, id string) (*schema.Order, error) {
	o, err := Get[schema.Order](ctx, db, id)
	if err != nil {
		return nil, err
	}
	if err := db.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (db *DB) loadItems(ctx context.Context, o *schema.Order) error {
	items, err := QueryByIndex[schema.OrderItem](ctx, db, "order_id", o.ID)
	if err != nil {
		return fmt.Errorf("failed to load items of order %s: %w", o.ID, err)
	}
	o.Items = make([]schema.OrderItem, 0, len(items))
	for _, it := range items {
		o.Items = append(o.Items, *it)
	}
	return nil
}

// ListOrders returns orders with the given status (all statuses when empty),
// items included.
func (db *DB) ListOrders(ctx context.Context, status schema.OrderStatus) ([]*schema.Order, error) {
	var (
		orders []*schema.Order
		err    error
	)
	if status == "" {
		orders, err = List[schema.Order](ctx, db)
	} else {
		orders, err = QueryByIndex[schema.Order](ctx, db, "status", string(status))
	}
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if err := db.loadItems(ctx, o); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// ListOrdersSince returns orders modified at or after since, oldest first,
// items included.
func (db *DB) ListOrdersSince(ctx context.Context, since time.Time, limit uint64) ([]*schema.Order, error) {
	orders, err := ListUpdatedSince[schema.Order](ctx, db, since, limit)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if err := db.loadItems(ctx, o); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// NextOrderNumber returns one more than the highest order number used by the
// store.
func (db *DB) NextOrderNumber(ctx context.Context, storeID string) (int64, error) {
	return db.nextNumber(ctx, schema.EntityOrder, "$.order_number", storeID)
}

// NextShiftNumber returns one more than the highest shift number used by the
// store.
func (db *DB) NextShiftNumber(ctx context.Context, storeID string) (int64, error) {
	return db.nextNumber(ctx, schema.EntityShift, "$.shift_number", storeID)
}

func (db *DB) nextNumber(ctx context.Context, entity schema.EntityType, path, storeID string) (int64, error) {
	q, args, err := psql.Select().
		Column(sq.Expr("MAX(CAST(json_extract(data, ?) AS INTEGER))", path)).
		From(string(entity)).
		Where(sq.Eq{"store_id": storeID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build select: %w", err)
	}

	var last sql.NullInt64
	if err := db.Querier(ctx).QueryRowContext(ctx, q, args...).Scan(&last); err != nil {
		return 0, fmt.Errorf("failed to read last %s number: %w", entity, err)
	}
	return last.Int64 + 1, nil
}

// OpenShift returns the locally recorded open shift of the store.
func (db *DB) OpenShift(ctx context.Context, storeID string) (*schema.Shift, error) {
	q, args, err := psql.Select(recordColumns...).
		From(string(schema.EntityShift)).
		Where(sq.Eq{"store_id": storeID, "status": string(schema.ShiftStatusOpen)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var s schema.Shift
	if err := scanRecord(db.Querier(ctx).QueryRowContext(ctx, q, args...), &s); err != nil {
		return nil, mapError(err, schema.EntityShift, "open@"+storeID)
	}
	return &s, nil
}

// HasShifts reports whether any shift, open or closed, is recorded for the
// store.
func (db *DB) HasShifts(ctx context.Context, storeID string) (bool, error) {
	q, args, err := psql.Select("1").
		From(string(schema.EntityShift)).
		Where(sq.Eq{"store_id": storeID}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build select: %w", err)
	}

	var one int
	err = db.Querier(ctx).QueryRowContext(ctx, q, args...).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to look up shifts: %w", err)
	}
	return true, nil
}
