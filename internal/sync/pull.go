package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cashpoint/posync/internal/schema"
	"github.com/cashpoint/posync/internal/store/db"
)

// Resolution recorded when a pulled order contradicts a terminal local one.
const resolutionKeptLocal = "kept_local"

type referenceStep struct {
	label  string
	entity schema.EntityType
	pull   func(ctx context.Context) (int, error)
}

func (c *Coordinator) referenceSteps() []referenceStep {
	return []referenceStep{
		{label: "products", entity: schema.EntityProduct, pull: func(ctx context.Context) (int, error) {
			return pullReference(ctx, c, schema.EntityProduct, c.remote.ListProducts)
		}},
		{label: "categories", entity: schema.EntityCategory, pull: func(ctx context.Context) (int, error) {
			return pullReference(ctx, c, schema.EntityCategory, c.remote.ListCategories)
		}},
		{label: "customers", entity: schema.EntityCustomer, pull: func(ctx context.Context) (int, error) {
			return pullReference(ctx, c, schema.EntityCustomer, c.remote.ListCustomers)
		}},
	}
}

// pull merges backend changes since the last watermark of each type.
func (c *Coordinator) pull(ctx context.Context, res *Result) error {
	var errs []error

	if c.storeID != "" {
		n, conflicts, err := c.pullOrders(ctx)
		res.Pulled += n
		res.Conflicts += conflicts
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, step := range c.referenceSteps() {
		if isStorage(errors.Join(errs...)) {
			break
		}
		n, err := step.pull(ctx)
		res.Pulled += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type recordPtr[T any] interface {
	*T
	schema.Record
}

// pullReference merges reference data with last-writer-wins on updated_at.
// A local copy with unpushed edits is left alone.
func pullReference[T any, P recordPtr[T]](
	ctx context.Context,
	c *Coordinator,
	entity schema.EntityType,
	fetch func(context.Context, time.Time) ([]P, error),
) (int, error) {
	since, err := c.store.Watermark(ctx, entity)
	if err != nil {
		return 0, storageError{err}
	}
	records, err := fetch(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("pull %s: %w", entity, err)
	}

	applied := 0
	newest := since
	err = c.store.RunInTx(ctx, func(ctx context.Context) error {
		for _, r := range records {
			meta := r.Base()
			if meta.UpdatedAt.After(newest) {
				newest = meta.UpdatedAt
			}

			local, err := db.Get[T, P](ctx, c.store, meta.ID)
			switch {
			case errors.Is(err, schema.ErrNotFound):
			case err != nil:
				return err
			case local.Base().SyncStatus == schema.SyncStatusPending:
				continue
			case !meta.UpdatedAt.After(local.Base().UpdatedAt):
				continue
			}

			meta.ServerID = meta.ID
			meta.SyncStatus = schema.SyncStatusSynced
			if err := c.store.Put(ctx, r); err != nil {
				return err
			}
			applied++
		}
		if newest.After(since) {
			return c.store.SetWatermark(ctx, entity, newest)
		}
		return nil
	})
	if err != nil {
		return 0, storageError{err}
	}

	c.metrics.observePull(entity, applied)
	return applied, nil
}

// pullOrders merges the store's orders. Pulled orders never override a
// terminal local status: a contradiction is logged to the conflict table and
// the local record wins.
func (c *Coordinator) pullOrders(ctx context.Context) (applied, conflicts int, err error) {
	since, err := c.store.Watermark(ctx, schema.EntityOrder)
	if err != nil {
		return 0, 0, storageError{err}
	}
	orders, err := c.remote.ListOrders(ctx, c.storeID, since)
	if err != nil {
		return 0, 0, fmt.Errorf("pull %s: %w", schema.EntityOrder, err)
	}

	newest := since
	err = c.store.RunInTx(ctx, func(ctx context.Context) error {
		for _, r := range orders {
			// The watermark also moves past orders skipped below because a
			// local edit is pending. Each order is written by one terminal,
			// so that local edit supersedes the skipped copy.
			if r.UpdatedAt.After(newest) {
				newest = r.UpdatedAt
			}
			ok, conflict, err := c.mergeOrder(ctx, r)
			if err != nil {
				return err
			}
			if ok {
				applied++
			}
			if conflict {
				conflicts++
			}
		}
		if newest.After(since) {
			return c.store.SetWatermark(ctx, schema.EntityOrder, newest)
		}
		return nil
	})
	if err != nil {
		return 0, 0, storageError{err}
	}

	c.metrics.observePull(schema.EntityOrder, applied)
	return applied, conflicts, nil
}

func (c *Coordinator) mergeOrder(ctx context.Context, r *schema.Order) (applied, conflict bool, err error) {
	serverID := r.ID
	localID, err := c.store.LocalIDFor(ctx, schema.EntityOrder, serverID)
	if err != nil {
		return false, false, err
	}
	if localID == "" {
		localID = serverID
	}

	local, err := c.store.GetOrder(ctx, localID)
	switch {
	case errors.Is(err, schema.ErrNotFound):
		local = nil
	case err != nil:
		return false, false, err
	}

	if local != nil {
		pending, err := c.outbox.HasPending(ctx, schema.EntityOrder, localID)
		if err != nil {
			return false, false, err
		}
		if pending || local.SyncStatus == schema.SyncStatusPending {
			return false, false, nil
		}

		if local.Status.IsTerminal() && r.Status != local.Status {
			err := c.store.RecordConflict(ctx, db.Conflict{
				EntityType:   schema.EntityOrder,
				LocalID:      localID,
				LocalStatus:  string(local.Status),
				RemoteStatus: string(r.Status),
				Resolution:   resolutionKeptLocal,
				DetectedAt:   c.now(),
			})
			if err != nil {
				return false, false, err
			}
			c.metrics.observeConflict(schema.EntityOrder)
			c.log.Warn("pulled order contradicts terminal local state",
				slog.String("local_id", localID),
				slog.String("server_id", serverID),
				slog.String("local_status", string(local.Status)),
				slog.String("remote_status", string(r.Status)),
			)
			return false, true, nil
		}

		if !r.UpdatedAt.After(local.UpdatedAt) {
			return false, false, nil
		}
	}

	// References are kept as local ids when this device minted them.
	if r.ShiftID != "" {
		shiftID, err := c.store.LocalIDFor(ctx, schema.EntityShift, r.ShiftID)
		if err != nil {
			return false, false, err
		}
		if shiftID != "" {
			r.ShiftID = shiftID
		}
	}

	r.ID = localID
	r.ServerID = serverID
	r.SyncStatus = schema.SyncStatusSynced
	if err := c.store.PutOrder(ctx, r); err != nil {
		if errors.Is(err, schema.ErrValidation) {
			c.log.Warn("pulled order rejected",
				slog.String("server_id", serverID),
				slog.String("error", err.Error()),
			)
			return false, false, nil
		}
		return false, false, err
	}
	return true, false, nil
}
