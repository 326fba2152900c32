package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cashpoint/posync/internal/remote"
	"github.com/cashpoint/posync/internal/schema"
	"github.com/cashpoint/posync/internal/store/db"
	"github.com/cashpoint/posync/internal/store/outbox"
)

// pushOrder lists the pushed entity types so that a referenced record is
// always attempted before the records pointing at it.
var pushOrder = []schema.EntityType{schema.EntityShift, schema.EntityOrder}

// errDeferred means an entry references a record the backend has not
// acknowledged yet. It is retried on a later pass without counting as a
// failure.
var errDeferred = errors.New("waiting for a referenced record")

// push drains the outbox in FIFO order per entity type. A record with a
// failed or deferred entry is skipped for the rest of the pass so its later
// entries never overtake it. A retryable failure backs the whole type off.
func (c *Coordinator) push(ctx context.Context, res *Result) error {
	var errs []error

	for _, entity := range pushOrder {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if !c.backoff.ready(entity, c.now()) {
			c.log.Debug("entity type backing off", slog.String("entity_type", string(entity)))
			continue
		}
		if err := c.pushType(ctx, entity, res, &errs); err != nil {
			return errors.Join(append(errs, err)...)
		}
	}
	return errors.Join(errs...)
}

// pushType pages through the drainable entries of one type until batchSize
// deliveries were attempted or the queue runs out. Skipped and deferred
// entries do not count against the batch, so a run of stuck records cannot
// hide the healthy ones queued behind them. Delivery failures are appended
// to errs; the returned error aborts the pass.
func (c *Coordinator) pushType(ctx context.Context, entity schema.EntityType, res *Result, errs *[]error) error {
	blocked := make(map[string]bool)
	attempted := 0
	var after int64

pages:
	for attempted < c.batchSize {
		entries, err := c.outbox.Drainable(ctx, entity, c.maxRetries, after, c.batchSize)
		if err != nil {
			return storageError{err}
		}
		if len(entries) == 0 {
			return nil
		}

		for i := range entries {
			e := &entries[i]
			after = e.ID
			if blocked[e.EntityLocalID] {
				continue
			}
			if attempted >= c.batchSize {
				break pages
			}

			err := c.pushEntry(ctx, e)
			switch {
			case err == nil:
				attempted++
				res.Pushed++
				c.backoff.succeeded(entity)

			case errors.Is(err, errDeferred):
				res.Deferred++
				blocked[e.EntityLocalID] = true
				c.log.Debug("outbox entry deferred",
					slog.Int64("entry", e.ID),
					slog.String("entity_type", string(entity)),
					slog.String("local_id", e.EntityLocalID),
				)

			case isStorage(err):
				return err

			case ctx.Err() != nil:
				return ctx.Err()

			default:
				attempted++
				res.Failed++
				blocked[e.EntityLocalID] = true
				*errs = append(*errs, fmt.Errorf("push %s %s: %w", entity, e.EntityLocalID, err))

				retryable, ferr := c.fail(ctx, e, err)
				if ferr != nil {
					return ferr
				}
				if retryable {
					break pages
				}
			}
		}
	}
	return nil
}

// fail records a delivery failure. Retryable failures back the entity type
// off; rejections mark the record as errored and let the pass continue with
// other records.
func (c *Coordinator) fail(ctx context.Context, e *outbox.Entry, cause error) (retryable bool, err error) {
	kind := kindOf(cause)
	retries, err := c.outbox.Fail(ctx, e.ID, cause)
	if err != nil {
		return false, storageError{err}
	}
	c.metrics.observeFailure(e.EntityType, kind)

	log := c.log.With(
		slog.Int64("entry", e.ID),
		slog.String("entity_type", string(e.EntityType)),
		slog.String("local_id", e.EntityLocalID),
		slog.Int("retries", retries),
		slog.String("error", cause.Error()),
	)
	if retries >= c.maxRetries {
		log.Error("outbox entry exhausted its retries")
	}

	if kind == ErrorNetwork {
		delay := c.backoff.failed(e.EntityType, c.now())
		log.Warn("push failed, backing off", slog.Duration("delay", delay))
		return true, nil
	}

	log.Warn("push rejected by backend")
	err = c.store.SetSyncStatus(ctx, e.EntityType, e.EntityLocalID, schema.SyncStatusError)
	if err != nil && !errors.Is(err, schema.ErrNotFound) {
		return false, storageError{err}
	}
	return false, nil
}

func (c *Coordinator) pushEntry(ctx context.Context, e *outbox.Entry) error {
	switch e.EntityType {
	case schema.EntityShift:
		return c.pushShift(ctx, e)
	case schema.EntityOrder:
		return c.pushOrder(ctx, e)
	}
	return rejectedError{fmt.Errorf("entity type %q is not pushed", e.EntityType)}
}

// updateKey is the idempotency key of an update: distinct updates of one
// record must not collapse into one.
func updateKey(e *outbox.Entry) string {
	return fmt.Sprintf("%s:%d", e.EntityLocalID, e.ID)
}

func (c *Coordinator) pushShift(ctx context.Context, e *outbox.Entry) error {
	var ack remote.Ack

	switch e.Action {
	case schema.ActionCreate:
		var s schema.Shift
		if err := e.Decode(&s); err != nil {
			return rejectedError{err}
		}
		var err error
		if ack, err = c.remote.OpenShift(ctx, e.EntityLocalID, &s); err != nil {
			return err
		}

	case schema.ActionUpdate:
		var closure schema.ShiftClosure
		if err := e.Decode(&closure); err != nil {
			return rejectedError{err}
		}
		serverID, err := c.resolve(ctx, schema.EntityShift, e.EntityLocalID)
		if err != nil {
			return err
		}
		closure.Shift.ID = serverID
		closure.Shift.ServerID = serverID
		if ack, err = c.remote.CloseShift(ctx, updateKey(e), &closure); err != nil {
			return err
		}

	default:
		return rejectedError{fmt.Errorf("shift action %q is not supported", e.Action)}
	}

	return c.reconcile(ctx, e, ack)
}

func (c *Coordinator) pushOrder(ctx context.Context, e *outbox.Entry) error {
	var o schema.Order
	if err := e.Decode(&o); err != nil {
		return rejectedError{err}
	}

	// References are stored as local ids and translated only on the wire.
	var err error
	if o.ShiftID, err = c.resolve(ctx, schema.EntityShift, o.ShiftID); err != nil {
		return err
	}
	if o.CustomerID, err = c.resolve(ctx, schema.EntityCustomer, o.CustomerID); err != nil {
		return err
	}

	var ack remote.Ack
	switch e.Action {
	case schema.ActionCreate:
		ack, err = c.remote.CreateOrder(ctx, e.EntityLocalID, &o)
	case schema.ActionUpdate:
		var serverID string
		if serverID, err = c.resolve(ctx, schema.EntityOrder, e.EntityLocalID); err != nil {
			return err
		}
		ack, err = c.remote.UpdateOrder(ctx, updateKey(e), serverID, &o)
	default:
		return rejectedError{fmt.Errorf("order action %q is not supported", e.Action)}
	}
	if err != nil {
		return err
	}

	return c.reconcile(ctx, e, ack)
}

// resolve returns the server id of a reference, or errDeferred while the
// referenced record is still waiting for its own acknowledgement.
func (c *Coordinator) resolve(ctx context.Context, entity schema.EntityType, id string) (string, error) {
	serverID, ok, err := c.store.ResolveServerID(ctx, entity, id)
	if err != nil {
		return "", storageError{err}
	}
	if !ok {
		return "", fmt.Errorf("%s %s: %w", entity, id, errDeferred)
	}
	return serverID, nil
}

// reconcile applies an acknowledgement in one transaction: the id mapping,
// the removal of the entry and the record's sync status all commit together.
// The record stays pending while later entries for it are queued.
func (c *Coordinator) reconcile(ctx context.Context, e *outbox.Entry, ack remote.Ack) error {
	err := c.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := c.store.MapID(ctx, e.EntityType, e.EntityLocalID, ack.ID); err != nil {
			return err
		}
		if err := c.outbox.Ack(ctx, e.ID); err != nil {
			return err
		}

		pending, err := c.outbox.HasPending(ctx, e.EntityType, e.EntityLocalID)
		if err != nil {
			return err
		}
		status := schema.SyncStatusSynced
		if pending {
			status = schema.SyncStatusPending
		}

		switch e.EntityType {
		case schema.EntityOrder:
			o, err := c.store.GetOrder(ctx, e.EntityLocalID)
			if errors.Is(err, schema.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			o.ServerID = ack.ID
			o.SyncStatus = status
			o.UpdatedAt = later(o.UpdatedAt, ack.UpdatedAt)
			return c.store.PutOrder(ctx, o)

		default:
			updatedAt := ack.UpdatedAt
			if s, err := db.Get[schema.Shift](ctx, c.store, e.EntityLocalID); err == nil {
				updatedAt = later(s.UpdatedAt, ack.UpdatedAt)
			}
			err := c.store.MarkSynced(ctx, e.EntityType, e.EntityLocalID, ack.ID, status, updatedAt)
			if errors.Is(err, schema.ErrNotFound) {
				return nil
			}
			return err
		}
	})
	if err != nil {
		return storageError{err}
	}

	c.metrics.observePush(e.EntityType, ack.Duplicate)
	c.log.Info("outbox entry acknowledged",
		slog.Int64("entry", e.ID),
		slog.String("entity_type", string(e.EntityType)),
		slog.String("action", string(e.Action)),
		slog.String("local_id", e.EntityLocalID),
		slog.String("server_id", ack.ID),
		slog.Bool("duplicate", ack.Duplicate),
	)
	return nil
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
