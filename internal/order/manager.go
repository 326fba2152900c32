// Package order manages the order lifecycle: drafts are built in memory,
// then saved, paid or cancelled against the local store.
//
// Each write persists the order with its items and appends the matching
// outbox entry in one transaction. The stored copy is re-read inside that
// transaction, so an order that reached a terminal state can never be saved
// or reopened, whatever the caller holds in memory.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cashpoint/posync/internal/schema"
	"github.com/cashpoint/posync/internal/store/db"
	"github.com/cashpoint/posync/internal/store/outbox"
)

// Nudger asks for an opportunistic sync pass.
type Nudger interface {
	Trigger()
}

// Options configures a Manager.
type Options struct {
	Store  *db.DB
	Outbox *outbox.Outbox
	Sync   Nudger

	// TaxRate is applied to new drafts (0.16 = 16%).
	TaxRate decimal.Decimal

	Logger *slog.Logger
	Now    func() time.Time
}

// Manager is the single writer of order records.
type Manager struct {
	store   *db.DB
	outbox  *outbox.Outbox
	sync    Nudger
	taxRate decimal.Decimal
	log     *slog.Logger
	now     func() time.Time
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:   opts.Store,
		outbox:  opts.Outbox,
		sync:    opts.Sync,
		taxRate: opts.TaxRate,
		log:     opts.Logger.With("component", "order"),
		now:     opts.Now,
	}
}

// NewDraft returns an unsaved draft for the store, attached to the store's
// open shift when there is one.
func (m *Manager) NewDraft(ctx context.Context, storeID string) (*schema.Order, error) {
	if storeID == "" {
		return nil, schema.NewValidationError("store_id", "is required")
	}

	o := schema.NewOrder(storeID)
	if err := o.SetTaxRate(m.taxRate); err != nil {
		return nil, err
	}

	s, err := m.store.OpenShift(ctx, storeID)
	switch {
	case err == nil:
		o.ShiftID = s.ID
	case !errors.Is(err, schema.ErrNotFound):
		return nil, err
	}
	return o, nil
}

// Load returns a stored order with its items.
func (m *Manager) Load(ctx context.Context, id string) (*schema.Order, error) {
	return m.store.GetOrder(ctx, id)
}

// SaveDraft persists a draft. The first save enqueues a create, later saves
// an update.
func (m *Manager) SaveDraft(ctx context.Context, o *schema.Order) error {
	if o.Status != schema.OrderStatusDraft {
		return fmt.Errorf("save order %s: %w", o.ID, schema.ErrTerminalOrder)
	}
	return m.write(ctx, o, "saved", func(*schema.Order) error { return nil })
}

// MarkAsPaid settles a draft. The paid snapshot, items included, is stored
// and enqueued together; amount must cover the total.
func (m *Manager) MarkAsPaid(ctx context.Context, o *schema.Order, method schema.PaymentMethod, amount decimal.Decimal) error {
	return m.write(ctx, o, "paid", func(o *schema.Order) error {
		return o.MarkPaid(method, amount, m.now())
	})
}

// Clear abandons a draft. A draft that was never saved is simply dropped; a
// saved one is cancelled so the cancellation reaches the backend.
func (m *Manager) Clear(ctx context.Context, o *schema.Order) error {
	_, err := m.store.GetOrder(ctx, o.ID)
	if errors.Is(err, schema.ErrNotFound) {
		if o.Status.IsTerminal() {
			return fmt.Errorf("clear order %s: %w", o.ID, schema.ErrTerminalOrder)
		}
		m.log.Debug("unsaved draft discarded", slog.String("order_id", o.ID))
		return nil
	}
	if err != nil {
		return err
	}

	return m.write(ctx, o, "cancelled", func(o *schema.Order) error {
		return o.MarkCancelled(m.now())
	})
}

// write applies mutate to o and persists it with its outbox entry. o is
// left untouched when anything fails.
func (m *Manager) write(ctx context.Context, o *schema.Order, verb string, mutate func(*schema.Order) error) error {
	working := clone(o)

	var action schema.Action
	err := m.store.RunInTx(ctx, func(ctx context.Context) error {
		stored, err := m.store.GetOrder(ctx, working.ID)
		switch {
		case errors.Is(err, schema.ErrNotFound):
			action = schema.ActionCreate
			if working.OrderNumber == 0 {
				if working.OrderNumber, err = m.store.NextOrderNumber(ctx, working.StoreID); err != nil {
					return err
				}
			}
		case err != nil:
			return err
		case stored.Status.IsTerminal():
			return fmt.Errorf("order %s is %s: %w", stored.ID, stored.Status, schema.ErrTerminalOrder)
		default:
			action = schema.ActionUpdate
			working.ServerID = stored.ServerID
			working.OrderNumber = stored.OrderNumber
		}

		if err := mutate(working); err != nil {
			return err
		}
		working.Recompute()
		working.Touch(m.now())

		if err := m.store.PutOrder(ctx, working); err != nil {
			return err
		}
		_, err = m.outbox.Enqueue(ctx, schema.EntityOrder, action, working.ID, working)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s order %s: %w", verb, o.ID, err)
	}

	*o = *working
	m.log.Info("order "+verb,
		slog.String("order_id", o.ID),
		slog.Int64("order_number", o.OrderNumber),
		slog.String("action", string(action)),
		slog.String("total", o.Total.StringFixed(2)),
		slog.Int("items", len(o.Items)),
	)
	if m.sync != nil {
		m.sync.Trigger()
	}
	return nil
}

// ListByStatus returns the stored orders with the status, all orders when
// status is empty.
func (m *Manager) ListByStatus(ctx context.Context, status schema.OrderStatus) ([]*schema.Order, error) {
	return m.store.ListOrders(ctx, status)
}

// ListSince returns orders changed at or after since, oldest first.
func (m *Manager) ListSince(ctx context.Context, since time.Time, limit uint64) ([]*schema.Order, error) {
	return m.store.ListOrdersSince(ctx, since, limit)
}

func clone(o *schema.Order) *schema.Order {
	c := *o
	c.Items = append([]schema.OrderItem(nil), o.Items...)
	if c.Items == nil {
		c.Items = []schema.OrderItem{}
	}
	return &c
}
