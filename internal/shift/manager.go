// Package shift manages the cash-register shift lifecycle.
//
// Every operation completes against the local store; the backend is
// consulted only as a fallback when no open shift is known locally, at most
// once per stale window per store. Writes are paired with an outbox entry in
// the same transaction and reach the backend through the sync coordinator.
package shift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cashpoint/posync/internal/schema"
	"github.com/cashpoint/posync/internal/store/db"
	"github.com/cashpoint/posync/internal/store/outbox"
)

// Remote looks up the backend's open shift of a store; nil means none.
type Remote interface {
	GetOpenShift(ctx context.Context, storeID string) (*schema.Shift, error)
}

// Connectivity reports whether the backend is believed reachable.
type Connectivity interface {
	Online() bool
}

// Nudger asks for an opportunistic sync pass.
type Nudger interface {
	Trigger()
}

// Options configures a Manager. Remote, Connectivity and Sync are optional.
type Options struct {
	Store        *db.DB
	Outbox       *outbox.Outbox
	Remote       Remote
	Connectivity Connectivity
	Sync         Nudger

	// StaleTime is how long a remote lookup for a store stays fresh.
	StaleTime time.Duration
	// RemoteTimeout bounds a remote lookup.
	RemoteTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// OpenInput are the values captured when a shift is opened.
type OpenInput struct {
	StoreID          string
	InitialCash      decimal.Decimal
	InventoryBalance *decimal.Decimal
}

// CloseInput are the values captured when a shift is closed.
type CloseInput struct {
	StoreID   string
	FinalCash decimal.Decimal
	Notes     string
	Inventory []schema.InventoryEntry
}

// Manager is the single writer of shift records.
type Manager struct {
	store         *db.DB
	outbox        *outbox.Outbox
	remote        Remote
	conn          Connectivity
	sync          Nudger
	staleTime     time.Duration
	remoteTimeout time.Duration
	log           *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	checked map[string]time.Time
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.StaleTime <= 0 {
		opts.StaleTime = 5 * time.Minute
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:         opts.Store,
		outbox:        opts.Outbox,
		remote:        opts.Remote,
		conn:          opts.Connectivity,
		sync:          opts.Sync,
		staleTime:     opts.StaleTime,
		remoteTimeout: opts.RemoteTimeout,
		log:           opts.Logger.With("component", "shift"),
		now:           opts.Now,
		checked:       make(map[string]time.Time),
	}
}

// Checked reports whether the backend was asked about the store's open shift
// within the stale window.
func (m *Manager) Checked(storeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.checked[storeID]
	return ok && m.now().Sub(at) < m.staleTime
}

// ResetChecked forgets the remote lookup of a store so the next lookup asks
// the backend again.
func (m *Manager) ResetChecked(storeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checked, storeID)
}

func (m *Manager) markChecked(storeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checked[storeID] = m.now()
}

// Open starts a shift for the store. It fails with schema.ErrShiftAlreadyOpen
// when the store already has an open shift, locally or on the backend; a
// backend shift unknown locally is adopted so later lookups find it.
func (m *Manager) Open(ctx context.Context, in OpenInput) (*schema.Shift, error) {
	if strings.TrimSpace(in.StoreID) == "" {
		return nil, schema.NewValidationError("store_id", "is required")
	}
	if in.InitialCash.IsNegative() {
		return nil, schema.NewValidationError("initial_cash", "must not be negative")
	}

	existing, err := m.store.OpenShift(ctx, in.StoreID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("store %s has shift %s open: %w", in.StoreID, existing.ID, schema.ErrShiftAlreadyOpen)
	case !errors.Is(err, schema.ErrNotFound):
		return nil, err
	}

	if adopted, err := m.checkRemote(ctx, in.StoreID); err != nil {
		return nil, err
	} else if adopted != nil {
		return nil, fmt.Errorf("store %s has shift %s open on the backend: %w", in.StoreID, adopted.ID, schema.ErrShiftAlreadyOpen)
	}

	now := m.now().UTC()
	s := &schema.Shift{
		Meta:             schema.Meta{ID: schema.NewLocalID(schema.PrefixShift)},
		StoreID:          in.StoreID,
		Status:           schema.ShiftStatusOpen,
		OpenedAt:         now,
		InitialCash:      schema.RoundMoney(in.InitialCash),
		InventoryBalance: in.InventoryBalance,
	}
	s.Touch(now)

	err = m.store.RunInTx(ctx, func(ctx context.Context) error {
		// Re-checked under the write lock: a concurrent Open may have won.
		if _, err := m.store.OpenShift(ctx, in.StoreID); err == nil {
			return schema.ErrShiftAlreadyOpen
		} else if !errors.Is(err, schema.ErrNotFound) {
			return err
		}

		number, err := m.store.NextShiftNumber(ctx, in.StoreID)
		if err != nil {
			return err
		}
		s.ShiftNumber = number
		if err := s.Validate(); err != nil {
			return err
		}
		if err := m.store.Put(ctx, s); err != nil {
			return err
		}
		_, err = m.outbox.Enqueue(ctx, schema.EntityShift, schema.ActionCreate, s.ID, s)
		return err
	})
	if errors.Is(err, schema.ErrAlreadyExists) {
		err = schema.ErrShiftAlreadyOpen
	}
	if err != nil {
		return nil, fmt.Errorf("open shift for store %s: %w", in.StoreID, err)
	}

	m.log.Info("shift opened",
		slog.String("shift_id", s.ID),
		slog.Int64("shift_number", s.ShiftNumber),
		slog.String("store_id", s.StoreID),
		slog.String("initial_cash", s.InitialCash.StringFixed(2)),
	)
	m.nudge()
	return s, nil
}

// GetOpenShift returns the store's open shift. The local store answers
// first; the backend is asked only when nothing is known locally and the
// store was not checked within the stale window. It fails with
// schema.ErrNoOpenShift when there is none.
func (m *Manager) GetOpenShift(ctx context.Context, storeID string) (*schema.Shift, error) {
	s, err := m.store.OpenShift(ctx, storeID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, schema.ErrNotFound) {
		return nil, err
	}

	adopted, err := m.checkRemote(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if adopted != nil {
		return adopted, nil
	}
	return nil, fmt.Errorf("store %s: %w", storeID, schema.ErrNoOpenShift)
}

// checkRemote asks the backend for the store's open shift and adopts it. It
// returns nil without error when offline, already checked, or on any
// backend failure: the lookup is best effort and never fails the caller.
func (m *Manager) checkRemote(ctx context.Context, storeID string) (*schema.Shift, error) {
	if m.remote == nil || m.Checked(storeID) {
		return nil, nil
	}
	if m.conn != nil && !m.conn.Online() {
		return nil, nil
	}
	m.markChecked(storeID)

	rctx, cancel := context.WithTimeout(ctx, m.remoteTimeout)
	defer cancel()

	remote, err := m.remote.GetOpenShift(rctx, storeID)
	if err != nil {
		m.log.Warn("remote shift lookup failed", slog.String("store_id", storeID), slog.String("error", err.Error()))
		return nil, nil
	}
	if remote == nil || remote.Status != schema.ShiftStatusOpen {
		return nil, nil
	}
	return m.adopt(ctx, remote)
}

// adopt stores a shift opened elsewhere as synced. A backend shift that this
// device already closed locally is not resurrected.
func (m *Manager) adopt(ctx context.Context, remote *schema.Shift) (*schema.Shift, error) {
	var adopted *schema.Shift
	err := m.store.RunInTx(ctx, func(ctx context.Context) error {
		localID, err := m.store.LocalIDFor(ctx, schema.EntityShift, remote.ID)
		if err != nil {
			return err
		}
		if localID == "" {
			localID = remote.ID
		}
		local, err := db.Get[schema.Shift](ctx, m.store, localID)
		switch {
		case err == nil && local.Status == schema.ShiftStatusClosed:
			m.log.Info("backend shift already closed locally",
				slog.String("shift_id", localID),
				slog.String("server_id", remote.ID),
			)
			return nil
		case err != nil && !errors.Is(err, schema.ErrNotFound):
			return err
		}

		if _, err := m.store.OpenShift(ctx, remote.StoreID); err == nil {
			return schema.ErrShiftAlreadyOpen
		} else if !errors.Is(err, schema.ErrNotFound) {
			return err
		}

		s := *remote
		s.ID = localID
		s.ServerID = remote.ID
		s.SyncStatus = schema.SyncStatusSynced
		if s.UpdatedAt.IsZero() {
			s.UpdatedAt = m.now().UTC()
		}
		if err := m.store.Put(ctx, &s); err != nil {
			return err
		}
		if err := m.store.MapID(ctx, schema.EntityShift, localID, remote.ID); err != nil {
			return err
		}
		adopted = &s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("adopt shift %s: %w", remote.ID, err)
	}
	if adopted != nil {
		m.log.Info("adopted backend shift",
			slog.String("shift_id", adopted.ID),
			slog.String("store_id", adopted.StoreID),
		)
	}
	return adopted, nil
}

// Close ends the store's open shift. The closed shift and its inventory
// count are enqueued together, so a shift is never closed locally without
// its reconciliation payload. Closing is irreversible.
func (m *Manager) Close(ctx context.Context, in CloseInput) (*schema.Shift, error) {
	var closed *schema.Shift
	err := m.store.RunInTx(ctx, func(ctx context.Context) error {
		s, err := m.store.OpenShift(ctx, in.StoreID)
		if errors.Is(err, schema.ErrNotFound) {
			return schema.ErrNoOpenShift
		}
		if err != nil {
			return err
		}

		now := m.now()
		if err := s.Close(schema.RoundMoney(in.FinalCash), in.Notes, now); err != nil {
			return err
		}
		s.Touch(now)

		closure := &schema.ShiftClosure{Shift: *s, Inventory: in.Inventory}
		if closure.Inventory == nil {
			closure.Inventory = []schema.InventoryEntry{}
		}
		if err := closure.Validate(); err != nil {
			return err
		}
		if err := m.store.Put(ctx, s); err != nil {
			return err
		}
		if _, err := m.outbox.Enqueue(ctx, schema.EntityShift, schema.ActionUpdate, s.ID, closure); err != nil {
			return err
		}
		closed = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("close shift for store %s: %w", in.StoreID, err)
	}

	m.log.Info("shift closed",
		slog.String("shift_id", closed.ID),
		slog.String("store_id", closed.StoreID),
		slog.String("final_cash", closed.FinalCash.StringFixed(2)),
		slog.Int("inventory_entries", len(in.Inventory)),
	)
	m.nudge()
	return closed, nil
}

// Get loads a shift by local id.
func (m *Manager) Get(ctx context.Context, id string) (*schema.Shift, error) {
	return db.Get[schema.Shift](ctx, m.store, id)
}

// List returns the store's shifts, oldest first.
func (m *Manager) List(ctx context.Context, storeID string) ([]*schema.Shift, error) {
	return db.QueryByIndex[schema.Shift](ctx, m.store, "store_id", storeID)
}

func (m *Manager) nudge() {
	if m.sync != nil {
		m.sync.Trigger()
	}
}
