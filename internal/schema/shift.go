package schema

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ShiftStatus is the lifecycle state of a cash-register shift.
type ShiftStatus string

const (
	ShiftStatusOpen   ShiftStatus = "open"
	ShiftStatusClosed ShiftStatus = "closed"
)

// Shift is a bounded cash-register session. At most one open shift exists per
// store at any time.
type Shift struct {
	Meta
	ShiftNumber      int64            `json:"shift_number"`
	StoreID          string           `json:"store_id"`
	Status           ShiftStatus      `json:"status"`
	OpenedAt         time.Time        `json:"opened_at"`
	ClosedAt         *time.Time       `json:"closed_at,omitempty"`
	InitialCash      decimal.Decimal  `json:"initial_cash"`
	FinalCash        *decimal.Decimal `json:"final_cash,omitempty"`
	InventoryBalance *decimal.Decimal `json:"inventory_balance,omitempty"`
	Notes            string           `json:"notes,omitempty"`
}

func (s *Shift) EntityType() EntityType { return EntityShift }

func (s *Shift) Indexes() map[string]any {
	return map[string]any{
		"status":   string(s.Status),
		"store_id": s.StoreID,
	}
}

// Validate checks if the Shift has valid field values.
func (s *Shift) Validate() error {
	var v validator
	v.check(s.ID != "", "id", "is required")
	v.check(s.StoreID != "", "store_id", "is required")
	v.check(!s.OpenedAt.IsZero(), "opened_at", "is required")
	v.check(!s.InitialCash.IsNegative(), "initial_cash", "must not be negative")
	switch s.Status {
	case ShiftStatusOpen:
		v.check(s.ClosedAt == nil, "closed_at", "must be empty while open")
	case ShiftStatusClosed:
		v.check(s.ClosedAt != nil, "closed_at", "is required once closed")
		v.check(s.FinalCash != nil, "final_cash", "is required once closed")
	default:
		v.check(false, "status", fmt.Sprintf("unknown status %q", s.Status))
	}
	if s.FinalCash != nil {
		v.check(!s.FinalCash.IsNegative(), "final_cash", "must not be negative")
	}
	return v.err()
}

// Close transitions an open shift to closed. It is the only transition and
// can happen once.
func (s *Shift) Close(finalCash decimal.Decimal, notes string, now time.Time) error {
	if s.Status != ShiftStatusOpen {
		return fmt.Errorf("shift %s: %w", s.ID, ErrShiftClosed)
	}
	if finalCash.IsNegative() {
		return NewValidationError("final_cash", "must not be negative")
	}
	closedAt := now.UTC()
	s.Status = ShiftStatusClosed
	s.ClosedAt = &closedAt
	s.FinalCash = decimalPtr(finalCash)
	s.Notes = notes
	return nil
}

// InventoryEntry is one counted product at shift close.
type InventoryEntry struct {
	ProductID string           `json:"product_id"`
	Counted   decimal.Decimal  `json:"counted"`
	Expected  *decimal.Decimal `json:"expected,omitempty"`
}

// ShiftClosure is the outbox payload of a shift close: the closed shift and
// its inventory reconciliation travel together.
type ShiftClosure struct {
	Shift     Shift            `json:"shift"`
	Inventory []InventoryEntry `json:"inventory"`
}

// Validate checks the closure payload.
func (c *ShiftClosure) Validate() error {
	if err := c.Shift.Validate(); err != nil {
		return err
	}
	if c.Shift.Status != ShiftStatusClosed {
		return NewValidationError("shift.status", "closure requires a closed shift")
	}
	var v validator
	for i, e := range c.Inventory {
		field := fmt.Sprintf("inventory[%d]", i)
		v.check(e.ProductID != "", field+".product_id", "is required")
		v.check(!e.Counted.IsNegative(), field+".counted", "must not be negative")
	}
	return v.err()
}
