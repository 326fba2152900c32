package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType names a local store (and the matching remote collection).
type EntityType string

const (
	EntityProduct   EntityType = "products"
	EntityCategory  EntityType = "categories"
	EntityCustomer  EntityType = "customers"
	EntityOrder     EntityType = "orders"
	EntityOrderItem EntityType = "order_items"
	EntityShift     EntityType = "shifts"
)

// EntityTypes lists every store in dependency order: a type never references
// a type that appears after it.
var EntityTypes = []EntityType{
	EntityCategory,
	EntityProduct,
	EntityCustomer,
	EntityShift,
	EntityOrder,
	EntityOrderItem,
}

// IsValid reports whether t is a known entity type.
func (t EntityType) IsValid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// SyncStatus tracks whether the backend has acknowledged the current version
// of a record.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusError   SyncStatus = "error"
)

// Action is the kind of mutation recorded in the outbox.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// IsValid reports whether a is a known outbox action.
func (a Action) IsValid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Meta is the sync bookkeeping embedded in every record.
type Meta struct {
	ID         string     `json:"id"`
	ServerID   string     `json:"server_id,omitempty"`
	SyncStatus SyncStatus `json:"sync_status"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Base returns m itself so embedding types satisfy Record.
func (m *Meta) Base() *Meta { return m }

// Touch marks the record as locally modified and not yet acknowledged.
func (m *Meta) Touch(now time.Time) {
	m.SyncStatus = SyncStatusPending
	m.UpdatedAt = now.UTC()
}

// Record is implemented by every persisted entity.
type Record interface {
	EntityType() EntityType
	Base() *Meta
	// Indexes returns the values of the entity-specific secondary index
	// columns, keyed by column name.
	Indexes() map[string]any
}

// Local id prefixes.
const (
	PrefixOrder     = "ord"
	PrefixOrderItem = "item"
	PrefixShift     = "shift"
	PrefixCustomer  = "cust"
)

// NewLocalID mints a stable local identifier: {prefix}_{unix millis}_{8 hex}.
// The random suffix keeps ids unique under rapid double submission.
func NewLocalID(prefix string) string {
	return newLocalIDAt(prefix, time.Now())
}

func newLocalIDAt(prefix string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), suffix)
}

// IsLocalID reports whether id was minted by NewLocalID (as opposed to an id
// assigned by the server and pulled down).
func IsLocalID(id string) bool {
	parts := strings.Split(id, "_")
	if len(parts) != 3 || parts[0] == "" {
		return false
	}
	for _, r := range parts[1] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(parts[1]) > 0 && len(parts[2]) == 8
}
