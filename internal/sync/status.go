package sync

import (
	"errors"
	"time"
)

var (
	// ErrSyncInProgress is returned when a pass is requested while another
	// one is running.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrOffline is returned when a pass is requested while offline.
	ErrOffline = errors.New("backend unreachable")
	// ErrRetriesExhausted reports outbox entries past the retry ceiling. They
	// are kept and need an operator to reset them.
	ErrRetriesExhausted = errors.New("outbox entries exhausted their retries")
)

// ErrorKind classifies sync errors for the UI.
type ErrorKind string

const (
	ErrorNetwork   ErrorKind = "network"
	ErrorRejected  ErrorKind = "rejected"
	ErrorConflict  ErrorKind = "conflict"
	ErrorExhausted ErrorKind = "exhausted"
	ErrorStorage   ErrorKind = "storage"
)

// SyncError is the user-facing description of the last sync failure.
type SyncError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Progress describes the initial sync.
type Progress struct {
	Message string `json:"message"`
	Percent int    `json:"percent"`
}

// Status is a snapshot of the coordinator state.
type Status struct {
	IsSyncing      bool `json:"is_syncing"`
	IsSyncComplete bool `json:"is_sync_complete"`

	// Blocking is true while the initial sync runs, or after it failed until
	// the user chooses to proceed with local data.
	Blocking   bool       `json:"blocking"`
	Progress   Progress   `json:"progress"`
	Error      *SyncError `json:"error,omitempty"`
	Pending    int        `json:"pending"`
	Exhausted  int        `json:"exhausted"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	Online     bool       `json:"online"`
}

// Result counts what one pass did.
type Result struct {
	Pushed    int `json:"pushed"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
	Exhausted int `json:"exhausted"`
	Pulled    int `json:"pulled"`
	Conflicts int `json:"conflicts"`
}
