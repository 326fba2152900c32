// Package dbtest opens throwaway local stores for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cashpoint/posync/internal/store/db"
)

// New opens a migrated store in a temporary directory and closes it when the
// test ends.
func New(t testing.TB) *db.DB {
	t.Helper()

	store, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "posd.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
