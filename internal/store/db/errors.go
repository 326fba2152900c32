package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/ncruces/go-sqlite3"

	"github.com/cashpoint/posync/internal/schema"
)

// ErrUnknownIndex is returned when a query names an index the entity type
// does not declare.
var ErrUnknownIndex = errors.New("unknown index")

// mapError converts driver errors into domain errors.
//
//   - sql.ErrNoRows → schema.ErrNotFound
//   - unique / primary key violation → schema.ErrAlreadyExists
//
// Other errors are wrapped with context.
func mapError(err error, entity schema.EntityType, id string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", entity, id, schema.ErrNotFound)
	}

	if errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) || errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY) {
		return fmt.Errorf("%s %s: %w", entity, id, schema.ErrAlreadyExists)
	}

	return fmt.Errorf("%s %s: %w", entity, id, err)
}
