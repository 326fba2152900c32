package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/cashpoint/posync/internal/schema"
)

// MapID records that the local record id of entity is known to the backend
// as serverID. Re-mapping the same pair is a no-op.
func (db *DB) MapID(ctx context.Context, entity schema.EntityType, localID, serverID string) error {
	q, args, err := psql.Insert("id_map").
		Columns("entity_type", "local_id", "server_id", "mapped_at").
		Values(string(entity), localID, serverID, formatTime(time.Now())).
		Suffix("ON CONFLICT(entity_type, local_id) DO UPDATE SET server_id = excluded.server_id").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := db.Querier(ctx).ExecContext(ctx, q, args...); err != nil {
		return mapError(err, entity, localID)
	}
	return nil
}

// ServerIDFor returns the server id mapped to localID, or "" if the record
// has not been acknowledged yet.
func (db *DB) ServerIDFor(ctx context.Context, entity schema.EntityType, localID string) (string, error) {
	return db.lookupID(ctx, entity, "server_id", "local_id", localID)
}

// LocalIDFor returns the local id mapped to serverID, or "" if the server
// record is unknown locally.
func (db *DB) LocalIDFor(ctx context.Context, entity schema.EntityType, serverID string) (string, error) {
	return db.lookupID(ctx, entity, "local_id", "server_id", serverID)
}

func (db *DB) lookupID(ctx context.Context, entity schema.EntityType, want, by, value string) (string, error) {
	q, args, err := psql.Select(want).
		From("id_map").
		Where(sq.Eq{"entity_type": string(entity), by: value}).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("build select: %w", err)
	}

	var id string
	err = db.Querier(ctx).QueryRowContext(ctx, q, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up id map: %w", err)
	}
	return id, nil
}

// ResolveServerID returns the id the backend knows a reference by. Ids that
// were never minted locally are already server ids. ok is false when the
// referenced local record has not been acknowledged yet.
func (db *DB) ResolveServerID(ctx context.Context, entity schema.EntityType, id string) (serverID string, ok bool, err error) {
	if id == "" || !schema.IsLocalID(id) {
		return id, true, nil
	}
	serverID, err = db.ServerIDFor(ctx, entity, id)
	if err != nil {
		return "", false, err
	}
	return serverID, serverID != "", nil
}
