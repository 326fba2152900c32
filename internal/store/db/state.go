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

func watermarkKey(entity schema.EntityType) string {
	return "watermark:" + string(entity)
}

// Watermark returns the updated_at of the newest remote record pulled for
// entity, or the zero time if nothing was pulled yet.
func (db *DB) Watermark(ctx context.Context, entity schema.EntityType) (time.Time, error) {
	q, args, err := psql.Select("value").From("sync_state").Where(sq.Eq{"key": watermarkKey(entity)}).ToSql()
	if err != nil {
		return time.Time{}, fmt.Errorf("build select: %w", err)
	}

	var value string
	err = db.Querier(ctx).QueryRowContext(ctx, q, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read watermark: %w", err)
	}
	return parseTime(value)
}

// SetWatermark advances the watermark of entity. Moving it backwards is
// ignored.
func (db *DB) SetWatermark(ctx context.Context, entity schema.EntityType, at time.Time) error {
	now := formatTime(time.Now())
	q, args, err := psql.Insert("sync_state").
		Columns("key", "value", "updated_at").
		Values(watermarkKey(entity), formatTime(at), now).
		Suffix("ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at WHERE excluded.value > sync_state.value").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := db.Querier(ctx).ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("failed to write watermark: %w", err)
	}
	return nil
}

// Conflict is an audit entry for a pulled record that was not applied because
// it contradicted a terminal local state.
type Conflict struct {
	ID           int64
	EntityType   schema.EntityType
	LocalID      string
	LocalStatus  string
	RemoteStatus string
	Resolution   string
	DetectedAt   time.Time
}

// RecordConflict appends c to the conflict log.
func (db *DB) RecordConflict(ctx context.Context, c Conflict) error {
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now()
	}
	q, args, err := psql.Insert("sync_conflicts").
		Columns("entity_type", "local_id", "local_status", "remote_status", "resolution", "detected_at").
		Values(string(c.EntityType), c.LocalID, c.LocalStatus, c.RemoteStatus, c.Resolution, formatTime(c.DetectedAt)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := db.Querier(ctx).ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("failed to record conflict: %w", err)
	}
	return nil
}

// ListConflicts returns the most recent conflict entries, newest first.
func (db *DB) ListConflicts(ctx context.Context, limit uint64) ([]Conflict, error) {
	b := psql.Select("id", "entity_type", "local_id", "local_status", "remote_status", "resolution", "detected_at").
		From("sync_conflicts").
		OrderBy("id DESC")
	if limit > 0 {
		b = b.Limit(limit)
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := db.Querier(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var (
			c        Conflict
			entity   string
			detected string
		)
		if err := rows.Scan(&c.ID, &entity, &c.LocalID, &c.LocalStatus, &c.RemoteStatus, &c.Resolution, &detected); err != nil {
			return nil, err
		}
		c.EntityType = schema.EntityType(entity)
		if c.DetectedAt, err = parseTime(detected); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
