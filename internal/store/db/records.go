package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/cashpoint/posync/internal/schema"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// timeLayout is fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// indexColumns lists the secondary index columns of each entity table.
var indexColumns = map[schema.EntityType][]string{
	schema.EntityCategory:  nil,
	schema.EntityProduct:   {"code", "category_id"},
	schema.EntityCustomer:  {"phone"},
	schema.EntityShift:     {"status", "store_id"},
	schema.EntityOrder:     {"status", "store_id", "shift_id"},
	schema.EntityOrderItem: {"order_id"},
}

// commonIndexes are queryable on every entity table.
var commonIndexes = []string{"sync_status", "server_id"}

// Indexes returns the index names that QueryByIndex accepts for entity.
func Indexes(entity schema.EntityType) []string {
	out := append([]string{}, commonIndexes...)
	out = append(out, indexColumns[entity]...)
	sort.Strings(out)
	return out
}

func checkIndex(entity schema.EntityType, index string) error {
	for _, name := range Indexes(entity) {
		if name == index {
			return nil
		}
	}
	return fmt.Errorf("%s has no index %q: %w", entity, index, ErrUnknownIndex)
}

func table(entity schema.EntityType) (string, error) {
	if !entity.IsValid() {
		return "", fmt.Errorf("unknown entity type %q: %w", entity, schema.ErrValidation)
	}
	return string(entity), nil
}

// recordPtr constrains generic readers to pointer types implementing Record.
type recordPtr[T any] interface {
	*T
	schema.Record
}

type scanner interface {
	Scan(dest ...any) error
}

var recordColumns = []string{"data", "server_id", "sync_status", "updated_at"}

// scanRecord decodes the JSON snapshot into rec and overlays the bookkeeping
// columns, which are authoritative over the copies inside the snapshot.
func scanRecord(row scanner, rec schema.Record) error {
	var (
		data      string
		serverID  sql.NullString
		status    string
		updatedAt string
	)
	if err := row.Scan(&data, &serverID, &status, &updatedAt); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), rec); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}

	meta := rec.Base()
	meta.ServerID = serverID.String
	meta.SyncStatus = schema.SyncStatus(status)
	ts, err := parseTime(updatedAt)
	if err != nil {
		return fmt.Errorf("failed to parse updated_at %q: %w", updatedAt, err)
	}
	meta.UpdatedAt = ts
	return nil
}

// Put inserts or replaces rec. The record must carry an id; UpdatedAt
// defaults to now when zero. Put joins the caller's transaction if any.
func (db *DB) Put(ctx context.Context, rec schema.Record) error {
	entity := rec.EntityType()
	tbl, err := table(entity)
	if err != nil {
		return err
	}

	meta := rec.Base()
	if meta.ID == "" {
		return schema.NewValidationError("id", "is required")
	}
	if meta.SyncStatus == "" {
		meta.SyncStatus = schema.SyncStatusPending
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", entity, meta.ID, err)
	}

	cols := []string{"id", "server_id", "sync_status", "updated_at", "data"}
	vals := []any{meta.ID, nullString(meta.ServerID), string(meta.SyncStatus), formatTime(meta.UpdatedAt), string(data)}

	idx := rec.Indexes()
	for _, col := range indexColumns[entity] {
		cols = append(cols, col)
		vals = append(vals, idx[col])
	}

	// A server id, once assigned, survives writes of stale in-memory copies.
	suffix := "ON CONFLICT(id) DO UPDATE SET "
	for i, col := range cols[1:] {
		if i > 0 {
			suffix += ", "
		}
		if col == "server_id" {
			suffix += "server_id = COALESCE(excluded.server_id, server_id)"
			continue
		}
		suffix += col + " = excluded." + col
	}

	query, args, err := psql.Insert(tbl).Columns(cols...).Values(vals...).Suffix(suffix).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := db.Querier(ctx).ExecContext(ctx, query, args...); err != nil {
		return mapError(err, entity, meta.ID)
	}
	return nil
}

// Get loads a single record by local id.
//
// Example:
//
//	shift, err := db.Get[schema.Shift](ctx, store, id)
func Get[T any, P recordPtr[T]](ctx context.Context, db *DB, id string) (P, error) {
	rec := P(new(T))
	entity := rec.EntityType()

	query, args, err := psql.Select(recordColumns...).
		From(string(entity)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	row := db.Querier(ctx).QueryRowContext(ctx, query, args...)
	if err := scanRecord(row, rec); err != nil {
		return nil, mapError(err, entity, id)
	}
	return rec, nil
}

// QueryByIndex returns every record whose index column equals value, in
// insertion order. Index names are checked against the entity's declared
// indexes.
func QueryByIndex[T any, P recordPtr[T]](ctx context.Context, db *DB, index string, value any) ([]P, error) {
	entity := P(new(T)).EntityType()
	if err := checkIndex(entity, index); err != nil {
		return nil, err
	}
	return query[T, P](ctx, db, sq.Eq{index: value}, 0)
}

// List returns every record of the type in insertion order.
func List[T any, P recordPtr[T]](ctx context.Context, db *DB) ([]P, error) {
	return query[T, P](ctx, db, nil, 0)
}

// ListUpdatedSince returns records modified at or after since, oldest first,
// capped at limit when limit > 0.
func ListUpdatedSince[T any, P recordPtr[T]](ctx context.Context, db *DB, since time.Time, limit uint64) ([]P, error) {
	return query[T, P](ctx, db, sq.GtOrEq{"updated_at": formatTime(since)}, limit)
}

func query[T any, P recordPtr[T]](ctx context.Context, db *DB, where sq.Sqlizer, limit uint64) ([]P, error) {
	entity := P(new(T)).EntityType()

	b := psql.Select(recordColumns...).From(string(entity))
	if where != nil {
		b = b.Where(where)
	}
	if limit > 0 {
		b = b.OrderBy("updated_at ASC", "rowid ASC").Limit(limit)
	} else {
		b = b.OrderBy("rowid ASC")
	}

	q, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := db.Querier(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", entity, err)
	}
	defer rows.Close()

	var out []P
	for rows.Next() {
		rec := P(new(T))
		if err := scanRecord(rows, rec); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", entity, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a record. Deleting a missing record is not an error.
func (db *DB) Delete(ctx context.Context, entity schema.EntityType, id string) error {
	tbl, err := table(entity)
	if err != nil {
		return err
	}
	q, args, err := psql.Delete(tbl).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := db.Querier(ctx).ExecContext(ctx, q, args...); err != nil {
		return mapError(err, entity, id)
	}
	return nil
}

// MarkSynced records the backend acknowledgement of a record: its server id,
// sync status and updated_at are written to both the columns and the JSON
// snapshot.
func (db *DB) MarkSynced(ctx context.Context, entity schema.EntityType, id, serverID string, status schema.SyncStatus, updatedAt time.Time) error {
	tbl, err := table(entity)
	if err != nil {
		return err
	}

	data := sq.Expr("json_set(data, '$.server_id', ?, '$.sync_status', ?, '$.updated_at', ?)",
		serverID, string(status), updatedAt.UTC().Format(time.RFC3339Nano))

	q, args, err := psql.Update(tbl).
		Set("server_id", nullString(serverID)).
		Set("sync_status", string(status)).
		Set("updated_at", formatTime(updatedAt)).
		Set("data", data).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	res, err := db.Querier(ctx).ExecContext(ctx, q, args...)
	if err != nil {
		return mapError(err, entity, id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mapError(sql.ErrNoRows, entity, id)
	}
	return nil
}

// SetSyncStatus changes only the sync status of a record.
func (db *DB) SetSyncStatus(ctx context.Context, entity schema.EntityType, id string, status schema.SyncStatus) error {
	tbl, err := table(entity)
	if err != nil {
		return err
	}

	q, args, err := psql.Update(tbl).
		Set("sync_status", string(status)).
		Set("data", sq.Expr("json_set(data, '$.sync_status', ?)", string(status))).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	res, err := db.Querier(ctx).ExecContext(ctx, q, args...)
	if err != nil {
		return mapError(err, entity, id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mapError(sql.ErrNoRows, entity, id)
	}
	return nil
}

// CountBySyncStatus returns the number of records of entity per sync status.
func (db *DB) CountBySyncStatus(ctx context.Context, entity schema.EntityType) (map[schema.SyncStatus]int, error) {
	tbl, err := table(entity)
	if err != nil {
		return nil, err
	}

	q, args, err := psql.Select("sync_status", "COUNT(*)").From(tbl).GroupBy("sync_status").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build count: %w", err)
	}

	rows, err := db.Querier(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count %s: %w", entity, err)
	}
	defer rows.Close()

	counts := make(map[schema.SyncStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[schema.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
