// Package outbox is the durable queue of local mutations awaiting delivery
// to the backend.
//
// An entry is written in the same transaction as the record change it
// describes, so the two are never out of step. Entries are drained oldest
// first and removed only when the backend acknowledges them; a failed
// delivery bumps the retry count and keeps the entry, however many times it
// has failed.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/cashpoint/posync/internal/schema"
	"github.com/cashpoint/posync/internal/store/db"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one pending mutation.
type Entry struct {
	ID            int64             `json:"id"`
	EntityType    schema.EntityType `json:"entity_type"`
	Action        schema.Action     `json:"action"`
	EntityLocalID string            `json:"entity_local_id"`
	Payload       json.RawMessage   `json:"payload"`
	RetryCount    int               `json:"retry_count"`
	LastError     string            `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Decode unmarshals the payload into v.
func (e *Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode outbox entry %d payload: %w", e.ID, err)
	}
	return nil
}

// Outbox reads and writes the outbox table of a local store.
type Outbox struct {
	store *db.DB
	now   func() time.Time
}

// New returns an Outbox backed by store.
func New(store *db.DB) *Outbox {
	return &Outbox{store: store, now: time.Now}
}

var entryColumns = []string{
	"id", "entity_type", "action", "entity_local_id", "payload", "retry_count", "last_error", "created_at",
}

// Enqueue appends a mutation. It must run inside the caller's transaction
// (see db.RunInTx) and fails with db.ErrNoTx otherwise.
func (o *Outbox) Enqueue(ctx context.Context, entity schema.EntityType, action schema.Action, localID string, payload any) (int64, error) {
	if !db.InTx(ctx) {
		return 0, fmt.Errorf("enqueue %s %s: %w", action, entity, db.ErrNoTx)
	}
	if !entity.IsValid() {
		return 0, schema.NewValidationError("entity_type", fmt.Sprintf("unknown entity type %q", entity))
	}
	if !action.IsValid() {
		return 0, schema.NewValidationError("action", fmt.Sprintf("unknown action %q", action))
	}
	if localID == "" {
		return 0, schema.NewValidationError("entity_local_id", "is required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode outbox payload: %w", err)
	}

	q, args, err := psql.Insert("outbox").
		Columns("entity_type", "action", "entity_local_id", "payload", "created_at").
		Values(string(entity), string(action), localID, string(data), o.now().UTC().Format(timeLayout)).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert: %w", err)
	}

	res, err := o.store.Querier(ctx).ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s %s %s: %w", action, entity, localID, err)
	}
	return res.LastInsertId()
}

// DequeueBatch returns up to limit entries of entity (every type when entity
// is empty) in enqueue order, without removing them. limit <= 0 means no
// limit.
func (o *Outbox) DequeueBatch(ctx context.Context, entity schema.EntityType, limit int) ([]Entry, error) {
	b := psql.Select(entryColumns...).From("outbox").OrderBy("id ASC")
	if entity != "" {
		b = b.Where(sq.Eq{"entity_type": string(entity)})
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return o.query(ctx, b)
}

// Drainable returns up to limit entries of entity with an id above afterID
// that may be attempted: entries below the retry ceiling whose record has
// no exhausted entry. An exhausted entry holds back the rest of its record
// but never a page of other records.
func (o *Outbox) Drainable(ctx context.Context, entity schema.EntityType, ceiling int, afterID int64, limit int) ([]Entry, error) {
	b := psql.Select(entryColumns...).
		From("outbox").
		Where(sq.Eq{"entity_type": string(entity)}).
		Where(sq.Gt{"id": afterID}).
		Where(sq.Lt{"retry_count": ceiling}).
		Where(sq.Expr(
			"entity_local_id NOT IN (SELECT entity_local_id FROM outbox WHERE entity_type = ? AND retry_count >= ?)",
			string(entity), ceiling,
		)).
		OrderBy("id ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return o.query(ctx, b)
}

// Get returns a single entry.
func (o *Outbox) Get(ctx context.Context, id int64) (*Entry, error) {
	entries, err := o.query(ctx, psql.Select(entryColumns...).From("outbox").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("outbox entry %d: %w", id, schema.ErrNotFound)
	}
	return &entries[0], nil
}

// Exhausted returns entries that have failed at least ceiling times.
func (o *Outbox) Exhausted(ctx context.Context, ceiling int) ([]Entry, error) {
	return o.query(ctx, psql.Select(entryColumns...).
		From("outbox").
		Where(sq.GtOrEq{"retry_count": ceiling}).
		OrderBy("id ASC"))
}

func (o *Outbox) query(ctx context.Context, b sq.SelectBuilder) ([]Entry, error) {
	q, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := o.store.Querier(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			entity    string
			action    string
			payload   string
			lastError sql.NullString
			created   string
		)
		if err := rows.Scan(&e.ID, &entity, &action, &e.EntityLocalID, &payload, &e.RetryCount, &lastError, &created); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		e.EntityType = schema.EntityType(entity)
		e.Action = schema.Action(action)
		e.Payload = json.RawMessage(payload)
		e.LastError = lastError.String
		if e.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("outbox entry %d: bad created_at %q: %w", e.ID, created, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ack removes an entry the backend has acknowledged.
func (o *Outbox) Ack(ctx context.Context, id int64) error {
	q, args, err := psql.Delete("outbox").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	return o.exec1(ctx, id, q, args)
}

// Fail records a failed delivery attempt and returns the new retry count.
func (o *Outbox) Fail(ctx context.Context, id int64, cause error) (int, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	var retries int
	err := o.store.RunInTx(ctx, func(ctx context.Context) error {
		q, args, err := psql.Update("outbox").
			Set("retry_count", sq.Expr("retry_count + 1")).
			Set("last_error", msg).
			Where(sq.Eq{"id": id}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build update: %w", err)
		}
		if err := o.exec1(ctx, id, q, args); err != nil {
			return err
		}
		e, err := o.Get(ctx, id)
		if err != nil {
			return err
		}
		retries = e.RetryCount
		return nil
	})
	return retries, err
}

// Reset clears the retry count of an entry so it is attempted again.
func (o *Outbox) Reset(ctx context.Context, id int64) error {
	q, args, err := psql.Update("outbox").
		Set("retry_count", 0).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	return o.exec1(ctx, id, q, args)
}

// ResetExhausted clears the retry count of every entry at or above ceiling
// and returns how many were reset.
func (o *Outbox) ResetExhausted(ctx context.Context, ceiling int) (int64, error) {
	q, args, err := psql.Update("outbox").
		Set("retry_count", 0).
		Where(sq.GtOrEq{"retry_count": ceiling}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build update: %w", err)
	}
	res, err := o.store.Querier(ctx).ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset outbox entries: %w", err)
	}
	return res.RowsAffected()
}

func (o *Outbox) exec1(ctx context.Context, id int64, q string, args []any) error {
	res, err := o.store.Querier(ctx).ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("outbox entry %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox entry %d: %w", id, schema.ErrNotFound)
	}
	return nil
}

// HasPending reports whether any entry for the given record is queued.
func (o *Outbox) HasPending(ctx context.Context, entity schema.EntityType, localID string) (bool, error) {
	q, args, err := psql.Select("1").
		From("outbox").
		Where(sq.Eq{"entity_type": string(entity), "entity_local_id": localID}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build select: %w", err)
	}

	var one int
	err = o.store.Querier(ctx).QueryRowContext(ctx, q, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check outbox: %w", err)
	}
	return true, nil
}

// Stats summarizes the queue.
type Stats struct {
	Total    int                       `json:"total"`
	ByType   map[schema.EntityType]int `json:"by_type"`
	Failing  int                       `json:"failing"`
	OldestAt *time.Time                `json:"oldest_at,omitempty"`
}

// Stats returns per entity type counts, the number of entries that failed
// at least once, and the age of the oldest entry.
func (o *Outbox) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByType: make(map[schema.EntityType]int)}

	q, args, err := psql.Select("entity_type", "COUNT(*)", "SUM(CASE WHEN retry_count > 0 THEN 1 ELSE 0 END)", "MIN(created_at)").
		From("outbox").
		GroupBy("entity_type").
		ToSql()
	if err != nil {
		return st, fmt.Errorf("build select: %w", err)
	}

	rows, err := o.store.Querier(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return st, fmt.Errorf("failed to read outbox stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entity  string
			n       int
			failing int
			oldest  string
		)
		if err := rows.Scan(&entity, &n, &failing, &oldest); err != nil {
			return st, fmt.Errorf("failed to scan outbox stats: %w", err)
		}
		st.ByType[schema.EntityType(entity)] = n
		st.Total += n
		st.Failing += failing
		if t, err := time.Parse(timeLayout, oldest); err == nil {
			if st.OldestAt == nil || t.Before(*st.OldestAt) {
				st.OldestAt = &t
			}
		}
	}
	return st, rows.Err()
}
