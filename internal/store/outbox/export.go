package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	sq "github.com/Masterminds/squirrel"

	"github.com/cashpoint/posync/internal/schema"
)

// Filter narrows an export.
type Filter struct {
	EntityType schema.EntityType // empty = every type
	MinRetries int               // only entries that failed at least this often
}

// ExportJSONL writes the matching entries to w, one JSON object per line, in
// enqueue order. It returns the number of entries written.
func (o *Outbox) ExportJSONL(ctx context.Context, w io.Writer, f Filter) (int, error) {
	b := psql.Select(entryColumns...).From("outbox").OrderBy("id ASC")
	if f.EntityType != "" {
		b = b.Where(sq.Eq{"entity_type": string(f.EntityType)})
	}
	if f.MinRetries > 0 {
		b = b.Where(sq.GtOrEq{"retry_count": f.MinRetries})
	}

	entries, err := o.query(ctx, b)
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return i, fmt.Errorf("failed to write entry %d: %w", entries[i].ID, err)
		}
	}
	return len(entries), nil
}
