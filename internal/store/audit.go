package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/fentz26/toolgate/internal/models"
	"github.com/google/uuid"
)

// DefaultAuditLimit caps ListInvocations when no limit is given.
const DefaultAuditLimit = 100

// AuditFilter narrows ListInvocations.
type AuditFilter struct {
	Tool    string
	Outcome string
	Limit   int
}

// InsertInvocation appends one audit record. An empty ID is filled in.
func (s *Store) InsertInvocation(ctx context.Context, rec *models.InvocationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	query, args, err := s.sb.Insert("audit_log").
		Columns("id", "tool_name", "server", "outcome", "inputs_hash", "error_message", "duration_ms", "timestamp").
		Values(rec.ID, rec.ToolName, rec.Server, rec.Outcome, rec.InputsHash, rec.Error, rec.DurationMS, rec.Timestamp.UnixNano()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ListInvocations returns audit records, newest first.
func (s *Store) ListInvocations(ctx context.Context, f AuditFilter) ([]models.InvocationRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultAuditLimit
	}

	q := s.sb.
		Select("id", "tool_name", "server", "outcome", "inputs_hash", "error_message", "duration_ms", "timestamp").
		From("audit_log")
	if f.Tool != "" {
		q = q.Where(sq.Eq{"tool_name": f.Tool})
	}
	if f.Outcome != "" {
		q = q.Where(sq.Eq{"outcome": f.Outcome})
	}
	query, args, err := q.OrderBy("timestamp DESC", "rowid DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audit query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []models.InvocationRecord
	for rows.Next() {
		var r models.InvocationRecord
		var ts int64
		if err := rows.Scan(&r.ID, &r.ToolName, &r.Server, &r.Outcome, &r.InputsHash, &r.Error, &r.DurationMS, &ts); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return out, nil
}
