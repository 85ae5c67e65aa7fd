package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/fentz26/toolgate/internal/models"
)

// LoadGrants returns every stored grant ordered by (granted_at, seq).
func (s *Store) LoadGrants(ctx context.Context) ([]models.PermissionGrant, error) {
	query, args, err := s.sb.
		Select("seq", "tool_name", "scope", "granted_at").
		From("permission_grants").
		OrderBy("granted_at ASC", "seq ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build grants query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close()

	var grants []models.PermissionGrant
	for rows.Next() {
		var g models.PermissionGrant
		var scope string
		var grantedAt int64
		if err := rows.Scan(&g.Seq, &g.ToolName, &scope, &grantedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		g.Scope = models.GrantScope(scope)
		g.GrantedAt = time.Unix(0, grantedAt).UTC()
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}
	return grants, nil
}

// SaveGrant replaces any grant for g.ToolName with g in one transaction
// and returns the sequence number assigned to the new row.
func (s *Store) SaveGrant(ctx context.Context, g models.PermissionGrant) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin grant transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	del, args, err := s.sb.Delete("permission_grants").
		Where(sq.Eq{"tool_name": g.ToolName}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build grant delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, del, args...); err != nil {
		return 0, fmt.Errorf("delete previous grant %q: %w", g.ToolName, err)
	}

	ins, args, err := s.sb.Insert("permission_grants").
		Columns("tool_name", "scope", "granted_at").
		Values(g.ToolName, string(g.Scope), g.GrantedAt.UnixNano()).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build grant insert: %w", err)
	}
	res, err := tx.ExecContext(ctx, ins, args...)
	if err != nil {
		return 0, fmt.Errorf("insert grant %q: %w", g.ToolName, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("grant sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit grant %q: %w", g.ToolName, err)
	}
	return seq, nil
}

// DeleteGrant removes the grant for toolName. It reports whether a row
// was removed.
func (s *Store) DeleteGrant(ctx context.Context, toolName string) (bool, error) {
	query, args, err := s.sb.Delete("permission_grants").
		Where(sq.Eq{"tool_name": toolName}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build grant delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("delete grant %q: %w", toolName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete grant %q: %w", toolName, err)
	}
	return n > 0, nil
}

// PurgeScopes deletes every grant with one of the given scopes and
// returns how many were removed.
func (s *Store) PurgeScopes(ctx context.Context, scopes ...models.GrantScope) (int64, error) {
	if len(scopes) == 0 {
		return 0, nil
	}
	names := make([]string, len(scopes))
	for i, sc := range scopes {
		names[i] = string(sc)
	}

	query, args, err := s.sb.Delete("permission_grants").
		Where(sq.Eq{"scope": names}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build purge: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge grants: %w", err)
	}
	return res.RowsAffected()
}
