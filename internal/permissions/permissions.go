// Package permissions holds the durable set of tool grants that gate
// every invocation.
package permissions

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/toolgate/internal/models"
	"github.com/rs/zerolog"
)

// Backend is the durable side of the store. *store.Store implements it.
type Backend interface {
	LoadGrants(ctx context.Context) ([]models.PermissionGrant, error)
	SaveGrant(ctx context.Context, g models.PermissionGrant) (int64, error)
	DeleteGrant(ctx context.Context, toolName string) (bool, error)
	PurgeScopes(ctx context.Context, scopes ...models.GrantScope) (int64, error)
}

// Store is the in-memory view of grants, written through to a Backend.
type Store struct {
	backend Backend
	logger  zerolog.Logger
	now     func() time.Time

	// mu guards grants and claimed. Writers also hold the per-tool lock
	// from locks, taken first, so operations on one tool are serialized
	// end to end.
	mu     sync.RWMutex
	grants map[string]models.PermissionGrant
	// claimed holds once grants taken by an in-flight call. They are out
	// of grants so no other caller can pass the gate on them.
	claimed map[string]models.PermissionGrant
	locks   keyedMutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l.With().Str("component", "permissions").Logger() }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open loads grants from backend, dropping session and once grants left
// over from a previous process.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend: backend,
		logger:  zerolog.Nop(),
		now:     time.Now,
		grants:  make(map[string]models.PermissionGrant),
		claimed: make(map[string]models.PermissionGrant),
	}
	for _, opt := range opts {
		opt(s)
	}

	purged, err := backend.PurgeScopes(ctx, models.ScopeSession, models.ScopeOnce)
	if err != nil {
		return nil, storageError("", fmt.Errorf("purge transient grants: %w", err))
	}
	loaded, err := backend.LoadGrants(ctx)
	if err != nil {
		return nil, storageError("", fmt.Errorf("load grants: %w", err))
	}
	for _, g := range loaded {
		s.grants[g.ToolName] = g
	}

	s.logger.Info().
		Int("loaded", len(loaded)).
		Int64("purged", purged).
		Msg("permission store opened")
	return s, nil
}

// Grant creates or supersedes the grant for tool. The grant is durable
// when Grant returns without error.
func (s *Store) Grant(ctx context.Context, tool string, scope models.GrantScope) (models.PermissionGrant, error) {
	tool = strings.TrimSpace(tool)
	if tool == "" {
		return models.PermissionGrant{}, models.ConfigInvalidf("tool name cannot be empty")
	}
	if _, err := models.ParseGrantScope(string(scope)); err != nil {
		return models.PermissionGrant{}, models.ConfigInvalidf("%v", err)
	}
	if _, err := path.Match(tool, ""); err != nil {
		return models.PermissionGrant{}, models.ConfigInvalidf("bad tool pattern %q: %v", tool, err)
	}

	unlock := s.locks.Lock(tool)
	defer unlock()

	g := models.PermissionGrant{
		ToolName:  tool,
		Scope:     scope,
		GrantedAt: s.now().UTC(),
	}
	seq, err := s.backend.SaveGrant(ctx, g)
	if err != nil {
		return models.PermissionGrant{}, storageError(tool, err)
	}
	g.Seq = seq

	s.mu.Lock()
	s.grants[tool] = g
	s.mu.Unlock()

	s.logger.Info().Str("tool", tool).Str("scope", string(scope)).Msg("grant recorded")
	return g, nil
}

// Revoke removes the grant for tool. It reports whether a grant existed.
func (s *Store) Revoke(ctx context.Context, tool string) (bool, error) {
	tool = strings.TrimSpace(tool)
	unlock := s.locks.Lock(tool)
	defer unlock()

	removed, err := s.backend.DeleteGrant(ctx, tool)
	if err != nil {
		return false, storageError(tool, err)
	}

	s.mu.Lock()
	_, existed := s.grants[tool]
	delete(s.grants, tool)
	delete(s.claimed, tool)
	s.mu.Unlock()

	if removed || existed {
		s.logger.Info().Str("tool", tool).Msg("grant revoked")
	}
	return removed || existed, nil
}

// Claim takes a once grant for a single call. It reports false when g is
// no longer the grant on record, for example because another call
// already claimed it. A claimed grant no longer covers any tool; the
// caller either consumes it with RevokeIfCurrent or hands it back with
// Release.
func (s *Store) Claim(g models.PermissionGrant) bool {
	unlock := s.locks.Lock(g.ToolName)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.grants[g.ToolName]
	if !ok || cur.Seq != g.Seq {
		return false
	}
	delete(s.grants, g.ToolName)
	s.claimed[g.ToolName] = g
	return true
}

// Release returns a claimed grant that was never used. A grant issued
// or revoked while the claim was held takes precedence.
func (s *Store) Release(g models.PermissionGrant) {
	unlock := s.locks.Lock(g.ToolName)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.claimed[g.ToolName]
	if !ok || cur.Seq != g.Seq {
		return
	}
	delete(s.claimed, g.ToolName)
	if _, taken := s.grants[g.ToolName]; !taken {
		s.grants[g.ToolName] = g
	}
}

// RevokeIfCurrent removes want only if it is still the grant on record,
// or the claim held for it, so a concurrent re-grant is not lost. A once
// grant leaves memory even when the durable delete fails; the row is
// purged at the next Open.
func (s *Store) RevokeIfCurrent(ctx context.Context, want models.PermissionGrant) (bool, error) {
	unlock := s.locks.Lock(want.ToolName)
	defer unlock()

	s.mu.Lock()
	cur, live := s.grants[want.ToolName]
	live = live && cur.Seq == want.Seq
	claim, held := s.claimed[want.ToolName]
	held = held && claim.Seq == want.Seq
	_, superseded := s.grants[want.ToolName]
	superseded = superseded && !live
	if held {
		delete(s.claimed, want.ToolName)
	}
	s.mu.Unlock()

	if !live && !held {
		return false, nil
	}
	// A newer grant already replaced the row.
	if superseded {
		return true, nil
	}

	if _, err := s.backend.DeleteGrant(ctx, want.ToolName); err != nil {
		if want.Scope == models.ScopeOnce {
			s.forget(want)
		}
		return false, storageError(want.ToolName, err)
	}
	s.forget(want)
	return true, nil
}

func (s *Store) forget(g models.PermissionGrant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.grants[g.ToolName]; ok && cur.Seq == g.Seq {
		delete(s.grants, g.ToolName)
	}
}

// Lookup returns the grant that covers tool: the exact grant if present,
// otherwise the most recent glob pattern that matches.
func (s *Store) Lookup(tool string) (models.PermissionGrant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if g, ok := s.grants[tool]; ok {
		return g, true
	}

	var best models.PermissionGrant
	found := false
	for pattern, g := range s.grants {
		if !isPattern(pattern) {
			continue
		}
		if ok, _ := path.Match(pattern, tool); !ok {
			continue
		}
		if !found || newer(g, best) {
			best, found = g, true
		}
	}
	return best, found
}

// IsGranted reports whether any grant covers tool.
func (s *Store) IsGranted(tool string) bool {
	_, ok := s.Lookup(tool)
	return ok
}

// List returns all grants ordered by grant time.
func (s *Store) List() []models.PermissionGrant {
	s.mu.RLock()
	out := make([]models.PermissionGrant, 0, len(s.grants))
	for _, g := range s.grants {
		out = append(out, g)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return newer(out[j], out[i]) })
	return out
}

func newer(a, b models.PermissionGrant) bool {
	if !a.GrantedAt.Equal(b.GrantedAt) {
		return a.GrantedAt.After(b.GrantedAt)
	}
	return a.Seq > b.Seq
}

func isPattern(name string) bool {
	return strings.ContainsAny(name, `*?[\`)
}

func storageError(tool string, err error) error {
	return &models.ToolError{Kind: models.KindStorage, Tool: tool, Err: err}
}
