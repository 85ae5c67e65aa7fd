package permissions

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/toolgate/internal/models"
	"github.com/fentz26/toolgate/internal/store"
	"github.com/stretchr/testify/require"
)

type failingBackend struct {
	Backend
	failSave   bool
	failDelete bool
}

func (f *failingBackend) SaveGrant(ctx context.Context, g models.PermissionGrant) (int64, error) {
	if f.failSave {
		return 0, errors.New("disk full")
	}
	return f.Backend.SaveGrant(ctx, g)
}

func (f *failingBackend) DeleteGrant(ctx context.Context, tool string) (bool, error) {
	if f.failDelete {
		return false, errors.New("disk full")
	}
	return f.Backend.DeleteGrant(ctx, tool)
}

func openDB(t *testing.T, path string) *store.Store {
	t.Helper()
	db, err := store.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T) (*Store, *store.Store) {
	t.Helper()
	db := openDB(t, filepath.Join(t.TempDir(), "grants.db"))
	s, err := Open(context.Background(), db)
	require.NoError(t, err)
	return s, db
}

func TestGrantAndRevoke(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.False(t, s.IsGranted("read_file"))

	g, err := s.Grant(ctx, "read_file", models.ScopePersistent)
	require.NoError(t, err)
	require.Equal(t, models.ScopePersistent, g.Scope)
	require.True(t, s.IsGranted("read_file"))

	removed, err := s.Revoke(ctx, "read_file")
	require.NoError(t, err)
	require.True(t, removed)
	require.False(t, s.IsGranted("read_file"))

	removed, err = s.Revoke(ctx, "read_file")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestGrantValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Grant(ctx, "  ", models.ScopeOnce)
	require.ErrorIs(t, err, models.ErrConfigInvalid)

	_, err = s.Grant(ctx, "tool", models.GrantScope("forever"))
	require.ErrorIs(t, err, models.ErrConfigInvalid)

	_, err = s.Grant(ctx, "fs.[", models.ScopeOnce)
	require.ErrorIs(t, err, models.ErrConfigInvalid)
}

func TestLastOperationWins(t *testing.T) {
	tests := []struct {
		name  string
		ops   []string
		final bool
	}{
		{"grant", []string{"grant"}, true},
		{"grant revoke", []string{"grant", "revoke"}, false},
		{"revoke grant", []string{"revoke", "grant"}, true},
		{"grant grant revoke", []string{"grant", "grant", "revoke"}, false},
		{"grant revoke grant", []string{"grant", "revoke", "grant"}, true},
		{"revoke revoke", []string{"revoke", "revoke"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, db := newTestStore(t)
			ctx := context.Background()
			for _, op := range tt.ops {
				var err error
				if op == "grant" {
					_, err = s.Grant(ctx, "exec", models.ScopePersistent)
				} else {
					_, err = s.Revoke(ctx, "exec")
				}
				require.NoError(t, err)
			}
			require.Equal(t, tt.final, s.IsGranted("exec"))

			// The durable state agrees with memory.
			reopened, err := Open(ctx, db)
			require.NoError(t, err)
			require.Equal(t, tt.final, reopened.IsGranted("exec"))
		})
	}
}

func TestSupersedeKeepsOneGrant(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Grant(ctx, "exec", models.ScopeOnce)
	require.NoError(t, err)
	_, err = s.Grant(ctx, "exec", models.ScopePersistent)
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 1)
	require.Equal(t, models.ScopePersistent, list[0].Scope)
}

func TestStartupPurgesTransientGrants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grants.db")
	ctx := context.Background()

	db := openDB(t, path)
	s, err := Open(ctx, db)
	require.NoError(t, err)
	_, err = s.Grant(ctx, "once_tool", models.ScopeOnce)
	require.NoError(t, err)
	_, err = s.Grant(ctx, "session_tool", models.ScopeSession)
	require.NoError(t, err)
	_, err = s.Grant(ctx, "kept_tool", models.ScopePersistent)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err = Open(ctx, openDB(t, path))
	require.NoError(t, err)
	require.False(t, s.IsGranted("once_tool"))
	require.False(t, s.IsGranted("session_tool"))
	require.True(t, s.IsGranted("kept_tool"))
}

func TestListOrderStableAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grants.db")
	ctx := context.Background()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	db := openDB(t, path)
	s, err := Open(ctx, db, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	for _, tool := range []string{"c", "a", "b"} {
		_, err := s.Grant(ctx, tool, models.ScopePersistent)
		require.NoError(t, err)
	}

	names := func(gs []models.PermissionGrant) []string {
		out := make([]string, len(gs))
		for i, g := range gs {
			out[i] = g.ToolName
		}
		return out
	}
	require.Equal(t, []string{"c", "a", "b"}, names(s.List()))
	require.NoError(t, db.Close())

	s, err = Open(ctx, openDB(t, path))
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "b"}, names(s.List()))
}

func TestPatternGrants(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Grant(ctx, "fs_*", models.ScopeSession)
	require.NoError(t, err)

	g, ok := s.Lookup("fs_read")
	require.True(t, ok)
	require.Equal(t, "fs_*", g.ToolName)
	require.False(t, s.IsGranted("net_fetch"))

	// An exact grant takes precedence over a matching pattern.
	_, err = s.Grant(ctx, "fs_read", models.ScopeOnce)
	require.NoError(t, err)
	g, ok = s.Lookup("fs_read")
	require.True(t, ok)
	require.Equal(t, models.ScopeOnce, g.Scope)
}

func TestBackendFailureLeavesMemoryUntouched(t *testing.T) {
	db := openDB(t, filepath.Join(t.TempDir(), "grants.db"))
	backend := &failingBackend{Backend: db}
	ctx := context.Background()

	s, err := Open(ctx, backend)
	require.NoError(t, err)
	_, err = s.Grant(ctx, "kept", models.ScopePersistent)
	require.NoError(t, err)

	backend.failSave = true
	_, err = s.Grant(ctx, "new_tool", models.ScopePersistent)
	require.ErrorIs(t, err, models.ErrStorage)
	require.False(t, s.IsGranted("new_tool"))

	backend.failDelete = true
	_, err = s.Revoke(ctx, "kept")
	require.ErrorIs(t, err, models.ErrStorage)
	require.True(t, s.IsGranted("kept"))
}

func TestRevokeIfCurrent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.Grant(ctx, "exec", models.ScopeOnce)
	require.NoError(t, err)
	_, err = s.Grant(ctx, "exec", models.ScopePersistent)
	require.NoError(t, err)

	removed, err := s.RevokeIfCurrent(ctx, first)
	require.NoError(t, err)
	require.False(t, removed)
	require.True(t, s.IsGranted("exec"))

	cur, _ := s.Lookup("exec")
	removed, err = s.RevokeIfCurrent(ctx, cur)
	require.NoError(t, err)
	require.True(t, removed)
	require.False(t, s.IsGranted("exec"))
}

func TestClaimAdmitsOneCaller(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	g, err := s.Grant(ctx, "delete_file", models.ScopeOnce)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Claim(g) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.False(t, s.IsGranted("delete_file"))

	s.Release(g)
	require.True(t, s.IsGranted("delete_file"))

	require.True(t, s.Claim(g))
	removed, err := s.RevokeIfCurrent(ctx, g)
	require.NoError(t, err)
	require.True(t, removed)
	s.Release(g)
	require.False(t, s.IsGranted("delete_file"))
}

func TestReleaseYieldsToNewerGrant(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	old, err := s.Grant(ctx, "exec", models.ScopeOnce)
	require.NoError(t, err)
	require.True(t, s.Claim(old))

	fresh, err := s.Grant(ctx, "exec", models.ScopePersistent)
	require.NoError(t, err)

	// Consuming the stale claim must not touch the fresh grant.
	removed, err := s.RevokeIfCurrent(ctx, old)
	require.NoError(t, err)
	require.True(t, removed)
	s.Release(old)

	cur, ok := s.Lookup("exec")
	require.True(t, ok)
	require.Equal(t, fresh.Seq, cur.Seq)
	rows, err := db.LoadGrants(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestOnceGrantDroppedWhenDeleteFails(t *testing.T) {
	db := openDB(t, filepath.Join(t.TempDir(), "grants.db"))
	backend := &failingBackend{Backend: db}
	s, err := Open(context.Background(), backend)
	require.NoError(t, err)
	ctx := context.Background()

	once, err := s.Grant(ctx, "delete_file", models.ScopeOnce)
	require.NoError(t, err)
	keep, err := s.Grant(ctx, "read_file", models.ScopePersistent)
	require.NoError(t, err)

	backend.failDelete = true
	require.True(t, s.Claim(once))
	_, err = s.RevokeIfCurrent(ctx, once)
	require.ErrorIs(t, err, models.ErrStorage)
	require.False(t, s.IsGranted("delete_file"))

	// Other scopes stay until the backend agrees.
	_, err = s.RevokeIfCurrent(ctx, keep)
	require.ErrorIs(t, err, models.ErrStorage)
	require.True(t, s.IsGranted("read_file"))

	// The leftover row is gone after a restart.
	backend.failDelete = false
	reopened, err := Open(ctx, backend)
	require.NoError(t, err)
	require.False(t, reopened.IsGranted("delete_file"))
}

func TestRevokeTrimsToolName(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Grant(ctx, "read_file", models.ScopePersistent)
	require.NoError(t, err)

	removed, err := s.Revoke(ctx, "  read_file ")
	require.NoError(t, err)
	require.True(t, removed)
	require.False(t, s.IsGranted("read_file"))
}

func TestConcurrentGrantRevoke(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tool := fmt.Sprintf("tool_%d", i%2)
			for j := 0; j < 10; j++ {
				if j%2 == 0 {
					_, _ = s.Grant(ctx, tool, models.ScopePersistent)
				} else {
					_, _ = s.Revoke(ctx, tool)
				}
				_ = s.IsGranted(tool)
			}
		}(i)
	}
	wg.Wait()

	// Memory and disk converge regardless of interleaving.
	reopened, err := Open(ctx, db)
	require.NoError(t, err)
	for _, tool := range []string{"tool_0", "tool_1"} {
		require.Equal(t, s.IsGranted(tool), reopened.IsGranted(tool), tool)
	}
}
