package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/toolgate/internal/audit"
	"github.com/fentz26/toolgate/internal/connectors"
	"github.com/fentz26/toolgate/internal/mcp"
	"github.com/fentz26/toolgate/internal/metrics"
	"github.com/fentz26/toolgate/internal/modelconfig"
	"github.com/fentz26/toolgate/internal/models"
	"github.com/fentz26/toolgate/internal/permissions"
	"github.com/fentz26/toolgate/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testModels = `
active_model: llama-7b
fallback_chain: [llama-7b, mistral-7b]
models:
  llama-7b:
    display_name: Llama 7B
    runtime: ollama
    context_window: 4096
    max_tokens: 1024
    temperature: 0.7
    tool_call_format: json
  mistral-7b:
    display_name: Mistral 7B
    runtime: ollama
    context_window: 8192
    max_tokens: 2048
    temperature: 0.2
`

// stubDialer serves a fixed tool list per server and counts calls.
type stubDialer struct {
	mu    sync.Mutex
	tools map[string][]string
	calls map[string]int
}

func (d *stubDialer) Dial(ctx context.Context, ep connectors.Endpoint) (connectors.Session, error) {
	names, ok := d.tools[ep.Name]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return &stubSession{dialer: d, server: ep.Name, names: names}, nil
}

func (d *stubDialer) callCount(server string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[server]
}

type stubSession struct {
	dialer *stubDialer
	server string
	names  []string
}

func (s *stubSession) ListTools(ctx context.Context) ([]connectors.RemoteTool, error) {
	out := make([]connectors.RemoteTool, len(s.names))
	for i, n := range s.names {
		out[i] = connectors.RemoteTool{Name: n}
	}
	return out, nil
}

func (s *stubSession) Ping(ctx context.Context) error { return nil }

func (s *stubSession) CallTool(ctx context.Context, name string, args map[string]any) (*connectors.CallResult, error) {
	s.dialer.mu.Lock()
	s.dialer.calls[s.server]++
	s.dialer.mu.Unlock()
	return &connectors.CallResult{Content: name + " from " + s.server}, nil
}

func (s *stubSession) Close() error { return nil }

type testEnv struct {
	handler http.Handler
	dialer  *stubDialer
	sup     *mcp.Supervisor
	grants  *permissions.Store
	db      *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := store.New(filepath.Join(t.TempDir(), "toolgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	grants, err := permissions.Open(ctx, db)
	require.NoError(t, err)

	f, err := modelconfig.Parse([]byte(testModels))
	require.NoError(t, err)
	reg, err := modelconfig.New(f)
	require.NoError(t, err)

	cfg := mcp.DefaultConfig()
	cfg.Health.Interval = time.Hour
	cfg.HandshakeTimeout = time.Second
	cfg.Servers["fs"] = mcp.ServerConfig{Command: "fs-server"}
	cfg.Servers["web"] = mcp.ServerConfig{Command: "web-server", Tools: []string{"fetch"}}

	dialer := &stubDialer{
		tools: map[string][]string{"fs": {"read_file", "list_dir"}},
		calls: map[string]int{},
	}
	m := metrics.New()
	catalog := mcp.NewRegistry(cfg.GetPriority)
	sup := mcp.NewSupervisor(cfg, dialer, catalog, mcp.WithObserver(m))
	t.Cleanup(sup.StopAll)

	recorder := audit.NewRecorder(db, zerolog.Nop())
	router := mcp.NewRouter(grants, catalog, sup,
		mcp.WithAuditor(recorder),
		mcp.WithInvocationObserver(m),
	)

	svc := NewService(reg, sup, grants, router, recorder, db)
	srv := NewServer(svc, "127.0.0.1:0", m.Handler(), zerolog.Nop())
	return &testEnv{handler: srv.Handler(), dialer: dialer, sup: sup, grants: grants, db: db}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decodeBody[HealthResponse](t, w)
	require.True(t, health.OK)
	require.Equal(t, "ok", health.DB)
	require.NotEmpty(t, health.Version)
	require.NotEmpty(t, health.Time)

	w = env.do(t, http.MethodPost, "/health", nil)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthEndpointDBError(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.db.Close())

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.False(t, decodeBody[HealthResponse](t, w).OK)
}

func TestModelsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	overview := decodeBody[models.ModelsOverview](t, w)
	require.Equal(t, "llama-7b", overview.ActiveModel)

	w = env.do(t, http.MethodPost, "/models/fallback", FallbackRequest{Failed: "llama-7b"})
	require.Equal(t, http.StatusOK, w.Code)
	next := decodeBody[models.ModelConfig](t, w)
	require.Equal(t, "mistral-7b", next.Key)
	require.Equal(t, models.ToolCallNone, next.ToolCallFormat)

	w = env.do(t, http.MethodPost, "/models/fallback", FallbackRequest{Failed: "mistral-7b"})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/models/fallback", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServerActions(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/servers/fs/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decodeBody[models.ServerStatus](t, w)
	require.Equal(t, models.ServerRunning, st.State)
	require.Equal(t, 2, st.ToolCount)

	w = env.do(t, http.MethodGet, "/servers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decodeBody[[]models.ServerStatus](t, w), 2)

	w = env.do(t, http.MethodPost, "/servers/fs/check", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/tools", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decodeBody[[]models.ToolDescriptor](t, w), 2)

	w = env.do(t, http.MethodPost, "/servers/fs/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, models.ServerStopped, decodeBody[models.ServerStatus](t, w).State)

	w = env.do(t, http.MethodPost, "/servers/fs/explode", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/servers/ghost", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestInvokeWithoutGrantIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.sup.Start(context.Background(), "fs"))

	w := env.do(t, http.MethodPost, "/invoke", models.InvokeRequest{Tool: "read_file"})
	require.Equal(t, http.StatusForbidden, w.Code)
	resp := decodeBody[ErrorResponse](t, w)
	require.Equal(t, string(models.KindPermissionDenied), resp.Kind)
	require.Equal(t, "read_file", resp.Tool)
	require.Zero(t, env.dialer.callCount("fs"))

	w = env.do(t, http.MethodGet, "/audit?outcome=permission_denied", nil)
	require.Equal(t, http.StatusOK, w.Code)
	recs := decodeBody[[]models.InvocationRecord](t, w)
	require.Len(t, recs, 1)
	require.Equal(t, "read_file", recs[0].ToolName)
}

func TestInvokeGranted(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.sup.Start(context.Background(), "fs"))

	w := env.do(t, http.MethodPost, "/grants", GrantRequest{Tool: "read_file", Scope: "once"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodPost, "/invoke", models.InvokeRequest{
		Tool:      "read_file",
		Arguments: map[string]any{"path": "/tmp/a"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	out := decodeBody[models.ToolOutput](t, w)
	require.Equal(t, "fs", out.Server)
	require.Equal(t, "read_file from fs", out.Content)

	// The once grant is spent.
	require.False(t, env.grants.IsGranted("read_file"))
	w = env.do(t, http.MethodPost, "/invoke", models.InvokeRequest{Tool: "read_file"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `toolgate_tool_invocations_total{outcome="success",server="fs",tool="read_file"} 1`)
}

func TestInvokeErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.sup.Start(ctx, "fs"))
	for _, tool := range []string{"read_fil", "fetch", "list_dir"} {
		_, err := env.grants.Grant(ctx, tool, models.ScopePersistent)
		require.NoError(t, err)
	}

	tests := []struct {
		name   string
		body   any
		status int
		kind   string
	}{
		{"unknown tool", models.InvokeRequest{Tool: "read_fil"}, http.StatusNotFound, string(models.KindToolNotFound)},
		{"declared but not running", models.InvokeRequest{Tool: "fetch"}, http.StatusServiceUnavailable, string(models.KindServerUnavailable)},
		{"pinned to server without the tool", models.InvokeRequest{Tool: "list_dir", Server: "web"}, http.StatusNotFound, string(models.KindToolNotFound)},
		{"missing tool", models.InvokeRequest{}, http.StatusBadRequest, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/invoke", tt.body)
			require.Equal(t, tt.status, w.Code)
			require.Equal(t, tt.kind, decodeBody[ErrorResponse](t, w).Kind)
		})
	}

	w := env.do(t, http.MethodPost, "/invoke", models.InvokeRequest{Tool: "read_fil"})
	resp := decodeBody[ErrorResponse](t, w)
	require.Contains(t, resp.Suggestions, "read_file")
}

func TestGrantEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodDelete, "/grants/delete_file", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, decodeBody[RevokeResponse](t, w).Revoked)

	w = env.do(t, http.MethodPost, "/grants", GrantRequest{Tool: "delete_file", Scope: "persistent"})
	require.Equal(t, http.StatusCreated, w.Code)
	g := decodeBody[models.PermissionGrant](t, w)
	require.Equal(t, models.ScopePersistent, g.Scope)

	w = env.do(t, http.MethodGet, "/grants", nil)
	require.Len(t, decodeBody[[]models.PermissionGrant](t, w), 1)

	w = env.do(t, http.MethodDelete, "/grants/delete_file", nil)
	require.True(t, decodeBody[RevokeResponse](t, w).Revoked)
	require.False(t, env.grants.IsGranted("delete_file"))

	w = env.do(t, http.MethodPost, "/grants", GrantRequest{Tool: "x", Scope: "forever"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, string(models.KindConfigInvalid), decodeBody[ErrorResponse](t, w).Kind)

	w = env.do(t, http.MethodPost, "/grants", GrantRequest{Tool: "fs_*", Scope: "session"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = env.do(t, http.MethodDelete, "/grants/fs_%2A", nil)
	require.True(t, decodeBody[RevokeResponse](t, w).Revoked)
}

func TestAuditRejectsBadLimit(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/audit?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.True(t, strings.Contains(w.Body.String(), "limit"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&models.ToolError{Kind: models.KindServerError, Timeout: true}, http.StatusGatewayTimeout},
		{&models.ToolError{Kind: models.KindServerError}, http.StatusBadGateway},
		{&models.ToolError{Kind: models.KindStorage}, http.StatusInternalServerError},
		{mcp.ErrServerFailed, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := classify(tt.err)
		require.Equal(t, tt.status, status, tt.err.Error())
	}
}
