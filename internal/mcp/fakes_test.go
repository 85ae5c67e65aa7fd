package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/toolgate/internal/connectors"
	"github.com/stretchr/testify/require"
)

// fakeServer scripts the behaviour of one tool server and records every
// contact made with it.
type fakeServer struct {
	mu       sync.Mutex
	tools    []connectors.RemoteTool
	dialErr  error
	dialHang bool
	pingErr  error
	pingHang bool
	callErr  error
	callHang bool
	result   connectors.CallResult

	dials    int
	pings    int
	calls    int
	lastArgs map[string]any
	sessions []*fakeSession
}

func newFakeServer(tools ...string) *fakeServer {
	fs := &fakeServer{result: connectors.CallResult{Content: "ok"}}
	for _, name := range tools {
		fs.tools = append(fs.tools, connectors.RemoteTool{Name: name, Description: name + " tool"})
	}
	return fs
}

func (fs *fakeServer) set(fn func(fs *fakeServer)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fn(fs)
}

func (fs *fakeServer) contacts() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.dials + fs.pings + fs.calls
}

func (fs *fakeServer) callCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.calls
}

func (fs *fakeServer) openSessions() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := 0
	for _, s := range fs.sessions {
		if !s.isClosed() {
			n++
		}
	}
	return n
}

type fakeSession struct {
	srv    *fakeServer
	mu     sync.Mutex
	closed bool
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) ListTools(ctx context.Context) ([]connectors.RemoteTool, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	return append([]connectors.RemoteTool(nil), s.srv.tools...), nil
}

func (s *fakeSession) Ping(ctx context.Context) error {
	s.srv.mu.Lock()
	s.srv.pings++
	hang, err := s.srv.pingHang, s.srv.pingErr
	s.srv.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (s *fakeSession) CallTool(ctx context.Context, name string, args map[string]any) (*connectors.CallResult, error) {
	s.srv.mu.Lock()
	s.srv.calls++
	s.srv.lastArgs = args
	hang, err, res := s.srv.callHang, s.srv.callErr, s.srv.result
	s.srv.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeDialer struct {
	servers map[string]*fakeServer
}

func (d *fakeDialer) Dial(ctx context.Context, ep connectors.Endpoint) (connectors.Session, error) {
	fs, ok := d.servers[ep.Name]
	if !ok {
		return nil, errors.New("no such fake server")
	}
	fs.mu.Lock()
	fs.dials++
	hang, err := fs.dialHang, fs.dialErr
	fs.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	sess := &fakeSession{srv: fs}
	fs.mu.Lock()
	fs.sessions = append(fs.sessions, sess)
	fs.mu.Unlock()
	return sess, nil
}

// testConfig returns a config for the given servers with a health
// interval long enough that checks only run through CheckNow.
func testConfig(servers ...string) *Config {
	cfg := DefaultConfig()
	cfg.Health.Interval = time.Hour
	cfg.Health.Timeout = time.Second
	cfg.HandshakeTimeout = time.Second
	for _, name := range servers {
		cfg.Servers[name] = ServerConfig{Command: name + "-server"}
	}
	return cfg
}

type harness struct {
	cfg      *Config
	servers  map[string]*fakeServer
	registry *Registry
	sup      *Supervisor
}

func newHarness(t *testing.T, cfg *Config, servers map[string]*fakeServer) *harness {
	t.Helper()
	reg := NewRegistry(cfg.GetPriority)
	sup := NewSupervisor(cfg, &fakeDialer{servers: servers}, reg)
	t.Cleanup(sup.StopAll)
	return &harness{cfg: cfg, servers: servers, registry: reg, sup: sup}
}

func (h *harness) start(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, h.sup.Start(context.Background(), name))
	}
}
