package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/toolgate/internal/connectors"
	"github.com/fentz26/toolgate/internal/models"
	"github.com/rs/zerolog"
)

// Supervisor owns the lifecycle of every configured tool server.
type Supervisor struct {
	cfg      *Config
	dialer   connectors.Dialer
	registry *Registry
	logger   zerolog.Logger
	observer Observer
	now      func() time.Time

	// entries is fixed at construction; each entry has its own lock.
	entries map[string]*entry
}

// entry is the mutable descriptor of one server. Lock order is entry.mu
// before the registry writer lock.
type entry struct {
	name     string
	endpoint connectors.Endpoint
	filter   toolFilter

	mu        sync.Mutex
	state     models.ServerState
	session   connectors.Session
	catalog   []models.ToolDescriptor
	lastCheck time.Time
	lastErr   string
	missed    int
	// checking is set while a ping is in flight; overlapping checks are
	// skipped so one outage is not counted twice.
	checking bool
	// gen changes on every start, stop and restart; work started under
	// an older generation discards its result.
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSupervisorLogger sets the logger.
func WithSupervisorLogger(l zerolog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l.With().Str("component", "supervisor").Logger() }
}

// WithObserver sets the state/health observer.
func WithObserver(o Observer) SupervisorOption {
	return func(s *Supervisor) {
		if o != nil {
			s.observer = o
		}
	}
}

// NewSupervisor creates a supervisor for every server in cfg. Servers
// start in the unstarted state.
func NewSupervisor(cfg *Config, dialer connectors.Dialer, registry *Registry, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		dialer:   dialer,
		registry: registry,
		logger:   zerolog.Nop(),
		observer: nopObserver{},
		now:      time.Now,
		entries:  make(map[string]*entry, len(cfg.Servers)),
	}
	for _, opt := range opts {
		opt(s)
	}
	for name, sc := range cfg.Servers {
		s.entries[name] = &entry{
			name:     name,
			endpoint: cfg.Endpoint(name),
			filter:   newToolFilter(sc),
			state:    models.ServerUnstarted,
		}
		registry.Declare(name, sc.Tools)
	}
	return s
}

// Registry returns the tool registry fed by this supervisor.
func (s *Supervisor) Registry() *Registry { return s.registry }

// ConfiguredServers returns all configured server names, sorted.
func (s *Supervisor) ConfiguredServers() []string {
	return s.cfg.ServerNames()
}

// IsRunning reports whether calls may be routed to the server.
func (s *Supervisor) IsRunning(name string) bool {
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Live()
}

// StatusOf returns the current status of one server.
func (s *Supervisor) StatusOf(name string) (models.ServerStatus, bool) {
	e, ok := s.entries[name]
	if !ok {
		return models.ServerStatus{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.statusLocked(e), true
}

// Statuses returns the status of every server, sorted by name.
func (s *Supervisor) Statuses() []models.ServerStatus {
	names := s.ConfiguredServers()
	out := make([]models.ServerStatus, 0, len(names))
	for _, name := range names {
		st, _ := s.StatusOf(name)
		out = append(out, st)
	}
	return out
}

func (s *Supervisor) statusLocked(e *entry) models.ServerStatus {
	return models.ServerStatus{
		Name:      e.name,
		State:     e.state,
		ToolCount: s.registry.ToolsForServer(e.name),
		LastCheck: e.lastCheck,
		LastError: e.lastErr,
	}
}

// Channel returns the open session of a live server.
func (s *Supervisor) Channel(name string) (connectors.Session, bool) {
	e, ok := s.entries[name]
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Live() || e.session == nil {
		return nil, false
	}
	return e.session, true
}

// Start launches a server and performs the handshake. It is a no-op if
// the server is already starting or live, and refused for failed servers.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	e, err := s.entry(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	switch e.state {
	case models.ServerStarting, models.ServerRunning, models.ServerDegraded:
		e.mu.Unlock()
		return nil
	case models.ServerFailed:
		e.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrServerFailed)
	}
	e.gen++
	gen := e.gen
	s.transitionLocked(e, models.ServerStarting, "")
	e.mu.Unlock()

	return s.handshake(ctx, e, gen)
}

// Restart tears down a server in any state and starts it again.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	e, err := s.entry(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.gen++
	gen := e.gen
	release := s.detachLocked(e)
	s.transitionLocked(e, models.ServerStarting, "")
	e.mu.Unlock()

	release()
	return s.handshake(ctx, e, gen)
}

// Stop shuts a server down. Stopping an unstarted or stopped server is a
// no-op.
func (s *Supervisor) Stop(name string) error {
	e, err := s.entry(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.state == models.ServerUnstarted || e.state == models.ServerStopped {
		e.mu.Unlock()
		return nil
	}
	e.gen++
	release := s.detachLocked(e)
	s.transitionLocked(e, models.ServerStopped, "")
	e.mu.Unlock()

	release()
	return nil
}

// StartAll starts every enabled server concurrently.
func (s *Supervisor) StartAll(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, name := range s.ConfiguredServers() {
		if s.cfg.Servers[name].Disabled {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := s.Start(ctx, name); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(name)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// StopAll stops every server.
func (s *Supervisor) StopAll() {
	var wg sync.WaitGroup
	for _, name := range s.ConfiguredServers() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_ = s.Stop(name)
		}(name)
	}
	wg.Wait()
}

// CheckNow runs one health check synchronously and returns the
// resulting status.
func (s *Supervisor) CheckNow(ctx context.Context, name string) (models.ServerStatus, error) {
	e, err := s.entry(name)
	if err != nil {
		return models.ServerStatus{}, err
	}

	e.mu.Lock()
	gen := e.gen
	live := e.state.Live()
	e.mu.Unlock()
	if !live {
		st, _ := s.StatusOf(name)
		return st, &models.ToolError{Kind: models.KindServerUnavailable, Server: name}
	}

	s.check(ctx, e, gen)
	st, _ := s.StatusOf(name)
	return st, nil
}

// RefreshCatalog lists a live server's tools again and replaces its
// registry slice. It returns the new tool count.
func (s *Supervisor) RefreshCatalog(ctx context.Context, name string) (int, error) {
	e, err := s.entry(name)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	gen, sess := e.gen, e.session
	if !e.state.Live() || sess == nil {
		e.mu.Unlock()
		return 0, &models.ToolError{Kind: models.KindServerUnavailable, Server: name}
	}
	e.mu.Unlock()

	lctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	tools, err := sess.ListTools(lctx)
	cancel()
	if err != nil {
		return 0, &models.ToolError{Kind: models.KindServerError, Server: name, Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen || !e.state.Live() {
		return 0, &models.ToolError{Kind: models.KindServerUnavailable, Server: name}
	}
	e.catalog = e.filter.apply(name, tools)
	s.registry.Rebuild(name, e.catalog)
	s.logger.Info().Str("server", name).Int("tools", len(e.catalog)).Msg("catalog refreshed")
	return len(e.catalog), nil
}

func (s *Supervisor) entry(name string) (*entry, error) {
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return e, nil
}

// handshake connects and lists tools for generation gen, then moves the
// server to running or failed.
func (s *Supervisor) handshake(ctx context.Context, e *entry, gen uint64) error {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	var tools []connectors.RemoteTool
	sess, err := s.dialer.Dial(hctx, e.endpoint)
	if err == nil {
		tools, err = sess.ListTools(hctx)
		if err != nil {
			_ = sess.Close()
			sess = nil
		}
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
		return fmt.Errorf("%s: %w", e.name, ErrStartAborted)
	}
	if err != nil {
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("handshake timed out after %s: %w", s.cfg.HandshakeTimeout, err)
		}
		s.registry.Remove(e.name)
		s.transitionLocked(e, models.ServerFailed, err.Error())
		e.mu.Unlock()
		return fmt.Errorf("start %s: %w", e.name, err)
	}

	e.session = sess
	e.missed = 0
	e.lastCheck = s.now()
	e.catalog = e.filter.apply(e.name, tools)
	s.registry.Rebuild(e.name, e.catalog)
	s.transitionLocked(e, models.ServerRunning, "")

	loopCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel, e.done = stop, done
	e.mu.Unlock()

	go s.healthLoop(loopCtx, e, gen, done)
	return nil
}

// detachLocked clears the live parts of e and removes its catalog. The
// returned func stops the health loop and closes the session; call it
// after releasing e.mu.
func (s *Supervisor) detachLocked(e *entry) func() {
	cancel, done, sess := e.cancel, e.done, e.session
	e.cancel, e.done, e.session = nil, nil, nil
	e.missed = 0
	s.registry.Remove(e.name)

	return func() {
		if cancel != nil {
			cancel()
			<-done
		}
		if sess != nil {
			if err := sess.Close(); err != nil {
				s.logger.Debug().Err(err).Str("server", e.name).Msg("closing session")
			}
		}
	}
}

func (s *Supervisor) healthLoop(ctx context.Context, e *entry, gen uint64, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Health.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.check(ctx, e, gen) {
				return
			}
		}
	}
}

// check pings the server without holding its lock and applies the
// result. It returns false once the server is no longer live under gen.
// A check that overlaps one already in flight does nothing.
func (s *Supervisor) check(ctx context.Context, e *entry, gen uint64) bool {
	e.mu.Lock()
	if e.gen != gen || !e.state.Live() || e.session == nil {
		e.mu.Unlock()
		return false
	}
	if e.checking {
		e.mu.Unlock()
		return true
	}
	e.checking = true
	sess := e.session
	e.mu.Unlock()

	start := s.now()
	pctx, cancel := context.WithTimeout(ctx, s.cfg.Health.Timeout)
	err := sess.Ping(pctx)
	cancel()
	elapsed := s.now().Sub(start)

	e.mu.Lock()
	e.checking = false
	if e.gen != gen || !e.state.Live() {
		e.mu.Unlock()
		return false
	}
	s.observer.HealthChecked(e.name, err == nil, elapsed)
	e.lastCheck = s.now()

	if err == nil {
		e.missed = 0
		if e.state == models.ServerDegraded {
			s.registry.Rebuild(e.name, e.catalog)
			s.transitionLocked(e, models.ServerRunning, "")
		}
		e.mu.Unlock()
		return true
	}

	e.missed++
	msg := fmt.Sprintf("health check %d/%d failed: %v", e.missed, s.cfg.Health.MaxMissed, err)
	if e.missed < s.cfg.Health.MaxMissed {
		if e.state == models.ServerRunning {
			s.transitionLocked(e, models.ServerDegraded, msg)
		} else {
			e.lastErr = msg
		}
		e.mu.Unlock()
		return true
	}

	// The loop owning e.cancel/e.done is this one or will see the state
	// change, so only the session is released here.
	sess = e.session
	e.session = nil
	s.registry.Remove(e.name)
	s.transitionLocked(e, models.ServerFailed, msg)
	e.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	return false
}

func (s *Supervisor) transitionLocked(e *entry, to models.ServerState, reason string) {
	from := e.state
	e.state = to
	e.lastErr = reason
	if to == models.ServerStopped || to == models.ServerStarting {
		e.catalog = nil
	}

	ev := s.logger.Info()
	if to == models.ServerFailed || to == models.ServerDegraded {
		ev = s.logger.Warn()
	}
	ev.Str("event", "server.state_changed").
		Str("server", e.name).
		Str("from", string(from)).
		Str("to", string(to))
	if reason != "" {
		ev = ev.Str("reason", reason)
	}
	ev.Msg("server state changed")

	s.observer.ServerStateChanged(e.name, from, to)
}
