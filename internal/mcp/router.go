package mcp

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/fentz26/toolgate/internal/connectors"
	"github.com/fentz26/toolgate/internal/models"
	"github.com/rs/zerolog"
)

// Grants is the permission side of the router.
type Grants interface {
	Lookup(tool string) (models.PermissionGrant, bool)
	Claim(g models.PermissionGrant) bool
	Release(g models.PermissionGrant)
	RevokeIfCurrent(ctx context.Context, g models.PermissionGrant) (bool, error)
}

// Catalog resolves tools to servers.
type Catalog interface {
	Lookup(tool string) []Candidate
	Owners(tool string) []string
	ToolNames() []string
}

// Servers exposes server liveness and channels.
type Servers interface {
	IsRunning(name string) bool
	Channel(name string) (connectors.Session, bool)
}

// Auditor records every invocation attempt.
type Auditor interface {
	RecordInvocation(ctx context.Context, req models.InvokeRequest, server, outcome string, callErr error, elapsed time.Duration)
}

const maxSuggestions = 3

// Router gates and forwards tool calls. It never retries and never
// starts servers.
type Router struct {
	grants      Grants
	catalog     Catalog
	servers     Servers
	auditor     Auditor
	observer    InvocationObserver
	logger      zerolog.Logger
	callTimeout time.Duration
	now         func() time.Time
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithAuditor sets the invocation auditor.
func WithAuditor(a Auditor) RouterOption {
	return func(r *Router) { r.auditor = a }
}

// WithInvocationObserver sets the invocation observer.
func WithInvocationObserver(o InvocationObserver) RouterOption {
	return func(r *Router) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithRouterLogger sets the logger.
func WithRouterLogger(l zerolog.Logger) RouterOption {
	return func(r *Router) { r.logger = l.With().Str("component", "router").Logger() }
}

// WithCallTimeout sets the timeout for calls whose context has no
// deadline.
func WithCallTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.callTimeout = d }
}

// NewRouter creates a router over the given components.
func NewRouter(grants Grants, catalog Catalog, servers Servers, opts ...RouterOption) *Router {
	r := &Router{
		grants:      grants,
		catalog:     catalog,
		servers:     servers,
		observer:    nopObserver{},
		logger:      zerolog.Nop(),
		callTimeout: DefaultConfig().CallTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invoke checks the grant, picks a server and forwards the call.
func (r *Router) Invoke(ctx context.Context, req models.InvokeRequest) (out *models.ToolOutput, err error) {
	start := r.now()
	server := ""
	defer func() {
		r.finish(ctx, req, server, out, err, r.now().Sub(start))
	}()

	grant, ok := r.grants.Lookup(req.Tool)
	once := ok && grant.Scope == models.ScopeOnce
	// A once grant admits exactly one caller.
	if !ok || (once && !r.grants.Claim(grant)) {
		return nil, &models.ToolError{Kind: models.KindPermissionDenied, Tool: req.Tool}
	}
	release := func() {
		if once {
			r.grants.Release(grant)
		}
	}

	cand, err := r.pick(req)
	if err != nil {
		release()
		var te *models.ToolError
		if errors.As(err, &te) {
			server = te.Server
		}
		return nil, err
	}
	server = cand.Server

	if !r.servers.IsRunning(server) {
		release()
		return nil, &models.ToolError{Kind: models.KindServerUnavailable, Tool: req.Tool, Server: server}
	}
	sess, ok := r.servers.Channel(server)
	if !ok {
		release()
		return nil, &models.ToolError{Kind: models.KindServerUnavailable, Tool: req.Tool, Server: server}
	}

	out, err = r.forward(ctx, sess, server, req)

	if once {
		r.consume(grant, req.Tool)
	}
	return out, err
}

// pick returns the best live candidate or the error explaining why none
// can serve the request.
func (r *Router) pick(req models.InvokeRequest) (Candidate, error) {
	for _, c := range r.catalog.Lookup(req.Tool) {
		if req.Server == "" || c.Server == req.Server {
			return c, nil
		}
	}

	// Known but not live: the owner is down.
	for _, owner := range r.catalog.Owners(req.Tool) {
		if req.Server == "" || owner == req.Server {
			return Candidate{}, &models.ToolError{Kind: models.KindServerUnavailable, Tool: req.Tool, Server: owner}
		}
	}

	return Candidate{}, &models.ToolError{
		Kind:        models.KindToolNotFound,
		Tool:        req.Tool,
		Server:      req.Server,
		Suggestions: suggest(req.Tool, r.catalog.ToolNames()),
	}
}

func (r *Router) forward(ctx context.Context, sess connectors.Session, server string, req models.InvokeRequest) (*models.ToolOutput, error) {
	if _, ok := ctx.Deadline(); !ok && r.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}

	type result struct {
		res *connectors.CallResult
		err error
	}
	// Buffered so a call that outlives the deadline can still finish.
	ch := make(chan result, 1)
	started := r.now()
	go func() {
		res, err := sess.CallTool(ctx, req.Tool, req.Arguments)
		ch <- result{res, err}
	}()

	select {
	case <-ctx.Done():
		return nil, &models.ToolError{
			Kind:    models.KindServerError,
			Tool:    req.Tool,
			Server:  server,
			Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:     ctx.Err(),
		}
	case res := <-ch:
		if res.err != nil {
			return nil, &models.ToolError{
				Kind:    models.KindServerError,
				Tool:    req.Tool,
				Server:  server,
				Timeout: errors.Is(res.err, context.DeadlineExceeded),
				Err:     res.err,
			}
		}
		return &models.ToolOutput{
			Server:     server,
			Tool:       req.Tool,
			Content:    res.res.Content,
			Structured: res.res.Structured,
			IsError:    res.res.IsError,
			Duration:   r.now().Sub(started),
		}, nil
	}
}

// consume revokes a once grant after an attempted call. The revoke runs
// detached from the caller's context so a cancelled call still uses up
// its grant.
func (r *Router) consume(grant models.PermissionGrant, tool string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.grants.RevokeIfCurrent(ctx, grant); err != nil {
		r.logger.Error().
			Err(err).
			Str("event", "permission.once_revoke_failed").
			Str("tool", tool).
			Str("grant", grant.ToolName).
			Msg("single-use grant could not be revoked after use")
	}
}

func (r *Router) finish(ctx context.Context, req models.InvokeRequest, server string, out *models.ToolOutput, err error, elapsed time.Duration) {
	outcome := models.OutcomeSuccess
	switch {
	case err != nil:
		outcome = string(models.KindOf(err))
		if outcome == "" {
			outcome = string(models.KindServerError)
		}
	case out != nil && out.IsError:
		outcome = models.OutcomeToolError
	}

	r.observer.ToolInvoked(req.Tool, server, outcome, elapsed)
	if r.auditor != nil {
		r.auditor.RecordInvocation(context.WithoutCancel(ctx), req, server, outcome, err, elapsed)
	}
}

// suggest returns up to maxSuggestions known names close to tool.
func suggest(tool string, names []string) []string {
	type scored struct {
		name string
		dist int
	}
	limit := len(tool) / 3
	if limit < 2 {
		limit = 2
	}

	var hits []scored
	for _, name := range names {
		if name == tool {
			continue
		}
		if d := levenshtein.ComputeDistance(tool, name); d <= limit {
			hits = append(hits, scored{name, d})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].name < hits[j].name
	})

	var out []string
	for i := 0; i < len(hits) && i < maxSuggestions; i++ {
		out = append(out, hits[i].name)
	}
	return out
}
