// Package controlplane provides the HTTP API and service layer for toolgate.
package controlplane

import (
	"context"
	"fmt"
	"strings"

	"github.com/fentz26/toolgate/internal/audit"
	"github.com/fentz26/toolgate/internal/mcp"
	"github.com/fentz26/toolgate/internal/modelconfig"
	"github.com/fentz26/toolgate/internal/models"
	"github.com/fentz26/toolgate/internal/permissions"
	"github.com/fentz26/toolgate/internal/store"
)

// Pinger reports database liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Service provides the control plane business logic.
type Service struct {
	models     *modelconfig.Registry
	supervisor *mcp.Supervisor
	grants     *permissions.Store
	router     *mcp.Router
	audit      *audit.Recorder
	db         Pinger
}

// NewService creates a new control plane service.
func NewService(
	modelRegistry *modelconfig.Registry,
	supervisor *mcp.Supervisor,
	grants *permissions.Store,
	router *mcp.Router,
	recorder *audit.Recorder,
	db Pinger,
) *Service {
	return &Service{
		models:     modelRegistry,
		supervisor: supervisor,
		grants:     grants,
		router:     router,
		audit:      recorder,
		db:         db,
	}
}

// --- Models ---

// ModelsOverview returns the configured models.
func (s *Service) ModelsOverview() models.ModelsOverview {
	return s.models.Describe()
}

// NextFallback returns the model to try after failed.
func (s *Service) NextFallback(failed string, exclude []string) (models.ModelConfig, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, key := range exclude {
		excluded[key] = true
	}
	m, ok := s.models.NextFallback(failed, excluded)
	if !ok {
		return models.ModelConfig{}, fmt.Errorf("%w: fallback chain exhausted after %q", ErrNotFound, failed)
	}
	return m, nil
}

// --- Servers ---

// ServerStatuses returns all server statuses.
func (s *Service) ServerStatuses() []models.ServerStatus {
	return s.supervisor.Statuses()
}

// ServerStatus returns one server status.
func (s *Service) ServerStatus(name string) (models.ServerStatus, error) {
	st, ok := s.supervisor.StatusOf(name)
	if !ok {
		return models.ServerStatus{}, fmt.Errorf("%w: %s", mcp.ErrUnknownServer, name)
	}
	return st, nil
}

// ServerAction runs start, stop, restart, check or refresh on a server
// and returns its resulting status.
func (s *Service) ServerAction(ctx context.Context, name, action string) (models.ServerStatus, error) {
	var err error
	switch strings.ToLower(action) {
	case "start":
		err = s.supervisor.Start(ctx, name)
	case "stop":
		err = s.supervisor.Stop(name)
	case "restart":
		err = s.supervisor.Restart(ctx, name)
	case "check":
		var st models.ServerStatus
		st, err = s.supervisor.CheckNow(ctx, name)
		if err == nil {
			return st, nil
		}
	case "refresh":
		_, err = s.supervisor.RefreshCatalog(ctx, name)
	default:
		return models.ServerStatus{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if err != nil {
		return models.ServerStatus{}, err
	}
	return s.ServerStatus(name)
}

// Tools returns the live aggregated catalog.
func (s *Service) Tools() []models.ToolDescriptor {
	return s.supervisor.Registry().Tools()
}

// --- Grants ---

// Grants lists all grants.
func (s *Service) Grants() []models.PermissionGrant {
	return s.grants.List()
}

// Grant records a grant.
func (s *Service) Grant(ctx context.Context, tool, scope string) (models.PermissionGrant, error) {
	sc, err := models.ParseGrantScope(scope)
	if err != nil {
		return models.PermissionGrant{}, models.ConfigInvalidf("%v", err)
	}
	return s.grants.Grant(ctx, tool, sc)
}

// Revoke removes a grant.
func (s *Service) Revoke(ctx context.Context, tool string) (bool, error) {
	return s.grants.Revoke(ctx, tool)
}

// --- Invocation ---

// Invoke routes a tool call.
func (s *Service) Invoke(ctx context.Context, req models.InvokeRequest) (*models.ToolOutput, error) {
	if strings.TrimSpace(req.Tool) == "" {
		return nil, fmt.Errorf("%w: tool is required", ErrBadRequest)
	}
	return s.router.Invoke(ctx, req)
}

// Audit returns recent invocation records.
func (s *Service) Audit(ctx context.Context, f store.AuditFilter) ([]models.InvocationRecord, error) {
	return s.audit.Recent(ctx, f)
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
