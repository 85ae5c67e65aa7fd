// Package mcp supervises tool servers, indexes their catalogs and routes
// gated tool calls to them.
package mcp

import (
	"errors"
	"strings"
	"time"

	"github.com/fentz26/toolgate/internal/connectors"
	"github.com/fentz26/toolgate/internal/models"
)

// Supervisor command errors.
var (
	ErrUnknownServer = errors.New("unknown server")
	ErrServerFailed  = errors.New("server failed; restart it instead")
	ErrStartAborted  = errors.New("start aborted by stop or restart")
)

// Candidate is one server able to serve a tool.
type Candidate struct {
	Server   string
	Priority int
	Tool     models.ToolDescriptor
}

// Observer is notified of supervisor activity.
type Observer interface {
	ServerStateChanged(server string, from, to models.ServerState)
	HealthChecked(server string, ok bool, elapsed time.Duration)
}

// InvocationObserver is notified of every routed invocation.
type InvocationObserver interface {
	ToolInvoked(tool, server, outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ServerStateChanged(string, models.ServerState, models.ServerState) {}
func (nopObserver) HealthChecked(string, bool, time.Duration)                        {}
func (nopObserver) ToolInvoked(string, string, string, time.Duration)                {}

// toolFilter applies a server's allowed/disallowed tool lists.
type toolFilter struct {
	allowed    map[string]bool
	disallowed map[string]bool
}

func newToolFilter(sc ServerConfig) toolFilter {
	return toolFilter{allowed: toSet(sc.AllowedTools), disallowed: toSet(sc.DisallowedTools)}
}

func (f toolFilter) apply(server string, tools []connectors.RemoteTool) []models.ToolDescriptor {
	out := make([]models.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		if len(f.allowed) > 0 && !f.allowed[t.Name] {
			continue
		}
		if f.disallowed[t.Name] {
			continue
		}
		out = append(out, models.ToolDescriptor{
			Name:        t.Name,
			Server:      server,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[strings.TrimSpace(item)] = true
	}
	return s
}
