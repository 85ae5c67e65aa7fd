// Package connectors defines how toolgate talks to external tool servers.
package connectors

import (
	"context"
	"encoding/json"
	"fmt"
)

// Transport names a wire transport for a tool server.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportSSE   Transport = "sse"
	TransportHTTP  Transport = "http"
)

// Endpoint is everything needed to reach one tool server.
type Endpoint struct {
	Name      string
	Transport Transport
	Command   string
	Args      []string
	Env       []string
	URL       string
}

// Validate checks that the endpoint has what its transport needs.
func (e Endpoint) Validate() error {
	switch e.Transport {
	case TransportStdio, "":
		if e.Command == "" {
			return fmt.Errorf("server %s: stdio transport requires command", e.Name)
		}
	case TransportSSE, TransportHTTP:
		if e.URL == "" {
			return fmt.Errorf("server %s: %s transport requires url", e.Name, e.Transport)
		}
	default:
		return fmt.Errorf("server %s: unsupported transport %q", e.Name, e.Transport)
	}
	return nil
}

// RemoteTool is a tool as advertised by a server.
type RemoteTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// CallResult holds the result of a tool call that reached the server.
type CallResult struct {
	Content    string
	Structured any
	// IsError is set when the server ran the call and reported a tool
	// level failure.
	IsError bool
}

// Session is an open channel to one tool server.
type Session interface {
	// ListTools returns the server's full tool catalog.
	ListTools(ctx context.Context) ([]RemoteTool, error)

	// Ping performs a liveness round trip.
	Ping(ctx context.Context) error

	// CallTool runs a tool. A returned error means the call failed at the
	// transport or protocol level.
	CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error)

	// Close ends the session and releases the server process, if any.
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, ep Endpoint) (Session, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, ep Endpoint) (Session, error) {
	return f(ctx, ep)
}
