// Package mcpsdk implements connectors.Dialer with the official MCP Go SDK.
package mcpsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/fentz26/toolgate/internal/connectors"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// TransportFunc builds the SDK transport for an endpoint.
type TransportFunc func(ep connectors.Endpoint) (mcp.Transport, error)

// Dialer connects to tool servers as an MCP client.
type Dialer struct {
	impl      *mcp.Implementation
	transport TransportFunc
}

// New creates a Dialer that identifies itself with the given version.
func New(version string) *Dialer {
	return &Dialer{
		impl:      &mcp.Implementation{Name: "toolgate", Version: version},
		transport: DefaultTransport,
	}
}

// WithTransport returns a copy of d that builds transports with fn.
func (d *Dialer) WithTransport(fn TransportFunc) *Dialer {
	c := *d
	c.transport = fn
	return &c
}

// DefaultTransport maps an endpoint to a stdio, SSE or streamable HTTP
// transport.
func DefaultTransport(ep connectors.Endpoint) (mcp.Transport, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	switch ep.Transport {
	case connectors.TransportSSE:
		return &mcp.SSEClientTransport{Endpoint: ep.URL}, nil
	case connectors.TransportHTTP:
		return &mcp.StreamableClientTransport{Endpoint: ep.URL}, nil
	default:
		// Not CommandContext: the process must outlive the dial context.
		// Session.Close terminates it.
		cmd := exec.Command(ep.Command, ep.Args...)
		if len(ep.Env) > 0 {
			cmd.Env = append(os.Environ(), ep.Env...)
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	}
}

// Dial connects and completes the MCP initialize handshake.
func (d *Dialer) Dial(ctx context.Context, ep connectors.Endpoint) (connectors.Session, error) {
	transport, err := d.transport(ep)
	if err != nil {
		return nil, err
	}

	client := mcp.NewClient(d.impl, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to server %s: %w", ep.Name, err)
	}
	return &Session{cs: session}, nil
}

// Session wraps an SDK client session.
type Session struct {
	cs *mcp.ClientSession
}

// ListTools pages through the server's tool list.
func (s *Session) ListTools(ctx context.Context) ([]connectors.RemoteTool, error) {
	var out []connectors.RemoteTool
	params := &mcp.ListToolsParams{}
	for {
		res, err := s.cs.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		for _, t := range res.Tools {
			rt := connectors.RemoteTool{Name: t.Name, Description: t.Description}
			if t.InputSchema != nil {
				raw, err := json.Marshal(t.InputSchema)
				if err != nil {
					return nil, fmt.Errorf("tool %s: encode input schema: %w", t.Name, err)
				}
				rt.InputSchema = raw
			}
			out = append(out, rt)
		}
		if res.NextCursor == "" {
			return out, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

// Ping sends an MCP ping.
func (s *Session) Ping(ctx context.Context) error {
	return s.cs.Ping(ctx, nil)
}

// CallTool runs a tool and flattens its content to text.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*connectors.CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	res, err := s.cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	text, err := flatten(res.Content)
	if err != nil {
		return nil, fmt.Errorf("decode tool content: %w", err)
	}
	return &connectors.CallResult{
		Content:    text,
		Structured: res.StructuredContent,
		IsError:    res.IsError,
	}, nil
}

// Close ends the session.
func (s *Session) Close() error {
	return s.cs.Close()
}

func flatten(content []mcp.Content) (string, error) {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
			continue
		}
		raw, err := json.Marshal(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, string(raw))
	}
	return strings.Join(parts, "\n"), nil
}
