// Package models defines the core domain types for toolgate.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ToolCallFormat is how a model expects tool calls to be expressed.
type ToolCallFormat string

const (
	ToolCallNative  ToolCallFormat = "native"
	ToolCallJSON    ToolCallFormat = "json"
	ToolCallBracket ToolCallFormat = "bracket"
	ToolCallNone    ToolCallFormat = "none"
)

// ParseToolCallFormat parses a format name. Matching is case-insensitive.
func ParseToolCallFormat(s string) (ToolCallFormat, error) {
	switch f := ToolCallFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case ToolCallNative, ToolCallJSON, ToolCallBracket, ToolCallNone:
		return f, nil
	default:
		return "", fmt.Errorf("unknown tool call format %q (allowed: native|json|bracket|none)", s)
	}
}

func (f ToolCallFormat) String() string { return string(f) }

// MarshalText implements encoding.TextMarshaler.
func (f ToolCallFormat) MarshalText() ([]byte, error) {
	if _, err := ParseToolCallFormat(string(f)); err != nil {
		return nil, err
	}
	return []byte(f), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *ToolCallFormat) UnmarshalText(text []byte) error {
	parsed, err := ParseToolCallFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ModelConfig describes one configured inference model.
type ModelConfig struct {
	Key            string         `yaml:"-" json:"key"`
	DisplayName    string         `yaml:"display_name" json:"display_name"`
	Runtime        string         `yaml:"runtime" json:"runtime"`
	BaseURL        string         `yaml:"base_url" json:"base_url"`
	ContextWindow  int            `yaml:"context_window" json:"context_window"`
	Temperature    float64        `yaml:"temperature" json:"temperature"`
	MaxTokens      int            `yaml:"max_tokens" json:"max_tokens"`
	EstimatedVRAM  *float64       `yaml:"estimated_vram_gb,omitempty" json:"estimated_vram_gb,omitempty"`
	Capabilities   []string       `yaml:"capabilities" json:"capabilities"`
	ToolCallFormat ToolCallFormat `yaml:"tool_call_format" json:"tool_call_format"`
}

// ModelsOverview is the read-only view of the model registry.
type ModelsOverview struct {
	ActiveModel   string        `json:"active_model"`
	FallbackChain []string      `json:"fallback_chain"`
	Models        []ModelConfig `json:"models"`
}

// ServerState is the lifecycle state of a supervised tool server.
type ServerState string

const (
	ServerUnstarted ServerState = "unstarted"
	ServerStarting  ServerState = "starting"
	ServerRunning   ServerState = "running"
	ServerDegraded  ServerState = "degraded"
	ServerFailed    ServerState = "failed"
	ServerStopped   ServerState = "stopped"
)

// Live reports whether calls may be routed to a server in this state.
func (s ServerState) Live() bool {
	return s == ServerRunning || s == ServerDegraded
}

// ServerStatus is a point-in-time snapshot of one server descriptor.
type ServerStatus struct {
	Name      string      `json:"name"`
	State     ServerState `json:"state"`
	ToolCount int         `json:"tool_count"`
	LastCheck time.Time   `json:"last_check"`
	LastError string      `json:"last_error,omitempty"`
}

// ToolDescriptor is one tool advertised by one server.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Server      string          `json:"server"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// GrantScope is the lifetime of a permission grant.
type GrantScope string

const (
	ScopeOnce       GrantScope = "once"
	ScopeSession    GrantScope = "session"
	ScopePersistent GrantScope = "persistent"
)

// ParseGrantScope parses a scope name.
func ParseGrantScope(s string) (GrantScope, error) {
	switch scope := GrantScope(strings.ToLower(strings.TrimSpace(s))); scope {
	case ScopeOnce, ScopeSession, ScopePersistent:
		return scope, nil
	default:
		return "", fmt.Errorf("invalid grant scope %q (allowed: once|session|persistent)", s)
	}
}

// PermissionGrant is a user approval to invoke a tool (or tool pattern).
type PermissionGrant struct {
	ToolName  string     `json:"tool_name"`
	Scope     GrantScope `json:"scope"`
	GrantedAt time.Time  `json:"granted_at"`
	Seq       int64      `json:"-"`
}

// InvokeRequest asks the router to run a tool.
type InvokeRequest struct {
	Tool string `json:"tool"`
	// Server optionally pins the call to one provider.
	Server    string         `json:"server,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolOutput is the result of a routed tool call.
type ToolOutput struct {
	Server     string        `json:"server"`
	Tool       string        `json:"tool"`
	Content    string        `json:"content"`
	Structured any           `json:"structured,omitempty"`
	IsError    bool          `json:"is_error"`
	Duration   time.Duration `json:"duration_ns"`
}

// Invocation outcomes recorded in the audit log besides error kinds.
const (
	OutcomeSuccess   = "success"
	OutcomeToolError = "tool_error"
)

// InvocationRecord is one audited invocation attempt.
type InvocationRecord struct {
	ID         string    `json:"id"`
	ToolName   string    `json:"tool_name"`
	Server     string    `json:"server,omitempty"`
	Outcome    string    `json:"outcome"`
	InputsHash string    `json:"inputs_hash"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}
