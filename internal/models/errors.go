package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies routing and gating failures.
type ErrorKind string

const (
	KindConfigInvalid     ErrorKind = "config_invalid"
	KindPermissionDenied  ErrorKind = "permission_denied"
	KindToolNotFound      ErrorKind = "tool_not_found"
	KindServerUnavailable ErrorKind = "server_unavailable"
	KindServerError       ErrorKind = "server_error"
	KindStorage           ErrorKind = "storage_error"
)

// Sentinel errors, one per kind. Match with errors.Is.
var (
	ErrConfigInvalid     = errors.New("configuration invalid")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrToolNotFound      = errors.New("tool not found")
	ErrServerUnavailable = errors.New("server unavailable")
	ErrServerError       = errors.New("server error")
	ErrStorage           = errors.New("storage error")
)

var sentinels = map[ErrorKind]error{
	KindConfigInvalid:     ErrConfigInvalid,
	KindPermissionDenied:  ErrPermissionDenied,
	KindToolNotFound:      ErrToolNotFound,
	KindServerUnavailable: ErrServerUnavailable,
	KindServerError:       ErrServerError,
	KindStorage:           ErrStorage,
}

// ToolError carries the kind of a failure together with the tool and
// server it concerns.
type ToolError struct {
	Kind        ErrorKind
	Tool        string
	Server      string
	Suggestions []string
	Timeout     bool
	Err         error
}

// Error implements error.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	switch e.Kind {
	case KindPermissionDenied:
		fmt.Fprintf(&b, "permission denied for tool %q: grant it before invoking", e.Tool)
	case KindToolNotFound:
		fmt.Fprintf(&b, "no running or configured server advertises tool %q", e.Tool)
		if len(e.Suggestions) > 0 {
			fmt.Fprintf(&b, " (did you mean: %s?)", strings.Join(e.Suggestions, ", "))
		}
	case KindServerUnavailable:
		fmt.Fprintf(&b, "server %q for tool %q is not running: restart it to continue", e.Server, e.Tool)
	case KindServerError:
		if e.Timeout {
			fmt.Fprintf(&b, "tool %q on server %q timed out", e.Tool, e.Server)
		} else {
			fmt.Fprintf(&b, "tool %q on server %q failed", e.Tool, e.Server)
		}
	case KindStorage:
		b.WriteString("permission storage failure")
		if e.Tool != "" {
			fmt.Fprintf(&b, " for tool %q", e.Tool)
		}
	case KindConfigInvalid:
		b.WriteString("configuration invalid")
	default:
		b.WriteString(string(e.Kind))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *ToolError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *ToolError) Is(target error) bool {
	if e == nil {
		return false
	}
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of err, or "" if it is not a classified error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	for kind, s := range sentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return ""
}

// ConfigInvalidf builds a config_invalid error.
func ConfigInvalidf(format string, args ...any) error {
	return &ToolError{Kind: KindConfigInvalid, Err: fmt.Errorf(format, args...)}
}
