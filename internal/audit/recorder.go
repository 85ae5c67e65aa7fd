// Package audit records every tool invocation attempt to the durable
// audit log and to the structured log.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fentz26/toolgate/internal/models"
	"github.com/fentz26/toolgate/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	bearerTokenPattern = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-._~+/]+=*`)
	keyValuePattern    = regexp.MustCompile(`(?i)\b(token|secret|password|api[_-]?key|authorization)\s*[:=]\s*([^\s,;]+)`)
)

// Sink persists invocation records. *store.Store implements it.
type Sink interface {
	InsertInvocation(ctx context.Context, rec *models.InvocationRecord) error
	ListInvocations(ctx context.Context, f store.AuditFilter) ([]models.InvocationRecord, error)
}

// Recorder writes invocation records.
type Recorder struct {
	sink   Sink
	logger zerolog.Logger
}

// NewRecorder creates a recorder. A nil sink only logs.
func NewRecorder(sink Sink, logger zerolog.Logger) *Recorder {
	return &Recorder{
		sink:   sink,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// RecordInvocation stores one invocation attempt. Storage failures are
// logged, never returned, so auditing cannot change a call's outcome.
func (r *Recorder) RecordInvocation(ctx context.Context, req models.InvokeRequest, server, outcome string, callErr error, elapsed time.Duration) {
	if r == nil {
		return
	}
	if elapsed < 0 {
		elapsed = 0
	}

	rec := &models.InvocationRecord{
		ID:         uuid.New().String(),
		ToolName:   req.Tool,
		Server:     server,
		Outcome:    outcome,
		InputsHash: HashInputs(req.Arguments),
		DurationMS: elapsed.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	if callErr != nil {
		rec.Error = RedactSensitiveText(callErr.Error())
	}

	if r.sink != nil {
		if err := r.sink.InsertInvocation(ctx, rec); err != nil {
			r.logger.Error().Err(err).Str("tool", req.Tool).Msg("audit record not persisted")
		}
	}

	entry := r.logger.Info()
	if callErr != nil {
		entry = r.logger.Warn()
	}
	entry = entry.
		Str("event", "toolgate.tool_call.completed").
		Str("audit_id", rec.ID).
		Str("tool", req.Tool).
		Str("server", server).
		Str("outcome", outcome).
		Str("inputs_hash", rec.InputsHash).
		Int64("duration_ms", rec.DurationMS)
	if rec.Error != "" {
		entry = entry.Str("error_detail", rec.Error)
	}
	entry.Msg("tool call completed")
}

// Recent returns the newest audit records matching f.
func (r *Recorder) Recent(ctx context.Context, f store.AuditFilter) ([]models.InvocationRecord, error) {
	if r.sink == nil {
		return nil, nil
	}
	return r.sink.ListInvocations(ctx, f)
}

// HashInputs returns the SHA256 of the JSON encoding of inputs. Map keys
// are encoded in sorted order, so equal inputs hash equally.
func HashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// RedactSensitiveText removes obvious secrets from free-text error details.
func RedactSensitiveText(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	redacted := bearerTokenPattern.ReplaceAllString(trimmed, "Bearer [REDACTED]")
	redacted = keyValuePattern.ReplaceAllStringFunc(redacted, func(match string) string {
		parts := strings.SplitN(match, ":", 2)
		if len(parts) == 2 {
			return fmt.Sprintf("%s: [REDACTED]", strings.TrimSpace(parts[0]))
		}
		parts = strings.SplitN(match, "=", 2)
		if len(parts) == 2 {
			return fmt.Sprintf("%s=[REDACTED]", strings.TrimSpace(parts[0]))
		}
		return "[REDACTED]"
	})
	return redacted
}
