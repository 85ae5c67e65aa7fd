package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/toolgate/internal/mcp"
	"github.com/fentz26/toolgate/internal/models"
)

// Sentinel errors for control plane operations.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrBadRequest    = errors.New("bad request")
	ErrUnknownAction = errors.New("unknown server action")
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error       string   `json:"error"`
	Kind        string   `json:"kind"`
	Tool        string   `json:"tool,omitempty"`
	Server      string   `json:"server,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// classify maps an error to its HTTP status and response body.
func classify(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error()}
	var te *models.ToolError
	if errors.As(err, &te) {
		resp.Tool = te.Tool
		resp.Server = te.Server
		resp.Suggestions = te.Suggestions
	}

	switch kind := models.KindOf(err); kind {
	case models.KindPermissionDenied:
		resp.Kind = string(kind)
		return http.StatusForbidden, resp
	case models.KindToolNotFound:
		resp.Kind = string(kind)
		return http.StatusNotFound, resp
	case models.KindServerUnavailable:
		resp.Kind = string(kind)
		return http.StatusServiceUnavailable, resp
	case models.KindServerError:
		resp.Kind = string(kind)
		if te != nil && te.Timeout {
			return http.StatusGatewayTimeout, resp
		}
		return http.StatusBadGateway, resp
	case models.KindStorage:
		resp.Kind = string(kind)
		return http.StatusInternalServerError, resp
	case models.KindConfigInvalid:
		resp.Kind = string(kind)
		return http.StatusBadRequest, resp
	}

	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, mcp.ErrUnknownServer), errors.Is(err, ErrUnknownAction):
		resp.Kind = "not_found"
		return http.StatusNotFound, resp
	case errors.Is(err, ErrBadRequest):
		resp.Kind = "bad_request"
		return http.StatusBadRequest, resp
	case errors.Is(err, mcp.ErrServerFailed), errors.Is(err, mcp.ErrStartAborted):
		resp.Kind = "conflict"
		return http.StatusConflict, resp
	}
	resp.Kind = "internal"
	return http.StatusInternalServerError, resp
}
