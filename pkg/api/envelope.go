// Package api exposes the HTTP surface: authentication, change lifecycle,
// approvals, provider webhooks, Slack callbacks, settings, and probes.
// Every error response uses the same envelope shape.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/saferun-dev/saferun/pkg/saferr"
)

const (
	ServiceName    = "saferun"
	ServiceVersion = "0.1.0"
)

// Envelope is the error body shape for every non-2xx response.
type Envelope struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Service   string `json:"service"`
	Version   string `json:"version"`
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteErr maps err's kind to an HTTP status and writes the envelope.
// Internal causes are logged, never exposed.
func WriteErr(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := saferr.KindOf(err)
	if kind == saferr.KindInternal || kind == saferr.KindUnknown {
		logger.Error("internal error", "error", err)
	}
	var se *saferr.Error
	if errors.As(err, &se) && se.RetryAfter > 0 {
		secs := int(se.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	WriteJSON(w, kind.HTTPStatus(), Envelope{
		Status:    "error",
		ErrorCode: saferr.CodeOf(err),
		Message:   saferr.MessageOf(err),
		Service:   ServiceName,
		Version:   ServiceVersion,
	})
}

// writeCode is WriteErr for handler-local errors that need no wrapping.
func writeCode(w http.ResponseWriter, kind saferr.Kind, code, message string) {
	WriteJSON(w, kind.HTTPStatus(), Envelope{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		Service:   ServiceName,
		Version:   ServiceVersion,
	})
}
