// Package api exposes the authority plane over HTTP. Administrative
// endpoints return 4xx/5xx with the enumerated error envelope; validation
// endpoints always answer 200 with an explicit allowed flag.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
	"github.com/Garudex-Labs/caracal/pkg/engine"
)

// ErrorEnvelope is the error body every endpoint returns on failure.
type ErrorEnvelope struct {
	ErrorCode     string `json:"error_code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// WriteError writes the error envelope with the given status.
func WriteError(w http.ResponseWriter, status int, code, message, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&ErrorEnvelope{
		ErrorCode:     code,
		Message:       message,
		CorrelationID: correlationID,
	})
}

// WriteEngineError maps an engine error onto the envelope. Policy denials
// surface as 403 with the denial reason as the error code; EngineError
// kinds map onto 400/404/409/429/503/500. Internal causes are logged, not
// exposed.
func WriteEngineError(w http.ResponseWriter, err error, correlationID string) {
	var denial *engine.DenialError
	if errors.As(err, &denial) {
		WriteError(w, http.StatusForbidden, string(denial.Reason), denial.Error(), correlationID)
		return
	}

	kind := contracts.KindOf(err)
	msg := err.Error()
	var ee *contracts.EngineError
	if errors.As(err, &ee) {
		msg = ee.Message
		if ee.CorrelationID != "" && correlationID == "" {
			correlationID = ee.CorrelationID
		}
	}
	if kind == contracts.KindInternal {
		slog.Error("internal server error", "error", err)
		msg = "an unexpected error occurred"
	}
	if kind == contracts.KindRateLimited {
		w.Header().Set("Retry-After", "60")
	}
	WriteError(w, kind.HTTPStatus(), string(kind), msg, correlationID)
}

// WriteBadRequest writes a 400 validation_error envelope.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, string(contracts.KindValidation), message, "")
}

// WriteUnauthorized writes a 401 envelope.
func WriteUnauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "unauthorized", message, "")
}

// WriteForbidden writes a 403 envelope.
func WriteForbidden(w http.ResponseWriter, message string) {
	if message == "" {
		message = "insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "forbidden", message, "")
}

// WriteTooManyRequests writes a 429 envelope with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, string(contracts.KindRateLimited),
		"rate limit exceeded, retry after the specified interval", "")
}

// WriteNotAvailable answers a feature-gated endpoint whose capability is
// off. Deliberately not a 404: the route exists, the deployment does not
// carry the feature.
func WriteNotAvailable(w http.ResponseWriter, feature string) {
	WriteError(w, http.StatusForbidden, "not_available",
		"the "+feature+" capability is not enabled on this deployment", "")
}
