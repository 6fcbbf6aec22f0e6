package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nexhub-ai/nexhub/pkg/auth"
	"github.com/nexhub-ai/nexhub/pkg/engine"
	"github.com/nexhub-ai/nexhub/pkg/graph"
	"github.com/nexhub-ai/nexhub/pkg/quota"
	"github.com/nexhub-ai/nexhub/pkg/session"
	"github.com/nexhub-ai/nexhub/pkg/skill"
	"github.com/nexhub-ai/nexhub/pkg/workflow"
)

// apiError is the uniform error body.
type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// statusFor maps domain errors onto the API taxonomy.
func statusFor(err error) (int, string) {
	var ve *graph.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, "Validation"
	}

	switch {
	case errors.Is(err, auth.ErrNoToken), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "Authorization"
	case errors.Is(err, workflow.ErrForbidden), errors.Is(err, session.ErrForbidden):
		return http.StatusForbidden, "Authorization"
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "Authorization"
	case errors.Is(err, workflow.ErrWorkflowNotFound),
		errors.Is(err, workflow.ErrVersionNotFound),
		errors.Is(err, engine.ErrExecutionNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, skill.ErrSkillNotFound),
		errors.Is(err, quota.ErrQuotaNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, workflow.ErrConflict),
		errors.Is(err, workflow.ErrSlugTaken),
		errors.Is(err, workflow.ErrActiveExecutions),
		errors.Is(err, engine.ErrAlreadyTerminal),
		errors.Is(err, engine.ErrNotResumable):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest, "Validation"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "Infrastructure"
	}
	return http.StatusInternalServerError, "Internal"
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Internal details stay in the log.
		msg = "internal error"
	}
	writeJSON(w, status, map[string]apiError{"error": {Kind: kind, Message: msg}})
}

// decodeBody parses a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &graph.ValidationError{Reason: "malformed JSON body: " + err.Error()}
	}
	return nil
}
