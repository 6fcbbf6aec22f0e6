package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nexhub-ai/nexhub/pkg/auth"
	"github.com/nexhub-ai/nexhub/pkg/session"
)

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message   string `json:"message"`
		SessionID string `json:"session_id,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.deps.Sessions.Chat(r.Context(), auth.CallerID(r.Context()), session.ChatRequest{
		WorkflowID: chi.URLParam(r, "workflow_id"),
		SessionID:  req.SessionID,
		Message:    req.Message,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) sessionMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.deps.Sessions.Messages(r.Context(), auth.CallerID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) clearSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Clear(r.Context(), auth.CallerID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) usage(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerID(r.Context())
	if err := s.deps.Quotas.Ensure(r.Context(), caller, s.deps.QuotaDailyLimit, 0); err != nil {
		writeError(w, err)
		return
	}
	q, err := s.deps.Quotas.Get(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"limit":     q.LimitPerDay,
		"used":      q.UsedToday,
		"resets_at": q.ResetsAt,
	})
}
