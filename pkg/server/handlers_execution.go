package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nexhub-ai/nexhub/pkg/auth"
	"github.com/nexhub-ai/nexhub/pkg/engine"
	"github.com/nexhub-ai/nexhub/pkg/graph"
	"github.com/nexhub-ai/nexhub/pkg/workflow"
)

func (s *Server) runExecution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkflowID string         `json:"workflow_id"`
		Input      map[string]any `json:"input"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WorkflowID == "" {
		writeError(w, &graph.ValidationError{Reason: "workflow_id is required"})
		return
	}
	caller := auth.CallerID(r.Context())

	wf, err := s.deps.Workflows.Get(r.Context(), caller, req.WorkflowID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.admit(r, caller); err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.QuotaRefusals.Inc()
		}
		writeError(w, err)
		return
	}

	exec, err := s.deps.Engine.Run(r.Context(), wf, caller, req.Input)
	if err != nil {
		_ = s.deps.Quotas.Release(r.Context(), caller)
		writeError(w, err)
		return
	}
	if err := s.deps.Workflows.RecordRun(r.Context(), wf.ID); err != nil {
		s.logger.Warn("recording run counter", "workflow_id", wf.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, exec)
}

// admit seeds the quota record on first sight, then consumes one slot.
func (s *Server) admit(r *http.Request, caller string) error {
	ctx := r.Context()
	if err := s.deps.Quotas.Ensure(ctx, caller, s.deps.QuotaDailyLimit, 0); err != nil {
		return err
	}
	return s.deps.Quotas.Admit(ctx, caller)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	caller := auth.CallerID(r.Context())

	exec, err := s.deps.Engine.Executions().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if exec.UserID != caller {
		writeError(w, workflow.ErrForbidden)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamExecution(w, r, exec)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// streamExecution serves the step log as SSE frames, replaying from the
// Last-Event-ID cursor and following live events until the stream closes.
func (s *Server) streamExecution(w http.ResponseWriter, r *http.Request, exec *engine.Execution) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	var fromSeq int64
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if n, err := strconv.ParseInt(lastID, 10, 64); err == nil {
			fromSeq = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel, live := s.deps.Engine.Streams().Subscribe(exec.ID, fromSeq)
	if !live {
		// The hub has forgotten the stream; replay the persisted log.
		for _, ev := range exec.StepLog {
			if ev.Seq > fromSeq {
				writeSSE(w, ev)
			}
		}
		flusher.Flush()
		return
	}
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev engine.StepEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		data = []byte(`{}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\nid: %d\n\n", ev.Kind, data, ev.Seq)
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	caller := auth.CallerID(r.Context())

	exec, err := s.deps.Engine.Executions().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if exec.UserID != caller {
		writeError(w, workflow.ErrForbidden)
		return
	}
	if err := s.deps.Engine.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	filter := engine.ListFilter{
		UserID: auth.CallerID(r.Context()),
		Status: engine.Status(r.URL.Query().Get("status")),
		Page:   page,
		Limit:  limit,
	}
	items, err := s.deps.Engine.Executions().List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": items, "page": page, "limit": limit})
}
