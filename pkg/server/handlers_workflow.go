package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nexhub-ai/nexhub/pkg/auth"
	"github.com/nexhub-ai/nexhub/pkg/graph"
	"github.com/nexhub-ai/nexhub/pkg/workflow"
)

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflow.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.deps.Workflows.Create(r.Context(), auth.CallerID(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Workflows.Get(r.Context(), auth.CallerID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerID(r.Context())
	scope := workflow.ListScope(r.URL.Query().Get("scope"))
	switch scope {
	case workflow.ScopeMine, workflow.ScopePublic:
	case "":
		scope = workflow.ScopePublic
	default:
		writeError(w, &graph.ValidationError{Reason: "scope must be mine or public"})
		return
	}
	if scope == workflow.ScopeMine && caller == "" {
		writeError(w, auth.ErrNoToken)
		return
	}
	page, limit := pageParams(r)
	items, err := s.deps.Workflows.List(r.Context(), caller, scope, page, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": items, "page": page, "limit": limit})
}

func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflow.UpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.deps.Workflows.Update(r.Context(), auth.CallerID(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Workflows.Delete(r.Context(), auth.CallerID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) forkWorkflow(w http.ResponseWriter, r *http.Request) {
	forked, err := s.deps.Workflows.Fork(r.Context(), auth.CallerID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, forked)
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Workflows.ListVersions(r.Context(), auth.CallerID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) compareVersions(w http.ResponseWriter, r *http.Request) {
	v1, err1 := strconv.Atoi(r.URL.Query().Get("v1"))
	v2, err2 := strconv.Atoi(r.URL.Query().Get("v2"))
	if err1 != nil || err2 != nil {
		writeError(w, &graph.ValidationError{Reason: "v1 and v2 must be integer versions"})
		return
	}
	diff, err := s.deps.Workflows.Compare(r.Context(), auth.CallerID(r.Context()), chi.URLParam(r, "id"), v1, v2)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (s *Server) revertWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetVersion int `json:"target_version"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	reverted, err := s.deps.Workflows.Revert(r.Context(), auth.CallerID(r.Context()), chi.URLParam(r, "id"), req.TargetVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reverted)
}
