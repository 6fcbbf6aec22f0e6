package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nexhub-ai/nexhub/pkg/graph"
)

// ExecutionChecker reports whether a workflow is referenced by an unfinished
// execution. Hard delete is refused while one exists.
type ExecutionChecker interface {
	HasActiveExecutions(ctx context.Context, workflowID string) (bool, error)
}

// Service implements the workflow operations on top of a Store: create,
// update (snapshot append), revert, fork, diff, delete. All mutating
// operations check ownership.
type Service struct {
	store      Store
	executions ExecutionChecker
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithExecutionChecker wires the delete guard.
func WithExecutionChecker(c ExecutionChecker) Option {
	return func(s *Service) { s.executions = c }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source. Tests pin it.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a workflow service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateRequest is the payload for Create.
type CreateRequest struct {
	Name          string      `json:"name"`
	Description   string      `json:"description,omitempty"`
	DescriptionZh string      `json:"description_zh,omitempty"`
	IsPublic      bool        `json:"is_public"`
	TriggerType   TriggerType `json:"trigger_type,omitempty"`
	Graph         graph.Graph `json:"graph"`
}

// Create validates the graph and persists a new workflow at version 1.
func (s *Service) Create(ctx context.Context, callerID string, req CreateRequest) (*Workflow, error) {
	if req.Name == "" {
		return nil, &graph.ValidationError{Reason: "workflow name is required"}
	}
	if err := req.Graph.Validate(); err != nil {
		return nil, err
	}
	trigger := req.TriggerType
	if trigger == "" {
		trigger = TriggerManual
	}
	switch trigger {
	case TriggerManual, TriggerScheduled, TriggerChat:
	default:
		return nil, &graph.ValidationError{Reason: fmt.Sprintf("unknown trigger_type %q", trigger)}
	}

	now := s.now()
	w := &Workflow{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Description:   req.Description,
		DescriptionZh: req.DescriptionZh,
		IsPublic:      req.IsPublic,
		OwnerID:       callerID,
		Version:       1,
		Graph:         req.Graph,
		History:       []VersionSnapshot{},
		TriggerType:   trigger,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	w.Slug = s.uniqueSlug(ctx, req.Name, w.ID)

	if err := s.store.Create(ctx, w); err != nil {
		return nil, err
	}
	s.logger.Info("workflow created", "workflow_id", w.ID, "owner_id", callerID)
	return w, nil
}

// uniqueSlug derives a slug from the name and falls back to an id prefix when
// the name yields nothing or the slug is taken.
func (s *Service) uniqueSlug(ctx context.Context, name, id string) string {
	slug := Slugify(name)
	if slug == "" {
		return "wf-" + id[:8]
	}
	if _, err := s.store.GetBySlug(ctx, slug); err == nil {
		return slug + "-" + id[:8]
	}
	return slug
}

// Get returns the workflow if the caller may read it.
func (s *Service) Get(ctx context.Context, callerID, id string) (*Workflow, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !w.CanRead(callerID) {
		return nil, ErrForbidden
	}
	return w, nil
}

// List returns workflows in the requested scope, paged.
func (s *Service) List(ctx context.Context, callerID string, scope ListScope, page, limit int) ([]*Workflow, error) {
	filter := ListFilter{Page: page, Limit: limit}
	switch scope {
	case ScopePublic:
		filter.PublicOnly = true
	default:
		filter.OwnerID = callerID
	}
	return s.store.List(ctx, filter)
}

// UpdateRequest patches a workflow. Nil fields are left unchanged.
type UpdateRequest struct {
	Name          *string      `json:"name,omitempty"`
	Description   *string      `json:"description,omitempty"`
	DescriptionZh *string      `json:"description_zh,omitempty"`
	IsPublic      *bool        `json:"is_public,omitempty"`
	TriggerType   *TriggerType `json:"trigger_type,omitempty"`
	Graph         *graph.Graph `json:"graph,omitempty"`
	VersionNotes  string       `json:"version_notes,omitempty"`
}

// Update applies the patch. A graph change appends the pre-edit graph to the
// version history and bumps the version. Losing the compare-and-set race is
// retried once against fresh state before surfacing ErrConflict.
func (s *Service) Update(ctx context.Context, callerID, id string, req UpdateRequest) (*Workflow, error) {
	if req.Graph != nil {
		if err := req.Graph.Validate(); err != nil {
			return nil, err
		}
	}
	var updated *Workflow
	err := s.withCASRetry(func() error {
		w, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if !w.CanWrite(callerID) {
			return ErrForbidden
		}
		expected := w.Version
		if req.Name != nil {
			w.Name = *req.Name
		}
		if req.Description != nil {
			w.Description = *req.Description
		}
		if req.DescriptionZh != nil {
			w.DescriptionZh = *req.DescriptionZh
		}
		if req.IsPublic != nil {
			w.IsPublic = *req.IsPublic
		}
		if req.TriggerType != nil {
			w.TriggerType = *req.TriggerType
		}
		if req.Graph != nil {
			w.History = append(w.History, VersionSnapshot{
				Version:   w.Version,
				Timestamp: s.now(),
				AuthorID:  callerID,
				Notes:     req.VersionNotes,
				Graph:     w.Graph,
			})
			w.Graph = *req.Graph
			w.Version++
		}
		w.UpdatedAt = s.now()
		if err := s.store.Update(ctx, w, expected); err != nil {
			return err
		}
		updated = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("workflow updated", "workflow_id", id, "version", updated.Version)
	return updated, nil
}

// Revert makes the graph at targetVersion current again. The pre-revert state
// is appended to history first, so no version is ever lost.
func (s *Service) Revert(ctx context.Context, callerID, id string, targetVersion int) (*Workflow, error) {
	var updated *Workflow
	err := s.withCASRetry(func() error {
		w, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if !w.CanWrite(callerID) {
			return ErrForbidden
		}
		target, err := w.SnapshotAt(targetVersion)
		if err != nil {
			return err
		}
		expected := w.Version
		w.History = append(w.History, VersionSnapshot{
			Version:   w.Version,
			Timestamp: s.now(),
			AuthorID:  callerID,
			Notes:     fmt.Sprintf("revert to version %d", targetVersion),
			Graph:     w.Graph,
		})
		w.Graph = cloneGraph(target)
		w.Version++
		w.UpdatedAt = s.now()
		if err := s.store.Update(ctx, w, expected); err != nil {
			return err
		}
		updated = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("workflow reverted", "workflow_id", id,
		"target_version", targetVersion, "new_version", updated.Version)
	return updated, nil
}

// Versions is the response of ListVersions.
type Versions struct {
	CurrentVersion int               `json:"current_version"`
	History        []VersionSnapshot `json:"history"`
}

// ListVersions returns the current version number and the full history.
func (s *Service) ListVersions(ctx context.Context, callerID, id string) (*Versions, error) {
	w, err := s.Get(ctx, callerID, id)
	if err != nil {
		return nil, err
	}
	return &Versions{CurrentVersion: w.Version, History: w.History}, nil
}

// Compare diffs the graphs recorded at two versions.
func (s *Service) Compare(ctx context.Context, callerID, id string, v1, v2 int) (graph.Diff, error) {
	w, err := s.Get(ctx, callerID, id)
	if err != nil {
		return graph.Diff{}, err
	}
	g1, err := w.SnapshotAt(v1)
	if err != nil {
		return graph.Diff{}, err
	}
	g2, err := w.SnapshotAt(v2)
	if err != nil {
		return graph.Diff{}, err
	}
	return graph.Compare(&g1, &g2), nil
}

// Fork clones a readable workflow into the caller's namespace at version 1.
// Lineage is preserved via ForkedFrom; run and star counters start at zero.
func (s *Service) Fork(ctx context.Context, callerID, id string) (*Workflow, error) {
	src, err := s.Get(ctx, callerID, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	fork := &Workflow{
		ID:            uuid.NewString(),
		Name:          src.Name,
		Description:   src.Description,
		DescriptionZh: src.DescriptionZh,
		IsPublic:      false,
		OwnerID:       callerID,
		Version:       1,
		Graph:         cloneGraph(src.Graph),
		History:       []VersionSnapshot{},
		TriggerType:   src.TriggerType,
		ForkedFrom:    src.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	fork.Slug = s.uniqueSlug(ctx, src.Name, fork.ID)
	if err := s.store.Create(ctx, fork); err != nil {
		return nil, err
	}
	s.logger.Info("workflow forked", "workflow_id", fork.ID, "forked_from", src.ID)
	return fork, nil
}

// Delete removes a workflow. Refused while an unfinished execution still
// references it.
func (s *Service) Delete(ctx context.Context, callerID, id string) error {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !w.CanWrite(callerID) {
		return ErrForbidden
	}
	if s.executions != nil {
		active, err := s.executions.HasActiveExecutions(ctx, id)
		if err != nil {
			return err
		}
		if active {
			return ErrActiveExecutions
		}
	}
	return s.store.Delete(ctx, id)
}

// RecordRun bumps the run counter. Called by the engine on admission.
func (s *Service) RecordRun(ctx context.Context, id string) error {
	return s.store.IncrementRunCount(ctx, id)
}

// withCASRetry runs fn, retrying exactly once when the store reports a
// version conflict. fn must reload state on each attempt.
func (s *Service) withCASRetry(fn func() error) error {
	err := fn()
	if errors.Is(err, ErrConflict) {
		err = fn()
	}
	return err
}
