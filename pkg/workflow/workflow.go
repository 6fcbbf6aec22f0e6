// Package workflow persists versioned workflow aggregates and implements the
// version history operations: update with snapshot append, non-destructive
// revert, diff between versions, and fork with lineage.
package workflow

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/nexhub-ai/nexhub/pkg/graph"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrVersionNotFound  = errors.New("version not found")
	ErrConflict         = errors.New("workflow was modified concurrently")
	ErrForbidden        = errors.New("caller does not own this workflow")
	ErrSlugTaken        = errors.New("slug already in use")
	ErrActiveExecutions = errors.New("workflow has unfinished executions")
)

// TriggerType describes how a workflow is started.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerChat      TriggerType = "chat"
)

// VersionSnapshot is an immutable record of a workflow's graph at a past
// version.
type VersionSnapshot struct {
	Version   int         `json:"version"`
	Timestamp time.Time   `json:"timestamp"`
	AuthorID  string      `json:"author_id"`
	Notes     string      `json:"notes,omitempty"`
	Graph     graph.Graph `json:"graph"`
}

// Workflow is the versioned aggregate. Version always equals
// 1 + len(History); every history entry snapshots an earlier version.
type Workflow struct {
	ID            string            `json:"id"`
	Slug          string            `json:"slug"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	DescriptionZh string            `json:"description_zh,omitempty"`
	IsPublic      bool              `json:"is_public"`
	OwnerID       string            `json:"owner_id"`
	Version       int               `json:"version"`
	Graph         graph.Graph       `json:"graph"`
	History       []VersionSnapshot `json:"version_history"`
	TriggerType   TriggerType       `json:"trigger_type"`
	RunCount      int               `json:"run_count"`
	StarCount     int               `json:"star_count"`
	ForkedFrom    string            `json:"forked_from,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// CanRead reports whether the caller may read the workflow.
func (w *Workflow) CanRead(callerID string) bool {
	return w.IsPublic || w.OwnerID == callerID
}

// CanWrite reports whether the caller may mutate the workflow. Admin access
// never extends to private workflows, so there is no admin override here.
func (w *Workflow) CanWrite(callerID string) bool {
	return w.OwnerID == callerID
}

// SnapshotAt returns the graph recorded at the given version. The current
// version resolves to the live graph.
func (w *Workflow) SnapshotAt(version int) (graph.Graph, error) {
	if version == w.Version {
		return w.Graph, nil
	}
	for _, s := range w.History {
		if s.Version == version {
			return s.Graph, nil
		}
	}
	return graph.Graph{}, ErrVersionNotFound
}

// Clone returns a deep copy, so store reads never alias live state.
func (w *Workflow) Clone() *Workflow {
	cp := *w
	cp.Graph = cloneGraph(w.Graph)
	cp.History = make([]VersionSnapshot, len(w.History))
	for i, s := range w.History {
		cp.History[i] = s
		cp.History[i].Graph = cloneGraph(s.Graph)
	}
	return &cp
}

func cloneGraph(g graph.Graph) graph.Graph {
	out := graph.Graph{
		Nodes: make([]graph.Node, len(g.Nodes)),
		Edges: make([]graph.Edge, len(g.Edges)),
	}
	copy(out.Edges, g.Edges)
	for i, n := range g.Nodes {
		out.Nodes[i] = n
		if n.Data != nil {
			data := make(map[string]any, len(n.Data))
			for k, v := range n.Data {
				data[k] = v
			}
			out.Nodes[i].Data = data
		}
		if n.Position != nil {
			pos := *n.Position
			out.Nodes[i].Position = &pos
		}
	}
	return out
}

// ListScope selects which workflows a list query returns.
type ListScope string

const (
	ScopeMine   ListScope = "mine"
	ScopePublic ListScope = "public"
)

// ListFilter narrows and pages a list query.
type ListFilter struct {
	OwnerID    string
	PublicOnly bool
	Page       int
	Limit      int
}

func (f *ListFilter) normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 100 {
		f.Limit = 20
	}
}

// Store persists workflow aggregates. Update is compare-and-set on
// expectedVersion and returns ErrConflict when the stored version differs.
type Store interface {
	Get(ctx context.Context, id string) (*Workflow, error)
	GetBySlug(ctx context.Context, slug string) (*Workflow, error)
	List(ctx context.Context, filter ListFilter) ([]*Workflow, error)
	Create(ctx context.Context, w *Workflow) error
	Update(ctx context.Context, w *Workflow, expectedVersion int) error
	Delete(ctx context.Context, id string) error
	IncrementRunCount(ctx context.Context, id string) error
}

// Slugify lowers a name into a url-safe slug. Non-alphanumeric runs collapse
// to single hyphens; CJK and other non-ASCII letters are dropped, so callers
// must handle an empty result.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.Trim(b.String(), "-")
}
