// Package skill provides read access to the skill catalogue and a safe HTTP
// invoker for executing skills from the engine: credential resolution, auth
// header shaping, bounded retries and output schema validation.
package skill

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var ErrSkillNotFound = errors.New("skill not found")

// AuthKind selects how credentials are attached to a request.
type AuthKind string

const (
	AuthNone         AuthKind = "none"
	AuthBearer       AuthKind = "bearer"
	AuthAPIKeyHeader AuthKind = "api_key_header"
	AuthAPIKeyQuery  AuthKind = "api_key_query"
	AuthBasic        AuthKind = "basic"
)

// Skill describes an external HTTP capability. Skills belong to catalogue
// tools and are read-only from the engine's perspective.
type Skill struct {
	ID            string          `json:"id"`
	ToolID        string          `json:"tool_id"`
	Name          string          `json:"name"`
	EndpointURL   string          `json:"endpoint_url"`
	HTTPMethod    string          `json:"http_method"`
	AuthKind      AuthKind        `json:"auth_kind"`
	CredentialRef string          `json:"credential_ref,omitempty"`
	APIKeyName    string          `json:"api_key_name,omitempty"`
	InputSchema   json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema  json.RawMessage `json:"output_schema,omitempty"`
	TimeoutMs     int             `json:"timeout_ms"`
	RateLimit     int             `json:"rate_limit,omitempty"`
}

// Registry resolves skills by id.
type Registry interface {
	Get(ctx context.Context, id string) (*Skill, error)
	List(ctx context.Context) ([]*Skill, error)
}

// MemoryRegistry is a static in-process Registry.
type MemoryRegistry struct {
	mu     sync.RWMutex
	skills map[string]*Skill
}

// NewMemoryRegistry creates a registry preloaded with the given skills.
func NewMemoryRegistry(skills ...*Skill) *MemoryRegistry {
	r := &MemoryRegistry{skills: make(map[string]*Skill, len(skills))}
	for _, s := range skills {
		r.skills[s.ID] = s
	}
	return r
}

// Register adds or replaces a skill.
func (r *MemoryRegistry) Register(s *Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[s.ID] = s
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (*Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[id]
	if !ok {
		return nil, ErrSkillNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]*Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Skill, 0, len(r.skills))
	for _, s := range r.skills {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}
