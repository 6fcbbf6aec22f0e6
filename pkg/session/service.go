package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexhub-ai/nexhub/pkg/engine"
	"github.com/nexhub-ai/nexhub/pkg/graph"
	"github.com/nexhub-ai/nexhub/pkg/workflow"
)

var ErrEmptyMessage = errors.New("chat message is empty")

// WorkflowSource resolves workflows with the caller's visibility applied.
type WorkflowSource interface {
	Get(ctx context.Context, callerID, id string) (*workflow.Workflow, error)
	RecordRun(ctx context.Context, id string) error
}

// Runner starts executions and exposes their event streams.
type Runner interface {
	Run(ctx context.Context, wf *workflow.Workflow, userID string, input map[string]any) (*engine.Execution, error)
	Streams() *engine.StreamHub
}

// Admitter is the quota gate. Release undoes an admission whose run never
// started.
type Admitter interface {
	Admit(ctx context.Context, userID string) error
	Release(ctx context.Context, userID string) error
}

// ChatRequest is one chat turn. SessionID empty starts a new session.
type ChatRequest struct {
	WorkflowID string `json:"workflow_id"`
	SessionID  string `json:"session_id,omitempty"`
	Message    string `json:"message"`
}

// ChatResult points the client at the running execution. ResponseHead is the
// first part of the assistant reply; the rest streams from the execution.
type ChatResult struct {
	SessionID    string `json:"session_id"`
	ExecutionID  string `json:"execution_id"`
	ResponseHead string `json:"response_head"`
}

// Service runs chat turns and guards session access.
type Service struct {
	store     Store
	workflows WorkflowSource
	runner    Runner
	quotas    Admitter
	logger    *slog.Logger
	headLimit int
	headWait  time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithHeadLimit caps the response head length in runes.
func WithHeadLimit(n int) Option {
	return func(s *Service) { s.headLimit = n }
}

// WithHeadWait bounds how long a chat turn waits for the response head
// before returning with whatever has streamed.
func WithHeadWait(d time.Duration) Option {
	return func(s *Service) { s.headWait = d }
}

// NewService creates a chat service.
func NewService(store Store, workflows WorkflowSource, runner Runner, quotas Admitter, opts ...Option) *Service {
	s := &Service{
		store:     store,
		workflows: workflows,
		runner:    runner,
		quotas:    quotas,
		logger:    slog.Default(),
		headLimit: 200,
		headWait:  2 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Chat appends the user message, admits against quota, starts the workflow
// with the message as input and links the execution into the session.
func (s *Service) Chat(ctx context.Context, callerID string, req ChatRequest) (*ChatResult, error) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return nil, ErrEmptyMessage
	}

	wf, err := s.workflows.Get(ctx, callerID, req.WorkflowID)
	if err != nil {
		return nil, err
	}

	sess, err := s.resolveSession(ctx, callerID, wf.ID, req.SessionID)
	if err != nil {
		return nil, err
	}

	if err := s.quotas.Admit(ctx, callerID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	userMsg := &Message{ID: uuid.NewString(), Role: RoleUser, Content: msg, At: now}
	if err := s.store.Append(ctx, sess.ID, userMsg); err != nil {
		s.release(ctx, callerID)
		return nil, err
	}

	exec, err := s.runner.Run(ctx, wf, callerID, chatEnvelope(&wf.Graph, msg))
	if err != nil {
		s.release(ctx, callerID)
		return nil, err
	}
	if err := s.workflows.RecordRun(ctx, wf.ID); err != nil {
		s.logger.Warn("run counter update failed", "workflow_id", wf.ID, "error", err)
	}

	head := s.collectHead(exec.ID)
	assistantMsg := &Message{
		ID: uuid.NewString(), Role: RoleAssistant, Content: head,
		ExecutionID: exec.ID, At: time.Now().UTC(),
	}
	if err := s.store.Append(ctx, sess.ID, assistantMsg); err != nil {
		s.logger.Warn("assistant message append failed", "session_id", sess.ID, "error", err)
	}

	return &ChatResult{SessionID: sess.ID, ExecutionID: exec.ID, ResponseHead: head}, nil
}

func (s *Service) resolveSession(ctx context.Context, callerID, workflowID, sessionID string) (*ChatSession, error) {
	if sessionID != "" {
		sess, err := s.store.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess.UserID != callerID {
			return nil, ErrForbidden
		}
		if sess.WorkflowID != workflowID {
			return nil, errors.New("session belongs to a different workflow")
		}
		return sess, nil
	}
	now := time.Now().UTC()
	sess := &ChatSession{
		ID:            uuid.NewString(),
		WorkflowID:    workflowID,
		UserID:        callerID,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Service) release(ctx context.Context, userID string) {
	if err := s.quotas.Release(ctx, userID); err != nil {
		s.logger.Warn("quota release failed", "user_id", userID, "error", err)
	}
}

// chatEnvelope maps the message onto the graph's input surface. With exactly
// one input node the message lands on it directly; "message" is always set
// for graphs that key their input by that name.
func chatEnvelope(g *graph.Graph, msg string) map[string]any {
	env := map[string]any{"message": msg}
	var inputs []graph.Node
	for _, n := range g.Nodes {
		if n.Type == graph.NodeInput {
			inputs = append(inputs, n)
		}
	}
	if len(inputs) == 1 {
		env[inputs[0].Key()] = msg
	}
	return env
}

// collectHead gathers streamed tokens for the response head, returning early
// once the execution finishes or the head budget fills.
func (s *Service) collectHead(execID string) string {
	ch, cancel, ok := s.runner.Streams().Subscribe(execID, 0)
	if !ok {
		return ""
	}
	defer cancel()

	var head strings.Builder
	deadline := time.NewTimer(s.headWait)
	defer deadline.Stop()
	for {
		select {
		case ev, open := <-ch:
			if !open {
				return truncateRunes(head.String(), s.headLimit)
			}
			if ev.NodeID == "" && (ev.Kind == engine.EventCompleted ||
				ev.Kind == engine.EventFailed || ev.Kind == engine.EventCancelled) {
				if head.Len() == 0 && ev.Kind == engine.EventCompleted {
					head.WriteString(previewFinal(ev.Payload))
				}
				return truncateRunes(head.String(), s.headLimit)
			}
			if ev.Kind == engine.EventToken {
				if text, ok := ev.Payload.(string); ok {
					head.WriteString(text)
					if len([]rune(head.String())) >= s.headLimit {
						return truncateRunes(head.String(), s.headLimit)
					}
				}
			}
		case <-deadline.C:
			return truncateRunes(head.String(), s.headLimit)
		}
	}
}

// previewFinal extracts a text preview from a single-output final value.
func previewFinal(payload any) string {
	m, ok := payload.(map[string]any)
	if !ok || len(m) != 1 {
		return ""
	}
	for _, v := range m {
		if text, ok := v.(string); ok {
			return text
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// Get returns a session the caller owns.
func (s *Service) Get(ctx context.Context, callerID, id string) (*ChatSession, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != callerID {
		return nil, ErrForbidden
	}
	return sess, nil
}

// List returns the caller's sessions, most recently active first.
func (s *Service) List(ctx context.Context, callerID string, page, limit int) ([]*ChatSession, error) {
	return s.store.ListByUser(ctx, callerID, page, limit)
}

// Messages returns a session's messages in order.
func (s *Service) Messages(ctx context.Context, callerID, id string) ([]*Message, error) {
	if _, err := s.Get(ctx, callerID, id); err != nil {
		return nil, err
	}
	return s.store.Messages(ctx, id)
}

// Clear removes a session's messages, preserving the shell.
func (s *Service) Clear(ctx context.Context, callerID, id string) error {
	if _, err := s.Get(ctx, callerID, id); err != nil {
		return err
	}
	return s.store.Clear(ctx, id)
}

// Delete removes a session and its messages.
func (s *Service) Delete(ctx context.Context, callerID, id string) error {
	if _, err := s.Get(ctx, callerID, id); err != nil {
		return err
	}
	return s.store.Delete(ctx, id)
}
