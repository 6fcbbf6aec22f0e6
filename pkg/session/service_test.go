package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexhub-ai/nexhub/pkg/engine"
	"github.com/nexhub-ai/nexhub/pkg/graph"
	"github.com/nexhub-ai/nexhub/pkg/workflow"
)

type fakeWorkflows struct {
	wf   *workflow.Workflow
	runs int
}

func (f *fakeWorkflows) Get(_ context.Context, callerID, id string) (*workflow.Workflow, error) {
	if f.wf == nil || f.wf.ID != id {
		return nil, workflow.ErrWorkflowNotFound
	}
	if !f.wf.CanRead(callerID) {
		return nil, workflow.ErrForbidden
	}
	return f.wf, nil
}

func (f *fakeWorkflows) RecordRun(context.Context, string) error {
	f.runs++
	return nil
}

// fakeRunner publishes a scripted token stream for every run.
type fakeRunner struct {
	hub    *engine.StreamHub
	tokens []string
	err    error
	inputs map[string]any
	nextID int
}

func newFakeRunner(tokens ...string) *fakeRunner {
	return &fakeRunner{hub: engine.NewStreamHub(0), tokens: tokens}
}

func (f *fakeRunner) Run(_ context.Context, _ *workflow.Workflow, _ string, input map[string]any) (*engine.Execution, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = input
	f.nextID++
	id := "exec-" + strconv.Itoa(f.nextID)
	f.hub.Open(id)
	f.hub.Publish(id, "m", engine.EventStarted, nil)
	for _, tok := range f.tokens {
		f.hub.Publish(id, "m", engine.EventToken, tok)
	}
	f.hub.Publish(id, "", engine.EventCompleted, map[string]any{"out": "done"})
	f.hub.Close(id)
	return &engine.Execution{ID: id, Status: engine.StatusCompleted}, nil
}

func (f *fakeRunner) Streams() *engine.StreamHub { return f.hub }

type fakeQuota struct {
	mu       sync.Mutex
	admits   int
	releases int
	deny     error
}

func (f *fakeQuota) Admit(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deny != nil {
		return f.deny
	}
	f.admits++
	return nil
}

func (f *fakeQuota) Release(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

func chatWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID: "wf-1", OwnerID: "alice", Version: 1,
		Graph: graph.Graph{
			Nodes: []graph.Node{
				{ID: "n1", Type: graph.NodeInput, Label: "question",
					Data: map[string]any{"input_type": "text"}},
				{ID: "n2", Type: graph.NodeOutput, Data: map[string]any{"format": "text"}},
			},
			Edges: []graph.Edge{{ID: "e1", Source: "n1", Target: "n2", Kind: graph.EdgeData}},
		},
	}
}

func newChatService(runner Runner, q Admitter) (*Service, *MemoryStore, *fakeWorkflows) {
	store := NewMemoryStore()
	wfs := &fakeWorkflows{wf: chatWorkflow()}
	svc := NewService(store, wfs, runner, q, WithHeadWait(time.Second))
	return svc, store, wfs
}

func TestChatStartsSessionAndLinksExecution(t *testing.T) {
	ctx := context.Background()
	runner := newFakeRunner("Hello", " there")
	quotas := &fakeQuota{}
	svc, store, wfs := newChatService(runner, quotas)

	res, err := svc.Chat(ctx, "alice", ChatRequest{WorkflowID: "wf-1", Message: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
	assert.NotEmpty(t, res.ExecutionID)
	assert.Equal(t, "Hello there", res.ResponseHead)
	assert.Equal(t, 1, quotas.admits)
	assert.Equal(t, 1, wfs.runs)

	// Single input node receives the message directly.
	assert.Equal(t, "hi", runner.inputs["question"])
	assert.Equal(t, "hi", runner.inputs["message"])

	sess, err := store.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.MessageCount)

	msgs, err := store.Messages(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, res.ExecutionID, msgs[1].ExecutionID)
}

func TestChatReusesSession(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newChatService(newFakeRunner("ok"), &fakeQuota{})

	first, err := svc.Chat(ctx, "alice", ChatRequest{WorkflowID: "wf-1", Message: "one"})
	require.NoError(t, err)
	second, err := svc.Chat(ctx, "alice", ChatRequest{
		WorkflowID: "wf-1", SessionID: first.SessionID, Message: "two"})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	sess, err := store.Get(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 4, sess.MessageCount)
}

func TestChatForeignSessionRefused(t *testing.T) {
	ctx := context.Background()
	svc, store, wfs := newChatService(newFakeRunner("ok"), &fakeQuota{})
	wfs.wf.IsPublic = true

	res, err := svc.Chat(ctx, "alice", ChatRequest{WorkflowID: "wf-1", Message: "one"})
	require.NoError(t, err)

	_, err = svc.Chat(ctx, "mallory", ChatRequest{
		WorkflowID: "wf-1", SessionID: res.SessionID, Message: "two"})
	assert.ErrorIs(t, err, ErrForbidden)

	sess, err := store.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.MessageCount)
}

func TestChatSessionWorkflowMismatch(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newChatService(newFakeRunner("ok"), &fakeQuota{})
	require.NoError(t, store.Create(ctx, &ChatSession{
		ID: "s-other", WorkflowID: "wf-other", UserID: "alice",
		CreatedAt: time.Now().UTC(), LastMessageAt: time.Now().UTC()}))

	_, err := svc.Chat(ctx, "alice", ChatRequest{
		WorkflowID: "wf-1", SessionID: "s-other", Message: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "different workflow")
}

func TestChatQuotaRefusalAppendsNothing(t *testing.T) {
	ctx := context.Background()
	denied := errors.New("quota exceeded")
	quotas := &fakeQuota{deny: denied}
	svc, store, _ := newChatService(newFakeRunner("ok"), quotas)

	_, err := svc.Chat(ctx, "alice", ChatRequest{WorkflowID: "wf-1", Message: "hi"})
	assert.ErrorIs(t, err, denied)

	sessions, err := store.ListByUser(ctx, "alice", 1, 10)
	require.NoError(t, err)
	for _, sess := range sessions {
		assert.Zero(t, sess.MessageCount)
	}
}

func TestChatRunFailureReleasesQuota(t *testing.T) {
	ctx := context.Background()
	runner := newFakeRunner()
	runner.err = errors.New("graph invalid")
	quotas := &fakeQuota{}
	svc, _, _ := newChatService(runner, quotas)

	_, err := svc.Chat(ctx, "alice", ChatRequest{WorkflowID: "wf-1", Message: "hi"})
	require.Error(t, err)
	assert.Equal(t, 1, quotas.admits)
	assert.Equal(t, 1, quotas.releases)
}

func TestChatEmptyMessage(t *testing.T) {
	svc, _, _ := newChatService(newFakeRunner(), &fakeQuota{})
	_, err := svc.Chat(context.Background(), "alice", ChatRequest{WorkflowID: "wf-1", Message: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestChatPrivateWorkflowForeignCaller(t *testing.T) {
	svc, _, _ := newChatService(newFakeRunner("ok"), &fakeQuota{})
	_, err := svc.Chat(context.Background(), "mallory", ChatRequest{WorkflowID: "wf-1", Message: "hi"})
	assert.ErrorIs(t, err, workflow.ErrForbidden)
}

func TestHeadTruncation(t *testing.T) {
	ctx := context.Background()
	runner := newFakeRunner("aaaaa", "bbbbb", "ccccc")
	store := NewMemoryStore()
	svc := NewService(store, &fakeWorkflows{wf: chatWorkflow()}, runner, &fakeQuota{},
		WithHeadLimit(8), WithHeadWait(time.Second))

	res, err := svc.Chat(ctx, "alice", ChatRequest{WorkflowID: "wf-1", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "aaaaabbb", res.ResponseHead)
}

func TestClearPreservesShell(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newChatService(newFakeRunner("ok"), &fakeQuota{})

	res, err := svc.Chat(ctx, "alice", ChatRequest{WorkflowID: "wf-1", Message: "hi"})
	require.NoError(t, err)

	require.NoError(t, svc.Clear(ctx, "alice", res.SessionID))
	sess, err := svc.Get(ctx, "alice", res.SessionID)
	require.NoError(t, err)
	assert.Zero(t, sess.MessageCount)

	msgs, err := svc.Messages(ctx, "alice", res.SessionID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSessionAccessControl(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newChatService(newFakeRunner("ok"), &fakeQuota{})
	require.NoError(t, store.Create(ctx, &ChatSession{
		ID: "s1", WorkflowID: "wf-1", UserID: "alice",
		CreatedAt: time.Now().UTC(), LastMessageAt: time.Now().UTC()}))

	_, err := svc.Get(ctx, "mallory", "s1")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.Messages(ctx, "mallory", "s1")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorIs(t, svc.Clear(ctx, "mallory", "s1"), ErrForbidden)
	assert.ErrorIs(t, svc.Delete(ctx, "mallory", "s1"), ErrForbidden)

	_, err = svc.Get(ctx, "alice", "ghost")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
