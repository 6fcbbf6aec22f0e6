package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexhub-ai/nexhub/pkg/config"
	"github.com/nexhub-ai/nexhub/pkg/engine"
	"github.com/nexhub-ai/nexhub/pkg/graph"
	"github.com/nexhub-ai/nexhub/pkg/llm"
	"github.com/nexhub-ai/nexhub/pkg/observability"
	"github.com/nexhub-ai/nexhub/pkg/quota"
	"github.com/nexhub-ai/nexhub/pkg/session"
	"github.com/nexhub-ai/nexhub/pkg/skill"
	"github.com/nexhub-ai/nexhub/pkg/workflow"
)

// env wires the full stack over memory stores with auth in X-User-ID mode.
type env struct {
	srv      *Server
	eng      *engine.Engine
	provider *llm.MockProvider
	llms     *llm.Registry
	quotas   quota.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	provider := llm.NewMockProvider()
	llms := llm.NewRegistry(provider)
	invoker := skill.NewInvoker(skill.NewStaticSecretStore(nil),
		skill.WithBackoffBase(time.Millisecond))
	eng := engine.New(engine.Config{}, skill.NewMemoryRegistry(), invoker, llms,
		engine.NewMemoryExecutionStore(), engine.NewMemoryCheckpointStore())
	wfs := workflow.NewService(workflow.NewMemoryStore())
	quotas := quota.NewMemoryStore()
	sessions := session.NewService(session.NewMemoryStore(), wfs, eng, quotas,
		session.WithHeadWait(2*time.Second))

	cfg := config.ServerConfig{}
	cfg.SetDefaults()
	srv := New(cfg, Deps{
		Workflows: wfs,
		Engine:    eng,
		Sessions:  sessions,
		Quotas:    quotas,
		Metrics:   observability.NewMetrics(),
	})
	return &env{srv: srv, eng: eng, provider: provider, llms: llms, quotas: quotas}
}

// do performs a request against the router. user sets X-User-ID; empty means
// anonymous. hdr holds extra key/value header pairs.
func (e *env) do(t *testing.T, method, path, user string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v),
		"body was: %s", rec.Body.String())
}

func errorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeInto(t, rec, &body)
	return body.Error.Kind
}

func passGraph(def string) graph.Graph {
	return graph.Graph{
		Nodes: []graph.Node{
			{ID: "in", Type: graph.NodeInput,
				Data: map[string]any{"input_type": "text", "default": def}},
			{ID: "out", Type: graph.NodeOutput, Data: map[string]any{"format": "text"}},
		},
		Edges: []graph.Edge{{ID: "e1", Source: "in", Target: "out", Kind: graph.EdgeData}},
	}
}

func chatGraph() graph.Graph {
	return graph.Graph{
		Nodes: []graph.Node{
			{ID: "n1", Type: graph.NodeInput, Label: "question",
				Data: map[string]any{"input_type": "text"}},
			{ID: "n2", Type: graph.NodeLLM,
				Data: map[string]any{"model": "mock", "prompt": "{{question}}"}},
			{ID: "n3", Type: graph.NodeOutput, Data: map[string]any{"format": "text"}},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "n1", Target: "n2", Kind: graph.EdgeData},
			{ID: "e2", Source: "n2", Target: "n3", Kind: graph.EdgeData},
		},
	}
}

func (e *env) createWorkflow(t *testing.T, user string, req workflow.CreateRequest) *workflow.Workflow {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/workflows", user, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var wf workflow.Workflow
	decodeInto(t, rec, &wf)
	return &wf
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nexhub_http_requests_total")
}

func TestWorkflowLifecycle(t *testing.T) {
	e := newEnv(t)

	wf := e.createWorkflow(t, "alice", workflow.CreateRequest{
		Name: "Echo Pipeline", IsPublic: true, Graph: passGraph("hello"),
	})
	assert.Equal(t, 1, wf.Version)
	assert.Equal(t, "alice", wf.OwnerID)
	assert.Equal(t, "echo-pipeline", wf.Slug)

	// Public workflows read without identity.
	rec := e.do(t, http.MethodGet, "/workflows/"+wf.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// A graph edit bumps the version and records history.
	g2 := passGraph("hello")
	g2.Nodes = append(g2.Nodes, graph.Node{ID: "up", Type: graph.NodeTransform,
		Data: map[string]any{"kind": "template", "template": "{{in}}!"}})
	g2.Edges = []graph.Edge{
		{ID: "e1", Source: "in", Target: "up", Kind: graph.EdgeData},
		{ID: "e2", Source: "up", Target: "out", Kind: graph.EdgeData},
	}
	rec = e.do(t, http.MethodPut, "/workflows/"+wf.ID, "alice", map[string]any{
		"graph": g2, "version_notes": "add template step",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated workflow.Workflow
	decodeInto(t, rec, &updated)
	assert.Equal(t, 2, updated.Version)

	rec = e.do(t, http.MethodGet, "/workflows/"+wf.ID+"/versions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versions workflow.Versions
	decodeInto(t, rec, &versions)
	assert.Equal(t, 2, versions.CurrentVersion)
	require.Len(t, versions.History, 1)
	assert.Equal(t, 1, versions.History[0].Version)
	assert.Equal(t, "add template step", versions.History[0].Notes)

	rec = e.do(t, http.MethodGet, "/workflows/"+wf.ID+"/versions/compare?v1=1&v2=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var diff graph.Diff
	decodeInto(t, rec, &diff)
	require.Len(t, diff.NodesAdded, 1)
	assert.Equal(t, "up", diff.NodesAdded[0].ID)

	// Revert restores the old graph under a fresh version number.
	rec = e.do(t, http.MethodPost, "/workflows/"+wf.ID+"/revert", "alice",
		map[string]any{"target_version": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var reverted workflow.Workflow
	decodeInto(t, rec, &reverted)
	assert.Equal(t, 3, reverted.Version)
	assert.Len(t, reverted.Graph.Nodes, 2)

	// Fork copies into the caller's namespace at version 1.
	rec = e.do(t, http.MethodPost, "/workflows/"+wf.ID+"/fork", "bob", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var forked workflow.Workflow
	decodeInto(t, rec, &forked)
	assert.Equal(t, "bob", forked.OwnerID)
	assert.Equal(t, 1, forked.Version)
	assert.Equal(t, wf.ID, forked.ForkedFrom)
	assert.Zero(t, forked.RunCount)

	// Only the owner deletes.
	rec = e.do(t, http.MethodDelete, "/workflows/"+wf.ID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = e.do(t, http.MethodDelete, "/workflows/"+wf.ID, "alice", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = e.do(t, http.MethodGet, "/workflows/"+wf.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowListScopes(t *testing.T) {
	e := newEnv(t)
	e.createWorkflow(t, "alice", workflow.CreateRequest{
		Name: "Shared", IsPublic: true, Graph: passGraph("a"),
	})
	private := e.createWorkflow(t, "bob", workflow.CreateRequest{
		Name: "Secret", Graph: passGraph("b"),
	})

	var list struct {
		Workflows []*workflow.Workflow `json:"workflows"`
	}

	rec := e.do(t, http.MethodGet, "/workflows", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &list)
	require.Len(t, list.Workflows, 1)
	assert.Equal(t, "Shared", list.Workflows[0].Name)

	rec = e.do(t, http.MethodGet, "/workflows?scope=mine", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &list)
	require.Len(t, list.Workflows, 1)
	assert.Equal(t, "Secret", list.Workflows[0].Name)

	rec = e.do(t, http.MethodGet, "/workflows?scope=mine", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodGet, "/workflows?scope=starred", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Validation", errorKind(t, rec))

	// Private workflows stay invisible to other callers.
	rec = e.do(t, http.MethodGet, "/workflows/"+private.ID, "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRunExecutionLifecycle(t *testing.T) {
	e := newEnv(t)
	wf := e.createWorkflow(t, "alice", workflow.CreateRequest{
		Name: "Runner", Graph: passGraph("hello"),
	})

	rec := e.do(t, http.MethodPost, "/executions/run", "alice", map[string]any{
		"workflow_id": wf.ID, "input": map[string]any{"in": "hi"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var exec engine.Execution
	decodeInto(t, rec, &exec)
	assert.Equal(t, "alice", exec.UserID)
	assert.Equal(t, wf.ID, exec.WorkflowID)

	e.eng.Wait()

	rec = e.do(t, http.MethodGet, "/executions/"+exec.ID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var final engine.Execution
	decodeInto(t, rec, &final)
	assert.Equal(t, engine.StatusCompleted, final.Status)
	assert.Equal(t, "hi", final.FinalOutput["out"])

	// Executions are private to their owner.
	rec = e.do(t, http.MethodGet, "/executions/"+exec.ID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = e.do(t, http.MethodGet, "/executions/missing", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// The run bumped the workflow counter.
	rec = e.do(t, http.MethodGet, "/workflows/"+wf.ID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var seen workflow.Workflow
	decodeInto(t, rec, &seen)
	assert.Equal(t, 1, seen.RunCount)

	var list struct {
		Executions []*engine.Execution `json:"executions"`
	}
	rec = e.do(t, http.MethodGet, "/executions?status=completed", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &list)
	assert.Len(t, list.Executions, 1)

	// Cancelling a finished execution conflicts.
	rec = e.do(t, http.MethodPost, "/executions/"+exec.ID+"/cancel", "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Conflict", errorKind(t, rec))
	rec = e.do(t, http.MethodPost, "/executions/"+exec.ID+"/cancel", "bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRunExecutionValidation(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/executions/run", "alice",
		map[string]any{"input": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/executions/run", "alice",
		map[string]any{"workflow_id": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/executions/run", "", map[string]any{"workflow_id": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Authorization", errorKind(t, rec))
}

type sseFrame struct {
	event string
	id    int64
	data  map[string]any
}

func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var f sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				f.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f.data))
			case strings.HasPrefix(line, "id: "):
				n, err := strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
				require.NoError(t, err)
				f.id = n
			}
		}
		frames = append(frames, f)
	}
	return frames
}

func TestExecutionStreamReplay(t *testing.T) {
	e := newEnv(t)
	wf := e.createWorkflow(t, "alice", workflow.CreateRequest{
		Name: "Streamer", Graph: passGraph("hello"),
	})

	rec := e.do(t, http.MethodPost, "/executions/run", "alice",
		map[string]any{"workflow_id": wf.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	var exec engine.Execution
	decodeInto(t, rec, &exec)
	e.eng.Wait()

	rec = e.do(t, http.MethodGet, "/executions/"+exec.ID, "alice", nil,
		"Accept", "text/event-stream")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, frames)
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].id, frames[i-1].id, "event ids must be ordered")
	}
	kinds := map[string]bool{}
	for _, f := range frames {
		kinds[f.event] = true
	}
	assert.True(t, kinds["started"], "kinds seen: %v", kinds)
	assert.True(t, kinds["completed"], "kinds seen: %v", kinds)

	// Reconnecting with Last-Event-ID replays only what follows the cursor.
	cursor := frames[len(frames)-2].id
	rec = e.do(t, http.MethodGet, "/executions/"+exec.ID, "alice", nil,
		"Accept", "text/event-stream", "Last-Event-ID", fmt.Sprint(cursor))
	require.Equal(t, http.StatusOK, rec.Code)
	tail := parseSSE(t, rec.Body.String())
	require.Len(t, tail, 1)
	assert.Equal(t, frames[len(frames)-1].id, tail[0].id)
}

// blockingProvider streams tokens until its context is cancelled.
type blockingProvider struct {
	firstToken chan struct{}
}

func (p *blockingProvider) Name() string { return "blocking" }

func (p *blockingProvider) Stream(ctx context.Context, _ llm.Request) (<-chan llm.Chunk, error) {
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		first := true
		for {
			select {
			case <-ctx.Done():
				out <- llm.Chunk{Done: true, Err: ctx.Err()}
				return
			case out <- llm.Chunk{Text: "tok "}:
				if first {
					first = false
					close(p.firstToken)
				}
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()
	return out, nil
}

func TestCancelRunningExecution(t *testing.T) {
	e := newEnv(t)
	blocking := &blockingProvider{firstToken: make(chan struct{})}
	e.llms.Route("blocking", blocking)

	g := chatGraph()
	g.Nodes[1].Data["model"] = "blocking"
	wf := e.createWorkflow(t, "alice", workflow.CreateRequest{Name: "Slow", Graph: g})

	rec := e.do(t, http.MethodPost, "/executions/run", "alice", map[string]any{
		"workflow_id": wf.ID, "input": map[string]any{"question": "go"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var exec engine.Execution
	decodeInto(t, rec, &exec)

	select {
	case <-blocking.firstToken:
	case <-time.After(2 * time.Second):
		t.Fatal("model never streamed")
	}

	rec = e.do(t, http.MethodPost, "/executions/"+exec.ID+"/cancel", "alice", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	e.eng.Wait()
	rec = e.do(t, http.MethodGet, "/executions/"+exec.ID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var final engine.Execution
	decodeInto(t, rec, &final)
	assert.Equal(t, engine.StatusCancelled, final.Status)
}

func TestQuotaEnforcement(t *testing.T) {
	e := newEnv(t)
	e.srv.deps.QuotaDailyLimit = 2
	wf := e.createWorkflow(t, "carol", workflow.CreateRequest{
		Name: "Budgeted", Graph: passGraph("x"),
	})

	run := func() *httptest.ResponseRecorder {
		return e.do(t, http.MethodPost, "/executions/run", "carol",
			map[string]any{"workflow_id": wf.ID})
	}
	require.Equal(t, http.StatusCreated, run().Code)
	require.Equal(t, http.StatusCreated, run().Code)

	rec := run()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Authorization", errorKind(t, rec))

	rec = e.do(t, http.MethodGet, "/users/me/usage", "carol", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var usage struct {
		Limit    int       `json:"limit"`
		Used     int       `json:"used"`
		ResetsAt time.Time `json:"resets_at"`
	}
	decodeInto(t, rec, &usage)
	assert.Equal(t, 2, usage.Limit)
	assert.Equal(t, 2, usage.Used)
	assert.True(t, usage.ResetsAt.After(time.Now()))

	rec = e.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Contains(t, rec.Body.String(), "nexhub_quota_refusals_total 1")

	e.eng.Wait()
}

func TestChatSessionFlow(t *testing.T) {
	e := newEnv(t)
	wf := e.createWorkflow(t, "alice", workflow.CreateRequest{
		Name: "Assistant", IsPublic: true, TriggerType: workflow.TriggerChat,
		Graph: chatGraph(),
	})

	// Seeds bob's quota record.
	rec := e.do(t, http.MethodGet, "/users/me/usage", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/agents/"+wf.ID+"/chat", "bob",
		map[string]any{"message": "Hello there"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result session.ChatResult
	decodeInto(t, rec, &result)
	assert.NotEmpty(t, result.SessionID)
	assert.NotEmpty(t, result.ExecutionID)
	assert.Equal(t, "Hello there", result.ResponseHead)

	e.eng.Wait()

	rec = e.do(t, http.MethodGet, "/sessions/"+result.SessionID+"/messages", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs struct {
		Messages []*session.Message `json:"messages"`
	}
	decodeInto(t, rec, &msgs)
	require.NotEmpty(t, msgs.Messages)
	assert.Equal(t, session.RoleUser, msgs.Messages[0].Role)
	assert.Equal(t, "Hello there", msgs.Messages[0].Content)

	// Sessions are private to their owner.
	rec = e.do(t, http.MethodGet, "/sessions/"+result.SessionID+"/messages", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPost, "/agents/"+wf.ID+"/chat", "bob",
		map[string]any{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Validation", errorKind(t, rec))

	rec = e.do(t, http.MethodDelete, "/sessions/"+result.SessionID+"/messages", "bob", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestErrorTaxonomy(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/workflows", "", workflow.CreateRequest{Name: "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Authorization", errorKind(t, rec))

	req := httptest.NewRequest(http.MethodPost, "/workflows", strings.NewReader("{not json"))
	req.Header.Set("X-User-ID", "alice")
	raw := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
	assert.Equal(t, "Validation", errorKind(t, raw))

	// Dangling edges fail graph validation.
	bad := passGraph("x")
	bad.Edges[0].Target = "ghost"
	rec = e.do(t, http.MethodPost, "/workflows", "alice",
		workflow.CreateRequest{Name: "Bad", Graph: bad})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Validation", errorKind(t, rec))

	rec = e.do(t, http.MethodGet, "/workflows/nope", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NotFound", errorKind(t, rec))

	wf := e.createWorkflow(t, "alice", workflow.CreateRequest{
		Name: "Versioned", Graph: passGraph("x"),
	})
	rec = e.do(t, http.MethodPost, "/workflows/"+wf.ID+"/revert", "alice",
		map[string]any{"target_version": 9})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/workflows/"+wf.ID+"/versions/compare?v1=one&v2=2", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSHeaders(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/workflows", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
