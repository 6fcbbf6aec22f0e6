// Package engine compiles workflow graphs into runnable plans and executes
// them: bounded-concurrency scheduling over the data dependency subgraph,
// control-edge loops with an iteration budget, error-edge recovery, streamed
// step events, checkpointing and cooperative cancellation.
package engine

import (
	"errors"
	"time"
)

var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrNotResumable      = errors.New("execution is not resumable")
	ErrAlreadyTerminal   = errors.New("execution already reached a terminal state")
)

// Status is the execution lifecycle state. Transitions are monotonic except
// that cancellation may interrupt running or streaming.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether moving to next is legal.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed || next == StatusCancelled
	case StatusRunning:
		return next == StatusStreaming || next.Terminal()
	case StatusStreaming:
		return next == StatusRunning || next.Terminal()
	}
	return false
}

// EventKind classifies a step event.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventToken     EventKind = "token"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventSkipped   EventKind = "skipped"
	EventCancelled EventKind = "cancelled"
)

// StepEvent is one entry of an execution's step log. Seq is strictly
// increasing within the execution.
type StepEvent struct {
	Seq     int64     `json:"seq"`
	NodeID  string    `json:"node_id,omitempty"`
	At      time.Time `json:"at"`
	Kind    EventKind `json:"kind"`
	Payload any       `json:"payload,omitempty"`
}

// TokenUsage accumulates provider-reported token counts across LLM nodes.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Execution is one run of a workflow version. Append-only once created.
type Execution struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowVersion int            `json:"workflow_version"`
	UserID          string         `json:"user_id"`
	Status          Status         `json:"status"`
	InputEnvelope   map[string]any `json:"input_envelope,omitempty"`
	StepLog         []StepEvent    `json:"step_log,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	FinalOutput     map[string]any `json:"final_output,omitempty"`
	Error           *NodeError     `json:"error,omitempty"`
	TokenUsage      *TokenUsage    `json:"token_usage,omitempty"`
}

// Checkpoint is the persisted intermediate state of a run. Number is
// monotonic per execution; only the latest is needed for resume.
type Checkpoint struct {
	ExecutionID string         `json:"execution_id"`
	Number      int            `json:"number"`
	AfterNodeID string         `json:"after_node_id"`
	NodeOutputs map[string]any `json:"node_outputs"`
	Frontier    []string       `json:"frontier"`
	Iterations  map[string]int `json:"iterations,omitempty"`
	// Recovered marks nodes whose output in NodeOutputs is a failure value
	// routed through their error edges.
	Recovered map[string]bool `json:"recovered,omitempty"`
	Seq         int64          `json:"seq"`
	At          time.Time      `json:"at"`
}
