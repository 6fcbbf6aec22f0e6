package engine

import (
	"fmt"

	"github.com/nexhub-ai/nexhub/pkg/skill"
)

// FailureKind classifies a node-level failure.
type FailureKind string

const (
	FailLLMTimeout         FailureKind = "LLMTimeout"
	FailLLMFormatError     FailureKind = "LLMFormatError"
	FailLLMError           FailureKind = "LLMError"
	FailTransformError     FailureKind = "TransformError"
	FailLoopBudgetExceeded FailureKind = "LoopBudgetExceeded"
	FailCancelled          FailureKind = "Cancelled"
	FailInputError         FailureKind = "InputError"
	FailSkillNotFound      FailureKind = "SkillNotFound"
)

// NodeError is a structured node failure. When the failing node has an
// outgoing error edge this becomes the value flowing along it; otherwise it
// surfaces as the execution error.
type NodeError struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	NodeID  string      `json:"node_id,omitempty"`
	Status  int         `json:"status,omitempty"`
	Attempt int         `json:"attempt,omitempty"`
	Payload any         `json:"payload,omitempty"`
}

func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s at node %s: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Value renders the failure as the structured map delivered on error edges.
func (e *NodeError) Value() map[string]any {
	v := map[string]any{
		"kind":    string(e.Kind),
		"message": e.Message,
	}
	if e.Status != 0 {
		v["status"] = e.Status
	}
	if e.Payload != nil {
		v["payload"] = e.Payload
	}
	return v
}

// fromSkillError lifts a skill invocation failure into a node failure,
// keeping the skill's kind string so error-edge consumers can branch on it.
func fromSkillError(nodeID string, serr *skill.Error) *NodeError {
	return &NodeError{
		Kind:    FailureKind(serr.Kind),
		Message: serr.Message,
		NodeID:  nodeID,
		Status:  serr.Status,
		Attempt: serr.Attempt,
		Payload: serr.Payload,
	}
}
