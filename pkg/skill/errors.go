package skill

import "fmt"

// ErrorKind classifies a skill invocation failure. All kinds are recoverable
// at the engine's error-edge level.
type ErrorKind string

const (
	KindTimeout        ErrorKind = "SkillTimeout"
	KindHTTPError      ErrorKind = "SkillHttpError"
	KindTransportError ErrorKind = "SkillTransportError"
	KindAuthError      ErrorKind = "SkillAuthError"
	KindRateLimited    ErrorKind = "SkillRateLimited"
	KindOutputMismatch ErrorKind = "SkillOutputMismatch"
)

// Error is a classified invocation failure. Status is set for HTTP-level
// kinds; Payload carries the response body when one was read.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Status  int       `json:"status,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether another attempt may succeed. Client errors other
// than 429 are final.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransportError, KindRateLimited:
		return true
	case KindHTTPError:
		return e.Status >= 500
	}
	return false
}
