// Package session holds per-user chat sessions and the chat turn flow: a
// message runs the workflow, the resulting execution is linked back to the
// session, and the assistant's reply streams through the execution.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrForbidden       = errors.New("session does not belong to caller")
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a chat session. Assistant messages link the
// execution that produced them.
type Message struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	ExecutionID string    `json:"execution_id,omitempty"`
	At          time.Time `json:"at"`
}

// ChatSession is the session shell. Counters update atomically with each
// append; clearing removes messages but keeps the shell.
type ChatSession struct {
	ID            string    `json:"id"`
	WorkflowID    string    `json:"workflow_id"`
	UserID        string    `json:"user_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int       `json:"message_count"`
}

// Store persists sessions and their messages.
type Store interface {
	Create(ctx context.Context, s *ChatSession) error
	Get(ctx context.Context, id string) (*ChatSession, error)
	ListByUser(ctx context.Context, userID string, page, limit int) ([]*ChatSession, error)
	// Append adds a message and updates the session's message_count and
	// last_message_at in the same write.
	Append(ctx context.Context, sessionID string, m *Message) error
	Messages(ctx context.Context, sessionID string) ([]*Message, error)
	// Clear removes all messages and zeroes message_count, preserving the
	// session shell.
	Clear(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
}
