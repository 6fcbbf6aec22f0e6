// Package automation is the periodic task fabric: cron-driven discovery of
// candidate tools, LLM enrichment, and search index synchronization, routed
// through broker-backed queues with leases, bounded retries and a dead
// letter slot per queue.
package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoTask         = errors.New("no task available")
	ErrUnknownKind    = errors.New("unknown task kind")
	ErrLeaseLost      = errors.New("task lease lost")
	ErrBrokerShutdown = errors.New("broker is shut down")
)

// Queue names. Routing rules map task kinds onto these.
const (
	QueueCrawlers   = "crawlers"
	QueueEnrichment = "enrichment"
	QueueIndexing   = "indexing"
)

// Task is one unit of queued work. Payload is kind-specific JSON.
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	NotBefore  time.Time       `json:"not_before,omitempty"`
}

// NewTask creates a task with a marshalled payload.
func NewTask(kind string, payload any) (*Task, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling %s payload: %w", kind, err)
		}
		raw = b
	}
	return &Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    raw,
		Attempt:    0,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (t *Task) Decode(v any) error {
	if len(t.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(t.Payload, v)
}

// RetryPolicy bounds attempts and spaces them out.
type RetryPolicy struct {
	// MaxAttempts counts the first run. 1 means no retry.
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	Factor      float64       `yaml:"factor"`
}

// DefaultRetryPolicy suits network and LLM bound tasks.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffBase: 60 * time.Second, Factor: 2}
}

// ComputePolicy suits pure-compute tasks, which never retry.
func ComputePolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, BackoffBase: 60 * time.Second, Factor: 2}
}

// NextDelay returns the backoff before the given attempt number (1-based),
// with ±20% jitter.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = 60 * time.Second
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= factor
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(d * jitter)
}
