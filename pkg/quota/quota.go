// Package quota enforces per-user daily execution budgets. Admission is a
// single atomic decrement-or-refuse; the counter rolls over at the user's
// local midnight, stored as UTC plus the offset recorded at registration.
package quota

import (
	"context"
	"errors"
	"time"
)

var (
	ErrQuotaExceeded = errors.New("daily execution quota exceeded")
	ErrQuotaNotFound = errors.New("quota record not found")
)

// DefaultDailyLimit applies to users with no explicit limit.
const DefaultDailyLimit = 50

// Quota is one user's execution budget for the current window.
type Quota struct {
	UserID          string    `json:"user_id"`
	LimitPerDay     int       `json:"limit_per_day"`
	UsedToday       int       `json:"used_today"`
	ResetsAt        time.Time `json:"resets_at"`
	TZOffsetMinutes int       `json:"tz_offset_minutes"`
}

// Remaining reports the slots left in the current window.
func (q *Quota) Remaining() int {
	r := q.LimitPerDay - q.UsedToday
	if r < 0 {
		return 0
	}
	return r
}

// NextReset computes the next user-local midnight after now, in UTC.
func NextReset(now time.Time, offsetMinutes int) time.Time {
	loc := time.FixedZone("user", offsetMinutes*60)
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return midnight.Add(24 * time.Hour).UTC()
}

// Store persists quota records. Admit must be atomic with respect to
// concurrent admissions for the same user: with one slot remaining, exactly
// one of two concurrent calls succeeds.
type Store interface {
	// Ensure creates the record with the given limit and offset if absent.
	Ensure(ctx context.Context, userID string, limit, offsetMinutes int) error
	Get(ctx context.Context, userID string) (*Quota, error)
	// Admit consumes one slot or returns ErrQuotaExceeded. Implementations
	// roll the window over first when resets_at has passed.
	Admit(ctx context.Context, userID string) error
	// Release returns a slot consumed by an admission whose work never
	// started. The counter never goes below zero.
	Release(ctx context.Context, userID string) error
}
