package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nexhub-ai/nexhub/internal/sqlutil"
)

// SQLStore is a database/sql Store. Admission is a single conditional UPDATE
// so two concurrent callers racing for the last slot resolve in the database.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// NewSQLStore wraps an open database handle and ensures the schema exists.
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{db: db, driver: driver, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initializing quota schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS quotas (
			user_id           TEXT PRIMARY KEY,
			limit_per_day     INTEGER NOT NULL,
			used_today        INTEGER NOT NULL DEFAULT 0,
			resets_at         TEXT NOT NULL,
			tz_offset_minutes INTEGER NOT NULL DEFAULT 0
		)`)
	return err
}

func (s *SQLStore) Ensure(ctx context.Context, userID string, limit, offsetMinutes int) error {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	resets := NextReset(s.now().UTC(), offsetMinutes)
	q := sqlutil.Rebind(s.driver, `
		INSERT INTO quotas (user_id, limit_per_day, used_today, resets_at, tz_offset_minutes)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT (user_id) DO NOTHING`)
	_, err := s.db.ExecContext(ctx, q, userID, limit, sqlutil.FormatTime(resets), offsetMinutes)
	return err
}

func (s *SQLStore) Get(ctx context.Context, userID string) (*Quota, error) {
	if err := s.rollover(ctx, userID); err != nil {
		return nil, err
	}
	q := sqlutil.Rebind(s.driver, `
		SELECT user_id, limit_per_day, used_today, resets_at, tz_offset_minutes
		FROM quotas WHERE user_id = ?`)
	var out Quota
	var resets string
	err := s.db.QueryRowContext(ctx, q, userID).Scan(
		&out.UserID, &out.LimitPerDay, &out.UsedToday, &resets, &out.TZOffsetMinutes)
	if err == sql.ErrNoRows {
		return nil, ErrQuotaNotFound
	}
	if err != nil {
		return nil, err
	}
	out.ResetsAt, err = sqlutil.ParseTime(resets)
	if err != nil {
		return nil, fmt.Errorf("parsing resets_at: %w", err)
	}
	return &out, nil
}

func (s *SQLStore) Admit(ctx context.Context, userID string) error {
	if err := s.rollover(ctx, userID); err != nil {
		return err
	}
	q := sqlutil.Rebind(s.driver, `
		UPDATE quotas SET used_today = used_today + 1
		WHERE user_id = ? AND used_today < limit_per_day`)
	res, err := s.db.ExecContext(ctx, q, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, userID); gerr != nil {
			return gerr
		}
		return ErrQuotaExceeded
	}
	return nil
}

func (s *SQLStore) Release(ctx context.Context, userID string) error {
	q := sqlutil.Rebind(s.driver, `
		UPDATE quotas SET used_today = used_today - 1
		WHERE user_id = ? AND used_today > 0`)
	_, err := s.db.ExecContext(ctx, q, userID)
	return err
}

// rollover opens a fresh window for the user when resets_at has passed. The
// compare on the stored resets_at keeps concurrent rollovers from resetting
// twice.
func (s *SQLStore) rollover(ctx context.Context, userID string) error {
	now := s.now().UTC()
	read := sqlutil.Rebind(s.driver, `
		SELECT resets_at, tz_offset_minutes FROM quotas WHERE user_id = ?`)
	var resets string
	var offset int
	err := s.db.QueryRowContext(ctx, read, userID).Scan(&resets, &offset)
	if err == sql.ErrNoRows {
		return ErrQuotaNotFound
	}
	if err != nil {
		return err
	}
	at, err := sqlutil.ParseTime(resets)
	if err != nil {
		return fmt.Errorf("parsing resets_at: %w", err)
	}
	if now.Before(at) {
		return nil
	}
	upd := sqlutil.Rebind(s.driver, `
		UPDATE quotas SET used_today = 0, resets_at = ?
		WHERE user_id = ? AND resets_at = ?`)
	_, err = s.db.ExecContext(ctx, upd, sqlutil.FormatTime(NextReset(now, offset)), userID, resets)
	return err
}
