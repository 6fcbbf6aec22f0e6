package session

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nexhub-ai/nexhub/internal/sqlutil"
)

// SQLStore is a database/sql Store. Messages live in their own table; session
// counters are updated in the same transaction as each append.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore wraps an open database handle and ensures the schema exists.
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initializing session schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_sessions (
			id              TEXT PRIMARY KEY,
			workflow_id     TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			last_message_at TEXT NOT NULL,
			message_count   INTEGER NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_messages (
			id           TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL,
			execution_id TEXT NOT NULL DEFAULT '',
			at           TEXT NOT NULL
		)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages (session_id, at)`)
	return err
}

func (s *SQLStore) Create(ctx context.Context, sess *ChatSession) error {
	q := sqlutil.Rebind(s.driver, `
		INSERT INTO chat_sessions (id, workflow_id, user_id, created_at, last_message_at, message_count)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, sess.ID, sess.WorkflowID, sess.UserID,
		sqlutil.FormatTime(sess.CreatedAt), sqlutil.FormatTime(sess.LastMessageAt), sess.MessageCount)
	return err
}

func (s *SQLStore) Get(ctx context.Context, id string) (*ChatSession, error) {
	q := sqlutil.Rebind(s.driver, `
		SELECT id, workflow_id, user_id, created_at, last_message_at, message_count
		FROM chat_sessions WHERE id = ?`)
	return scanSession(s.db.QueryRowContext(ctx, q, id))
}

func scanSession(row *sql.Row) (*ChatSession, error) {
	var sess ChatSession
	var created, last string
	err := row.Scan(&sess.ID, &sess.WorkflowID, &sess.UserID, &created, &last, &sess.MessageCount)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if sess.CreatedAt, err = sqlutil.ParseTime(created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.LastMessageAt, err = sqlutil.ParseTime(last); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	return &sess, nil
}

func (s *SQLStore) ListByUser(ctx context.Context, userID string, page, limit int) ([]*ChatSession, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	q := sqlutil.Rebind(s.driver, `
		SELECT id, workflow_id, user_id, created_at, last_message_at, message_count
		FROM chat_sessions WHERE user_id = ?
		ORDER BY last_message_at DESC LIMIT ? OFFSET ?`)
	rows, err := s.db.QueryContext(ctx, q, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ChatSession
	for rows.Next() {
		var sess ChatSession
		var created, last string
		if err := rows.Scan(&sess.ID, &sess.WorkflowID, &sess.UserID, &created, &last, &sess.MessageCount); err != nil {
			return nil, err
		}
		if sess.CreatedAt, err = sqlutil.ParseTime(created); err != nil {
			return nil, err
		}
		if sess.LastMessageAt, err = sqlutil.ParseTime(last); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SQLStore) Append(ctx context.Context, sessionID string, m *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ins := sqlutil.Rebind(s.driver, `
		INSERT INTO chat_messages (id, session_id, role, content, execution_id, at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, ins, m.ID, sessionID, string(m.Role), m.Content,
		m.ExecutionID, sqlutil.FormatTime(m.At)); err != nil {
		return err
	}

	upd := sqlutil.Rebind(s.driver, `
		UPDATE chat_sessions
		SET message_count = message_count + 1, last_message_at = ?
		WHERE id = ?`)
	res, err := tx.ExecContext(ctx, upd, sqlutil.FormatTime(m.At), sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return tx.Commit()
}

func (s *SQLStore) Messages(ctx context.Context, sessionID string) ([]*Message, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	q := sqlutil.Rebind(s.driver, `
		SELECT id, session_id, role, content, execution_id, at
		FROM chat_messages WHERE session_id = ? ORDER BY at, id`)
	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var role, at string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.ExecutionID, &at); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		if m.At, err = sqlutil.ParseTime(at); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLStore) Clear(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	del := sqlutil.Rebind(s.driver, `DELETE FROM chat_messages WHERE session_id = ?`)
	if _, err := tx.ExecContext(ctx, del, sessionID); err != nil {
		return err
	}
	upd := sqlutil.Rebind(s.driver, `UPDATE chat_sessions SET message_count = 0 WHERE id = ?`)
	res, err := tx.ExecContext(ctx, upd, sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return tx.Commit()
}

func (s *SQLStore) Delete(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, sqlutil.Rebind(s.driver,
		`DELETE FROM chat_messages WHERE session_id = ?`), sessionID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, sqlutil.Rebind(s.driver,
		`DELETE FROM chat_sessions WHERE id = ?`), sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return tx.Commit()
}
