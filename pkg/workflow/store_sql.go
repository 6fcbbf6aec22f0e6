package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nexhub-ai/nexhub/internal/sqlutil"
)

// SQLStore is a database/sql Store. The graph and version history live in
// JSON text columns so the schema stays identical across sqlite3 and
// postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore wraps an open database handle and ensures the schema exists.
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initializing workflow schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id             TEXT PRIMARY KEY,
			slug           TEXT NOT NULL UNIQUE,
			name           TEXT NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			description_zh TEXT NOT NULL DEFAULT '',
			is_public      INTEGER NOT NULL DEFAULT 0,
			owner_id       TEXT NOT NULL,
			version        INTEGER NOT NULL,
			graph_json     TEXT NOT NULL,
			history_json   TEXT NOT NULL,
			trigger_type   TEXT NOT NULL,
			run_count      INTEGER NOT NULL DEFAULT 0,
			star_count     INTEGER NOT NULL DEFAULT 0,
			forked_from    TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_workflows_owner ON workflows (owner_id)`)
	return err
}

const workflowColumns = `id, slug, name, description, description_zh, is_public, owner_id,
	version, graph_json, history_json, trigger_type, run_count, star_count,
	forked_from, created_at, updated_at`

func (s *SQLStore) Get(ctx context.Context, id string) (*Workflow, error) {
	q := sqlutil.Rebind(s.driver, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`)
	return s.scanOne(s.db.QueryRowContext(ctx, q, id))
}

func (s *SQLStore) GetBySlug(ctx context.Context, slug string) (*Workflow, error) {
	q := sqlutil.Rebind(s.driver, `SELECT `+workflowColumns+` FROM workflows WHERE slug = ?`)
	return s.scanOne(s.db.QueryRowContext(ctx, q, slug))
}

func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]*Workflow, error) {
	filter.normalize()
	var conds []string
	var args []any
	if filter.OwnerID != "" {
		conds = append(conds, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.PublicOnly {
		conds = append(conds, "is_public = 1")
	}
	q := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY updated_at DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, (filter.Page-1)*filter.Limit)

	rows, err := s.db.QueryContext(ctx, sqlutil.Rebind(s.driver, q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLStore) Create(ctx context.Context, w *Workflow) error {
	graphJSON, historyJSON, err := marshalGraphs(w)
	if err != nil {
		return err
	}
	q := sqlutil.Rebind(s.driver, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, q,
		w.ID, w.Slug, w.Name, w.Description, w.DescriptionZh, boolToInt(w.IsPublic),
		w.OwnerID, w.Version, graphJSON, historyJSON, string(w.TriggerType),
		w.RunCount, w.StarCount, w.ForkedFrom,
		sqlutil.FormatTime(w.CreatedAt), sqlutil.FormatTime(w.UpdatedAt))
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return ErrSlugTaken
	}
	return err
}

// Update is compare-and-set: the WHERE clause pins the expected version, so a
// concurrent writer leaves zero rows affected.
func (s *SQLStore) Update(ctx context.Context, w *Workflow, expectedVersion int) error {
	graphJSON, historyJSON, err := marshalGraphs(w)
	if err != nil {
		return err
	}
	q := sqlutil.Rebind(s.driver, `
		UPDATE workflows
		SET name = ?, description = ?, description_zh = ?, is_public = ?,
		    version = ?, graph_json = ?, history_json = ?, trigger_type = ?,
		    run_count = ?, star_count = ?, updated_at = ?
		WHERE id = ? AND version = ?`)
	res, err := s.db.ExecContext(ctx, q,
		w.Name, w.Description, w.DescriptionZh, boolToInt(w.IsPublic),
		w.Version, graphJSON, historyJSON, string(w.TriggerType),
		w.RunCount, w.StarCount, sqlutil.FormatTime(w.UpdatedAt),
		w.ID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, w.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	q := sqlutil.Rebind(s.driver, `DELETE FROM workflows WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

func (s *SQLStore) IncrementRunCount(ctx context.Context, id string) error {
	q := sqlutil.Rebind(s.driver, `UPDATE workflows SET run_count = run_count + 1 WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) scanOne(row *sql.Row) (*Workflow, error) {
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, ErrWorkflowNotFound
	}
	return w, err
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var w Workflow
	var isPublic int
	var graphJSON, historyJSON, trigger, createdAt, updatedAt string
	err := row.Scan(&w.ID, &w.Slug, &w.Name, &w.Description, &w.DescriptionZh,
		&isPublic, &w.OwnerID, &w.Version, &graphJSON, &historyJSON, &trigger,
		&w.RunCount, &w.StarCount, &w.ForkedFrom, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	w.IsPublic = isPublic != 0
	w.TriggerType = TriggerType(trigger)
	if err := json.Unmarshal([]byte(graphJSON), &w.Graph); err != nil {
		return nil, fmt.Errorf("decoding graph for workflow %s: %w", w.ID, err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &w.History); err != nil {
		return nil, fmt.Errorf("decoding history for workflow %s: %w", w.ID, err)
	}
	if w.CreatedAt, err = sqlutil.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = sqlutil.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func marshalGraphs(w *Workflow) (string, string, error) {
	graphJSON, err := json.Marshal(w.Graph)
	if err != nil {
		return "", "", err
	}
	history := w.History
	if history == nil {
		history = []VersionSnapshot{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return "", "", err
	}
	return string(graphJSON), string(historyJSON), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
