package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nexhub-ai/nexhub/internal/sqlutil"
)

// SQLExecutionStore persists executions in the relational store. The step
// log, envelope, final output and error live in JSON text columns.
type SQLExecutionStore struct {
	db     *sql.DB
	driver string
}

// NewSQLExecutionStore wraps an open database handle and ensures the schema
// exists.
func NewSQLExecutionStore(db *sql.DB, driver string) (*SQLExecutionStore, error) {
	s := &SQLExecutionStore{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initializing execution schema: %w", err)
	}
	return s, nil
}

func (s *SQLExecutionStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id               TEXT PRIMARY KEY,
			workflow_id      TEXT NOT NULL,
			workflow_version INTEGER NOT NULL,
			user_id          TEXT NOT NULL,
			status           TEXT NOT NULL,
			input_json       TEXT NOT NULL,
			step_log_json    TEXT NOT NULL,
			started_at       TEXT NOT NULL,
			finished_at      TEXT NOT NULL DEFAULT '',
			output_json      TEXT NOT NULL DEFAULT '',
			error_json       TEXT NOT NULL DEFAULT '',
			usage_json       TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions (workflow_id, status)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_executions_user ON executions (user_id)`)
	return err
}

const executionColumns = `id, workflow_id, workflow_version, user_id, status, input_json,
	step_log_json, started_at, finished_at, output_json, error_json, usage_json`

func (s *SQLExecutionStore) Create(ctx context.Context, e *Execution) error {
	cols, err := executionFields(e)
	if err != nil {
		return err
	}
	q := sqlutil.Rebind(s.driver, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, q, cols...)
	return err
}

func (s *SQLExecutionStore) Update(ctx context.Context, e *Execution) error {
	cols, err := executionFields(e)
	if err != nil {
		return err
	}
	q := sqlutil.Rebind(s.driver, `
		UPDATE executions
		SET workflow_id = ?, workflow_version = ?, user_id = ?, status = ?,
		    input_json = ?, step_log_json = ?, started_at = ?, finished_at = ?,
		    output_json = ?, error_json = ?, usage_json = ?
		WHERE id = ?`)
	// Rotate id to the WHERE position.
	args := append(cols[1:], cols[0])
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func (s *SQLExecutionStore) Get(ctx context.Context, id string) (*Execution, error) {
	q := sqlutil.Rebind(s.driver, `SELECT `+executionColumns+` FROM executions WHERE id = ?`)
	e, err := scanExecution(s.db.QueryRowContext(ctx, q, id))
	if err == sql.ErrNoRows {
		return nil, ErrExecutionNotFound
	}
	return e, err
}

func (s *SQLExecutionStore) List(ctx context.Context, filter ListFilter) ([]*Execution, error) {
	filter.normalize()
	var conds []string
	var args []any
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	q := `SELECT ` + executionColumns + ` FROM executions`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, (filter.Page-1)*filter.Limit)

	rows, err := s.db.QueryContext(ctx, sqlutil.Rebind(s.driver, q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLExecutionStore) HasActiveExecutions(ctx context.Context, workflowID string) (bool, error) {
	q := sqlutil.Rebind(s.driver, `
		SELECT COUNT(1) FROM executions
		WHERE workflow_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`)
	var n int
	if err := s.db.QueryRowContext(ctx, q, workflowID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLExecutionStore) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	q := sqlutil.Rebind(s.driver, `
		SELECT id FROM executions
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND finished_at != '' AND finished_at < ?`)
	rows, err := s.db.QueryContext(ctx, q, sqlutil.FormatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func executionFields(e *Execution) ([]any, error) {
	inputJSON, err := marshalOrEmpty(e.InputEnvelope)
	if err != nil {
		return nil, err
	}
	stepLog := e.StepLog
	if stepLog == nil {
		stepLog = []StepEvent{}
	}
	stepLogJSON, err := json.Marshal(stepLog)
	if err != nil {
		return nil, err
	}
	outputJSON, err := marshalOrEmpty(e.FinalOutput)
	if err != nil {
		return nil, err
	}
	errorJSON := ""
	if e.Error != nil {
		b, err := json.Marshal(e.Error)
		if err != nil {
			return nil, err
		}
		errorJSON = string(b)
	}
	usageJSON := ""
	if e.TokenUsage != nil {
		b, err := json.Marshal(e.TokenUsage)
		if err != nil {
			return nil, err
		}
		usageJSON = string(b)
	}
	finishedAt := ""
	if e.FinishedAt != nil {
		finishedAt = sqlutil.FormatTime(*e.FinishedAt)
	}
	return []any{
		e.ID, e.WorkflowID, e.WorkflowVersion, e.UserID, string(e.Status),
		inputJSON, string(stepLogJSON), sqlutil.FormatTime(e.StartedAt),
		finishedAt, outputJSON, errorJSON, usageJSON,
	}, nil
}

func marshalOrEmpty(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var e Execution
	var status, inputJSON, stepLogJSON, startedAt, finishedAt, outputJSON, errorJSON, usageJSON string
	err := row.Scan(&e.ID, &e.WorkflowID, &e.WorkflowVersion, &e.UserID, &status,
		&inputJSON, &stepLogJSON, &startedAt, &finishedAt, &outputJSON, &errorJSON, &usageJSON)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	if inputJSON != "" {
		if err := json.Unmarshal([]byte(inputJSON), &e.InputEnvelope); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal([]byte(stepLogJSON), &e.StepLog); err != nil {
		return nil, err
	}
	if e.StartedAt, err = sqlutil.ParseTime(startedAt); err != nil {
		return nil, err
	}
	if finishedAt != "" {
		t, err := sqlutil.ParseTime(finishedAt)
		if err != nil {
			return nil, err
		}
		e.FinishedAt = &t
	}
	if outputJSON != "" {
		if err := json.Unmarshal([]byte(outputJSON), &e.FinalOutput); err != nil {
			return nil, err
		}
	}
	if errorJSON != "" {
		e.Error = &NodeError{}
		if err := json.Unmarshal([]byte(errorJSON), e.Error); err != nil {
			return nil, err
		}
	}
	if usageJSON != "" {
		e.TokenUsage = &TokenUsage{}
		if err := json.Unmarshal([]byte(usageJSON), e.TokenUsage); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

// SQLCheckpointStore persists checkpoints in the relational store.
type SQLCheckpointStore struct {
	db     *sql.DB
	driver string
}

// NewSQLCheckpointStore wraps an open database handle and ensures the schema
// exists.
func NewSQLCheckpointStore(db *sql.DB, driver string) (*SQLCheckpointStore, error) {
	s := &SQLCheckpointStore{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initializing checkpoint schema: %w", err)
	}
	return s, nil
}

func (s *SQLCheckpointStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			execution_id TEXT NOT NULL,
			number       INTEGER NOT NULL,
			state_json   TEXT NOT NULL,
			at           TEXT NOT NULL,
			PRIMARY KEY (execution_id, number)
		)`)
	return err
}

func (s *SQLCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	state, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	q := sqlutil.Rebind(s.driver, `
		INSERT INTO checkpoints (execution_id, number, state_json, at)
		VALUES (?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, q, cp.ExecutionID, cp.Number, string(state), sqlutil.FormatTime(cp.At))
	return err
}

func (s *SQLCheckpointStore) Latest(ctx context.Context, execID string) (*Checkpoint, error) {
	q := sqlutil.Rebind(s.driver, `
		SELECT state_json FROM checkpoints
		WHERE execution_id = ? ORDER BY number DESC LIMIT 1`)
	var state string
	err := s.db.QueryRowContext(ctx, q, execID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(state), &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *SQLCheckpointStore) DeleteForExecution(ctx context.Context, execID string) error {
	q := sqlutil.Rebind(s.driver, `DELETE FROM checkpoints WHERE execution_id = ?`)
	_, err := s.db.ExecContext(ctx, q, execID)
	return err
}
