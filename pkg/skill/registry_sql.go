package skill

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nexhub-ai/nexhub/internal/sqlutil"
)

// SQLRegistry reads skills from the relational store. The catalogue CRUD
// that writes this table lives outside this module; the engine only reads.
type SQLRegistry struct {
	db     *sql.DB
	driver string
}

// NewSQLRegistry wraps an open database handle and ensures the schema exists.
func NewSQLRegistry(db *sql.DB, driver string) (*SQLRegistry, error) {
	r := &SQLRegistry{db: db, driver: driver}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("initializing skill schema: %w", err)
	}
	return r, nil
}

func (r *SQLRegistry) initSchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS skills (
			id             TEXT PRIMARY KEY,
			tool_id        TEXT NOT NULL,
			name           TEXT NOT NULL,
			endpoint_url   TEXT NOT NULL,
			http_method    TEXT NOT NULL,
			auth_kind      TEXT NOT NULL,
			credential_ref TEXT NOT NULL DEFAULT '',
			api_key_name   TEXT NOT NULL DEFAULT '',
			input_schema   TEXT NOT NULL DEFAULT '',
			output_schema  TEXT NOT NULL DEFAULT '',
			timeout_ms     INTEGER NOT NULL DEFAULT 30000,
			rate_limit     INTEGER NOT NULL DEFAULT 0
		)`)
	return err
}

const skillColumns = `id, tool_id, name, endpoint_url, http_method, auth_kind,
	credential_ref, api_key_name, input_schema, output_schema, timeout_ms, rate_limit`

func (r *SQLRegistry) Get(ctx context.Context, id string) (*Skill, error) {
	q := sqlutil.Rebind(r.driver, `SELECT `+skillColumns+` FROM skills WHERE id = ?`)
	sk, err := scanSkill(r.db.QueryRowContext(ctx, q, id))
	if err == sql.ErrNoRows {
		return nil, ErrSkillNotFound
	}
	return sk, err
}

func (r *SQLRegistry) List(ctx context.Context) ([]*Skill, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+skillColumns+` FROM skills ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSkill(row rowScanner) (*Skill, error) {
	var sk Skill
	var authKind, inputSchema, outputSchema string
	err := row.Scan(&sk.ID, &sk.ToolID, &sk.Name, &sk.EndpointURL, &sk.HTTPMethod,
		&authKind, &sk.CredentialRef, &sk.APIKeyName, &inputSchema, &outputSchema,
		&sk.TimeoutMs, &sk.RateLimit)
	if err != nil {
		return nil, err
	}
	sk.AuthKind = AuthKind(authKind)
	if inputSchema != "" {
		sk.InputSchema = json.RawMessage(inputSchema)
	}
	if outputSchema != "" {
		sk.OutputSchema = json.RawMessage(outputSchema)
	}
	return &sk, nil
}
