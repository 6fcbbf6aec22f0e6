package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexhub-ai/nexhub/internal/sqlutil"
)

// SQLStore is a database/sql Store. The (source, slug) unique constraint
// backs the idempotent upsert.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore wraps an open database handle and ensures the schema exists.
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initializing catalogue schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS catalog_records (
			id             TEXT PRIMARY KEY,
			source         TEXT NOT NULL,
			slug           TEXT NOT NULL,
			name           TEXT NOT NULL DEFAULT '',
			name_zh        TEXT NOT NULL DEFAULT '',
			description    TEXT NOT NULL DEFAULT '',
			description_zh TEXT NOT NULL DEFAULT '',
			url            TEXT NOT NULL DEFAULT '',
			pricing        TEXT NOT NULL DEFAULT 'unknown',
			score          REAL NOT NULL DEFAULT 0,
			status         TEXT NOT NULL,
			sync_pending   INTEGER NOT NULL DEFAULT 0,
			discovered_at  TEXT NOT NULL,
			enriched_at    TEXT NOT NULL DEFAULT '',
			updated_at     TEXT NOT NULL,
			UNIQUE (source, slug)
		)`)
	return err
}

func (s *SQLStore) Upsert(ctx context.Context, rec *Record) error {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	enriched := ""
	if rec.EnrichedAt != nil {
		enriched = sqlutil.FormatTime(*rec.EnrichedAt)
	}
	// The conflict branch keeps the original id and discovered_at.
	q := sqlutil.Rebind(s.driver, `
		INSERT INTO catalog_records
			(id, source, slug, name, name_zh, description, description_zh, url,
			 pricing, score, status, sync_pending, discovered_at, enriched_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, slug) DO UPDATE SET
			name = excluded.name,
			name_zh = excluded.name_zh,
			description = excluded.description,
			description_zh = excluded.description_zh,
			url = excluded.url,
			pricing = excluded.pricing,
			score = excluded.score,
			status = excluded.status,
			sync_pending = excluded.sync_pending,
			enriched_at = excluded.enriched_at,
			updated_at = excluded.updated_at`)
	now := sqlutil.FormatTime(time.Now())
	_, err := s.db.ExecContext(ctx, q, id, string(rec.Source), rec.Slug, rec.Name, rec.NameZh,
		rec.Description, rec.DescriptionZh, rec.URL, string(rec.Pricing), rec.Score,
		string(rec.Status), boolToInt(rec.SyncPending),
		sqlutil.FormatTime(rec.DiscoveredAt), enriched, now)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const recordColumns = `id, source, slug, name, name_zh, description, description_zh, url,
	pricing, score, status, sync_pending, discovered_at, enriched_at, updated_at`

func (s *SQLStore) Get(ctx context.Context, source Source, slug string) (*Record, error) {
	q := sqlutil.Rebind(s.driver, `SELECT `+recordColumns+`
		FROM catalog_records WHERE source = ? AND slug = ?`)
	rows, err := s.db.QueryContext(ctx, q, string(source), slug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrRecordNotFound
	}
	return scanRecord(rows)
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var rec Record
	var source, pricing, status, discovered, enriched, updated string
	var pending int
	err := rows.Scan(&rec.ID, &source, &rec.Slug, &rec.Name, &rec.NameZh,
		&rec.Description, &rec.DescriptionZh, &rec.URL, &pricing, &rec.Score,
		&status, &pending, &discovered, &enriched, &updated)
	if err != nil {
		return nil, err
	}
	rec.Source = Source(source)
	rec.Pricing = PricingClass(pricing)
	rec.Status = RecordStatus(status)
	rec.SyncPending = pending != 0
	if rec.DiscoveredAt, err = sqlutil.ParseTime(discovered); err != nil {
		return nil, fmt.Errorf("parsing discovered_at: %w", err)
	}
	if enriched != "" {
		t, err := sqlutil.ParseTime(enriched)
		if err != nil {
			return nil, fmt.Errorf("parsing enriched_at: %w", err)
		}
		rec.EnrichedAt = &t
	}
	if rec.UpdatedAt, err = sqlutil.ParseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rec, nil
}

func (s *SQLStore) Exists(ctx context.Context, source Source, slug string) (bool, error) {
	q := sqlutil.Rebind(s.driver, `SELECT COUNT(*) FROM catalog_records WHERE source = ? AND slug = ?`)
	var n int
	if err := s.db.QueryRowContext(ctx, q, string(source), slug).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) ListSyncPending(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 500
	}
	q := sqlutil.Rebind(s.driver, `SELECT `+recordColumns+`
		FROM catalog_records
		WHERE status = ? AND sync_pending = 1
		ORDER BY updated_at LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, q, string(StatusReady), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	q := sqlutil.Rebind(s.driver,
		`UPDATE catalog_records SET sync_pending = 0 WHERE id IN (`+placeholders+`)`)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM catalog_records`).Scan(&n)
	return n, err
}
