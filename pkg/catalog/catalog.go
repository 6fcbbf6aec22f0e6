// Package catalog persists the tool catalogue fed by the automation fabric:
// discovered candidates become enriched records, keyed by (source, slug), and
// ready records sync to the external search index.
package catalog

import (
	"context"
	"errors"
	"time"
)

var ErrRecordNotFound = errors.New("catalogue record not found")

// Source identifies where a candidate was discovered.
type Source string

const (
	SourceProductHunt    Source = "producthunt"
	SourceGitHubTrending Source = "github_trending"
	SourceArxiv          Source = "arxiv"
)

// PricingClass is the enrichment-assigned pricing classification.
type PricingClass string

const (
	PricingFree     PricingClass = "free"
	PricingFreemium PricingClass = "freemium"
	PricingPaid     PricingClass = "paid"
	PricingUnknown  PricingClass = "unknown"
)

// RecordStatus tracks a record through the pipeline. Discovered records wait
// for enrichment; ready records are eligible for index sync.
type RecordStatus string

const (
	StatusDiscovered RecordStatus = "discovered"
	StatusReady      RecordStatus = "ready"
)

// CandidateTool is a raw discovery result. Dedup key is (source, slug).
type CandidateTool struct {
	Source       Source         `json:"source"`
	Slug         string         `json:"slug"`
	Name         string         `json:"name"`
	URL          string         `json:"url"`
	RawPayload   map[string]any `json:"raw_payload,omitempty"`
	Score        float64        `json:"score"`
	DiscoveredAt time.Time      `json:"discovered_at"`
}

// Record is a catalogue entry. SyncPending marks records the search index has
// not absorbed yet; a failed sync leaves it set so the next indexing run
// picks the record up again.
type Record struct {
	ID            string       `json:"id"`
	Source        Source       `json:"source"`
	Slug          string       `json:"slug"`
	Name          string       `json:"name"`
	NameZh        string       `json:"name_zh"`
	Description   string       `json:"description"`
	DescriptionZh string       `json:"description_zh"`
	URL           string       `json:"url"`
	Pricing       PricingClass `json:"pricing"`
	Score         float64      `json:"score"`
	Status        RecordStatus `json:"status"`
	SyncPending   bool         `json:"sync_pending"`
	DiscoveredAt  time.Time    `json:"discovered_at"`
	EnrichedAt    *time.Time   `json:"enriched_at,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Store persists catalogue records. Upsert is idempotent on (source, slug).
type Store interface {
	// Upsert inserts or replaces the record identified by (source, slug),
	// preserving the original id and discovered_at of an existing row.
	Upsert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, source Source, slug string) (*Record, error)
	Exists(ctx context.Context, source Source, slug string) (bool, error)
	// ListSyncPending returns ready records awaiting index sync.
	ListSyncPending(ctx context.Context, limit int) ([]*Record, error)
	// MarkSynced clears sync_pending for the given records.
	MarkSynced(ctx context.Context, ids []string) error
	Count(ctx context.Context) (int, error)
}
