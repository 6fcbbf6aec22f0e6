package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nexhub-ai/nexhub/pkg/catalog"
	"github.com/nexhub-ai/nexhub/pkg/llm"
)

// Task kinds handled by the pipeline.
const (
	KindDiscover = "discover"
	KindEnrich   = "enrich"
	KindIndex    = "index"
)

// DiscoverPayload names the source a discovery task crawls.
type DiscoverPayload struct {
	Source string `json:"source"`
}

// Pipeline implements the discovery, enrichment and indexing handlers. One
// failing candidate never rolls back its siblings; the batch tail always
// enqueues exactly one indexing task.
type Pipeline struct {
	store       catalog.Store
	broker      Broker
	llms        *llm.Registry
	index       *catalog.IndexClient
	sources     map[string]Source
	enrichModel string
	indexBatch  int
	logger      *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithEnrichModel names the model enrichment calls.
func WithEnrichModel(model string) PipelineOption {
	return func(p *Pipeline) { p.enrichModel = model }
}

// WithPipelineLogger overrides the default logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline wires the pipeline over its collaborators.
func NewPipeline(store catalog.Store, broker Broker, llms *llm.Registry,
	index *catalog.IndexClient, sources []Source, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:      store,
		broker:     broker,
		llms:       llms,
		index:      index,
		sources:    make(map[string]Source, len(sources)),
		indexBatch: 500,
		logger:     slog.Default(),
	}
	for _, s := range sources {
		p.sources[string(s.Name())] = s
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// RegisterAll binds the pipeline's handlers and routing.
func (p *Pipeline) RegisterAll(r *Registry) error {
	regs := []Registration{
		{Kind: KindDiscover, Queue: QueueCrawlers, Policy: DefaultRetryPolicy(), Handler: p.HandleDiscover},
		{Kind: KindEnrich, Queue: QueueEnrichment, Policy: DefaultRetryPolicy(), Handler: p.HandleEnrich},
		{Kind: KindIndex, Queue: QueueIndexing, Policy: DefaultRetryPolicy(), Handler: p.HandleIndex},
	}
	for _, reg := range regs {
		if err := r.Register(reg); err != nil {
			return err
		}
	}
	return nil
}

// HandleDiscover crawls one source, dedups against the catalogue, enqueues an
// enrichment task per new candidate and one indexing task for the batch.
func (p *Pipeline) HandleDiscover(ctx context.Context, t *Task) error {
	var payload DiscoverPayload
	if err := t.Decode(&payload); err != nil {
		return fmt.Errorf("decoding discover payload: %w", err)
	}
	src, ok := p.sources[payload.Source]
	if !ok {
		return fmt.Errorf("no source registered for %q", payload.Source)
	}

	candidates, err := src.Discover(ctx)
	if err != nil {
		return err
	}

	fresh := 0
	for _, cand := range candidates {
		exists, err := p.store.Exists(ctx, cand.Source, cand.Slug)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		enrich, err := NewTask(KindEnrich, cand)
		if err != nil {
			return err
		}
		if err := p.broker.Enqueue(ctx, QueueEnrichment, enrich); err != nil {
			return err
		}
		fresh++
	}

	// One indexing task per batch regardless of how many candidates
	// survived; indexing itself is an idempotent resync.
	indexTask, err := NewTask(KindIndex, nil)
	if err != nil {
		return err
	}
	if err := p.broker.Enqueue(ctx, QueueIndexing, indexTask); err != nil {
		return err
	}

	p.logger.Info("discovery batch complete", "source", payload.Source,
		"candidates", len(candidates), "new", fresh)
	return nil
}

// enrichment is the model's required output shape.
type enrichment struct {
	Name          string `json:"name"`
	NameZh        string `json:"name_zh"`
	Description   string `json:"description"`
	DescriptionZh string `json:"description_zh"`
	Pricing       string `json:"pricing"`
}

const enrichPromptTemplate = `You are cataloguing AI tools for a bilingual directory.
Tool name: %s
Source: %s
URL: %s
Raw data: %s

Reply with a JSON object with keys: name, name_zh, description,
description_zh, pricing. Pricing must be one of free, freemium, paid,
unknown. Descriptions are one sentence each.`

// HandleEnrich asks the LLM for bilingual copy and a pricing class, then
// upserts the catalogue record as ready for indexing.
func (p *Pipeline) HandleEnrich(ctx context.Context, t *Task) error {
	var cand catalog.CandidateTool
	if err := t.Decode(&cand); err != nil {
		return fmt.Errorf("decoding enrich payload: %w", err)
	}

	provider, err := p.llms.ForModel(p.enrichModel)
	if err != nil {
		return err
	}
	raw, _ := json.Marshal(cand.RawPayload)
	ch, err := provider.Stream(ctx, llm.Request{
		Model:      p.enrichModel,
		Prompt:     fmt.Sprintf(enrichPromptTemplate, cand.Name, cand.Source, cand.URL, raw),
		JSONOutput: true,
	})
	if err != nil {
		return fmt.Errorf("enrichment model call: %w", err)
	}
	text, _, err := llm.Collect(ch)
	if err != nil {
		return fmt.Errorf("enrichment model stream: %w", err)
	}

	var enriched enrichment
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &enriched); err != nil {
		return fmt.Errorf("enrichment output is not valid JSON: %w", err)
	}
	if enriched.Name == "" {
		enriched.Name = cand.Name
	}

	now := time.Now().UTC()
	rec := &catalog.Record{
		Source:        cand.Source,
		Slug:          cand.Slug,
		Name:          enriched.Name,
		NameZh:        enriched.NameZh,
		Description:   enriched.Description,
		DescriptionZh: enriched.DescriptionZh,
		URL:           cand.URL,
		Pricing:       pricingClass(enriched.Pricing),
		Score:         cand.Score,
		Status:        catalog.StatusReady,
		SyncPending:   true,
		DiscoveredAt:  cand.DiscoveredAt,
		EnrichedAt:    &now,
	}
	return p.store.Upsert(ctx, rec)
}

func pricingClass(s string) catalog.PricingClass {
	switch catalog.PricingClass(strings.ToLower(strings.TrimSpace(s))) {
	case catalog.PricingFree:
		return catalog.PricingFree
	case catalog.PricingFreemium:
		return catalog.PricingFreemium
	case catalog.PricingPaid:
		return catalog.PricingPaid
	}
	return catalog.PricingUnknown
}

// HandleIndex resyncs the ready, not-yet-synced subset to the search index.
// A failed push leaves sync_pending set, so the next run retries those rows.
func (p *Pipeline) HandleIndex(ctx context.Context, t *Task) error {
	records, err := p.store.ListSyncPending(ctx, p.indexBatch)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	docs := make([]catalog.IndexDocument, len(records))
	ids := make([]string, len(records))
	for i, rec := range records {
		docs[i] = catalog.DocumentFor(rec)
		ids[i] = rec.ID
	}
	if err := p.index.Sync(ctx, docs); err != nil {
		return err
	}
	if err := p.store.MarkSynced(ctx, ids); err != nil {
		return err
	}
	p.logger.Info("index sync complete", "documents", len(docs))
	return nil
}
