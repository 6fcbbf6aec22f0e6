package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readyRecord(slug string) *Record {
	now := time.Now().UTC()
	return &Record{
		Source: SourceProductHunt, Slug: slug, Name: slug,
		Pricing: PricingFreemium, Status: StatusReady, SyncPending: true,
		DiscoveredAt: now,
	}
}

func TestMemoryStoreUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := readyRecord("acme")
	require.NoError(t, s.Upsert(ctx, rec))
	first, err := s.Get(ctx, SourceProductHunt, "acme")
	require.NoError(t, err)

	// Same dedup key again: row count unchanged, id and discovery kept.
	update := readyRecord("acme")
	update.Name = "Acme AI"
	require.NoError(t, s.Upsert(ctx, update))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, SourceProductHunt, "acme")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "Acme AI", got.Name)
	assert.True(t, got.DiscoveredAt.Equal(first.DiscoveredAt))
}

func TestMemoryStoreSyncPendingFlow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Upsert(ctx, readyRecord("a")))
	require.NoError(t, s.Upsert(ctx, readyRecord("b")))

	notReady := readyRecord("c")
	notReady.Status = StatusDiscovered
	require.NoError(t, s.Upsert(ctx, notReady))

	pending, err := s.ListSyncPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, s.MarkSynced(ctx, []string{pending[0].ID, pending[1].ID}))
	pending, err = s.ListSyncPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func openCatalogStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := fmt.Sprintf("file:catalog_%s?mode=memory&cache=shared", t.Name())
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := NewSQLStore(db, "sqlite3")
	require.NoError(t, err)
	return store
}

func TestSQLStoreUpsertAndSync(t *testing.T) {
	ctx := context.Background()
	s := openCatalogStore(t)

	rec := readyRecord("acme")
	enriched := time.Now().UTC()
	rec.EnrichedAt = &enriched
	require.NoError(t, s.Upsert(ctx, rec))
	require.NoError(t, s.Upsert(ctx, rec))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, SourceProductHunt, "acme")
	require.NoError(t, err)
	assert.Equal(t, PricingFreemium, got.Pricing)
	require.NotNil(t, got.EnrichedAt)
	assert.True(t, got.SyncPending)

	ok, err := s.Exists(ctx, SourceProductHunt, "acme")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Exists(ctx, SourceArxiv, "acme")
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err := s.ListSyncPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, s.MarkSynced(ctx, []string{pending[0].ID}))

	pending, err = s.ListSyncPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = s.Get(ctx, SourceGitHubTrending, "ghost")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestIndexClientSync(t *testing.T) {
	var gotAuth string
	var docs int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		atomic.AddInt32(&docs, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ic := NewIndexClient(srv.URL, "sekrit")
	err := ic.Sync(context.Background(), []IndexDocument{DocumentFor(readyRecord("a"))})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sekrit", gotAuth)
	assert.EqualValues(t, 1, docs)

	// Empty batches never touch the wire.
	require.NoError(t, ic.Sync(context.Background(), nil))
	assert.EqualValues(t, 1, docs)
}

func TestIndexClientBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ic := NewIndexClient(srv.URL, "")
	doc := []IndexDocument{DocumentFor(readyRecord("a"))}
	for i := 0; i < 5; i++ {
		err := ic.Sync(context.Background(), doc)
		assert.ErrorIs(t, err, ErrIndexUnavailable)
	}

	// Breaker now open: the failing server stops seeing requests.
	srv.Close()
	err := ic.Sync(context.Background(), doc)
	assert.ErrorIs(t, err, ErrIndexUnavailable)
}
