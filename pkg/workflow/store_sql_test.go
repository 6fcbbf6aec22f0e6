package workflow

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	store, err := NewSQLStore(db, "sqlite3")
	require.NoError(t, err)
	return store
}

func sampleWorkflow(id, slug string) *Workflow {
	now := time.Now().Round(time.Millisecond)
	return &Workflow{
		ID: id, Slug: slug, Name: "sample", OwnerID: "alice",
		Version: 1, Graph: testGraph(), History: []VersionSnapshot{},
		TriggerType: TriggerManual, CreatedAt: now, UpdatedAt: now,
	}
}

func TestSQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLStore(t)

	w := sampleWorkflow("wf-1", "sample")
	require.NoError(t, store.Create(ctx, w))

	got, err := store.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, w.Name, got.Name)
	assert.Equal(t, w.Version, got.Version)
	assert.True(t, w.UpdatedAt.Equal(got.UpdatedAt))
	assert.Len(t, got.Graph.Nodes, 2)

	bySlug, err := store.GetBySlug(ctx, "sample")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", bySlug.ID)
}

func TestSQLStoreGetMissing(t *testing.T) {
	store := newTestSQLStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestSQLStoreUpdateCAS(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLStore(t)
	w := sampleWorkflow("wf-1", "sample")
	require.NoError(t, store.Create(ctx, w))

	w.Version = 2
	w.Name = "renamed"
	require.NoError(t, store.Update(ctx, w, 1))

	// Stale expected version loses.
	w.Version = 3
	err := store.Update(ctx, w, 1)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSQLStoreSlugUnique(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLStore(t)
	require.NoError(t, store.Create(ctx, sampleWorkflow("wf-1", "dup")))
	err := store.Create(ctx, sampleWorkflow("wf-2", "dup"))
	assert.ErrorIs(t, err, ErrSlugTaken)
}

func TestSQLStoreListScopes(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLStore(t)

	mine := sampleWorkflow("wf-1", "mine")
	require.NoError(t, store.Create(ctx, mine))
	pub := sampleWorkflow("wf-2", "pub")
	pub.OwnerID = "bob"
	pub.IsPublic = true
	require.NoError(t, store.Create(ctx, pub))

	own, err := store.List(ctx, ListFilter{OwnerID: "alice"})
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, "wf-1", own[0].ID)

	public, err := store.List(ctx, ListFilter{PublicOnly: true})
	require.NoError(t, err)
	require.Len(t, public, 1)
	assert.Equal(t, "wf-2", public[0].ID)
}

func TestSQLStoreIncrementRunCount(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLStore(t)
	require.NoError(t, store.Create(ctx, sampleWorkflow("wf-1", "s")))

	require.NoError(t, store.IncrementRunCount(ctx, "wf-1"))
	require.NoError(t, store.IncrementRunCount(ctx, "wf-1"))
	got, err := store.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.RunCount)
}
