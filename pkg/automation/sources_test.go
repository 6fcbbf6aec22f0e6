package automation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexhub-ai/nexhub/pkg/catalog"
)

const productHuntFixture = `{
  "data": {"posts": {"edges": [
    {"node": {"slug": "hot-tool", "name": "Hot Tool", "tagline": "very hot",
      "votesCount": 250, "website": "https://hot.example"}},
    {"node": {"slug": "cold-tool", "name": "Cold Tool", "tagline": "meh",
      "votesCount": 12, "website": "https://cold.example"}}
  ]}}
}`

func TestProductHuntSourceVoteGate(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(productHuntFixture))
	}))
	defer srv.Close()

	src := NewProductHuntSource(srv.URL, "ph-token")
	got, err := src.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1, "posts below the vote gate must be dropped")
	assert.Equal(t, "hot-tool", got[0].Slug)
	assert.Equal(t, catalog.SourceProductHunt, got[0].Source)
	assert.Equal(t, float64(250), got[0].Score)
	assert.Equal(t, "Bearer ph-token", gotAuth)
}

func TestProductHuntSourceUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewProductHuntSource(srv.URL, "").Discover(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

const githubFixture = `{
  "items": [
    {"full_name": "acme/agent-kit", "name": "agent-kit",
      "html_url": "https://github.com/acme/agent-kit",
      "description": "Toolkit for LLM agents", "stargazers_count": 900},
    {"full_name": "acme/recipes", "name": "recipes",
      "html_url": "https://github.com/acme/recipes",
      "description": "Weeknight cooking", "stargazers_count": 5000}
  ]
}`

func TestGitHubTrendingSourceKeywordGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search/repositories", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("q"), "created:>")
		w.Write([]byte(githubFixture))
	}))
	defer srv.Close()

	got, err := NewGitHubTrendingSource(srv.URL, "").Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1, "repositories without AI keywords must be dropped")
	assert.Equal(t, "acme-agent-kit", got[0].Slug)
	assert.Equal(t, "agent-kit", got[0].Name)
	assert.Equal(t, float64(900), got[0].Score)
}

const arxivFixture = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/2608.01234v1</id>
    <title> Planning with Tool-Using Agents </title>
    <summary>We study planning.</summary>
    <category term="cs.AI"/>
    <category term="cs.RO"/>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/2608.09999v2</id>
    <title>Soil Moisture Estimation</title>
    <summary>Agronomy paper.</summary>
    <category term="q-bio.PE"/>
  </entry>
</feed>`

func TestArxivSourceCategoryGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("search_query"), "cs.AI")
		w.Write([]byte(arxivFixture))
	}))
	defer srv.Close()

	got, err := NewArxivSource(srv.URL).Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1, "entries outside the allowed categories must be dropped")
	assert.Equal(t, "2608.01234v1", got[0].Slug)
	assert.Equal(t, "Planning with Tool-Using Agents", got[0].Name)
	assert.Equal(t, "http://arxiv.org/abs/2608.01234v1", got[0].URL)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler(NewMemoryBroker(), nil)
	require.Error(t, s.AddSource("not a cron spec", "producthunt"))
	require.NoError(t, s.AddSource(DefaultSchedules[string(catalog.SourceArxiv)], "arxiv"))
}
