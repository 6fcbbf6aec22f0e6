package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nexhub-ai/nexhub/pkg/catalog"
)

// Source discovers candidate tools from one upstream. Implementations apply
// their own quality gate before returning.
type Source interface {
	Name() catalog.Source
	Discover(ctx context.Context) ([]catalog.CandidateTool, error)
}

func fetchJSON(ctx context.Context, client *http.Client, req *http.Request, v any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", req.URL.Host, resp.StatusCode, snippet)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// ProductHuntSource queries the Product Hunt GraphQL API for the day's posts
// and keeps those above the vote threshold.
type ProductHuntSource struct {
	BaseURL  string
	APIToken string
	MinVotes int
	Client   *http.Client
}

// NewProductHuntSource uses the documented default gate of 100 votes.
func NewProductHuntSource(baseURL, token string) *ProductHuntSource {
	return &ProductHuntSource{
		BaseURL:  baseURL,
		APIToken: token,
		MinVotes: 100,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *ProductHuntSource) Name() catalog.Source { return catalog.SourceProductHunt }

const productHuntQuery = `{
  posts(order: VOTES, postedAfter: "%s") {
    edges { node { slug name tagline votesCount website } }
  }
}`

func (s *ProductHuntSource) Discover(ctx context.Context) ([]catalog.CandidateTool, error) {
	since := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)
	body, err := json.Marshal(map[string]string{
		"query": fmt.Sprintf(productHuntQuery, since),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIToken)
	}

	var out struct {
		Data struct {
			Posts struct {
				Edges []struct {
					Node struct {
						Slug       string `json:"slug"`
						Name       string `json:"name"`
						Tagline    string `json:"tagline"`
						VotesCount int    `json:"votesCount"`
						Website    string `json:"website"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"posts"`
		} `json:"data"`
	}
	if err := fetchJSON(ctx, s.Client, req, &out); err != nil {
		return nil, fmt.Errorf("product hunt discovery: %w", err)
	}

	now := time.Now().UTC()
	var candidates []catalog.CandidateTool
	for _, edge := range out.Data.Posts.Edges {
		node := edge.Node
		if node.VotesCount < s.MinVotes {
			continue
		}
		candidates = append(candidates, catalog.CandidateTool{
			Source: catalog.SourceProductHunt,
			Slug:   node.Slug,
			Name:   node.Name,
			URL:    node.Website,
			RawPayload: map[string]any{
				"tagline": node.Tagline,
				"votes":   node.VotesCount,
			},
			Score:        float64(node.VotesCount),
			DiscoveredAt: now,
		})
	}
	return candidates, nil
}

// GitHubTrendingSource searches recently starred repositories and keeps those
// whose name or description matches one of the keywords.
type GitHubTrendingSource struct {
	BaseURL  string
	Token    string
	Keywords []string
	Client   *http.Client
}

// NewGitHubTrendingSource gates on AI-related keywords by default.
func NewGitHubTrendingSource(baseURL, token string) *GitHubTrendingSource {
	return &GitHubTrendingSource{
		BaseURL:  baseURL,
		Token:    token,
		Keywords: []string{"ai", "llm", "agent", "gpt"},
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *GitHubTrendingSource) Name() catalog.Source { return catalog.SourceGitHubTrending }

func (s *GitHubTrendingSource) Discover(ctx context.Context) ([]catalog.CandidateTool, error) {
	since := time.Now().UTC().Add(-7 * 24 * time.Hour).Format("2006-01-02")
	q := url.Values{}
	q.Set("q", "created:>"+since)
	q.Set("sort", "stars")
	q.Set("order", "desc")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.BaseURL+"/search/repositories?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	var out struct {
		Items []struct {
			FullName    string `json:"full_name"`
			Name        string `json:"name"`
			HTMLURL     string `json:"html_url"`
			Description string `json:"description"`
			Stars       int    `json:"stargazers_count"`
		} `json:"items"`
	}
	if err := fetchJSON(ctx, s.Client, req, &out); err != nil {
		return nil, fmt.Errorf("github trending discovery: %w", err)
	}

	now := time.Now().UTC()
	var candidates []catalog.CandidateTool
	for _, item := range out.Items {
		if !s.matches(item.Name + " " + item.Description) {
			continue
		}
		slug := strings.ToLower(strings.ReplaceAll(item.FullName, "/", "-"))
		candidates = append(candidates, catalog.CandidateTool{
			Source: catalog.SourceGitHubTrending,
			Slug:   slug,
			Name:   item.Name,
			URL:    item.HTMLURL,
			RawPayload: map[string]any{
				"full_name":   item.FullName,
				"description": item.Description,
				"stars":       item.Stars,
			},
			Score:        float64(item.Stars),
			DiscoveredAt: now,
		})
	}
	return candidates, nil
}

func (s *GitHubTrendingSource) matches(text string) bool {
	text = strings.ToLower(text)
	for _, kw := range s.Keywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// ArxivSource reads the arXiv Atom feed and keeps entries in the allowed
// categories.
type ArxivSource struct {
	BaseURL    string
	Categories []string
	Client     *http.Client
}

// NewArxivSource gates on the AI/ML categories by default.
func NewArxivSource(baseURL string) *ArxivSource {
	return &ArxivSource{
		BaseURL:    baseURL,
		Categories: []string{"cs.AI", "cs.CL", "cs.LG"},
		Client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *ArxivSource) Name() catalog.Source { return catalog.SourceArxiv }

type arxivFeed struct {
	Entries []struct {
		ID         string `xml:"id"`
		Title      string `xml:"title"`
		Summary    string `xml:"summary"`
		Categories []struct {
			Term string `xml:"term,attr"`
		} `xml:"category"`
	} `xml:"entry"`
}

func (s *ArxivSource) Discover(ctx context.Context) ([]catalog.CandidateTool, error) {
	q := url.Values{}
	q.Set("search_query", "cat:"+strings.Join(s.Categories, "+OR+cat:"))
	q.Set("sortBy", "submittedDate")
	q.Set("sortOrder", "descending")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arxiv discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("arxiv returned %d", resp.StatusCode)
	}

	var feed arxivFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("decoding arxiv feed: %w", err)
	}

	allowed := make(map[string]bool, len(s.Categories))
	for _, c := range s.Categories {
		allowed[c] = true
	}
	now := time.Now().UTC()
	var candidates []catalog.CandidateTool
	for _, entry := range feed.Entries {
		ok := false
		for _, cat := range entry.Categories {
			if allowed[cat.Term] {
				ok = true
				break
			}
		}
		if !ok {
			continue
		}
		// arXiv ids look like http://arxiv.org/abs/2403.01234v1.
		slug := entry.ID
		if i := strings.LastIndex(slug, "/"); i >= 0 {
			slug = slug[i+1:]
		}
		candidates = append(candidates, catalog.CandidateTool{
			Source: catalog.SourceArxiv,
			Slug:   slug,
			Name:   strings.TrimSpace(entry.Title),
			URL:    entry.ID,
			RawPayload: map[string]any{
				"summary": strings.TrimSpace(entry.Summary),
			},
			DiscoveredAt: now,
		})
	}
	return candidates, nil
}
