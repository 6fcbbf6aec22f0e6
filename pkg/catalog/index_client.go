package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// ErrIndexUnavailable wraps failures talking to the search index, including
// an open circuit breaker.
var ErrIndexUnavailable = errors.New("search index unavailable")

// IndexDocument is the shape the search index ingests.
type IndexDocument struct {
	ID            string  `json:"id"`
	Source        string  `json:"source"`
	Slug          string  `json:"slug"`
	Name          string  `json:"name"`
	NameZh        string  `json:"name_zh"`
	Description   string  `json:"description"`
	DescriptionZh string  `json:"description_zh"`
	URL           string  `json:"url"`
	Pricing       string  `json:"pricing"`
	Score         float64 `json:"score"`
}

// IndexClient pushes ready records to the external search index. Calls run
// through a circuit breaker so a down index fails fast instead of stalling
// the indexing queue.
type IndexClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// IndexClientOption configures an IndexClient.
type IndexClientOption func(*IndexClient)

// WithIndexHTTPClient overrides the HTTP client.
func WithIndexHTTPClient(c *http.Client) IndexClientOption {
	return func(ic *IndexClient) { ic.client = c }
}

// WithIndexLogger overrides the default logger.
func WithIndexLogger(l *slog.Logger) IndexClientOption {
	return func(ic *IndexClient) { ic.logger = l }
}

// NewIndexClient creates a client for the given sync endpoint.
func NewIndexClient(endpoint, apiKey string, opts ...IndexClientOption) *IndexClient {
	ic := &IndexClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(ic)
	}
	ic.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "search-index",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			ic.logger.Warn("index breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return ic
}

// Sync pushes the documents in one request. Any failure counts against the
// breaker and surfaces as ErrIndexUnavailable.
func (ic *IndexClient) Sync(ctx context.Context, docs []IndexDocument) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := ic.breaker.Execute(func() (any, error) {
		return nil, ic.push(ctx, docs)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: circuit open", ErrIndexUnavailable)
		}
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return nil
}

func (ic *IndexClient) push(ctx context.Context, docs []IndexDocument) error {
	body, err := json.Marshal(map[string]any{"documents": docs})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ic.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if ic.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+ic.apiKey)
	}

	resp, err := ic.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("index sync returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

// DocumentFor maps a catalogue record onto the index document shape.
func DocumentFor(rec *Record) IndexDocument {
	return IndexDocument{
		ID:            rec.ID,
		Source:        string(rec.Source),
		Slug:          rec.Slug,
		Name:          rec.Name,
		NameZh:        rec.NameZh,
		Description:   rec.Description,
		DescriptionZh: rec.DescriptionZh,
		URL:           rec.URL,
		Pricing:       string(rec.Pricing),
		Score:         rec.Score,
	}
}
