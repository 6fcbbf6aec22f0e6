package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExposedOnHandler(t *testing.T) {
	m := NewMetrics()
	m.ExecutionsTotal.WithLabelValues("completed").Inc()
	m.TokensTotal.WithLabelValues("completion").Add(12)
	m.ObserveTask("crawlers", "discover", "ack", 40*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `nexhub_executions_total{status="completed"} 1`)
	assert.Contains(t, string(body), `nexhub_llm_tokens_total{direction="completion"} 12`)
	assert.Contains(t, string(body), `nexhub_automation_tasks_total{kind="discover",result="ack"} 1`)
}

func TestHTTPMiddlewareRecordsRoutePattern(t *testing.T) {
	m := NewMetrics()

	r := chi.NewRouter()
	r.Use(m.HTTPMiddleware)
	r.Get("/workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workflows/"+id, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(),
		`nexhub_http_requests_total{method="GET",route="/workflows/{id}",status="200"} 2`)
}

func TestManagerLifecycle(t *testing.T) {
	mgr := NewManager(Config{})
	require.NoError(t, mgr.Initialize(t.Context()))
	require.NotNil(t, mgr.Metrics())
	require.NotNil(t, mgr.Tracer("engine"))
	require.NoError(t, mgr.Shutdown(t.Context()))
}
