// Package server exposes the HTTP API: workflow management, execution
// control with SSE streaming, chat, quota usage, health and metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nexhub-ai/nexhub/pkg/auth"
	"github.com/nexhub-ai/nexhub/pkg/config"
	"github.com/nexhub-ai/nexhub/pkg/engine"
	"github.com/nexhub-ai/nexhub/pkg/observability"
	"github.com/nexhub-ai/nexhub/pkg/quota"
	"github.com/nexhub-ai/nexhub/pkg/session"
	"github.com/nexhub-ai/nexhub/pkg/workflow"
)

// Deps are the collaborators the handlers dispatch into.
type Deps struct {
	Workflows *workflow.Service
	Engine    *engine.Engine
	Sessions  *session.Service
	Quotas    quota.Store
	Metrics   *observability.Metrics
	// Verifier validates bearer tokens. Nil disables auth: the caller is
	// taken from the X-User-ID header, which only suits development.
	Verifier auth.Verifier
	Logger   *slog.Logger

	// QuotaDailyLimit seeds quota records for first-seen users.
	QuotaDailyLimit int
}

// Server is the HTTP front end.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	router chi.Router
	logger *slog.Logger
	http   *http.Server
}

// New builds the router. cfg must have had SetDefaults applied.
func New(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.QuotaDailyLimit <= 0 {
		deps.QuotaDailyLimit = quota.DefaultDailyLimit
	}
	s := &Server{cfg: cfg, deps: deps, logger: deps.Logger}
	s.router = s.routes()
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(s.requestLogger)
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.HTTPMiddleware)
	}

	required, optional := s.authMiddleware()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/workflows", func(r chi.Router) {
		r.With(optional).Get("/", s.listWorkflows)
		r.With(required).Post("/", s.createWorkflow)
		r.Route("/{id}", func(r chi.Router) {
			r.With(optional).Get("/", s.getWorkflow)
			r.With(required).Put("/", s.updateWorkflow)
			r.With(required).Delete("/", s.deleteWorkflow)
			r.With(required).Post("/fork", s.forkWorkflow)
			r.With(optional).Get("/versions", s.listVersions)
			r.With(optional).Get("/versions/compare", s.compareVersions)
			r.With(required).Post("/revert", s.revertWorkflow)
		})
	})

	r.Route("/executions", func(r chi.Router) {
		r.With(required).Post("/run", s.runExecution)
		r.With(required).Get("/", s.listExecutions)
		r.With(required).Get("/{id}", s.getExecution)
		r.With(required).Post("/{id}/cancel", s.cancelExecution)
	})

	r.With(required).Post("/agents/{workflow_id}/chat", s.chat)
	r.Route("/sessions/{id}/messages", func(r chi.Router) {
		r.With(required).Get("/", s.sessionMessages)
		r.With(required).Delete("/", s.clearSession)
	})
	r.With(required).Get("/users/me/usage", s.usage)

	return r
}

// authMiddleware returns the required and optional variants. Without a
// verifier both read X-User-ID, and required still insists on an identity.
func (s *Server) authMiddleware() (func(http.Handler) http.Handler, func(http.Handler) http.Handler) {
	if s.deps.Verifier != nil {
		return auth.Require(s.deps.Verifier), auth.Optional(s.deps.Verifier)
	}
	header := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if uid := r.Header.Get("X-User-ID"); uid != "" {
				ctx := auth.ContextWithClaims(r.Context(), &auth.Claims{Subject: uid})
				r = r.WithContext(ctx)
			}
			next.ServeHTTP(w, r)
		})
	}
	required := func(next http.Handler) http.Handler {
		return header(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth.CallerID(r.Context()) == "" {
				writeError(w, auth.ErrNoToken)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
	return required, header
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origins := map[string]bool{}
	wildcard := false
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" {
			wildcard = true
		}
		origins[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (wildcard || origins[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Last-Event-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"took", time.Since(start).Round(time.Millisecond).String(),
		)
	})
}

// Start serves until ctx is cancelled, then drains within the shutdown
// timeout.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         s.cfg.Address(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Address())
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("http server draining")
	return s.http.Shutdown(shutdownCtx)
}

// pageParams reads ?page= and ?limit= with sane bounds.
func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}
