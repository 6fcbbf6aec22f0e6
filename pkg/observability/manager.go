package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// Config groups the observability sections.
type Config struct {
	Tracing TracerConfig `yaml:"tracing"`
}

// Manager owns the metrics registry and tracer provider lifecycle.
type Manager struct {
	mu             sync.RWMutex
	config         Config
	metrics        *Metrics
	tracerProvider trace.TracerProvider
}

// NewManager creates an uninitialized manager.
func NewManager(cfg Config) *Manager {
	return &Manager{config: cfg}
}

// Initialize builds the collectors and installs the tracer provider.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := InitTracer(ctx, m.config.Tracing)
	if err != nil {
		return err
	}
	m.tracerProvider = tp
	m.metrics = NewMetrics()
	return nil
}

// Metrics returns the collector set. Initialize must run first.
func (m *Manager) Metrics() *Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Tracer returns a named tracer.
func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sd, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return sd.Shutdown(ctx)
	}
	return nil
}
