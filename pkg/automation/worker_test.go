package automation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesAndAcks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker()
	registry := NewRegistry()
	var handled int32
	require.NoError(t, registry.Register(Registration{
		Kind: "noop", Queue: QueueCrawlers,
		Policy:  ComputePolicy(),
		Handler: func(context.Context, *Task) error { atomic.AddInt32(&handled, 1); return nil },
	}))
	require.NoError(t, broker.Enqueue(ctx, QueueCrawlers, mustTask(t, "noop", nil)))
	require.NoError(t, broker.Enqueue(ctx, QueueCrawlers, mustTask(t, "noop", nil)))

	pool := NewPool(PoolConfig{Queue: QueueCrawlers, Concurrency: 2,
		PollInterval: 5 * time.Millisecond}, broker, registry, nil)
	pool.Start(ctx)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&handled) == 2 && broker.Depth(QueueCrawlers) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	pool.Wait()
}

func TestPoolRetriesThenDeadLetters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker()
	registry := NewRegistry()
	var attempts int32
	require.NoError(t, registry.Register(Registration{
		Kind: "flaky", Queue: QueueEnrichment,
		Policy: RetryPolicy{MaxAttempts: 3, BackoffBase: time.Millisecond, Factor: 1},
		Handler: func(context.Context, *Task) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("upstream down")
		},
	}))
	require.NoError(t, broker.Enqueue(ctx, QueueEnrichment, mustTask(t, "flaky", nil)))

	pool := NewPool(PoolConfig{Queue: QueueEnrichment, Concurrency: 1,
		PollInterval: 5 * time.Millisecond}, broker, registry, nil)
	pool.Start(ctx)

	assert.Eventually(t, func() bool {
		dead, err := broker.DeadLetters(ctx, QueueEnrichment)
		return err == nil && len(dead) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))

	cancel()
	pool.Wait()
}

func TestPoolComputeTaskNeverRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker()
	registry := NewRegistry()
	var attempts int32
	require.NoError(t, registry.Register(Registration{
		Kind: "pure", Queue: QueueIndexing,
		Policy: ComputePolicy(),
		Handler: func(context.Context, *Task) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("bad input")
		},
	}))
	require.NoError(t, broker.Enqueue(ctx, QueueIndexing, mustTask(t, "pure", nil)))

	pool := NewPool(PoolConfig{Queue: QueueIndexing, Concurrency: 1,
		PollInterval: 5 * time.Millisecond}, broker, registry, nil)
	pool.Start(ctx)

	assert.Eventually(t, func() bool {
		dead, err := broker.DeadLetters(ctx, QueueIndexing)
		return err == nil && len(dead) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))

	cancel()
	pool.Wait()
}

func TestPoolUnknownKindDeadLetters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker()
	registry := NewRegistry()
	require.NoError(t, broker.Enqueue(ctx, QueueCrawlers, mustTask(t, "mystery", nil)))

	pool := NewPool(PoolConfig{Queue: QueueCrawlers, Concurrency: 1,
		PollInterval: 5 * time.Millisecond}, broker, registry, nil)
	pool.Start(ctx)

	assert.Eventually(t, func() bool {
		dead, err := broker.DeadLetters(ctx, QueueCrawlers)
		return err == nil && len(dead) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	pool.Wait()
}
