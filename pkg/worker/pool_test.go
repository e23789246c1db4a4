package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/statesync/metric"
)

type testWork struct {
	id   int
	fail bool
}

func TestNewPool_Defaults(t *testing.T) {
	pool := NewPool(0, 0, func(context.Context, testWork) error { return nil })
	assert.Equal(t, 4, pool.workers)
	assert.Equal(t, 256, pool.queueSize)
}

func TestNewPool_NilProcessor(t *testing.T) {
	assert.PanicsWithValue(t, ErrNilProcessor, func() {
		NewPool[testWork](1, 1, nil)
	})
}

func TestPool_StopTimeout(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(context.Context, testWork) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
	close(release)
}

func TestPool_Lifecycle(t *testing.T) {
	var processed int64
	pool := NewPool(2, 10, func(context.Context, testWork) error {
		atomic.AddInt64(&processed, 1)
		return nil
	})

	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolNotStarted)

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	assert.ErrorIs(t, pool.Start(ctx), ErrPoolAlreadyStarted)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(testWork{id: i}))
	}

	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(5), atomic.LoadInt64(&processed), "Stop drains queued work")
	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolStopped)
	assert.NoError(t, pool.Stop(time.Second), "second Stop is a no-op")
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(context.Context, testWork) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	// One in flight, one queued; the next is rejected
	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Submit(testWork{id: 2}))
	assert.ErrorIs(t, pool.Submit(testWork{id: 3}), ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_SubmitWait(t *testing.T) {
	release := make(chan struct{})
	var processed int64
	pool := NewPool(1, 1, func(context.Context, testWork) error {
		<-release
		atomic.AddInt64(&processed, 1)
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Submit(testWork{id: 2}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.SubmitWait(ctx, testWork{id: 3}), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- pool.SubmitWait(context.Background(), testWork{id: 4}) }()

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(3), atomic.LoadInt64(&processed))
}

func TestPool_ErrorHandler(t *testing.T) {
	var mu sync.Mutex
	var failed []int

	pool := NewPool(2, 10,
		func(_ context.Context, w testWork) error {
			if w.fail {
				return errors.New("boom")
			}
			return nil
		},
		WithErrorHandler(func(w testWork, _ error) {
			mu.Lock()
			failed = append(failed, w.id)
			mu.Unlock()
		}),
	)
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.NoError(t, pool.Submit(testWork{id: 2, fail: true}))
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, []int{2}, failed)
	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool := NewPool(1, 4,
		func(context.Context, testWork) error { return nil },
		WithMetricsRegistry[testWork](registry, "binding_writes"),
	)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{}))
	require.NoError(t, pool.Stop(time.Second))

	require.NotNil(t, pool.metrics)
	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.submitted))
}

func TestPool_StopConcurrentWithSubmitWait(t *testing.T) {
	pool := NewPool(2, 1, func(context.Context, testWork) error {
		time.Sleep(time.Millisecond)
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := pool.SubmitWait(context.Background(), testWork{id: i})
			if err != nil {
				assert.ErrorIs(t, err, ErrPoolStopped)
			}
		}(i)
	}

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, pool.Stop(2*time.Second))
	wg.Wait()
}
