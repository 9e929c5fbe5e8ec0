package util

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueueRunsTasks(t *testing.T) {
	q := NewTaskQueue(2, nil, testLog())

	var count int32
	var results []<-chan error
	for i := 0; i < 5; i++ {
		results = append(results, q.Enqueue(context.Background(), func(context.Context) error {
			atomic.AddInt32(&count, 1)
			return nil
		}))
	}
	q.OnIdle()

	assert.Equal(t, int32(5), atomic.LoadInt32(&count))
	for _, ch := range results {
		assert.NoError(t, <-ch)
	}
}

func TestTaskQueueBoundsConcurrency(t *testing.T) {
	q := NewTaskQueue(2, nil, testLog())

	var current, peak int32
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		q.Enqueue(context.Background(), func(context.Context) error {
			n := atomic.AddInt32(&current, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return nil
		})
	}
	q.OnIdle()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int32(2))
}

func TestTaskQueueRejectsCancelledBeforeStart(t *testing.T) {
	q := NewTaskQueue(1, nil, testLog())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := <-q.Enqueue(ctx, func(context.Context) error {
		t.Fatal("task should not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrAborted)
}

func TestTaskQueuePropagatesTaskError(t *testing.T) {
	q := NewTaskQueue(1, nil, testLog())

	boom := errors.New("boom")
	err := <-q.Enqueue(context.Background(), func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestTaskQueuePauseResume(t *testing.T) {
	q := NewTaskQueue(1, nil, testLog())
	q.Pause()

	var ran int32
	result := q.Enqueue(context.Background(), func(context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	// paused queue must not start the task
	select {
	case <-result:
		t.Fatal("task ran while queue was paused")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, atomic.LoadInt32(&ran))

	q.Resume()
	require.NoError(t, <-result)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestTaskQueueClearRejectsPending(t *testing.T) {
	q := NewTaskQueue(1, nil, testLog())

	release := make(chan struct{})
	started := make(chan struct{})
	inFlight := q.Enqueue(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	pending := q.Enqueue(context.Background(), func(context.Context) error {
		return nil
	})

	q.Clear()
	close(release)

	// in-flight task finishes, the queued one is rejected
	assert.NoError(t, <-inFlight)
	assert.ErrorIs(t, <-pending, ErrAborted)
}

func TestSemaphoreTryAcquireHonorsHeldSlot(t *testing.T) {
	s := NewSemaphore(1)
	require.NoError(t, s.Acquire(context.Background()))

	assert.False(t, s.TryAcquire())
	s.Release()
	assert.True(t, s.TryAcquire())
	s.Release()
}

func TestSemaphoreContextCancel(t *testing.T) {
	s := NewSemaphore(1)
	require.NoError(t, s.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Acquire(ctx)
	assert.Error(t, err)
	s.Release()
}
