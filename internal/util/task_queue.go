package util

import (
	"context"
	"errors"
	"sync"

	"github.com/rohit-purandare/shelfbridge/internal/logger"
)

// ErrAborted is returned for tasks whose cancel signal fired (or whose
// queue was cleared) before they started running.
var ErrAborted = errors.New("task aborted before execution")

// Task is a unit of work dispatched by the queue.
type Task func(ctx context.Context) error

// TaskQueue dispatches tasks with bounded concurrency, routing every start
// through the rate limiter when one is set; with a nil limiter tasks start
// without any rate wait. In-flight tasks always run to completion;
// pending tasks can be rejected by cancellation or Clear.
type TaskQueue struct {
	sem     *Semaphore
	limiter *RateLimiter
	log     *logger.Logger

	mu         sync.Mutex
	resumeCh   chan struct{} // non-nil while paused, closed on Resume
	generation uint64

	wg sync.WaitGroup
}

// NewTaskQueue creates a queue running at most concurrency tasks at once.
func NewTaskQueue(concurrency int, limiter *RateLimiter, log *logger.Logger) *TaskQueue {
	if log == nil {
		log = logger.Get()
	}
	return &TaskQueue{
		sem:     NewSemaphore(concurrency),
		limiter: limiter,
		log:     log.WithComponent("task_queue"),
	}
}

// Enqueue schedules a task and returns a channel that receives its result.
// If ctx is cancelled before the task starts, the task is rejected with
// ErrAborted; once started it runs to completion.
func (q *TaskQueue) Enqueue(ctx context.Context, task Task) <-chan error {
	result := make(chan error, 1)

	q.mu.Lock()
	gen := q.generation
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		if err := q.awaitRunnable(ctx, gen); err != nil {
			result <- err
			return
		}

		if err := q.sem.Acquire(ctx); err != nil {
			result <- ErrAborted
			return
		}
		defer q.sem.Release()

		// re-check after the semaphore wait: the signal may have fired
		// or the queue may have been cleared while we queued
		if err := q.checkAborted(ctx, gen); err != nil {
			result <- err
			return
		}

		if q.limiter != nil {
			if err := q.limiter.WaitIfNeeded(ctx, "task-queue"); err != nil {
				result <- ErrAborted
				return
			}
		}

		result <- task(ctx)
	}()

	return result
}

// awaitRunnable blocks while the queue is paused, honoring cancellation.
func (q *TaskQueue) awaitRunnable(ctx context.Context, gen uint64) error {
	for {
		q.mu.Lock()
		gate := q.resumeCh
		q.mu.Unlock()

		if gate == nil {
			return q.checkAborted(ctx, gen)
		}
		select {
		case <-ctx.Done():
			return ErrAborted
		case <-gate:
		}
	}
}

func (q *TaskQueue) checkAborted(ctx context.Context, gen uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ctx.Err() != nil {
		return ErrAborted
	}
	if gen != q.generation {
		return ErrAborted
	}
	return nil
}

// Pause stops new tasks from starting; in-flight tasks continue.
func (q *TaskQueue) Pause() {
	q.mu.Lock()
	if q.resumeCh == nil {
		q.resumeCh = make(chan struct{})
	}
	q.mu.Unlock()
	q.log.Debug().Msg("Task queue paused")
}

// Resume lets pending tasks start again.
func (q *TaskQueue) Resume() {
	q.mu.Lock()
	if q.resumeCh != nil {
		close(q.resumeCh)
		q.resumeCh = nil
	}
	q.mu.Unlock()
	q.log.Debug().Msg("Task queue resumed")
}

// Clear rejects all tasks that have not yet started.
func (q *TaskQueue) Clear() {
	q.mu.Lock()
	q.generation++
	q.mu.Unlock()
	q.log.Debug().Msg("Task queue cleared")
}

// OnIdle blocks until every enqueued task has settled.
func (q *TaskQueue) OnIdle() {
	q.wg.Wait()
}
