package sync

import (
	"context"
	"errors"
	"sync"

	"github.com/rohit-purandare/shelfbridge/internal/logger"
)

// ErrTransactionSealed is returned when a rollback step is added after
// Commit.
var ErrTransactionSealed = errors.New("transaction already committed")

// RollbackFunc undoes one previously applied remote step.
type RollbackFunc func(ctx context.Context) error

// Transaction is a LIFO rollback registry for multi-step remote mutations.
// One instance covers a single book's mutation sequence and is never shared
// across books.
type Transaction struct {
	mu        sync.Mutex
	steps     []RollbackFunc
	committed bool
}

// NewTransaction creates an empty transaction.
func NewTransaction() *Transaction {
	return &Transaction{}
}

// Add registers a rollback callback for a step that just succeeded.
func (t *Transaction) Add(fn RollbackFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		return ErrTransactionSealed
	}
	t.steps = append(t.steps, fn)
	return nil
}

// Commit seals the transaction; registered callbacks are discarded.
func (t *Transaction) Commit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.committed = true
	t.steps = nil
}

// Rollback executes callbacks in LIFO order. Errors from callbacks are
// logged and captured, but every remaining callback still runs; the first
// error is returned after completion.
func (t *Transaction) Rollback(ctx context.Context, log *logger.Logger) error {
	t.mu.Lock()
	steps := t.steps
	t.steps = nil
	t.committed = true
	t.mu.Unlock()

	if log == nil {
		log = logger.Get()
	}

	var firstErr error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i](ctx); err != nil {
			log.Error().
				Err(err).
				Int("step", i).
				Msg("Rollback step failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
