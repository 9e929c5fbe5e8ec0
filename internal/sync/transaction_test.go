package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohit-purandare/shelfbridge/internal/logger"
)

func testLog() *logger.Logger {
	logger.Setup(logger.Config{Level: "error", Format: "json"})
	return logger.Get()
}

func TestTransactionRollbackLIFO(t *testing.T) {
	tx := NewTransaction()

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		require.NoError(t, tx.Add(func(context.Context) error {
			order = append(order, i)
			return nil
		}))
	}

	require.NoError(t, tx.Rollback(context.Background(), testLog()))
	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestTransactionAddAfterCommitFails(t *testing.T) {
	tx := NewTransaction()
	tx.Commit()

	err := tx.Add(func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrTransactionSealed)
}

func TestTransactionCommitDiscardsSteps(t *testing.T) {
	tx := NewTransaction()

	ran := false
	require.NoError(t, tx.Add(func(context.Context) error {
		ran = true
		return nil
	}))
	tx.Commit()

	require.NoError(t, tx.Rollback(context.Background(), testLog()))
	assert.False(t, ran)
}

func TestTransactionRollbackRunsAllDespiteErrors(t *testing.T) {
	tx := NewTransaction()

	first := errors.New("first failure")
	var order []string
	require.NoError(t, tx.Add(func(context.Context) error {
		order = append(order, "bottom")
		return nil
	}))
	require.NoError(t, tx.Add(func(context.Context) error {
		order = append(order, "middle")
		return first
	}))
	require.NoError(t, tx.Add(func(context.Context) error {
		order = append(order, "top")
		return errors.New("second failure")
	}))

	err := tx.Rollback(context.Background(), testLog())
	// every callback ran, and the first error (in execution order) surfaced
	assert.Equal(t, []string{"top", "middle", "bottom"}, order)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "second failure")
}

func TestTransactionRollbackTwiceIsNoop(t *testing.T) {
	tx := NewTransaction()

	count := 0
	require.NoError(t, tx.Add(func(context.Context) error {
		count++
		return nil
	}))

	require.NoError(t, tx.Rollback(context.Background(), testLog()))
	require.NoError(t, tx.Rollback(context.Background(), testLog()))
	assert.Equal(t, 1, count)
}
