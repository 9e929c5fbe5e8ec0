package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	err := New(RegressionBlocked, "drop of %.1f%%", 70.0)
	assert.Equal(t, "regression_blocked: drop of 70.0%", err.Error())

	err = NewWithDetails(NotFound, "no edition", "asin=B01ABCDEFG")
	assert.Contains(t, err.Error(), "details: asin=B01ABCDEFG")
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, RateLimited, TypeOf(NewWithCode(RateLimited, 429, "slow down")))
	assert.Equal(t, UnknownError, TypeOf(stderrors.New("plain")))
}

func TestTypeOfWrapped(t *testing.T) {
	inner := New(Connectivity, "down")
	wrapped := fmt.Errorf("fetching library: %w", inner)
	assert.Equal(t, Connectivity, TypeOf(wrapped))
	assert.True(t, IsType(wrapped, Connectivity))
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("root cause")
	err := NewWithCause(RemoteMutationFailed, cause, "mutation failed")
	assert.ErrorIs(t, err, cause)
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsRateLimited(New(RateLimited, "x")))
	assert.True(t, IsNotFound(New(NotFound, "x")))
	assert.True(t, IsCancelled(New(Cancelled, "x")))
	assert.True(t, IsCancelled(context.Canceled))
	assert.True(t, IsFatal(New(ConfigInvalid, "x")))
	assert.False(t, IsFatal(New(NotFound, "x")))
}

func TestTypeStrings(t *testing.T) {
	for typ, want := range map[ErrorType]string{
		ConfigInvalid:        "config_invalid",
		Connectivity:         "connectivity",
		RateLimited:          "rate_limited",
		NotFound:             "not_found",
		AmbiguousMatch:       "ambiguous_match",
		RegressionBlocked:    "regression_blocked",
		RemoteMutationFailed: "remote_mutation_failed",
		CacheWriteFailed:     "cache_write_failed",
		InvalidProgressInput: "invalid_progress_input",
		Cancelled:            "cancelled",
	} {
		assert.Equal(t, want, typ.String())
	}
}
