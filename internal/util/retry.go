package util

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	apperrors "github.com/rohit-purandare/shelfbridge/internal/errors"
	"github.com/rohit-purandare/shelfbridge/internal/logger"
)

// ErrorCategory classifies a failure for retry purposes.
type ErrorCategory string

const (
	CategoryNetwork     ErrorCategory = "network"
	CategoryServerError ErrorCategory = "server_error"
	CategoryRateLimit   ErrorCategory = "rate_limit"
	CategoryClientError ErrorCategory = "client_error"
	CategoryNone        ErrorCategory = "none"
)

// BackoffSchedule names an exponential backoff base delay.
type BackoffSchedule string

const (
	// BackoffConservative doubles from 500ms (500ms, 1s, 2s, ...)
	BackoffConservative BackoffSchedule = "conservative"
	// BackoffStandard doubles from 1s
	BackoffStandard BackoffSchedule = "standard"
	// BackoffAggressive doubles from 2s
	BackoffAggressive BackoffSchedule = "aggressive"
	// BackoffNone disables retries
	BackoffNone BackoffSchedule = "none"
)

// baseDelay returns the schedule's initial delay.
func (s BackoffSchedule) baseDelay() time.Duration {
	switch s {
	case BackoffConservative:
		return 500 * time.Millisecond
	case BackoffAggressive:
		return 2 * time.Second
	default:
		return time.Second
	}
}

// DefaultMaxRetries is the number of retries after the initial attempt.
const DefaultMaxRetries = 2

// Classify maps an error onto a retry category.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryNone
	}

	var typed *apperrors.Error
	if errors.As(err, &typed) {
		switch {
		case typed.Type == apperrors.RateLimited || typed.Code == 429:
			return CategoryRateLimit
		case typed.Type == apperrors.Connectivity:
			return CategoryNetwork
		case typed.Code >= 500:
			return CategoryServerError
		case typed.Code >= 400:
			return CategoryClientError
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return CategoryRateLimit
	case strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "eof"):
		return CategoryNetwork
	case strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error"):
		return CategoryServerError
	case strings.Contains(msg, "400") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "404"):
		return CategoryClientError
	default:
		return CategoryNone
	}
}

// scheduleFor returns the default backoff schedule per category.
func scheduleFor(category ErrorCategory) BackoffSchedule {
	switch category {
	case CategoryRateLimit:
		return BackoffAggressive
	case CategoryNetwork, CategoryServerError:
		return BackoffStandard
	default:
		return BackoffNone
	}
}

// RetryOptions overrides retry behavior per call.
type RetryOptions struct {
	MaxRetries int
	Schedule   BackoffSchedule
}

// RetryManager runs operations with category-aware exponential backoff.
type RetryManager struct {
	maxRetries int
	log        *logger.Logger
}

// NewRetryManager creates a manager allowing maxRetries retries after the
// initial attempt; a negative value selects DefaultMaxRetries.
func NewRetryManager(maxRetries int, log *logger.Logger) *RetryManager {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if log == nil {
		log = logger.Get()
	}
	return &RetryManager{
		maxRetries: maxRetries,
		log:        log.WithComponent("retry"),
	}
}

// Execute runs op, retrying transient failures with the category's backoff
// schedule. Non-retryable client errors fail fast; the last error surfaces
// after retries are exhausted. opts may be nil for defaults.
func (m *RetryManager) Execute(ctx context.Context, name string, op func(ctx context.Context) error, opts *RetryOptions) error {
	maxRetries := m.maxRetries
	var scheduleOverride BackoffSchedule
	if opts != nil {
		if opts.MaxRetries > 0 {
			maxRetries = opts.MaxRetries
		}
		scheduleOverride = opts.Schedule
	}

	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			return op(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(uint(maxRetries)+1),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			category := Classify(err)
			schedule := scheduleOverride
			if schedule == "" {
				schedule = scheduleFor(category)
			}
			return schedule != BackoffNone
		}),
		retry.DelayType(func(n uint, err error, _ *retry.Config) time.Duration {
			schedule := scheduleOverride
			if schedule == "" {
				schedule = scheduleFor(Classify(err))
			}
			return schedule.baseDelay() << n
		}),
		retry.OnRetry(func(n uint, err error) {
			m.log.Warn().
				Err(err).
				Str("operation", name).
				Uint("attempt", n+1).
				Str("category", string(Classify(err))).
				Msg("Operation failed, retrying")
		}),
	)
	if err != nil {
		m.log.Debug().
			Err(err).
			Str("operation", name).
			Int("attempts", attempt).
			Msg("Operation exhausted retries")
	}
	return err
}
