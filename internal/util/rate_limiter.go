// Package util holds the concurrency primitives shared by the sync engine:
// keyed token-bucket rate limiting, a FIFO semaphore, a bounded task queue,
// and retry with error classification.
package util

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rohit-purandare/shelfbridge/internal/logger"
)

const (
	// RateWindow is the refill window the points budget is spread over.
	RateWindow = 60 * time.Second
	// DefaultPoints is the default request budget per window.
	DefaultPoints = 55
	// utilizationWarnRatio is the window utilization at which a warning is
	// emitted.
	utilizationWarnRatio = 0.8
)

// Metrics tracks rate limiter counters.
type Metrics struct {
	Requests    uint64 `json:"requests"`
	Waits       uint64 `json:"waits"`
	TotalWaited string `json:"total_waited"`
}

// RateLimiter is a token-bucket limiter refilling points evenly over a
// 60-second window, with per-identifier isolation via keyed buckets. Each
// remote service gets its own instance; instances must not be shared across
// services with different budgets.
type RateLimiter struct {
	mu      sync.Mutex
	service string
	points  int
	buckets map[string]*rate.Limiter
	log     *logger.Logger

	requests    uint64
	waits       uint64
	totalWaited time.Duration
	windowStart time.Time
	windowUsed  int
	warned      bool
}

// NewRateLimiter creates a limiter allowing points requests per 60-second
// window for the named service.
func NewRateLimiter(service string, points int, log *logger.Logger) *RateLimiter {
	if points <= 0 {
		points = DefaultPoints
	}
	if log == nil {
		log = logger.Get()
	}
	log = log.WithComponent("rate_limiter").WithFields(map[string]interface{}{
		"service": service,
	})

	log.Debug().
		Int("points", points).
		Dur("window", RateWindow).
		Msg("Initializing rate limiter")

	return &RateLimiter{
		service:     service,
		points:      points,
		buckets:     make(map[string]*rate.Limiter),
		log:         log,
		windowStart: time.Now(),
	}
}

// bucket returns (creating if needed) the limiter for an identifier.
func (r *RateLimiter) bucket(identifier string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[identifier]
	if !ok {
		// spread the budget evenly over the window, allow a small burst
		b = rate.NewLimiter(rate.Limit(float64(r.points)/RateWindow.Seconds()), r.points/10+1)
		r.buckets[identifier] = b
	}
	return b
}

// WaitIfNeeded consumes one point from the identifier's bucket, blocking
// until a point is available or the context is cancelled. A user-visible
// pause message is logged when waiting, and a warning is emitted at 80%
// window utilization.
func (r *RateLimiter) WaitIfNeeded(ctx context.Context, identifier string) error {
	b := r.bucket(identifier)

	r.mu.Lock()
	r.requests++
	now := time.Now()
	if now.Sub(r.windowStart) >= RateWindow {
		r.windowStart = now
		r.windowUsed = 0
		r.warned = false
	}
	r.windowUsed++
	if !r.warned && float64(r.windowUsed) >= float64(r.points)*utilizationWarnRatio {
		r.warned = true
		r.log.Warn().
			Str("identifier", identifier).
			Int("used", r.windowUsed).
			Int("budget", r.points).
			Msg("Approaching rate limit budget for current window")
	}
	r.mu.Unlock()

	reservation := b.Reserve()
	if !reservation.OK() {
		return fmt.Errorf("rate limiter for %s cannot satisfy request", r.service)
	}
	delay := reservation.Delay()
	if delay <= 0 {
		return nil
	}

	r.log.Info().
		Str("identifier", identifier).
		Dur("pause", delay).
		Msg("Rate limit reached, pausing before next request")

	r.mu.Lock()
	r.waits++
	r.totalWaited += delay
	r.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		reservation.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetMetrics returns a snapshot of the limiter counters.
func (r *RateLimiter) GetMetrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Metrics{
		Requests:    r.requests,
		Waits:       r.waits,
		TotalWaited: r.totalWaited.String(),
	}
}
