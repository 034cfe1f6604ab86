package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/smallbiznis/grove/internal/clock"
	"github.com/smallbiznis/grove/internal/config"
	"github.com/smallbiznis/grove/internal/observability/metrics"
	"go.uber.org/zap"
)

const keyFormat = "rl:%s:%s:%d"

// RateLimitResult describes one admission decision.
type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// RateLimitError is returned when a request is over budget, or when the store
// failed on a fail-closed route.
type RateLimitError struct {
	Route      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Route, e.RetryAfter)
}

// RetryAfterSeconds rounds up to whole seconds, minimum one.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter applies fixed-window budgets keyed by route and identity.
type Limiter struct {
	store    CounterStore
	policies *config.RateLimitPolicyHolder
	clock    clock.Clock
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewLimiter(store CounterStore, policies *config.RateLimitPolicyHolder, clk clock.Clock, m *metrics.Metrics, log *zap.Logger) *Limiter {
	return &Limiter{
		store:    store,
		policies: policies,
		clock:    clk,
		metrics:  m,
		log:      log.Named("ratelimit"),
	}
}

// Identity builds the `${ip}:${client_id}` identity used by token endpoints.
func Identity(ip, clientID string) string {
	return strings.TrimSpace(ip) + ":" + strings.TrimSpace(clientID)
}

// Allow counts one request. It returns *RateLimitError when the request must be rejected.
func (l *Limiter) Allow(ctx context.Context, route, identity string) (RateLimitResult, error) {
	cfg := l.policies.Get()
	policy := cfg.Policy(route)
	if !cfg.Enabled {
		return RateLimitResult{Allowed: true, Limit: policy.Limit, Remaining: policy.Limit}, nil
	}

	now := l.clock.Now()
	window := now.UnixNano() / int64(policy.Window)
	resetTime := time.Unix(0, (window+1)*int64(policy.Window)).UTC()
	retryAfter := resetTime.Sub(now)

	key := fmt.Sprintf(keyFormat, route, identity, window)
	count, err := l.store.Incr(ctx, key, policy.Window)
	if err != nil {
		l.log.Warn("rate limit store failed",
			zap.String("route", route),
			zap.Bool("fail_open", policy.FailOpen),
			zap.Error(err),
		)
		l.metrics.RecordRateLimit(ctx, route, "store_error")
		if policy.FailOpen {
			return RateLimitResult{Allowed: true, Limit: policy.Limit, ResetTime: resetTime}, nil
		}
		return RateLimitResult{Limit: policy.Limit, ResetTime: resetTime, RetryAfter: retryAfter},
			&RateLimitError{Route: route, RetryAfter: retryAfter}
	}

	remaining := policy.Limit - int(count)
	if remaining < 0 {
		l.metrics.RecordRateLimit(ctx, route, "limited")
		return RateLimitResult{Limit: policy.Limit, ResetTime: resetTime, RetryAfter: retryAfter},
			&RateLimitError{Route: route, RetryAfter: retryAfter}
	}

	l.metrics.RecordRateLimit(ctx, route, "allowed")
	return RateLimitResult{
		Allowed:   true,
		Limit:     policy.Limit,
		Remaining: remaining,
		ResetTime: resetTime,
	}, nil
}
