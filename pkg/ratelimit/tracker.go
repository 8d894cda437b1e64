package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intercom_rate_limit_remaining",
		Help: "Requests remaining in the current Intercom rate limit window",
	})

	rateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intercom_rate_limit_waits_total",
		Help: "Requests that waited for the rate limit window to reset",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intercom_rate_limit_throttles_total",
		Help: "Requests throttled because the window is nearly exhausted",
	})
)

// DefaultThrottleDelay is the pause applied in the warning band.
const DefaultThrottleDelay = 1 * time.Second

// MaxWait caps a single wait for the window to reset.
const MaxWait = 2 * time.Minute

// Tracker monitors the Intercom rate limit and gates requests.
type Tracker struct {
	redis         *redis.Client
	logger        zerolog.Logger
	throttleDelay time.Duration
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:         redisClient,
		logger:        logger,
		throttleDelay: DefaultThrottleDelay,
	}
}

// SetThrottleDelay changes the pause applied in the warning band.
func (t *Tracker) SetThrottleDelay(d time.Duration) {
	t.throttleDelay = d
}

// GetState retrieves the current state from Redis. A healthy default is
// returned when nothing has been recorded yet.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	vals, err := t.redis.MGet(ctx, RedisKeyRemaining, RedisKeyLimit, RedisKeyResetAt, RedisKeyLastUpdate).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	if vals[0] == nil {
		t.logger.Debug().Msg("No rate limit state in Redis, returning default healthy state")
		return &State{
			Remaining:  RemainingHealthy * 2,
			ResetAt:    time.Now().Add(10 * time.Second),
			LastUpdate: time.Now(),
			IsHealthy:  true,
		}, nil
	}

	remaining, err := intValue(vals[0])
	if err != nil {
		return nil, fmt.Errorf("parse remaining: %w", err)
	}
	limit, _ := intValue(vals[1])
	resetAt, _ := intValue(vals[2])
	lastUpdate, _ := intValue(vals[3])

	state := &State{
		Remaining:  remaining,
		Limit:      limit,
		ResetAt:    time.Unix(int64(resetAt), 0),
		LastUpdate: time.UnixMilli(int64(lastUpdate)),
	}
	state.UpdateHealth()
	return state, nil
}

func intValue(v any) (int, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected value %v", v)
	}
	return strconv.Atoi(s)
}

// UpdateFromHeaders parses the rate limit headers of a response and stores
// the window in Redis.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
	}

	resetStr := headers.Get("X-RateLimit-Reset")
	if resetStr == "" {
		return fmt.Errorf("X-RateLimit-Reset header missing")
	}
	resetEpoch, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
	}

	limit := 0
	if limitStr := headers.Get("X-RateLimit-Limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			limit = l
		}
	}

	now := time.Now()
	state := &State{
		Remaining:  remain,
		Limit:      limit,
		ResetAt:    time.Unix(resetEpoch, 0),
		LastUpdate: now,
	}
	state.UpdateHealth()

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyRemaining, remain, 0)
	pipe.Set(ctx, RedisKeyLimit, limit, 0)
	pipe.Set(ctx, RedisKeyResetAt, resetEpoch, 0)
	pipe.Set(ctx, RedisKeyLastUpdate, now.UnixMilli(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	rateLimitRemaining.Set(float64(remain))

	switch {
	case state.NeedsWait():
		t.logger.Warn().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Intercom rate limit exhausted - requests will wait for reset")
	case state.NeedsThrottling():
		t.logger.Info().
			Int("remaining", remain).
			Msg("Intercom rate limit low - requests will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", remain).
			Bool("is_healthy", state.IsHealthy).
			Msg("Intercom rate limit state updated")
	}

	return nil
}

// Wait blocks until a request may be sent. It sleeps until the window resets
// when the budget is exhausted and applies a short throttle in the warning
// band. Context cancellation aborts the wait.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return err
	}

	var delay time.Duration
	switch {
	case state.NeedsWait():
		delay = state.TimeUntilReset()
		if delay > MaxWait {
			delay = MaxWait
		}
		rateLimitWaitsTotal.Inc()
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("wait_duration", delay).
			Msg("Waiting for rate limit reset")
	case state.NeedsThrottling():
		delay = t.throttleDelay
		rateLimitThrottlesTotal.Inc()
	default:
		return nil
	}

	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
