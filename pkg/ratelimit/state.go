// Package ratelimit tracks the Intercom API rate limit window and gates
// requests. It reads the X-RateLimit-Remaining and X-RateLimit-Reset headers
// and shares the window state through Redis so concurrent importers see the
// same budget.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyRemaining  = "intercom:rate_limit:remaining"
	RedisKeyLimit      = "intercom:rate_limit:limit"
	RedisKeyResetAt    = "intercom:rate_limit:reset_at"
	RedisKeyLastUpdate = "intercom:rate_limit:last_update"
)

// Thresholds for rate limit decisions, in requests remaining in the window.
const (
	// RemainingCritical makes callers wait for the window to reset.
	RemainingCritical = 5

	// RemainingWarning applies a short throttle delay before each request.
	RemainingWarning = 20

	// RemainingHealthy indicates normal operation.
	RemainingHealthy = 50
)

// State is the current rate limit window.
type State struct {
	// Remaining is the number of requests left in the window (X-RateLimit-Remaining).
	Remaining int `json:"remaining"`

	// Limit is the window size (X-RateLimit-Limit), 0 when unknown.
	Limit int `json:"limit"`

	// ResetAt is when the window resets (X-RateLimit-Reset, epoch seconds).
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the state was last written.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= RemainingHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsWait returns true if requests must wait for the window reset.
func (s *State) NeedsWait() bool {
	return s.Remaining < RemainingCritical && s.TimeUntilReset() > 0
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *State) NeedsThrottling() bool {
	return s.Remaining < RemainingWarning && !s.NeedsWait()
}

// TimeUntilReset returns the duration until the window resets, or 0 if it
// already has.
func (s *State) TimeUntilReset() time.Duration {
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateHealth recomputes IsHealthy from Remaining.
func (s *State) UpdateHealth() {
	s.IsHealthy = s.Remaining >= RemainingHealthy
}
