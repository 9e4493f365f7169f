package sshmanager

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/logutil"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/tunnelerr"
)

// Dial guard defaults. Gateways commonly lock an account after a handful of
// rejected logins, so two checks run per gateway key before every dial:
//   - a sliding window of dial attempts per minute, whatever their outcome;
//   - a block once the gateway has rejected the credentials MaxAuthFailures
//     times in a row. Network failures never count toward the block.
const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxAuthFailures      = 3
	DefaultBlockDuration        = 5 * time.Minute
)

const (
	EventRateLimited EventType = "rate_limited"
)

// RateLimitConfig configures the dial guard.
type RateLimitConfig struct {
	MaxAttemptsPerMinute int
	// MaxAuthFailures is the number of consecutive authentication
	// rejections that blocks the key for BlockDuration.
	MaxAuthFailures int
	BlockDuration   time.Duration
}

// DefaultRateLimitConfig returns the default dial guard configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttemptsPerMinute: DefaultMaxAttemptsPerMinute,
		MaxAuthFailures:      DefaultMaxAuthFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

type keyRateState struct {
	attempts     []time.Time
	authFailures int
	lastFailure  tunnelerr.Kind
	blockedUntil time.Time
}

// RateLimiter guards dial attempts per gateway key.
type RateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	state  map[string]*keyRateState
	nowFn  func() time.Time
}

// NewRateLimiter creates a RateLimiter with the given configuration.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config: config,
		state:  make(map[string]*keyRateState),
		nowFn:  time.Now,
	}
}

// Allow checks whether a dial for key may go ahead and counts it toward the
// window. Denials are ConnectBlocked errors.
func (rl *RateLimiter) Allow(key string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(key)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		log.Printf("[pool] dial guard: %s is blocked for %s (%d rejected logins)",
			logutil.SanitizeForLog(key), remaining, s.authFailures)
		return tunnelerr.New(tunnelerr.ConnectBlocked, tunnelerr.HopLocal, "rate limit",
			fmt.Errorf("gateway %s rejected the credentials %d times in a row; retry after %s",
				logutil.SanitizeForLog(key), s.authFailures, remaining))
	}

	s.attempts = recent(s.attempts, now)
	if len(s.attempts) >= rl.config.MaxAttemptsPerMinute {
		log.Printf("[pool] dial guard: %s exceeded %d attempts/min",
			logutil.SanitizeForLog(key), rl.config.MaxAttemptsPerMinute)
		return tunnelerr.New(tunnelerr.ConnectBlocked, tunnelerr.HopLocal, "rate limit",
			fmt.Errorf("rate limit exceeded for %s: %d connection attempts in the last minute (max %d)",
				logutil.SanitizeForLog(key), len(s.attempts), rl.config.MaxAttemptsPerMinute))
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// Record notes the outcome of a dial allowed for key. Success clears the
// rejection count; an AuthenticationFailed error adds to it and may block
// the key; any other failure is only remembered for status.
func (rl *RateLimiter) Record(key string, err error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.getOrCreateState(key)
	if err == nil {
		s.authFailures = 0
		s.lastFailure = tunnelerr.KindUnknown
		s.blockedUntil = time.Time{}
		return
	}
	s.lastFailure = tunnelerr.KindOf(err)
	if !errors.Is(err, tunnelerr.ErrAuthenticationFailed) {
		return
	}

	s.authFailures++
	if s.authFailures >= rl.config.MaxAuthFailures {
		s.blockedUntil = rl.nowFn().Add(rl.config.BlockDuration)
		log.Printf("[pool] dial guard: blocking %s until %s (%d rejected logins)",
			logutil.SanitizeForLog(key), s.blockedUntil.Format(time.RFC3339), s.authFailures)
	}
}

// GetStatus returns the dial guard state for key.
func (rl *RateLimiter) GetStatus(key string) RateLimitStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	status := RateLimitStatus{
		MaxAttemptsPerMin: rl.config.MaxAttemptsPerMinute,
		MaxAuthFailures:   rl.config.MaxAuthFailures,
	}
	s, ok := rl.state[key]
	if !ok {
		return status
	}

	now := rl.nowFn()
	for _, t := range s.attempts {
		if t.After(now.Add(-time.Minute)) {
			status.RecentAttempts++
		}
	}
	status.AuthFailures = s.authFailures
	if s.lastFailure != tunnelerr.KindUnknown {
		status.LastFailure = s.lastFailure.String()
	}
	if now.Before(s.blockedUntil) {
		bu := s.blockedUntil
		status.Blocked = true
		status.BlockedUntil = &bu
	}
	return status
}

// Reset clears all state for key.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.state, key)
}

// RateLimitStatus is the dial guard state of one gateway key.
type RateLimitStatus struct {
	RecentAttempts    int        `json:"recent_attempts"`
	MaxAttemptsPerMin int        `json:"max_attempts_per_min"`
	AuthFailures      int        `json:"auth_failures"`
	MaxAuthFailures   int        `json:"max_auth_failures"`
	LastFailure       string     `json:"last_failure,omitempty"`
	Blocked           bool       `json:"blocked"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
}

// Must be called with rl.mu held.
func (rl *RateLimiter) getOrCreateState(key string) *keyRateState {
	s, ok := rl.state[key]
	if !ok {
		s = &keyRateState{}
		rl.state[key] = s
	}
	return s
}

// recent drops attempts older than one minute before now, in place.
func recent(attempts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Minute)
	kept := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
