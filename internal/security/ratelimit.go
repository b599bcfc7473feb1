// ABOUTME: Sliding-window rate limiter keyed by client identity
// ABOUTME: Supports a short burst allowance and reports how long to wait after rejection

package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrRateLimited is matched by every *RateLimitError.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitError reports a rejected request and when the identity may retry.
type RateLimitError struct {
	Identity   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Identity, e.RetryAfter.Round(time.Millisecond))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RateLimitConfig configures a RateLimiter.
type RateLimitConfig struct {
	Limit        int           // requests accepted per Window
	Window       time.Duration // sliding window length
	Burst        int           // extra requests tolerated right after a window opens
	BurstPeriod  time.Duration // how soon after the window's oldest hit the burst applies
	IdleEviction time.Duration // windows unused this long are dropped
}

// DefaultRateLimitConfig returns 60 requests per minute with no burst.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Limit:        60,
		Window:       time.Minute,
		Burst:        0,
		BurstPeriod:  time.Second,
		IdleEviction: 5 * time.Minute,
	}
}

type window struct {
	hits     []time.Time // accepted requests, oldest first
	lastSeen time.Time
}

// RateLimiter tracks one sliding window per identity.
type RateLimiter struct {
	cfg   RateLimitConfig
	clock clock.Clock

	mu      sync.Mutex
	windows map[string]*window
}

// NewRateLimiter creates a limiter. Zero fields in cfg take their defaults.
func NewRateLimiter(cfg RateLimitConfig, clk clock.Clock) *RateLimiter {
	def := DefaultRateLimitConfig()
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Burst < 0 {
		cfg.Burst = 0
	}
	if cfg.BurstPeriod <= 0 {
		cfg.BurstPeriod = def.BurstPeriod
	}
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = def.IdleEviction
	}
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimiter{cfg: cfg, clock: clk, windows: make(map[string]*window)}
}

// Allow records a request for identity, or returns a *RateLimitError if the
// request would exceed the limit. Rejected requests are not recorded.
func (l *RateLimiter) Allow(identity string) error {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[identity]
	if !ok {
		w = &window{}
		l.windows[identity] = w
	}
	w.lastSeen = now

	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}

	count := len(w.hits) + 1
	if count <= l.cfg.Limit ||
		(count <= l.cfg.Limit+l.cfg.Burst && now.Sub(w.hits[0]) <= l.cfg.BurstPeriod) {
		w.hits = append(w.hits, now)
		return nil
	}

	// the request fits again once all but Limit-1 of the current hits expire
	oldest := w.hits[len(w.hits)-l.cfg.Limit]
	return &RateLimitError{Identity: identity, RetryAfter: oldest.Add(l.cfg.Window).Sub(now)}
}

// Remaining reports how many requests identity may still make in its window.
func (l *RateLimiter) Remaining(identity string) int {
	now := l.clock.Now()
	cutoff := now.Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[identity]
	if !ok {
		return l.cfg.Limit
	}
	n := 0
	for _, h := range w.hits {
		if h.After(cutoff) {
			n++
		}
	}
	if n >= l.cfg.Limit {
		return 0
	}
	return l.cfg.Limit - n
}

// Evict drops windows idle for longer than IdleEviction and returns how many.
func (l *RateLimiter) Evict() int {
	cutoff := l.clock.Now().Add(-l.cfg.IdleEviction)

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for id, w := range l.windows {
		if w.lastSeen.Before(cutoff) {
			delete(l.windows, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked identities.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Run evicts idle windows every interval until ctx is cancelled.
func (l *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := l.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Evict()
		}
	}
}
