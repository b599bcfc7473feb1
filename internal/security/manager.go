// ABOUTME: Security manager combining token, origin, IP and rate-limit checks
// ABOUTME: Translates each failure into the client-facing error kind and keeps counters

package security

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/stffns/QAI/internal/auth"
	"github.com/stffns/QAI/internal/protocol"
)

// Stats is a snapshot of security counters.
type Stats struct {
	AuthAttempts      int64 `json:"auth_attempts"`
	AuthSuccesses     int64 `json:"auth_successes"`
	AuthFailures      int64 `json:"auth_failures"`
	RateLimitHits     int64 `json:"rate_limit_hits"`
	BlockedAttempts   int64 `json:"blocked_attempts"`
	OriginRejections  int64 `json:"origin_rejections"`
	TrackedIdentities int   `json:"tracked_identities"`
}

// Manager is the single entry point for connection security decisions.
// Every check returns a *protocol.Error so callers can reply directly.
type Manager struct {
	tokens         *auth.Issuer
	limiter        *RateLimiter // nil when rate limiting is disabled
	origins        *OriginPolicy
	ips            *IPFilter
	allowAnonymous bool

	authAttempts     atomic.Int64
	authSuccesses    atomic.Int64
	authFailures     atomic.Int64
	rateLimitHits    atomic.Int64
	blockedAttempts  atomic.Int64
	originRejections atomic.Int64
}

// ManagerConfig wires the Manager's collaborators.
type ManagerConfig struct {
	Tokens         *auth.Issuer
	Limiter        *RateLimiter
	Origins        *OriginPolicy
	IPs            *IPFilter
	AllowAnonymous bool
}

// NewManager creates a Manager. Nil origin and IP components admit everything.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		tokens:         cfg.Tokens,
		limiter:        cfg.Limiter,
		origins:        cfg.Origins,
		ips:            cfg.IPs,
		allowAnonymous: cfg.AllowAnonymous,
	}
	if m.origins == nil {
		m.origins = NewOriginPolicy(false, nil, true)
	}
	if m.ips == nil {
		m.ips, _ = NewIPFilter(nil)
	}
	return m
}

// CheckOrigin validates the Origin header of an upgrade request.
func (m *Manager) CheckOrigin(origin string) error {
	if err := m.origins.Check(origin); err != nil {
		m.originRejections.Add(1)
		return &protocol.Error{Kind: protocol.KindCorsRejected, Message: err.Error(), Err: err}
	}
	return nil
}

// CheckIP rejects addresses on the deny-list.
func (m *Manager) CheckIP(ip string) error {
	if err := m.ips.Check(ip); err != nil {
		m.blockedAttempts.Add(1)
		return &protocol.Error{Kind: protocol.KindIPBlocked, Message: err.Error(), Err: err}
	}
	return nil
}

// CheckRate charges one request to identity.
func (m *Manager) CheckRate(identity string) error {
	if m.limiter == nil {
		return nil
	}
	err := m.limiter.Allow(identity)
	if err == nil {
		return nil
	}
	m.rateLimitHits.Add(1)
	var rl *RateLimitError
	retry := time.Duration(0)
	if errors.As(err, &rl) {
		retry = rl.RetryAfter
	}
	return &protocol.Error{Kind: protocol.KindRateLimited, Message: "rate limit exceeded", RetryAfter: retry, Err: err}
}

// Authenticate validates token. It returns a nil identity and nil error for
// an absent token when anonymous access is allowed.
func (m *Manager) Authenticate(token string) (*auth.Identity, error) {
	if token == "" {
		if m.allowAnonymous {
			return nil, nil
		}
		m.authFailures.Add(1)
		return nil, protocol.Newf(protocol.KindAuthRequired, "authentication token required")
	}
	m.authAttempts.Add(1)
	if m.tokens == nil {
		m.authFailures.Add(1)
		return nil, protocol.Newf(protocol.KindInvalidSignature, "token authentication is not configured")
	}
	id, err := m.tokens.Validate(token)
	if err != nil {
		m.authFailures.Add(1)
		if errors.Is(err, auth.ErrExpiredToken) {
			return nil, &protocol.Error{Kind: protocol.KindTokenExpired, Message: "token expired", Err: err}
		}
		return nil, &protocol.Error{Kind: protocol.KindInvalidSignature, Message: "invalid token", Err: err}
	}
	m.authSuccesses.Add(1)
	return id, nil
}

// AllowsAnonymous reports whether connections may skip authentication.
func (m *Manager) AllowsAnonymous() bool { return m.allowAnonymous }

// IssueToken mints a token for subject with the configured lifetime.
func (m *Manager) IssueToken(subject string) (string, *auth.Identity, error) {
	if m.tokens == nil {
		return "", nil, errors.New("token authentication is not configured")
	}
	return m.tokens.Issue(subject)
}

// RemainingRequests reports how many requests identity may still make in
// the current window, or -1 when rate limiting is disabled.
func (m *Manager) RemainingRequests(identity string) int {
	if m.limiter == nil {
		return -1
	}
	return m.limiter.Remaining(identity)
}

// RunJanitor evicts idle rate-limit windows until ctx is cancelled.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	if m.limiter == nil || interval <= 0 {
		<-ctx.Done()
		return
	}
	m.limiter.Run(ctx, interval)
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		AuthAttempts:     m.authAttempts.Load(),
		AuthSuccesses:    m.authSuccesses.Load(),
		AuthFailures:     m.authFailures.Load(),
		RateLimitHits:    m.rateLimitHits.Load(),
		BlockedAttempts:  m.blockedAttempts.Load(),
		OriginRejections: m.originRejections.Load(),
	}
	if m.limiter != nil {
		s.TrackedIdentities = m.limiter.Len()
	}
	return s
}

// UserKey is the rate-limit identity for an authenticated user.
func UserKey(userID string) string { return "user:" + userID }

// IPKey is the rate-limit identity for an unauthenticated address.
func IPKey(ip string) string { return "ip:" + ip }
