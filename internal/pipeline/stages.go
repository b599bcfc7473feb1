// ABOUTME: Built-in guard stages backed by the security manager
// ABOUTME: Origin, IP deny-list, rate limit and token authentication, in that order

package pipeline

import (
	"context"

	"github.com/stffns/QAI/internal/metrics"
	"github.com/stffns/QAI/internal/security"
)

// Stage names, also used as metric labels.
const (
	StageOrigin    = "origin"
	StageIPBlock   = "ip_block"
	StageRateLimit = "rate_limit"
	StageAuth      = "auth"
)

// OriginStage rejects disallowed Origin headers.
type OriginStage struct{ Security *security.Manager }

func (OriginStage) Name() string { return StageOrigin }

func (s OriginStage) Check(_ context.Context, h *Handshake) error {
	return s.Security.CheckOrigin(h.Origin)
}

// IPStage rejects deny-listed client addresses.
type IPStage struct{ Security *security.Manager }

func (IPStage) Name() string { return StageIPBlock }

func (s IPStage) Check(_ context.Context, h *Handshake) error {
	return s.Security.CheckIP(h.RemoteIP)
}

// RateLimitStage charges the request to the connection's identity: the user
// once authenticated, the remote address before that.
type RateLimitStage struct{ Security *security.Manager }

func (RateLimitStage) Name() string { return StageRateLimit }

func (s RateLimitStage) Check(_ context.Context, h *Handshake) error {
	return s.Security.CheckRate(RateKey(h))
}

// RateKey returns the rate-limit identity for h.
func RateKey(h *Handshake) string {
	if h.Identity != nil {
		return security.UserKey(h.Identity.Subject)
	}
	return security.IPKey(h.RemoteIP)
}

// AuthStage validates the presented token and records the identity.
type AuthStage struct{ Security *security.Manager }

func (AuthStage) Name() string { return StageAuth }

func (s AuthStage) Check(_ context.Context, h *Handshake) error {
	id, err := s.Security.Authenticate(h.Token)
	if err != nil {
		return err
	}
	h.Identity = id
	return nil
}

// Default assembles the standard pipeline over sec.
func Default(sec *security.Manager, m *metrics.Metrics, observers ...Observer) *Pipeline {
	rate := RateLimitStage{Security: sec}
	return New(m, []Stage{
		OriginStage{Security: sec},
		IPStage{Security: sec},
		rate,
		AuthStage{Security: sec},
	}, rate, observers...)
}
