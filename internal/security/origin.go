// ABOUTME: Origin allow-list applied to WebSocket upgrade requests
// ABOUTME: Exact match against configured origins with an explicit empty-origin switch

package security

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOriginRejected is returned for origins outside the allow-list.
var ErrOriginRejected = errors.New("origin not allowed")

// OriginPolicy decides which Origin headers may open a connection.
type OriginPolicy struct {
	enabled    bool
	allowAll   bool
	allowEmpty bool
	allowed    map[string]struct{}
}

// NewOriginPolicy builds a policy. A disabled policy admits every origin;
// "*" in origins admits every non-empty origin.
func NewOriginPolicy(enabled bool, origins []string, allowEmpty bool) *OriginPolicy {
	p := &OriginPolicy{
		enabled:    enabled,
		allowEmpty: allowEmpty,
		allowed:    make(map[string]struct{}, len(origins)),
	}
	for _, o := range origins {
		if o == "*" {
			p.allowAll = true
			continue
		}
		p.allowed[normalizeOrigin(o)] = struct{}{}
	}
	return p
}

// Check returns nil if origin may connect.
func (p *OriginPolicy) Check(origin string) error {
	if !p.enabled {
		return nil
	}
	if origin == "" {
		if p.allowEmpty {
			return nil
		}
		return fmt.Errorf("%w: missing Origin header", ErrOriginRejected)
	}
	if p.allowAll {
		return nil
	}
	if _, ok := p.allowed[normalizeOrigin(origin)]; ok {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrOriginRejected, origin)
}

func normalizeOrigin(o string) string {
	return strings.TrimSuffix(strings.TrimSpace(o), "/")
}
