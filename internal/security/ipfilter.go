// ABOUTME: Deny-list of client IP addresses with constant-time lookup
// ABOUTME: Entries can be changed at runtime and optionally persisted

package security

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
)

// ErrIPBlocked is returned for addresses on the deny-list.
var ErrIPBlocked = errors.New("ip address blocked")

// BlockListStore persists deny-list changes across restarts.
type BlockListStore interface {
	BlockIP(ctx context.Context, ip, reason string) error
	UnblockIP(ctx context.Context, ip string) error
	ListBlockedIPs(ctx context.Context) ([]string, error)
}

// IPFilter holds the deny-list.
type IPFilter struct {
	mu      sync.RWMutex
	blocked map[string]struct{}
	store   BlockListStore
}

// NewIPFilter creates a filter seeded with the given addresses.
func NewIPFilter(blocked []string) (*IPFilter, error) {
	f := &IPFilter{blocked: make(map[string]struct{}, len(blocked))}
	for _, ip := range blocked {
		key, err := canonicalIP(ip)
		if err != nil {
			return nil, err
		}
		f.blocked[key] = struct{}{}
	}
	return f, nil
}

// Attach loads the persisted deny-list from s and persists later changes to it.
func (f *IPFilter) Attach(ctx context.Context, s BlockListStore) error {
	ips, err := s.ListBlockedIPs(ctx)
	if err != nil {
		return fmt.Errorf("load blocked ips: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ip := range ips {
		if key, err := canonicalIP(ip); err == nil {
			f.blocked[key] = struct{}{}
		}
	}
	f.store = s
	return nil
}

// Check returns ErrIPBlocked if ip is on the deny-list.
func (f *IPFilter) Check(ip string) error {
	key, err := canonicalIP(ip)
	if err != nil {
		key = ip
	}
	f.mu.RLock()
	_, blocked := f.blocked[key]
	f.mu.RUnlock()
	if blocked {
		return fmt.Errorf("%w: %s", ErrIPBlocked, key)
	}
	return nil
}

// Block adds ip to the deny-list.
func (f *IPFilter) Block(ctx context.Context, ip, reason string) error {
	key, err := canonicalIP(ip)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.store != nil {
		if err := f.store.BlockIP(ctx, key, reason); err != nil {
			return err
		}
	}
	f.blocked[key] = struct{}{}
	return nil
}

// Unblock removes ip from the deny-list.
func (f *IPFilter) Unblock(ctx context.Context, ip string) error {
	key, err := canonicalIP(ip)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.store != nil {
		if err := f.store.UnblockIP(ctx, key); err != nil {
			return err
		}
	}
	delete(f.blocked, key)
	return nil
}

// Blocked returns the deny-list in sorted order.
func (f *IPFilter) Blocked() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.blocked))
	for ip := range f.blocked {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

// canonicalIP maps equivalent spellings (IPv4-mapped IPv6, zones) to one key.
func canonicalIP(ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("invalid ip address %q: %w", ip, err)
	}
	return addr.Unmap().WithZone("").String(), nil
}
