// ABOUTME: Store interfaces and data types for gateway persistence
// ABOUTME: Covers the persisted IP deny-list and the connection audit trail

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// BlockedIP is a deny-list entry.
type BlockedIP struct {
	IP        string
	Reason    string
	CreatedAt time.Time
}

// BlockListStore persists the IP deny-list.
type BlockListStore interface {
	BlockIP(ctx context.Context, ip, reason string) error
	UnblockIP(ctx context.Context, ip string) error
	ListBlockedIPs(ctx context.Context) ([]string, error)
	BlockedIPs(ctx context.Context) ([]BlockedIP, error)
}

// AuditStore records connection lifecycle and administrative actions.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
	PruneAuditLog(ctx context.Context, before time.Time) (int64, error)
}

// Store is everything the gateway persists.
type Store interface {
	BlockListStore
	AuditStore
	Close() error
}
