// ABOUTME: Persisted IP deny-list backing the security IP filter
// ABOUTME: Upserts on block so a repeated block just refreshes the reason

package store

import (
	"context"
	"fmt"
	"time"
)

// BlockIP adds or updates a deny-list entry.
func (s *SQLiteStore) BlockIP(ctx context.Context, ip, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocked_ips (ip, reason, created_at) VALUES (?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET reason = excluded.reason
	`, ip, reason, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("blocking ip: %w", err)
	}
	s.logger.Info("ip blocked", "ip", ip, "reason", reason)
	return nil
}

// UnblockIP removes a deny-list entry. Unblocking an absent address is a no-op.
func (s *SQLiteStore) UnblockIP(ctx context.Context, ip string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocked_ips WHERE ip = ?`, ip)
	if err != nil {
		return fmt.Errorf("unblocking ip: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("ip unblocked", "ip", ip)
	}
	return nil
}

// ListBlockedIPs returns every blocked address.
func (s *SQLiteStore) ListBlockedIPs(ctx context.Context) ([]string, error) {
	entries, err := s.BlockedIPs(ctx)
	if err != nil {
		return nil, err
	}
	ips := make([]string, len(entries))
	for i, e := range entries {
		ips[i] = e.IP
	}
	return ips, nil
}

// BlockedIPs returns every deny-list entry ordered by address.
func (s *SQLiteStore) BlockedIPs(ctx context.Context) ([]BlockedIP, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ip, reason, created_at FROM blocked_ips ORDER BY ip`)
	if err != nil {
		return nil, fmt.Errorf("querying blocked ips: %w", err)
	}
	defer rows.Close()

	var out []BlockedIP
	for rows.Next() {
		var b BlockedIP
		var created string
		if err := rows.Scan(&b.IP, &b.Reason, &created); err != nil {
			return nil, fmt.Errorf("scanning blocked ip: %w", err)
		}
		if b.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
