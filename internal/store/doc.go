// Package store provides persistent storage for the gateway using SQLite.
//
// The gateway itself is stateless with respect to conversations; the store
// only keeps what must survive a restart:
//
//   - blocked_ips: the IP deny-list managed with `qai-gateway block/unblock`
//   - audit_log: accepted, rejected and closed connections plus admin actions
//
// SQLiteStore implements both BlockListStore and AuditStore over a single
// modernc.org/sqlite database opened in WAL mode.
package store
