// ABOUTME: Final pipeline stage that records every handshake outcome
// ABOUTME: Logs with slog, counts rejections and appends to the audit log when available

package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/stffns/QAI/internal/metrics"
	"github.com/stffns/QAI/internal/store"
)

// SlowHandshake is the duration above which a handshake is logged as slow.
const SlowHandshake = time.Second

// LogObserver is the logging stage.
type LogObserver struct {
	logger  *slog.Logger
	audit   store.AuditStore
	metrics *metrics.Metrics
}

// NewLogObserver creates the logging stage. audit and m may be nil.
func NewLogObserver(logger *slog.Logger, audit store.AuditStore, m *metrics.Metrics) *LogObserver {
	return &LogObserver{
		logger:  logger.With("component", "pipeline"),
		audit:   audit,
		metrics: m,
	}
}

// Observe implements Observer.
func (l *LogObserver) Observe(ctx context.Context, o Outcome) {
	h := o.Handshake
	actor := "anonymous"
	if h.Identity != nil {
		actor = h.Identity.Subject
	}
	logger := l.logger.With(
		"conn_id", h.ConnID,
		"remote_ip", h.RemoteIP,
		"origin", h.Origin,
		"stage", o.Stage,
		"duration", o.Duration,
	)

	entry := &store.AuditEntry{
		Actor:        actor,
		ConnectionID: h.ConnID,
		RemoteIP:     h.RemoteIP,
		Detail: map[string]any{
			"origin":     h.Origin,
			"user_agent": h.UserAgent,
		},
	}

	if o.Err != nil {
		logger.Warn("handshake rejected", "kind", o.Err.Kind, "error", o.Err.Error())
		if l.metrics != nil {
			l.metrics.HandshakeRejections.WithLabelValues(string(o.Err.Kind)).Inc()
		}
		entry.Action = store.AuditConnectionRejected
		entry.Detail["kind"] = string(o.Err.Kind)
		entry.Detail["stage"] = o.Stage
	} else {
		logger.Info("handshake accepted", "user_id", actor)
		entry.Action = store.AuditConnectionAccepted
	}
	if o.Duration > SlowHandshake {
		logger.Warn("slow handshake")
	}

	if l.audit != nil {
		if err := l.audit.AppendAuditLog(ctx, entry); err != nil {
			logger.Warn("failed to append audit log", "error", err)
		}
	}
}
