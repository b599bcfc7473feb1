// ABOUTME: Tracks live client connections, their identity and their outbound queues
// ABOUTME: Central place for targeted sends, broadcasts and idle-connection sweeps

package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/stffns/QAI/internal/protocol"
)

var (
	// ErrNotFound indicates the connection is not (or no longer) registered.
	ErrNotFound = errors.New("connection not found")
	// ErrAtCapacity indicates the registry already holds MaxConnections.
	ErrAtCapacity = errors.New("connection limit reached")
	// ErrSendQueueFull indicates the connection's outbound queue is full.
	ErrSendQueueFull = errors.New("send queue full")
)

// Disconnect reasons reported in events and logs.
const (
	ReasonClientClosed = "client_closed"
	ReasonIdleTimeout  = "idle_timeout"
	ReasonShutdown     = "server_shutdown"
	ReasonError        = "transport_error"
)

// Conn is the transport handle for a registered connection. The registry
// never reads from or writes to it; it only reports where it came from.
type Conn interface {
	RemoteAddr() string
}

// Identity is what the handshake established about a connection.
type Identity struct {
	ConnID        string // empty means generate one
	UserID        string
	SessionID     string
	Authenticated bool
}

// Info is a point-in-time copy of a connection's bookkeeping.
type Info struct {
	ID             string
	UserID         string
	SessionID      string
	RemoteAddr     string
	ConnectedAt    time.Time
	LastActivity   time.Time
	Authenticated  bool
	MessageCount   int64
	ThrottledCount int64
}

type entry struct {
	info Info
	send chan *protocol.Envelope
}

// Options configures a Registry.
type Options struct {
	MaxConnections int // zero means unlimited
	QueueSize      int // outbound queue per connection
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Registry is the single owner of connection bookkeeping.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry

	maxConns  int
	queueSize int
	clock     clock.Clock
	events    *Broadcaster
	logger    *slog.Logger
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "registry")
	return &Registry{
		conns:     make(map[string]*entry),
		maxConns:  opts.MaxConnections,
		queueSize: opts.QueueSize,
		clock:     opts.Clock,
		events:    NewBroadcaster(logger),
		logger:    logger,
	}
}

// Events returns the lifecycle event broadcaster.
func (r *Registry) Events() *Broadcaster {
	return r.events
}

// Register adds c under a fresh connection id and returns the id together
// with the outbound queue the connection's writer must drain. The queue is
// closed when the connection is unregistered.
func (r *Registry) Register(c Conn, id Identity) (string, <-chan *protocol.Envelope, error) {
	now := r.clock.Now()
	if id.ConnID == "" {
		id.ConnID = uuid.NewString()
	}
	if id.SessionID == "" {
		id.SessionID = uuid.NewString()
	}
	e := &entry{
		info: Info{
			ID:            id.ConnID,
			UserID:        id.UserID,
			SessionID:     id.SessionID,
			RemoteAddr:    c.RemoteAddr(),
			ConnectedAt:   now,
			LastActivity:  now,
			Authenticated: id.Authenticated,
		},
		send: make(chan *protocol.Envelope, r.queueSize),
	}

	r.mu.Lock()
	if r.maxConns > 0 && len(r.conns) >= r.maxConns {
		r.mu.Unlock()
		return "", nil, ErrAtCapacity
	}
	r.conns[e.info.ID] = e
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("=== CLIENT CONNECTED ===",
		"conn_id", e.info.ID,
		"user_id", e.info.UserID,
		"session_id", e.info.SessionID,
		"remote_addr", e.info.RemoteAddr,
		"total_connections", total,
	)
	r.events.Publish(Event{Kind: EventConnected, Info: e.info})
	return e.info.ID, e.send, nil
}

// Unregister removes a connection and closes its outbound queue. It reports
// whether the connection was registered.
func (r *Registry) Unregister(id, reason string) bool {
	r.mu.Lock()
	e, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		close(e.send)
	}
	total := len(r.conns)
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.logger.Info("=== CLIENT DISCONNECTED ===",
		"conn_id", id,
		"user_id", e.info.UserID,
		"reason", reason,
		"messages", e.info.MessageCount,
		"total_connections", total,
	)
	r.events.Publish(Event{Kind: EventDisconnected, Info: e.info, Reason: reason})
	return true
}

// Touch records inbound activity on a connection.
func (r *Registry) Touch(id string) bool {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	e.info.LastActivity = now
	e.info.MessageCount++
	return true
}

// MarkSent records outbound activity. Unlike Touch it does not count a message.
func (r *Registry) MarkSent(id string) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		e.info.LastActivity = now
	}
}

// RecordThrottle counts a message dropped by the rate limiter.
func (r *Registry) RecordThrottle(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		e.info.ThrottledCount++
	}
}

// SendTo enqueues env for one connection without blocking.
func (r *Registry) SendTo(id string, env *protocol.Envelope) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return ErrNotFound
	}
	select {
	case e.send <- env:
		return nil
	default:
		r.logger.Warn("send queue full, dropping message", "conn_id", id, "type", env.Type)
		return ErrSendQueueFull
	}
}

// Broadcast enqueues env for every connection matching pred and returns how
// many accepted it. Connections with full queues are skipped.
func (r *Registry) Broadcast(pred func(Info) bool, env *protocol.Envelope) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for id, e := range r.conns {
		if pred != nil && !pred(e.info) {
			continue
		}
		select {
		case e.send <- env:
			n++
		default:
			r.logger.Warn("send queue full, skipping broadcast", "conn_id", id, "type", env.Type)
		}
	}
	return n
}

// SameSession matches connections bound to sessionID.
func SameSession(sessionID string) func(Info) bool {
	return func(i Info) bool { return i.SessionID == sessionID }
}

// Lookup returns a copy of a connection's bookkeeping.
func (r *Registry) Lookup(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

// List returns copies of every connection's bookkeeping.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.info)
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Sweep unregisters every connection idle for longer than idleTimeout. Each
// evicted connection is sent a ConnectionEvent(disconnected) as its final
// frame. It returns the evicted ids.
func (r *Registry) Sweep(idleTimeout time.Duration) []string {
	return r.evict(func(i Info) bool {
		return r.clock.Since(i.LastActivity) > idleTimeout
	}, ReasonIdleTimeout)
}

// CloseAll unregisters every connection, e.g. on shutdown.
func (r *Registry) CloseAll(reason string) []string {
	return r.evict(nil, reason)
}

func (r *Registry) evict(pred func(Info) bool, reason string) []string {
	var evicted []*entry

	r.mu.Lock()
	for id, e := range r.conns {
		if pred != nil && !pred(e.info) {
			continue
		}
		ev := protocol.NewConnectionEvent(protocol.ConnectionDisconnected, nil)
		ev.SessionData = map[string]any{"reason": reason}
		bye := protocol.New(ev)
		bye.SessionID = e.info.SessionID
		bye.UserID = e.info.UserID
		select {
		case e.send <- bye:
		default:
		}
		delete(r.conns, id)
		close(e.send)
		evicted = append(evicted, e)
	}
	total := len(r.conns)
	r.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, e := range evicted {
		ids = append(ids, e.info.ID)
		r.logger.Info("=== CLIENT DISCONNECTED ===",
			"conn_id", e.info.ID,
			"user_id", e.info.UserID,
			"reason", reason,
			"idle", r.clock.Since(e.info.LastActivity),
			"total_connections", total,
		)
		r.events.Publish(Event{Kind: EventDisconnected, Info: e.info, Reason: reason})
	}
	return ids
}

// Run sweeps idle connections every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval, idleTimeout time.Duration) {
	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := r.Sweep(idleTimeout); len(ids) > 0 {
				r.logger.Info("swept idle connections", "count", len(ids))
			}
		}
	}
}
