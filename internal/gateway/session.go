// ABOUTME: Per-connection WebSocket session: handshake, reader loop and writer pump
// ABOUTME: Drives the Connecting, Authenticating, Active, Closing, Closed state machine

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stffns/QAI/internal/auth"
	"github.com/stffns/QAI/internal/pipeline"
	"github.com/stffns/QAI/internal/protocol"
	"github.com/stffns/QAI/internal/registry"
)

// State is a connection's lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type session struct {
	gw     *Gateway
	ws     *websocket.Conn
	hs     *pipeline.Handshake
	logger *slog.Logger

	state atomic.Int32
	info  registry.Info
	send  <-chan *protocol.Envelope
	done  chan struct{} // closed when the writer exits

	ctx    context.Context
	cancel context.CancelFunc
}

// RemoteAddr implements registry.Conn.
func (s *session) RemoteAddr() string { return s.hs.RemoteIP }

func (s *session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debug("state change", "from", prev, "to", st)
	}
}

// handleWebSocket upgrades the request and runs the connection to completion.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if g.accept != nil && !g.accept.Allow() {
		g.metrics.HandshakeRejections.WithLabelValues("AcceptThrottled").Inc()
		http.Error(w, "too many connection attempts", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(g.config.Server.MaxMessageSize)

	h := &pipeline.Handshake{
		ConnID:    uuid.NewString(),
		RemoteIP:  remoteIP(r, g.config.Server.TrustProxy),
		Origin:    r.Header.Get("Origin"),
		UserAgent: r.UserAgent(),
		Token:     auth.TokenFromRequest(r),
		Started:   time.Now(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		gw:     g,
		ws:     ws,
		hs:     h,
		logger: g.logger.With("conn_id", h.ConnID, "remote_ip", h.RemoteIP),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	defer cancel()
	s.run()
}

func (s *session) run() {
	s.setState(StateConnecting)
	if limit := s.gw.config.Server.MaxConnections; limit > 0 && s.gw.registry.Count() >= limit {
		s.gw.metrics.HandshakeRejections.WithLabelValues(string(protocol.KindServerAtCapacity)).Inc()
		s.rejectHandshake(protocol.Newf(protocol.KindServerAtCapacity, "server at capacity (%d connections)", limit))
		return
	}

	s.setState(StateAuthenticating)
	if !s.authenticate() {
		return
	}

	if !s.activate() {
		return
	}
	go s.writePump()
	s.welcome()

	reason := s.readLoop()
	s.close(reason)
}

// authenticate runs the admission pipeline, waiting for a token frame when
// the upgrade request carried none and anonymous access is off.
func (s *session) authenticate() bool {
	deadline := time.Now().Add(s.gw.config.Server.HandshakeTimeout.Std())
	_ = s.ws.SetReadDeadline(deadline)

	needFrame := s.hs.Token == "" && !s.gw.security.AllowsAnonymous()
	for {
		if needFrame {
			token, err := s.readAuthFrame()
			if err != nil {
				var pe *protocol.Error
				if !errors.As(err, &pe) {
					s.logger.Info("handshake abandoned", "error", err)
					s.closeSocket(websocket.ClosePolicyViolation, "handshake timeout")
					return false
				}
				s.gw.metrics.HandshakeRejections.WithLabelValues(string(pe.Kind)).Inc()
				s.rejectHandshake(pe)
				return false
			}
			if token != "" {
				s.hs.Token = token
			}
		}

		err := s.gw.pipeline.Run(s.ctx, s.hs)
		switch pipeline.DispositionOf(err) {
		case pipeline.Continue:
			_ = s.ws.SetReadDeadline(time.Time{})
			return true
		case pipeline.KeepOpen:
			// Throttled: tell the client and wait for it to try again.
			if werr := s.write(protocol.ErrorEnvelope(nil, err.(*protocol.Error))); werr != nil {
				s.closeSocket(websocket.CloseAbnormalClosure, "")
				return false
			}
			needFrame = true
		default:
			s.rejectHandshake(err.(*protocol.Error))
			return false
		}
	}
}

type authFrame struct {
	Token string `json:"token"`
}

// readAuthFrame reads one frame and extracts its token. A frame without a
// token is acceptable only when one was already presented.
func (s *session) readAuthFrame() (string, error) {
	_, raw, err := s.ws.ReadMessage()
	if err != nil {
		return "", err
	}
	var f authFrame
	if err := json.Unmarshal(raw, &f); err != nil || (f.Token == "" && s.hs.Token == "") {
		return "", protocol.Newf(protocol.KindAuthRequired, "expected an auth frame {\"token\": \"...\"}")
	}
	return strings.TrimSpace(f.Token), nil
}

// rejectHandshake sends a terminal ErrorEvent and closes the socket.
func (s *session) rejectHandshake(pe *protocol.Error) {
	s.logger.Info("closing connection", "kind", pe.Kind, "error", pe.Error())
	_ = s.write(protocol.ErrorEnvelope(nil, pe))
	code := websocket.ClosePolicyViolation
	if pe.Kind == protocol.KindServerAtCapacity {
		code = websocket.CloseTryAgainLater
	}
	s.closeSocket(code, pe.Kind.Code())
}

// activate registers the connection, moving it to Active.
func (s *session) activate() bool {
	id := registry.Identity{ConnID: s.hs.ConnID}
	if s.hs.Identity != nil {
		id.UserID = s.hs.Identity.Subject
		id.Authenticated = true
		s.logger = s.logger.With("user_id", id.UserID)
		// Agent backends read the token identity from the request context.
		s.ctx = auth.WithIdentity(s.ctx, s.hs.Identity)
	}
	connID, send, err := s.gw.registry.Register(s, id)
	if err != nil {
		if errors.Is(err, registry.ErrAtCapacity) {
			s.gw.metrics.HandshakeRejections.WithLabelValues(string(protocol.KindServerAtCapacity)).Inc()
			s.rejectHandshake(protocol.Newf(protocol.KindServerAtCapacity, "server at capacity"))
		} else {
			s.rejectHandshake(protocol.Newf(protocol.KindTransportError, "registering connection: %v", err))
		}
		return false
	}
	s.info, _ = s.gw.registry.Lookup(connID)
	s.send = send
	s.gw.metrics.ConnectionsTotal.Inc()
	s.setState(StateActive)
	return true
}

// welcome sends the connection_established event and the connected event.
func (s *session) welcome() {
	established := protocol.NewSystemEvent("connection_established", "connected to QAI gateway", protocol.SeverityInfo, map[string]any{
		"connection_id":    s.info.ID,
		"session_id":       s.info.SessionID,
		"user_id":          s.info.UserID,
		"authenticated":    s.info.Authenticated,
		"server_version":   Version,
		"protocol_version": string(protocol.CurrentVersion),
	})
	connected := protocol.NewConnectionEvent(protocol.ConnectionConnected, map[string]any{
		"remote_ip":  s.hs.RemoteIP,
		"user_agent": s.hs.UserAgent,
		"origin":     s.hs.Origin,
	})
	connected.SessionData = map[string]any{
		"session_id":    s.info.SessionID,
		"connection_id": s.info.ID,
	}
	s.enqueue(s.stamp(protocol.New(established)))
	s.enqueue(s.stamp(protocol.New(connected)))
}

// stamp fills in the connection's session and user on an outbound envelope.
func (s *session) stamp(env *protocol.Envelope) *protocol.Envelope {
	if env.SessionID == "" {
		env.SessionID = s.info.SessionID
	}
	if env.UserID == "" {
		env.UserID = s.info.UserID
	}
	return env
}

func (s *session) enqueue(env *protocol.Envelope) {
	if err := s.gw.registry.SendTo(s.info.ID, env); err != nil {
		if errors.Is(err, registry.ErrSendQueueFull) {
			s.gw.metrics.FramesDropped.Inc()
		}
		s.logger.Debug("outbound frame not queued", "type", env.Type, "error", err)
	}
}

// readLoop reads frames until the socket fails and returns the close reason.
func (s *session) readLoop() string {
	pongWait := s.pongWait()
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return registry.ReasonClientClosed
			}
			s.logger.Debug("read failed", "error", err)
			return registry.ReasonError
		}
		s.gw.metrics.FramesReceived.Inc()
		if !s.gw.registry.Touch(s.info.ID) {
			// Swept or shut down while we were reading.
			return ""
		}
		s.handleFrame(raw)
	}
}

func (s *session) pongWait() time.Duration {
	return s.gw.config.Server.PingInterval.Std() + s.gw.config.Server.WriteTimeout.Std()
}

// writePump drains the outbound queue and keeps the connection alive with
// pings. When the registry closes the queue, any frames still buffered are
// written before the close frame.
func (s *session) writePump() {
	cfg := s.gw.config.Server
	ticker := time.NewTicker(cfg.PingInterval.Std())
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
		close(s.done)
	}()

	for {
		select {
		case env, ok := <-s.send:
			if !ok {
				code := websocket.CloseNormalClosure
				if s.gw.shuttingDown.Load() {
					code = websocket.CloseGoingAway
				}
				_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(cfg.WriteTimeout.Std()))
				return
			}
			// marked before the write so a client that has read the frame
			// never observes the older timestamp
			s.gw.registry.MarkSent(s.info.ID)
			if err := s.write(env); err != nil {
				s.logger.Debug("write failed", "type", env.Type, "error", err)
				return
			}
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout.Std())); err != nil {
				return
			}
		}
	}
}

func (s *session) write(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		s.logger.Error("dropping unencodable envelope", "type", env.Type, "error", err)
		return nil
	}
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.gw.config.Server.WriteTimeout.Std()))
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	s.gw.metrics.FramesSent.Inc()
	return nil
}

func (s *session) closeSocket(code int, text string) {
	s.setState(StateClosing)
	_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(s.gw.config.Server.WriteTimeout.Std()))
	_ = s.ws.Close()
	s.setState(StateClosed)
}

// close unregisters the connection and waits up to flush_timeout for the
// writer to drain. reason is empty when the registry already evicted it.
func (s *session) close(reason string) {
	s.setState(StateClosing)
	s.cancel()
	if reason != "" {
		s.gw.registry.Unregister(s.info.ID, reason)
	}

	select {
	case <-s.done:
	case <-time.After(s.gw.config.Server.FlushTimeout.Std()):
		s.logger.Warn("flush timeout, closing socket")
		_ = s.ws.Close()
		<-s.done
	}
	s.setState(StateClosed)
}

// remoteIP returns the client address, preferring the first
// X-Forwarded-For entry when the gateway sits behind a trusted proxy.
func remoteIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
