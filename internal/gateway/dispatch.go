// ABOUTME: Routes decoded client envelopes to their handlers
// ABOUTME: Chat goes to the agent backend; pings, status and health checks are answered locally

package gateway

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/stffns/QAI/internal/agent"
	"github.com/stffns/QAI/internal/pipeline"
	"github.com/stffns/QAI/internal/protocol"
)

// handleFrame decodes and dispatches one inbound frame. Every rejected frame
// produces exactly one ErrorEvent.
func (s *session) handleFrame(raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		s.reject(protocol.Peek(raw), err)
		return
	}
	// The connection owns the session; whatever the client sent is replaced.
	env.SessionID = s.info.SessionID
	if err := s.checkUser(env); err != nil {
		s.reject(env, err)
		return
	}
	if err := s.gw.pipeline.CheckMessage(s.ctx, s.hs); err != nil {
		s.gw.registry.RecordThrottle(s.info.ID)
		s.reject(env, err)
		return
	}
	s.dispatch(env)
}

// checkUser rejects envelopes on an authenticated connection that claim a
// different user.
func (s *session) checkUser(env *protocol.Envelope) error {
	if s.info.Authenticated && env.UserID != "" && env.UserID != s.info.UserID {
		return protocol.Validation("user_id", "must match the authenticated user")
	}
	return nil
}

func (s *session) reject(req *protocol.Envelope, err error) {
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		pe = &protocol.Error{Kind: protocol.KindTransportError, Message: err.Error(), Err: err}
	}
	s.gw.metrics.FrameErrors.WithLabelValues(string(pe.Kind)).Inc()
	s.logger.Debug("frame rejected", "kind", pe.Kind, "error", pe.Error())

	s.enqueue(s.stamp(protocol.ErrorEnvelope(req, pe)))
}

func (s *session) reply(req *protocol.Envelope, p protocol.Payload) {
	s.enqueue(s.stamp(req.Reply(p)))
}

func (s *session) dispatch(env *protocol.Envelope) {
	switch p := env.Payload.(type) {
	case *protocol.ChatMessage:
		s.handleChat(env, p)
	case *protocol.SystemEvent:
		s.handleSystemEvent(env, p)
	case *protocol.HealthCheck:
		if p.Status == protocol.HealthPing {
			s.reply(env, protocol.NewPong(time.Now(), nil))
		}
	default:
		s.reject(env, protocol.Newf(protocol.KindUnsupportedMessage, "%s is not accepted from clients", env.Type))
	}
}

func (s *session) handleSystemEvent(env *protocol.Envelope, ev *protocol.SystemEvent) {
	switch ev.EventName {
	case "ping":
		s.reply(env, protocol.NewPong(time.Now(), nil))
	case "status":
		s.reply(env, protocol.NewSystemEvent("server_status", "gateway status", protocol.SeverityInfo, s.statusData()))
	default:
		s.logger.Debug("ignoring client system event", "event_name", ev.EventName)
	}
}

func (s *session) statusData() map[string]any {
	data := map[string]any{
		"server_version":    Version,
		"uptime_seconds":    int64(s.gw.clock.Since(s.gw.started).Seconds()),
		"connections":       s.gw.registry.Count(),
		"max_connections":   s.gw.config.Server.MaxConnections,
		"connection_id":     s.info.ID,
		"authenticated":     s.info.Authenticated,
		"rate_limit_window": s.gw.config.RateLimit.Window.String(),
	}
	if remaining := s.gw.security.RemainingRequests(pipeline.RateKey(s.hs)); remaining >= 0 {
		data["rate_limit_remaining"] = remaining
	}
	if info, ok := s.gw.registry.Lookup(s.info.ID); ok {
		data["messages"] = info.MessageCount
		data["throttled"] = info.ThrottledCount
		data["connected_seconds"] = int64(s.gw.clock.Since(info.ConnectedAt).Seconds())
	}
	st := s.gw.security.Stats()
	data["security"] = map[string]any{
		"auth_failures":      st.AuthFailures,
		"rate_limit_hits":    st.RateLimitHits,
		"blocked_attempts":   st.BlockedAttempts,
		"origin_rejections":  st.OriginRejections,
		"tracked_identities": st.TrackedIdentities,
	}
	return data
}

// handleChat stages attachments and forwards the message to the agent
// backend. The agent call is bounded by agent.timeout and by the connection.
func (s *session) handleChat(env *protocol.Envelope, msg *protocol.ChatMessage) {
	key := s.info.SessionID + "/" + env.ID
	if s.gw.dedupe != nil {
		if s.gw.dedupe.Observe(key) {
			s.reject(env, protocol.Validation("id", "repeats a chat message sent moments ago"))
			return
		}
	}
	// A failed attempt may be retried under the same id.
	answered := false
	defer func() {
		if !answered && s.gw.dedupe != nil {
			s.gw.dedupe.Forget(key)
		}
	}()

	metadata := make(map[string]any, len(msg.Metadata)+1)
	maps.Copy(metadata, msg.Metadata)

	if len(msg.Attachments) > 0 {
		paths, err := s.gw.staging.Stage(s.info.SessionID, msg.Attachments)
		if err != nil {
			var pe *protocol.Error
			if !errors.As(err, &pe) {
				pe = &protocol.Error{Kind: protocol.KindAgentProcessingFailed, Message: "failed to stage attachments", Err: err}
			}
			s.reject(env, pe)
			return
		}
		metadata["attachments_paths"] = paths
		s.gw.metrics.AttachmentsStaged.Add(float64(len(paths)))
	}

	attachments := make([]protocol.Attachment, len(msg.Attachments))
	for i, a := range msg.Attachments {
		a.Data = ""
		attachments[i] = a
	}

	req := &agent.Request{
		Content:       msg.Content,
		Attachments:   attachments,
		Metadata:      metadata,
		SessionID:     s.info.SessionID,
		UserID:        s.info.UserID,
		CorrelationID: env.ID,
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.gw.config.Agent.Timeout.Std())
	defer cancel()

	if streamer, ok := s.gw.agent.(agent.StreamingService); ok && s.gw.config.Agent.Stream {
		answered = s.streamChat(ctx, env, streamer, req)
		return
	}

	start := time.Now()
	res, err := s.gw.agent.Process(ctx, req)
	elapsed := time.Since(start)
	s.gw.metrics.AgentDuration.Observe(elapsed.Seconds())

	if s.ctx.Err() != nil {
		// Connection closed while the agent was working; nobody to answer.
		s.gw.metrics.AgentRequests.WithLabelValues("discarded").Inc()
		return
	}
	if err != nil {
		s.agentFailed(env, err)
		return
	}

	resp := &protocol.AgentResponse{
		Content:       res.Content,
		ResponseType:  res.ResponseType,
		ToolsUsed:     res.ToolsUsed,
		ExecutionTime: res.ExecutionTime,
		Confidence:    res.Confidence,
		Metadata:      res.Metadata,
	}
	if resp.ResponseType == "" {
		resp.ResponseType = protocol.ResponseText
	}
	if resp.ExecutionTime == nil {
		secs := elapsed.Seconds()
		resp.ExecutionTime = &secs
	}
	if err := resp.Validate(); err != nil {
		s.agentFailed(env, err)
		return
	}

	answered = true
	s.gw.metrics.AgentRequests.WithLabelValues("ok").Inc()
	s.reply(env, resp)
}

// streamChat relays a streamed answer as a start frame, one frame per chunk
// and an end frame. A failure after the start frame is reported with an
// ErrorEvent in place of the end frame.
func (s *session) streamChat(ctx context.Context, env *protocol.Envelope, svc agent.StreamingService, req *agent.Request) bool {
	start := time.Now()
	chunks, err := svc.ProcessStream(ctx, req)
	if err != nil {
		s.gw.metrics.AgentDuration.Observe(time.Since(start).Seconds())
		if s.ctx.Err() == nil {
			s.agentFailed(env, err)
		}
		return false
	}
	s.reply(env, &protocol.StreamStart{ResponseType: protocol.ResponseText})

	var (
		full strings.Builder
		sent int
		res  *agent.Result
	)
	for c := range chunks {
		if c.Done {
			res, err = c.Result, c.Err
			break
		}
		if c.Text == "" {
			continue
		}
		s.reply(env, &protocol.StreamChunk{Chunk: c.Text, ChunkIndex: sent})
		full.WriteString(c.Text)
		sent++
	}
	elapsed := time.Since(start)
	s.gw.metrics.AgentDuration.Observe(elapsed.Seconds())

	if s.ctx.Err() != nil {
		s.gw.metrics.AgentRequests.WithLabelValues("discarded").Inc()
		return false
	}
	if err == nil && res == nil {
		if err = ctx.Err(); err == nil {
			err = errors.New("stream ended without a result")
		}
	}
	if err != nil {
		s.agentFailed(env, err)
		return false
	}

	end := &protocol.StreamEnd{
		TotalChunks:   sent,
		FullContent:   full.String(),
		ToolsUsed:     res.ToolsUsed,
		ExecutionTime: res.ExecutionTime,
		Confidence:    res.Confidence,
		Metadata:      res.Metadata,
	}
	if end.ExecutionTime == nil {
		secs := elapsed.Seconds()
		end.ExecutionTime = &secs
	}
	if err := end.Validate(); err != nil {
		s.agentFailed(env, err)
		return false
	}
	s.gw.metrics.AgentRequests.WithLabelValues("ok").Inc()
	s.reply(env, end)
	return true
}

func (s *session) agentFailed(env *protocol.Envelope, err error) {
	result := "error"
	if errors.Is(err, context.DeadlineExceeded) {
		result = "timeout"
	}
	s.gw.metrics.AgentRequests.WithLabelValues(result).Inc()
	s.logger.Warn("agent processing failed", "correlation_id", env.ID, "error", err)
	s.reject(env, &protocol.Error{
		Kind:    protocol.KindAgentProcessingFailed,
		Message: "agent processing failed: " + err.Error(),
		Err:     err,
	})
}
