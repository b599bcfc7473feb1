// ABOUTME: Constructors for the envelopes the gateway originates
// ABOUTME: Covers welcome, pong, status, connection lifecycle and error replies

package protocol

import "time"

// NewAgentResponse builds a text AgentResponse payload.
func NewAgentResponse(content string) *AgentResponse {
	return &AgentResponse{Content: content, ResponseType: ResponseText}
}

// NewSystemEvent builds a SystemEvent payload.
func NewSystemEvent(name, description string, severity Severity, data map[string]any) *SystemEvent {
	if severity == "" {
		severity = SeverityInfo
	}
	return &SystemEvent{EventName: name, Description: description, Severity: severity, Data: data}
}

// NewConnectionEvent builds a ConnectionEvent payload.
func NewConnectionEvent(t ConnectionEventType, clientInfo map[string]any) *ConnectionEvent {
	return &ConnectionEvent{EventType: t, ClientInfo: clientInfo}
}

// NewPong answers a ping with the server time and optional metrics.
func NewPong(now time.Time, metrics map[string]any) *HealthCheck {
	return &HealthCheck{
		Status:    HealthPong,
		Timestamp: float64(now.UnixMilli()) / 1000,
		Metrics:   metrics,
	}
}

// ErrorEnvelope builds the ErrorEvent envelope for err, correlated to the
// request that caused it when req is non-nil.
func ErrorEnvelope(req *Envelope, err *Error) *Envelope {
	if req != nil {
		return req.Reply(err.Payload())
	}
	return New(err.Payload())
}
