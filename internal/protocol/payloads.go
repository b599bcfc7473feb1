// ABOUTME: Payload variants carried inside an envelope, keyed by message_type
// ABOUTME: Each variant validates its own field constraints and applies defaults

package protocol

import (
	"fmt"
	"unicode/utf8"
)

// MaxChatContentLength bounds ChatMessage.Content, counted in characters.
const MaxChatContentLength = 10000

// Payload is implemented only by the variants in this package. Slice and map
// fields are tagged omitzero: nil is omitted, empty is sent as [] or {}.
type Payload interface {
	MessageType() MessageType
	Validate() error
	applyDefaults()
}

// Attachment is a file shipped inline with a chat message. Data is base64.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size"`
	Data     string `json:"data,omitempty"`
}

// ChatMessage is a user utterance bound for the Agent Service.
type ChatMessage struct {
	Content     string         `json:"content"`
	Attachments []Attachment   `json:"attachments,omitzero"`
	Metadata    map[string]any `json:"metadata,omitzero"`
	Language    string         `json:"language,omitempty"`
	Locale      string         `json:"locale,omitempty"`
	ClientTime  string         `json:"timestamp,omitempty"`
}

func (*ChatMessage) MessageType() MessageType { return TypeChatMessage }
func (*ChatMessage) applyDefaults()           {}

func (m *ChatMessage) Validate() error {
	n := utf8.RuneCountInString(m.Content)
	if n == 0 {
		return Validation("payload.content", "must not be empty")
	}
	if n > MaxChatContentLength {
		return Validation("payload.content", fmt.Sprintf("must be at most %d characters", MaxChatContentLength))
	}
	for i, a := range m.Attachments {
		if a.Filename == "" {
			return Validation(fmt.Sprintf("payload.attachments[%d].filename", i), "must not be empty")
		}
		if a.Size < 0 {
			return Validation(fmt.Sprintf("payload.attachments[%d].size", i), "must be non-negative")
		}
	}
	return nil
}

// ResponseType describes how AgentResponse.Content should be rendered.
type ResponseType string

const (
	ResponseText       ResponseType = "text"
	ResponseMarkdown   ResponseType = "markdown"
	ResponseStructured ResponseType = "structured"
)

// AgentResponse carries the Agent Service's answer to a ChatMessage.
type AgentResponse struct {
	Content       string         `json:"content"`
	ResponseType  ResponseType   `json:"response_type"`
	ToolsUsed     []string       `json:"tools_used,omitzero"`
	ExecutionTime *float64       `json:"execution_time,omitempty"`
	Confidence    *float64       `json:"confidence,omitempty"`
	Metadata      map[string]any `json:"metadata,omitzero"`
}

func (*AgentResponse) MessageType() MessageType { return TypeAgentResponse }

func (r *AgentResponse) applyDefaults() {
	if r.ResponseType == "" {
		r.ResponseType = ResponseText
	}
}

func (r *AgentResponse) Validate() error {
	if r.Content == "" {
		return Validation("payload.content", "must not be empty")
	}
	if err := validResponseType(r.ResponseType); err != nil {
		return err
	}
	if r.ExecutionTime != nil && *r.ExecutionTime < 0 {
		return Validation("payload.execution_time", "must be non-negative")
	}
	if r.Confidence != nil && (*r.Confidence < 0 || *r.Confidence > 1) {
		return Validation("payload.confidence", "must be between 0 and 1")
	}
	return nil
}

// StreamStart opens a streamed AgentResponse. Chunks and the closing
// StreamEnd carry the same correlation id.
type StreamStart struct {
	ResponseType    ResponseType   `json:"response_type"`
	EstimatedLength *int           `json:"estimated_length,omitempty"`
	Metadata        map[string]any `json:"metadata,omitzero"`
}

func (*StreamStart) MessageType() MessageType { return TypeStreamStart }

func (s *StreamStart) applyDefaults() {
	if s.ResponseType == "" {
		s.ResponseType = ResponseText
	}
}

func (s *StreamStart) Validate() error {
	if err := validResponseType(s.ResponseType); err != nil {
		return err
	}
	if s.EstimatedLength != nil && *s.EstimatedLength < 0 {
		return Validation("payload.estimated_length", "must be non-negative")
	}
	return nil
}

// StreamChunk is one piece of a streamed AgentResponse, numbered from 0.
type StreamChunk struct {
	Chunk      string `json:"chunk"`
	ChunkIndex int    `json:"chunk_index"`
	IsComplete bool   `json:"is_complete"`
}

func (*StreamChunk) MessageType() MessageType { return TypeStreamChunk }
func (*StreamChunk) applyDefaults()           {}

func (c *StreamChunk) Validate() error {
	if c.Chunk == "" {
		return Validation("payload.chunk", "must not be empty")
	}
	if c.ChunkIndex < 0 {
		return Validation("payload.chunk_index", "must be non-negative")
	}
	return nil
}

// StreamEnd closes a streamed AgentResponse. FullContent is the
// concatenation of every chunk.
type StreamEnd struct {
	TotalChunks   int            `json:"total_chunks"`
	FullContent   string         `json:"full_content"`
	ToolsUsed     []string       `json:"tools_used,omitzero"`
	ExecutionTime *float64       `json:"execution_time,omitempty"`
	Confidence    *float64       `json:"confidence,omitempty"`
	Metadata      map[string]any `json:"metadata,omitzero"`
}

func (*StreamEnd) MessageType() MessageType { return TypeStreamEnd }
func (*StreamEnd) applyDefaults()           {}

func (e *StreamEnd) Validate() error {
	if e.TotalChunks < 0 {
		return Validation("payload.total_chunks", "must be non-negative")
	}
	if e.ExecutionTime != nil && *e.ExecutionTime < 0 {
		return Validation("payload.execution_time", "must be non-negative")
	}
	if e.Confidence != nil && (*e.Confidence < 0 || *e.Confidence > 1) {
		return Validation("payload.confidence", "must be between 0 and 1")
	}
	return nil
}

func validResponseType(t ResponseType) error {
	switch t {
	case ResponseText, ResponseMarkdown, ResponseStructured:
		return nil
	}
	return Validation("payload.response_type", "must be one of text, markdown, structured")
}

// Severity grades a SystemEvent.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// SystemEvent is an out-of-band notification, in either direction.
type SystemEvent struct {
	EventName   string         `json:"event_name"`
	Description string         `json:"description,omitempty"`
	Severity    Severity       `json:"severity"`
	Data        map[string]any `json:"data,omitzero"`
}

func (*SystemEvent) MessageType() MessageType { return TypeSystemEvent }

func (e *SystemEvent) applyDefaults() {
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
}

func (e *SystemEvent) Validate() error {
	if e.EventName == "" {
		return Validation("payload.event_name", "must not be empty")
	}
	switch e.Severity {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
	default:
		return Validation("payload.severity", "must be one of info, warning, error, critical")
	}
	return nil
}

// ErrorEvent reports a rejected frame or a failed request to the client.
type ErrorEvent struct {
	ErrorCode    string   `json:"error_code"`
	ErrorMessage string   `json:"error_message"`
	Details      string   `json:"details,omitempty"`
	RetryCount   int      `json:"retry_count"`
	RetryAfter   *float64 `json:"retry_after,omitempty"` // seconds
}

func (*ErrorEvent) MessageType() MessageType { return TypeErrorEvent }
func (*ErrorEvent) applyDefaults()           {}

func (e *ErrorEvent) Validate() error {
	if e.ErrorCode == "" {
		return Validation("payload.error_code", "must not be empty")
	}
	if e.ErrorMessage == "" {
		return Validation("payload.error_message", "must not be empty")
	}
	if e.RetryCount < 0 {
		return Validation("payload.retry_count", "must be non-negative")
	}
	if e.RetryAfter != nil && *e.RetryAfter <= 0 {
		return Validation("payload.retry_after", "must be positive")
	}
	return nil
}

// ConnectionEventType names a connection lifecycle transition.
type ConnectionEventType string

const (
	ConnectionConnected    ConnectionEventType = "connected"
	ConnectionDisconnected ConnectionEventType = "disconnected"
	ConnectionReconnected  ConnectionEventType = "reconnected"
)

// ConnectionEvent announces a lifecycle transition of a connection.
type ConnectionEvent struct {
	EventType   ConnectionEventType `json:"event_type"`
	ClientInfo  map[string]any      `json:"client_info,omitzero"`
	SessionData map[string]any      `json:"session_data,omitzero"`
}

func (*ConnectionEvent) MessageType() MessageType { return TypeConnectionEvent }

func (e *ConnectionEvent) applyDefaults() {
	if e.EventType == "" {
		e.EventType = ConnectionConnected
	}
}

func (e *ConnectionEvent) Validate() error {
	switch e.EventType {
	case ConnectionConnected, ConnectionDisconnected, ConnectionReconnected:
		return nil
	}
	return Validation("payload.event_type", "must be one of connected, disconnected, reconnected")
}

// HealthStatus is ping for a probe and pong for its answer.
type HealthStatus string

const (
	HealthPing HealthStatus = "ping"
	HealthPong HealthStatus = "pong"
)

// HealthCheck is an application-level liveness probe.
type HealthCheck struct {
	Status    HealthStatus   `json:"status"`
	Timestamp float64        `json:"timestamp"` // unix seconds
	Metrics   map[string]any `json:"metrics,omitzero"`
}

func (*HealthCheck) MessageType() MessageType { return TypeHealthCheck }

func (h *HealthCheck) applyDefaults() {
	if h.Status == "" {
		h.Status = HealthPing
	}
}

func (h *HealthCheck) Validate() error {
	if h.Status != HealthPing && h.Status != HealthPong {
		return Validation("payload.status", "must be ping or pong")
	}
	if h.Timestamp < 0 {
		return Validation("payload.timestamp", "must be non-negative")
	}
	return nil
}

// newPayload returns an empty variant for a discriminator, or nil if unknown.
func newPayload(t MessageType) Payload {
	switch t {
	case TypeChatMessage:
		return &ChatMessage{}
	case TypeAgentResponse:
		return &AgentResponse{}
	case TypeStreamStart:
		return &StreamStart{}
	case TypeStreamChunk:
		return &StreamChunk{}
	case TypeStreamEnd:
		return &StreamEnd{}
	case TypeSystemEvent:
		return &SystemEvent{}
	case TypeErrorEvent:
		return &ErrorEvent{}
	case TypeConnectionEvent:
		return &ConnectionEvent{}
	case TypeHealthCheck:
		return &HealthCheck{}
	}
	return nil
}
