// ABOUTME: Envelope type wrapping every message exchanged over the gateway socket
// ABOUTME: Defines message types, protocol versions and envelope construction helpers

package protocol

import (
	"time"

	"github.com/google/uuid"
)

// MessageType is the discriminator shared by Envelope.Type and payload.message_type.
type MessageType string

const (
	TypeChatMessage     MessageType = "chat_message"
	TypeAgentResponse   MessageType = "agent_response"
	TypeStreamStart     MessageType = "agent_response_stream_start"
	TypeStreamChunk     MessageType = "agent_response_stream_chunk"
	TypeStreamEnd       MessageType = "agent_response_stream_end"
	TypeSystemEvent     MessageType = "system_event"
	TypeErrorEvent      MessageType = "error_event"
	TypeConnectionEvent MessageType = "connection_event"
	TypeHealthCheck     MessageType = "health_check"
)

// ProtocolVersion identifies the envelope schema revision a peer speaks.
type ProtocolVersion string

const (
	Version10 ProtocolVersion = "1.0"
	Version11 ProtocolVersion = "1.1"
	Version20 ProtocolVersion = "2.0"

	// CurrentVersion is stamped on envelopes the gateway originates.
	CurrentVersion = Version20
)

// Known reports whether v is a version this gateway has a compatibility story for.
func (v ProtocolVersion) Known() bool {
	switch v {
	case Version10, Version11, Version20:
		return true
	}
	return false
}

// Envelope is the outer frame for every message. Treat it as a value: build
// replies with Reply instead of mutating a received envelope.
type Envelope struct {
	Type          MessageType
	Version       ProtocolVersion
	ID            string
	Timestamp     int64 // unix milliseconds
	Payload       Payload
	SessionID     string
	UserID        string
	CorrelationID string
}

// NewID returns a fresh 128-bit random envelope identifier.
func NewID() string {
	return uuid.NewString()
}

// New wraps p in an envelope stamped with a new id, the current version and time.
func New(p Payload) *Envelope {
	return &Envelope{
		Type:      p.MessageType(),
		Version:   CurrentVersion,
		ID:        NewID(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   p,
	}
}

// Reply builds a response envelope correlated to e. The reply keeps e's
// session and user, and mirrors e's version when it is one we know.
func (e *Envelope) Reply(p Payload) *Envelope {
	r := New(p)
	r.CorrelationID = e.ID
	r.SessionID = e.SessionID
	r.UserID = e.UserID
	if e.Version.Known() {
		r.Version = e.Version
	}
	return r
}

// Time returns the envelope timestamp as a time.Time.
func (e *Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}
