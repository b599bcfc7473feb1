// ABOUTME: Boundary to the backend conversational service that answers chat messages
// ABOUTME: Defines the request/result shapes and picks a backend implementation

package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stffns/QAI/internal/protocol"
)

// ErrEmptyResponse indicates the backend answered without content.
var ErrEmptyResponse = errors.New("agent returned an empty response")

// Request is one chat message handed to the Agent Service. Attachment data is
// not forwarded; staged file paths travel in Metadata["attachments_paths"].
// RequestID is assigned by a backend, never by the client.
type Request struct {
	Content       string                `json:"content"`
	Attachments   []protocol.Attachment `json:"attachments,omitempty"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
	SessionID     string                `json:"session_id,omitempty"`
	UserID        string                `json:"user_id,omitempty"`
	CorrelationID string                `json:"correlation_id,omitempty"`
	RequestID     string                `json:"request_id,omitempty"`
}

// Result is the Agent Service's answer.
type Result struct {
	Content       string                `json:"content"`
	ResponseType  protocol.ResponseType `json:"response_type,omitempty"`
	ToolsUsed     []string              `json:"tools_used,omitempty"`
	ExecutionTime *float64              `json:"execution_time,omitempty"` // seconds
	Confidence    *float64              `json:"confidence,omitempty"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
	Error         string                `json:"error,omitempty"`
}

// Service processes chat messages. Implementations must honor ctx cancellation.
type Service interface {
	Process(ctx context.Context, req *Request) (*Result, error)
}

// Chunk is one piece of a streamed answer. The final chunk has Done set and
// carries either the Result or Err.
type Chunk struct {
	Text   string
	Done   bool
	Result *Result
	Err    error
}

// StreamingService is a Service that can also answer incrementally. The
// returned channel is closed after the Done chunk or when ctx ends.
type StreamingService interface {
	Service
	ProcessStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// Backend names accepted by New.
const (
	BackendEcho  = "echo"
	BackendHTTP  = "http"
	BackendRedis = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend     string
	HTTPURL     string
	RedisURL    string
	Stream      string
	ReplyPrefix string
	Timeout     time.Duration
}

// New builds the Service named by opts.Backend.
func New(opts Options) (Service, error) {
	switch opts.Backend {
	case "", BackendEcho:
		return NewEchoService(), nil
	case BackendHTTP:
		return NewHTTPService(opts.HTTPURL, opts.Timeout)
	case BackendRedis:
		return NewRedisService(opts.RedisURL, opts.Stream, opts.ReplyPrefix)
	}
	return nil, fmt.Errorf("unknown agent backend %q", opts.Backend)
}

// checkResult normalizes a backend answer.
func checkResult(res *Result) (*Result, error) {
	if res.Error != "" {
		return nil, errors.New(res.Error)
	}
	if res.Content == "" {
		return nil, ErrEmptyResponse
	}
	return res, nil
}
