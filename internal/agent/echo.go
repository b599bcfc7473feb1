// ABOUTME: Development Agent Service that answers with the received content
// ABOUTME: Lets the gateway run end to end without a real backend

package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EchoService replies with the request content.
type EchoService struct{}

// NewEchoService creates an EchoService.
func NewEchoService() *EchoService { return &EchoService{} }

// Process implements Service.
func (*EchoService) Process(ctx context.Context, req *Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	content := req.Content
	if paths, ok := req.Metadata["attachments_paths"].([]string); ok && len(paths) > 0 {
		content = fmt.Sprintf("%s (%d attachments)", content, len(paths))
	}
	elapsed := time.Since(start).Seconds()
	confidence := 1.0
	return &Result{
		Content:       content,
		ToolsUsed:     []string{"echo"},
		ExecutionTime: &elapsed,
		Confidence:    &confidence,
	}, nil
}

// ProcessStream implements StreamingService, sending the answer one word at
// a time.
func (e *EchoService) ProcessStream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	res, err := e.Process(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan *Chunk, 16)
	go func() {
		defer close(out)
		for _, word := range strings.SplitAfter(res.Content, " ") {
			if word == "" {
				continue
			}
			select {
			case out <- &Chunk{Text: word}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- &Chunk{Done: true, Result: res}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
