// ABOUTME: Ordered admission pipeline run once per connection handshake
// ABOUTME: Guards short-circuit on the first failure; observers always see the outcome

package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/stffns/QAI/internal/auth"
	"github.com/stffns/QAI/internal/metrics"
	"github.com/stffns/QAI/internal/protocol"
)

// Phase labels which pipeline entry point evaluated a stage.
const (
	PhaseHandshake = "handshake"
	PhaseMessage   = "message"
)

// Handshake describes one connection attempt flowing through the pipeline.
type Handshake struct {
	ConnID    string
	RemoteIP  string
	Origin    string
	UserAgent string
	Token     string
	Started   time.Time

	// Identity is set by the auth stage; nil for anonymous connections.
	Identity *auth.Identity
}

// Stage is one admission check.
type Stage interface {
	Name() string
	Check(ctx context.Context, h *Handshake) error
}

// Outcome is what observers learn about a pipeline run.
type Outcome struct {
	Handshake *Handshake
	Stage     string // last stage evaluated
	Err       *protocol.Error
	Duration  time.Duration
}

// Observer is notified after every handshake run, pass or fail.
type Observer interface {
	Observe(ctx context.Context, o Outcome)
}

// Disposition tells the gateway what to do with the connection after a rejection.
type Disposition int

const (
	Continue Disposition = iota
	KeepOpen
	Close
)

// DispositionOf maps a rejection to its connection disposition.
func DispositionOf(err error) Disposition {
	if err == nil {
		return Continue
	}
	if protocol.KindOf(err).Terminal() {
		return Close
	}
	return KeepOpen
}

// Pipeline runs guards in order and then notifies observers.
type Pipeline struct {
	stages    []Stage
	rate      Stage
	observers []Observer
	metrics   *metrics.Metrics
}

// New builds a pipeline over stages, in the order given. rate, when non-nil,
// is the stage re-run for every inbound message.
func New(m *metrics.Metrics, stages []Stage, rate Stage, observers ...Observer) *Pipeline {
	return &Pipeline{stages: stages, rate: rate, observers: observers, metrics: m}
}

// Run evaluates every guard against h, stopping at the first rejection.
// The returned error, if any, is a *protocol.Error.
func (p *Pipeline) Run(ctx context.Context, h *Handshake) error {
	start := time.Now()
	var last string
	var rejection *protocol.Error
	for _, s := range p.stages {
		last = s.Name()
		if err := p.evaluate(ctx, PhaseHandshake, s, h); err != nil {
			rejection = asProtocolError(err)
			break
		}
	}

	out := Outcome{Handshake: h, Stage: last, Err: rejection, Duration: time.Since(start)}
	for _, o := range p.observers {
		o.Observe(ctx, out)
	}
	if rejection != nil {
		return rejection
	}
	return nil
}

// CheckMessage charges one inbound message against the rate limit.
func (p *Pipeline) CheckMessage(ctx context.Context, h *Handshake) error {
	if p.rate == nil {
		return nil
	}
	if err := p.evaluate(ctx, PhaseMessage, p.rate, h); err != nil {
		return asProtocolError(err)
	}
	return nil
}

func (p *Pipeline) evaluate(ctx context.Context, phase string, s Stage, h *Handshake) error {
	err := s.Check(ctx, h)
	if p.metrics != nil {
		result := "pass"
		if err != nil {
			result = "reject"
		}
		p.metrics.StageEvaluations.WithLabelValues(phase, s.Name(), result).Inc()
	}
	return err
}

func asProtocolError(err error) *protocol.Error {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return pe
	}
	return &protocol.Error{Kind: protocol.KindTransportError, Message: err.Error(), Err: err}
}
