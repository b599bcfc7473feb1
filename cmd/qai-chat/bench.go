// ABOUTME: Response-time measurement mode for qai-chat
// ABOUTME: Sends a fixed message repeatedly over one connection and reports latency

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stffns/QAI/internal/protocol"
)

// benchResult summarizes one bench run.
type benchResult struct {
	Samples []time.Duration
	Errors  int
}

func (r benchResult) percentile(p float64) time.Duration {
	if len(r.Samples) == 0 {
		return 0
	}
	sorted := slices.Clone(r.Samples)
	slices.Sort(sorted)
	idx := int(p*float64(len(sorted)-1) + 0.5)
	return sorted[idx]
}

func (r benchResult) mean() time.Duration {
	if len(r.Samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range r.Samples {
		total += s
	}
	return total / time.Duration(len(r.Samples))
}

// rating grades a response time against the agent's targets.
func rating(d time.Duration) string {
	switch {
	case d <= 5*time.Second:
		return "excellent"
	case d <= 10*time.Second:
		return "good"
	case d <= 15*time.Second:
		return "acceptable"
	default:
		return "slow"
	}
}

// bench sends message n times, waiting for each reply before the next, and
// gives up on a single reply after timeout.
func bench(ctx context.Context, cfg *Config, n int, message string, timeout time.Duration) (benchResult, error) {
	var res benchResult

	header := http.Header{}
	if cfg.Gateway.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Gateway.Token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.Gateway.URL, header)
	if err != nil {
		return res, fmt.Errorf("connecting to %s: %w", cfg.Gateway.URL, err)
	}
	defer conn.Close()

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		env := protocol.New(chatMessage(message, cfg.Chat))
		data, err := protocol.Encode(env)
		if err != nil {
			return res, err
		}

		start := time.Now()
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return res, fmt.Errorf("sending: %w", err)
		}

		reply, err := awaitReply(conn, env.ID, start.Add(timeout))
		if err != nil {
			return res, err
		}
		if reply.Type == protocol.TypeAgentResponse || reply.Type == protocol.TypeStreamEnd {
			res.Samples = append(res.Samples, time.Since(start))
		} else {
			res.Errors++
		}
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bench done")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return res, nil
}

// awaitReply skips frames until the final one correlated with id arrives.
// Stream start and chunk frames are not final.
func awaitReply(conn *websocket.Conn, id string, deadline time.Time) (*protocol.Envelope, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("waiting for reply to %s: %w", id, err)
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if env.CorrelationID == id && !midStream(env) {
			return env, nil
		}
	}
}

func printBench(w io.Writer, res benchResult) {
	fmt.Fprintf(w, "requests: %d ok, %d failed\n", len(res.Samples), res.Errors)
	if len(res.Samples) == 0 {
		return
	}
	fmt.Fprintf(w, "min %s  mean %s  p95 %s  max %s\n",
		res.percentile(0).Round(time.Millisecond),
		res.mean().Round(time.Millisecond),
		res.percentile(0.95).Round(time.Millisecond),
		res.percentile(1).Round(time.Millisecond),
	)
	mean := res.mean()
	c := green
	if mean > 10*time.Second {
		c = yellow
	}
	c.Fprintf(w, "rating: %s\n", rating(mean))
}
