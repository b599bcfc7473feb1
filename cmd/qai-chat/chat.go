// ABOUTME: Interactive chat session against a qai-gateway WebSocket endpoint
// ABOUTME: Turns input lines into envelopes and prints whatever the gateway sends back

package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"github.com/stffns/QAI/internal/protocol"
)

// drainTimeout bounds how long the client waits for outstanding replies
// after input ends.
const drainTimeout = 90 * time.Second

var (
	gray   = color.New(color.FgHiBlack)
	cyan   = color.New(color.FgCyan)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
)

const help = `commands:
  /ping                 health check round trip
  /status               ask the gateway for its status
  /attach PATH [text]   send a file along with a message
  /token TOKEN          authenticate a connection opened without a token
  /quit                 close the connection
anything else is sent as a chat message`

// command is one parsed input line. The zero value means nothing to do.
type command struct {
	payload protocol.Payload
	raw     []byte
	quit    bool
	help    bool
}

func parseLine(line string, cfg ChatConfig) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return command{payload: chatMessage(line, cfg)}, nil
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/quit", "/exit":
		return command{quit: true}, nil
	case "/help":
		return command{help: true}, nil
	case "/ping":
		return command{payload: &protocol.HealthCheck{
			Status:    protocol.HealthPing,
			Timestamp: float64(time.Now().UnixMilli()) / 1000,
		}}, nil
	case "/status":
		return command{payload: &protocol.SystemEvent{EventName: "status", Severity: protocol.SeverityInfo}}, nil
	case "/token":
		if rest == "" {
			return command{}, errors.New("usage: /token TOKEN")
		}
		raw, err := json.Marshal(map[string]string{"token": rest})
		if err != nil {
			return command{}, err
		}
		return command{raw: raw}, nil
	case "/attach":
		path, text, _ := strings.Cut(rest, " ")
		if path == "" {
			return command{}, errors.New("usage: /attach PATH [text]")
		}
		att, err := readAttachment(path)
		if err != nil {
			return command{}, err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			text = "see attached " + att.Filename
		}
		msg := chatMessage(text, cfg)
		msg.Attachments = []protocol.Attachment{att}
		return command{payload: msg}, nil
	}
	return command{}, fmt.Errorf("unknown command %s (try /help)", name)
}

func chatMessage(text string, cfg ChatConfig) *protocol.ChatMessage {
	return &protocol.ChatMessage{
		Content:    text,
		Language:   cfg.Language,
		Locale:     cfg.Locale,
		ClientTime: time.Now().Format(time.RFC3339),
	}
}

func readAttachment(path string) (protocol.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.Attachment{}, fmt.Errorf("reading attachment: %w", err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return protocol.Attachment{
		Filename: filepath.Base(path),
		MimeType: mimeType,
		Size:     int64(len(data)),
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

// chat owns one gateway connection. Only the input loop writes to conn.
type chat struct {
	conn *websocket.Conn
	out  io.Writer
	mu   sync.Mutex // guards out and pending

	pending map[string]struct{}
	settled chan struct{}
}

func newChat(conn *websocket.Conn, out io.Writer) *chat {
	return &chat{
		conn:    conn,
		out:     out,
		pending: make(map[string]struct{}),
		settled: make(chan struct{}, 1),
	}
}

func (c *chat) printf(p *color.Color, format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p == nil {
		fmt.Fprintf(c.out, format, args...)
		return
	}
	p.Fprintf(c.out, format, args...)
}

func (c *chat) send(cmd command) error {
	if cmd.raw != nil {
		return c.conn.WriteMessage(websocket.TextMessage, cmd.raw)
	}
	env := protocol.New(cmd.payload)
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if _, ok := cmd.payload.(*protocol.ChatMessage); ok {
		c.mu.Lock()
		c.pending[env.ID] = struct{}{}
		c.mu.Unlock()
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *chat) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// readLoop prints every frame until the connection closes. A normal close
// returns nil.
func (c *chat) readLoop() error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
					c.printf(gray, "* connection closed (%d) %s\n", ce.Code, ce.Text)
					return nil
				}
				return fmt.Errorf("connection closed by gateway: %d %s", ce.Code, ce.Text)
			}
			return err
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.printf(yellow, "? undecodable frame: %v\n", err)
			continue
		}
		c.mu.Lock()
		render(c.out, env)
		if _, ok := c.pending[env.CorrelationID]; ok && !midStream(env) {
			delete(c.pending, env.CorrelationID)
			select {
			case c.settled <- struct{}{}:
			default:
			}
		}
		c.mu.Unlock()
	}
}

// midStream reports whether env opens or continues a streamed answer.
func midStream(env *protocol.Envelope) bool {
	return env.Type == protocol.TypeStreamStart || env.Type == protocol.TypeStreamChunk
}

func renderNotes(w io.Writer, tools []string, secs, confidence *float64) {
	var notes []string
	if len(tools) > 0 {
		notes = append(notes, "tools: "+strings.Join(tools, ", "))
	}
	if secs != nil {
		notes = append(notes, fmt.Sprintf("%.2fs", *secs))
	}
	if confidence != nil {
		notes = append(notes, fmt.Sprintf("confidence %.0f%%", *confidence*100))
	}
	if len(notes) > 0 {
		gray.Fprintf(w, "       (%s)\n", strings.Join(notes, ", "))
	}
}

// render writes a human-readable line for env. Streamed answers are written
// piecewise on one line.
func render(w io.Writer, env *protocol.Envelope) {
	switch p := env.Payload.(type) {
	case *protocol.AgentResponse:
		cyan.Fprint(w, "agent> ")
		fmt.Fprintln(w, p.Content)
		renderNotes(w, p.ToolsUsed, p.ExecutionTime, p.Confidence)
	case *protocol.StreamStart:
		cyan.Fprint(w, "agent> ")
	case *protocol.StreamChunk:
		fmt.Fprint(w, p.Chunk)
	case *protocol.StreamEnd:
		fmt.Fprintln(w)
		renderNotes(w, p.ToolsUsed, p.ExecutionTime, p.Confidence)
	case *protocol.ErrorEvent:
		red.Fprintf(w, "error [%s] ", p.ErrorCode)
		fmt.Fprint(w, p.ErrorMessage)
		if p.RetryAfter != nil {
			yellow.Fprintf(w, " (retry in %.1fs)", *p.RetryAfter)
		}
		fmt.Fprintln(w)
	case *protocol.SystemEvent:
		gray.Fprintf(w, "* %s", p.EventName)
		if p.Description != "" {
			gray.Fprintf(w, ": %s", p.Description)
		}
		if len(p.Data) > 0 {
			gray.Fprintf(w, " %s", formatData(p.Data))
		}
		fmt.Fprintln(w)
	case *protocol.ConnectionEvent:
		green.Fprintf(w, "* %s", p.EventType)
		if len(p.SessionData) > 0 {
			gray.Fprintf(w, " %s", formatData(p.SessionData))
		}
		fmt.Fprintln(w)
	case *protocol.HealthCheck:
		lag := time.Since(env.Time()).Round(time.Millisecond)
		gray.Fprintf(w, "* %s (%s)\n", p.Status, lag)
	default:
		gray.Fprintf(w, "* %s\n", env.Type)
	}
}

func formatData(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := data[k]
		if m, ok := v.(map[string]any); ok {
			v = "{" + formatData(m) + "}"
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}

// run connects, then relays input lines until input ends, /quit, ctx is
// cancelled, or the gateway closes the connection.
func run(ctx context.Context, cfg *Config, in io.Reader, out io.Writer) error {
	header := http.Header{}
	if cfg.Gateway.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Gateway.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.Gateway.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connecting to %s: %w (HTTP %d)", cfg.Gateway.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("connecting to %s: %w", cfg.Gateway.URL, err)
	}
	defer conn.Close()

	c := newChat(conn, out)
	c.printf(gray, "connected to %s, /help for commands\n", cfg.Gateway.URL)

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return c.hangUp(readErr, 0)
		case err := <-readErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return c.hangUp(readErr, drainTimeout)
			}
			cmd, err := parseLine(line, cfg.Chat)
			if err != nil {
				c.printf(yellow, "%v\n", err)
				continue
			}
			switch {
			case cmd.quit:
				return c.hangUp(readErr, 0)
			case cmd.help:
				c.printf(nil, "%s\n", help)
			case cmd.payload != nil || cmd.raw != nil:
				if err := c.send(cmd); err != nil {
					return fmt.Errorf("sending: %w", err)
				}
			}
		}
	}
}

// hangUp waits up to wait for outstanding chat replies, then sends a close
// frame and waits briefly for the gateway to acknowledge it.
func (c *chat) hangUp(readErr <-chan error, wait time.Duration) error {
	if closed, err := c.awaitReplies(readErr, wait); closed {
		return err
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		return nil
	}
	select {
	case err := <-readErr:
		return err
	case <-time.After(2 * time.Second):
		return nil
	}
}

// awaitReplies reports closed=true if the connection ended while waiting.
func (c *chat) awaitReplies(readErr <-chan error, wait time.Duration) (bool, error) {
	deadline := time.After(wait)
	for c.outstanding() > 0 {
		select {
		case <-c.settled:
		case err := <-readErr:
			return true, err
		case <-deadline:
			c.printf(yellow, "giving up on %d outstanding replies\n", c.outstanding())
			return false, nil
		}
	}
	return false, nil
}
