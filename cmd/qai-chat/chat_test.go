// ABOUTME: Tests for qai-chat input parsing, rendering, config and a live session
// ABOUTME: The session test runs the client against an in-process gateway

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stffns/QAI/internal/config"
	"github.com/stffns/QAI/internal/gateway"
	"github.com/stffns/QAI/internal/protocol"
)

const testSecret = "test-secret-key-for-jwt-signing-0123456789"

func init() {
	color.NoColor = true
}

func TestParseLine(t *testing.T) {
	cfg := ChatConfig{Language: "es", Locale: "es-CO"}

	cmd, err := parseLine("  hola  ", cfg)
	require.NoError(t, err)
	msg, ok := cmd.payload.(*protocol.ChatMessage)
	require.True(t, ok)
	assert.Equal(t, "hola", msg.Content)
	assert.Equal(t, "es", msg.Language)
	assert.Equal(t, "es-CO", msg.Locale)

	cmd, err = parseLine("", cfg)
	require.NoError(t, err)
	assert.Equal(t, command{}, cmd)

	cmd, err = parseLine("/ping", cfg)
	require.NoError(t, err)
	hc, ok := cmd.payload.(*protocol.HealthCheck)
	require.True(t, ok)
	assert.Equal(t, protocol.HealthPing, hc.Status)

	cmd, err = parseLine("/status", cfg)
	require.NoError(t, err)
	ev, ok := cmd.payload.(*protocol.SystemEvent)
	require.True(t, ok)
	assert.Equal(t, "status", ev.EventName)

	cmd, err = parseLine("/token abc.def", cfg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"abc.def"}`, string(cmd.raw))

	cmd, err = parseLine("/quit", cfg)
	require.NoError(t, err)
	assert.True(t, cmd.quit)

	cmd, err = parseLine("/help", cfg)
	require.NoError(t, err)
	assert.True(t, cmd.help)

	_, err = parseLine("/token", cfg)
	assert.Error(t, err)
	_, err = parseLine("/bogus", cfg)
	assert.ErrorContains(t, err, "unknown command /bogus")
}

func TestParseLineAttach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	cmd, err := parseLine("/attach "+path+" summarize this", ChatConfig{})
	require.NoError(t, err)
	msg, ok := cmd.payload.(*protocol.ChatMessage)
	require.True(t, ok)
	assert.Equal(t, "summarize this", msg.Content)
	require.Len(t, msg.Attachments, 1)
	att := msg.Attachments[0]
	assert.Equal(t, "notes.txt", att.Filename)
	assert.Equal(t, int64(5), att.Size)
	assert.True(t, strings.HasPrefix(att.MimeType, "text/plain"))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello")), att.Data)
	require.NoError(t, msg.Validate())

	cmd, err = parseLine("/attach "+path, ChatConfig{})
	require.NoError(t, err)
	assert.Equal(t, "see attached notes.txt", cmd.payload.(*protocol.ChatMessage).Content)

	_, err = parseLine("/attach /does/not/exist", ChatConfig{})
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	secs, conf, retry := 1.5, 0.9, 2.0

	tests := []struct {
		name    string
		payload protocol.Payload
		want    []string
	}{
		{
			name: "agent response",
			payload: &protocol.AgentResponse{
				Content:       "hi there",
				ResponseType:  protocol.ResponseText,
				ToolsUsed:     []string{"search"},
				ExecutionTime: &secs,
				Confidence:    &conf,
			},
			want: []string{"agent> hi there", "tools: search", "1.50s", "confidence 90%"},
		},
		{
			name:    "error",
			payload: &protocol.ErrorEvent{ErrorCode: "RateLimited", ErrorMessage: "slow down", RetryAfter: &retry},
			want:    []string{"error [RateLimited] slow down", "retry in 2.0s"},
		},
		{
			name: "system event",
			payload: protocol.NewSystemEvent("server_status", "gateway status", protocol.SeverityInfo,
				map[string]any{"connections": 3, "security": map[string]any{"auth_failures": 0}}),
			want: []string{"* server_status: gateway status", "connections=3", "security={auth_failures=0}"},
		},
		{
			name:    "connection event",
			payload: &protocol.ConnectionEvent{EventType: protocol.ConnectionDisconnected},
			want:    []string{"* disconnected"},
		},
		{
			name:    "stream start",
			payload: &protocol.StreamStart{ResponseType: protocol.ResponseText},
			want:    []string{"agent> "},
		},
		{
			name:    "stream chunk",
			payload: &protocol.StreamChunk{Chunk: "hola ", ChunkIndex: 0},
			want:    []string{"hola "},
		},
		{
			name:    "stream end",
			payload: &protocol.StreamEnd{TotalChunks: 2, FullContent: "hola mundo", ToolsUsed: []string{"echo"}},
			want:    []string{"tools: echo"},
		},
		{
			name:    "pong",
			payload: protocol.NewPong(time.Now(), nil),
			want:    []string{"* pong"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			render(&buf, protocol.New(tt.payload))
			for _, w := range tt.want {
				assert.Contains(t, buf.String(), w)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("TEST_QAI_TOKEN", "from-env")
	path := filepath.Join(t.TempDir(), "chat.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[gateway]
url = "wss://gw.example.com/ws"
token = "${TEST_QAI_TOKEN}"

[chat]
language = "en"
color = false
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://gw.example.com/ws", cfg.Gateway.URL)
	assert.Equal(t, "from-env", cfg.Gateway.Token)
	assert.Equal(t, "en", cfg.Chat.Language)
	assert.False(t, cfg.Chat.Color)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8765/ws", cfg.Gateway.URL)
	assert.True(t, cfg.Chat.Color)
}

func TestValidate(t *testing.T) {
	for _, u := range []string{"", "http://localhost/ws", "::bad"} {
		cfg := defaultConfig()
		cfg.Gateway.URL = u
		assert.Error(t, cfg.Validate(), "url %q", u)
	}
}

func startGateway(t *testing.T, opts ...func(*config.Config)) (string, *gateway.Gateway) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.AcceptRate = 0
	cfg.Auth.JWTSecret = testSecret
	cfg.Staging.Dir = filepath.Join(t.TempDir(), "uploads")
	for _, opt := range opts {
		opt(cfg)
	}
	require.NoError(t, cfg.Validate())

	gw, err := gateway.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		_ = gw.Shutdown(context.Background())
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + cfg.Server.Path, gw
}

func TestSessionAgainstGateway(t *testing.T) {
	url, gw := startGateway(t)
	tok, _, err := gw.Security().IssueToken("alice")
	require.NoError(t, err)

	cfg := defaultConfig()
	cfg.Gateway.URL = url
	cfg.Gateway.Token = tok

	input := strings.NewReader("hola\n/ping\n/bogus\nadios\n")
	var out bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, cfg, input, &out))

	got := out.String()
	assert.Contains(t, got, "* connection_established")
	assert.Contains(t, got, "* connected")
	assert.Contains(t, got, "agent> hola")
	assert.Contains(t, got, "agent> adios")
	assert.Contains(t, got, "unknown command /bogus")
}

func TestSessionWithoutTokenIsRejected(t *testing.T) {
	url, _ := startGateway(t)

	cfg := defaultConfig()
	cfg.Gateway.URL = url

	// A chat message where the gateway expects {"token": ...} is refused.
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := run(ctx, cfg, strings.NewReader("hola\n"), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1008")
	assert.Contains(t, out.String(), "error [AuthRequired]")
}

func TestBenchAgainstGateway(t *testing.T) {
	url, gw := startGateway(t)
	tok, _, err := gw.Security().IssueToken("bench")
	require.NoError(t, err)

	cfg := defaultConfig()
	cfg.Gateway.URL = url
	cfg.Gateway.Token = tok

	res, err := bench(context.Background(), cfg, 5, "Hola", 5*time.Second)
	require.NoError(t, err)
	assert.Len(t, res.Samples, 5)
	assert.Zero(t, res.Errors)

	var out bytes.Buffer
	printBench(&out, res)
	assert.Contains(t, out.String(), "requests: 5 ok, 0 failed")
	assert.Contains(t, out.String(), "rating: excellent")
}

func TestBenchStreamedAnswers(t *testing.T) {
	url, gw := startGateway(t, func(c *config.Config) { c.Agent.Stream = true })
	tok, _, err := gw.Security().IssueToken("bench")
	require.NoError(t, err)

	cfg := defaultConfig()
	cfg.Gateway.URL = url
	cfg.Gateway.Token = tok

	res, err := bench(context.Background(), cfg, 3, "hola que tal", 5*time.Second)
	require.NoError(t, err)
	assert.Len(t, res.Samples, 3)
	assert.Zero(t, res.Errors)
}

func TestBenchStats(t *testing.T) {
	res := benchResult{Samples: []time.Duration{
		4 * time.Second, 1 * time.Second, 3 * time.Second, 2 * time.Second, 5 * time.Second,
	}}
	assert.Equal(t, 1*time.Second, res.percentile(0))
	assert.Equal(t, 5*time.Second, res.percentile(1))
	assert.Equal(t, 3*time.Second, res.mean())

	assert.Equal(t, "excellent", rating(5*time.Second))
	assert.Equal(t, "good", rating(8*time.Second))
	assert.Equal(t, "acceptable", rating(15*time.Second))
	assert.Equal(t, "slow", rating(16*time.Second))

	assert.Zero(t, benchResult{}.mean())
}
