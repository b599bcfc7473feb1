// ABOUTME: Tests for the qai-gateway admin commands and log handler
// ABOUTME: Runs each command against a temp SQLite database

package main

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stffns/QAI/internal/auth"
	"github.com/stffns/QAI/internal/config"
	"github.com/stffns/QAI/internal/store"
)

const testSecret = "test-secret-key-for-jwt-signing-0123456789"

func init() {
	color.NoColor = true
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	return cfg
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("QAI_CONFIG", "/etc/qai/custom.toml")
	assert.Equal(t, "/etc/qai/custom.toml", getConfigPath())

	t.Setenv("QAI_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "qai", "gateway.yaml"), getConfigPath())
}

func TestIssueToken(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	s := newTestStore(t)

	var out bytes.Buffer
	err := issueToken(ctx, cfg, s, []string{"--subject", "alice", "--ttl", "2h"}, &out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "subject: alice")

	issuer, err := auth.NewIssuer(auth.IssuerConfig{Secret: []byte(testSecret), Issuer: cfg.Auth.Issuer})
	require.NoError(t, err)
	id, err := issuer.Validate(lines[1])
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)
	assert.InDelta(t, 7200, id.ExpiresAt.Sub(id.IssuedAt).Seconds(), 1)

	action := store.AuditIssueToken
	entries, err := s.ListAuditLog(ctx, store.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, cliActor, entries[0].Actor)
	assert.Equal(t, "alice", entries[0].Detail["subject"])
}

func TestIssueTokenErrors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  func() *config.Config
		args []string
		want string
	}{
		{"missing subject", testConfig, nil, "--subject is required"},
		{"blank subject", testConfig, []string{"--subject", "  "}, "--subject is required"},
		{"negative ttl", testConfig, []string{"--subject", "a", "--ttl", "-1m"}, "--ttl must be positive"},
		{"unknown flag", testConfig, []string{"--bogus"}, "token:"},
		{"no secret", func() *config.Config {
			cfg := testConfig()
			cfg.Auth.JWTSecret = ""
			return cfg
		}, []string{"--subject", "a"}, "jwt_secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := issueToken(ctx, tt.cfg(), nil, tt.args, &out)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Empty(t, out.String())
		})
	}
}

func TestBlockUnblockList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	var out bytes.Buffer

	require.NoError(t, blockIP(ctx, s, []string{"10.0.0.7", "--reason", "scanner"}, &out))
	assert.Contains(t, out.String(), "blocked 10.0.0.7")

	// flags first works too
	require.NoError(t, blockIP(ctx, s, []string{"--reason", "spam", "::ffff:192.0.2.1"}, &out))

	ips, err := s.ListBlockedIPs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.7", "192.0.2.1"}, ips)

	out.Reset()
	require.NoError(t, listBlocked(ctx, s, []string{"203.0.113.9"}, &out))
	listing := out.String()
	assert.Contains(t, listing, "203.0.113.9")
	assert.Contains(t, listing, "config")
	assert.Contains(t, listing, "scanner")

	out.Reset()
	require.NoError(t, unblockIP(ctx, s, []string{"10.0.0.7"}, &out))
	ips, err = s.ListBlockedIPs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.1"}, ips)

	blockAction := store.AuditBlockIP
	entries, err := s.ListAuditLog(ctx, store.AuditFilter{Action: &blockAction})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	out.Reset()
	require.NoError(t, showAudit(ctx, s, []string{"--action", "unblock_ip"}, &out))
	assert.Contains(t, out.String(), "unblock_ip")
	assert.NotContains(t, out.String(), "scanner")
}

func TestBlockRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	var out bytes.Buffer

	assert.Error(t, blockIP(ctx, s, nil, &out))
	assert.Error(t, blockIP(ctx, s, []string{"not-an-ip"}, &out))
	assert.Error(t, unblockIP(ctx, s, nil, &out))

	ips, err := s.ListBlockedIPs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ips)
}

func TestListBlockedEmpty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, listBlocked(context.Background(), newTestStore(t), nil, &out))
	assert.Equal(t, "no blocked addresses\n", out.String())
}

func TestInitConfigWritesLoadableFile(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"gateway.yaml", "gateway.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			answers := strings.Join([]string{
				path,             // config path
				"0.0.0.0:9000",   // addr
				"https://a.test", // origins
				"",               // db path (default)
				"no",             // anonymous
				"no",             // tailscale
				"debug",          // log level
				"json",           // log format
			}, "\n") + "\n"

			var out bytes.Buffer
			err := initConfig(bufio.NewReader(strings.NewReader(answers)), &out, path, dir)
			require.NoError(t, err)

			cfg, err := config.Load(path)
			require.NoError(t, err)
			assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
			assert.Equal(t, []string{"https://a.test"}, cfg.CORS.AllowedOrigins)
			assert.Equal(t, filepath.Join(dir, "gateway.db"), cfg.Database.Path)
			assert.GreaterOrEqual(t, len(cfg.Auth.JWTSecret), auth.MinSecretLength)
			assert.Equal(t, "debug", cfg.Logging.Level)
			assert.Equal(t, "json", cfg.Logging.Format)

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
		})
	}
}

func TestInitConfigKeepsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0644))

	var out bytes.Buffer
	err := initConfig(bufio.NewReader(strings.NewReader(path+"\nno\n")), &out, path, t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Aborted.")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestColorHandler(t *testing.T) {
	var out bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"}, &out)

	logger.Debug("hidden")
	logger.With("component", "gateway").WithGroup("conn").Info("accepted", "id", "c1")
	logger.Warn("slow", "ms", 250)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "INF accepted component=gateway conn.id=c1")
	assert.Contains(t, lines[1], "WRN slow ms=250")
}

func TestJSONLogger(t *testing.T) {
	var out bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &out)

	logger.Info("hidden")
	logger.Error("boom", "kind", "transport")

	assert.Equal(t, 1, strings.Count(out.String(), "\n"))
	assert.Contains(t, out.String(), `"msg":"boom"`)
	assert.Contains(t, out.String(), `"kind":"transport"`)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}
