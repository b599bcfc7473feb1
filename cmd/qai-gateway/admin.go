// ABOUTME: Offline admin commands: token issuing, block list edits and audit queries
// ABOUTME: Work directly against the config and SQLite database the server uses

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/stffns/QAI/internal/auth"
	"github.com/stffns/QAI/internal/config"
	"github.com/stffns/QAI/internal/security"
	"github.com/stffns/QAI/internal/store"
)

// cliActor is recorded as the audit actor for every admin command.
const cliActor = "cli"

var errNoDatabase = errors.New("no database configured (set database.path or QAI_DB_PATH)")

// openStore opens the configured database, or returns nil when persistence
// is disabled.
func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	path := cfg.Database.Path
	if envPath := os.Getenv("QAI_DB_PATH"); envPath != "" {
		path = envPath
	}
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

func requireStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errNoDatabase
	}
	return s, nil
}

// splitPositional lets a leading positional argument come before flags
// ("block 10.0.0.1 --reason spam"), which the flag package does not allow.
func splitPositional(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}

func runToken(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	var audit store.AuditStore
	if s != nil {
		defer s.Close()
		audit = s
	}
	return issueToken(ctx, cfg, audit, args, os.Stdout)
}

func issueToken(ctx context.Context, cfg *config.Config, audit store.AuditStore, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	subject := fs.String("subject", "", "user id the token is issued to")
	ttl := fs.Duration("ttl", cfg.Auth.TokenTTL.Std(), "token lifetime")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("token: %w", err)
	}

	sub := strings.TrimSpace(*subject)
	if sub == "" {
		return errors.New("--subject is required")
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	issuer, err := auth.NewIssuer(auth.IssuerConfig{
		Secret:   []byte(cfg.Auth.JWTSecret),
		TTL:      cfg.Auth.TokenTTL.Std(),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	})
	if err != nil {
		return fmt.Errorf("creating issuer: %w", err)
	}

	token, id, err := issuer.IssueWithTTL(sub, *ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	if audit != nil {
		err := audit.AppendAuditLog(ctx, &store.AuditEntry{
			Actor:  cliActor,
			Action: store.AuditIssueToken,
			Detail: map[string]any{
				"subject":    id.Subject,
				"token_id":   id.TokenID,
				"expires_at": id.ExpiresAt.UTC().Format(time.RFC3339),
			},
		})
		if err != nil {
			return fmt.Errorf("recording audit entry: %w", err)
		}
	}

	gray := color.New(color.FgHiBlack)
	gray.Fprintf(out, "subject: %s  expires: %s\n", id.Subject, id.ExpiresAt.Local().Format(time.RFC1123))
	fmt.Fprintln(out, token)
	return nil
}

func runBlock(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := requireStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return blockIP(ctx, s, args, os.Stdout)
}

// attachedFilter loads the persisted block list into a filter so edits go
// through the same address validation the server applies.
func attachedFilter(ctx context.Context, s store.BlockListStore) (*security.IPFilter, error) {
	f, err := security.NewIPFilter(nil)
	if err != nil {
		return nil, err
	}
	if err := f.Attach(ctx, s); err != nil {
		return nil, fmt.Errorf("loading block list: %w", err)
	}
	return f, nil
}

func blockIP(ctx context.Context, s store.Store, args []string, out io.Writer) error {
	ip, rest := splitPositional(args)

	fs := flag.NewFlagSet("block", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	reason := fs.String("reason", "", "why the address is blocked")
	if err := fs.Parse(rest); err != nil {
		return fmt.Errorf("block: %w", err)
	}
	if ip == "" && fs.NArg() > 0 {
		ip = fs.Arg(0)
	}
	if ip == "" {
		return errors.New("usage: qai-gateway block IP [--reason TEXT]")
	}

	f, err := attachedFilter(ctx, s)
	if err != nil {
		return err
	}
	if err := f.Block(ctx, ip, *reason); err != nil {
		return err
	}

	err = s.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:    cliActor,
		Action:   store.AuditBlockIP,
		RemoteIP: ip,
		Detail:   map[string]any{"reason": *reason},
	})
	if err != nil {
		return fmt.Errorf("recording audit entry: %w", err)
	}

	color.New(color.FgGreen).Fprint(out, "blocked ")
	fmt.Fprintf(out, "%s (takes effect for running gateways on restart)\n", ip)
	return nil
}

func runUnblock(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := requireStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return unblockIP(ctx, s, args, os.Stdout)
}

func unblockIP(ctx context.Context, s store.Store, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: qai-gateway unblock IP")
	}
	ip := args[0]

	f, err := attachedFilter(ctx, s)
	if err != nil {
		return err
	}
	if err := f.Unblock(ctx, ip); err != nil {
		return err
	}

	err = s.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:    cliActor,
		Action:   store.AuditUnblockIP,
		RemoteIP: ip,
	})
	if err != nil {
		return fmt.Errorf("recording audit entry: %w", err)
	}

	color.New(color.FgGreen).Fprint(out, "unblocked ")
	fmt.Fprintln(out, ip)
	return nil
}

func runBlocked(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := requireStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return listBlocked(ctx, s, cfg.IPFilter.Blocked, os.Stdout)
}

func listBlocked(ctx context.Context, s store.BlockListStore, fromConfig []string, out io.Writer) error {
	entries, err := s.BlockedIPs(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 && len(fromConfig) == 0 {
		fmt.Fprintln(out, "no blocked addresses")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IP\tSOURCE\tSINCE\tREASON")
	for _, ip := range fromConfig {
		fmt.Fprintf(w, "%s\tconfig\t-\t-\n", ip)
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s\tdatabase\t%s\t%s\n", e.IP, e.CreatedAt.Local().Format(time.DateTime), e.Reason)
	}
	return w.Flush()
}

func runAudit(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := requireStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return showAudit(ctx, s, args, os.Stdout)
}

func showAudit(ctx context.Context, s store.AuditStore, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("limit", 50, "maximum entries to show")
	action := fs.String("action", "", "only show this action")
	ip := fs.String("ip", "", "only show this client address")
	since := fs.Duration("since", 0, "only show entries newer than this")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	filter := store.AuditFilter{Limit: *limit}
	if *action != "" {
		a := store.AuditAction(*action)
		filter.Action = &a
	}
	if *ip != "" {
		filter.RemoteIP = ip
	}
	if *since > 0 {
		t := time.Now().Add(-*since)
		filter.Since = &t
	}

	entries, err := s.ListAuditLog(ctx, filter)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "no audit entries")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tACTOR\tIP\tCONNECTION\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime),
			e.Action,
			e.Actor,
			dash(e.RemoteIP),
			dash(e.ConnectionID),
			formatDetail(e.Detail),
		)
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatDetail(d map[string]any) string {
	if len(d) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, d[k])
	}
	return strings.Join(parts, " ")
}
