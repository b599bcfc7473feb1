// ABOUTME: Writes chat attachments to a per-session directory for the Agent Service
// ABOUTME: Periodically purges session directories older than the retention period

package staging

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/stffns/QAI/internal/protocol"
)

// Defaults for retention and purge cadence.
const (
	DefaultRetention     = 6 * time.Hour
	DefaultPurgeInterval = 30 * time.Minute
)

// ErrAttachmentTooLarge is returned when a decoded attachment exceeds the limit.
var ErrAttachmentTooLarge = errors.New("attachment too large")

// Store stages attachments under dir/<session_id>/.
type Store struct {
	dir      string
	maxBytes int64
	clock    clock.Clock
	logger   *slog.Logger
}

// New creates a Store rooted at dir. maxBytes <= 0 disables the size limit.
func New(dir string, maxBytes int64, clk clock.Clock, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: abs, maxBytes: maxBytes, clock: clk, logger: logger.With("component", "staging")}, nil
}

// Dir returns the absolute staging root.
func (s *Store) Dir() string { return s.dir }

// Stage decodes each attachment and writes it to the session's directory,
// returning the absolute paths in attachment order. Failures are reported as
// ValidationFailed errors naming the offending attachment.
func (s *Store) Stage(sessionID string, attachments []protocol.Attachment) ([]string, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	sessionDir := filepath.Join(s.dir, sanitize(sessionID))
	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	paths := make([]string, 0, len(attachments))
	for i, a := range attachments {
		field := fmt.Sprintf("payload.attachments[%d]", i)
		data, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			return nil, protocol.Validation(field+".data", "must be valid base64")
		}
		if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
			return nil, &protocol.Error{
				Kind:       protocol.KindValidationFailed,
				Field:      field + ".data",
				Constraint: fmt.Sprintf("must be at most %d bytes", s.maxBytes),
				Err:        ErrAttachmentTooLarge,
			}
		}
		if a.Size > 0 && a.Size != int64(len(data)) {
			return nil, protocol.Validation(field+".size", "must match the decoded data length")
		}

		path := filepath.Join(sessionDir, sanitize(a.Filename))
		if err := os.WriteFile(path, data, 0600); err != nil {
			return nil, fmt.Errorf("writing attachment %s: %w", a.Filename, err)
		}
		paths = append(paths, path)
	}

	s.logger.Debug("attachments staged", "session_id", sessionID, "count", len(paths))
	return paths, nil
}

// Purge removes session directories whose contents were last modified more
// than retention ago and returns how many were removed.
func (s *Store) Purge(retention time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("reading staging directory: %w", err)
	}
	cutoff := s.clock.Now().Add(-retention)

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		newest, err := newestModTime(path)
		if err != nil {
			s.logger.Warn("failed to inspect staging directory", "path", path, "error", err)
			continue
		}
		if newest.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("failed to purge staging directory", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("purged stale attachment directories", "count", removed)
	}
	return removed, nil
}

// Run purges every interval until ctx is cancelled. onPurge, if set, is
// called with the number of directories removed by each pass.
func (s *Store) Run(ctx context.Context, interval, retention time.Duration, onPurge func(int)) {
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Purge(retention)
			if err != nil {
				s.logger.Error("staging purge failed", "error", err)
				continue
			}
			if onPurge != nil {
				onPurge(n)
			}
		}
	}
}

func newestModTime(dir string) (time.Time, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	newest := info.ModTime()
	err = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
		return nil
	})
	return newest, err
}

// sanitize keeps a client-supplied name inside its parent directory.
func sanitize(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "_"
	}
	return name
}
