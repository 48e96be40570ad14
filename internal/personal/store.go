// Package personal manages the per-principal database holding a user's own
// logs, reviews, proposals, bookmarks, favorites and settings. Exactly one
// principal's database is open at a time. Writes are local first and mirrored
// to the remote document store in the background.
package personal

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/franz/dive-atlas/internal/metrics"
	"github.com/franz/dive-atlas/internal/remote"
	"github.com/franz/dive-atlas/internal/report"
	"github.com/franz/dive-atlas/internal/sqlexec"
	"github.com/franz/dive-atlas/internal/util"
	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
)

// Setting keys
const (
	SettingProfile = "profile"
	SettingStats   = "stats"
)

// Schema creates the personal tables
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS my_logs (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		point_id TEXT,
		point_name TEXT,
		creature_id TEXT,
		data TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_my_logs_date ON my_logs(date)`,
	`CREATE INDEX IF NOT EXISTS idx_my_logs_point ON my_logs(point_id)`,
	`CREATE TABLE IF NOT EXISTS my_reviews (
		id TEXT PRIMARY KEY,
		point_id TEXT NOT NULL,
		rating INTEGER NOT NULL,
		data TEXT,
		created_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS my_proposals (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		proposal_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		data TEXT,
		created_at TEXT,
		updated_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_my_proposals_target ON my_proposals(target_id)`,
	`CREATE TABLE IF NOT EXISTS my_bookmarks (
		point_id TEXT PRIMARY KEY,
		created_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS my_favorites (
		creature_id TEXT PRIMARY KEY,
		created_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS my_settings (
		key TEXT PRIMARY KEY,
		value TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS my_outbox (
		id TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		op TEXT NOT NULL,
		payload TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		updated_at TEXT,
		UNIQUE(collection, doc_id)
	)`,
}

// dataTables are emptied by Clear
var dataTables = []string{
	"my_logs", "my_reviews", "my_proposals", "my_bookmarks", "my_favorites", "my_settings", "my_outbox",
}

// Config configures a Store
type Config struct {
	Executor sqlexec.Executor
	Dir      string
	Remote   remote.DocumentStore // nil disables mirroring and initial sync
	Retry    *util.RetryConfig    // mirror retries, defaults to util.MirrorRetryConfig
	Events   *report.EventLogger
}

// Store is the personal database of the signed-in principal
type Store struct {
	exec   sqlexec.Executor
	fs     afero.Fs
	dir    string
	remote remote.DocumentStore
	retry  *util.RetryConfig
	events *report.EventLogger

	// mu guards principal and handle. Queries hold it shared, so switching
	// principals waits for them.
	mu        sync.RWMutex
	principal string
	handle    *sqlexec.Handle

	mirrors conc.WaitGroup
}

// New creates a Store with no principal open
func New(cfg Config) (*Store, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("%w: executor is required", util.ErrInvalidConfig)
	}
	retry := cfg.Retry
	if retry == nil {
		retry = util.MirrorRetryConfig()
	}
	return &Store{
		exec:   cfg.Executor,
		fs:     cfg.Executor.FS(),
		dir:    cfg.Dir,
		remote: cfg.Remote,
		retry:  retry,
		events: cfg.Events,
	}, nil
}

// FileName returns the database file name for a principal
func FileName(principal string) string {
	return "user_" + util.PrincipalFileKey(principal) + ".db"
}

// PathFor returns the database path for a principal
func (s *Store) PathFor(principal string) string {
	return filepath.Join(s.dir, FileName(principal))
}

// Principal returns the open principal, or "" when signed out
func (s *Store) Principal() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principal
}

// Open makes principal the active one. Any other principal's database is
// closed first. Reopening the active principal is a no-op.
func (s *Store) Open(ctx context.Context, principal string) error {
	if principal == "" {
		return fmt.Errorf("%w: empty principal id", util.ErrNoPrincipal)
	}
	// The id becomes a path segment of users/<uid>/... in the remote store
	if strings.Contains(principal, "/") {
		return fmt.Errorf("%w: principal id %q contains '/'", util.ErrInvalidInput, principal)
	}
	if err := s.exec.Available(ctx); err != nil {
		return err
	}

	s.mu.RLock()
	same := s.handle != nil && s.principal == principal
	s.mu.RUnlock()
	if same {
		return nil
	}

	// Let in-flight mirrors queue their failures in the database they belong to
	s.WaitMirrors()

	s.mu.Lock()
	if s.handle != nil {
		s.closeLocked()
	}
	h, err := s.exec.Open(ctx, s.PathFor(principal), &sqlexec.OpenOptions{Schema: Schema})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to open personal database: %w", err)
	}
	s.handle = h
	s.principal = principal
	s.mu.Unlock()

	util.DebugLog("Opened personal database for %s", principal)
	s.events.LogPrincipal(principal, "open", 0)

	if s.remote != nil {
		bg := context.WithoutCancel(ctx)
		s.mirrors.Go(func() {
			if _, err := s.FlushOutbox(bg); err != nil {
				util.DebugLog("Outbox replay skipped: %v", err)
			}
		})
	}
	return nil
}

// closeLocked must be called with mu held
func (s *Store) closeLocked() {
	if err := s.exec.Close(s.handle); err != nil {
		util.WarnLog("Failed to close personal database: %v", err)
	}
	s.events.LogPrincipal(s.principal, "close", 0)
	s.handle = nil
	s.principal = ""
	metrics.OutboxPending.Set(0)
}

// Logout detaches the open database without deleting it
func (s *Store) Logout() error {
	s.WaitMirrors()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		s.closeLocked()
	}
	return nil
}

// Close is Logout, for shutdown paths
func (s *Store) Close() error {
	return s.Logout()
}

// WaitMirrors blocks until background mirror writes have finished
func (s *Store) WaitMirrors() {
	if r := s.mirrors.WaitAndRecover(); r != nil {
		util.ErrorLog("Mirror worker panicked: %v", r.Value)
	}
}

// noHandleErr explains why no database is open
func (s *Store) noHandleErr(ctx context.Context) error {
	if err := s.exec.Available(ctx); err != nil {
		return err
	}
	return util.ErrNoPrincipal
}

// withHandle runs fn against the open database
func (s *Store) withHandle(ctx context.Context, fn func(h *sqlexec.Handle, principal string) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle == nil {
		return s.noHandleErr(ctx)
	}
	return fn(s.handle, s.principal)
}

// withPrincipal is withHandle that only runs while principal is still the
// open one
func (s *Store) withPrincipal(ctx context.Context, principal string, fn func(h *sqlexec.Handle) error) error {
	return s.withHandle(ctx, func(h *sqlexec.Handle, open string) error {
		if open != principal {
			return fmt.Errorf("%w: %s is no longer signed in", util.ErrNoPrincipal, principal)
		}
		return fn(h)
	})
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]sqlexec.Row, error) {
	var result []sqlexec.Row
	err := s.withHandle(ctx, func(h *sqlexec.Handle, _ string) error {
		var err error
		result, err = s.exec.QueryAll(ctx, h, q, args...)
		return err
	})
	return result, err
}

// Clear deletes every row of principal's database, which must be the open
// one. The file itself stays.
func (s *Store) Clear(ctx context.Context, principal string) error {
	s.WaitMirrors()

	return s.withPrincipal(ctx, principal, func(h *sqlexec.Handle) error {
		for _, table := range dataTables {
			if err := s.exec.Execute(ctx, h, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		util.InfoLog("Cleared personal data of %s", principal)
		s.events.LogPrincipal(principal, "clear", len(dataTables))
		metrics.OutboxPending.Set(0)
		return nil
	})
}

// CleanupOtherPrincipals deletes every personal database except activeID's
// and the one currently open. It returns the number of files removed.
func (s *Store) CleanupOtherPrincipals(ctx context.Context, activeID string) (int, error) {
	if err := s.exec.Available(ctx); err != nil {
		return 0, err
	}

	matches, err := afero.Glob(s.fs, filepath.Join(s.dir, "user_*.db"))
	if err != nil {
		return 0, fmt.Errorf("failed to list personal databases: %w", err)
	}

	s.mu.RLock()
	keep := map[string]bool{s.PathFor(activeID): true}
	if s.handle != nil {
		keep[s.PathFor(s.principal)] = true
	}
	s.mu.RUnlock()

	removed := 0
	for _, path := range matches {
		if keep[filepath.Clean(path)] {
			continue
		}
		if err := util.RemoveWithSidecars(s.fs, path); err != nil {
			return removed, err
		}
		util.DebugLog("Removed personal database %s", path)
		removed++
	}

	if removed > 0 {
		s.events.LogPrincipal(activeID, "cleanup", removed)
	}
	return removed, nil
}
