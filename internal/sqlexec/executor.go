// Package sqlexec is a minimal "run a statement / fetch all rows" layer over
// an embedded SQLite database, so the rest of the module does not care which
// engine build backs it.
package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	"github.com/franz/dive-atlas/internal/util"
	"github.com/spf13/afero"
)

// Row is one result row keyed by column name. NULL columns map to nil.
type Row map[string]any

// OpenOptions holds options for opening a database
type OpenOptions struct {
	ReadOnly bool     // Open without write access (master snapshots)
	Schema   []string // Statements run on every open; must be idempotent
}

// Executor runs SQL against named embedded databases.
//
// Every call site probes Available before relying on the executor and falls
// back to its documented degraded path when it returns an error.
type Executor interface {
	// Available returns nil when the engine is usable, or an error wrapping
	// util.ErrEngineUnavailable.
	Available(ctx context.Context) error

	// Open opens (creating if needed) the database identified by name.
	Open(ctx context.Context, name string, opts *OpenOptions) (*Handle, error)

	// QueryAll runs a query and returns every row.
	QueryAll(ctx context.Context, h *Handle, query string, args ...any) ([]Row, error)

	// Execute runs a statement that returns no rows.
	Execute(ctx context.Context, h *Handle, query string, args ...any) error

	// Close releases the handle. Closing twice is a no-op.
	Close(h *Handle) error

	// FS is the filesystem in which database names live.
	FS() afero.Fs
}

// Handle is an open database
type Handle struct {
	name   string
	db     *sql.DB
	closed atomic.Bool
}

// Name returns the name the handle was opened with
func (h *Handle) Name() string {
	if h == nil {
		return ""
	}
	return h.name
}

func (h *Handle) usable() error {
	if h == nil || h.db == nil {
		return fmt.Errorf("nil database handle")
	}
	if h.closed.Load() {
		return fmt.Errorf("database %s is closed", h.name)
	}
	return nil
}

// queryAll is shared by the database/sql backed executors
func queryAll(ctx context.Context, h *Handle, query string, args ...any) ([]Row, error) {
	if err := h.usable(); err != nil {
		return nil, err
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		result = append(result, row)
	}

	return result, rows.Err()
}

func execute(ctx context.Context, h *Handle, query string, args ...any) error {
	if err := h.usable(); err != nil {
		return err
	}
	_, err := h.db.ExecContext(ctx, query, args...)
	return err
}

func closeHandle(h *Handle) error {
	if h == nil || h.db == nil {
		return nil
	}
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	return h.db.Close()
}

// applySchema runs the idempotent schema statements
func applySchema(ctx context.Context, db *sql.DB, schema []string) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// unavailable is the executor for builds where the engine cannot be loaded
type unavailable struct {
	reason string
	fs     afero.Fs
}

// Unavailable returns an executor whose every call fails with
// util.ErrEngineUnavailable.
func Unavailable(reason string) Executor {
	return &unavailable{reason: reason, fs: afero.NewMemMapFs()}
}

func (u *unavailable) err() error {
	return fmt.Errorf("%w: %s", util.ErrEngineUnavailable, u.reason)
}

func (u *unavailable) Available(context.Context) error { return u.err() }

func (u *unavailable) Open(context.Context, string, *OpenOptions) (*Handle, error) {
	return nil, u.err()
}

func (u *unavailable) QueryAll(context.Context, *Handle, string, ...any) ([]Row, error) {
	return nil, u.err()
}

func (u *unavailable) Execute(context.Context, *Handle, string, ...any) error { return u.err() }

func (u *unavailable) Close(*Handle) error { return nil }

func (u *unavailable) FS() afero.Fs { return u.fs }
