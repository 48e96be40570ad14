package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/franz/dive-atlas/internal/util"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// MemoryExecutor keeps databases in process memory, for targets without a
// writable filesystem. Each open database is mirrored by an empty marker file
// in a virtual filesystem; removing the marker discards the database on its
// next Open, just like deleting a file would.
type MemoryExecutor struct {
	fs       afero.Fs
	instance string

	mu      sync.Mutex
	keepers map[string]*sql.DB // hold shared-cache databases alive between opens
}

// NewMemoryExecutor creates an in-memory executor
func NewMemoryExecutor() *MemoryExecutor {
	return &MemoryExecutor{
		fs:       afero.NewMemMapFs(),
		instance: uuid.NewString(),
		keepers:  make(map[string]*sql.DB),
	}
}

// Available reports whether the engine can be loaded
func (e *MemoryExecutor) Available(ctx context.Context) error {
	if _, err := SQLiteVersion(ctx); err != nil {
		return fmt.Errorf("%w: %v", util.ErrEngineUnavailable, err)
	}
	return nil
}

func (e *MemoryExecutor) dsn(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)",
		url.PathEscape(e.instance+"/"+name))
}

// Open opens or creates the named in-memory database
func (e *MemoryExecutor) Open(ctx context.Context, name string, opts *OpenOptions) (*Handle, error) {
	if opts == nil {
		opts = &OpenOptions{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	exists := util.FileExists(e.fs, name)
	if opts.ReadOnly && !exists {
		return nil, fmt.Errorf("database %s: %w", name, util.ErrNotFound)
	}

	if keeper, ok := e.keepers[name]; ok && !exists {
		// Marker was removed: the database was deleted
		keeper.Close()
		delete(e.keepers, name)
	}

	if _, ok := e.keepers[name]; !ok {
		keeper, err := sql.Open(driverName, e.dsn(name))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		keeper.SetMaxOpenConns(1)
		keeper.SetConnMaxLifetime(0)
		if err := keeper.PingContext(ctx); err != nil {
			keeper.Close()
			return nil, fmt.Errorf("failed to open database %s: %w", name, err)
		}
		e.keepers[name] = keeper

		if err := e.fs.MkdirAll(filepath.Dir(name), 0755); err != nil {
			return nil, err
		}
		if err := afero.WriteFile(e.fs, name, nil, 0644); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(driverName, e.dsn(name))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applySchema(ctx, db, opts.Schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Handle{name: name, db: db}, nil
}

// QueryAll runs a query and returns every row
func (e *MemoryExecutor) QueryAll(ctx context.Context, h *Handle, query string, args ...any) ([]Row, error) {
	return queryAll(ctx, h, query, args...)
}

// Execute runs a statement that returns no rows
func (e *MemoryExecutor) Execute(ctx context.Context, h *Handle, query string, args ...any) error {
	return execute(ctx, h, query, args...)
}

// Close closes the handle; the database itself survives until its marker is removed
func (e *MemoryExecutor) Close(h *Handle) error {
	return closeHandle(h)
}

// FS returns the virtual filesystem holding the database markers
func (e *MemoryExecutor) FS() afero.Fs {
	return e.fs
}
