package sqlexec

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"

	"github.com/franz/dive-atlas/internal/util"
	"github.com/spf13/afero"
	"modernc.org/sqlite"
)

const driverName = "sqlite"

// FoldFunc is a SQL function that lower-cases text the way Go does. The
// built-in lower() only folds ASCII.
const FoldFunc = "atlas_fold"

func init() {
	sqlite.MustRegisterDeterministicScalarFunction(FoldFunc, 1, fold)
}

func fold(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case nil:
		return nil, nil
	case string:
		return strings.ToLower(v), nil
	case []byte:
		return strings.ToLower(string(v)), nil
	default:
		return v, nil
	}
}

// FileExecutor is the native, file-backed engine. Database names are paths.
type FileExecutor struct {
	fs afero.Fs

	probeOnce sync.Once
	probeErr  error
}

// NewFileExecutor creates an executor over SQLite files on the OS filesystem
func NewFileExecutor() *FileExecutor {
	return &FileExecutor{fs: afero.NewOsFs()}
}

// Available probes the engine once and caches the result
func (e *FileExecutor) Available(ctx context.Context) error {
	e.probeOnce.Do(func() {
		if _, err := SQLiteVersion(ctx); err != nil {
			e.probeErr = fmt.Errorf("%w: %v", util.ErrEngineUnavailable, err)
		}
	})
	return e.probeErr
}

// Open opens or creates the SQLite database at path
func (e *FileExecutor) Open(ctx context.Context, path string, opts *OpenOptions) (*Handle, error) {
	if err := e.Available(ctx); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &OpenOptions{}
	}

	var dsn string
	if opts.ReadOnly {
		if !util.FileExists(e.fs, path) {
			return nil, fmt.Errorf("database %s: %w", path, util.ErrNotFound)
		}
		dsn = fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path)
	} else {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	if err := applySchema(ctx, db, opts.Schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Handle{name: path, db: db}, nil
}

// QueryAll runs a query and returns every row
func (e *FileExecutor) QueryAll(ctx context.Context, h *Handle, query string, args ...any) ([]Row, error) {
	return queryAll(ctx, h, query, args...)
}

// Execute runs a statement that returns no rows
func (e *FileExecutor) Execute(ctx context.Context, h *Handle, query string, args ...any) error {
	return execute(ctx, h, query, args...)
}

// Close closes the handle
func (e *FileExecutor) Close(h *Handle) error {
	return closeHandle(h)
}

// FS returns the OS filesystem
func (e *FileExecutor) FS() afero.Fs {
	return e.fs
}

// SQLiteVersion returns the SQLite version string
func SQLiteVersion(ctx context.Context) (string, error) {
	db, err := sql.Open(driverName, ":memory:")
	if err != nil {
		return "", err
	}
	defer db.Close()

	var version string
	if err := db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
		return "", err
	}
	return version, nil
}

// CheckIntegrity runs PRAGMA quick_check on an open database
func CheckIntegrity(ctx context.Context, e Executor, h *Handle) error {
	rows, err := e.QueryAll(ctx, h, "PRAGMA quick_check")
	if err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	for _, row := range rows {
		for _, v := range row {
			if s, ok := v.(string); ok && s != "ok" {
				return fmt.Errorf("integrity check failed: %s", s)
			}
		}
	}
	return nil
}
