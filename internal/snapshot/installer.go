// Package snapshot installs the master snapshot on first run from a bundled
// seed and keeps it current from a remote blob.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/franz/dive-atlas/internal/metrics"
	"github.com/franz/dive-atlas/internal/report"
	"github.com/franz/dive-atlas/internal/util"
	"github.com/natefinch/atomic"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultFileName is the live snapshot file inside the data directory
	DefaultFileName = "master.db"

	// SeedVersionPrefix marks a token written by a seed install
	SeedVersionPrefix = "seed:"
)

// State of the local snapshot
type State string

const (
	StateAbsent  State = "absent"  // no live file
	StateSeeded  State = "seeded"  // installed from the bundled seed
	StateCurrent State = "current" // matches the last fetched remote version
	StateStale   State = "stale"   // the remote has a different version
)

// Outcome of a refresh
type Outcome string

const (
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
)

// Result describes a completed install or refresh
type Result struct {
	Outcome  Outcome
	Version  string
	Bytes    int64
	Duration time.Duration
}

// Hook runs after a new snapshot is live
type Hook func(ctx context.Context, version string) error

// Config configures an Installer
type Config struct {
	Dir      string // writable data directory
	FileName string // defaults to DefaultFileName

	SeedFs   afero.Fs // bundled assets; nil disables seeding
	SeedPath string

	Source BlobSource // nil disables Refresh
	KV     *FileKV    // defaults to <Dir>/state.json
	Retry  *util.RetryConfig

	// Progress, when set, returns a writer receiving downloaded bytes.
	// total is -1 when the size is unknown.
	Progress func(total int64) io.Writer

	Events *report.EventLogger
}

// Installer owns the live snapshot file. Only whole, verified files are ever
// renamed onto the live path.
type Installer struct {
	cfg      Config
	livePath string

	group     singleflight.Group
	installMu sync.Mutex // serializes promotion onto the live path

	hooksMu sync.Mutex
	hooks   []Hook
}

// New creates an installer, creating the data directory if needed
func New(cfg Config) (*Installer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: snapshot directory is required", util.ErrInvalidConfig)
	}
	if cfg.FileName == "" {
		cfg.FileName = DefaultFileName
	}
	if cfg.KV == nil {
		cfg.KV = NewFileKV(filepath.Join(cfg.Dir, "state.json"))
	}
	if cfg.Retry == nil {
		cfg.Retry = util.MirrorRetryConfig()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return &Installer{
		cfg:      cfg,
		livePath: filepath.Join(cfg.Dir, cfg.FileName),
	}, nil
}

// LivePath returns the path of the installed snapshot
func (i *Installer) LivePath() string {
	return i.livePath
}

// OnInstalled registers a hook run, in registration order, after every
// successful install or refresh. Hook errors are logged, not returned.
func (i *Installer) OnInstalled(h Hook) {
	i.hooksMu.Lock()
	defer i.hooksMu.Unlock()
	i.hooks = append(i.hooks, h)
}

// Version returns the persisted version token
func (i *Installer) Version() (string, error) {
	return i.cfg.KV.Get(VersionKey)
}

// State reports the local state without touching the network
func (i *Installer) State() State {
	if _, err := os.Stat(i.livePath); err != nil {
		return StateAbsent
	}
	version, _ := i.Version()
	if version == "" || strings.HasPrefix(version, SeedVersionPrefix) {
		return StateSeeded
	}
	return StateCurrent
}

// Check compares the local version with the remote one using a
// metadata-only request. It returns StateStale when they differ.
func (i *Installer) Check(ctx context.Context) (State, string, error) {
	state := i.State()
	if i.cfg.Source == nil {
		return state, "", fmt.Errorf("%w: no snapshot source configured", util.ErrInvalidConfig)
	}

	remote, err := i.remoteVersion(ctx)
	if err != nil {
		return state, "", err
	}
	local, _ := i.Version()
	if state == StateAbsent || local != remote {
		return StateStale, remote, nil
	}
	return StateCurrent, remote, nil
}

// EnsureInstalled installs the bundled seed when no live snapshot exists.
// It never touches the network and is a no-op once a snapshot is installed.
func (i *Installer) EnsureInstalled(ctx context.Context) (*Result, error) {
	start := time.Now()

	if util.FileExists(afero.NewOsFs(), i.livePath) {
		version, _ := i.Version()
		return &Result{Outcome: OutcomeUnchanged, Version: version}, nil
	}
	if i.cfg.SeedFs == nil || i.cfg.SeedPath == "" {
		return nil, fmt.Errorf("no bundled seed configured: %w", util.ErrNotFound)
	}

	result, err := i.installSeed(ctx)
	duration := time.Since(start)
	if err != nil {
		util.WarnLog("Seed install failed: %v", err)
		i.cfg.Events.LogInstall("seed", "", 0, duration, err)
		return nil, err
	}

	result.Duration = duration
	metrics.SnapshotInstallSeconds.WithLabelValues("seed").Observe(duration.Seconds())
	i.cfg.Events.LogInstall("seed", result.Version, result.Bytes, duration, nil)
	util.SuccessLog("Installed bundled snapshot (%s)", humanize.Bytes(uint64(result.Bytes)))

	i.runHooks(ctx, result.Version)
	return result, nil
}

func (i *Installer) installSeed(ctx context.Context) (*Result, error) {
	if !util.FileExists(i.cfg.SeedFs, i.cfg.SeedPath) {
		return nil, fmt.Errorf("bundled seed %s: %w", i.cfg.SeedPath, util.ErrNotFound)
	}

	hash, err := util.GenerateContentHash(i.cfg.SeedFs, i.cfg.SeedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash seed: %w", err)
	}

	in, err := i.cfg.SeedFs.Open(i.cfg.SeedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed: %w", err)
	}
	defer in.Close()

	part := i.livePath + ".seed.part"
	defer i.removeTemps(part)

	n, err := writeFile(ctx, part, in, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to extract seed: %w", err)
	}
	if err := i.promote(ctx, part); err != nil {
		return nil, err
	}

	// The live file is now the seed; a token left from an earlier snapshot no longer describes it
	version := SeedVersionPrefix + hash
	if err := i.cfg.KV.Set(VersionKey, version); err != nil {
		return nil, fmt.Errorf("failed to persist version: %w", err)
	}

	return &Result{Outcome: OutcomeUpdated, Version: version, Bytes: n}, nil
}

// Refresh brings the live snapshot up to the remote version. Concurrent
// callers share a single attempt. Failures leave the live snapshot
// untouched and are returned wrapped in util.ErrNetwork or
// util.ErrSnapshotCorrupt for logging; they are never user-facing.
func (i *Installer) Refresh(ctx context.Context) (*Result, error) {
	ch := i.group.DoChan("refresh", func() (any, error) {
		return i.refresh(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Result), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (i *Installer) remoteVersion(ctx context.Context) (string, error) {
	return util.RetryWithBackoff(ctx, i.cfg.Retry, i.cfg.Source.Version, "snapshot version check")
}

func (i *Installer) refresh(ctx context.Context) (*Result, error) {
	start := time.Now()
	if i.cfg.Source == nil {
		return nil, fmt.Errorf("%w: no snapshot source configured", util.ErrInvalidConfig)
	}

	current, err := i.Version()
	if err != nil {
		return nil, err
	}
	if !util.FileExists(afero.NewOsFs(), i.livePath) {
		current = ""
	}

	remote, err := i.remoteVersion(ctx)
	if err != nil {
		return nil, i.fail(start, remote, asNetwork(err))
	}
	if remote == current {
		return i.unchanged(start, current), nil
	}

	blob, err := util.RetryWithBackoff(ctx, i.cfg.Retry, func(ctx context.Context) (*Blob, error) {
		return i.cfg.Source.Fetch(ctx, current)
	}, "snapshot download")
	if errors.Is(err, util.ErrNotModified) {
		return i.unchanged(start, current), nil
	}
	if err != nil {
		return nil, i.fail(start, remote, asNetwork(err))
	}

	version := blob.Version
	if version == "" {
		version = remote
	}

	util.InfoLog("Downloading snapshot %s from %s", version, i.cfg.Source.Describe())

	part := i.livePath + ".download.part"
	defer i.removeTemps(part)

	var progress io.Writer
	if i.cfg.Progress != nil {
		progress = i.cfg.Progress(blob.Size)
	}
	n, err := writeFile(ctx, part, blob.Body, progress)
	blob.Body.Close()
	metrics.SnapshotDownloadBytesTotal.Add(float64(n))
	if err != nil {
		return nil, i.fail(start, version, asNetwork(fmt.Errorf("download interrupted after %s: %w", humanize.Bytes(uint64(n)), err)))
	}

	if err := i.promote(ctx, part); err != nil {
		return nil, i.fail(start, version, err)
	}

	if err := i.cfg.KV.Set(VersionKey, version); err != nil {
		// The new file is live; the next refresh re-downloads it at worst
		util.WarnLog("Failed to persist snapshot version: %v", err)
	}

	duration := time.Since(start)
	metrics.SnapshotRefreshTotal.WithLabelValues(string(OutcomeUpdated)).Inc()
	metrics.SnapshotInstallSeconds.WithLabelValues("remote").Observe(duration.Seconds())
	i.cfg.Events.LogRefresh(string(OutcomeUpdated), version, n, duration, nil)
	util.SuccessLog("Snapshot updated to %s (%s in %v)", version, humanize.Bytes(uint64(n)), duration.Round(time.Millisecond))

	i.runHooks(ctx, version)
	return &Result{Outcome: OutcomeUpdated, Version: version, Bytes: n, Duration: duration}, nil
}

func (i *Installer) unchanged(start time.Time, version string) *Result {
	duration := time.Since(start)
	metrics.SnapshotRefreshTotal.WithLabelValues(string(OutcomeUnchanged)).Inc()
	i.cfg.Events.LogRefresh(string(OutcomeUnchanged), version, 0, duration, nil)
	util.DebugLog("Snapshot %s is current", version)
	return &Result{Outcome: OutcomeUnchanged, Version: version, Duration: duration}
}

func (i *Installer) fail(start time.Time, version string, err error) error {
	metrics.SnapshotRefreshTotal.WithLabelValues(string(OutcomeFailed)).Inc()
	i.cfg.Events.LogRefresh(string(OutcomeFailed), version, 0, time.Since(start), err)
	util.WarnLog("Snapshot refresh failed, keeping installed snapshot: %v", err)
	return err
}

// promote decodes the file at src if needed, verifies it, and renames the
// result onto the live path.
func (i *Installer) promote(ctx context.Context, src string) error {
	format, err := SniffFile(src)
	if err != nil {
		return fmt.Errorf("%w: %v", util.ErrSnapshotCorrupt, err)
	}

	candidate := src
	switch format {
	case FormatSQLite:
		// Already decompressed upstream
	case FormatGzip, FormatZstd:
		decoded := i.livePath + ".decoded.part"
		defer i.removeTemps(decoded)

		if _, err := decodeFile(ctx, decoded, src, format); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("%w: decode interrupted: %w", util.ErrNetwork, ctxErr)
			}
			return fmt.Errorf("%w: %s decode failed: %v", util.ErrSnapshotCorrupt, format, err)
		}
		candidate = decoded
	default:
		return fmt.Errorf("%w: unrecognized payload format", util.ErrSnapshotCorrupt)
	}

	if err := VerifySQLite(candidate); err != nil {
		return fmt.Errorf("%w: %v", util.ErrSnapshotCorrupt, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", util.ErrNetwork, err)
	}

	i.installMu.Lock()
	defer i.installMu.Unlock()

	if err := atomic.ReplaceFile(candidate, i.livePath); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	util.DebugLog("Promoted %s snapshot onto %s", format, i.livePath)
	return nil
}

func (i *Installer) runHooks(ctx context.Context, version string) {
	i.hooksMu.Lock()
	hooks := append([]Hook(nil), i.hooks...)
	i.hooksMu.Unlock()

	for _, h := range hooks {
		if err := h(ctx, version); err != nil {
			util.WarnLog("Post-install hook failed: %v", err)
		}
	}
}

func (i *Installer) removeTemps(paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			util.WarnLog("Failed to remove temp file %s: %v", p, err)
		}
	}
}

// asNetwork marks remote failures that are not already classified
func asNetwork(err error) error {
	if errors.Is(err, util.ErrNetwork) || errors.Is(err, util.ErrSnapshotCorrupt) {
		return err
	}
	return fmt.Errorf("%w: %w", util.ErrNetwork, err)
}
