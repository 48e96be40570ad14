package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/franz/dive-atlas/internal/master"
	"github.com/franz/dive-atlas/internal/personal"
	"github.com/franz/dive-atlas/internal/snapshot"
	"github.com/franz/dive-atlas/internal/sqlexec"
	"github.com/franz/dive-atlas/internal/util"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks on the environment and local data",
	Long: `Run diagnostic checks to ensure atlas can operate correctly.

This command checks:
- Embedded SQLite engine availability and version
- Data directory permissions and disk space
- Installed snapshot integrity and version token
- Personal databases on this device
- Mirror writes waiting for the remote store

Use this command to troubleshoot issues before filing a bug.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type checkResult struct {
	name    string
	message string
	error   bool
	warning bool
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := loadSettings()

	util.InfoLog("=== Atlas Doctor - System Diagnostics ===")
	util.InfoLog("")

	results := []checkResult{
		checkSQLite(ctx),
		checkDataDirectory(cfg.DataDir),
		checkDiskSpace(cfg.DataDir, "data"),
	}

	livePath := filepath.Join(cfg.DataDir, snapshot.DefaultFileName)
	results = append(results, checkSnapshot(ctx, sqlexec.NewFileExecutor(), livePath))
	results = append(results, checkVersionToken(snapshot.NewFileKV(filepath.Join(cfg.DataDir, "state.json")), livePath))
	results = append(results, checkPersonalFiles(cfg.DataDir))
	results = append(results, checkRemote(cfg))

	if cfg.DocsURL != "" {
		results = append(results, checkOutbox(ctx, cfg))
	}

	// Print results
	util.InfoLog("")
	util.InfoLog("=== Diagnostic Results ===")
	util.InfoLog("")

	hasErrors := false
	hasWarnings := false

	for _, r := range results {
		symbol := "✓"
		if r.error {
			symbol = "✗"
			hasErrors = true
		} else if r.warning {
			symbol = "⚠"
			hasWarnings = true
		}

		line := fmt.Sprintf("[%s] %s", symbol, r.name)
		if r.message != "" {
			line += fmt.Sprintf(": %s", r.message)
		}

		if r.error {
			util.ErrorLog("%s", line)
		} else if r.warning {
			util.WarnLog("%s", line)
		} else {
			util.SuccessLog("%s", line)
		}
	}

	// Summary
	util.InfoLog("")
	if hasErrors {
		util.ErrorLog("❌ Some critical checks failed. Please resolve errors before using atlas.")
		return fmt.Errorf("system diagnostics failed")
	} else if hasWarnings {
		util.WarnLog("⚠️  Some checks produced warnings. Review them before proceeding.")
	} else {
		util.SuccessLog("✅ All checks passed!")
	}

	return nil
}

// checkSQLite verifies the embedded engine loads
func checkSQLite(ctx context.Context) checkResult {
	// modernc.org/sqlite is pure Go, so this only fails on unsupported platforms
	version, err := sqlexec.SQLiteVersion(ctx)
	if err != nil || version == "" {
		return checkResult{
			name:    "SQLite",
			error:   true,
			message: fmt.Sprintf("engine unavailable (search falls back to the remote store): %v", err),
		}
	}

	return checkResult{
		name:    "SQLite",
		message: fmt.Sprintf("version %s (built-in)", version),
	}
}

// checkDataDirectory verifies the data directory is writable
func checkDataDirectory(path string) checkResult {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return checkResult{
				name:    "Data directory",
				message: fmt.Sprintf("%s (will be created on first run)", path),
			}
		}
		return checkResult{
			name:    "Data directory",
			error:   true,
			message: fmt.Sprintf("cannot access %s: %v", path, err),
		}
	}

	if !info.IsDir() {
		return checkResult{
			name:    "Data directory",
			error:   true,
			message: fmt.Sprintf("%s is not a directory", path),
		}
	}

	// Check write permission by creating a temp file
	testFile := filepath.Join(path, ".atlas_write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return checkResult{
			name:    "Data directory",
			error:   true,
			message: fmt.Sprintf("cannot write to %s: %v", path, err),
		}
	}
	f.Close()
	os.Remove(testFile)

	return checkResult{
		name:    "Data directory",
		message: fmt.Sprintf("%s (writable)", path),
	}
}

// checkSnapshot verifies the installed snapshot file and its contents
func checkSnapshot(ctx context.Context, exec sqlexec.Executor, path string) checkResult {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return checkResult{
				name:    "Snapshot",
				warning: true,
				message: "not installed (run 'atlas install' or 'atlas refresh')",
			}
		}
		return checkResult{
			name:    "Snapshot",
			error:   true,
			message: fmt.Sprintf("cannot access %s: %v", path, err),
		}
	}

	if err := snapshot.VerifySQLite(path); err != nil {
		return checkResult{
			name:    "Snapshot",
			error:   true,
			message: fmt.Sprintf("%s is not a valid database: %v", path, err),
		}
	}

	svc, err := master.NewService(master.Config{Executor: exec, Path: path})
	if err != nil {
		return checkResult{name: "Snapshot", error: true, message: err.Error()}
	}
	defer svc.Close()

	if err := svc.CheckIntegrity(ctx); err != nil {
		return checkResult{
			name:    "Snapshot",
			error:   true,
			message: fmt.Sprintf("integrity check failed: %v", err),
		}
	}

	counts, err := svc.Counts(ctx)
	if err != nil {
		return checkResult{
			name:    "Snapshot",
			error:   true,
			message: fmt.Sprintf("cannot read %s: %v", path, err),
		}
	}

	return checkResult{
		name: "Snapshot",
		message: fmt.Sprintf("%s (%s, %d points, %d creatures, %d sightings)",
			path, humanize.Bytes(uint64(info.Size())), counts.Points, counts.Creatures, counts.Links),
	}
}

// checkVersionToken verifies the persisted version describes the live file
func checkVersionToken(kv *snapshot.FileKV, livePath string) checkResult {
	version, err := kv.Get(snapshot.VersionKey)
	if err != nil {
		return checkResult{
			name:    "Version token",
			error:   true,
			message: err.Error(),
		}
	}

	_, statErr := os.Stat(livePath)
	switch {
	case version == "" && statErr == nil:
		return checkResult{
			name:    "Version token",
			warning: true,
			message: "missing; the next refresh downloads the snapshot again",
		}
	case version == "":
		return checkResult{name: "Version token", message: "none (no snapshot installed)"}
	case strings.HasPrefix(version, snapshot.SeedVersionPrefix):
		return checkResult{name: "Version token", message: fmt.Sprintf("%s (bundled seed)", version)}
	}
	return checkResult{name: "Version token", message: version}
}

// checkPersonalFiles lists the personal databases on this device
func checkPersonalFiles(dir string) checkResult {
	matches, err := filepath.Glob(filepath.Join(dir, "user_*.db"))
	if err != nil {
		return checkResult{name: "Personal databases", error: true, message: err.Error()}
	}

	var total int64
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil {
			total += info.Size()
		}
	}

	switch len(matches) {
	case 0:
		return checkResult{name: "Personal databases", message: "none (not signed in yet)"}
	case 1:
		return checkResult{name: "Personal databases", message: fmt.Sprintf("1 (%s)", humanize.Bytes(uint64(total)))}
	}
	// Only the signed-in user's database should survive a login
	return checkResult{
		name:    "Personal databases",
		warning: true,
		message: fmt.Sprintf("%d files (%s); the next login removes the others", len(matches), humanize.Bytes(uint64(total))),
	}
}

// checkRemote reports which remote endpoints are configured
func checkRemote(cfg settings) checkResult {
	var parts []string
	switch {
	case cfg.GCSBucket != "":
		parts = append(parts, fmt.Sprintf("snapshot gs://%s/%s", cfg.GCSBucket, cfg.GCSObject))
	case cfg.BlobURL != "":
		parts = append(parts, "snapshot "+cfg.BlobURL)
	}
	if cfg.DocsURL != "" {
		parts = append(parts, "documents "+cfg.DocsURL)
	}

	if len(parts) == 0 {
		return checkResult{
			name:    "Remote",
			warning: true,
			message: "nothing configured; refresh, sync and search fallback are disabled",
		}
	}
	return checkResult{name: "Remote", message: strings.Join(parts, ", ")}
}

// checkOutbox reports mirror writes still waiting for the remote store
func checkOutbox(ctx context.Context, cfg settings) checkResult {
	store, err := personal.New(personal.Config{Executor: sqlexec.NewFileExecutor(), Dir: cfg.DataDir})
	if err != nil {
		return checkResult{name: "Outbox", error: true, message: err.Error()}
	}
	defer store.Close()

	principal := cfg.Principal
	if principal == "" {
		principal, _ = snapshot.NewFileKV(filepath.Join(cfg.DataDir, "state.json")).Get(activePrincipalKey)
	}
	if principal == "" {
		return checkResult{name: "Outbox", message: "not signed in"}
	}
	if err := store.Open(ctx, principal); err != nil {
		return checkResult{name: "Outbox", error: true, message: err.Error()}
	}

	entries, err := store.Outbox(ctx)
	if err != nil {
		return checkResult{name: "Outbox", error: true, message: err.Error()}
	}
	if len(entries) == 0 {
		return checkResult{name: "Outbox", message: "empty"}
	}
	return checkResult{
		name:    "Outbox",
		warning: true,
		message: fmt.Sprintf("%d writes pending, oldest from %s (run 'atlas sync')", len(entries), entries[0].UpdatedAt.Local().Format("2006-01-02 15:04")),
	}
}

// checkDiskSpace verifies available disk space
func checkDiskSpace(path string, label string) checkResult {
	// The data directory may not exist yet
	for {
		if _, err := os.Stat(path); err == nil || filepath.Dir(path) == path {
			break
		}
		path = filepath.Dir(path)
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return checkResult{
			name:    fmt.Sprintf("Disk space (%s)", label),
			warning: true,
			message: fmt.Sprintf("cannot determine disk space: %v", err),
		}
	}

	availBytes := stat.Bavail * uint64(stat.Bsize)

	// A refresh needs room for the download and the decoded copy
	warning := availBytes < 512*1024*1024
	warningMsg := ""
	if warning {
		warningMsg = " (low space!)"
	}

	return checkResult{
		name:    fmt.Sprintf("Disk space (%s)", label),
		warning: warning,
		message: fmt.Sprintf("%s available%s", humanize.Bytes(availBytes), warningMsg),
	}
}
