package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/franz/dive-atlas/internal/master"
	"github.com/franz/dive-atlas/internal/snapshot"
	"github.com/franz/dive-atlas/internal/sqlexec"
	"github.com/franz/dive-atlas/internal/util"
	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the bundled seed snapshot if no snapshot is present",
	Long: `Install the bundled seed snapshot (--seed) into the data directory.

This never touches the network and does nothing once a snapshot is
installed. Use 'atlas refresh' to move to the published version.`,
	RunE: runInstall,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Download the published snapshot if it changed",
	Long: `Compare the installed snapshot with the published one and download it
when the version differs. The download is verified and swapped in atomically;
on any failure the installed snapshot stays in place.

After an update, proposals of the signed-in user whose target is now part of
the snapshot are removed. Network failures are logged and never fail the
command.`,
	RunE: runRefresh,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the installed snapshot version and contents",
	RunE:  runStatus,
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Build a snapshot from the approved remote documents",
	Long: `Pull every approved point, creature and point-creature link from the
remote document store, build a snapshot database and write it encoded for
upload to the blob endpoint.`,
	RunE: runPublish,
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(publishCmd)

	refreshCmd.Flags().Bool("check", false, "only report whether a newer snapshot is published")

	publishCmd.Flags().StringP("out", "o", "master.db.zst", "output file")
	publishCmd.Flags().String("format", "zstd", "output encoding: sqlite, gzip or zstd")
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := newServices(ctx, loadSettings())
	if err != nil {
		return err
	}
	defer svc.Close()

	// Reconcile the remembered user against the seed, if any
	if _, err := svc.signIn(ctx); err != nil && !errors.Is(err, util.ErrNoPrincipal) {
		util.WarnLog("Personal database unavailable: %v", err)
	}

	result, err := svc.installer.EnsureInstalled(ctx)
	if err != nil {
		return fmt.Errorf("install failed: %w", err)
	}
	if result.Outcome == snapshot.OutcomeUnchanged {
		util.InfoLog("Snapshot already installed (%s)", displayVersion(result.Version))
	}
	return nil
}

func runRefresh(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	checkOnly, _ := cmd.Flags().GetBool("check")

	svc, err := newServices(ctx, loadSettings())
	if err != nil {
		return err
	}
	defer svc.Close()

	if checkOnly {
		state, version, err := svc.installer.Check(ctx)
		if errors.Is(err, util.ErrInvalidConfig) {
			return err
		}
		if err != nil {
			util.WarnLog("Could not reach the snapshot source: %v", err)
			return nil
		}
		util.InfoLog("Snapshot is %s (published: %s)", state, version)
		return nil
	}

	if _, err := svc.signIn(ctx); err != nil && !errors.Is(err, util.ErrNoPrincipal) {
		util.WarnLog("Personal database unavailable, skipping reconciliation: %v", err)
	}

	result, err := svc.installer.Refresh(ctx)
	switch {
	case errors.Is(err, util.ErrInvalidConfig):
		return err
	case err != nil:
		// The installed snapshot is still usable
		return nil
	case result.Outcome == snapshot.OutcomeUnchanged:
		util.SuccessLog("Snapshot is up to date (%s)", displayVersion(result.Version))
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := newServices(ctx, loadSettings())
	if err != nil {
		return err
	}
	defer svc.Close()

	version, _ := svc.installer.Version()
	util.InfoLog("=== Snapshot ===")
	util.InfoLog("File: %s", svc.installer.LivePath())
	util.InfoLog("State: %s", svc.installer.State())
	util.InfoLog("Version: %s", displayVersion(version))

	counts, err := svc.master.Counts(ctx)
	if err != nil {
		util.WarnLog("Snapshot not readable: %v", err)
		return nil
	}
	util.InfoLog("Points: %d", counts.Points)
	util.InfoLog("Creatures: %d", counts.Creatures)
	util.InfoLog("Sightings: %d", counts.Links)
	return nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	outPath, _ := cmd.Flags().GetString("out")
	formatName, _ := cmd.Flags().GetString("format")

	format, err := snapshot.ParseFormat(formatName)
	if err != nil {
		return err
	}

	svc, err := newServices(ctx, loadSettings())
	if err != nil {
		return err
	}
	defer svc.Close()

	if svc.docs == nil {
		return fmt.Errorf("%w: --docs-url is required to publish", util.ErrInvalidConfig)
	}

	start := time.Now()
	util.InfoLog("Fetching approved documents from %s", svc.cfg.DocsURL)
	ds, err := master.FetchDataset(ctx, svc.docs)
	if err != nil {
		return fmt.Errorf("failed to fetch dataset: %w", err)
	}
	util.InfoLog("  Points: %d, creatures: %d, sightings: %d", len(ds.Points), len(ds.Creatures), len(ds.Links))

	return publish(ctx, ds, outPath, format, start)
}

// publish builds ds into a database next to outPath and writes it encoded
func publish(ctx context.Context, ds master.Dataset, outPath string, format snapshot.Format, start time.Time) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	dbPath := outPath + ".build.db"
	defer os.Remove(dbPath)
	if err := master.Build(ctx, sqlexec.NewFileExecutor(), dbPath, ds); err != nil {
		return fmt.Errorf("failed to build snapshot: %w", err)
	}

	part := outPath + ".part"
	out, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", part, err)
	}
	defer os.Remove(part)

	n, err := snapshot.Encode(ctx, out, dbPath, format)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := atomic.ReplaceFile(part, outPath); err != nil {
		return fmt.Errorf("failed to write %s: %w", outPath, err)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return err
	}
	util.SuccessLog("Published %s (%s %s from %s) in %v", outPath, format,
		humanize.Bytes(uint64(info.Size())), humanize.Bytes(uint64(n)), time.Since(start).Round(time.Millisecond))
	return nil
}

func displayVersion(v string) string {
	if v == "" {
		return "none"
	}
	return v
}
