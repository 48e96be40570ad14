package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/franz/dive-atlas/internal/report"
	"github.com/franz/dive-atlas/internal/util"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a summary report from the event logs",
	Long: `Generate a summary report in Markdown format from the JSONL event logs.

The report includes:
- Snapshot installs and refresh outcomes
- Signed-in users, initial syncs and reconciled proposals
- Mirror failures and searches served by the remote store
- Top errors

The report is saved to artifacts/reports/<timestamp>/summary.md`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	// Report-specific flags
	reportCmd.Flags().String("out", "", "Output directory for report (default: <artifacts>/reports/<timestamp>)")
	reportCmd.Flags().StringSlice("event-log", nil, "Event log files to include (default: every log in the artifacts directory)")
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg := loadSettings()

	util.InfoLog("=== Generating Summary Report ===")

	paths, _ := cmd.Flags().GetStringSlice("event-log")
	if len(paths) == 0 {
		var err error
		if paths, err = report.FindEventLogs(cfg.ArtifactsDir); err != nil {
			return fmt.Errorf("failed to list event logs: %w", err)
		}
	}
	if len(paths) == 0 {
		util.WarnLog("No event logs found in %s", cfg.ArtifactsDir)
		return nil
	}

	util.InfoLog("Analyzing %d event logs...", len(paths))
	summaryReport, err := report.GenerateSummaryReport(paths)
	if err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}

	// Determine output path
	outputDir, _ := cmd.Flags().GetString("out")
	if outputDir == "" {
		timestamp := time.Now().Format("20060102-150405")
		outputDir = filepath.Join(cfg.ArtifactsDir, "reports", timestamp)
	}

	outputPath := filepath.Join(outputDir, "summary.md")

	// Write markdown report
	util.InfoLog("Writing report to: %s", outputPath)
	if err := report.WriteMarkdownReport(summaryReport, outputPath); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	// Summary
	util.SuccessLog("Report generated successfully!")
	util.InfoLog("")
	util.InfoLog("Summary:")
	util.InfoLog("  Events: %d", summaryReport.Events)
	if summaryReport.LatestVersion != "" {
		util.InfoLog("  Snapshot: %s", summaryReport.LatestVersion)
	}
	util.InfoLog("  Refreshes: %d updated, %d unchanged", summaryReport.RefreshUpdated, summaryReport.RefreshUnchanged)
	if summaryReport.RefreshFailed > 0 {
		util.WarnLog("  Failed refreshes: %d", summaryReport.RefreshFailed)
	}
	if summaryReport.BytesDownloaded > 0 {
		util.InfoLog("  Downloaded: %s", humanize.Bytes(uint64(summaryReport.BytesDownloaded)))
	}
	if summaryReport.MirrorFailures > 0 {
		util.WarnLog("  Mirror failures: %d", summaryReport.MirrorFailures)
	}
	if summaryReport.Malformed > 0 {
		util.WarnLog("  Malformed lines skipped: %d", summaryReport.Malformed)
	}

	return nil
}
