package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// SummaryReport aggregates one or more event logs
type SummaryReport struct {
	GeneratedAt time.Time
	EventLogs   []string
	Events      int
	Malformed   int // lines that were not valid events

	// Snapshot distribution
	Installs          int
	RefreshUpdated    int
	RefreshUnchanged  int
	RefreshFailed     int
	BytesDownloaded   int64
	LatestVersion     string
	LatestInstalledAt time.Time

	// Personal store
	Principals          []string
	ReconciledProposals int
	MirrorFailures      int
	Syncs               int
	FailedSyncs         int

	// Degraded search
	Fallbacks []FallbackSummary

	TopErrors []ErrorSummary
}

// ErrorSummary represents an error with its count
type ErrorSummary struct {
	Error string
	Count int
}

// FallbackSummary counts searches served by the remote store per collection
type FallbackSummary struct {
	Collection string
	Count      int
}

// GenerateSummaryReport reads every JSONL event log in paths. Malformed lines
// are counted and skipped.
func GenerateSummaryReport(paths []string) (*SummaryReport, error) {
	report := &SummaryReport{
		GeneratedAt: time.Now(),
		EventLogs:   paths,
		TopErrors:   make([]ErrorSummary, 0),
	}

	principals := make(map[string]bool)
	fallbacks := make(map[string]int)
	errorCounts := make(map[string]int)

	for _, path := range paths {
		err := readEvents(path, func(e *Event) {
			report.add(e, principals, fallbacks, errorCounts)
		}, func() { report.Malformed++ })
		if err != nil {
			return nil, err
		}
	}

	for p := range principals {
		report.Principals = append(report.Principals, p)
	}
	sort.Strings(report.Principals)

	for c, n := range fallbacks {
		report.Fallbacks = append(report.Fallbacks, FallbackSummary{Collection: c, Count: n})
	}
	sort.Slice(report.Fallbacks, func(i, j int) bool {
		return report.Fallbacks[i].Collection < report.Fallbacks[j].Collection
	})

	report.TopErrors = topErrors(errorCounts, 10)
	return report, nil
}

func (r *SummaryReport) add(e *Event, principals map[string]bool, fallbacks, errorCounts map[string]int) {
	r.Events++
	if e.Principal != "" {
		principals[e.Principal] = true
	}
	if e.Error != "" {
		errorCounts[e.Error]++
	}

	switch e.Event {
	case EventInstall:
		if e.Error == "" {
			r.Installs++
			r.noteVersion(e)
		}
	case EventRefresh:
		switch e.Action {
		case "updated":
			r.RefreshUpdated++
			r.BytesDownloaded += e.Bytes
			r.noteVersion(e)
		case "unchanged":
			r.RefreshUnchanged++
		default:
			r.RefreshFailed++
		}
	case EventReconcile:
		r.ReconciledProposals += e.Count
	case EventMirror:
		if e.Error != "" {
			r.MirrorFailures++
		}
	case EventSync:
		if e.Error != "" {
			r.FailedSyncs++
		} else {
			r.Syncs++
		}
	case EventFallback:
		fallbacks[e.Collection]++
	}
}

func (r *SummaryReport) noteVersion(e *Event) {
	if !e.Timestamp.Before(r.LatestInstalledAt) {
		r.LatestInstalledAt = e.Timestamp
		r.LatestVersion = e.Version
	}
}

func readEvents(path string, fn func(*Event), malformed func()) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil || e.Event == "" {
			malformed()
			continue
		}
		fn(&e)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

func topErrors(counts map[string]int, limit int) []ErrorSummary {
	errors := make([]ErrorSummary, 0, len(counts))
	for err, count := range counts {
		errors = append(errors, ErrorSummary{Error: err, Count: count})
	}

	// Most frequent first, ties alphabetical
	sort.Slice(errors, func(i, j int) bool {
		if errors[i].Count != errors[j].Count {
			return errors[i].Count > errors[j].Count
		}
		return errors[i].Error < errors[j].Error
	})

	if len(errors) > limit {
		errors = errors[:limit]
	}
	return errors
}

// FindEventLogs returns the event logs in dir, oldest first
func FindEventLogs(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "events-*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// WriteMarkdownReport writes the summary report as Markdown
func WriteMarkdownReport(report *SummaryReport, outputPath string) error {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var md strings.Builder

	md.WriteString("# Dive Atlas - Activity Report\n\n")
	md.WriteString(fmt.Sprintf("**Generated:** %s\n\n", report.GeneratedAt.Format("2006-01-02 15:04:05")))
	md.WriteString(fmt.Sprintf("**Event logs:** %d (%d events", len(report.EventLogs), report.Events))
	if report.Malformed > 0 {
		md.WriteString(fmt.Sprintf(", %d malformed lines skipped", report.Malformed))
	}
	md.WriteString(")\n\n")
	md.WriteString("---\n\n")

	md.WriteString("## 📦 Snapshot\n\n")
	md.WriteString("| Metric | Value |\n")
	md.WriteString("|--------|-------|\n")
	if report.LatestVersion != "" {
		md.WriteString(fmt.Sprintf("| Installed Version | `%s` |\n", report.LatestVersion))
		md.WriteString(fmt.Sprintf("| Installed At | %s |\n", report.LatestInstalledAt.Format("2006-01-02 15:04:05")))
	}
	md.WriteString(fmt.Sprintf("| Seed Installs | %d |\n", report.Installs))
	md.WriteString(fmt.Sprintf("| Refreshes (updated) | %d |\n", report.RefreshUpdated))
	md.WriteString(fmt.Sprintf("| Refreshes (unchanged) | %d |\n", report.RefreshUnchanged))
	if report.RefreshFailed > 0 {
		md.WriteString(fmt.Sprintf("| Refreshes (failed) | %d |\n", report.RefreshFailed))
	}
	md.WriteString(fmt.Sprintf("| Downloaded | %s |\n", humanize.Bytes(uint64(report.BytesDownloaded))))
	md.WriteString("\n")

	if len(report.Principals) > 0 || report.ReconciledProposals > 0 {
		md.WriteString("## 👤 Personal Data\n\n")
		md.WriteString("| Metric | Value |\n")
		md.WriteString("|--------|-------|\n")
		md.WriteString(fmt.Sprintf("| Principals | %s |\n", strings.Join(report.Principals, ", ")))
		md.WriteString(fmt.Sprintf("| Initial Syncs | %d |\n", report.Syncs))
		if report.FailedSyncs > 0 {
			md.WriteString(fmt.Sprintf("| Failed Syncs | %d |\n", report.FailedSyncs))
		}
		md.WriteString(fmt.Sprintf("| Proposals Reconciled | %d |\n", report.ReconciledProposals))
		if report.MirrorFailures > 0 {
			md.WriteString(fmt.Sprintf("| Mirror Failures | %d |\n", report.MirrorFailures))
		}
		md.WriteString("\n")
	}

	if len(report.Fallbacks) > 0 {
		md.WriteString("## 🌐 Remote Search Fallbacks\n\n")
		md.WriteString("| Collection | Searches |\n")
		md.WriteString("|------------|----------|\n")
		for _, f := range report.Fallbacks {
			md.WriteString(fmt.Sprintf("| %s | %d |\n", f.Collection, f.Count))
		}
		md.WriteString("\n")
	}

	if len(report.TopErrors) > 0 {
		md.WriteString("## ⚠️ Top Errors\n\n")
		md.WriteString("| Count | Error |\n")
		md.WriteString("|-------|-------|\n")
		for _, err := range report.TopErrors {
			md.WriteString(fmt.Sprintf("| %d | %s |\n", err.Count, truncate(err.Error, 120)))
		}
		md.WriteString("\n")
	}

	if err := os.WriteFile(outputPath, []byte(md.String()), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	return nil
}

// truncate shortens s to maxLen, keeping its start and end
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	start := maxLen/2 - 2
	end := len(s) - (maxLen/2 - 2)
	return s[:start] + "..." + s[end:]
}
