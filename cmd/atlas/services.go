package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/franz/dive-atlas/internal/master"
	"github.com/franz/dive-atlas/internal/metrics"
	"github.com/franz/dive-atlas/internal/personal"
	"github.com/franz/dive-atlas/internal/reconcile"
	"github.com/franz/dive-atlas/internal/remote"
	"github.com/franz/dive-atlas/internal/report"
	"github.com/franz/dive-atlas/internal/snapshot"
	"github.com/franz/dive-atlas/internal/sqlexec"
	"github.com/franz/dive-atlas/internal/util"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
)

// activePrincipalKey remembers the last login in state.json
const activePrincipalKey = "active_principal"

// services is the object graph shared by every command
type services struct {
	cfg       settings
	events    *report.EventLogger
	exec      sqlexec.Executor
	kv        *snapshot.FileKV
	docs      remote.DocumentStore // nil without --docs-url
	installer *snapshot.Installer
	master    *master.Service
	personal  *personal.Store
	reconcile *reconcile.Job

	closers []func() error
}

func newServices(ctx context.Context, cfg settings) (*services, error) {
	svc := &services{cfg: cfg}

	// Create event logger with appropriate log level
	logLevel := report.LevelInfo
	if cfg.Quiet {
		logLevel = report.LevelWarning
	} else if cfg.Verbose {
		logLevel = report.LevelDebug
	}
	events, err := report.NewEventLogger(cfg.ArtifactsDir, logLevel)
	if err != nil {
		util.WarnLog("Failed to create event logger: %v", err)
		events = report.NullLogger()
	}
	svc.events = events
	util.DebugLog("Event log: %s", events.Path())

	if cfg.Memory {
		svc.exec = sqlexec.NewMemoryExecutor()
	} else {
		svc.exec = sqlexec.NewFileExecutor()
	}
	if err := svc.exec.Available(ctx); err != nil {
		util.WarnLog("Embedded database unavailable, search falls back to the remote store: %v", err)
	}

	if cfg.DocsURL != "" {
		svc.docs = remote.NewHTTPStore(cfg.DocsURL, cfg.DocsToken)
	}

	svc.kv = snapshot.NewFileKV(filepath.Join(cfg.DataDir, "state.json"))
	instCfg := snapshot.Config{
		Dir:      cfg.DataDir,
		KV:       svc.kv,
		Progress: downloadProgress,
		Events:   events,
	}
	if cfg.Seed != "" {
		instCfg.SeedFs = afero.NewReadOnlyFs(afero.NewOsFs())
		instCfg.SeedPath = cfg.Seed
	}
	source, err := svc.blobSource(ctx)
	if err != nil {
		svc.Close()
		return nil, err
	}
	instCfg.Source = source
	if svc.installer, err = snapshot.New(instCfg); err != nil {
		svc.Close()
		return nil, err
	}

	svc.master, err = master.NewService(master.Config{
		Executor: svc.exec,
		Path:     svc.installer.LivePath(),
		Remote:   svc.docs,
		Events:   events,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}

	svc.personal, err = personal.New(personal.Config{
		Executor: svc.exec,
		Dir:      cfg.DataDir,
		Remote:   svc.docs,
		Events:   events,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}

	svc.reconcile = reconcile.New(svc.master, svc.personal, events)
	svc.reconcile.TTL = cfg.ProposalTTL

	// Readers switch to the new file before proposals are reconciled against it
	svc.installer.OnInstalled(func(ctx context.Context, version string) error {
		return svc.master.Reload(ctx)
	})
	svc.installer.OnInstalled(func(ctx context.Context, version string) error {
		_, err := svc.reconcile.Run(ctx, version)
		return err
	})

	if cfg.MetricsAddr != "" {
		if err := svc.serveMetrics(cfg.MetricsAddr); err != nil {
			util.WarnLog("Metrics endpoint disabled: %v", err)
		}
	}

	return svc, nil
}

// blobSource returns nil when no published snapshot is configured
func (svc *services) blobSource(ctx context.Context) (snapshot.BlobSource, error) {
	switch {
	case svc.cfg.GCSBucket != "":
		src, err := snapshot.NewGCSSource(ctx, svc.cfg.GCSBucket, svc.cfg.GCSObject, svc.cfg.GCSCredentials)
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, src.Close)
		return src, nil
	case svc.cfg.BlobURL != "":
		return snapshot.NewHTTPSource(svc.cfg.BlobURL, nil), nil
	}
	return nil, nil
}

func (svc *services) serveMetrics(addr string) error {
	handler, err := metrics.Handler()
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.WarnLog("Metrics server stopped: %v", err)
		}
	}()
	svc.closers = append(svc.closers, server.Close)
	util.InfoLog("Serving metrics on %s/metrics", addr)
	return nil
}

// signIn opens the configured principal, or the one remembered from the last login
func (svc *services) signIn(ctx context.Context) (string, error) {
	principal := svc.cfg.Principal
	if principal == "" {
		principal, _ = svc.kv.Get(activePrincipalKey)
	}
	if principal == "" {
		return "", fmt.Errorf("%w: run 'atlas login <user-id>' first", util.ErrNoPrincipal)
	}
	if err := svc.personal.Open(ctx, principal); err != nil {
		return "", err
	}
	return principal, nil
}

// Close waits for pending mirror writes and releases every resource
func (svc *services) Close() error {
	var errs []error
	if svc.personal != nil {
		errs = append(errs, svc.personal.Close())
	}
	if svc.master != nil {
		errs = append(errs, svc.master.Close())
	}
	for i := len(svc.closers) - 1; i >= 0; i-- {
		errs = append(errs, svc.closers[i]())
	}
	errs = append(errs, svc.events.Close())
	return errors.Join(errs...)
}

// downloadProgress draws a byte progress bar when stderr is interactive
func downloadProgress(total int64) io.Writer {
	if !util.StderrIsTerminal() || util.IsQuiet() {
		return nil
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("Downloading"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
	)
}
