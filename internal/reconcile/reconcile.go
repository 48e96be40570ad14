// Package reconcile removes local proposals that a newly installed master
// snapshot has made obsolete.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/franz/dive-atlas/internal/metrics"
	"github.com/franz/dive-atlas/internal/report"
	"github.com/franz/dive-atlas/internal/util"
)

// DefaultProposalTTL is how long a pending proposal may wait for moderation
const DefaultProposalTTL = 90 * 24 * time.Hour

// EntitySource lists the ids present in the installed snapshot
type EntitySource interface {
	EntityIDs(ctx context.Context) (map[string]struct{}, error)
}

// ProposalStore is the part of the personal store reconciliation mutates
type ProposalStore interface {
	Principal() string
	DeleteProposalsForTargets(ctx context.Context, ids []string) (int, error)
	PruneProposals(ctx context.Context, olderThan time.Time) (int, error)
}

// Result summarizes one run
type Result struct {
	Skipped    bool
	Principal  string
	Reconciled int // proposals whose target is now in the snapshot
	Pruned     int // rejected or expired proposals
}

// Job deletes proposals whose target appeared in the snapshot, then prunes
// rejected and expired ones. Runs are idempotent.
type Job struct {
	Master   EntitySource
	Personal ProposalStore
	TTL      time.Duration // <= 0 disables expiry of pending proposals
	Events   *report.EventLogger

	now func() time.Time
}

// New creates a job with the default TTL
func New(master EntitySource, personal ProposalStore, events *report.EventLogger) *Job {
	return &Job{Master: master, Personal: personal, TTL: DefaultProposalTTL, Events: events}
}

// Run reconciles the open principal against the installed snapshot. Without
// a signed-in principal or a usable engine it does nothing.
func (j *Job) Run(ctx context.Context, version string) (Result, error) {
	principal := j.Personal.Principal()
	if principal == "" {
		util.DebugLog("Reconcile skipped: no principal signed in")
		return Result{Skipped: true}, nil
	}
	res := Result{Principal: principal}

	ids, err := j.Master.EntityIDs(ctx)
	if err != nil {
		if skippable(err) {
			util.DebugLog("Reconcile skipped: %v", err)
			res.Skipped = true
			return res, nil
		}
		j.Events.LogReconcile(principal, version, 0, err)
		return res, err
	}

	targets := make([]string, 0, len(ids))
	for id := range ids {
		targets = append(targets, id)
	}
	sort.Strings(targets)

	res.Reconciled, err = j.Personal.DeleteProposalsForTargets(ctx, targets)
	if err != nil {
		if skippable(err) {
			res.Skipped = true
			return res, nil
		}
		j.Events.LogReconcile(principal, version, res.Reconciled, err)
		return res, err
	}

	var cutoff time.Time
	if j.TTL > 0 {
		cutoff = j.clock().Add(-j.TTL)
	}
	res.Pruned, err = j.Personal.PruneProposals(ctx, cutoff)
	if err != nil && !skippable(err) {
		util.WarnLog("Failed to prune proposals: %v", err)
	}

	total := res.Reconciled + res.Pruned
	metrics.ReconciledProposalsTotal.Add(float64(total))
	j.Events.LogReconcile(principal, version, total, nil)
	if total > 0 {
		util.InfoLog("Reconciled %d proposals, pruned %d", res.Reconciled, res.Pruned)
	}
	return res, nil
}

func (j *Job) clock() time.Time {
	if j.now != nil {
		return j.now()
	}
	return time.Now()
}

// skippable errors mean there is nothing to reconcile yet
func skippable(err error) bool {
	return errors.Is(err, util.ErrEngineUnavailable) ||
		errors.Is(err, util.ErrNoPrincipal) ||
		errors.Is(err, util.ErrNotFound)
}
