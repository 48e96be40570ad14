package master

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/franz/dive-atlas/internal/model"
	"github.com/franz/dive-atlas/internal/remote"
	"github.com/franz/dive-atlas/internal/rows"
	"github.com/franz/dive-atlas/internal/sqlexec"
	"github.com/franz/dive-atlas/internal/util"
)

// Schema creates the snapshot tables. Published snapshots must keep these
// table and column names exactly.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS master_points (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		name_kana TEXT,
		region_name TEXT,
		zone_name TEXT,
		area_name TEXT,
		latitude REAL,
		longitude REAL,
		level TEXT,
		max_depth REAL,
		entry_type TEXT,
		topography TEXT,
		features TEXT,
		image_url TEXT,
		rating_avg REAL,
		review_count INTEGER,
		search_text TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS master_creatures (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		name_kana TEXT,
		scientific_name TEXT,
		category TEXT,
		rarity TEXT,
		description TEXT,
		tags TEXT,
		season TEXT,
		depth_min REAL,
		depth_max REAL,
		image_url TEXT,
		search_text TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS master_point_creatures (
		id TEXT PRIMARY KEY,
		point_id TEXT NOT NULL,
		creature_id TEXT NOT NULL,
		local_rarity TEXT,
		status TEXT NOT NULL DEFAULT 'approved'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_master_points_name ON master_points(name)`,
	`CREATE INDEX IF NOT EXISTS idx_master_creatures_name ON master_creatures(name)`,
	`CREATE INDEX IF NOT EXISTS idx_master_point_creatures_point ON master_point_creatures(point_id)`,
	`CREATE INDEX IF NOT EXISTS idx_master_point_creatures_creature ON master_point_creatures(creature_id)`,
}

// Dataset is the approved content of one snapshot
type Dataset struct {
	Points    []model.Point
	Creatures []model.Creature
	Links     []model.PointCreature
}

// Build writes a fresh snapshot file at path, replacing any existing file.
func Build(ctx context.Context, exec sqlexec.Executor, path string, ds Dataset) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove old snapshot: %w", err)
	}

	h, err := exec.Open(ctx, path, &sqlexec.OpenOptions{Schema: Schema})
	if err != nil {
		return err
	}
	defer exec.Close(h)

	// Published snapshots are single files
	if err := exec.Execute(ctx, h, "PRAGMA journal_mode=DELETE"); err != nil {
		return fmt.Errorf("failed to set journal mode: %w", err)
	}

	if err := exec.Execute(ctx, h, "BEGIN"); err != nil {
		return err
	}
	if err := insertAll(ctx, exec, h, ds); err != nil {
		exec.Execute(ctx, h, "ROLLBACK")
		return err
	}
	return exec.Execute(ctx, h, "COMMIT")
}

func insertAll(ctx context.Context, exec sqlexec.Executor, h *sqlexec.Handle, ds Dataset) error {
	insert := func(table, columns string, args []any) error {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
		q := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)", table, columns, placeholders)
		if err := exec.Execute(ctx, h, q, args...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}
		return nil
	}

	for _, p := range ds.Points {
		if err := insert("master_points", rows.PointColumns, rows.PointToArgs(p)); err != nil {
			return err
		}
	}
	for _, c := range ds.Creatures {
		if err := insert("master_creatures", rows.CreatureColumns, rows.CreatureToArgs(c)); err != nil {
			return err
		}
	}
	for _, l := range ds.Links {
		if err := insert("master_point_creatures", rows.PointCreatureColumns, rows.PointCreatureToArgs(l)); err != nil {
			return err
		}
	}
	return nil
}

// FetchDataset pulls every approved entity from the document store
func FetchDataset(ctx context.Context, store remote.DocumentStore) (Dataset, error) {
	var ds Dataset
	approved := []remote.Filter{{Field: "status", Op: remote.OpEq, Value: string(model.StatusApproved)}}

	fetch := func(collection string) ([]remote.Document, error) {
		return util.RetryWithBackoff(ctx, util.MirrorRetryConfig(), func(ctx context.Context) ([]remote.Document, error) {
			return store.Query(ctx, remote.Query{Collection: collection, Filters: approved, OrderBy: "id"})
		}, "fetch "+collection)
	}

	docs, err := fetch(remote.Points)
	if err != nil {
		return ds, err
	}
	for _, d := range docs {
		ds.Points = append(ds.Points, rows.PointFromDocument(d))
	}

	if docs, err = fetch(remote.Creatures); err != nil {
		return ds, err
	}
	for _, d := range docs {
		ds.Creatures = append(ds.Creatures, rows.CreatureFromDocument(d))
	}

	if docs, err = fetch(remote.Links); err != nil {
		return ds, err
	}
	for _, d := range docs {
		ds.Links = append(ds.Links, model.PointCreature{
			ID:          rows.String(d["id"]),
			PointID:     rows.String(d["pointId"]),
			CreatureID:  rows.String(d["creatureId"]),
			LocalRarity: rows.String(d["localRarity"]),
			Status:      string(model.StatusApproved),
		})
	}

	return ds, nil
}
