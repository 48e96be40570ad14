// Package master serves read-only queries over the installed master snapshot,
// falling back to the remote document store while no local snapshot is usable.
package master

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/franz/dive-atlas/internal/metrics"
	"github.com/franz/dive-atlas/internal/model"
	"github.com/franz/dive-atlas/internal/remote"
	"github.com/franz/dive-atlas/internal/report"
	"github.com/franz/dive-atlas/internal/rows"
	"github.com/franz/dive-atlas/internal/sqlexec"
	"github.com/franz/dive-atlas/internal/util"
	lru "github.com/hashicorp/golang-lru"
)

const (
	// DefaultLimit applies when a search passes a limit <= 0
	DefaultLimit = 50

	defaultCacheSize = 256

	// prefixUpperBound ends a remote prefix range query
	prefixUpperBound = "\uf8ff"
)

// Config configures a Service
type Config struct {
	Executor  sqlexec.Executor
	Path      string               // live snapshot path
	Remote    remote.DocumentStore // optional fallback
	CacheSize int
	Events    *report.EventLogger
}

// Service answers master-data queries. It only ever reads the live snapshot
// path, never an in-progress download.
type Service struct {
	exec   sqlexec.Executor
	path   string
	remote remote.DocumentStore
	events *report.EventLogger
	cache  *lru.Cache

	mu     sync.RWMutex
	handle *sqlexec.Handle
}

// Counts summarizes the installed snapshot
type Counts struct {
	Points    int
	Creatures int
	Links     int
}

// NewService creates a query service. The snapshot is opened lazily.
func NewService(cfg Config) (*Service, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("%w: executor is required", util.ErrInvalidConfig)
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	return &Service{
		exec:   cfg.Executor,
		path:   cfg.Path,
		remote: cfg.Remote,
		events: cfg.Events,
		cache:  cache,
	}, nil
}

// open must be called without the lock held
func (s *Service) open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		return nil
	}
	if err := s.exec.Available(ctx); err != nil {
		return err
	}
	if !util.FileExists(s.exec.FS(), s.path) {
		return fmt.Errorf("snapshot %s: %w", s.path, util.ErrNotFound)
	}

	h, err := s.exec.Open(ctx, s.path, &sqlexec.OpenOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	s.handle = h
	util.DebugLog("Opened master snapshot %s", s.path)
	return nil
}

// withHandle runs fn under the read lock so Reload waits for it
func (s *Service) withHandle(ctx context.Context, fn func(h *sqlexec.Handle) error) error {
	s.mu.RLock()
	if s.handle == nil {
		s.mu.RUnlock()
		if err := s.open(ctx); err != nil {
			return err
		}
		s.mu.RLock()
	}
	defer s.mu.RUnlock()

	if s.handle == nil {
		return fmt.Errorf("snapshot %s: %w", s.path, util.ErrNotFound)
	}
	return fn(s.handle)
}

func (s *Service) query(ctx context.Context, q string, args ...any) ([]sqlexec.Row, error) {
	var result []sqlexec.Row
	err := s.withHandle(ctx, func(h *sqlexec.Handle) error {
		var err error
		result, err = s.exec.QueryAll(ctx, h, q, args...)
		return err
	})
	return result, err
}

// Available reports whether the local snapshot can be queried
func (s *Service) Available(ctx context.Context) bool {
	return s.withHandle(ctx, func(*sqlexec.Handle) error { return nil }) == nil
}

// lookup serves key from the cache or runs q against the snapshot. Results
// are added under the read lock, so a Reload purge always follows them.
func (s *Service) lookup(ctx context.Context, key, q string, args []any, convert func([]sqlexec.Row) any) (any, error) {
	if cached, ok := s.cache.Get(key); ok {
		return cached, nil
	}

	var v any
	err := s.withHandle(ctx, func(h *sqlexec.Handle) error {
		result, err := s.exec.QueryAll(ctx, h, q, args...)
		if err != nil {
			return err
		}
		v = convert(result)
		s.cache.Add(key, v)
		return nil
	})
	return v, err
}

// Reload switches to the file currently at the live path. The old handle is
// closed once in-flight reads finish.
func (s *Service) Reload(ctx context.Context) error {
	s.mu.Lock()
	old := s.handle
	s.handle = nil
	s.cache.Purge()
	s.mu.Unlock()

	if old != nil {
		if err := s.exec.Close(old); err != nil {
			util.WarnLog("Failed to close previous snapshot: %v", err)
		}
	}

	return s.open(ctx)
}

// Close releases the snapshot handle
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return nil
	}
	err := s.exec.Close(s.handle)
	s.handle = nil
	return err
}

// normalize trims and lower-cases search text
func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// tier ranks a name against a normalized query: exact match, prefix, other
func tier(name, q string) int {
	n := strings.ToLower(name)
	switch {
	case n == q:
		return 0
	case strings.HasPrefix(n, q):
		return 1
	}
	return 2
}

// escapeLike escapes LIKE wildcards for use with ESCAPE '\'
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// rankedWhere folds names with the same function as tier, so the local and
// remote paths agree on names outside ASCII
const rankedWhere = `WHERE search_text LIKE ? ESCAPE '\'
		ORDER BY CASE
			WHEN ` + sqlexec.FoldFunc + `(name) = ? THEN 0
			WHEN ` + sqlexec.FoldFunc + `(name) LIKE ? ESCAPE '\' THEN 1
			ELSE 2
		END, name
		LIMIT ?`

func rankedArgs(q string, limit int) []any {
	esc := escapeLike(q)
	return []any{"%" + esc + "%", q, esc + "%", limit}
}

// SearchPoints returns points whose searchable text contains text, exact
// name matches first, then name prefixes, then the rest, each alphabetical.
// Blank text returns nothing. Storage failures are logged, never returned.
func (s *Service) SearchPoints(ctx context.Context, text string, limit int) []model.Point {
	q := normalize(text)
	if q == "" {
		metrics.SearchTotal.WithLabelValues("points", "empty").Inc()
		return []model.Point{}
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	key := fmt.Sprintf("points|%d|%s", limit, q)
	v, err := s.lookup(ctx, key, "SELECT "+rows.PointColumns+" FROM master_points "+rankedWhere, rankedArgs(q, limit),
		func(result []sqlexec.Row) any {
			points := make([]model.Point, 0, len(result))
			for _, r := range result {
				points = append(points, rows.PointFromRow(r))
			}
			return points
		})
	if err == nil {
		metrics.SearchTotal.WithLabelValues("points", "local").Inc()
		return v.([]model.Point)
	}

	docs := s.remoteSearch(ctx, remote.Points, strings.TrimSpace(text), limit, err)
	points := make([]model.Point, 0, len(docs))
	for _, d := range docs {
		points = append(points, rows.PointFromDocument(d))
	}
	sort.SliceStable(points, func(i, j int) bool {
		return rankLess(points[i].Name, points[j].Name, q)
	})
	return points
}

// SearchCreatures is SearchPoints for the creature catalog
func (s *Service) SearchCreatures(ctx context.Context, text string, limit int) []model.Creature {
	q := normalize(text)
	if q == "" {
		metrics.SearchTotal.WithLabelValues("creatures", "empty").Inc()
		return []model.Creature{}
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	key := fmt.Sprintf("creatures|%d|%s", limit, q)
	v, err := s.lookup(ctx, key, "SELECT "+rows.CreatureColumns+" FROM master_creatures "+rankedWhere, rankedArgs(q, limit),
		func(result []sqlexec.Row) any {
			creatures := make([]model.Creature, 0, len(result))
			for _, r := range result {
				creatures = append(creatures, rows.CreatureFromRow(r))
			}
			return creatures
		})
	if err == nil {
		metrics.SearchTotal.WithLabelValues("creatures", "local").Inc()
		return v.([]model.Creature)
	}

	docs := s.remoteSearch(ctx, remote.Creatures, strings.TrimSpace(text), limit, err)
	creatures := make([]model.Creature, 0, len(docs))
	for _, d := range docs {
		creatures = append(creatures, rows.CreatureFromDocument(d))
	}
	sort.SliceStable(creatures, func(i, j int) bool {
		return rankLess(creatures[i].Name, creatures[j].Name, q)
	})
	return creatures
}

func rankLess(a, b, q string) bool {
	ta, tb := tier(a, q), tier(b, q)
	if ta != tb {
		return ta < tb
	}
	return a < b
}

// remoteSearch runs the degraded prefix-range query against the document store
func (s *Service) remoteSearch(ctx context.Context, collection, prefix string, limit int, cause error) []remote.Document {
	logLocalFailure(cause)
	metrics.SearchTotal.WithLabelValues(collection, "remote").Inc()

	if s.remote == nil {
		s.events.LogFallback(collection, prefix, 0, cause)
		return nil
	}

	docs, err := s.remote.Query(ctx, remote.Query{
		Collection: collection,
		Filters: []remote.Filter{
			{Field: "status", Op: remote.OpEq, Value: string(model.StatusApproved)},
			{Field: "name", Op: remote.OpGte, Value: prefix},
			{Field: "name", Op: remote.OpLt, Value: prefix + prefixUpperBound},
		},
		OrderBy: "name",
		Limit:   limit,
	})
	if err != nil {
		util.WarnLog("Remote %s search failed: %v", collection, err)
		s.events.LogFallback(collection, prefix, 0, err)
		return nil
	}

	s.events.LogFallback(collection, prefix, len(docs), cause)
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs
}

func logLocalFailure(err error) {
	switch {
	case errors.Is(err, util.ErrNotFound), errors.Is(err, util.ErrEngineUnavailable):
		util.DebugLog("Local snapshot unavailable, using remote search: %v", err)
	default:
		util.WarnLog("Local snapshot query failed, using remote search: %v", err)
	}
}

// GetPoint returns one point, or nil when unknown
func (s *Service) GetPoint(ctx context.Context, id string) *model.Point {
	result, err := s.query(ctx, "SELECT "+rows.PointColumns+" FROM master_points WHERE id = ?", id)
	if err == nil {
		if len(result) == 0 {
			return nil
		}
		p := rows.PointFromRow(result[0])
		return &p
	}

	doc := s.remoteGet(ctx, remote.Points, id, err)
	if doc == nil {
		return nil
	}
	p := rows.PointFromDocument(doc)
	return &p
}

// GetCreature returns one creature, or nil when unknown
func (s *Service) GetCreature(ctx context.Context, id string) *model.Creature {
	result, err := s.query(ctx, "SELECT "+rows.CreatureColumns+" FROM master_creatures WHERE id = ?", id)
	if err == nil {
		if len(result) == 0 {
			return nil
		}
		c := rows.CreatureFromRow(result[0])
		return &c
	}

	doc := s.remoteGet(ctx, remote.Creatures, id, err)
	if doc == nil {
		return nil
	}
	c := rows.CreatureFromDocument(doc)
	return &c
}

func (s *Service) remoteGet(ctx context.Context, collection, id string, cause error) remote.Document {
	logLocalFailure(cause)
	if s.remote == nil {
		return nil
	}

	doc, err := s.remote.Get(ctx, collection, id)
	if err != nil {
		if !errors.Is(err, util.ErrNotFound) {
			util.WarnLog("Remote %s lookup failed: %v", collection, err)
		}
		return nil
	}
	if status := rows.String(doc["status"]); status != "" && status != string(model.StatusApproved) {
		return nil
	}
	return doc
}

// CreaturesAtPoint lists the creatures linked to a point, by name.
// Only the local snapshot carries links; without it the list is empty.
func (s *Service) CreaturesAtPoint(ctx context.Context, pointID string) []model.Sighting {
	result, err := s.query(ctx, `
		SELECT c.id, c.name, c.name_kana, c.scientific_name, c.category, c.rarity,
		       c.description, c.tags, c.season, c.depth_min, c.depth_max, c.image_url,
		       pc.local_rarity
		FROM master_point_creatures pc
		JOIN master_creatures c ON c.id = pc.creature_id
		WHERE pc.point_id = ? AND pc.status = 'approved'
		ORDER BY c.name
	`, pointID)
	if err != nil {
		util.DebugLog("Creature listing unavailable: %v", err)
		return nil
	}

	sightings := make([]model.Sighting, 0, len(result))
	for _, r := range result {
		sightings = append(sightings, model.Sighting{
			Creature:    rows.CreatureFromRow(r),
			LocalRarity: rows.String(r["local_rarity"]),
		})
	}
	return sightings
}

// PointsForCreature lists the points where a creature is found, by name
func (s *Service) PointsForCreature(ctx context.Context, creatureID string) []model.Point {
	result, err := s.query(ctx, `
		SELECT p.id, p.name, p.name_kana, p.region_name, p.zone_name, p.area_name,
		       p.latitude, p.longitude, p.level, p.max_depth, p.entry_type,
		       p.topography, p.features, p.image_url, p.rating_avg, p.review_count
		FROM master_point_creatures pc
		JOIN master_points p ON p.id = pc.point_id
		WHERE pc.creature_id = ? AND pc.status = 'approved'
		ORDER BY p.name
	`, creatureID)
	if err != nil {
		util.DebugLog("Point listing unavailable: %v", err)
		return nil
	}

	points := make([]model.Point, 0, len(result))
	for _, r := range result {
		points = append(points, rows.PointFromRow(r))
	}
	return points
}

// EntityIDs returns every point and creature id in the local snapshot.
// Unlike the search methods it reports failures, since callers must not
// mistake an unreadable snapshot for an empty one.
func (s *Service) EntityIDs(ctx context.Context) (map[string]struct{}, error) {
	result, err := s.query(ctx, `SELECT id FROM master_points UNION SELECT id FROM master_creatures`)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]struct{}, len(result))
	for _, r := range result {
		if id := rows.String(r["id"]); id != "" {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

// Counts returns table sizes for diagnostics
func (s *Service) Counts(ctx context.Context) (Counts, error) {
	result, err := s.query(ctx, `
		SELECT
			(SELECT COUNT(*) FROM master_points) AS points,
			(SELECT COUNT(*) FROM master_creatures) AS creatures,
			(SELECT COUNT(*) FROM master_point_creatures) AS links
	`)
	if err != nil {
		return Counts{}, err
	}
	if len(result) == 0 {
		return Counts{}, nil
	}
	return Counts{
		Points:    int(rows.Int(result[0]["points"])),
		Creatures: int(rows.Int(result[0]["creatures"])),
		Links:     int(rows.Int(result[0]["links"])),
	}, nil
}

// CheckIntegrity runs a quick integrity check on the live snapshot
func (s *Service) CheckIntegrity(ctx context.Context) error {
	return s.withHandle(ctx, func(h *sqlexec.Handle) error {
		return sqlexec.CheckIntegrity(ctx, s.exec, h)
	})
}
