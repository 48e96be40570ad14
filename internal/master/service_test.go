package master

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/franz/dive-atlas/internal/model"
	"github.com/franz/dive-atlas/internal/remote"
	"github.com/franz/dive-atlas/internal/sqlexec"
	"github.com/franz/dive-atlas/internal/util"
)

func testDataset() Dataset {
	return Dataset{
		Points: []model.Point{
			{ID: "p1", Name: "West Izu", Region: "Shizuoka"},
			{ID: "p2", Name: "Izu Point A", Region: "Shizuoka"},
			{ID: "p3", Name: "Izu", Region: "Shizuoka"},
			{ID: "p4", Name: "Kerama", Region: "Okinawa"},
			{ID: "p5", Name: "100% Reef"},
		},
		Creatures: []model.Creature{
			{ID: "c1", Name: "Mola mola", Category: "fish"},
			{ID: "c2", Name: "Frogfish", Tags: []string{"macro"}},
		},
		Links: []model.PointCreature{
			{ID: "l1", PointID: "p3", CreatureID: "c1", LocalRarity: "rare"},
			{ID: "l2", PointID: "p3", CreatureID: "c2", LocalRarity: "common"},
			{ID: "l3", PointID: "p4", CreatureID: "c2"},
		},
	}
}

func buildService(t *testing.T, ds Dataset, store remote.DocumentStore) (*Service, string) {
	t.Helper()
	exec := sqlexec.NewFileExecutor()
	path := filepath.Join(t.TempDir(), "master.db")
	if err := Build(context.Background(), exec, path, ds); err != nil {
		t.Fatalf("failed to build snapshot: %v", err)
	}

	svc, err := NewService(Config{Executor: exec, Path: path, Remote: store})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, path
}

func pointNames(points []model.Point) []string {
	names := make([]string, 0, len(points))
	for _, p := range points {
		names = append(names, p.Name)
	}
	return names
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSearchPointsRanking(t *testing.T) {
	svc, _ := buildService(t, testDataset(), nil)
	ctx := context.Background()

	tests := []struct {
		query string
		limit int
		want  []string
	}{
		{"Izu", 0, []string{"Izu", "Izu Point A", "West Izu"}},
		{"  izu  ", 10, []string{"Izu", "Izu Point A", "West Izu"}},
		{"Izu", 2, []string{"Izu", "Izu Point A"}},
		{"okinawa", 0, []string{"Kerama"}},
		{"%", 0, []string{"100% Reef"}},
		{"_", 0, []string{}},
		{"atlantis", 0, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := pointNames(svc.SearchPoints(ctx, tt.query, tt.limit))
			if !equalStrings(got, tt.want) {
				t.Errorf("SearchPoints(%q, %d) = %v, want %v", tt.query, tt.limit, got, tt.want)
			}
		})
	}
}

func TestSearchEmptyQueryDoesNotTouchStorage(t *testing.T) {
	store := remote.NewMemoryStore()
	svc, err := NewService(Config{
		Executor: sqlexec.Unavailable("not loaded"),
		Path:     "/nonexistent/master.db",
		Remote:   store,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	for _, q := range []string{"", "   ", "\t\n"} {
		if got := svc.SearchPoints(context.Background(), q, 10); got == nil || len(got) != 0 {
			t.Errorf("SearchPoints(%q) = %v, want empty list", q, got)
		}
		if got := svc.SearchCreatures(context.Background(), q, 10); len(got) != 0 {
			t.Errorf("SearchCreatures(%q) = %v, want empty list", q, got)
		}
	}
	if store.Calls() != 0 {
		t.Errorf("expected no remote calls, got %d", store.Calls())
	}
}

func TestSearchFallsBackToRemote(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	for _, d := range []remote.Document{
		{"id": "p1", "name": "Izu Point A", "status": "approved"},
		{"id": "p2", "name": "Izu", "status": "approved"},
		{"id": "p3", "name": "Izu Pending", "status": "pending"},
		{"id": "p4", "name": "Kerama", "status": "approved"},
	} {
		store.Upsert(ctx, remote.Points, d["id"].(string), d)
	}

	tests := []struct {
		name string
		exec sqlexec.Executor
		path string
	}{
		{"engine unavailable", sqlexec.Unavailable("native module missing"), "master.db"},
		{"snapshot not installed", sqlexec.NewFileExecutor(), filepath.Join(t.TempDir(), "master.db")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewService(Config{Executor: tt.exec, Path: tt.path, Remote: store})
			if err != nil {
				t.Fatalf("failed to create service: %v", err)
			}

			if svc.Available(ctx) {
				t.Error("expected local snapshot to be unavailable")
			}

			got := pointNames(svc.SearchPoints(ctx, "Izu", 10))
			if want := []string{"Izu", "Izu Point A"}; !equalStrings(got, want) {
				t.Errorf("fallback search = %v, want %v", got, want)
			}

			if got := svc.SearchPoints(ctx, "Izu", 1); len(got) != 1 {
				t.Errorf("expected fallback to honor limit, got %d results", len(got))
			}

			// The remote range query compares raw names, so the prefix is case-sensitive
			if got := svc.SearchPoints(ctx, "izu", 10); len(got) != 0 {
				t.Errorf("expected lower-case prefix to miss remotely, got %v", pointNames(got))
			}

			if p := svc.GetPoint(ctx, "p4"); p == nil || p.Name != "Kerama" {
				t.Errorf("expected remote GetPoint to find Kerama, got %+v", p)
			}
			if p := svc.GetPoint(ctx, "p3"); p != nil {
				t.Errorf("expected unapproved point to be hidden, got %+v", p)
			}
		})
	}
}

func TestSearchWithoutAnyBackend(t *testing.T) {
	svc, err := NewService(Config{Executor: sqlexec.Unavailable("missing"), Path: "master.db"})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	if got := svc.SearchCreatures(context.Background(), "mola", 0); len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
	if _, err := svc.EntityIDs(context.Background()); !errors.Is(err, util.ErrEngineUnavailable) {
		t.Errorf("expected EntityIDs to report ErrEngineUnavailable, got %v", err)
	}
}

func TestRemoteFailureReturnsEmpty(t *testing.T) {
	store := remote.NewMemoryStore()
	store.FailWith(errors.New("offline"))

	svc, _ := NewService(Config{Executor: sqlexec.Unavailable("missing"), Path: "master.db", Remote: store})
	if got := svc.SearchPoints(context.Background(), "Izu", 10); len(got) != 0 {
		t.Errorf("expected empty result when both paths fail, got %v", got)
	}
}

func TestSearchCreaturesAndLinks(t *testing.T) {
	svc, _ := buildService(t, testDataset(), nil)
	ctx := context.Background()

	creatures := svc.SearchCreatures(ctx, "MACRO", 0)
	if len(creatures) != 1 || creatures[0].ID != "c2" {
		t.Errorf("expected tag search to find Frogfish, got %+v", creatures)
	}

	sightings := svc.CreaturesAtPoint(ctx, "p3")
	if len(sightings) != 2 {
		t.Fatalf("expected 2 creatures at Izu, got %d", len(sightings))
	}
	if sightings[0].Name != "Frogfish" || sightings[1].LocalRarity != "rare" {
		t.Errorf("unexpected sightings %+v", sightings)
	}

	points := svc.PointsForCreature(ctx, "c2")
	if got, want := pointNames(points), []string{"Izu", "Kerama"}; !equalStrings(got, want) {
		t.Errorf("PointsForCreature = %v, want %v", got, want)
	}

	if c := svc.GetCreature(ctx, "c1"); c == nil || c.Name != "Mola mola" {
		t.Errorf("unexpected creature %+v", c)
	}
	if c := svc.GetCreature(ctx, "nope"); c != nil {
		t.Errorf("expected nil for unknown creature, got %+v", c)
	}

	ids, err := svc.EntityIDs(ctx)
	if err != nil {
		t.Fatalf("EntityIDs failed: %v", err)
	}
	if len(ids) != 7 {
		t.Errorf("expected 7 entity ids, got %d", len(ids))
	}

	counts, err := svc.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts != (Counts{Points: 5, Creatures: 2, Links: 3}) {
		t.Errorf("unexpected counts %+v", counts)
	}
	if err := svc.CheckIntegrity(ctx); err != nil {
		t.Errorf("integrity check failed: %v", err)
	}
}

func TestReloadSwapsSnapshotAndPurgesCache(t *testing.T) {
	ctx := context.Background()
	svc, path := buildService(t, testDataset(), nil)

	if got := svc.SearchPoints(ctx, "kerama", 0); len(got) != 1 {
		t.Fatalf("expected Kerama before reload, got %v", got)
	}

	// Build the next snapshot elsewhere and rename it into place, as the installer does
	next := filepath.Join(filepath.Dir(path), "next.db")
	ds := Dataset{Points: []model.Point{{ID: "p9", Name: "Kerama Deep"}}}
	if err := Build(ctx, sqlexec.NewFileExecutor(), next, ds); err != nil {
		t.Fatalf("failed to build next snapshot: %v", err)
	}
	if err := os.Rename(next, path); err != nil {
		t.Fatalf("rename failed: %v", err)
	}

	if err := svc.Reload(ctx); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	got := pointNames(svc.SearchPoints(ctx, "kerama", 0))
	if want := []string{"Kerama Deep"}; !equalStrings(got, want) {
		t.Errorf("after reload got %v, want %v", got, want)
	}
}

func TestQueriesDuringReloadSeeWholeSnapshots(t *testing.T) {
	ctx := context.Background()
	svc, path := buildService(t, testDataset(), nil)
	dir := filepath.Dir(path)

	nextDS := Dataset{Points: []model.Point{
		{ID: "n1", Name: "Izu"}, {ID: "n2", Name: "Izu Point A"}, {ID: "n3", Name: "West Izu"},
	}}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	failures := make(chan string, 100)

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got := pointNames(svc.SearchPoints(ctx, "izu", 0))
				if !equalStrings(got, []string{"Izu", "Izu Point A", "West Izu"}) {
					select {
					case failures <- strings.Join(got, ", "):
					default:
					}
				}
			}
		}()
	}

	for i := 0; i < 5; i++ {
		next := filepath.Join(dir, "next.db")
		ds := testDataset()
		if i%2 == 0 {
			ds = nextDS
		}
		if err := Build(ctx, sqlexec.NewFileExecutor(), next, ds); err != nil {
			t.Fatalf("build failed: %v", err)
		}
		if err := os.Rename(next, path); err != nil {
			t.Fatalf("rename failed: %v", err)
		}
		if err := svc.Reload(ctx); err != nil {
			t.Fatalf("reload failed: %v", err)
		}
	}

	close(stop)
	wg.Wait()
	close(failures)
	for f := range failures {
		t.Errorf("query observed a partial snapshot: %s", f)
	}
}

func TestEscapeLike(t *testing.T) {
	tests := map[string]string{
		"izu":     "izu",
		"100%":    `100\%`,
		"a_b":     `a\_b`,
		`back\sl`: `back\\sl`,
	}
	for in, want := range tests {
		if got := escapeLike(in); got != want {
			t.Errorf("escapeLike(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSearchRanksNonASCIINames(t *testing.T) {
	ctx := context.Background()
	ds := Dataset{Points: []model.Point{
		{ID: "e1", Name: "Grand Église"},
		{ID: "e2", Name: "Église Reef"},
		{ID: "e3", Name: "Église"},
	}}
	svc, _ := buildService(t, ds, nil)

	want := []string{"Église", "Église Reef", "Grand Église"}
	for _, query := range []string{"Église", "église", "ÉGLISE"} {
		if got := pointNames(svc.SearchPoints(ctx, query, 0)); !equalStrings(got, want) {
			t.Errorf("SearchPoints(%q) = %v, want %v", query, got, want)
		}
	}

	// The remote path ranks its prefix matches in the same order
	store := remote.NewMemoryStore()
	for _, p := range ds.Points {
		store.Upsert(ctx, remote.Points, p.ID, remote.Document{"name": p.Name, "status": "approved"})
	}
	fallback, err := NewService(Config{Executor: sqlexec.Unavailable("native module missing"), Remote: store})
	if err != nil {
		t.Fatal(err)
	}
	if got := pointNames(fallback.SearchPoints(ctx, "Église", 0)); !equalStrings(got, want[:2]) {
		t.Errorf("remote SearchPoints = %v, want %v", got, want[:2])
	}
}
