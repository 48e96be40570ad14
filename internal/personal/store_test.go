package personal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/franz/dive-atlas/internal/model"
	"github.com/franz/dive-atlas/internal/remote"
	"github.com/franz/dive-atlas/internal/sqlexec"
	"github.com/franz/dive-atlas/internal/util"
)

func newTestStore(t *testing.T, exec sqlexec.Executor, store remote.DocumentStore) *Store {
	t.Helper()
	s, err := New(Config{
		Executor: exec,
		Dir:      t.TempDir(),
		Remote:   store,
		Retry:    util.NoRetryConfig(),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openAs(t *testing.T, s *Store, principal string) {
	t.Helper()
	if err := s.Open(context.Background(), principal); err != nil {
		t.Fatalf("failed to open %s: %v", principal, err)
	}
	// Let the outbox replay started by Open settle
	s.WaitMirrors()
}

func executors() map[string]func() sqlexec.Executor {
	return map[string]func() sqlexec.Executor{
		"file":   func() sqlexec.Executor { return sqlexec.NewFileExecutor() },
		"memory": func() sqlexec.Executor { return sqlexec.NewMemoryExecutor() },
	}
}

func TestPrincipalIsolation(t *testing.T) {
	for name, newExec := range executors() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(t, newExec(), nil)

			openAs(t, s, "alice")
			if _, err := s.SaveLog(ctx, model.DiveLog{Date: "2024-05-01", PointID: "p1", Notes: "alice dive"}); err != nil {
				t.Fatalf("SaveLog failed: %v", err)
			}
			if err := s.AddBookmark(ctx, "p1"); err != nil {
				t.Fatalf("AddBookmark failed: %v", err)
			}

			openAs(t, s, "bob")
			if got := s.Principal(); got != "bob" {
				t.Fatalf("expected bob to be active, got %q", got)
			}

			logs, err := s.ListLogs(ctx, model.LogFilter{})
			if err != nil {
				t.Fatalf("ListLogs failed: %v", err)
			}
			if len(logs) != 0 {
				t.Errorf("bob sees %d of alice's logs", len(logs))
			}
			if ok, _ := s.IsBookmarked(ctx, "p1"); ok {
				t.Error("bob sees alice's bookmark")
			}

			removed, err := s.CleanupOtherPrincipals(ctx, "bob")
			if err != nil {
				t.Fatalf("cleanup failed: %v", err)
			}
			if removed != 1 {
				t.Errorf("expected 1 removed database, got %d", removed)
			}
			if util.FileExists(s.fs, s.PathFor("alice")) {
				t.Error("alice's database still exists")
			}
			if !util.FileExists(s.fs, s.PathFor("bob")) {
				t.Error("bob's database was removed")
			}

			// Alice starts from scratch on her next login
			openAs(t, s, "alice")
			logs, _ = s.ListLogs(ctx, model.LogFilter{})
			if len(logs) != 0 {
				t.Errorf("expected alice's data to be gone, got %d logs", len(logs))
			}
		})
	}
}

func TestCleanupRemovesSidecars(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, sqlexec.NewFileExecutor(), nil)
	openAs(t, s, "carol")

	stale := s.PathFor("dave")
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.WriteFile(stale+suffix, []byte("x"), 0644); err != nil {
			t.Fatalf("failed to create fixture: %v", err)
		}
	}
	unrelated := filepath.Join(s.dir, "master.db")
	if err := os.WriteFile(unrelated, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to create fixture: %v", err)
	}

	if _, err := s.CleanupOtherPrincipals(ctx, "carol"); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if _, err := os.Stat(stale + suffix); !os.IsNotExist(err) {
			t.Errorf("expected %s to be removed", filepath.Base(stale+suffix))
		}
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Errorf("cleanup touched an unrelated file: %v", err)
	}
}

func TestPrincipalFileNames(t *testing.T) {
	tests := []struct {
		principal string
		want      string
	}{
		{"alice", "user_alice.db"},
		{"uid_123-x", "user_uid_123-x.db"},
	}
	for _, tt := range tests {
		if got := FileName(tt.principal); got != tt.want {
			t.Errorf("FileName(%q) = %q, want %q", tt.principal, got, tt.want)
		}
	}

	// Unsafe ids never escape the data dir
	if got := FileName("../../etc/passwd"); filepath.Base(got) != got {
		t.Errorf("FileName produced a path: %q", got)
	}
}

func TestWriteSurvivesMirrorFailure(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	store.FailWith(errors.New("connection refused"))

	s := newTestStore(t, sqlexec.NewFileExecutor(), store)
	openAs(t, s, "alice")

	saved, err := s.SaveLog(ctx, model.DiveLog{Date: "2024-06-02", PointID: "p1", Notes: "offline"})
	if err != nil {
		t.Fatalf("SaveLog must succeed while offline: %v", err)
	}

	got, err := s.GetLog(ctx, saved.ID)
	if err != nil {
		t.Fatalf("GetLog failed: %v", err)
	}
	if got.Notes != "offline" {
		t.Errorf("unexpected log %+v", got)
	}

	s.WaitMirrors()
	outbox, err := s.Outbox(ctx)
	if err != nil {
		t.Fatalf("Outbox failed: %v", err)
	}
	if len(outbox) != 1 || outbox[0].DocID != saved.ID || outbox[0].Op != OpUpsert {
		t.Fatalf("expected the log to be queued, got %+v", outbox)
	}

	// Back online
	store.FailWith(nil)
	sent, err := s.FlushOutbox(ctx)
	if err != nil {
		t.Fatalf("FlushOutbox failed: %v", err)
	}
	if sent != 1 {
		t.Errorf("expected 1 replayed write, got %d", sent)
	}
	if n := store.Len(remote.UserCollection("alice", "logs")); n != 1 {
		t.Errorf("expected remote log after replay, got %d", n)
	}
	if outbox, _ := s.Outbox(ctx); len(outbox) != 0 {
		t.Errorf("expected empty outbox, got %+v", outbox)
	}
}

func TestOutboxReplayedOnReopen(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	store.FailWith(errors.New("connection refused"))

	s := newTestStore(t, sqlexec.NewFileExecutor(), store)
	openAs(t, s, "alice")
	if err := s.AddFavorite(ctx, "c1"); err != nil {
		t.Fatalf("AddFavorite failed: %v", err)
	}
	if err := s.Logout(); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	store.FailWith(nil)
	openAs(t, s, "alice")
	s.WaitMirrors()

	if n := store.Len(remote.UserCollection("alice", "favorites")); n != 1 {
		t.Errorf("expected favorite to be replayed on open, got %d", n)
	}
}

func TestQueuedWriteIsReplacedByLaterOne(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	s := newTestStore(t, sqlexec.NewFileExecutor(), store)
	openAs(t, s, "alice")

	store.FailWith(errors.New("offline"))
	if err := s.AddBookmark(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	s.WaitMirrors()
	if err := s.RemoveBookmark(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	s.WaitMirrors()

	outbox, _ := s.Outbox(ctx)
	if len(outbox) != 1 || outbox[0].Op != OpDelete || outbox[0].Attempts != 2 {
		t.Fatalf("expected one queued delete after two failures, got %+v", outbox)
	}

	// A successful mirror clears what was queued for the same document
	store.FailWith(nil)
	if err := s.AddBookmark(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	s.WaitMirrors()
	if outbox, _ := s.Outbox(ctx); len(outbox) != 0 {
		t.Errorf("expected outbox to be cleared, got %+v", outbox)
	}
	if n := store.Len(remote.UserCollection("alice", "bookmarks")); n != 1 {
		t.Errorf("expected bookmark on remote, got %d", n)
	}
}

func TestMirroredDocuments(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	s := newTestStore(t, sqlexec.NewFileExecutor(), store)
	openAs(t, s, "alice")

	rv, err := s.SaveReview(ctx, model.Review{PointID: "p1", Rating: 4, Comment: "good viz"})
	if err != nil {
		t.Fatalf("SaveReview failed: %v", err)
	}
	p, err := s.SubmitProposal(ctx, model.Proposal{
		TargetID: "p-new",
		Type:     model.ProposalPoint,
		Payload:  json.RawMessage(`{"name":"New Reef"}`),
	})
	if err != nil {
		t.Fatalf("SubmitProposal failed: %v", err)
	}
	s.WaitMirrors()

	doc, err := store.Get(ctx, remote.Reviews, rv.ID)
	if err != nil {
		t.Fatalf("review was not mirrored: %v", err)
	}
	if doc["userId"] != "alice" || doc["pointId"] != "p1" {
		t.Errorf("unexpected review document %v", doc)
	}

	doc, err = store.Get(ctx, remote.Proposals, p.ID)
	if err != nil {
		t.Fatalf("proposal was not mirrored: %v", err)
	}
	if doc["status"] != "pending" || doc["targetId"] != "p-new" {
		t.Errorf("unexpected proposal document %v", doc)
	}
	payload, _ := doc["payload"].(map[string]any)
	if payload["name"] != "New Reef" {
		t.Errorf("expected payload to be mirrored as an object, got %v", doc["payload"])
	}

	if err := s.DeleteReview(ctx, rv.ID); err != nil {
		t.Fatalf("DeleteReview failed: %v", err)
	}
	s.WaitMirrors()
	if _, err := store.Get(ctx, remote.Reviews, rv.ID); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("expected remote review to be deleted, got %v", err)
	}
}

func TestEngineUnavailable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, sqlexec.Unavailable("native module missing"), nil)

	if err := s.Open(ctx, "alice"); !errors.Is(err, util.ErrEngineUnavailable) {
		t.Errorf("Open: expected ErrEngineUnavailable, got %v", err)
	}
	if _, err := s.SaveLog(ctx, model.DiveLog{Date: "2024-01-01"}); !errors.Is(err, util.ErrEngineUnavailable) {
		t.Errorf("SaveLog: expected ErrEngineUnavailable, got %v", err)
	}
	if _, err := s.ListProposals(ctx, ""); !errors.Is(err, util.ErrEngineUnavailable) {
		t.Errorf("ListProposals: expected ErrEngineUnavailable, got %v", err)
	}
	if _, err := s.CleanupOtherPrincipals(ctx, "alice"); !errors.Is(err, util.ErrEngineUnavailable) {
		t.Errorf("Cleanup: expected ErrEngineUnavailable, got %v", err)
	}
}

func TestNoPrincipal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, sqlexec.NewFileExecutor(), nil)

	if _, err := s.ListLogs(ctx, model.LogFilter{}); !errors.Is(err, util.ErrNoPrincipal) {
		t.Errorf("expected ErrNoPrincipal, got %v", err)
	}
	if err := s.Open(ctx, ""); !errors.Is(err, util.ErrNoPrincipal) {
		t.Errorf("expected ErrNoPrincipal for empty id, got %v", err)
	}
	if err := s.Open(ctx, "alice/../bob"); !errors.Is(err, util.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for an id with '/', got %v", err)
	}
	if s.Principal() != "" {
		t.Errorf("rejected id must not be opened, got %q", s.Principal())
	}

	openAs(t, s, "alice")
	if err := s.Logout(); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if err := s.AddBookmark(ctx, "p1"); !errors.Is(err, util.ErrNoPrincipal) {
		t.Errorf("expected ErrNoPrincipal after logout, got %v", err)
	}
	if !util.FileExists(s.fs, s.PathFor("alice")) {
		t.Error("logout must keep the database file")
	}
}

func TestListLogsFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, sqlexec.NewFileExecutor(), nil)
	openAs(t, s, "alice")

	depth := func(v float64) *float64 { return &v }
	for _, l := range []model.DiveLog{
		{ID: "l1", Date: "2024-01-10", PointID: "p1", CreatureID: "c1", MaxDepth: depth(18)},
		{ID: "l2", Date: "2024-02-11", PointID: "p2", Sightings: []string{"c2", "c3"}},
		{ID: "l3", Date: "2024-03-12", PointID: "p1", CreatureID: "c2", MaxDepth: depth(31.5)},
	} {
		if _, err := s.SaveLog(ctx, l); err != nil {
			t.Fatalf("SaveLog failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter model.LogFilter
		want   []string
	}{
		{"all newest first", model.LogFilter{}, []string{"l3", "l2", "l1"}},
		{"by point", model.LogFilter{PointID: "p1"}, []string{"l3", "l1"}},
		{"by creature", model.LogFilter{CreatureID: "c2"}, []string{"l3"}},
		{"date range", model.LogFilter{From: "2024-02-01", To: "2024-03-12"}, []string{"l3", "l2"}},
		{"limit", model.LogFilter{Limit: 1}, []string{"l3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs, err := s.ListLogs(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListLogs failed: %v", err)
			}
			var got []string
			for _, l := range logs {
				got = append(got, l.ID)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.LogCount != 3 || st.PointCount != 2 || st.CreatureCount != 3 || st.MaxDepth != 31.5 || st.LastDiveDate != "2024-03-12" {
		t.Errorf("unexpected stats %+v", st)
	}

	if _, err := s.SaveLog(ctx, model.DiveLog{Date: "12/03/2024"}); !errors.Is(err, util.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for a bad date, got %v", err)
	}
}

func TestProposalMaintenance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, sqlexec.NewFileExecutor(), nil)
	openAs(t, s, "alice")

	if _, err := s.SubmitProposal(ctx, model.Proposal{TargetID: "x", Type: "reef"}); !errors.Is(err, util.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown type, got %v", err)
	}
	if _, err := s.SubmitProposal(ctx, model.Proposal{TargetID: "x", Type: model.ProposalPoint, Payload: json.RawMessage("{oops")}); !errors.Is(err, util.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for a malformed payload, got %v", err)
	}

	var ids []string
	for i := 0; i < 1200; i++ {
		ids = append(ids, fmt.Sprintf("t%04d", i))
	}
	for _, target := range []string{"t0001", "t0700", "t1199", "keep"} {
		if _, err := s.SubmitProposal(ctx, model.Proposal{TargetID: target, Type: model.ProposalCreature}); err != nil {
			t.Fatalf("SubmitProposal failed: %v", err)
		}
	}

	deleted, err := s.DeleteProposalsForTargets(ctx, ids)
	if err != nil {
		t.Fatalf("DeleteProposalsForTargets failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("expected 3 deleted proposals across chunks, got %d", deleted)
	}

	left, _ := s.ListProposals(ctx, "")
	if len(left) != 1 || left[0].TargetID != "keep" {
		t.Fatalf("unexpected remaining proposals %+v", left)
	}

	if err := s.SetProposalStatus(ctx, left[0].ID, model.StatusRejected); err != nil {
		t.Fatalf("SetProposalStatus failed: %v", err)
	}
	if err := s.SetProposalStatus(ctx, "missing", model.StatusApproved); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if rejected, _ := s.ListProposals(ctx, model.StatusRejected); len(rejected) != 1 {
		t.Errorf("expected 1 rejected proposal, got %d", len(rejected))
	}

	fresh, _ := s.SubmitProposal(ctx, model.Proposal{TargetID: "fresh", Type: model.ProposalPointCreature})

	pruned, err := s.PruneProposals(ctx, time.Time{})
	if err != nil {
		t.Fatalf("PruneProposals failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected only the rejected proposal to be pruned, got %d", pruned)
	}

	pruned, _ = s.PruneProposals(ctx, time.Now().Add(-time.Hour))
	if pruned != 0 {
		t.Errorf("expected a fresh pending proposal to survive, pruned %d", pruned)
	}
	pruned, _ = s.PruneProposals(ctx, time.Now().Add(time.Hour))
	if pruned != 1 {
		t.Errorf("expected the expired pending proposal %s to be pruned, got %d", fresh.ID, pruned)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, sqlexec.NewFileExecutor(), nil)
	openAs(t, s, "alice")

	s.SaveLog(ctx, model.DiveLog{Date: "2024-01-01"})
	s.AddFavorite(ctx, "c1")
	s.PutSetting(ctx, "theme", "dark")

	if err := s.Clear(ctx, "bob"); !errors.Is(err, util.ErrNoPrincipal) {
		t.Errorf("expected clearing a closed principal to fail, got %v", err)
	}
	if err := s.Clear(ctx, "alice"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	logs, _ := s.ListLogs(ctx, model.LogFilter{})
	favorites, _ := s.ListFavorites(ctx)
	theme, _ := s.GetSetting(ctx, "theme")
	if len(logs) != 0 || len(favorites) != 0 || theme != nil {
		t.Errorf("expected no data after Clear, got %d logs, %d favorites, theme %s", len(logs), len(favorites), theme)
	}
	if s.Principal() != "alice" {
		t.Error("Clear must keep the principal signed in")
	}
}

func TestInitialSync(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	store.Upsert(ctx, remote.Users, "alice", remote.Document{"displayName": "Alice", "homeRegion": "Izu"})
	store.Upsert(ctx, remote.UserCollection("alice", "logs"), "l1", remote.Document{"date": "2023-08-01", "pointId": "p1", "notes": "remote"})
	store.Upsert(ctx, remote.UserCollection("alice", "logs"), "l2", remote.Document{"date": "2023-08-02"})
	store.Upsert(ctx, remote.Reviews, "r1", remote.Document{"userId": "alice", "pointId": "p1", "rating": 5})
	store.Upsert(ctx, remote.Reviews, "r2", remote.Document{"userId": "bob", "pointId": "p1", "rating": 1})
	store.Upsert(ctx, remote.UserCollection("alice", "bookmarks"), "p1", remote.Document{"createdAt": "2023-08-01T00:00:00Z"})
	store.Upsert(ctx, remote.UserCollection("alice", "favorites"), "c1", remote.Document{})

	s := newTestStore(t, sqlexec.NewFileExecutor(), store)
	openAs(t, s, "alice")

	// A log written before the sync wins over the remote copy
	if _, err := s.SaveLog(ctx, model.DiveLog{ID: "l1", Date: "2023-08-01", Notes: "local"}); err != nil {
		t.Fatal(err)
	}
	s.WaitMirrors()
	store.Upsert(ctx, remote.UserCollection("alice", "logs"), "l1", remote.Document{"date": "2023-08-01", "notes": "remote"})

	// First attempt fails part way: no marker, nothing claimed as synced
	store.FailNext(1, errors.New("timeout"))
	if _, err := s.InitialSync(ctx); err == nil {
		t.Fatal("expected the first sync to fail")
	}
	if p, _ := s.Profile(ctx); p != nil {
		t.Fatalf("profile marker written after a failed sync: %+v", p)
	}

	res, err := s.InitialSync(ctx)
	if err != nil {
		t.Fatalf("InitialSync failed: %v", err)
	}
	if res.Skipped || res.Logs != 2 || res.Reviews != 1 || res.Bookmarks != 1 || res.Favorites != 1 {
		t.Errorf("unexpected sync result %+v", res)
	}

	l1, err := s.GetLog(ctx, "l1")
	if err != nil || l1.Notes != "local" {
		t.Errorf("expected the local log to be kept, got %+v, %v", l1, err)
	}
	reviews, _ := s.ListReviews(ctx, "p1")
	if len(reviews) != 1 || reviews[0].Rating != 5 {
		t.Errorf("expected only alice's review, got %+v", reviews)
	}
	if ok, _ := s.IsBookmarked(ctx, "p1"); !ok {
		t.Error("expected synced bookmark")
	}

	profile, err := s.Profile(ctx)
	if err != nil || profile == nil {
		t.Fatalf("expected profile marker, got %v, %v", profile, err)
	}
	if profile.UserID != "alice" || profile.DisplayName != "Alice" {
		t.Errorf("unexpected profile %+v", profile)
	}

	calls := store.Calls()
	res, err = s.InitialSync(ctx)
	if err != nil || !res.Skipped {
		t.Errorf("expected second sync to be skipped, got %+v, %v", res, err)
	}
	if store.Calls() != calls {
		t.Error("skipped sync must not call the remote store")
	}
}

func TestUpdateProfileMirrors(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	s := newTestStore(t, sqlexec.NewMemoryExecutor(), store)
	openAs(t, s, "alice")

	if _, err := s.UpdateProfile(ctx, model.Profile{DisplayName: "Al"}); err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	s.WaitMirrors()

	doc, err := store.Get(ctx, remote.Users, "alice")
	if err != nil {
		t.Fatalf("profile not mirrored: %v", err)
	}
	if doc["displayName"] != "Al" || doc["userId"] != "alice" {
		t.Errorf("unexpected profile document %v", doc)
	}
}

// switchingExecutor runs onFavorite the first time a synced favorite is
// written, while the store lock is held for that write.
type switchingExecutor struct {
	sqlexec.Executor
	once       sync.Once
	onFavorite func()
}

func (e *switchingExecutor) Execute(ctx context.Context, h *sqlexec.Handle, query string, args ...any) error {
	if strings.Contains(query, "my_favorites") {
		e.once.Do(e.onFavorite)
	}
	return e.Executor.Execute(ctx, h, query, args...)
}

func TestInitialSyncKeepsMarkerWithItsPrincipal(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	store.Upsert(ctx, remote.Users, "alice", remote.Document{"displayName": "Alice"})
	store.Upsert(ctx, remote.UserCollection("alice", "favorites"), "c1", remote.Document{})
	store.Upsert(ctx, remote.UserCollection("bob", "logs"), "l1", remote.Document{"date": "2024-01-02"})

	exec := &switchingExecutor{Executor: sqlexec.NewFileExecutor()}
	s := newTestStore(t, exec, store)
	openAs(t, s, "alice")

	switched := make(chan error, 1)
	exec.onFavorite = func() {
		go func() { switched <- s.Open(ctx, "bob") }()
		// Give Open time to queue behind the sync's lock
		time.Sleep(50 * time.Millisecond)
	}

	res, err := s.InitialSync(ctx)
	if err != nil {
		t.Fatalf("alice's sync failed: %v", err)
	}
	if res.Favorites != 1 {
		t.Errorf("unexpected sync result %+v", res)
	}
	if err := <-switched; err != nil {
		t.Fatalf("failed to open bob: %v", err)
	}
	s.WaitMirrors()
	if s.Principal() != "bob" {
		t.Fatalf("expected bob to be open, got %q", s.Principal())
	}

	if p, _ := s.Profile(ctx); p != nil {
		t.Errorf("bob's database holds a profile marker: %+v", p)
	}
	res, err = s.InitialSync(ctx)
	if err != nil {
		t.Fatalf("bob's sync failed: %v", err)
	}
	if res.Skipped || res.Logs != 1 {
		t.Errorf("expected bob's history to be pulled, got %+v", res)
	}

	openAs(t, s, "alice")
	if p, _ := s.Profile(ctx); p == nil || p.DisplayName != "Alice" {
		t.Errorf("alice's marker missing, got %+v", p)
	}
}

func TestSettingsStayWithTheirPrincipal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, sqlexec.NewFileExecutor(), nil)

	openAs(t, s, "alice")
	if _, err := s.SaveLog(ctx, model.DiveLog{Date: "2024-05-01", PointID: "p1"}); err != nil {
		t.Fatal(err)
	}
	st, err := s.RefreshStats(ctx)
	if err != nil || st.LogCount != 1 || st.PointCount != 1 {
		t.Fatalf("unexpected stats %+v, %v", st, err)
	}
	if _, err := s.UpdateProfile(ctx, model.Profile{DisplayName: "Alice"}); err != nil {
		t.Fatal(err)
	}

	openAs(t, s, "bob")
	if p, _ := s.Profile(ctx); p != nil {
		t.Errorf("alice's profile visible to bob: %+v", p)
	}
	if st, err := s.Stats(ctx); err != nil || st.LogCount != 0 {
		t.Errorf("expected empty stats for bob, got %+v, %v", st, err)
	}
}

func TestFlushDropsUnreadableOutboxEntry(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	s := newTestStore(t, sqlexec.NewFileExecutor(), store)
	openAs(t, s, "alice")

	err := s.withHandle(ctx, func(h *sqlexec.Handle, _ string) error {
		return s.exec.Execute(ctx, h, `INSERT INTO my_outbox (id, collection, doc_id, op, payload, attempts, last_error, updated_at)
			VALUES ('o1', 'users/alice/logs', 'l1', 'upsert', '{not json', 1, 'timeout', '2024-01-01T00:00:00.000000000Z')`)
	})
	if err != nil {
		t.Fatal(err)
	}

	sent, err := s.FlushOutbox(ctx)
	if err != nil || sent != 0 {
		t.Fatalf("expected nothing sent, got %d, %v", sent, err)
	}
	entries, err := s.Outbox(ctx)
	if err != nil || len(entries) != 0 {
		t.Errorf("expected the unreadable entry to be dropped, got %+v, %v", entries, err)
	}
	if _, err := store.Get(ctx, remote.UserCollection("alice", "logs"), "l1"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("unreadable entry must not reach the remote store, got %v", err)
	}
}
