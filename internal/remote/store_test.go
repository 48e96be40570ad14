package remote

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/franz/dive-atlas/internal/util"
)

func seedPoints(t *testing.T, s DocumentStore) {
	t.Helper()
	ctx := context.Background()
	docs := []Document{
		{"id": "p1", "name": "Izu", "status": "approved", "depth": 18.0},
		{"id": "p2", "name": "Izu Point A", "status": "approved", "depth": 30.0},
		{"id": "p3", "name": "Izumi Reef", "status": "pending", "depth": 12.0},
		{"id": "p4", "name": "Kerama", "status": "approved", "depth": 25.0},
	}
	for _, d := range docs {
		if err := s.Upsert(ctx, Points, d["id"].(string), d); err != nil {
			t.Fatalf("failed to seed %v: %v", d["id"], err)
		}
	}
}

func prefixQuery(prefix string) Query {
	return Query{
		Collection: Points,
		Filters: []Filter{
			{Field: "status", Op: OpEq, Value: "approved"},
			{Field: "name", Op: OpGte, Value: prefix},
			{Field: "name", Op: OpLt, Value: prefix + "\uf8ff"},
		},
		OrderBy: "name",
		Limit:   10,
	}
}

func names(docs []Document) []string {
	var out []string
	for _, d := range docs {
		out = append(out, d["name"].(string))
	}
	return out
}

func equal(a, b []string) bool {
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

func testStoreContract(t *testing.T, s DocumentStore) {
	ctx := context.Background()
	seedPoints(t, s)

	docs, err := s.Query(ctx, prefixQuery("Izu"))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if got, want := names(docs), []string{"Izu", "Izu Point A"}; !equal(got, want) {
		t.Errorf("prefix query: got %v, want %v", got, want)
	}

	deep, err := s.Query(ctx, Query{
		Collection: Points,
		Filters:    []Filter{{Field: "depth", Op: OpGte, Value: 25}},
		OrderBy:    "depth",
	})
	if err != nil {
		t.Fatalf("range query failed: %v", err)
	}
	if got, want := names(deep), []string{"Kerama", "Izu Point A"}; !equal(got, want) {
		t.Errorf("range query: got %v, want %v", got, want)
	}

	doc, err := s.Get(ctx, Points, "p4")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if doc["id"] != "p4" || doc["name"] != "Kerama" {
		t.Errorf("unexpected document %v", doc)
	}

	if _, err := s.Get(ctx, Points, "missing"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.Delete(ctx, Points, "p4"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := s.Delete(ctx, Points, "p4"); err != nil {
		t.Errorf("deleting a missing document should succeed, got %v", err)
	}
	if _, err := s.Get(ctx, Points, "p4"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("expected deleted document to be gone, got %v", err)
	}

	logs := UserCollection("alice", "logs")
	if err := s.Upsert(ctx, logs, "l1", Document{"date": "2024-05-01"}); err != nil {
		t.Fatalf("sub-collection upsert failed: %v", err)
	}
	got, err := s.Query(ctx, Query{Collection: logs})
	if err != nil {
		t.Fatalf("sub-collection query failed: %v", err)
	}
	if len(got) != 1 || got[0]["id"] != "l1" {
		t.Errorf("unexpected sub-collection contents %v", got)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestHTTPStoreContract(t *testing.T) {
	backend := NewMemoryStore()
	srv := httptest.NewServer(NewHandler(backend))
	defer srv.Close()

	testStoreContract(t, NewHTTPStore(srv.URL, "secret"))
}

func TestHTTPStoreNetworkFailure(t *testing.T) {
	backend := NewMemoryStore()
	backend.FailWith(errors.New("backend down"))
	srv := httptest.NewServer(NewHandler(backend))
	defer srv.Close()

	err := NewHTTPStore(srv.URL, "").Upsert(context.Background(), Points, "p1", Document{"name": "x"})
	if !errors.Is(err, util.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}

	var statusErr *util.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != 503 {
		t.Errorf("expected 503 status error, got %v", err)
	}
	if !util.IsRetryableError(err) {
		t.Error("expected 503 to be retryable")
	}
}

func TestHTTPStoreUnreachable(t *testing.T) {
	srv := httptest.NewServer(NewHandler(NewMemoryStore()))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPStore(url, "").Get(context.Background(), Points, "p1")
	if !errors.Is(err, util.ErrNetwork) {
		t.Errorf("expected ErrNetwork, got %v", err)
	}
}

func TestMemoryStoreFailNext(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.FailNext(2, errors.New("offline"))

	for i := 0; i < 2; i++ {
		if err := s.Upsert(ctx, Points, "p1", Document{}); !errors.Is(err, util.ErrNetwork) {
			t.Errorf("call %d: expected injected failure, got %v", i, err)
		}
	}
	if err := s.Upsert(ctx, Points, "p1", Document{}); err != nil {
		t.Errorf("expected third call to succeed, got %v", err)
	}
	if s.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", s.Calls())
	}
	if s.Len(Points) != 1 {
		t.Errorf("expected 1 document, got %d", s.Len(Points))
	}
}

func TestMatch(t *testing.T) {
	doc := Document{"name": "Izu", "depth": 18.0, "active": true}

	tests := []struct {
		name    string
		filters []Filter
		want    bool
	}{
		{"no filters", nil, true},
		{"string eq", []Filter{{"name", OpEq, "Izu"}}, true},
		{"string eq miss", []Filter{{"name", OpEq, "izu"}}, false},
		{"int against float", []Filter{{"depth", OpLte, 18}}, true},
		{"greater", []Filter{{"depth", OpGt, 18}}, false},
		{"bool eq", []Filter{{"active", OpEq, true}}, true},
		{"missing field", []Filter{{"region", OpEq, "Izu"}}, false},
		{"type mismatch", []Filter{{"name", OpEq, 3}}, false},
		{"unknown op", []Filter{{"name", Op("!="), "x"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(doc, tt.filters); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}
