package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/franz/dive-atlas/internal/master"
	"github.com/franz/dive-atlas/internal/model"
	"github.com/franz/dive-atlas/internal/sqlexec"
	"github.com/franz/dive-atlas/internal/util"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

// buildSnapshot returns the bytes of a snapshot holding points with the given names
func buildSnapshot(t *testing.T, names ...string) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "build.db")

	var ds master.Dataset
	for i, name := range names {
		ds.Points = append(ds.Points, model.Point{ID: fmt.Sprintf("p%d", i+1), Name: name})
	}
	if err := master.Build(context.Background(), sqlexec.NewFileExecutor(), path, ds); err != nil {
		t.Fatalf("failed to build snapshot: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read snapshot: %v", err)
	}
	return data
}

func encodeBytes(t *testing.T, data []byte, format Format) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch format {
	case FormatSQLite:
		return data
	case FormatGzip:
		w := gzip.NewWriter(&buf)
		w.Write(data)
		w.Close()
	case FormatZstd:
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			t.Fatalf("zstd writer: %v", err)
		}
		w.Write(data)
		w.Close()
	}
	return buf.Bytes()
}

// blobServer publishes one blob with an ETag and counts requests
type blobServer struct {
	mu              sync.Mutex
	body            []byte
	etag            string
	headETag        string // when set, HEAD advertises this instead of etag
	contentEncoding string
	status          int
	release         chan struct{} // when set, GET waits for it

	heads atomic.Int32
	gets  atomic.Int32
}

func (b *blobServer) publish(body []byte, etag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.body = body
	b.etag = etag
}

func (b *blobServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	body, etag, status, release, enc := b.body, b.etag, b.status, b.release, b.contentEncoding
	headETag := b.headETag
	b.mu.Unlock()

	if status != 0 {
		http.Error(w, "unavailable", status)
		return
	}

	w.Header().Set("ETag", etag)
	switch r.Method {
	case http.MethodHead:
		b.heads.Add(1)
		if headETag != "" {
			w.Header().Set("ETag", headETag)
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		b.gets.Add(1)
		if release != nil {
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
		}
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if enc != "" {
			w.Header().Set("Content-Encoding", enc)
		}
		w.Write(body)
	}
}

func fastRetry() *util.RetryConfig {
	return &util.RetryConfig{MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
}

func newTestInstaller(t *testing.T, dir string, src BlobSource) *Installer {
	t.Helper()
	inst, err := New(Config{Dir: dir, Source: src, Retry: fastRetry()})
	if err != nil {
		t.Fatalf("failed to create installer: %v", err)
	}
	return inst
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	matches, _ := filepath.Glob(filepath.Join(dir, "*.part"))
	if len(matches) > 0 {
		t.Errorf("expected temp files to be removed, found %v", matches)
	}
}

func TestSniff(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
		want   Format
	}{
		{"sqlite", []byte("SQLite format 3\x00rest"), FormatSQLite},
		{"gzip", []byte{0x1f, 0x8b, 0x08, 0x00}, FormatGzip},
		{"zstd", []byte{0x28, 0xb5, 0x2f, 0xfd, 0x00}, FormatZstd},
		{"html error page", []byte("<html><body>"), FormatUnknown},
		{"empty", nil, FormatUnknown},
		{"short sqlite prefix", []byte("SQLite"), FormatUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sniff(tt.header); got != tt.want {
				t.Errorf("Sniff() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifySQLite(t *testing.T) {
	dir := t.TempDir()
	good := buildSnapshot(t, "Izu")

	cases := map[string][]byte{
		"truncated": good[:len(good)-10],
		"garbage":   bytes.Repeat([]byte("x"), 4096),
		"tiny":      []byte("SQLite format 3\x00"),
	}

	goodPath := filepath.Join(dir, "good.db")
	os.WriteFile(goodPath, good, 0644)
	if err := VerifySQLite(goodPath); err != nil {
		t.Errorf("expected valid snapshot to verify: %v", err)
	}

	for name, data := range cases {
		path := filepath.Join(dir, name+".db")
		os.WriteFile(path, data, 0644)
		if err := VerifySQLite(path); err == nil {
			t.Errorf("%s: expected verification failure", name)
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	data := buildSnapshot(t, "Izu", "Kerama")
	src := filepath.Join(dir, "src.db")
	os.WriteFile(src, data, 0644)

	for _, format := range []Format{FormatSQLite, FormatGzip, FormatZstd} {
		t.Run(format.String(), func(t *testing.T) {
			var buf bytes.Buffer
			if _, err := Encode(ctx, &buf, src, format); err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			if got := Sniff(buf.Bytes()); got != format {
				t.Fatalf("encoded payload sniffs as %v", got)
			}

			packed := filepath.Join(dir, "packed."+format.String())
			os.WriteFile(packed, buf.Bytes(), 0644)
			if format == FormatSQLite {
				return
			}
			out := filepath.Join(dir, "out-"+format.String()+".db")
			if _, err := decodeFile(ctx, out, packed, format); err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			decoded, _ := os.ReadFile(out)
			if !bytes.Equal(decoded, data) {
				t.Error("decoded bytes differ from the original")
			}
		})
	}
}

func TestEnsureInstalledFromSeed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	seed := encodeBytes(t, buildSnapshot(t, "Izu"), FormatGzip)

	assets := afero.NewMemMapFs()
	afero.WriteFile(assets, "/assets/master.db.gz", seed, 0644)

	inst, err := New(Config{Dir: dir, SeedFs: assets, SeedPath: "/assets/master.db.gz"})
	if err != nil {
		t.Fatalf("failed to create installer: %v", err)
	}
	if inst.State() != StateAbsent {
		t.Fatalf("expected absent state, got %s", inst.State())
	}

	var hookVersion string
	inst.OnInstalled(func(ctx context.Context, version string) error {
		hookVersion = version
		return nil
	})

	res, err := inst.EnsureInstalled(ctx)
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if res.Outcome != OutcomeUpdated {
		t.Errorf("expected updated outcome, got %s", res.Outcome)
	}

	hash, _ := util.GenerateContentHash(assets, "/assets/master.db.gz")
	if res.Version != SeedVersionPrefix+hash {
		t.Errorf("expected seed version token, got %q", res.Version)
	}
	if hookVersion != res.Version {
		t.Errorf("expected hook to see %q, got %q", res.Version, hookVersion)
	}
	if inst.State() != StateSeeded {
		t.Errorf("expected seeded state, got %s", inst.State())
	}
	if err := VerifySQLite(inst.LivePath()); err != nil {
		t.Errorf("installed snapshot does not verify: %v", err)
	}
	assertNoTempFiles(t, dir)

	hookVersion = ""
	res, err = inst.EnsureInstalled(ctx)
	if err != nil {
		t.Fatalf("second install failed: %v", err)
	}
	if res.Outcome != OutcomeUnchanged || hookVersion != "" {
		t.Error("expected second install to be a no-op")
	}
}

func TestEnsureInstalledWithoutSeed(t *testing.T) {
	inst := newTestInstaller(t, t.TempDir(), nil)

	_, err := inst.EnsureInstalled(context.Background())
	if !errors.Is(err, util.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if inst.State() != StateAbsent {
		t.Errorf("expected absent state, got %s", inst.State())
	}
}

func TestEnsureInstalledCorruptSeed(t *testing.T) {
	dir := t.TempDir()
	assets := afero.NewMemMapFs()
	afero.WriteFile(assets, "seed.db.gz", []byte{0x1f, 0x8b, 0x00, 0x01, 0x02}, 0644)

	inst, _ := New(Config{Dir: dir, SeedFs: assets, SeedPath: "seed.db.gz"})
	_, err := inst.EnsureInstalled(context.Background())
	if !errors.Is(err, util.ErrSnapshotCorrupt) {
		t.Fatalf("expected ErrSnapshotCorrupt, got %v", err)
	}
	if _, err := os.Stat(inst.LivePath()); !os.IsNotExist(err) {
		t.Error("expected no live snapshot after a corrupt seed")
	}
	assertNoTempFiles(t, dir)
}

func TestRefreshFormats(t *testing.T) {
	raw := buildSnapshot(t, "Izu", "West Izu")

	tests := []struct {
		name            string
		format          Format
		contentEncoding string
	}{
		{"raw", FormatSQLite, ""},
		{"gzip", FormatGzip, ""},
		{"zstd", FormatZstd, ""},
		{"decompressed in transit", FormatGzip, "gzip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			srv := &blobServer{contentEncoding: tt.contentEncoding}
			srv.publish(encodeBytes(t, raw, tt.format), `"v2"`)
			ts := httptest.NewServer(srv)
			defer ts.Close()

			inst := newTestInstaller(t, dir, NewHTTPSource(ts.URL, nil))
			res, err := inst.Refresh(context.Background())
			if err != nil {
				t.Fatalf("refresh failed: %v", err)
			}
			if res.Outcome != OutcomeUpdated || res.Version != `"v2"` {
				t.Errorf("unexpected result %+v", res)
			}

			live, _ := os.ReadFile(inst.LivePath())
			if !bytes.Equal(live, raw) {
				t.Error("live snapshot differs from the published database")
			}
			if v, _ := inst.Version(); v != `"v2"` {
				t.Errorf("expected persisted version \"v2\", got %q", v)
			}
			if inst.State() != StateCurrent {
				t.Errorf("expected current state, got %s", inst.State())
			}
			assertNoTempFiles(t, dir)
		})
	}
}

func TestRefreshIsIdempotent(t *testing.T) {
	srv := &blobServer{}
	srv.publish(encodeBytes(t, buildSnapshot(t, "Izu"), FormatGzip), `"v1"`)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	inst := newTestInstaller(t, t.TempDir(), NewHTTPSource(ts.URL, nil))

	hooks := 0
	inst.OnInstalled(func(context.Context, string) error {
		hooks++
		return nil
	})

	first, err := inst.Refresh(context.Background())
	if err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}
	second, err := inst.Refresh(context.Background())
	if err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}

	if first.Outcome != OutcomeUpdated || second.Outcome != OutcomeUnchanged {
		t.Errorf("unexpected outcomes %s, %s", first.Outcome, second.Outcome)
	}
	if got := srv.gets.Load(); got != 1 {
		t.Errorf("expected exactly one download, got %d", got)
	}
	if hooks != 1 {
		t.Errorf("expected hooks to run once, got %d", hooks)
	}

	state, remote, err := inst.Check(context.Background())
	if err != nil || state != StateCurrent || remote != `"v1"` {
		t.Errorf("Check() = %s, %q, %v", state, remote, err)
	}

	srv.publish(encodeBytes(t, buildSnapshot(t, "Izu", "Kerama"), FormatZstd), `"v2"`)
	if state, _, _ := inst.Check(context.Background()); state != StateStale {
		t.Errorf("expected stale state after publish, got %s", state)
	}
}

func TestRefreshNotModified(t *testing.T) {
	dir := t.TempDir()
	srv := &blobServer{}
	srv.publish(buildSnapshot(t, "Izu"), `"v1"`)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	inst := newTestInstaller(t, dir, NewHTTPSource(ts.URL, nil))
	if _, err := inst.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	// The metadata request disagrees with the content; the conditional GET decides
	srv.mu.Lock()
	srv.headETag = `"v2"`
	srv.mu.Unlock()

	res, err := inst.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if res.Outcome != OutcomeUnchanged {
		t.Errorf("expected unchanged on 304, got %s", res.Outcome)
	}
	if got := srv.gets.Load(); got != 2 {
		t.Errorf("expected a second conditional GET, got %d GETs", got)
	}
	if v, _ := inst.Version(); v != `"v1"` {
		t.Errorf("expected version to stay \"v1\", got %q", v)
	}
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	original := buildSnapshot(t, "Izu")

	tests := []struct {
		name    string
		prepare func(srv *blobServer)
		want    error
	}{
		{"corrupt payload", func(srv *blobServer) {
			srv.publish([]byte("<html>gateway error</html>"), `"v2"`)
		}, util.ErrSnapshotCorrupt},
		{"broken gzip", func(srv *blobServer) {
			packed := encodeBytes(t, buildSnapshot(t, "Kerama"), FormatGzip)
			srv.publish(packed[:len(packed)/2], `"v2"`)
		}, util.ErrSnapshotCorrupt},
		{"server error", func(srv *blobServer) {
			srv.mu.Lock()
			srv.status = http.StatusServiceUnavailable
			srv.mu.Unlock()
		}, util.ErrNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			srv := &blobServer{}
			srv.publish(original, `"v1"`)
			ts := httptest.NewServer(srv)
			defer ts.Close()

			inst := newTestInstaller(t, dir, NewHTTPSource(ts.URL, nil))
			if _, err := inst.Refresh(context.Background()); err != nil {
				t.Fatalf("initial refresh failed: %v", err)
			}

			tt.prepare(srv)
			_, err := inst.Refresh(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}

			live, _ := os.ReadFile(inst.LivePath())
			if !bytes.Equal(live, original) {
				t.Error("live snapshot changed after a failed refresh")
			}
			if v, _ := inst.Version(); v != `"v1"` {
				t.Errorf("expected version to stay \"v1\", got %q", v)
			}
			assertNoTempFiles(t, dir)
		})
	}
}

func TestRefreshCancelledDownload(t *testing.T) {
	dir := t.TempDir()
	original := buildSnapshot(t, "Izu")

	srv := &blobServer{}
	srv.publish(original, `"v1"`)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	inst := newTestInstaller(t, dir, NewHTTPSource(ts.URL, nil))
	if _, err := inst.Refresh(context.Background()); err != nil {
		t.Fatalf("initial refresh failed: %v", err)
	}

	srv.publish(buildSnapshot(t, "Kerama"), `"v2"`)
	srv.mu.Lock()
	srv.release = make(chan struct{}) // never released
	srv.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := inst.Refresh(ctx); err == nil {
		t.Fatal("expected cancelled refresh to fail")
	}

	live, _ := os.ReadFile(inst.LivePath())
	if !bytes.Equal(live, original) {
		t.Error("live snapshot changed after a cancelled refresh")
	}
	if v, _ := inst.Version(); v != `"v1"` {
		t.Errorf("expected version to stay \"v1\", got %q", v)
	}
}

func TestConcurrentRefreshSharesOneAttempt(t *testing.T) {
	release := make(chan struct{})
	srv := &blobServer{release: release}
	srv.publish(buildSnapshot(t, "Izu"), `"v1"`)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	inst := newTestInstaller(t, t.TempDir(), NewHTTPSource(ts.URL, nil))

	var wg sync.WaitGroup
	results := make([]*Result, 5)
	errs := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = inst.Refresh(context.Background())
		}(i)
	}

	time.Sleep(200 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("refresh %d failed: %v", i, errs[i])
		}
	}
	if got := srv.gets.Load(); got != 1 {
		t.Errorf("expected concurrent refreshes to share one download, got %d", got)
	}
}

func TestFileKV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "state.json")
	kv := NewFileKV(path)

	if v, err := kv.Get(VersionKey); err != nil || v != "" {
		t.Fatalf("expected empty value, got %q, %v", v, err)
	}
	if err := kv.Set(VersionKey, "abc"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := kv.Set("other", "x"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	reopened := NewFileKV(path)
	if v, _ := reopened.Get(VersionKey); v != "abc" {
		t.Errorf("expected value to persist, got %q", v)
	}

	if err := reopened.Delete(VersionKey); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if v, _ := kv.Get(VersionKey); v != "" {
		t.Errorf("expected deleted value, got %q", v)
	}
	if v, _ := kv.Get("other"); v != "x" {
		t.Errorf("expected unrelated key to survive, got %q", v)
	}

	os.WriteFile(path, []byte("{broken"), 0644)
	if v, err := kv.Get("other"); err != nil || v != "" {
		t.Errorf("expected corrupt file to read as empty, got %q, %v", v, err)
	}
	if err := kv.Set(VersionKey, "def"); err != nil {
		t.Errorf("expected set to recover a corrupt file, got %v", err)
	}
}
