package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func hashOf(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func TestFetchOneCachedSkipsNetwork(t *testing.T) {
	dir := t.TempDir()
	content := []byte("cached content")
	sum := hashOf(content)
	if err := os.WriteFile(filepath.Join(dir, "thing.tar.gz"), content, 0644); err != nil {
		t.Fatal(err)
	}

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	path, err := FetchOne(context.Background(), srv.URL+"/thing.tar.gz", sum, dir, Options{})
	if err != nil {
		t.Fatalf("FetchOne: %v", err)
	}
	if called {
		t.Fatal("FetchOne hit the network despite a valid cache hit")
	}
	got, _ := os.ReadFile(path)
	if string(got) != string(content) {
		t.Fatalf("cached content mismatch")
	}
}

func TestFetchOneDownloadsAndVerifies(t *testing.T) {
	dir := t.TempDir()
	content := []byte("fresh download")
	sum := hashOf(content)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	path, err := FetchOne(context.Background(), srv.URL+"/thing.tar.gz", sum, dir, Options{})
	if err != nil {
		t.Fatalf("FetchOne: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Fatalf("downloaded content = %q, want %q", got, content)
	}
}

func TestFetchOneQuarantinesBadCache(t *testing.T) {
	dir := t.TempDir()
	good := []byte("good content")
	sum := hashOf(good)
	if err := os.WriteFile(filepath.Join(dir, "thing.tar.gz"), []byte("stale garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(good)
	}))
	defer srv.Close()

	path, err := FetchOne(context.Background(), srv.URL+"/thing.tar.gz", sum, dir, Options{})
	if err != nil {
		t.Fatalf("FetchOne: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != string(good) {
		t.Fatalf("content = %q, want %q", got, good)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var sawQuarantine bool
	for _, e := range entries {
		if e.Name() != "thing.tar.gz" {
			sawQuarantine = true
		}
	}
	if !sawQuarantine {
		t.Fatal("expected the stale cache entry to be quarantined, not deleted silently")
	}
}

func TestFetchOneFallsBackToMirror(t *testing.T) {
	dir := t.TempDir()
	content := []byte("mirror content")
	sum := hashOf(content)

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer primary.Close()
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer mirror.Close()

	opts := Options{Mirrors: []string{mirror.URL}, RetryCount: 1, BackoffBase: 1}
	path, err := FetchOne(context.Background(), primary.URL+"/thing.tar.gz", sum, dir, opts)
	if err != nil {
		t.Fatalf("FetchOne: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != string(content) {
		t.Fatalf("content = %q, want %q", got, content)
	}
}

func TestFetchOneHashMismatchAfterDownload(t *testing.T) {
	dir := t.TempDir()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("wrong content"))
	}))
	defer srv.Close()

	_, err := FetchOne(context.Background(), srv.URL+"/thing.tar.gz", hashOf([]byte("expected")), dir, Options{RetryCount: 1, BackoffBase: 1})
	if err == nil {
		t.Fatal("expected a hash mismatch error, got nil")
	}
}

func TestFetchOneQuarantinesMismatchedDownloadThenTriesMirror(t *testing.T) {
	dir := t.TempDir()
	good := []byte("correct content")
	sum := hashOf(good)

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("wrong content"))
	}))
	defer primary.Close()
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(good)
	}))
	defer mirror.Close()

	opts := Options{Mirrors: []string{mirror.URL}, RetryCount: 1, BackoffBase: 1}
	path, err := FetchOne(context.Background(), primary.URL+"/thing.tar.gz", sum, dir, opts)
	if err != nil {
		t.Fatalf("FetchOne: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != string(good) {
		t.Fatalf("content = %q, want %q", got, good)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var sawQuarantine bool
	for _, e := range entries {
		if strings.Contains(e.Name(), ".bad.") {
			sawQuarantine = true
		}
	}
	if !sawQuarantine {
		t.Fatal("expected the mismatched download to be quarantined before falling back to the mirror")
	}
}

func TestFetchBatchParallel(t *testing.T) {
	dir := t.TempDir()
	var wants []Want
	contents := map[string][]byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(contents[filepath.Base(r.URL.Path)])
	}))
	defer srv.Close()

	for i := 0; i < 5; i++ {
		name := filepath.Join("/", "pkg", string(rune('a'+i))+".tar.gz")
		content := []byte(name)
		contents[filepath.Base(name)] = content
		wants = append(wants, Want{URL: srv.URL + name, ExpectedSHA256: hashOf(content)})
	}

	paths, err := FetchBatch(context.Background(), wants, dir, Options{ParallelCap: 2})
	if err != nil {
		t.Fatalf("FetchBatch: %v", err)
	}
	if len(paths) != len(wants) {
		t.Fatalf("len(paths) = %d, want %d", len(paths), len(wants))
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("missing fetched file %s: %v", p, err)
		}
	}
}
