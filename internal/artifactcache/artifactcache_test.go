package artifactcache

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"

	"forgecore/internal/fingerprint"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestFileCacheInsertThenHasAndUseCachedFiles(t *testing.T) {
	srcDir := t.TempDir()
	p := writeTemp(t, srcDir, "out.class", "binary-ish content")

	fc, err := NewFileCache(t.TempDir(), 16)
	if err != nil {
		t.Fatal(err)
	}
	key := fingerprint.CacheKey{ID: "lib:a", Hash: "deadbeef"}

	if has, _ := fc.Has(key); has {
		t.Fatal("expected miss before Insert")
	}

	if err := fc.Insert(key, []string{p}); err != nil {
		t.Fatal(err)
	}

	has, err := fc.Has(key)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("expected hit after Insert")
	}

	destRoot := t.TempDir()
	rels, ok, err := fc.UseCachedFiles(key, destRoot)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected UseCachedFiles to succeed")
	}
	if len(rels) != 1 || rels[0] != "out.class" {
		t.Fatalf("expected [out.class], got %v", rels)
	}
	got, err := os.ReadFile(filepath.Join(destRoot, "out.class"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "binary-ish content" {
		t.Fatalf("expected round-tripped content, got %q", got)
	}
}

func TestFileCacheUseCachedFilesMissIsNotError(t *testing.T) {
	fc, err := NewFileCache(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	rels, ok, err := fc.UseCachedFiles(fingerprint.CacheKey{ID: "x", Hash: "nope"}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if ok || rels != nil {
		t.Fatal("expected a clean miss, not an error")
	}
}

func TestFileCacheHasTrueButBlobGoneIsTreatedAsMiss(t *testing.T) {
	srcDir := t.TempDir()
	p := writeTemp(t, srcDir, "out.class", "content")

	fc, err := NewFileCache(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	key := fingerprint.CacheKey{ID: "lib:a", Hash: "deadbeef"}
	if err := fc.Insert(key, []string{p}); err != nil {
		t.Fatal(err)
	}

	// Corrupt the entry by deleting its blob while leaving the manifest.
	if err := os.Remove(filepath.Join(fc.entryDir(key), blobName("out.class"))); err != nil {
		t.Fatal(err)
	}

	has, err := fc.Has(key)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("manifest is still present, so Has should still report true")
	}

	_, ok, err := fc.UseCachedFiles(key, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected UseCachedFiles to report a miss when the blob is gone, not an error")
	}
}

func newTestHTTPCache(t *testing.T, handler http.HandlerFunc) *HTTPCache {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPCache(srv.URL, srv.Client())
}

func TestHTTPCacheRoundTrip(t *testing.T) {
	var stored []byte
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			if stored == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			stored = body
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			if stored == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(stored)
		}
	}
	hc := newTestHTTPCache(t, handler)
	key := fingerprint.CacheKey{ID: "lib:a", Hash: "deadbeef"}

	if has, _ := hc.Has(key); has {
		t.Fatal("expected miss before Insert")
	}

	srcDir := t.TempDir()
	p := writeTemp(t, srcDir, "out.class", "remote content")
	if err := hc.Insert(key, []string{p}); err != nil {
		t.Fatal(err)
	}

	has, err := hc.Has(key)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("expected hit after Insert")
	}

	destRoot := t.TempDir()
	rels, ok, err := hc.UseCachedFiles(key, destRoot)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || len(rels) != 1 {
		t.Fatalf("expected one materialized file, got %v ok=%v", rels, ok)
	}
	got, err := os.ReadFile(filepath.Join(destRoot, "out.class"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "remote content" {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestHTTPCacheMalformedBodyIsMissNotError(t *testing.T) {
	hc := newTestHTTPCache(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("not json"))
	})
	rels, ok, err := hc.UseCachedFiles(fingerprint.CacheKey{ID: "x", Hash: "h"}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if ok || rels != nil {
		t.Fatal("expected malformed remote body to be treated as a miss")
	}
}

// TestCombinedCacheFallthroughWritesThrough checks that a CombinedCache
// over [local_miss, remote_hit] reports Has()==true, and UseCachedFiles
// materializes from remote while writing through to local.
func TestCombinedCacheFallthroughWritesThrough(t *testing.T) {
	local, err := NewFileCache(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}

	var remoteBody []byte
	remote := newTestHTTPCache(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			w.Write(remoteBody)
		}
	})

	key := fingerprint.CacheKey{ID: "lib:a", Hash: "deadbeef"}
	bundle := wireBundle{Files: []wireFile{{Path: "out.class", Content: []byte("remote only")}}}
	remoteBody, err = json.Marshal(bundle)
	if err != nil {
		t.Fatal(err)
	}

	combined := NewCombinedCache(local, remote)

	has, err := combined.Has(key)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("expected has()==true via remote tier")
	}

	localHasBefore, _ := local.Has(key)
	if localHasBefore {
		t.Fatal("local must not have the entry before use_cached_files")
	}

	destRoot := t.TempDir()
	rels, ok, err := combined.UseCachedFiles(key, destRoot)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || len(rels) != 1 {
		t.Fatalf("expected materialization from remote, got %v ok=%v", rels, ok)
	}
	got, err := os.ReadFile(filepath.Join(destRoot, "out.class"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "remote only" {
		t.Fatalf("unexpected content %q", got)
	}

	localHasAfter, err := local.Has(key)
	if err != nil {
		t.Fatal(err)
	}
	if !localHasAfter {
		t.Fatal("expected write-through to populate the local tier after a remote hit")
	}
}

func TestCombinedCacheMissWhenNoTierHasIt(t *testing.T) {
	local, err := NewFileCache(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	combined := NewCombinedCache(local)
	has, err := combined.Has(fingerprint.CacheKey{ID: "x", Hash: "h"})
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Fatal("expected miss when no tier has the key")
	}
}

func TestCombinedCacheInsertFansOutToAllTiers(t *testing.T) {
	localA, err := NewFileCache(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	localB, err := NewFileCache(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	combined := NewCombinedCache(localA, localB)

	srcDir := t.TempDir()
	p := writeTemp(t, srcDir, "out.class", "fan out")
	key := fingerprint.CacheKey{ID: "lib:a", Hash: "deadbeef"}

	if err := combined.Insert(key, []string{p}); err != nil {
		t.Fatal(err)
	}
	for _, tier := range []*FileCache{localA, localB} {
		has, err := tier.Has(key)
		if err != nil {
			t.Fatal(err)
		}
		if !has {
			t.Fatal("expected Insert to fan out to every tier")
		}
	}
}
