// Package artifactcache implements a local filesystem cache, a remote
// HTTP cache, and a Combined cache that fans reads through an ordered
// list and writes out to every writable tier.
package artifactcache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/gzip"

	"forgecore/internal/fingerprint"
)

// Cache is the interface the core consults for compiled artifacts.
// Has/UseCachedFiles never raise on a miss; Insert is best-effort and its
// failures must not propagate into the build.
type Cache interface {
	// Has reports whether key is present in this cache.
	Has(key fingerprint.CacheKey) (bool, error)

	// UseCachedFiles materializes key's files under destRoot and returns
	// the relative paths written. It returns (nil, false, nil) — not an
	// error — on a miss or on corrupt/incomplete stored data.
	UseCachedFiles(key fingerprint.CacheKey, destRoot string) ([]string, bool, error)

	// Insert stores filePaths (already built, on disk) under key.
	Insert(key fingerprint.CacheKey, filePaths []string) error
}

// entryManifest records the relative paths stored under a cache entry, so
// UseCachedFiles can reconstruct them relative to destRoot.
type entryManifest struct {
	Files []string `json:"files"`
}

// FileCache is a local, filesystem-backed Cache. Entries are addressed by
// key hash, sharded by its first two characters to keep any one directory
// small, and stored gzip-compressed. A small in-memory LRU of recently
// confirmed hits avoids re-statting the filesystem for hot keys.
type FileCache struct {
	Dir string
	hot *lru.Cache[string, bool]
}

// NewFileCache creates a FileCache rooted at dir. hotSize bounds the
// in-memory "recently confirmed present" set; 0 disables it.
func NewFileCache(dir string, hotSize int) (*FileCache, error) {
	fc := &FileCache{Dir: dir}
	if hotSize > 0 {
		hot, err := lru.New[string, bool](hotSize)
		if err != nil {
			return nil, fmt.Errorf("artifactcache: building hot-set: %w", err)
		}
		fc.hot = hot
	}
	return fc, nil
}

func (c *FileCache) entryDir(key fingerprint.CacheKey) string {
	h := key.Hash
	prefix := h
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(c.Dir, prefix, h)
}

func (c *FileCache) manifestPath(key fingerprint.CacheKey) string {
	return filepath.Join(c.entryDir(key), "manifest.json")
}

// Has reports whether key has a committed manifest on disk.
func (c *FileCache) Has(key fingerprint.CacheKey) (bool, error) {
	if c.hot != nil {
		if present, ok := c.hot.Get(key.Hash); ok && present {
			return true, nil
		}
	}
	_, err := os.Stat(c.manifestPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("artifactcache: stat manifest: %w", err)
	}
	if c.hot != nil {
		c.hot.Add(key.Hash, true)
	}
	return true, nil
}

// UseCachedFiles decompresses and writes every file recorded in key's
// manifest into destRoot. It returns (nil, false, nil) rather than an
// error on a miss or on a corrupt/partial entry — a Has()-true but
// file-gone entry is tolerated as a miss.
func (c *FileCache) UseCachedFiles(key fingerprint.CacheKey, destRoot string) ([]string, bool, error) {
	data, err := os.ReadFile(c.manifestPath(key))
	if err != nil {
		return nil, false, nil
	}
	var man entryManifest
	if err := json.Unmarshal(data, &man); err != nil {
		return nil, false, nil
	}

	for _, rel := range man.Files {
		content, err := readGzipFile(filepath.Join(c.entryDir(key), blobName(rel)))
		if err != nil {
			return nil, false, nil
		}
		dest := filepath.Join(destRoot, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, false, fmt.Errorf("artifactcache: creating destination dir: %w", err)
		}
		if err := os.WriteFile(dest, content, 0o644); err != nil {
			return nil, false, fmt.Errorf("artifactcache: writing %q: %w", dest, err)
		}
	}
	return man.Files, true, nil
}

// Insert gzip-compresses and stores filePaths under key, committing via a
// temp-dir-then-rename so a crash mid-write never leaves a manifest
// pointing at partial blobs.
func (c *FileCache) Insert(key fingerprint.CacheKey, filePaths []string) error {
	parent := filepath.Dir(c.entryDir(key))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("artifactcache: creating cache dir: %w", err)
	}

	tmpDir, err := os.MkdirTemp(parent, "tmp-entry-*")
	if err != nil {
		return fmt.Errorf("artifactcache: creating temp entry dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	man := entryManifest{Files: make([]string, 0, len(filePaths))}
	for _, p := range filePaths {
		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("artifactcache: reading %q: %w", p, err)
		}
		rel := filepath.ToSlash(filepath.Base(p))
		if err := writeGzipFile(filepath.Join(tmpDir, blobName(rel)), content); err != nil {
			return fmt.Errorf("artifactcache: writing blob for %q: %w", p, err)
		}
		man.Files = append(man.Files, rel)
	}

	data, err := json.Marshal(man)
	if err != nil {
		return fmt.Errorf("artifactcache: marshaling manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "manifest.json"), data, 0o644); err != nil {
		return fmt.Errorf("artifactcache: writing manifest: %w", err)
	}

	final := c.entryDir(key)
	_ = os.RemoveAll(final)
	if err := os.Rename(tmpDir, final); err != nil {
		return fmt.Errorf("artifactcache: committing entry: %w", err)
	}
	committed = true
	if c.hot != nil {
		c.hot.Add(key.Hash, true)
	}
	return nil
}

// blobName flattens a relative artifact path into a single-segment blob
// filename, since entries are stored flat (no nested directories) under
// the entry dir.
func blobName(rel string) string {
	flat := strings.NewReplacer("/", "_", "\\", "_").Replace(rel)
	return flat + ".blob.gz"
}

func readGzipFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func writeGzipFile(path string, content []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(content); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// HTTPCache is a remote, read-write Cache speaking an opaque protocol: a
// HEAD request for presence, a GET for a JSON file bundle, a POST to
// insert one. The wire format is deliberately minimal; only this package
// needs to agree with itself on it.
type HTTPCache struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPCache creates an HTTPCache against baseURL. A nil client defaults
// to http.DefaultClient.
func NewHTTPCache(baseURL string, client *http.Client) *HTTPCache {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPCache{BaseURL: baseURL, Client: client}
}

func (c *HTTPCache) url(key fingerprint.CacheKey) string {
	return c.BaseURL + "/artifacts/" + key.Hash
}

// Has issues a HEAD request; any 2xx is a hit.
func (c *HTTPCache) Has(key fingerprint.CacheKey) (bool, error) {
	req, err := http.NewRequest(http.MethodHead, c.url(key), nil)
	if err != nil {
		return false, fmt.Errorf("artifactcache: building HEAD request: %w", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("artifactcache: HEAD %s: %w", c.url(key), err)
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// UseCachedFiles fetches and unpacks key's bundle. It returns
// (nil, false, nil), never an error, on a 404 or a malformed body.
func (c *HTTPCache) UseCachedFiles(key fingerprint.CacheKey, destRoot string) ([]string, bool, error) {
	resp, err := c.Client.Get(c.url(key))
	if err != nil {
		return nil, false, fmt.Errorf("artifactcache: GET %s: %w", c.url(key), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, nil
	}
	var bundle wireBundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, false, nil
	}

	rels := make([]string, 0, len(bundle.Files))
	for _, f := range bundle.Files {
		dest := filepath.Join(destRoot, f.Path)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, false, fmt.Errorf("artifactcache: creating destination dir: %w", err)
		}
		if err := os.WriteFile(dest, f.Content, 0o644); err != nil {
			return nil, false, fmt.Errorf("artifactcache: writing %q: %w", dest, err)
		}
		rels = append(rels, f.Path)
	}
	return rels, true, nil
}

// Insert POSTs filePaths as a single JSON bundle. Callers must treat
// failures as best-effort: Insert returns the error so callers can log
// it, but it must never be allowed to fail the build.
func (c *HTTPCache) Insert(key fingerprint.CacheKey, filePaths []string) error {
	bundle := wireBundle{Files: make([]wireFile, 0, len(filePaths))}
	for _, p := range filePaths {
		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("artifactcache: reading %q: %w", p, err)
		}
		bundle.Files = append(bundle.Files, wireFile{Path: filepath.ToSlash(filepath.Base(p)), Content: content})
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("artifactcache: marshaling bundle: %w", err)
	}
	resp, err := c.Client.Post(c.url(key), "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("artifactcache: POST %s: %w", c.url(key), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("artifactcache: remote insert rejected with status %d", resp.StatusCode)
	}
	return nil
}

type wireFile struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

type wireBundle struct {
	Files []wireFile `json:"files"`
}

// CombinedCache queries an ordered list of caches for reads and fans
// writes out to all of them — e.g. a read-write local filesystem cache in
// front of a read-write remote HTTP cache. Has returns true if any
// underlying tier has it.
type CombinedCache struct {
	Tiers []Cache
}

// NewCombinedCache builds a CombinedCache over tiers, queried in the given
// order for reads.
func NewCombinedCache(tiers ...Cache) *CombinedCache {
	return &CombinedCache{Tiers: tiers}
}

// Has reports true as soon as any tier has key.
func (c *CombinedCache) Has(key fingerprint.CacheKey) (bool, error) {
	for _, t := range c.Tiers {
		ok, err := t.Has(key)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// UseCachedFiles tries each tier in order. On a hit from a tier other than
// the first, it write-through inserts the materialized files into every
// earlier tier so the next lookup is satisfied locally (e.g. a
// local-miss/remote-hit fallthrough writes through to local). A tier
// reporting Has()==true but then failing to materialize is treated as a
// miss for that tier and the search continues; it is never an error.
func (c *CombinedCache) UseCachedFiles(key fingerprint.CacheKey, destRoot string) ([]string, bool, error) {
	for i, t := range c.Tiers {
		rels, ok, err := t.UseCachedFiles(key, destRoot)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		if i > 0 {
			abs := make([]string, len(rels))
			for j, rel := range rels {
				abs[j] = filepath.Join(destRoot, rel)
			}
			for _, earlier := range c.Tiers[:i] {
				_ = earlier.Insert(key, abs)
			}
		}
		return rels, true, nil
	}
	return nil, false, nil
}

// Insert fans out to every tier, collecting (not stopping on) errors so one
// broken tier doesn't prevent the others from receiving the artifact.
// Insert failures must not fail the build; this method returns a combined
// error purely so callers can choose to log it.
func (c *CombinedCache) Insert(key fingerprint.CacheKey, filePaths []string) error {
	var errs []error
	for _, t := range c.Tiers {
		if err := t.Insert(key, filePaths); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("artifactcache: %d of %d tiers failed to insert: %v", len(errs), len(c.Tiers), errs)
}
