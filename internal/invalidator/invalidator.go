// Package invalidator implements a persisted key-value store mapping a
// cache-key id to the hash of its last successful update.
package invalidator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"

	"forgecore/internal/fingerprint"
)

// IOError wraps a persistent-store I/O failure. It propagates to the
// caller and fails the run.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("invalidator: %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// Invalidator persists last-known-good cache-key hashes under Dir. A
// missing Dir is not an error: every key simply needs an update.
type Invalidator struct {
	Dir string
}

// New creates an Invalidator rooted at dir. The directory is created lazily
// on first Update, not here — an absent directory must still answer
// NeedsUpdate truthfully.
func New(dir string) *Invalidator {
	return &Invalidator{Dir: dir}
}

type record struct {
	Hash string `json:"hash"`
}

func (inv *Invalidator) entryPath(id string) string {
	return filepath.Join(inv.Dir, sanitizeID(id)+".json")
}

// sanitizeID maps a cache-key id to a safe filename component. Cache-key
// ids are target names (e.g. "lib:a/b"), which may contain path separators;
// they are flattened rather than nested so a single flat directory maps
// one-to-one with ids.
func sanitizeID(id string) string {
	return strings.NewReplacer("/", "_", ":", "_", "\\", "_").Replace(id)
}

// NeedsUpdate reports whether k's hash differs from the last stored hash
// for k.ID, or whether none is stored at all.
func (inv *Invalidator) NeedsUpdate(k fingerprint.CacheKey) (bool, error) {
	data, err := os.ReadFile(inv.entryPath(k.ID))
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, &IOError{Op: "read", Err: err}
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt record is treated the same as "no record": conservative
		// re-validation, never a false "up to date".
		return true, nil
	}
	return rec.Hash != k.Hash, nil
}

// Update atomically records k as the last-known-good state for k.ID. The
// write goes to a temp file in the same directory, is fsync'd, then
// renamed into place — tolerating a crash between writes.
func (inv *Invalidator) Update(k fingerprint.CacheKey) error {
	if err := os.MkdirAll(inv.Dir, 0o755); err != nil {
		return &IOError{Op: "mkdir", Err: err}
	}

	data, err := json.Marshal(record{Hash: k.Hash})
	if err != nil {
		return &IOError{Op: "marshal", Err: err}
	}

	final := inv.entryPath(k.ID)
	tmp, err := os.CreateTemp(inv.Dir, filepath.Base(final)+".tmp-*")
	if err != nil {
		return &IOError{Op: "create-temp", Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return &IOError{Op: "write", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &IOError{Op: "fsync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IOError{Op: "close", Err: err}
	}
	if err := os.Rename(tmpName, final); err != nil {
		return &IOError{Op: "rename", Err: err}
	}
	committed = true
	return nil
}

// ForceInvalidate removes the stored entry for k, idempotently.
func (inv *Invalidator) ForceInvalidate(k fingerprint.CacheKey) error {
	err := os.Remove(inv.entryPath(k.ID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return &IOError{Op: "remove", Err: err}
	}
	return nil
}
