// Package fingerprint computes content-addressed cache keys for targets.
//
// A CacheKey names a target, carries the ordered (path, content-digest)
// payloads its hash was built from, and folds in the hashes (not the
// payloads) of its dependencies when the key is transitive. Two keys are
// equal iff their hashes are equal; byte-exact digests are not required
// across implementations, only collision resistance.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
)

// Payload is a single (path, content-digest) pair a key's hash depends on.
type Payload struct {
	Path   string
	Digest string
}

// CacheKey names a target and carries the hash and payload list its
// identity derives from.
type CacheKey struct {
	ID       string
	Hash     string
	Payloads []Payload
}

// Equal reports whether two keys have the same hash. Hash equality is the
// only comparison that matters; IDs and payload lists are diagnostic.
func (k CacheKey) Equal(other CacheKey) bool {
	return k.Hash == other.Hash
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeField appends a length-prefixed field to the running hash so that
// concatenated variable-length inputs can never collide across a shifted
// boundary.
func writeField(h io.Writer, data []byte) {
	n := uint64(len(data))
	prefix := []byte{
		byte(n >> 56), byte(n >> 48), byte(n >> 40), byte(n >> 32),
		byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n),
	}
	h.Write(prefix)
	h.Write(data)
}

// SourceFile is one of a target's owned source files, already read by
// content. Resolution and sorting by path is the caller's (internal/target)
// responsibility so that this package stays free of filesystem I/O.
type SourceFile struct {
	Path    string
	Content []byte
}

// DependencyKey is the hash of a direct dependency's own (already computed,
// transitive) cache key, in the topological order the Cache Manager will
// process that dependency.
type DependencyKey struct {
	TargetID string
	Hash     string
}

// KeyForTargetInput bundles everything KeyForTarget needs for one target.
type KeyForTargetInput struct {
	TargetID   string
	Sources    []SourceFile // sorted by Path by the caller
	Transitive bool
	DepKeys    []DependencyKey // in topological order; used iff Transitive
	ExtraData  []byte          // opaque, caller-supplied fingerprint material
}

// KeyForTarget produces the CacheKey for a target: the hash covers the
// content digests of the target's sorted source files, plus — when
// Transitive is set — the hashes of its dependencies' keys consumed in
// topological order, plus the opaque extra-data blob. Payloads lists only
// the source files' (path, digest) pairs.
func KeyForTarget(in KeyForTargetInput) CacheKey {
	h := sha256.New()

	payloads := make([]Payload, 0, len(in.Sources))
	for _, s := range in.Sources {
		d := digest(s.Content)
		payloads = append(payloads, Payload{Path: s.Path, Digest: d})
		writeField(h, []byte(s.Path))
		writeField(h, []byte(d))
	}

	if in.Transitive {
		for _, dk := range in.DepKeys {
			writeField(h, []byte(dk.TargetID))
			writeField(h, []byte(dk.Hash))
		}
	}

	writeField(h, in.ExtraData)

	return CacheKey{
		ID:       in.TargetID,
		Hash:     hex.EncodeToString(h.Sum(nil)),
		Payloads: payloads,
	}
}

// Combine produces a key whose hash is order-independent over the input
// hashes (sorted before hashing) but whose payload list preserves input
// order. Empty input is an error — combining nothing has no sensible
// identity.
func Combine(keys []CacheKey) (CacheKey, error) {
	if len(keys) == 0 {
		return CacheKey{}, fmt.Errorf("fingerprint: combine requires at least one key")
	}

	hashes := make([]string, len(keys))
	for i, k := range keys {
		hashes[i] = k.Hash
	}
	sorted := append([]string(nil), hashes...)
	sort.Strings(sorted)

	h := sha256.New()
	for _, hh := range sorted {
		writeField(h, []byte(hh))
	}
	combinedHash := hex.EncodeToString(h.Sum(nil))

	payloads := make([]Payload, 0)
	for _, k := range keys {
		payloads = append(payloads, k.Payloads...)
	}

	return CacheKey{
		ID:       "synthetic:" + combinedHash,
		Hash:     combinedHash,
		Payloads: payloads,
	}, nil
}
