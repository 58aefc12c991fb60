// Package cachemgr wraps the fingerprint and invalidator packages to
// produce Versioned Target sets and partitions them into right-sized
// batches of work.
package cachemgr

import (
	"fmt"
	"os"
	"sort"

	"forgecore/internal/fingerprint"
	"forgecore/internal/invalidator"
	"forgecore/internal/target"
)

// InvariantViolation is a fatal, unrecoverable condition that aborts the run.
type InvariantViolation struct {
	Msg string
}

func (e *InvariantViolation) Error() string { return "cachemgr: invariant violation: " + e.Msg }

// VersionedTarget is a target paired with its current cache key and
// validity.
type VersionedTarget struct {
	Target       string
	Key          fingerprint.CacheKey
	Valid        bool
	Dependencies []*VersionedTarget
	sourceCount  int
	owner        *CacheManager
}

// SourceCount is the number of the target's own source files (used by the
// partitioning algorithm; does not include folded-in dependency hashes).
func (vt *VersionedTarget) SourceCount() int { return vt.sourceCount }

// VersionedTargetSet is an ordered list of VTs plus a combined cache key.
// A single-VT VTS behaves identically to its VT.
type VersionedTargetSet struct {
	VTs         []*VersionedTarget
	CombinedKey fingerprint.CacheKey
	Valid       bool
	owner       *CacheManager
}

// newVTS builds a VTS from same-owner VTs, combining their keys and
// deriving validity from the invalidator. All VTs must share the same
// owning CacheManager — mixing VTs from different managers is a
// programmer error, not a data condition, so it raises InvariantViolation.
func newVTS(owner *CacheManager, vts []*VersionedTarget) (*VersionedTargetSet, error) {
	for _, vt := range vts {
		if vt.owner != owner {
			return nil, &InvariantViolation{Msg: "constructing a VersionedTargetSet from VTs owned by different Cache Managers"}
		}
	}

	keys := make([]fingerprint.CacheKey, len(vts))
	for i, vt := range vts {
		keys[i] = vt.Key
	}
	combined, err := fingerprint.Combine(keys)
	if err != nil {
		return nil, fmt.Errorf("cachemgr: combining cache keys: %w", err)
	}

	needsUpdate, err := owner.invalidator.NeedsUpdate(combined)
	if err != nil {
		return nil, err
	}

	return &VersionedTargetSet{
		VTs:         vts,
		CombinedKey: combined,
		Valid:       !needsUpdate,
		owner:       owner,
	}, nil
}

// CacheManager wraps a target graph and an invalidator to answer "what
// needs rebuilding".
type CacheManager struct {
	graph                *target.Graph
	invalidator          *invalidator.Invalidator
	invalidateDependents bool
	extraData            []byte
}

// New creates a CacheManager. invalidateDependents selects transitive cache
// keys; extraData is an opaque byte blob folded into every key (a build
// environment fingerprint, typically).
func New(g *target.Graph, inv *invalidator.Invalidator, invalidateDependents bool, extraData []byte) *CacheManager {
	return &CacheManager{graph: g, invalidator: inv, invalidateDependents: invalidateDependents, extraData: extraData}
}

// InvalidationCheck is the result of Check.
type InvalidationCheck struct {
	AllVTs     []*VersionedTarget
	InvalidVTs []*VersionedTarget

	AllVTSPartitioned     []*VersionedTargetSet
	InvalidVTSPartitioned []*VersionedTargetSet
}

// Check computes the invalidation state of targets and, if
// partitionSizeHint > 0, partitions the result into right-sized VTSes.
// A hint of 0 yields one VTS per VT: the partitioned lists equal the
// flat lists.
func (m *CacheManager) Check(targets []string, partitionSizeHint int) (*InvalidationCheck, error) {
	order, err := m.graph.OrderTargetList(targets)
	if err != nil {
		return nil, err
	}

	byTarget := make(map[string]*VersionedTarget, len(order))
	allVTs := make([]*VersionedTarget, 0, len(order))
	invalidVTs := make([]*VersionedTarget, 0)
	position := make(map[string]int, len(order))
	for i, id := range order {
		position[id] = i
	}

	for _, id := range order {
		srcs, err := m.graph.Sources(id)
		if err != nil {
			return nil, err
		}
		sources := make([]fingerprint.SourceFile, 0, len(srcs))
		for _, p := range srcs {
			content, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("cachemgr: reading source %q: %w", p, err)
			}
			sources = append(sources, fingerprint.SourceFile{Path: p, Content: content})
		}

		var depKeys []fingerprint.DependencyKey
		var deps []*VersionedTarget
		directDeps, err := m.graph.DirectDeps(id)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(directDeps, func(i, j int) bool { return position[directDeps[i]] < position[directDeps[j]] })
		for _, depID := range directDeps {
			depVT, ok := byTarget[depID]
			if !ok {
				return nil, fmt.Errorf("cachemgr: dependency %q of %q was not processed before it (topological order violation)", depID, id)
			}
			deps = append(deps, depVT)
			if m.invalidateDependents {
				depKeys = append(depKeys, fingerprint.DependencyKey{TargetID: depID, Hash: depVT.Key.Hash})
			}
		}

		key := fingerprint.KeyForTarget(fingerprint.KeyForTargetInput{
			TargetID:   id,
			Sources:    sources,
			Transitive: m.invalidateDependents,
			DepKeys:    depKeys,
			ExtraData:  m.extraData,
		})

		needsUpdate, err := m.invalidator.NeedsUpdate(key)
		if err != nil {
			return nil, err
		}

		vt := &VersionedTarget{
			Target:       id,
			Key:          key,
			Valid:        !needsUpdate,
			Dependencies: deps,
			sourceCount:  len(srcs),
			owner:        m,
		}
		byTarget[id] = vt
		allVTs = append(allVTs, vt)
		if !vt.Valid {
			invalidVTs = append(invalidVTs, vt)
		}
	}

	allPartitioned, err := m.partition(allVTs, partitionSizeHint)
	if err != nil {
		return nil, err
	}
	invalidPartitioned, err := m.partition(invalidVTs, partitionSizeHint)
	if err != nil {
		return nil, err
	}

	return &InvalidationCheck{
		AllVTs:                allVTs,
		InvalidVTs:            invalidVTs,
		AllVTSPartitioned:     allPartitioned,
		InvalidVTSPartitioned: invalidPartitioned,
	}, nil
}

// partition groups successive VTs so each group's total source count
// targets hint: it looks ahead before adding each VT, and if the current
// group is non-empty and the VT's source count would bring the running
// total to hint or beyond, it closes the current group first and starts a
// new one with that VT. A VT whose own source count already meets or
// exceeds hint still becomes the sole founding member of its group (it is
// never rejected, only the group after it is closed early). A hint <= 0
// yields one VTS per VT.
func (m *CacheManager) partition(vts []*VersionedTarget, hint int) ([]*VersionedTargetSet, error) {
	if len(vts) == 0 {
		return nil, nil
	}
	if hint <= 0 {
		out := make([]*VersionedTargetSet, 0, len(vts))
		for _, vt := range vts {
			vtsSet, err := newVTS(m, []*VersionedTarget{vt})
			if err != nil {
				return nil, err
			}
			out = append(out, vtsSet)
		}
		return out, nil
	}

	var groups [][]*VersionedTarget
	var group []*VersionedTarget
	total := 0

	for _, vt := range vts {
		if len(group) > 0 && total+vt.sourceCount >= hint {
			groups = append(groups, group)
			group = nil
			total = 0
		}
		group = append(group, vt)
		total += vt.sourceCount
	}
	if len(group) > 0 {
		groups = append(groups, group)
	}

	out := make([]*VersionedTargetSet, 0, len(groups))
	for _, g := range groups {
		vtsSet, err := newVTS(m, g)
		if err != nil {
			return nil, err
		}
		out = append(out, vtsSet)
	}
	return out, nil
}

// Update marks vts and every inner VT valid, persisting each to the
// invalidator. This is all-or-nothing at the caller level: callers must
// only invoke Update after the corresponding work succeeded.
func (m *CacheManager) Update(vts *VersionedTargetSet) error {
	if vts.owner != m {
		return &InvariantViolation{Msg: "Update called with a VersionedTargetSet owned by a different Cache Manager"}
	}
	for _, vt := range vts.VTs {
		if err := m.invalidator.Update(vt.Key); err != nil {
			return err
		}
		vt.Valid = true
	}
	if err := m.invalidator.Update(vts.CombinedKey); err != nil {
		return err
	}
	vts.Valid = true
	return nil
}

// ForceInvalidate is Update's inverse: marks every member invalid in the
// persistent store.
func (m *CacheManager) ForceInvalidate(vts *VersionedTargetSet) error {
	if vts.owner != m {
		return &InvariantViolation{Msg: "ForceInvalidate called with a VersionedTargetSet owned by a different Cache Manager"}
	}
	for _, vt := range vts.VTs {
		if err := m.invalidator.ForceInvalidate(vt.Key); err != nil {
			return err
		}
		vt.Valid = false
	}
	if err := m.invalidator.ForceInvalidate(vts.CombinedKey); err != nil {
		return err
	}
	vts.Valid = false
	return nil
}
