// Package target is a minimal stand-in for an external target-graph
// collaborator: loading and parsing of build files is out of scope here,
// but the invalidation engine needs some Target type to operate on. This
// package defines the narrowest possible one (an id, its declared
// dependencies, and its owned source globs) and a deterministic
// topological sort — nothing about build-file syntax.
package target

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Target is a named unit of buildable code with sources and dependencies.
type Target struct {
	ID      string   `yaml:"id"`
	Deps    []string `yaml:"deps,omitempty"`
	Sources []string `yaml:"sources,omitempty"` // glob patterns, resolved relative to Graph.BaseDir
}

// Graph is an immutable, validated set of targets.
type Graph struct {
	BaseDir string
	byID    map[string]*Target
	order   []string // all target IDs in canonical (lexicographic) order
}

// LoadGraph parses a YAML target-graph file of the form:
//
//	targets:
//	  - id: lib:a
//	    sources: ["a/*.go"]
//	  - id: lib:b
//	    deps: ["lib:a"]
//	    sources: ["b/*.go"]
func LoadGraph(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("target: reading graph file: %w", err)
	}

	var doc struct {
		Targets []Target `yaml:"targets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("target: parsing graph file: %w", err)
	}

	return NewGraph(filepath.Dir(path), doc.Targets)
}

// NewGraph validates and builds a Graph from an already-parsed target list.
func NewGraph(baseDir string, targets []Target) (*Graph, error) {
	byID := make(map[string]*Target, len(targets))
	order := make([]string, 0, len(targets))

	for i := range targets {
		t := targets[i]
		if t.ID == "" {
			return nil, fmt.Errorf("target: target at index %d has no id", i)
		}
		if _, exists := byID[t.ID]; exists {
			return nil, fmt.Errorf("target: duplicate target id %q", t.ID)
		}
		cp := t
		byID[t.ID] = &cp
		order = append(order, t.ID)
	}

	for id, t := range byID {
		for _, dep := range t.Deps {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("target: %q depends on unknown target %q", id, dep)
			}
			if dep == id {
				return nil, fmt.Errorf("target: %q depends on itself", id)
			}
		}
	}

	sort.Strings(order)
	g := &Graph{BaseDir: baseDir, byID: byID, order: order}
	if err := g.detectCycle(); err != nil {
		return nil, err
	}
	return g, nil
}

// Get returns a target by id.
func (g *Graph) Get(id string) (*Target, bool) {
	t, ok := g.byID[id]
	return t, ok
}

// IDs returns every target id in the graph, in canonical (lexicographic)
// order.
func (g *Graph) IDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Sources resolves a target's source globs to a sorted list of file paths.
func (g *Graph) Sources(id string) ([]string, error) {
	t, ok := g.byID[id]
	if !ok {
		return nil, fmt.Errorf("target: unknown target %q", id)
	}

	set := make(map[string]struct{})
	for _, pattern := range t.Sources {
		full := pattern
		if !filepath.IsAbs(pattern) {
			full = filepath.Join(g.BaseDir, pattern)
		}
		matches, err := filepath.Glob(full)
		if err != nil {
			return nil, fmt.Errorf("target: invalid source pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				return nil, fmt.Errorf("target: stat %q: %w", m, err)
			}
			if info.IsDir() {
				continue
			}
			set[filepath.ToSlash(m)] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (g *Graph) detectCycle() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.order))

	var visit func(id string, stack []string) error
	visit = func(id string, stack []string) error {
		color[id] = gray
		deps := append([]string(nil), g.byID[id].Deps...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case white:
				if err := visit(dep, append(stack, id)); err != nil {
					return err
				}
			case gray:
				return fmt.Errorf("target: dependency cycle detected: %v -> %s", append(stack, id), dep)
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if err := visit(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// orderTargetList topologically sorts targets (least-dependent first),
// filtered to the given input set. Ties break on target id for
// determinism.
func (g *Graph) orderTargetList(ids []string) ([]string, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := g.byID[id]; !ok {
			return nil, fmt.Errorf("target: unknown target %q", id)
		}
		want[id] = struct{}{}
	}

	visited := make(map[string]bool, len(g.order))
	out := make([]string, 0, len(ids))

	var visit func(id string) error
	visit = func(id string) error {
		if visited[id] {
			return nil
		}
		visited[id] = true
		deps := append([]string(nil), g.byID[id].Deps...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		if _, ok := want[id]; ok {
			out = append(out, id)
		}
		return nil
	}

	sortedWant := append([]string(nil), ids...)
	sort.Strings(sortedWant)
	for _, id := range sortedWant {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// OrderTargetList is the exported form of orderTargetList, used directly by
// tests and by callers that only need ordering (not a full invalidation
// check).
func (g *Graph) OrderTargetList(ids []string) ([]string, error) {
	return g.orderTargetList(ids)
}

// DirectDeps returns the direct dependency ids of a target, sorted by id
// (lexicographic). The Cache Manager reorders them into its own processing
// order before folding their hashes into a key.
func (g *Graph) DirectDeps(id string) ([]string, error) {
	t, ok := g.byID[id]
	if !ok {
		return nil, fmt.Errorf("target: unknown target %q", id)
	}
	deps := append([]string(nil), t.Deps...)
	sort.Strings(deps)
	return deps, nil
}
