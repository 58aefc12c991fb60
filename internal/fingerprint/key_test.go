package fingerprint

import "testing"

func TestKeyForTargetDeterministic(t *testing.T) {
	in := KeyForTargetInput{
		TargetID: "lib:a",
		Sources: []SourceFile{
			{Path: "a.go", Content: []byte("package a")},
			{Path: "b.go", Content: []byte("package a\n\nfunc B() {}")},
		},
	}

	k1 := KeyForTarget(in)
	k2 := KeyForTarget(in)
	if !k1.Equal(k2) {
		t.Fatalf("identical inputs produced different hashes: %s vs %s", k1.Hash, k2.Hash)
	}
}

func TestKeyForTargetChangesWithContent(t *testing.T) {
	base := KeyForTargetInput{
		TargetID: "lib:a",
		Sources:  []SourceFile{{Path: "a.go", Content: []byte("v1")}},
	}
	changed := base
	changed.Sources = []SourceFile{{Path: "a.go", Content: []byte("v2")}}

	k1 := KeyForTarget(base)
	k2 := KeyForTarget(changed)
	if k1.Equal(k2) {
		t.Fatalf("expected different hashes for different content")
	}
}

func TestKeyForTargetTransitiveFoldsDependencyHashes(t *testing.T) {
	without := KeyForTargetInput{
		TargetID:   "lib:a",
		Sources:    []SourceFile{{Path: "a.go", Content: []byte("x")}},
		Transitive: true,
		DepKeys:    []DependencyKey{{TargetID: "lib:b", Hash: "h1"}},
	}
	withChangedDep := without
	withChangedDep.DepKeys = []DependencyKey{{TargetID: "lib:b", Hash: "h2"}}

	k1 := KeyForTarget(without)
	k2 := KeyForTarget(withChangedDep)
	if k1.Equal(k2) {
		t.Fatalf("expected transitive key to change when a dependency's hash changes")
	}
}

func TestKeyForTargetNonTransitiveIgnoresDeps(t *testing.T) {
	in := KeyForTargetInput{
		TargetID: "lib:a",
		Sources:  []SourceFile{{Path: "a.go", Content: []byte("x")}},
	}
	withDeps := in
	withDeps.Transitive = false
	withDeps.DepKeys = []DependencyKey{{TargetID: "lib:b", Hash: "whatever"}}

	if KeyForTarget(in).Hash != KeyForTarget(withDeps).Hash {
		t.Fatalf("non-transitive key must ignore DepKeys entirely")
	}
}

func TestCombineOrderIndependentHashOrderPreservingPayloads(t *testing.T) {
	a := CacheKey{ID: "a", Hash: "aaa", Payloads: []Payload{{Path: "a", Digest: "da"}}}
	b := CacheKey{ID: "b", Hash: "bbb", Payloads: []Payload{{Path: "b", Digest: "db"}}}

	ab, err := Combine([]CacheKey{a, b})
	if err != nil {
		t.Fatal(err)
	}
	ba, err := Combine([]CacheKey{b, a})
	if err != nil {
		t.Fatal(err)
	}

	if ab.Hash != ba.Hash {
		t.Fatalf("combine hash must be order-independent: %s vs %s", ab.Hash, ba.Hash)
	}
	if ab.Payloads[0].Path != "a" || ab.Payloads[1].Path != "b" {
		t.Fatalf("combine([a,b]) must preserve input payload order, got %+v", ab.Payloads)
	}
	if ba.Payloads[0].Path != "b" || ba.Payloads[1].Path != "a" {
		t.Fatalf("combine([b,a]) must preserve input payload order, got %+v", ba.Payloads)
	}
}

func TestCombineEmptyIsError(t *testing.T) {
	if _, err := Combine(nil); err == nil {
		t.Fatal("expected error combining an empty key list")
	}
}

func TestCombineIDIsSynthetic(t *testing.T) {
	k, err := Combine([]CacheKey{{ID: "a", Hash: "aaa"}})
	if err != nil {
		t.Fatal(err)
	}
	if k.ID != "synthetic:"+k.Hash {
		t.Fatalf("expected synthetic id, got %q", k.ID)
	}
}
