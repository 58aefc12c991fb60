package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "forge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
info_dir: /tmp/info
build_invalidator_dir: /tmp/invalidator
assets_dir: /tmp/assets
root: /tmp/root
allowed_clients: ["127.0.0.1"]
num_workers: 4
partition_size_hint: 1000
invalidate_dependents: true
`)
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.NumWorkers != 4 || c.PartitionSizeHint != 1000 || !c.InvalidateDependents {
		t.Fatalf("unexpected config: %+v", c)
	}
}

func TestValidateRejectsMissingInfoDir(t *testing.T) {
	c := &Config{BuildInvalidatorDir: "x", NumWorkers: 1, AllowedClients: []string{"ALL"}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for a missing info_dir")
	}
}

func TestValidateRejectsZeroWorkers(t *testing.T) {
	c := &Config{InfoDir: "a", BuildInvalidatorDir: "b", NumWorkers: 0, AllowedClients: []string{"ALL"}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for zero workers")
	}
}

func TestValidateRejectsEmptyAllowedClients(t *testing.T) {
	c := &Config{InfoDir: "a", BuildInvalidatorDir: "b", NumWorkers: 1}
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for an empty allow-list")
	}
}

func TestAllowsAllWildcard(t *testing.T) {
	c := &Config{AllowedClients: []string{"ALL"}}
	if !c.AllowsClient("203.0.113.9") {
		t.Fatal("expected ALL to allow any client")
	}
}

func TestAllowsClientExactMatchOnly(t *testing.T) {
	c := &Config{AllowedClients: []string{"127.0.0.1", "10.0.0.5"}}
	if !c.AllowsClient("10.0.0.5") {
		t.Fatal("expected an exact-match client to be allowed")
	}
	if c.AllowsClient("10.0.0.6") {
		t.Fatal("expected a non-listed client to be rejected")
	}
}
