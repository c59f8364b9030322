package main

import (
	"path/filepath"
	"testing"
)

func TestGenerateThenValidate(t *testing.T) {
	dir := t.TempDir()
	for _, kind := range []string{"server", "client"} {
		path := filepath.Join(dir, kind+".toml")
		if err := run([]string{"-kind", kind, "-output", path}); err != nil {
			t.Fatalf("generate %s: %v", kind, err)
		}
		if err := run([]string{"-kind", kind, "-validate", "-input", path}); err != nil {
			t.Fatalf("validate %s: %v", kind, err)
		}
	}
	server := filepath.Join(dir, "server.toml")
	if err := run([]string{"-kind", "client", "-validate", "-input", server}); err == nil {
		t.Fatal("expected role mismatch")
	}
	if err := run([]string{"-kind", "server", "-output", server}); err == nil {
		t.Fatal("expected overwrite refusal")
	}
	if err := run([]string{"-kind", "relay"}); err == nil {
		t.Fatal("expected unknown kind")
	}
}
