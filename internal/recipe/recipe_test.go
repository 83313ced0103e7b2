package recipe

import (
	"os"
	"path/filepath"
	"testing"
)

const zlibYAML = `
name: zlib
version: "1.3"
release: "1"
sources:
  - url: https://zlib.net/zlib-1.3.tar.gz
    sha256: ff0ba4c292013dbc27530b3a81e1f9a813cd39de01ca5e0f8bf355702efa593
procedures:
  build:
    - "./configure --prefix=/usr"
    - "make -j${JOBS}"
  install:
    - "make install"
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndLint(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "zlib.recipe.yaml", zlibYAML)

	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Name != "zlib" || r.Version != "1.3" {
		t.Fatalf("unexpected recipe: %+v", r)
	}
	if len(r.Sources) != 1 {
		t.Fatalf("len(Sources) = %d, want 1", len(r.Sources))
	}
	if err := Lint(r); err != nil {
		t.Fatalf("Lint: %v", err)
	}
}

func TestLintRejectsMissingGitRef(t *testing.T) {
	r := &Recipe{Name: "foo", Version: "1.0", Git: &GitRef{URL: "https://example.org/foo.git"}}
	if err := Lint(r); err == nil {
		t.Fatal("expected LintError for missing git.ref, got nil")
	}
}

func TestLintRejectsNoSourceNoGit(t *testing.T) {
	r := &Recipe{Name: "foo", Version: "1.0"}
	if err := Lint(r); err == nil {
		t.Fatal("expected LintError, got nil")
	}
}

func TestLintAllowsPureInline(t *testing.T) {
	r := &Recipe{Name: "foo", Version: "1.0", Procedures: Procedures{Install: []string{"touch /out/marker"}}}
	if err := Lint(r); err != nil {
		t.Fatalf("Lint: %v", err)
	}
}

func TestResolveUserDirTakesPrecedence(t *testing.T) {
	userDir := t.TempDir()
	systemDir := t.TempDir()
	writeFile(t, systemDir, "zlib.recipe.yaml", zlibYAML)
	writeFile(t, userDir, "zlib.recipe.yaml", zlibYAML)

	path, err := Resolve("zlib", userDir, systemDir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if filepath.Dir(path) != userDir {
		t.Fatalf("Resolve returned %q, want a path under %q", path, userDir)
	}
}

func TestResolveNotFound(t *testing.T) {
	dir := t.TempDir()
	if _, err := Resolve("nonexistent", dir, dir); err == nil {
		t.Fatal("expected NotFound, got nil")
	}
}

func TestConvertLegacy(t *testing.T) {
	dir := t.TempDir()
	legacy := writeFile(t, dir, "zlib.recipe", `name=zlib
version=1.3
release=1
sources=https://zlib.net/zlib-1.3.tar.gz
source_hashes=ff0ba4c292013dbc27530b3a81e1f9a813cd39de01ca5e0f8bf355702efa593
deps=
build_deps=gcc make
`)
	r, err := ConvertLegacy(legacy)
	if err != nil {
		t.Fatalf("ConvertLegacy: %v", err)
	}
	if r.Name != "zlib" || len(r.Sources) != 1 || r.Sources[0].SHA256 == "" {
		t.Fatalf("unexpected conversion result: %+v", r)
	}
	if len(r.BuildDeps) != 2 {
		t.Fatalf("BuildDeps = %v, want 2 entries", r.BuildDeps)
	}
}

func TestConvertLegacyMismatchedArrayLengths(t *testing.T) {
	dir := t.TempDir()
	legacy := writeFile(t, dir, "bad.recipe", `name=bad
version=1.0
sources=a b
source_hashes=onlyone
`)
	if _, err := ConvertLegacy(legacy); err == nil {
		t.Fatal("expected error for mismatched array lengths, got nil")
	}
}
