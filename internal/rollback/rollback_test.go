package rollback

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kilnpkg/kiln/internal/packager"
)

func TestCaptureAndRestore(t *testing.T) {
	dir := t.TempDir()
	targetRoot := filepath.Join(dir, "target")
	if err := os.MkdirAll(filepath.Join(targetRoot, "usr", "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(targetRoot, "usr", "bin", "tool"), []byte("v1"), 0755); err != nil {
		t.Fatal(err)
	}

	entries, err := packager.BuildManifest(targetRoot)
	if err != nil {
		t.Fatal(err)
	}

	rollbackDir := filepath.Join(dir, "rollback")
	bundle, err := Capture(targetRoot, rollbackDir, "tool", "0:1.0-1", entries, 1700000000)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	restoreRoot := filepath.Join(dir, "restore")
	restored, err := Restore(bundle, restoreRoot)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(restored) != len(entries) {
		t.Fatalf("restored %d entries, want %d", len(restored), len(entries))
	}
	b, err := os.ReadFile(filepath.Join(restoreRoot, "usr", "bin", "tool"))
	if err != nil {
		t.Fatalf("expected restored file: %v", err)
	}
	if string(b) != "v1" {
		t.Fatalf("restored content = %q, want v1", b)
	}
}

func TestDiffClassifiesAllFourSections(t *testing.T) {
	oldEntries := []packager.Entry{
		{Type: 'f', Path: "/usr/bin/a", Hash: "hash-a"},
		{Type: 'f', Path: "/usr/bin/b", Hash: "hash-b"},
		{Type: 'f', Path: "/usr/bin/removed", Hash: "hash-r"},
	}
	newEntries := []packager.Entry{
		{Type: 'f', Path: "/usr/bin/a", Hash: "hash-a"},
		{Type: 'f', Path: "/usr/bin/b", Hash: "hash-b2"},
		{Type: 'f', Path: "/usr/bin/added", Hash: "hash-n"},
	}

	d := Diff(oldEntries, newEntries)
	if len(d.Added) != 1 || d.Added[0].Path != "/usr/bin/added" {
		t.Fatalf("Added = %+v", d.Added)
	}
	if len(d.Removed) != 1 || d.Removed[0].Path != "/usr/bin/removed" {
		t.Fatalf("Removed = %+v", d.Removed)
	}
	if len(d.Changed) != 1 || d.Changed[0].Path != "/usr/bin/b" {
		t.Fatalf("Changed = %+v", d.Changed)
	}
	if len(d.Unchanged) != 1 || d.Unchanged[0].Path != "/usr/bin/a" {
		t.Fatalf("Unchanged = %+v", d.Unchanged)
	}
}

func TestWriteDeltaProducesFile(t *testing.T) {
	dir := t.TempDir()
	d := Diff(
		[]packager.Entry{{Type: 'f', Path: "/a", Hash: "1"}},
		[]packager.Entry{{Type: 'f', Path: "/a", Hash: "2"}},
	)
	path, err := WriteDelta(dir, "tool", "0:1.0-1", "0:1.1-1", d)
	if err != nil {
		t.Fatalf("WriteDelta: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected delta file: %v", err)
	}
}
