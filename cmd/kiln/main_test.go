package main

import (
	"context"
	"testing"

	"github.com/kilnpkg/kiln/internal/config"
	"github.com/kilnpkg/kiln/internal/history"
	"github.com/kilnpkg/kiln/internal/recipe"
)

func TestAcquireSourcesInlineRecipeHasNoSrcRoot(t *testing.T) {
	r := &recipe.Recipe{Name: "base-layout", Version: "1", Release: "1"}
	cfg := config.Defaults()
	cfg.Root = t.TempDir()

	srcRoot, epoch, err := acquireSources(context.Background(), r, cfg)
	if err != nil {
		t.Fatalf("acquireSources: %v", err)
	}
	if srcRoot != "" {
		t.Fatalf("srcRoot = %q, want empty for an install-only recipe", srcRoot)
	}
	if epoch <= 0 {
		t.Fatalf("epoch = %d, want a positive SOURCE_DATE_EPOCH", epoch)
	}
}

func TestReverseDepsOf(t *testing.T) {
	db := history.DB{InstalledDir: t.TempDir(), HistoryDir: t.TempDir()}
	records := []*history.InstalledRecord{
		{Name: "gcc", Deps: []string{"glibc", "binutils"}},
		{Name: "make", Deps: []string{"glibc"}},
		{Name: "glibc"},
	}
	for _, r := range records {
		if err := db.Save(r); err != nil {
			t.Fatalf("Save(%s): %v", r.Name, err)
		}
	}

	by, err := reverseDepsOf(db, "glibc")
	if err != nil {
		t.Fatalf("reverseDepsOf: %v", err)
	}
	if len(by) != 2 {
		t.Fatalf("reverseDepsOf(glibc) = %v, want 2 entries", by)
	}
	seen := map[string]bool{}
	for _, name := range by {
		seen[name] = true
	}
	if !seen["gcc"] || !seen["make"] {
		t.Fatalf("reverseDepsOf(glibc) = %v, want gcc and make", by)
	}
}
