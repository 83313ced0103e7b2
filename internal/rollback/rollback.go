// Package rollback captures pre-overlay snapshots of a package's current
// files and computes manifest deltas, so an upgrade can always be undone
// even after the old package archive has been garbage-collected. Bundle
// archives reuse the packager's reproducible-tar writer.
package rollback

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kilnpkg/kiln/internal/extract"
	"github.com/kilnpkg/kiln/internal/packager"
)

// Bundle is a rollback snapshot: the exact set of files/symlinks a prior
// manifest listed, tarred from the target root, plus a copy of that
// manifest.
type Bundle struct {
	Name         string
	EVR          string
	ArchivePath  string
	ManifestPath string
}

// Capture tars every entry old lists (read live from targetRoot) into
// rollbackDir/<name>/<evr>/bundle.tar.zst, plus a copy of the manifest
// alongside, and returns the resulting Bundle. Content-complete even if
// the original package archive no longer exists.
func Capture(targetRoot, rollbackDir, name, evr string, old []packager.Entry, sourceDateEpoch int64) (*Bundle, error) {
	dir := filepath.Join(rollbackDir, name, evr)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	archivePath := filepath.Join(dir, "bundle.tar.zst")
	if err := packager.Archive(targetRoot, old, archivePath, packager.CompressionZstd, sourceDateEpoch); err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(dir, "manifest.old")
	if err := packager.WriteManifest(old, manifestPath); err != nil {
		return nil, err
	}

	return &Bundle{Name: name, EVR: evr, ArchivePath: archivePath, ManifestPath: manifestPath}, nil
}

// Delta is the four-section manifest diff spec §4.10 defines.
type Delta struct {
	Added     []packager.Entry
	Removed   []packager.Entry
	Changed   []ChangedEntry
	Unchanged []packager.Entry
}

// ChangedEntry records a path present in both manifests with a differing
// hash.
type ChangedEntry struct {
	Path    string
	OldHash string
	NewHash string
}

// Diff joins oldEntries and newEntries on path and classifies each into
// added, removed, changed, or unchanged.
func Diff(oldEntries, newEntries []packager.Entry) Delta {
	oldByPath := map[string]packager.Entry{}
	for _, e := range oldEntries {
		oldByPath[e.Path] = e
	}
	newByPath := map[string]packager.Entry{}
	for _, e := range newEntries {
		newByPath[e.Path] = e
	}

	var d Delta
	for path, ne := range newByPath {
		oe, existed := oldByPath[path]
		if !existed {
			d.Added = append(d.Added, ne)
			continue
		}
		if oe.Hash != ne.Hash {
			d.Changed = append(d.Changed, ChangedEntry{Path: path, OldHash: oe.Hash, NewHash: ne.Hash})
		} else {
			d.Unchanged = append(d.Unchanged, ne)
		}
	}
	for path, oe := range oldByPath {
		if _, stillPresent := newByPath[path]; !stillPresent {
			d.Removed = append(d.Removed, oe)
		}
	}
	return d
}

// WriteDelta writes d to deltaDir/<name>/<evrOld>__to__<evrNew>.delta in
// the line-based format §4.10 implies: one section header per group,
// followed by its entries.
func WriteDelta(deltaDir, name, evrOld, evrNew string, d Delta) (string, error) {
	dir := filepath.Join(deltaDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s__to__%s.delta", evrOld, evrNew))

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	fmt.Fprintln(f, "added")
	for _, e := range d.Added {
		fmt.Fprintln(f, e.Path)
	}
	fmt.Fprintln(f, "removed")
	for _, e := range d.Removed {
		fmt.Fprintln(f, e.Path)
	}
	fmt.Fprintln(f, "changed")
	for _, c := range d.Changed {
		fmt.Fprintf(f, "%s %s -> %s\n", c.Path, c.OldHash, c.NewHash)
	}
	fmt.Fprintln(f, "unchanged")
	for _, e := range d.Unchanged {
		fmt.Fprintln(f, e.Path)
	}
	return path, nil
}

// Restore extracts a captured bundle directly into targetRoot, used when
// the target EVR's package archive is unavailable for a normal install.
func Restore(bundle *Bundle, targetRoot string) ([]packager.Entry, error) {
	entries, err := packager.ReadManifest(bundle.ManifestPath)
	if err != nil {
		return nil, err
	}
	if err := extract.ExtractRaw(bundle.ArchivePath, targetRoot); err != nil {
		return nil, err
	}
	return entries, nil
}
