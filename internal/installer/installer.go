// Package installer applies built packages to a target root and removes
// them again: decode filename, extract to a temp staging area, overlay in
// a single pass new-files-then-record, and for uninstall compare current
// hashes against the manifest before deciding whether to remove or
// preserve a locally-modified file as "<path>.save".
package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/kilnpkg/kiln/internal/evr"
	"github.com/kilnpkg/kiln/internal/extract"
	"github.com/kilnpkg/kiln/internal/history"
	"github.com/kilnpkg/kiln/internal/kerr"
	"github.com/kilnpkg/kiln/internal/packager"
	"github.com/kilnpkg/kiln/internal/rollback"
	"golang.org/x/sync/errgroup"
)

// filenameRE parses spec §6's package archive filename grammar:
// <name>-<version>-<release>.tar.<zst|xz>, tokenized from the right.
var filenameRE = regexp.MustCompile(`^(.+)-([^-]+)-([^-]+)\.tar\.(zst|xz)$`)

// DecodeFilename splits a package archive's basename into (name, version,
// release, compression).
func DecodeFilename(path string) (name, version, release, compression string, err error) {
	base := filepath.Base(path)
	m := filenameRE.FindStringSubmatch(base)
	if m == nil {
		return "", "", "", "", fmt.Errorf("%s: does not match <name>-<version>-<release>.tar.<zst|xz>", base)
	}
	return m[1], m[2], m[3], m[4], nil
}

// InstallPkg decodes archivePath's filename, extracts it into a temporary
// staging directory, then overlays it into targetRoot in a single pass:
// new files and directories are written first; only once every entry has
// been applied is the installed record created/overwritten, so a crash
// mid-overlay never leaves a dangling record pointing at a partial
// install (spec §4.8).
func InstallPkg(ctx context.Context, archivePath string, targetRoot string, manifestPath string, db history.DB, tmpDir string) (*history.InstalledRecord, error) {
	rec, _, err := installPkgInner(ctx, archivePath, targetRoot, manifestPath, db, tmpDir, "INSTALL")
	return rec, err
}

// installPkgInner is the shared decode-extract-overlay-record sequence
// behind both InstallPkg and UpgradePkg; eventKind lets the caller record
// the operation as INSTALL or UPGRADE per spec §3's Event log actions
// without appending both.
func installPkgInner(ctx context.Context, archivePath, targetRoot, manifestPath string, db history.DB, tmpDir, eventKind string) (*history.InstalledRecord, []packager.Entry, error) {
	name, version, release, _, err := DecodeFilename(archivePath)
	if err != nil {
		return nil, nil, err
	}

	stagingRoot := filepath.Join(tmpDir, name)
	if err := extract.ExtractRaw(archivePath, stagingRoot); err != nil {
		return nil, nil, err
	}

	entries, err := packager.ReadManifest(manifestPath)
	if err != nil {
		return nil, nil, err
	}

	prior, err := db.Load(name)
	hadPrior := err == nil
	if err != nil {
		if _, ok := err.(*kerr.NotFound); !ok {
			return nil, nil, err
		}
	}

	if err := overlay(stagingRoot, targetRoot, entries); err != nil {
		return nil, nil, err
	}

	if hadPrior && prior.Manifest != "" && prior.Manifest != manifestPath {
		if oldEntries, err := packager.ReadManifest(prior.Manifest); err == nil {
			pruneStaleEntries(targetRoot, oldEntries, entries)
		}
	}

	evr := fmt.Sprintf("0:%s-%s", version, release)
	fromEVR := "-"
	if hadPrior {
		fromEVR = prior.EVR
	}
	rec := &history.InstalledRecord{
		Name:       name,
		EVR:        evr,
		TargetRoot: targetRoot,
		Archive:    archivePath,
		Manifest:   manifestPath,
		InstallAt:  time.Now(),
	}
	if err := db.Save(rec); err != nil {
		return nil, nil, err
	}
	if err := db.AppendEvent(name, history.Event{Time: time.Now(), Kind: eventKind, FromEVR: fromEVR, ToEVR: evr, Note: "-"}); err != nil {
		return nil, nil, err
	}
	return rec, entries, nil
}

// UpgradePkg composes C6..C8 with the rollback/delta invariants spec §4.10
// and testable property 5 require: if name is already installed (under any
// EVR, including the incoming one), the prior manifest's files are captured into a rollback
// bundle (read live from targetRoot, before the overlay touches anything),
// and once the new package has landed, a four-section delta between the
// old and new manifests is written. A fresh install (no prior record) skips
// both and behaves exactly like InstallPkg, recording a plain INSTALL event.
// Per §4.8/§7, an incoming EVR older than the one already installed is
// refused as kerr.DowngradeRefused unless force is set.
func UpgradePkg(ctx context.Context, archivePath, targetRoot, manifestPath string, force bool, db history.DB, tmpDir, rollbackDir, deltaDir string, sourceDateEpoch int64) (*history.InstalledRecord, error) {
	name, version, release, _, err := DecodeFilename(archivePath)
	if err != nil {
		return nil, err
	}

	prior, err := db.Load(name)
	hadPrior := err == nil
	if err != nil {
		if _, ok := err.(*kerr.NotFound); !ok {
			return nil, err
		}
	}

	if hadPrior && !force {
		newEVR, err := evr.Parse(fmt.Sprintf("0:%s-%s", version, release))
		if err != nil {
			return nil, err
		}
		oldEVR, err := evr.Parse(prior.EVR)
		if err != nil {
			return nil, err
		}
		if evr.Less(newEVR, oldEVR) {
			return nil, &kerr.DowngradeRefused{Name: name, From: prior.EVR, To: newEVR.String()}
		}
	}

	var oldEntries []packager.Entry
	isUpgrade := false
	if hadPrior && prior.Manifest != "" {
		oldEntries, err = packager.ReadManifest(prior.Manifest)
		if err != nil {
			return nil, err
		}
		if _, err := rollback.Capture(targetRoot, rollbackDir, name, prior.EVR, oldEntries, sourceDateEpoch); err != nil {
			return nil, err
		}
		isUpgrade = true
	}

	eventKind := "INSTALL"
	if isUpgrade {
		eventKind = "UPGRADE"
	}
	rec, newEntries, err := installPkgInner(ctx, archivePath, targetRoot, manifestPath, db, tmpDir, eventKind)
	if err != nil {
		return nil, err
	}

	if isUpgrade {
		delta := rollback.Diff(oldEntries, newEntries)
		if _, err := rollback.WriteDelta(deltaDir, name, prior.EVR, rec.EVR, delta); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func overlay(stagingRoot, targetRoot string, entries []packager.Entry) error {
	for _, e := range entries {
		target := filepath.Join(targetRoot, e.Path)
		switch e.Type {
		case 'd':
			if err := os.MkdirAll(target, os.FileMode(e.Mode)); err != nil {
				return err
			}
		case 'l':
			src := filepath.Join(stagingRoot, e.Path)
			linkTarget, err := os.Readlink(src)
			if err != nil {
				return err
			}
			os.Remove(target)
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := os.Symlink(linkTarget, target); err != nil {
				return err
			}
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := copyRegular(filepath.Join(stagingRoot, e.Path), target, os.FileMode(e.Mode)); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyRegular(src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, mode)
}

// pruneStaleEntries removes paths that belonged to a prior installation of
// the same name but are absent from the new manifest, best-effort (upgrade
// cleanup; failures are not fatal to the install that already succeeded).
func pruneStaleEntries(targetRoot string, oldEntries, newEntries []packager.Entry) {
	newPaths := map[string]bool{}
	for _, e := range newEntries {
		newPaths[e.Path] = true
	}
	var stale []string
	for _, e := range oldEntries {
		if !newPaths[e.Path] {
			stale = append(stale, e.Path)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(stale)))
	for _, p := range stale {
		os.Remove(filepath.Join(targetRoot, p))
	}
}

// Uninstall removes name's files from targetRoot. For each manifest entry,
// a current hash matching the manifest means it is untouched and is
// removed outright; a mismatch means local edits exist and the file is
// preserved as "<path>.save" instead. Absent force, uninstall refuses when
// reverseDeps (other installed packages declaring name as a dependency) is
// non-empty.
func Uninstall(name, targetRoot string, force bool, reverseDeps []string, db history.DB) error {
	if !force && len(reverseDeps) > 0 {
		return &kerr.ReverseDepsPresent{Name: name, By: reverseDeps}
	}

	rec, err := db.Load(name)
	if err != nil {
		return err
	}
	entries, err := packager.ReadManifest(rec.Manifest)
	if err != nil {
		return err
	}

	// Remove files and symlinks first (order doesn't matter among them),
	// then directories bottom-up so parents empty out in the right order.
	var dirs []string
	for _, e := range entries {
		target := filepath.Join(targetRoot, e.Path)
		switch e.Type {
		case 'd':
			dirs = append(dirs, target)
			continue
		case 'f':
			h, err := fileHash(target)
			if err != nil {
				continue // already gone; nothing to reconcile
			}
			if h == e.Hash {
				os.Remove(target)
			} else {
				os.Rename(target, target+".save")
			}
		default:
			os.Remove(target)
		}
	}

	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, d := range dirs {
		os.Remove(d) // no-op (ENOTEMPTY swallowed) if not actually empty
	}

	if err := db.AppendEvent(name, history.Event{Time: time.Now(), Kind: "SAVE", FromEVR: rec.EVR, ToEVR: "-", Note: "-"}); err != nil {
		return err
	}
	return db.Delete(name)
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// InstallMany installs several packages concurrently, one goroutine per
// package, via errgroup — the same pattern the teacher uses for
// concurrent multi-package installs. Independent packages overlay in
// parallel; callers are responsible for ensuring the set passed here has
// no install-order dependency among them (e.g. a single dependency-closure
// level from the scheduler).
func InstallMany(ctx context.Context, jobs []InstallJob, db history.DB, tmpDir string) ([]*history.InstalledRecord, error) {
	results := make([]*history.InstalledRecord, len(jobs))
	eg, ctx := errgroup.WithContext(ctx)
	for i, j := range jobs {
		i, j := i, j
		eg.Go(func() error {
			rec, err := InstallPkg(ctx, j.ArchivePath, j.TargetRoot, j.ManifestPath, db, tmpDir)
			if err != nil {
				return err
			}
			results[i] = rec
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// InstallJob is one unit of work for InstallMany.
type InstallJob struct {
	ArchivePath  string
	TargetRoot   string
	ManifestPath string
}
