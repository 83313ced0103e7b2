// Package extract unpacks fetched archives into a build workspace and
// applies recipe patches deterministically. Every format is dispatched by
// file extension, matching the teacher's filename-driven handling in its
// packer; patching always shells out to the system patch binary rather
// than reimplementing the unified-diff format in Go.
package extract

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kilnpkg/kiln/internal/kerr"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// Extract unpacks archive into dest, dispatching on archive's extension.
// If, after extraction, dest contains exactly one top-level entry and that
// entry is a directory, that directory is returned as the source root
// (spec §4.5); nothing is moved. Otherwise dest itself is returned as the
// source root.
func Extract(archivePath, dest string) (string, error) {
	if err := ExtractRaw(archivePath, dest); err != nil {
		return "", err
	}
	return promoteSingleTopLevelDir(dest)
}

// ExtractRaw unpacks archive into dest without single-top-level-dir
// promotion, for callers (such as rollback-bundle restoration) that need
// the archive's paths applied exactly as recorded.
func ExtractRaw(archivePath, dest string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	switch {
	case strings.HasSuffix(archivePath, ".tar.gz"), strings.HasSuffix(archivePath, ".tgz"):
		return extractTarGz(f, dest)
	case strings.HasSuffix(archivePath, ".tar.bz2"), strings.HasSuffix(archivePath, ".tbz2"):
		return extractTarBzip2(f, dest)
	case strings.HasSuffix(archivePath, ".tar.zst"):
		return extractTarZstd(f, dest)
	case strings.HasSuffix(archivePath, ".tar.xz"):
		return extractTarXz(f, dest)
	case strings.HasSuffix(archivePath, ".zip"):
		return extractZip(f, dest)
	default:
		return &kerr.UnsupportedFormat{Path: archivePath}
	}
}

func extractTarGz(r io.Reader, dest string) error {
	gr, err := pgzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gr.Close()
	return extractTar(gr, dest)
}

func extractTarBzip2(r io.Reader, dest string) error {
	return extractTar(bzip2.NewReader(r), dest)
}

func extractTarZstd(r io.Reader, dest string) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer zr.Close()
	return extractTar(zr, dest)
}

func extractTarXz(r io.Reader, dest string) error {
	xr, err := xz.NewReader(r)
	if err != nil {
		return err
	}
	return extractTar(xr, dest)
}

func extractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

func extractZip(f *os.File, dest string) error {
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	zr, err := zip.NewReader(f, fi.Size())
	if err != nil {
		return err
	}
	for _, zf := range zr.File {
		target, err := safeJoin(dest, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, zf.Mode()); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, zf.Mode())
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		out.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// safeJoin rejects archive entries that would escape dest via ".." path
// segments, an archive produced by an adversarial or corrupted mirror
// response should never be able to write outside the workspace.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) && target != filepath.Clean(dest) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return target, nil
}

func promoteSingleTopLevelDir(dest string) (string, error) {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return "", err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return dest, nil
	}
	return filepath.Join(dest, entries[0].Name()), nil
}

// ApplyPatches applies each patch file in srcRoot in declaration order with
// strip-prefix 1, shelling out to the system patch binary per invocation —
// never evaluating diff text in-process. The first failure aborts and
// returns PatchFailed with the workspace left exactly as it was for
// diagnosis.
func ApplyPatches(srcRoot string, patchPaths []string) error {
	for i, p := range patchPaths {
		f, err := os.Open(p)
		if err != nil {
			return &kerr.PatchFailed{Index: i, Reason: err.Error()}
		}
		cmd := exec.Command("patch", "-p1", "--no-backup-if-mismatch")
		cmd.Dir = srcRoot
		cmd.Stdin = f
		out, err := cmd.CombinedOutput()
		f.Close()
		if err != nil {
			return &kerr.PatchFailed{Index: i, Reason: fmt.Sprintf("%v: %s", err, out)}
		}
	}
	return nil
}
