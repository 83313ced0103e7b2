// Package packager turns a populated staging root into a manifest and a
// compressed package archive: strip ELF binaries, walk the tree in lexical
// order to build a reproducible manifest, then archive with reproducibility
// flags so two runs over the same input produce byte-identical output.
package packager

import (
	"archive/tar"
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Entry is one line of a manifest: spec §6's line-based format — octal
// mode, numeric uid/gid, type (f/d/l), decimal size, lowercase hex
// SHA-256 or "-" for non-regular entries, and the path.
type Entry struct {
	Mode uint32
	UID  int
	GID  int
	Type byte // 'f', 'd', 'l'
	Size int64
	Hash string // "" rendered as "-"
	Path string
}

func (e Entry) String() string {
	hash := e.Hash
	if hash == "" {
		hash = "-"
	}
	return fmt.Sprintf("%o %d %d %c %d %s %s", e.Mode, e.UID, e.GID, e.Type, e.Size, hash, e.Path)
}

// ParseEntry parses one manifest line back into an Entry.
func ParseEntry(line string) (Entry, error) {
	fields := strings.SplitN(line, " ", 7)
	if len(fields) != 7 {
		return Entry{}, fmt.Errorf("malformed manifest line: %q", line)
	}
	mode, err := strconv.ParseUint(fields[0], 8, 32)
	if err != nil {
		return Entry{}, err
	}
	uid, err := strconv.Atoi(fields[1])
	if err != nil {
		return Entry{}, err
	}
	gid, err := strconv.Atoi(fields[2])
	if err != nil {
		return Entry{}, err
	}
	size, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return Entry{}, err
	}
	hash := fields[5]
	if hash == "-" {
		hash = ""
	}
	return Entry{
		Mode: uint32(mode), UID: uid, GID: gid,
		Type: fields[3][0], Size: size, Hash: hash, Path: fields[6],
	}, nil
}

// StripBinaries walks dirs (recognized bin/lib directories under
// stagingRoot) and runs "strip -g" over every regular file whose first four
// bytes are the ELF magic, skipping setuid files with a warning rather than
// stripping them, matching the teacher's strip idiom in its build package.
func StripBinaries(stagingRoot string, dirs []string, warn func(path string)) error {
	for _, d := range dirs {
		root := filepath.Join(stagingRoot, d)
		if _, err := os.Stat(root); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(root, func(path string, de fs.DirEntry, err error) error {
			if err != nil || de.IsDir() {
				return err
			}
			info, err := de.Info()
			if err != nil {
				return err
			}
			if info.Mode()&os.ModeSetuid != 0 {
				if warn != nil {
					warn(path)
				}
				return nil
			}
			isELF, err := sniffELF(path)
			if err != nil || !isELF {
				return err
			}
			return exec.Command("strip", "-g", path).Run()
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func sniffELF(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	var buf [4]byte
	n, err := f.Read(buf[:])
	if err != nil && err != io.EOF {
		return false, err
	}
	return n == 4 && bytes.Equal(buf[:], []byte("\x7fELF")), nil
}

// BuildManifest walks stagingRoot in lexical order and returns one Entry
// per file, directory, and symlink, with paths rewritten relative to "/"
// (the eventual target-root mount point).
func BuildManifest(stagingRoot string) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(stagingRoot, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == stagingRoot {
			return nil
		}
		rel, err := filepath.Rel(stagingRoot, path)
		if err != nil {
			return err
		}
		info, err := de.Info()
		if err != nil {
			return err
		}

		e := Entry{Mode: uint32(info.Mode().Perm()), Path: "/" + filepath.ToSlash(rel)}
		switch {
		case de.Type()&fs.ModeSymlink != 0:
			e.Type = 'l'
		case de.IsDir():
			e.Type = 'd'
		default:
			e.Type = 'f'
			e.Size = info.Size()
			h, err := hashFile(path)
			if err != nil {
				return err
			}
			e.Hash = h
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func hashFile(path string) (string, error) {
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

// WriteManifest writes entries to destPath atomically via renameio.
func WriteManifest(entries []Entry, destPath string) error {
	t, err := renameio.TempFile("", destPath)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	w := bufio.NewWriter(t)
	for _, e := range entries {
		if _, err := fmt.Fprintln(w, e.String()); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

// ReadManifest parses a manifest file written by WriteManifest.
func ReadManifest(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		e, err := ParseEntry(line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

// Compression selects the archive's compressor.
type Compression string

const (
	CompressionZstd Compression = "zst"
	CompressionXz   Compression = "xz"
)

// Archive writes stagingRoot into destPath as a reproducible compressed
// tar: numeric owner, POSIX headers, sorted entry order, mtimes pinned to
// sourceDateEpoch so repeated runs over the same input are byte-identical.
func Archive(stagingRoot string, entries []Entry, destPath string, compression Compression, sourceDateEpoch int64) error {
	t, err := renameio.TempFile("", destPath)
	if err != nil {
		return err
	}
	defer t.Cleanup()

	var compressed io.WriteCloser
	switch compression {
	case CompressionXz:
		compressed, err = xzWriteCloser(t)
	default:
		compressed, err = zstd.NewWriter(t)
	}
	if err != nil {
		return err
	}

	tw := tar.NewWriter(compressed)
	mtime := time.Unix(sourceDateEpoch, 0).UTC()
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     strings.TrimPrefix(e.Path, "/"),
			Mode:     int64(e.Mode),
			Size:     e.Size,
			ModTime:  mtime,
			Format:   tar.FormatPAX,
			Uid:      0,
			Gid:      0,
			Uname:    "",
			Gname:    "",
		}
		switch e.Type {
		case 'd':
			hdr.Typeflag = tar.TypeDir
			hdr.Name += "/"
		case 'l':
			hdr.Typeflag = tar.TypeSymlink
			target, err := os.Readlink(filepath.Join(stagingRoot, e.Path))
			if err != nil {
				return err
			}
			hdr.Linkname = target
		default:
			hdr.Typeflag = tar.TypeReg
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if e.Type == 'f' {
			if err := copyFileInto(tw, filepath.Join(stagingRoot, e.Path)); err != nil {
				return err
			}
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := compressed.Close(); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

func copyFileInto(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// xzWriteCloser adapts ulikunitz/xz's io.WriteCloser constructor.
func xzWriteCloser(w io.Writer) (io.WriteCloser, error) {
	return xz.NewWriter(w)
}
