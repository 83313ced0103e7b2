package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/kilnpkg/kiln/internal/kerr"
	"golang.org/x/sys/unix"
)

// Guard represents a held named lock. Release must be called on every exit
// path, including panics; callers typically `defer guard.Release()`
// immediately after a successful Acquire.
type Guard struct {
	f *os.File
}

// Release unlocks and closes the underlying lock file. Release is
// idempotent: calling it more than once is a no-op.
func (g *Guard) Release() error {
	if g == nil || g.f == nil {
		return nil
	}
	err := unix.Flock(int(g.f.Fd()), unix.LOCK_UN)
	cerr := g.f.Close()
	g.f = nil
	if err != nil {
		return err
	}
	return cerr
}

// Acquire takes the named exclusive lock (e.g. "build-zlib", "install-zlib",
// "uninstall-zlib", "update-all"), blocking until it is obtained or timeout
// elapses. Locking is advisory between cooperating kiln processes on the
// same host, implemented with flock(2) on a regular file under locksDir —
// the simplest mechanism that satisfies "at most one holder per name" without
// requiring dead-process detection beyond what flock already gives for free
// (the kernel releases the lock when the holding process exits).
func Acquire(locksDir, name string, timeout time.Duration) (*Guard, error) {
	if err := os.MkdirAll(locksDir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(locksDir, name+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	const pollInterval = 50 * time.Millisecond
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Guard{f: f}, nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, err
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, &kerr.LockTimeout{Name: name}
		}
		time.Sleep(pollInterval)
	}
}
