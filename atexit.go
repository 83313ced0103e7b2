package kiln

import (
	"sync"
	"sync/atomic"
)

var atExit struct {
	sync.Mutex
	fns    []func() error
	closed uint32
}

// RegisterAtExit registers fn to run once the current operation (install,
// upgrade, rollback, ...) has finished applying its content hooks, e.g. to
// regenerate an initramfs or refresh a bootloader entry. fn must not call
// RegisterAtExit itself.
func RegisterAtExit(fn func() error) {
	if atomic.LoadUint32(&atExit.closed) != 0 {
		panic("BUG: RegisterAtExit must not be called from an at-exit func")
	}
	atExit.Lock()
	defer atExit.Unlock()
	atExit.fns = append(atExit.fns, fn)
}

// RunAtExit runs every hook registered via RegisterAtExit, in registration
// order, stopping at the first error.
func RunAtExit() error {
	atomic.StoreUint32(&atExit.closed, 1)
	defer atomic.StoreUint32(&atExit.closed, 0)
	atExit.Lock()
	fns := atExit.fns
	atExit.fns = nil
	atExit.Unlock()
	for _, fn := range fns {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
