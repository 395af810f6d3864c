// Package platform provides the handful of OS/architecture primitives
// the rest of sftrace builds on: page size, a scoped text-unlock guard,
// and the memory barriers/i-cache flush the patcher needs (spec.md
// §4.A). Grounded on the teacher's (xyproto/c67) hotreload_unix.go,
// which already mmaps R+W+X pages via a raw syscall and tracks
// allocated code regions, and parallel_unix.go's raw-syscall/futex
// style — both informed this package's direct golang.org/x/sys/unix use
// instead of cgo.
package platform

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// VerboseMode mirrors the teacher's package-level stderr tracing switch.
var VerboseMode bool

// PageSize returns the platform's page size in bytes.
func PageSize() uintptr {
	return uintptr(unix.Getpagesize())
}

// AlignDown rounds addr down to the nearest page boundary.
func AlignDown(addr uintptr) uintptr {
	p := PageSize()
	return addr &^ (p - 1)
}

// AlignUp rounds length up to a whole number of pages.
func AlignUp(length uintptr) uintptr {
	p := PageSize()
	return (length + p - 1) &^ (p - 1)
}

// TextUnlock is a scoped guard: while held, [addr, addr+len) is mapped
// R+W+X; on Close it restores R+X. addr and len must already be
// page-aligned (the caller, internal/setup, does this via
// AlignDown/AlignUp). Failure to unlock is reported on stderr and kept
// in Err() rather than panicking (spec.md §4.A / §7); internal/setup
// checks Err() and returns it before writing to any sled.
type TextUnlock struct {
	addr      uintptr
	length    uintptr
	unlockErr error
}

// Unlock changes [addr, addr+length) to read+write+execute.
func Unlock(addr, length uintptr) *TextUnlock {
	u := &TextUnlock{addr: addr, length: length}
	region := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		u.unlockErr = fmt.Errorf("platform: mprotect(unlock) %#x+%#x: %w", addr, length, err)
		fmt.Fprintln(os.Stderr, u.unlockErr)
	}
	return u
}

// Err reports the unlock failure, if any.
func (u *TextUnlock) Err() error { return u.unlockErr }

// Close restores [addr, addr+length) to read+execute. It never returns
// an error: failures here happen during setup's cleanup path and are
// only logged, per spec.md §9 ("Scoped text unlock ... errors in the
// destructor are logged, not propagated").
func (u *TextUnlock) Close() {
	if u.unlockErr != nil {
		// Relock was never needed to have happened in the first place.
		return
	}
	region := unsafe.Slice((*byte)(unsafe.Pointer(u.addr)), u.length)
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		fmt.Fprintf(os.Stderr, "platform: mprotect(relock) %#x+%#x: %v\n", u.addr, u.length, err)
	}
}

// StoreBarrier publishes prior writes before a release-ordered store
// (spec.md §4.E: the patch's first bytes are published with a
// release-ordered atomic store). On amd64/arm64 this is a compiler
// barrier plus whatever ordering the subsequent atomic.Store* call
// itself provides; Go's memory model gives atomic stores release
// semantics already, so this exists to make the intent explicit at call
// sites and to let FlushICache be invoked uniformly afterward.
func StoreBarrier() {
	atomic.AddUint32(&barrierTick, 1)
}

var barrierTick uint32
