// Package recorder implements the per-thread event recorder: buffered
// serialization of ENTRY/EXIT/TAIL_CALL/ALLOC/DEALLOC/REALLOC_* events
// and bulk flush to the trace file (spec.md §3 "Per-thread recorder
// state", §4.F). Grounded on the teacher's (xyproto/c67) buffered
// section builders in elf_sections.go (dynsym/dynstr/rela bytes.Buffer
// fields accumulated and serialized on demand) generalized to a
// per-thread object, and on parallel_unix.go's raw-syscall GETTID for
// first-seen thread-id assignment.
package recorder

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// VerboseMode mirrors the teacher's package-level stderr tracing switch.
var VerboseMode bool

var (
	outputFile atomic.Pointer[os.File]
	enabled    atomic.Bool

	timeOnce  sync.Once
	timeStart time.Time

	tidOnce    sync.Once
	tidCounter uint32
	tidMap     sync.Map // os tid (uint64) -> dense tid (uint32)
)

// SetOutput installs the process-wide output file handle. Called once
// by internal/setup after the trace file has been created (spec.md §3:
// "The output file handle lives in a once-initialized process-wide
// cell"). Calling it again replaces the handle; setup never does this
// in normal operation.
func SetOutput(f *os.File) {
	outputFile.Store(f)
}

// Enable flips the process-wide "recorder ready" flag. Until this is
// called, Record* calls are no-ops (spec.md §4.F step 1: "If the output
// is not yet initialized, return silently"), which is what lets an
// allocator hook installed before setup completes avoid deadlocking
// (spec.md §4.F "Allocator entry point").
func Enable() {
	enabled.Store(true)
}

// Enabled reports whether the recorder is ready to accept events.
func Enabled() bool {
	return enabled.Load()
}

// now returns nanoseconds since the first recorded event in this
// process (spec.md §4.F "Time base").
func now() uint64 {
	timeOnce.Do(func() { timeStart = time.Now() })
	return uint64(time.Since(timeStart).Nanoseconds())
}

// denseTid returns the first-seen-order dense id for an OS thread id,
// assigning a new one (1, 2, …) the first time it's seen.
func denseTid(osTid uint64) uint32 {
	if v, ok := tidMap.Load(osTid); ok {
		return v.(uint32)
	}
	next := atomic.AddUint32(&tidCounter, 1)
	actual, loaded := tidMap.LoadOrStore(osTid, next)
	if loaded {
		return actual.(uint32)
	}
	return next
}

// writeAllFn is a package variable (rather than a plain function) so
// tests can intercept flush calls and observe write boundaries without
// a real file descriptor.
var writeAllFn = writeAllImpl

func writeAll(buf []byte) error { return writeAllFn(buf) }

// writeAllImpl performs the single write(2) a flush relies on for
// atomicity on a regular file (spec.md §4.F "Flush", §5: "Writes are
// ≤ 4 KiB and assumed atomic at the file-system level").
func writeAllImpl(buf []byte) error {
	f := outputFile.Load()
	if f == nil {
		return nil
	}
	n, err := f.Write(buf)
	if err != nil {
		// Hard error on the hot path (spec.md §7): the trace is useless
		// past a failed write.
		panic(fmt.Sprintf("recorder: write failed after %d/%d bytes: %v", n, len(buf), err))
	}
	return nil
}
