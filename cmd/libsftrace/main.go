// Command libsftrace builds the tracer as a C shared library
// (`go build -buildmode=c-shared`), the form the instrumented binary
// actually links against (spec.md §6 "External interfaces": the binary
// calls sftrace_setup once during its own startup and, optionally,
// sftrace_alloc_event from an allocator wrapper). Grounded on the
// teacher's (xyproto/c67) cffi_manager.go, which bridges Go-side state
// to a C-callable surface the same way -- a thin exported layer over an
// internal package that does the real work.
package main

import "C"

import (
	"fmt"
	"os"

	"github.com/xyproto/sftrace/internal/recorder"
	"github.com/xyproto/sftrace/internal/setup"
)

// VerboseMode is toggled via the SFTRACE_VERBOSE env var, read once at
// load time since there is no other configuration channel a C caller
// can reach into this library through.
var VerboseMode = os.Getenv("SFTRACE_VERBOSE") != ""

func init() {
	setup.VerboseMode = VerboseMode
}

// sftrace_setup is called once by the instrumented binary's own
// startup path, passing the addresses of its five no-op slots (spec.md
// §6 "Slot contract"). Errors have nowhere to propagate to across the
// C boundary beyond a stderr diagnostic -- matching setup.Run's own
// policy of silently leaving tracing disabled on a recoverable failure.
//
//export sftrace_setup
func sftrace_setup(entrySlot, entryLogSlot, exitSlot, exitLogSlot, tailCallSlot uintptr) {
	slots := setup.Slots{
		EntrySlot:    entrySlot,
		EntryLogSlot: entryLogSlot,
		ExitSlot:     exitSlot,
		ExitLogSlot:  exitLogSlot,
		TailCallSlot: tailCallSlot,
	}
	if err := setup.Run(slots); err != nil {
		fmt.Fprintln(os.Stderr, "libsftrace: setup:", err)
	}
}

// sftrace_alloc_event is the allocator wrapper's per-event hook (spec.md
// §6 "Allocator contract"). kind is 1/2/3/4 for alloc/dealloc/
// realloc-alloc/realloc-dealloc, matching recorder.AllocKind's values.
//
//export sftrace_alloc_event
func sftrace_alloc_event(kind C.int, size, align, ptr C.ulonglong) {
	recorder.RecordAlloc(recorder.AllocKind(kind), uint64(size), uint64(align), uint64(ptr))
}

// sftrace_teardown flushes every thread's recorder buffer. Go has no
// destructor-chain equivalent to call this automatically at process
// exit; the instrumented binary's own shutdown path is expected to call
// it (spec.md §4.G step 11, §9's discussion of the destructor-model
// adaptation).
//
//export sftrace_teardown
func sftrace_teardown() {
	setup.Shutdown()
}

func main() {}
