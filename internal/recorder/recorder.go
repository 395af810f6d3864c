package recorder

import (
	"sync"
	"unsafe"

	"github.com/xyproto/sftrace/internal/sled"
	"github.com/xyproto/sftrace/internal/traceformat"
)

// defaultBufferCap is the per-thread soft cap on the pending byte
// buffer (spec.md §3: "default soft cap 4096 B").
const defaultBufferCap = 4096

// threadState is the per-thread recorder object (spec.md §3, §4.F):
// a pending byte buffer, a reusable scratch line buffer, and the
// first-seen dense thread id.
type threadState struct {
	mu      sync.Mutex
	tid     uint32
	bufCap  int
	pending []byte
	line    []byte
}

var (
	states   sync.Map // os tid (uint64) -> *threadState
	stateCap = defaultBufferCap
)

// SetBufferCap overrides the per-thread flush threshold for thread
// states created after the call, so the flush boundary can be exercised
// with a small cap (spec.md §8 scenario 3: "Configure buffer cap 64 B").
func SetBufferCap(n int) { stateCap = n }

func stateFor(osTid uint64) *threadState {
	if v, ok := states.Load(osTid); ok {
		return v.(*threadState)
	}
	st := &threadState{tid: denseTid(osTid), bufCap: stateCap}
	actual, loaded := states.LoadOrStore(osTid, st)
	if loaded {
		return actual.(*threadState)
	}
	return st
}

// record serializes one event into the calling thread's buffer,
// flushing first if it would overflow the cap (spec.md §4.F steps 3-6).
func record(kind traceformat.EventKind, funcID uint32, args, returnValue []byte, alloc traceformat.AllocEvent, hasAlloc bool) {
	if !Enabled() {
		return
	}

	osTid := currentOSThreadID()
	st := stateFor(osTid)

	st.mu.Lock()
	defer st.mu.Unlock()

	ev := traceformat.Event{
		Kind:        kind,
		Time:        now(),
		Tid:         st.tid,
		FuncID:      funcID,
		Args:        args,
		ReturnValue: returnValue,
		Alloc:       alloc,
		HasAlloc:    hasAlloc,
	}

	st.line = traceformat.EncodeEvent(st.line[:0], ev)

	if st.pending == nil {
		st.pending = make([]byte, 0, st.bufCap)
	}
	if len(st.pending)+len(st.line) > st.bufCap {
		st.flushLocked()
	}
	st.pending = append(st.pending, st.line...)
}

// flushLocked writes the pending buffer with a single write_all and
// truncates it (spec.md §4.F "Flush"). Caller holds st.mu.
func (st *threadState) flushLocked() {
	if len(st.pending) == 0 {
		return
	}
	writeAll(st.pending)
	st.pending = st.pending[:0]
}

// FlushCurrent flushes the calling OS thread's buffer. The Go runtime
// has no per-OS-thread destructor hook the way a native TLS object
// does, so callers that know they're done on a given thread (a cgo
// call returning for the last time, or the process-exit hook) call
// this explicitly; spec.md §9 discusses the destructor model this
// approximates.
func FlushCurrent() {
	st, ok := states.Load(currentOSThreadID())
	if !ok {
		return
	}
	ts := st.(*threadState)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.flushLocked()
}

// Shutdown flushes every thread's buffer this process has ever
// recorded from. Registered as the atexit-equivalent shutdown callback
// by internal/setup (spec.md §4.G step 11): "best-effort; other
// threads must flush on their own destructors" — this sweep is the Go
// adaptation of that best-effort guarantee, since there is no reliable
// way to run code on every other OS thread at exit time.
func Shutdown() {
	states.Range(func(_, v interface{}) bool {
		ts := v.(*threadState)
		ts.mu.Lock()
		ts.flushLocked()
		ts.mu.Unlock()
		return true
	})
}

// RecordEntry records an ENTRY event. args is the raw register
// snapshot, included only when id is flagged LOG (spec.md §4.F step 2).
func RecordEntry(id sled.FuncID, args interface{}) {
	var blob []byte
	if id.Flag().Log() {
		blob = rawBytes(args)
	}
	record(traceformat.KindEntry, id.Index(), blob, nil, traceformat.AllocEvent{}, false)
}

// RecordExit records an EXIT event.
func RecordExit(id sled.FuncID, ret interface{}) {
	var blob []byte
	if id.Flag().Log() {
		blob = rawBytes(ret)
	}
	record(traceformat.KindExit, id.Index(), nil, blob, traceformat.AllocEvent{}, false)
}

// RecordTailCall records a TAIL_CALL event; it counts as an EXIT for
// call-balance purposes (spec.md §8) but is a distinct wire kind.
func RecordTailCall(id sled.FuncID, args interface{}) {
	var blob []byte
	if id.Flag().Log() {
		blob = rawBytes(args)
	}
	record(traceformat.KindTailCall, id.Index(), blob, nil, traceformat.AllocEvent{}, false)
}

// AllocKind selects which of the four allocator events record_alloc
// reports (spec.md §6 "Allocator contract").
type AllocKind uint8

const (
	AllocKindAlloc          AllocKind = 1
	AllocKindDealloc        AllocKind = 2
	AllocKindReallocAlloc   AllocKind = 3
	AllocKindReallocDealloc AllocKind = 4
)

// RecordAlloc is the allocator hook's entry point (spec.md §4.F
// "Allocator entry point", §6 "sftrace_alloc_event"). It must check
// Enabled() itself rather than rely on the caller, since the global
// allocator wrapper may be invoked before setup completes.
func RecordAlloc(kind AllocKind, size, align, ptr uint64) {
	if !Enabled() {
		return
	}
	var ek traceformat.EventKind
	switch kind {
	case AllocKindAlloc:
		ek = traceformat.KindAlloc
	case AllocKindDealloc:
		ek = traceformat.KindDealloc
	case AllocKindReallocAlloc:
		ek = traceformat.KindReallocAlloc
	case AllocKindReallocDealloc:
		ek = traceformat.KindReallocDealloc
	default:
		return
	}
	record(ek, 0, nil, nil, traceformat.AllocEvent{Size: size, Align: align, Ptr: ptr}, true)
}

// rawBytes views a fixed-size register-block struct as its raw bytes,
// copied so the event buffer owns independent storage (the struct
// itself lives in the trampoline's stack frame and is gone once the
// trampoline returns).
func rawBytes(v interface{}) []byte {
	switch p := v.(type) {
	case *ArgsAMD64:
		return copyStruct(unsafe.Pointer(p), int(unsafe.Sizeof(*p)))
	case *ReturnAMD64:
		return copyStruct(unsafe.Pointer(p), int(unsafe.Sizeof(*p)))
	case *ArgsARM64:
		return copyStruct(unsafe.Pointer(p), int(unsafe.Sizeof(*p)))
	case *ReturnARM64:
		return copyStruct(unsafe.Pointer(p), int(unsafe.Sizeof(*p)))
	default:
		return nil
	}
}

func copyStruct(ptr unsafe.Pointer, size int) []byte {
	src := unsafe.Slice((*byte)(ptr), size)
	dst := make([]byte, size)
	copy(dst, src)
	return dst
}
