// Package memory implements the offline leak analyzer: replay the
// event stream into per-milestone stages, cancel matched alloc/free
// pairs, compute the live-heap timeline, and answer track/show/
// flamegraph/plot queries (spec.md §4.I). Grounded on
// original_source/src/tools/memory.rs's MemoryAnalyzer, translated from
// its IndexMap-based per-stage pointer map and rayon fan-out into plain
// Go maps and sequential loops — the teacher's pack has no IndexMap or
// data-parallelism library to carry forward, and spec.md's own
// concurrency model (§5) does not ask for one here.
package memory

import (
	"errors"
	"fmt"
	"io"

	"github.com/xyproto/sftrace/internal/traceformat"
)

// AllocEvent is one ingested ALLOC/DEALLOC/REALLOC_* record together
// with the thread's call stack at the time it fired (spec.md §4.I
// "Ingest pass").
type AllocEvent struct {
	Kind  traceformat.EventKind
	Tid   uint32
	Time  uint64
	Ptr   uint64
	Size  uint64
	Stack [2]int // [start, end) range into Analyzer.stackList
}

// Analyzer accumulates the ingest state and, after SplitAndCut, the
// derived stage structure the other queries read.
type Analyzer struct {
	milestoneFuncID uint32
	milestones      []uint64
	threads         map[uint32][]uint32
	stackList       []uint32
	events          []AllocEvent

	stages [][]int // set by SplitAndCut
}

// NewAnalyzer starts an analyzer for the given milestone function id
// (spec.md §4.I: "a 'milestone' function name", resolved to a FuncID by
// the caller via the sled/symbol table before construction).
func NewAnalyzer(milestoneFuncID uint32) *Analyzer {
	return &Analyzer{
		milestoneFuncID: milestoneFuncID,
		threads:         make(map[uint32][]uint32),
	}
}

// Ingest replays every event in r, maintaining per-thread emulated call
// stacks and recording AllocEvents with stack-suffix reuse (spec.md
// §4.I "Ingest pass").
func (a *Analyzer) Ingest(r *traceformat.Reader) error {
	for {
		ev, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("memory: ingest: %w", err)
		}
		a.eat(ev)
	}
}

func (a *Analyzer) eat(ev traceformat.Event) {
	switch ev.Kind {
	case traceformat.KindEntry:
		a.threads[ev.Tid] = append(a.threads[ev.Tid], ev.FuncID)
		if ev.FuncID == a.milestoneFuncID {
			a.milestones = append(a.milestones, ev.Time)
		}
	case traceformat.KindExit, traceformat.KindTailCall:
		if st := a.threads[ev.Tid]; len(st) > 0 {
			a.threads[ev.Tid] = st[:len(st)-1]
		}
	case traceformat.KindAlloc, traceformat.KindDealloc, traceformat.KindReallocAlloc, traceformat.KindReallocDealloc:
		stack := a.threads[ev.Tid]
		rng := a.internStack(stack)
		a.events = append(a.events, AllocEvent{
			Kind:  ev.Kind,
			Tid:   ev.Tid,
			Time:  ev.Time,
			Ptr:   ev.Alloc.Ptr,
			Size:  ev.Alloc.Size,
			Stack: rng,
		})
	}
}

// internStack appends stack to the flat stackList, reusing the existing
// tail if it already ends with this exact sequence (spec.md §4.I:
// "if the current thread's stack equals the suffix already at the end
// of the vector, reuse that suffix — critical for memory; repeated deep
// stacks are the common case").
func (a *Analyzer) internStack(stack []uint32) [2]int {
	n := len(stack)
	if n <= len(a.stackList) && sameTail(a.stackList, stack) {
		end := len(a.stackList)
		return [2]int{end - n, end}
	}
	start := len(a.stackList)
	a.stackList = append(a.stackList, stack...)
	return [2]int{start, len(a.stackList)}
}

func sameTail(full []uint32, suffix []uint32) bool {
	if len(suffix) == 0 {
		return true
	}
	base := len(full) - len(suffix)
	for i, v := range suffix {
		if full[base+i] != v {
			return false
		}
	}
	return true
}

// Diagnostic is a non-fatal invariant violation discovered while
// splitting or analyzing stages (spec.md §4.I "Invariants diagnosed
// (printed, not fatal)"). Collected rather than only printed so library
// callers can inspect them (SPEC_FULL.md §9).
type Diagnostic struct {
	Stage   int
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("[stage %d] %s", d.Stage, d.Message)
}
