package memory

import (
	"testing"

	"github.com/xyproto/sftrace/internal/traceformat"
)

// ev builds an AllocEvent with an empty stack range, matching how eat()
// would have recorded it for a thread with no live call stack.
func ev(kind traceformat.EventKind, t uint64, ptr, size uint64) AllocEvent {
	return AllocEvent{Kind: kind, Tid: 1, Time: t, Ptr: ptr, Size: size}
}

const (
	ptrP = 0xA000
	ptrQ = 0xB000
	ptrR = 0xC000
)

// TestSplitAndCutMatchedPairs reproduces spec.md's scenario 5: ALLOC@t=1
// p=P s=8; DEALLOC@t=2 p=P s=8; ALLOC@t=3 p=Q s=16; milestone@t=4;
// ALLOC@t=5 p=R s=4. Expected: stage 0 keeps only the carried ALLOC of
// Q, stage 1 keeps the ALLOC of R, leak set is {Q, R}.
func TestSplitAndCutMatchedPairs(t *testing.T) {
	a := NewAnalyzer(99)
	a.events = []AllocEvent{
		ev(traceformat.KindAlloc, 1, ptrP, 8),
		ev(traceformat.KindDealloc, 2, ptrP, 8),
		ev(traceformat.KindAlloc, 3, ptrQ, 16),
		ev(traceformat.KindAlloc, 5, ptrR, 4),
	}
	a.milestones = []uint64{4}

	diags := a.SplitAndCut()
	if len(diags) != 0 {
		t.Fatalf("expected no diagnostics, got %v", diags)
	}
	if len(a.stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(a.stages))
	}
	if got := ptrsOf(a, a.stages[0]); !equalSet(got, []uint64{ptrQ}) {
		t.Fatalf("stage 0: expected carried alloc of Q only, got ptrs %v", got)
	}
	if got := ptrsOf(a, a.stages[1]); !equalSet(got, []uint64{ptrR}) {
		t.Fatalf("stage 1: expected alloc of R only, got ptrs %v", got)
	}

	_, leaks := a.Analyze()
	if len(leaks) != 2 {
		t.Fatalf("expected 2 leaked pointers, got %d: %v", len(leaks), leaks)
	}
	if _, ok := leaks[ptrQ]; !ok {
		t.Fatalf("expected Q to have leaked")
	}
	if _, ok := leaks[ptrR]; !ok {
		t.Fatalf("expected R to have leaked")
	}
}

func TestSplitAndCutUnequalSizeKeepsBothEvents(t *testing.T) {
	a := NewAnalyzer(99)
	a.events = []AllocEvent{
		ev(traceformat.KindAlloc, 1, ptrP, 8),
		ev(traceformat.KindDealloc, 2, ptrP, 16), // size mismatch: keep both
	}
	a.SplitAndCut()
	if len(a.stages) != 1 || len(a.stages[0]) != 2 {
		t.Fatalf("expected both mismatched-size events retained, got %v", a.stages)
	}
}

func TestTrackFollowsPointerAcrossWholeStream(t *testing.T) {
	a := NewAnalyzer(99)
	a.events = []AllocEvent{
		ev(traceformat.KindAlloc, 1, ptrP, 8),
		ev(traceformat.KindReallocDealloc, 2, ptrP, 8),
		ev(traceformat.KindReallocAlloc, 2, ptrP, 32),
		ev(traceformat.KindAlloc, 3, ptrQ, 4), // unrelated, different ptr
		ev(traceformat.KindDealloc, 4, ptrP, 32),
	}
	got, err := a.Track(0)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	want := []int{0, 1, 2, 4}
	if !equalInts(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTrackOutOfRange(t *testing.T) {
	a := NewAnalyzer(99)
	if _, err := a.Track(0); err == nil {
		t.Fatalf("expected error for empty event list")
	}
}

func TestShowIncludesStack(t *testing.T) {
	a := NewAnalyzer(99)
	a.stackList = []uint32{7, 8, 9}
	a.events = []AllocEvent{
		{Kind: traceformat.KindAlloc, Tid: 1, Time: 1, Ptr: 0xA, Size: 8, Stack: [2]int{0, 3}},
	}
	out, err := a.Show(0, true, nil)
	if err != nil {
		t.Fatalf("Show: %v", err)
	}
	if !contains(out, "func#7;func#8;func#9") {
		t.Fatalf("expected symbolized stack in output, got %q", out)
	}
}

func TestFlamegraphRestrictsToSelectedStages(t *testing.T) {
	a := NewAnalyzer(99)
	a.events = []AllocEvent{
		ev(traceformat.KindAlloc, 1, 0xA, 8),
		ev(traceformat.KindAlloc, 5, 0xB, 16),
	}
	a.milestones = []uint64{3}
	a.SplitAndCut()

	all := a.Flamegraph(nil, nil)
	if len(all) != 2 {
		t.Fatalf("expected 2 flamegraph lines unrestricted, got %d", len(all))
	}
	stage1Only := a.Flamegraph([]int{1}, nil)
	if len(stage1Only) != 1 {
		t.Fatalf("expected 1 flamegraph line for stage 1, got %d", len(stage1Only))
	}
}

func TestPlotFoldResetsX(t *testing.T) {
	a := NewAnalyzer(99)
	a.events = []AllocEvent{
		ev(traceformat.KindAlloc, 1, 0xA, 8),
		ev(traceformat.KindAlloc, 5, 0xB, 16),
	}
	a.milestones = []uint64{3}
	a.SplitAndCut()

	folded := a.Plot(true)
	if len(folded) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(folded))
	}
	if folded[1][0].X != 0 {
		t.Fatalf("expected folded stage 1 to restart at x=0, got %d", folded[1][0].X)
	}

	concatenated := a.Plot(false)
	if concatenated[1][0].X != 1 {
		t.Fatalf("expected concatenated stage 1 to continue from stage 0, got %d", concatenated[1][0].X)
	}
}

func TestInternStackReusesTail(t *testing.T) {
	a := NewAnalyzer(0)
	r1 := a.internStack([]uint32{1, 2, 3})
	r2 := a.internStack([]uint32{2, 3})
	if r2 != [2]int{1, 3} {
		t.Fatalf("expected suffix reuse, got range %v over %v", r2, a.stackList)
	}
	if len(a.stackList) != 3 {
		t.Fatalf("expected no growth on suffix reuse, stackList=%v", a.stackList)
	}
	r3 := a.internStack([]uint32{9, 9})
	if r3 == r1 {
		t.Fatalf("expected distinct range for non-matching stack")
	}
}

func ptrsOf(a *Analyzer, idxs []int) []uint64 {
	out := make([]uint64, len(idxs))
	for i, idx := range idxs {
		out[i] = a.events[idx].Ptr
	}
	return out
}

func equalSet(got, want []uint64) bool {
	if len(got) != len(want) {
		return false
	}
	seen := make(map[uint64]bool, len(want))
	for _, w := range want {
		seen[w] = true
	}
	for _, g := range got {
		if !seen[g] {
			return false
		}
	}
	return true
}

func equalInts(got, want []int) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
