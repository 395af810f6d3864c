package memory

import (
	"fmt"
	"sort"
	"strings"
)

// SymbolResolver turns a FuncID from the emulated call stack into a
// display name. Resolving FuncIDs to source-level names is DWARF/
// demangler work that spec.md §10 leaves to an external collaborator;
// callers that want symbolized output pass a resolver backed by that
// collaborator, callers that don't can pass nil and get raw FuncIDs.
type SymbolResolver func(funcID uint32) string

func defaultResolver(funcID uint32) string {
	return fmt.Sprintf("func#%d", funcID)
}

// Track returns the indices of every ingested event (not only alloc
// events) whose pointer equals that of eventIdx, in stream order. This
// mirrors the original analyzer's simple full-stream pointer scan, used
// to follow one allocation across its realloc chain (spec.md §4.I
// "track(event_id)") — not a "stop at the first unrelated access of the
// same pointer" walk; a pointer reused by an unrelated later allocation
// still matches, exactly as the original does.
func (a *Analyzer) Track(eventIdx int) ([]int, error) {
	if eventIdx < 0 || eventIdx >= len(a.events) {
		return nil, fmt.Errorf("memory: track: event index %d out of range [0,%d)", eventIdx, len(a.events))
	}
	ptr := a.events[eventIdx].Ptr
	var out []int
	for i, ev := range a.events {
		if ev.Ptr == ptr {
			out = append(out, i)
		}
	}
	return out, nil
}

// Show pretty-prints one event, optionally including its symbolized
// call stack (spec.md §4.I "show(event_id, include_stack?)").
func (a *Analyzer) Show(eventIdx int, includeStack bool, resolve SymbolResolver) (string, error) {
	if eventIdx < 0 || eventIdx >= len(a.events) {
		return "", fmt.Errorf("memory: show: event index %d out of range [0,%d)", eventIdx, len(a.events))
	}
	if resolve == nil {
		resolve = defaultResolver
	}
	ev := a.events[eventIdx]
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s tid=%d t=%d ptr=%#x size=%d", eventIdx, ev.Kind, ev.Tid, ev.Time, ev.Ptr, ev.Size)
	if includeStack {
		b.WriteString("\n")
		b.WriteString(a.symbolizeStack(ev.Stack, resolve))
	}
	return b.String(), nil
}

func (a *Analyzer) symbolizeStack(rng [2]int, resolve SymbolResolver) string {
	ids := a.stackList[rng[0]:rng[1]]
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = resolve(id)
	}
	return strings.Join(names, ";")
}

// Flamegraph emits one `;`-separated-stack plus-size line per event in
// the leak set, restricted to the given stages when select is non-empty
// (spec.md §4.I "flamegraph(select=[stage_idx]?)"). Must be called
// after SplitAndCut; Analyze need not have run first, since the leak
// set here is "every surviving alloc event in the selected stages",
// matching the original's folded-flamegraph input rather than
// requiring the separately-computed global leak map.
func (a *Analyzer) Flamegraph(selectStages []int, resolve SymbolResolver) []string {
	if resolve == nil {
		resolve = defaultResolver
	}
	stageSet := stageFilter(selectStages, len(a.stages))

	var lines []string
	for stage, idxs := range a.stages {
		if !stageSet[stage] {
			continue
		}
		for _, idx := range idxs {
			ev := a.events[idx]
			if !isAllocating(ev.Kind) {
				continue
			}
			stack := a.symbolizeStack(ev.Stack, resolve)
			lines = append(lines, fmt.Sprintf("%s %d", stack, ev.Size))
		}
	}
	return lines
}

func stageFilter(selectStages []int, n int) map[int]bool {
	set := make(map[int]bool, n)
	if len(selectStages) == 0 {
		for i := 0; i < n; i++ {
			set[i] = true
		}
		return set
	}
	for _, s := range selectStages {
		set[s] = true
	}
	return set
}

// PlotPoint is one (x, live-bytes) sample of a stage's timeline.
type PlotPoint struct {
	X         int
	LiveBytes int64
}

// Plot emits a per-stage timeline of running live-byte totals, either
// concatenated with x continuing across stage boundaries or folded so
// every stage starts back at x=0 on a shared axis (spec.md §4.I
// "plot(fold?)").
func (a *Analyzer) Plot(fold bool) [][]PlotPoint {
	out := make([][]PlotPoint, len(a.stages))
	x := 0
	var live int64
	liveByPtr := make(map[uint64]uint64)

	for stage, idxs := range a.stages {
		sort.Ints(idxs)
		if fold {
			x = 0
		}
		points := make([]PlotPoint, 0, len(idxs))
		for _, idx := range idxs {
			ev := a.events[idx]
			if isAllocating(ev.Kind) {
				if _, already := liveByPtr[ev.Ptr]; !already {
					live += int64(ev.Size)
				}
				liveByPtr[ev.Ptr] = ev.Size
			} else if sz, ok := liveByPtr[ev.Ptr]; ok {
				live -= int64(sz)
				delete(liveByPtr, ev.Ptr)
			}
			points = append(points, PlotPoint{X: x, LiveBytes: live})
			x++
		}
		out[stage] = points
	}
	return out
}
