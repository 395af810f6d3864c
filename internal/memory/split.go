package memory

import (
	"fmt"
	"sort"

	"github.com/xyproto/sftrace/internal/traceformat"
)

// isAllocating reports whether kind produces a new live pointer (ALLOC,
// REALLOC_ALLOC) as opposed to retiring one (DEALLOC, REALLOC_DEALLOC).
func isAllocating(kind traceformat.EventKind) bool {
	return kind == traceformat.KindAlloc || kind == traceformat.KindReallocAlloc
}

// SplitAndCut sorts alloc events by time, slices them into stages at
// each milestone timestamp, and within each stage cancels matched
// ALLOC/DEALLOC pairs of equal size (spec.md §4.I "Split-and-cut pass").
// Mutates the analyzer's event order; must be called exactly once,
// before Analyze/Track/Flamegraph/Plot.
func (a *Analyzer) SplitAndCut() []Diagnostic {
	sort.SliceStable(a.events, func(i, j int) bool { return a.events[i].Time < a.events[j].Time })

	milestones := append([]uint64(nil), a.milestones...)
	sort.Slice(milestones, func(i, j int) bool { return milestones[i] < milestones[j] })

	var ranges [][2]int
	prev := 0
	mi := 0
	for prev < len(a.events) || mi < len(milestones) {
		if mi < len(milestones) {
			point := milestones[mi]
			end := sort.Search(len(a.events)-prev, func(k int) bool {
				return a.events[prev+k].Time > point
			})
			ranges = append(ranges, [2]int{prev, prev + end})
			prev += end
			mi++
		} else {
			ranges = append(ranges, [2]int{prev, len(a.events)})
			prev = len(a.events)
		}
	}

	lastStage := len(ranges) - 1
	var diags []Diagnostic
	a.stages = make([][]int, len(ranges))
	carried := make(map[uint64]bool) // pointers still live from earlier stages

	for stage, rng := range ranges {
		ptrIndex := make(map[uint64]int)
		var order []uint64 // insertion order, for stable carried-allocation output
		var keep []int

		for idx := rng[0]; idx < rng[1]; idx++ {
			ev := &a.events[idx]
			if isAllocating(ev.Kind) {
				if oldIdx, ok := ptrIndex[ev.Ptr]; ok {
					if stage != lastStage {
						diags = append(diags, Diagnostic{
							Stage:   stage,
							Message: fmt.Sprintf("duplicate alloc of ptr %#x: events %d and %d", ev.Ptr, oldIdx, idx),
						})
					}
					keep = append(keep, oldIdx)
				} else {
					order = append(order, ev.Ptr)
				}
				ptrIndex[ev.Ptr] = idx
				continue
			}

			if oldIdx, ok := ptrIndex[ev.Ptr]; ok {
				delete(ptrIndex, ev.Ptr)
				if a.events[oldIdx].Size != ev.Size {
					keep = append(keep, oldIdx, idx)
				}
			} else {
				if carried[ev.Ptr] {
					delete(carried, ev.Ptr)
				} else {
					diags = append(diags, Diagnostic{
						Stage:   stage,
						Message: fmt.Sprintf("dealloc of ptr %#x with no matching alloc: event %d", ev.Ptr, idx),
					})
				}
				keep = append(keep, idx)
			}
		}

		// Carried allocations: whatever is left in ptrIndex survived the
		// stage without a matching free (spec.md: "Unmatched ALLOCs
		// surviving the end of a stage are carried"). The final stage
		// does not diagnose them, matching "process is exiting".
		for _, ptr := range order {
			if idx, ok := ptrIndex[ptr]; ok {
				keep = append(keep, idx)
				carried[ptr] = true
			}
		}

		sort.Ints(keep)
		a.stages[stage] = dedupSortedInts(keep)
	}

	return diags
}

func dedupSortedInts(xs []int) []int {
	if len(xs) == 0 {
		return xs
	}
	out := xs[:1]
	for _, x := range xs[1:] {
		if x != out[len(out)-1] {
			out = append(out, x)
		}
	}
	return out
}

// Analyze walks the stages produced by SplitAndCut and returns, for each
// stage, the running live-byte total at the end of that stage and the
// set of pointers still live when the final stage ends (spec.md §4.I
// "Analyze pass": "maintain a global ptr -> size map across every stage
// ... the final map's keys are the leaked pointers").
func (a *Analyzer) Analyze() (liveBytesByStage []int64, leaks map[uint64]uint64) {
	live := make(map[uint64]uint64)
	liveBytesByStage = make([]int64, len(a.stages))
	var total int64

	for stage, idxs := range a.stages {
		for _, idx := range idxs {
			ev := a.events[idx]
			if isAllocating(ev.Kind) {
				if _, already := live[ev.Ptr]; !already {
					total += int64(ev.Size)
				}
				live[ev.Ptr] = ev.Size
			} else if sz, ok := live[ev.Ptr]; ok {
				total -= int64(sz)
				delete(live, ev.Ptr)
			}
		}
		liveBytesByStage[stage] = total
	}

	leaks = live
	return liveBytesByStage, leaks
}
