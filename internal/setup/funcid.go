package setup

// funcIDAssigner assigns a stable, 1-based dense index to each distinct
// function address seen while walking sled descriptors. A function with
// entry, exit and tail-call sleds gets one id shared by all three,
// since spec.md's FuncID is a per-function identity, not per-sled
// (spec.md §3 "Function identifier"; the sled-to-function grouping rule
// is this package's resolution of that ambiguity — see DESIGN.md).
type funcIDAssigner struct {
	next    uint32
	indexOf map[uint64]uint32
}

func newFuncIDAssigner() *funcIDAssigner {
	return &funcIDAssigner{indexOf: make(map[uint64]uint32)}
}

func (a *funcIDAssigner) indexFor(funcAddr uint64) uint32 {
	if id, ok := a.indexOf[funcAddr]; ok {
		return id
	}
	a.next++
	a.indexOf[funcAddr] = a.next
	return a.next
}
