package sled

import "fmt"

// Flags are the per-function bits carried in the high byte of a FuncID.
// Only one bit is defined today (spec.md §3).
type Flags uint8

const (
	// FlagLog requests argument and return-value capture.
	FlagLog Flags = 1 << 0
)

func (f Flags) Log() bool { return f&FlagLog != 0 }

// FuncID is a 32-bit value: a 24-bit dense, 1-based function index (0 is
// "unset") packed with 8 bits of flags. It is stable for the life of the
// process and is what the patcher encodes into the sled's scratch
// register (spec.md §3, §4.E).
type FuncID uint32

const indexMask = (uint32(1) << 24) - 1

// NewFuncID packs a 1-based dense index with flags. index must fit in 24 bits.
func NewFuncID(index uint32, flag Flags) FuncID {
	return FuncID((index & indexMask) | uint32(flag)<<24)
}

// Index returns the 1-based dense function index, or 0 if unset.
func (f FuncID) Index() uint32 { return uint32(f) & indexMask }

// Flag returns the flag byte.
func (f FuncID) Flag() Flags { return Flags(uint32(f) >> 24) }

// IsSet reports whether this FuncID has been assigned (index != 0).
func (f FuncID) IsSet() bool { return f.Index() != 0 }

func (f FuncID) String() string {
	return fmt.Sprintf("FuncID(index=%d, log=%v)", f.Index(), f.Flag().Log())
}
