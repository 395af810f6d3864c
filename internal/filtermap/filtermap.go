// Package filtermap implements the sftrace filter-map file format:
// a build-id-checked, sorted list of addresses telling setup which
// sleds to patch and which to also capture args for. The entries are
// sled addresses, not function addresses: cmd/sftrace's filter
// subcommand writes one entry per sled of each selected function, and
// setup looks each sled up by its own address.
//
// Layout (spec.md §3, §4.C): 8-byte magic "sf\0filte", 8-byte SipHash-2-4
// of the target image's build-id, 8-byte mode, then a sorted array of
// 8-byte FilterMark entries (54-bit address, 8 high flag bits).
package filtermap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Magic is the 8-byte filter-map file signature.
var Magic = [8]byte{'s', 'f', 0, 'f', 'i', 'l', 't', 'e'}

// Mode selects how the map is interpreted during setup.
type Mode uint64

const (
	// ModeMark patches every sled; the map only adjusts per-function flags.
	ModeMark Mode = 0
	// ModeFilter patches only sleds whose address is listed in the map.
	ModeFilter Mode = 1
)

func (m Mode) String() string {
	switch m {
	case ModeMark:
		return "mark"
	case ModeFilter:
		return "filter"
	default:
		return fmt.Sprintf("mode(%d)", uint64(m))
	}
}

// Flags are the per-function bits carried in a FilterMark's high byte.
// Only one bit is defined today.
type Flags uint8

const (
	// FlagLog requests argument and return-value capture for this function.
	FlagLog Flags = 1 << 0
)

func (f Flags) Log() bool { return f&FlagLog != 0 }

const addrMask = (uint64(1) << 54) - 1

// FilterMark packs an address (54 bits) with flag bits (8 bits, stored
// in bits 56-63) into one 64-bit entry. Bits 54-55 are reserved and
// must be zero.
type FilterMark uint64

// NewFilterMark packs addr and flag into one entry. addr must fit in 54 bits.
func NewFilterMark(addr uint64, flag Flags) FilterMark {
	return FilterMark((addr & addrMask) | (uint64(flag) << 56))
}

func (m FilterMark) Addr() uint64 { return uint64(m) & addrMask }
func (m FilterMark) Flag() Flags  { return Flags(uint64(m) >> 56) }

// headerSize is magic(8) + build-id hash(8) + mode(8).
const headerSize = 24

// Map is a parsed, read-only view of a filter-map file's bytes. Parse
// copies the entries out of `raw`, so the caller may release `raw`
// afterward; internal/setup reads the file with os.ReadFile rather than
// memory-mapping it.
type Map struct {
	mode    Mode
	buildID uint64
	entries []FilterMark
}

// ErrCorrupt is returned for any structural problem in a filter-map file;
// setup treats it as a hard error (spec.md §7).
type ErrCorrupt struct{ Reason string }

func (e *ErrCorrupt) Error() string { return "filtermap: corrupt: " + e.Reason }

// Parse validates and decodes the contents of a filter-map file.
func Parse(raw []byte) (*Map, error) {
	if len(raw) < headerSize {
		return nil, &ErrCorrupt{Reason: "file shorter than header"}
	}
	if !bytes.Equal(raw[:8], Magic[:]) {
		return nil, &ErrCorrupt{Reason: "bad magic"}
	}
	rest := raw[8:]
	buildID := binary.LittleEndian.Uint64(rest[:8])
	mode := Mode(binary.LittleEndian.Uint64(rest[8:16]))
	body := rest[16:]
	if len(body)%8 != 0 {
		return nil, &ErrCorrupt{Reason: "entry table not a multiple of 8 bytes"}
	}

	n := len(body) / 8
	entries := make([]FilterMark, n)
	var prevAddr uint64
	for i := 0; i < n; i++ {
		raw64 := binary.LittleEndian.Uint64(body[i*8 : i*8+8])
		mark := FilterMark(raw64)
		if i > 0 && mark.Addr() <= prevAddr {
			return nil, &ErrCorrupt{Reason: "entries not strictly ascending"}
		}
		prevAddr = mark.Addr()
		entries[i] = mark
	}

	return &Map{mode: mode, buildID: buildID, entries: entries}, nil
}

// Mode reports whether the map patches everything (MARK) or only listed
// addresses (FILTER).
func (m *Map) Mode() Mode { return m.mode }

// BuildIDHash returns the SipHash-2-4 this map was built against.
func (m *Map) BuildIDHash() uint64 { return m.buildID }

// VerifyBuildID reports whether the map was built for an image whose
// build-id hashes to the given value.
func (m *Map) VerifyBuildID(imageBuildID []byte) bool {
	return m.buildID == SipHash24(imageBuildID)
}

// Check binary-searches the sorted entries for addr, returning its flags
// if present.
func (m *Map) Check(addr uint64) (Flags, bool) {
	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Addr() >= addr
	})
	if i < len(m.entries) && m.entries[i].Addr() == addr {
		return m.entries[i].Flag(), true
	}
	return 0, false
}

// Len reports the number of entries in the map.
func (m *Map) Len() int { return len(m.entries) }

// Builder accumulates (address, flags) pairs and serializes them into a
// filter-map file. Used by the offline `filter` tool (spec.md §4.C,
// §6 "filter -p <obj>").
type Builder struct {
	mode    Mode
	buildID []byte
	dedup   map[uint64]Flags
}

// NewBuilder starts a filter-map build for the given mode and the
// build-id bytes of the target image.
func NewBuilder(mode Mode, imageBuildID []byte) *Builder {
	return &Builder{mode: mode, buildID: imageBuildID, dedup: make(map[uint64]Flags)}
}

// Add records a candidate sled address with its desired flags,
// merging flags if the address was already added (e.g. matched by both
// a literal-name list and a regex).
func (b *Builder) Add(addr uint64, flag Flags) {
	b.dedup[addr] |= flag
}

// Build emits the sorted, deduplicated filter-map file bytes.
func (b *Builder) Build() []byte {
	addrs := make([]uint64, 0, len(b.dedup))
	for a := range b.dedup {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	buf := make([]byte, 0, headerSize+len(addrs)*8)
	buf = append(buf, Magic[:]...)

	var hashBytes, modeBytes [8]byte
	binary.LittleEndian.PutUint64(hashBytes[:], SipHash24(b.buildID))
	binary.LittleEndian.PutUint64(modeBytes[:], uint64(b.mode))
	buf = append(buf, hashBytes[:]...)
	buf = append(buf, modeBytes[:]...)

	var entry [8]byte
	for _, a := range addrs {
		mark := NewFilterMark(a, b.dedup[a])
		binary.LittleEndian.PutUint64(entry[:], uint64(mark))
		buf = append(buf, entry[:]...)
	}
	return buf
}
