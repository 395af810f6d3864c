// Package patch rewrites sled nops into a call/jump to the matching
// trampoline, encoding the patched function's id in a scratch register
// (spec.md §4.E). Grounded on the teacher's (xyproto/c67) raw
// instruction encoders — call.go (CALL rel32), jmp.go (JMP rel32),
// mov_x86_64.go (register-immediate moves) and atomic.go (LOCK-prefixed
// read-modify-write) — generalized from "append bytes to a growing
// section buffer" to "write bytes directly into a live, unlocked text
// page and publish them with a release-ordered atomic store".
package patch

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/xyproto/sftrace/internal/platform"
	"github.com/xyproto/sftrace/internal/sled"
)

// VerboseMode mirrors the teacher's package-level stderr tracing switch.
var VerboseMode bool

// ErrDisplacementOutOfRange is returned when a trampoline is too far
// from a sled for the architecture's branch-displacement encoding to
// reach it (spec.md §4.E, §7: "AArch64 BL displacement out of ±128 MiB
// -> hard error").
var ErrDisplacementOutOfRange = fmt.Errorf("patch: trampoline displacement out of range")

// Kind selects which instruction the patch ends in: entry and
// tail-call sleds call the trampoline (so it can eventually return to
// the instrumented function's own body); exit sleds jump to it (the
// trampoline returns straight to the instrumented function's caller).
type Kind int

const (
	KindEntry Kind = iota
	KindExit
	KindTailCall
)

// Sled patches one sled at absolute address addr to branch to
// trampoline, encoding id as the scratch-register immediate. addr must
// already be inside a platform.TextUnlock'd region. On amd64 the sled
// is 11 bytes; on arm64 it is 7 instruction words (28 bytes).
func Sled(arch sled.Arch, addr uintptr, id uint32, trampoline uintptr, kind Kind) error {
	switch arch {
	case sled.ArchAMD64:
		return patchAMD64(addr, id, trampoline, kind)
	case sled.ArchARM64:
		return patchARM64(addr, id, trampoline, kind)
	default:
		return fmt.Errorf("patch: unsupported arch %v", arch)
	}
}

func logf(format string, args ...interface{}) {
	if VerboseMode {
		fmt.Fprintf(os.Stderr, "patch: "+format+"\n", args...)
	}
}

// publish16 stores the first two bytes of an amd64 patch with
// release-ordered semantics (spec.md §4.E: "publish the first two bytes
// ... with a release-ordered atomic 16-bit store"). Go's sync/atomic has
// no native 16-bit primitive. The caller has already written bytes
// [2..11) of the 11-byte patch (including the two bytes immediately
// following b0, b1), so this reads those two already-final bytes back
// with a plain load — no other writer ever touches them — and issues a
// single atomic 32-bit store covering all four bytes. Any reader either
// observes the pre-patch word or this exact post-patch word; it can
// never observe a mix of old and new bytes within that word.
func publish16(addr uintptr, b0, b1 byte) {
	tail := *(*[2]byte)(unsafe.Pointer(addr + 2))
	word := uint32(b0) | uint32(b1)<<8 | uint32(tail[0])<<16 | uint32(tail[1])<<24
	atomic.StoreUint32((*uint32)(unsafe.Pointer(addr)), word)
	platform.StoreBarrier()
	platform.FlushICache(addr, 4)
}
