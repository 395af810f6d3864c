package patch

import (
	"sync/atomic"
	"unsafe"

	"github.com/xyproto/sftrace/internal/platform"
)

// patchSizeARM64 is the fixed 7-instruction-word (28-byte) sled patch
// described in spec.md §4.E: `stp x0, x30, [sp, #-16]!` (word 0,
// protecting the real return address from the `bl` below before it
// overwrites x30), `ldr w17, #12` (word 1), `bl <trampoline>` (word 2),
// a branch over the embedded literal (word 3), the FuncID literal
// (word 4), and `ldp x0, x30, [sp], #16` unwinding the just-pushed pair
// (word 5) -- the `bl`'s return address (the instruction after it, word
// 3) lands on the branch-over, which jumps straight to the ldp, so the
// pushed pair is always popped regardless of what the trampoline itself
// does to the stack. Word 6 is a trailing nop.
const patchSizeARM64 = 28

// blRangeBytes is the maximum signed displacement a BL's 26-bit,
// word-scaled immediate can reach: ±128 MiB (spec.md §4.E, §7).
const blRangeBytes = 128 * 1024 * 1024

// patchARM64 writes words [1:7) first, then publishes word 0 with a
// release-ordered 32-bit atomic store, and flushes the i-cache for the
// patched range (spec.md §4.E). Word 0 is a `stp x0, x30, [sp, #-16]!`:
// until it is published, `bl`'s eventual execution would clobber x30
// (the real caller's return address) with nothing saved to restore it
// from, so publishing it last is what makes the patch atomic from a
// concurrently-running thread's point of view -- either it sees the
// sled fully wired (stp present) or the original, unpatched bytes.
// Grounded on the same call/jmp encoder idiom as patchAMD64, adapted to
// AArch64 fixed-width words instead of x86 variable-length opcodes.
func patchARM64(addr uintptr, id uint32, trampoline uintptr, kind Kind) error {
	disp := int64(trampoline) - int64(addr+8)
	if disp > blRangeBytes-1 || disp < -blRangeBytes || disp%4 != 0 {
		return ErrDisplacementOutOfRange
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), patchSizeARM64)

	// word 1 (bytes 4:8): ldr w17, #12 -- a literal-pool load, PC-relative
	// to this instruction's own address, reaching the FuncID literal at
	// bytes 16:20 (4+12=16) into w17, the register the trampoline reads
	// the FuncID from (spec.md §4.D: "R17 already holds the packed
	// FuncID").
	const ldrW17Imm12 = uint32(0x18000000) | (3 << 5) | 17
	putLE32(buf[4:8], ldrW17Imm12)

	// word 2 (bytes 8:12): BL <trampoline>. Opcode 100101 + imm26. The
	// displacement above is relative to this word's own address
	// (addr+8), matching where the bl is actually written.
	imm26 := uint32(disp/4) & 0x03FFFFFF
	bl := uint32(0x94000000) | imm26
	putLE32(buf[8:12], bl)

	// word 3 (bytes 12:16): unconditional B over the embedded literal
	// (word 4), landing on the ldp at word 5, so straight-line execution
	// that isn't the trampoline's `ldr` never decodes the literal as an
	// instruction.
	putLE32(buf[12:16], 0x14000002) // b +8 (skip exactly one word)

	// word 4 (bytes 16:20): the packed FuncID literal `ldr w17, #12`
	// loads (a 32-bit load, so no padding word is needed).
	putLE32(buf[16:20], id)

	// word 5 (bytes 20:24): ldp x0, x30, [sp], #16 -- pops the pair word
	// 0's stp pushed, restoring x30 to the real caller's return address
	// before execution falls through into the rest of the function.
	putLE32(buf[20:24], 0xa8c17be0)

	// word 6 (bytes 24:28): reserved/padding word completing the fixed
	// 28-byte patch footprint.
	putLE32(buf[24:28], 0xd503201f) // nop

	logf("arm64 sled@%#x id=%d trampoline=%#x disp=%d kind=%v", addr, id, trampoline, disp, kind)

	// word 0 (bytes 0:4): stp x0, x30, [sp, #-16]! -- pushes x0 and the
	// real return address out of x30's way before the bl above
	// overwrites it. Published last and atomically (spec.md §4.E).
	const stpX0X30PreDec16 = uint32(0xa9bf7be0)
	atomicPublishWord(addr, stpX0X30PreDec16)

	platform.FlushICache(addr, patchSizeARM64)
	return nil
}

func putLE32(b []byte, v uint32) {
	_ = b[3]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// atomicPublishWord stores a single 32-bit instruction word with
// release-ordered semantics (spec.md §4.E: "publish word 0 ... with a
// release-ordered 32-bit atomic store").
func atomicPublishWord(addr uintptr, word uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(addr)), word)
	platform.StoreBarrier()
}

// SlotARM64 writes the one-shot 16-byte forwarding stub `ldr x16, #8;
// br x16; <u64 target>` into an exported no-op slot (spec.md §4.E "slot
// patcher"). Grounded on the teacher's pltgot_aarch64.go GOT-indirection
// idiom.
func SlotARM64(addr uintptr, target uintptr) {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), 16)
	putLE32(buf[0:4], 0x58000050)  // ldr x16, #8 (imm19=2 -> pc+8)
	putLE32(buf[4:8], 0xd61f0200)  // br x16
	t := uint64(target)
	for i := 0; i < 8; i++ {
		buf[8+i] = byte(t >> (8 * i))
	}
	logf("arm64 slot@%#x -> %#x", addr, target)
	platform.FlushICache(addr, 16)
}
