package patch

import (
	"unsafe"

	"github.com/xyproto/sftrace/internal/platform"
)

// patchSizeAMD64 is the fixed 11-byte sled patch: `mov r10, imm32` (2
// prefix bytes + 4-byte immediate) followed by a 1-byte opcode + 4-byte
// rel32 call/jmp (spec.md §4.E).
const patchSizeAMD64 = 11

// patchAMD64 writes bytes [2:11) first, then publishes bytes [0:2)
// ("41 BA", the `mov r10, imm32` prefix) with a release-ordered atomic
// store (spec.md §4.E). Grounded on the teacher's call.go/jmp.go CALL
// rel32 / JMP rel32 encoders, generalized to write straight into a live
// text page instead of appending to a growing buffer.
func patchAMD64(addr uintptr, id uint32, trampoline uintptr, kind Kind) error {
	disp := int64(trampoline) - int64(addr+patchSizeAMD64)
	if disp > int64(1)<<31-1 || disp < -(int64(1)<<31) {
		return ErrDisplacementOutOfRange
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), patchSizeAMD64)

	// buf[2:6]: function id, the immediate operand of `mov r10, imm32`.
	buf[2] = byte(id)
	buf[3] = byte(id >> 8)
	buf[4] = byte(id >> 16)
	buf[5] = byte(id >> 24)

	// buf[6]: opcode. Entry and tail-call CALL (0xE8) so the trampoline
	// can eventually return into the instrumented function; exit JMPs
	// (0xE9) straight out, since the trampoline itself returns to the
	// function's own caller (spec.md §4.E).
	switch kind {
	case KindEntry, KindTailCall:
		buf[6] = 0xE8
	case KindExit:
		buf[6] = 0xE9
	}

	rel32 := uint32(disp)
	buf[7] = byte(rel32)
	buf[8] = byte(rel32 >> 8)
	buf[9] = byte(rel32 >> 16)
	buf[10] = byte(rel32 >> 24)

	logf("amd64 sled@%#x id=%d trampoline=%#x disp=%d kind=%v", addr, id, trampoline, disp, kind)

	// buf[0:2]: "41 BA", the REX.B + `mov r10d, imm32` opcode, published
	// last and atomically (spec.md §4.E).
	publish16(addr, 0x41, 0xBA)
	return nil
}

// SlotAMD64 writes the one-shot 16-byte forwarding stub `jmp
// [rip+1]; int3; <u64 target>` into an exported no-op slot (spec.md
// §4.E "slot patcher", §6 "Slot contract"). Grounded on the teacher's
// pltgot_x64.go indirection-through-a-data-word idiom.
func SlotAMD64(addr uintptr, target uintptr) {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), 16)
	// ff 25 01 00 00 00: jmp qword ptr [rip+1]. The instruction is 6
	// bytes; a +1 displacement lands the indirect load one byte past it,
	// i.e. past the following int3, directly on the 8-byte target.
	buf[0] = 0xFF
	buf[1] = 0x25
	buf[2] = 0x01
	buf[3] = 0x00
	buf[4] = 0x00
	buf[5] = 0x00
	buf[6] = 0xCC // int3, never executed
	t := uint64(target)
	for i := 0; i < 8; i++ {
		buf[7+i] = byte(t >> (8 * i))
	}
	buf[15] = 0xCC // pad to the full 16-byte slot
	logf("amd64 slot@%#x -> %#x", addr, target)
	platform.FlushICache(addr, 16)
}
