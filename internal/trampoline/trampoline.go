// Package trampoline holds the hand-written, architecture-specific
// "naked" routines a patched sled calls into: they save every
// caller-saved register the ABI lets user code assume survives the
// sled, call the recorder, and restore state (spec.md §4.D). Go
// assembly functions already have no implicit prologue, making them the
// direct equivalent of the spec's "naked routine". No example repo in
// the pack ships hand-written .s files to ground this on, so register
// lists and block sizes follow spec.md §4.D exactly instead.
package trampoline

import (
	"reflect"

	"github.com/xyproto/sftrace/internal/recorder"
	"github.com/xyproto/sftrace/internal/sled"
)

func funcIDOf(id uint32) sled.FuncID { return sled.FuncID(id) }

// entryTrampoline, exitTrampoline and tailCallTrampoline are implemented
// in trampoline_amd64.s / trampoline_arm64.s. They have no Go body and
// are never called through a normal Go call site — entryPointOf reads
// their entry PC so internal/patch can emit a CALL/JMP/BL directly to
// that address (spec.md §4.E).
func entryTrampoline()
func exitTrampoline()
func tailCallTrampoline()

// EntryAddr, ExitAddr and TailCallAddr return the code addresses the
// patcher should branch to for each sled kind.
func EntryAddr() uintptr    { return entryPointOf(entryTrampoline) }
func ExitAddr() uintptr     { return entryPointOf(exitTrampoline) }
func TailCallAddr() uintptr { return entryPointOf(tailCallTrampoline) }

func entryPointOf(fn interface{}) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// dispatchEntryAMD64 is called by entryTrampoline once the sled's
// caller-saved registers have been spilled to the stack. id is unpacked
// from the scratch register the patcher encoded into the sled (spec.md
// §4.D step 4); regs points at the in-progress stack frame's saved
// register block, which dispatch must copy out of before returning
// (recorder.RecordEntry does this via rawBytes).
func dispatchEntryAMD64(id uint32, regs *recorder.ArgsAMD64) {
	recorder.RecordEntry(funcIDOf(id), regs)
}

func dispatchExitAMD64(id uint32, regs *recorder.ReturnAMD64) {
	recorder.RecordExit(funcIDOf(id), regs)
}

// dispatchTailCallAMD64 is called by tailCallTrampoline; a tail call is
// its own wire event kind but counts as an EXIT for call-balance
// purposes (spec.md §8).
func dispatchTailCallAMD64(id uint32, regs *recorder.ArgsAMD64) {
	recorder.RecordTailCall(funcIDOf(id), regs)
}

func dispatchEntryARM64(id uint32, regs *recorder.ArgsARM64) {
	recorder.RecordEntry(funcIDOf(id), regs)
}

func dispatchExitARM64(id uint32, regs *recorder.ReturnARM64) {
	recorder.RecordExit(funcIDOf(id), regs)
}

func dispatchTailCallARM64(id uint32, regs *recorder.ArgsARM64) {
	recorder.RecordTailCall(funcIDOf(id), regs)
}
