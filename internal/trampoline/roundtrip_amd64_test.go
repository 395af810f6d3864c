package trampoline

import (
	"testing"

	"github.com/xyproto/sftrace/internal/recorder"
)

// runEntryRoundTrip, runTailCallRoundTrip and runExitRoundTrip are
// implemented in roundtrip_amd64_test.s. Each loads regs into the real
// register file exactly the way a patched sled's call/jmp would find
// them, invokes the corresponding trampoline, and writes the
// post-return register file back into the same struct -- so a
// correctly-implemented trampoline is the identity on regs, and any
// register it clobbers shows up as a mismatch.
func runEntryRoundTrip(regs *recorder.ArgsAMD64)
func runTailCallRoundTrip(regs *recorder.ArgsAMD64)
func runExitRoundTrip(ret *recorder.ReturnAMD64)

func seedArgsAMD64() *recorder.ArgsAMD64 {
	regs := &recorder.ArgsAMD64{
		R11: 0x1111111111111111,
		R10: 0x1010101010101010,
		R9:  0x9999999999999999,
		R8:  0x8888888888888888,
		RCX: 0xC1C1C1C1C1C1C1C1,
		RSI: 0x5151515151515151,
		RDX: 0xD2D2D2D2D2D2D2D2,
		RAX: 0xAAAAAAAAAAAAAAAA,
		RDI: 0xD1D1D1D1D1D1D1D1,
	}
	for i := range regs.XMM {
		for j := range regs.XMM[i] {
			regs.XMM[i][j] = byte(i*16 + j)
		}
	}
	return regs
}

func TestEntryTrampolinePreservesRegistersAMD64(t *testing.T) {
	want := seedArgsAMD64()
	got := *want
	runEntryRoundTrip(&got)
	if got != *want {
		t.Fatalf("entryTrampoline did not preserve registers:\n got  %+v\n want %+v", got, *want)
	}
}

func TestTailCallTrampolinePreservesRegistersAMD64(t *testing.T) {
	want := seedArgsAMD64()
	got := *want
	runTailCallRoundTrip(&got)
	if got != *want {
		t.Fatalf("tailCallTrampoline did not preserve registers:\n got  %+v\n want %+v", got, *want)
	}
}

func TestExitTrampolinePreservesReturnValueAMD64(t *testing.T) {
	want := &recorder.ReturnAMD64{RAX: 0xAAAAAAAAAAAAAAAA, RDX: 0xD2D2D2D2D2D2D2D2}
	for i := range want.XMM0 {
		want.XMM0[i] = byte(i)
		want.XMM1[i] = byte(i + 16)
	}
	got := *want
	runExitRoundTrip(&got)
	if got != *want {
		t.Fatalf("exitTrampoline did not preserve the return value:\n got  %+v\n want %+v", got, *want)
	}
}
