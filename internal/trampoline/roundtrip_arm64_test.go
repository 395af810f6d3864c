package trampoline

import (
	"testing"

	"github.com/xyproto/sftrace/internal/recorder"
)

// runEntryRoundTrip, runTailCallRoundTrip and runExitRoundTrip are
// implemented in roundtrip_arm64_test.s. Each loads regs into the real
// register file exactly the way a patched sled's bl would find them,
// invokes the corresponding trampoline, and writes the post-return
// register file back into the same struct -- so a correctly
// implemented trampoline is the identity on regs, and any register it
// clobbers shows up as a mismatch.
func runEntryRoundTrip(regs *recorder.ArgsARM64)
func runTailCallRoundTrip(regs *recorder.ArgsARM64)
func runExitRoundTrip(ret *recorder.ReturnARM64)

func seedArgsARM64() *recorder.ArgsARM64 {
	regs := &recorder.ArgsARM64{
		X:   [8]uint64{0x1000, 0x2000, 0x3000, 0x4000, 0x5000, 0x6000, 0x7000, 0x8000},
		X30: 0x3030303030303030,
		X8:  0x8888888888888888,
	}
	for i := range regs.Q {
		for j := range regs.Q[i] {
			regs.Q[i][j] = byte(i*16 + j)
		}
	}
	return regs
}

func TestEntryTrampolinePreservesRegistersARM64(t *testing.T) {
	want := seedArgsARM64()
	got := *want
	runEntryRoundTrip(&got)
	if got != *want {
		t.Fatalf("entryTrampoline did not preserve registers:\n got  %+v\n want %+v", got, *want)
	}
}

func TestTailCallTrampolinePreservesRegistersARM64(t *testing.T) {
	want := seedArgsARM64()
	got := *want
	runTailCallRoundTrip(&got)
	if got != *want {
		t.Fatalf("tailCallTrampoline did not preserve registers:\n got  %+v\n want %+v", got, *want)
	}
}

func TestExitTrampolinePreservesRegistersARM64(t *testing.T) {
	want := &recorder.ReturnARM64{
		X:      [8]uint64{0x1000, 0x2000, 0x3000, 0x4000, 0x5000, 0x6000, 0x7000, 0x8000},
		X30:    0x3030303030303030,
		X8:     0x8888888888888888,
		X9To16: [8]uint64{9, 10, 11, 12, 13, 14, 15, 16},
	}
	for i := range want.Q {
		for j := range want.Q[i] {
			want.Q[i][j] = byte(i*16 + j)
		}
	}
	got := *want
	runExitRoundTrip(&got)
	if got != *want {
		t.Fatalf("exitTrampoline did not preserve registers:\n got  %+v\n want %+v", got, *want)
	}
}
