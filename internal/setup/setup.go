// Package setup implements the once-only process orchestrator: locate
// the instrumented binary via its exported no-op slots, open the trace
// file, decide per-sled patch flags from an optional filter map, unlock
// and patch the text segment, then patch the slots themselves (spec.md
// §4.G). Grounded on the teacher's (xyproto/c67) cli.go command-context
// shape — a struct threaded through ordered steps — generalized from
// "parse CLI args and dispatch a subcommand" to "read env config and run
// a fixed init sequence once", and on its use of
// github.com/xyproto/env/v2 for typed environment lookups instead of
// raw os.Getenv.
package setup

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/xyproto/env/v2"

	"github.com/xyproto/sftrace/internal/filtermap"
	"github.com/xyproto/sftrace/internal/patch"
	"github.com/xyproto/sftrace/internal/platform"
	"github.com/xyproto/sftrace/internal/recorder"
	"github.com/xyproto/sftrace/internal/sled"
	"github.com/xyproto/sftrace/internal/traceformat"
	"github.com/xyproto/sftrace/internal/trampoline"
)

// VerboseMode mirrors the teacher's package-level stderr tracing switch.
var VerboseMode bool

const (
	envOutputFile = "SFTRACE_OUTPUT_FILE"
	envFilter     = "SFTRACE_FILTER"
)

// Slots are the five exported no-op routine addresses the instrumented
// binary passes to sftrace_setup (spec.md §6 "Slot contract"). LogSlots
// are the "capture args" variants; TailCall has none since tail calls
// don't have a logging variant in the wire format.
type Slots struct {
	EntrySlot    uintptr
	EntryLogSlot uintptr
	ExitSlot     uintptr
	ExitLogSlot  uintptr
	TailCallSlot uintptr
}

var (
	once    sync.Once
	initErr error
)

// Run performs the one-time setup sequence (spec.md §4.G). Safe to call
// more than once; only the first call does any work. A nil return with
// tracing left disabled is not an error — it's the expected outcome
// when SFTRACE_OUTPUT_FILE is unset.
func Run(slots Slots) error {
	once.Do(func() {
		initErr = run(slots)
	})
	return initErr
}

func run(slots Slots) error {
	// Step 1: tracing is opt-in via environment variable.
	outputPath := env.Str(envOutputFile, "")
	if outputPath == "" {
		logf("%s unset, tracing disabled", envOutputFile)
		return nil
	}

	maps, err := readSelfMaps()
	if err != nil {
		return err
	}

	// Step 2: the instrumented binary is whichever mapped library
	// contains the entry slot's address.
	libPath, loadBase, err := findOwningLibrary(maps, slots.EntrySlot)
	if err != nil {
		return err
	}
	logf("instrumented binary: %s (load base %#x)", libPath, loadBase)

	// Step 3: open and parse the image, locate xray_instr_map + build-id.
	img, err := sled.Open(libPath, uint64(loadBase))
	if errors.Is(err, sled.ErrNoInstrMap) {
		logf("%s has no %s section, nothing to patch", libPath, sled.SectionName)
		return nil
	}
	if err != nil {
		return fmt.Errorf("setup: open image %s: %w", libPath, err)
	}
	defer img.Close()

	// Step 4: optional filter map, build-id checked against the image.
	var fm *filtermap.Map
	if filterPath := env.Str(envFilter, ""); filterPath != "" {
		fm, err = loadFilterMap(filterPath, img.BuildID())
		if err != nil {
			return err
		}
	}

	// Step 5: page-align the executable segment containing the slots.
	segStart, segEnd, err := findExecSegment(maps, libPath, slots.EntrySlot)
	if err != nil {
		return err
	}
	alignedStart := platform.AlignDown(segStart)
	alignedLen := platform.AlignUp(segEnd - segStart + (segStart - alignedStart))

	// Step 6: exclusive-create the output file and write the header.
	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		panic(fmt.Sprintf("setup: create output file %s: %v", outputPath, err))
	}
	meta := traceformat.Metadata{
		BuildID:  img.BuildID(),
		Pid:      uint32(os.Getpid()),
		LoadBase: uint64(loadBase),
		Path:     libPath,
	}
	if err := traceformat.WriteHeader(f, meta); err != nil {
		panic(fmt.Sprintf("setup: write trace header: %v", err))
	}
	recorder.SetOutput(f)

	// Step 7+8: scoped unlock, then patch every sled.
	if err := patchSleds(img, fm, alignedStart, alignedLen); err != nil {
		return err
	}

	// Step 9: patch the slots themselves, now that the unlock scope for
	// the sleds has ended — slots may or may not share the same page.
	patchSlots(img.Arch(), slots)

	// Step 10: enable the allocator hook.
	recorder.Enable()

	// Step 11: a shutdown callback. Go has no atexit hook the way a
	// native destructor chain does; cmd/libsftrace exports a teardown
	// entry point that calls Shutdown for the process-exit path, and
	// recorder.Shutdown sweeps every thread this process has recorded
	// from (spec.md §9's discussion of the destructor-model adaptation).
	return nil
}

// Shutdown flushes every known thread's recorder buffer. Exposed so
// cmd/libsftrace's teardown export can run the process-exit step
// described in spec.md §4.G step 11.
func Shutdown() {
	recorder.Shutdown()
}

func loadFilterMap(path string, imageBuildID []byte) (*filtermap.Map, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("setup: read filter map %s: %w", path, err)
	}
	fm, err := filtermap.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("setup: parse filter map %s: %w", path, err)
	}
	if !fm.VerifyBuildID(imageBuildID) {
		return nil, fmt.Errorf("setup: filter map build-id mismatch for %s (map hash %#x)", path, fm.BuildIDHash())
	}
	return fm, nil
}

// patchSleds unlocks [start, start+length), walks every descriptor in
// img, and dispatches each to the patcher (spec.md §4.G steps 7-8).
func patchSleds(img *sled.Image, fm *filtermap.Map, start, length uintptr) error {
	unlock := platform.Unlock(start, length)
	defer unlock.Close()
	if err := unlock.Err(); err != nil {
		return err
	}

	funcIDs := newFuncIDAssigner()

	return img.Iterate(func(e sled.Entry) error {
		flag := sled.FlagLog
		patchIt := true
		if fm != nil {
			// Filter maps hold file-relative addresses (built with load base 0).
			relAddr := e.SledAddr - img.LoadBase()
			switch fm.Mode() {
			case filtermap.ModeFilter:
				fmFlag, ok := fm.Check(relAddr)
				if !ok {
					patchIt = false
				} else {
					flag = sled.Flags(fmFlag)
				}
			case filtermap.ModeMark:
				if fmFlag, ok := fm.Check(relAddr); ok {
					flag = sled.Flags(fmFlag)
				} else {
					flag = 0
				}
			}
		} else {
			flag = 0
		}
		if !patchIt {
			return nil
		}

		id := sled.NewFuncID(funcIDs.indexFor(e.FuncAddr), flag)

		var kind patch.Kind
		var trampolineAddr uintptr
		switch e.Descriptor.Kind {
		case sled.KindEntry:
			kind, trampolineAddr = patch.KindEntry, trampoline.EntryAddr()
		case sled.KindExit:
			kind, trampolineAddr = patch.KindExit, trampoline.ExitAddr()
		case sled.KindTailCall:
			kind, trampolineAddr = patch.KindTailCall, trampoline.TailCallAddr()
		default:
			logf("descriptor %d has unknown kind %v, skipping", e.Index, e.Descriptor.Kind)
			return nil
		}

		if err := patch.Sled(img.Arch(), uintptr(e.SledAddr), uint32(id), trampolineAddr, kind); err != nil {
			return fmt.Errorf("setup: patch sled %d at %#x: %w", e.Index, e.SledAddr, err)
		}
		return nil
	})
}

// patchSlots overwrites each of the five exported no-op routines with a
// forwarding stub to the matching in-process trampoline (spec.md §4.G
// step 9, §4.E "slot patcher"). The log-capturing slots still forward to
// the same trampoline as their non-logging counterpart — whether a
// given call site captures arguments is decided per-FuncID by the
// sled's own LOG flag, not by which slot it called through; the two log
// slots exist so the instrumented binary can route calls compiled with
// logging intent without recompiling against a different tracer.
func patchSlots(arch sled.Arch, slots Slots) {
	targets := []struct {
		addr       uintptr
		trampoline uintptr
	}{
		{slots.EntrySlot, trampoline.EntryAddr()},
		{slots.EntryLogSlot, trampoline.EntryAddr()},
		{slots.ExitSlot, trampoline.ExitAddr()},
		{slots.ExitLogSlot, trampoline.ExitAddr()},
		{slots.TailCallSlot, trampoline.TailCallAddr()},
	}
	for _, t := range targets {
		if t.addr == 0 {
			continue
		}
		switch arch {
		case sled.ArchAMD64:
			patch.SlotAMD64(t.addr, t.trampoline)
		case sled.ArchARM64:
			patch.SlotARM64(t.addr, t.trampoline)
		}
	}
}

func logf(format string, args ...interface{}) {
	if VerboseMode {
		fmt.Fprintf(os.Stderr, "setup: "+format+"\n", args...)
	}
}
