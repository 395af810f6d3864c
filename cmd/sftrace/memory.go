package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xyproto/sftrace/internal/memory"
	"github.com/xyproto/sftrace/internal/sled"
	"github.com/xyproto/sftrace/internal/traceformat"
)

// cmdMemory replays a trace through the offline leak analyzer and
// answers flamegraph/plot queries (spec.md §4.I, §6 "memory <trace>
// [-s SYMBOL] --milestone NAME [--flamegraph F|--plot F|--select
// i,j,..]").
func cmdMemory(ctx *CommandContext, args []string) error {
	fs := newFlagSet("memory")
	symbolObj := fs.String("s", "", "object file to resolve function ids against (optional)")
	milestoneName := fs.String("milestone", "", "function name marking a stage boundary")
	flamegraphOut := fs.String("flamegraph", "", "write a flamegraph-format file here")
	plotOut := fs.String("plot", "", "write a plot-format file here")
	fold := fs.Bool("fold", false, "fold plot stages onto a shared x-axis")
	selectFlag := fs.String("select", "", "comma-separated stage indices to restrict flamegraph/plot to")
	verbose := fs.Bool("v", false, "verbose diagnostics")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx.Verbose = *verbose
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: sftrace memory <trace> [-s SYMBOL] --milestone NAME [--flamegraph F|--plot F|--select i,j,..]")
	}
	tracePath := fs.Arg(0)

	f, err := os.Open(tracePath)
	if err != nil {
		return fmt.Errorf("sftrace: open trace %s: %w", tracePath, err)
	}
	defer f.Close()

	// One shared buffered reader for header and events: ReadHeader and
	// traceformat.NewReader both reuse a *bufio.Reader of at least 64 KiB
	// instead of wrapping it again, so no event bytes are lost between them.
	br := bufio.NewReaderSize(f, 64*1024)
	meta, err := traceformat.ReadHeader(br)
	if err != nil {
		return fmt.Errorf("sftrace: %s: %w", tracePath, err)
	}
	if ctx.Verbose {
		fmt.Fprintf(os.Stderr, "sftrace: trace for pid %d, build-id %x\n", meta.Pid, meta.BuildID)
	}

	resolve, milestoneFuncID, err := resolveSymbols(*symbolObj, *milestoneName)
	if err != nil {
		return err
	}

	a := memory.NewAnalyzer(milestoneFuncID)
	if err := a.Ingest(traceformat.NewReader(br)); err != nil {
		return fmt.Errorf("sftrace: ingest %s: %w", tracePath, err)
	}
	for _, d := range a.SplitAndCut() {
		fmt.Fprintln(os.Stderr, "sftrace:", d)
	}

	stages, err := parseSelect(*selectFlag)
	if err != nil {
		return err
	}

	if *flamegraphOut != "" {
		lines := a.Flamegraph(stages, resolve)
		if err := os.WriteFile(*flamegraphOut, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
			return fmt.Errorf("sftrace: write flamegraph %s: %w", *flamegraphOut, err)
		}
	}

	if *plotOut != "" {
		series := a.Plot(*fold)
		var b strings.Builder
		for stage, points := range series {
			if len(stages) > 0 && !containsInt(stages, stage) {
				continue
			}
			for _, p := range points {
				fmt.Fprintf(&b, "%d %d %d\n", stage, p.X, p.LiveBytes)
			}
		}
		if err := os.WriteFile(*plotOut, []byte(b.String()), 0o644); err != nil {
			return fmt.Errorf("sftrace: write plot %s: %w", *plotOut, err)
		}
	}

	if *flamegraphOut == "" && *plotOut == "" {
		_, leaks := a.Analyze()
		fmt.Printf("%d bytes live across %d pointers\n", sumSizes(leaks), len(leaks))
	}

	return nil
}

func sumSizes(leaks map[uint64]uint64) uint64 {
	var total uint64
	for _, sz := range leaks {
		total += sz
	}
	return total
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func parseSelect(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("sftrace: bad --select stage %q: %w", part, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// resolveSymbols builds a best-effort FuncID->name resolver and finds
// the milestone function's FuncID by name, both from a plain ELF symbol
// table — spec.md §10 leaves real DWARF/demangling to an external
// collaborator; this gives `-s SYMBOL` something useful without it.
func resolveSymbols(objPath, milestoneName string) (memory.SymbolResolver, uint32, error) {
	if objPath == "" {
		if milestoneName != "" {
			return nil, 0, fmt.Errorf("sftrace: --milestone requires -s SYMBOL to resolve it to a function id")
		}
		return nil, 0, nil
	}

	names, err := readELFSymbols(objPath)
	if err != nil {
		return nil, 0, err
	}
	img, err := sled.Open(objPath, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("sftrace: open %s: %w", objPath, err)
	}
	defer img.Close()

	// The FuncID a trace event carries is the dense index setup.go
	// assigned, not a raw address; reconstruct the same assignment here
	// by walking descriptors in the same order so FuncID N means the
	// same function it meant during setup. This only lines up when the
	// traced run patched every descriptor (MARK mode, or no filter at
	// all) -- a FILTER-mode run skips addresses and shifts the
	// indices, so this tool can't recover names for it without the
	// filter map that was in effect at trace time.
	funcIDByAddr := make(map[uint64]uint32)
	var next uint32
	_ = img.Iterate(func(e sled.Entry) error {
		if _, ok := funcIDByAddr[e.FuncAddr]; !ok {
			next++
			funcIDByAddr[e.FuncAddr] = next
		}
		return nil
	})

	nameByID := make(map[uint32]string, len(funcIDByAddr))
	var milestoneID uint32
	for addr, id := range funcIDByAddr {
		name := names[addr]
		if name == "" {
			continue
		}
		nameByID[id] = name
		if name == milestoneName {
			milestoneID = id
		}
	}
	if milestoneName != "" && milestoneID == 0 {
		return nil, 0, fmt.Errorf("sftrace: milestone function %q not found in %s", milestoneName, objPath)
	}

	resolve := func(funcID uint32) string {
		if name, ok := nameByID[funcID]; ok {
			return name
		}
		return fmt.Sprintf("func#%d", funcID)
	}
	return resolve, milestoneID, nil
}
