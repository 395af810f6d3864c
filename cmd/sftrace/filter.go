package main

import (
	"debug/elf"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/xyproto/sftrace/internal/filtermap"
	"github.com/xyproto/sftrace/internal/sled"
)

// cmdFilter builds a filter-map file from an on-disk object's symbol
// table and sled descriptors (spec.md §4.C "when building a filter file
// (offline tool): collect candidate function addresses by name (literal
// list, regex...) using the image's own symbol table").
func cmdFilter(ctx *CommandContext, args []string) error {
	fs := newFlagSet("filter")
	objPath := fs.String("p", "", "path to the instrumented object or executable")
	listPath := fs.String("list", "", "file of newline-separated function names")
	regex := fs.String("r", "", "regex matched against function names")
	out := fs.String("o", "", "output filter-map path")
	mark := fs.Bool("mark", false, "build in MARK mode instead of FILTER mode")
	verbose := fs.Bool("v", false, "verbose diagnostics")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx.Verbose = *verbose
	if *objPath == "" || *out == "" {
		return fmt.Errorf("usage: sftrace filter -p <obj> [--list F|-r REGEX] -o <map>")
	}

	names, err := loadNameSet(*listPath)
	if err != nil {
		return err
	}
	var re *regexp.Regexp
	if *regex != "" {
		re, err = regexp.Compile(*regex)
		if err != nil {
			return fmt.Errorf("sftrace: bad -r regex: %w", err)
		}
	}

	symtab, err := readELFSymbols(*objPath)
	if err != nil {
		return err
	}

	// Offline analysis of an on-disk object: there is no runtime load
	// base yet, so addresses stay file-relative (loadBase 0).
	img, err := sled.Open(*objPath, 0)
	if err != nil {
		return fmt.Errorf("sftrace: open %s: %w", *objPath, err)
	}
	defer img.Close()

	mode := filtermap.ModeFilter
	if *mark {
		mode = filtermap.ModeMark
	}
	b := filtermap.NewBuilder(mode, img.BuildID())

	matched := 0
	err = img.Iterate(func(e sled.Entry) error {
		name, ok := symtab[e.FuncAddr]
		if !ok {
			return nil
		}
		if !nameMatches(name, names, re) {
			return nil
		}
		matched++
		b.Add(e.SledAddr, filtermap.FlagLog)
		return nil
	})
	if err != nil {
		return fmt.Errorf("sftrace: walk sleds: %w", err)
	}
	if ctx.Verbose {
		fmt.Fprintf(os.Stderr, "sftrace: filter: %d sleds matched out of %d\n", matched, img.Count())
	}

	return os.WriteFile(*out, b.Build(), 0o644)
}

// nameMatches reports whether name is selected by either an explicit
// name set or a regex; an empty selector matches everything, letting a
// bare `sftrace filter -p obj -o map` mark every resolved symbol.
func nameMatches(name string, names map[string]bool, re *regexp.Regexp) bool {
	if len(names) == 0 && re == nil {
		return true
	}
	if names[name] {
		return true
	}
	if re != nil && re.MatchString(name) {
		return true
	}
	return false
}

func loadNameSet(listPath string) (map[string]bool, error) {
	if listPath == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(listPath)
	if err != nil {
		return nil, fmt.Errorf("sftrace: read --list %s: %w", listPath, err)
	}
	names := make(map[string]bool)
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names[line] = true
		}
	}
	return names, nil
}

// readELFSymbols maps every function-typed symbol's value to its name.
// Mach-O objects don't carry the same flat symbol-table shape; the
// filter subcommand is ELF-only today (spec.md's sled reader already
// supports both formats, but symbol-name selection only needs to work
// on the platforms a filter map is actually built on).
func readELFSymbols(path string) (map[uint64]string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sftrace: open ELF %s: %w", path, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		// Stripped binaries have no .symtab; fall back to dynamic symbols.
		syms, err = f.DynamicSymbols()
		if err != nil {
			return nil, fmt.Errorf("sftrace: %s has no symbol table: %w", path, err)
		}
	}

	out := make(map[uint64]string, len(syms))
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Name != "" {
			out[s.Value] = s.Name
		}
	}
	return out, nil
}
