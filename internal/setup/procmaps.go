package setup

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// mapping is one /proc/self/maps line: an address range, its
// permissions, and the backing file path (empty for anonymous
// mappings).
type mapping struct {
	start, end uintptr
	perms      string
	path       string
}

// readSelfMaps parses /proc/self/maps (spec.md §4.G step 2: "Enumerate
// loaded shared libraries"). Grounded on the teacher's parallel_unix.go,
// which scans /proc/cpuinfo line-by-line with bufio.Scanner for a
// similar single-purpose /proc read.
func readSelfMaps() ([]mapping, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("setup: open /proc/self/maps: %w", err)
	}
	defer f.Close()

	var out []mapping
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m, ok := parseMapsLine(sc.Text())
		if ok {
			out = append(out, m)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("setup: scan /proc/self/maps: %w", err)
	}
	return out, nil
}

// parseMapsLine parses one line of the form:
//
//	7f1234500000-7f1234520000 r-xp 00000000 08:01 131074  /lib/x86_64-linux-gnu/libc.so.6
func parseMapsLine(line string) (mapping, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return mapping{}, false
	}
	rng := strings.SplitN(fields[0], "-", 2)
	if len(rng) != 2 {
		return mapping{}, false
	}
	start, err := strconv.ParseUint(rng[0], 16, 64)
	if err != nil {
		return mapping{}, false
	}
	end, err := strconv.ParseUint(rng[1], 16, 64)
	if err != nil {
		return mapping{}, false
	}
	path := ""
	if len(fields) >= 6 {
		path = fields[5]
	}
	return mapping{start: uintptr(start), end: uintptr(end), perms: fields[1], path: path}, true
}

// findOwningLibrary returns the path and lowest mapped start address
// (the image's load base) of the backed mapping whose range contains
// addr (spec.md §4.G step 2: "test whether the address of a known slot
// symbol lies in its address range").
func findOwningLibrary(maps []mapping, addr uintptr) (path string, loadBase uintptr, err error) {
	for _, m := range maps {
		if m.path == "" || strings.HasPrefix(m.path, "[") {
			continue
		}
		if addr >= m.start && addr < m.end {
			path = m.path
			break
		}
	}
	if path == "" {
		return "", 0, fmt.Errorf("setup: no mapped library contains address %#x", addr)
	}

	loadBase = ^uintptr(0)
	for _, m := range maps {
		if m.path == path && m.start < loadBase {
			loadBase = m.start
		}
	}
	return path, loadBase, nil
}

// findExecSegment returns the page-aligned [start, end) of the
// executable mapping for path that contains addr (spec.md §4.G step 5:
// "Find the executable segment containing the slot symbol").
func findExecSegment(maps []mapping, path string, addr uintptr) (uintptr, uintptr, error) {
	for _, m := range maps {
		if m.path != path || !strings.Contains(m.perms, "x") {
			continue
		}
		if addr >= m.start && addr < m.end {
			return m.start, m.end, nil
		}
	}
	return 0, 0, fmt.Errorf("setup: no executable segment in %s contains %#x", path, addr)
}
