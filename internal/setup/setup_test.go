package setup

import "testing"

func TestParseMapsLine(t *testing.T) {
	line := "7f1234500000-7f1234520000 r-xp 00000000 08:01 131074                    /lib/x86_64-linux-gnu/libtarget.so"
	m, ok := parseMapsLine(line)
	if !ok {
		t.Fatalf("expected line to parse")
	}
	if m.start != 0x7f1234500000 || m.end != 0x7f1234520000 {
		t.Fatalf("unexpected range %#x-%#x", m.start, m.end)
	}
	if m.perms != "r-xp" {
		t.Fatalf("unexpected perms %q", m.perms)
	}
	if m.path != "/lib/x86_64-linux-gnu/libtarget.so" {
		t.Fatalf("unexpected path %q", m.path)
	}
}

func TestParseMapsLineAnonymous(t *testing.T) {
	m, ok := parseMapsLine("600000000000-600000021000 rw-p 00000000 00:00 0")
	if !ok {
		t.Fatalf("expected anonymous line to parse")
	}
	if m.path != "" {
		t.Fatalf("expected empty path, got %q", m.path)
	}
}

func TestFindOwningLibrary(t *testing.T) {
	maps := []mapping{
		{start: 0x1000, end: 0x2000, perms: "r-xp", path: "/lib/libtarget.so"},
		{start: 0x2000, end: 0x3000, perms: "r--p", path: "/lib/libtarget.so"},
		{start: 0x5000, end: 0x6000, perms: "rw-p", path: ""},
	}
	path, loadBase, err := findOwningLibrary(maps, 0x1500)
	if err != nil {
		t.Fatalf("findOwningLibrary: %v", err)
	}
	if path != "/lib/libtarget.so" || loadBase != 0x1000 {
		t.Fatalf("got path=%q loadBase=%#x", path, loadBase)
	}

	if _, _, err := findOwningLibrary(maps, 0x5500); err == nil {
		t.Fatalf("expected error for anonymous-only mapping")
	}
}

func TestFindExecSegment(t *testing.T) {
	maps := []mapping{
		{start: 0x1000, end: 0x2000, perms: "r-xp", path: "/lib/libtarget.so"},
		{start: 0x2000, end: 0x3000, perms: "r--p", path: "/lib/libtarget.so"},
	}
	start, end, err := findExecSegment(maps, "/lib/libtarget.so", 0x1800)
	if err != nil {
		t.Fatalf("findExecSegment: %v", err)
	}
	if start != 0x1000 || end != 0x2000 {
		t.Fatalf("got %#x-%#x", start, end)
	}

	if _, _, err := findExecSegment(maps, "/lib/libtarget.so", 0x2800); err == nil {
		t.Fatalf("expected error: 0x2800 is not in an executable mapping")
	}
}

func TestFuncIDAssignerReusesIndexForSameAddress(t *testing.T) {
	a := newFuncIDAssigner()
	id1 := a.indexFor(0xdead)
	id2 := a.indexFor(0xbeef)
	id3 := a.indexFor(0xdead)
	if id1 != 1 || id2 != 2 {
		t.Fatalf("expected dense 1-based indices, got %d %d", id1, id2)
	}
	if id3 != id1 {
		t.Fatalf("expected same function address to reuse its index, got %d vs %d", id3, id1)
	}
}
