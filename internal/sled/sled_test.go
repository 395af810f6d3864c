package sled

import (
	"encoding/binary"
	"testing"
)

func encodeDescriptor(sledOff, funcOff int64, kind Kind, always bool, version uint8) []byte {
	buf := make([]byte, DescriptorSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(sledOff))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(funcOff))
	buf[16] = byte(kind)
	if always {
		buf[17] = 1
	}
	buf[18] = version
	return buf
}

func TestFuncIDRoundtrip(t *testing.T) {
	cases := []struct {
		index uint32
		flag  Flags
	}{
		{1, FlagLog},
		{2, 0},
		{0xffffff, FlagLog},
		{0, 0},
	}
	for _, c := range cases {
		id := NewFuncID(c.index, c.flag)
		if id.Index() != c.index {
			t.Errorf("index: got %d want %d", id.Index(), c.index)
		}
		if id.Flag() != c.flag {
			t.Errorf("flag: got %v want %v", id.Flag(), c.flag)
		}
	}
}

func TestIteratePacksAbsoluteAddresses(t *testing.T) {
	var sect []byte
	sect = append(sect, encodeDescriptor(0x20, 0x10, KindEntry, true, SupportedVersion)...)
	sect = append(sect, encodeDescriptor(0x8, 0x4, KindExit, false, SupportedVersion)...)
	// unsupported version, must be skipped
	sect = append(sect, encodeDescriptor(0x1, 0x1, KindEntry, false, 1)...)

	img := &Image{
		loadBase: 0x1000,
		sectAddr: 0x2000,
		sectData: sect,
		arch:     ArchARM64,
	}

	var got []Entry
	if err := img.Iterate(func(e Entry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("Iterate: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 entries (one skipped), got %d", len(got))
	}

	sectionBase := uint64(0x1000 + 0x2000)
	if got[0].SledAddr != sectionBase+0+0x20 {
		t.Errorf("entry 0 sled addr: got 0x%x", got[0].SledAddr)
	}
	if got[0].FuncAddr != sectionBase+8+0x10 {
		t.Errorf("entry 0 func addr: got 0x%x", got[0].FuncAddr)
	}
	if got[0].Descriptor.Kind != KindEntry || !got[0].Descriptor.AlwaysInstrument {
		t.Errorf("entry 0 descriptor mismatch: %+v", got[0].Descriptor)
	}

	if got[1].Index != 1 {
		t.Errorf("entry 1 index: got %d want 1", got[1].Index)
	}
}

func TestIterateX86FuncFieldSkipsExtraWord(t *testing.T) {
	sect := encodeDescriptor(0x0, 0x0, KindEntry, false, SupportedVersion)
	img := &Image{sectData: sect, arch: ArchAMD64}

	var got Entry
	if err := img.Iterate(func(e Entry) error { got = e; return nil }); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if got.FuncAddr != 16 {
		t.Errorf("x86 func field offset: got func addr %d want 16 (field at byte 16)", got.FuncAddr)
	}
}

func TestParseGNUBuildIDNote(t *testing.T) {
	// namesz=4 ("GNU\0"), descsz=4, type=3
	note := []byte{
		4, 0, 0, 0,
		4, 0, 0, 0,
		3, 0, 0, 0,
		'G', 'N', 'U', 0,
		0xde, 0xad, 0xbe, 0xef,
	}
	got := parseGNUBuildIDNote(note)
	want := []byte{0xde, 0xad, 0xbe, 0xef}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
