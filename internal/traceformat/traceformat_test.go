package traceformat

import (
	"bytes"
	"io"
	"testing"
)

func TestEventRoundtrip(t *testing.T) {
	cases := []Event{
		{Kind: KindEntry, Time: 42, Tid: 1, FuncID: 7},
		{Kind: KindEntry, Time: 42, Tid: 1, FuncID: 7, Args: []byte{1, 2, 3, 4}},
		{Kind: KindExit, Time: 43, Tid: 1, FuncID: 7, ReturnValue: []byte{9, 9}},
		{Kind: KindAlloc, Time: 1, Tid: 2, Alloc: AllocEvent{Size: 8, Align: 8, Ptr: 0x1000}, HasAlloc: true},
		{Kind: KindDealloc, Time: 2, Tid: 2},
	}

	var buf []byte
	for _, c := range cases {
		buf = EncodeEvent(buf, c)
	}

	r := NewReader(bytes.NewReader(buf))
	for i, want := range cases {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("event %d: Next: %v", i, err)
		}
		if got.Kind != want.Kind || got.Time != want.Time || got.Tid != want.Tid || got.FuncID != want.FuncID {
			t.Fatalf("event %d: got %+v want %+v", i, got, want)
		}
		if !bytes.Equal(got.Args, want.Args) {
			t.Fatalf("event %d: args got %v want %v", i, got.Args, want.Args)
		}
		if !bytes.Equal(got.ReturnValue, want.ReturnValue) {
			t.Fatalf("event %d: return value got %v want %v", i, got.ReturnValue, want.ReturnValue)
		}
		if got.HasAlloc != want.HasAlloc || got.Alloc != want.Alloc {
			t.Fatalf("event %d: alloc got %+v want %+v", i, got.Alloc, want.Alloc)
		}
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestHeaderRoundtrip(t *testing.T) {
	meta := Metadata{
		BuildID:  []byte{0xde, 0xad},
		Pid:      1234,
		LoadBase: 0x555500000000,
		Path:     "/usr/bin/traced",
	}

	var buf bytes.Buffer
	if err := WriteHeader(&buf, meta); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	got, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if got.Pid != meta.Pid || got.LoadBase != meta.LoadBase || got.Path != meta.Path {
		t.Fatalf("got %+v want %+v", got, meta)
	}
	if !bytes.Equal(got.BuildID, meta.BuildID) {
		t.Fatalf("build id: got %v want %v", got.BuildID, meta.BuildID)
	}
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("notatraceheader!!!!")
	if _, err := ReadHeader(buf); err == nil {
		t.Fatalf("expected error for bad magic")
	}
}

func TestMalformedEventReportsOffset(t *testing.T) {
	buf := []byte{tagTime} // tag present, no varint bytes follow
	r := NewReader(bytes.NewReader(buf))
	_, err := r.Next()
	var merr *ErrMalformed
	if err == nil {
		t.Fatalf("expected malformed error")
	}
	if !bytesAsMalformed(err, &merr) {
		t.Fatalf("expected *ErrMalformed, got %T: %v", err, err)
	}
	if merr.Offset != 0 {
		t.Fatalf("expected offset 0, got %d", merr.Offset)
	}
}

func bytesAsMalformed(err error, target **ErrMalformed) bool {
	if e, ok := err.(*ErrMalformed); ok {
		*target = e
		return true
	}
	return false
}
