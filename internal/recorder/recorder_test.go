package recorder

import (
	"os"
	"sync"
	"testing"

	"github.com/xyproto/sftrace/internal/sled"
)

func TestFlushThreshold(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "trace")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer tmp.Close()

	SetOutput(tmp)
	enabled.Store(true)
	defer enabled.Store(false)

	st := &threadState{tid: 1, bufCap: 64}
	event20 := make([]byte, 20)
	for i := range event20 {
		event20[i] = byte(i + 1)
	}

	var writes [][]byte
	origWriteAll := writeAllFn
	writeAllFn = func(buf []byte) error {
		cp := append([]byte(nil), buf...)
		writes = append(writes, cp)
		return origWriteAll(buf)
	}
	defer func() { writeAllFn = origWriteAll }()

	for i := 0; i < 3; i++ {
		st.mu.Lock()
		if st.pending == nil {
			st.pending = make([]byte, 0, st.bufCap)
		}
		if len(st.pending)+len(event20) > st.bufCap {
			st.flushLocked()
		}
		st.pending = append(st.pending, event20...)
		st.mu.Unlock()
	}
	if len(st.pending) != 60 {
		t.Fatalf("expected 60 bytes pending after 3 events, got %d", len(st.pending))
	}
	if len(writes) != 0 {
		t.Fatalf("expected no flush yet, got %d", len(writes))
	}

	// 4th event would push to 80 bytes, over the 64-byte cap: must flush first.
	st.mu.Lock()
	if len(st.pending)+len(event20) > st.bufCap {
		st.flushLocked()
	}
	st.pending = append(st.pending, event20...)
	st.mu.Unlock()

	if len(writes) != 1 {
		t.Fatalf("expected exactly one flush, got %d", len(writes))
	}
	if len(writes[0]) != 60 {
		t.Fatalf("expected flushed write of 60 bytes, got %d", len(writes[0]))
	}
	if len(st.pending) != 20 {
		t.Fatalf("expected 20 bytes pending after flush+append, got %d", len(st.pending))
	}
}

func TestRecordNoOpWhenDisabled(t *testing.T) {
	enabled.Store(false)
	id := sled.NewFuncID(1, sled.FlagLog)
	// Must not panic even with no output file installed.
	RecordEntry(id, &ArgsAMD64{RDI: 99})
}

func TestRecordEntryExitEndToEnd(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "trace")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer tmp.Close()

	states = sync.Map{}
	SetOutput(tmp)
	enabled.Store(true)
	defer enabled.Store(false)

	id := sled.NewFuncID(3, sled.FlagLog)
	RecordEntry(id, &ArgsAMD64{RDI: 42})
	RecordExit(id, &ReturnAMD64{RAX: 7})
	Shutdown()

	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected flushed bytes on disk")
	}
}
