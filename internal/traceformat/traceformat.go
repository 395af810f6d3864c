// Package traceformat implements the sftrace on-disk trace file:
// signature, metadata header, and a stream of self-describing event
// records (spec.md §3 "Trace file", §4.H). Grounded on the teacher's
// (xyproto/c67) encoding/binary little-endian field writes used
// throughout elf.go/elf_sections.go — the same "write fixed-width
// fields in a known order" discipline, applied to a streaming format
// instead of a linked image.
package traceformat

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Magic is the 8-byte trace-file signature.
var Magic = [8]byte{'s', 'f', 0, 't', 'r', 'a', 'c', 'e'}

// EventKind distinguishes the seven event record shapes (spec.md §3).
// Deliberately a distinct namespace from sled.Kind even though both use
// small integers starting at the same values (spec.md §9 open question).
type EventKind uint8

const (
	KindEntry          EventKind = 1
	KindExit           EventKind = 2
	KindTailCall       EventKind = 3
	KindAlloc          EventKind = 4
	KindDealloc        EventKind = 5
	KindReallocAlloc   EventKind = 6
	KindReallocDealloc EventKind = 7
)

func (k EventKind) String() string {
	switch k {
	case KindEntry:
		return "ENTRY"
	case KindExit:
		return "EXIT"
	case KindTailCall:
		return "TAIL_CALL"
	case KindAlloc:
		return "ALLOC"
	case KindDealloc:
		return "DEALLOC"
	case KindReallocAlloc:
		return "REALLOC_ALLOC"
	case KindReallocDealloc:
		return "REALLOC_DEALLOC"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// IsAlloc reports whether this event kind carries an AllocEvent payload.
func (k EventKind) IsAlloc() bool {
	return k == KindAlloc || k == KindDealloc || k == KindReallocAlloc || k == KindReallocDealloc
}

// AllocEvent is the payload of ALLOC/DEALLOC/REALLOC_* events.
type AllocEvent struct {
	Size  uint64
	Align uint64
	Ptr   uint64
}

// Event is one decoded trace record. Fields are zero-valued when absent
// (spec.md §3: "fields omitted when zero/absent" on the wire).
type Event struct {
	Kind        EventKind
	Time        uint64 // monotonic nanoseconds since recorder start
	Tid         uint32 // dense, first-seen-order thread id
	FuncID      uint32 // ENTRY/EXIT/TAIL_CALL only
	Args        []byte // raw architecture-specific register snapshot, ENTRY+LOG only
	ReturnValue []byte // raw architecture-specific register snapshot, EXIT+LOG only
	Alloc       AllocEvent
	HasAlloc    bool
}

// Field tags for the self-describing record encoding. Each present
// field is written as tag byte + value; the record is terminated by
// tagEnd. This is an sftrace-specific wire format (no library in the
// example pack implements a comparable self-describing record scheme),
// chosen for the same reason the teacher hand-rolls its ELF/PLT/GOT
// byte layouts: the layout itself is the deliverable.
const (
	tagEnd         = 0x00
	tagKind        = 0x01
	tagTime        = 0x02
	tagTid         = 0x03
	tagFuncID      = 0x04
	tagArgs        = 0x05
	tagReturnValue = 0x06
	tagAlloc       = 0x07
)

// EncodeEvent appends the self-describing encoding of ev to buf and
// returns the extended slice.
func EncodeEvent(buf []byte, ev Event) []byte {
	buf = append(buf, tagKind, byte(ev.Kind))

	if ev.Time != 0 {
		buf = append(buf, tagTime)
		buf = appendUvarint(buf, ev.Time)
	}
	if ev.Tid != 0 {
		buf = append(buf, tagTid)
		buf = appendUvarint(buf, uint64(ev.Tid))
	}
	if ev.FuncID != 0 {
		buf = append(buf, tagFuncID)
		buf = appendUvarint(buf, uint64(ev.FuncID))
	}
	if len(ev.Args) > 0 {
		buf = append(buf, tagArgs)
		buf = appendUvarint(buf, uint64(len(ev.Args)))
		buf = append(buf, ev.Args...)
	}
	if len(ev.ReturnValue) > 0 {
		buf = append(buf, tagReturnValue)
		buf = appendUvarint(buf, uint64(len(ev.ReturnValue)))
		buf = append(buf, ev.ReturnValue...)
	}
	if ev.HasAlloc {
		buf = append(buf, tagAlloc)
		buf = appendUvarint(buf, ev.Alloc.Size)
		buf = appendUvarint(buf, ev.Alloc.Align)
		buf = appendUvarint(buf, ev.Alloc.Ptr)
	}
	buf = append(buf, tagEnd)
	return buf
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// Reader decodes a stream of Events from an io.Reader (the trace file's
// event stream, after the header has been consumed).
type Reader struct {
	r   *bufio.Reader
	off int64
}

// NewReader wraps r for event decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ErrMalformed is returned with the byte offset of the failing record
// (spec.md §7: "Offline tool: malformed event -> Abort with the event
// offset reported").
type ErrMalformed struct {
	Offset int64
	Reason string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("traceformat: malformed event at offset %d: %s", e.Offset, e.Reason)
}

// Next decodes the next event. It returns io.EOF exactly when the
// stream ends cleanly on a record boundary (spec.md §4.H: "The reader
// detects end-of-stream by an empty read on a buffered reader").
func (r *Reader) Next() (Event, error) {
	start := r.off
	var ev Event

	for {
		tag, err := r.r.ReadByte()
		if err != nil {
			if err == io.EOF && r.off == start {
				return Event{}, io.EOF
			}
			if err == io.EOF {
				return Event{}, &ErrMalformed{Offset: start, Reason: "truncated record"}
			}
			return Event{}, err
		}
		r.off++

		switch tag {
		case tagEnd:
			return ev, nil
		case tagKind:
			b, err := r.r.ReadByte()
			if err != nil {
				return Event{}, &ErrMalformed{Offset: start, Reason: "truncated kind"}
			}
			r.off++
			ev.Kind = EventKind(b)
		case tagTime:
			v, err := r.readUvarint()
			if err != nil {
				return Event{}, &ErrMalformed{Offset: start, Reason: "truncated time"}
			}
			ev.Time = v
		case tagTid:
			v, err := r.readUvarint()
			if err != nil {
				return Event{}, &ErrMalformed{Offset: start, Reason: "truncated tid"}
			}
			ev.Tid = uint32(v)
		case tagFuncID:
			v, err := r.readUvarint()
			if err != nil {
				return Event{}, &ErrMalformed{Offset: start, Reason: "truncated func_id"}
			}
			ev.FuncID = uint32(v)
		case tagArgs:
			blob, err := r.readBlob()
			if err != nil {
				return Event{}, &ErrMalformed{Offset: start, Reason: "truncated args"}
			}
			ev.Args = blob
		case tagReturnValue:
			blob, err := r.readBlob()
			if err != nil {
				return Event{}, &ErrMalformed{Offset: start, Reason: "truncated return_value"}
			}
			ev.ReturnValue = blob
		case tagAlloc:
			size, err1 := r.readUvarint()
			align, err2 := r.readUvarint()
			ptr, err3 := r.readUvarint()
			if err1 != nil || err2 != nil || err3 != nil {
				return Event{}, &ErrMalformed{Offset: start, Reason: "truncated alloc_event"}
			}
			ev.Alloc = AllocEvent{Size: size, Align: align, Ptr: ptr}
			ev.HasAlloc = true
		default:
			return Event{}, &ErrMalformed{Offset: start, Reason: fmt.Sprintf("unknown tag %#x", tag)}
		}
	}
}

func (r *Reader) readUvarint() (uint64, error) {
	v, err := binary.ReadUvarint(r.r)
	if err != nil {
		return 0, err
	}
	r.off += uvarintSize(v)
	return v, nil
}

func (r *Reader) readBlob() ([]byte, error) {
	n, err := r.readUvarint()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, err
	}
	r.off += int64(n)
	return buf, nil
}

func uvarintSize(v uint64) int64 {
	var tmp [binary.MaxVarintLen64]byte
	return int64(binary.PutUvarint(tmp[:], v))
}
