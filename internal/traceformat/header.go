package traceformat

import (
	"bytes"
	"fmt"
	"io"
)

// Metadata is the trace file's header record: build-id bytes, process
// id, image load base, and image path (spec.md §3/§4.H).
type Metadata struct {
	BuildID  []byte
	Pid      uint32
	LoadBase uint64
	Path     string
}

// WriteHeader writes the magic and metadata record to w.
func WriteHeader(w io.Writer, meta Metadata) error {
	if _, err := w.Write(Magic[:]); err != nil {
		return fmt.Errorf("traceformat: write magic: %w", err)
	}
	buf := encodeMetadata(meta)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("traceformat: write metadata: %w", err)
	}
	return nil
}

const (
	metaTagEnd      = 0x00
	metaTagBuildID  = 0x01
	metaTagPid      = 0x02
	metaTagLoadBase = 0x03
	metaTagPath     = 0x04
)

func encodeMetadata(meta Metadata) []byte {
	var buf []byte
	if len(meta.BuildID) > 0 {
		buf = append(buf, metaTagBuildID)
		buf = appendUvarint(buf, uint64(len(meta.BuildID)))
		buf = append(buf, meta.BuildID...)
	}
	if meta.Pid != 0 {
		buf = append(buf, metaTagPid)
		buf = appendUvarint(buf, uint64(meta.Pid))
	}
	if meta.LoadBase != 0 {
		buf = append(buf, metaTagLoadBase)
		buf = appendUvarint(buf, meta.LoadBase)
	}
	if meta.Path != "" {
		buf = append(buf, metaTagPath)
		buf = appendUvarint(buf, uint64(len(meta.Path)))
		buf = append(buf, meta.Path...)
	}
	buf = append(buf, metaTagEnd)
	return buf
}

// ReadHeader validates the magic and decodes the metadata record from r.
func ReadHeader(r io.Reader) (Metadata, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return Metadata{}, fmt.Errorf("traceformat: read magic: %w", err)
	}
	if !bytes.Equal(magic[:], Magic[:]) {
		return Metadata{}, fmt.Errorf("traceformat: bad magic %x", magic)
	}

	br := NewReader(r)
	var meta Metadata
	for {
		tag, err := br.r.ReadByte()
		if err != nil {
			return Metadata{}, fmt.Errorf("traceformat: read metadata: %w", err)
		}
		switch tag {
		case metaTagEnd:
			return meta, nil
		case metaTagBuildID:
			blob, err := br.readBlob()
			if err != nil {
				return Metadata{}, fmt.Errorf("traceformat: read build-id: %w", err)
			}
			meta.BuildID = blob
		case metaTagPid:
			v, err := br.readUvarint()
			if err != nil {
				return Metadata{}, fmt.Errorf("traceformat: read pid: %w", err)
			}
			meta.Pid = uint32(v)
		case metaTagLoadBase:
			v, err := br.readUvarint()
			if err != nil {
				return Metadata{}, fmt.Errorf("traceformat: read load base: %w", err)
			}
			meta.LoadBase = v
		case metaTagPath:
			n, err := br.readUvarint()
			if err != nil {
				return Metadata{}, fmt.Errorf("traceformat: read path length: %w", err)
			}
			buf := make([]byte, n)
			if _, err := io.ReadFull(br.r, buf); err != nil {
				return Metadata{}, fmt.Errorf("traceformat: read path: %w", err)
			}
			meta.Path = string(buf)
		default:
			return Metadata{}, fmt.Errorf("traceformat: unknown metadata tag %#x", tag)
		}
	}
}
