// Package sled locates and parses the compiler-emitted xray_instr_map
// section of a loaded ELF or Mach-O image (spec.md §3, §4.B). Grounded
// on the teacher's (xyproto/c67) ELF64 header/section-layout constants
// in elf.go/elf_sections.go — that code writes ELF, ours reads it, but
// the field layout knowledge transfers directly. debug/elf and
// debug/macho do the structural parsing; no third-party ELF/Mach-O
// reader appears anywhere in the example pack (DESIGN.md notes this as
// a deliberate stdlib use).
package sled

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// SectionName is the compiler-emitted section holding the descriptor table.
const SectionName = "xray_instr_map"

// VerboseMode mirrors the teacher's package-level stderr tracing switch
// (xyproto-vibe67's elf.go/atomic.go/jmp.go all gate diagnostic prints on
// the same kind of flag).
var VerboseMode bool

// Image is a read-only, memory-mapped view of the instrumented binary,
// opened once during setup and released afterward (spec.md §3 lifecycle).
type Image struct {
	path     string
	data     []byte
	loadBase uint64
	sectAddr uint64 // virtual address of xray_instr_map
	sectData []byte
	buildID  []byte
	arch     Arch
}

// Arch distinguishes the function-field offset convention (spec.md §4.B:
// "on x86 the function-field offset skips one 8-byte word").
type Arch int

const (
	ArchUnknown Arch = iota
	ArchAMD64
	ArchARM64
)

// Open memory-maps path read-only and locates its xray_instr_map section
// and build-id. loadBase is the address the image is mapped at in the
// running process (from the dynamic-library enumerator in internal/setup).
func Open(path string, loadBase uint64) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sled: open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("sled: stat %s: %w", path, err)
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("sled: %s is empty", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("sled: mmap %s: %w", path, err)
	}

	img := &Image{path: path, data: data, loadBase: loadBase}
	if err := img.parse(); err != nil {
		unix.Munmap(data)
		return nil, err
	}
	return img, nil
}

// Close releases the memory mapping (spec.md §3: "memory-mapped for the
// duration of setup then released").
func (img *Image) Close() error {
	if img.data == nil {
		return nil
	}
	err := unix.Munmap(img.data)
	img.data = nil
	return err
}

func (img *Image) parse() error {
	if bytes.HasPrefix(img.data, []byte("\x7fELF")) {
		return img.parseELF()
	}
	if isMachO(img.data) {
		return img.parseMachO()
	}
	return fmt.Errorf("sled: %s is neither ELF nor Mach-O", img.path)
}

func isMachO(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	magic := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	switch magic {
	case macho.Magic32, macho.Magic64, macho.MagicFat:
		return true
	}
	// Big-endian magics.
	magicBE := uint32(data[3]) | uint32(data[2])<<8 | uint32(data[1])<<16 | uint32(data[0])<<24
	switch magicBE {
	case macho.Magic32, macho.Magic64:
		return true
	}
	return false
}

func (img *Image) parseELF() error {
	ef, err := elf.NewFile(bytes.NewReader(img.data))
	if err != nil {
		return fmt.Errorf("sled: parse ELF %s: %w", img.path, err)
	}
	switch ef.Machine {
	case elf.EM_X86_64:
		img.arch = ArchAMD64
	case elf.EM_AARCH64:
		img.arch = ArchARM64
	}

	sect := ef.Section(SectionName)
	if sect == nil {
		return fmt.Errorf("sled: %s: no %s section (%w)", img.path, SectionName, ErrNoInstrMap)
	}
	raw, err := sect.Data()
	if err != nil {
		return fmt.Errorf("sled: read %s: %w", SectionName, err)
	}
	img.sectAddr = sect.Addr
	img.sectData = raw

	if note := ef.Section(".note.gnu.build-id"); note != nil {
		if data, err := note.Data(); err == nil {
			img.buildID = parseGNUBuildIDNote(data)
		}
	}
	return nil
}

func (img *Image) parseMachO() error {
	mf, err := macho.NewFile(bytes.NewReader(img.data))
	if err != nil {
		return fmt.Errorf("sled: parse Mach-O %s: %w", img.path, err)
	}
	switch mf.Cpu {
	case macho.CpuAmd64:
		img.arch = ArchAMD64
	case macho.CpuArm64:
		img.arch = ArchARM64
	}

	sect := mf.Section(SectionName)
	if sect == nil {
		return fmt.Errorf("sled: %s: no %s section (%w)", img.path, SectionName, ErrNoInstrMap)
	}
	raw, err := sect.Data()
	if err != nil {
		return fmt.Errorf("sled: read %s: %w", SectionName, err)
	}
	img.sectAddr = sect.Addr
	img.sectData = raw

	for _, l := range mf.Loads {
		raw := l.Raw()
		if len(raw) >= 24 && macho.LoadCmd(leUint32(raw[0:4])) == loadCmdUUID {
			img.buildID = append([]byte(nil), raw[8:24]...)
			break
		}
	}
	return nil
}

// loadCmdUUID is LC_UUID (0x1b); debug/macho does not decode it for us.
const loadCmdUUID = macho.LoadCmd(0x1b)

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// parseGNUBuildIDNote extracts the build-id bytes from a .note.gnu.build-id
// ELF note (namesz/descsz/type header followed by padded name and desc).
func parseGNUBuildIDNote(data []byte) []byte {
	if len(data) < 12 {
		return nil
	}
	namesz := leUint32(data[0:4])
	descsz := leUint32(data[4:8])
	nameEnd := 12 + align4(namesz)
	if uint32(len(data)) < nameEnd+descsz {
		return nil
	}
	return append([]byte(nil), data[nameEnd:nameEnd+descsz]...)
}

func align4(n uint32) uint32 { return (n + 3) &^ 3 }

// ErrNoInstrMap is returned when an image carries no xray_instr_map
// section; setup treats this as "skip silently" (spec.md §7), since not
// every loaded library is instrumented.
var ErrNoInstrMap = fmt.Errorf("no %s section", SectionName)

// BuildID returns the image's build-id bytes, or nil if none was found.
func (img *Image) BuildID() []byte { return img.buildID }

// LoadBase returns the address this image is mapped at in the traced process.
func (img *Image) LoadBase() uint64 { return img.loadBase }

// Arch returns the image's detected architecture.
func (img *Image) Arch() Arch { return img.arch }
