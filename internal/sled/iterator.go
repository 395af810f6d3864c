package sled

import (
	"fmt"
	"os"
)

// Iterate yields, for each 32-byte descriptor in the image's
// xray_instr_map section, the resolved Entry with absolute sled and
// function addresses (spec.md §4.B). Descriptors whose version is not
// SupportedVersion are skipped (spec.md §7: "Sled descriptor with
// unknown kind/version -> print warning; skip descriptor"); the warning
// goes to stderr only when VerboseMode is set. fn returning an error
// stops iteration early.
func (img *Image) Iterate(fn func(Entry) error) error {
	n := len(img.sectData) / DescriptorSize
	if len(img.sectData)%DescriptorSize != 0 {
		if VerboseMode {
			fmt.Fprintf(os.Stderr, "sled: %s section size %d is not a multiple of %d, truncating\n",
				SectionName, len(img.sectData), DescriptorSize)
		}
	}

	sectionBase := img.loadBase + img.sectAddr

	for i := 0; i < n; i++ {
		raw := img.sectData[i*DescriptorSize : (i+1)*DescriptorSize]
		d := decodeDescriptor(raw)

		if d.Version != SupportedVersion {
			if VerboseMode {
				fmt.Fprintf(os.Stderr, "sled: descriptor %d has unsupported version %d, skipping\n", i, d.Version)
			}
			continue
		}

		sledFieldAddr := sectionBase + uint64(i*DescriptorSize) + 0
		funcFieldAddr := sectionBase + uint64(i*DescriptorSize) + img.funcFieldOffset()

		entry := Entry{
			Index:      i,
			SledAddr:   uint64(int64(sledFieldAddr) + d.SledOffset),
			FuncAddr:   uint64(int64(funcFieldAddr) + d.FuncOffset),
			Descriptor: d,
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// funcFieldOffset is the byte offset of the function-address field
// within a descriptor. x86 skips one extra 8-byte word past the sled
// field per the compiler's convention (spec.md §4.B).
func (img *Image) funcFieldOffset() uint64 {
	if img.arch == ArchAMD64 {
		return 16
	}
	return 8
}

// Count returns the number of 32-byte descriptors in the section.
func (img *Image) Count() int { return len(img.sectData) / DescriptorSize }
