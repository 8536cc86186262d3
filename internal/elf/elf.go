// Package elf loads a RISC-V ELF64 executable's PT_LOAD segments, the
// contract described in spec.md §4.D component D under "ELF loading".
// Grounded on debug/elf, used the same way across the retrieval pack
// (tinyrange-cc's internal/linux/boot, biscuit's kernel/chentry.go, and
// mazarin's boot tooling all reach for debug/elf rather than a
// third-party ELF library; none of the example repos pull one in, so
// there is nothing to wire here beyond the standard library).
package elf

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
)

// Perm mirrors the subset of ELF program-header flags the loader cares
// about, kept independent of internal/vm/pagetable.Perm so this package
// has no dependency on the VM subsystem.
type Perm struct {
	Read, Write, Exec bool
}

// Segment is one PT_LOAD program header, already sliced out of the ELF
// image.
type Segment struct {
	VAddr    uint64
	MemSize  uint64
	FileSize uint64
	Data     []byte // FileSize bytes of initial content; the remainder of MemSize is BSS, zero-filled
	Perm     Perm
}

// Image is a parsed ELF64 executable ready for mapping into an address
// space.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// Parse reads a RISC-V ELF64 executable and extracts its loadable
// segments, matching the PT_LOAD-only filtering in
// original_source's UserSpace::map_elf.
func Parse(raw []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("elf: parse: %w", err)
	}
	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("elf: unexpected machine %v, want EM_RISCV", f.Machine)
	}
	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("elf: unexpected class %v, want ELFCLASS64", f.Class)
	}

	img := &Image{Entry: f.Entry}
	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, ph.Filesz)
		if _, err := io.ReadFull(ph.Open(), data); err != nil && ph.Filesz > 0 {
			return nil, fmt.Errorf("elf: reading segment at %#x: %w", ph.Vaddr, err)
		}
		img.Segments = append(img.Segments, Segment{
			VAddr:    ph.Vaddr,
			MemSize:  ph.Memsz,
			FileSize: ph.Filesz,
			Data:     data,
			Perm: Perm{
				Read:  ph.Flags&elf.PF_R != 0,
				Write: ph.Flags&elf.PF_W != 0,
				Exec:  ph.Flags&elf.PF_X != 0,
			},
		})
	}
	return img, nil
}
