// Flattened device tree parsing: firmware hands hart 0 a pointer to an FDT
// blob in a1 describing the machine's memory and console (spec.md §6,
// "Supported platform", "a1 carries the FDT pointer"). Grounded on the
// BEGIN_NODE/END_NODE/PROP tag walk in mazarin's mazboot/golang/main
// (dtb_qemu.go's parseDtb), reimplemented over []byte with encoding/binary
// instead of that file's unsafe.Pointer arithmetic: this kernel's physical
// memory is already a []byte view (internal/mem/frame's PageBytes), so the
// same style fits the FDT blob too. The two lookups a boot sequence
// actually needs (usable memory, the ns16550a console) are cross-checked
// against original_source's kernel/src/device_tree.rs.
package boot

import (
	"encoding/binary"
	"fmt"
)

const (
	fdtMagic = 0xd00dfeed

	fdtBeginNode = 0x1
	fdtEndNode   = 0x2
	fdtProp      = 0x3
	fdtNop       = 0x4
	fdtEnd       = 0x9
)

// fdtHeader mirrors the big-endian FDT boot header, just the fields this
// parser needs.
type fdtHeader struct {
	totalSize     uint32
	offDtStruct   uint32
	offDtStrings  uint32
}

// MemRegion is one usable-memory region reported by a "memory" node's
// reg property.
type MemRegion struct {
	Base uint64
	Size uint64
}

// Tree is a parsed FDT blob: just the handful of properties this kernel
// consults, not a general DT object model.
type Tree struct {
	memory  []MemRegion
	console uint64 // MMIO base of the ns16550a console node, 0 if absent
}

// Parse walks blob's struct block once, extracting every "memory@..."
// node's reg property and the ns16550a node's reg property. It returns an
// error if the magic or a tag is malformed; it does not attempt to
// recover from a corrupt blob.
func Parse(blob []byte) (*Tree, error) {
	if len(blob) < 40 {
		return nil, fmt.Errorf("boot: fdt blob too short (%d bytes)", len(blob))
	}
	be := binary.BigEndian
	magic := be.Uint32(blob[0:4])
	if magic != fdtMagic {
		return nil, fmt.Errorf("boot: bad fdt magic %#x", magic)
	}
	hdr := fdtHeader{
		totalSize:    be.Uint32(blob[4:8]),
		offDtStruct:  be.Uint32(blob[8:12]),
		offDtStrings: be.Uint32(blob[12:16]),
	}
	if uint64(hdr.totalSize) > uint64(len(blob)) {
		return nil, fmt.Errorf("boot: fdt totalsize %d exceeds blob length %d", hdr.totalSize, len(blob))
	}

	t := &Tree{}
	p := walker{blob: blob, be: be, strings: hdr.offDtStrings}
	off := hdr.offDtStruct
	var nodeStack []string

	for {
		tag, ok := p.u32(blob, off)
		if !ok {
			return nil, fmt.Errorf("boot: fdt struct block truncated at offset %d", off)
		}
		off += 4

		switch tag {
		case fdtNop:
			// no operand, advance past nothing more

		case fdtBeginNode:
			name, n, ok := p.cstr(blob, off)
			if !ok {
				return nil, fmt.Errorf("boot: fdt node name truncated at offset %d", off)
			}
			off += align4(uint32(n))
			nodeStack = append(nodeStack, name)

		case fdtEndNode:
			if len(nodeStack) == 0 {
				return nil, fmt.Errorf("boot: fdt END_NODE with empty node stack")
			}
			nodeStack = nodeStack[:len(nodeStack)-1]

		case fdtProp:
			propLen, ok := p.u32(blob, off)
			if !ok {
				return nil, fmt.Errorf("boot: fdt prop length truncated at offset %d", off)
			}
			off += 4
			nameOff, ok := p.u32(blob, off)
			if !ok {
				return nil, fmt.Errorf("boot: fdt prop nameoff truncated at offset %d", off)
			}
			off += 4
			if uint64(off)+uint64(propLen) > uint64(len(blob)) {
				return nil, fmt.Errorf("boot: fdt prop value truncated at offset %d", off)
			}
			value := blob[off : off+propLen]
			off += align4(propLen)

			propName, _, ok := p.cstr(blob, hdr.offDtStrings+nameOff)
			if !ok {
				return nil, fmt.Errorf("boot: fdt prop name out of range at strings offset %d", nameOff)
			}
			t.observe(nodeStack, propName, value)

		case fdtEnd:
			return t, nil

		default:
			return nil, fmt.Errorf("boot: unknown fdt tag %#x at offset %d", tag, off-4)
		}
	}
}

// observe records a property that matters to this kernel: a reg property
// under a node named "memory..." or under a node whose name starts with
// "uart" or "serial" (the ns16550a console, named either way across real
// QEMU virt device trees).
func (t *Tree) observe(nodeStack []string, propName string, value []byte) {
	if len(nodeStack) == 0 || propName != "reg" {
		return
	}
	name := nodeStack[len(nodeStack)-1]
	switch {
	case hasPrefix(name, "memory"):
		for _, r := range decodeRegPairs(value) {
			t.memory = append(t.memory, r)
		}
	case hasPrefix(name, "uart") || hasPrefix(name, "serial"):
		if len(value) >= 16 {
			t.console = binary.BigEndian.Uint64(value[0:8])
		} else if len(value) >= 8 {
			t.console = uint64(binary.BigEndian.Uint32(value[0:4]))
		}
	}
}

// decodeRegPairs decodes a reg property as a sequence of (address, size)
// uint64 pairs, the #address-cells=2 #size-cells=2 convention QEMU virt
// uses for both memory and uart nodes.
func decodeRegPairs(value []byte) []MemRegion {
	var regions []MemRegion
	for off := 0; off+16 <= len(value); off += 16 {
		regions = append(regions, MemRegion{
			Base: binary.BigEndian.Uint64(value[off : off+8]),
			Size: binary.BigEndian.Uint64(value[off+8 : off+16]),
		})
	}
	return regions
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func align4(n uint32) uint32 { return (n + 3) &^ 3 }

// walker holds the byte-order and bounds-checked accessors Parse's tag
// loop uses; split out only to keep Parse's switch readable.
type walker struct {
	blob    []byte
	be      binary.ByteOrder
	strings uint32
}

func (w walker) u32(blob []byte, off uint32) (uint32, bool) {
	if uint64(off)+4 > uint64(len(blob)) {
		return 0, false
	}
	return w.be.Uint32(blob[off : off+4]), true
}

// cstr reads a NUL-terminated string starting at off, returning the
// string and the number of bytes consumed including the NUL.
func (w walker) cstr(blob []byte, off uint32) (string, int, bool) {
	if uint64(off) >= uint64(len(blob)) {
		return "", 0, false
	}
	i := int(off)
	for i < len(blob) && blob[i] != 0 {
		i++
	}
	if i >= len(blob) {
		return "", 0, false
	}
	return string(blob[off:i]), i - int(off) + 1, true
}

// MemoryRegions returns every usable-memory region the blob reported.
func (t *Tree) MemoryRegions() []MemRegion { return t.memory }

// LargestRegion returns the single largest memory region, the one the
// physical frame allocator is seeded from (spec.md §4.B, "Init seeds the
// free lists over the usable physical range").
func (t *Tree) LargestRegion() (MemRegion, bool) {
	var best MemRegion
	found := false
	for _, r := range t.memory {
		if !found || r.Size > best.Size {
			best = r
			found = true
		}
	}
	return best, found
}

// ConsoleBase returns the ns16550a console's MMIO base address, or
// (0, false) if the blob had no such node (in which case boot falls back
// to the SBI legacy console, which needs no MMIO base at all).
func (t *Tree) ConsoleBase() (uint64, bool) {
	if t.console == 0 {
		return 0, false
	}
	return t.console, true
}
