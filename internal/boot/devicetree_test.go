package boot

import (
	"encoding/binary"
	"testing"
)

// buildFDT assembles a minimal well-formed FDT blob by hand: a root node
// containing a memory@80000000 node and a uart@10000000 node, each with a
// single reg property. Good enough to exercise Parse's tag automaton
// without needing a real dtc-compiled blob.
func buildFDT(t *testing.T) []byte {
	t.Helper()
	be := binary.BigEndian

	var strings []byte
	addString := func(s string) uint32 {
		off := uint32(len(strings))
		strings = append(strings, s...)
		strings = append(strings, 0)
		return off
	}
	regOff := addString("reg")

	var body []byte
	u32 := func(v uint32) { body = append(body, 0, 0, 0, 0); be.PutUint32(body[len(body)-4:], v) }
	cstr := func(s string) {
		body = append(body, s...)
		body = append(body, 0)
		for len(body)%4 != 0 {
			body = append(body, 0)
		}
	}
	prop := func(nameOff uint32, value []byte) {
		u32(fdtProp)
		u32(uint32(len(value)))
		u32(nameOff)
		body = append(body, value...)
		for len(body)%4 != 0 {
			body = append(body, 0)
		}
	}
	regValue := func(base, size uint64) []byte {
		v := make([]byte, 16)
		be.PutUint64(v[0:8], base)
		be.PutUint64(v[8:16], size)
		return v
	}

	u32(fdtBeginNode)
	cstr("")

	u32(fdtBeginNode)
	cstr("memory@80000000")
	prop(regOff, regValue(0x8000_0000, 0x1000_0000))
	u32(fdtEndNode)

	u32(fdtBeginNode)
	cstr("uart@10000000")
	prop(regOff, regValue(0x1000_0000, 0x100))
	u32(fdtEndNode)

	u32(fdtNop)
	u32(fdtEndNode)
	u32(fdtEnd)

	structOff := uint32(40)
	stringsOff := structOff + uint32(len(body))
	total := stringsOff + uint32(len(strings))

	hdr := make([]byte, structOff)
	be.PutUint32(hdr[0:4], fdtMagic)
	be.PutUint32(hdr[4:8], total)
	be.PutUint32(hdr[8:12], structOff)
	be.PutUint32(hdr[12:16], stringsOff)

	blob := append(hdr, body...)
	blob = append(blob, strings...)
	return blob
}

func TestParseMemoryAndConsole(t *testing.T) {
	blob := buildFDT(t)
	tree, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	regions := tree.MemoryRegions()
	if len(regions) != 1 {
		t.Fatalf("MemoryRegions: got %d regions, want 1", len(regions))
	}
	if regions[0].Base != 0x8000_0000 || regions[0].Size != 0x1000_0000 {
		t.Errorf("MemoryRegions[0] = %+v, want base 0x80000000 size 0x10000000", regions[0])
	}

	best, ok := tree.LargestRegion()
	if !ok || best.Base != 0x8000_0000 {
		t.Errorf("LargestRegion = %+v, ok=%v", best, ok)
	}

	base, ok := tree.ConsoleBase()
	if !ok || base != 0x1000_0000 {
		t.Errorf("ConsoleBase = %#x, ok=%v, want 0x10000000, true", base, ok)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	blob := make([]byte, 64)
	if _, err := Parse(blob); err == nil {
		t.Fatal("Parse accepted a blob with zero magic")
	}
}

func TestParseNoConsoleNode(t *testing.T) {
	be := binary.BigEndian
	var strings []byte
	regOff := uint32(len(strings))
	strings = append(strings, "reg"...)
	strings = append(strings, 0)

	var body []byte
	u32 := func(v uint32) { body = append(body, 0, 0, 0, 0); be.PutUint32(body[len(body)-4:], v) }
	cstr := func(s string) {
		body = append(body, s...)
		body = append(body, 0)
		for len(body)%4 != 0 {
			body = append(body, 0)
		}
	}
	u32(fdtBeginNode)
	cstr("")
	u32(fdtBeginNode)
	cstr("memory@80000000")
	u32(fdtProp)
	v := make([]byte, 16)
	be.PutUint64(v[0:8], 0x8000_0000)
	be.PutUint64(v[8:16], 0x800_0000)
	u32(uint32(len(v)))
	u32(regOff)
	body = append(body, v...)
	u32(fdtEndNode)
	u32(fdtEndNode)
	u32(fdtEnd)

	structOff := uint32(40)
	stringsOff := structOff + uint32(len(body))
	total := stringsOff + uint32(len(strings))
	hdr := make([]byte, structOff)
	be.PutUint32(hdr[0:4], fdtMagic)
	be.PutUint32(hdr[4:8], total)
	be.PutUint32(hdr[8:12], structOff)
	be.PutUint32(hdr[12:16], stringsOff)
	blob := append(hdr, body...)
	blob = append(blob, strings...)

	tree, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := tree.ConsoleBase(); ok {
		t.Error("ConsoleBase reported a console node that was never present")
	}
}
