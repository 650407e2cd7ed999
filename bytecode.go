// bytecode.go - Decoded instruction blocks
//
// A ByteCode is one contiguous run of decoded instructions with its file
// offset, load address and total byte size. Blocks are immutable once
// discovered except for merging with an adjacent block, which happens when a
// later block decodes right up to an earlier one's start.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package shapevm

import (
	"fmt"
	"strings"
)

// ByteCode is a contiguous decoded block.
type ByteCode struct {
	Offset int    // starting byte offset into the code region
	Addr   uint32 // starting virtual address
	Size   int    // total byte size, always the sum of instruction lengths
	Instrs []Instr
}

// End returns the first offset past the block.
func (b *ByteCode) End() int {
	return b.Offset + b.Size
}

// Contains reports whether the offset falls inside the block.
func (b *ByteCode) Contains(off int) bool {
	return off >= b.Offset && off < b.End()
}

// InstrAt returns the instruction starting exactly at the given offset and
// its index, or false when the offset is not an instruction boundary of
// this block.
func (b *ByteCode) InstrAt(off int) (*Instr, int, bool) {
	pos := b.Offset
	for i := range b.Instrs {
		if pos == off {
			return &b.Instrs[i], i, true
		}
		if pos > off {
			break
		}
		pos += b.Instrs[i].Len
	}
	return nil, 0, false
}

// merge absorbs next, which must start exactly at b.End().
func (b *ByteCode) merge(next *ByteCode) {
	b.Instrs = append(b.Instrs, next.Instrs...)
	b.Size += next.Size
}

// Listing renders the block as an address / hex-bytes / mnemonic listing in
// the monitor's disassembly format.
func (b *ByteCode) Listing() string {
	var sb strings.Builder
	pos := b.Offset
	for _, in := range b.Instrs {
		var hexParts []string
		for _, by := range in.Raw {
			hexParts = append(hexParts, fmt.Sprintf("%02X", by))
		}
		fmt.Fprintf(&sb, "%08X  %-24s  %s\n",
			b.Addr+uint32(pos-b.Offset), strings.Join(hexParts, " "), in.String())
		pos += in.Len
	}
	return sb.String()
}
