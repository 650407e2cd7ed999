// x86_disasm.go - Block-discovery disassembler
//
// The disassembler drives DecodeOne across a work-queue of entry offsets.
// Jump targets become new entries; a block ends at an unconditional control
// transfer or when decoding falls through into an already-discovered block
// (the two then merge). The "push <addr>; ...; ret" retpoline idiom is
// resolved against the trampoline table to recover the real control flow:
// the pushed target names the callee, the push before it carries the return
// address, and non-standard retpolines terminate the flow outright.
//
// Decode errors abort the whole pass; an undiscovered block boundary would
// corrupt every later offset.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package shapevm

import (
	"fmt"
	"sort"
)

// Disasm discovers the ByteCode blocks reachable from entry offsets within
// one code region. All state is local to one pass; a Disasm is not shared.
type Disasm struct {
	code   []byte
	base   uint32 // virtual address of code[0]
	tramps *TrampolineTable

	blocks []*ByteCode // sorted by Offset, non-overlapping
	queue  []int
}

// NewDisasm prepares a pass over one code region. base is the load-time
// virtual address of the region's first byte.
func NewDisasm(code []byte, base uint32, tramps *TrampolineTable) *Disasm {
	return &Disasm{code: code, base: base, tramps: tramps}
}

// Disassemble is the one-shot form: discover everything reachable from
// entry and return the blocks in address order.
func Disassemble(code []byte, base uint32, entry int, tramps *TrampolineTable) ([]*ByteCode, error) {
	d := NewDisasm(code, base, tramps)
	if err := d.Run(entry); err != nil {
		return nil, err
	}
	return d.Blocks(), nil
}

// Blocks returns the discovered blocks in address order.
func (d *Disasm) Blocks() []*ByteCode {
	return d.blocks
}

// Run discovers all blocks reachable from the entry offset. Re-running with
// an offset already covered by a block is a no-op.
func (d *Disasm) Run(entry int) error {
	d.queue = append(d.queue, entry)
	for len(d.queue) > 0 {
		off := d.queue[0]
		d.queue = d.queue[1:]
		if d.covered(off) {
			continue
		}
		if err := d.decodeBlock(off); err != nil {
			return err
		}
	}
	return nil
}

func (d *Disasm) covered(off int) bool {
	return d.blockContaining(off) != nil
}

// blockContaining returns the block whose byte range covers off, if any.
func (d *Disasm) blockContaining(off int) *ByteCode {
	for _, b := range d.blocks {
		if b.Contains(off) {
			return b
		}
	}
	return nil
}

// blockStartingAt returns the block whose first byte is off, if any.
func (d *Disasm) blockStartingAt(off int) *ByteCode {
	for _, b := range d.blocks {
		if b.Offset == off {
			return b
		}
	}
	return nil
}

func (d *Disasm) enqueue(off int) error {
	if off < 0 || off >= len(d.code) {
		return fmt.Errorf("branch target offset 0x%X outside code region (%d bytes)", off, len(d.code))
	}
	d.queue = append(d.queue, off)
	return nil
}

// decodeBlock decodes sequentially from off until the block terminates,
// then inserts the new block in address order.
func (d *Disasm) decodeBlock(off int) error {
	pos := off
	var instrs []Instr
	var pushes []uint32 // immediate PUSH values seen so far, oldest first

	var fallInto *ByteCode // set when decoding runs into an existing block

	for {
		if b := d.blockStartingAt(pos); b != nil {
			fallInto = b
			break
		}
		// Landing strictly inside an existing block means the two entry
		// points disagree on instruction boundaries; blocks must never
		// overlap, so the whole pass is invalid.
		if b := d.blockContaining(pos); b != nil {
			return fmt.Errorf("decode at offset 0x%X lands inside block [0x%X,0x%X)",
				pos, b.Offset, b.End())
		}

		in, err := DecodeOne(d.code, &pos)
		if err != nil {
			return err
		}
		next := pos
		d.annotate(&in)

		done := false
		switch {
		case in.Name == "PUSH":
			if v, ok := immValue(in.Ops[0]); ok {
				pushes = append(pushes, v)
			}

		case in.Name == "JMP":
			if target, ok := relTarget(&in, next); ok {
				if err := d.enqueue(target); err != nil {
					return err
				}
			}
			done = true

		case in.Name == "CALL":
			if target, ok := relTarget(&in, next); ok {
				// A direct call either reaches a trampoline or stays
				// inside the fragment
				if tr, ok := d.tramps.ByAddr(d.base + uint32(target)); ok {
					in.Annot = tr.Name
					if d.tramps.IsNonStandard(tr.Name) {
						done = true
					}
				} else if err := d.enqueue(target); err != nil {
					return err
				}
			}

		case isCondJump(in.Name):
			if target, ok := relTarget(&in, next); ok {
				if err := d.enqueue(target); err != nil {
					return err
				}
			}

		case in.Name == "RET":
			if len(pushes) > 0 {
				// Retpoline: the last pushed immediate is the real target
				target := pushes[len(pushes)-1]
				tr, ok := d.tramps.ByAddr(target)
				if !ok {
					return &UnknownTrampolineError{Addr: target}
				}
				in.Annot = tr.Name
				if !d.tramps.IsNonStandard(tr.Name) && len(pushes) > 1 {
					// The push before the target carries the return address
					resume := int(pushes[len(pushes)-2] - d.base)
					if err := d.enqueue(resume); err != nil {
						return err
					}
				}
			}
			done = true
		}

		instrs = append(instrs, in)
		if done {
			break
		}
	}

	block := &ByteCode{
		Offset: off,
		Addr:   d.base + uint32(off),
		Size:   pos - off,
		Instrs: instrs,
	}
	if fallInto != nil {
		block.merge(fallInto)
		d.removeBlock(fallInto)
	}
	return d.insertBlock(block)
}

// annotate attaches a trampoline name to instructions whose memory operand
// or pushed immediate matches a fixed-up trampoline address.
func (d *Disasm) annotate(in *Instr) {
	for _, op := range in.Ops {
		switch o := op.(type) {
		case MemRef:
			if tr, ok := d.tramps.ByAddr(uint32(o.Disp)); ok {
				in.Annot = tr.Name
			}
		case Imm:
			if tr, ok := d.tramps.ByAddr(uint32(o)); ok {
				in.Annot = tr.Name
			}
		}
	}
}

func (d *Disasm) insertBlock(b *ByteCode) error {
	i := sort.Search(len(d.blocks), func(i int) bool {
		return d.blocks[i].Offset >= b.Offset
	})
	if i < len(d.blocks) && d.blocks[i].Offset < b.End() {
		return fmt.Errorf("blocks overlap: [0x%X,0x%X) and [0x%X,0x%X)",
			b.Offset, b.End(), d.blocks[i].Offset, d.blocks[i].End())
	}
	if i > 0 && d.blocks[i-1].End() > b.Offset {
		return fmt.Errorf("blocks overlap: [0x%X,0x%X) and [0x%X,0x%X)",
			d.blocks[i-1].Offset, d.blocks[i-1].End(), b.Offset, b.End())
	}
	d.blocks = append(d.blocks, nil)
	copy(d.blocks[i+1:], d.blocks[i:])
	d.blocks[i] = b
	return nil
}

func (d *Disasm) removeBlock(b *ByteCode) {
	for i, x := range d.blocks {
		if x == b {
			d.blocks = append(d.blocks[:i], d.blocks[i+1:]...)
			return
		}
	}
}

// immValue extracts a push-immediate value.
func immValue(op Operand) (uint32, bool) {
	switch o := op.(type) {
	case Imm:
		return uint32(o), true
	case SImm:
		return uint32(int32(o)), true
	}
	return 0, false
}

// relTarget resolves a relative branch operand against the offset of the
// next instruction.
func relTarget(in *Instr, next int) (int, bool) {
	if len(in.Ops) == 0 {
		return 0, false
	}
	if disp, ok := in.Ops[0].(SImm); ok {
		return next + int(int32(disp)), true
	}
	return 0, false
}

// isCondJump recognizes the sixteen Jcc mnemonics.
func isCondJump(name Mnemonic) bool {
	if len(name) < 2 || name[0] != 'J' || name == "JMP" {
		return false
	}
	for _, cond := range x86Cond {
		if string(name[1:]) == cond {
			return true
		}
	}
	return false
}

// SegmentKind classifies a region segment as decoded code or opaque data.
type SegmentKind uint8

const (
	SegCode SegmentKind = iota
	SegData
)

// Segment is one piece of the final region view: either a decoded block or
// a byte range decoding never reached.
type Segment struct {
	Kind   SegmentKind
	Offset int
	Addr   uint32
	Code   *ByteCode // set for SegCode
	Data   []byte    // set for SegData
}

// Segments materializes the whole scanned region as ordered Code and Data
// segments. Bytes between or after blocks are reported as Data, never
// dropped.
func (d *Disasm) Segments() []Segment {
	var segs []Segment
	cursor := 0
	for _, b := range d.blocks {
		if b.Offset > cursor {
			segs = append(segs, Segment{
				Kind:   SegData,
				Offset: cursor,
				Addr:   d.base + uint32(cursor),
				Data:   d.code[cursor:b.Offset:b.Offset],
			})
		}
		segs = append(segs, Segment{
			Kind:   SegCode,
			Offset: b.Offset,
			Addr:   b.Addr,
			Code:   b,
		})
		cursor = b.End()
	}
	if cursor < len(d.code) {
		segs = append(segs, Segment{
			Kind:   SegData,
			Offset: cursor,
			Addr:   d.base + uint32(cursor),
			Data:   d.code[cursor:],
		})
	}
	return segs
}
