// x86_disasm_test.go - Block discovery and segmentation tests
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package shapevm

import (
	"errors"
	"testing"
)

const testBase = 0x400000

func testTramps() *TrampolineTable {
	t := NewTrampolineTable([]Trampoline{
		{Name: "do_start_interp", FileOffset: 0x100, Addr: 0x1000},
		{Name: "do_read_input", FileOffset: 0x104, Addr: 0x1004},
	})
	t.MarkNonStandard("do_start_interp")
	return t
}

func TestDisasm_RetpolineExitAndDataTail(t *testing.T) {
	code := []byte{
		0x74, 0x06, // 0: JZ +6 -> 8
		0x68, 0x00, 0x10, 0x00, 0x00, // 2: PUSH 0x1000
		0xC3,                         // 7: RET (retpoline exit)
		0x68, 0x00, 0x10, 0x00, 0x00, // 8: PUSH 0x1000
		0xC3,                   // 13: RET
		0xDE, 0xAD, 0xBE, 0xEF, // 14: trailing data, never reached
	}
	d := NewDisasm(code, testBase, testTramps())
	if err := d.Run(0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	blocks := d.Blocks()
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if blocks[0].Offset != 0 || blocks[0].Size != 8 {
		t.Errorf("block 0: offset %d size %d, want 0/8", blocks[0].Offset, blocks[0].Size)
	}
	if blocks[1].Offset != 8 || blocks[1].Size != 6 {
		t.Errorf("block 1: offset %d size %d, want 8/6", blocks[1].Offset, blocks[1].Size)
	}

	// The retpoline RET carries the resolved trampoline name
	ret := blocks[0].Instrs[len(blocks[0].Instrs)-1]
	if ret.Name != "RET" || ret.Annot != "do_start_interp" {
		t.Errorf("retpoline RET annotation: got %q on %s", ret.Annot, ret.Name)
	}

	segs := d.Segments()
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3", len(segs))
	}
	if segs[2].Kind != SegData || len(segs[2].Data) != 4 {
		t.Errorf("tail segment: kind %d, %d bytes, want data/4", segs[2].Kind, len(segs[2].Data))
	}
	if segs[2].Addr != testBase+14 {
		t.Errorf("tail segment address: got 0x%X, want 0x%X", segs[2].Addr, testBase+14)
	}

	// Segments tile the region exactly, no gaps or double-reporting
	total := 0
	for _, s := range segs {
		if s.Kind == SegCode {
			total += s.Code.Size
		} else {
			total += len(s.Data)
		}
	}
	if total != len(code) {
		t.Errorf("segments cover %d bytes, region has %d", total, len(code))
	}
}

func TestDisasm_MisalignedEntryFails(t *testing.T) {
	// Two entries whose instruction streams disagree on boundaries: the
	// entry at 7 decodes a 5-byte MOV that strides across the block already
	// discovered at 8. Overlapping blocks would double-report bytes in
	// Segments, so the whole pass must fail instead.
	code := []byte{
		0x74, 0x06, // 0: JZ +6 -> 8
		0x74, 0x03, // 2: JZ +3 -> 7
		0xEB, 0x08, // 4: JMP +8 -> 14
		0x00, // 6: never reached
		0xB8, // 7: MOV EAX, imm32 consumes bytes 8-11
		0x68, 0x00, 0x10, 0x00, 0x00, // 8: PUSH 0x1000
		0xC3,                         // 13: RET
		0x68, 0x00, 0x10, 0x00, 0x00, // 14: PUSH 0x1000
		0xC3, // 19: RET
	}
	blocks, err := Disassemble(code, testBase, 0, testTramps())
	if err == nil {
		t.Fatalf("overlapping decode succeeded with %d blocks, want error", len(blocks))
	}
}

func TestDisasm_RetpolineContinuation(t *testing.T) {
	// push <return>; push <trampoline>; ret — a standard retpoline resumes
	// at the pushed return address
	code := []byte{
		0x68, 0x0B, 0x00, 0x40, 0x00, // 0: PUSH 0x40000B (offset 11)
		0x68, 0x04, 0x10, 0x00, 0x00, // 5: PUSH 0x1004 (do_read_input)
		0xC3,                         // 10: RET
		0x68, 0x00, 0x10, 0x00, 0x00, // 11: PUSH 0x1000
		0xC3, // 16: RET
	}
	blocks, err := Disassemble(code, testBase, 0, testTramps())
	if err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if blocks[1].Offset != 11 {
		t.Errorf("continuation block at offset %d, want 11", blocks[1].Offset)
	}

	// The trampoline-address PUSH is annotated too
	push := blocks[0].Instrs[1]
	if push.Annot != "do_read_input" {
		t.Errorf("PUSH annotation: got %q, want do_read_input", push.Annot)
	}
}

func TestDisasm_NonStandardRetpolineStopsFlow(t *testing.T) {
	// do_start_interp is non-standard: the pushed return address must NOT
	// be queued as a continuation
	code := []byte{
		0x68, 0x0B, 0x00, 0x40, 0x00, // 0: PUSH 0x40000B
		0x68, 0x00, 0x10, 0x00, 0x00, // 5: PUSH 0x1000 (non-standard)
		0xC3, // 10: RET
		0x90, // 11: would-be continuation, must stay data
	}
	d := NewDisasm(code, testBase, testTramps())
	if err := d.Run(0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(d.Blocks()); got != 1 {
		t.Fatalf("got %d blocks, want 1", got)
	}
	segs := d.Segments()
	last := segs[len(segs)-1]
	if last.Kind != SegData || len(last.Data) != 1 {
		t.Errorf("offset 11 not classified as data: kind %d len %d", last.Kind, len(last.Data))
	}
}

func TestDisasm_UnknownTrampoline(t *testing.T) {
	code := []byte{
		0x68, 0x00, 0x20, 0x00, 0x00, // PUSH 0x2000 (no such trampoline)
		0xC3, // RET
	}
	_, err := Disassemble(code, testBase, 0, testTramps())
	var ut *UnknownTrampolineError
	if !errors.As(err, &ut) {
		t.Fatalf("got %v, want UnknownTrampolineError", err)
	}
	if ut.Addr != 0x2000 {
		t.Errorf("address: got 0x%X, want 0x2000", ut.Addr)
	}
}

func TestDisasm_FallThroughMerge(t *testing.T) {
	// A backward branch target decodes forward into an existing block; the
	// two merge into one
	code := []byte{
		0xEB, 0x02, // 0: JMP +2 -> 4
		0xB0, 0x01, // 2: MOV AL, 1 (reached via the JZ below)
		0x74, 0xFC, // 4: JZ -4 -> 2
		0x68, 0x00, 0x10, 0x00, 0x00, // 6: PUSH 0x1000
		0xC3, // 11: RET
	}
	blocks, err := Disassemble(code, testBase, 0, testTramps())
	if err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	merged := blocks[1]
	if merged.Offset != 2 || merged.End() != 12 {
		t.Errorf("merged block spans [%d,%d), want [2,12)", merged.Offset, merged.End())
	}
	if merged.Instrs[0].Name != "MOV" {
		t.Errorf("merged block starts with %s, want MOV", merged.Instrs[0].Name)
	}
}

func TestDisasm_Idempotent(t *testing.T) {
	code := []byte{
		0x68, 0x00, 0x10, 0x00, 0x00, // PUSH 0x1000
		0xC3, // RET
	}
	d := NewDisasm(code, testBase, testTramps())
	if err := d.Run(0); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	want := len(d.Blocks())

	// Re-entering at the block start and at a covered interior offset must
	// not decode anything new
	if err := d.Run(0); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if err := d.Run(5); err != nil {
		t.Fatalf("interior Run: %v", err)
	}
	if got := len(d.Blocks()); got != want {
		t.Errorf("block count changed on re-entry: got %d, want %d", got, want)
	}
}

func TestDisasm_MemoryOperandAnnotation(t *testing.T) {
	code := []byte{
		0xA1, 0x04, 0x10, 0x00, 0x00, // MOV EAX, [0x1004] (do_read_input's slot)
		0x68, 0x00, 0x10, 0x00, 0x00, // PUSH 0x1000
		0xC3,
	}
	blocks, err := Disassemble(code, testBase, 0, testTramps())
	if err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	mov := blocks[0].Instrs[0]
	if mov.Annot != "do_read_input" {
		t.Errorf("MOV annotation: got %q, want do_read_input", mov.Annot)
	}
}

func TestDisasm_DecodeErrorAbortsPass(t *testing.T) {
	code := []byte{
		0x74, 0x02, // JZ +2 -> 4
		0xEB, 0x02, // JMP +2 -> 6... but 4 decodes first
		0xF1,       // 4: invalid opcode reached via the JZ
		0x00,       //
		0xC3,       // 6
	}
	_, err := Disassemble(code, testBase, 0, testTramps())
	var ue *UnknownOpcodeError
	if !errors.As(err, &ue) {
		t.Fatalf("got %v, want UnknownOpcodeError", err)
	}
}
