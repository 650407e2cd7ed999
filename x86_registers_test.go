// x86_registers_test.go - Register file aliasing tests
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package shapevm

import "testing"

func TestRegFile_Aliasing(t *testing.T) {
	var f RegFile

	f.Set(EAX, 0x12345678)
	if got := f.Get(AX); got != 0x5678 {
		t.Errorf("AX: got 0x%04X, want 0x5678", got)
	}
	if got := f.Get(AL); got != 0x78 {
		t.Errorf("AL: got 0x%02X, want 0x78", got)
	}
	if got := f.Get(AH); got != 0x56 {
		t.Errorf("AH: got 0x%02X, want 0x56", got)
	}

	// Writing a narrow view preserves the rest of the slot
	f.Set(AL, 0xFF)
	if got := f.Get(EAX); got != 0x123456FF {
		t.Errorf("EAX after AL write: got 0x%08X, want 0x123456FF", got)
	}
	f.Set(AH, 0x00)
	if got := f.Get(EAX); got != 0x123400FF {
		t.Errorf("EAX after AH write: got 0x%08X, want 0x123400FF", got)
	}
	f.Set(AX, 0xBEEF)
	if got := f.Get(EAX); got != 0x1234BEEF {
		t.Errorf("EAX after AX write: got 0x%08X, want 0x1234BEEF", got)
	}

	// Narrow writes are masked
	f.Set(BL, 0x1FF)
	if got := f.Get(EBX); got != 0xFF {
		t.Errorf("EBX after oversized BL write: got 0x%08X, want 0xFF", got)
	}
}

func TestReg_SlotsAndWidths(t *testing.T) {
	// Every register view resolves to exactly one storage slot
	views := []struct {
		reg   Reg
		slot  int
		width int
	}{
		{EAX, 0, 4}, {AX, 0, 2}, {AL, 0, 1}, {AH, 0, 1},
		{ECX, 1, 4}, {CL, 1, 1}, {CH, 1, 1},
		{EDX, 2, 4}, {DL, 2, 1}, {DH, 2, 1},
		{EBX, 3, 4}, {BL, 3, 1}, {BH, 3, 1},
		{ESP, 4, 4}, {SP, 4, 2},
		{EBP, 5, 4}, {BP, 5, 2},
		{ESI, 6, 4}, {SI, 6, 2},
		{EDI, 7, 4}, {DI, 7, 2},
		{ES, 8, 2}, {GS, 13, 2},
	}
	for _, v := range views {
		if got := v.reg.Slot(); got != v.slot {
			t.Errorf("%s slot: got %d, want %d", v.reg, got, v.slot)
		}
		if got := v.reg.Width(); got != v.width {
			t.Errorf("%s width: got %d, want %d", v.reg, got, v.width)
		}
	}
}

func TestRegFile_SegmentIsolation(t *testing.T) {
	var f RegFile
	f.Set(DS, 0x1234)
	f.Set(ES, 0x5678)
	if got := f.Get(DS); got != 0x1234 {
		t.Errorf("DS: got 0x%04X, want 0x1234", got)
	}
	if got := f.Get(EAX); got != 0 {
		t.Errorf("EAX disturbed by segment write: 0x%08X", got)
	}
}
