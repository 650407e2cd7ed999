// x86_decode_test.go - Instruction decoder unit tests
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package shapevm

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func decodeAt(t *testing.T, code []byte, off int) Instr {
	t.Helper()
	cursor := off
	in, err := DecodeOne(code, &cursor)
	if err != nil {
		t.Fatalf("DecodeOne(% X): %v", code, err)
	}
	if cursor-off != in.Len {
		t.Fatalf("cursor advanced %d bytes, instruction length %d", cursor-off, in.Len)
	}
	return in
}

func TestDecode_NOP(t *testing.T) {
	in := decodeAt(t, []byte{0x90}, 0)
	if in.Name != "NOP" {
		t.Errorf("mnemonic: got %q, want NOP", in.Name)
	}
	if in.Len != 1 {
		t.Errorf("length: got %d, want 1", in.Len)
	}
	if len(in.Ops) != 0 {
		t.Errorf("operands: got %d, want 0", len(in.Ops))
	}
}

func TestDecode_InlineRegisterMOV(t *testing.T) {
	// 0xB8: MOV r32, imm32 with the register in the opcode's low 3 bits
	in := decodeAt(t, []byte{0xB8, 0x01, 0x00, 0x00, 0x00}, 0)
	if in.Name != "MOV" {
		t.Errorf("mnemonic: got %q, want MOV", in.Name)
	}
	if in.Len != 5 {
		t.Errorf("length: got %d, want 5", in.Len)
	}
	want := []Operand{EAX, Imm(1)}
	if diff := cmp.Diff(want, in.Ops); diff != "" {
		t.Errorf("operands mismatch (-want +got):\n%s", diff)
	}

	// 0xB3: the 8-bit inline family
	in = decodeAt(t, []byte{0xB3, 0x7F}, 0)
	if in.Name != "MOV" || in.Len != 2 {
		t.Fatalf("got %s len %d, want MOV len 2", in, in.Len)
	}
	if diff := cmp.Diff([]Operand{BL, Imm(0x7F)}, in.Ops); diff != "" {
		t.Errorf("operands mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_ModRMWithSIB(t *testing.T) {
	// MOV EAX, [ESI+EBX*4+0x10]
	in := decodeAt(t, []byte{0x8B, 0x44, 0x9E, 0x10}, 0)
	if in.Name != "MOV" || in.Len != 4 {
		t.Fatalf("got %s len %d, want MOV len 4", in, in.Len)
	}
	want := []Operand{
		EAX,
		MemRef{Disp: 0x10, Base: ESI, Index: EBX, Scale: 4, Size: 4},
	}
	if diff := cmp.Diff(want, in.Ops); diff != "" {
		t.Errorf("operands mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_AbsoluteWithOperandSizePrefix(t *testing.T) {
	// 66 89 0D xx: MOV [disp32], CX (mod=0, rm=5 absolute form)
	in := decodeAt(t, []byte{0x66, 0x89, 0x0D, 0x00, 0x10, 0x00, 0x00}, 0)
	if in.Len != 7 {
		t.Fatalf("length: got %d, want 7", in.Len)
	}
	want := []Operand{
		MemRef{Disp: 0x1000, Scale: 1, Size: 2},
		CX,
	}
	if diff := cmp.Diff(want, in.Ops); diff != "" {
		t.Errorf("operands mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_Grp1Extension(t *testing.T) {
	// 0x83 /0: ADD r/m32, imm8 sign-extended
	in := decodeAt(t, []byte{0x83, 0xC0, 0x05}, 0)
	if in.Name != "ADD" || in.Len != 3 {
		t.Fatalf("got %s len %d, want ADD len 3", in, in.Len)
	}
	if diff := cmp.Diff([]Operand{EAX, SImm(5)}, in.Ops); diff != "" {
		t.Errorf("operands mismatch (-want +got):\n%s", diff)
	}

	// 0x83 /5: SUB, same encoding family
	in = decodeAt(t, []byte{0x83, 0xEB, 0x01}, 0)
	if in.Name != "SUB" {
		t.Errorf("mnemonic: got %q, want SUB", in.Name)
	}
	if diff := cmp.Diff([]Operand{EBX, SImm(1)}, in.Ops); diff != "" {
		t.Errorf("operands mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_TwoByteJcc(t *testing.T) {
	in := decodeAt(t, []byte{0x0F, 0x84, 0x10, 0x00, 0x00, 0x00}, 0)
	if in.Name != "JZ" || in.Len != 6 {
		t.Fatalf("got %s len %d, want JZ len 6", in, in.Len)
	}
	if diff := cmp.Diff([]Operand{SImm(0x10)}, in.Ops); diff != "" {
		t.Errorf("operands mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_SignedPushImm8(t *testing.T) {
	in := decodeAt(t, []byte{0x6A, 0xFE}, 0)
	if in.Name != "PUSH" || in.Len != 2 {
		t.Fatalf("got %s len %d, want PUSH len 2", in, in.Len)
	}
	if diff := cmp.Diff([]Operand{SImm(-2)}, in.Ops); diff != "" {
		t.Errorf("operands mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_UnknownOpcode(t *testing.T) {
	cursor := 0
	_, err := DecodeOne([]byte{0xF1}, &cursor)
	var ue *UnknownOpcodeError
	if !errors.As(err, &ue) {
		t.Fatalf("got %v, want UnknownOpcodeError", err)
	}
	if ue.Opcode != 0xF1 || ue.Offset != 0 {
		t.Errorf("got opcode 0x%02X offset %d, want 0xF1 offset 0", ue.Opcode, ue.Offset)
	}
	if cursor != 0 {
		t.Errorf("cursor moved to %d on failed decode", cursor)
	}
}

func TestDecode_TooShortPhases(t *testing.T) {
	cases := []struct {
		name  string
		code  []byte
		phase DecodePhase
	}{
		{"empty buffer", []byte{}, PhaseOpcode},
		{"prefix only", []byte{0x66}, PhaseOpcode},
		{"truncated escape", []byte{0x0F}, PhaseOpcode},
		{"missing modrm", []byte{0x8B}, PhaseModRM},
		{"missing sib", []byte{0x8B, 0x04}, PhaseSIB},
		{"missing displacement", []byte{0x8B, 0x40}, PhaseDisp},
		{"truncated immediate", []byte{0xB8, 0x01}, PhaseImm},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cursor := 0
			_, err := DecodeOne(tc.code, &cursor)
			var ts *TooShortError
			if !errors.As(err, &ts) {
				t.Fatalf("got %v, want TooShortError", err)
			}
			if ts.Phase != tc.phase {
				t.Errorf("phase: got %q, want %q", ts.Phase, tc.phase)
			}
		})
	}
}

// Decoding the same bytes twice must consume the same length, and every
// instruction's Raw slice must exactly tile the input.
func TestDecode_LengthExactness(t *testing.T) {
	code := []byte{
		0xB9, 0x05, 0x00, 0x00, 0x00, // MOV ECX, 5
		0x31, 0xC0, // XOR EAX, EAX
		0x01, 0xC8, // ADD EAX, ECX
		0x49,       // DEC ECX
		0x75, 0xFB, // JNZ -5
		0x68, 0x00, 0x10, 0x00, 0x00, // PUSH 0x1000
		0xC3, // RET
	}
	cursor := 0
	total := 0
	for cursor < len(code) {
		start := cursor
		in, err := DecodeOne(code, &cursor)
		if err != nil {
			t.Fatalf("decode at %d: %v", start, err)
		}
		second := start
		again, err := DecodeOne(code, &second)
		if err != nil {
			t.Fatalf("re-decode at %d: %v", start, err)
		}
		if again.Len != in.Len {
			t.Errorf("offset %d: first decode %d bytes, second %d", start, in.Len, again.Len)
		}
		if len(in.Raw) != in.Len {
			t.Errorf("offset %d: Raw length %d != Len %d", start, len(in.Raw), in.Len)
		}
		total += in.Len
	}
	if total != len(code) {
		t.Errorf("instruction lengths sum to %d, want %d", total, len(code))
	}
}

// Every operand combination declared by the static table must decode
// without panicking or hitting an unhandled addressing method.
func TestDecode_TableOperandCoverage(t *testing.T) {
	handled := map[AddrMethod]bool{
		AmE: true, AmG: true, AmI: true, AmJ: true, AmO: true,
		AmX: true, AmY: true, AmZ: true, AmImp: true,
	}
	for key, info := range opcodeTable {
		for i, desc := range info.Ops {
			if !handled[desc.Method] {
				t.Errorf("opcode 0x%02X (%s) operand %d uses unhandled method %d",
					key.opcode, info.Name, i, desc.Method)
			}
		}
	}
}

func TestInstrString(t *testing.T) {
	in := decodeAt(t, []byte{0x8B, 0x44, 0x9E, 0x10}, 0)
	if got, want := in.String(), "MOV EAX, [ESI+EBX*4+0x10]"; got != want {
		t.Errorf("String: got %q, want %q", got, want)
	}
}
