// x86_opcode_table.go - Static opcode table for the i386 subset
//
// The table maps a 16-bit opcode key (two-byte 0x0F opcodes fold the escape
// into the high byte) plus an optional ModR/M reg-field extension to a
// mnemonic and an ordered list of operand descriptors. Only the subset the
// original asset compiler emitted is present; anything else is a decode
// error, never a silent fall-through.
//
// Addressing methods follow the Intel manual letters:
//
//	E  ModR/M r/m field: register or memory (ModRM+SIB+displacement)
//	G  ModR/M reg field: register
//	I  immediate in the instruction stream
//	J  relative branch displacement
//	O  direct 32-bit absolute memory offset
//	X  implicit string source DS:[ESI]
//	Y  implicit string destination ES:[EDI]
//	Z  register encoded in the low 3 bits of the opcode byte
//	Imp fixed implicit operand (register, or the constant 1 for shifts)
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package shapevm

// Mnemonic is the symbolic instruction name used in listings and by the
// interpreter's dispatch.
type Mnemonic string

// AddrMethod selects how one operand is decoded.
type AddrMethod uint8

const (
	AmE AddrMethod = iota + 1
	AmG
	AmI
	AmJ
	AmO
	AmX
	AmY
	AmZ
	AmImp
)

// OpSize selects the operand width for a descriptor.
type OpSize uint8

const (
	SzNone OpSize = iota
	SzB           // byte
	SzBs          // byte, sign-extended to 32 bits
	SzW           // word
	SzV           // word or dword, per operand-size prefix
	SzVs          // word or dword, sign-extended (branch displacements)
)

// OpDesc describes one operand of a table entry. For AmImp, Fixed names the
// implicit register; Fixed == RegNone means the constant 1 (shift-by-one
// forms).
type OpDesc struct {
	Method AddrMethod
	Size   OpSize
	Fixed  Reg
}

// OpcodeInfo is one opcode table entry.
type OpcodeInfo struct {
	Name Mnemonic
	Ops  []OpDesc
}

// opKey is the table key: combined opcode plus ModR/M reg extension
// (-1 for opcodes whose identity does not depend on the reg field).
type opKey struct {
	opcode uint16
	ext    int8
}

// prefixBytes is the set of legitimate instruction prefixes.
var prefixBytes = map[byte]bool{
	0x26: true, // ES:
	0x2E: true, // CS:
	0x36: true, // SS:
	0x3E: true, // DS:
	0x64: true, // FS:
	0x65: true, // GS:
	0x66: true, // operand size
	0x67: true, // address size
	0xF0: true, // LOCK
	0xF2: true, // REPNE
	0xF3: true, // REP/REPE
}

// inlineRegOpcodes holds the masked base bytes of opcodes that multiplex a
// register into their low 3 bits. A failed table lookup retries with these.
var inlineRegOpcodes = map[uint16]bool{
	0x40: true, // INC r
	0x48: true, // DEC r
	0x50: true, // PUSH r
	0x58: true, // POP r
	0xB0: true, // MOV r8, imm8
	0xB8: true, // MOV r, imm
}

// modRMExtOpcodes holds the opcodes whose true identity lives in the ModR/M
// reg field (the Grp1-5 families). The decoder peeks the next byte before
// the table lookup for these.
var modRMExtOpcodes = map[uint16]bool{
	0x80: true, 0x81: true, 0x83: true,
	0xC0: true, 0xC1: true,
	0xC6: true, 0xC7: true,
	0xD0: true, 0xD1: true, 0xD2: true, 0xD3: true,
	0xF6: true, 0xF7: true,
	0xFE: true, 0xFF: true,
}

// x86Cond names the 16 condition codes in Jcc encoding order.
var x86Cond = [16]string{
	"O", "NO", "B", "NB", "Z", "NZ", "BE", "A",
	"S", "NS", "P", "NP", "L", "GE", "LE", "G",
}

// Descriptor shorthands used by buildOpcodeTable.
func opE(sz OpSize) OpDesc { return OpDesc{Method: AmE, Size: sz} }
func opG(sz OpSize) OpDesc { return OpDesc{Method: AmG, Size: sz} }
func opI(sz OpSize) OpDesc { return OpDesc{Method: AmI, Size: sz} }
func opJ(sz OpSize) OpDesc { return OpDesc{Method: AmJ, Size: sz} }
func opO(sz OpSize) OpDesc { return OpDesc{Method: AmO, Size: sz} }
func opX(sz OpSize) OpDesc { return OpDesc{Method: AmX, Size: sz} }
func opY(sz OpSize) OpDesc { return OpDesc{Method: AmY, Size: sz} }
func opZ(sz OpSize) OpDesc { return OpDesc{Method: AmZ, Size: sz} }
func opReg(r Reg) OpDesc { return OpDesc{Method: AmImp, Size: SzV, Fixed: r} }
func opReg8(r Reg) OpDesc { return OpDesc{Method: AmImp, Size: SzB, Fixed: r} }
func opOne() OpDesc { return OpDesc{Method: AmImp, Size: SzNone, Fixed: RegNone} }

var opcodeTable = buildOpcodeTable()

func buildOpcodeTable() map[opKey]OpcodeInfo {
	t := make(map[opKey]OpcodeInfo)
	add := func(op uint16, ext int8, name Mnemonic, ops ...OpDesc) {
		t[opKey{op, ext}] = OpcodeInfo{Name: name, Ops: ops}
	}

	// 0x00-0x3D: the eight two-operand ALU families share one layout
	aluNames := []Mnemonic{"ADD", "OR", "ADC", "SBB", "AND", "SUB", "XOR", "CMP"}
	for i, name := range aluNames {
		base := uint16(i) * 8
		add(base+0, -1, name, opE(SzB), opG(SzB))
		add(base+1, -1, name, opE(SzV), opG(SzV))
		add(base+2, -1, name, opG(SzB), opE(SzB))
		add(base+3, -1, name, opG(SzV), opE(SzV))
		add(base+4, -1, name, opReg8(AL), opI(SzB))
		add(base+5, -1, name, opReg(EAX), opI(SzV))
	}

	// 0x40-0x5F: inline-register INC/DEC/PUSH/POP (table keyed on the
	// masked base byte, recovered by the decoder's second lookup)
	add(0x40, -1, "INC", opZ(SzV))
	add(0x48, -1, "DEC", opZ(SzV))
	add(0x50, -1, "PUSH", opZ(SzV))
	add(0x58, -1, "POP", opZ(SzV))

	// 0x68-0x6B: push immediate, three-operand IMUL
	add(0x68, -1, "PUSH", opI(SzV))
	add(0x69, -1, "IMUL", opG(SzV), opE(SzV), opI(SzV))
	add(0x6A, -1, "PUSH", opI(SzBs))
	add(0x6B, -1, "IMUL", opG(SzV), opE(SzV), opI(SzBs))

	// 0x70-0x7F: Jcc rel8
	for i := 0; i < 16; i++ {
		add(0x70+uint16(i), -1, Mnemonic("J"+x86Cond[i]), opJ(SzBs))
	}

	// 0x80/0x81/0x83: Grp1 (immediate ALU), identity in ModR/M reg
	for ext, name := range aluNames {
		add(0x80, int8(ext), name, opE(SzB), opI(SzB))
		add(0x81, int8(ext), name, opE(SzV), opI(SzV))
		add(0x83, int8(ext), name, opE(SzV), opI(SzBs))
	}

	// 0x84-0x8D: TEST/XCHG/MOV/LEA
	add(0x84, -1, "TEST", opE(SzB), opG(SzB))
	add(0x85, -1, "TEST", opE(SzV), opG(SzV))
	add(0x86, -1, "XCHG", opE(SzB), opG(SzB))
	add(0x87, -1, "XCHG", opE(SzV), opG(SzV))
	add(0x88, -1, "MOV", opE(SzB), opG(SzB))
	add(0x89, -1, "MOV", opE(SzV), opG(SzV))
	add(0x8A, -1, "MOV", opG(SzB), opE(SzB))
	add(0x8B, -1, "MOV", opG(SzV), opE(SzV))
	add(0x8D, -1, "LEA", opG(SzV), opE(SzV))

	// 0x90-0x99
	add(0x90, -1, "NOP")
	add(0x98, -1, "CWDE")
	add(0x99, -1, "CDQ")

	// 0xA0-0xA3: accumulator moffs moves
	add(0xA0, -1, "MOV", opReg8(AL), opO(SzB))
	add(0xA1, -1, "MOV", opReg(EAX), opO(SzV))
	add(0xA2, -1, "MOV", opO(SzB), opReg8(AL))
	add(0xA3, -1, "MOV", opO(SzV), opReg(EAX))

	// 0xA4-0xAD: string operations (implicit ESI/EDI operands)
	add(0xA4, -1, "MOVS", opY(SzB), opX(SzB))
	add(0xA5, -1, "MOVS", opY(SzV), opX(SzV))
	add(0xA8, -1, "TEST", opReg8(AL), opI(SzB))
	add(0xA9, -1, "TEST", opReg(EAX), opI(SzV))
	add(0xAA, -1, "STOS", opY(SzB), opReg8(AL))
	add(0xAB, -1, "STOS", opY(SzV), opReg(EAX))
	add(0xAC, -1, "LODS", opReg8(AL), opX(SzB))
	add(0xAD, -1, "LODS", opReg(EAX), opX(SzV))

	// 0xB0/0xB8: inline-register MOV immediate
	add(0xB0, -1, "MOV", opZ(SzB), opI(SzB))
	add(0xB8, -1, "MOV", opZ(SzV), opI(SzV))

	// 0xC0/0xC1, 0xD0-0xD3: Grp2 shifts and rotates
	shiftNames := []Mnemonic{"ROL", "ROR", "RCL", "RCR", "SHL", "SHR", "SHL", "SAR"}
	for ext, name := range shiftNames {
		add(0xC0, int8(ext), name, opE(SzB), opI(SzB))
		add(0xC1, int8(ext), name, opE(SzV), opI(SzB))
		add(0xD0, int8(ext), name, opE(SzB), opOne())
		add(0xD1, int8(ext), name, opE(SzV), opOne())
		add(0xD2, int8(ext), name, opE(SzB), opReg8(CL))
		add(0xD3, int8(ext), name, opE(SzV), opReg8(CL))
	}

	// 0xC2-0xC9
	add(0xC2, -1, "RET", opI(SzW))
	add(0xC3, -1, "RET")
	add(0xC6, 0, "MOV", opE(SzB), opI(SzB))
	add(0xC7, 0, "MOV", opE(SzV), opI(SzV))
	add(0xC9, -1, "LEAVE")

	// 0xE8-0xEB: calls and jumps
	add(0xE8, -1, "CALL", opJ(SzVs))
	add(0xE9, -1, "JMP", opJ(SzVs))
	add(0xEB, -1, "JMP", opJ(SzBs))

	// 0xF6/0xF7: Grp3 (TEST imm, NOT, NEG, MUL, IMUL, DIV, IDIV)
	grp3 := []Mnemonic{"TEST", "", "NOT", "NEG", "MUL", "IMUL", "DIV", "IDIV"}
	for ext, name := range grp3 {
		if name == "" {
			continue
		}
		if name == "TEST" {
			add(0xF6, int8(ext), name, opE(SzB), opI(SzB))
			add(0xF7, int8(ext), name, opE(SzV), opI(SzV))
			continue
		}
		add(0xF6, int8(ext), name, opE(SzB))
		add(0xF7, int8(ext), name, opE(SzV))
	}

	// 0xFE/0xFF: Grp4/Grp5
	add(0xFE, 0, "INC", opE(SzB))
	add(0xFE, 1, "DEC", opE(SzB))
	add(0xFF, 0, "INC", opE(SzV))
	add(0xFF, 1, "DEC", opE(SzV))
	add(0xFF, 2, "CALL", opE(SzV))
	add(0xFF, 4, "JMP", opE(SzV))
	add(0xFF, 6, "PUSH", opE(SzV))

	// 0x0F 0x80-0x8F: Jcc rel32
	for i := 0; i < 16; i++ {
		add(0x0F80+uint16(i), -1, Mnemonic("J"+x86Cond[i]), opJ(SzVs))
	}

	// 0x0F extensions: IMUL, MOVZX, MOVSX
	add(0x0FAF, -1, "IMUL", opG(SzV), opE(SzV))
	add(0x0FB6, -1, "MOVZX", opG(SzV), opE(SzB))
	add(0x0FB7, -1, "MOVZX", opG(SzV), opE(SzW))
	add(0x0FBE, -1, "MOVSX", opG(SzV), opE(SzB))
	add(0x0FBF, -1, "MOVSX", opG(SzV), opE(SzW))

	return t
}
