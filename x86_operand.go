// x86_operand.go - Structured operands for decoded instructions
//
// Operands are a closed sum type: unsigned immediate, signed immediate,
// register, or memory reference. Once decoded into this model no pointer
// arithmetic on the raw byte stream is needed; the disassembler and the
// interpreter work entirely off these values.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package shapevm

import "fmt"

// Operand is one decoded instruction operand.
type Operand interface {
	fmt.Stringer
	isOperand()
}

// Imm is a 32-bit unsigned immediate.
type Imm uint32

// SImm is a sign-extended immediate (8- or 16-bit source widened to 32).
type SImm int32

// MemRef is a memory operand: Disp + Base + Index*Scale, with an optional
// segment override and an access size in bytes (1, 2 or 4). A MemRef with
// neither base nor index is a plain absolute address.
type MemRef struct {
	Disp  int32
	Base  Reg // RegNone when absent
	Index Reg // RegNone when absent
	Scale uint8
	Seg   Reg // RegNone when no override
	Size  uint8
}

func (Imm) isOperand()    {}
func (SImm) isOperand()   {}
func (Reg) isOperand()    {}
func (MemRef) isOperand() {}

func (i Imm) String() string {
	return fmt.Sprintf("0x%X", uint32(i))
}

func (s SImm) String() string {
	if s < 0 {
		return fmt.Sprintf("-0x%X", uint32(-s))
	}
	return fmt.Sprintf("0x%X", uint32(s))
}

// IsAbs reports whether the reference is a pure displacement address with
// no register contribution.
func (m MemRef) IsAbs() bool {
	return m.Base == RegNone && m.Index == RegNone
}

func (m MemRef) String() string {
	prefix := ""
	if m.Seg != RegNone {
		prefix = m.Seg.String() + ":"
	}

	if m.IsAbs() {
		return fmt.Sprintf("%s[0x%08X]", prefix, uint32(m.Disp))
	}

	expr := ""
	if m.Base != RegNone {
		expr = m.Base.String()
	}
	if m.Index != RegNone {
		if expr != "" {
			expr += "+"
		}
		expr += fmt.Sprintf("%s*%d", m.Index, m.Scale)
	}
	switch {
	case m.Disp > 0:
		expr += fmt.Sprintf("+0x%X", uint32(m.Disp))
	case m.Disp < 0:
		expr += fmt.Sprintf("-0x%X", uint32(-m.Disp))
	}
	return fmt.Sprintf("%s[%s]", prefix, expr)
}
