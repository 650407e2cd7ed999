// x86_registers.go - x86 register model and register file
//
// Registers are tagged values carrying a view width (8-bit low/high, 16-bit,
// 32-bit) over one of eight 32-bit storage slots, plus the six segment
// registers. The RegFile implements the fixed aliasing rules: writing AL
// leaves the upper 24 bits of the EAX slot untouched, writing AX leaves the
// upper 16, and so on.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package shapevm

import (
	"fmt"
	"strings"
)

// Reg identifies one register view. RegNone marks an absent base/index/
// segment in a MemRef.
type Reg uint8

const (
	RegNone Reg = iota

	// 32-bit views, slot order matches the x86 reg field encoding
	EAX
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI

	// 16-bit views
	AX
	CX
	DX
	BX
	SP
	BP
	SI
	DI

	// 8-bit views (low then high halves, x86 reg8 encoding order)
	AL
	CL
	DL
	BL
	AH
	CH
	DH
	BH

	// Segment registers
	ES
	CS
	SS
	DS
	FS
	GS
)

var regNames = [...]string{
	RegNone: "?",
	EAX:     "EAX", ECX: "ECX", EDX: "EDX", EBX: "EBX",
	ESP: "ESP", EBP: "EBP", ESI: "ESI", EDI: "EDI",
	AX: "AX", CX: "CX", DX: "DX", BX: "BX",
	SP: "SP", BP: "BP", SI: "SI", DI: "DI",
	AL: "AL", CL: "CL", DL: "DL", BL: "BL",
	AH: "AH", CH: "CH", DH: "DH", BH: "BH",
	ES: "ES", CS: "CS", SS: "SS", DS: "DS", FS: "FS", GS: "GS",
}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return "?"
}

// reg32, reg16 and reg8 map the 3-bit register field of an opcode or ModR/M
// byte to a register view of the given width.
var reg32 = [8]Reg{EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI}
var reg16 = [8]Reg{AX, CX, DX, BX, SP, BP, SI, DI}
var reg8 = [8]Reg{AL, CL, DL, BL, AH, CH, DH, BH}
var segRegs = [6]Reg{ES, CS, SS, DS, FS, GS}

// regOfWidth returns the register view selected by a 3-bit encoding field
// for the given access width in bytes.
func regOfWidth(idx byte, width int) Reg {
	switch width {
	case 1:
		return reg8[idx&7]
	case 2:
		return reg16[idx&7]
	default:
		return reg32[idx&7]
	}
}

// Width returns the view width of the register in bytes.
func (r Reg) Width() int {
	switch {
	case r >= EAX && r <= EDI:
		return 4
	case r >= AX && r <= DI:
		return 2
	case r >= AL && r <= BH:
		return 1
	case r >= ES && r <= GS:
		return 2
	}
	return 0
}

// Slot returns the storage slot index the register aliases: 0-7 for the
// general-purpose file, 8-13 for the segment registers.
func (r Reg) Slot() int {
	switch {
	case r >= EAX && r <= EDI:
		return int(r - EAX)
	case r >= AX && r <= DI:
		return int(r - AX)
	case r >= AL && r <= BH:
		// AL..BL are the low bytes of slots 0-3, AH..BH the high bytes
		return int(r-AL) & 3
	case r >= ES && r <= GS:
		return 8 + int(r-ES)
	}
	return -1
}

// isHigh8 reports whether the register is one of the high 8-bit views
// (AH, CH, DH, BH).
func (r Reg) isHigh8() bool {
	return r >= AH && r <= BH
}

// isSeg reports whether the register is a segment register.
func (r Reg) isSeg() bool {
	return r >= ES && r <= GS
}

// RegFile holds the interpreter's register storage: eight 32-bit
// general-purpose slots and six 16-bit segment slots.
type RegFile struct {
	gp  [8]uint32
	seg [6]uint16
}

// Get reads a register through its view, returning the value zero-extended
// to 32 bits.
func (f *RegFile) Get(r Reg) uint32 {
	switch {
	case r >= EAX && r <= EDI:
		return f.gp[r-EAX]
	case r >= AX && r <= DI:
		return f.gp[r-AX] & 0xFFFF
	case r >= AL && r <= BH:
		if r.isHigh8() {
			return (f.gp[r.Slot()] >> 8) & 0xFF
		}
		return f.gp[r.Slot()] & 0xFF
	case r.isSeg():
		return uint32(f.seg[r-ES])
	}
	return 0
}

// Set writes a register through its view, preserving the bits of the
// storage slot outside the view.
func (f *RegFile) Set(r Reg, v uint32) {
	switch {
	case r >= EAX && r <= EDI:
		f.gp[r-EAX] = v
	case r >= AX && r <= DI:
		f.gp[r-AX] = (f.gp[r-AX] & 0xFFFF0000) | (v & 0xFFFF)
	case r >= AL && r <= BH:
		slot := r.Slot()
		if r.isHigh8() {
			f.gp[slot] = (f.gp[slot] & 0xFFFF00FF) | ((v & 0xFF) << 8)
		} else {
			f.gp[slot] = (f.gp[slot] & 0xFFFFFF00) | (v & 0xFF)
		}
	case r.isSeg():
		f.seg[r-ES] = uint16(v)
	}
}

// String renders the general-purpose slots in monitor display form.
func (f *RegFile) String() string {
	var sb strings.Builder
	for i, r := range reg32 {
		fmt.Fprintf(&sb, "%s=%08X", r, f.gp[i])
		if i%4 == 3 {
			sb.WriteByte('\n')
		} else {
			sb.WriteString("  ")
		}
	}
	return sb.String()
}

// Reset clears all storage slots.
func (f *RegFile) Reset() {
	f.gp = [8]uint32{}
	f.seg = [6]uint16{}
}
