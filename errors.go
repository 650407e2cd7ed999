// errors.go - Typed errors for decode, disassembly and interpretation
//
// Every failure surfaced by this package is one of the concrete types below
// so callers can switch on the failure kind with errors.As. Decode errors
// distinguish "garbage opcode" (UnknownOpcodeError) from "truncated buffer"
// (TooShortError), and TooShortError records which decode phase ran out of
// bytes.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package shapevm

import "fmt"

// DecodePhase names the step of instruction decoding that was in progress
// when the byte stream ran out.
type DecodePhase string

const (
	PhaseOpcode DecodePhase = "opcode"
	PhaseModRM  DecodePhase = "modrm"
	PhaseSIB    DecodePhase = "sib"
	PhaseDisp   DecodePhase = "displacement"
	PhaseImm    DecodePhase = "immediate"
)

// UnknownOpcodeError reports an opcode (with its ModRM extension, -1 when
// none applied) that has no entry in the opcode table.
type UnknownOpcodeError struct {
	Offset int
	Opcode uint16
	Ext    int8
}

func (e *UnknownOpcodeError) Error() string {
	if e.Ext >= 0 {
		return fmt.Sprintf("unknown opcode 0x%02X /%d at offset 0x%X", e.Opcode, e.Ext, e.Offset)
	}
	return fmt.Sprintf("unknown opcode 0x%02X at offset 0x%X", e.Opcode, e.Offset)
}

// TooShortError reports that the byte stream ended before the current
// instruction could be fully decoded.
type TooShortError struct {
	Offset int
	Phase  DecodePhase
}

func (e *TooShortError) Error() string {
	return fmt.Sprintf("byte stream too short at offset 0x%X while reading %s", e.Offset, e.Phase)
}

// UnmappedMemoryError reports a load or store to a virtual address with no
// mapped input value and no mapped writable buffer.
type UnmappedMemoryError struct {
	Addr uint32
}

func (e *UnmappedMemoryError) Error() string {
	return fmt.Sprintf("unmapped memory access at 0x%08X", e.Addr)
}

// UnexpectedExitError reports that interpretation ended without reaching a
// registered trampoline.
type UnexpectedExitError struct {
	Addr   uint32
	Reason string
}

func (e *UnexpectedExitError) Error() string {
	return fmt.Sprintf("unexpected exit at 0x%08X: %s", e.Addr, e.Reason)
}

// UnknownTrampolineError reports a call or return target that matches no
// supplied trampoline.
type UnknownTrampolineError struct {
	Addr uint32
}

func (e *UnknownTrampolineError) Error() string {
	return fmt.Sprintf("no trampoline fixed up at 0x%08X", e.Addr)
}
