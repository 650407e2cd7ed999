// interp_ops.go - Instruction execution and flag arithmetic
//
// One handler per table mnemonic; every opcode/operand combination the
// static table can produce is executed here, so a decoded instruction never
// hits an "unimplemented" path unless the table itself grows.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package shapevm

import "fmt"

// Flag bit positions (EFLAGS layout)
const (
	flagCF = 1 << 0
	flagPF = 1 << 2
	flagAF = 1 << 4
	flagZF = 1 << 6
	flagSF = 1 << 7
	flagOF = 1 << 11
)

func (it *Interp) getFlag(f uint32) bool {
	return it.flags&f != 0
}

func (it *Interp) setFlag(f uint32, on bool) {
	if on {
		it.flags |= f
	} else {
		it.flags &^= f
	}
}

// widthMask returns the value mask for a width in bytes.
func widthMask(w int) uint32 {
	switch w {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	}
	return 0xFFFFFFFF
}

func signBit(w int) uint32 {
	return 1 << (w*8 - 1)
}

// parity returns true when the low byte has even parity.
func parity(v byte) bool {
	v ^= v >> 4
	v ^= v >> 2
	v ^= v >> 1
	return v&1 == 0
}

// setFlagsArith sets CF/ZF/SF/OF/PF/AF after an add or subtract of width w.
// carry is the incoming CF for ADC/SBB, zero otherwise; it is kept separate
// from b so the overflow and adjust flags see the real operand even when
// b+carry would wrap.
func (it *Interp) setFlagsArith(w int, result uint64, a, b, carry uint32, sub bool) {
	mask := widthMask(w)
	sign := signBit(w)
	r := uint32(result) & mask

	it.setFlag(flagCF, result > uint64(mask))
	it.setFlag(flagZF, r == 0)
	it.setFlag(flagSF, r&sign != 0)
	it.setFlag(flagPF, parity(byte(r)))

	if sub {
		it.setFlag(flagOF, (a^b)&(a^r)&sign != 0)
		it.setFlag(flagAF, uint64(a&0x0F) < uint64(b&0x0F)+uint64(carry))
	} else {
		it.setFlag(flagOF, (^(a^b))&(a^r)&sign != 0)
		it.setFlag(flagAF, uint64(a&0x0F)+uint64(b&0x0F)+uint64(carry) > 0x0F)
	}
}

// setFlagsLogic sets flags after a logical operation; CF and OF clear.
func (it *Interp) setFlagsLogic(w int, result uint32) {
	r := result & widthMask(w)
	it.setFlag(flagCF, false)
	it.setFlag(flagOF, false)
	it.setFlag(flagZF, r == 0)
	it.setFlag(flagSF, r&signBit(w) != 0)
	it.setFlag(flagPF, parity(byte(r)))
}

// operandWidth returns an operand's intrinsic width in bytes; immediates
// report zero.
func operandWidth(op Operand) int {
	switch o := op.(type) {
	case Reg:
		return o.Width()
	case MemRef:
		return int(o.Size)
	}
	return 0
}

// instrWidth derives the instruction's operation width from its first
// sized operand.
func instrWidth(in *Instr) int {
	for _, op := range in.Ops {
		if w := operandWidth(op); w != 0 {
			return w
		}
	}
	return 4
}

// readOp reads an operand's value, zero-extended to 32 bits. Signed
// immediates arrive already sign-extended from decode.
func (it *Interp) readOp(op Operand) (uint32, error) {
	switch o := op.(type) {
	case Imm:
		return uint32(o), nil
	case SImm:
		return uint32(int32(o)), nil
	case Reg:
		return it.Regs.Get(o), nil
	case MemRef:
		return it.readMem(it.effAddr(o), int(o.Size))
	}
	return 0, fmt.Errorf("unreadable operand %v", op)
}

// writeOp stores a value through a register or memory operand.
func (it *Interp) writeOp(op Operand, v uint32) error {
	switch o := op.(type) {
	case Reg:
		it.Regs.Set(o, v)
		return nil
	case MemRef:
		return it.writeMem(it.effAddr(o), int(o.Size), v)
	}
	return fmt.Errorf("store to non-writable operand %v", op)
}

// cond evaluates a Jcc mnemonic against the current flags.
func (it *Interp) cond(name Mnemonic) bool {
	cf := it.getFlag(flagCF)
	zf := it.getFlag(flagZF)
	sf := it.getFlag(flagSF)
	of := it.getFlag(flagOF)
	pf := it.getFlag(flagPF)

	switch name {
	case "JO":
		return of
	case "JNO":
		return !of
	case "JB":
		return cf
	case "JNB":
		return !cf
	case "JZ":
		return zf
	case "JNZ":
		return !zf
	case "JBE":
		return cf || zf
	case "JA":
		return !cf && !zf
	case "JS":
		return sf
	case "JNS":
		return !sf
	case "JP":
		return pf
	case "JNP":
		return !pf
	case "JL":
		return sf != of
	case "JGE":
		return sf == of
	case "JLE":
		return zf || sf != of
	case "JG":
		return !zf && sf == of
	}
	return false
}

// exec runs one instruction. On success it leaves it.ip at the next
// instruction to execute and returns a non-nil Exit only when a trampoline
// was reached.
func (it *Interp) exec(in *Instr) (*Exit, error) {
	next := it.ip + in.Len

	if exit, handled, err := it.execControl(in, next); handled {
		return exit, err
	}
	it.ip = next

	w := instrWidth(in)
	mask := widthMask(w)

	switch in.Name {
	case "NOP":
		return nil, nil

	case "MOV":
		v, err := it.readOp(in.Ops[1])
		if err != nil {
			return nil, err
		}
		return nil, it.writeOp(in.Ops[0], v)

	case "MOVZX":
		v, err := it.readOp(in.Ops[1])
		if err != nil {
			return nil, err
		}
		return nil, it.writeOp(in.Ops[0], v)

	case "MOVSX":
		v, err := it.readOp(in.Ops[1])
		if err != nil {
			return nil, err
		}
		sw := operandWidth(in.Ops[1])
		if v&signBit(sw) != 0 {
			v |= ^widthMask(sw)
		}
		return nil, it.writeOp(in.Ops[0], v)

	case "LEA":
		m, ok := in.Ops[1].(MemRef)
		if !ok {
			return nil, fmt.Errorf("LEA with register source: %s", in)
		}
		return nil, it.writeOp(in.Ops[0], it.effAddr(m))

	case "XCHG":
		a, err := it.readOp(in.Ops[0])
		if err != nil {
			return nil, err
		}
		b, err := it.readOp(in.Ops[1])
		if err != nil {
			return nil, err
		}
		if err := it.writeOp(in.Ops[0], b); err != nil {
			return nil, err
		}
		return nil, it.writeOp(in.Ops[1], a)

	case "ADD", "ADC", "SUB", "SBB", "CMP":
		a, err := it.readOp(in.Ops[0])
		if err != nil {
			return nil, err
		}
		b, err := it.readOp(in.Ops[1])
		if err != nil {
			return nil, err
		}
		a &= mask
		b &= mask
		var carry uint64
		if (in.Name == "ADC" || in.Name == "SBB") && it.getFlag(flagCF) {
			carry = 1
		}
		var result uint64
		sub := in.Name == "SUB" || in.Name == "SBB" || in.Name == "CMP"
		if sub {
			result = uint64(a) - uint64(b) - carry
		} else {
			result = uint64(a) + uint64(b) + carry
		}
		it.setFlagsArith(w, result, a, b, uint32(carry), sub)
		if in.Name == "CMP" {
			return nil, nil
		}
		return nil, it.writeOp(in.Ops[0], uint32(result)&mask)

	case "AND", "OR", "XOR", "TEST":
		a, err := it.readOp(in.Ops[0])
		if err != nil {
			return nil, err
		}
		b, err := it.readOp(in.Ops[1])
		if err != nil {
			return nil, err
		}
		var result uint32
		switch in.Name {
		case "AND", "TEST":
			result = a & b
		case "OR":
			result = a | b
		case "XOR":
			result = a ^ b
		}
		result &= mask
		it.setFlagsLogic(w, result)
		if in.Name == "TEST" {
			return nil, nil
		}
		return nil, it.writeOp(in.Ops[0], result)

	case "INC", "DEC":
		a, err := it.readOp(in.Ops[0])
		if err != nil {
			return nil, err
		}
		a &= mask
		cf := it.getFlag(flagCF) // INC/DEC leave CF untouched
		var result uint64
		if in.Name == "INC" {
			result = uint64(a) + 1
			it.setFlagsArith(w, result, a, 1, 0, false)
		} else {
			result = uint64(a) - 1
			it.setFlagsArith(w, result, a, 1, 0, true)
		}
		it.setFlag(flagCF, cf)
		return nil, it.writeOp(in.Ops[0], uint32(result)&mask)

	case "NEG":
		a, err := it.readOp(in.Ops[0])
		if err != nil {
			return nil, err
		}
		a &= mask
		result := uint64(0) - uint64(a)
		it.setFlagsArith(w, result, 0, a, 0, true)
		return nil, it.writeOp(in.Ops[0], uint32(result)&mask)

	case "NOT":
		a, err := it.readOp(in.Ops[0])
		if err != nil {
			return nil, err
		}
		return nil, it.writeOp(in.Ops[0], ^a&mask)

	case "SHL", "SHR", "SAR", "ROL", "ROR", "RCL", "RCR":
		return nil, it.execShift(in, w)

	case "MUL", "IMUL", "DIV", "IDIV":
		return nil, it.execMulDiv(in, w)

	case "PUSH":
		v, err := it.readOp(in.Ops[0])
		if err != nil {
			return nil, err
		}
		it.push(v)
		return nil, nil

	case "POP":
		v, ok := it.pop()
		if !ok {
			return nil, &UnexpectedExitError{
				Addr:   it.base + uint32(it.ip),
				Reason: "POP with empty stack",
			}
		}
		return nil, it.writeOp(in.Ops[0], v)

	case "CWDE":
		v := it.Regs.Get(AX)
		if v&0x8000 != 0 {
			v |= 0xFFFF0000
		}
		it.Regs.Set(EAX, v)
		return nil, nil

	case "CDQ":
		if it.Regs.Get(EAX)&0x80000000 != 0 {
			it.Regs.Set(EDX, 0xFFFFFFFF)
		} else {
			it.Regs.Set(EDX, 0)
		}
		return nil, nil

	case "LEAVE":
		v, ok := it.pop()
		if !ok {
			return nil, &UnexpectedExitError{
				Addr:   it.base + uint32(it.ip),
				Reason: "LEAVE with empty stack",
			}
		}
		it.Regs.Set(EBP, v)
		return nil, nil

	case "MOVS", "STOS", "LODS":
		return nil, it.execString(in, w)
	}

	return nil, fmt.Errorf("unimplemented instruction %q at offset 0x%X", in.Name, it.ip-in.Len)
}

// execShift handles the Grp2 shift and rotate forms.
func (it *Interp) execShift(in *Instr, w int) error {
	a, err := it.readOp(in.Ops[0])
	if err != nil {
		return err
	}
	countV, err := it.readOp(in.Ops[1])
	if err != nil {
		return err
	}
	count := uint(countV & 0x1F)
	if count == 0 {
		return nil
	}
	mask := widthMask(w)
	bits := uint(w * 8)
	a &= mask

	var result uint32
	switch in.Name {
	case "SHL":
		result = (a << count) & mask
		it.setFlag(flagCF, count <= bits && a&(1<<(bits-count)) != 0)
		it.setFlagsShift(w, result)
		it.setFlag(flagOF, result&signBit(w) != 0 != it.getFlag(flagCF))
	case "SHR":
		result = (a >> count) & mask
		it.setFlag(flagCF, a&(1<<(count-1)) != 0)
		it.setFlagsShift(w, result)
		it.setFlag(flagOF, a&signBit(w) != 0)
	case "SAR":
		sa := int32(a << (32 - bits)) >> (32 - bits) // sign-extend to 32
		result = uint32(sa>>count) & mask
		it.setFlag(flagCF, a&(1<<(count-1)) != 0)
		it.setFlagsShift(w, result)
		it.setFlag(flagOF, false)
	case "ROL":
		count %= bits
		result = ((a << count) | (a >> (bits - count))) & mask
		it.setFlag(flagCF, result&1 != 0)
	case "ROR":
		count %= bits
		result = ((a >> count) | (a << (bits - count))) & mask
		it.setFlag(flagCF, result&signBit(w) != 0)
	case "RCL", "RCR":
		// Rotate through carry, one bit at a time; counts are tiny
		result = a
		for i := uint(0); i < count; i++ {
			cf := it.getFlag(flagCF)
			if in.Name == "RCL" {
				it.setFlag(flagCF, result&signBit(w) != 0)
				result = (result << 1) & mask
				if cf {
					result |= 1
				}
			} else {
				it.setFlag(flagCF, result&1 != 0)
				result = result >> 1
				if cf {
					result |= signBit(w)
				}
			}
		}
	}
	return it.writeOp(in.Ops[0], result)
}

// setFlagsShift sets the ZF/SF/PF result flags of a shift.
func (it *Interp) setFlagsShift(w int, result uint32) {
	r := result & widthMask(w)
	it.setFlag(flagZF, r == 0)
	it.setFlag(flagSF, r&signBit(w) != 0)
	it.setFlag(flagPF, parity(byte(r)))
}

// execMulDiv handles Grp3 MUL/IMUL/DIV/IDIV and the two- and three-operand
// IMUL forms.
func (it *Interp) execMulDiv(in *Instr, w int) error {
	mask := widthMask(w)

	if in.Name == "IMUL" && len(in.Ops) >= 2 {
		// IMUL Gv,Ev and IMUL Gv,Ev,Iv: truncated signed product
		a, err := it.readOp(in.Ops[1])
		if err != nil {
			return err
		}
		b := a
		if len(in.Ops) == 3 {
			if b, err = it.readOp(in.Ops[2]); err != nil {
				return err
			}
		} else {
			if b, err = it.readOp(in.Ops[0]); err != nil {
				return err
			}
		}
		full := int64(int32(a)) * int64(int32(b))
		result := uint32(full) & mask
		trunc := int64(int32(result)) != full
		it.setFlag(flagCF, trunc)
		it.setFlag(flagOF, trunc)
		return it.writeOp(in.Ops[0], result)
	}

	src, err := it.readOp(in.Ops[0])
	if err != nil {
		return err
	}
	src &= mask

	switch in.Name {
	case "MUL":
		a := it.Regs.Get(EAX) & mask
		full := uint64(a) * uint64(src)
		hi := uint32(full >> (w * 8))
		it.storeWide(w, uint32(full)&mask, hi)
		it.setFlag(flagCF, hi != 0)
		it.setFlag(flagOF, hi != 0)
	case "IMUL":
		a := signExtend(it.Regs.Get(EAX)&mask, w)
		full := int64(a) * int64(signExtend(src, w))
		lo := uint32(full) & mask
		hi := uint32(uint64(full)>>(w*8)) & mask
		it.storeWide(w, lo, hi)
		trunc := int64(signExtend(lo, w)) != full
		it.setFlag(flagCF, trunc)
		it.setFlag(flagOF, trunc)
	case "DIV":
		if src == 0 {
			return &UnexpectedExitError{Addr: it.base + uint32(it.ip), Reason: "division by zero"}
		}
		lo, hi := it.loadWide(w)
		dividend := uint64(hi)<<(w*8) | uint64(lo)
		it.storeWide(w, uint32(dividend/uint64(src))&mask, uint32(dividend%uint64(src))&mask)
	case "IDIV":
		if src == 0 {
			return &UnexpectedExitError{Addr: it.base + uint32(it.ip), Reason: "division by zero"}
		}
		lo, hi := it.loadWide(w)
		dividend := int64(uint64(hi)<<(w*8) | uint64(lo))
		// Sign-extend the double-width dividend
		shift := uint(64 - 2*w*8)
		dividend = dividend << shift >> shift
		divisor := int64(signExtend(src, w))
		it.storeWide(w, uint32(dividend/divisor)&mask, uint32(dividend%divisor)&mask)
	}
	return nil
}

// signExtend widens the low w bytes of v to a signed 32-bit value.
func signExtend(v uint32, w int) int32 {
	shift := uint(32 - w*8)
	return int32(v<<shift) >> shift
}

// loadWide and storeWide access the double-width accumulator pair for
// multiply/divide: AL/AH for bytes, AX/DX for words, EAX/EDX for dwords.
func (it *Interp) loadWide(w int) (lo, hi uint32) {
	switch w {
	case 1:
		return it.Regs.Get(AL), it.Regs.Get(AH)
	case 2:
		return it.Regs.Get(AX), it.Regs.Get(DX)
	}
	return it.Regs.Get(EAX), it.Regs.Get(EDX)
}

func (it *Interp) storeWide(w int, lo, hi uint32) {
	switch w {
	case 1:
		it.Regs.Set(AL, lo)
		it.Regs.Set(AH, hi)
	case 2:
		it.Regs.Set(AX, lo)
		it.Regs.Set(DX, hi)
	default:
		it.Regs.Set(EAX, lo)
		it.Regs.Set(EDX, hi)
	}
}

// execString handles MOVS/STOS/LODS, honoring a REP prefix via ECX. The
// direction flag is not modeled; fragments only use forward copies.
func (it *Interp) execString(in *Instr, w int) error {
	step := func() error {
		switch in.Name {
		case "MOVS":
			v, err := it.readMem(it.Regs.Get(ESI), w)
			if err != nil {
				return err
			}
			if err := it.writeMem(it.Regs.Get(EDI), w, v); err != nil {
				return err
			}
			it.Regs.Set(ESI, it.Regs.Get(ESI)+uint32(w))
			it.Regs.Set(EDI, it.Regs.Get(EDI)+uint32(w))
		case "STOS":
			acc := it.Regs.Get(EAX) & widthMask(w)
			if err := it.writeMem(it.Regs.Get(EDI), w, acc); err != nil {
				return err
			}
			it.Regs.Set(EDI, it.Regs.Get(EDI)+uint32(w))
		case "LODS":
			v, err := it.readMem(it.Regs.Get(ESI), w)
			if err != nil {
				return err
			}
			if w == 1 {
				it.Regs.Set(AL, v)
			} else if w == 2 {
				it.Regs.Set(AX, v)
			} else {
				it.Regs.Set(EAX, v)
			}
			it.Regs.Set(ESI, it.Regs.Get(ESI)+uint32(w))
		}
		return nil
	}

	if in.Rep == 0 {
		return step()
	}
	for it.Regs.Get(ECX) != 0 {
		if err := step(); err != nil {
			return err
		}
		it.Regs.Set(ECX, it.Regs.Get(ECX)-1)
	}
	return nil
}
