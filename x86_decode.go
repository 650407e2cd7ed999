// x86_decode.go - Instruction decoder
//
// DecodeOne consumes exactly one instruction from a byte slice: prefixes,
// opcode (including the 0x0F two-byte escape and the inline-register
// fallback), then each operand per its table descriptor. The cursor is only
// advanced on success, and the decoded Instr records the exact byte length
// so downstream offset arithmetic stays correct.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package shapevm

import "strings"

// Instr is one decoded instruction.
type Instr struct {
	Name  Mnemonic
	Ops   []Operand
	Raw   []byte // the exact bytes consumed
	Len   int    // == len(Raw)
	Rep   byte   // repeat prefix: 0 none, 1 REP/REPE, 2 REPNE
	Annot string // resolved trampoline name, when applicable
}

// String renders the instruction in listing syntax, e.g.
// "MOV EAX, [EBX+ESI*4+0x10]". A trampoline annotation is appended as a
// trailing comment.
func (in Instr) String() string {
	var sb strings.Builder
	if in.Rep == 1 {
		sb.WriteString("REP ")
	} else if in.Rep == 2 {
		sb.WriteString("REPNE ")
	}
	sb.WriteString(string(in.Name))
	for i, op := range in.Ops {
		if i == 0 {
			sb.WriteString(" ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(op.String())
	}
	if in.Annot != "" {
		sb.WriteString(" ; ")
		sb.WriteString(in.Annot)
	}
	return sb.String()
}

// decoder holds the transient state of one DecodeOne call.
type decoder struct {
	code  []byte
	start int
	pos   int

	opSize   bool // 0x66 prefix
	addrSize bool // 0x67 prefix
	seg      Reg  // segment override, RegNone when absent
	rep      byte

	opcode    uint16
	modrm     byte
	modrmRead bool
}

// DecodeOne decodes the instruction at *cursor and advances the cursor past
// it. On error the cursor is left unchanged.
func DecodeOne(code []byte, cursor *int) (Instr, error) {
	d := &decoder{code: code, start: *cursor, pos: *cursor, seg: RegNone}
	in, err := d.decode()
	if err != nil {
		return Instr{}, err
	}
	*cursor = d.pos
	return in, nil
}

func (d *decoder) fetch8(phase DecodePhase) (byte, error) {
	if d.pos >= len(d.code) {
		return 0, &TooShortError{Offset: d.pos, Phase: phase}
	}
	b := d.code[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) fetch16(phase DecodePhase) (uint16, error) {
	if d.pos+2 > len(d.code) {
		return 0, &TooShortError{Offset: d.pos, Phase: phase}
	}
	v := uint16(d.code[d.pos]) | uint16(d.code[d.pos+1])<<8
	d.pos += 2
	return v, nil
}

func (d *decoder) fetch32(phase DecodePhase) (uint32, error) {
	if d.pos+4 > len(d.code) {
		return 0, &TooShortError{Offset: d.pos, Phase: phase}
	}
	v := uint32(d.code[d.pos]) | uint32(d.code[d.pos+1])<<8 |
		uint32(d.code[d.pos+2])<<16 | uint32(d.code[d.pos+3])<<24
	d.pos += 4
	return v, nil
}

func (d *decoder) decode() (Instr, error) {
	// Prefixes
	for d.pos < len(d.code) && prefixBytes[d.code[d.pos]] {
		b := d.code[d.pos]
		d.pos++
		switch b {
		case 0x26:
			d.seg = ES
		case 0x2E:
			d.seg = CS
		case 0x36:
			d.seg = SS
		case 0x3E:
			d.seg = DS
		case 0x64:
			d.seg = FS
		case 0x65:
			d.seg = GS
		case 0x66:
			d.opSize = true
		case 0x67:
			d.addrSize = true
		case 0xF2:
			d.rep = 2
		case 0xF3:
			d.rep = 1
		case 0xF0:
			// LOCK carries no meaning for a single-threaded fragment
		}
	}

	// Opcode, folding the 0x0F escape into a 16-bit key
	op, err := d.fetch8(PhaseOpcode)
	if err != nil {
		return Instr{}, err
	}
	key := uint16(op)
	if op == 0x0F {
		op2, err := d.fetch8(PhaseOpcode)
		if err != nil {
			return Instr{}, err
		}
		key = 0x0F00 | uint16(op2)
	}
	d.opcode = key

	// Extension opcodes need the ModR/M reg field before the lookup.
	// Peek without consuming; operand decode fetches it properly.
	ext := int8(-1)
	if modRMExtOpcodes[key] {
		if d.pos >= len(d.code) {
			return Instr{}, &TooShortError{Offset: d.pos, Phase: PhaseModRM}
		}
		ext = int8((d.code[d.pos] >> 3) & 7)
	}

	info, ok := opcodeTable[opKey{key, ext}]
	if !ok && ext < 0 && key < 0x100 {
		// Inline-register fallback: mask the register out of the opcode
		masked := key &^ 7
		if inlineRegOpcodes[masked] {
			info, ok = opcodeTable[opKey{masked, -1}]
		}
	}
	if !ok {
		return Instr{}, &UnknownOpcodeError{Offset: d.start, Opcode: key, Ext: ext}
	}

	in := Instr{Name: info.Name, Rep: d.rep}
	for _, desc := range info.Ops {
		o, err := d.operand(desc)
		if err != nil {
			return Instr{}, err
		}
		in.Ops = append(in.Ops, o)
	}

	in.Raw = d.code[d.start:d.pos:d.pos]
	in.Len = d.pos - d.start
	return in, nil
}

// width resolves an OpSize to a byte count under the current operand-size
// prefix.
func (d *decoder) width(sz OpSize) int {
	switch sz {
	case SzB, SzBs:
		return 1
	case SzW:
		return 2
	case SzV, SzVs:
		if d.opSize {
			return 2
		}
		return 4
	}
	return 0
}

func (d *decoder) ensureModRM() (byte, error) {
	if !d.modrmRead {
		b, err := d.fetch8(PhaseModRM)
		if err != nil {
			return 0, err
		}
		d.modrm = b
		d.modrmRead = true
	}
	return d.modrm, nil
}

func (d *decoder) operand(desc OpDesc) (Operand, error) {
	w := d.width(desc.Size)

	switch desc.Method {
	case AmE:
		m, err := d.ensureModRM()
		if err != nil {
			return nil, err
		}
		if (m>>6)&3 == 3 {
			return regOfWidth(m&7, w), nil
		}
		return d.memRef(w)

	case AmG:
		m, err := d.ensureModRM()
		if err != nil {
			return nil, err
		}
		return regOfWidth((m>>3)&7, w), nil

	case AmI:
		return d.immediate(desc.Size, w)

	case AmJ:
		// Branch displacements are always signed
		switch desc.Size {
		case SzBs:
			b, err := d.fetch8(PhaseImm)
			if err != nil {
				return nil, err
			}
			return SImm(int32(int8(b))), nil
		default:
			if w == 2 {
				v, err := d.fetch16(PhaseImm)
				if err != nil {
					return nil, err
				}
				return SImm(int32(int16(v))), nil
			}
			v, err := d.fetch32(PhaseImm)
			if err != nil {
				return nil, err
			}
			return SImm(int32(v)), nil
		}

	case AmO:
		v, err := d.fetch32(PhaseDisp)
		if err != nil {
			return nil, err
		}
		return MemRef{Disp: int32(v), Seg: d.seg, Size: uint8(w)}, nil

	case AmX:
		seg := d.seg
		if seg == RegNone {
			seg = DS
		}
		return MemRef{Base: ESI, Seg: seg, Size: uint8(w)}, nil

	case AmY:
		// String destination ignores segment overrides
		return MemRef{Base: EDI, Seg: ES, Size: uint8(w)}, nil

	case AmZ:
		return regOfWidth(byte(d.opcode&7), w), nil

	case AmImp:
		if desc.Fixed == RegNone {
			return Imm(1), nil
		}
		r := desc.Fixed
		if desc.Size == SzV && d.opSize && r.Width() == 4 {
			r = reg16[r.Slot()]
		}
		return r, nil
	}

	return nil, &UnknownOpcodeError{Offset: d.start, Opcode: d.opcode, Ext: -1}
}

func (d *decoder) immediate(sz OpSize, w int) (Operand, error) {
	switch sz {
	case SzB:
		b, err := d.fetch8(PhaseImm)
		if err != nil {
			return nil, err
		}
		return Imm(uint32(b)), nil
	case SzBs:
		b, err := d.fetch8(PhaseImm)
		if err != nil {
			return nil, err
		}
		return SImm(int32(int8(b))), nil
	case SzW:
		v, err := d.fetch16(PhaseImm)
		if err != nil {
			return nil, err
		}
		return Imm(uint32(v)), nil
	default:
		if w == 2 {
			v, err := d.fetch16(PhaseImm)
			if err != nil {
				return nil, err
			}
			if sz == SzVs {
				return SImm(int32(int16(v))), nil
			}
			return Imm(uint32(v)), nil
		}
		v, err := d.fetch32(PhaseImm)
		if err != nil {
			return nil, err
		}
		if sz == SzVs {
			return SImm(int32(v)), nil
		}
		return Imm(v), nil
	}
}

// memRef decodes the memory forms of a ModR/M operand: optional SIB,
// optional displacement. The rm==5/mod==0 form is a bare 32-bit absolute
// address, rm==4 introduces a SIB byte.
func (d *decoder) memRef(w int) (Operand, error) {
	m, err := d.ensureModRM()
	if err != nil {
		return nil, err
	}
	mod := (m >> 6) & 3
	rm := m & 7

	ref := MemRef{Seg: d.seg, Size: uint8(w), Scale: 1}

	if mod == 0 && rm == 5 {
		v, err := d.fetch32(PhaseDisp)
		if err != nil {
			return nil, err
		}
		ref.Disp = int32(v)
		return ref, nil
	}

	if rm == 4 {
		sib, err := d.fetch8(PhaseSIB)
		if err != nil {
			return nil, err
		}
		base := sib & 7
		index := (sib >> 3) & 7
		if index != 4 { // index 4 = no index
			ref.Index = reg32[index]
			ref.Scale = 1 << ((sib >> 6) & 3)
		}
		if base == 5 && mod == 0 {
			v, err := d.fetch32(PhaseDisp)
			if err != nil {
				return nil, err
			}
			ref.Disp = int32(v)
			return ref, nil
		}
		ref.Base = reg32[base]
	} else {
		ref.Base = reg32[rm]
	}

	switch mod {
	case 1:
		b, err := d.fetch8(PhaseDisp)
		if err != nil {
			return nil, err
		}
		ref.Disp = int32(int8(b))
	case 2:
		v, err := d.fetch32(PhaseDisp)
		if err != nil {
			return nil, err
		}
		ref.Disp = int32(v)
	}
	return ref, nil
}
