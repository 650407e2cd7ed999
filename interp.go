// interp.go - Sandboxed interpreter for decoded fragments
//
// The interpreter owns a private register file, an internal value stack and
// a sparse virtual memory map, and executes pre-decoded ByteCode blocks.
// Nothing escapes the sandbox: loads and stores only succeed against
// explicitly mapped inputs and writable buffers, and the only successful way
// out is a call or retpoline return into a registered trampoline, which
// halts the run and hands the trampoline's name and arguments back to the
// host.
//
// Lifecycle: construct, add code, map inputs/outputs, Run; read outputs
// back via UnmapWritable; discard. State persists across Run calls on one
// instance (trampoline re-entry), never across instances.
//
// The stack is modeled as a private slice of 32-bit values rather than
// ESP-relative memory; fragments address their stack only through PUSH,
// POP, CALL, RET and LEAVE.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package shapevm

import "fmt"

// Exit reports a successful interpreter run: the trampoline reached, its
// argument values, and the offset execution would resume at if the host
// re-enters (-1 when the trampoline does not return).
type Exit struct {
	Name         string
	Args         []uint32
	ResumeOffset int
}

// mappedBuf is one writable byte range installed by the host.
type mappedBuf struct {
	addr uint32
	data []byte
}

// Interp executes decoded instruction blocks against a virtual register
// file and mapped memory. One instance per evaluation; no internal locking.
type Interp struct {
	Regs  RegFile
	flags uint32

	base   uint32
	size   int // total extent of the code region, for return-target checks
	blocks []*ByteCode
	tramps *TrampolineTable
	arity  map[string]int

	values map[uint32]uint32
	bufs   []mappedBuf

	stack []uint32
	ip    int
}

// NewInterp creates an interpreter for a region loaded at the given virtual
// base address. The trampoline table supplies the recognized exit targets.
func NewInterp(base uint32, tramps *TrampolineTable) *Interp {
	return &Interp{
		base:   base,
		tramps: tramps,
		arity:  make(map[string]int),
		values: make(map[uint32]uint32),
	}
}

// AddCode installs a decoded block. Blocks are kept in offset order.
func (it *Interp) AddCode(b *ByteCode) {
	i := 0
	for i < len(it.blocks) && it.blocks[i].Offset < b.Offset {
		i++
	}
	it.blocks = append(it.blocks, nil)
	copy(it.blocks[i+1:], it.blocks[i:])
	it.blocks[i] = b
	if b.End() > it.size {
		it.size = b.End()
	}
}

// SetTrampolineArity declares how many stack arguments the named trampoline
// takes; the values are surfaced on Exit. Unset names default to zero.
func (it *Interp) SetTrampolineArity(name string, n int) {
	it.arity[name] = n
}

// instrAt returns the decoded instruction starting at the file offset, or
// nil when the offset is not a known instruction boundary.
func (it *Interp) instrAt(off int) *Instr {
	for _, b := range it.blocks {
		if !b.Contains(off) {
			continue
		}
		if in, _, ok := b.InstrAt(off); ok {
			return in
		}
	}
	return nil
}

// Run executes from the given file offset until a registered trampoline is
// reached or an error occurs. Register and memory state persist across
// calls, so the host can resume at Exit.ResumeOffset after servicing a
// trampoline.
func (it *Interp) Run(entry int) (*Exit, error) {
	it.ip = entry
	for {
		in := it.instrAt(it.ip)
		if in == nil {
			return nil, &UnexpectedExitError{
				Addr:   it.base + uint32(it.ip),
				Reason: "no decoded instruction at offset",
			}
		}
		exit, err := it.exec(in)
		if err != nil {
			return nil, err
		}
		if exit != nil {
			return exit, nil
		}
	}
}

func (it *Interp) push(v uint32) {
	it.stack = append(it.stack, v)
}

func (it *Interp) pop() (uint32, bool) {
	if len(it.stack) == 0 {
		return 0, false
	}
	v := it.stack[len(it.stack)-1]
	it.stack = it.stack[:len(it.stack)-1]
	return v, true
}

// peekArgs collects the top n stack values without consuming them; callers
// clean their own arguments up after the trampoline returns.
func (it *Interp) peekArgs(n int) []uint32 {
	args := make([]uint32, 0, n)
	for i := 0; i < n && i < len(it.stack); i++ {
		args = append(args, it.stack[len(it.stack)-1-i])
	}
	return args
}

// trampolineExit builds the Exit for a recognized trampoline target.
// popResume controls whether the next stack slot carries the return address
// (the retpoline form); call forms pass the resume offset directly.
func (it *Interp) trampolineExit(tr Trampoline, popResume bool, resume int) *Exit {
	if popResume {
		resume = -1
		if !it.tramps.IsNonStandard(tr.Name) {
			if addr, ok := it.pop(); ok {
				resume = int(addr - it.base)
			}
		}
	}
	return &Exit{
		Name:         tr.Name,
		Args:         it.peekArgs(it.arity[tr.Name]),
		ResumeOffset: resume,
	}
}

// branch validates and takes an intra-fragment control transfer.
func (it *Interp) branch(off int) error {
	if off < 0 || off >= it.size {
		return &UnexpectedExitError{
			Addr:   it.base + uint32(off),
			Reason: "control transfer outside decoded code",
		}
	}
	it.ip = off
	return nil
}

// execControl handles the control-transfer mnemonics. It returns
// (exit, handled, err); handled is false for non-control instructions.
func (it *Interp) execControl(in *Instr, next int) (*Exit, bool, error) {
	switch {
	case in.Name == "JMP":
		if target, ok := relTarget(in, next); ok {
			return nil, true, it.branch(target)
		}
		v, err := it.readOp(in.Ops[0])
		if err != nil {
			return nil, true, err
		}
		return nil, true, it.branch(int(v - it.base))

	case isCondJump(in.Name):
		target, ok := relTarget(in, next)
		if !ok {
			return nil, true, fmt.Errorf("conditional jump without relative target: %s", in)
		}
		if it.cond(in.Name) {
			return nil, true, it.branch(target)
		}
		it.ip = next
		return nil, true, nil

	case in.Name == "CALL":
		if target, ok := relTarget(in, next); ok {
			if tr, ok := it.tramps.ByAddr(it.base + uint32(target)); ok {
				it.ip = next
				return it.trampolineExit(tr, false, next), true, nil
			}
			it.push(it.base + uint32(next))
			return nil, true, it.branch(target)
		}
		v, err := it.readOp(in.Ops[0])
		if err != nil {
			return nil, true, err
		}
		if tr, ok := it.tramps.ByAddr(v); ok {
			it.ip = next
			return it.trampolineExit(tr, false, next), true, nil
		}
		it.push(it.base + uint32(next))
		return nil, true, it.branch(int(v - it.base))

	case in.Name == "RET":
		addr, ok := it.pop()
		if !ok {
			return nil, true, &UnexpectedExitError{
				Addr:   it.base + uint32(it.ip),
				Reason: "RET with empty stack",
			}
		}
		if tr, ok := it.tramps.ByAddr(addr); ok {
			return it.trampolineExit(tr, true, -1), true, nil
		}
		// RET imm16 releases the caller's argument bytes
		if len(in.Ops) == 1 {
			if imm, isImm := in.Ops[0].(Imm); isImm {
				for i := 0; i < int(imm)/4 && len(it.stack) > 0; i++ {
					it.pop()
				}
			}
		}
		return nil, true, it.branch(int(addr - it.base))
	}

	return nil, false, nil
}
