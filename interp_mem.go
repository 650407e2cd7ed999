// interp_mem.go - Mapped virtual memory for the interpreter
//
// The interpreter's memory is sparse: the host installs either single input
// values (constant, visible to loads at exactly one address) or writable
// byte buffers (readable and overwritable, retrieved back via
// UnmapWritable). Anything else is unmapped and faults with
// UnmappedMemoryError; the interpreter never invents values.
//
// All multi-byte accesses are little-endian, decoded field-at-a-time.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package shapevm

// MapValue installs a constant input visible to loads at addr.
func (it *Interp) MapValue(addr, value uint32) {
	it.values[addr] = value
}

// UnmapValue removes a mapped input.
func (it *Interp) UnmapValue(addr uint32) {
	delete(it.values, addr)
}

// MapWritable installs a byte buffer the fragment may read and overwrite.
// The buffer is used in place, not copied.
func (it *Interp) MapWritable(addr uint32, data []byte) {
	it.bufs = append(it.bufs, mappedBuf{addr: addr, data: data})
}

// UnmapWritable removes a writable mapping and returns its (possibly
// mutated) buffer. It returns nil when no buffer is mapped at addr.
func (it *Interp) UnmapWritable(addr uint32) []byte {
	for i, b := range it.bufs {
		if b.addr == addr {
			it.bufs = append(it.bufs[:i], it.bufs[i+1:]...)
			return b.data
		}
	}
	return nil
}

// bufAt finds the writable buffer covering [addr, addr+size).
func (it *Interp) bufAt(addr uint32, size int) ([]byte, bool) {
	for _, b := range it.bufs {
		if addr >= b.addr && int(addr-b.addr)+size <= len(b.data) {
			off := int(addr - b.addr)
			return b.data[off : off+size], true
		}
	}
	return nil, false
}

// readMem loads size bytes (1, 2 or 4) from mapped memory.
func (it *Interp) readMem(addr uint32, size int) (uint32, error) {
	if buf, ok := it.bufAt(addr, size); ok {
		v := uint32(0)
		for i := size - 1; i >= 0; i-- {
			v = v<<8 | uint32(buf[i])
		}
		return v, nil
	}
	if v, ok := it.values[addr]; ok {
		switch size {
		case 1:
			return v & 0xFF, nil
		case 2:
			return v & 0xFFFF, nil
		}
		return v, nil
	}
	return 0, &UnmappedMemoryError{Addr: addr}
}

// writeMem stores size bytes (1, 2 or 4) to a mapped writable buffer.
// Mapped input values are read-only; writing one is an unmapped access.
func (it *Interp) writeMem(addr uint32, size int, v uint32) error {
	buf, ok := it.bufAt(addr, size)
	if !ok {
		return &UnmappedMemoryError{Addr: addr}
	}
	for i := 0; i < size; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return nil
}

// effAddr computes a MemRef's effective address against the register file.
// Segments are flat; overrides only matter for trampoline annotation.
func (it *Interp) effAddr(m MemRef) uint32 {
	addr := uint32(m.Disp)
	if m.Base != RegNone {
		addr += it.Regs.Get(m.Base)
	}
	if m.Index != RegNone {
		addr += it.Regs.Get(m.Index) * uint32(m.Scale)
	}
	return addr
}
