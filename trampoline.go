// trampoline.go - Named external call targets
//
// Trampolines are host-provided stubs the asset loader fixes up to known
// virtual addresses before disassembly. The table resolves both directions a
// fragment can reference them: by fixed-up virtual address (call/return
// targets, memory displacements) and by file offset. "Non-standard"
// retpolines, which do not return to the instruction after their RET, are
// flagged by name; the loader contract keeps names authoritative.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package shapevm

// Trampoline is one named fixup record supplied by the asset loader.
type Trampoline struct {
	Name       string
	FileOffset uint32
	Addr       uint32 // fixed-up virtual address
}

// TrampolineTable resolves trampolines by address or file offset. It is
// read-only to the core once populated.
type TrampolineTable struct {
	ordered     []Trampoline
	byAddr      map[uint32]int
	byOffset    map[uint32]int
	nonStandard map[string]bool
}

// NewTrampolineTable builds a table over the loader-supplied records.
func NewTrampolineTable(tramps []Trampoline) *TrampolineTable {
	t := &TrampolineTable{
		ordered:     append([]Trampoline(nil), tramps...),
		byAddr:      make(map[uint32]int, len(tramps)),
		byOffset:    make(map[uint32]int, len(tramps)),
		nonStandard: make(map[string]bool),
	}
	for i, tr := range t.ordered {
		t.byAddr[tr.Addr] = i
		t.byOffset[tr.FileOffset] = i
	}
	return t
}

// ByAddr resolves a fixed-up virtual address to its trampoline.
func (t *TrampolineTable) ByAddr(addr uint32) (Trampoline, bool) {
	i, ok := t.byAddr[addr]
	if !ok {
		return Trampoline{}, false
	}
	return t.ordered[i], true
}

// ByOffset resolves a file offset to its trampoline.
func (t *TrampolineTable) ByOffset(off uint32) (Trampoline, bool) {
	i, ok := t.byOffset[off]
	if !ok {
		return Trampoline{}, false
	}
	return t.ordered[i], true
}

// All returns the records in loader order.
func (t *TrampolineTable) All() []Trampoline {
	return t.ordered
}

// MarkNonStandard flags a trampoline name as a retpoline that does not
// return to the instruction after its RET. Block discovery stops at calls
// through these instead of queueing a continuation.
func (t *TrampolineTable) MarkNonStandard(name string) {
	t.nonStandard[name] = true
}

// IsNonStandard reports whether the named trampoline was flagged.
func (t *TrampolineTable) IsNonStandard(name string) bool {
	return t.nonStandard[name]
}
