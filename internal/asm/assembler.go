package asm

// SymbolTable maps an address to a label, used to annotate branch and
// jump targets in disassembly output when the caller knows one (e.g.
// from a loaded ELF's symbol table). Generalizes the teacher's
// name->address SymbolTable (built by a source-code Parser) into the
// reverse direction a disassembler needs: address->name.
type SymbolTable map[uint64]string

// Lookup returns the label for addr, and whether one is known.
func (s SymbolTable) Lookup(addr uint64) (string, bool) {
	name, ok := s[addr]
	return name, ok
}
