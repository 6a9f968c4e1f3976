// Package asm implements a minimal RV32/64GC disassembler for the
// machine.
//
// The teacher's asm package assembled LCASM source into LC-3 machine
// code; this core has no textual assembly format of its own (kernels
// and boot ROMs arrive as pre-built binaries), so the package is
// adapted in the opposite direction: it decodes raw instruction words
// back into a human-readable mnemonic line, keeping the teacher's idea
// of a SymbolTable so branch/jump targets can be annotated by label
// when one is known, and its two-pass shape: Decode separates
// structure, Format produces text.
package asm

// Grammar sketches the disassembly line format produced by Format.
var Grammar = (`
line     = address ':' mnemonic [ operands ] [ ';' label ] ;
operand  = register | immediate | symbol ;
`)
