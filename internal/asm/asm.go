// Package asm implements a minimal RV32/64GC disassembler, adapted from
// the teacher's LC3ASM assembler: the textual-assembly notion of an
// "operand" and the line-oriented output format are kept, but there is
// no source language to parse, so Parse's role is played by
// isa.Decode and Generate's role is played by Format.
package asm

import (
	"fmt"
	"strings"

	"github.com/smoynes/rv64emu/internal/isa"
)

// Format disassembles one instruction at address pc into a single
// text line: "addr: mnemonic operands", annotated with a label from
// syms when the instruction is a branch/jump/call whose target is
// known.
func Format(pc uint64, ins isa.Instruction, syms SymbolTable) string {
	mnemonic, operands := describe(pc, ins, syms)

	var b strings.Builder

	fmt.Fprintf(&b, "%08x:\t%-8s", pc, mnemonic)

	if operands != "" {
		fmt.Fprintf(&b, "\t%s", operands)
	}

	if name, ok := syms.Lookup(pc); ok {
		fmt.Fprintf(&b, "\t; %s", name)
	}

	return b.String()
}

func reg(n uint32) string {
	return fmt.Sprintf("x%d", n)
}

// describe renders an instruction's mnemonic and operand list. It does
// not attempt to cover every encoding exhaustively (the full semantic
// dispatch lives in isa.Execute); unrecognized forms fall back to a
// raw hex rendering, which is enough for a debug monitor's disassembly
// view.
func describe(pc uint64, ins isa.Instruction, syms SymbolTable) (string, string) {
	op := ins.Op

	switch op {
	case isa.OpLUI:
		return "lui", fmt.Sprintf("%s, %#x", reg(ins.RD), uint64(ins.Imm)>>12)
	case isa.OpAUIPC:
		return "auipc", fmt.Sprintf("%s, %#x", reg(ins.RD), uint64(ins.Imm)>>12)
	case isa.OpJAL:
		target := pc + uint64(ins.Imm)
		return "jal", fmt.Sprintf("%s, %s", reg(ins.RD), symOrAddr(target, syms))
	case isa.OpJALR:
		return "jalr", fmt.Sprintf("%s, %d(%s)", reg(ins.RD), ins.Imm, reg(ins.RS1))
	case isa.OpBranch:
		target := pc + uint64(ins.Imm)
		return branchMnemonic(ins.Funct3), fmt.Sprintf("%s, %s, %s", reg(ins.RS1), reg(ins.RS2), symOrAddr(target, syms))
	case isa.OpLoad:
		return loadMnemonic(ins.Funct3), fmt.Sprintf("%s, %d(%s)", reg(ins.RD), ins.Imm, reg(ins.RS1))
	case isa.OpStore:
		return storeMnemonic(ins.Funct3), fmt.Sprintf("%s, %d(%s)", reg(ins.RS2), ins.Imm, reg(ins.RS1))
	case isa.OpOpImm:
		return opImmMnemonic(ins.Funct3), fmt.Sprintf("%s, %s, %d", reg(ins.RD), reg(ins.RS1), ins.Imm)
	case isa.OpOp:
		return "alu", fmt.Sprintf("%s, %s, %s", reg(ins.RD), reg(ins.RS1), reg(ins.RS2))
	case isa.OpMiscMem:
		if ins.Funct3 == 1 {
			return "fence.i", ""
		}
		return "fence", ""
	case isa.OpSystem:
		return systemMnemonic(ins), ""
	default:
		return ".word", fmt.Sprintf("%#08x", uint32(ins.Raw))
	}
}

func symOrAddr(addr uint64, syms SymbolTable) string {
	if name, ok := syms.Lookup(addr); ok {
		return name
	}

	return fmt.Sprintf("%#x", addr)
}

func branchMnemonic(funct3 uint32) string {
	switch funct3 {
	case 0b000:
		return "beq"
	case 0b001:
		return "bne"
	case 0b100:
		return "blt"
	case 0b101:
		return "bge"
	case 0b110:
		return "bltu"
	case 0b111:
		return "bgeu"
	default:
		return "b?"
	}
}

func loadMnemonic(funct3 uint32) string {
	switch funct3 {
	case 0b000:
		return "lb"
	case 0b001:
		return "lh"
	case 0b010:
		return "lw"
	case 0b011:
		return "ld"
	case 0b100:
		return "lbu"
	case 0b101:
		return "lhu"
	case 0b110:
		return "lwu"
	default:
		return "l?"
	}
}

func storeMnemonic(funct3 uint32) string {
	switch funct3 {
	case 0b000:
		return "sb"
	case 0b001:
		return "sh"
	case 0b010:
		return "sw"
	case 0b011:
		return "sd"
	default:
		return "s?"
	}
}

func opImmMnemonic(funct3 uint32) string {
	switch funct3 {
	case 0b000:
		return "addi"
	case 0b010:
		return "slti"
	case 0b011:
		return "sltiu"
	case 0b100:
		return "xori"
	case 0b110:
		return "ori"
	case 0b111:
		return "andi"
	case 0b001:
		return "slli"
	case 0b101:
		return "srli/srai"
	default:
		return "opi?"
	}
}

func systemMnemonic(ins isa.Instruction) string {
	if ins.Funct3 != 0 {
		return "csr"
	}

	switch ins.Imm {
	case 0:
		return "ecall"
	case 1:
		return "ebreak"
	case 0x302:
		return "mret"
	case 0x102:
		return "sret"
	case 0x105:
		return "wfi"
	default:
		return "system"
	}
}
