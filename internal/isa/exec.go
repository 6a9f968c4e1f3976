package isa

import (
	"fmt"
	"math/bits"

	ibits "github.com/smoynes/rv64emu/internal/bits"
)

// Core is the hart-side contract Execute needs: register access, memory
// access through the data TLB/MMU path, CSR dispatch, and trap signalling.
// The hart runtime implements this; isa never imports it (hart imports
// isa), avoiding a cycle.
type Core interface {
	Regs() *File
	XLen() int // 32 or 64

	Load(addr uint64, size int) (uint64, error)
	Store(addr uint64, size int, val uint64) error

	CSRRead(num uint16) (uint64, error)
	CSRWrite(num uint16, val uint64) error

	// Reserve/SCCheck implement the LR/SC protocol (§4.6).
	Reserve(addr uint64)
	SCCheck(addr uint64) bool

	Trap(cause uint64, tval uint64)
	ECall()
	EBreak()
	MRET()
	SRET()
	WFI()
	SFenceVMA(vaddr, asid uint64)
	FenceI()
}

// ErrUnknownInstruction is wrapped into the trap raised for an
// unrecognized opcode/funct3/funct7 combination.
type ErrUnknownInstruction struct {
	Raw Word32
}

func (e *ErrUnknownInstruction) Error() string {
	return fmt.Sprintf("isa: unknown instruction %#08x", uint32(e.Raw))
}

func mask(xlen int) uint64 {
	if xlen == 32 {
		return 0xffff_ffff
	}

	return ^uint64(0)
}

func sext32(v uint32) uint64 { return uint64(int64(int32(v))) }

// Execute runs one decoded instruction against core and advances PC by 2
// or 4 per Compressed. Jumps and taken branches set an absolute target
// instead, ECALL/EBREAK/MRET/SRET leave PC where the core's trap entry or
// return put it, and an instruction that returns an error does not advance
// PC.
func Execute(core Core, ins Instruction) error {
	regs := core.Regs()
	xlen := core.XLen()
	xmask := mask(xlen)

	switch ins.Op {
	case OpLUI:
		regs.Set(ins.RD, uint64(ins.Imm)&xmask)
	case OpAUIPC:
		regs.Set(ins.RD, (regs.PC+uint64(ins.Imm))&xmask)
	case OpJAL:
		regs.Set(ins.RD, regs.PC+insLen(ins))
		regs.PC = uint64(int64(regs.PC) + ins.Imm)
		return nil
	case OpJALR:
		target := uint64(int64(regs.Get(ins.RS1))+ins.Imm) &^ 1
		link := regs.PC + insLen(ins)
		regs.PC = target
		regs.Set(ins.RD, link)
		return nil
	case OpBranch:
		if execBranch(regs, ins, xlen) {
			regs.PC = uint64(int64(regs.PC) + ins.Imm)
			return nil
		}
	case OpLoad:
		if err := execLoad(core, regs, ins, xmask); err != nil {
			return err
		}
	case OpStore:
		if err := execStore(core, regs, ins); err != nil {
			return err
		}
	case OpOpImm:
		execOpImm(regs, ins, xlen, xmask)
	case OpOpImm32:
		execOpImm32(regs, ins)
	case OpOp:
		if err := execOp(regs, ins, xlen, xmask); err != nil {
			return err
		}
	case OpOp32:
		if err := execOp32(regs, ins); err != nil {
			return err
		}
	case OpMiscMem:
		execMiscMem(core, ins)
	case OpAMO:
		if err := execAMO(core, regs, ins, xlen); err != nil {
			return err
		}
	case OpSystem:
		if err := execSystem(core, regs, ins); err != nil {
			return err
		}

		if ins.Funct3 == 0 && (ins.Imm == 0 || ins.Imm == 1 || ins.Imm == 0x302 || ins.Imm == 0x102) {
			return nil // ECALL/EBREAK trapped, MRET/SRET returned: PC already set
		}
	default:
		return &ErrUnknownInstruction{Raw: ins.Raw}
	}

	regs.PC += insLen(ins)

	return nil
}

func insLen(ins Instruction) uint64 {
	if ins.Compressed {
		return 2
	}

	return 4
}

func execBranch(regs *File, ins Instruction, xlen int) bool {
	a, b := regs.Get(ins.RS1), regs.Get(ins.RS2)

	switch ins.Funct3 {
	case 0b000: // BEQ
		return a == b
	case 0b001: // BNE
		return a != b
	case 0b100: // BLT
		return toSigned(a, xlen) < toSigned(b, xlen)
	case 0b101: // BGE
		return toSigned(a, xlen) >= toSigned(b, xlen)
	case 0b110: // BLTU
		return a < b
	case 0b111: // BGEU
		return a >= b
	}

	return false
}

func toSigned(v uint64, xlen int) int64 {
	if xlen == 32 {
		return int64(int32(v))
	}

	return int64(v)
}

func execLoad(core Core, regs *File, ins Instruction, xmask uint64) error {
	addr := uint64(int64(regs.Get(ins.RS1)) + ins.Imm)

	var size int

	var signed bool

	switch ins.Funct3 {
	case 0b000:
		size, signed = 1, true
	case 0b001:
		size, signed = 2, true
	case 0b010:
		size, signed = 4, true
	case 0b011:
		size, signed = 8, false
	case 0b100:
		size, signed = 1, false
	case 0b101:
		size, signed = 2, false
	case 0b110:
		size, signed = 4, false
	default:
		return &ErrUnknownInstruction{Raw: ins.Raw}
	}

	v, err := core.Load(addr, size)
	if err != nil {
		return err
	}

	if signed && size < 8 {
		v = uint64(signExtend(v, uint(size*8)))
	}

	regs.Set(ins.RD, v&xmask)

	return nil
}

func execStore(core Core, regs *File, ins Instruction) error {
	addr := uint64(int64(regs.Get(ins.RS1)) + ins.Imm)
	val := regs.Get(ins.RS2)

	var size int

	switch ins.Funct3 {
	case 0b000:
		size = 1
	case 0b001:
		size = 2
	case 0b010:
		size = 4
	case 0b011:
		size = 8
	default:
		return &ErrUnknownInstruction{Raw: ins.Raw}
	}

	return core.Store(addr, size, val)
}

func execOpImm(regs *File, ins Instruction, xlen int, xmask uint64) {
	a := regs.Get(ins.RS1)
	imm := uint64(ins.Imm)

	var result uint64

	switch ins.Funct3 {
	case 0b000: // ADDI
		result = a + imm
	case 0b010: // SLTI
		result = boolToU64(toSigned(a, xlen) < ins.Imm)
	case 0b011: // SLTIU
		result = boolToU64(a < imm)
	case 0b100: // XORI
		result = a ^ imm
	case 0b110: // ORI
		result = a | imm
	case 0b111: // ANDI
		result = a & imm
	case 0b001: // SLLI / Zbb/Zbs shift-immediate subspace
		result = execShiftImmOrBitImm(a, ins, xlen, true)
	case 0b101: // SRLI/SRAI / Zbb/Zbs shift-immediate subspace
		result = execShiftImmOrBitImm(a, ins, xlen, false)
	}

	regs.Set(ins.RD, result&xmask)
}

// shamtBits returns the field width of a shift amount for the active XLEN
// (5 bits for RV32, 6 for RV64).
func shamtBits(xlen int) uint {
	if xlen == 32 {
		return 5
	}

	return 6
}

func execShiftImmOrBitImm(a uint64, ins Instruction, xlen int, isLeftGroup bool) uint64 {
	width := shamtBits(xlen)
	shamt := uint(ins.Imm) & ((1 << width) - 1)
	funct7 := (uint32(ins.Imm) >> 5) & 0x7f
	if width == 6 {
		funct7 &^= 1 // bit 25 is shamt[5] on RV64, not part of funct7
	}

	if isLeftGroup {
		switch funct7 >> 1 {
		case 0b0000000 >> 1:
			return a << shamt
		case 0b0110000 >> 1: // Zbb: CLZ/CTZ/CPOP/SEXT.B/SEXT.H family (rs2 selects)
			return execZbbShiftGroup(a, ins.Imm, xlen)
		case 0b0010100 >> 1: // BSETI (Zbs)
			return a | (1 << shamt)
		}

		return a << shamt
	}

	// REV8's imm[11:0] is fixed per XLEN (0x698 for RV32, 0x6b8 for RV64)
	// rather than following the width-dependent funct7/shamt split used
	// below, so it's matched against the raw immediate first.
	if imm12 := uint32(ins.Imm) & 0xfff; (xlen == 32 && imm12 == 0x698) || (xlen == 64 && imm12 == 0x6b8) {
		return ibits.Rev8(a, xlen)
	}

	switch funct7 {
	case 0b0000000: // SRLI
		return a >> shamt
	case 0b0100000: // SRAI
		return uint64(toSigned(a, xlen) >> shamt)
	case 0b0110100: // BEXTI (Zbs)
		return (a >> shamt) & 1
	case 0b0100100: // BCLRI (Zbs)
		return a &^ (1 << shamt)
	case 0b0110000: // BINVI (Zbs)
		return a ^ (1 << shamt)
	case 0b0110101: // RORI (Zbb)
		return ibits.Rotr(a, shamt, xlen)
	case 0b0010100: // ORC.B / Zbb misc via shamt selecting sub-op
		if shamt == 0b0000111 {
			return ibits.OrcB(a, xlen)
		}
	}

	return a >> shamt
}

// execZbbShiftGroup decodes the Zbb "count"/"sign-extend" family that
// shares the SLLI major opcode with shamt=0 and rs2 selecting the
// operation (CLZ=0, CTZ=1, CPOP=2, SEXT.B=4, SEXT.H=5), per the Zbb
// encoding table.
func execZbbShiftGroup(a uint64, imm int64, xlen int) uint64 {
	rs2 := uint32(imm) & 0x1f

	switch rs2 {
	case 0: // CLZ
		return uint64(ibits.Clz(a, xlen))
	case 1: // CTZ
		return uint64(ibits.Ctz(a, xlen))
	case 2: // CPOP
		return uint64(ibits.Cpop(a, xlen))
	case 4: // SEXT.B
		return uint64(signExtend(a, 8))
	case 5: // SEXT.H
		return uint64(signExtend(a, 16))
	}

	return a
}

func execOpImm32(regs *File, ins Instruction) {
	a := uint32(regs.Get(ins.RS1))
	var result uint32

	switch ins.Funct3 {
	case 0b000: // ADDIW
		result = a + uint32(ins.Imm)
	case 0b001: // SLLIW / CLZW/CTZW/CPOPW (Zbb)
		shamt := uint32(ins.Imm) & 0x1f
		funct7 := uint32(ins.Imm) >> 5

		if funct7 == 0b0110000 {
			switch shamt {
			case 0:
				result = uint32(ibits.Clz(uint64(a), 32))
			case 1:
				result = uint32(ibits.Ctz(uint64(a), 32))
			case 2:
				result = uint32(ibits.Cpop(uint64(a), 32))
			}
		} else {
			result = a << shamt
		}
	case 0b101:
		shamt := uint32(ins.Imm) & 0x1f
		funct7 := uint32(ins.Imm) >> 5

		switch funct7 {
		case 0b0000000:
			result = a >> shamt
		case 0b0100000:
			result = uint32(int32(a) >> shamt)
		case 0b0110000: // RORIW
			result = bits.RotateLeft32(a, -int(shamt))
		}
	}

	regs.Set(ins.RD, sext32(result))
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}

	return 0
}

func execOp(regs *File, ins Instruction, xlen int, xmask uint64) error {
	a, b := regs.Get(ins.RS1), regs.Get(ins.RS2)
	result, err := aluR(a, b, ins.Funct3, ins.Funct7, xlen)

	if err != nil {
		return err
	}

	regs.Set(ins.RD, result&xmask)

	return nil
}

// aluR implements the register-register ALU ops shared by OP: base I,
// M-extension mul/div, and the Zba/Zbb/Zbc/Zbs/Zicond families that are
// encoded with OP's major opcode under alternate funct7 values.
func aluR(a, b uint64, funct3 uint32, funct7 uint32, xlen int) (uint64, error) {
	switch funct7 {
	case 0b0000000:
		return aluBase(a, b, funct3, xlen), nil
	case 0b0100000:
		return aluBaseAlt(a, b, funct3, xlen)
	case 0b0000001:
		return aluMulDiv(a, b, funct3, xlen), nil
	case 0b0010000:
		return aluZba(a, b, funct3, xlen)
	case 0b0100100:
		return aluZbsClear(a, b, funct3)
	case 0b0110100:
		return aluZbsInvert(a, b, funct3)
	case 0b0000101:
		return aluZbc(a, b, funct3, xlen)
	case 0b0000100:
		return aluZicond(a, b, funct3)
	case 0b0110000:
		return aluZbbRotate(a, b, funct3, xlen)
	default:
		return 0, fmt.Errorf("isa: unsupported OP funct7=%#x funct3=%#x", funct7, funct3)
	}
}

func aluBase(a, b uint64, funct3 uint32, xlen int) uint64 {
	switch funct3 {
	case 0b000: // ADD
		return a + b
	case 0b001: // SLL
		return a << (b & uint64(shamtMax(xlen)))
	case 0b010: // SLT
		return boolToU64(toSigned(a, xlen) < toSigned(b, xlen))
	case 0b011: // SLTU
		return boolToU64(a < b)
	case 0b100: // XOR
		return a ^ b
	case 0b101: // SRL
		return a >> (b & uint64(shamtMax(xlen)))
	case 0b110: // OR
		return a | b
	case 0b111: // AND
		return a & b
	}

	return 0
}

func shamtMax(xlen int) uint64 {
	if xlen == 32 {
		return 0x1f
	}

	return 0x3f
}

func aluBaseAlt(a, b uint64, funct3 uint32, xlen int) (uint64, error) {
	switch funct3 {
	case 0b000: // SUB
		return a - b, nil
	case 0b101: // SRA
		return uint64(toSigned(a, xlen) >> (b & shamtMax(xlen))), nil
	case 0b100: // XNOR (Zbb)
		return ^(a ^ b), nil
	case 0b110: // ORN (Zbb)
		return a | ^b, nil
	case 0b111: // ANDN (Zbb)
		return a &^ b, nil
	}

	return 0, fmt.Errorf("isa: unsupported base-alt funct3=%#x", funct3)
}

func aluMulDiv(a, b uint64, funct3 uint32, xlen int) uint64 {
	sa, sb := toSigned(a, xlen), toSigned(b, xlen)

	switch funct3 {
	case 0b000: // MUL
		return a * b
	case 0b001: // MULH
		hi, _ := bits.Mul64(uint64(sa), uint64(sb))
		if sa < 0 {
			hi -= uint64(sb)
		}
		if sb < 0 {
			hi -= uint64(sa)
		}
		return hi
	case 0b010: // MULHSU
		hi, _ := bits.Mul64(uint64(sa), b)
		if sa < 0 {
			hi -= b
		}
		return hi
	case 0b011: // MULHU
		hi, _ := bits.Mul64(a, b)
		return hi
	case 0b100: // DIV
		if sb == 0 {
			return ^uint64(0)
		}
		if sa == minInt(xlen) && sb == -1 {
			return uint64(sa)
		}
		return uint64(sa / sb)
	case 0b101: // DIVU
		if b == 0 {
			return ^uint64(0)
		}
		return a / b
	case 0b110: // REM
		if sb == 0 {
			return a
		}
		if sa == minInt(xlen) && sb == -1 {
			return 0
		}
		return uint64(sa % sb)
	case 0b111: // REMU
		if b == 0 {
			return a
		}
		return a % b
	}

	return 0
}

func minInt(xlen int) int64 {
	if xlen == 32 {
		return -1 << 31
	}

	return -1 << 63
}

func aluZba(a, b uint64, funct3 uint32, xlen int) (uint64, error) {
	switch funct3 {
	case 0b010: // SH1ADD
		return (a << 1) + b, nil
	case 0b100: // SH2ADD
		return (a << 2) + b, nil
	case 0b110: // SH3ADD
		return (a << 3) + b, nil
	}

	return 0, fmt.Errorf("isa: unsupported Zba funct3=%#x", funct3)
}

// aluZbbRotate implements register-register ROL/ROR: same funct7 (0110000)
// as Zbs's BINVI/BCLRI neighbours in the immediate encodings, but under OP
// rather than OP-IMM it is reserved whole for these two Zbb rotates.
func aluZbbRotate(a, b uint64, funct3 uint32, xlen int) (uint64, error) {
	shamt := uint(b) & uint(shamtMax(xlen))

	switch funct3 {
	case 0b001: // ROL
		return ibits.Rotl(a, shamt, xlen), nil
	case 0b101: // ROR
		return ibits.Rotr(a, shamt, xlen), nil
	}

	return 0, fmt.Errorf("isa: unsupported Zbb(rotate) funct3=%#x", funct3)
}

func aluZbsClear(a, b uint64, funct3 uint32) (uint64, error) {
	if funct3 != 0b001 {
		return 0, fmt.Errorf("isa: unsupported Zbs(clear) funct3=%#x", funct3)
	}

	return a &^ (1 << (b & 0x3f)), nil // BCLR
}

func aluZbsInvert(a, b uint64, funct3 uint32) (uint64, error) {
	switch funct3 {
	case 0b001: // BINV
		return a ^ (1 << (b & 0x3f)), nil
	case 0b101: // BEXT
		return (a >> (b & 0x3f)) & 1, nil
	}

	return 0, fmt.Errorf("isa: unsupported Zbs(invert) funct3=%#x", funct3)
}

// aluZbc implements the Zbc carry-less-multiply family, and Zbb's
// MIN/MINU/MAX/MAXU comparisons, which the ratified encoding places under
// this same OP funct7 (0000101) rather than Zba's.
func aluZbc(a, b uint64, funct3 uint32, xlen int) (uint64, error) {
	switch funct3 {
	case 0b001: // CLMUL
		return ibits.Clmul(a, b, xlen), nil
	case 0b010: // CLMULR
		return ibits.Clmulr(a, b, xlen), nil
	case 0b011: // CLMULH
		return ibits.Clmulh(a, b, xlen), nil
	case 0b100: // MIN
		if toSigned(a, xlen) < toSigned(b, xlen) {
			return a, nil
		}
		return b, nil
	case 0b101: // MINU
		if a < b {
			return a, nil
		}
		return b, nil
	case 0b110: // MAX
		if toSigned(a, xlen) > toSigned(b, xlen) {
			return a, nil
		}
		return b, nil
	case 0b111: // MAXU
		if a > b {
			return a, nil
		}
		return b, nil
	}

	return 0, fmt.Errorf("isa: unsupported Zbc/MIN-MAX funct3=%#x", funct3)
}

func aluZicond(a, b uint64, funct3 uint32) (uint64, error) {
	switch funct3 {
	case 0b101: // CZERO.EQZ
		if b == 0 {
			return 0, nil
		}
		return a, nil
	case 0b111: // CZERO.NEZ
		if b != 0 {
			return 0, nil
		}
		return a, nil
	}

	return 0, fmt.Errorf("isa: unsupported Zicond funct3=%#x", funct3)
}

func execOp32(regs *File, ins Instruction) error {
	a, b := uint32(regs.Get(ins.RS1)), uint32(regs.Get(ins.RS2))

	// ADD.UW (Zba) and PACKW (the zext.h rd,rs1 pseudo expands to packw
	// rd,rs1,x0) both need the full-width rs2 rather than the 32-bit view
	// every other OP-32 op works with, and ADD.UW's result is a genuine
	// 64-bit sum rather than a sign-extended 32-bit one, so they bypass
	// the common result/sext32 tail below.
	if ins.Funct7 == 0b0000100 {
		switch ins.Funct3 {
		case 0b000: // ADD.UW
			regs.Set(ins.RD, regs.Get(ins.RS2)+uint64(a))
			return nil
		case 0b100: // PACKW
			packed := (a & 0xffff) | (b&0xffff)<<16
			regs.Set(ins.RD, sext32(packed))
			return nil
		default:
			return fmt.Errorf("isa: unsupported OP-32(Zba/Zbkb) funct3=%#x", ins.Funct3)
		}
	}

	var result uint32

	switch ins.Funct7 {
	case 0b0000000:
		switch ins.Funct3 {
		case 0b000: // ADDW
			result = a + b
		case 0b001: // SLLW
			result = a << (b & 0x1f)
		case 0b101: // SRLW
			result = a >> (b & 0x1f)
		default:
			return fmt.Errorf("isa: unsupported OP-32 funct3=%#x", ins.Funct3)
		}
	case 0b0100000:
		switch ins.Funct3 {
		case 0b000: // SUBW
			result = a - b
		case 0b101: // SRAW
			result = uint32(int32(a) >> (b & 0x1f))
		default:
			return fmt.Errorf("isa: unsupported OP-32(alt) funct3=%#x", ins.Funct3)
		}
	case 0b0000001: // M-extension word ops
		sa, sb := int32(a), int32(b)

		switch ins.Funct3 {
		case 0b000: // MULW
			result = a * b
		case 0b100: // DIVW
			if sb == 0 {
				result = 0xffff_ffff
			} else if sa == -1<<31 && sb == -1 {
				result = a
			} else {
				result = uint32(sa / sb)
			}
		case 0b101: // DIVUW
			if b == 0 {
				result = 0xffff_ffff
			} else {
				result = a / b
			}
		case 0b110: // REMW
			if sb == 0 {
				result = a
			} else if sa == -1<<31 && sb == -1 {
				result = 0
			} else {
				result = uint32(sa % sb)
			}
		case 0b111: // REMUW
			if b == 0 {
				result = a
			} else {
				result = a % b
			}
		default:
			return fmt.Errorf("isa: unsupported OP-32(muldiv) funct3=%#x", ins.Funct3)
		}
	case 0b0010000:
		switch ins.Funct3 {
		case 0b010: // SH1ADD.UW
			result = (a << 1) + b
		case 0b100: // SH2ADD.UW
			result = (a << 2) + b
		case 0b110: // SH3ADD.UW
			result = (a << 3) + b
		default:
			return fmt.Errorf("isa: unsupported OP-32(Zba) funct3=%#x", ins.Funct3)
		}
	default:
		return fmt.Errorf("isa: unsupported OP-32 funct7=%#x", ins.Funct7)
	}

	regs.Set(ins.RD, sext32(result))

	return nil
}

func execMiscMem(core Core, ins Instruction) {
	if ins.Funct3 == 0b001 {
		core.FenceI()
	}
	// FENCE (funct3==0) is a no-op: this core executes one hart's
	// instruction stream at a time with sequentially consistent host
	// memory, so ordinary FENCE has nothing to enforce.
}

func execAMO(core Core, regs *File, ins Instruction, xlen int) error {
	size := 4
	if ins.Funct3 == 0b011 {
		size = 8
	}

	addr := regs.Get(ins.RS1)
	funct5 := ins.Funct7 >> 2

	old, err := core.Load(addr, size)
	if err != nil {
		return err
	}

	if size == 4 {
		old = sext32(uint32(old))
	}

	rs2 := regs.Get(ins.RS2)

	var result uint64

	switch funct5 {
	case 0b00010: // LR
		core.Reserve(addr)
		regs.Set(ins.RD, old&mask(xlen))
		return nil
	case 0b00011: // SC
		ok := core.SCCheck(addr)
		if ok {
			if err := core.Store(addr, size, rs2); err != nil {
				return err
			}
			regs.Set(ins.RD, 0)
		} else {
			regs.Set(ins.RD, 1)
		}
		return nil
	case 0b00001: // AMOSWAP
		result = rs2
	case 0b00000: // AMOADD
		result = old + rs2
	case 0b00100: // AMOXOR
		result = old ^ rs2
	case 0b01100: // AMOAND
		result = old & rs2
	case 0b01000: // AMOOR
		result = old | rs2
	case 0b10000: // AMOMIN
		if toSigned(old, size*8) < toSigned(rs2, size*8) {
			result = old
		} else {
			result = rs2
		}
	case 0b10100: // AMOMAX
		if toSigned(old, size*8) > toSigned(rs2, size*8) {
			result = old
		} else {
			result = rs2
		}
	case 0b11000: // AMOMINU
		if old < rs2 {
			result = old
		} else {
			result = rs2
		}
	case 0b11100: // AMOMAXU
		if old > rs2 {
			result = old
		} else {
			result = rs2
		}
	default:
		return fmt.Errorf("isa: unsupported AMO funct5=%#x", funct5)
	}

	if err := core.Store(addr, size, result); err != nil {
		return err
	}

	regs.Set(ins.RD, old&mask(xlen))

	return nil
}

func execSystem(core Core, regs *File, ins Instruction) error {
	if ins.Funct3 == 0 {
		switch ins.Imm {
		case 0: // ECALL
			core.ECall()
		case 1: // EBREAK
			core.EBreak()
		case 0x302: // MRET
			core.MRET()
		case 0x102: // SRET
			core.SRET()
		case 0x105: // WFI
			core.WFI()
		default:
			if (ins.Imm>>5)&0x7f == 0x09 { // SFENCE.VMA
				core.SFenceVMA(regs.Get(ins.RS1), regs.Get(ins.RS2))
			} else {
				return fmt.Errorf("isa: unsupported SYSTEM imm=%#x", ins.Imm)
			}
		}

		return nil
	}

	return execCSR(core, regs, ins)
}

func execCSR(core Core, regs *File, ins Instruction) error {
	num := uint16(ins.Imm) & 0xfff

	old, err := core.CSRRead(num)
	if err != nil {
		return err
	}

	var src uint64

	uimm := uint64(ins.RS1)

	switch ins.Funct3 {
	case 0b001: // CSRRW
		src = regs.Get(ins.RS1)
	case 0b010: // CSRRS
		src = old | regs.Get(ins.RS1)
	case 0b011: // CSRRC
		src = old &^ regs.Get(ins.RS1)
	case 0b101: // CSRRWI
		src = uimm
	case 0b110: // CSRRSI
		src = old | uimm
	case 0b111: // CSRRCI
		src = old &^ uimm
	default:
		return fmt.Errorf("isa: unsupported CSR funct3=%#x", ins.Funct3)
	}

	writesOld := ins.Funct3 != 0b001 && ins.Funct3 != 0b101
	skipWrite := writesOld && ins.RS1 == 0

	if !skipWrite {
		if err := core.CSRWrite(num, src); err != nil {
			return err
		}
	}

	regs.Set(ins.RD, old)

	return nil
}
