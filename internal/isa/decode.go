// Package isa implements the RV32/RV64 base integer ISA plus the M, A,
// Zb* (bit-manipulation), and Zicond extensions described in §4.4, along
// with compressed (C) instruction expansion.
//
// The instruction-as-bitfields idiom (a raw integer type with named
// accessor methods pulling opcode/register/immediate fields out of fixed
// bit positions) is the teacher's vm.Instruction/vm.Word pattern
// (instr.go, types.go). The LC-3 has sixteen opcodes and gives each one its
// own Decode/Execute struct; RV64GC has on the order of a hundred, so
// rather than one struct per opcode this package keeps the same
// bitfield-accessor layer but dispatches execution through Execute's single
// switch on (opcode, funct3, funct7), grounded in the same source but
// scaled to the instruction count -- see DESIGN.md.
package isa

// Word32 is a raw 32-bit instruction word (post compressed-expansion).
type Word32 uint32

// Opcode is the 7-bit major opcode field.
type Opcode uint32

// Major opcodes used by RV32/64 IMAC.
const (
	OpLoad     Opcode = 0b0000011
	OpLoadFP   Opcode = 0b0000111
	OpMiscMem  Opcode = 0b0001111
	OpOpImm    Opcode = 0b0010011
	OpAUIPC    Opcode = 0b0010111
	OpOpImm32  Opcode = 0b0011011
	OpStore    Opcode = 0b0100011
	OpStoreFP  Opcode = 0b0100111
	OpAMO      Opcode = 0b0101111
	OpOp       Opcode = 0b0110011
	OpLUI      Opcode = 0b0110111
	OpOp32     Opcode = 0b0111011
	OpBranch   Opcode = 0b1100011
	OpJALR     Opcode = 0b1100111
	OpJAL      Opcode = 0b1101111
	OpSystem   Opcode = 0b1110011
)

// Instruction is a decoded instruction word with its fields extracted.
// Unused fields for a given format are simply left zero.
type Instruction struct {
	Raw Word32

	Op     Opcode
	Funct3 uint32
	Funct7 uint32
	Funct2 uint32 // R4-type / some AMO sub-encodings

	RD, RS1, RS2, RS3 uint32

	Imm int64

	// Compressed records whether this instruction was expanded from a
	// 16-bit encoding, so fetch can advance PC by 2 instead of 4.
	Compressed bool
}

func (w Word32) opcode() Opcode { return Opcode(w & 0x7f) }
func (w Word32) rd() uint32     { return uint32(w>>7) & 0x1f }
func (w Word32) funct3() uint32 { return uint32(w>>12) & 0x7 }
func (w Word32) rs1() uint32    { return uint32(w>>15) & 0x1f }
func (w Word32) rs2() uint32    { return uint32(w>>20) & 0x1f }
func (w Word32) funct7() uint32 { return uint32(w>>25) & 0x7f }

func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

func (w Word32) immI() int64 {
	return signExtend(uint64(w)>>20, 12)
}

func (w Word32) immS() int64 {
	v := (uint64(w)>>25)<<5 | (uint64(w)>>7)&0x1f
	return signExtend(v, 12)
}

func (w Word32) immB() int64 {
	v := (uint64(w>>31)&1)<<12 | (uint64(w>>7)&1)<<11 | (uint64(w>>25)&0x3f)<<5 | (uint64(w>>8)&0xf)<<1
	return signExtend(v, 13)
}

func (w Word32) immU() int64 {
	return int64(int32(w & 0xfffff000))
}

func (w Word32) immJ() int64 {
	v := (uint64(w>>31)&1)<<20 | (uint64(w>>12)&0xff)<<12 | (uint64(w>>20)&1)<<11 | (uint64(w>>21)&0x3ff)<<1
	return signExtend(v, 21)
}

// Decode extracts fields from a 32-bit instruction word according to its
// major opcode's format.
func Decode(raw Word32) Instruction {
	op := raw.opcode()

	ins := Instruction{
		Raw:    raw,
		Op:     op,
		Funct3: raw.funct3(),
		Funct7: raw.funct7(),
		RD:     raw.rd(),
		RS1:    raw.rs1(),
		RS2:    raw.rs2(),
	}

	switch op {
	case OpLoad, OpLoadFP, OpOpImm, OpOpImm32, OpJALR, OpSystem:
		ins.Imm = raw.immI()
	case OpStore, OpStoreFP:
		ins.Imm = raw.immS()
	case OpBranch:
		ins.Imm = raw.immB()
	case OpLUI, OpAUIPC:
		ins.Imm = raw.immU()
	case OpJAL:
		ins.Imm = raw.immJ()
	case OpAMO:
		ins.Funct2 = (raw.funct7() >> 5) & 0x3 // aq/rl bits
	case OpOp, OpOp32:
		// funct7 selects among add/sub/mul/div family; no immediate.
	}

	return ins
}

// DecodeCompressed expands a 16-bit compressed instruction into its
// equivalent 32-bit form and reports whether raw held a recognized
// compressed encoding. Quadrant (bits 1:0) selects the format; RVC's
// mapping to the base ISA is table-driven in the RISC-V C extension
// chapter, reproduced here for the common integer subset (omits C.FLD/
// C.FSD/C.FLW family, which belong to the out-of-scope FPU arithmetic).
func DecodeCompressed(raw uint16) (Word32, bool) {
	quadrant := raw & 0x3
	funct3 := (raw >> 13) & 0x7

	rdRs1 := uint32((raw >> 7) & 0x1f)
	rs2 := uint32((raw >> 2) & 0x1f)
	rdRs1p := uint32((raw>>7)&0x7) + 8
	rs2p := uint32((raw>>2)&0x7) + 8

	switch quadrant {
	case 0: // C0
		switch funct3 {
		case 0: // C.ADDI4SPN
			if raw == 0 {
				return 0, false
			}
			imm := uint32((raw>>7)&0x30) | uint32((raw>>1)&0x3c0) | uint32((raw>>4)&0x4) | uint32((raw>>2)&0x8)
			return encodeI(OpOpImm, rs2p, 0, 2, int32(imm)), true
		case 2: // C.LW
			imm := uint32((raw>>4)&0x4) | uint32((raw>>7)&0x38) | uint32((raw<<1)&0x40)
			return encodeI(OpLoad, rs2p, 2, rdRs1p, int32(imm)), true
		case 3: // C.LD (RV64)
			imm := uint32((raw>>7)&0x38) | uint32((raw<<1)&0xc0)
			return encodeI(OpLoad, rs2p, 3, rdRs1p, int32(imm)), true
		case 6: // C.SW
			imm := uint32((raw>>4)&0x4) | uint32((raw>>7)&0x38) | uint32((raw<<1)&0x40)
			return encodeS(OpStore, 2, rs2p, rdRs1p, int32(imm)), true
		case 7: // C.SD (RV64)
			imm := uint32((raw>>7)&0x38) | uint32((raw<<1)&0xc0)
			return encodeS(OpStore, 3, rs2p, rdRs1p, int32(imm)), true
		}
	case 1: // C1
		switch funct3 {
		case 0: // C.ADDI / C.NOP
			imm := cImm6(raw)
			return encodeI(OpOpImm, rdRs1, 0, rdRs1, imm), true
		case 1: // C.ADDIW (RV64)
			imm := cImm6(raw)
			return encodeI(OpOpImm32, rdRs1, 0, rdRs1, imm), true
		case 2: // C.LI
			imm := cImm6(raw)
			return encodeI(OpOpImm, rdRs1, 0, 0, imm), true
		case 3: // C.LUI / C.ADDI16SP
			if rdRs1 == 2 {
				imm := int32(uint32((raw>>3)&0x200) | uint32((raw<<1)&0x40) | uint32((raw<<4)&0x180) | uint32((raw>>2)&0x10) | uint32((raw<<3)&0x20))
				imm = signExtendImm(imm, 10)
				return encodeI(OpOpImm, 2, 0, 2, imm), true
			}

			imm := int32((uint32(raw)<<5)&0x20000 | (uint32(raw)<<10)&0x1f000)
			return encodeU(OpLUI, rdRs1, signExtendImm(imm>>12, 6)<<12), true
		case 4: // arithmetic group (C.SRLI/SRAI/ANDI/SUB/XOR/OR/AND/SUBW/ADDW)
			return decodeC1Arith(raw, rdRs1p, rs2p)
		case 5: // C.J
			imm := cJumpImm(raw)
			return encodeJ(OpJAL, 0, imm), true
		case 6: // C.BEQZ
			imm := cBranchImm(raw)
			return encodeB(OpBranch, 0, rdRs1p, 0, imm), true
		case 7: // C.BNEZ
			imm := cBranchImm(raw)
			return encodeB(OpBranch, 1, rdRs1p, 0, imm), true
		}
	case 2: // C2
		switch funct3 {
		case 0: // C.SLLI
			shamt := int32((raw>>2)&0x1f) | int32((raw>>7)&0x20)
			return encodeI(OpOpImm, rdRs1, 1, rdRs1, shamt), true
		case 2: // C.LWSP
			imm := uint32((raw>>2)&0x1c) | uint32((raw>>7)&0x20) | uint32((raw<<4)&0xc0)
			return encodeI(OpLoad, rdRs1, 2, 2, int32(imm)), true
		case 3: // C.LDSP (RV64)
			imm := uint32((raw>>2)&0x18) | uint32((raw>>7)&0x20) | uint32((raw<<4)&0x1c0)
			return encodeI(OpLoad, rdRs1, 3, 2, int32(imm)), true
		case 4:
			hi := (raw >> 12) & 1
			switch {
			case hi == 0 && rs2 == 0: // C.JR
				return encodeI(OpJALR, 0, 0, rdRs1, 0), true
			case hi == 0: // C.MV
				return encodeR(OpOp, rdRs1, 0, 0, rs2), true
			case hi == 1 && rdRs1 == 0 && rs2 == 0: // C.EBREAK
				return encodeI(OpSystem, 0, 0, 0, 1), true
			case hi == 1 && rs2 == 0: // C.JALR
				return encodeI(OpJALR, 1, 0, rdRs1, 0), true
			default: // C.ADD
				return encodeR(OpOp, rdRs1, 0, rdRs1, rs2), true
			}
		case 6: // C.SWSP
			imm := uint32((raw>>7)&0x3c) | uint32((raw>>1)&0xc0)
			return encodeS(OpStore, 2, rs2, 2, int32(imm)), true
		case 7: // C.SDSP (RV64)
			imm := uint32((raw>>7)&0x38) | uint32((raw>>1)&0x1c0)
			return encodeS(OpStore, 3, rs2, 2, int32(imm)), true
		}
	}

	return 0, false
}

func signExtendImm(v int32, bits uint) int32 {
	shift := 32 - bits
	return int32(uint32(v)<<shift) >> shift
}

func cImm6(raw uint16) int32 {
	v := uint32((raw>>2)&0x1f) | uint32((raw>>7)&0x20)
	return signExtendImm(int32(v), 6)
}

func cJumpImm(raw uint16) int32 {
	v := uint32((raw>>1)&0x800) | uint32((raw>>7)&0x10) | uint32((raw>>1)&0x300) |
		uint32((raw<<2)&0x400) | uint32((raw>>1)&0x40) | uint32((raw<<1)&0x80) |
		uint32((raw>>2)&0xe) | uint32((raw<<3)&0x20)
	return signExtendImm(int32(v), 12)
}

func cBranchImm(raw uint16) int32 {
	v := uint32((raw>>4)&0x100) | uint32((raw>>7)&0x18) | uint32((raw<<1)&0xc0) |
		uint32((raw>>2)&0x6) | uint32((raw<<3)&0x20)
	return signExtendImm(int32(v), 9)
}

func decodeC1Arith(raw uint16, rdp, rs2p uint32) (Word32, bool) {
	sub := (raw >> 10) & 0x3

	switch sub {
	case 0: // C.SRLI
		shamt := int32((raw>>2)&0x1f) | int32((raw>>7)&0x20)
		return encodeIFunct7(OpOpImm, rdp, 5, rdp, shamt, 0), true
	case 1: // C.SRAI
		shamt := int32((raw>>2)&0x1f) | int32((raw>>7)&0x20)
		return encodeIFunct7(OpOpImm, rdp, 5, rdp, shamt, 0x20), true
	case 2: // C.ANDI
		imm := cImm6(raw)
		return encodeI(OpOpImm, rdp, 7, rdp, imm), true
	case 3:
		funct2 := (raw >> 5) & 0x3
		hi := (raw >> 12) & 1

		switch {
		case hi == 0 && funct2 == 0: // C.SUB
			return encodeRFunct7(OpOp, rdp, 0, rdp, rs2p, 0x20), true
		case hi == 0 && funct2 == 1: // C.XOR
			return encodeR(OpOp, rdp, 4, rdp, rs2p), true
		case hi == 0 && funct2 == 2: // C.OR
			return encodeR(OpOp, rdp, 6, rdp, rs2p), true
		case hi == 0 && funct2 == 3: // C.AND
			return encodeR(OpOp, rdp, 7, rdp, rs2p), true
		case hi == 1 && funct2 == 0: // C.SUBW
			return encodeRFunct7(OpOp32, rdp, 0, rdp, rs2p, 0x20), true
		case hi == 1 && funct2 == 1: // C.ADDW
			return encodeR(OpOp32, rdp, 0, rdp, rs2p), true
		}
	}

	return 0, false
}

func encodeR(op Opcode, rd, funct3, rs1, rs2 uint32) Word32 {
	return encodeRFunct7(op, rd, funct3, rs1, rs2, 0)
}

func encodeRFunct7(op Opcode, rd, funct3, rs1, rs2, funct7 uint32) Word32 {
	return Word32(uint32(op) | rd<<7 | funct3<<12 | rs1<<15 | rs2<<20 | funct7<<25)
}

func encodeI(op Opcode, rd, funct3, rs1 uint32, imm int32) Word32 {
	return encodeIFunct7(op, rd, funct3, rs1, imm, 0)
}

func encodeIFunct7(op Opcode, rd, funct3, rs1 uint32, imm int32, funct7 uint32) Word32 {
	immBits := uint32(imm) & 0xfff
	if funct7 != 0 {
		immBits = (immBits & 0x1f) | funct7<<5
	}

	return Word32(uint32(op) | rd<<7 | funct3<<12 | rs1<<15 | immBits<<20)
}

func encodeS(op Opcode, funct3, rs2, rs1 uint32, imm int32) Word32 {
	u := uint32(imm)
	lo := u & 0x1f
	hi := (u >> 5) & 0x7f

	return Word32(uint32(op) | lo<<7 | funct3<<12 | rs1<<15 | rs2<<20 | hi<<25)
}

func encodeB(op Opcode, funct3, rs1, rs2 uint32, imm int32) Word32 {
	u := uint32(imm)
	b11 := (u >> 11) & 1
	b4_1 := (u >> 1) & 0xf
	b10_5 := (u >> 5) & 0x3f
	b12 := (u >> 12) & 1

	return Word32(uint32(op) | b11<<7 | b4_1<<8 | funct3<<12 | rs1<<15 | rs2<<20 | b10_5<<25 | b12<<31)
}

func encodeU(op Opcode, rd uint32, imm int32) Word32 {
	return Word32(uint32(op) | rd<<7 | uint32(imm)&0xfffff000)
}

func encodeJ(op Opcode, rd uint32, imm int32) Word32 {
	u := uint32(imm)
	b20 := (u >> 20) & 1
	b10_1 := (u >> 1) & 0x3ff
	b11 := (u >> 11) & 1
	b19_12 := (u >> 12) & 0xff

	return Word32(uint32(op) | rd<<7 | b19_12<<12 | b11<<20 | b10_1<<21 | b20<<31)
}
