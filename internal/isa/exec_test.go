package isa_test

import (
	"testing"

	"github.com/smoynes/rv64emu/internal/isa"
)

// fakeCore is a minimal isa.Core backed by a flat byte slice, enough to
// exercise Execute's load/store/CSR/trap dispatch without pulling in the
// hart runtime (which itself depends on isa, so a real hart can't be used
// here without an import cycle).
type fakeCore struct {
	regs   isa.File
	mem    [256]byte
	csrs   map[uint16]uint64
	trapCh chan uint64
	ecall  bool
	ebreak bool
}

func newFakeCore() *fakeCore {
	return &fakeCore{csrs: map[uint16]uint64{}}
}

func (c *fakeCore) Regs() *isa.File { return &c.regs }
func (c *fakeCore) XLen() int       { return 64 }

func (c *fakeCore) Load(addr uint64, size int) (uint64, error) {
	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(c.mem[addr+uint64(i)]) << (8 * i)
	}

	return v, nil
}

func (c *fakeCore) Store(addr uint64, size int, val uint64) error {
	for i := 0; i < size; i++ {
		c.mem[addr+uint64(i)] = byte(val >> (8 * i))
	}

	return nil
}

func (c *fakeCore) CSRRead(num uint16) (uint64, error)      { return c.csrs[num], nil }
func (c *fakeCore) CSRWrite(num uint16, val uint64) error   { c.csrs[num] = val; return nil }
func (c *fakeCore) Reserve(addr uint64)                     {}
func (c *fakeCore) SCCheck(addr uint64) bool                { return true }
func (c *fakeCore) Trap(cause uint64, tval uint64)          {}
func (c *fakeCore) ECall()                                  { c.ecall = true }
func (c *fakeCore) EBreak()                                 { c.ebreak = true }
func (c *fakeCore) MRET()                                   {}
func (c *fakeCore) SRET()                                   {}
func (c *fakeCore) WFI()                                    {}
func (c *fakeCore) SFenceVMA(vaddr, asid uint64)            {}
func (c *fakeCore) FenceI()                                 {}

func TestExecuteAddImmediate(t *testing.T) {
	core := newFakeCore()
	ins := isa.Decode(isa.Word32(0x00100093)) // addi x1, x0, 1

	if err := isa.Execute(core, ins); err != nil {
		t.Fatal(err)
	}

	if got := core.Regs().Get(1); got != 1 {
		t.Errorf("x1 = %d, want 1", got)
	}
}

func TestExecuteStoreThenLoad(t *testing.T) {
	core := newFakeCore()
	core.Regs().Set(2, 0x10) // base address

	// sw x0, 0(x2): store zero. First set x3 to a value, then store it.
	storeVal := isa.Decode(isa.Word32(0x00100093)) // addi x1,x0,1 -> x1=1
	if err := isa.Execute(core, storeVal); err != nil {
		t.Fatal(err)
	}

	// sw x1, 0(x2) -> 0x00112023
	store := isa.Decode(isa.Word32(0x00112023))
	if err := isa.Execute(core, store); err != nil {
		t.Fatal(err)
	}

	// lw x4, 0(x2) -> 0x00012203
	load := isa.Decode(isa.Word32(0x00012203))
	if err := isa.Execute(core, load); err != nil {
		t.Fatal(err)
	}

	if got := core.Regs().Get(4); got != 1 {
		t.Errorf("x4 = %d, want 1", got)
	}
}

func TestExecuteJAL(t *testing.T) {
	core := newFakeCore()
	core.Regs().PC = 0x1000

	ins := isa.Decode(isa.Word32(0x0000006f)) // jal x0, 0
	if err := isa.Execute(core, ins); err != nil {
		t.Fatal(err)
	}

	if core.Regs().PC != 0x1000 {
		t.Errorf("PC = %#x, want unchanged 0x1000 (jal +0)", core.Regs().PC)
	}
}

func TestExecuteBranchTaken(t *testing.T) {
	core := newFakeCore()
	core.Regs().PC = 0x2000
	core.Regs().Set(1, 5)
	core.Regs().Set(2, 5)

	// beq x1, x2, 8 -> 0x00208463
	ins := isa.Decode(isa.Word32(0x00208463))
	if err := isa.Execute(core, ins); err != nil {
		t.Fatal(err)
	}

	if core.Regs().PC != 0x2008 {
		t.Errorf("PC = %#x, want 0x2008 (branch taken)", core.Regs().PC)
	}
}

func TestExecuteEcall(t *testing.T) {
	core := newFakeCore()

	ins := isa.Decode(isa.Word32(0x00000073)) // ecall
	if err := isa.Execute(core, ins); err != nil {
		t.Fatal(err)
	}

	if !core.ecall {
		t.Error("ECall hook not invoked for ecall instruction")
	}
}

func TestExecuteZbInstructions(t *testing.T) {
	tests := []struct {
		name      string
		word      uint32
		rs1, rs2  uint64
		want      uint64
	}{
		// min rd,rs1,rs2 (rd=x1,rs1=x2,rs2=x3)
		{"MIN negative vs positive", 0x0A3140B3, 0xfffffffffffffffe /* -2 */, 3, 0xfffffffffffffffe},
		{"MINU treats operands unsigned", 0x0A3150B3, 0xfffffffffffffffe, 3, 3},
		{"MAX negative vs positive", 0x0A3160B3, 0xfffffffffffffffe, 3, 3},
		{"MAXU treats operands unsigned", 0x0A3170B3, 0xfffffffffffffffe, 3, 0xfffffffffffffffe},
		// rol/ror rd,rs1,rs2
		{"ROL by 4", 0x603110B3, 0x1, 4, 0x10},
		{"ROR by 4", 0x603150B3, 0x10, 4, 0x1},
		// add.uw rd,rs1,rs2 (OP-32): rd = rs2 + zext32(rs1)
		{"ADD.UW zero-extends rs1 and keeps full rs2", 0x083100BB, 0xffffffff00000001, 0x100000000, 0x100000001},
		// packw rd,rs1,x0 == zext.h rd,rs1
		{"ZEXT.H via packw clears upper bits", 0x080140BB, 0xffffffffdeadbeef, 0, 0xbeef},
		// rev8 rd,rs1 (RV64 encoding, imm=0x6b8)
		{"REV8 reverses byte order", 0x6B815093, 0x0102030405060708, 0, 0x0807060504030201},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core := newFakeCore()
			core.Regs().Set(2, tt.rs1)
			core.Regs().Set(3, tt.rs2)

			ins := isa.Decode(isa.Word32(tt.word))
			if err := isa.Execute(core, ins); err != nil {
				t.Fatal(err)
			}

			if got := core.Regs().Get(1); got != tt.want {
				t.Errorf("%s: x1 = %#x, want %#x", tt.name, got, tt.want)
			}
		})
	}
}
