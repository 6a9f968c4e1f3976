package mmu_test

import (
	"encoding/binary"
	"testing"

	"github.com/smoynes/rv64emu/internal/csr"
	"github.com/smoynes/rv64emu/internal/mmio"
	"github.com/smoynes/rv64emu/internal/mmu"
	"github.com/smoynes/rv64emu/internal/tlb"
)

func TestTranslateBareModeIsIdentity(t *testing.T) {
	ram, _ := mmio.NewRAM(0x80000000, mmio.PageSize)
	bus := mmio.NewBus(ram)
	m := mmu.New(bus)

	file := csr.NewFile(csr.XLEN64, 0)

	got, fault := m.Translate(file, 0x1234, mmu.AccessRead, csr.PrivilegeSupervisor)
	if fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}

	if got != 0x1234 {
		t.Errorf("bare-mode translate = %#x, want identity 0x1234", got)
	}
}

func TestTranslateMachineModeBypassesPaging(t *testing.T) {
	ram, _ := mmio.NewRAM(0x80000000, mmio.PageSize)
	bus := mmio.NewBus(ram)
	m := mmu.New(bus)

	file := csr.NewFile(csr.XLEN64, 0)
	file.SATP = csr.SATPModeSv39 << 60 // would require a walk if honored

	got, fault := m.Translate(file, 0x1234, mmu.AccessRead, csr.PrivilegeMachine)
	if fault != nil {
		t.Fatalf("M-mode should bypass translation entirely: %+v", fault)
	}

	if got != 0x1234 {
		t.Errorf("M-mode translate = %#x, want identity", got)
	}
}

func TestTranslateSv39Gigapage(t *testing.T) {
	ram, _ := mmio.NewRAM(0x80000000, mmio.PageSize)
	bus := mmio.NewBus(ram)
	mu := mmu.New(bus)

	const rootBase = 0x80000000

	rootPPN := uint64(rootBase) >> 12

	// A single leaf PTE at VPN[2]=0 (vaddr < 1GiB), mapped as a gigapage
	// with full V/R/W/X/A/D/U permissions and ppn=0 (identity for the low
	// 1GiB region).
	pte := uint64(1 /*V*/ | 2 /*R*/ | 4 /*W*/ | 8 /*X*/ | 16 /*U*/ | 64 /*A*/ | 128 /*D*/)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, pte)

	if err := bus.Store(buf, rootBase, 8); err != nil {
		t.Fatal(err)
	}

	file := csr.NewFile(csr.XLEN64, 0)
	file.SATP = csr.SATPModeSv39<<60 | rootPPN

	const vaddr = 0x1000

	got, fault := mu.Translate(file, vaddr, mmu.AccessRead, csr.PrivilegeUser)
	if fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}

	if got != vaddr {
		t.Errorf("Translate = %#x, want %#x (identity via ppn=0 gigapage)", got, vaddr)
	}
}

func TestTranslateSv39InvalidPTEFaults(t *testing.T) {
	ram, _ := mmio.NewRAM(0x80000000, mmio.PageSize)
	bus := mmio.NewBus(ram)
	mu := mmu.New(bus)

	rootPPN := uint64(0x80000000) >> 12

	file := csr.NewFile(csr.XLEN64, 0)
	file.SATP = csr.SATPModeSv39<<60 | rootPPN
	// RAM page is zero-initialized: PTE at VPN[2]=0 has V=0.

	_, fault := mu.Translate(file, 0x1000, mmu.AccessRead, csr.PrivilegeUser)
	if fault == nil {
		t.Fatal("expected a page fault against an invalid (V=0) PTE")
	}

	if fault.Cause != csr.ExcLoadPageFault {
		t.Errorf("Cause = %d, want ExcLoadPageFault", fault.Cause)
	}
}

func TestTranslateSetsAccessedBitOnRead(t *testing.T) {
	ram, _ := mmio.NewRAM(0x80000000, mmio.PageSize)
	bus := mmio.NewBus(ram)
	mu := mmu.New(bus)

	const rootBase = 0x80000000

	rootPPN := uint64(rootBase) >> 12
	pte := uint64(1 | 2 | 4 | 8) // V R W X, A and D both clear

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, pte)

	if err := bus.Store(buf, rootBase, 8); err != nil {
		t.Fatal(err)
	}

	file := csr.NewFile(csr.XLEN64, 0)
	file.SATP = csr.SATPModeSv39<<60 | rootPPN

	if _, fault := mu.Translate(file, 0x1000, mmu.AccessRead, csr.PrivilegeSupervisor); fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}

	got := make([]byte, 8)
	if err := bus.Load(got, rootBase, 8); err != nil {
		t.Fatal(err)
	}

	written := binary.LittleEndian.Uint64(got)
	if written&(1<<6) == 0 {
		t.Errorf("PTE A bit not set after successful read translation: %#x", written)
	}

	if written&(1<<7) != 0 {
		t.Errorf("PTE D bit unexpectedly set after a read: %#x", written)
	}
}

func TestTranslateSetsDirtyBitOnWrite(t *testing.T) {
	ram, _ := mmio.NewRAM(0x80000000, mmio.PageSize)
	bus := mmio.NewBus(ram)
	mu := mmu.New(bus)

	const rootBase = 0x80000000

	rootPPN := uint64(rootBase) >> 12
	pte := uint64(1 | 2 | 4 | 8) // V R W X, A and D both clear

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, pte)

	if err := bus.Store(buf, rootBase, 8); err != nil {
		t.Fatal(err)
	}

	file := csr.NewFile(csr.XLEN64, 0)
	file.SATP = csr.SATPModeSv39<<60 | rootPPN

	if _, fault := mu.Translate(file, 0x1000, mmu.AccessWrite, csr.PrivilegeSupervisor); fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}

	got := make([]byte, 8)
	if err := bus.Load(got, rootBase, 8); err != nil {
		t.Fatal(err)
	}

	written := binary.LittleEndian.Uint64(got)
	if written&(1<<6) == 0 || written&(1<<7) == 0 {
		t.Errorf("PTE A/D bits not both set after successful write translation: %#x", written)
	}
}

func TestTranslateCacheableReportsLeafPerm(t *testing.T) {
	ram, _ := mmio.NewRAM(0x80000000, mmio.PageSize)
	bus := mmio.NewBus(ram)
	mu := mmu.New(bus)

	const rootBase = 0x80000000

	rootPPN := uint64(rootBase) >> 12
	pte := uint64(1 | 2 | 4 | 16 | 64 | 128) // V R W U A D, no X

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, pte)

	if err := bus.Store(buf, rootBase, 8); err != nil {
		t.Fatal(err)
	}

	file := csr.NewFile(csr.XLEN64, 0)
	file.SATP = csr.SATPModeSv39<<60 | rootPPN

	_, perm, fault := mu.TranslateCacheable(file, 0x1000, mmu.AccessRead, csr.PrivilegeUser)
	if fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}

	if perm&tlb.PermRead == 0 || perm&tlb.PermWrite == 0 || perm&tlb.PermUser == 0 {
		t.Errorf("perm = %#x, want R|W|U set", perm)
	}

	if perm&tlb.PermExec != 0 {
		t.Errorf("perm = %#x, X should not be set for a non-executable leaf", perm)
	}
}

func TestTranslateUserPageDeniedFromSupervisorWithoutSUM(t *testing.T) {
	ram, _ := mmio.NewRAM(0x80000000, mmio.PageSize)
	bus := mmio.NewBus(ram)
	mu := mmu.New(bus)

	const rootBase = 0x80000000

	rootPPN := uint64(rootBase) >> 12
	pte := uint64(1 | 2 | 4 | 64 | 128 | 16) // V R W A D U, no X

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, pte)

	if err := bus.Store(buf, rootBase, 8); err != nil {
		t.Fatal(err)
	}

	file := csr.NewFile(csr.XLEN64, 0)
	file.SATP = csr.SATPModeSv39<<60 | rootPPN
	// SUM bit left clear.

	_, fault := mu.Translate(file, 0x1000, mmu.AccessRead, csr.PrivilegeSupervisor)
	if fault == nil {
		t.Error("expected fault: S-mode accessing a U page without SUM must fail")
	}
}
