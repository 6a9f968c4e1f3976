package hart_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/smoynes/rv64emu/internal/csr"
	"github.com/smoynes/rv64emu/internal/hart"
	"github.com/smoynes/rv64emu/internal/mmio"
)

const base = 0x80000000

func newTestHart(t *testing.T, program []uint32) *hart.Hart {
	t.Helper()

	ram, err := mmio.NewRAM(base, mmio.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	bus := mmio.NewBus(ram)

	buf := ram.HostPointer(base, uint64(len(program)*4))
	for i, w := range program {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}

	h := hart.New(0, bus, hart.NewReservations())
	h.Regs().PC = base

	return h
}

func TestStepExecutesAndAdvancesPC(t *testing.T) {
	h := newTestHart(t, []uint32{
		0x00100093, // addi x1, x0, 1
		0x00108093, // addi x1, x1, 1
	})

	if err := h.Step(); err != nil {
		t.Fatal(err)
	}

	if got := h.Regs().Get(1); got != 1 {
		t.Errorf("x1 = %d, want 1", got)
	}

	if h.PC() != base+4 {
		t.Errorf("PC = %#x, want %#x", h.PC(), base+4)
	}

	if err := h.Step(); err != nil {
		t.Fatal(err)
	}

	if got := h.Regs().Get(1); got != 2 {
		t.Errorf("x1 = %d, want 2", got)
	}
}

func TestECallHookInvoked(t *testing.T) {
	var hookHart *hart.Hart

	ram, _ := mmio.NewRAM(base, mmio.PageSize)
	bus := mmio.NewBus(ram)
	binary.LittleEndian.PutUint32(ram.HostPointer(base, 4), 0x00000073) // ecall

	h := hart.New(0, bus, hart.NewReservations(), hart.WithECallHook(func(h *hart.Hart) { hookHart = h }))
	h.Regs().PC = base

	if err := h.Step(); err != nil {
		t.Fatal(err)
	}

	if hookHart != h {
		t.Error("ECall hook was not invoked with the triggering hart")
	}

	// ecall from M-mode traps to mtvec (0 by default), not a PC+4 advance.
	if h.PC() != 0 {
		t.Errorf("PC after ecall trap = %#x, want mtvec base 0", h.PC())
	}
}

func TestLoadStoreThroughPagedTranslationAndTLB(t *testing.T) {
	ram, err := mmio.NewRAM(base, 0x3000)
	if err != nil {
		t.Fatal(err)
	}

	bus := mmio.NewBus(ram)
	h := hart.New(0, bus, hart.NewReservations())

	rootPPN := uint64(base) >> 12
	// A single Sv39 gigapage PTE at VPN[2]=0: V R W X A D (no U, so S-mode
	// may use it without SUM), ppn pointing back at the same RAM region so
	// vaddr 0 maps to physical `base`.
	pte := uint64(1|2|4|8|64|128) | (rootPPN << 10)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, pte)

	if err := bus.Store(buf, base, 8); err != nil {
		t.Fatal(err)
	}

	csrFile := h.CSRFile()
	csrFile.SATP = csr.SATPModeSv39<<60 | rootPPN
	csrFile.MEPC = base
	csrFile.Status = csrFile.Status.WithMPP(csr.PrivilegeSupervisor)

	h.MRET() // enter S-mode so Load/Store actually consult the MMU/TLB

	if h.Privilege() != csr.PrivilegeSupervisor {
		t.Fatalf("priv = %v, want Supervisor", h.Privilege())
	}

	const vaddr = 0x1008

	if err := h.Store(vaddr, 8, 0xdeadbeef); err != nil {
		t.Fatalf("first store (MMU walk + TLB fill) failed: %v", err)
	}

	got, err := h.Load(vaddr, 8)
	if err != nil {
		t.Fatalf("second load (expected TLB hit on the same page) failed: %v", err)
	}

	if got != 0xdeadbeef {
		t.Errorf("Load = %#x, want 0xdeadbeef", got)
	}

	// A third access on a different byte of the same page must also hit,
	// proving the cached entry covers the whole page, not just vaddr.
	if _, err := h.Load(vaddr+8, 8); err != nil {
		t.Errorf("load at a second offset within the cached page failed: %v", err)
	}

	// SFENCE.VMA must force the next access back through a real walk
	// rather than serving a stale TLB entry.
	h.SFenceVMA(0, 0)

	got, err = h.Load(vaddr, 8)
	if err != nil {
		t.Fatalf("load after SFENCE.VMA (expected fresh walk) failed: %v", err)
	}

	if got != 0xdeadbeef {
		t.Errorf("Load after flush = %#x, want 0xdeadbeef", got)
	}
}

func TestSetPendingClearPending(t *testing.T) {
	h := newTestHart(t, []uint32{0x00000013}) // nop (addi x0,x0,0)

	h.SetPending(csr.BitMEIP)

	if h.CSRFile().MIP&csr.BitMEIP == 0 {
		t.Error("SetPending should OR the bit into mip")
	}

	h.ClearPending(csr.BitMEIP)

	if h.CSRFile().MIP&csr.BitMEIP != 0 {
		t.Error("ClearPending should clear the bit from mip")
	}
}

func TestReserveSCCheck(t *testing.T) {
	resv := hart.NewReservations()

	ram1, _ := mmio.NewRAM(base, mmio.PageSize)
	h1 := hart.New(0, mmio.NewBus(ram1), resv)

	ram2, _ := mmio.NewRAM(base, mmio.PageSize)
	h2 := hart.New(1, mmio.NewBus(ram2), resv)

	h1.Reserve(0x100)

	if !h1.SCCheck(0x100) {
		t.Error("SC should succeed against its own fresh reservation")
	}

	if h1.SCCheck(0x100) {
		t.Error("a second SC against the same address must fail: reservation consumed")
	}

	h1.Reserve(0x200)
	h2.Reserve(0x200)
	h2.SCCheck(0x200)

	if h1.SCCheck(0x200) {
		t.Error("a sibling hart's SC to the same address should invalidate this one")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	// An infinite loop: jal x0, 0 (jump to self).
	h := newTestHart(t, []uint32{0x0000006f})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.Run(ctx)
	if err == nil {
		t.Error("expected Run to return the context's error on cancellation")
	}
}

func TestRequestPauseAndResume(t *testing.T) {
	// An infinite loop so Run only stops via pause or context.
	h := newTestHart(t, []uint32{0x0000006f})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- h.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	h.RequestPause()

	select {
	case err := <-done:
		t.Fatalf("Run should not have exited yet after a pause request, got %v", err)
	case <-time.After(5 * time.Millisecond):
	}

	h.Resume()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after resume+cancel")
	}
}
