package monitor_test

import (
	"testing"

	"github.com/smoynes/rv64emu/internal/hart"
	"github.com/smoynes/rv64emu/internal/mmio"
	"github.com/smoynes/rv64emu/internal/monitor"
)

func newTestHart(t *testing.T) (*hart.Hart, uint64) {
	t.Helper()

	const base = 0x1000

	ram, err := mmio.NewRAM(base, mmio.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	bus := mmio.NewBus(ram)
	h := hart.New(0, bus, hart.NewReservations())
	h.Regs().PC = base

	// addi x1, x1, 1 three times, then an infinite loop (jal 0).
	prog := ram.HostPointer(base, 16)
	copy(prog[0:4], []byte{0x93, 0x80, 0x10, 0x00})
	copy(prog[4:8], []byte{0x93, 0x80, 0x10, 0x00})
	copy(prog[8:12], []byte{0x93, 0x80, 0x10, 0x00})
	copy(prog[12:16], []byte{0x6f, 0x00, 0x00, 0x00})

	return h, base
}

func TestMonitorStepN(t *testing.T) {
	h, base := newTestHart(t)
	m := monitor.New(h)

	n, err := m.StepN(3)
	if err != nil {
		t.Fatalf("StepN: %v", err)
	}

	if n != 3 {
		t.Errorf("StepN executed %d instructions, want 3", n)
	}

	if h.Regs().Get(1) != 3 {
		t.Errorf("x1 = %d, want 3", h.Regs().Get(1))
	}

	_ = base
}

func TestMonitorBreakpoint(t *testing.T) {
	h, base := newTestHart(t)
	m := monitor.New(h)

	bp := base + 8
	m.SetBreakpoint(bp)

	n, err := m.StepN(10)
	if err != nil {
		t.Fatalf("StepN: %v", err)
	}

	if n != 2 {
		t.Errorf("StepN stopped after %d instructions, want 2 (breakpoint at offset 2)", n)
	}

	if h.PC() != bp {
		t.Errorf("PC = %#x, want breakpoint address %#x", h.PC(), bp)
	}

	hits := m.Hits()
	if len(hits) != 1 || hits[0] != bp {
		t.Errorf("Hits() = %v, want [%#x]", hits, bp)
	}
}
