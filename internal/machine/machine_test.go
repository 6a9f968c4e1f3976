package machine_test

import (
	"context"
	"testing"
	"time"

	"github.com/smoynes/rv64emu/internal/csr"
	"github.com/smoynes/rv64emu/internal/machine"
	"github.com/smoynes/rv64emu/internal/mmio"
	"github.com/smoynes/rv64emu/internal/syscon"
)

func testConfig() machine.Config {
	return machine.Config{
		MemBase:     0x80000000,
		MemSize:     mmio.PageSize * 4,
		HartCount:   2,
		XLen:        csr.XLEN64,
		ResetVector: 0x80000000,
	}
}

func TestNewWiresHartsAndDevices(t *testing.T) {
	m, err := machine.New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	harts := m.Harts()
	if len(harts) != 2 {
		t.Fatalf("got %d harts, want 2", len(harts))
	}

	for i, h := range harts {
		if h.PC() != 0x80000000 {
			t.Errorf("hart %d PC = %#x, want reset vector", i, h.PC())
		}
	}

	if m.UART() == nil {
		t.Error("UART() should be non-nil after New")
	}

	if m.Bus() == nil {
		t.Error("Bus() should be non-nil after New")
	}
}

func TestSetResetHandlerInvokedOnReset(t *testing.T) {
	m, err := machine.New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	var got *machine.Machine

	m.SetResetHandler(func(mm *machine.Machine) { got = mm })

	m.Reset()

	if got != m {
		t.Error("reset handler was not invoked with the resetting machine")
	}

	m.SetResetHandler(nil)
	got = nil

	m.Reset()

	if got != nil {
		t.Error("reset handler should not fire after being cleared with nil")
	}
}

func TestBuildFDTProducesAValidHeader(t *testing.T) {
	m, err := machine.New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	blob, err := m.BuildFDT()
	if err != nil {
		t.Fatal(err)
	}

	if len(blob) < 40 {
		t.Fatalf("fdt blob too short: %d bytes", len(blob))
	}
}

func TestSysconPoweroffStopsRun(t *testing.T) {
	cfg := testConfig()
	cfg.HartCount = 1

	m, err := machine.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	// Write the boot image: a single infinite-loop instruction so the hart
	// stays busy until the syscon write below stops the machine.
	prog := []byte{0x6f, 0x00, 0x00, 0x00} // jal x0, 0
	copy(m.Bus().RAM().HostPointer(0x80000000, 4), prog)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)

	if err := m.Bus().Store([]byte{0x55, 0x55, 0, 0}, 0x11100000, 4); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after a poweroff finisher write")
	}

	state, _ := m.PowerState()
	if state != syscon.StatePoweroff {
		t.Errorf("PowerState() = %v, want poweroff", state)
	}
}
