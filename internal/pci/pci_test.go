package pci_test

import (
	"testing"

	"github.com/smoynes/rv64emu/internal/pci"
)

func TestReserveRecordsFunction(t *testing.T) {
	b := pci.New()

	f := b.Reserve(1, 0, 0x40000000, 0x1000)

	if f.Device != 1 || f.BarBase != 0x40000000 || f.BarSize != 0x1000 {
		t.Errorf("Reserve returned %+v", f)
	}

	funcs := b.Functions()
	if len(funcs) != 1 || funcs[0] != f {
		t.Errorf("Functions() = %+v, want [%+v]", funcs, f)
	}
}

func TestFunctionsReturnsACopy(t *testing.T) {
	b := pci.New()
	b.Reserve(0, 0, 0, 0x1000)

	funcs := b.Functions()
	funcs[0].BarSize = 0xdead

	again := b.Functions()
	if again[0].BarSize == 0xdead {
		t.Error("Functions() should return an independent copy, not alias internal state")
	}
}
