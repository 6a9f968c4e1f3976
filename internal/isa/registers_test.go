package isa_test

import (
	"testing"

	"github.com/smoynes/rv64emu/internal/isa"
)

func TestRegisterFileX0HardwiredZero(t *testing.T) {
	var f isa.File

	f.Set(0, 0xdeadbeef)

	if got := f.Get(0); got != 0 {
		t.Errorf("Get(0) = %#x, want 0 (x0 must stay hardwired zero)", got)
	}
}

func TestRegisterFileSetGet(t *testing.T) {
	var f isa.File

	f.Set(5, 0x1234)

	if got := f.Get(5); got != 0x1234 {
		t.Errorf("Get(5) = %#x, want 0x1234", got)
	}
}
