package clint_test

import (
	"testing"

	"github.com/smoynes/rv64emu/internal/clint"
)

type pendingEvent struct {
	hart int
	bit  uint64
	set  bool
}

func TestTickAssertsTimerInterrupt(t *testing.T) {
	var events []pendingEvent

	c := clint.New(1, func(h int, bit uint64, set bool) {
		events = append(events, pendingEvent{h, bit, set})
	})

	buf := make([]byte, 8)
	buf[0] = 100 // mtimecmp[0] = 100 (little endian)
	c.Write(buf, 0x4000)

	events = nil

	c.Tick(50)
	if len(events) != 1 || events[0].set {
		t.Fatalf("events = %+v, want one not-yet-pending report", events)
	}

	c.Tick(50) // now = 100, reaches mtimecmp
	if len(events) != 2 || !events[1].set {
		t.Fatalf("events = %+v, want a pending=true report once mtime reaches mtimecmp", events)
	}
}

func TestMSIPWriteNotifies(t *testing.T) {
	var got pendingEvent

	c := clint.New(2, func(h int, bit uint64, set bool) {
		got = pendingEvent{h, bit, set}
	})

	c.Write([]byte{1}, 0x0000+4) // hart 1's msip

	if got.hart != 1 || got.bit != clint.BitMSIP || !got.set {
		t.Errorf("got %+v, want hart=1 bit=MSIP set=true", got)
	}
}

func TestMtimeReadWrite(t *testing.T) {
	c := clint.New(1, nil)

	buf := make([]byte, 8)
	buf[0] = 42
	c.Write(buf, 0xbff8)

	out := make([]byte, 8)
	c.Read(out, 0xbff8)

	if out[0] != 42 {
		t.Errorf("mtime low byte = %d, want 42", out[0])
	}
}

func TestResetClearsState(t *testing.T) {
	c := clint.New(1, nil)

	buf := make([]byte, 8)
	buf[0] = 99
	c.Write(buf, 0xbff8)

	c.Reset()

	out := make([]byte, 8)
	c.Read(out, 0xbff8)

	for _, b := range out {
		if b != 0 {
			t.Fatalf("mtime after Reset = %v, want all zero", out)
		}
	}
}
