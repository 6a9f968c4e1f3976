package tlb_test

import (
	"testing"

	"github.com/smoynes/rv64emu/internal/tlb"
)

const pageSize = 4096

func TestLookupMiss(t *testing.T) {
	tb := tlb.New(4, pageSize)

	if _, ok := tb.Lookup(0x1000, tlb.LaneRead); ok {
		t.Fatal("Lookup on empty TLB reported a hit")
	}
}

func TestFillThenLookup(t *testing.T) {
	tb := tlb.New(4, pageSize)

	const vaddr = 0x2000
	hostBase := uintptr(0x7f0000000000)

	tb.Fill(vaddr, hostBase, tlb.PermRead|tlb.PermWrite)

	host, ok := tb.Lookup(vaddr, tlb.LaneRead)
	if !ok {
		t.Fatal("expected hit after Fill")
	}

	if want := hostBase; host != want { // vaddr is the page start
		t.Errorf("Lookup host addr = %#x, want %#x", host, want)
	}

	if _, ok := tb.Lookup(vaddr, tlb.LaneExec); ok {
		t.Error("exec lane should not be authorized, Fill only granted R/W")
	}
}

func TestFillWithinPageOffset(t *testing.T) {
	tb := tlb.New(4, pageSize)

	hostBase := uintptr(0x7f0000000000)
	tb.Fill(0x2000, hostBase, tlb.PermRead)

	host, ok := tb.Lookup(0x2123, tlb.LaneRead)
	if !ok {
		t.Fatal("expected hit for address within the filled page")
	}

	if want := hostBase + 0x123; host != want {
		t.Errorf("Lookup host addr = %#x, want %#x", host, want)
	}
}

func TestFlushPage(t *testing.T) {
	tb := tlb.New(4, pageSize)

	tb.Fill(0x3000, 0x8000, tlb.PermRead)
	tb.FlushPage(0x3000)

	if _, ok := tb.Lookup(0x3000, tlb.LaneRead); ok {
		t.Error("expected miss after FlushPage")
	}
}

func TestFlushAll(t *testing.T) {
	tb := tlb.New(4, pageSize)

	tb.Fill(0x1000, 0x9000, tlb.PermRead|tlb.PermWrite|tlb.PermExec)
	tb.Fill(0x5000, 0xa000, tlb.PermRead)

	tb.FlushAll()

	if _, ok := tb.Lookup(0x1000, tlb.LaneRead); ok {
		t.Error("expected miss after FlushAll")
	}

	if _, ok := tb.Lookup(0x5000, tlb.LaneRead); ok {
		t.Error("expected miss after FlushAll")
	}
}

func TestUserBitTrackedAcrossFillAndFlush(t *testing.T) {
	tb := tlb.New(4, pageSize)

	tb.Fill(0x4000, 0xb000, tlb.PermRead|tlb.PermUser)

	if !tb.User(0x4000) {
		t.Error("expected User() true after Fill with PermUser")
	}

	tb.Fill(0x6000, 0xc000, tlb.PermRead) // supervisor-only page

	if tb.User(0x6000) {
		t.Error("expected User() false for a page filled without PermUser")
	}

	tb.FlushPage(0x6000)

	if tb.User(0x6000) {
		t.Error("expected User() false after FlushPage")
	}
}

func TestRefillDifferentPageSameSlot(t *testing.T) {
	tb := tlb.New(1, pageSize) // single entry forces a collision

	tb.Fill(0x1000, 0x9000, tlb.PermRead|tlb.PermWrite|tlb.PermExec)
	tb.Fill(0x2000, 0xa000, tlb.PermRead)

	if _, ok := tb.Lookup(0x1000, tlb.LaneRead); ok {
		t.Error("old page's entry should have been evicted")
	}

	if _, ok := tb.Lookup(0x2000, tlb.LaneWrite); ok {
		t.Error("new page was only filled for read, write lane must miss")
	}

	if host, ok := tb.Lookup(0x2000, tlb.LaneRead); !ok || host != 0xa000 {
		t.Errorf("Lookup(0x2000, read) = %#x, %v; want 0xa000, true", host, ok)
	}
}
