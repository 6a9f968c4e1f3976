package bits_test

import (
	"testing"

	"github.com/smoynes/rv64emu/internal/bits"
)

func TestLoadStoreLE(t *testing.T) {
	tests := []struct {
		width int
		val   uint64
	}{
		{1, 0xab},
		{2, 0xabcd},
		{4, 0xdeadbeef},
		{8, 0x0123456789abcdef},
	}

	for _, tt := range tests {
		buf := make([]byte, tt.width)
		bits.StoreLE(buf, tt.width, tt.val)

		got := bits.LoadLE(buf, tt.width)
		if got != tt.val {
			t.Errorf("width=%d: LoadLE(StoreLE(%#x)) = %#x", tt.width, tt.val, got)
		}
	}
}

func TestSignExtend(t *testing.T) {
	tests := []struct {
		v    uint64
		n    uint
		want uint64
	}{
		{0x1, 1, 0xffffffffffffffff},
		{0x0, 1, 0},
		{0x7f, 8, 0x7f},
		{0xff, 8, 0xffffffffffffffff},
	}

	for _, tt := range tests {
		if got := bits.SignExtend(tt.v, tt.n); got != tt.want {
			t.Errorf("SignExtend(%#x, %d) = %#x, want %#x", tt.v, tt.n, got, tt.want)
		}
	}
}

func TestZeroExtend(t *testing.T) {
	if got := bits.ZeroExtend(0xffff, 8); got != 0xff {
		t.Errorf("ZeroExtend(0xffff, 8) = %#x, want 0xff", got)
	}
}

func TestClzCtzCpop(t *testing.T) {
	if got := bits.Clz(0x1, 32); got != 31 {
		t.Errorf("Clz(1, 32) = %d, want 31", got)
	}

	if got := bits.Clz(0, 32); got != 32 {
		t.Errorf("Clz(0, 32) = %d, want 32", got)
	}

	if got := bits.Ctz(0x8, 32); got != 3 {
		t.Errorf("Ctz(8, 32) = %d, want 3", got)
	}

	if got := bits.Ctz(0, 32); got != 32 {
		t.Errorf("Ctz(0, 32) = %d, want 32", got)
	}

	if got := bits.Cpop(0xff, 32); got != 8 {
		t.Errorf("Cpop(0xff, 32) = %d, want 8", got)
	}
}

func TestOrcB(t *testing.T) {
	if got := bits.OrcB(0x0001ff00, 32); got != 0x00ffff00 {
		t.Errorf("OrcB(0x0001ff00, 32) = %#x, want 0x00ffff00", got)
	}
}

func TestRev8(t *testing.T) {
	if got := bits.Rev8(0x0102030405060708, 64); got != 0x0807060504030201 {
		t.Errorf("Rev8 = %#x, want 0x0807060504030201", got)
	}
}

func TestRotlRotr(t *testing.T) {
	if got := bits.Rotl(0x1, 1, 32); got != 0x2 {
		t.Errorf("Rotl(1,1,32) = %#x, want 2", got)
	}

	if got := bits.Rotl(0x80000000, 1, 32); got != 0x1 {
		t.Errorf("Rotl(0x80000000,1,32) = %#x, want 1", got)
	}

	for n := uint(0); n < 32; n++ {
		v := uint64(0xdeadbeef)
		if bits.Rotr(bits.Rotl(v, n, 32), n, 32) != v {
			t.Errorf("Rotr(Rotl(v,%d),%d) round-trip failed", n, n)
		}
	}
}

func TestClmul(t *testing.T) {
	// 0b11 * 0b11 (carry-less) = 0b101
	if got := bits.Clmul(0b11, 0b11, 8); got != 0b101 {
		t.Errorf("Clmul(3,3,8) = %#b, want 0b101", got)
	}
}
