// Package bits provides endian-safe host memory access and the bit-twiddling
// primitives used by the Zb* (bit-manipulation) instruction semantics.
//
// Every function here operates directly on a host byte slice; callers are
// responsible for bounds-checking the slice before calling. This package
// knows nothing about virtual memory, traps, or the guest's privilege
// state -- it is the leaf layer that the TLB and MMU build upon.
package bits

import (
	"encoding/binary"
	"math/bits"
)

// LoadLE reads an unsigned little-endian value of the given width (in bytes,
// one of 1, 2, 4, 8) from buf starting at offset 0.
func LoadLE(buf []byte, width int) uint64 {
	switch width {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		return binary.LittleEndian.Uint64(buf)
	default:
		panic("bits: unsupported load width")
	}
}

// StoreLE writes val, truncated to width bytes (one of 1, 2, 4, 8), to buf in
// little-endian order.
func StoreLE(buf []byte, width int, val uint64) {
	switch width {
	case 1:
		buf[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(val))
	case 8:
		binary.LittleEndian.PutUint64(buf, val)
	default:
		panic("bits: unsupported store width")
	}
}

// SignExtend sign-extends the bottom n bits of v (a 64-bit word) and returns
// the result as a full-width signed value reinterpreted as uint64. The
// technique mirrors the LC-3 teacher's Word.Sext: shift the sign bit up to
// bit 63, then arithmetic-shift it back down.
func SignExtend(v uint64, n uint) uint64 {
	if n == 0 || n >= 64 {
		return v
	}

	shift := 64 - n
	return uint64(int64(v<<shift) >> shift)
}

// ZeroExtend masks v to its bottom n bits.
func ZeroExtend(v uint64, n uint) uint64 {
	if n >= 64 {
		return v
	}

	return v & (1<<n - 1)
}

// Clz counts leading zero bits in the bottom width bits of v.
func Clz(v uint64, width int) int {
	if v == 0 {
		return width
	}

	lead := bits.LeadingZeros64(v)

	return lead - (64 - width)
}

// Ctz counts trailing zero bits in the bottom width bits of v.
func Ctz(v uint64, width int) int {
	masked := ZeroExtend(v, uint(width))
	if masked == 0 {
		return width
	}

	return bits.TrailingZeros64(masked)
}

// Cpop counts the set bits ("population count") in the bottom width bits of v.
func Cpop(v uint64, width int) int {
	return bits.OnesCount64(ZeroExtend(v, uint(width)))
}

// OrcB implements the Zbb orc.b instruction: for each byte, if any bit is
// set, the byte becomes 0xff, otherwise 0x00.
func OrcB(v uint64, width int) uint64 {
	var out uint64

	nbytes := width / 8

	for i := 0; i < nbytes; i++ {
		shift := uint(i * 8)
		b := byte(v >> shift)

		if b != 0 {
			out |= uint64(0xff) << shift
		}
	}

	return out
}

// Rev8 reverses the byte order of the bottom width bits of v.
func Rev8(v uint64, width int) uint64 {
	nbytes := width / 8

	var out uint64

	for i := 0; i < nbytes; i++ {
		b := byte(v >> uint(i*8))
		out |= uint64(b) << uint((nbytes-1-i)*8)
	}

	return out
}

// Rotl rotates the bottom width bits of v left by n positions.
func Rotl(v uint64, n uint, width int) uint64 {
	v = ZeroExtend(v, uint(width))
	n %= uint(width)

	if n == 0 {
		return v
	}

	return ZeroExtend((v<<n)|(v>>(uint(width)-n)), uint(width))
}

// Rotr rotates the bottom width bits of v right by n positions.
//
// Rotr(x, n, w) == Rotl(x, w-n, w); callers may rely on this identity (it is
// exercised directly by the round-trip property tests).
func Rotr(v uint64, n uint, width int) uint64 {
	n %= uint(width)
	return Rotl(v, uint(width)-n, width)
}

// Clmul computes the carry-less multiplication of a and b, returning the
// low half of the 2*width-bit product truncated to width bits.
func Clmul(a, b uint64, width int) uint64 {
	var result uint64

	a = ZeroExtend(a, uint(width))

	for i := 0; i < width; i++ {
		if b&(1<<uint(i)) != 0 {
			result ^= a << uint(i)
		}
	}

	return ZeroExtend(result, uint(width))
}

// Clmulh computes the high half of the carry-less multiplication of a and b.
func Clmulh(a, b uint64, width int) uint64 {
	var result uint64

	a = ZeroExtend(a, uint(width))

	for i := 1; i < width; i++ {
		if b&(1<<uint(i)) != 0 {
			result ^= a >> uint(width-i)
		}
	}

	return ZeroExtend(result, uint(width))
}

// Clmulr computes the "reversed" carry-less multiplication: bit i of the
// result is the XOR of a[j] & b[i+width-1-j] for all valid j.
func Clmulr(a, b uint64, width int) uint64 {
	var result uint64

	a = ZeroExtend(a, uint(width))

	for i := 0; i < width; i++ {
		if b&(1<<uint(i)) != 0 {
			result ^= a >> uint(width-1-i)
		}
	}

	return ZeroExtend(result, uint(width))
}
