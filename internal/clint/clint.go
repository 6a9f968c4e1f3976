// Package clint implements the core-local interruptor: per-hart timer
// compare registers (mtimecmp), a shared wall-clock counter (mtime), and
// per-hart software-interrupt (IPI) registers, per the standard SiFive
// CLINT memory map referenced by §3's "CLINT via a contract."
//
// Grounded the same way as internal/plic: no example repo implements a
// CLINT, so the register layout follows the widely adopted SiFive
// convention, wired into the mmio.Handler contract used throughout this
// module (itself generalized from the teacher's per-register device
// handlers, vm/disp.go and vm/kbd.go).
package clint

import (
	"sync"
	"sync/atomic"

	"github.com/smoynes/rv64emu/internal/bits"
)

const (
	msipBase    = 0x0000
	msipStride  = 4
	mtimecmpBase = 0x4000
	mtimecmpStride = 8
	mtimeOffset = 0xbff8
)

// SetPendingFunc notifies a hart that a timer or software interrupt bit
// should be asserted or cleared in its mip.
type SetPendingFunc func(hart int, bit uint64, set bool)

// Software/timer interrupt bit positions in mip/mie, mirrored from
// internal/csr to avoid an import cycle (clint has no other reason to
// depend on csr).
const (
	BitMSIP = 1 << 3
	BitMTIP = 1 << 7
)

// CLINT is the core-local interruptor for a fixed number of harts.
type CLINT struct {
	mu sync.Mutex

	numHarts int
	mtime    atomic.Uint64
	mtimecmp []uint64
	msip     []bool

	onPending SetPendingFunc
}

// New creates a CLINT for numHarts harts.
func New(numHarts int, onPending SetPendingFunc) *CLINT {
	return &CLINT{
		numHarts:  numHarts,
		mtimecmp:  make([]uint64, numHarts),
		msip:      make([]bool, numHarts),
		onPending: onPending,
	}
}

// Tick advances the shared mtime counter by delta ticks and re-evaluates
// every hart's timer-pending bit. Called by the Machine's timer goroutine.
func (c *CLINT) Tick(delta uint64) {
	now := c.mtime.Add(delta)

	c.mu.Lock()
	defer c.mu.Unlock()

	for h := 0; h < c.numHarts; h++ {
		pending := now >= c.mtimecmp[h]

		if c.onPending != nil {
			c.onPending(h, BitMTIP, pending)
		}
	}
}

// Read implements mmio.Handler.
func (c *CLINT) Read(dst []byte, offset uint64) bool {
	switch {
	case offset >= msipBase && offset < mtimecmpBase:
		h := int(offset-msipBase) / msipStride
		if h >= c.numHarts {
			return false
		}

		c.mu.Lock()
		v := uint32(0)
		if c.msip[h] {
			v = 1
		}
		c.mu.Unlock()

		bits.StoreLE(dst, len(dst), uint64(v))

		return true
	case offset >= mtimecmpBase && offset < mtimeOffset:
		h := int(offset-mtimecmpBase) / mtimecmpStride
		if h >= c.numHarts {
			return false
		}

		c.mu.Lock()
		v := c.mtimecmp[h]
		c.mu.Unlock()

		bits.StoreLE(dst, len(dst), v)

		return true
	case offset == mtimeOffset:
		bits.StoreLE(dst, len(dst), c.mtime.Load())
		return true
	}

	return false
}

// Write implements mmio.Handler.
func (c *CLINT) Write(src []byte, offset uint64) bool {
	val := bits.LoadLE(src, len(src))

	switch {
	case offset >= msipBase && offset < mtimecmpBase:
		h := int(offset-msipBase) / msipStride
		if h >= c.numHarts {
			return false
		}

		c.mu.Lock()
		c.msip[h] = val&1 != 0
		c.mu.Unlock()

		if c.onPending != nil {
			c.onPending(h, BitMSIP, val&1 != 0)
		}

		return true
	case offset >= mtimecmpBase && offset < mtimeOffset:
		h := int(offset-mtimecmpBase) / mtimecmpStride
		if h >= c.numHarts {
			return false
		}

		c.mu.Lock()
		c.mtimecmp[h] = val
		c.mu.Unlock()

		if c.onPending != nil {
			c.onPending(h, BitMTIP, c.mtime.Load() >= val)
		}

		return true
	case offset == mtimeOffset:
		c.mtime.Store(val)
		return true
	}

	return false
}

// Reset clears all timer-compare and software-interrupt state.
func (c *CLINT) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mtime.Store(0)

	for h := range c.mtimecmp {
		c.mtimecmp[h] = ^uint64(0)
		c.msip[h] = false
	}
}
