// Package plic implements a minimal platform-level interrupt controller:
// per-source priority, per-context enable bitmap, and claim/complete, as
// referenced by §3's "PLIC context (opaque)" and the MMIO device contract
// of §6.
//
// No example repo has a PLIC; this follows the standard SiFive PLIC
// register layout (priority array, pending bitmap, per-context enable
// bitmap, per-context threshold+claim register), wired into the same
// mmio.Handler contract the teacher's device model (vm.Display/vm.Keyboard
// register-mapped devices) exposes, generalized from per-register handlers
// to a byte-range handler.
package plic

import (
	"sync"

	"github.com/smoynes/rv64emu/internal/bits"
)

const (
	MaxSources = 1024
	MaxContexts = 15872

	priorityBase  = 0x0000
	pendingBase   = 0x1000
	enableBase    = 0x2000
	enableStride  = 0x80
	contextBase   = 0x200000
	contextStride = 0x1000
)

// RaiseFunc notifies a context's owning hart that a claimable interrupt is
// now pending, so it can recheck at its next safe point.
type RaiseFunc func(contextID int)

// PLIC is the interrupt controller. NumSources and NumContexts bound the
// register file; a context typically corresponds to one hart's machine or
// supervisor external-interrupt line.
type PLIC struct {
	mu sync.Mutex

	numSources  int
	numContexts int

	priority  []uint32 // [1..numSources]
	pending   []bool   // [1..numSources]
	enable    [][]bool // [context][1..numSources]
	threshold []uint32 // [context]
	claimed   []bool   // [1..numSources], true while claimed and not completed

	onRaise RaiseFunc
}

// New creates a PLIC with numSources interrupt lines and numContexts
// claim/complete contexts.
func New(numSources, numContexts int, onRaise RaiseFunc) *PLIC {
	p := &PLIC{
		numSources:  numSources,
		numContexts: numContexts,
		priority:    make([]uint32, numSources+1),
		pending:     make([]bool, numSources+1),
		threshold:   make([]uint32, numContexts),
		claimed:     make([]bool, numSources+1),
		onRaise:     onRaise,
	}

	p.enable = make([][]bool, numContexts)
	for c := range p.enable {
		p.enable[c] = make([]bool, numSources+1)
	}

	return p
}

// Raise marks source as pending, per §6's "external agents set bits in a
// shared pending mask" contract generalized to per-source interrupts.
func (p *PLIC) Raise(source int) {
	p.mu.Lock()
	p.pending[source] = true
	p.mu.Unlock()

	p.notifyContexts(source)
}

func (p *PLIC) notifyContexts(source int) {
	if p.onRaise == nil {
		return
	}

	for c := 0; c < p.numContexts; c++ {
		p.mu.Lock()
		enabled := p.enable[c][source] && p.priority[source] > p.threshold[c]
		p.mu.Unlock()

		if enabled {
			p.onRaise(c)
		}
	}
}

// Claim returns the highest-priority pending-and-enabled source for
// context, 0 if none, and marks it claimed (not re-claimable until
// Complete).
func (p *PLIC) Claim(context int) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	best, bestPrio := 0, uint32(0)

	for s := 1; s <= p.numSources; s++ {
		if p.pending[s] && !p.claimed[s] && p.enable[context][s] && p.priority[s] > p.threshold[context] {
			if p.priority[s] > bestPrio {
				best, bestPrio = s, p.priority[s]
			}
		}
	}

	if best != 0 {
		p.claimed[best] = true
		p.pending[best] = false
	}

	return uint32(best)
}

// Complete acknowledges source, allowing it to be claimed again.
func (p *PLIC) Complete(source int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if source >= 0 && source <= p.numSources {
		p.claimed[source] = false
	}
}

// Read implements mmio.Handler.
func (p *PLIC) Read(dst []byte, offset uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset >= priorityBase && offset < pendingBase:
		src := int(offset-priorityBase) / 4
		return readReg(dst, boundedU32(p.priority, src))
	case offset >= pendingBase && offset < enableBase:
		word := (offset - pendingBase) / 4
		return readReg(dst, p.pendingWord(int(word)))
	case offset >= enableBase && offset < contextBase:
		ctx := int(offset-enableBase) / enableStride
		word := (int(offset-enableBase) % enableStride) / 4
		if ctx >= p.numContexts {
			return false
		}
		return readReg(dst, p.enableWord(ctx, word))
	case offset >= contextBase:
		ctx := int(offset-contextBase) / contextStride
		reg := (offset - contextBase) % contextStride
		if ctx >= p.numContexts {
			return false
		}
		if reg == 0 {
			return readReg(dst, p.threshold[ctx])
		}
		if reg == 4 {
			return readReg(dst, p.claimLocked(ctx))
		}
	}

	return false
}

// Write implements mmio.Handler.
func (p *PLIC) Write(src []byte, offset uint64) bool {
	val := uint32(bits.LoadLE(src, len(src)))

	p.mu.Lock()

	switch {
	case offset >= priorityBase && offset < pendingBase:
		s := int(offset-priorityBase) / 4
		if s >= 1 && s <= p.numSources {
			p.priority[s] = val
		}
	case offset >= enableBase && offset < contextBase:
		ctx := int(offset-enableBase) / enableStride
		word := (int(offset-enableBase) % enableStride) / 4
		if ctx < p.numContexts {
			p.setEnableWord(ctx, word, val)
		}
	case offset >= contextBase:
		ctx := int(offset-contextBase) / contextStride
		reg := (offset - contextBase) % contextStride
		if ctx < p.numContexts {
			if reg == 0 {
				p.threshold[ctx] = val
			} else if reg == 4 {
				p.mu.Unlock()
				p.Complete(int(val))
				return true
			}
		}
	default:
		p.mu.Unlock()
		return false
	}

	p.mu.Unlock()

	return true
}

func (p *PLIC) claimLocked(ctx int) uint32 {
	p.mu.Unlock()
	v := p.Claim(ctx)
	p.mu.Lock()

	return v
}

func (p *PLIC) pendingWord(word int) uint32 {
	var v uint32

	for bit := 0; bit < 32; bit++ {
		s := word*32 + bit
		if s >= 1 && s <= p.numSources && p.pending[s] {
			v |= 1 << bit
		}
	}

	return v
}

func (p *PLIC) enableWord(ctx, word int) uint32 {
	var v uint32

	for bit := 0; bit < 32; bit++ {
		s := word*32 + bit
		if s >= 1 && s <= p.numSources && p.enable[ctx][s] {
			v |= 1 << bit
		}
	}

	return v
}

func (p *PLIC) setEnableWord(ctx, word int, val uint32) {
	for bit := 0; bit < 32; bit++ {
		s := word*32 + bit
		if s >= 1 && s <= p.numSources {
			p.enable[ctx][s] = val&(1<<bit) != 0
		}
	}
}

func boundedU32(arr []uint32, idx int) uint32 {
	if idx < 0 || idx >= len(arr) {
		return 0
	}

	return arr[idx]
}

func readReg(dst []byte, v uint32) bool {
	bits.StoreLE(dst, len(dst), uint64(v))
	return true
}

// Reset clears all pending/claimed/enable state, per the machine-wide reset
// coordinator (§4.6).
func (p *PLIC) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.pending {
		p.pending[i] = false
		p.claimed[i] = false
	}

	for c := range p.enable {
		for i := range p.enable[c] {
			p.enable[c][i] = false
		}

		p.threshold[c] = 0
	}
}
