// Package monitor implements breakpoint, single-step, and halt-trap
// injection for a hart, used by tests and the cmd/rvemu debug
// subcommand. Adapted from the teacher's monitor package (which
// injected an LC-3 trap handler for a single fixed HALT vector) into a
// general address-keyed breakpoint set plus a step counter, since this
// core has no single fixed trap vector to hook.
package monitor

import (
	"context"
	"sync"

	"github.com/smoynes/rv64emu/internal/hart"
)

// Monitor observes a hart's execution, pausing it when a breakpoint
// address is reached.
type Monitor struct {
	mu          sync.Mutex
	breakpoints map[uint64]bool
	hits        []uint64

	h *hart.Hart
}

// New creates a monitor for h. It does not start the hart; callers
// drive execution with Run or StepN.
func New(h *hart.Hart) *Monitor {
	return &Monitor{
		breakpoints: make(map[uint64]bool),
		h:           h,
	}
}

// SetBreakpoint arms a breakpoint at addr.
func (m *Monitor) SetBreakpoint(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.breakpoints[addr] = true
}

// ClearBreakpoint disarms a breakpoint at addr.
func (m *Monitor) ClearBreakpoint(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.breakpoints, addr)
}

// Breakpoints returns the currently armed breakpoint addresses.
func (m *Monitor) Breakpoints() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]uint64, 0, len(m.breakpoints))
	for addr := range m.breakpoints {
		out = append(out, addr)
	}

	return out
}

// Hits returns the PCs at which a breakpoint halted execution, in the
// order they were hit.
func (m *Monitor) Hits() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]uint64, len(m.hits))
	copy(out, m.hits)

	return out
}

func (m *Monitor) armed(pc uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.breakpoints[pc]
}

// StepN single-steps the hart up to n instructions, stopping early if
// a breakpoint is reached. It returns the number of instructions
// executed.
func (m *Monitor) StepN(n int) (int, error) {
	for i := 0; i < n; i++ {
		if m.armed(m.h.PC()) {
			m.mu.Lock()
			m.hits = append(m.hits, m.h.PC())
			m.mu.Unlock()

			return i, nil
		}

		if err := m.h.Step(); err != nil {
			return i, err
		}
	}

	return n, nil
}

// Run drives the hart via single steps until ctx is cancelled, a
// breakpoint is hit, or Step returns an error (including hart.ErrHalted).
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if m.armed(m.h.PC()) {
			m.mu.Lock()
			m.hits = append(m.hits, m.h.PC())
			m.mu.Unlock()

			return nil
		}

		if err := m.h.Step(); err != nil {
			return err
		}
	}
}
