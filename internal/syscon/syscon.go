// Package syscon implements the QEMU/SiFive "test" finisher device: a
// single MMIO word that a guest writes to request poweroff or reset,
// wired through the same Device contract as every other region on the
// bus (internal/mmio). Generalizes the teacher's vm.Display-style
// single-register device (vm/disp.go) from a status/data pair to a
// single write-triggers-callback word.
package syscon

import (
	"sync"

	"github.com/smoynes/rv64emu/internal/bits"
)

// Magic values a guest writes to request a power-state transition,
// matching the SiFive test/finisher convention.
const (
	FinisherPass    = 0x5555
	FinisherFail    = 0x3333
	FinisherReset   = 0x7777
	failExitShift   = 16
)

// State is the Machine-visible power state after a syscon write.
type State int

const (
	StateRunning State = iota
	StatePoweroff
	StateReset
)

// String renders the state's name, primarily for log output.
func (s State) String() string {
	switch s {
	case StatePoweroff:
		return "poweroff"
	case StateReset:
		return "reset"
	default:
		return "running"
	}
}

// TransitionFunc is invoked whenever a guest write changes the power
// state. code carries the guest's requested process exit code for
// FinisherFail writes (0 otherwise).
type TransitionFunc func(state State, code uint32)

// Syscon is a single 32-bit write-only control register.
type Syscon struct {
	mu    sync.Mutex
	state State
	code  uint32

	onTransition TransitionFunc
}

// New creates a syscon device. onTransition, if non-nil, is called
// synchronously from Write whenever the guest requests poweroff/reset.
func New(onTransition TransitionFunc) *Syscon {
	return &Syscon{onTransition: onTransition}
}

// State returns the last power state the guest requested.
func (s *Syscon) State() (State, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state, s.code
}

// Read implements mmio.Handler. The register is write-only; reads
// return the last requested state as a diagnostic convenience.
func (s *Syscon) Read(dst []byte, offset uint64) bool {
	if offset != 0 {
		return false
	}

	s.mu.Lock()
	v := uint64(s.state)
	s.mu.Unlock()

	bits.StoreLE(dst, len(dst), v)

	return true
}

// Write implements mmio.Handler.
func (s *Syscon) Write(src []byte, offset uint64) bool {
	if offset != 0 {
		return false
	}

	val := uint32(bits.LoadLE(src, len(src)))

	var (
		state State
		code  uint32
	)

	switch {
	case val == FinisherPass:
		state = StatePoweroff
	case val&0xffff == FinisherFail:
		state = StatePoweroff
		code = val >> failExitShift
	case val == FinisherReset:
		state = StateReset
	default:
		return false
	}

	s.mu.Lock()
	s.state = state
	s.code = code
	s.mu.Unlock()

	if s.onTransition != nil {
		s.onTransition(state, code)
	}

	return true
}

// Reset returns the device to its running state, e.g. after the
// Machine completes a syscon-triggered reset.
func (s *Syscon) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateRunning
	s.code = 0
}
