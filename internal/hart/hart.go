// Package hart implements the per-hart runtime described in §4.6: register
// and CSR state, the fetch-decode-execute loop, the data/instruction TLB
// lanes, LR/SC reservation tracking, and the cooperative pause/preempt/WFI
// protocol that lets an external controller (the Machine, a debugger) stop
// a running hart between instructions in a consistent state.
//
// Grounded in the teacher's vm.LC3 (state struct + OptionFn functional
// constructor, vm/cpu.go) for hart construction and vm.Run/vm.Step
// (vm/exec.go) for the run loop shape; the pause/preempt coordination uses
// the same sync.Mutex/sync.Cond idiom the teacher's Display/Keyboard
// devices use for thread-safe register access (vm/disp.go, vm/kbd.go),
// adapted from "one mutex guarding a device's registers" to "one
// mutex+cond guarding a hart's run/pause state."
package hart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/smoynes/rv64emu/internal/csr"
	"github.com/smoynes/rv64emu/internal/isa"
	"github.com/smoynes/rv64emu/internal/log"
	"github.com/smoynes/rv64emu/internal/mmio"
	"github.com/smoynes/rv64emu/internal/mmu"
	"github.com/smoynes/rv64emu/internal/tlb"
	"github.com/smoynes/rv64emu/internal/trap"
)

// Bus is the subset of *mmio.Bus the hart uses. Hart itself holds a
// concrete *mmio.Bus; this interface only records that method set.
type Bus interface {
	Load(dst []byte, addr, size uint64) error
	Store(src []byte, addr, size uint64) error
}

var _ Bus = (*mmio.Bus)(nil)

// Reservations tracks the machine-wide LR/SC state across all harts, per
// §4.6's global invariant: at most one reservation may result in a
// successful SC.
type Reservations struct {
	mu   sync.Mutex
	byID map[int]reservation
}

type reservation struct {
	valid bool
	addr  uint64
}

// NewReservations creates an empty cross-hart reservation tracker.
func NewReservations() *Reservations {
	return &Reservations{byID: make(map[int]reservation)}
}

// Events is a bitmask of pending-events a hart checks at safe points.
type Events uint32

const (
	EventPause Events = 1 << iota
	EventPreempt
	EventTimerRecheck
)

// State is the externally observable run state of a hart, reported to
// pause/resume callers.
type State int

const (
	StateRunning State = iota
	StatePaused
	StateHalted
	StateWFI
)

// Hart is one hardware thread: integer registers, CSR file, TLBs,
// reservation participation, and the run loop. Owned exclusively by a
// Machine (§3); the Machine back-reference is non-owning.
type Hart struct {
	ID int

	regs isa.File
	csr  *csr.File
	priv csr.Privilege

	dtlb *tlb.TLB
	itlb *tlb.TLB

	bus *mmio.Bus
	mmu *mmu.MMU

	resv   *Reservations
	events atomic.Uint32
	pend   atomic.Uint32 // pending IRQ mask, set by external components

	mu    sync.Mutex
	cond  *sync.Cond
	state State

	log *log.Logger

	// onECall lets the Machine (or a test harness) observe guest system
	// calls without the hart depending on any particular ABI (§1's "any
	// specific ABI ... is out of scope").
	onECall func(h *Hart)
}

// Option configures a Hart during construction, in the teacher's OptionFn
// functional-options style (vm.OptionFn).
type Option func(*Hart)

// WithXLEN sets the hart's integer register width.
func WithXLEN(xlen csr.XLEN) Option {
	return func(h *Hart) { h.csr.XLen = xlen }
}

// WithECallHook installs a callback invoked on every ECALL, before the trap
// is taken, so an embedding test or monitor can intercept syscalls.
func WithECallHook(fn func(*Hart)) Option {
	return func(h *Hart) { h.onECall = fn }
}

// New creates a hart attached to bus, sharing resv with its sibling harts.
func New(id int, bus *mmio.Bus, resv *Reservations, opts ...Option) *Hart {
	h := &Hart{
		ID:   id,
		csr:  csr.NewFile(csr.XLEN64, uint64(id)),
		priv: csr.PrivilegeMachine,
		dtlb: tlb.New(tlb.DefaultSize, mmio.PageSize),
		itlb: tlb.New(tlb.DefaultSize, mmio.PageSize),
		bus:  bus,
		resv: resv,
		log:  log.DefaultLogger(),
	}

	h.mmu = mmu.New(bus)
	h.cond = sync.NewCond(&h.mu)

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Regs returns the hart's integer register file, satisfying isa.Core.
func (h *Hart) Regs() *isa.File { return &h.regs }

// XLen returns the active integer width in bits, satisfying isa.Core.
func (h *Hart) XLen() int { return int(h.csr.XLen) }

// CSRFile exposes the hart's raw CSR file, e.g. for the Machine's reset
// coordinator or a debug monitor.
func (h *Hart) CSRFile() *csr.File { return h.csr }

// Privilege returns the hart's current privilege mode.
func (h *Hart) Privilege() csr.Privilege { return h.priv }

// PC returns the hart's program counter.
func (h *Hart) PC() uint64 { return h.regs.PC }

// ErrHalted is returned from Run/Step when the hart has reached a terminal
// halt (an unrecoverable double-fault-equivalent condition).
var ErrHalted = errors.New("hart: halted")

// RequestPause asks the hart to suspend at the next safe point (after
// completing its in-flight instruction), waking it first if it is blocked
// in WFI. Returns once the hart reports StatePaused (or StateHalted).
func (h *Hart) RequestPause() {
	orEvents(&h.events, uint32(EventPause))

	h.mu.Lock()
	defer h.mu.Unlock()

	h.cond.Broadcast() // wake a hart blocked in WFI so it reaches the pause point

	for h.state != StatePaused && h.state != StateHalted {
		h.cond.Wait()
	}
}

// Resume clears a pending pause and wakes the run loop.
func (h *Hart) Resume() {
	h.mu.Lock()
	h.state = StateRunning
	h.mu.Unlock()
	h.cond.Broadcast()
}

// RequestPreempt asks a WFI-suspended hart to recheck pending interrupts
// immediately, without waiting for a timer or external IRQ to do so.
func (h *Hart) RequestPreempt() {
	orEvents(&h.events, uint32(EventPreempt))
	h.cond.Broadcast()
}

// SetPending ORs bits into the hart's pending-interrupt mask; external
// components (PLIC, CLINT, another hart's IPI) call this. It is the one
// Hart method intended to be called from outside the hart's own
// goroutine without additional synchronization.
func (h *Hart) SetPending(bits uint64) {
	h.csr.MIP |= bits
	orEvents(&h.events, uint32(EventTimerRecheck))
	h.cond.Broadcast()
}

// ClearPending clears bits in the pending-interrupt mask.
func (h *Hart) ClearPending(bits uint64) {
	h.csr.MIP &^= bits
}

func (h *Hart) state_() State {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state
}

func (h *Hart) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
	h.cond.Broadcast()
}

// Run executes instructions until ctx is cancelled, the hart is halted, or
// a pause is requested and honored (in which case Run returns nil and a
// later Resume+Run resumes the loop).
func (h *Hart) Run(ctx context.Context) error {
	h.setState(StateRunning)

	for {
		select {
		case <-ctx.Done():
			h.setState(StateHalted)
			return ctx.Err()
		default:
		}

		if h.events.Load()&uint32(EventPause) != 0 {
			andEvents(&h.events, ^uint32(EventPause))
			h.pauseAndWait()

			continue
		}

		if err := h.Step(); err != nil {
			h.setState(StateHalted)
			return err
		}
	}
}

func (h *Hart) pauseAndWait() {
	h.mu.Lock()
	h.state = StatePaused
	h.cond.Broadcast()

	for h.state == StatePaused {
		h.cond.Wait()
	}

	h.mu.Unlock()
}

// Step fetches, decodes, and executes one instruction, servicing a pending
// interrupt first if one is deliverable. It is the unit of work a debug
// monitor single-steps.
func (h *Hart) Step() error {
	if cause, ok := trap.PendingInterrupt(h.csr, h.priv); ok {
		h.takeTrap(trap.Event{Cause: cause, IsInterrupt: true})
		return nil
	}

	raw, compressed, err := h.fetch()
	if err != nil {
		return nil // fetch already raised a trap via h.Trap
	}

	ins := isa.Decode(raw)
	ins.Compressed = compressed

	if err := isa.Execute(h, ins); err != nil {
		var fault *mmu.Fault
		if errors.As(err, &fault) || errors.Is(err, mmio.ErrBusFault) || errors.Is(err, mmio.ErrUnaligned) {
			return nil // Load/Store already raised the fault's own trap via h.Trap
		}

		h.log.Debug("instruction fault", "ERR", err, "PC", fmt.Sprintf("%#x", h.regs.PC))
		h.Trap(csr.ExcIllegalInstr, uint64(raw))
	}

	return nil
}

func (h *Hart) fetch() (isa.Word32, bool, error) {
	paddr, fault := h.translate(h.regs.PC, mmu.AccessExec)
	if fault != nil {
		h.Trap(fault.Cause, fault.Vaddr)
		return 0, false, fault
	}

	var half [2]byte
	if err := h.bus.Load(half[:], paddr, 2); err != nil {
		h.Trap(csr.ExcInstrAccessFault, h.regs.PC)
		return 0, false, err
	}

	low := uint16(half[0]) | uint16(half[1])<<8

	if low&0x3 != 0x3 {
		expanded, ok := isa.DecodeCompressed(low)
		if !ok {
			h.Trap(csr.ExcIllegalInstr, uint64(low))
			return 0, false, fmt.Errorf("hart: bad compressed instruction %#04x", low)
		}

		return expanded, true, nil
	}

	paddrHi, fault := h.translate(h.regs.PC+2, mmu.AccessExec)
	if fault != nil {
		h.Trap(fault.Cause, fault.Vaddr)
		return 0, false, fault
	}

	var hi [2]byte
	if err := h.bus.Load(hi[:], paddrHi, 2); err != nil {
		h.Trap(csr.ExcInstrAccessFault, h.regs.PC)
		return 0, false, err
	}

	word := uint32(low) | uint32(hi[0])<<16 | uint32(hi[1])<<24

	return isa.Word32(word), false, nil
}

func (h *Hart) effPriv(acc mmu.Access) csr.Privilege {
	effPriv := h.priv
	if acc != mmu.AccessExec && h.csr.Status.MPRV() {
		effPriv = h.csr.Status.MPP()
	}

	return effPriv
}

// translate is the hart's lane L cache in front of the MMU walker, per
// §4.2: a lane hit that still passes a live privilege/SUM recheck (tlb.User)
// skips the walk entirely; a miss walks via TranslateCacheable and fills the
// entry for next time. MXR-derived read permission is never cached (see
// tlb.Entry), so an exec-only page under MXR always falls through to the
// walker, which re-evaluates MXR fresh.
func (h *Hart) translate(vaddr uint64, acc mmu.Access) (uint64, *mmu.Fault) {
	priv := h.effPriv(acc)

	if h.mmu.Bypassed(h.csr, priv) {
		return h.mmu.Translate(h.csr, vaddr, acc, priv)
	}

	tb, ln := h.lane(acc)

	if paddr, ok := tb.Lookup(vaddr, ln); ok && h.tlbPermitted(tb, vaddr, acc, priv) {
		return uint64(paddr), nil
	}

	paddr, perm, fault := h.mmu.TranslateCacheable(h.csr, vaddr, acc, priv)
	if fault != nil {
		return 0, fault
	}

	pageBase := paddr &^ (mmio.PageSize - 1)
	tb.Fill(vaddr, uintptr(pageBase), perm)

	return paddr, nil
}

// tlbPermitted re-checks a lane hit's cached U bit against the accessing
// privilege and the live sstatus.SUM, mirroring mmu.permitted's priv/U/SUM
// branch. It exists because a bare TagR/TagW/TagX hit only proves the leaf
// PTE carries that access's literal permission bit, not that this priv is
// allowed to use it; SUM can be toggled by a bare CSR write with no flush,
// so it must be read fresh rather than baked into the cached entry.
func (h *Hart) tlbPermitted(tb *tlb.TLB, vaddr uint64, acc mmu.Access, priv csr.Privilege) bool {
	user := tb.User(vaddr)

	if priv == csr.PrivilegeUser {
		return user
	}

	if priv == csr.PrivilegeSupervisor && user {
		if acc == mmu.AccessExec || !h.csr.Status.SUM() {
			return false
		}
	}

	return true
}

func (h *Hart) lane(acc mmu.Access) (*tlb.TLB, tlb.Lane) {
	if acc == mmu.AccessExec {
		return h.itlb, tlb.LaneExec
	}

	if acc == mmu.AccessWrite {
		return h.dtlb, tlb.LaneWrite
	}

	return h.dtlb, tlb.LaneRead
}

// Load implements isa.Core: translate, fill the TLB on miss, and read size
// bytes as a little-endian integer.
func (h *Hart) Load(addr uint64, size int) (uint64, error) {
	paddr, fault := h.translate(addr, mmu.AccessRead)
	if fault != nil {
		h.Trap(fault.Cause, fault.Vaddr)
		return 0, fault
	}

	buf := make([]byte, size)
	if err := h.bus.Load(buf, paddr, uint64(size)); err != nil {
		h.Trap(csr.ExcLoadAccessFault, addr)
		return 0, err
	}

	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}

	return v, nil
}

// Store implements isa.Core.
func (h *Hart) Store(addr uint64, size int, val uint64) error {
	paddr, fault := h.translate(addr, mmu.AccessWrite)
	if fault != nil {
		h.Trap(fault.Cause, fault.Vaddr)
		return fault
	}

	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		buf[i] = byte(val >> (8 * i))
	}

	if err := h.bus.Store(buf, paddr, uint64(size)); err != nil {
		h.Trap(csr.ExcStoreAccessFault, addr)
		return err
	}

	h.invalidateReservation(addr)

	return nil
}

// Reserve implements isa.Core's LR half of the LR/SC protocol.
func (h *Hart) Reserve(addr uint64) {
	h.resv.mu.Lock()
	defer h.resv.mu.Unlock()

	h.resv.byID[h.ID] = reservation{valid: true, addr: addr}
}

// SCCheck implements isa.Core's SC half: clears every other hart's
// reservation (store-release) then tests and clears this hart's own.
func (h *Hart) SCCheck(addr uint64) bool {
	h.resv.mu.Lock()
	defer h.resv.mu.Unlock()

	mine := h.resv.byID[h.ID]
	ok := mine.valid && mine.addr == addr

	for id := range h.resv.byID {
		if id != h.ID {
			delete(h.resv.byID, id)
		}
	}

	delete(h.resv.byID, h.ID)

	return ok
}

func (h *Hart) invalidateReservation(addr uint64) {
	h.resv.mu.Lock()
	defer h.resv.mu.Unlock()

	for id, r := range h.resv.byID {
		if r.valid && r.addr == addr {
			delete(h.resv.byID, id)
		}
	}
}

// CSRRead implements isa.Core.
func (h *Hart) CSRRead(num uint16) (uint64, error) { return h.csr.Read(num, h.priv) }

// CSRWrite implements isa.Core.
func (h *Hart) CSRWrite(num uint16, val uint64) error { return h.csr.Write(num, val, h.priv) }

// Trap drives the hart through §4.5's trap-entry algorithm for a
// synchronous exception or interrupt.
func (h *Hart) Trap(cause uint64, tval uint64) {
	h.takeTrap(trap.Event{Cause: cause, Tval: tval})
}

func (h *Hart) takeTrap(ev trap.Event) {
	newPriv, target := trap.Enter(h.csr, h.priv, h.regs.PC, ev)
	h.priv = newPriv
	h.regs.PC = target

	h.dtlb.FlushAll() // SUM/MPRV/privilege context changed; conservative
	h.itlb.FlushAll()
}

// ECall implements isa.Core.
func (h *Hart) ECall() {
	if h.onECall != nil {
		h.onECall(h)
	}

	switch h.priv {
	case csr.PrivilegeUser:
		h.Trap(csr.ExcEcallU, 0)
	case csr.PrivilegeSupervisor:
		h.Trap(csr.ExcEcallS, 0)
	default:
		h.Trap(csr.ExcEcallM, 0)
	}
}

// EBreak implements isa.Core.
func (h *Hart) EBreak() {
	h.Trap(csr.ExcBreakpoint, h.regs.PC)
}

// MRET implements isa.Core.
func (h *Hart) MRET() {
	priv, pc := trap.MRET(h.csr)
	h.priv = priv
	h.regs.PC = pc

	h.dtlb.FlushAll() // privilege context changed, same as takeTrap
	h.itlb.FlushAll()
}

// SRET implements isa.Core.
func (h *Hart) SRET() {
	priv, pc := trap.SRET(h.csr)
	h.priv = priv
	h.regs.PC = pc

	h.dtlb.FlushAll() // privilege context changed, same as takeTrap
	h.itlb.FlushAll()
}

// WFI implements isa.Core: block until a pending-and-enabled interrupt (or
// a preempt request) appears, then fall through to the next instruction
// (the PC still advances past WFI per the spec; the pending interrupt, if
// any, is taken on the following Step).
func (h *Hart) WFI() {
	h.setState(StateWFI)
	defer h.setState(StateRunning)

	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		if _, ok := trap.PendingInterrupt(h.csr, h.priv); ok {
			return
		}

		if h.events.Load()&(uint32(EventPreempt)|uint32(EventPause)) != 0 {
			andEvents(&h.events, ^uint32(EventPreempt))
			return
		}

		h.cond.Wait()
	}
}

// SFenceVMA implements isa.Core: an SFENCE.VMA invalidates the covered TLB
// entries. A vaddr of 0 flushes both the data and instruction TLBs
// entirely; any other vaddr flushes the slot for that page in both TLBs
// (FlushPage's over-approximation). asid is accepted but not used to
// narrow the flush.
func (h *Hart) SFenceVMA(vaddr, asid uint64) {
	_ = asid

	if vaddr == 0 {
		h.dtlb.FlushAll()
		h.itlb.FlushAll()
		return
	}

	h.dtlb.FlushPage(vaddr)
	h.itlb.FlushPage(vaddr)
}

// FenceI implements isa.Core: flush the instruction TLB so future fetches
// observe any just-written code.
func (h *Hart) FenceI() {
	h.itlb.FlushAll()
}

// orEvents/andEvents implement atomic read-modify-write bit operations on
// an atomic.Uint32 via a compare-and-swap retry loop, since this module
// targets a Go toolchain version predating atomic.Uint32's Or/And methods.
func orEvents(v *atomic.Uint32, bits uint32) {
	for {
		old := v.Load()
		if v.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

func andEvents(v *atomic.Uint32, bits uint32) {
	for {
		old := v.Load()
		if v.CompareAndSwap(old, old&bits) {
			return
		}
	}
}
