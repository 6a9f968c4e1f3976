// Package trap implements the delegation, mstatus-stack, and tvec-routing
// side effects of taking and returning from a trap (§4.5).
//
// Grounded in the teacher's vm/intr.go (interrupt.Handle: save PC/PSR,
// switch privilege, load the vector, set run state) generalized from the
// LC-3's fixed interrupt-vector-table lookup to RISC-V's
// delegation-register-gated, vectored-or-direct tvec routing.
package trap

import "github.com/smoynes/rv64emu/internal/csr"

// Event describes a trap to be taken: a synchronous exception or an
// asynchronous interrupt, identified by its cause code and carrying the
// offending value (faulting address, illegal instruction bits, ...).
type Event struct {
	Cause       uint64
	Tval        uint64
	IsInterrupt bool
}

// Enter applies §4.5's trap-entry algorithm: decide the target privilege
// via delegation, push the mstatus interrupt-enable stack, record
// epc/cause/tval, and return the PC to jump to.
func Enter(file *csr.File, curPriv csr.Privilege, pc uint64, ev Event) (csr.Privilege, uint64) {
	delegated := false

	if curPriv != csr.PrivilegeMachine {
		if ev.IsInterrupt {
			delegated = file.MIDeleg&(1<<ev.Cause) != 0
		} else {
			delegated = file.MEDeleg&(1<<ev.Cause) != 0
		}
	}

	if delegated {
		return enterSupervisor(file, curPriv, pc, ev)
	}

	return enterMachine(file, curPriv, pc, ev)
}

func enterMachine(file *csr.File, curPriv csr.Privilege, pc uint64, ev Event) (csr.Privilege, uint64) {
	s := file.Status
	s = s.WithMPIE(s.MIE())
	s = s.WithMIE(false)
	s = s.WithMPP(curPriv)
	file.Status = s

	file.MEPC = pc
	file.MCause = causeField(ev, file.XLen)
	file.MTval = ev.Tval

	target := file.MTVec.Target(ev.Cause, ev.IsInterrupt)

	return csr.PrivilegeMachine, target
}

func enterSupervisor(file *csr.File, curPriv csr.Privilege, pc uint64, ev Event) (csr.Privilege, uint64) {
	s := file.Status
	s = s.WithSPIE(s.SIE())
	s = s.WithSIE(false)
	s = s.WithSPP(curPriv)
	file.Status = s

	file.SEPC = pc
	file.SCause = causeField(ev, file.XLen)
	file.STval = ev.Tval

	target := file.STVec.Target(ev.Cause, ev.IsInterrupt)

	return csr.PrivilegeSupervisor, target
}

func causeField(ev Event, xlen csr.XLEN) uint64 {
	if !ev.IsInterrupt {
		return ev.Cause
	}

	bit := uint64(1) << 31
	if xlen == csr.XLEN64 {
		bit = uint64(1) << 63
	}

	return bit | ev.Cause
}

// MRET applies the privilege-stack pop for an mret instruction, returning
// the new privilege and the PC to resume at (mepc).
func MRET(file *csr.File) (csr.Privilege, uint64) {
	priv := file.Status.MPP()

	s := file.Status
	s = s.WithMIE(s.MPIE())
	s = s.WithMPIE(true)
	s = s.WithMPP(csr.PrivilegeUser)

	if priv != csr.PrivilegeMachine {
		s = s.WithMPRVClearedOnReturn()
	}

	file.Status = s

	return priv, file.MEPC
}

// SRET applies the privilege-stack pop for an sret instruction.
func SRET(file *csr.File) (csr.Privilege, uint64) {
	priv := file.Status.SPP()

	s := file.Status
	s = s.WithSIE(s.SPIE())
	s = s.WithSPIE(true)
	s = s.WithSPP(csr.PrivilegeUser)
	file.Status = s

	return priv, file.SEPC
}

// PendingInterrupt returns the highest-priority pending-and-enabled
// interrupt for the hart's current privilege and mstatus, or (0, false) if
// none is deliverable. Priority order is fixed by the privileged spec:
// external > software > timer, machine before supervisor.
func PendingInterrupt(file *csr.File, priv csr.Privilege) (uint64, bool) {
	pending := file.MIP & file.MIE

	mEnabled := priv != csr.PrivilegeMachine || file.Status.MIE()
	sEnabled := priv == csr.PrivilegeUser || (priv == csr.PrivilegeSupervisor && file.Status.SIE())

	mPending := pending &^ file.MIDeleg
	sPending := pending & file.MIDeleg

	order := []uint64{csr.BitMEIP, csr.BitMSIP, csr.BitMTIP}
	for _, bit := range order {
		if mEnabled && mPending&bit != 0 {
			return causeFromBit(bit), true
		}
	}

	sOrder := []uint64{csr.BitSEIP, csr.BitSSIP, csr.BitSTIP}
	for _, bit := range sOrder {
		if sEnabled && sPending&bit != 0 {
			return causeFromBit(bit), true
		}
	}

	return 0, false
}

func causeFromBit(bit uint64) uint64 {
	switch bit {
	case csr.BitMEIP:
		return csr.CauseMachineExternal
	case csr.BitMSIP:
		return csr.CauseMachineSoftware
	case csr.BitMTIP:
		return csr.CauseMachineTimer
	case csr.BitSEIP:
		return csr.CauseSupervisorExternal
	case csr.BitSSIP:
		return csr.CauseSupervisorSoftware
	case csr.BitSTIP:
		return csr.CauseSupervisorTimer
	}

	return 0
}
