// Package mmu implements the Sv32/Sv39/Sv48 page-table walker described in
// §4.3: given a virtual address, an access kind, and the current privilege
// and CSR state, it produces either a physical address or a page-fault
// cause.
//
// There is no page-table walker in the teacher corpus (the LC-3 has a flat
// 16-bit address space and no paging); the multi-level table-walk shape is
// grounded in usbarmory/tamago's arm64 MMU (initL1Table/initL2Table: walk
// levels from the root, branch on the entry found at each level) reworked
// from ARM's translation-table-descriptor format to the RISC-V PTE format,
// and the permission-bit vocabulary (separate R/W/X/U bits checked against
// the requested access) is grounded in mellow-hype/riscv-emu-fuzz's Mmu
// permission bitmap.
package mmu

import (
	"github.com/smoynes/rv64emu/internal/csr"
	"github.com/smoynes/rv64emu/internal/mmio"
	"github.com/smoynes/rv64emu/internal/tlb"
)

// Access identifies the kind of memory operation being translated.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
)

// Fault reports a translation failure; Cause is one of the page-fault
// exception codes (§4.5).
type Fault struct {
	Cause uint64
	Vaddr uint64
}

func (f *Fault) Error() string { return "mmu: page fault" }

func causeFor(acc Access) uint64 {
	switch acc {
	case AccessRead:
		return csr.ExcLoadPageFault
	case AccessWrite:
		return csr.ExcStorePageFault
	default:
		return csr.ExcInstrPageFault
	}
}

// PTE bit positions, common to Sv32/Sv39/Sv48.
const (
	pteV = 1 << 0
	pteR = 1 << 1
	pteW = 1 << 2
	pteX = 1 << 3
	pteU = 1 << 4
	pteG = 1 << 5
	pteA = 1 << 6
	pteD = 1 << 7
)

// scheme describes one paging mode's level count, bits-per-level, and PTE
// width, so Walk can share one implementation across Sv32/Sv39/Sv48.
type scheme struct {
	levels    int
	vpnBits   int // bits per VPN segment
	pteSize   uint64
	ppnBits   int // total PPN bits in a PTE (for shifting/masking)
	vaddrBits int // sign-extension width check, 0 to skip (Sv32 has none)
}

var (
	schemeSv32 = scheme{levels: 2, vpnBits: 10, pteSize: 4, ppnBits: 22}
	schemeSv39 = scheme{levels: 3, vpnBits: 9, pteSize: 8, ppnBits: 44, vaddrBits: 39}
	schemeSv48 = scheme{levels: 4, vpnBits: 9, pteSize: 8, ppnBits: 44, vaddrBits: 48}
)

// MMU performs page-table walks against a physical bus.
type MMU struct {
	bus *mmio.Bus
}

// New creates a page-table walker over the given physical bus.
func New(bus *mmio.Bus) *MMU {
	return &MMU{bus: bus}
}

// allPerm is the permission value walk reports for the bare/M-mode identity
// shortcut, where there is no PTE to derive R/W/X/U from. Bypassed callers
// (see Bypassed) never consult it, but it keeps walk total.
const allPerm = tlb.PermRead | tlb.PermWrite | tlb.PermExec | tlb.PermUser

// Bypassed reports whether translation is a no-op for this satp mode and
// privilege: bare paging, or M-mode (which never translates). Hart callers
// check this before consulting the TLB at all, since there is no PTE here to
// cache a lane entry against.
func (m *MMU) Bypassed(file *csr.File, priv csr.Privilege) bool {
	return file.SATPMode() == csr.SATPModeBare || priv == csr.PrivilegeMachine
}

// Translate walks the page table rooted at the CSR file's current satp for
// vaddr and the requested access, as observed from priv. It implements
// §4.3's walk algorithm, including A/D-bit maintenance and the SUM/MXR
// modifiers.
func (m *MMU) Translate(file *csr.File, vaddr uint64, acc Access, priv csr.Privilege) (uint64, *Fault) {
	paddr, _, fault := m.walk(file, vaddr, acc, priv)
	return paddr, fault
}

// TranslateCacheable is Translate plus the literal PTE R/W/X/U bits of the
// leaf that satisfied the walk, for the hart to install into its TLB via
// tlb.Fill. The returned Perm never includes MXR-extended read-on-execute
// permission: that grant is never baked into a cached entry, so a read of
// an exec-only page under MXR always misses the TLB and walks again (see
// hart.translate), and a guest toggling sstatus.MXR without a flush can't
// observe a stale grant.
func (m *MMU) TranslateCacheable(file *csr.File, vaddr uint64, acc Access, priv csr.Privilege) (uint64, tlb.Perm, *Fault) {
	return m.walk(file, vaddr, acc, priv)
}

func (m *MMU) walk(file *csr.File, vaddr uint64, acc Access, priv csr.Privilege) (uint64, tlb.Perm, *Fault) {
	mode := file.SATPMode()

	if mode == csr.SATPModeBare || priv == csr.PrivilegeMachine {
		return vaddr, allPerm, nil
	}

	var sc scheme

	switch mode {
	case csr.SATPModeSv32:
		sc = schemeSv32
	case csr.SATPModeSv39:
		sc = schemeSv39
	case csr.SATPModeSv48:
		sc = schemeSv48
	default:
		return vaddr, allPerm, nil // should be unreachable: satp write legalizes mode
	}

	if sc.vaddrBits != 0 {
		top := vaddr >> (sc.vaddrBits - 1)
		if top != 0 && top != (^uint64(0))>>(64-(65-sc.vaddrBits)) {
			// Non-canonical address (bits above vaddrBits-1 must all equal
			// bit vaddrBits-1): treat as a page fault, per the RISC-V
			// privileged spec's Sv39/Sv48 address-bit check.
			return 0, 0, &Fault{Cause: causeFor(acc), Vaddr: vaddr}
		}
	}

	status := file.Status
	sum := status.SUM()
	mxr := status.MXR()

	// Effective privilege for the access: MPRV (when set, and not itself
	// fetching an instruction) substitutes MPP for the current mode. The
	// hart runtime resolves this before calling Translate for data
	// accesses; instruction fetches always use the true current
	// privilege, so callers pass priv already adjusted.

	ppn := file.SATPRootPPN()

	var pte uint64

	for level := sc.levels - 1; level >= 0; level-- {
		vpn := (vaddr >> (12 + uint(level*sc.vpnBits))) & ((1 << sc.vpnBits) - 1)

		pteAddr := (ppn << 12) + vpn*sc.pteSize

		buf := make([]byte, sc.pteSize)
		if err := m.bus.Load(buf, pteAddr, sc.pteSize); err != nil {
			return 0, 0, &Fault{Cause: causeFor(acc), Vaddr: vaddr}
		}

		pte = leWord(buf)

		if pte&pteV == 0 || (pte&pteR == 0 && pte&pteW != 0) {
			return 0, 0, &Fault{Cause: causeFor(acc), Vaddr: vaddr}
		}

		leaf := pte&(pteR|pteX) != 0

		if !leaf {
			ppn = (pte >> 10) & ((1 << sc.ppnBits) - 1)
			continue
		}

		if !m.permitted(pte, acc, priv, mxr, sum) {
			return 0, 0, &Fault{Cause: causeFor(acc), Vaddr: vaddr}
		}

		// Superpage alignment: every PPN field below the leaf's level
		// must be zero, or the mapping is misaligned.
		for l := 0; l < level; l++ {
			shift := uint(10 + l*sc.vpnBits)
			if (pte>>shift)&((1<<sc.vpnBits)-1) != 0 {
				return 0, 0, &Fault{Cause: causeFor(acc), Vaddr: vaddr}
			}
		}

		// The walker owns A/D maintenance: on any successful translation
		// it sets A, and on a write it also sets D, writing the PTE back
		// to memory before returning. A guest that relies on hardware
		// A/D management (the common case) must see a successful
		// translation here, not a fault -- the PTE's A/D bits are an
		// output of a successful walk, not a precondition for one.
		if pte&pteA == 0 || (acc == AccessWrite && pte&pteD == 0) {
			updated := pte | pteA
			if acc == AccessWrite {
				updated |= pteD
			}

			wb := make([]byte, sc.pteSize)
			for i := range wb {
				wb[i] = byte(updated >> (8 * uint(i)))
			}

			if err := m.bus.Store(wb, pteAddr, sc.pteSize); err != nil {
				return 0, 0, &Fault{Cause: causeFor(acc), Vaddr: vaddr}
			}

			pte = updated
		}

		return m.physAddr(pte, vaddr, level, sc), leafPerm(pte), nil
	}

	return 0, 0, &Fault{Cause: causeFor(acc), Vaddr: vaddr}
}

func leafPerm(pte uint64) tlb.Perm {
	var perm tlb.Perm

	if pte&pteR != 0 {
		perm |= tlb.PermRead
	}

	if pte&pteW != 0 {
		perm |= tlb.PermWrite
	}

	if pte&pteX != 0 {
		perm |= tlb.PermExec
	}

	if pte&pteU != 0 {
		perm |= tlb.PermUser
	}

	return perm
}

func (m *MMU) permitted(pte uint64, acc Access, priv csr.Privilege, mxr, sum bool) bool {
	if priv == csr.PrivilegeUser && pte&pteU == 0 {
		return false
	}

	if priv == csr.PrivilegeSupervisor && pte&pteU != 0 {
		// S-mode may only touch a U-mapped page for data accesses, and
		// only when SUM is set; instruction fetch from a U page is
		// never permitted from S-mode regardless of SUM.
		if acc == AccessExec || !sum {
			return false
		}
	}

	switch acc {
	case AccessRead:
		return pte&pteR != 0 || (mxr && pte&pteX != 0)
	case AccessWrite:
		return pte&pteW != 0
	case AccessExec:
		return pte&pteX != 0
	}

	return false
}

func (m *MMU) physAddr(pte, vaddr uint64, level int, sc scheme) uint64 {
	pageOffsetBits := uint(12 + level*sc.vpnBits)
	pageOffsetMask := (uint64(1) << pageOffsetBits) - 1

	ppn := (pte >> 10) & ((1 << sc.ppnBits) - 1)

	return (ppn << 12 & ^pageOffsetMask) | (vaddr & pageOffsetMask)
}

func leWord(buf []byte) uint64 {
	var v uint64
	for i := len(buf) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}

	return v
}
