// Package tlb implements the fixed-size, direct-mapped software TLB
// described in §4.2. Each entry carries three independent tags -- read,
// write, and execute -- so that a single page can be cached for more than
// one access type at once (e.g. the same page mapped for both data reads
// and instruction fetch).
//
// The design is grounded in the teacher corpus's closest analogue to a
// software TLB: db47h/mirv's mem.Bus, which keeps a small direct-mapped
// cache of {tag, *Memory} entries in front of a page map, trading a little
// staleness-checking for O(1) lookups on the hot path. We adapt that
// tag/cache-entry shape to three independent access lanes and to
// host-pointer precomputation, since our backing store is a flat byte slice
// rather than per-page interfaces.
package tlb

import "math/bits"

// NoTag is the sentinel VPN value meaning "no page is authorized for this
// lane." It is a VPN value that can never occur in practice, since no real
// VPN sets every bit (no implemented RISC-V paging scheme has that many VPN
// bits), but kept in a comment instead of relying on "practically
// impossible": entries are explicitly initialized to it and explicitly
// compared against it, never left to an implicit zero value, since VPN 0 is
// a legal page number.
const NoTag uint64 = ^uint64(0)

// Entry is a single TLB slot: three tags (VPNs authorized for read, write,
// and execute) and the precomputed host pointer delta. HostPtr is
// host_page_base - vaddr_page_base, so a translated host address is
// obtained with a single addition of the faulting virtual address. This
// same arithmetic is valid whether hostPageBase is a literal host pointer
// or a physical page base: RISC-V guarantees the page-offset bits of a
// valid leaf's virtual and physical addresses are identical, so callers
// that only have a physical address (no host memory to point into) can
// still use Fill/Lookup to cache the walk result.
//
// user records the leaf PTE's U bit, so a lane hit can be re-checked
// against the accessing privilege and sstatus.SUM without re-walking the
// page table. It deliberately excludes MXR: MXR's read-on-execute grant is
// never cached (such a read misses and re-walks), since toggling
// sstatus.MXR does not flush the TLB.
type Entry struct {
	TagR, TagW, TagX uint64
	HostPtr          uintptr
	user             bool
}

func (e *Entry) clear() {
	e.TagR, e.TagW, e.TagX = NoTag, NoTag, NoTag
	e.HostPtr = 0
	e.user = false
}

// Lane identifies one of the three access types an entry tracks.
type Lane int

const (
	LaneRead Lane = iota
	LaneWrite
	LaneExec
)

// TLB is a direct-mapped, fixed-size software translation cache.
type TLB struct {
	entries []Entry
	mask    uint64
	shift   uint // log2(pageSize), used to convert vaddr -> VPN
}

// DefaultSize is the default entry count (must be a power of two).
const DefaultSize = 256

// New creates a TLB with the given entry count (rounded down to the nearest
// power of two, minimum 1) and page size in bytes (must be a power of two).
func New(size int, pageSize uint64) *TLB {
	if size <= 0 {
		size = DefaultSize
	}

	size = 1 << (bits.Len(uint(size)) - 1) // round down to power of two

	t := &TLB{
		entries: make([]Entry, size),
		mask:    uint64(size - 1),
		shift:   uint(bits.TrailingZeros64(pageSize)),
	}

	t.FlushAll()

	return t
}

func (t *TLB) vpn(vaddr uint64) uint64 { return vaddr >> t.shift }

func (t *TLB) index(vpn uint64) uint64 { return vpn & t.mask }

// Lookup translates vaddr for the given lane. It returns the host address
// and true on a hit; on a miss it returns (0, false) and the caller must
// fall through to the slow MMU path, fill the entry via Fill, and retry.
func (t *TLB) Lookup(vaddr uint64, lane Lane) (uintptr, bool) {
	vpn := t.vpn(vaddr)
	e := &t.entries[t.index(vpn)]

	var tag uint64

	switch lane {
	case LaneRead:
		tag = e.TagR
	case LaneWrite:
		tag = e.TagW
	case LaneExec:
		tag = e.TagX
	}

	if tag != vpn {
		return 0, false
	}

	return e.HostPtr + uintptr(vaddr), true
}

// Fill installs a translation for vaddr's page on the given lane, with
// hostPageBase the host address of the start of the translated page.
// Existing tags for the other lanes in the same slot are preserved only
// when they already match this page's VPN and the permission bitmask says
// the lane remains valid under the new PTE; otherwise they are cleared, per
// §4.2's fill protocol.
func (t *TLB) Fill(vaddr uint64, hostPageBase uintptr, perm Perm) {
	vpn := t.vpn(vaddr)
	e := &t.entries[t.index(vpn)]

	vaddrPageBase := vaddr &^ ((1 << t.shift) - 1)
	hostPtr := hostPageBase - uintptr(vaddrPageBase)

	// A different page occupying this slot invalidates all three lanes
	// before the new one is installed.
	if e.TagR != vpn && e.TagR != NoTag {
		e.TagR = NoTag
	}

	if e.TagW != vpn && e.TagW != NoTag {
		e.TagW = NoTag
	}

	if e.TagX != vpn && e.TagX != NoTag {
		e.TagX = NoTag
	}

	e.HostPtr = hostPtr
	e.user = perm&PermUser != 0

	if perm&PermRead != 0 {
		e.TagR = vpn
	} else if e.TagR == vpn {
		e.TagR = NoTag
	}

	if perm&PermWrite != 0 {
		e.TagW = vpn
	} else if e.TagW == vpn {
		e.TagW = NoTag
	}

	if perm&PermExec != 0 {
		e.TagX = vpn
	} else if e.TagX == vpn {
		e.TagX = NoTag
	}
}

// Perm is a bitmask of the access types a Fill grants.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermUser
)

// User reports whether the entry covering vaddr's page (on any lane) was
// filled from a U-accessible PTE. The caller re-checks this against the
// accessing privilege and sstatus.SUM on every lookup rather than trusting
// a cached permit/deny verdict, since SUM can be toggled without a flush.
// It returns false on a lookup miss; callers must only consult it after a
// successful Lookup for the same vaddr.
func (t *TLB) User(vaddr uint64) bool {
	vpn := t.vpn(vaddr)
	e := &t.entries[t.index(vpn)]

	if e.TagR != vpn && e.TagW != vpn && e.TagX != vpn {
		return false
	}

	return e.user
}

// FlushAll invalidates every entry's three tags.
func (t *TLB) FlushAll() {
	for i := range t.entries {
		t.entries[i].clear()
	}
}

// FlushPage invalidates the entry whose index matches vaddr. Per §4.2 this
// is a cheap over-approximation: it may flush an entry for an unrelated
// page that happens to hash to the same slot, which is sound (it can only
// cause spurious misses, never a stale hit).
func (t *TLB) FlushPage(vaddr uint64) {
	vpn := t.vpn(vaddr)
	t.entries[t.index(vpn)].clear()
}

// Len returns the number of entries in the TLB.
func (t *TLB) Len() int { return len(t.entries) }
