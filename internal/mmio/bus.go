package mmio

// bus.go implements the sorted address-range device table described in
// §4.1. It generalizes the teacher's vm.MMIO (a flat address->driver map
// keyed by individual device registers) into a range-based dispatcher keyed
// by [begin, begin+size) intervals, since the guest here addresses devices
// by byte offset rather than one register per address.

import (
	"errors"
	"fmt"
	"sort"

	"github.com/smoynes/rv64emu/internal/log"
)

// Handler is the device contract from §6: a device exposes typed read/write
// entry points and optional reset/remove hooks. Read and Write report false
// to signal an access fault, which the MMU turns into the appropriate trap.
type Handler interface {
	Read(dst []byte, offset uint64) bool
	Write(src []byte, offset uint64) bool
}

// Resetter is an optional capability: devices that need to reinitialize
// state on machine reset implement it.
type Resetter interface {
	Reset()
}

// Remover is an optional capability for devices that release resources when
// detached.
type Remover interface {
	Remove()
}

// RegionType tags a region for FDT node generation and introspection.
type RegionType int

// Known region types. Concrete device implementations beyond a minimal
// console/syscon pair are out of scope (§1); this enum exists so the bus and
// FDT builder have something to dispatch on without depending on concrete
// device packages.
const (
	RegionGeneric RegionType = iota
	RegionUART
	RegionSyscon
	RegionPLIC
	RegionCLINT
	RegionPCI
)

// Region is an MMIO region record per §3: {begin, size, min_op_size,
// max_op_size, handler, type}.
type Region struct {
	Begin        uint64
	Size         uint64
	MinOpSize    uint8
	MaxOpSize    uint8
	Handler      Handler
	Type         RegionType
	Name         string
	DeviceHandle uint32 // stable id, e.g. for detach and FDT phandle lookup
}

// End returns the address one past the region's last byte.
func (r *Region) End() uint64 { return r.Begin + r.Size }

func (r *Region) contains(addr, size uint64) bool {
	if addr < r.Begin {
		return false
	}

	off := addr - r.Begin
	return off <= r.Size && size <= r.Size-off
}

var (
	// ErrOverlap indicates two MMIO regions (or an MMIO region and RAM)
	// would overlap.
	ErrOverlap = errors.New("mmio: region overlap")

	// ErrBadOpSize indicates min_op_size/max_op_size are not powers of two
	// in [1,8], or min > max.
	ErrBadOpSize = errors.New("mmio: invalid op size bounds")

	// ErrBusFault is returned for accesses that don't land cleanly in RAM
	// or in exactly one region, or that a device handler refuses.
	ErrBusFault = errors.New("mmio: bus fault")

	// ErrUnaligned indicates an access size/alignment the target region
	// does not support.
	ErrUnaligned = errors.New("mmio: misaligned or oversized access")
)

// Bus composes the RAM region and a sorted list of MMIO regions into the
// single physical address space machines present to the MMU.
type Bus struct {
	ram     *RAM
	regions []*Region
	nextID  uint32

	log *log.Logger
}

// NewBus creates a bus backed by the given RAM region.
func NewBus(ram *RAM) *Bus {
	return &Bus{
		ram: ram,
		log: log.DefaultLogger(),
	}
}

func isPow2(v uint8) bool { return v != 0 && v&(v-1) == 0 }

// Attach registers a new MMIO region. It returns a device handle used for
// later Detach, or an error if the region is malformed or overlaps the RAM
// region or any existing MMIO region.
func (b *Bus) Attach(r Region) (uint32, error) {
	if !isPow2(r.MinOpSize) || !isPow2(r.MaxOpSize) || r.MinOpSize > r.MaxOpSize || r.MaxOpSize > 8 {
		return 0, fmt.Errorf("%w: min=%d max=%d", ErrBadOpSize, r.MinOpSize, r.MaxOpSize)
	}

	if b.ram != nil && overlaps(r.Begin, r.Size, b.ram.Begin(), b.ram.Size()) {
		return 0, fmt.Errorf("%w: %s overlaps ram", ErrOverlap, r.Name)
	}

	for _, existing := range b.regions {
		if overlaps(r.Begin, r.Size, existing.Begin, existing.Size) {
			return 0, fmt.Errorf("%w: %s overlaps %s", ErrOverlap, r.Name, existing.Name)
		}
	}

	b.nextID++
	r.DeviceHandle = b.nextID

	region := r
	b.regions = append(b.regions, &region)

	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].Begin < b.regions[j].Begin })

	b.log.Debug("mmio: attached",
		log.String("NAME", r.Name),
		log.String("BEGIN", fmt.Sprintf("%#x", r.Begin)),
		log.String("SIZE", fmt.Sprintf("%#x", r.Size)),
	)

	return region.DeviceHandle, nil
}

// Detach removes a previously attached region by handle. When freeData is
// true and the handler implements Remover, Remove is called first.
func (b *Bus) Detach(handle uint32, freeData bool) error {
	for i, r := range b.regions {
		if r.DeviceHandle == handle {
			if freeData {
				if rem, ok := r.Handler.(Remover); ok {
					rem.Remove()
				}
			}

			b.regions = append(b.regions[:i], b.regions[i+1:]...)

			return nil
		}
	}

	return fmt.Errorf("%w: detach: unknown handle %d", ErrBusFault, handle)
}

// Zone returns a free MMIO address at least size bytes long, preferring the
// address nearest to preferredBase that doesn't overlap RAM or an existing
// region. It implements §6's mmio_zone_auto.
func (b *Bus) Zone(preferredBase, size uint64) (uint64, error) {
	candidate := preferredBase

	for {
		conflict := false

		if b.ram != nil && overlaps(candidate, size, b.ram.Begin(), b.ram.Size()) {
			candidate = b.ram.End()
			conflict = true
		}

		for _, r := range b.regions {
			if overlaps(candidate, size, r.Begin, r.Size) {
				candidate = r.End()
				conflict = true
			}
		}

		if !conflict {
			return candidate, nil
		}
	}
}

func overlaps(aBegin, aSize, bBegin, bSize uint64) bool {
	if aSize == 0 || bSize == 0 {
		return false
	}

	return aBegin < bBegin+bSize && bBegin < aBegin+aSize
}

// find returns the single region covering [addr, addr+size), or nil if none
// does (including the case where the access straddles two regions).
func (b *Bus) find(addr, size uint64) *Region {
	// Regions are sorted by Begin; a binary search would do, but the
	// region count is small (a handful of devices) so linear scan keeps
	// this readable.
	for _, r := range b.regions {
		if r.contains(addr, size) {
			return r
		}
	}

	return nil
}

// Load reads size bytes from physical address addr into dst. RAM accesses
// are serviced directly; otherwise the sorted MMIO table is searched and the
// single covering region's handler is invoked with a region-relative
// offset.
func (b *Bus) Load(dst []byte, addr, size uint64) error {
	if b.ram != nil && b.ram.Contains(addr, size) {
		copy(dst, b.ram.HostPointer(addr, size))
		return nil
	}

	r := b.find(addr, size)
	if r == nil {
		return fmt.Errorf("%w: load addr=%#x size=%d", ErrBusFault, addr, size)
	}

	if size < uint64(r.MinOpSize) || size > uint64(r.MaxOpSize) {
		return fmt.Errorf("%w: load addr=%#x size=%d region=%s", ErrUnaligned, addr, size, r.Name)
	}

	offset := addr - r.Begin

	if !r.Handler.Read(dst, offset) {
		return fmt.Errorf("%w: device refused read: %s offset=%#x", ErrBusFault, r.Name, offset)
	}

	return nil
}

// Store writes size bytes from src to physical address addr, following the
// same RAM-then-MMIO routing as Load.
func (b *Bus) Store(src []byte, addr, size uint64) error {
	if b.ram != nil && b.ram.Contains(addr, size) {
		copy(b.ram.HostPointer(addr, size), src)
		return nil
	}

	r := b.find(addr, size)
	if r == nil {
		return fmt.Errorf("%w: store addr=%#x size=%d", ErrBusFault, addr, size)
	}

	if size < uint64(r.MinOpSize) || size > uint64(r.MaxOpSize) {
		return fmt.Errorf("%w: store addr=%#x size=%d region=%s", ErrUnaligned, addr, size, r.Name)
	}

	offset := addr - r.Begin

	if !r.Handler.Write(src, offset) {
		return fmt.Errorf("%w: device refused write: %s offset=%#x", ErrBusFault, r.Name, offset)
	}

	return nil
}

// DMAPointer returns a host pointer (slice) for [addr, addr+size) when that
// range lies entirely in RAM, or nil otherwise. DMA-capable devices use this
// for zero-copy transfers per §4.1; when nil, callers must bounce through
// word-by-word Load/Store.
func (b *Bus) DMAPointer(addr, size uint64) []byte {
	if b.ram == nil {
		return nil
	}

	return b.ram.HostPointer(addr, size)
}

// RAM returns the bus's backing RAM region.
func (b *Bus) RAM() *RAM { return b.ram }

// Regions returns a snapshot of the attached MMIO regions, sorted by base
// address. Used by the FDT builder and by introspection tooling.
func (b *Bus) Regions() []*Region {
	out := make([]*Region, len(b.regions))
	copy(out, b.regions)

	return out
}

// Reset invokes Reset on every attached device that implements Resetter,
// and clears RAM. Part of §4.6's machine reset coordinator.
func (b *Bus) Reset() {
	if b.ram != nil {
		b.ram.Clear()
	}

	for _, r := range b.regions {
		if rs, ok := r.Handler.(Resetter); ok {
			rs.Reset()
		}
	}
}
