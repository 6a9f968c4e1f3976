// Package pci is an opaque PCI bus context the Machine holds per the
// spec's data model even though concrete PCI device models are out of
// scope (§1 excludes ATA/ethernet/PS2/HID/framebuffer). Mirrors
// bobuhiro11-gokvm's pci.PCI field on Machine: a place later device
// models attach to, kept minimal here since this core never populates
// it with real endpoints.
package pci

import "sync"

// Bus is a stub PCI root complex: it tracks attachment points an
// io-space/mmio_zone_auto allocation can reserve, but implements no
// config-space or BAR semantics of its own.
type Bus struct {
	mu        sync.Mutex
	nextBus   uint8
	functions []Function
}

// Function records a reserved (bus, device, function) triple and the
// MMIO window the caller reserved for it via mmio_zone_auto.
type Function struct {
	Bus      uint8
	Device   uint8
	Func     uint8
	BarBase  uint64
	BarSize  uint64
}

// New creates an empty PCI bus context.
func New() *Bus {
	return &Bus{}
}

// Reserve records a function's BAR window. It does not attach any
// mmio.Handler; callers that want a live device still call
// mmio.Bus.Attach separately.
func (b *Bus) Reserve(device, fn uint8, barBase, barSize uint64) Function {
	b.mu.Lock()
	defer b.mu.Unlock()

	f := Function{Bus: b.nextBus, Device: device, Func: fn, BarBase: barBase, BarSize: barSize}
	b.functions = append(b.functions, f)

	return f
}

// Functions returns the reserved functions, in reservation order.
func (b *Bus) Functions() []Function {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Function, len(b.functions))
	copy(out, b.functions)

	return out
}
