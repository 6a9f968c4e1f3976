// Package machine assembles harts, the MMIO bus, the interrupt
// controllers, the console device, and the reset coordinator into a
// single runnable system, per §4.6's Machine component and SPEC_FULL.md
// §2. Grounded in bobuhiro11-gokvm's Machine struct (vCPU slice + pci +
// serial + device table fields on one owning struct), restructured
// around this spec's handle/capability model: devices are mmio.Handler
// values attached to a mmio.Bus rather than raw ioport callbacks.
package machine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/smoynes/rv64emu/internal/clint"
	"github.com/smoynes/rv64emu/internal/console"
	"github.com/smoynes/rv64emu/internal/csr"
	"github.com/smoynes/rv64emu/internal/fdt"
	"github.com/smoynes/rv64emu/internal/hart"
	"github.com/smoynes/rv64emu/internal/log"
	"github.com/smoynes/rv64emu/internal/mmio"
	"github.com/smoynes/rv64emu/internal/pci"
	"github.com/smoynes/rv64emu/internal/plic"
	"github.com/smoynes/rv64emu/internal/syscon"
	"github.com/smoynes/rv64emu/internal/uart"
)

// Config enumerates the machine's construction options (§3 "Config
// options"): MEM_BASE, MEM_SIZE, HART_COUNT, XLEN, BOOT_ROM, KERNEL,
// DTB_PATH, CMDLINE, RESET_VECTOR.
type Config struct {
	MemBase     uint64
	MemSize     uint64
	HartCount   int
	XLen        csr.XLEN
	BootROM     string
	Kernel      string
	DTBPath     string
	Cmdline     string
	ResetVector uint64

	// GenerateDTB enables building and publishing a synthesized FDT at
	// DTBPath instead of loading one, when no DTB_PATH image is given.
	GenerateDTB bool
}

const (
	uartBase    = 0x10000000
	uartSize    = 0x100
	sysconBase  = 0x11100000
	sysconSize  = 0x1000
	plicBase    = 0x0c000000
	plicSize    = 0x04000000
	clintBase   = 0x02000000
	clintSize   = 0x00010000
	plicSources = 32
)

// ErrEmptyKernel indicates a kernel/boot-rom image path resolved to a
// zero-byte file, almost certainly not what the caller intended.
var ErrEmptyKernel = errors.New("machine: image is empty")

// Machine owns the single physical address space, the hart vector, the
// interrupt controllers, and the power-state flag, per §3's Machine
// ownership list.
type Machine struct {
	mu sync.Mutex

	cfg Config

	ram   *mmio.RAM
	bus   *mmio.Bus
	harts []*hart.Hart
	resv  *hart.Reservations

	plic   *plic.PLIC
	clint  *clint.CLINT
	uart   *uart.UART
	syscon *syscon.Syscon
	pci    *pci.Bus

	console *console.Console

	running  bool
	power    syscon.State
	exitCode uint32

	resetHandler func(*Machine)

	log *log.Logger
}

// New builds a machine from cfg: RAM, bus, PLIC, CLINT, syscon, console
// UART, and cfg.HartCount harts sharing one LR/SC reservation set.
func New(cfg Config) (*Machine, error) {
	if cfg.XLen == 0 {
		cfg.XLen = csr.XLEN64
	}

	if cfg.HartCount <= 0 {
		cfg.HartCount = 1
	}

	ram, err := mmio.NewRAM(cfg.MemBase, cfg.MemSize)
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}

	m := &Machine{
		cfg:  cfg,
		ram:  ram,
		bus:  mmio.NewBus(ram),
		resv: hart.NewReservations(),
		pci:  pci.New(),
		log:  log.DefaultLogger(),
	}

	m.clint = clint.New(cfg.HartCount, m.onClintPending)
	if _, err := m.bus.Attach(mmio.Region{
		Begin: clintBase, Size: clintSize, MinOpSize: 1, MaxOpSize: 8,
		Handler: m.clint, Type: mmio.RegionCLINT, Name: "clint",
	}); err != nil {
		return nil, err
	}

	m.plic = plic.New(plicSources, cfg.HartCount, m.onPlicRaise)
	if _, err := m.bus.Attach(mmio.Region{
		Begin: plicBase, Size: plicSize, MinOpSize: 1, MaxOpSize: 4,
		Handler: m.plic, Type: mmio.RegionPLIC, Name: "plic",
	}); err != nil {
		return nil, err
	}

	m.syscon = syscon.New(m.onPowerTransition)
	if _, err := m.bus.Attach(mmio.Region{
		Begin: sysconBase, Size: sysconSize, MinOpSize: 4, MaxOpSize: 4,
		Handler: m.syscon, Type: mmio.RegionSyscon, Name: "syscon",
	}); err != nil {
		return nil, err
	}

	m.uart = uart.New(func() { m.plic.Raise(1) })
	if _, err := m.bus.Attach(mmio.Region{
		Begin: uartBase, Size: uartSize, MinOpSize: 1, MaxOpSize: 1,
		Handler: m.uart, Type: mmio.RegionUART, Name: "uart0",
	}); err != nil {
		return nil, err
	}

	for id := 0; id < cfg.HartCount; id++ {
		h := hart.New(id, m.bus, m.resv, hart.WithXLEN(cfg.XLen))
		h.Regs().PC = cfg.ResetVector
		m.harts = append(m.harts, h)
	}

	if cfg.BootROM != "" {
		if err := m.loadImage(cfg.BootROM, cfg.ResetVector); err != nil {
			return nil, err
		}
	}

	if cfg.Kernel != "" {
		if err := m.loadImage(cfg.Kernel, cfg.MemBase); err != nil {
			return nil, err
		}
	}

	if cfg.DTBPath != "" {
		if err := m.loadDTBFile(cfg.DTBPath); err != nil {
			return nil, err
		}
	} else if cfg.GenerateDTB {
		if err := m.publishGeneratedDTB(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Machine) loadImage(path string, base uint64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("machine: load %s: %w", path, err)
	}

	if len(data) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyKernel, path)
	}

	dst := m.ram.HostPointer(base, uint64(len(data)))
	if dst == nil {
		return fmt.Errorf("machine: image %s (%d bytes) does not fit at %#x", path, len(data), base)
	}

	copy(dst, data)

	return nil
}

// dtbLoadAddr is the start of the last page of RAM, where a loaded or
// generated FDT is placed. No hart register is set to point here at
// reset.
func (m *Machine) dtbLoadAddr() uint64 {
	return m.cfg.MemBase + m.cfg.MemSize - mmio.PageSize
}

func (m *Machine) loadDTBFile(path string) error {
	return m.loadImage(path, m.dtbLoadAddr())
}

func (m *Machine) publishGeneratedDTB() error {
	blob, err := m.BuildFDT()
	if err != nil {
		return err
	}

	dst := m.ram.HostPointer(m.dtbLoadAddr(), uint64(len(blob)))
	if dst == nil {
		return fmt.Errorf("machine: generated dtb (%d bytes) does not fit", len(blob))
	}

	copy(dst, blob)

	return nil
}

// BuildFDT synthesizes a flattened device tree describing RAM, every
// hart's riscv,isa string, and a soc container with PLIC, CLINT, and
// syscon nodes, per §6 FDT output.
func (m *Machine) BuildFDT() ([]byte, error) {
	root := fdt.New("")
	root.PropU32("#address-cells", 2)
	root.PropU32("#size-cells", 2)
	root.PropStringList("compatible", []string{"rvemu,virt"})
	root.PropString("model", "rvemu,virt")

	mem := root.Child(fmt.Sprintf("memory@%x", m.cfg.MemBase))
	mem.PropStringList("device_type", []string{"memory"})
	mem.PropU32Array("reg", []uint32{
		uint32(m.cfg.MemBase >> 32), uint32(m.cfg.MemBase),
		uint32(m.cfg.MemSize >> 32), uint32(m.cfg.MemSize),
	})

	cpus := root.Child("cpus")
	cpus.PropU32("#address-cells", 1)
	cpus.PropU32("#size-cells", 0)
	cpus.PropU32("timebase-frequency", 10000000)

	builder := fdt.NewBuilder(root)

	for i := range m.harts {
		cpu := cpus.Child(fmt.Sprintf("cpu@%x", i))
		cpu.PropStringList("device_type", []string{"cpu"})
		cpu.PropU32("reg", uint32(i))
		cpu.PropString("status", "okay")
		cpu.PropString("riscv,isa", m.isaString())
		cpu.PropString("mmu-type", m.mmuTypeString())
		builder.Phandle(cpu)
	}

	soc := root.Child("soc")
	soc.PropU32("#address-cells", 2)
	soc.PropU32("#size-cells", 2)
	soc.PropStringList("compatible", []string{"simple-bus"})
	soc.PropEmpty("ranges")

	plicNode := soc.Child(fmt.Sprintf("interrupt-controller@%x", plicBase))
	plicNode.PropStringList("compatible", []string{"riscv,plic0"})
	plicNode.PropEmpty("interrupt-controller")
	plicNode.PropU32("#interrupt-cells", 1)
	plicNode.PropU32("riscv,ndev", plicSources)
	plicNode.PropU32Array("reg", []uint32{0, plicBase, 0, plicSize})
	builder.Phandle(plicNode)

	clintNode := soc.Child(fmt.Sprintf("clint@%x", clintBase))
	clintNode.PropStringList("compatible", []string{"riscv,clint0"})
	clintNode.PropU32Array("reg", []uint32{0, clintBase, 0, clintSize})
	builder.Phandle(clintNode)

	uartNode := soc.Child(fmt.Sprintf("serial@%x", uartBase))
	uartNode.PropStringList("compatible", []string{"ns16550a"})
	uartNode.PropU32Array("reg", []uint32{0, uartBase, 0, uartSize})
	builder.Phandle(uartNode)

	sysconNode := soc.Child(fmt.Sprintf("syscon@%x", sysconBase))
	sysconNode.PropStringList("compatible", []string{"syscon"})
	sysconNode.PropU32Array("reg", []uint32{0, sysconBase, 0, sysconSize})
	builder.Phandle(sysconNode)

	if m.cfg.Cmdline != "" {
		chosen := root.Child("chosen")
		chosen.PropString("bootargs", m.cfg.Cmdline)
	}

	return builder.Build()
}

func (m *Machine) isaString() string {
	if m.cfg.XLen == csr.XLEN32 {
		return "rv32imac"
	}

	return "rv64imac"
}

func (m *Machine) mmuTypeString() string {
	if m.cfg.XLen == csr.XLEN32 {
		return "riscv,sv32"
	}

	return "riscv,sv39"
}

// Harts returns the machine's hart vector.
func (m *Machine) Harts() []*hart.Hart { return m.harts }

// Bus returns the machine's single physical address bus.
func (m *Machine) Bus() *mmio.Bus { return m.bus }

// UART returns the console device, for attaching a host terminal.
func (m *Machine) UART() *uart.UART { return m.uart }

// AttachConsole wires a host terminal to the machine's UART until ctx is
// cancelled.
func (m *Machine) AttachConsole(ctx context.Context, c *console.Console) {
	m.console = c
	c.Attach(ctx, m.uart)
}

// onPlicRaise is the PLIC's RaiseFunc: context IDs are allocated one per
// hart, and a claimable PLIC interrupt asserts that hart's external
// pending bit (MEIP), letting PendingInterrupt's priority ordering and
// the hart's own mie/mstatus gating decide whether it is taken.
func (m *Machine) onPlicRaise(contextID int) {
	if contextID < 0 || contextID >= len(m.harts) {
		return
	}

	m.harts[contextID].SetPending(csr.BitMEIP)
}

// onClintPending is the CLINT's SetPendingFunc: it asserts or clears a
// hart's MTIP/MSIP bit to reflect the timer/software-interrupt line
// state.
func (m *Machine) onClintPending(hartIdx int, bit uint64, set bool) {
	if hartIdx < 0 || hartIdx >= len(m.harts) {
		return
	}

	if set {
		m.harts[hartIdx].SetPending(bit)
	} else {
		m.harts[hartIdx].ClearPending(bit)
	}
}

// onPowerTransition is the syscon device's TransitionFunc, invoked when
// a guest writes a poweroff/reset magic value.
func (m *Machine) onPowerTransition(state syscon.State, code uint32) {
	m.mu.Lock()
	m.power = state
	m.exitCode = code
	m.running = false
	m.mu.Unlock()

	m.log.Info("machine: power transition", log.String("STATE", state.String()))
}

// SetResetHandler registers fn to be invoked at the end of every Reset,
// after every built-in device and hart has been restored to its power-on
// state. It implements §6's set_reset_handler(Machine*, fn, user) entry in
// the stable embedder API; a Go closure captures whatever "user" state the
// C signature would otherwise pass separately, so there is no distinct
// user-data parameter here. A nil fn clears any previously registered
// handler.
func (m *Machine) SetResetHandler(fn func(*Machine)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetHandler = fn
}

// PowerState reports the machine's current power state and, for a
// poweroff requested via the syscon FinisherFail value, the guest's
// requested process exit code.
func (m *Machine) PowerState() (syscon.State, uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.power, m.exitCode
}

// Run starts every hart's run loop and the CLINT's timer tick goroutine,
// returning once ctx is cancelled or a syscon write requests poweroff
// or reset.
func (m *Machine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	m.running = true
	m.power = syscon.StateRunning
	m.mu.Unlock()

	var wg sync.WaitGroup

	errs := make(chan error, len(m.harts))

	for _, h := range m.harts {
		wg.Add(1)

		go func(h *hart.Hart) {
			defer wg.Done()

			if err := h.Run(runCtx); err != nil {
				errs <- err
			}
		}(h)
	}

	ticker := time.NewTicker(100 * time.Microsecond)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.clint.Tick(1000)

				if !m.isRunning() {
					cancel()
					return
				}
			}
		}
	}()

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *Machine) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.running
}

// Reset restores every hart, device, and RAM page to its power-on
// state, per §3's reset coordinator. It does not reload boot images;
// callers that want a cold boot call New again.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.running = false
	m.power = syscon.StateRunning
	m.exitCode = 0
	m.mu.Unlock()

	m.ram.Clear()
	m.plic.Reset()
	m.clint.Reset()
	m.uart.Reset()
	m.syscon.Reset()

	resv := hart.NewReservations()
	m.resv = resv

	for i, h := range m.harts {
		opt := hart.WithXLEN(m.cfg.XLen)
		m.harts[i] = hart.New(h.ID, m.bus, resv, opt)
	}

	for _, h := range m.harts {
		h.Regs().PC = m.cfg.ResetVector
	}

	m.mu.Lock()
	handler := m.resetHandler
	m.mu.Unlock()

	if handler != nil {
		handler(m)
	}
}
