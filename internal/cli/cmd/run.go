package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/smoynes/rv64emu/internal/cli"
	"github.com/smoynes/rv64emu/internal/console"
	"github.com/smoynes/rv64emu/internal/csr"
	"github.com/smoynes/rv64emu/internal/log"
	"github.com/smoynes/rv64emu/internal/machine"
)

// Run boots a machine from a boot ROM and/or kernel image.
//
//	rvemu run -kernel vmlinux -memsize 268435456 BOOT.bin
func Run() cli.Command {
	return &runner{
		memSize: 128 << 20,
		hartCnt: 1,
		xlen:    64,
	}
}

type runner struct {
	memBase     uint64
	memSize     uint64
	hartCnt     int
	xlen        int
	kernel      string
	dtbPath     string
	cmdline     string
	resetVector uint64
	generateDTB bool
}

func (runner) Description() string {
	return "boot a kernel or boot rom image"
}

func (runner) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `run [options] BOOTROM

Boots BOOTROM (and optionally -kernel) in a fresh machine.`)

	return err
}

func (r *runner) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.Uint64Var(&r.memBase, "membase", 0x80000000, "physical `address` of RAM")
	fs.Uint64Var(&r.memSize, "memsize", r.memSize, "RAM size in `bytes`")
	fs.IntVar(&r.hartCnt, "harts", r.hartCnt, "`number` of harts")
	fs.IntVar(&r.xlen, "xlen", r.xlen, "integer register width: 32 or 64")
	fs.StringVar(&r.kernel, "kernel", "", "kernel image `path`, loaded at membase")
	fs.StringVar(&r.dtbPath, "dtb", "", "flattened device tree `path` to load")
	fs.StringVar(&r.cmdline, "cmdline", "", "kernel command line, used only with -gen-dtb")
	fs.Uint64Var(&r.resetVector, "reset-vector", 0, "initial PC; 0 means membase")
	fs.BoolVar(&r.generateDTB, "gen-dtb", false, "synthesize a device tree when -dtb is not given")

	return fs
}

// Run boots the machine and blocks until it halts or ctx is cancelled.
func (r *runner) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if len(args) == 0 && r.kernel == "" {
		logger.Error("run: no boot rom or -kernel given")
		return 1
	}

	xlen := csr.XLEN64
	if r.xlen == 32 {
		xlen = csr.XLEN32
	}

	resetVector := r.resetVector
	if resetVector == 0 {
		resetVector = r.memBase
	}

	cfg := machine.Config{
		MemBase:     r.memBase,
		MemSize:     r.memSize,
		HartCount:   r.hartCnt,
		XLen:        xlen,
		Kernel:      r.kernel,
		DTBPath:     r.dtbPath,
		Cmdline:     r.cmdline,
		ResetVector: resetVector,
		GenerateDTB: r.generateDTB,
	}

	if len(args) > 0 {
		cfg.BootROM = args[0]
	}

	m, err := machine.New(cfg)
	if err != nil {
		logger.Error("run: failed to create machine", "err", err)
		return 1
	}

	con, err := console.New(os.Stdin, os.Stdout)
	if err == nil {
		defer con.Restore()
		m.AttachConsole(ctx, con)
	} else {
		logger.Warn("run: no interactive console, guest output is dropped", "err", err)
	}

	logger.Info("run: starting machine",
		"harts", r.hartCnt, "xlen", r.xlen, "membase", fmt.Sprintf("%#x", r.memBase))

	if err := m.Run(ctx); err != nil {
		logger.Error("run: machine exited with error", "err", err)
		return 1
	}

	_, code := m.PowerState()

	return int(code)
}
