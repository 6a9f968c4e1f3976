package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/smoynes/rv64emu/internal/asm"
	"github.com/smoynes/rv64emu/internal/cli"
	"github.com/smoynes/rv64emu/internal/isa"
	"github.com/smoynes/rv64emu/internal/log"
)

// Disasm disassembles a raw binary image.
//
//	rvemu disasm -base 0x80000000 kernel.bin
func Disasm() cli.Command {
	return &disassembler{base: 0x80000000}
}

type disassembler struct {
	base uint64
}

func (disassembler) Description() string {
	return "disassemble a raw binary image"
}

func (disassembler) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `disasm [-base addr] FILE

Disassembles a flat binary image, assuming 32-bit-aligned instructions
starting at -base.`)

	return err
}

func (d *disassembler) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	fs.Uint64Var(&d.base, "base", d.base, "load `address` of the first instruction")

	return fs
}

func (d *disassembler) Run(_ context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if len(args) == 0 {
		logger.Error("disasm: no file given")
		return 1
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		logger.Error("disasm: read failed", "err", err)
		return 1
	}

	syms := asm.SymbolTable{}

	for off := 0; off+4 <= len(data); off += 4 {
		word := isa.Word32(uint32(data[off]) | uint32(data[off+1])<<8 |
			uint32(data[off+2])<<16 | uint32(data[off+3])<<24)

		ins := isa.Decode(word)
		pc := d.base + uint64(off)

		fmt.Fprintln(out, asm.Format(pc, ins, syms))
	}

	return 0
}
