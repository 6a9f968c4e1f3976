// rvemu is the command-line interface to the RISC-V system emulator.
package main

import (
	"context"
	"os"

	"github.com/smoynes/rv64emu/internal/cli"
	"github.com/smoynes/rv64emu/internal/cli/cmd"
)

var commands = []cli.Command{
	cmd.Run(),
	cmd.Disasm(),
}

// Entry point.
func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
