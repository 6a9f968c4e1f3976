// Termtest is a manual testing tool for the UART/console raw-terminal
// I/O path. Lacking simple PTY support, running this tool manually is
// easier than writing automated tests for the raw-mode terminal
// plumbing itself: it echoes every keystroke back through the UART's
// transmit register, which console prints.
package main

import (
	"context"
	"os"
	"time"

	"github.com/smoynes/rv64emu/internal/console"
	"github.com/smoynes/rv64emu/internal/log"
	"github.com/smoynes/rv64emu/internal/uart"
)

var logger = log.DefaultLogger()

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dev := uart.New(nil)

	con, err := console.New(os.Stdin, os.Stdout)
	if err != nil {
		logger.Error("termtest: no tty", "err", err)
		os.Exit(1)
	}

	defer con.Restore()

	con.Attach(ctx, dev)

	logger.Info("Echoing keystrokes through the UART model. Ctrl-D or 30s to exit.")

	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()

	var rbr [1]byte

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			for dev.Read(rbr[:], uart.RegLSR); rbr[0]&0x01 != 0; dev.Read(rbr[:], uart.RegLSR) {
				dev.Read(rbr[:], uart.RegRBR)
				dev.Write(rbr[:], uart.RegRBR)
			}
		}
	}
}
