// Package console adapts a host terminal to a uart.UART, the same way the
// teacher's internal/tty.Console adapts a host terminal to the LC-3's
// keyboard/display devices: put the terminal in raw mode, pump input bytes
// into the device, and print output bytes as they arrive.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/smoynes/rv64emu/internal/uart"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNoTTY is returned when standard input is not a terminal; the caller
// falls back to non-interactive I/O (e.g. file-redirected boot logs).
var ErrNoTTY = errors.New("console: not a tty")

// Console wires a host terminal to a guest UART.
type Console struct {
	in    *os.File
	out   *term.Terminal
	fd    int
	state *term.State

	keyCh chan byte
}

// New puts sin into raw mode and returns a Console writing to sout.
// Callers must call Restore to return the terminal to cooked mode.
func New(sin, sout *os.File) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	c := &Console{
		fd:    fd,
		in:    sin,
		out:   term.NewTerminal(sout, ""),
		state: saved,
		keyCh: make(chan byte, 1),
	}

	if err := c.setTerminalParams(1, 0); err != nil {
		return nil, err
	}

	return c, nil
}

// Attach starts the read/write pump goroutines wiring c to dev, until ctx
// is cancelled.
func (c *Console) Attach(ctx context.Context, dev *uart.UART) {
	dev.OnOutput(func(b byte) {
		fmt.Fprintf(c.out, "%c", b)
	})

	go c.readLoop(ctx, dev)
}

func (c *Console) readLoop(ctx context.Context, dev *uart.UART) {
	buf := bufio.NewReader(c.in)

	_ = syscall.SetNonblock(c.fd, false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := buf.ReadByte()
		if err != nil {
			return
		}

		dev.Input(b)
	}
}

// Writer returns the underlying terminal writer, e.g. for diagnostic
// output printed outside the guest's serial stream.
func (c *Console) Writer() io.Writer { return c.out }

// Restore returns the terminal to cooked mode.
func (c *Console) Restore() {
	_ = c.in.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO); err != nil {
		return err
	}

	_ = c.in.SetReadDeadline(time.Time{})

	return nil
}
