// Package uart implements a minimal ns16550-compatible serial device: the
// one concrete MMIO device kept in scope per §1 (it is needed to observe
// guest boot output and is explicitly not excluded the way ATA/ethernet/
// PS2/HID/framebuffer device models are).
//
// Grounded in the teacher's vm.Display/vm.Keyboard (vm/disp.go, vm/kbd.go):
// a status register with ready/interrupt-enable bits, a data register, and
// listener callbacks invoked on writes, generalized from the LC-3's
// separate keyboard/display registers to the ns16550's combined
// THR/RBR+LSR+IER register file addressed by byte offset.
package uart

import (
	"sync"
)

// Register offsets (8250/ns16550 subset: no FIFO control, no divisor
// latch -- this core has no baud-rate concept).
const (
	RegRBR = 0x0 // receiver buffer (read) / THR (write)
	RegIER = 0x1 // interrupt enable
	RegIIR = 0x2 // interrupt identification (read-only)
	RegLCR = 0x3 // line control
	RegMCR = 0x4 // modem control
	RegLSR = 0x5 // line status
)

const (
	lsrDataReady       = 1 << 0
	lsrTHREmpty        = 1 << 5
	lsrTransmitterIdle = 1 << 6
)

const ierRecvDataAvail = 1 << 0

// UART is a byte-oriented serial port. Output bytes are delivered to
// listeners registered with OnOutput; input bytes are queued with Input
// and drained by the guest's receiver-buffer reads.
type UART struct {
	mu sync.Mutex

	ier uint8
	lcr uint8
	mcr uint8

	rxQueue []byte

	onOutput []func(byte)
	raiseIRQ func()
}

// New creates a UART. raiseIRQ, if non-nil, is called whenever a
// receiver-data-available interrupt becomes pending (input queued while
// IER's data-ready bit is set).
func New(raiseIRQ func()) *UART {
	return &UART{raiseIRQ: raiseIRQ}
}

// OnOutput registers a listener invoked for every byte the guest writes to
// the transmit register, in program order.
func (u *UART) OnOutput(fn func(byte)) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.onOutput = append(u.onOutput, fn)
}

// Input queues a byte as if typed at the console, waking any pending
// receive interrupt.
func (u *UART) Input(b byte) {
	u.mu.Lock()
	u.rxQueue = append(u.rxQueue, b)
	irq := u.ier&ierRecvDataAvail != 0
	u.mu.Unlock()

	if irq && u.raiseIRQ != nil {
		u.raiseIRQ()
	}
}

// Read implements mmio.Handler.
func (u *UART) Read(dst []byte, offset uint64) bool {
	if len(dst) != 1 {
		return false
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	switch offset {
	case RegRBR:
		if len(u.rxQueue) == 0 {
			dst[0] = 0
			return true
		}

		dst[0] = u.rxQueue[0]
		u.rxQueue = u.rxQueue[1:]
	case RegIER:
		dst[0] = u.ier
	case RegIIR:
		dst[0] = 0x01 // no interrupt pending (this core never claims Tx IRQs)
	case RegLCR:
		dst[0] = u.lcr
	case RegMCR:
		dst[0] = u.mcr
	case RegLSR:
		status := uint8(lsrTHREmpty | lsrTransmitterIdle)
		if len(u.rxQueue) > 0 {
			status |= lsrDataReady
		}

		dst[0] = status
	default:
		return false
	}

	return true
}

// Write implements mmio.Handler.
func (u *UART) Write(src []byte, offset uint64) bool {
	if len(src) != 1 {
		return false
	}

	val := src[0]

	switch offset {
	case RegRBR:
		u.mu.Lock()
		listeners := append([]func(byte){}, u.onOutput...)
		u.mu.Unlock()

		for _, fn := range listeners {
			fn(val)
		}
	case RegIER:
		u.mu.Lock()
		u.ier = val
		u.mu.Unlock()
	case RegLCR:
		u.mu.Lock()
		u.lcr = val
		u.mu.Unlock()
	case RegMCR:
		u.mu.Lock()
		u.mcr = val
		u.mu.Unlock()
	default:
		return false
	}

	return true
}

// Reset clears queued input and control registers.
func (u *UART) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.rxQueue = nil
	u.ier = 0
	u.lcr = 0
	u.mcr = 0
}
