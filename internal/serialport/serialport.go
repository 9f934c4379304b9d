// Package serialport opens a real RS-485/UART link as an
// io.ReadWriteCloser for a gateway.Port to drive. Grounded on the
// go.bug.st/serial usage pattern shown in the pack's heliostat
// controller example, and on internal/lora.Driver's Start/Stop
// lifecycle for the port-ownership idiom.
package serialport

import (
	"fmt"

	"go.bug.st/serial"
)

// Params are the physical line parameters. The device firmware this
// protocol targets is fixed at 9600 8N1.
type Params struct {
	Name     string
	BaudRate int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
}

// DefaultParams returns 9600 baud, 8 data bits, no parity, one stop
// bit: the line parameters the target device firmware expects.
func DefaultParams(name string) Params {
	return Params{
		Name:     name,
		BaudRate: 9600,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Open opens the named serial device with the given parameters. The
// returned serial.Port satisfies gateway.Transport directly.
func Open(p Params) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: p.BaudRate,
		DataBits: p.DataBits,
		Parity:   p.Parity,
		StopBits: p.StopBits,
	}
	port, err := serial.Open(p.Name, mode)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", p.Name, err)
	}
	return port, nil
}

// List returns the names of serial devices currently present on the
// system, for an operator choosing which device path to configure.
func List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("serialport: list ports: %w", err)
	}
	return ports, nil
}
