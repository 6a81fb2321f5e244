// Package serialport is the serial byte-stream backend. A "frame" here is
// whatever chunk the OS hands back from one read; line or length-prefix
// framing on top of the stream belongs entirely to the protocol adapters.
package serialport

import (
	"fmt"
	"io"

	"go.bug.st/serial"

	"github.com/coldsign-io/coldsign/hwi"
)

// DefaultBaudRate matches the supported signers' serial consoles.
const DefaultBaudRate = 115200

const readChunk = 512

// ListPorts names the serial ports present on the system.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}

// Open claims the port exclusively.
func Open(name string, baudRate int) (*Conn, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	port, err := serial.Open(name, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("%w: open serial %s: %v", hwi.ErrDeviceNotFound, name, err)
	}
	return &Conn{port: port, name: name}, nil
}

// Conn is one opened serial port.
type Conn struct {
	port serial.Port
	name string
}

// WriteFrame writes the whole buffer to the stream.
func (c *Conn) WriteFrame(frame []byte) error {
	for len(frame) > 0 {
		n, err := c.port.Write(frame)
		if err != nil {
			return fmt.Errorf("serial write %s: %w", c.name, err)
		}
		frame = frame[n:]
	}
	return nil
}

// ReadFrame blocks until at least one byte is available and returns the
// chunk read.
func (c *Conn) ReadFrame() ([]byte, error) {
	buf := make([]byte, readChunk)
	n, err := c.port.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("serial read %s: %w", c.name, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("serial read %s: %w", c.name, io.EOF)
	}
	return buf[:n], nil
}

// Close releases the port.
func (c *Conn) Close() error {
	return c.port.Close()
}
