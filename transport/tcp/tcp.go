// Package tcp is the network-socket backend, used by adapters that offer a
// companion-app or simulator mode (the ledger Speculos simulator, a jade
// serial gateway). Request/response framing on the stream belongs to the
// adapter.
package tcp

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/coldsign-io/coldsign/hwi"
)

const readChunk = 1024

// Dial connects to addr ("host:port").
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", hwi.ErrDeviceNotFound, addr, err)
	}
	return &Conn{conn: conn, addr: addr}, nil
}

// Conn is one connected socket.
type Conn struct {
	conn net.Conn
	addr string
}

// WriteFrame writes the whole buffer to the stream.
func (c *Conn) WriteFrame(frame []byte) error {
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("tcp write %s: %w", c.addr, err)
	}
	return nil
}

// ReadFrame blocks until bytes are available and returns the chunk read.
func (c *Conn) ReadFrame() ([]byte, error) {
	buf := make([]byte, readChunk)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("tcp read %s: %w", c.addr, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("tcp read %s: %w", c.addr, io.EOF)
	}
	return buf[:n], nil
}

// Close closes the socket.
func (c *Conn) Close() error {
	return c.conn.Close()
}
