// Package transporttest provides an in-memory transport.Conn pair for
// exercising protocol adapters against scripted devices, no hardware
// involved.
package transporttest

import (
	"errors"
	"sync"
)

// ErrPipeClosed is returned by either end once the pipe is closed.
var ErrPipeClosed = errors.New("pipe closed")

const pipeBuffer = 64

// Conn is one end of an in-memory frame pipe.
type Conn struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns the two connected ends. Frames written on one end are read,
// in order and whole, on the other. Closing either end fails both.
func Pipe() (host, device *Conn) {
	a := make(chan []byte, pipeBuffer)
	b := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	host = &Conn{in: a, out: b, done: done, once: once}
	device = &Conn{in: b, out: a, done: done, once: once}
	return host, device
}

// WriteFrame queues one frame for the peer. Writes after close fail even
// while the buffer has room; a closed pipe accepts nothing.
func (c *Conn) WriteFrame(frame []byte) error {
	select {
	case <-c.done:
		return ErrPipeClosed
	default:
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case c.out <- cp:
		return nil
	case <-c.done:
		return ErrPipeClosed
	}
}

// ReadFrame returns the next queued frame. Queued frames still drain after
// close, matching real media that buffer in the kernel.
func (c *Conn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	default:
	}
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.done:
		return nil, ErrPipeClosed
	}
}

// Close fails both ends.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
