// Package transport provides reliable, context-aware exchange of opaque
// byte frames over one physical medium. Each Transport is exclusively owned
// by a single device handle; framing beyond the medium's native unit (HID
// report, serial chunk, socket read) is the adapter's concern, not ours.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/coldsign-io/coldsign/hwi"
)

// Conn is the raw framed connection a medium backend provides. ReadFrame
// blocks until one medium-level frame arrives.
type Conn interface {
	WriteFrame(frame []byte) error
	ReadFrame() ([]byte, error)
	Close() error
}

// Sizer is implemented by backends with a fixed frame size (HID reports).
type Sizer interface {
	FrameSize() int
}

// recvBuffer bounds how many unread frames a device can push before the
// reader goroutine stalls. Stale frames beyond this are unheard of in
// request/response protocols.
const recvBuffer = 32

// Transport owns a Conn plus a reader goroutine, turning blocking medium
// reads into context-aware receives. A response that arrives after the
// caller gave up stays queued until Drain discards it, so it can never be
// misattributed to a later request.
type Transport struct {
	conn Conn
	recv chan []byte
	done chan struct{}
	quit chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	readErr error
}

// Open takes ownership of conn and starts its reader.
func Open(conn Conn) *Transport {
	t := &Transport{
		conn: conn,
		recv: make(chan []byte, recvBuffer),
		done: make(chan struct{}),
		quit: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *Transport) readLoop() {
	defer close(t.done)
	for {
		frame, err := t.conn.ReadFrame()
		if err != nil {
			t.mu.Lock()
			t.readErr = err
			t.mu.Unlock()
			return
		}
		select {
		case t.recv <- frame:
		case <-t.quit:
			return
		}
	}
}

// FrameSize reports the fixed frame size of the medium, or 0 for stream
// media.
func (t *Transport) FrameSize() int {
	if s, ok := t.conn.(Sizer); ok {
		return s.FrameSize()
	}
	return 0
}

// Send writes one frame.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.done:
		return t.disconnected()
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := t.conn.WriteFrame(frame); err != nil {
		return fmt.Errorf("%w: %v", hwi.ErrDisconnected, err)
	}
	return nil
}

// Receive returns the next frame, the context error on cancellation, or
// ErrDisconnected once the reader has died.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.recv:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		// Frames already queued still win over the shutdown signal.
		select {
		case frame := <-t.recv:
			return frame, nil
		default:
			return nil, t.disconnected()
		}
	}
}

// Drain discards any frames left over from an abandoned exchange and
// reports how many were dropped. Adapters call it before every new command.
func (t *Transport) Drain() int {
	dropped := 0
	for {
		select {
		case <-t.recv:
			dropped++
		default:
			return dropped
		}
	}
}

func (t *Transport) disconnected() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readErr != nil {
		return fmt.Errorf("%w: %v", hwi.ErrDisconnected, t.readErr)
	}
	return hwi.ErrDisconnected
}

// Close shuts the reader down and closes the connection.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.quit)
		// Closing the conn unblocks a pending ReadFrame; the reader then
		// records the error and exits.
		err = t.conn.Close()
	})
	return err
}
