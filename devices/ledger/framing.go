package ledger

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/skythen/apdu"

	"github.com/coldsign-io/coldsign/hwi"
	"github.com/coldsign-io/coldsign/transport"
)

// HID framing: an APDU is chunked into fixed-size reports, each prefixed
// with a channel id, a tag and a big-endian sequence number. The first
// report additionally carries the total APDU length.
const (
	hidChannel uint16 = 0x0101
	hidTag     byte   = 0x05
	hidHeader         = 5 // channel(2) + tag(1) + seq(2)
)

// exchanger performs one APDU round trip. Implementations own the transport
// framing for their medium; the adapter above them only sees status word
// plus payload, mirroring the single-exchange device interface.
type exchanger interface {
	Exchange(ctx context.Context, capdu apdu.Capdu) (uint16, []byte, error)
	Close() error
}

// hidExchanger chunks APDUs into HID reports.
type hidExchanger struct {
	t *transport.Transport
}

func (e *hidExchanger) frameSize() int {
	if n := e.t.FrameSize(); n > 0 {
		return n
	}
	return 64
}

func (e *hidExchanger) Exchange(ctx context.Context, capdu apdu.Capdu) (uint16, []byte, error) {
	raw, err := capdu.Bytes()
	if err != nil {
		return 0, nil, fmt.Errorf("%w: encode apdu: %v", hwi.ErrProtocol, err)
	}

	// Stale responses from an abandoned exchange must not be
	// misattributed to this one.
	e.t.Drain()

	if err := e.writeAPDU(ctx, raw); err != nil {
		return 0, nil, err
	}
	resp, err := e.readAPDU(ctx)
	if err != nil {
		return 0, nil, err
	}
	return splitStatus(resp)
}

func (e *hidExchanger) writeAPDU(ctx context.Context, raw []byte) error {
	size := e.frameSize()
	var seq uint16
	offset := 0

	for offset < len(raw) || seq == 0 {
		frame := make([]byte, 0, size)
		frame = binary.BigEndian.AppendUint16(frame, hidChannel)
		frame = append(frame, hidTag)
		frame = binary.BigEndian.AppendUint16(frame, seq)
		if seq == 0 {
			frame = binary.BigEndian.AppendUint16(frame, uint16(len(raw)))
		}

		n := size - len(frame)
		if n > len(raw)-offset {
			n = len(raw) - offset
		}
		frame = append(frame, raw[offset:offset+n]...)
		offset += n

		if err := e.t.Send(ctx, frame); err != nil {
			return err
		}
		seq++
	}
	return nil
}

func (e *hidExchanger) readAPDU(ctx context.Context) ([]byte, error) {
	var (
		payload []byte
		total   int
		seq     uint16
	)
	for {
		frame, err := e.t.Receive(ctx)
		if err != nil {
			return nil, err
		}
		if len(frame) < hidHeader {
			return nil, fmt.Errorf("%w: short hid report (%d bytes)", hwi.ErrProtocol, len(frame))
		}
		if binary.BigEndian.Uint16(frame) != hidChannel || frame[2] != hidTag {
			return nil, fmt.Errorf("%w: unexpected hid report header % x", hwi.ErrProtocol, frame[:3])
		}
		if got := binary.BigEndian.Uint16(frame[3:]); got != seq {
			return nil, fmt.Errorf("%w: hid report out of sequence: got %d want %d", hwi.ErrProtocol, got, seq)
		}

		data := frame[hidHeader:]
		if seq == 0 {
			if len(data) < 2 {
				return nil, fmt.Errorf("%w: first hid report missing length", hwi.ErrProtocol)
			}
			total = int(binary.BigEndian.Uint16(data))
			data = data[2:]
		}
		payload = append(payload, data...)
		seq++

		if len(payload) >= total {
			return payload[:total], nil
		}
	}
}

// tcpExchanger speaks the simulator protocol: each direction is one
// 4-byte big-endian length prefix followed by the APDU bytes. The response
// length counts the payload only; the two status bytes follow it.
type tcpExchanger struct {
	t *transport.Transport

	// leftover buffers stream bytes past the current response.
	leftover []byte
}

func (e *tcpExchanger) Exchange(ctx context.Context, capdu apdu.Capdu) (uint16, []byte, error) {
	raw, err := capdu.Bytes()
	if err != nil {
		return 0, nil, fmt.Errorf("%w: encode apdu: %v", hwi.ErrProtocol, err)
	}

	e.t.Drain()
	e.leftover = nil

	req := make([]byte, 0, len(raw)+4)
	req = binary.BigEndian.AppendUint32(req, uint32(len(raw)))
	req = append(req, raw...)
	if err := e.t.Send(ctx, req); err != nil {
		return 0, nil, err
	}

	head, err := e.readN(ctx, 4)
	if err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(head)
	if n > 1<<20 {
		return 0, nil, fmt.Errorf("%w: oversized response (%d bytes)", hwi.ErrProtocol, n)
	}
	body, err := e.readN(ctx, int(n)+2)
	if err != nil {
		return 0, nil, err
	}
	return splitStatus(body)
}

func (e *tcpExchanger) readN(ctx context.Context, n int) ([]byte, error) {
	for len(e.leftover) < n {
		chunk, err := e.t.Receive(ctx)
		if err != nil {
			return nil, err
		}
		e.leftover = append(e.leftover, chunk...)
	}
	out := e.leftover[:n]
	e.leftover = e.leftover[n:]
	return out, nil
}

func (e *hidExchanger) Close() error { return e.t.Close() }
func (e *tcpExchanger) Close() error { return e.t.Close() }

// splitStatus separates an APDU response into payload and status word.
func splitStatus(resp []byte) (uint16, []byte, error) {
	rapdu, err := apdu.ParseRapdu(resp)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: parse response apdu: %v", hwi.ErrProtocol, err)
	}
	sw := uint16(rapdu.SW1)<<8 | uint16(rapdu.SW2)
	return sw, rapdu.Data, nil
}
