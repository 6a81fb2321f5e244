package jade

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/coldsign-io/coldsign/hwi"
	"github.com/coldsign-io/coldsign/transport"
)

// Wire format: every record is a 4-byte big-endian length followed by one
// CBOR map. Requests carry {id, method, params}, responses either
// {id, result} or {id, error:{code, message}}.

type rpcRequest struct {
	ID     uint64      `cbor:"id"`
	Method string      `cbor:"method"`
	Params interface{} `cbor:"params,omitempty"`
}

type rpcResponse struct {
	ID     uint64          `cbor:"id"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
	Error  *rpcError       `cbor:"error,omitempty"`
}

type rpcError struct {
	Code    int    `cbor:"code"`
	Message string `cbor:"message"`
}

// Vendor RPC error codes.
const (
	codeDeclined    = 1
	codeUnsupported = 2
	codeLocked      = 3
	codeBadParams   = 5
)

func (e *rpcError) taxonomy() error {
	switch e.Code {
	case codeDeclined:
		return hwi.ErrUserRejected
	case codeUnsupported, codeBadParams:
		return fmt.Errorf("%w: %s", hwi.ErrUnsupported, e.Message)
	case codeLocked:
		// PIN not entered yet; the session needs auth_user first.
		return fmt.Errorf("%w: %s", hwi.ErrPairingRequired, e.Message)
	default:
		return fmt.Errorf("%w: rpc error %d: %s", hwi.ErrProtocol, e.Code, e.Message)
	}
}

const maxRecord = 1 << 20

// conn reads and writes length-prefixed CBOR records on a byte stream.
type conn struct {
	t        *transport.Transport
	leftover []byte
}

func (c *conn) write(ctx context.Context, req rpcRequest) error {
	body, err := cbor.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: encode rpc request: %v", hwi.ErrProtocol, err)
	}
	record := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(body)), uint32(len(body)))
	record = append(record, body...)
	return c.t.Send(ctx, record)
}

func (c *conn) read(ctx context.Context) (*rpcResponse, error) {
	head, err := c.readN(ctx, 4)
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(head)
	if n == 0 || n > maxRecord {
		return nil, fmt.Errorf("%w: record length %d", hwi.ErrProtocol, n)
	}
	body, err := c.readN(ctx, int(n))
	if err != nil {
		return nil, err
	}
	var resp rpcResponse
	if err := cbor.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode rpc response: %v", hwi.ErrProtocol, err)
	}
	return &resp, nil
}

func (c *conn) readN(ctx context.Context, n int) ([]byte, error) {
	for len(c.leftover) < n {
		chunk, err := c.t.Receive(ctx)
		if err != nil {
			return nil, err
		}
		c.leftover = append(c.leftover, chunk...)
	}
	out := c.leftover[:n]
	c.leftover = c.leftover[n:]
	return out, nil
}

// reset discards buffered stream state along with any stale frames, so a
// response that arrives after a cancelled call cannot shift record
// boundaries for the next one.
func (c *conn) reset() {
	c.leftover = nil
	c.t.Drain()
}
