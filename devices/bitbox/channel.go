package bitbox

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/coldsign-io/coldsign/hwi"
	"github.com/coldsign-io/coldsign/transport"
)

// Logical frames are chunked into HID reports: the first report carries a
// start tag and a big-endian total length, continuations a separate tag.
const (
	frameStart byte = 0xBB
	frameCont  byte = 0xBC
)

const hkdfInfo = "bitbox-channel-v1"

// channel is the encrypted session over one transport. After the handshake
// every frame in either direction is sealed with a directional key and a
// counter nonce; losing the session state means pairing again.
type channel struct {
	t *transport.Transport

	devicePubKey *secp256k1.PublicKey
	sendKey      [32]byte
	recvKey      [32]byte
	sendCtr      uint64
	recvCtr      uint64

	pairingCode string
	handshaked  bool
}

// writeFrame chunks one logical frame into reports.
func (c *channel) writeFrame(ctx context.Context, frame []byte) error {
	size := c.t.FrameSize()
	if size == 0 {
		size = 64
	}

	head := make([]byte, 0, size)
	head = append(head, frameStart)
	head = binary.BigEndian.AppendUint16(head, uint16(len(frame)))
	n := size - len(head)
	if n > len(frame) {
		n = len(frame)
	}
	head = append(head, frame[:n]...)
	if err := c.t.Send(ctx, head); err != nil {
		return err
	}
	frame = frame[n:]

	for len(frame) > 0 {
		n = size - 1
		if n > len(frame) {
			n = len(frame)
		}
		report := append([]byte{frameCont}, frame[:n]...)
		if err := c.t.Send(ctx, report); err != nil {
			return err
		}
		frame = frame[n:]
	}
	return nil
}

// readFrame reassembles one logical frame from reports.
func (c *channel) readFrame(ctx context.Context) ([]byte, error) {
	report, err := c.t.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if len(report) < 3 || report[0] != frameStart {
		return nil, fmt.Errorf("%w: bad frame start report", hwi.ErrProtocol)
	}
	total := int(binary.BigEndian.Uint16(report[1:]))
	frame := append([]byte(nil), report[3:]...)

	for len(frame) < total {
		report, err = c.t.Receive(ctx)
		if err != nil {
			return nil, err
		}
		if len(report) < 1 || report[0] != frameCont {
			return nil, fmt.Errorf("%w: bad continuation report", hwi.ErrProtocol)
		}
		frame = append(frame, report[1:]...)
	}
	return frame[:total], nil
}

// handshake derives the session keys: ephemeral host key, ECDH against the
// device's static key, HKDF split into one key per direction. The device
// answers the host hello with its static pubkey, firmware version and
// whether it insists on an on-screen pairing confirmation.
//
// Returns the device version string and the confirm-required flag.
func (c *channel) handshake(ctx context.Context) (string, bool, error) {
	ephemeral, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return "", false, fmt.Errorf("generate ephemeral key: %w", err)
	}
	hostPub := ephemeral.PubKey().SerializeCompressed()

	c.t.Drain()
	if err := c.writeFrame(ctx, hostPub); err != nil {
		return "", false, err
	}
	resp, err := c.readFrame(ctx)
	if err != nil {
		return "", false, err
	}
	// device pubkey (33) + confirm flag (1) + version string
	if len(resp) < 34 {
		return "", false, fmt.Errorf("%w: short handshake response", hwi.ErrProtocol)
	}
	devicePub, err := secp256k1.ParsePubKey(resp[:33])
	if err != nil {
		return "", false, fmt.Errorf("%w: device pubkey: %v", hwi.ErrProtocol, err)
	}
	confirm := resp[33] != 0
	version := string(resp[34:])

	c.devicePubKey = devicePub
	shared := sharedSecret(ephemeral, devicePub)
	salt := append(append([]byte(nil), hostPub...), resp[:33]...)
	kdf := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, c.sendKey[:]); err != nil {
		return "", false, fmt.Errorf("derive session keys: %w", err)
	}
	if _, err := io.ReadFull(kdf, c.recvKey[:]); err != nil {
		return "", false, fmt.Errorf("derive session keys: %w", err)
	}
	c.sendCtr, c.recvCtr = 0, 0
	c.pairingCode = pairingCode(c.sendKey[:], c.recvKey[:])
	c.handshaked = true
	return version, confirm, nil
}

// sharedSecret is an ECDH against the device key, returning the compressed
// shared point. Hashed by HKDF before use.
func sharedSecret(priv *secp256k1.PrivateKey, pub *secp256k1.PublicKey) []byte {
	var point, result secp256k1.JacobianPoint
	pub.AsJacobian(&point)
	secp256k1.ScalarMultNonConst(&priv.Key, &point, &result)
	result.ToAffine()
	return secp256k1.NewPublicKey(&result.X, &result.Y).SerializeCompressed()
}

// pairingCode renders the session digest the way the device shows it:
// base32, 20 characters, dash-separated groups of five.
func pairingCode(sendKey, recvKey []byte) string {
	digest := sha256.Sum256(append(append([]byte(nil), sendKey...), recvKey...))
	s := base32.StdEncoding.EncodeToString(digest[:])[:20]
	var groups []string
	for i := 0; i < len(s); i += 5 {
		groups = append(groups, s[i:i+5])
	}
	return strings.Join(groups, "-")
}

func (c *channel) seal(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.sendKey[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], c.sendCtr)
	c.sendCtr++
	return aead.Seal(nil, nonce, plain, nil), nil
}

// open authenticates and decrypts one frame. A failed open is never
// retried: the counter nonces make the two ends disagree about position
// after any lost or altered frame, so the session is dead and only a new
// handshake recovers it.
func (c *channel) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.recvKey[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], c.recvCtr)
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: session expired or corrupt frame: %v", hwi.ErrPairingRequired, err)
	}
	c.recvCtr++
	return plain, nil
}

// roundTrip seals one request, sends it and opens the response.
func (c *channel) roundTrip(ctx context.Context, plain []byte) ([]byte, error) {
	if !c.handshaked {
		return nil, hwi.ErrPairingRequired
	}
	c.t.Drain()
	sealed, err := c.seal(plain)
	if err != nil {
		return nil, err
	}
	if err := c.writeFrame(ctx, sealed); err != nil {
		return nil, err
	}
	resp, err := c.readFrame(ctx)
	if err != nil {
		return nil, err
	}
	return c.open(resp)
}
