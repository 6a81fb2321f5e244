// Package bitbox implements the capability interface for signers behind an
// encrypted USB channel. A one-time pairing (ECDH handshake confirmed on
// the device screen) establishes session keys; every subsequent exchange is
// an AEAD-sealed CBOR record. Pairing state is persisted through an
// external store keyed by device identity.
package bitbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/coldsign-io/coldsign/hwi"
	"github.com/coldsign-io/coldsign/transport"
)

// PairingStore is the external keystore collaborator that retains which
// devices this host has paired with. Get returns nil for an unknown
// identity.
type PairingStore interface {
	Get(deviceID string) ([]byte, error)
	Put(deviceID string, devicePubKey []byte) error
}

// taprootSince is the first firmware release with taproot support.
var taprootSince = hwi.Version{Major: 9, Minor: 10}

// request is the CBOR record sealed into each frame.
type request struct {
	Cmd    string   `cbor:"cmd"`
	Path   []uint32 `cbor:"path,omitempty"`
	Name   string   `cbor:"name,omitempty"`
	Tmpl   string   `cbor:"tmpl,omitempty"`
	Keys   []string `cbor:"keys,omitempty"`
	Change bool     `cbor:"change,omitempty"`
	Index  uint32   `cbor:"index,omitempty"`
	PSBT   []byte   `cbor:"psbt,omitempty"`
}

type response struct {
	Fingerprint []byte `cbor:"fingerprint,omitempty"`
	XPub        string `cbor:"xpub,omitempty"`
	Proof       []byte `cbor:"proof,omitempty"`
	PSBT        []byte `cbor:"psbt,omitempty"`
	Err         *struct {
		Code int    `cbor:"code"`
		Msg  string `cbor:"msg"`
	} `cbor:"err,omitempty"`
}

// Vendor error codes, mapped at this boundary and nowhere else.
const (
	codeUserRejected  = 100
	codeUnsupported   = 101
	codeUnknownWallet = 102
)

// BitBox drives one encrypted-channel signer.
type BitBox struct {
	ch      *channel
	store   PairingStore
	log     *zap.SugaredLogger
	version hwi.Version
	flags   hwi.Flags
	paired  bool
}

// Option tweaks adapter construction.
type Option func(*BitBox)

// WithLogger attaches a logger; default is a nop logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(b *BitBox) { b.log = log }
}

// New runs the channel handshake over t. When store already knows the
// device the session is usable immediately; otherwise every operation
// fails with ErrPairingRequired until Pair has been confirmed on the
// device screen.
func New(ctx context.Context, t *transport.Transport, store PairingStore, opts ...Option) (*BitBox, error) {
	b := &BitBox{
		ch:    &channel{t: t},
		store: store,
		log:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(b)
	}

	versionStr, confirm, err := b.ch.handshake(ctx)
	if err != nil {
		return nil, err
	}
	b.version, err = hwi.ParseVersion(versionStr)
	if err != nil {
		return nil, fmt.Errorf("%w: version handshake: %v", hwi.ErrProtocol, err)
	}
	b.flags = hwi.FlagMultisigRegistration | hwi.FlagDisplayAddress | hwi.FlagArbitraryPath
	if b.version.AtLeast(taprootSince) {
		b.flags |= hwi.FlagTaproot
	}

	if !confirm {
		// The device recognised us; check it is the device we paired.
		known, err := store.Get(b.DeviceID())
		if err != nil {
			return nil, fmt.Errorf("pairing store: %w", err)
		}
		if bytes.Equal(known, b.ch.devicePubKey.SerializeCompressed()) {
			b.paired = true
		}
	}
	b.log.Debugw("channel established", "device", b.DeviceID(), "version", b.version, "paired", b.paired)
	return b, nil
}

// DeviceID is the stable identity of the device: a digest of its static
// channel key. Used as the pairing-store key.
func (b *BitBox) DeviceID() string {
	sum := sha256.Sum256(b.ch.devicePubKey.SerializeCompressed())
	return hex.EncodeToString(sum[:8])
}

// PairingCode is the code the user compares against the device screen
// during Pair.
func (b *BitBox) PairingCode() string { return b.ch.pairingCode }

// Paired reports whether the session is usable.
func (b *BitBox) Paired() bool { return b.paired }

// Pair waits for the user to confirm the pairing code on the device, then
// persists the device identity so later sessions skip the ceremony.
func (b *BitBox) Pair(ctx context.Context) error {
	if b.paired {
		return nil
	}
	if _, err := b.roundTrip(ctx, request{Cmd: "pair"}); err != nil {
		return err
	}
	if err := b.store.Put(b.DeviceID(), b.ch.devicePubKey.SerializeCompressed()); err != nil {
		return fmt.Errorf("pairing store: %w", err)
	}
	b.paired = true
	return nil
}

// roundTrip seals one CBOR request and decodes the device's answer, mapping
// vendor error codes into the taxonomy.
func (b *BitBox) roundTrip(ctx context.Context, req request) (*response, error) {
	plain, err := cbor.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", hwi.ErrProtocol, err)
	}
	sealed, err := b.ch.roundTrip(ctx, plain)
	if err != nil {
		return nil, err
	}
	var resp response
	if err := cbor.Unmarshal(sealed, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", hwi.ErrProtocol, err)
	}
	if resp.Err != nil {
		switch resp.Err.Code {
		case codeUserRejected:
			return nil, hwi.ErrUserRejected
		case codeUnsupported:
			return nil, fmt.Errorf("%w: %s", hwi.ErrUnsupported, resp.Err.Msg)
		case codeUnknownWallet:
			return nil, fmt.Errorf("%w: %s", hwi.ErrPolicyMismatch, resp.Err.Msg)
		default:
			return nil, fmt.Errorf("%w: device error %d: %s", hwi.ErrProtocol, resp.Err.Code, resp.Err.Msg)
		}
	}
	return &resp, nil
}

// exchange is roundTrip gated on pairing.
func (b *BitBox) exchange(ctx context.Context, req request) (*response, error) {
	if !b.paired {
		return nil, hwi.ErrPairingRequired
	}
	return b.roundTrip(ctx, req)
}

func (b *BitBox) Kind() hwi.DeviceKind { return hwi.KindBitBox }
func (b *BitBox) Flags() hwi.Flags     { return b.flags }

func (b *BitBox) Version(ctx context.Context) (hwi.Version, error) {
	return b.version, nil
}

func (b *BitBox) MasterFingerprint(ctx context.Context) (hwi.Fingerprint, error) {
	var fp hwi.Fingerprint
	resp, err := b.exchange(ctx, request{Cmd: "fingerprint"})
	if err != nil {
		return fp, err
	}
	if len(resp.Fingerprint) != len(fp) {
		return fp, fmt.Errorf("%w: fingerprint is %d bytes", hwi.ErrProtocol, len(resp.Fingerprint))
	}
	copy(fp[:], resp.Fingerprint)
	return fp, nil
}

func (b *BitBox) ExtendedPubKey(ctx context.Context, path hwi.DerivationPath) (hwi.XPub, error) {
	resp, err := b.exchange(ctx, request{Cmd: "xpub", Path: path})
	if err != nil {
		return hwi.XPub{}, err
	}
	key, err := hdkeychain.NewKeyFromString(resp.XPub)
	if err != nil {
		return hwi.XPub{}, fmt.Errorf("%w: parse xpub: %v", hwi.ErrProtocol, err)
	}
	return hwi.XPub{Path: path, Key: key}, nil
}

func (b *BitBox) RegisterPolicy(ctx context.Context, policy *hwi.Policy) (hwi.Proof, error) {
	req, err := policyRequest("register", policy)
	if err != nil {
		return nil, err
	}
	resp, err := b.exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	return hwi.Proof(resp.Proof), nil
}

func (b *BitBox) DisplayAddress(ctx context.Context, req hwi.AddressRequest) error {
	var wire request
	if req.Policy != nil {
		var err error
		wire, err = policyRequest("showaddr", req.Policy)
		if err != nil {
			return err
		}
		wire.Change = req.Change
		wire.Index = req.Index
	} else {
		wire = request{Cmd: "showaddr", Path: req.Path}
	}
	_, err := b.exchange(ctx, wire)
	return err
}

func (b *BitBox) SignPSBT(ctx context.Context, packet *psbt.Packet) (*psbt.Packet, error) {
	var raw bytes.Buffer
	if err := packet.Serialize(&raw); err != nil {
		return nil, fmt.Errorf("%w: serialize psbt: %v", hwi.ErrProtocol, err)
	}
	resp, err := b.exchange(ctx, request{Cmd: "sign", PSBT: raw.Bytes()})
	if err != nil {
		return nil, err
	}
	signed, err := psbt.NewFromRawBytes(bytes.NewReader(resp.PSBT), false)
	if err != nil {
		return nil, fmt.Errorf("%w: parse signed psbt: %v", hwi.ErrProtocol, err)
	}
	return signed, nil
}

// Close releases the transport. Session keys die with the process; the
// pairing itself survives in the store.
func (b *BitBox) Close() error { return b.ch.t.Close() }

func policyRequest(cmd string, policy *hwi.Policy) (request, error) {
	template, keys, err := policy.Template()
	if err != nil {
		return request{}, err
	}
	wire := request{Cmd: cmd, Name: policy.Name, Tmpl: template}
	for _, key := range keys {
		wire.Keys = append(wire.Keys, fmt.Sprintf("[%s%s]%s",
			key.Fingerprint, trimPathPrefix(key.Origin), key.XPub))
	}
	return wire, nil
}

func trimPathPrefix(path hwi.DerivationPath) string {
	s := path.String()
	if s == "m" {
		return ""
	}
	return s[1:]
}
