// Package ledger implements the capability interface for APDU-based
// signers: commands and responses are APDU frames chunked into fixed-size
// HID reports, large payloads stream across multiple exchanges, and a
// status word terminates every exchange. A TCP variant targets the app
// simulator.
package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/skythen/apdu"
	"go.uber.org/zap"

	"github.com/coldsign-io/coldsign/hwi"
	"github.com/coldsign-io/coldsign/transport"
)

const claBitcoin byte = 0xE1

const (
	insGetXpub          byte = 0x00
	insGetVersion       byte = 0x01
	insRegisterWallet   byte = 0x02
	insGetWalletAddress byte = 0x03
	insSignPSBT         byte = 0x04
	insGetFingerprint   byte = 0x05
	insDisplayAddress   byte = 0x06
	insContinue         byte = 0x07
)

// signChunkSize bounds the PSBT slice carried by one sign exchange.
const signChunkSize = 200

// taprootSince is the first firmware release with taproot support.
var taprootSince = hwi.Version{Major: 2, Minor: 1}

// Ledger drives one APDU signer over an exclusively owned transport.
type Ledger struct {
	ex      exchanger
	kind    hwi.DeviceKind
	version hwi.Version
	flags   hwi.Flags
	log     *zap.SugaredLogger

	// DisplayXpub asks the device to also show requested xpubs on screen.
	DisplayXpub bool
}

// Option tweaks adapter construction.
type Option func(*Ledger)

// WithLogger attaches a logger; default is a nop logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(l *Ledger) { l.log = log }
}

// New connects over a HID transport, runs the version handshake and fixes
// the capability flags.
func New(ctx context.Context, t *transport.Transport, opts ...Option) (*Ledger, error) {
	return connect(ctx, &hidExchanger{t: t}, hwi.KindLedger, opts...)
}

// NewSimulator connects to the app simulator over TCP.
func NewSimulator(ctx context.Context, t *transport.Transport, opts ...Option) (*Ledger, error) {
	return connect(ctx, &tcpExchanger{t: t}, hwi.KindLedgerSimulator, opts...)
}

func connect(ctx context.Context, ex exchanger, kind hwi.DeviceKind, opts ...Option) (*Ledger, error) {
	l := &Ledger{ex: ex, kind: kind, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(l)
	}

	raw, err := l.exchange(ctx, apdu.Capdu{Cla: claBitcoin, Ins: insGetVersion})
	if err != nil {
		return nil, err
	}
	version, err := hwi.ParseVersion(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: version handshake: %v", hwi.ErrProtocol, err)
	}
	l.version = version
	l.flags = hwi.FlagMultisigRegistration | hwi.FlagDisplayAddress
	if version.AtLeast(taprootSince) {
		l.flags |= hwi.FlagTaproot
	}
	l.log.Debugw("connected", "kind", kind, "version", version, "flags", l.flags)
	return l, nil
}

// exchangeRaw performs one APDU round trip with a single bounded retry on
// a garbled frame. Status-word interpretation is left to the caller;
// retrying a human or policy decision is pointless and never happens here.
func (l *Ledger) exchangeRaw(ctx context.Context, capdu apdu.Capdu) (uint16, []byte, error) {
	sw, data, err := l.ex.Exchange(ctx, capdu)
	if errors.Is(err, hwi.ErrProtocol) {
		l.log.Debugw("garbled exchange, retrying once", "ins", capdu.Ins, "err", err)
		sw, data, err = l.ex.Exchange(ctx, capdu)
	}
	return sw, data, err
}

// exchange is exchangeRaw for commands where only swOK is acceptable.
func (l *Ledger) exchange(ctx context.Context, capdu apdu.Capdu) ([]byte, error) {
	sw, data, err := l.exchangeRaw(ctx, capdu)
	if err != nil {
		return nil, err
	}
	if sw != swOK {
		return nil, statusErr(sw)
	}
	return data, nil
}

func (l *Ledger) Kind() hwi.DeviceKind { return l.kind }
func (l *Ledger) Flags() hwi.Flags     { return l.flags }

func (l *Ledger) Version(ctx context.Context) (hwi.Version, error) {
	return l.version, nil
}

func (l *Ledger) MasterFingerprint(ctx context.Context) (hwi.Fingerprint, error) {
	var fp hwi.Fingerprint
	data, err := l.exchange(ctx, apdu.Capdu{Cla: claBitcoin, Ins: insGetFingerprint})
	if err != nil {
		return fp, err
	}
	if len(data) != len(fp) {
		return fp, fmt.Errorf("%w: fingerprint is %d bytes", hwi.ErrProtocol, len(data))
	}
	copy(fp[:], data)
	return fp, nil
}

func (l *Ledger) ExtendedPubKey(ctx context.Context, path hwi.DerivationPath) (hwi.XPub, error) {
	var p1 byte
	if l.DisplayXpub {
		p1 = 0x01
	}
	data, err := l.exchange(ctx, apdu.Capdu{
		Cla: claBitcoin, Ins: insGetXpub, P1: p1,
		Data: encodePath(path),
	})
	if err != nil {
		return hwi.XPub{}, err
	}
	key, err := hdkeychain.NewKeyFromString(string(data))
	if err != nil {
		return hwi.XPub{}, fmt.Errorf("%w: parse xpub: %v", hwi.ErrProtocol, err)
	}
	return hwi.XPub{Path: path, Key: key}, nil
}

func (l *Ledger) RegisterPolicy(ctx context.Context, policy *hwi.Policy) (hwi.Proof, error) {
	payload, err := encodePolicy(policy)
	if err != nil {
		return nil, err
	}
	data, err := l.exchange(ctx, apdu.Capdu{Cla: claBitcoin, Ins: insRegisterWallet, Data: payload})
	if err != nil {
		return nil, err
	}
	if len(data) != 32 {
		return nil, fmt.Errorf("%w: registration proof is %d bytes", hwi.ErrProtocol, len(data))
	}
	return hwi.Proof(data), nil
}

func (l *Ledger) DisplayAddress(ctx context.Context, req hwi.AddressRequest) error {
	if req.Policy == nil {
		_, err := l.exchange(ctx, apdu.Capdu{Cla: claBitcoin, Ins: insDisplayAddress, Data: encodePath(req.Path)})
		return err
	}

	policyPayload, err := encodePolicy(req.Policy)
	if err != nil {
		return err
	}
	payload := make([]byte, 0, 37+len(policyPayload))
	proof := req.Proof
	if proof == nil {
		proof = make(hwi.Proof, 32)
	}
	payload = append(payload, proof...)
	if req.Change {
		payload = append(payload, 0x01)
	} else {
		payload = append(payload, 0x00)
	}
	payload = binary.BigEndian.AppendUint32(payload, req.Index)
	payload = append(payload, policyPayload...)

	_, err = l.exchange(ctx, apdu.Capdu{Cla: claBitcoin, Ins: insGetWalletAddress, Data: payload})
	return err
}

// Close releases the transport.
func (l *Ledger) Close() error { return l.ex.Close() }

// encodePath serializes a derivation path as a count byte followed by
// big-endian child indices.
func encodePath(path hwi.DerivationPath) []byte {
	out := make([]byte, 0, 1+4*len(path))
	out = append(out, byte(len(path)))
	for _, child := range path {
		out = binary.BigEndian.AppendUint32(out, child)
	}
	return out
}

// encodePolicy serializes name, descriptor template and keys with 16-bit
// length prefixes.
func encodePolicy(policy *hwi.Policy) ([]byte, error) {
	template, keys, err := policy.Template()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	appendString := func(s string) {
		var head [2]byte
		binary.BigEndian.PutUint16(head[:], uint16(len(s)))
		buf.Write(head[:])
		buf.WriteString(s)
	}

	appendString(policy.Name)
	appendString(template)
	buf.WriteByte(byte(len(keys)))
	for _, key := range keys {
		buf.Write(key.Fingerprint[:])
		buf.Write(encodePath(key.Origin))
		appendString(key.XPub.String())
	}
	return buf.Bytes(), nil
}
