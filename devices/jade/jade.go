// Package jade implements the capability interface for signers speaking
// length-prefixed CBOR records over a serial stream or network socket. The
// protocol opens with an explicit version negotiation, and an unlock (PIN)
// step gates all signing operations until satisfied.
package jade

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/coldsign-io/coldsign/hwi"
	"github.com/coldsign-io/coldsign/transport"
)

// taprootSince is the first firmware release with taproot support.
var taprootSince = hwi.Version{Major: 0, Minor: 45}

// Jade drives one structured-message signer.
type Jade struct {
	conn    *conn
	log     *zap.SugaredLogger
	version hwi.Version
	flags   hwi.Flags
	locked  bool
	nextID  uint64
}

// Option tweaks adapter construction.
type Option func(*Jade)

// WithLogger attaches a logger; default is a nop logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(j *Jade) { j.log = log }
}

type versionInfo struct {
	Version string `cbor:"version"`
	Locked  bool   `cbor:"locked"`
}

// New negotiates the protocol version over t and fixes the capability
// flags. The device may still be locked afterwards; Unlock clears that.
func New(ctx context.Context, t *transport.Transport, opts ...Option) (*Jade, error) {
	j := &Jade{conn: &conn{t: t}, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(j)
	}

	var info versionInfo
	if err := j.call(ctx, "get_version_info", nil, &info); err != nil {
		return nil, err
	}
	version, err := hwi.ParseVersion(info.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: version negotiation: %v", hwi.ErrProtocol, err)
	}
	j.version = version
	j.locked = info.Locked
	j.flags = hwi.FlagMultisigRegistration | hwi.FlagDisplayAddress | hwi.FlagArbitraryPath
	if version.AtLeast(taprootSince) {
		j.flags |= hwi.FlagTaproot
	}
	j.log.Debugw("negotiated", "version", version, "locked", j.locked, "flags", j.flags)
	return j, nil
}

// call performs one RPC round trip, with a single bounded retry when the
// response record was garbled. Responses to earlier, abandoned calls are
// recognised by id and skipped.
func (j *Jade) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	j.nextID++
	id := j.nextID

	attempt := func() error {
		if err := j.conn.write(ctx, rpcRequest{ID: id, Method: method, Params: params}); err != nil {
			return err
		}
		for {
			resp, err := j.conn.read(ctx)
			if err != nil {
				return err
			}
			if resp.ID != id {
				j.log.Debugw("discarding stale response", "got", resp.ID, "want", id)
				continue
			}
			if resp.Error != nil {
				return resp.Error.taxonomy()
			}
			if result != nil {
				if err := cbor.Unmarshal(resp.Result, result); err != nil {
					return fmt.Errorf("%w: decode %s result: %v", hwi.ErrProtocol, method, err)
				}
			}
			return nil
		}
	}

	err := attempt()
	if errors.Is(err, hwi.ErrProtocol) {
		j.log.Debugw("garbled record, retrying once", "method", method, "err", err)
		j.conn.reset()
		err = attempt()
	}
	return err
}

// Unlock submits the PIN that gates signing operations.
func (j *Jade) Unlock(ctx context.Context, pin string) error {
	if !j.locked {
		return nil
	}
	if err := j.call(ctx, "auth_user", map[string]string{"pin": pin}, nil); err != nil {
		return err
	}
	j.locked = false
	return nil
}

// requireUnlocked fails signing-class calls before any wire exchange while
// the device still wants its PIN.
func (j *Jade) requireUnlocked() error {
	if j.locked {
		return fmt.Errorf("%w: device locked, unlock first", hwi.ErrPairingRequired)
	}
	return nil
}

func (j *Jade) Kind() hwi.DeviceKind { return hwi.KindJade }
func (j *Jade) Flags() hwi.Flags     { return j.flags }

func (j *Jade) Version(ctx context.Context) (hwi.Version, error) {
	return j.version, nil
}

func (j *Jade) MasterFingerprint(ctx context.Context) (hwi.Fingerprint, error) {
	var fp hwi.Fingerprint
	var raw []byte
	if err := j.call(ctx, "get_master_fingerprint", nil, &raw); err != nil {
		return fp, err
	}
	if len(raw) != len(fp) {
		return fp, fmt.Errorf("%w: fingerprint is %d bytes", hwi.ErrProtocol, len(raw))
	}
	copy(fp[:], raw)
	return fp, nil
}

func (j *Jade) ExtendedPubKey(ctx context.Context, path hwi.DerivationPath) (hwi.XPub, error) {
	var raw string
	params := map[string]interface{}{"path": []uint32(path)}
	if err := j.call(ctx, "get_xpub", params, &raw); err != nil {
		return hwi.XPub{}, err
	}
	key, err := hdkeychain.NewKeyFromString(raw)
	if err != nil {
		return hwi.XPub{}, fmt.Errorf("%w: parse xpub: %v", hwi.ErrProtocol, err)
	}
	return hwi.XPub{Path: path, Key: key}, nil
}

func (j *Jade) RegisterPolicy(ctx context.Context, policy *hwi.Policy) (hwi.Proof, error) {
	if err := j.requireUnlocked(); err != nil {
		return nil, err
	}
	var proof []byte
	params := map[string]string{"name": policy.Name, "descriptor": policy.Descriptor}
	if err := j.call(ctx, "register_descriptor", params, &proof); err != nil {
		return nil, err
	}
	return hwi.Proof(proof), nil
}

func (j *Jade) DisplayAddress(ctx context.Context, req hwi.AddressRequest) error {
	if err := j.requireUnlocked(); err != nil {
		return err
	}
	params := map[string]interface{}{}
	if req.Policy != nil {
		params["descriptor"] = req.Policy.Descriptor
		params["change"] = req.Change
		params["index"] = req.Index
	} else {
		params["path"] = []uint32(req.Path)
	}
	return j.call(ctx, "display_address", params, nil)
}

func (j *Jade) SignPSBT(ctx context.Context, packet *psbt.Packet) (*psbt.Packet, error) {
	if err := j.requireUnlocked(); err != nil {
		return nil, err
	}
	var raw bytes.Buffer
	if err := packet.Serialize(&raw); err != nil {
		return nil, fmt.Errorf("%w: serialize psbt: %v", hwi.ErrProtocol, err)
	}
	var signedRaw []byte
	params := map[string]interface{}{"psbt": raw.Bytes()}
	if err := j.call(ctx, "sign_psbt", params, &signedRaw); err != nil {
		return nil, err
	}
	signed, err := psbt.NewFromRawBytes(bytes.NewReader(signedRaw), false)
	if err != nil {
		return nil, fmt.Errorf("%w: parse signed psbt: %v", hwi.ErrProtocol, err)
	}
	return signed, nil
}

// Close releases the transport.
func (j *Jade) Close() error { return j.conn.t.Close() }
