// Package specter implements the capability interface for line-oriented
// signers: each command is one newline-terminated text line, each response
// a single line carrying a textual (hex or base64) payload. Spoken over a
// serial console or the companion-app TCP port.
package specter

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"go.uber.org/zap"

	"github.com/coldsign-io/coldsign/hwi"
	"github.com/coldsign-io/coldsign/transport"
)

// registrationSince is the first firmware release able to persist wallet
// policies.
var registrationSince = hwi.Version{Major: 1, Minor: 5}

// Specter drives one line-text signer.
type Specter struct {
	t       *transport.Transport
	log     *zap.SugaredLogger
	version hwi.Version
	flags   hwi.Flags

	// pending buffers stream bytes up to the next newline.
	pending []byte
}

// Option tweaks adapter construction.
type Option func(*Specter)

// WithLogger attaches a logger; default is a nop logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Specter) { s.log = log }
}

// New probes the device with a version command and fixes the capability
// flags.
func New(ctx context.Context, t *transport.Transport, opts ...Option) (*Specter, error) {
	s := &Specter{t: t, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(s)
	}

	line, err := s.command(ctx, "version")
	if err != nil {
		return nil, err
	}
	version, err := hwi.ParseVersion(line)
	if err != nil {
		return nil, fmt.Errorf("%w: version probe: %v", hwi.ErrProtocol, err)
	}
	s.version = version
	s.flags = hwi.FlagDisplayAddress | hwi.FlagArbitraryPath
	if version.AtLeast(registrationSince) {
		s.flags |= hwi.FlagMultisigRegistration
	}
	return s, nil
}

// command sends one line and returns the response line, retrying once when
// the response was garbled. Error lines are mapped into the taxonomy here.
func (s *Specter) command(ctx context.Context, line string) (string, error) {
	resp, err := s.attempt(ctx, line)
	if errors.Is(err, hwi.ErrProtocol) {
		s.log.Debugw("garbled line, retrying once", "err", err)
		resp, err = s.attempt(ctx, line)
	}
	return resp, err
}

func (s *Specter) attempt(ctx context.Context, line string) (string, error) {
	// Leftovers from a cancelled command must not be read as this
	// command's response.
	s.pending = nil
	s.t.Drain()

	if err := s.t.Send(ctx, []byte(line+"\n")); err != nil {
		return "", err
	}
	resp, err := s.readLine(ctx)
	if err != nil {
		return "", err
	}

	if msg, ok := strings.CutPrefix(resp, "error: "); ok {
		switch {
		case strings.HasPrefix(msg, "cancelled"):
			return "", hwi.ErrUserRejected
		case strings.HasPrefix(msg, "unsupported"):
			return "", fmt.Errorf("%w: %s", hwi.ErrUnsupported, msg)
		case strings.HasPrefix(msg, "unknown wallet"):
			return "", fmt.Errorf("%w: %s", hwi.ErrPolicyMismatch, msg)
		default:
			return "", fmt.Errorf("%w: device error: %s", hwi.ErrProtocol, msg)
		}
	}
	return resp, nil
}

func (s *Specter) readLine(ctx context.Context) (string, error) {
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := strings.TrimRight(string(s.pending[:i]), "\r")
			s.pending = s.pending[i+1:]
			return line, nil
		}
		chunk, err := s.t.Receive(ctx)
		if err != nil {
			return "", err
		}
		s.pending = append(s.pending, chunk...)
	}
}

func (s *Specter) Kind() hwi.DeviceKind { return hwi.KindSpecter }
func (s *Specter) Flags() hwi.Flags     { return s.flags }

func (s *Specter) Version(ctx context.Context) (hwi.Version, error) {
	return s.version, nil
}

func (s *Specter) MasterFingerprint(ctx context.Context) (hwi.Fingerprint, error) {
	line, err := s.command(ctx, "fingerprint")
	if err != nil {
		return hwi.Fingerprint{}, err
	}
	fp, err := hwi.ParseFingerprint(line)
	if err != nil {
		return hwi.Fingerprint{}, fmt.Errorf("%w: %v", hwi.ErrProtocol, err)
	}
	return fp, nil
}

func (s *Specter) ExtendedPubKey(ctx context.Context, path hwi.DerivationPath) (hwi.XPub, error) {
	line, err := s.command(ctx, "xpub "+path.String())
	if err != nil {
		return hwi.XPub{}, err
	}
	key, err := hdkeychain.NewKeyFromString(line)
	if err != nil {
		return hwi.XPub{}, fmt.Errorf("%w: parse xpub: %v", hwi.ErrProtocol, err)
	}
	return hwi.XPub{Path: path, Key: key}, nil
}

// RegisterPolicy persists the policy on the device. Firmware predating
// policy storage is rejected before any wire exchange; supported firmware
// acknowledges without a proof, which no operation here requires back.
func (s *Specter) RegisterPolicy(ctx context.Context, policy *hwi.Policy) (hwi.Proof, error) {
	if !s.flags.Has(hwi.FlagMultisigRegistration) {
		return nil, fmt.Errorf("%w: firmware %s has no policy storage", hwi.ErrUnsupported, s.version)
	}
	if _, err := s.command(ctx, fmt.Sprintf("addwallet %s %s", quoteName(policy.Name), policy.Descriptor)); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Specter) DisplayAddress(ctx context.Context, req hwi.AddressRequest) error {
	var line string
	if req.Policy != nil {
		chain := 0
		if req.Change {
			chain = 1
		}
		line = fmt.Sprintf("showaddr descriptor %s %d/%d", req.Policy.Descriptor, chain, req.Index)
	} else {
		line = "showaddr path " + req.Path.String()
	}
	_, err := s.command(ctx, line)
	return err
}

func (s *Specter) SignPSBT(ctx context.Context, packet *psbt.Packet) (*psbt.Packet, error) {
	var raw bytes.Buffer
	if err := packet.Serialize(&raw); err != nil {
		return nil, fmt.Errorf("%w: serialize psbt: %v", hwi.ErrProtocol, err)
	}
	line, err := s.command(ctx, "sign "+base64.StdEncoding.EncodeToString(raw.Bytes()))
	if err != nil {
		return nil, err
	}
	signed, err := psbt.NewFromRawBytes(strings.NewReader(line), true)
	if err != nil {
		return nil, fmt.Errorf("%w: parse signed psbt: %v", hwi.ErrProtocol, err)
	}
	return signed, nil
}

// Close releases the transport.
func (s *Specter) Close() error { return s.t.Close() }

func quoteName(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}
