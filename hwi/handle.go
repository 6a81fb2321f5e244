package hwi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
)

// Handle is the session a consumer holds on one connected device. It wraps
// the family adapter with the shared concurrency contract: at most one
// in-flight command per handle, per-class default timeouts, and taxonomy
// errors annotated with handle identity and operation name.
//
// Distinct handles are fully independent; a second call on the same handle
// while one is outstanding waits on the handle lock rather than interleaving
// frames on the wire.
type Handle struct {
	dev         Device
	kind        DeviceKind
	fingerprint Fingerprint
	version     Version
	opts        Options

	// mu serializes wire commands. Held across device I/O by design.
	mu sync.Mutex

	// proofMu guards the proof registry only; never held across I/O.
	proofMu sync.Mutex
	proofs  map[[32]byte]Proof

	closed bool
}

// NewHandle binds a device adapter to the identifying data collected during
// discovery.
func NewHandle(dev Device, fingerprint Fingerprint, version Version, opts Options) *Handle {
	return &Handle{
		dev:         dev,
		kind:        dev.Kind(),
		fingerprint: fingerprint,
		version:     version,
		opts:        opts.Normalize(),
		proofs:      make(map[[32]byte]Proof),
	}
}

// ID names the handle for logs and errors, e.g. "ledger/f5acc2fd".
func (h *Handle) ID() string {
	return fmt.Sprintf("%s/%s", h.kind, h.fingerprint)
}

// Kind reports the device family.
func (h *Handle) Kind() DeviceKind { return h.kind }

// Fingerprint reports the master fingerprint read at discovery time.
func (h *Handle) Fingerprint() Fingerprint { return h.fingerprint }

// Version reports the firmware version read at discovery time.
func (h *Handle) Version() Version { return h.version }

// Flags reports the device capability flags.
func (h *Handle) Flags() Flags { return h.dev.Flags() }

// withTimeout applies the class default when the caller supplied no
// deadline of their own.
func (h *Handle) withTimeout(ctx context.Context, budget time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, budget)
}

func (h *Handle) run(ctx context.Context, op string, budget time.Duration, fn func(ctx context.Context) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return NewOpError(h.ID(), op, ErrDisconnected)
	}

	ctx, cancel := h.withTimeout(ctx, budget)
	defer cancel()

	err := fn(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrTimeout
	}
	return NewOpError(h.ID(), op, err)
}

// MasterFingerprint queries the device. The result must match the value
// cached at discovery; it is re-queried rather than served from cache so the
// call doubles as a liveness check.
func (h *Handle) MasterFingerprint(ctx context.Context) (Fingerprint, error) {
	var fp Fingerprint
	err := h.run(ctx, "get_master_fingerprint", h.opts.QueryTimeout, func(ctx context.Context) error {
		var err error
		fp, err = h.dev.MasterFingerprint(ctx)
		return err
	})
	return fp, err
}

// ExtendedPubKey queries the extended public key at path.
func (h *Handle) ExtendedPubKey(ctx context.Context, path DerivationPath) (XPub, error) {
	var xpub XPub
	err := h.run(ctx, "get_extended_pubkey", h.opts.QueryTimeout, func(ctx context.Context) error {
		var err error
		xpub, err = h.dev.ExtendedPubKey(ctx, path)
		return err
	})
	return xpub, err
}

// RegisterPolicy registers the policy on the device and records the returned
// proof so later signing requests can be validated client-side.
func (h *Handle) RegisterPolicy(ctx context.Context, policy *Policy) (Proof, error) {
	id, err := policy.ID()
	if err != nil {
		return nil, NewOpError(h.ID(), "register_wallet", err)
	}

	// Idempotent: an identical policy keeps its existing proof.
	h.proofMu.Lock()
	if proof, ok := h.proofs[id]; ok {
		h.proofMu.Unlock()
		return proof, nil
	}
	h.proofMu.Unlock()

	var proof Proof
	err = h.run(ctx, "register_wallet", h.opts.ConfirmTimeout, func(ctx context.Context) error {
		var err error
		proof, err = h.dev.RegisterPolicy(ctx, policy)
		return err
	})
	if err != nil {
		return nil, err
	}

	h.proofMu.Lock()
	h.proofs[id] = proof
	h.proofMu.Unlock()
	return proof, nil
}

// ProofFor returns the registration proof recorded for policy on this
// handle, if any.
func (h *Handle) ProofFor(policy *Policy) (Proof, bool) {
	id, err := policy.ID()
	if err != nil {
		return nil, false
	}
	h.proofMu.Lock()
	defer h.proofMu.Unlock()
	proof, ok := h.proofs[id]
	return proof, ok
}

// DisplayAddress shows an address on the device and waits for confirmation.
func (h *Handle) DisplayAddress(ctx context.Context, req AddressRequest) error {
	if req.Policy != nil {
		if proof, ok := h.ProofFor(req.Policy); ok && req.Proof == nil {
			req.Proof = proof
		}
	}
	return h.run(ctx, "display_address", h.opts.ConfirmTimeout, func(ctx context.Context) error {
		return h.dev.DisplayAddress(ctx, req)
	})
}

// SignPSBT drives the device's signing exchange and returns the updated
// packet. Wallet-policy lookup and signature merging live in the signer
// package; this is the raw capability call.
func (h *Handle) SignPSBT(ctx context.Context, packet *psbt.Packet) (*psbt.Packet, error) {
	var signed *psbt.Packet
	err := h.run(ctx, "sign_psbt", h.opts.ConfirmTimeout, func(ctx context.Context) error {
		var err error
		signed, err = h.dev.SignPSBT(ctx, packet)
		return err
	})
	return signed, err
}

// Close releases the underlying transport. Safe to call twice.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.dev.Close()
}
