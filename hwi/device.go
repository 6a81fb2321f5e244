// Package hwi defines the vendor-neutral contract between wallet software
// and hardware signing devices: the capability interface every protocol
// adapter satisfies, the shared error taxonomy, and the serializing handle
// that discovery hands to consumers.
package hwi

import (
	"context"

	"github.com/btcsuite/btcd/btcutil/psbt"
)

// AddressRequest selects what display_address should show: either a plain
// derivation path on a single-sig wallet, or a (change, index) position
// inside a previously registered policy.
type AddressRequest struct {
	// Path is the single-sig form. Empty when Policy is set.
	Path DerivationPath

	// Policy is the registered-policy form.
	Policy *Policy
	// Proof is the registration proof for Policy, when the device
	// requires one.
	Proof Proof
	// Change selects the internal chain of the policy.
	Change bool
	// Index is the address index within the chain.
	Index uint32
}

// Device is the capability interface. One implementation exists per device
// family; all of them translate these operations into vendor wire exchanges
// over a transport they own exclusively.
//
// Every method honours ctx for cancellation. Cancellation releases the
// host-side wait only: a device that already showed a prompt may still
// complete the operation on its own, and the adapter discards the stale
// response on next contact.
type Device interface {
	// Kind reports the device family.
	Kind() DeviceKind

	// Version reports the firmware version obtained during the
	// identification handshake.
	Version(ctx context.Context) (Version, error)

	// Flags reports the capability flags. Fixed at construction; no I/O.
	Flags() Flags

	// MasterFingerprint queries the 4-byte master key fingerprint.
	// No side effects; repeated calls return the same value.
	MasterFingerprint(ctx context.Context) (Fingerprint, error)

	// ExtendedPubKey queries the extended public key at path.
	ExtendedPubKey(ctx context.Context, path DerivationPath) (XPub, error)

	// RegisterPolicy registers a wallet policy on the device and returns
	// its registration proof. Idempotent for an identical policy. The
	// device may ask the user to confirm on screen.
	RegisterPolicy(ctx context.Context, policy *Policy) (Proof, error)

	// DisplayAddress shows an address on the device screen and waits for
	// the user to confirm it matches what the host displays.
	DisplayAddress(ctx context.Context, req AddressRequest) error

	// SignPSBT asks the device to sign the inputs it controls and returns
	// an updated packet. Entries already present are never removed or
	// altered; zero new signatures is a valid outcome.
	SignPSBT(ctx context.Context, packet *psbt.Packet) (*psbt.Packet, error)

	// Close releases the transport. The device is unusable afterwards.
	Close() error
}
