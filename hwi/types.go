package hwi

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// DeviceKind names a supported device family. The set is closed: dispatch
// over vendors is a tagged choice made at discovery time, not a plugin
// registry.
type DeviceKind string

const (
	KindLedger          DeviceKind = "ledger"
	KindLedgerSimulator DeviceKind = "ledger-simulator"
	KindBitBox          DeviceKind = "bitbox"
	KindJade            DeviceKind = "jade"
	KindSpecter         DeviceKind = "specter"
)

// Fingerprint is the 4-byte identifier of a device's master key. It is
// queried from the device, never derived locally.
type Fingerprint [4]byte

// ParseFingerprint decodes an 8-character hex fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return fp, fmt.Errorf("decode fingerprint: %w", err)
	}
	if len(b) != len(fp) {
		return fp, fmt.Errorf("fingerprint must be 4 bytes, got %d", len(b))
	}
	copy(fp[:], b)
	return fp, nil
}

func (fp Fingerprint) String() string { return hex.EncodeToString(fp[:]) }

// XPub is an extended public key together with the derivation path it was
// requested for. Immutable once returned by a device.
type XPub struct {
	Path DerivationPath
	Key  *hdkeychain.ExtendedKey
}

func (x XPub) String() string { return x.Key.String() }

// Version is a device firmware version. Feature gating decisions key off it.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses vendor version strings like "2.1.0", "v1.0.4" or
// "0.34.1-dirty". Anything after the patch number is ignored.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "v"))
	if i := strings.IndexAny(s, "-+ "); i >= 0 {
		s = s[:i]
	}
	parts := strings.SplitN(s, ".", 3)
	if len(parts) < 2 {
		return Version{}, fmt.Errorf("unparsable version %q", s)
	}
	var out [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return Version{}, fmt.Errorf("unparsable version %q: %w", s, err)
		}
		out[i] = n
	}
	return Version{Major: out[0], Minor: out[1], Patch: out[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// AtLeast reports whether v is the same or a later release than other.
func (v Version) AtLeast(other Version) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor > other.Minor
	}
	return v.Patch >= other.Patch
}

// Flags is the capability-flag set of a device, fixed when the adapter is
// constructed from the version handshake.
type Flags uint32

const (
	// FlagMultisigRegistration: the device can persist a wallet policy and
	// return a registration proof.
	FlagMultisigRegistration Flags = 1 << iota
	// FlagTaproot: the device signs taproot inputs.
	FlagTaproot
	// FlagArbitraryPath: the device derives keys outside the standard
	// purpose paths.
	FlagArbitraryPath
	// FlagDisplayAddress: the device can show an address for confirmation.
	FlagDisplayAddress
)

// Has reports whether all bits in f are set.
func (fl Flags) Has(f Flags) bool { return fl&f == f }

func (fl Flags) String() string {
	names := []struct {
		f    Flags
		name string
	}{
		{FlagMultisigRegistration, "multisig-registration"},
		{FlagTaproot, "taproot"},
		{FlagArbitraryPath, "arbitrary-path"},
		{FlagDisplayAddress, "display-address"},
	}
	var out []string
	for _, n := range names {
		if fl.Has(n.f) {
			out = append(out, n.name)
		}
	}
	if len(out) == 0 {
		return "none"
	}
	return strings.Join(out, ",")
}
