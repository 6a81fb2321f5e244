package hwi

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// Policy is a structural description of a spending condition: an output
// descriptor (possibly multisig/miniscript) plus a human-readable name some
// devices show on screen during registration.
type Policy struct {
	Name       string
	Descriptor string
}

// Proof is the registration proof a device returns from register_wallet.
// Devices that require it must see it echoed back before signing against the
// policy. A nil proof means the device does not use proofs.
type Proof []byte

// WalletKey is one key expression extracted from a descriptor: the extended
// public key plus its key origin, when present.
type WalletKey struct {
	Fingerprint Fingerprint
	Origin      DerivationPath
	XPub        *hdkeychain.ExtendedKey
}

var keyExprRe = regexp.MustCompile(`(\[.+?\])?([xyzt]pub[1-9A-HJ-NP-Za-km-z]{79,108})`)

// Template splits the descriptor into a key-less template and the ordered
// list of extracted keys. Each key expression is replaced by a placeholder
// @N referring to its position, duplicate keys collapse onto one
// placeholder. A trailing checksum is not part of the template.
func (p *Policy) Template() (string, []WalletKey, error) {
	descriptor := p.Descriptor
	if i := strings.LastIndex(descriptor, "#"); i >= 0 {
		descriptor = descriptor[:i]
	}

	template := descriptor
	var keys []WalletKey
	seen := make(map[string]int)

	for _, match := range keyExprRe.FindAllStringSubmatch(descriptor, -1) {
		full, origin, xpubStr := match[0], match[1], match[2]

		index, dup := seen[full]
		if !dup {
			key, err := parseWalletKey(origin, xpubStr)
			if err != nil {
				return "", nil, err
			}
			index = len(keys)
			seen[full] = index
			keys = append(keys, key)
		}
		template = strings.Replace(template, full, fmt.Sprintf("@%d", index), 1)
	}

	if len(keys) == 0 {
		return "", nil, fmt.Errorf("descriptor %q: %w", p.Descriptor, ErrProtocol)
	}
	return template, keys, nil
}

func parseWalletKey(origin, xpubStr string) (WalletKey, error) {
	var key WalletKey

	xpub, err := hdkeychain.NewKeyFromString(xpubStr)
	if err != nil {
		return key, fmt.Errorf("parse descriptor key: %w", err)
	}
	key.XPub = xpub

	if origin == "" {
		return key, nil
	}
	origin = strings.TrimPrefix(strings.TrimSuffix(origin, "]"), "[")
	fpStr, pathStr, _ := strings.Cut(origin, "/")
	key.Fingerprint, err = ParseFingerprint(fpStr)
	if err != nil {
		return key, fmt.Errorf("parse key origin: %w", err)
	}
	key.Origin, err = ParsePath(pathStr)
	if err != nil {
		return key, fmt.Errorf("parse key origin: %w", err)
	}
	return key, nil
}

// ID is a stable digest of the policy's structure. Registering the same
// policy twice produces the same ID, which is what makes the client-side
// proof registry idempotent.
func (p *Policy) ID() ([32]byte, error) {
	template, keys, err := p.Template()
	if err != nil {
		return [32]byte{}, err
	}
	h := sha256.New()
	h.Write([]byte(p.Name))
	h.Write([]byte{0})
	h.Write([]byte(template))
	for _, key := range keys {
		h.Write([]byte{0})
		h.Write(key.Fingerprint[:])
		h.Write([]byte(key.Origin.String()))
		h.Write([]byte(key.XPub.String()))
	}
	var id [32]byte
	h.Sum(id[:0])
	return id, nil
}

// ContainsKey reports whether the policy references a key with the given
// master fingerprint.
func (p *Policy) ContainsKey(fp Fingerprint) bool {
	_, keys, err := p.Template()
	if err != nil {
		return false
	}
	for _, key := range keys {
		if key.Fingerprint == fp {
			return true
		}
	}
	return false
}
