package hwi

import (
	"fmt"
	"strconv"
	"strings"
)

// HardenedKeyStart is the BIP32 index offset of hardened children.
const HardenedKeyStart uint32 = 0x80000000

// DerivationPath is an ordered sequence of BIP32 child indices. Hardened
// indices carry the high bit.
type DerivationPath []uint32

// ParsePath parses a textual derivation path such as "m/84'/0'/0'" or
// "84h/0h/0h/0/1". Both ' and h mark hardened indices.
func ParsePath(s string) (DerivationPath, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "m")
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return DerivationPath{}, nil
	}

	parts := strings.Split(s, "/")
	path := make(DerivationPath, 0, len(parts))
	for _, part := range parts {
		hardened := false
		if strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h") || strings.HasSuffix(part, "H") {
			hardened = true
			part = part[:len(part)-1]
		}
		idx, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse path element %q: %w", part, err)
		}
		if idx >= uint64(HardenedKeyStart) {
			return nil, fmt.Errorf("path element %q out of range", part)
		}
		child := uint32(idx)
		if hardened {
			child |= HardenedKeyStart
		}
		path = append(path, child)
	}
	return path, nil
}

// String renders the path in the conventional m/44'/0'... form.
func (p DerivationPath) String() string {
	var b strings.Builder
	b.WriteString("m")
	for _, child := range p {
		b.WriteString("/")
		if child >= HardenedKeyStart {
			b.WriteString(strconv.FormatUint(uint64(child-HardenedKeyStart), 10))
			b.WriteString("'")
		} else {
			b.WriteString(strconv.FormatUint(uint64(child), 10))
		}
	}
	return b.String()
}

// Hardened reports whether element i is a hardened index.
func (p DerivationPath) Hardened(i int) bool {
	return p[i] >= HardenedKeyStart
}

// Equal reports element-wise equality.
func (p DerivationPath) Equal(other DerivationPath) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether p starts with prefix.
func (p DerivationPath) HasPrefix(prefix DerivationPath) bool {
	if len(prefix) > len(p) {
		return false
	}
	return p[:len(prefix)].Equal(prefix)
}

// Extend returns a copy of p with extra children appended.
func (p DerivationPath) Extend(children ...uint32) DerivationPath {
	out := make(DerivationPath, 0, len(p)+len(children))
	out = append(out, p...)
	out = append(out, children...)
	return out
}
