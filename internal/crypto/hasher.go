package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher derives deterministic identifier hashes for store keys. The hash
// must be stable across requests so counters and block records can be looked
// up without the raw identifier; the pepper keeps hashes useless to anyone
// reading Redis or ScyllaDB without server config access.
type Hasher struct {
	pepper string
}

func NewHasher(pepper string) *Hasher {
	return &Hasher{pepper: pepper}
}

// HashIdentifier hashes an already-normalized identifier with the pepper.
func (h *Hasher) HashIdentifier(identifier string) string {
	sum := sha256.Sum256([]byte(h.pepper + ":" + identifier))
	return hex.EncodeToString(sum[:])
}
