package adapters

import (
	"crypto/sha256"
	"fmt"
)

// DeterministicUUID hashes a seed into a v4-shaped UUID. Adapters use it to
// map immutable platform handles (account ids, chat ids) to stable internal
// identifiers that survive restarts without a lookup table.
func DeterministicUUID(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	b := sum[:16]
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
