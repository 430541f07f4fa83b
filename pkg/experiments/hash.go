package experiments

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// BucketHash maps an arbitrary string to a reproducible unsigned 32-bit
// integer: the first 8 hex characters of the sha256 hex digest parsed as
// base 16. The digest and truncation are frozen; any change silently
// re-buckets every existing subject.
func BucketHash(s string) uint32 {
	sum := sha256.Sum256([]byte(s))
	digest := hex.EncodeToString(sum[:])
	v, err := strconv.ParseUint(digest[:8], 16, 32)
	if err != nil {
		// Unreachable: 8 hex characters always parse as a 32-bit value.
		panic("experiments: bucket hash truncation failed: " + err.Error())
	}
	return uint32(v)
}
