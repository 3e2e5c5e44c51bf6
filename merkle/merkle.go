// Package merkle computes the member-set Merkle root used by Keyblock
// validation. It is a pure function of the current fingerprint set: there is
// no stateful tree to push or remove leaves from, so every block simply
// recomputes the root from scratch (see design note on "Merkle object with
// stateful push/remove").
package merkle

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
)

// Root returns the SHA-1 Merkle root of the given fingerprints. Fingerprints
// are lower-cased and sorted ascending before hashing, so the result is
// independent of caller order and of casing (invariant 1 in spec.md §3).
func Root(fingerprints []string) string {
	if len(fingerprints) == 0 {
		return hashHex([]byte{})
	}
	leaves := make([]string, len(fingerprints))
	for i, fpr := range fingerprints {
		leaves[i] = strings.ToLower(fpr)
	}
	sort.Strings(leaves)

	level := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		h := sha1.Sum([]byte(leaf))
		level[i] = h[:]
	}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				// odd node out: promote it unchanged to the next level
				next = append(next, level[i])
				continue
			}
			h := sha1.New()
			h.Write(level[i])
			h.Write(level[i+1])
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return hex.EncodeToString(level[0])
}

func hashHex(b []byte) string {
	h := sha1.Sum(b)
	return hex.EncodeToString(h[:])
}
