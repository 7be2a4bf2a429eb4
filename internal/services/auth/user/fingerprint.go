package user

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Fingerprint maps attribute names to value hashes. Comparing two
// fingerprints names exactly the attributes that changed without storing the
// values a client last saw.
type Fingerprint map[string]string

// FingerprintOf hashes every attribute value.
func FingerprintOf(attrs map[string]string) Fingerprint {
	fp := make(Fingerprint, len(attrs))
	for name, value := range attrs {
		fp[name] = hashValue(value)
	}
	return fp
}

// Diff returns the sorted attribute names whose hashes differ.
func (f Fingerprint) Diff(other Fingerprint) []string {
	changed := []string{}
	for name, hash := range f {
		if other[name] != hash {
			changed = append(changed, name)
		}
	}
	for name := range other {
		if _, ok := f[name]; !ok {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

func hashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
