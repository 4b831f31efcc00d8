package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Fingerprint is the content identity of a node: a hash over the node's own
// generation parameters and the fingerprints of its dependencies.
//
// Fingerprints are namespaced by kind, so two nodes of different kinds can
// never share a cache entry even when their inputs coincide.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// ComputeFingerprint derives a node's fingerprint from its kind, its own
// parameters, and its dependencies' fingerprints.
//
// The result is insensitive to map iteration order and to the order in which
// dependency fingerprints are supplied.
func ComputeFingerprint(kind Kind, params map[string]string, deps []Fingerprint) Fingerprint {
	h := sha256.New()

	writeField := func(data []byte) {
		length := uint64(len(data))
		h.Write([]byte{
			byte(length >> 56),
			byte(length >> 48),
			byte(length >> 40),
			byte(length >> 32),
			byte(length >> 24),
			byte(length >> 16),
			byte(length >> 8),
			byte(length),
		})
		h.Write(data)
	}

	writeField([]byte(kind))

	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		writeField([]byte(key))
		writeField([]byte(params[key]))
	}

	sorted := make([]string, 0, len(deps))
	for _, dep := range deps {
		sorted = append(sorted, string(dep))
	}
	sort.Strings(sorted)
	for _, dep := range sorted {
		writeField([]byte(dep))
	}

	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}
