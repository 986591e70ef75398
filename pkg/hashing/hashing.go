// Package hashing provides the concatenating SHA-256 helpers the protocol
// formulas are written in terms of.
package hashing

import "crypto/sha256"

// Tagged computes SHA-256 over the tag bytes followed by each part in
// order. The adaptor, capsule, and mock-keygen formulas are instances of
// this; canonical-JSON hashes (sid, transcript, commitments) go through
// pkg/canonical instead.
func Tagged(tag string, parts ...[]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(tag))
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// XOR32 returns a ^ b.
func XOR32(a, b [32]byte) [32]byte {
	var out [32]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}
