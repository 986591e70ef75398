// Package transcript maintains the ordered record of accepted protocol
// messages and computes the digests both peers compare to prove they saw
// the same history.
//
// Records are kept in two buckets. The handshake bucket is hashed in
// insertion order, since pre-lock messages interleave deterministically.
// The post-handshake bucket is sorted by (from, seq, type) before hashing,
// so network-level reordering across senders does not perturb the digest.
package transcript

import (
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/voidswap/voidswap/pkg/canonical"
)

// Record is one accepted message.
type Record struct {
	Seq     uint64          `json:"seq"`
	From    string          `json:"from"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Transcript accumulates accepted records. The zero value is usable.
type Transcript struct {
	handshake []Record
	post      []Record
}

func New() *Transcript {
	return &Transcript{}
}

// AppendHandshake records a pre-lock message.
func (t *Transcript) AppendHandshake(r Record) {
	t.handshake = append(t.handshake, r)
}

// AppendPost records a post-lock message.
func (t *Transcript) AppendPost(r Record) {
	t.post = append(t.post, r)
}

// HandshakeLen reports the number of pre-lock records.
func (t *Transcript) HandshakeLen() int { return len(t.handshake) }

// PostLen reports the number of post-lock records.
func (t *Transcript) PostLen() int { return len(t.post) }

// HandshakeDigest hashes the pre-lock bucket in insertion order.
func (t *Transcript) HandshakeDigest() ([32]byte, error) {
	return canonical.Hash(recordsForHash(t.handshake))
}

// PostDigest hashes the post-lock bucket sorted by (from, seq, type).
func (t *Transcript) PostDigest() ([32]byte, error) {
	sorted := make([]Record, len(t.post))
	copy(sorted, t.post)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.Type < b.Type
	})
	return canonical.Hash(recordsForHash(sorted))
}

// CombinedDigest binds both buckets: SHA-256(canonical({h, p})) with the
// two sub-digests rendered as lowercase hex.
func (t *Transcript) CombinedDigest() ([32]byte, error) {
	h, err := t.HandshakeDigest()
	if err != nil {
		return [32]byte{}, err
	}
	p, err := t.PostDigest()
	if err != nil {
		return [32]byte{}, err
	}
	return canonical.Hash(map[string]string{
		"h": hex.EncodeToString(h[:]),
		"p": hex.EncodeToString(p[:]),
	})
}

// CombinedHex is CombinedDigest rendered as lowercase hex.
func (t *Transcript) CombinedHex() (string, error) {
	d, err := t.CombinedDigest()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(d[:]), nil
}

// recordsForHash normalizes a nil bucket so an empty bucket hashes as the
// empty array rather than null.
func recordsForHash(rs []Record) []Record {
	if rs == nil {
		return []Record{}
	}
	return rs
}
