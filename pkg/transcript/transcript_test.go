package transcript_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voidswap/voidswap/pkg/transcript"
)

func rec(from string, seq uint64, typ, payload string) transcript.Record {
	return transcript.Record{
		Seq:     seq,
		From:    from,
		Type:    typ,
		Payload: json.RawMessage(payload),
	}
}

func TestPostDigestInvariantUnderCrossSenderInterleaving(t *testing.T) {
	records := []transcript.Record{
		rec("alice", 100, "keygen_announce", `{"n":1}`),
		rec("alice", 101, "capsule_offer", `{"n":2}`),
		rec("bob", 100, "keygen_announce", `{"n":3}`),
		rec("bob", 101, "capsule_ack", `{"n":4}`),
	}

	a := transcript.New()
	for _, r := range records {
		a.AppendPost(r)
	}

	// Same records, different cross-sender interleaving; per-sender order
	// is preserved.
	b := transcript.New()
	b.AppendPost(records[2])
	b.AppendPost(records[0])
	b.AppendPost(records[3])
	b.AppendPost(records[1])

	da, err := a.PostDigest()
	require.NoError(t, err)
	db, err := b.PostDigest()
	require.NoError(t, err)
	assert.Equal(t, da, db)
}

func TestPostDigestSensitiveToContent(t *testing.T) {
	a := transcript.New()
	a.AppendPost(rec("alice", 100, "keygen_announce", `{"n":1}`))
	b := transcript.New()
	b.AppendPost(rec("alice", 100, "keygen_announce", `{"n":2}`))

	da, err := a.PostDigest()
	require.NoError(t, err)
	db, err := b.PostDigest()
	require.NoError(t, err)
	assert.NotEqual(t, da, db)
}

func TestHandshakeDigestOrderSensitive(t *testing.T) {
	a := transcript.New()
	a.AppendHandshake(rec("alice", 1, "hello", `{}`))
	a.AppendHandshake(rec("bob", 1, "hello", `{}`))

	b := transcript.New()
	b.AppendHandshake(rec("bob", 1, "hello", `{}`))
	b.AppendHandshake(rec("alice", 1, "hello", `{}`))

	da, err := a.HandshakeDigest()
	require.NoError(t, err)
	db, err := b.HandshakeDigest()
	require.NoError(t, err)
	assert.NotEqual(t, da, db)
}

func TestCombinedDigestCoversBothBuckets(t *testing.T) {
	a := transcript.New()
	a.AppendHandshake(rec("alice", 1, "hello", `{}`))
	before, err := a.CombinedDigest()
	require.NoError(t, err)

	a.AppendPost(rec("bob", 100, "keygen_announce", `{}`))
	after, err := a.CombinedDigest()
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	hexDigest, err := a.CombinedHex()
	require.NoError(t, err)
	assert.Len(t, hexDigest, 64)
}

func TestEmptyTranscriptDigests(t *testing.T) {
	a := transcript.New()
	b := transcript.New()
	da, err := a.CombinedDigest()
	require.NoError(t, err)
	db, err := b.CombinedDigest()
	require.NoError(t, err)
	assert.Equal(t, da, db)
}
