// Package capsule derives and verifies the timelocked refund capsules.
//
// A capsule binds a share of refund key material to a beacon round; the
// share is releasable once the round's randomness is published. The
// timelock encryption and zero-knowledge proof are replaced here by
// deterministic commitments derived from (sid, role, refundRound), so
// both peers can independently verify exact agreement. A production
// implementation swaps these for real primitives behind the same
// interface.
package capsule

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/voidswap/voidswap/pkg/canonical"
	"github.com/voidswap/voidswap/pkg/hashing"
	"github.com/voidswap/voidswap/protocols/swap"
)

// ctSize is the mock ciphertext length in bytes.
const ctSize = 64

// Verification failure reasons carried in capsule_ack{ok:false}.
var (
	ErrCiphertext = errors.New("Ciphertext mismatch")
	ErrProof      = errors.New("Proof verification failed")
)

// Derive computes the capsule a peer offers for the given refund role.
func Derive(sid [32]byte, role string, refundRound uint64) swap.CapsuleOfferPayload {
	y := hashing.Tagged("voidswap/capsule/y/", sid[:], []byte(role), roundBytes(refundRound))
	ct := ciphertext(sid, role, refundRound)
	return swap.CapsuleOfferPayload{
		Role:        role,
		RefundRound: refundRound,
		YShare:      swap.Hex32(y),
		CT:          "0x" + hex.EncodeToString(ct),
		Proof:       swap.Hex32(proofOver(sid, role, refundRound, swap.Hex32(y), "0x"+hex.EncodeToString(ct))),
	}
}

// VerifyBinding checks the ciphertext (iv) and proof (v) of an offered
// capsule whose role, round, and yShare were already matched. Failures
// here are reported back to the offerer before the session aborts.
func VerifyBinding(sid [32]byte, offer swap.CapsuleOfferPayload) error {
	wantCT := "0x" + hex.EncodeToString(ciphertext(sid, offer.Role, offer.RefundRound))
	if offer.CT != wantCT {
		return ErrCiphertext
	}
	want := swap.Hex32(proofOver(sid, offer.Role, offer.RefundRound, offer.YShare, offer.CT))
	if offer.Proof != want {
		return ErrProof
	}
	return nil
}

// ExpectedYShare is the deterministic share commitment for (sid, role,
// round).
func ExpectedYShare(sid [32]byte, role string, refundRound uint64) string {
	return swap.Hex32(hashing.Tagged("voidswap/capsule/y/", sid[:], []byte(role), roundBytes(refundRound)))
}

// ciphertext derives the mock timelock ciphertext as a SHAKE-256
// keystream over the capsule seed.
func ciphertext(sid [32]byte, role string, refundRound uint64) []byte {
	seed := hashing.Tagged("voidswap/capsule/ct/", sid[:], []byte(role), roundBytes(refundRound))
	out := make([]byte, ctSize)
	sha3.ShakeSum256(out, seed[:])
	return out
}

// proofOver binds the proof to every public capsule field.
func proofOver(sid [32]byte, role string, refundRound uint64, yShare, ct string) [32]byte {
	h, err := canonical.Hash(map[string]any{
		"sid":         hex.EncodeToString(sid[:]),
		"role":        role,
		"refundRound": refundRound,
		"yShare":      yShare,
		"ct":          ct,
	})
	if err != nil {
		// Only fixed-shape string/int fields reach the canonical encoder.
		panic(fmt.Errorf("capsule: proof hash: %w", err))
	}
	return h
}

func roundBytes(round uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], round)
	return b[:]
}
