// Package adaptor implements the commit-reveal adaptor signing scheme.
//
// A pre-signature commits to a secret without revealing it; publishing the
// completed signature reveals the secret to any observer, which is the
// moment of atomicity for the swap. The scheme here is the degenerate
// hash-based model: a production implementation must replace it with real
// Schnorr or ECDSA adaptor signatures under the identical interface
// contracts.
package adaptor

import (
	"bytes"
	"errors"

	"github.com/zeebo/blake3"

	"github.com/voidswap/voidswap/pkg/hashing"
	"github.com/voidswap/voidswap/protocols/swap"
)

// SigSize is the structural length of both adaptor and final signatures.
const SigSize = 64

// deriveSaltContext keys the mask-salt KDF; the salt doubles as the
// responder's fresh nonce in the secret derivation.
const deriveSaltContext = "voidswap/adaptor/mask-salt/v1"

// Typed failures, with the wire-stable messages of the verification
// contract.
var (
	ErrBadSecret          = errors.New("BAD_SECRET")
	ErrBadSignatureLength = errors.New("adaptor signature must be 64 bytes")
	ErrMaskCommitment     = errors.New("Mask commitment mismatch")
	ErrSecretMismatch     = errors.New("Proposed secret does not match final signature")
)

// Commitment computes the hash commitment T for one leg. The label is
// "TA" or "TB".
func Commitment(label string, sid, digest [32]byte) [32]byte {
	return hashing.Tagged(label, sid[:], digest[:])
}

// CommitmentLabel maps a leg to its commitment label.
func CommitmentLabel(leg swap.Leg) string {
	if leg == swap.LegA {
		return "TA"
	}
	return "TB"
}

// Presignature is the responder's output for one leg.
type Presignature struct {
	AdaptorSig [SigSize]byte
	Secret     [32]byte
	MaskSalt   [32]byte
}

// Respond runs the responder's presign for one leg: it derives the leg
// secret, masks it, and binds the mask behind a commitment. Before the
// final signature is observed, the adaptor signature reveals nothing about
// the secret beyond the hash commitment.
func Respond(sid, digest, t [32]byte) Presignature {
	var maskSalt [32]byte
	material := concat(sid[:], digest[:], t[:])
	blake3.DeriveKey(deriveSaltContext, material, maskSalt[:])

	// n1 is the commitment itself; n2 is the responder's salt.
	secret := hashing.Tagged("sec", sid[:], digest[:], t[:], t[:], maskSalt[:])
	maskCommit := hashing.Tagged("c|", maskSalt[:])
	mask := hashing.Tagged("mask", sid[:], digest[:], t[:], maskSalt[:])
	maskedSecret := hashing.XOR32(secret, mask)

	var sig [SigSize]byte
	copy(sig[:32], maskCommit[:])
	copy(sig[32:], maskedSecret[:])
	return Presignature{AdaptorSig: sig, Secret: secret, MaskSalt: maskSalt}
}

// Finish structurally validates a received adaptor signature.
func Finish(adaptorSig []byte) error {
	if len(adaptorSig) != SigSize {
		return ErrBadSignatureLength
	}
	return nil
}

// Complete produces the final signature that, once published, reveals the
// secret: sigCore ‖ maskSalt.
func Complete(sid, digest [32]byte, secret, maskSalt []byte) ([]byte, error) {
	if len(secret) != 32 {
		return nil, ErrBadSecret
	}
	if len(maskSalt) != 32 {
		return nil, ErrBadSecret
	}
	sigCore := hashing.Tagged("sig", sid[:], digest[:], secret)
	out := make([]byte, SigSize)
	copy(out[:32], sigCore[:])
	copy(out[32:], maskSalt)
	return out, nil
}

// Extract recovers the secret from a published final signature, verifying
// that the (adaptorSig, maskSalt) pair was produced under (sid, digest, T).
func Extract(sid, digest, t [32]byte, adaptorSig, finalSig []byte) ([32]byte, error) {
	var secret [32]byte
	if len(adaptorSig) != SigSize {
		return secret, ErrBadSignatureLength
	}
	if len(finalSig) != SigSize {
		return secret, ErrBadSignatureLength
	}
	maskCommit := adaptorSig[:32]
	maskedSecret := adaptorSig[32:]
	sigCore := finalSig[:32]
	maskSalt := finalSig[32:]

	wantCommit := hashing.Tagged("c|", maskSalt)
	if !bytes.Equal(maskCommit, wantCommit[:]) {
		return secret, ErrMaskCommitment
	}

	mask := hashing.Tagged("mask", sid[:], digest[:], t[:], maskSalt)
	var masked [32]byte
	copy(masked[:], maskedSecret)
	secret = hashing.XOR32(masked, mask)

	wantCore := hashing.Tagged("sig", sid[:], digest[:], secret[:])
	if !bytes.Equal(sigCore, wantCore[:]) {
		return [32]byte{}, ErrSecretMismatch
	}
	return secret, nil
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
