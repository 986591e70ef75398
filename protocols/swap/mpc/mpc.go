// Package mpc derives the session's joint key material.
//
// The real protocol runs a two-party DKG; here the outputs are
// deterministic commitments derived from (sid, leg) so both peers can
// independently compute and verify exact agreement. A production
// implementation swaps this for a real secp256k1 MPC keygen behind the
// same interface.
package mpc

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/voidswap/voidswap/pkg/hashing"
	"github.com/voidswap/voidswap/protocols/swap"
)

// Derive computes the public keygen result for one MPC address. Both
// peers derive identical values for the same (sid, leg).
func Derive(sid [32]byte, leg swap.Leg) (swap.MpcResult, error) {
	if !leg.Valid() {
		return swap.MpcResult{}, fmt.Errorf("mpc: unknown leg %q", leg)
	}
	seed := hashing.Tagged("voidswap/mpc/key/", sid[:], []byte(leg))
	priv := secp256k1.PrivKeyFromBytes(seed[:])
	pub := priv.PubKey().SerializeUncompressed()
	addr := ethcrypto.Keccak256(pub[1:])[12:]

	return swap.MpcResult{
		Address: fmt.Sprintf("0x%x", addr),
		Commitments: swap.MpcCommitments{
			Local: swap.Hex32(hashing.Tagged("voidswap/mpc/commit/local/", sid[:], []byte(leg))),
			Peer:  swap.Hex32(hashing.Tagged("voidswap/mpc/commit/peer/", sid[:], []byte(leg))),
		},
	}, nil
}

// DeriveAll computes both halves of the session key material.
func DeriveAll(sid [32]byte) (mpcA, mpcB swap.MpcResult, err error) {
	mpcA, err = Derive(sid, swap.LegA)
	if err != nil {
		return
	}
	mpcB, err = Derive(sid, swap.LegB)
	return
}

// SigningKey exposes the deterministic private key behind one MPC
// address. Only tests reach for this; the session runtime and the chain
// simulator never do.
func SigningKey(sid [32]byte, leg swap.Leg) *secp256k1.PrivateKey {
	seed := hashing.Tagged("voidswap/mpc/key/", sid[:], []byte(leg))
	return secp256k1.PrivKeyFromBytes(seed[:])
}
