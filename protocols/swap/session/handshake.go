package session

import (
	"encoding/hex"
	"fmt"

	"github.com/voidswap/voidswap/pkg/canonical"
	"github.com/voidswap/voidswap/protocols/swap"
	"github.com/voidswap/voidswap/protocols/swap/mpc"
)

// paramsMismatchMessage is the wire-stable abort message for a handshake
// parameter divergence.
const paramsMismatchMessage = "Handshake params mismatch"

// Start opens the handshake by emitting this peer's hello. Once this
// side has spoken — including answering a peer that said hello first —
// Start is a no-op.
func (r *Runtime) Start() []swap.Effect {
	if r.phase == PhaseAborted || r.started || r.sentLocalAck {
		return nil
	}
	r.started = true
	return []swap.Effect{r.emit(swap.TypeHello, swap.HelloPayload{
		Handshake: r.params,
		Nonce:     r.localNonce,
	})}
}

func (r *Runtime) handleHello(env swap.Envelope) []swap.Effect {
	var p swap.HelloPayload
	if err := env.DecodePayload(&p); err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	if err := p.Handshake.Validate(); err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	if !swap.IsHex32(p.Nonce) {
		return r.abort(swap.AbortBadMessage, fmt.Sprintf("nonce %q is not a 32-byte hex value", p.Nonce))
	}
	if !p.Handshake.Equal(r.params) {
		return r.abort(swap.AbortProtocolError, paramsMismatchMessage)
	}
	if r.seenPeerHello || r.locked {
		// Hellos legitimately cross on the wire; one that restates the
		// known agreement is benign, anything else is not.
		if p.Nonce == r.peerNonce {
			return nil
		}
		return r.abort(swap.AbortProtocolError, "Conflicting hello")
	}
	r.recordIncoming(env)
	r.seenPeerHello = true
	r.peerNonce = p.Nonce

	effects := []swap.Effect{r.emitHelloAck()}
	return append(effects, r.tryLock()...)
}

func (r *Runtime) handleHelloAck(env swap.Envelope) []swap.Effect {
	var p swap.HelloAckPayload
	if err := env.DecodePayload(&p); err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	if err := p.Handshake.Validate(); err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	if !swap.IsHex32(p.Nonce) {
		return r.abort(swap.AbortBadMessage, fmt.Sprintf("nonce %q is not a 32-byte hex value", p.Nonce))
	}
	if !p.Handshake.Equal(r.params) {
		return r.abort(swap.AbortProtocolError, paramsMismatchMessage)
	}
	if r.seenPeerHello && r.peerNonce != p.Nonce {
		return r.abort(swap.AbortProtocolError, "Conflicting peer nonce")
	}
	if r.locked {
		// A re-sent ack restating the locked agreement is benign.
		return nil
	}
	r.recordIncoming(env)
	r.seenPeerAck = true

	var effects []swap.Effect
	// The ack carries the params, so a peer whose hello we missed can
	// still be locked against.
	if !r.seenPeerHello {
		r.seenPeerHello = true
		r.peerNonce = p.Nonce
		effects = append(effects, r.emitHelloAck())
	}
	return append(effects, r.tryLock()...)
}

func (r *Runtime) emitHelloAck() swap.Effect {
	hash, err := canonical.Hash(r.params)
	if err != nil {
		panic(fmt.Errorf("session: params hash: %w", err))
	}
	r.sentLocalAck = true
	return r.emit(swap.TypeHelloAck, swap.HelloAckPayload{
		Handshake:     r.params,
		Nonce:         r.localNonce,
		HandshakeHash: hex.EncodeToString(hash[:]),
	})
}

// tryLock performs the lock transition once every gate is open: peer
// params canonically equal, both nonces present, peer hello observed,
// local ack emitted, peer ack observed.
func (r *Runtime) tryLock() []swap.Effect {
	if r.locked || !r.seenPeerHello || !r.seenPeerAck || !r.sentLocalAck {
		return nil
	}
	nonceAlice, nonceBob := r.localNonce, r.peerNonce
	if r.role == swap.RoleBob {
		nonceAlice, nonceBob = r.peerNonce, r.localNonce
	}
	sid, err := swap.SessionID(r.params, nonceAlice, nonceBob)
	if err != nil {
		return r.abort(swap.AbortProtocolError, err.Error())
	}
	r.sid = sid
	r.locked = true

	effects := []swap.Effect{
		swap.Locked{SID: swap.BareHex32(sid)},
		r.advance(PhaseLocked),
	}

	// Keygen runs immediately: both halves are deterministic, so each
	// peer announces the full key material and verifies the peer's view.
	mpcA, mpcB, err := mpc.DeriveAll(sid)
	if err != nil {
		return append(effects, r.abort(swap.AbortProtocolError, err.Error())...)
	}
	r.mpcA, r.mpcB = mpcA, mpcB
	effects = append(effects, r.advance(PhaseKeygen))
	effects = append(effects, r.emit(swap.TypeKeygenAnnounce, swap.KeygenAnnouncePayload{
		MpcA: &mpcA,
		MpcB: &mpcB,
	}))
	return effects
}
