package session

import (
	"fmt"

	"github.com/voidswap/voidswap/protocols/swap"
	"github.com/voidswap/voidswap/protocols/swap/capsule"
)

func (r *Runtime) handleCapsuleOffer(env swap.Envelope) []swap.Effect {
	if r.phase != PhaseCapsulesExchange {
		return r.abort(swap.AbortProtocolError, "Unexpected capsule_offer in phase "+r.phase.String())
	}
	var p swap.CapsuleOfferPayload
	if err := env.DecodePayload(&p); err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}

	peer := r.role.Other()
	if p.Role != swap.CapsuleRoleOf(peer) {
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("Capsule role %q does not match counterparty", p.Role))
	}
	if p.RefundRound != r.refundRound(peer) {
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("Capsule refund round %d does not match params", p.RefundRound))
	}
	if p.YShare != capsule.ExpectedYShare(r.sid, p.Role, p.RefundRound) {
		return r.abort(swap.AbortProtocolError, "Capsule share commitment mismatch")
	}

	// Ciphertext and proof failures are reported back to the offerer
	// before the session terminates, so both sides log the same cause.
	if err := capsule.VerifyBinding(r.sid, p); err != nil {
		effects := []swap.Effect{r.emit(swap.TypeCapsuleAck, swap.CapsuleAckPayload{
			Role:   p.Role,
			OK:     false,
			Reason: err.Error(),
		})}
		return append(effects, r.abort(swap.AbortProtocolError, err.Error())...)
	}

	r.recordIncoming(env)
	r.peerCapsuleVerified = true
	effects := []swap.Effect{r.emit(swap.TypeCapsuleAck, swap.CapsuleAckPayload{
		Role: p.Role,
		OK:   true,
	})}
	return append(effects, r.tryCapsulesVerified()...)
}

func (r *Runtime) handleCapsuleAck(env swap.Envelope) []swap.Effect {
	if r.phase != PhaseCapsulesExchange {
		return r.abort(swap.AbortProtocolError, "Unexpected capsule_ack in phase "+r.phase.String())
	}
	var p swap.CapsuleAckPayload
	if err := env.DecodePayload(&p); err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	if p.Role != swap.CapsuleRoleOf(r.role) {
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("Capsule ack role %q does not match local capsule", p.Role))
	}
	if !p.OK {
		msg := p.Reason
		if msg == "" {
			msg = "Peer rejected capsule"
		}
		return r.abort(swap.AbortProtocolError, msg)
	}
	r.recordIncoming(env)
	r.localCapsuleAcked = true
	return r.tryCapsulesVerified()
}

func (r *Runtime) tryCapsulesVerified() []swap.Effect {
	if !r.peerCapsuleVerified || !r.localCapsuleAcked {
		return nil
	}
	return []swap.Effect{
		r.advance(PhaseCapsulesVerified),
		r.advance(PhaseFunding),
	}
}
