package session

import (
	"github.com/voidswap/voidswap/protocols/swap"
	"github.com/voidswap/voidswap/protocols/swap/capsule"
)

func (r *Runtime) handleKeygenAnnounce(env swap.Envelope) []swap.Effect {
	var p swap.KeygenAnnouncePayload
	if err := env.DecodePayload(&p); err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	if p.MpcA == nil || p.MpcB == nil {
		return r.abort(swap.AbortProtocolError, "Incomplete keygen data")
	}

	if r.peerKeygen != nil {
		// A repeated announcement under a fresh seq is benign when it
		// matches; a mutated one is not.
		if r.peerKeygen.MpcA.Equal(*p.MpcA) && r.peerKeygen.MpcB.Equal(*p.MpcB) {
			return nil
		}
		return r.abort(swap.AbortProtocolError, "Conflicting keygen data")
	}
	if r.phase != PhaseKeygen {
		return r.abort(swap.AbortProtocolError, "Unexpected keygen_announce in phase "+r.phase.String())
	}

	// Both halves are deterministic from the sid; anything else means the
	// peers have diverged.
	if !p.MpcA.Equal(r.mpcA) || !p.MpcB.Equal(r.mpcB) {
		return r.abort(swap.AbortProtocolError, "Conflicting keygen data")
	}
	r.recordIncoming(env)
	r.peerKeygen = &p

	effects := []swap.Effect{
		r.advance(PhaseKeygenComplete),
		r.advance(PhaseCapsulesExchange),
	}
	offer := capsule.Derive(r.sid, swap.CapsuleRoleOf(r.role), r.refundRound(r.role))
	effects = append(effects, r.emit(swap.TypeCapsuleOffer, offer))
	return effects
}

// refundRound maps a peer role to the refund round protecting its funds.
func (r *Runtime) refundRound(role swap.Role) uint64 {
	if role == swap.RoleAlice {
		return r.params.RefundRoundA
	}
	return r.params.RefundRoundB
}
