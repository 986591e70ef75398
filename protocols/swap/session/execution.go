package session

import (
	"fmt"

	"github.com/voidswap/voidswap/protocols/swap"
)

// AnnounceBroadcast reports this peer's own on-chain broadcast. Alice
// announces leg B, Bob announces leg A; the runtime refuses the mirrored
// call.
func (r *Runtime) AnnounceBroadcast(which swap.Leg, txHash string) []swap.Effect {
	if r.phase == PhaseAborted {
		return nil
	}
	if r.phase != PhaseExecutionPlanned {
		return r.abort(swap.AbortProtocolError, "broadcast announcement outside EXECUTION_PLANNED")
	}
	if !which.Valid() {
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("unknown broadcast leg %q", which))
	}
	if !swap.IsHex32(txHash) {
		return r.abort(swap.AbortBadMessage, fmt.Sprintf("broadcast tx hash %q is not a 32-byte hex value", txHash))
	}
	owned := swap.LegB
	typ := swap.TypeTxBBroadcast
	if r.role == swap.RoleBob {
		owned = swap.LegA
		typ = swap.TypeTxABroadcast
	}
	if which != owned {
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("role %s does not broadcast leg %s", r.role, which))
	}
	if existing, ok := r.broadcasts[which]; ok {
		if existing == txHash {
			return nil
		}
		return r.abort(swap.AbortProtocolError, "Conflicting broadcast announcement")
	}
	r.broadcasts[which] = txHash
	effects := []swap.Effect{r.emit(typ, swap.BroadcastPayload{TxHash: txHash})}
	return append(effects, r.tryComplete()...)
}

func (r *Runtime) handleTxBroadcast(env swap.Envelope, which swap.Leg) []swap.Effect {
	if r.phase != PhaseExecutionPlanned {
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("Unexpected %s in phase %s", env.Type, r.phase.String()))
	}
	// Each announcement has exactly one legitimate sender.
	if which == swap.LegB && env.From != swap.RoleAlice {
		return r.abort(swap.AbortProtocolError, "txB_broadcast not from alice")
	}
	if which == swap.LegA && env.From != swap.RoleBob {
		return r.abort(swap.AbortProtocolError, "txA_broadcast not from bob")
	}
	var p swap.BroadcastPayload
	if err := env.DecodePayload(&p); err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	if !swap.IsHex32(p.TxHash) {
		return r.abort(swap.AbortBadMessage, fmt.Sprintf("broadcast tx hash %q is not a 32-byte hex value", p.TxHash))
	}
	if existing, ok := r.broadcasts[which]; ok {
		if existing == p.TxHash {
			return nil
		}
		return r.abort(swap.AbortProtocolError, "Conflicting broadcast announcement")
	}
	r.recordIncoming(env)
	r.broadcasts[which] = p.TxHash
	effects := []swap.Effect{swap.BroadcastObserved{Which: which, TxHash: p.TxHash}}
	return append(effects, r.tryComplete()...)
}

func (r *Runtime) tryComplete() []swap.Effect {
	if _, okA := r.broadcasts[swap.LegA]; !okA {
		return nil
	}
	if _, okB := r.broadcasts[swap.LegB]; !okB {
		return nil
	}
	return []swap.Effect{swap.SwapComplete{}}
}
