package session

import (
	"fmt"

	"github.com/voidswap/voidswap/protocols/swap"
)

// EmitFundingTx announces this peer's own funding leg. The leg is derived
// from the runtime's role; callers cannot announce the counterparty's
// leg. The destination is pinned to the leg's MPC address.
func (r *Runtime) EmitFundingTx(txHash, fromAddress, valueWei string) []swap.Effect {
	if r.phase == PhaseAborted {
		return nil
	}
	if r.phase != PhaseFunding {
		return r.abort(swap.AbortProtocolError, "funding announcement outside FUNDING")
	}
	leg := swap.LegOf(r.role)
	payload := swap.FundingTxPayload{
		Which:       string(leg),
		TxHash:      txHash,
		FromAddress: fromAddress,
		ToAddress:   r.mpcAddress(leg),
		ValueWei:    valueWei,
	}
	if effects, bad := r.validateFunding(leg, payload); bad {
		return effects
	}
	if existing := r.funding[leg]; existing != nil {
		if *existing == payload {
			return nil
		}
		return r.abort(swap.AbortProtocolError, "Conflicting funding announcement")
	}
	r.funding[leg] = &payload
	effects := []swap.Effect{r.emit(swap.TypeFundingTx, payload)}
	return append(effects, r.tryFunded()...)
}

func (r *Runtime) handleFundingTx(env swap.Envelope) []swap.Effect {
	if r.phase != PhaseFunding {
		return r.abort(swap.AbortProtocolError, "Unexpected funding_tx in phase "+r.phase.String())
	}
	var p swap.FundingTxPayload
	if err := env.DecodePayload(&p); err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	leg := swap.LegOf(r.role.Other())
	if p.Which != string(leg) {
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("Funding leg %q does not match sender role", p.Which))
	}
	if effects, bad := r.validateFunding(leg, p); bad {
		return effects
	}
	if existing := r.funding[leg]; existing != nil {
		if *existing == p {
			return nil
		}
		return r.abort(swap.AbortProtocolError, "Conflicting funding announcement")
	}
	r.recordIncoming(env)
	r.funding[leg] = &p
	return r.tryFunded()
}

// validateFunding checks one funding announcement against the agreed
// parameters. It returns abort effects and true on failure.
func (r *Runtime) validateFunding(leg swap.Leg, p swap.FundingTxPayload) ([]swap.Effect, bool) {
	if !swap.IsHex32(p.TxHash) {
		return r.abort(swap.AbortBadMessage, fmt.Sprintf("funding tx hash %q is not a 32-byte hex value", p.TxHash)), true
	}
	if !swap.IsAddress(p.FromAddress) || !swap.IsAddress(p.ToAddress) {
		return r.abort(swap.AbortBadMessage, "funding addresses must be lowercase 20-byte values"), true
	}
	want := r.params.ValueA
	if leg == swap.LegB {
		want = r.params.ValueB
	}
	covers, err := swap.WeiCovers(p.ValueWei, want)
	if err != nil {
		return r.abort(swap.AbortBadMessage, err.Error()), true
	}
	if !covers {
		return r.abort(swap.AbortProtocolError,
			fmt.Sprintf("Insufficient funding value for leg %s: %s < %s", leg, p.ValueWei, want)), true
	}
	return nil, false
}

// NotifyFundingConfirmed records the chain confirmation of one leg, as
// observed by this peer's own chain client.
func (r *Runtime) NotifyFundingConfirmed(which swap.Leg) []swap.Effect {
	if r.phase == PhaseAborted {
		return nil
	}
	if r.phase != PhaseFunding {
		return r.abort(swap.AbortProtocolError, "funding confirmation outside FUNDING")
	}
	if !which.Valid() {
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("unknown funding leg %q", which))
	}
	if r.confirmed[which] {
		return nil
	}
	r.confirmed[which] = true
	return r.tryFunded()
}

func (r *Runtime) tryFunded() []swap.Effect {
	if r.funding[swap.LegA] == nil || r.funding[swap.LegB] == nil {
		return nil
	}
	if !r.confirmed[swap.LegA] || !r.confirmed[swap.LegB] {
		return nil
	}
	return []swap.Effect{
		r.advance(PhaseFunded),
		r.advance(PhaseExecPrep),
	}
}

// mpcAddress returns the joint address funding one leg.
func (r *Runtime) mpcAddress(leg swap.Leg) string {
	if leg == swap.LegA {
		return r.mpcA.Address
	}
	return r.mpcB.Address
}
