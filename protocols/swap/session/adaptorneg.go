package session

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/voidswap/voidswap/protocols/swap"
	"github.com/voidswap/voidswap/protocols/swap/adaptor"
)

func invalidSigMessage(leg swap.Leg) string {
	return fmt.Sprintf("Invalid adaptor sig for %s", leg)
}

func (r *Runtime) handleAdaptorStart(env swap.Envelope) []swap.Effect {
	if env.From != swap.RoleAlice || r.role != swap.RoleBob {
		return r.abort(swap.AbortProtocolError, "adaptor_start not from alice")
	}
	if r.phase != PhaseAdaptorNegotiating {
		return r.abort(swap.AbortProtocolError, "Unexpected adaptor_start in phase "+r.phase.String())
	}
	var p swap.AdaptorStartPayload
	if err := env.DecodePayload(&p); err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	leg := swap.Leg(p.Which)
	if !leg.Valid() {
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("unknown adaptor leg %q", p.Which))
	}
	if p.Mode != swap.AdaptorModeMock {
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("unsupported adaptor mode %q", p.Mode))
	}
	if p.Digest != r.templateDigest(leg) {
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("Digest mismatch for leg %s", leg))
	}
	t, err := swap.ParseHex32(p.T)
	if err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}

	if existing := r.legs[leg]; existing != nil {
		if existing.t == p.T && existing.digest == p.Digest {
			return nil
		}
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("Conflicting adaptor_start for leg %s", leg))
	}
	r.recordIncoming(env)

	presig := adaptor.Respond(r.sid, r.templateDigestBytes(leg), t)
	l := &adaptorLeg{
		digest:     p.Digest,
		t:          p.T,
		adaptorSig: "0x" + hex.EncodeToString(presig.AdaptorSig[:]),
		secret:     presig.Secret,
		maskSalt:   presig.MaskSalt,
		haveSecret: true,
		started:    true,
		haveSig:    true,
	}
	r.legs[leg] = l

	return []swap.Effect{r.emit(swap.TypeAdaptorResp, swap.AdaptorRespPayload{
		Which:      string(leg),
		Digest:     p.Digest,
		T:          p.T,
		AdaptorSig: l.adaptorSig,
		Mode:       swap.AdaptorModeMock,
	})}
}

func (r *Runtime) handleAdaptorResp(env swap.Envelope) []swap.Effect {
	if env.From != swap.RoleBob || r.role != swap.RoleAlice {
		return r.abort(swap.AbortProtocolError, "adaptor_resp not from bob")
	}
	if r.phase != PhaseAdaptorNegotiating {
		return r.abort(swap.AbortProtocolError, "Unexpected adaptor_resp in phase "+r.phase.String())
	}
	var p swap.AdaptorRespPayload
	if err := env.DecodePayload(&p); err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	leg := swap.Leg(p.Which)
	if !leg.Valid() {
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("unknown adaptor leg %q", p.Which))
	}
	l := r.legs[leg]
	if l == nil || !l.started {
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("adaptor_resp for unopened leg %s", leg))
	}
	if p.Digest != l.digest || p.T != l.t {
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("Adaptor binding mismatch for leg %s", leg))
	}
	sig, err := parseAdaptorSig(p.AdaptorSig)
	if err != nil {
		return r.abort(swap.AbortProtocolError, invalidSigMessage(leg))
	}
	if err := adaptor.Finish(sig); err != nil {
		return r.abort(swap.AbortProtocolError, invalidSigMessage(leg))
	}

	if l.haveSig {
		if l.adaptorSig == p.AdaptorSig {
			return nil
		}
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("Conflicting adaptor_resp for leg %s", leg))
	}
	r.recordIncoming(env)
	l.adaptorSig = p.AdaptorSig
	l.haveSig = true

	effects := []swap.Effect{r.emit(swap.TypeAdaptorAck, swap.AdaptorAckPayload{
		Which:  string(leg),
		OK:     true,
		Digest: l.digest,
		T:      l.t,
	})}
	return append(effects, r.tryAdaptorReady()...)
}

func (r *Runtime) handleAdaptorAck(env swap.Envelope) []swap.Effect {
	if env.From != swap.RoleAlice || r.role != swap.RoleBob {
		return r.abort(swap.AbortProtocolError, "adaptor_ack not from alice")
	}
	if r.phase != PhaseAdaptorNegotiating {
		return r.abort(swap.AbortProtocolError, "Unexpected adaptor_ack in phase "+r.phase.String())
	}
	var p swap.AdaptorAckPayload
	if err := env.DecodePayload(&p); err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	leg := swap.Leg(p.Which)
	if !leg.Valid() {
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("unknown adaptor leg %q", p.Which))
	}
	l := r.legs[leg]
	if l == nil || !l.haveSig {
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("adaptor_ack for unopened leg %s", leg))
	}
	if !p.OK {
		msg := p.Reason
		if msg == "" {
			msg = invalidSigMessage(leg)
		}
		return r.abort(swap.AbortProtocolError, msg)
	}
	if p.Digest != l.digest || p.T != l.t {
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("Adaptor binding mismatch for leg %s", leg))
	}
	if l.acked {
		return nil
	}
	r.recordIncoming(env)
	l.acked = true
	return r.tryAdaptorReady()
}

// tryAdaptorReady closes the negotiation once both legs are settled for
// this role: Alice holds both adaptor signatures, Bob saw both acks. The
// role action tells the operator what to do on chain.
func (r *Runtime) tryAdaptorReady() []swap.Effect {
	legA, legB := r.legs[swap.LegA], r.legs[swap.LegB]
	if legA == nil || legB == nil || !legA.haveSig || !legB.haveSig {
		return nil
	}
	action := swap.RoleActionBroadcastTxB
	if r.role == swap.RoleBob {
		if !legA.acked || !legB.acked {
			return nil
		}
		action = swap.RoleActionWaitExtract
	}
	r.roleAction = action
	return []swap.Effect{
		r.advance(PhaseAdaptorReady),
		r.advance(PhaseExecutionPlanned),
		swap.ExecutionPlanned{RoleAction: action},
	}
}

func parseAdaptorSig(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") {
		return nil, fmt.Errorf("adaptor sig %q is not hex", s)
	}
	return hex.DecodeString(s[2:])
}
