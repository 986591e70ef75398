package session

import (
	"github.com/voidswap/voidswap/protocols/swap"
	"github.com/voidswap/voidswap/protocols/swap/adaptor"
)

// templateMismatchMessage is the wire-stable abort message for diverging
// execution templates.
const templateMismatchMessage = "Template digest mismatch"

func (r *Runtime) handleTxTemplateCommit(env swap.Envelope) []swap.Effect {
	switch r.phase {
	case PhaseExecPrep, PhaseExecReady, PhaseExecTemplatesBuilt:
		// The peer can outrun our own chain reads; hold its commit until
		// our templates exist.
		if r.pendingCommit != nil {
			return r.abort(swap.AbortProtocolError, "Conflicting template commit")
		}
		envCopy := env
		r.pendingCommit = &envCopy
		return nil
	case PhaseExecTemplatesSync:
		return r.processTemplateCommit(env)
	default:
		return r.abort(swap.AbortProtocolError, "Unexpected tx_template_commit in phase "+r.phase.String())
	}
}

func (r *Runtime) processTemplateCommit(env swap.Envelope) []swap.Effect {
	if r.peerCommitOK {
		return r.abort(swap.AbortProtocolError, "Conflicting template commit")
	}
	var p swap.TxTemplateCommitPayload
	if err := env.DecodePayload(&p); err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	want, err := templateCommitHash(p.DigestA, p.DigestB)
	if err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	if p.CommitHash != want {
		return r.abort(swap.AbortProtocolError, templateMismatchMessage)
	}
	if p.DigestA != r.templates.DigestAHex() || p.DigestB != r.templates.DigestBHex() {
		return r.abort(swap.AbortProtocolError, templateMismatchMessage)
	}
	r.recordIncoming(env)
	r.peerCommitOK = true
	effects := []swap.Effect{r.emit(swap.TypeTxTemplateAck, swap.TxTemplateAckPayload{
		OK:         true,
		CommitHash: p.CommitHash,
	})}
	return append(effects, r.tryTemplatesReady()...)
}

func (r *Runtime) handleTxTemplateAck(env swap.Envelope) []swap.Effect {
	if r.phase != PhaseExecTemplatesSync {
		return r.abort(swap.AbortProtocolError, "Unexpected tx_template_ack in phase "+r.phase.String())
	}
	var p swap.TxTemplateAckPayload
	if err := env.DecodePayload(&p); err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	if !p.OK {
		msg := p.Reason
		if msg == "" {
			msg = templateMismatchMessage
		}
		return r.abort(swap.AbortProtocolError, msg)
	}
	if p.CommitHash != r.commitHash {
		return r.abort(swap.AbortProtocolError, "Template commit ack mismatch")
	}
	r.recordIncoming(env)
	r.localCommitOK = true
	return r.tryTemplatesReady()
}

// tryTemplatesReady advances through EXEC_TEMPLATES_READY into the
// adaptor negotiation; Alice opens both legs in deterministic order, leg
// B then leg A.
func (r *Runtime) tryTemplatesReady() []swap.Effect {
	if !r.peerCommitOK || !r.localCommitOK {
		return nil
	}
	effects := []swap.Effect{
		r.advance(PhaseExecTemplatesReady),
		r.advance(PhaseAdaptorNegotiating),
	}
	if r.role != swap.RoleAlice {
		return effects
	}
	for _, leg := range []swap.Leg{swap.LegB, swap.LegA} {
		digest := r.templateDigest(leg)
		t := adaptor.Commitment(adaptor.CommitmentLabel(leg), r.sid, r.templateDigestBytes(leg))
		l := &adaptorLeg{digest: digest, t: swap.Hex32(t), started: true}
		r.legs[leg] = l
		effects = append(effects, r.emit(swap.TypeAdaptorStart, swap.AdaptorStartPayload{
			Which:  string(leg),
			Digest: digest,
			T:      l.t,
			Mode:   swap.AdaptorModeMock,
		}))
	}
	return effects
}

func (r *Runtime) templateDigest(leg swap.Leg) string {
	if leg == swap.LegA {
		return r.templates.DigestAHex()
	}
	return r.templates.DigestBHex()
}

func (r *Runtime) templateDigestBytes(leg swap.Leg) [32]byte {
	if leg == swap.LegA {
		return r.templates.DigestA
	}
	return r.templates.DigestB
}
