package session

import (
	"encoding/hex"
	"fmt"

	"github.com/voidswap/voidswap/pkg/canonical"
	"github.com/voidswap/voidswap/protocols/swap"
	"github.com/voidswap/voidswap/protocols/swap/txtemplate"
)

// nonceMismatchMessage is the wire-stable abort message for diverging
// chain reads.
const nonceMismatchMessage = "Nonce mismatch"

// SetLocalNonceReport records the chain view this peer read independently
// and shares it with the counterparty.
func (r *Runtime) SetLocalNonceReport(rep swap.NonceReportPayload) []swap.Effect {
	if r.phase == PhaseAborted {
		return nil
	}
	if r.phase != PhaseExecPrep {
		return r.abort(swap.AbortProtocolError, "nonce report outside EXEC_PREP")
	}
	if effects, bad := r.validateNonceReport(rep); bad {
		return effects
	}
	if r.localReport != nil {
		if sameNonces(*r.localReport, rep) {
			return nil
		}
		return r.abort(swap.AbortProtocolError, "Conflicting local nonce report")
	}
	r.localReport = &rep
	effects := []swap.Effect{r.emit(swap.TypeNonceReport, rep)}
	if r.peerReport != nil && !sameNonces(*r.peerReport, rep) {
		return append(effects, r.abort(swap.AbortProtocolError, nonceMismatchMessage)...)
	}
	return append(effects, r.tryExecReady()...)
}

func (r *Runtime) handleNonceReport(env swap.Envelope) []swap.Effect {
	if r.phase != PhaseExecPrep {
		return r.abort(swap.AbortProtocolError, "Unexpected nonce_report in phase "+r.phase.String())
	}
	var p swap.NonceReportPayload
	if err := env.DecodePayload(&p); err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	if effects, bad := r.validateNonceReport(p); bad {
		return effects
	}
	if r.peerReport != nil {
		if sameNonces(*r.peerReport, p) {
			return nil
		}
		return r.abort(swap.AbortProtocolError, "Conflicting nonce report")
	}
	r.recordIncoming(env)
	r.peerReport = &p
	if r.localReport != nil && !sameNonces(*r.localReport, p) {
		return r.abort(swap.AbortProtocolError, nonceMismatchMessage)
	}
	return r.tryExecReady()
}

func (r *Runtime) validateNonceReport(p swap.NonceReportPayload) ([]swap.Effect, bool) {
	if _, err := swap.ParseWei(p.MpcAliceNonce); err != nil {
		return r.abort(swap.AbortBadMessage, fmt.Sprintf("mpcAliceNonce: %v", err)), true
	}
	if _, err := swap.ParseWei(p.MpcBobNonce); err != nil {
		return r.abort(swap.AbortBadMessage, fmt.Sprintf("mpcBobNonce: %v", err)), true
	}
	if p.BlockNumber > canonical.MaxSafeInteger {
		return r.abort(swap.AbortBadMessage, "blockNumber exceeds the safe integer range"), true
	}
	return nil, false
}

// sameNonces compares the agreement-relevant fields of two reports; block
// number and rpc tag may differ between honest peers.
func sameNonces(a, b swap.NonceReportPayload) bool {
	return a.MpcAliceNonce == b.MpcAliceNonce && a.MpcBobNonce == b.MpcBobNonce
}

// ProposeFeeParams is Alice's fixed fee proposal. The mode and proposer
// fields are pinned regardless of the caller's input.
func (r *Runtime) ProposeFeeParams(fee swap.FeeParamsPayload) []swap.Effect {
	if r.phase == PhaseAborted {
		return nil
	}
	if r.role != swap.RoleAlice {
		return r.abort(swap.AbortProtocolError, "only alice proposes fee params")
	}
	if r.phase != PhaseExecPrep {
		return r.abort(swap.AbortProtocolError, "fee proposal outside EXEC_PREP")
	}
	fee.Mode = swap.FeeModeFixed
	fee.Proposer = string(swap.RoleAlice)
	if effects, bad := r.validateFeeParams(fee); bad {
		return effects
	}
	if r.feeParams != nil {
		if *r.feeParams == fee {
			return nil
		}
		return r.abort(swap.AbortProtocolError, "Conflicting fee proposal")
	}
	r.feeParams = &fee
	r.feeProposed = true
	return []swap.Effect{r.emit(swap.TypeFeeParams, fee)}
}

func (r *Runtime) handleFeeParams(env swap.Envelope) []swap.Effect {
	if env.From != swap.RoleAlice {
		return r.abort(swap.AbortProtocolError, "fee_params not from alice")
	}
	if r.phase != PhaseExecPrep {
		return r.abort(swap.AbortProtocolError, "Unexpected fee_params in phase "+r.phase.String())
	}
	var p swap.FeeParamsPayload
	if err := env.DecodePayload(&p); err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	if p.Mode != swap.FeeModeFixed || p.Proposer != string(swap.RoleAlice) {
		reason := "fee params must be fixed-mode and proposed by alice"
		effects := []swap.Effect{r.emit(swap.TypeFeeParamsAck, swap.FeeParamsAckPayload{
			OK:     false,
			Reason: reason,
		})}
		return append(effects, r.abort(swap.AbortProtocolError, reason)...)
	}
	if effects, bad := r.validateFeeParams(p); bad {
		return effects
	}
	if r.feeParams != nil {
		if *r.feeParams == p {
			return nil
		}
		return r.abort(swap.AbortProtocolError, "Conflicting fee proposal")
	}
	r.recordIncoming(env)
	r.feeParams = &p
	hash, err := feeParamsHash(p)
	if err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	r.feeSettled = true
	effects := []swap.Effect{r.emit(swap.TypeFeeParamsAck, swap.FeeParamsAckPayload{
		OK:            true,
		FeeParamsHash: hash,
	})}
	return append(effects, r.tryExecReady()...)
}

func (r *Runtime) handleFeeParamsAck(env swap.Envelope) []swap.Effect {
	if env.From != swap.RoleBob {
		return r.abort(swap.AbortProtocolError, "fee_params_ack not from bob")
	}
	if r.phase != PhaseExecPrep {
		return r.abort(swap.AbortProtocolError, "Unexpected fee_params_ack in phase "+r.phase.String())
	}
	if !r.feeProposed || r.feeParams == nil {
		return r.abort(swap.AbortProtocolError, "fee_params_ack without proposal")
	}
	var p swap.FeeParamsAckPayload
	if err := env.DecodePayload(&p); err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	if !p.OK {
		msg := p.Reason
		if msg == "" {
			msg = "Peer rejected fee params"
		}
		return r.abort(swap.AbortProtocolError, msg)
	}
	want, err := feeParamsHash(*r.feeParams)
	if err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	if p.FeeParamsHash != want {
		return r.abort(swap.AbortProtocolError, "Fee params hash mismatch")
	}
	r.recordIncoming(env)
	r.feeSettled = true
	return r.tryExecReady()
}

func (r *Runtime) validateFeeParams(p swap.FeeParamsPayload) ([]swap.Effect, bool) {
	for field, v := range map[string]string{
		"maxFeePerGasWei":         p.MaxFeePerGasWei,
		"maxPriorityFeePerGasWei": p.MaxPriorityFeePerGasWei,
		"gasLimit":                p.GasLimit,
	} {
		if _, err := swap.ParseWei(v); err != nil {
			return r.abort(swap.AbortBadMessage, fmt.Sprintf("%s: %v", field, err)), true
		}
	}
	return nil, false
}

// feeParamsHash binds an ack to the exact proposal.
func feeParamsHash(p swap.FeeParamsPayload) (string, error) {
	h, err := canonical.Hash(p)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h[:]), nil
}

// tryExecReady advances once the chain views agree and the fee proposal
// is settled: the templates are derived, committed, and announced in one
// atomic step.
func (r *Runtime) tryExecReady() []swap.Effect {
	if r.localReport == nil || r.peerReport == nil || !r.feeSettled || r.templates != nil {
		return nil
	}
	nonceA, err := parseNonce(r.localReport.MpcAliceNonce)
	if err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	nonceB, err := parseNonce(r.localReport.MpcBobNonce)
	if err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}

	effects := []swap.Effect{r.advance(PhaseExecReady)}

	in, err := txtemplate.FromSession(r.params, r.mpcA.Address, r.mpcB.Address, nonceA, nonceB, *r.feeParams)
	if err != nil {
		return append(effects, r.abort(swap.AbortProtocolError, err.Error())...)
	}
	pair, err := txtemplate.Build(in)
	if err != nil {
		return append(effects, r.abort(swap.AbortProtocolError, err.Error())...)
	}
	r.templates = pair
	effects = append(effects, r.advance(PhaseExecTemplatesBuilt))

	commit, err := templateCommitHash(pair.DigestAHex(), pair.DigestBHex())
	if err != nil {
		return append(effects, r.abort(swap.AbortProtocolError, err.Error())...)
	}
	r.commitHash = commit
	effects = append(effects, r.emit(swap.TypeTxTemplateCommit, swap.TxTemplateCommitPayload{
		DigestA:    pair.DigestAHex(),
		DigestB:    pair.DigestBHex(),
		CommitHash: commit,
	}))
	effects = append(effects, r.advance(PhaseExecTemplatesSync))

	// A commit that raced ahead of our own chain reads is served now.
	if r.pendingCommit != nil {
		pending := *r.pendingCommit
		r.pendingCommit = nil
		effects = append(effects, r.processTemplateCommit(pending)...)
	}
	return effects
}

// templateCommitHash binds both digests into the sync commitment.
func templateCommitHash(digestA, digestB string) (string, error) {
	h, err := canonical.Hash(map[string]string{
		"digestA": digestA,
		"digestB": digestB,
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h[:]), nil
}

func parseNonce(s string) (uint64, error) {
	v, err := swap.ParseWei(s)
	if err != nil {
		return 0, fmt.Errorf("nonce %q: %w", s, err)
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("nonce %q out of range", s)
	}
	return v.Uint64(), nil
}
