// Package session implements the voidswap session runtime: the
// deterministic, event-driven state machine both peers execute
// symmetrically.
//
// The runtime is a pure, single-threaded value. Every public operation
// consumes one input atomically and returns a finite ordered list of
// effects; all I/O is performed by surrounding collaborators. Two
// runtimes fed identical inputs reach identical internal state, or both
// abort.
package session

import (
	"encoding/hex"
	"fmt"

	"github.com/voidswap/voidswap/pkg/canonical"
	"github.com/voidswap/voidswap/pkg/transcript"
	"github.com/voidswap/voidswap/protocols/swap"
	"github.com/voidswap/voidswap/protocols/swap/txtemplate"
)

// postSeqFloor separates post-handshake sequence numbers from handshake
// ones.
const postSeqFloor = 100

// Config instantiates one session runtime.
type Config struct {
	Role   swap.Role
	Params swap.HandshakeParams
	// Nonce is this peer's fresh 32-byte session nonce, 0x-prefixed.
	Nonce string
}

type adaptorLeg struct {
	digest     string
	t          string
	adaptorSig string
	secret     [32]byte
	maskSalt   [32]byte
	haveSecret bool
	started    bool
	haveSig    bool
	acked      bool
}

// Runtime is one peer's session state machine. It is not safe for
// concurrent use; the operator serializes calls.
type Runtime struct {
	role   swap.Role
	params swap.HandshakeParams
	phase  Phase

	tr *transcript.Transcript

	nextSeq     uint64
	peerLastSeq uint64
	peerSeen    map[uint64][32]byte

	// Handshake.
	started       bool
	localNonce    string
	peerNonce     string
	seenPeerHello bool
	seenPeerAck   bool
	sentLocalAck  bool
	locked        bool
	sid           [32]byte

	// Keygen.
	mpcA, mpcB swap.MpcResult
	peerKeygen *swap.KeygenAnnouncePayload

	// Capsules.
	peerCapsuleVerified bool
	localCapsuleAcked   bool

	// Funding.
	funding   map[swap.Leg]*swap.FundingTxPayload
	confirmed map[swap.Leg]bool

	// Execution preparation.
	localReport   *swap.NonceReportPayload
	peerReport    *swap.NonceReportPayload
	feeParams     *swap.FeeParamsPayload
	feeProposed   bool
	feeSettled    bool
	templates     *txtemplate.Pair
	commitHash    string
	pendingCommit *swap.Envelope
	peerCommitOK  bool
	localCommitOK bool

	// Adaptor negotiation.
	legs       map[swap.Leg]*adaptorLeg
	roleAction string

	// Execution.
	broadcasts map[swap.Leg]string

	lastAccepted *swap.Envelope
	abortCode    swap.AbortCode
	abortMessage string
}

// New validates the configuration and returns a fresh runtime in
// HANDSHAKE.
func New(cfg Config) (*Runtime, error) {
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("session: unknown role %q", cfg.Role)
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if !swap.IsHex32(cfg.Nonce) {
		return nil, fmt.Errorf("session: nonce %q is not a 32-byte hex value", cfg.Nonce)
	}
	return &Runtime{
		role:       cfg.Role,
		params:     cfg.Params,
		phase:      PhaseHandshake,
		tr:         transcript.New(),
		nextSeq:    1,
		peerSeen:   make(map[uint64][32]byte),
		localNonce: cfg.Nonce,
		funding:    make(map[swap.Leg]*swap.FundingTxPayload),
		confirmed:  make(map[swap.Leg]bool),
		legs:       make(map[swap.Leg]*adaptorLeg),
		broadcasts: make(map[swap.Leg]string),
	}, nil
}

// Role returns this peer's role.
func (r *Runtime) Role() swap.Role { return r.role }

// Params returns the immutable handshake agreement.
func (r *Runtime) Params() swap.HandshakeParams { return r.params }

// Phase returns the current lifecycle phase.
func (r *Runtime) Phase() Phase { return r.phase }

// SID returns the session id once the handshake has locked.
func (r *Runtime) SID() ([32]byte, bool) { return r.sid, r.locked }

// KeyMaterial returns both MPC results once keygen ran.
func (r *Runtime) KeyMaterial() (mpcA, mpcB swap.MpcResult, ok bool) {
	return r.mpcA, r.mpcB, r.mpcA.Address != ""
}

// Templates returns the derived execution context once built.
func (r *Runtime) Templates() (*txtemplate.Pair, bool) {
	return r.templates, r.templates != nil
}

// FeeParams returns the agreed fee proposal once settled.
func (r *Runtime) FeeParams() (swap.FeeParamsPayload, bool) {
	if r.feeParams == nil {
		return swap.FeeParamsPayload{}, false
	}
	return *r.feeParams, true
}

// RoleAction returns the execution action announced at
// EXECUTION_PLANNED.
func (r *Runtime) RoleAction() (string, bool) {
	return r.roleAction, r.roleAction != ""
}

// AdaptorSig returns the stored adaptor signature for one leg, hex
// encoded.
func (r *Runtime) AdaptorSig(leg swap.Leg) (string, bool) {
	l := r.legs[leg]
	if l == nil || !l.haveSig {
		return "", false
	}
	return l.adaptorSig, true
}

// AdaptorCommitment returns the T commitment for one leg.
func (r *Runtime) AdaptorCommitment(leg swap.Leg) (string, bool) {
	l := r.legs[leg]
	if l == nil || l.t == "" {
		return "", false
	}
	return l.t, true
}

// SwapSecret returns Bob's leg-B presign secret with its mask salt; the
// pair completes tx_B's final signature.
func (r *Runtime) SwapSecret() (secret, maskSalt [32]byte, ok bool) {
	return r.AdaptorPresign(swap.LegB)
}

// AdaptorPresign returns the responder-side presign material for one
// leg. Only the peer that ran the presign (Bob) holds it.
func (r *Runtime) AdaptorPresign(leg swap.Leg) (secret, maskSalt [32]byte, ok bool) {
	l := r.legs[leg]
	if l == nil || !l.haveSecret {
		return [32]byte{}, [32]byte{}, false
	}
	return l.secret, l.maskSalt, true
}

// Broadcast returns the announced tx hash for one leg.
func (r *Runtime) Broadcast(leg swap.Leg) (string, bool) {
	h, ok := r.broadcasts[leg]
	return h, ok
}

// FundingLeg returns the recorded funding announcement for one leg.
func (r *Runtime) FundingLeg(leg swap.Leg) (swap.FundingTxPayload, bool) {
	f := r.funding[leg]
	if f == nil {
		return swap.FundingTxPayload{}, false
	}
	return *f, true
}

// LastAccepted returns the most recently accepted message, for abort
// reconciliation logs.
func (r *Runtime) LastAccepted() (swap.Envelope, bool) {
	if r.lastAccepted == nil {
		return swap.Envelope{}, false
	}
	return *r.lastAccepted, true
}

// TranscriptPostHex returns the post-handshake transcript digest.
func (r *Runtime) TranscriptPostHex() (string, error) {
	d, err := r.tr.PostDigest()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(d[:]), nil
}

// TranscriptCombinedHex returns the combined transcript digest.
func (r *Runtime) TranscriptCombinedHex() (string, error) {
	return r.tr.CombinedHex()
}

// AbortReason returns the terminal abort cause, if any.
func (r *Runtime) AbortReason() (swap.AbortCode, string, bool) {
	if r.phase != PhaseAborted {
		return "", "", false
	}
	return r.abortCode, r.abortMessage, true
}

// Abort is the operator-level cancellation path. It drives the runtime
// into ABORTED exactly as if an incoming abort message had arrived,
// additionally notifying the peer.
func (r *Runtime) Abort(code swap.AbortCode, message string) []swap.Effect {
	if r.phase == PhaseAborted {
		return nil
	}
	return r.abort(code, message)
}

// Handle consumes one raw wire frame.
func (r *Runtime) Handle(raw []byte) []swap.Effect {
	if r.phase == PhaseAborted {
		return nil
	}
	env, err := swap.ParseEnvelope(raw)
	if err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	return r.HandleEnvelope(env)
}

// HandleEnvelope consumes one parsed peer message and returns the ordered
// effects it produced. Exact duplicates produce no effects.
func (r *Runtime) HandleEnvelope(env swap.Envelope) []swap.Effect {
	if r.phase == PhaseAborted {
		return nil
	}
	if err := env.Validate(); err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}

	// Terminal and informational messages bypass sequencing.
	switch env.Type {
	case swap.TypeAbort:
		var p swap.AbortPayload
		if err := env.DecodePayload(&p); err != nil {
			p = swap.AbortPayload{Code: swap.AbortProtocolError, Message: "peer abort"}
		}
		return r.enterAborted(p.Code, p.Message)
	case swap.TypeError:
		// Informational; no state change.
		return nil
	}

	if env.From == r.role {
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("Message from own role %q", env.From))
	}
	if env.From != r.role.Other() {
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("Unexpected sender %q", env.From))
	}

	// Session-id discipline: handshake messages never carry a sid; all
	// later messages must carry the locked one.
	if env.Type == swap.TypeHello || env.Type == swap.TypeHelloAck {
		if env.SID != "" {
			return r.abort(swap.AbortBadMessage, "sid present on handshake message")
		}
	} else if !r.locked {
		if env.SID != "" {
			return r.abort(swap.AbortBadMessage, "sid present before lock")
		}
		return r.abort(swap.AbortProtocolError, fmt.Sprintf("%s before lock", env.Type))
	} else {
		if env.SID == "" {
			return r.abort(swap.AbortBadMessage, "missing sid after lock")
		}
		if env.SID != swap.BareHex32(r.sid) {
			return r.abort(swap.AbortSIDMismatch, "unexpected sid")
		}
		if env.Seq < postSeqFloor {
			return r.abort(swap.AbortBadMessage, fmt.Sprintf("seq %d below post-handshake floor", env.Seq))
		}
	}

	// Sequencing: strictly increasing per sender, with exact duplicates
	// accepted and ignored silently.
	digest, err := payloadDigest(env)
	if err != nil {
		return r.abort(swap.AbortBadMessage, err.Error())
	}
	if env.Seq <= r.peerLastSeq {
		if prev, ok := r.peerSeen[env.Seq]; ok && prev == digest {
			return nil
		}
		return r.abort(swap.AbortBadMessage, fmt.Sprintf("seq %d does not advance", env.Seq))
	}

	r.peerLastSeq = env.Seq
	r.peerSeen[env.Seq] = digest
	return r.dispatch(env)
}

// dispatch routes one in-sequence message to its phase handler.
func (r *Runtime) dispatch(env swap.Envelope) []swap.Effect {
	switch env.Type {
	case swap.TypeHello:
		return r.handleHello(env)
	case swap.TypeHelloAck:
		return r.handleHelloAck(env)
	case swap.TypeKeygenAnnounce:
		return r.handleKeygenAnnounce(env)
	case swap.TypeCapsuleOffer:
		return r.handleCapsuleOffer(env)
	case swap.TypeCapsuleAck:
		return r.handleCapsuleAck(env)
	case swap.TypeFundingTx:
		return r.handleFundingTx(env)
	case swap.TypeNonceReport:
		return r.handleNonceReport(env)
	case swap.TypeFeeParams:
		return r.handleFeeParams(env)
	case swap.TypeFeeParamsAck:
		return r.handleFeeParamsAck(env)
	case swap.TypeTxTemplateCommit:
		return r.handleTxTemplateCommit(env)
	case swap.TypeTxTemplateAck:
		return r.handleTxTemplateAck(env)
	case swap.TypeAdaptorStart:
		return r.handleAdaptorStart(env)
	case swap.TypeAdaptorResp:
		return r.handleAdaptorResp(env)
	case swap.TypeAdaptorAck:
		return r.handleAdaptorAck(env)
	case swap.TypeTxBBroadcast:
		return r.handleTxBroadcast(env, swap.LegB)
	case swap.TypeTxABroadcast:
		return r.handleTxBroadcast(env, swap.LegA)
	default:
		return r.abort(swap.AbortBadMessage, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

// emit constructs, records, and returns an outbound message effect.
func (r *Runtime) emit(typ string, payload any) swap.Effect {
	env := swap.Envelope{
		Type:    typ,
		From:    r.role,
		Seq:     r.allocSeq(),
		Payload: swap.MustPayload(payload),
	}
	if r.locked {
		env.SID = swap.BareHex32(r.sid)
	}
	r.record(env)
	return swap.Send{Msg: env}
}

func (r *Runtime) allocSeq() uint64 {
	if r.locked && r.nextSeq < postSeqFloor {
		r.nextSeq = postSeqFloor
	}
	seq := r.nextSeq
	r.nextSeq++
	return seq
}

// record appends an accepted message to the transcript. Terminal abort
// and informational error messages are not part of the record.
func (r *Runtime) record(env swap.Envelope) {
	if env.Type == swap.TypeAbort || env.Type == swap.TypeError {
		return
	}
	rec := transcript.Record{
		Seq:     env.Seq,
		From:    string(env.From),
		Type:    env.Type,
		Payload: env.Payload,
	}
	if r.locked {
		r.tr.AppendPost(rec)
	} else {
		r.tr.AppendHandshake(rec)
	}
}

// recordIncoming appends a validated inbound message. Recording happens
// after full semantic validation, never before, so both peers' digests
// agree even at the moment of an abort.
func (r *Runtime) recordIncoming(env swap.Envelope) {
	r.record(env)
	envCopy := env
	r.lastAccepted = &envCopy
}

// abort emits the outbound abort message and the terminal event,
// atomically, then makes the runtime ignore all further inputs.
func (r *Runtime) abort(code swap.AbortCode, message string) []swap.Effect {
	env := swap.Envelope{
		Type: swap.TypeAbort,
		From: r.role,
		Seq:  r.allocSeq(),
		Payload: swap.MustPayload(swap.AbortPayload{
			Code:    code,
			Message: message,
		}),
	}
	if r.locked {
		env.SID = swap.BareHex32(r.sid)
	}
	r.phase = PhaseAborted
	r.abortCode = code
	r.abortMessage = message
	return []swap.Effect{
		swap.Send{Msg: env},
		swap.Aborted{Code: code, Message: message},
	}
}

// enterAborted handles a peer-initiated abort: terminal event, no
// outbound reply.
func (r *Runtime) enterAborted(code swap.AbortCode, message string) []swap.Effect {
	if code != swap.AbortBadMessage && code != swap.AbortSIDMismatch && code != swap.AbortProtocolError {
		code = swap.AbortProtocolError
	}
	r.phase = PhaseAborted
	r.abortCode = code
	r.abortMessage = message
	return []swap.Effect{swap.Aborted{Code: code, Message: message}}
}

// advance moves the phase forward and reports it.
func (r *Runtime) advance(p Phase) swap.Effect {
	r.phase = p
	return swap.PhaseChanged{Phase: p.String()}
}

// payloadDigest hashes (type, payload) canonically for idempotency
// checks.
func payloadDigest(env swap.Envelope) ([32]byte, error) {
	d, err := canonical.Hash(map[string]any{
		"type":    env.Type,
		"payload": env.Payload,
	})
	if err != nil {
		return [32]byte{}, fmt.Errorf("swap: payload not canonicalizable: %w", err)
	}
	return d, nil
}
