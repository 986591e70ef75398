package session_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voidswap/voidswap/protocols/swap"
	"github.com/voidswap/voidswap/protocols/swap/session"
)

func testParams() swap.HandshakeParams {
	return swap.HandshakeParams{
		Version:      swap.Version,
		ChainID:      1,
		DrandChainID: "fastnet",
		ValueA:       "1000000000000000000",
		ValueB:       "2000000000000000000",
		TargetA:      "0x1234567890123456789012345678901234567890",
		TargetB:      "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd",
		RefundRoundB: 1000,
		RefundRoundA: 2000,
	}
}

const (
	nonceAlice = "0x" + "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	nonceBob   = "0x" + "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	fundingHashA = "0x" + "1111111111111111111111111111111111111111111111111111111111111111"
	fundingHashB = "0x" + "2222222222222222222222222222222222222222222222222222222222222222"
	execHashB    = "0x" + "3333333333333333333333333333333333333333333333333333333333333333"
	execHashA    = "0x" + "4444444444444444444444444444444444444444444444444444444444444444"

	funderA = "0x00000000000000000000000000000000000000aa"
	funderB = "0x00000000000000000000000000000000000000bb"
)

func newPair(t *testing.T) (*session.Runtime, *session.Runtime) {
	t.Helper()
	alice, err := session.New(session.Config{Role: swap.RoleAlice, Params: testParams(), Nonce: nonceAlice})
	require.NoError(t, err)
	bob, err := session.New(session.Config{Role: swap.RoleBob, Params: testParams(), Nonce: nonceBob})
	require.NoError(t, err)
	return alice, bob
}

// harness shuttles Send effects between two runtimes until neither has
// outbound messages pending, collecting every event seen along the way.
type harness struct {
	t     *testing.T
	alice *session.Runtime
	bob   *session.Runtime

	aliceEvents []swap.Event
	bobEvents   []swap.Event
}

func newHarness(t *testing.T, alice, bob *session.Runtime) *harness {
	return &harness{t: t, alice: alice, bob: bob}
}

// dispatch routes one batch of effects produced by from, delivering
// messages to the counterparty and pumping until quiescent.
func (h *harness) dispatch(from swap.Role, effects []swap.Effect) {
	h.t.Helper()
	type delivery struct {
		to  swap.Role
		env swap.Envelope
	}
	queue := make([]delivery, 0)
	absorb := func(owner swap.Role, effs []swap.Effect) {
		for _, e := range effs {
			switch v := e.(type) {
			case swap.Send:
				queue = append(queue, delivery{to: owner.Other(), env: v.Msg})
			case swap.Event:
				if owner == swap.RoleAlice {
					h.aliceEvents = append(h.aliceEvents, v)
				} else {
					h.bobEvents = append(h.bobEvents, v)
				}
			}
		}
	}
	absorb(from, effects)
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		raw, err := d.env.Encode()
		require.NoError(h.t, err)
		if d.to == swap.RoleAlice {
			absorb(swap.RoleAlice, h.alice.Handle(raw))
		} else {
			absorb(swap.RoleBob, h.bob.Handle(raw))
		}
	}
}

func (h *harness) events(role swap.Role) []swap.Event {
	if role == swap.RoleAlice {
		return h.aliceEvents
	}
	return h.bobEvents
}

func (h *harness) abortedWith(role swap.Role) (swap.Aborted, bool) {
	for _, e := range h.events(role) {
		if a, ok := e.(swap.Aborted); ok {
			return a, true
		}
	}
	return swap.Aborted{}, false
}

// runToFunding drives both peers through lock, keygen, and capsules into
// FUNDING.
func runToFunding(t *testing.T, h *harness) {
	t.Helper()
	h.dispatch(swap.RoleAlice, h.alice.Start())
	h.dispatch(swap.RoleBob, h.bob.Start())
	require.Equal(t, session.PhaseFunding, h.alice.Phase())
	require.Equal(t, session.PhaseFunding, h.bob.Phase())
}

// runToExecPrep additionally completes both funding legs.
func runToExecPrep(t *testing.T, h *harness) {
	t.Helper()
	runToFunding(t, h)
	h.dispatch(swap.RoleAlice, h.alice.EmitFundingTx(fundingHashA, funderA, testParams().ValueA))
	h.dispatch(swap.RoleBob, h.bob.EmitFundingTx(fundingHashB, funderB, testParams().ValueB))
	for _, leg := range []swap.Leg{swap.LegA, swap.LegB} {
		h.dispatch(swap.RoleAlice, h.alice.NotifyFundingConfirmed(leg))
		h.dispatch(swap.RoleBob, h.bob.NotifyFundingConfirmed(leg))
	}
	require.Equal(t, session.PhaseExecPrep, h.alice.Phase())
	require.Equal(t, session.PhaseExecPrep, h.bob.Phase())
}

func testFee() swap.FeeParamsPayload {
	return swap.FeeParamsPayload{
		MaxFeePerGasWei:         "20000000000",
		MaxPriorityFeePerGasWei: "1000000000",
		GasLimit:                "21000",
	}
}

func testReport() swap.NonceReportPayload {
	return swap.NonceReportPayload{
		MpcAliceNonce: "0",
		MpcBobNonce:   "0",
		BlockNumber:   128,
		RPCTag:        "latest",
	}
}

// runToExecutionPlanned drives the full message flow through template
// sync and adaptor negotiation.
func runToExecutionPlanned(t *testing.T, h *harness) {
	t.Helper()
	runToExecPrep(t, h)
	h.dispatch(swap.RoleAlice, h.alice.SetLocalNonceReport(testReport()))
	h.dispatch(swap.RoleBob, h.bob.SetLocalNonceReport(testReport()))
	h.dispatch(swap.RoleAlice, h.alice.ProposeFeeParams(testFee()))
	require.Equal(t, session.PhaseExecutionPlanned, h.alice.Phase())
	require.Equal(t, session.PhaseExecutionPlanned, h.bob.Phase())
}

func TestHappyPath(t *testing.T) {
	alice, bob := newPair(t)
	h := newHarness(t, alice, bob)
	runToExecutionPlanned(t, h)

	aliceSID, ok := alice.SID()
	require.True(t, ok)
	bobSID, ok := bob.SID()
	require.True(t, ok)
	assert.Equal(t, aliceSID, bobSID)

	action, ok := alice.RoleAction()
	require.True(t, ok)
	assert.Equal(t, swap.RoleActionBroadcastTxB, action)
	action, ok = bob.RoleAction()
	require.True(t, ok)
	assert.Equal(t, swap.RoleActionWaitExtract, action)

	// Execution announcements complete the swap.
	h.dispatch(swap.RoleAlice, alice.AnnounceBroadcast(swap.LegB, execHashB))
	h.dispatch(swap.RoleBob, bob.AnnounceBroadcast(swap.LegA, execHashA))

	alicePost, err := alice.TranscriptPostHex()
	require.NoError(t, err)
	bobPost, err := bob.TranscriptPostHex()
	require.NoError(t, err)
	if alicePost != bobPost {
		snapA, _ := alice.Snapshot()
		snapB, _ := bob.Snapshot()
		t.Logf("diverged sessions:\n%s", spew.Sdump(snapA, snapB))
	}
	assert.Equal(t, alicePost, bobPost)

	aliceTemplates, ok := alice.Templates()
	require.True(t, ok)
	bobTemplates, ok := bob.Templates()
	require.True(t, ok)
	assert.Equal(t, aliceTemplates.DigestA, bobTemplates.DigestA)
	assert.Equal(t, aliceTemplates.DigestB, bobTemplates.DigestB)

	_, ok = h.abortedWith(swap.RoleAlice)
	assert.False(t, ok)
	_, ok = h.abortedWith(swap.RoleBob)
	assert.False(t, ok)
}

func TestParameterTamper(t *testing.T) {
	tampered := testParams()
	tampered.ValueA = "999999999999999999"
	alice, err := session.New(session.Config{Role: swap.RoleAlice, Params: testParams(), Nonce: nonceAlice})
	require.NoError(t, err)
	bob, err := session.New(session.Config{Role: swap.RoleBob, Params: tampered, Nonce: nonceBob})
	require.NoError(t, err)
	h := newHarness(t, alice, bob)

	h.dispatch(swap.RoleAlice, alice.Start())
	h.dispatch(swap.RoleBob, bob.Start())

	require.Equal(t, session.PhaseAborted, alice.Phase())
	require.Equal(t, session.PhaseAborted, bob.Phase())
	for _, role := range []swap.Role{swap.RoleAlice, swap.RoleBob} {
		aborted, ok := h.abortedWith(role)
		require.True(t, ok, "expected %s to abort", role)
		assert.Equal(t, swap.AbortProtocolError, aborted.Code)
		assert.Equal(t, "Handshake params mismatch", aborted.Message)
	}
}

func TestReplayIdempotentAndConflictAborts(t *testing.T) {
	alice, bob := newPair(t)
	h := newHarness(t, alice, bob)

	runToFunding(t, h)

	// Replay: re-deliver bob's keygen_announce verbatim by
	// reconstructing it from bob's deterministic key material. It was
	// bob's first post-lock message, so it carried seq 100.
	mpcA, mpcB, ok := bob.KeyMaterial()
	require.True(t, ok)
	sid, _ := bob.SID()
	announce := &swap.Envelope{
		Type: swap.TypeKeygenAnnounce,
		From: swap.RoleBob,
		Seq:  100,
		SID:  swap.BareHex32(sid),
		Payload: swap.MustPayload(swap.KeygenAnnouncePayload{
			MpcA: &mpcA,
			MpcB: &mpcB,
		}),
	}

	postBefore, err := alice.TranscriptPostHex()
	require.NoError(t, err)
	phaseBefore := alice.Phase()

	effects := alice.HandleEnvelope(*announce)
	assert.Empty(t, effects, "exact duplicate must produce no effects")
	postAfter, err := alice.TranscriptPostHex()
	require.NoError(t, err)
	assert.Equal(t, postBefore, postAfter)
	assert.Equal(t, phaseBefore, alice.Phase())

	// A fresh seq with mutated key material is a conflict.
	mutated := mpcA
	mutated.Address = "0x00000000000000000000000000000000000000ff"
	conflict := swap.Envelope{
		Type: swap.TypeKeygenAnnounce,
		From: swap.RoleBob,
		Seq:  bobNextSeq(t, alice),
		SID:  swap.BareHex32(sid),
		Payload: swap.MustPayload(swap.KeygenAnnouncePayload{
			MpcA: &mutated,
			MpcB: &mpcB,
		}),
	}
	effects = alice.HandleEnvelope(conflict)
	aborted := findAborted(t, effects)
	assert.Equal(t, swap.AbortProtocolError, aborted.Code)
	assert.Equal(t, "Conflicting keygen data", aborted.Message)
	assert.Equal(t, session.PhaseAborted, alice.Phase())
}

func TestSeqRegressionAborts(t *testing.T) {
	alice, bob := newPair(t)
	h := newHarness(t, alice, bob)
	runToFunding(t, h)

	sid, _ := alice.SID()
	// A non-duplicate message reusing an old seq must abort.
	env := swap.Envelope{
		Type:    swap.TypeFundingTx,
		From:    swap.RoleBob,
		Seq:     100,
		SID:     swap.BareHex32(sid),
		Payload: swap.MustPayload(swap.FundingTxPayload{Which: "B"}),
	}
	effects := alice.HandleEnvelope(env)
	aborted := findAborted(t, effects)
	assert.Equal(t, swap.AbortBadMessage, aborted.Code)
	assert.Equal(t, session.PhaseAborted, alice.Phase())
}

func TestNonceMismatch(t *testing.T) {
	alice, bob := newPair(t)
	h := newHarness(t, alice, bob)
	runToExecPrep(t, h)

	reportA := testReport()
	reportB := testReport()
	reportB.MpcBobNonce = "1"

	h.dispatch(swap.RoleAlice, alice.SetLocalNonceReport(reportA))
	h.dispatch(swap.RoleBob, bob.SetLocalNonceReport(reportB))

	require.Equal(t, session.PhaseAborted, alice.Phase())
	require.Equal(t, session.PhaseAborted, bob.Phase())
	sawMismatch := false
	for _, role := range []swap.Role{swap.RoleAlice, swap.RoleBob} {
		if aborted, ok := h.abortedWith(role); ok && aborted.Message == "Nonce mismatch" {
			sawMismatch = true
		}
	}
	assert.True(t, sawMismatch, "one peer must report the nonce mismatch")
}

func TestAdaptorTamper(t *testing.T) {
	alice, bob := newPair(t)
	h := newHarness(t, alice, bob)
	runToExecPrep(t, h)
	h.dispatch(swap.RoleAlice, alice.SetLocalNonceReport(testReport()))
	h.dispatch(swap.RoleBob, bob.SetLocalNonceReport(testReport()))

	// Intercept bob's adaptor_resp for leg B and truncate the signature.
	aliceEffects := alice.ProposeFeeParams(testFee())
	sends := collectSends(aliceEffects)
	require.NotEmpty(t, sends)

	pending := sends
	for len(pending) > 0 {
		env := pending[0]
		pending = pending[1:]
		var next []swap.Effect
		if env.From == swap.RoleAlice {
			next = bob.HandleEnvelope(env)
		} else {
			if env.Type == swap.TypeAdaptorResp {
				var p swap.AdaptorRespPayload
				require.NoError(t, json.Unmarshal(env.Payload, &p))
				if p.Which == string(swap.LegB) {
					p.AdaptorSig = p.AdaptorSig[:len(p.AdaptorSig)-2] // now 63 bytes
					env.Payload = swap.MustPayload(p)
				}
			}
			next = alice.HandleEnvelope(env)
		}
		pending = append(pending, collectSends(next)...)
		if alice.Phase() == session.PhaseAborted {
			break
		}
	}

	code, message, ok := alice.AbortReason()
	require.True(t, ok)
	assert.Equal(t, swap.AbortProtocolError, code)
	assert.Equal(t, "Invalid adaptor sig for B", message)
}

func TestInsufficientFundingAborts(t *testing.T) {
	alice, bob := newPair(t)
	h := newHarness(t, alice, bob)
	runToFunding(t, h)

	sid, _ := alice.SID()
	env := swap.Envelope{
		Type: swap.TypeFundingTx,
		From: swap.RoleBob,
		Seq:  bobNextSeq(t, alice),
		SID:  swap.BareHex32(sid),
		Payload: swap.MustPayload(swap.FundingTxPayload{
			Which:       "B",
			TxHash:      fundingHashB,
			FromAddress: funderB,
			ToAddress:   funderA,
			ValueWei:    "1999999999999999999",
		}),
	}
	effects := alice.HandleEnvelope(env)
	aborted := findAborted(t, effects)
	assert.Equal(t, swap.AbortProtocolError, aborted.Code)
	assert.Contains(t, aborted.Message, "Insufficient funding value")
}

func TestPeerAbortForcesTerminal(t *testing.T) {
	alice, bob := newPair(t)
	h := newHarness(t, alice, bob)
	runToFunding(t, h)

	env := swap.Envelope{
		Type: swap.TypeAbort,
		From: swap.RoleBob,
		Seq:  999,
		Payload: swap.MustPayload(swap.AbortPayload{
			Code:    swap.AbortProtocolError,
			Message: "operator cancelled",
		}),
	}
	effects := alice.HandleEnvelope(env)
	aborted := findAborted(t, effects)
	assert.Equal(t, "operator cancelled", aborted.Message)
	assert.Equal(t, session.PhaseAborted, alice.Phase())

	// The runtime is absorbing: further inputs are ignored.
	assert.Nil(t, alice.Start())
	assert.Nil(t, alice.NotifyFundingConfirmed(swap.LegA))
}

func TestSIDMismatchAborts(t *testing.T) {
	alice, bob := newPair(t)
	h := newHarness(t, alice, bob)
	runToFunding(t, h)

	wrong := strings.Repeat("99", 32)
	env := swap.Envelope{
		Type:    swap.TypeFundingTx,
		From:    swap.RoleBob,
		Seq:     bobNextSeq(t, alice),
		SID:     wrong,
		Payload: swap.MustPayload(swap.FundingTxPayload{Which: "B"}),
	}
	effects := alice.HandleEnvelope(env)
	aborted := findAborted(t, effects)
	assert.Equal(t, swap.AbortSIDMismatch, aborted.Code)
}

func findAborted(t *testing.T, effects []swap.Effect) swap.Aborted {
	t.Helper()
	for _, e := range effects {
		if a, ok := e.(swap.Aborted); ok {
			return a
		}
	}
	t.Fatalf("no Aborted event in %d effects", len(effects))
	return swap.Aborted{}
}

func collectSends(effects []swap.Effect) []swap.Envelope {
	var out []swap.Envelope
	for _, e := range effects {
		if s, ok := e.(swap.Send); ok {
			out = append(out, s.Msg)
		}
	}
	return out
}

// bobNextSeq picks a post-handshake seq strictly above anything alice has
// seen from bob.
func bobNextSeq(t *testing.T, alice *session.Runtime) uint64 {
	t.Helper()
	// High enough to be fresh in every scenario that uses it.
	return 500
}
