package session_test

import (
	"context"
	"encoding/hex"
	"math/big"
	"strconv"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/voidswap/voidswap/chain"
	"github.com/voidswap/voidswap/protocols/swap"
	"github.com/voidswap/voidswap/protocols/swap/adaptor"
	"github.com/voidswap/voidswap/protocols/swap/session"
)

// e2ePump shuttles messages between two runtimes until quiescent.
func e2ePump(alice, bob *session.Runtime, from swap.Role, effects []swap.Effect) {
	type delivery struct {
		to  swap.Role
		env swap.Envelope
	}
	var queue []delivery
	absorb := func(owner swap.Role, effs []swap.Effect) {
		for _, e := range effs {
			if s, ok := e.(swap.Send); ok {
				queue = append(queue, delivery{to: owner.Other(), env: s.Msg})
			}
		}
	}
	absorb(from, effects)
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		raw, err := d.env.Encode()
		Expect(err).NotTo(HaveOccurred())
		if d.to == swap.RoleAlice {
			absorb(swap.RoleAlice, alice.Handle(raw))
		} else {
			absorb(swap.RoleBob, bob.Handle(raw))
		}
	}
}

var _ = Describe("Voidswap end to end", func() {
	var (
		alice *session.Runtime
		bob   *session.Runtime
		sim   *chain.Sim
		ctx   context.Context
	)

	params := swap.HandshakeParams{
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
	nonceA := "0x" + "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	nonceB := "0x" + "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	BeforeEach(func() {
		var err error
		alice, err = session.New(session.Config{Role: swap.RoleAlice, Params: params, Nonce: nonceA})
		Expect(err).NotTo(HaveOccurred())
		bob, err = session.New(session.Config{Role: swap.RoleBob, Params: params, Nonce: nonceB})
		Expect(err).NotTo(HaveOccurred())
		sim = chain.NewSim()
		ctx = context.Background()
	})

	It("completes the swap with secret extraction on both legs", func() {
		e2ePump(alice, bob, swap.RoleAlice, alice.Start())
		e2ePump(alice, bob, swap.RoleBob, bob.Start())
		Expect(alice.Phase()).To(Equal(session.PhaseFunding))
		Expect(bob.Phase()).To(Equal(session.PhaseFunding))

		aliceSID, locked := alice.SID()
		Expect(locked).To(BeTrue())
		bobSID, _ := bob.SID()
		Expect(bobSID).To(Equal(aliceSID))

		// Fund both legs into the joint addresses.
		mpcA, mpcB, ok := alice.KeyMaterial()
		Expect(ok).To(BeTrue())
		funderA := "0x00000000000000000000000000000000000000aa"
		funderB := "0x00000000000000000000000000000000000000bb"
		recA := sim.SubmitTransfer(funderA, mpcA.Address, mustParseWei(params.ValueA))
		recB := sim.SubmitTransfer(funderB, mpcB.Address, mustParseWei(params.ValueB))
		e2ePump(alice, bob, swap.RoleAlice, alice.EmitFundingTx(recA.Hash, funderA, params.ValueA))
		e2ePump(alice, bob, swap.RoleBob, bob.EmitFundingTx(recB.Hash, funderB, params.ValueB))
		sim.MineBlock()
		sim.MineBlock()
		for _, leg := range []swap.Leg{swap.LegA, swap.LegB} {
			confs, err := sim.Confirmations(ctx, pickHash(leg, recA.Hash, recB.Hash))
			Expect(err).NotTo(HaveOccurred())
			Expect(confs).To(BeNumerically(">=", 2))
			e2ePump(alice, bob, swap.RoleAlice, alice.NotifyFundingConfirmed(leg))
			e2ePump(alice, bob, swap.RoleBob, bob.NotifyFundingConfirmed(leg))
		}
		Expect(alice.Phase()).To(Equal(session.PhaseExecPrep))

		// Independent chain reads and the fee proposal.
		for _, rt := range []*session.Runtime{alice, bob} {
			nA, err := sim.NonceAt(ctx, mpcA.Address)
			Expect(err).NotTo(HaveOccurred())
			nB, err := sim.NonceAt(ctx, mpcB.Address)
			Expect(err).NotTo(HaveOccurred())
			head, err := sim.BlockNumber(ctx)
			Expect(err).NotTo(HaveOccurred())
			rep := swap.NonceReportPayload{
				MpcAliceNonce: decimal(nA),
				MpcBobNonce:   decimal(nB),
				BlockNumber:   head,
				RPCTag:        "sim",
			}
			e2ePump(alice, bob, rt.Role(), rt.SetLocalNonceReport(rep))
		}
		e2ePump(alice, bob, swap.RoleAlice, alice.ProposeFeeParams(swap.FeeParamsPayload{
			MaxFeePerGasWei:         "20000000000",
			MaxPriorityFeePerGasWei: "1000000000",
			GasLimit:                "21000",
		}))

		Expect(alice.Phase()).To(Equal(session.PhaseExecutionPlanned))
		Expect(bob.Phase()).To(Equal(session.PhaseExecutionPlanned))

		aliceAction, _ := alice.RoleAction()
		bobAction, _ := bob.RoleAction()
		Expect(aliceAction).To(Equal(swap.RoleActionBroadcastTxB))
		Expect(bobAction).To(Equal(swap.RoleActionWaitExtract))

		// Alice publishes tx_B; Bob observes the final signature and
		// extracts the swap secret.
		templates, ok := alice.Templates()
		Expect(ok).To(BeTrue())
		tBHex, _ := alice.AdaptorCommitment(swap.LegB)
		tB, err := swap.ParseHex32(tBHex)
		Expect(err).NotTo(HaveOccurred())

		presigB := adaptor.Respond(aliceSID, templates.DigestB, tB)
		finalSigB, err := adaptor.Complete(aliceSID, templates.DigestB, presigB.Secret[:], presigB.MaskSalt[:])
		Expect(err).NotTo(HaveOccurred())
		recExecB, err := sim.SubmitExecution(templates.TxB, mpcB.Address, templates.DigestBHex(), finalSigB)
		Expect(err).NotTo(HaveOccurred())
		sim.MineBlock()
		e2ePump(alice, bob, swap.RoleAlice, alice.AnnounceBroadcast(swap.LegB, recExecB.Hash))

		observed, found := sim.Record(recExecB.Hash)
		Expect(found).To(BeTrue())
		bobSigHex, ok := bob.AdaptorSig(swap.LegB)
		Expect(ok).To(BeTrue())
		bobSig, err := hex.DecodeString(bobSigHex[2:])
		Expect(err).NotTo(HaveOccurred())
		extracted, err := adaptor.Extract(bobSID, templates.DigestB, tB, bobSig, observed.FinalSig)
		Expect(err).NotTo(HaveOccurred())

		secret, _, ok := bob.SwapSecret()
		Expect(ok).To(BeTrue())
		Expect(extracted).To(Equal(secret))

		// Bob answers with tx_A.
		presigA, saltA, ok := bob.AdaptorPresign(swap.LegA)
		Expect(ok).To(BeTrue())
		finalSigA, err := adaptor.Complete(bobSID, templates.DigestA, presigA[:], saltA[:])
		Expect(err).NotTo(HaveOccurred())
		recExecA, err := sim.SubmitExecution(templates.TxA, mpcA.Address, templates.DigestAHex(), finalSigA)
		Expect(err).NotTo(HaveOccurred())
		sim.MineBlock()
		e2ePump(alice, bob, swap.RoleBob, bob.AnnounceBroadcast(swap.LegA, recExecA.Hash))

		// Alice observes tx_A and extracts the leg-A secret.
		observedA, found := sim.Record(recExecA.Hash)
		Expect(found).To(BeTrue())
		tAHex, _ := alice.AdaptorCommitment(swap.LegA)
		tA, err := swap.ParseHex32(tAHex)
		Expect(err).NotTo(HaveOccurred())
		aliceSigHex, ok := alice.AdaptorSig(swap.LegA)
		Expect(ok).To(BeTrue())
		aliceSig, err := hex.DecodeString(aliceSigHex[2:])
		Expect(err).NotTo(HaveOccurred())
		extractedA, err := adaptor.Extract(aliceSID, templates.DigestA, tA, aliceSig, observedA.FinalSig)
		Expect(err).NotTo(HaveOccurred())
		Expect(extractedA).To(Equal(presigA))

		// Transcript agreement at the end of the run.
		alicePost, err := alice.TranscriptPostHex()
		Expect(err).NotTo(HaveOccurred())
		bobPost, err := bob.TranscriptPostHex()
		Expect(err).NotTo(HaveOccurred())
		Expect(alicePost).To(Equal(bobPost))
	})

	It("aborts both peers in lock-step on a capsule mismatch", func() {
		// Both peers open the handshake before any message is delivered,
		// so every later message passes through the loop below, which
		// intercepts bob's capsule_offer and corrupts the proof.
		effects := append(alice.Start(), bob.Start()...)
		var queue []swap.Envelope
		for _, e := range effects {
			if s, isSend := e.(swap.Send); isSend {
				queue = append(queue, s.Msg)
			}
		}
		for len(queue) > 0 {
			env := queue[0]
			queue = queue[1:]
			var next []swap.Effect
			if env.From == swap.RoleBob {
				if env.Type == swap.TypeCapsuleOffer {
					var offer swap.CapsuleOfferPayload
					Expect(env.DecodePayload(&offer)).To(Succeed())
					offer.Proof = "0x" + "00000000000000000000000000000000000000000000000000000000000000ff"
					env.Payload = swap.MustPayload(offer)
				}
				next = alice.HandleEnvelope(env)
			} else {
				next = bob.HandleEnvelope(env)
			}
			for _, e := range next {
				if s, isSend := e.(swap.Send); isSend {
					queue = append(queue, s.Msg)
				}
			}
		}
		Expect(alice.Phase()).To(Equal(session.PhaseAborted))
		Expect(bob.Phase()).To(Equal(session.PhaseAborted))
	})
})

func pickHash(leg swap.Leg, a, b string) string {
	if leg == swap.LegA {
		return a
	}
	return b
}

func decimal(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func mustParseWei(s string) *big.Int {
	v, err := swap.ParseWei(s)
	if err != nil {
		panic(err)
	}
	return v
}
