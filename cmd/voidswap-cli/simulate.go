package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/voidswap/voidswap/chain"
	"github.com/voidswap/voidswap/protocols/swap"
	"github.com/voidswap/voidswap/protocols/swap/adaptor"
	"github.com/voidswap/voidswap/protocols/swap/session"
)

var (
	simChainID       uint64
	simValueA        string
	simValueB        string
	simTargetA       string
	simTargetB       string
	simRefundRoundB  uint64
	simRefundRoundA  uint64
	simMaxFee        string
	simMaxTip        string
	simGasLimit      string
	simConfirmations uint64
	simOutputDir     string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Simulate a complete swap in-process",
	Long: `Run both peers in one process against an in-memory chain, driving the
protocol from handshake through execution, and print the resulting
session snapshots.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().Uint64Var(&simChainID, "chain-id", 1, "chain id")
	simulateCmd.Flags().StringVar(&simValueA, "value-a", "1000000000000000000", "leg A value in wei")
	simulateCmd.Flags().StringVar(&simValueB, "value-b", "2000000000000000000", "leg B value in wei")
	simulateCmd.Flags().StringVar(&simTargetA, "target-a", "0x1234567890123456789012345678901234567890", "alice's receive address")
	simulateCmd.Flags().StringVar(&simTargetB, "target-b", "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd", "bob's receive address")
	simulateCmd.Flags().Uint64Var(&simRefundRoundB, "refund-round-b", 1000, "bob's refund beacon round")
	simulateCmd.Flags().Uint64Var(&simRefundRoundA, "refund-round-a", 2000, "alice's refund beacon round")
	simulateCmd.Flags().StringVar(&simMaxFee, "max-fee", "20000000000", "max fee per gas in wei")
	simulateCmd.Flags().StringVar(&simMaxTip, "max-tip", "1000000000", "max priority fee per gas in wei")
	simulateCmd.Flags().StringVar(&simGasLimit, "gas-limit", "21000", "gas limit")
	simulateCmd.Flags().Uint64Var(&simConfirmations, "confirmations", 2, "funding confirmation depth")
	simulateCmd.Flags().StringVar(&simOutputDir, "output", "", "write session snapshots into this directory")
}

// simPeer couples one runtime with its operator-side state.
type simPeer struct {
	rt  *session.Runtime
	log *logrus.Entry
}

// simRun shuttles messages between the two runtimes until quiescent,
// logging events as the operator would.
type simRun struct {
	alice *simPeer
	bob   *simPeer
}

func (s *simRun) peer(role swap.Role) *simPeer {
	if role == swap.RoleAlice {
		return s.alice
	}
	return s.bob
}

// pump dispatches one effect batch and everything it provokes.
func (s *simRun) pump(from swap.Role, effects []swap.Effect) error {
	type delivery struct {
		to  swap.Role
		env swap.Envelope
	}
	var queue []delivery
	absorb := func(owner swap.Role, effs []swap.Effect) {
		p := s.peer(owner)
		for _, e := range effs {
			switch v := e.(type) {
			case swap.Send:
				p.log.WithFields(logrus.Fields{"type": v.Msg.Type, "seq": v.Msg.Seq}).Debug("send")
				queue = append(queue, delivery{to: owner.Other(), env: v.Msg})
			case swap.PhaseChanged:
				p.log.WithField("phase", v.Phase).Info("phase")
			case swap.Locked:
				p.log.WithField("sid", v.SID).Info("session locked")
			case swap.ExecutionPlanned:
				p.log.WithField("action", v.RoleAction).Info("execution planned")
			case swap.BroadcastObserved:
				p.log.WithFields(logrus.Fields{"leg": v.Which, "tx": v.TxHash}).Info("peer broadcast observed")
			case swap.SwapComplete:
				p.log.Info("swap complete")
			case swap.Aborted:
				p.log.WithFields(logrus.Fields{"code": v.Code, "message": v.Message}).Error("session aborted")
			}
		}
	}
	absorb(from, effects)
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		raw, err := d.env.Encode()
		if err != nil {
			return err
		}
		absorb(d.to, s.peer(d.to).rt.Handle(raw))
	}
	return nil
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	params := swap.HandshakeParams{
		Version:      swap.Version,
		ChainID:      simChainID,
		DrandChainID: "fastnet",
		ValueA:       simValueA,
		ValueB:       simValueB,
		TargetA:      simTargetA,
		TargetB:      simTargetB,
		RefundRoundB: simRefundRoundB,
		RefundRoundA: simRefundRoundA,
	}
	if err := params.Validate(); err != nil {
		return err
	}
	if err := swap.ValidateRefundOrder(params); err != nil {
		return err
	}

	alice, err := session.New(session.Config{Role: swap.RoleAlice, Params: params, Nonce: freshNonce()})
	if err != nil {
		return err
	}
	bob, err := session.New(session.Config{Role: swap.RoleBob, Params: params, Nonce: freshNonce()})
	if err != nil {
		return err
	}
	run := &simRun{
		alice: &simPeer{rt: alice, log: log.WithField("role", "alice")},
		bob:   &simPeer{rt: bob, log: log.WithField("role", "bob")},
	}
	sim := chain.NewSim()

	// Handshake through capsules.
	if err := run.pump(swap.RoleAlice, alice.Start()); err != nil {
		return err
	}
	if err := run.pump(swap.RoleBob, bob.Start()); err != nil {
		return err
	}
	if err := expectPhase(alice, bob, session.PhaseFunding); err != nil {
		return err
	}

	// Funding: each side funds its leg into the joint address, then both
	// watch confirmations.
	mpcA, mpcB, _ := alice.KeyMaterial()
	funderA := "0x00000000000000000000000000000000000000aa"
	funderB := "0x00000000000000000000000000000000000000bb"
	recA := sim.SubmitTransfer(funderA, mpcA.Address, mustWei(params.ValueA))
	recB := sim.SubmitTransfer(funderB, mpcB.Address, mustWei(params.ValueB))
	if err := run.pump(swap.RoleAlice, alice.EmitFundingTx(recA.Hash, funderA, params.ValueA)); err != nil {
		return err
	}
	if err := run.pump(swap.RoleBob, bob.EmitFundingTx(recB.Hash, funderB, params.ValueB)); err != nil {
		return err
	}
	for i := uint64(0); i < simConfirmations; i++ {
		sim.MineBlock()
	}
	for _, leg := range []swap.Leg{swap.LegA, swap.LegB} {
		if err := run.pump(swap.RoleAlice, alice.NotifyFundingConfirmed(leg)); err != nil {
			return err
		}
		if err := run.pump(swap.RoleBob, bob.NotifyFundingConfirmed(leg)); err != nil {
			return err
		}
	}
	if err := expectPhase(alice, bob, session.PhaseExecPrep); err != nil {
		return err
	}

	// Execution preparation: independent chain reads, then Alice's fee
	// proposal.
	for _, p := range []*simPeer{run.alice, run.bob} {
		rep, err := readNonceReport(ctx, sim, mpcA.Address, mpcB.Address)
		if err != nil {
			return err
		}
		if err := run.pump(p.rt.Role(), p.rt.SetLocalNonceReport(rep)); err != nil {
			return err
		}
	}
	fee := swap.FeeParamsPayload{
		MaxFeePerGasWei:         simMaxFee,
		MaxPriorityFeePerGasWei: simMaxTip,
		GasLimit:                simGasLimit,
	}
	if err := run.pump(swap.RoleAlice, alice.ProposeFeeParams(fee)); err != nil {
		return err
	}
	if err := expectPhase(alice, bob, session.PhaseExecutionPlanned); err != nil {
		return err
	}

	// Execution: Alice publishes tx_B; Bob extracts and answers with
	// tx_A; Alice extracts symmetrically.
	if err := executeLeg(run, sim, alice, bob, swap.LegB, mpcB.Address); err != nil {
		return err
	}
	if err := executeLeg(run, sim, bob, alice, swap.LegA, mpcA.Address); err != nil {
		return err
	}

	return writeSnapshots(alice, bob)
}

// executeLeg broadcasts one planned template as the degenerate mock
// signer and lets the counterparty validate it and extract the secret.
func executeLeg(run *simRun, sim *chain.Sim, broadcaster, observer *session.Runtime, leg swap.Leg, fromAddr string) error {
	sid, _ := broadcaster.SID()
	templates, ok := broadcaster.Templates()
	if !ok {
		return fmt.Errorf("simulate: templates missing before execution")
	}
	tHex, ok := broadcaster.AdaptorCommitment(leg)
	if !ok {
		return fmt.Errorf("simulate: missing adaptor commitment for leg %s", leg)
	}
	t, err := swap.ParseHex32(tHex)
	if err != nil {
		return err
	}
	digest := templates.DigestA
	if leg == swap.LegB {
		digest = templates.DigestB
	}

	// The degenerate model: presign material is deterministic, so the
	// broadcaster re-derives it to complete the signature.
	presig := adaptor.Respond(sid, digest, t)
	finalSig, err := adaptor.Complete(sid, digest, presig.Secret[:], presig.MaskSalt[:])
	if err != nil {
		return err
	}
	tx := templates.TxA
	digestHex := templates.DigestAHex()
	if leg == swap.LegB {
		tx = templates.TxB
		digestHex = templates.DigestBHex()
	}
	rec, err := sim.SubmitExecution(tx, fromAddr, digestHex, finalSig)
	if err != nil {
		return err
	}
	sim.MineBlock()
	if err := run.pump(broadcaster.Role(), broadcaster.AnnounceBroadcast(leg, rec.Hash)); err != nil {
		return err
	}

	// Observer side: check the chain against the plan, then extract.
	observed, ok := sim.Record(rec.Hash)
	if !ok {
		return fmt.Errorf("simulate: broadcast %s not found on chain", rec.Hash)
	}
	if err := validateExecution(observed, tx, digestHex); err != nil {
		return err
	}
	adaptorSigHex, ok := observer.AdaptorSig(leg)
	if !ok {
		return fmt.Errorf("simulate: observer missing adaptor sig for leg %s", leg)
	}
	adaptorSig, err := hex.DecodeString(adaptorSigHex[2:])
	if err != nil {
		return err
	}
	secret, err := adaptor.Extract(sid, digest, t, adaptorSig, observed.FinalSig)
	if err != nil {
		return fmt.Errorf("simulate: extract leg %s: %w", leg, err)
	}
	run.peer(observer.Role()).log.WithFields(logrus.Fields{
		"leg":    leg,
		"secret": hex.EncodeToString(secret[:]),
	}).Info("adaptor secret extracted")
	return nil
}

// validateExecution compares an observed chain record against the
// planned template.
func validateExecution(rec *chain.TxRecord, tx *types.Transaction, digestHex string) error {
	if rec.Digest != digestHex {
		return fmt.Errorf("simulate: on-chain digest %s does not match plan %s", rec.Digest, digestHex)
	}
	if rec.Nonce != tx.Nonce() {
		return fmt.Errorf("simulate: on-chain nonce %d does not match plan %d", rec.Nonce, tx.Nonce())
	}
	if rec.Gas != tx.Gas() {
		return fmt.Errorf("simulate: on-chain gas %d does not match plan %d", rec.Gas, tx.Gas())
	}
	if tx.To() == nil || rec.To != strings.ToLower(tx.To().Hex()) {
		return fmt.Errorf("simulate: on-chain recipient %s does not match plan", rec.To)
	}
	if rec.ValueWei.Cmp(tx.Value()) != 0 {
		return fmt.Errorf("simulate: on-chain value %s does not match plan %s", rec.ValueWei, tx.Value())
	}
	return nil
}

func readNonceReport(ctx context.Context, reader chain.Reader, mpcAAddr, mpcBAddr string) (swap.NonceReportPayload, error) {
	nonceA, err := reader.NonceAt(ctx, mpcAAddr)
	if err != nil {
		return swap.NonceReportPayload{}, err
	}
	nonceB, err := reader.NonceAt(ctx, mpcBAddr)
	if err != nil {
		return swap.NonceReportPayload{}, err
	}
	block, err := reader.BlockNumber(ctx)
	if err != nil {
		return swap.NonceReportPayload{}, err
	}
	return swap.NonceReportPayload{
		MpcAliceNonce: fmt.Sprintf("%d", nonceA),
		MpcBobNonce:   fmt.Sprintf("%d", nonceB),
		BlockNumber:   block,
		RPCTag:        "sim",
	}, nil
}

func expectPhase(alice, bob *session.Runtime, want session.Phase) error {
	if alice.Phase() != want || bob.Phase() != want {
		return fmt.Errorf("simulate: expected both peers in %s, have alice=%s bob=%s",
			want, alice.Phase(), bob.Phase())
	}
	return nil
}

func writeSnapshots(alice, bob *session.Runtime) error {
	for _, rt := range []*session.Runtime{alice, bob} {
		snap, err := rt.Snapshot()
		if err != nil {
			return err
		}
		out, err := snap.EncodeJSON()
		if err != nil {
			return err
		}
		fmt.Printf("--- %s ---\n%s\n", snap.Role, out)
		if simOutputDir != "" {
			if err := os.MkdirAll(simOutputDir, 0o755); err != nil {
				return err
			}
			archived, err := snap.EncodeCBOR()
			if err != nil {
				return err
			}
			path := filepath.Join(simOutputDir, fmt.Sprintf("session-%s.cbor", snap.Role))
			if err := os.WriteFile(path, archived, 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

func mustWei(s string) *big.Int {
	parsed, err := swap.ParseWei(s)
	if err != nil {
		panic(err)
	}
	return parsed
}

func freshNonce() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return "0x" + hex.EncodeToString(b[:])
}
