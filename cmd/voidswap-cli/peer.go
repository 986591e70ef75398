package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/voidswap/voidswap/chain"
	"github.com/voidswap/voidswap/protocols/swap"
	"github.com/voidswap/voidswap/protocols/swap/adaptor"
	"github.com/voidswap/voidswap/protocols/swap/session"
	"github.com/voidswap/voidswap/relay"
)

var (
	peerRole          string
	peerRoom          string
	peerRelayURL      string
	peerRPCURL        string
	peerChainID       uint64
	peerValueA        string
	peerValueB        string
	peerTargetA       string
	peerTargetB       string
	peerRefundRoundB  uint64
	peerRefundRoundA  uint64
	peerDrandChainID  string
	peerFundingTx     string
	peerFundingFrom   string
	peerFundingValue  string
	peerMaxFee        string
	peerMaxTip        string
	peerGasLimit      string
	peerConfirmations uint64
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Run one swap peer against a relay and a chain endpoint",
	Long: `Drive a live session: exchange protocol messages through the relay,
read nonces and confirmations from the chain, carry out this role's part
of the execution plan (broadcast or observe and extract), and stop once
the swap completes, printing the session snapshot.`,
	RunE: runPeer,
}

func init() {
	peerCmd.Flags().StringVar(&peerRole, "role", "", "peer role: alice or bob")
	peerCmd.Flags().StringVar(&peerRoom, "room", "", "relay room both peers agreed on")
	peerCmd.Flags().StringVar(&peerRelayURL, "relay-url", "ws://127.0.0.1:8787/ws", "relay endpoint")
	peerCmd.Flags().StringVar(&peerRPCURL, "rpc-url", "http://127.0.0.1:8545", "chain JSON-RPC endpoint")
	peerCmd.Flags().Uint64Var(&peerChainID, "chain-id", 1, "chain id")
	peerCmd.Flags().StringVar(&peerValueA, "value-a", "", "leg A value in wei")
	peerCmd.Flags().StringVar(&peerValueB, "value-b", "", "leg B value in wei")
	peerCmd.Flags().StringVar(&peerTargetA, "target-a", "", "alice's receive address")
	peerCmd.Flags().StringVar(&peerTargetB, "target-b", "", "bob's receive address")
	peerCmd.Flags().Uint64Var(&peerRefundRoundB, "refund-round-b", 0, "bob's refund beacon round")
	peerCmd.Flags().Uint64Var(&peerRefundRoundA, "refund-round-a", 0, "alice's refund beacon round")
	peerCmd.Flags().StringVar(&peerDrandChainID, "drand-chain", "fastnet", "timelock beacon id")
	peerCmd.Flags().StringVar(&peerFundingTx, "funding-tx", "", "hash of this peer's funding transaction")
	peerCmd.Flags().StringVar(&peerFundingFrom, "funding-from", "", "sender address of the funding transaction")
	peerCmd.Flags().StringVar(&peerFundingValue, "funding-value", "", "funding value in wei")
	peerCmd.Flags().StringVar(&peerMaxFee, "max-fee", "20000000000", "max fee per gas in wei (alice)")
	peerCmd.Flags().StringVar(&peerMaxTip, "max-tip", "1000000000", "max priority fee per gas in wei (alice)")
	peerCmd.Flags().StringVar(&peerGasLimit, "gas-limit", "21000", "gas limit (alice)")
	peerCmd.Flags().Uint64Var(&peerConfirmations, "confirmations", 2, "required funding confirmation depth")

	for _, required := range []string{"role", "room", "value-a", "value-b", "target-a", "target-b", "refund-round-a", "refund-round-b"} {
		_ = peerCmd.MarkFlagRequired(required)
	}
}

// operator wires one runtime to its relay and chain collaborators and
// dispatches runtime effects in order.
type operator struct {
	rt    *session.Runtime
	ws    *relay.Client
	chain chain.Client
	log   *logrus.Entry

	confirmations uint64
	notified      map[swap.Leg]bool
	fundingSent   bool
	reportSent    bool
	feeSent       bool

	legBroadcast map[swap.Leg]bool
	legExtracted map[swap.Leg]bool
	swapComplete bool
	done         bool
}

func runPeer(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	role := swap.Role(peerRole)
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", peerRole)
	}
	params := swap.HandshakeParams{
		Version:      swap.Version,
		ChainID:      peerChainID,
		DrandChainID: peerDrandChainID,
		ValueA:       peerValueA,
		ValueB:       peerValueB,
		TargetA:      peerTargetA,
		TargetB:      peerTargetB,
		RefundRoundB: peerRefundRoundB,
		RefundRoundA: peerRefundRoundA,
	}
	if err := params.Validate(); err != nil {
		return err
	}
	if err := swap.ValidateRefundOrder(params); err != nil {
		return err
	}

	rt, err := session.New(session.Config{Role: role, Params: params, Nonce: freshNonce()})
	if err != nil {
		return err
	}
	logger := log.WithField("role", role)

	rpc, err := chain.DialRPC(ctx, peerRPCURL, logger)
	if err != nil {
		return err
	}
	defer rpc.Close()

	ws, err := relay.Dial(ctx, peerRelayURL, logger)
	if err != nil {
		return err
	}
	defer ws.Close()

	members, err := ws.Join(peerRoom)
	if err != nil {
		return err
	}
	op := &operator{
		rt:            rt,
		ws:            ws,
		chain:         rpc,
		log:           logger,
		confirmations: peerConfirmations,
		notified:      make(map[swap.Leg]bool),
		legBroadcast:  make(map[swap.Leg]bool),
		legExtracted:  make(map[swap.Leg]bool),
	}

	// The runtime only runs once the room is complete.
	if members < 2 {
		logger.Info("waiting for peer to join")
		if err := op.waitForPeer(ctx); err != nil {
			return err
		}
	}
	if err := op.apply(rt.Start()); err != nil {
		return err
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for !op.done {
		select {
		case <-ctx.Done():
			op.apply(rt.Abort(swap.AbortProtocolError, "operator cancelled"))
			return ctx.Err()
		case f, ok := <-ws.Incoming():
			if !ok {
				return fmt.Errorf("relay connection closed")
			}
			if f.Type != relay.FrameMsg {
				continue
			}
			if err := op.apply(rt.Handle(f.Payload)); err != nil {
				return err
			}
		case <-ticker.C:
			if err := op.tick(ctx); err != nil {
				return err
			}
		}
	}
	return op.finish()
}

func (op *operator) waitForPeer(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-op.ws.Incoming():
			if !ok {
				return fmt.Errorf("relay connection closed")
			}
			if f.Type == relay.FramePeerJoined {
				return nil
			}
		}
	}
}

// apply dispatches one runtime effect batch in order.
func (op *operator) apply(effects []swap.Effect) error {
	for _, e := range effects {
		switch v := e.(type) {
		case swap.Send:
			raw, err := v.Msg.Encode()
			if err != nil {
				return err
			}
			if err := op.ws.Send(raw); err != nil {
				return err
			}
			op.log.WithFields(logrus.Fields{"type": v.Msg.Type, "seq": v.Msg.Seq}).Debug("sent")
		case swap.Locked:
			op.log.WithField("sid", v.SID).Info("session locked")
		case swap.PhaseChanged:
			op.log.WithField("phase", v.Phase).Info("phase")
		case swap.ExecutionPlanned:
			op.log.WithField("action", v.RoleAction).Info("execution planned")
		case swap.BroadcastObserved:
			op.log.WithFields(logrus.Fields{"leg": v.Which, "tx": v.TxHash}).Info("peer broadcast observed")
		case swap.SwapComplete:
			op.log.Info("swap complete")
			op.swapComplete = true
			op.maybeFinish()
		case swap.Aborted:
			return op.reportAbort(v)
		}
	}
	return nil
}

// tick drives the chain-dependent inputs the protocol cannot pull for
// itself.
func (op *operator) tick(ctx context.Context) error {
	switch op.rt.Phase() {
	case session.PhaseFunding:
		if !op.fundingSent {
			if peerFundingTx == "" || peerFundingFrom == "" || peerFundingValue == "" {
				op.log.Warn("funding flags not set; cannot announce own funding leg")
				op.fundingSent = true
				return nil
			}
			op.fundingSent = true
			if err := op.apply(op.rt.EmitFundingTx(peerFundingTx, peerFundingFrom, peerFundingValue)); err != nil {
				return err
			}
		}
		for _, leg := range []swap.Leg{swap.LegA, swap.LegB} {
			if op.notified[leg] {
				continue
			}
			f, ok := op.rt.FundingLeg(leg)
			if !ok {
				continue
			}
			confs, err := op.chain.Confirmations(ctx, f.TxHash)
			if err != nil {
				return err
			}
			if confs >= op.confirmations {
				op.notified[leg] = true
				if err := op.apply(op.rt.NotifyFundingConfirmed(leg)); err != nil {
					return err
				}
			}
		}
	case session.PhaseExecPrep:
		if !op.reportSent {
			mpcA, mpcB, ok := op.rt.KeyMaterial()
			if !ok {
				return fmt.Errorf("key material missing in EXEC_PREP")
			}
			rep, err := readNonceReport(ctx, op.chain, mpcA.Address, mpcB.Address)
			if err != nil {
				return err
			}
			rep.RPCTag = "latest"
			op.reportSent = true
			if err := op.apply(op.rt.SetLocalNonceReport(rep)); err != nil {
				return err
			}
		}
		if op.rt.Role() == swap.RoleAlice && !op.feeSent {
			op.feeSent = true
			fee := swap.FeeParamsPayload{
				MaxFeePerGasWei:         peerMaxFee,
				MaxPriorityFeePerGasWei: peerMaxTip,
				GasLimit:                peerGasLimit,
			}
			if err := op.apply(op.rt.ProposeFeeParams(fee)); err != nil {
				return err
			}
		}
	case session.PhaseExecutionPlanned:
		return op.execute(ctx)
	}
	return nil
}

// execute carries out the announced role action: the broadcasting role
// sends its planned leg, the waiting role watches the chain for the
// counterparty's transaction and extracts the revealed secret.
func (op *operator) execute(ctx context.Context) error {
	action, ok := op.rt.RoleAction()
	if !ok {
		return nil
	}
	switch action {
	case swap.RoleActionBroadcastTxB:
		if !op.legBroadcast[swap.LegB] {
			return op.broadcastLeg(ctx, swap.LegB)
		}
		return op.observeLeg(ctx, swap.LegA)
	case swap.RoleActionWaitExtract:
		if !op.legExtracted[swap.LegB] {
			return op.observeLeg(ctx, swap.LegB)
		}
		if !op.legBroadcast[swap.LegA] {
			return op.broadcastLeg(ctx, swap.LegA)
		}
	}
	return nil
}

// broadcastLeg completes one planned template under the degenerate
// signing model and sends it. The final signature rides in the
// transaction's signature slots, which is exactly what the counterparty
// observes to extract the secret.
func (op *operator) broadcastLeg(ctx context.Context, leg swap.Leg) error {
	sid, locked := op.rt.SID()
	if !locked {
		return fmt.Errorf("execution before lock")
	}
	templates, ok := op.rt.Templates()
	if !ok {
		return fmt.Errorf("templates missing in EXECUTION_PLANNED")
	}
	tHex, ok := op.rt.AdaptorCommitment(leg)
	if !ok {
		return fmt.Errorf("missing adaptor commitment for leg %s", leg)
	}
	t, err := swap.ParseHex32(tHex)
	if err != nil {
		return err
	}
	tx, digest := templates.TxA, templates.DigestA
	if leg == swap.LegB {
		tx, digest = templates.TxB, templates.DigestB
	}

	// Presign material is deterministic from (sid, digest, T), so the
	// broadcaster re-derives it to complete the signature.
	presig := adaptor.Respond(sid, digest, t)
	finalSig, err := adaptor.Complete(sid, digest, presig.Secret[:], presig.MaskSalt[:])
	if err != nil {
		return err
	}
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(op.rt.Params().ChainID))
	signed, err := tx.WithSignature(signer, append(finalSig, 0))
	if err != nil {
		return fmt.Errorf("attach final signature: %w", err)
	}
	if err := op.chain.SendTransaction(ctx, signed); err != nil {
		return err
	}
	op.legBroadcast[leg] = true
	op.log.WithFields(logrus.Fields{"leg": leg, "tx": signed.Hash().Hex()}).Info("broadcast execution leg")
	if err := op.apply(op.rt.AnnounceBroadcast(leg, strings.ToLower(signed.Hash().Hex()))); err != nil {
		return err
	}
	op.maybeFinish()
	return nil
}

// observeLeg waits for the counterparty's announced transaction to
// appear on chain, validates it against the planned template, and
// extracts the adaptor secret from the published signature.
func (op *operator) observeLeg(ctx context.Context, leg swap.Leg) error {
	if op.legExtracted[leg] {
		return nil
	}
	txHash, ok := op.rt.Broadcast(leg)
	if !ok {
		return nil
	}
	observed, pending, err := op.chain.TransactionByHash(ctx, txHash)
	if err != nil || observed == nil || pending {
		// Not visible yet; try again on the next tick.
		return nil
	}
	sid, _ := op.rt.SID()
	templates, ok := op.rt.Templates()
	if !ok {
		return fmt.Errorf("templates missing in EXECUTION_PLANNED")
	}
	planned, digest := templates.TxA, templates.DigestA
	if leg == swap.LegB {
		planned, digest = templates.TxB, templates.DigestB
	}
	if err := validatePlanned(observed, planned, digest, op.rt.Params().ChainID); err != nil {
		if aerr := op.apply(op.rt.Abort(swap.AbortProtocolError, err.Error())); aerr != nil {
			return aerr
		}
		return err
	}
	tHex, ok := op.rt.AdaptorCommitment(leg)
	if !ok {
		return fmt.Errorf("missing adaptor commitment for leg %s", leg)
	}
	t, err := swap.ParseHex32(tHex)
	if err != nil {
		return err
	}
	adaptorSigHex, ok := op.rt.AdaptorSig(leg)
	if !ok {
		return fmt.Errorf("missing adaptor sig for leg %s", leg)
	}
	adaptorSig, err := hex.DecodeString(adaptorSigHex[2:])
	if err != nil {
		return err
	}
	secret, err := adaptor.Extract(sid, digest, t, adaptorSig, observedFinalSig(observed))
	if err != nil {
		return fmt.Errorf("extract leg %s: %w", leg, err)
	}
	op.legExtracted[leg] = true
	op.log.WithFields(logrus.Fields{
		"leg":    leg,
		"secret": hex.EncodeToString(secret[:]),
	}).Info("adaptor secret extracted")
	op.maybeFinish()
	return nil
}

// validatePlanned checks an on-chain transaction against the planned
// template: the signing digest binds every agreed field, and the
// explicit comparisons make a divergence legible in logs.
func validatePlanned(observed, planned *types.Transaction, digest [32]byte, chainID uint64) error {
	if observed.Nonce() != planned.Nonce() {
		return fmt.Errorf("on-chain nonce %d does not match plan %d", observed.Nonce(), planned.Nonce())
	}
	if observed.Gas() != planned.Gas() {
		return fmt.Errorf("on-chain gas %d does not match plan %d", observed.Gas(), planned.Gas())
	}
	if observed.To() == nil || planned.To() == nil || *observed.To() != *planned.To() {
		return fmt.Errorf("on-chain recipient does not match plan")
	}
	if observed.Value().Cmp(planned.Value()) != 0 {
		return fmt.Errorf("on-chain value %s does not match plan %s", observed.Value(), planned.Value())
	}
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(chainID))
	if [32]byte(signer.Hash(observed)) != digest {
		return fmt.Errorf("on-chain signing digest does not match plan")
	}
	return nil
}

// observedFinalSig reassembles the 64-byte final signature from the
// transaction's signature slots.
func observedFinalSig(tx *types.Transaction) []byte {
	_, r, s := tx.RawSignatureValues()
	out := make([]byte, 64)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out
}

// maybeFinish ends the loop once the protocol reported completion and
// this role's execution duties are done.
func (op *operator) maybeFinish() {
	if !op.swapComplete {
		return
	}
	switch op.rt.Role() {
	case swap.RoleAlice:
		op.done = op.legBroadcast[swap.LegB] && op.legExtracted[swap.LegA]
	case swap.RoleBob:
		op.done = op.legExtracted[swap.LegB] && op.legBroadcast[swap.LegA]
	}
}

// reportAbort logs the reconciliation record and surfaces the abort as
// the command error.
func (op *operator) reportAbort(v swap.Aborted) error {
	fields := logrus.Fields{"code": v.Code, "message": v.Message, "phase": op.rt.Phase().String()}
	if last, ok := op.rt.LastAccepted(); ok {
		fields["lastType"] = last.Type
		fields["lastSeq"] = last.Seq
		fields["lastFrom"] = last.From
	}
	if digest, err := op.rt.TranscriptCombinedHex(); err == nil {
		fields["transcript"] = digest
	}
	op.log.WithFields(fields).Error("session aborted")
	return fmt.Errorf("session aborted: %s: %s", v.Code, v.Message)
}

func (op *operator) finish() error {
	snap, err := op.rt.Snapshot()
	if err != nil {
		return err
	}
	out, err := snap.EncodeJSON()
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
