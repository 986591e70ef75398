package swap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/voidswap/voidswap/pkg/canonical"
)

// MaxMessageSize mirrors the transport's 64 KiB frame ceiling at the
// runtime's validation boundary.
const MaxMessageSize = 64 * 1024

// Message types, exhaustive.
const (
	TypeHello            = "hello"
	TypeHelloAck         = "hello_ack"
	TypeKeygenAnnounce   = "keygen_announce"
	TypeCapsuleOffer     = "capsule_offer"
	TypeCapsuleAck       = "capsule_ack"
	TypeFundingTx        = "funding_tx"
	TypeNonceReport      = "nonce_report"
	TypeFeeParams        = "fee_params"
	TypeFeeParamsAck     = "fee_params_ack"
	TypeTxTemplateCommit = "tx_template_commit"
	TypeTxTemplateAck    = "tx_template_ack"
	TypeAdaptorStart     = "adaptor_start"
	TypeAdaptorResp      = "adaptor_resp"
	TypeAdaptorAck       = "adaptor_ack"
	TypeTxBBroadcast     = "txB_broadcast"
	TypeTxABroadcast     = "txA_broadcast"
	TypeAbort            = "abort"
	TypeError            = "error"
)

var knownTypes = map[string]bool{
	TypeHello: true, TypeHelloAck: true, TypeKeygenAnnounce: true,
	TypeCapsuleOffer: true, TypeCapsuleAck: true, TypeFundingTx: true,
	TypeNonceReport: true, TypeFeeParams: true, TypeFeeParamsAck: true,
	TypeTxTemplateCommit: true, TypeTxTemplateAck: true,
	TypeAdaptorStart: true, TypeAdaptorResp: true, TypeAdaptorAck: true,
	TypeTxBBroadcast: true, TypeTxABroadcast: true,
	TypeAbort: true, TypeError: true,
}

// Envelope is the wire frame every protocol message travels in. The sid is
// bare lowercase hex and is absent before the handshake locks, present
// after.
type Envelope struct {
	Type    string          `json:"type"`
	From    Role            `json:"from"`
	Seq     uint64          `json:"seq"`
	SID     string          `json:"sid,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// ParseEnvelope decodes and structurally validates one wire frame.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if len(raw) > MaxMessageSize {
		return env, fmt.Errorf("swap: message of %d bytes exceeds the %d byte ceiling", len(raw), MaxMessageSize)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return env, fmt.Errorf("swap: malformed envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return env, err
	}
	return env, nil
}

// Validate checks the schema-level rules of the envelope itself.
func (e Envelope) Validate() error {
	if !knownTypes[e.Type] {
		return fmt.Errorf("swap: unknown message type %q", e.Type)
	}
	if !e.From.Valid() {
		return fmt.Errorf("swap: unknown sender %q", e.From)
	}
	if e.Seq > canonical.MaxSafeInteger {
		return fmt.Errorf("swap: seq %d exceeds the safe integer range", e.Seq)
	}
	if e.SID != "" && !IsBareHex32(e.SID) {
		return fmt.Errorf("swap: sid %q is not bare 32-byte hex", e.SID)
	}
	if len(e.Payload) == 0 {
		return errors.New("swap: missing payload")
	}
	return nil
}

// Encode renders the envelope as one wire frame.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("swap: encode envelope: %w", err)
	}
	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("swap: encoded message of %d bytes exceeds the %d byte ceiling", len(b), MaxMessageSize)
	}
	return b, nil
}

// DecodePayload decodes the payload into dst, rejecting unknown fields.
func (e Envelope) DecodePayload(dst any) error {
	dec := json.NewDecoder(bytes.NewReader(e.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("swap: malformed %s payload: %w", e.Type, err)
	}
	return nil
}

// MustPayload marshals a payload value, panicking on the impossible case
// of a non-serializable local struct.
func MustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("swap: marshal payload: %w", err))
	}
	return b
}

// MpcCommitments are the keygen transcript commitments, one per side.
type MpcCommitments struct {
	Local string `json:"local"`
	Peer  string `json:"peer"`
}

// MpcResult is the public outcome of one MPC key generation.
type MpcResult struct {
	Address     string         `json:"address"`
	Commitments MpcCommitments `json:"commitments"`
}

// Equal reports canonical equality of two results.
func (m MpcResult) Equal(other MpcResult) bool {
	return m == other
}

// HelloPayload opens the handshake.
type HelloPayload struct {
	Handshake HandshakeParams `json:"handshake"`
	Nonce     string          `json:"nonce"`
}

// HelloAckPayload echoes the params so a late joiner can lock even if the
// initial hello was missed.
type HelloAckPayload struct {
	Handshake     HandshakeParams `json:"handshake"`
	Nonce         string          `json:"nonce"`
	HandshakeHash string          `json:"handshakeHash,omitempty"`
}

// KeygenAnnouncePayload carries both deterministic keygen halves.
type KeygenAnnouncePayload struct {
	MpcA *MpcResult `json:"mpcA,omitempty"`
	MpcB *MpcResult `json:"mpcB,omitempty"`
	Note string     `json:"note,omitempty"`
}

// CapsuleOfferPayload offers a timelocked refund share.
type CapsuleOfferPayload struct {
	Role        string `json:"role"`
	RefundRound uint64 `json:"refundRound"`
	YShare      string `json:"yShare"`
	CT          string `json:"ct"`
	Proof       string `json:"proof"`
}

// CapsuleAckPayload reports capsule verification.
type CapsuleAckPayload struct {
	Role   string `json:"role"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// FundingTxPayload announces one funding leg.
type FundingTxPayload struct {
	Which       string `json:"which"`
	TxHash      string `json:"txHash"`
	FromAddress string `json:"fromAddress"`
	ToAddress   string `json:"toAddress"`
	ValueWei    string `json:"valueWei"`
}

// NonceReportPayload carries the chain view each peer read independently.
type NonceReportPayload struct {
	MpcAliceNonce string `json:"mpcAliceNonce"`
	MpcBobNonce   string `json:"mpcBobNonce"`
	BlockNumber   uint64 `json:"blockNumber"`
	RPCTag        string `json:"rpcTag"`
}

// FeeParamsPayload is Alice's fixed fee proposal.
type FeeParamsPayload struct {
	MaxFeePerGasWei         string `json:"maxFeePerGasWei"`
	MaxPriorityFeePerGasWei string `json:"maxPriorityFeePerGasWei"`
	GasLimit                string `json:"gasLimit"`
	Mode                    string `json:"mode"`
	Proposer                string `json:"proposer"`
}

// FeeParamsAckPayload is Bob's acknowledgement, binding the proposal by
// hash.
type FeeParamsAckPayload struct {
	OK            bool   `json:"ok"`
	Reason        string `json:"reason,omitempty"`
	FeeParamsHash string `json:"feeParamsHash"`
}

// TxTemplateCommitPayload commits to both execution template digests.
type TxTemplateCommitPayload struct {
	DigestA    string `json:"digestA"`
	DigestB    string `json:"digestB"`
	CommitHash string `json:"commitHash"`
}

// TxTemplateAckPayload acknowledges a template commit.
type TxTemplateAckPayload struct {
	OK         bool   `json:"ok"`
	Reason     string `json:"reason,omitempty"`
	CommitHash string `json:"commitHash"`
}

// AdaptorStartPayload opens one adaptor leg.
type AdaptorStartPayload struct {
	Which  string `json:"which"`
	Digest string `json:"digest"`
	T      string `json:"T"`
	Mode   string `json:"mode"`
}

// AdaptorRespPayload returns Bob's pre-signature for one leg.
type AdaptorRespPayload struct {
	Which      string `json:"which"`
	Digest     string `json:"digest"`
	T          string `json:"T"`
	AdaptorSig string `json:"adaptorSig"`
	Mode       string `json:"mode"`
}

// AdaptorAckPayload closes one adaptor leg.
type AdaptorAckPayload struct {
	Which  string `json:"which"`
	OK     bool   `json:"ok"`
	Digest string `json:"digest"`
	T      string `json:"T"`
	Reason string `json:"reason,omitempty"`
}

// BroadcastPayload announces an on-chain broadcast.
type BroadcastPayload struct {
	TxHash string `json:"txHash"`
}

// AbortPayload terminates the session.
type AbortPayload struct {
	Code    AbortCode `json:"code"`
	Message string    `json:"message"`
}

// ErrorPayload is informational and triggers no state change.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AdaptorModeMock marks the degenerate commit-reveal signing model.
const AdaptorModeMock = "mock"

// FeeModeFixed is the only fee mode; there is no renegotiation.
const FeeModeFixed = "fixed"
