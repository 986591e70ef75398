package swap

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/voidswap/voidswap/pkg/canonical"
)

// HandshakeParams is the public agreement both peers sign up to. It is
// immutable once a session is created; the session id binds to it.
type HandshakeParams struct {
	Version      string `json:"version"`
	ChainID      uint64 `json:"chainId"`
	DrandChainID string `json:"drandChainId"`
	ValueA       string `json:"valueA"`
	ValueB       string `json:"valueB"`
	TargetA      string `json:"targetA"`
	TargetB      string `json:"targetB"`
	RefundRoundB uint64 `json:"refundRoundB"`
	RefundRoundA uint64 `json:"refundRoundA"`
}

// Validate checks the structural rules every params value must satisfy.
// Refund-round ordering is policy, not structure; see ValidateRefundOrder.
func (p HandshakeParams) Validate() error {
	if p.Version != Version {
		return fmt.Errorf("swap: unsupported version %q", p.Version)
	}
	if p.ChainID == 0 {
		return errors.New("swap: chainId must be positive")
	}
	if p.ChainID > canonical.MaxSafeInteger {
		return fmt.Errorf("swap: chainId %d exceeds the safe integer range", p.ChainID)
	}
	if p.DrandChainID == "" {
		return errors.New("swap: drandChainId must not be empty")
	}
	if _, err := ParseWei(p.ValueA); err != nil {
		return fmt.Errorf("swap: valueA: %w", err)
	}
	if _, err := ParseWei(p.ValueB); err != nil {
		return fmt.Errorf("swap: valueB: %w", err)
	}
	if !IsAddress(p.TargetA) {
		return fmt.Errorf("swap: targetA %q is not a lowercase 20-byte address", p.TargetA)
	}
	if !IsAddress(p.TargetB) {
		return fmt.Errorf("swap: targetB %q is not a lowercase 20-byte address", p.TargetB)
	}
	if p.RefundRoundA > canonical.MaxSafeInteger || p.RefundRoundB > canonical.MaxSafeInteger {
		return errors.New("swap: refund rounds exceed the safe integer range")
	}
	return nil
}

// ValidateRefundOrder enforces the policy that B's refund window opens
// strictly before A's. Violations are reported to the operator before a
// session starts; the state machine itself never checks this.
func ValidateRefundOrder(p HandshakeParams) error {
	if p.RefundRoundB >= p.RefundRoundA {
		return fmt.Errorf("swap: refundRoundB (%d) must be less than refundRoundA (%d)",
			p.RefundRoundB, p.RefundRoundA)
	}
	return nil
}

// Equal reports canonical equality of two params values.
func (p HandshakeParams) Equal(other HandshakeParams) bool {
	a, errA := canonical.Marshal(p)
	b, errB := canonical.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// SessionID derives the 32-byte session id from the params and the two
// peer nonces. The derivation is order-sensitive in the nonces.
func SessionID(params HandshakeParams, nonceAlice, nonceBob string) ([32]byte, error) {
	if !IsHex32(nonceAlice) {
		return [32]byte{}, fmt.Errorf("swap: alice nonce %q is not a 32-byte hex value", nonceAlice)
	}
	if !IsHex32(nonceBob) {
		return [32]byte{}, fmt.Errorf("swap: bob nonce %q is not a 32-byte hex value", nonceBob)
	}
	return canonical.Hash(map[string]any{
		"version":    sidVersion,
		"handshake":  params,
		"nonceAlice": nonceAlice,
		"nonceBob":   nonceBob,
	})
}
