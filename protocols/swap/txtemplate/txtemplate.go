// Package txtemplate builds the deterministic EIP-1559 execution
// transactions and their signing digests.
//
// Both peers must produce bit-identical templates from identical inputs:
// addresses are lowercased, calldata is pinned empty, and the access list
// is pinned to the empty list. The signing digest is
// keccak-256(0x02 ‖ rlp(fields)), exactly the dynamic-fee signing hash the
// chain itself verifies.
package txtemplate

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/voidswap/voidswap/protocols/swap"
)

// Inputs are the agreed values both peers feed the builder.
type Inputs struct {
	ChainID              uint64
	TargetA              string
	TargetB              string
	MpcA                 string
	MpcB                 string
	ValueA               *big.Int
	ValueB               *big.Int
	NonceA               uint64
	NonceB               uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasLimit             uint64
}

// Pair is the derived execution context: both transactions and their
// signing digests.
type Pair struct {
	TxA     *types.Transaction
	TxB     *types.Transaction
	DigestA [32]byte
	DigestB [32]byte
}

// DigestAHex renders digestA in the protocol's hex form.
func (p *Pair) DigestAHex() string { return swap.Hex32(p.DigestA) }

// DigestBHex renders digestB in the protocol's hex form.
func (p *Pair) DigestBHex() string { return swap.Hex32(p.DigestB) }

// Build derives (txA, txB, digestA, digestB). txA moves valueA from MPC-A
// to targetB; txB mirrors it.
func Build(in Inputs) (*Pair, error) {
	if in.ChainID == 0 {
		return nil, errors.New("txtemplate: chainId must be positive")
	}
	if in.ValueA == nil || in.ValueB == nil || in.ValueA.Sign() < 0 || in.ValueB.Sign() < 0 {
		return nil, errors.New("txtemplate: values must be non-negative")
	}
	if in.MaxFeePerGas == nil || in.MaxPriorityFeePerGas == nil {
		return nil, errors.New("txtemplate: fee parameters must be set")
	}
	if in.GasLimit == 0 {
		return nil, errors.New("txtemplate: gas limit must be positive")
	}
	toB, err := parseAddress(in.TargetB)
	if err != nil {
		return nil, fmt.Errorf("txtemplate: targetB: %w", err)
	}
	toA, err := parseAddress(in.TargetA)
	if err != nil {
		return nil, fmt.Errorf("txtemplate: targetA: %w", err)
	}

	chainID := new(big.Int).SetUint64(in.ChainID)
	txA := types.NewTx(&types.DynamicFeeTx{
		ChainID:    chainID,
		Nonce:      in.NonceA,
		GasTipCap:  new(big.Int).Set(in.MaxPriorityFeePerGas),
		GasFeeCap:  new(big.Int).Set(in.MaxFeePerGas),
		Gas:        in.GasLimit,
		To:         &toB,
		Value:      new(big.Int).Set(in.ValueA),
		Data:       nil,
		AccessList: types.AccessList{},
	})
	txB := types.NewTx(&types.DynamicFeeTx{
		ChainID:    chainID,
		Nonce:      in.NonceB,
		GasTipCap:  new(big.Int).Set(in.MaxPriorityFeePerGas),
		GasFeeCap:  new(big.Int).Set(in.MaxFeePerGas),
		Gas:        in.GasLimit,
		To:         &toA,
		Value:      new(big.Int).Set(in.ValueB),
		Data:       nil,
		AccessList: types.AccessList{},
	})

	signer := types.LatestSignerForChainID(chainID)
	return &Pair{
		TxA:     txA,
		TxB:     txB,
		DigestA: [32]byte(signer.Hash(txA)),
		DigestB: [32]byte(signer.Hash(txB)),
	}, nil
}

// FromSession assembles builder inputs from the handshake params, the
// keygen addresses, the agreed nonces, and the fee proposal.
func FromSession(params swap.HandshakeParams, mpcA, mpcB string, nonceA, nonceB uint64, fee swap.FeeParamsPayload) (Inputs, error) {
	valueA, err := swap.ParseWei(params.ValueA)
	if err != nil {
		return Inputs{}, fmt.Errorf("txtemplate: valueA: %w", err)
	}
	valueB, err := swap.ParseWei(params.ValueB)
	if err != nil {
		return Inputs{}, fmt.Errorf("txtemplate: valueB: %w", err)
	}
	maxFee, err := swap.ParseWei(fee.MaxFeePerGasWei)
	if err != nil {
		return Inputs{}, fmt.Errorf("txtemplate: maxFeePerGasWei: %w", err)
	}
	maxTip, err := swap.ParseWei(fee.MaxPriorityFeePerGasWei)
	if err != nil {
		return Inputs{}, fmt.Errorf("txtemplate: maxPriorityFeePerGasWei: %w", err)
	}
	gas, err := swap.ParseWei(fee.GasLimit)
	if err != nil {
		return Inputs{}, fmt.Errorf("txtemplate: gasLimit: %w", err)
	}
	if !gas.IsUint64() || gas.Uint64() == 0 {
		return Inputs{}, fmt.Errorf("txtemplate: gasLimit %q out of range", fee.GasLimit)
	}
	return Inputs{
		ChainID:              params.ChainID,
		TargetA:              params.TargetA,
		TargetB:              params.TargetB,
		MpcA:                 mpcA,
		MpcB:                 mpcB,
		ValueA:               valueA,
		ValueB:               valueB,
		NonceA:               nonceA,
		NonceB:               nonceB,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxTip,
		GasLimit:             gas.Uint64(),
	}, nil
}

func parseAddress(s string) (common.Address, error) {
	lower := strings.ToLower(s)
	if !swap.IsAddress(lower) {
		return common.Address{}, fmt.Errorf("%q is not a 20-byte address", s)
	}
	return common.HexToAddress(lower), nil
}
