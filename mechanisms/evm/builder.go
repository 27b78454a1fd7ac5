package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// BuiltTransaction is a sponsor transaction ready for submission.
type BuiltTransaction struct {
	To                common.Address
	CallData          []byte
	Fee               FeeConfig
	FeeSteps          []FeeStep
	GasLimit          uint64
	AuthorizationList []types.SetCodeAuthorization

	// EstimateErr is set when gas estimation failed and GasLimit was left unset.
	EstimateErr error
}

// Request converts the built transaction into a signer request.
func (b *BuiltTransaction) Request() TransactionRequest {
	return TransactionRequest{
		To:                b.To.Hex(),
		Data:              b.CallData,
		Gas:               b.GasLimit,
		Fee:               b.Fee,
		AuthorizationList: b.AuthorizationList,
	}
}

// Call converts the built transaction into a read-only call from the sponsor.
func (b *BuiltTransaction) Call(from string) CallRequest {
	return CallRequest{
		From:              from,
		To:                b.To.Hex(),
		Data:              b.CallData,
		AuthorizationList: b.AuthorizationList,
	}
}

// BuildTransaction encodes the delegated transfer call, selects fees and
// estimates gas. The transaction targets the payer's own account, which runs
// the delegate's code.
func BuildTransaction(
	ctx context.Context,
	signer SponsorEvmSigner,
	intent *ParsedIntent,
	signature []byte,
	auth *types.SetCodeAuthorization,
	minTip *big.Int,
) (*BuiltTransaction, error) {
	callData, err := EncodeExecuteTransfer(intent, signature)
	if err != nil {
		return nil, err
	}

	built := &BuiltTransaction{
		To:       intent.From,
		CallData: callData,
	}
	if auth != nil {
		built.AuthorizationList = []types.SetCodeAuthorization{*auth}
	}

	feeData, err := signer.GetFeeData(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get fee data: %w", err)
	}
	selection, err := SelectFees(feeData, minTip)
	if err != nil {
		return nil, fmt.Errorf("failed to select fees: %w", err)
	}
	built.Fee = selection.Config
	built.FeeSteps = selection.Steps

	gas, err := signer.EstimateGas(ctx, built.Call(signer.GetAddress()))
	if err != nil {
		built.EstimateErr = err
		return built, nil
	}
	built.GasLimit = WithGasMargin(gas)
	return built, nil
}

// WithGasMargin inflates an estimate by GasLimitMarginPercent.
func WithGasMargin(gas uint64) uint64 {
	return gas * (100 + GasLimitMarginPercent) / 100
}
