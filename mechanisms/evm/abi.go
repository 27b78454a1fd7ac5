package evm

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	delegateABI   = mustParseABI(DelegateABI)
	tokenErrorABI = mustParseABI(TokenErrorsABI)
	balanceOfABI  = mustParseABI(ERC20BalanceOfABI)
)

func mustParseABI(raw []byte) abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded ABI: %v", err))
	}
	return parsed
}

// EncodeNonceCall returns calldata for the delegate's nonce() accessor.
func EncodeNonceCall() []byte {
	data, _ := delegateABI.Pack(FunctionNonce)
	return data
}

// decodeUint256 unpacks a single uint256 return value of the named method.
func decodeUint256(contract abi.ABI, method string, data []byte) (*big.Int, error) {
	out, err := contract.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected %s result length: %d", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type: %T", method, out[0])
	}
	return v, nil
}

// EncodeExecuteTransfer returns calldata for executeTransfer(intent, signature).
func EncodeExecuteTransfer(intent *ParsedIntent, signature []byte) ([]byte, error) {
	data, err := delegateABI.Pack(FunctionExecuteTransfer, *intent, signature)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", FunctionExecuteTransfer, err)
	}
	return data, nil
}

// EncodeBalanceOf returns calldata for balanceOf(account).
func EncodeBalanceOf(account common.Address) ([]byte, error) {
	return balanceOfABI.Pack(FunctionBalanceOf, account)
}

// DecodeBalanceOf unpacks a balanceOf result.
func DecodeBalanceOf(data []byte) (*big.Int, error) {
	return decodeUint256(balanceOfABI, FunctionBalanceOf, data)
}
