package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ParsedIntent is a TransferIntent with its fields decoded. Field names match
// the executeTransfer tuple components so it can be ABI-packed directly.
type ParsedIntent struct {
	From     common.Address
	Token    common.Address
	To       common.Address
	Amount   *big.Int
	Nonce    *big.Int
	Deadline *big.Int
}

// Parse decodes and validates the intent fields. Amount must be positive.
func (i TransferIntent) Parse() (*ParsedIntent, error) {
	for name, addr := range map[string]string{"from": i.From, "token": i.Token, "to": i.To} {
		if !IsValidAddress(addr) {
			return nil, fmt.Errorf("invalid %s address: %q", name, addr)
		}
	}
	amount, err := ParseUint256(i.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount: %w", err)
	}
	if amount.Sign() == 0 {
		return nil, fmt.Errorf("amount must be greater than zero")
	}
	nonce, err := ParseUint256(i.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}
	deadline, err := ParseUint256(i.Deadline)
	if err != nil {
		return nil, fmt.Errorf("invalid deadline: %w", err)
	}
	return &ParsedIntent{
		From:     common.HexToAddress(i.From),
		Token:    common.HexToAddress(i.Token),
		To:       common.HexToAddress(i.To),
		Amount:   amount,
		Nonce:    nonce,
		Deadline: deadline,
	}, nil
}

// Message returns the EIP-712 message map in TransferTypes order.
func (p *ParsedIntent) Message() map[string]interface{} {
	return map[string]interface{}{
		"from":     p.From.Hex(),
		"token":    p.Token.Hex(),
		"to":       p.To.Hex(),
		"amount":   p.Amount,
		"nonce":    p.Nonce,
		"deadline": p.Deadline,
	}
}

// HashTypedData hashes EIP-712 typed data.
//
// The hash is computed as: keccak256("\x19\x01" + domainSeparator + structHash)
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	for typeName, fields := range types {
		typedFields := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			typedFields[i] = apitypes.Type{
				Name: field.Name,
				Type: field.Type,
			}
		}
		typedData.Types[typeName] = typedFields
	}

	if _, exists := typedData.Types["EIP712Domain"]; !exists {
		typedData.Types["EIP712Domain"] = []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		}
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	// 0x19 0x01 <domainSeparator> <dataHash>
	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}

// HashTransferIntent hashes a transfer intent under the given domain.
func HashTransferIntent(intent *ParsedIntent, domain TypedDataDomain) ([]byte, error) {
	return HashTypedData(domain, GetTransferEIP712Types(), PrimaryTypeTransfer, intent.Message())
}
