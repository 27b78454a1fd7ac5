package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	relayevm "github.com/x402-foundation/gasless-relay/mechanisms/evm"
)

var errSignerWiped = errors.New("signer key has been wiped")

// PayerSigner signs transfer intents and delegation authorizations with the
// payer's ECDSA key. It never submits transactions.
type PayerSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewPayerSignerFromPrivateKey creates a payer signer from a hex-encoded private key.
//
// Args:
//
//	privateKeyHex: Hex-encoded private key (with or without "0x" prefix)
//
// Example:
//
//	signer, err := evm.NewPayerSignerFromPrivateKey("0x1234...")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sig, err := signer.SignTransfer(ctx, intent, domain)
func NewPayerSignerFromPrivateKey(privateKeyHex string) (*PayerSigner, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewPayerSigner(privateKey), nil
}

// NewPayerSigner wraps an already parsed key.
func NewPayerSigner(privateKey *ecdsa.PrivateKey) *PayerSigner {
	return &PayerSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// Address returns the payer address.
func (s *PayerSigner) Address() common.Address {
	return s.address
}

// Wipe zeroes the private scalar. The signer cannot sign afterwards.
func (s *PayerSigner) Wipe() {
	if s.privateKey != nil && s.privateKey.D != nil {
		s.privateKey.D.SetInt64(0)
	}
	s.privateKey = nil
}

// SignTypedData signs EIP-712 typed data and returns a 65-byte r||s||v
// signature with v in {27, 28}.
func (s *PayerSigner) SignTypedData(
	ctx context.Context,
	domain relayevm.TypedDataDomain,
	types map[string][]relayevm.TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	if s.privateKey == nil {
		return nil, errSignerWiped
	}
	digest, err := relayevm.HashTypedData(domain, types, primaryType, message)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	signature[64] += 27

	return signature, nil
}

// SignTransfer signs a transfer intent. The domain's verifying contract must
// be the payer's own address for the relay to accept the signature.
func (s *PayerSigner) SignTransfer(ctx context.Context, intent *relayevm.ParsedIntent, domain relayevm.TypedDataDomain) ([]byte, error) {
	return s.SignTypedData(ctx, domain, relayevm.GetTransferEIP712Types(), relayevm.PrimaryTypeTransfer, intent.Message())
}

// SignAuthorization signs an EIP-7702 authorization delegating the payer's
// account to delegate. nonce is the payer's current account transaction count.
func (s *PayerSigner) SignAuthorization(chainID *big.Int, delegate common.Address, nonce uint64) (types.SetCodeAuthorization, error) {
	if s.privateKey == nil {
		return types.SetCodeAuthorization{}, errSignerWiped
	}
	chain, overflow := uint256.FromBig(chainID)
	if overflow {
		return types.SetCodeAuthorization{}, fmt.Errorf("chain id overflows uint256: %s", chainID)
	}
	auth, err := types.SignSetCode(s.privateKey, types.SetCodeAuthorization{
		ChainID: *chain,
		Address: delegate,
		Nonce:   nonce,
	})
	if err != nil {
		return types.SetCodeAuthorization{}, fmt.Errorf("failed to sign authorization: %w", err)
	}
	return auth, nil
}
