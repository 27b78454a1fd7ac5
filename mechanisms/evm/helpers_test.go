package evm_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/gasless-relay/mechanisms/evm"
	evmsigners "github.com/x402-foundation/gasless-relay/signers/evm"
)

const testChainID = 84532

var (
	testToken     = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	testRecipient = common.HexToAddress("0x209693Bc6afc0C5328bA36FaF03C514EF312287C")
	testDelegate  = common.HexToAddress("0x63c0c19a282a1B52b07dD5a65b58948A07DAE32B")
)

func newPayer(t *testing.T) *evmsigners.PayerSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return evmsigners.NewPayerSigner(key)
}

func domainFor(payer common.Address) evm.TypedDataDomain {
	return evm.TypedDataDomain{
		Name:              "GaslessTransfer",
		Version:           "1",
		ChainID:           big.NewInt(testChainID),
		VerifyingContract: payer.Hex(),
	}
}

func intentFor(payer common.Address, amount, nonce int64) *evm.ParsedIntent {
	return &evm.ParsedIntent{
		From:     payer,
		Token:    testToken,
		To:       testRecipient,
		Amount:   big.NewInt(amount),
		Nonce:    big.NewInt(nonce),
		Deadline: big.NewInt(1_900_000_000),
	}
}

func signIntent(t *testing.T, payer *evmsigners.PayerSigner, intent *evm.ParsedIntent) []byte {
	t.Helper()
	sig, err := payer.SignTransfer(context.Background(), intent, domainFor(payer.Address()))
	require.NoError(t, err)
	return sig
}
