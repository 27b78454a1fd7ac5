package evm_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/gasless-relay/mechanisms/evm"
)

func TestVerifyTransfer(t *testing.T) {
	payer := newPayer(t)
	intent := intentFor(payer.Address(), 1_000_000, 0)
	sig := signIntent(t, payer, intent)

	t.Run("valid signature recovers payer", func(t *testing.T) {
		signer, err := evm.VerifyTransfer(intent, domainFor(payer.Address()), sig)
		require.NoError(t, err)
		assert.Equal(t, payer.Address(), signer)
	})

	t.Run("recovery id 0/1 accepted", func(t *testing.T) {
		raw := append([]byte(nil), sig...)
		raw[64] -= 27
		signer, err := evm.VerifyTransfer(intent, domainFor(payer.Address()), raw)
		require.NoError(t, err)
		assert.Equal(t, payer.Address(), signer)
	})

	mutations := []struct {
		name   string
		mutate func(p *evm.ParsedIntent)
	}{
		{"amount", func(p *evm.ParsedIntent) { p.Amount = new(big.Int).Xor(p.Amount, big.NewInt(1)) }},
		{"recipient", func(p *evm.ParsedIntent) { p.To[19] ^= 0x01 }},
		{"nonce", func(p *evm.ParsedIntent) { p.Nonce = new(big.Int).Xor(p.Nonce, big.NewInt(1)) }},
		{"deadline", func(p *evm.ParsedIntent) { p.Deadline = new(big.Int).Add(p.Deadline, big.NewInt(1)) }},
	}
	for _, tt := range mutations {
		t.Run("mutated "+tt.name+" invalidates", func(t *testing.T) {
			mutated := *intent
			tt.mutate(&mutated)
			_, err := evm.VerifyTransfer(&mutated, domainFor(payer.Address()), sig)
			assert.ErrorIs(t, err, evm.ErrInvalidSignature)
		})
	}

	t.Run("verifying contract must be payer", func(t *testing.T) {
		domain := domainFor(payer.Address())
		domain.VerifyingContract = testDelegate.Hex()
		_, err := evm.VerifyTransfer(intent, domain, sig)
		assert.ErrorIs(t, err, evm.ErrInvalidSignature)
	})

	t.Run("signature from another key", func(t *testing.T) {
		other := newPayer(t)
		otherSig := signIntent(t, other, intent)
		_, err := evm.VerifyTransfer(intent, domainFor(payer.Address()), otherSig)
		assert.ErrorIs(t, err, evm.ErrInvalidSignature)
	})

	t.Run("wrong chain in domain", func(t *testing.T) {
		domain := domainFor(payer.Address())
		domain.ChainID = big.NewInt(1)
		_, err := evm.VerifyTransfer(intent, domain, sig)
		assert.ErrorIs(t, err, evm.ErrInvalidSignature)
	})

	t.Run("short signature", func(t *testing.T) {
		_, err := evm.VerifyTransfer(intent, domainFor(payer.Address()), sig[:64])
		assert.ErrorIs(t, err, evm.ErrInvalidSignature)
	})
}

func TestVerifyAuthorization(t *testing.T) {
	payer := newPayer(t)
	chainID := big.NewInt(testChainID)

	signed, err := payer.SignAuthorization(chainID, testDelegate, 7)
	require.NoError(t, err)
	wire := evm.AuthorizationFromSetCode(signed)

	t.Run("round trip through wire form", func(t *testing.T) {
		setCode, err := evm.VerifyAuthorization(wire, chainID, payer.Address())
		require.NoError(t, err)
		assert.Equal(t, testDelegate, setCode.Address)
		assert.Equal(t, uint64(7), setCode.Nonce)
		assert.Equal(t, signed.R, setCode.R)
		assert.Equal(t, signed.S, setCode.S)
		assert.Equal(t, signed.V, setCode.V)
	})

	t.Run("chain mismatch", func(t *testing.T) {
		_, err := evm.VerifyAuthorization(wire, big.NewInt(1), payer.Address())
		assert.ErrorIs(t, err, evm.ErrInvalidAuthorization)
	})

	t.Run("chain id zero rejected", func(t *testing.T) {
		anyChain, err := payer.SignAuthorization(big.NewInt(0), testDelegate, 7)
		require.NoError(t, err)
		_, err = evm.VerifyAuthorization(evm.AuthorizationFromSetCode(anyChain), chainID, payer.Address())
		assert.ErrorIs(t, err, evm.ErrInvalidAuthorization)
	})

	t.Run("signed by someone else", func(t *testing.T) {
		_, err := evm.VerifyAuthorization(wire, chainID, newPayer(t).Address())
		assert.ErrorIs(t, err, evm.ErrInvalidAuthorization)
	})

	t.Run("malformed", func(t *testing.T) {
		bad := wire
		bad.Signature = "0x1234"
		_, err := evm.VerifyAuthorization(bad, chainID, payer.Address())
		assert.ErrorIs(t, err, evm.ErrInvalidAuthorization)

		bad = wire
		bad.Address = "not-an-address"
		_, err = evm.VerifyAuthorization(bad, chainID, payer.Address())
		assert.ErrorIs(t, err, evm.ErrInvalidAuthorization)
	})
}

func TestTransferIntentParse(t *testing.T) {
	valid := evm.TransferIntent{
		From:     testDelegate.Hex(),
		Token:    testToken.Hex(),
		To:       testRecipient.Hex(),
		Amount:   "1000000",
		Nonce:    "0",
		Deadline: "1900000000",
	}

	parsed, err := valid.Parse()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_000_000), parsed.Amount)
	assert.Equal(t, testToken, parsed.Token)

	cases := map[string]func(i *evm.TransferIntent){
		"zero amount":     func(i *evm.TransferIntent) { i.Amount = "0" },
		"negative amount": func(i *evm.TransferIntent) { i.Amount = "-1" },
		"bad recipient":   func(i *evm.TransferIntent) { i.To = "0x123" },
		"bad nonce":       func(i *evm.TransferIntent) { i.Nonce = "abc" },
		"overflow":        func(i *evm.TransferIntent) { i.Deadline = new(big.Int).Lsh(big.NewInt(1), 256).String() },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			i := valid
			mutate(&i)
			_, err := i.Parse()
			assert.Error(t, err)
		})
	}
}

func TestParseDelegation(t *testing.T) {
	_, ok := evm.ParseDelegation(nil)
	assert.False(t, ok)

	code := append([]byte{0xef, 0x01, 0x00}, testDelegate.Bytes()...)
	target, ok := evm.ParseDelegation(code)
	require.True(t, ok)
	assert.Equal(t, testDelegate, target)

	_, ok = evm.ParseDelegation(common.FromHex("0x6080604052"))
	assert.False(t, ok)
}
