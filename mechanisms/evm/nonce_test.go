package evm_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/gasless-relay/mechanisms/evm"
	"github.com/x402-foundation/gasless-relay/test/mocks/chain"
)

func signedAuth(t *testing.T, c *chain.Chain) (types.SetCodeAuthorization, *big.Int) {
	t.Helper()
	payer := newPayer(t)
	auth, err := payer.SignAuthorization(big.NewInt(testChainID), testDelegate, 0)
	require.NoError(t, err)
	c.SetSequence(payer.Address(), 4)
	return auth, big.NewInt(4)
}

func TestResolveNonce(t *testing.T) {
	ctx := context.Background()

	t.Run("view call with authorization", func(t *testing.T) {
		c := chain.New(testChainID)
		c.ViewCalls = true
		auth, want := signedAuth(t, c)
		payer, err := auth.Authority()
		require.NoError(t, err)

		res, err := evm.ResolveNonce(ctx, c, payer, &auth)
		require.NoError(t, err)
		assert.Equal(t, evm.NoncePathView, res.Path)
		assert.Equal(t, want, res.Nonce)
		assert.Len(t, res.Attempts, 1)
		assert.Zero(t, c.StorageReads)
	})

	t.Run("view call rejected falls back to storage", func(t *testing.T) {
		c := chain.New(testChainID)
		auth, want := signedAuth(t, c)
		payer, err := auth.Authority()
		require.NoError(t, err)

		res, err := evm.ResolveNonce(ctx, c, payer, &auth)
		require.NoError(t, err)
		assert.Equal(t, evm.NoncePathStorage, res.Path)
		assert.Equal(t, want, res.Nonce)
		require.Len(t, res.Attempts, 2)
		assert.ErrorIs(t, res.ViewErr(), chain.ErrViewUnsupported)
	})

	t.Run("empty storage defaults to zero", func(t *testing.T) {
		c := chain.New(testChainID)
		payer := newPayer(t).Address()

		res, err := evm.ResolveNonce(ctx, c, payer, nil)
		require.NoError(t, err)
		assert.Equal(t, evm.NoncePathStorage, res.Path)
		assert.Equal(t, 0, res.Nonce.Sign())
	})

	t.Run("existing delegation uses view call without authorization", func(t *testing.T) {
		c := chain.New(testChainID)
		c.ViewCalls = true
		payer := newPayer(t).Address()
		c.SetDelegation(payer, testDelegate)
		c.SetSequence(payer, 9)

		res, err := evm.ResolveNonce(ctx, c, payer, nil)
		require.NoError(t, err)
		assert.Equal(t, evm.NoncePathView, res.Path)
		assert.Equal(t, big.NewInt(9), res.Nonce)
		require.Len(t, c.Calls, 1)
		assert.Empty(t, c.Calls[0].AuthorizationList)
	})

	t.Run("storage failure propagates", func(t *testing.T) {
		c := chain.New(testChainID)
		c.StorageErr = errors.New("rpc down")

		_, err := evm.ResolveNonce(ctx, c, newPayer(t).Address(), nil)
		assert.ErrorContains(t, err, "rpc down")
	})
}

func TestCheckNonce(t *testing.T) {
	require.NoError(t, evm.CheckNonce(big.NewInt(3), big.NewInt(3)))

	err := evm.CheckNonce(big.NewInt(5), big.NewInt(3))
	var bad *evm.BadNonceError
	require.True(t, errors.As(err, &bad))
	assert.Equal(t, big.NewInt(5), bad.Got)
	assert.Equal(t, big.NewInt(3), bad.Expected)
}

func TestCheckBalance(t *testing.T) {
	ctx := context.Background()
	c := chain.New(testChainID)
	payer := newPayer(t).Address()
	c.SetBalance(testToken, payer, big.NewInt(500))

	_, err := evm.CheckBalance(ctx, c, testToken, payer, big.NewInt(500))
	require.NoError(t, err)

	_, err = evm.CheckBalance(ctx, c, testToken, payer, big.NewInt(1000))
	var insufficient *evm.InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, big.NewInt(500), insufficient.Balance)
	assert.Equal(t, big.NewInt(1000), insufficient.Needed)

	t.Run("read failure counts as zero", func(t *testing.T) {
		c.BalanceErr = errors.New("boom")
		_, err := evm.CheckBalance(ctx, c, testToken, payer, big.NewInt(1))
		var insufficient *evm.InsufficientBalanceError
		require.True(t, errors.As(err, &insufficient))
		assert.Equal(t, 0, insufficient.Balance.Sign())
		assert.ErrorContains(t, err, "insufficient balance")
	})
}
