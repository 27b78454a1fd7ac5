package evm_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/gasless-relay/mechanisms/evm"
	"github.com/x402-foundation/gasless-relay/test/mocks/chain"
)

func TestBuildTransaction(t *testing.T) {
	ctx := context.Background()
	payer := newPayer(t)
	intent := intentFor(payer.Address(), 1_000_000, 0)
	sig := signIntent(t, payer, intent)
	auth, err := payer.SignAuthorization(big.NewInt(testChainID), testDelegate, 0)
	require.NoError(t, err)

	t.Run("dynamic fees with gas margin", func(t *testing.T) {
		c := chain.New(testChainID)
		built, err := evm.BuildTransaction(ctx, c, intent, sig, &auth, nil)
		require.NoError(t, err)
		assert.Equal(t, payer.Address(), built.To)
		assert.Equal(t, evm.FeeModeDynamic, built.Fee.Mode)
		assert.Equal(t, uint64(120_000), built.GasLimit)
		require.Len(t, built.AuthorizationList, 1)
		assert.NoError(t, built.EstimateErr)

		want, err := evm.EncodeExecuteTransfer(intent, sig)
		require.NoError(t, err)
		assert.Equal(t, want, built.CallData)
	})

	t.Run("legacy network", func(t *testing.T) {
		c := chain.New(testChainID)
		c.SetLegacy()
		built, err := evm.BuildTransaction(ctx, c, intent, sig, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, evm.FeeModeLegacy, built.Fee.Mode)
		assert.Empty(t, built.AuthorizationList)
	})

	t.Run("estimate failure leaves gas unset", func(t *testing.T) {
		c := chain.New(testChainID)
		c.EstimateErr = errors.New("execution reverted")
		built, err := evm.BuildTransaction(ctx, c, intent, sig, &auth, nil)
		require.NoError(t, err)
		assert.Zero(t, built.GasLimit)
		assert.Error(t, built.EstimateErr)
	})

	t.Run("fee data failure", func(t *testing.T) {
		c := chain.New(testChainID)
		c.FeeErr = errors.New("rpc down")
		_, err := evm.BuildTransaction(ctx, c, intent, sig, &auth, nil)
		assert.ErrorContains(t, err, "fee data")
	})
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	payer := newPayer(t)
	intent := intentFor(payer.Address(), 1_000, 0)
	sig := signIntent(t, payer, intent)

	build := func(t *testing.T, c *chain.Chain) *evm.BuiltTransaction {
		built, err := evm.BuildTransaction(ctx, c, intent, sig, nil, nil)
		require.NoError(t, err)
		return built
	}

	t.Run("mined", func(t *testing.T) {
		c := chain.New(testChainID)
		c.SetBalance(testToken, payer.Address(), big.NewInt(1_000))
		res, err := evm.Submit(ctx, c, build(t, c), time.Second)
		require.NoError(t, err)
		assert.Equal(t, evm.SubmitStateMined, res.State)
		require.NotNil(t, res.Receipt)
		assert.Equal(t, uint64(evm.TxStatusSuccess), res.Receipt.Status)
		assert.Nil(t, res.Simulation)
	})

	t.Run("simulation failure does not block broadcast", func(t *testing.T) {
		c := chain.New(testChainID)
		c.SimulateErr = errors.New("delegation not honored in call")
		res, err := evm.Submit(ctx, c, build(t, c), time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1, c.SentCount())
		require.NotNil(t, res.Simulation)
		assert.Equal(t, evm.RevertUnknown, res.Simulation.Name)
	})

	t.Run("timeout yields pending", func(t *testing.T) {
		c := chain.New(testChainID)
		c.Mode = chain.ModePending
		res, err := evm.Submit(ctx, c, build(t, c), 20*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, evm.SubmitStatePending, res.State)
		assert.NotEmpty(t, res.TxHash)
		assert.ErrorIs(t, res.WaitErr, context.DeadlineExceeded)
	})

	t.Run("broadcast refused", func(t *testing.T) {
		c := chain.New(testChainID)
		c.SendErr = errors.New("insufficient funds for gas")
		_, err := evm.Submit(ctx, c, build(t, c), time.Second)
		var submitErr *evm.SubmitError
		require.True(t, errors.As(err, &submitErr))
		assert.Equal(t, evm.RevertUnknown, submitErr.Cause.Name)
	})
}
