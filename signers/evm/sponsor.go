package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	relayevm "github.com/x402-foundation/gasless-relay/mechanisms/evm"
)

// SponsorSigner implements relayevm.SponsorEvmSigner on top of an ethclient.
// The sponsor key signs and pays for every broadcast transaction.
type SponsorSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	client     *ethclient.Client
	chainID    *big.Int

	// sendMu serializes nonce assignment for the sponsor account.
	sendMu sync.Mutex
}

// NewSponsorSigner dials rpcURL and loads the sponsor key.
func NewSponsorSigner(ctx context.Context, privateKeyHex string, rpcURL string) (*SponsorSigner, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	return &SponsorSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		client:     client,
		chainID:    chainID,
	}, nil
}

// Close releases the RPC connection.
func (s *SponsorSigner) Close() {
	s.client.Close()
}

func (s *SponsorSigner) GetAddress() string {
	return s.address.Hex()
}

func (s *SponsorSigner) GetChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.chainID), nil
}

func (s *SponsorSigner) callMsg(call relayevm.CallRequest) ethereum.CallMsg {
	to := common.HexToAddress(call.To)
	msg := ethereum.CallMsg{
		To:                &to,
		Data:              call.Data,
		AuthorizationList: call.AuthorizationList,
	}
	if call.From != "" {
		msg.From = common.HexToAddress(call.From)
	}
	return msg
}

func (s *SponsorSigner) Call(ctx context.Context, call relayevm.CallRequest) ([]byte, error) {
	return s.client.CallContract(ctx, s.callMsg(call), nil)
}

func (s *SponsorSigner) GetStorageAt(ctx context.Context, address string, slot common.Hash) ([]byte, error) {
	return s.client.StorageAt(ctx, common.HexToAddress(address), slot, nil)
}

func (s *SponsorSigner) GetCode(ctx context.Context, address string) ([]byte, error) {
	return s.client.CodeAt(ctx, common.HexToAddress(address), nil)
}

func (s *SponsorSigner) GetTransactionCount(ctx context.Context, address string) (uint64, error) {
	return s.client.NonceAt(ctx, common.HexToAddress(address), nil)
}

func (s *SponsorSigner) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	if tokenAddress == "" || common.HexToAddress(tokenAddress) == (common.Address{}) {
		return s.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	}

	data, err := relayevm.EncodeBalanceOf(common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	out, err := s.Call(ctx, relayevm.CallRequest{To: tokenAddress, Data: data})
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}
	return relayevm.DecodeBalanceOf(out)
}

// GetFeeData reads the latest base fee and the node's tip and price
// suggestions. A missing suggestion is left nil.
func (s *SponsorSigner) GetFeeData(ctx context.Context) (*relayevm.FeeData, error) {
	header, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}

	data := &relayevm.FeeData{BaseFee: header.BaseFee}
	if tip, err := s.client.SuggestGasTipCap(ctx); err == nil {
		data.GasTipCap = tip
	}
	if price, err := s.client.SuggestGasPrice(ctx); err == nil {
		data.GasPrice = price
	}
	if data.BaseFee == nil && data.GasPrice == nil {
		return nil, errors.New("node returned neither a base fee nor a gas price")
	}
	return data, nil
}

func (s *SponsorSigner) EstimateGas(ctx context.Context, call relayevm.CallRequest) (uint64, error) {
	return s.client.EstimateGas(ctx, s.callMsg(call))
}

// SendTransaction signs and broadcasts tx. Requests with an authorization list
// become set-code transactions; others use the fee mode's native type.
func (s *SponsorSigner) SendTransaction(ctx context.Context, tx relayevm.TransactionRequest) (string, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	txData, err := s.txData(tx, nonce)
	if err != nil {
		return "", err
	}

	signedTx, err := types.SignNewTx(s.privateKey, types.LatestSignerForChainID(s.chainID), txData)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

func (s *SponsorSigner) txData(tx relayevm.TransactionRequest, nonce uint64) (types.TxData, error) {
	to := common.HexToAddress(tx.To)
	gas := tx.Gas
	if gas == 0 {
		gas = relayevm.DefaultGasLimit
	}

	tipCap, feeCap := tx.Fee.GasTipCap, tx.Fee.GasFeeCap
	if tx.Fee.Mode == relayevm.FeeModeLegacy {
		tipCap, feeCap = tx.Fee.GasPrice, tx.Fee.GasPrice
	}

	if len(tx.AuthorizationList) > 0 {
		if tipCap == nil || feeCap == nil {
			return nil, errors.New("set-code transaction requires fee caps")
		}
		return &types.SetCodeTx{
			ChainID:   relayevm.ToUint256(s.chainID),
			Nonce:     nonce,
			GasTipCap: relayevm.ToUint256(tipCap),
			GasFeeCap: relayevm.ToUint256(feeCap),
			Gas:       gas,
			To:        to,
			Value:     new(uint256.Int),
			Data:      tx.Data,
			AuthList:  tx.AuthorizationList,
		}, nil
	}

	switch tx.Fee.Mode {
	case relayevm.FeeModeDynamic:
		return &types.DynamicFeeTx{
			ChainID:   s.chainID,
			Nonce:     nonce,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     big.NewInt(0),
			Data:      tx.Data,
		}, nil
	case relayevm.FeeModeLegacy:
		return &types.LegacyTx{
			Nonce:    nonce,
			GasPrice: tx.Fee.GasPrice,
			Gas:      gas,
			To:       &to,
			Value:    big.NewInt(0),
			Data:     tx.Data,
		}, nil
	}
	return nil, fmt.Errorf("unknown fee mode %q", tx.Fee.Mode)
}

// WaitForTransactionReceipt polls for the receipt until it exists or ctx ends.
func (s *SponsorSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*relayevm.TransactionReceipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(relayevm.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return &relayevm.TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
				TxHash:      receipt.TxHash.Hex(),
			}, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			return nil, fmt.Errorf("failed to get receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ relayevm.SponsorEvmSigner = (*SponsorSigner)(nil)
