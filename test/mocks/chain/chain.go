package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/x402-foundation/gasless-relay/mechanisms/evm"
)

// Mode controls what happens to broadcast transactions.
type Mode int

const (
	// ModeMine mines every transaction immediately.
	ModeMine Mode = iota
	// ModePending never produces a receipt.
	ModePending
	// ModeRevert mines every transaction with a failed status.
	ModeRevert
)

// ErrViewUnsupported is returned for delegated view calls when the chain does
// not honor a delegation context in eth_call.
var ErrViewUnsupported = errors.New("delegation context not supported in call")

// SponsorAddress is the address reported by GetAddress.
var SponsorAddress = common.HexToAddress("0x5050505050505050505050505050505050505050")

var delegateABI = mustParse(evm.DelegateABI)

func mustParse(raw []byte) abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Chain is a deterministic in-memory chain implementing evm.SponsorEvmSigner.
// Mined transfers move token balances and advance the payer's slot 0 sequence
// number, as the delegate contract would.
type Chain struct {
	mu sync.Mutex

	chainID  *big.Int
	baseFee  *big.Int
	tipCap   *big.Int
	gasPrice *big.Int

	balances      map[common.Address]map[common.Address]*big.Int
	slots         map[common.Address]*big.Int
	code          map[common.Address][]byte
	accountNonces map[common.Address]uint64
	receipts      map[string]*evm.TransactionReceipt
	blockNumber   uint64

	// ViewCalls makes delegated nonce() calls succeed.
	ViewCalls bool
	Mode      Mode

	// Error injection
	BalanceErr   error
	SimulateErr  error
	SendErr      error
	EstimateErr  error
	FeeErr       error
	StorageErr   error
	EstimatedGas uint64
	GasUsed      uint64
	Sent         []evm.TransactionRequest
	Calls        []evm.CallRequest
	StorageReads int
	BalanceReads int
}

// New creates a chain with dynamic fees enabled.
func New(chainID int64) *Chain {
	return &Chain{
		chainID:       big.NewInt(chainID),
		baseFee:       big.NewInt(10_000_000_000),
		tipCap:        big.NewInt(500_000_000),
		gasPrice:      big.NewInt(12_000_000_000),
		balances:      make(map[common.Address]map[common.Address]*big.Int),
		slots:         make(map[common.Address]*big.Int),
		code:          make(map[common.Address][]byte),
		accountNonces: make(map[common.Address]uint64),
		receipts:      make(map[string]*evm.TransactionReceipt),
		blockNumber:   100,
		EstimatedGas:  100_000,
		GasUsed:       85_000,
	}
}

// SetLegacy drops the base fee so the network looks pre-London.
func (c *Chain) SetLegacy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseFee = nil
}

// SetBalance sets holder's balance of token.
func (c *Chain) SetBalance(token, holder common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balances[token] == nil {
		c.balances[token] = make(map[common.Address]*big.Int)
	}
	c.balances[token][holder] = new(big.Int).Set(amount)
}

// Balance returns holder's balance of token.
func (c *Chain) Balance(token, holder common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceLocked(token, holder)
}

func (c *Chain) balanceLocked(token, holder common.Address) *big.Int {
	if b, ok := c.balances[token][holder]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

// SetSequence sets the delegate sequence number stored in slot 0.
func (c *Chain) SetSequence(account common.Address, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[account] = big.NewInt(n)
}

// Sequence returns the slot 0 sequence number.
func (c *Chain) Sequence(account common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.slots[account]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

// SetDelegation installs a delegation designator in account's code.
func (c *Chain) SetDelegation(account, delegate common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code[account] = types.AddressToDelegation(delegate)
}

// SetAccountNonce sets the account-level transaction counter.
func (c *Chain) SetAccountNonce(account common.Address, n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accountNonces[account] = n
}

// SentCount returns how many transactions were broadcast.
func (c *Chain) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Sent)
}

// CallCount returns how many eth_call requests were made.
func (c *Chain) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}

func (c *Chain) GetAddress() string {
	return SponsorAddress.Hex()
}

func (c *Chain) GetChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

func (c *Chain) Call(ctx context.Context, call evm.CallRequest) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, call)

	if len(call.Data) < 4 {
		return nil, fmt.Errorf("call data too short")
	}
	method, err := delegateABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}

	to := common.HexToAddress(call.To)
	switch method.Name {
	case evm.FunctionNonce:
		_, delegated := types.ParseDelegation(c.code[to])
		if !c.ViewCalls || (len(call.AuthorizationList) == 0 && !delegated) {
			return nil, ErrViewUnsupported
		}
		seq := c.slots[to]
		if seq == nil {
			seq = big.NewInt(0)
		}
		return method.Outputs.Pack(seq)
	case evm.FunctionExecuteTransfer:
		if c.SimulateErr != nil {
			return nil, c.SimulateErr
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported method %s", method.Name)
}

func (c *Chain) GetStorageAt(ctx context.Context, address string, slot common.Hash) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StorageReads++
	if c.StorageErr != nil {
		return nil, c.StorageErr
	}
	if slot != (common.Hash{}) {
		return common.Hash{}.Bytes(), nil
	}
	v, ok := c.slots[common.HexToAddress(address)]
	if !ok {
		return nil, nil
	}
	return common.BigToHash(v).Bytes(), nil
}

func (c *Chain) GetCode(ctx context.Context, address string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code[common.HexToAddress(address)], nil
}

func (c *Chain) GetTransactionCount(ctx context.Context, address string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountNonces[common.HexToAddress(address)], nil
}

func (c *Chain) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BalanceReads++
	if c.BalanceErr != nil {
		return nil, c.BalanceErr
	}
	return c.balanceLocked(common.HexToAddress(tokenAddress), common.HexToAddress(address)), nil
}

func (c *Chain) GetFeeData(ctx context.Context) (*evm.FeeData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FeeErr != nil {
		return nil, c.FeeErr
	}
	data := &evm.FeeData{
		GasTipCap: new(big.Int).Set(c.tipCap),
		GasPrice:  new(big.Int).Set(c.gasPrice),
	}
	if c.baseFee != nil {
		data.BaseFee = new(big.Int).Set(c.baseFee)
	}
	return data, nil
}

func (c *Chain) EstimateGas(ctx context.Context, call evm.CallRequest) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.EstimateErr != nil {
		return 0, c.EstimateErr
	}
	return c.EstimatedGas, nil
}

func (c *Chain) SendTransaction(ctx context.Context, tx evm.TransactionRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return "", c.SendErr
	}
	c.Sent = append(c.Sent, tx)
	hash := crypto.Keccak256Hash(big.NewInt(int64(len(c.Sent))).Bytes(), tx.Data).Hex()

	for _, auth := range tx.AuthorizationList {
		if authority, err := auth.Authority(); err == nil {
			c.code[authority] = types.AddressToDelegation(auth.Address)
			c.accountNonces[authority]++
		}
	}

	switch c.Mode {
	case ModePending:
		return hash, nil
	case ModeRevert:
		c.mineLocked(hash, evm.TxStatusFailed)
		return hash, nil
	}

	status := uint64(evm.TxStatusSuccess)
	if err := c.applyTransferLocked(common.HexToAddress(tx.To), tx.Data); err != nil {
		status = evm.TxStatusFailed
	}
	c.mineLocked(hash, status)
	return hash, nil
}

func (c *Chain) mineLocked(hash string, status uint64) {
	c.blockNumber++
	c.receipts[hash] = &evm.TransactionReceipt{
		Status:      status,
		BlockNumber: c.blockNumber,
		GasUsed:     c.GasUsed,
		TxHash:      hash,
	}
}

func (c *Chain) applyTransferLocked(account common.Address, data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("call data too short")
	}
	method, err := delegateABI.MethodById(data[:4])
	if err != nil || method.Name != evm.FunctionExecuteTransfer {
		return fmt.Errorf("not a transfer")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return err
	}
	intent := abi.ConvertType(args[0], new(evm.ParsedIntent)).(*evm.ParsedIntent)
	if intent.From != account {
		return fmt.Errorf("bad context")
	}

	seq := c.slots[account]
	if seq == nil {
		seq = big.NewInt(0)
	}
	if intent.Nonce.Cmp(seq) != 0 {
		return fmt.Errorf("bad nonce")
	}
	balance := c.balanceLocked(intent.Token, intent.From)
	if balance.Cmp(intent.Amount) < 0 {
		return fmt.Errorf("insufficient balance")
	}

	if c.balances[intent.Token] == nil {
		c.balances[intent.Token] = make(map[common.Address]*big.Int)
	}
	c.balances[intent.Token][intent.From] = new(big.Int).Sub(balance, intent.Amount)
	c.balances[intent.Token][intent.To] = new(big.Int).Add(c.balanceLocked(intent.Token, intent.To), intent.Amount)
	c.slots[account] = new(big.Int).Add(seq, big.NewInt(1))
	return nil
}

func (c *Chain) WaitForTransactionReceipt(ctx context.Context, txHash string) (*evm.TransactionReceipt, error) {
	c.mu.Lock()
	receipt, ok := c.receipts[txHash]
	c.mu.Unlock()
	if ok {
		r := *receipt
		return &r, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}
