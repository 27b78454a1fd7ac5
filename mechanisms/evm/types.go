package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransferIntent is the off-chain transfer the payer signs.
type TransferIntent struct {
	From     string `json:"from"`     // Payer address (hex)
	Token    string `json:"token"`    // ERC-20 token address (hex)
	To       string `json:"to"`       // Recipient address (hex)
	Amount   string `json:"amount"`   // Smallest token unit as decimal string
	Nonce    string `json:"nonce"`    // Delegate contract sequence number as decimal string
	Deadline string `json:"deadline"` // Unix timestamp as decimal string
}

// Authorization is an EIP-7702 delegation authorization signed by the payer.
type Authorization struct {
	ChainID   string `json:"chainId"`   // Decimal chain id
	Address   string `json:"address"`   // Delegate contract address (hex)
	Nonce     uint64 `json:"nonce"`     // Payer account transaction count
	Signature string `json:"signature"` // 65-byte r||s||v signature (hex)
}

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TransactionReceipt represents the receipt of a mined transaction
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
	TxHash      string `json:"transactionHash"`
}

// FeeData is the network's current fee view. BaseFee is nil on networks
// without dynamic fees.
type FeeData struct {
	BaseFee   *big.Int
	GasTipCap *big.Int
	GasPrice  *big.Int
}

// CallRequest describes a read-only call, optionally executed under an
// EIP-7702 delegation context.
type CallRequest struct {
	From              string
	To                string
	Data              []byte
	AuthorizationList []types.SetCodeAuthorization
}

// TransactionRequest is what the sponsor signs and broadcasts. Gas of zero
// leaves the limit to the signer's default.
type TransactionRequest struct {
	To                string
	Data              []byte
	Gas               uint64
	Fee               FeeConfig
	AuthorizationList []types.SetCodeAuthorization
}

// SponsorEvmSigner is the chain access the relay needs. The sponsor account
// behind it pays gas for every submitted transaction.
type SponsorEvmSigner interface {
	// GetAddress returns the sponsor address
	GetAddress() string

	// GetChainID returns the chain ID of the connected network
	GetChainID(ctx context.Context) (*big.Int, error)

	// Call executes a read-only call and returns the raw return data
	Call(ctx context.Context, call CallRequest) ([]byte, error)

	// GetStorageAt reads one storage slot of an account
	GetStorageAt(ctx context.Context, address string, slot common.Hash) ([]byte, error)

	// GetCode returns the bytecode at the given address
	GetCode(ctx context.Context, address string) ([]byte, error)

	// GetTransactionCount returns the account-level transaction counter
	GetTransactionCount(ctx context.Context, address string) (uint64, error)

	// GetBalance gets the balance of an address for a specific token
	GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error)

	// GetFeeData returns current fee suggestions and the latest base fee
	GetFeeData(ctx context.Context) (*FeeData, error)

	// EstimateGas estimates the gas a call would use
	EstimateGas(ctx context.Context, call CallRequest) (uint64, error)

	// SendTransaction signs the request with the sponsor key and broadcasts it
	SendTransaction(ctx context.Context, tx TransactionRequest) (string, error)

	// WaitForTransactionReceipt waits for a transaction to be mined. It returns
	// the context error when ctx ends first.
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)
}
