package evm

import (
	"math/big"
	"time"
)

const (
	// Delegate contract function names
	FunctionNonce           = "nonce"
	FunctionExecuteTransfer = "executeTransfer"
	FunctionBalanceOf       = "balanceOf"

	// EIP-712 primary type signed by the payer
	PrimaryTypeTransfer = "Transfer"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// NonceStorageSlot is the delegate contract's storage slot holding the
	// per-account sequence counter.
	NonceStorageSlot = 0

	// GasLimitMarginPercent inflates estimated gas to absorb divergence
	// between simulation and inclusion.
	GasLimitMarginPercent = 20

	// DefaultGasLimit is used by sponsor signers when a request leaves gas unset.
	DefaultGasLimit = 300000

	// DefaultConfirmTimeout bounds the wait for a receipt after broadcast.
	DefaultConfirmTimeout = 60 * time.Second

	// ReceiptPollInterval is how often receipts are polled while waiting.
	ReceiptPollInterval = time.Second
)

// Revert cause names produced by ClassifyRevert
const (
	RevertBadContext            = "BadContext"
	RevertExpired               = "Expired"
	RevertBadSignature          = "BadSignature"
	RevertBadNonce              = "BadNonce"
	RevertInsufficientBalance   = "ERC20InsufficientBalance"
	RevertInsufficientAllowance = "ERC20InsufficientAllowance"
	RevertSafeTransferFailed    = "SafeERC20FailedOperation"
	RevertErrorString           = "Error"
	RevertUnknown               = "Unknown"
)

var (
	// DefaultMinPriorityFee is the tip floor applied in both fee modes (1 gwei).
	DefaultMinPriorityFee = big.NewInt(1_000_000_000)

	// EIP712DomainTypes is the domain separator layout shared by every intent.
	EIP712DomainTypes = []TypedDataField{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}

	// TransferTypes is the field order the payer signs over.
	TransferTypes = []TypedDataField{
		{Name: "from", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	}

	// DelegateABI is the subset of the delegate contract the relay talks to,
	// including its custom errors.
	DelegateABI = []byte(`[
		{
			"inputs": [],
			"name": "nonce",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [
				{
					"name": "intent",
					"type": "tuple",
					"components": [
						{"name": "from", "type": "address"},
						{"name": "token", "type": "address"},
						{"name": "to", "type": "address"},
						{"name": "amount", "type": "uint256"},
						{"name": "nonce", "type": "uint256"},
						{"name": "deadline", "type": "uint256"}
					]
				},
				{"name": "signature", "type": "bytes"}
			],
			"name": "executeTransfer",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{"inputs": [], "name": "BadContext", "type": "error"},
		{"inputs": [], "name": "Expired", "type": "error"},
		{"inputs": [], "name": "BadSignature", "type": "error"},
		{
			"inputs": [
				{"name": "got", "type": "uint256"},
				{"name": "expected", "type": "uint256"}
			],
			"name": "BadNonce",
			"type": "error"
		}
	]`)

	// TokenErrorsABI holds the token-side failures a transfer can surface.
	TokenErrorsABI = []byte(`[
		{
			"inputs": [
				{"name": "sender", "type": "address"},
				{"name": "balance", "type": "uint256"},
				{"name": "needed", "type": "uint256"}
			],
			"name": "ERC20InsufficientBalance",
			"type": "error"
		},
		{
			"inputs": [
				{"name": "spender", "type": "address"},
				{"name": "allowance", "type": "uint256"},
				{"name": "needed", "type": "uint256"}
			],
			"name": "ERC20InsufficientAllowance",
			"type": "error"
		},
		{
			"inputs": [
				{"name": "token", "type": "address"}
			],
			"name": "SafeERC20FailedOperation",
			"type": "error"
		}
	]`)

	// ERC20BalanceOfABI for checking token balance
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)
)

// GetTransferEIP712Types returns the complete EIP-712 types map for intent signing.
func GetTransferEIP712Types() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"EIP712Domain":      EIP712DomainTypes,
		PrimaryTypeTransfer: TransferTypes,
	}
}
