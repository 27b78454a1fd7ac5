package relay

import (
	"github.com/x402-foundation/gasless-relay/mechanisms/evm"
)

// DomainParams is the EIP-712 domain the payer signed under. Empty fields take
// the relay's configured defaults; an empty verifying contract means the payer.
type DomainParams struct {
	Name              string `json:"name,omitempty"`
	Version           string `json:"version,omitempty"`
	ChainID           string `json:"chainId,omitempty"`
	VerifyingContract string `json:"verifyingContract,omitempty"`
}

// RelayRequest is an inbound payment to relay.
type RelayRequest struct {
	Payer         string             `json:"payer"`
	Intent        evm.TransferIntent `json:"intent"`
	Domain        DomainParams       `json:"domain"`
	Signature     string             `json:"signature"`
	Authorization *evm.Authorization `json:"authorization,omitempty"`

	// SessionID links a relay started from a QR session to its receipt.
	SessionID string `json:"-"`
}

// OutcomeStatus tags a relay outcome.
type OutcomeStatus string

const (
	// StatusMined means a receipt was observed; Success tells whether the
	// transfer executed or reverted.
	StatusMined OutcomeStatus = "mined"
	// StatusPending means the transaction was broadcast but not confirmed
	// before the wait timed out. It may still land.
	StatusPending OutcomeStatus = "pending"
	// StatusRejected means nothing was mined: the network refused the
	// broadcast or a hook aborted the relay.
	StatusRejected OutcomeStatus = "rejected"
)

// Outcome is the result of one relay attempt. It is never persisted by the relay.
type Outcome struct {
	Status      OutcomeStatus     `json:"status"`
	TxHash      string            `json:"txHash,omitempty"`
	BlockNumber uint64            `json:"blockNumber,omitempty"`
	GasUsed     uint64            `json:"gasUsed,omitempty"`
	Success     bool              `json:"success"`
	Reason      string            `json:"reason,omitempty"`
	Cause       *evm.DecodedError `json:"cause,omitempty"`
	Payer       string            `json:"payer,omitempty"`
	NoncePath   string            `json:"noncePath,omitempty"`
}

// NonceRequest asks for a payer's next sequence number.
type NonceRequest struct {
	Payer         string             `json:"payer"`
	Authorization *evm.Authorization `json:"authorization,omitempty"`
}

// NonceResponse is the resolved sequence number and the path that produced it.
type NonceResponse struct {
	Nonce string `json:"nonce"`
	Path  string `json:"path"`
}

// DelegationStatus reports whether an account carries a delegation designator.
type DelegationStatus struct {
	Address   string `json:"address"`
	Delegated bool   `json:"delegated"`
	Delegate  string `json:"delegate,omitempty"`
	// MatchesConfigured is set when the delegate is the relay's configured one.
	MatchesConfigured bool `json:"matchesConfigured"`
}
