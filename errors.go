package relay

import (
	"errors"
	"fmt"
	"math/big"
)

// RelayError is a rejected relay or session request.
type RelayError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Validation errors
const (
	ErrCodeInvalidRequest  = "invalid_request"
	ErrCodeInvalidAddress  = "invalid_address"
	ErrCodeMissingField    = "missing_field"
	ErrCodeInvalidAmount   = "invalid_amount"
	ErrCodeChainIDMismatch = "chain_id_mismatch"
)

// Verification errors
const (
	ErrCodeInvalidSignature     = "invalid_signature"
	ErrCodeInvalidAuthorization = "invalid_authorization"
)

// Precondition errors
const (
	ErrCodeBadNonce            = "bad_nonce"
	ErrCodeInsufficientBalance = "insufficient_balance"
)

// Execution errors
const (
	ErrCodeNonceResolutionFailed = "nonce_resolution_failed"
	ErrCodeBuildFailed           = "build_failed"
	ErrCodeSubmissionFailed      = "submission_failed"
)

// Session and queue errors
const (
	ErrCodeSessionNotFound         = "session_not_found"
	ErrCodeSessionExpired          = "session_expired"
	ErrCodeInvalidSession          = "invalid_session"
	ErrCodeQueueItemNotFound       = "queue_item_not_found"
	ErrCodeInvalidStatusTransition = "invalid_status_transition"
)

// NewRelayError creates a new relay error
func NewRelayError(code, message string, details map[string]interface{}) *RelayError {
	return &RelayError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewBadNonceError reports an intent sequence number that differs from the
// one the delegate expects.
func NewBadNonceError(got, expected *big.Int) *RelayError {
	return NewRelayError(ErrCodeBadNonce,
		fmt.Sprintf("sequence number %s does not match expected %s", got, expected),
		map[string]interface{}{"got": got.String(), "expected": expected.String()})
}

// NewInsufficientBalanceError reports a payer balance below the transfer amount.
func NewInsufficientBalanceError(balance, needed *big.Int) *RelayError {
	return NewRelayError(ErrCodeInsufficientBalance,
		fmt.Sprintf("balance %s is below required %s", balance, needed),
		map[string]interface{}{"balance": balance.String(), "needed": needed.String()})
}

func codeIn(err error, codes ...string) bool {
	var re *RelayError
	if !errors.As(err, &re) {
		return false
	}
	for _, c := range codes {
		if re.Code == c {
			return true
		}
	}
	return false
}

// IsValidationError reports malformed input rejected before any network call.
func IsValidationError(err error) bool {
	return codeIn(err, ErrCodeInvalidRequest, ErrCodeInvalidAddress, ErrCodeMissingField,
		ErrCodeInvalidAmount, ErrCodeChainIDMismatch, ErrCodeInvalidSession)
}

// IsVerificationError reports a signature or authorization that does not bind
// to the payer.
func IsVerificationError(err error) bool {
	return codeIn(err, ErrCodeInvalidSignature, ErrCodeInvalidAuthorization)
}

// IsPreconditionError reports on-chain state that rules the transfer out.
func IsPreconditionError(err error) bool {
	return codeIn(err, ErrCodeBadNonce, ErrCodeInsufficientBalance)
}
