package evm

import (
	"context"
	"fmt"
	"time"
)

// SubmitState is where a submission ended.
type SubmitState string

const (
	SubmitStateMined   SubmitState = "mined"
	SubmitStatePending SubmitState = "pending"
)

// SubmitResult is the outcome of a broadcast transaction.
type SubmitResult struct {
	State   SubmitState
	TxHash  string
	Receipt *TransactionReceipt

	// Simulation is the decoded failure of the pre-submit dry run, if it failed.
	Simulation *DecodedError
	// WaitErr is why the wait ended without a receipt.
	WaitErr error
}

// SubmitError is a broadcast the network refused.
type SubmitError struct {
	Cause *DecodedError
	Err   error
}

func (e *SubmitError) Error() string {
	if e.Cause.Known() {
		return fmt.Sprintf("submission failed: %s", e.Cause)
	}
	return fmt.Sprintf("submission failed: %v", e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// Submit dry-runs, broadcasts and waits for a built transaction.
//
// A failed dry run does not block the broadcast: some networks reject the
// delegation context in eth_call but honor it in a transaction. The wait is
// bounded by timeout; reaching it yields SubmitStatePending without touching
// the broadcast transaction.
func Submit(ctx context.Context, signer SponsorEvmSigner, built *BuiltTransaction, timeout time.Duration) (*SubmitResult, error) {
	result := &SubmitResult{}

	if _, err := signer.Call(ctx, built.Call(signer.GetAddress())); err != nil {
		result.Simulation = ClassifyError(err)
	}

	txHash, err := signer.SendTransaction(ctx, built.Request())
	if err != nil {
		return result, &SubmitError{Cause: ClassifyError(err), Err: err}
	}
	result.TxHash = txHash

	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, err := signer.WaitForTransactionReceipt(waitCtx, txHash)
	if err != nil {
		result.State = SubmitStatePending
		result.WaitErr = err
		return result, nil
	}

	result.State = SubmitStateMined
	result.Receipt = receipt
	return result, nil
}
