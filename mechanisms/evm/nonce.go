package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Nonce resolution paths
const (
	NoncePathView    = "view"
	NoncePathStorage = "storage"
)

var errNoDelegationContext = errors.New("no authorization supplied and account is not delegated")

// ResolveStep is the tagged result of one nonce resolution attempt.
type ResolveStep struct {
	Path  string
	Value *big.Int
	Err   error
}

// NonceResolution is the resolved sequence number and how it was obtained.
type NonceResolution struct {
	Nonce    *big.Int
	Path     string
	Attempts []ResolveStep
}

// ViewErr returns the error of the view-call step, if it was attempted and failed.
func (r *NonceResolution) ViewErr() error {
	for _, step := range r.Attempts {
		if step.Path == NoncePathView && step.Err != nil {
			return step.Err
		}
	}
	return nil
}

// ResolveNonce returns the payer's next expected sequence number.
//
// The delegated view call is tried first when a delegation context exists:
// either the supplied authorization, or a delegation designator already in the
// payer's code. Any failure there falls back to reading storage slot 0. Only a
// failure of the storage read is returned as an error.
func ResolveNonce(ctx context.Context, signer SponsorEvmSigner, payer common.Address, auth *types.SetCodeAuthorization) (*NonceResolution, error) {
	resolution := &NonceResolution{}

	view := resolveViaView(ctx, signer, payer, auth)
	resolution.Attempts = append(resolution.Attempts, view)
	if view.Err == nil {
		resolution.Nonce = view.Value
		resolution.Path = NoncePathView
		return resolution, nil
	}

	storage := resolveViaStorage(ctx, signer, payer)
	resolution.Attempts = append(resolution.Attempts, storage)
	if storage.Err != nil {
		return resolution, fmt.Errorf("failed to resolve nonce for %s: %w", payer.Hex(), errors.Join(view.Err, storage.Err))
	}
	resolution.Nonce = storage.Value
	resolution.Path = NoncePathStorage
	return resolution, nil
}

func resolveViaView(ctx context.Context, signer SponsorEvmSigner, payer common.Address, auth *types.SetCodeAuthorization) ResolveStep {
	call := CallRequest{
		From: signer.GetAddress(),
		To:   payer.Hex(),
		Data: EncodeNonceCall(),
	}
	if auth != nil {
		call.AuthorizationList = []types.SetCodeAuthorization{*auth}
	} else {
		code, err := signer.GetCode(ctx, payer.Hex())
		if err != nil {
			return ResolveStep{Path: NoncePathView, Err: fmt.Errorf("failed to read code: %w", err)}
		}
		if _, ok := ParseDelegation(code); !ok {
			return ResolveStep{Path: NoncePathView, Err: errNoDelegationContext}
		}
	}

	out, err := signer.Call(ctx, call)
	if err != nil {
		return ResolveStep{Path: NoncePathView, Err: err}
	}
	value, err := decodeUint256(delegateABI, FunctionNonce, out)
	if err != nil {
		return ResolveStep{Path: NoncePathView, Err: err}
	}
	return ResolveStep{Path: NoncePathView, Value: value}
}

func resolveViaStorage(ctx context.Context, signer SponsorEvmSigner, payer common.Address) ResolveStep {
	raw, err := signer.GetStorageAt(ctx, payer.Hex(), common.BigToHash(big.NewInt(NonceStorageSlot)))
	if err != nil {
		return ResolveStep{Path: NoncePathStorage, Err: fmt.Errorf("failed to read storage: %w", err)}
	}
	return ResolveStep{Path: NoncePathStorage, Value: new(big.Int).SetBytes(raw)}
}

// BadNonceError reports an intent whose sequence number is not the one the
// delegate contract expects next.
type BadNonceError struct {
	Got      *big.Int
	Expected *big.Int
}

func (e *BadNonceError) Error() string {
	return fmt.Sprintf("bad nonce: got %s, expected %s", e.Got, e.Expected)
}

// CheckNonce compares the intent's sequence number with the resolved one.
func CheckNonce(got, expected *big.Int) error {
	if got.Cmp(expected) != 0 {
		return &BadNonceError{Got: new(big.Int).Set(got), Expected: new(big.Int).Set(expected)}
	}
	return nil
}
