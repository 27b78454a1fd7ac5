package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/x402-foundation/gasless-relay/mechanisms/evm"
	"github.com/x402-foundation/gasless-relay/pkg/log"
	"github.com/x402-foundation/gasless-relay/session"
	evmsigner "github.com/x402-foundation/gasless-relay/signers/evm"
)

// PayFromSession relays a combined QR session on the payer's behalf. The
// session key signs the intent, plus an authorization when the account is not
// yet delegated to the configured delegate. The key is wiped before the
// transaction is built.
func (r *Relay) PayFromSession(ctx context.Context, combined *session.CombinedTransfer) (*Outcome, error) {
	defer combined.Wipe()

	if r.delegate == nil {
		return nil, NewRelayError(ErrCodeInvalidRequest, "session payments require a configured delegate", nil)
	}
	if combined.ChainID != nil && combined.ChainID.Cmp(r.chainID) != 0 {
		return nil, NewRelayError(ErrCodeChainIDMismatch,
			fmt.Sprintf("session chain id %s does not match active chain %s", combined.ChainID, r.chainID),
			map[string]interface{}{"got": combined.ChainID.String(), "expected": r.chainID.String()})
	}

	if combined.Amount == nil || combined.Amount.Sign() <= 0 {
		return nil, NewRelayError(ErrCodeInvalidAmount, "session amount must be greater than zero", nil)
	}

	key, err := combined.PrivateKey()
	if err != nil {
		return nil, NewRelayError(ErrCodeInvalidSession, err.Error(), nil)
	}
	payer := evmsigner.NewPayerSigner(key)
	defer payer.Wipe()
	address := payer.Address()
	logger := log.Relay.With().Str("session", combined.SessionID).Str("payer", address.Hex()).Logger()

	req := RelayRequest{
		Payer:     address.Hex(),
		SessionID: combined.SessionID,
		Domain:    DomainParams{ChainID: r.chainID.String()},
	}

	if !r.isDelegatedTo(ctx, address, *r.delegate) {
		accountNonce, err := r.signer.GetTransactionCount(ctx, address.Hex())
		if err != nil {
			return nil, NewRelayError(ErrCodeNonceResolutionFailed, fmt.Sprintf("failed to read account nonce: %v", err), nil)
		}
		setCode, err := payer.SignAuthorization(r.chainID, *r.delegate, accountNonce)
		if err != nil {
			return nil, NewRelayError(ErrCodeInvalidAuthorization, err.Error(), nil)
		}
		auth := evm.AuthorizationFromSetCode(setCode)
		req.Authorization = &auth
		logger.Debug().Uint64("accountNonce", accountNonce).Msg("signed delegation authorization")
	}

	nonce, err := r.ResolveNonce(ctx, NonceRequest{Payer: address.Hex(), Authorization: req.Authorization})
	if err != nil {
		return nil, err
	}

	deadline := combined.Deadline
	if deadline == nil || deadline.Sign() == 0 {
		deadline = big.NewInt(time.Now().Add(r.sessionDeadline).Unix())
	}

	req.Intent = evm.TransferIntent{
		From:     address.Hex(),
		Token:    combined.Token,
		To:       combined.Recipient,
		Amount:   combined.Amount.String(),
		Nonce:    nonce.Nonce,
		Deadline: deadline.String(),
	}
	parsed, err := req.Intent.Parse()
	if err != nil {
		return nil, NewRelayError(ErrCodeInvalidAmount, err.Error(), nil)
	}

	domain := evm.TypedDataDomain{
		Name:              r.domainName,
		Version:           r.domainVersion,
		ChainID:           r.ChainID(),
		VerifyingContract: address.Hex(),
	}
	signature, err := payer.SignTransfer(ctx, parsed, domain)
	if err != nil {
		return nil, NewRelayError(ErrCodeInvalidSignature, err.Error(), nil)
	}
	req.Signature = evm.BytesToHex(signature)

	payer.Wipe()
	combined.Wipe()
	return r.Relay(ctx, req)
}

// SessionError maps combiner errors onto relay error codes.
func SessionError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrSessionNotFound):
		return NewRelayError(ErrCodeSessionNotFound, err.Error(), nil)
	case errors.Is(err, session.ErrSessionExpired):
		return NewRelayError(ErrCodeSessionExpired, err.Error(), nil)
	case errors.Is(err, session.ErrInvalidSession):
		return NewRelayError(ErrCodeInvalidSession, err.Error(), nil)
	}
	return err
}
