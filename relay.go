// Package relay executes gasless token transfers: a payer signs a transfer
// intent and a delegation authorization off-chain, and a sponsor account
// broadcasts the delegated call and pays its gas.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/x402-foundation/gasless-relay/mechanisms/evm"
	"github.com/x402-foundation/gasless-relay/pkg/log"
)

const (
	DefaultDomainName    = "GaslessTransfer"
	DefaultDomainVersion = "1"
)

// Relay runs the payment pipeline against one chain through one sponsor.
type Relay struct {
	mu sync.RWMutex

	signer          evm.SponsorEvmSigner
	chainID         *big.Int
	domainName      string
	domainVersion   string
	delegate        *common.Address
	confirmTimeout  time.Duration
	minTip          *big.Int
	inflight        *InFlightCache
	sessionDeadline time.Duration

	beforeHooks  []BeforeRelayHook
	afterHooks   []AfterRelayHook
	failureHooks []OnRelayFailureHook
}

// New creates a relay bound to the signer's chain. When expectedChainID is
// set through WithChainID, it must match the chain the signer reports.
func New(ctx context.Context, signer evm.SponsorEvmSigner, opts ...Option) (*Relay, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	chainID, err := signer.GetChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if cfg.expectedChainID != nil && cfg.expectedChainID.Cmp(chainID) != 0 {
		return nil, fmt.Errorf("configured chain id %s does not match RPC chain id %s", cfg.expectedChainID, chainID)
	}

	r := &Relay{
		signer:          signer,
		chainID:         chainID,
		domainName:      cfg.domainName,
		domainVersion:   cfg.domainVersion,
		delegate:        cfg.delegate,
		confirmTimeout:  cfg.confirmTimeout,
		minTip:          cfg.minTip,
		sessionDeadline: cfg.sessionDeadline,
	}
	if cfg.inflightTTL > 0 {
		r.inflight = NewInFlightCache(cfg.inflightTTL)
	}
	for _, q := range cfg.receiptQueues {
		r.OnAfterRelay(enqueueReceipt(q))
	}
	return r, nil
}

// ChainID returns the active chain id.
func (r *Relay) ChainID() *big.Int {
	return new(big.Int).Set(r.chainID)
}

// SponsorAddress returns the account paying gas.
func (r *Relay) SponsorAddress() string {
	return r.signer.GetAddress()
}

// Delegate returns the configured delegate contract, if any.
func (r *Relay) Delegate() (common.Address, bool) {
	if r.delegate == nil {
		return common.Address{}, false
	}
	return *r.delegate, true
}

// InFlight returns the dedupe cache, or nil when dedupe is disabled.
func (r *Relay) InFlight() *InFlightCache {
	return r.inflight
}

// validated is a request that passed synchronous validation.
type validated struct {
	payer     common.Address
	intent    *evm.ParsedIntent
	domain    evm.TypedDataDomain
	signature []byte
}

// validate rejects malformed requests before any network call.
func (r *Relay) validate(req RelayRequest) (*validated, error) {
	if req.Payer == "" {
		return nil, NewRelayError(ErrCodeMissingField, "payer is required", nil)
	}
	if !evm.IsValidAddress(req.Payer) {
		return nil, NewRelayError(ErrCodeInvalidAddress, fmt.Sprintf("invalid payer address %q", req.Payer), nil)
	}
	payer := common.HexToAddress(req.Payer)

	fields := []struct{ name, value string }{
		{"intent.from", req.Intent.From},
		{"intent.token", req.Intent.Token},
		{"intent.to", req.Intent.To},
		{"intent.amount", req.Intent.Amount},
		{"intent.nonce", req.Intent.Nonce},
		{"intent.deadline", req.Intent.Deadline},
		{"signature", req.Signature},
	}
	for _, f := range fields {
		if f.value == "" {
			return nil, NewRelayError(ErrCodeMissingField, f.name+" is required", map[string]interface{}{"field": f.name})
		}
	}
	for _, f := range fields[:3] {
		if !evm.IsValidAddress(f.value) {
			return nil, NewRelayError(ErrCodeInvalidAddress, fmt.Sprintf("invalid %s address %q", f.name, f.value), map[string]interface{}{"field": f.name})
		}
	}
	if !evm.SameAddress(req.Intent.From, req.Payer) {
		return nil, NewRelayError(ErrCodeInvalidRequest, "intent.from does not match payer", nil)
	}

	intent, err := req.Intent.Parse()
	if err != nil {
		code := ErrCodeInvalidRequest
		if strings.Contains(err.Error(), "amount") {
			code = ErrCodeInvalidAmount
		}
		return nil, NewRelayError(code, err.Error(), nil)
	}

	signature, err := evm.HexToBytes(req.Signature)
	if err != nil || len(signature) != 65 {
		return nil, NewRelayError(ErrCodeInvalidRequest, "signature must be 65 bytes of hex", nil)
	}

	domain := evm.TypedDataDomain{
		Name:              r.domainName,
		Version:           r.domainVersion,
		ChainID:           r.ChainID(),
		VerifyingContract: payer.Hex(),
	}
	if req.Domain.Name != "" {
		domain.Name = req.Domain.Name
	}
	if req.Domain.Version != "" {
		domain.Version = req.Domain.Version
	}
	if req.Domain.ChainID != "" {
		chainID, err := evm.ParseUint256(req.Domain.ChainID)
		if err != nil {
			return nil, NewRelayError(ErrCodeInvalidRequest, "invalid domain chain id", nil)
		}
		if chainID.Cmp(r.chainID) != 0 {
			return nil, NewRelayError(ErrCodeChainIDMismatch,
				fmt.Sprintf("domain chain id %s does not match active chain %s", chainID, r.chainID),
				map[string]interface{}{"got": chainID.String(), "expected": r.chainID.String()})
		}
	}
	if req.Domain.VerifyingContract != "" {
		if !evm.IsValidAddress(req.Domain.VerifyingContract) {
			return nil, NewRelayError(ErrCodeInvalidAddress, "invalid domain verifying contract", nil)
		}
		domain.VerifyingContract = req.Domain.VerifyingContract
	}

	if req.Authorization != nil {
		if req.Authorization.ChainID == "" || req.Authorization.Address == "" || req.Authorization.Signature == "" {
			return nil, NewRelayError(ErrCodeMissingField, "authorization requires chainId, address and signature", nil)
		}
		if !evm.IsValidAddress(req.Authorization.Address) {
			return nil, NewRelayError(ErrCodeInvalidAddress, "invalid authorization address", nil)
		}
		authChain, err := evm.ParseUint256(req.Authorization.ChainID)
		if err != nil {
			return nil, NewRelayError(ErrCodeInvalidRequest, "invalid authorization chain id", nil)
		}
		if authChain.Cmp(r.chainID) != 0 {
			return nil, NewRelayError(ErrCodeChainIDMismatch,
				fmt.Sprintf("authorization chain id %s does not match active chain %s", authChain, r.chainID),
				map[string]interface{}{"got": authChain.String(), "expected": r.chainID.String()})
		}
	}

	return &validated{payer: payer, intent: intent, domain: domain, signature: signature}, nil
}

// Relay runs the full pipeline for one request.
//
// Validation, verification and precondition failures are returned as
// *RelayError before anything is broadcast. Once a transaction is built, the
// result is always an Outcome: Mined, Pending when confirmation timed out, or
// Rejected when the network refused the broadcast.
func (r *Relay) Relay(ctx context.Context, req RelayRequest) (*Outcome, error) {
	v, err := r.validate(req)
	if err != nil {
		return nil, err
	}

	if r.inflight == nil {
		return r.run(ctx, req, v)
	}

	key := RequestKey(v.payer.Hex(), v.intent.Nonce.String(), req.Signature)
	for {
		status, cached, done := r.inflight.CheckAndMark(key)
		switch status {
		case StatusCached:
			log.Relay.Debug().Str("payer", v.payer.Hex()).Str("tx", cached.TxHash).Msg("returning cached outcome")
			return cached, nil
		case StatusInFlight:
			outcome, err := r.inflight.Wait(ctx, key, done)
			if err != nil {
				return nil, err
			}
			if outcome != nil {
				return outcome, nil
			}
			continue
		}

		outcome, err := r.run(ctx, req, v)
		if err == nil && outcome.TxHash != "" && outcome.Status != StatusRejected {
			r.inflight.Complete(key, outcome, done)
		} else {
			r.inflight.Fail(key, done)
		}
		return outcome, err
	}
}

func (r *Relay) run(ctx context.Context, req RelayRequest, v *validated) (*Outcome, error) {
	before, after, failure := r.hooks()
	hookCtx := RelayContext{Ctx: ctx, Request: req, Intent: v.intent, Timestamp: time.Now()}

	for _, hook := range before {
		result, err := hook(hookCtx)
		if err != nil {
			return r.fail(hookCtx, failure, err)
		}
		if result != nil && result.Abort {
			outcome := &Outcome{Status: StatusRejected, Reason: result.Reason, Payer: v.payer.Hex()}
			r.observe(hookCtx, after, outcome)
			return outcome, nil
		}
	}

	outcome, err := r.execute(ctx, req, v)
	if err != nil {
		return r.fail(hookCtx, failure, err)
	}
	r.observe(hookCtx, after, outcome)
	return outcome, nil
}

func (r *Relay) observe(hookCtx RelayContext, after []AfterRelayHook, outcome *Outcome) {
	resultCtx := RelayResultContext{RelayContext: hookCtx, Outcome: *outcome, Duration: time.Since(hookCtx.Timestamp)}
	for _, hook := range after {
		if err := hook(resultCtx); err != nil {
			log.Relay.Error().Err(err).Str("tx", outcome.TxHash).Msg("after-relay hook failed")
		}
	}
}

func (r *Relay) fail(hookCtx RelayContext, failure []OnRelayFailureHook, err error) (*Outcome, error) {
	failureCtx := RelayFailureContext{RelayContext: hookCtx, Error: err, Duration: time.Since(hookCtx.Timestamp)}
	for _, hook := range failure {
		hook(failureCtx)
	}
	return nil, err
}

func (r *Relay) execute(ctx context.Context, req RelayRequest, v *validated) (*Outcome, error) {
	logger := log.Relay.With().Str("payer", v.payer.Hex()).Str("nonce", v.intent.Nonce.String()).Logger()

	// Nonce resolution and signature verification are independent.
	var (
		resolution *evm.NonceResolution
		resolveErr error
		auth       *types.SetCodeAuthorization
		verifyErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if auth, err = r.verify(req, v); err != nil {
			verifyErr = err
			return err
		}
		return nil
	})
	g.Go(func() error {
		var preAuth *types.SetCodeAuthorization
		if req.Authorization != nil {
			// The view call only needs a well-formed authorization; binding is
			// checked by the verifier.
			if setCode, err := req.Authorization.ToSetCode(); err == nil {
				preAuth = &setCode
			}
		}
		resolution, resolveErr = evm.ResolveNonce(gctx, r.signer, v.payer, preAuth)
		return resolveErr
	})
	_ = g.Wait()

	if verifyErr != nil {
		return nil, verifyErr
	}
	if resolveErr != nil {
		return nil, NewRelayError(ErrCodeNonceResolutionFailed, resolveErr.Error(), nil)
	}
	if viewErr := resolution.ViewErr(); viewErr != nil && resolution.Path == evm.NoncePathStorage {
		logger.Warn().Err(viewErr).Msg("delegated view call failed, used storage slot")
	}

	if err := evm.CheckNonce(v.intent.Nonce, resolution.Nonce); err != nil {
		return nil, NewBadNonceError(v.intent.Nonce, resolution.Nonce)
	}

	if _, err := evm.CheckBalance(ctx, r.signer, v.intent.Token, v.payer, v.intent.Amount); err != nil {
		var insufficient *evm.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			if insufficient.ReadErr != nil {
				logger.Warn().Err(insufficient.ReadErr).Msg("balance read failed, treating as zero")
			}
			return nil, NewInsufficientBalanceError(insufficient.Balance, insufficient.Needed)
		}
		return nil, err
	}

	built, err := evm.BuildTransaction(ctx, r.signer, v.intent, v.signature, auth, r.minTip)
	if err != nil {
		return nil, NewRelayError(ErrCodeBuildFailed, err.Error(), nil)
	}
	if built.EstimateErr != nil {
		logger.Warn().Str("cause", evm.ClassifyError(built.EstimateErr).String()).Msg("gas estimation failed, using signer default")
	}

	result, err := evm.Submit(ctx, r.signer, built, r.confirmTimeout)
	if result != nil && result.Simulation != nil {
		logger.Warn().Str("cause", result.Simulation.String()).Msg("simulation failed, submitting anyway")
	}
	if err != nil {
		var submitErr *evm.SubmitError
		if errors.As(err, &submitErr) {
			logger.Error().Str("cause", submitErr.Cause.String()).Msg("submission rejected")
			return &Outcome{
				Status:    StatusRejected,
				Reason:    submitErr.Error(),
				Cause:     submitErr.Cause,
				Payer:     v.payer.Hex(),
				NoncePath: resolution.Path,
			}, nil
		}
		return nil, NewRelayError(ErrCodeSubmissionFailed, err.Error(), nil)
	}

	outcome := &Outcome{TxHash: result.TxHash, Payer: v.payer.Hex(), NoncePath: resolution.Path}
	switch result.State {
	case evm.SubmitStatePending:
		logger.Warn().Str("tx", result.TxHash).Err(result.WaitErr).Msg("confirmation timed out, transaction pending")
		outcome.Status = StatusPending
	case evm.SubmitStateMined:
		outcome.Status = StatusMined
		outcome.BlockNumber = result.Receipt.BlockNumber
		outcome.GasUsed = result.Receipt.GasUsed
		outcome.Success = result.Receipt.Status == evm.TxStatusSuccess
		if !outcome.Success {
			outcome.Reason = "transaction reverted"
			outcome.Cause = result.Simulation
		}
		logger.Info().Str("tx", result.TxHash).Uint64("block", outcome.BlockNumber).Bool("success", outcome.Success).Msg("transaction mined")
	}
	return outcome, nil
}

// verify checks the transfer signature and, when present, the delegation
// authorization. It returns the authorization in go-ethereum form.
func (r *Relay) verify(req RelayRequest, v *validated) (*types.SetCodeAuthorization, error) {
	if _, err := evm.VerifyTransfer(v.intent, v.domain, v.signature); err != nil {
		return nil, NewRelayError(ErrCodeInvalidSignature, err.Error(), nil)
	}
	if req.Authorization == nil {
		return nil, nil
	}
	setCode, err := evm.VerifyAuthorization(*req.Authorization, r.chainID, v.payer)
	if err != nil {
		return nil, NewRelayError(ErrCodeInvalidAuthorization, err.Error(), nil)
	}
	if r.delegate != nil && setCode.Address != *r.delegate {
		return nil, NewRelayError(ErrCodeInvalidAuthorization,
			fmt.Sprintf("authorization delegates to %s, expected %s", setCode.Address.Hex(), r.delegate.Hex()), nil)
	}
	return &setCode, nil
}

// ResolveNonce reports the payer's next sequence number and the path used.
func (r *Relay) ResolveNonce(ctx context.Context, req NonceRequest) (*NonceResponse, error) {
	if req.Payer == "" {
		return nil, NewRelayError(ErrCodeMissingField, "payer is required", nil)
	}
	if !evm.IsValidAddress(req.Payer) {
		return nil, NewRelayError(ErrCodeInvalidAddress, fmt.Sprintf("invalid payer address %q", req.Payer), nil)
	}

	var auth *types.SetCodeAuthorization
	if req.Authorization != nil {
		setCode, err := req.Authorization.ToSetCode()
		if err != nil {
			return nil, NewRelayError(ErrCodeInvalidAuthorization, err.Error(), nil)
		}
		auth = &setCode
	}

	resolution, err := evm.ResolveNonce(ctx, r.signer, common.HexToAddress(req.Payer), auth)
	if err != nil {
		return nil, NewRelayError(ErrCodeNonceResolutionFailed, err.Error(), nil)
	}
	if viewErr := resolution.ViewErr(); viewErr != nil {
		log.Relay.Debug().Err(viewErr).Str("payer", req.Payer).Msg("nonce resolved from storage")
	}
	return &NonceResponse{Nonce: resolution.Nonce.String(), Path: resolution.Path}, nil
}

// DelegationStatus reports whether address already carries a delegation.
func (r *Relay) DelegationStatus(ctx context.Context, address string) (*DelegationStatus, error) {
	if !evm.IsValidAddress(address) {
		return nil, NewRelayError(ErrCodeInvalidAddress, fmt.Sprintf("invalid address %q", address), nil)
	}
	code, err := r.signer.GetCode(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to read code: %w", err)
	}
	status := &DelegationStatus{Address: evm.NormalizeAddress(address)}
	if target, ok := evm.ParseDelegation(code); ok {
		status.Delegated = true
		status.Delegate = target.Hex()
		status.MatchesConfigured = r.delegate != nil && target == *r.delegate
	}
	return status, nil
}

// isDelegatedTo reports whether payer's code points at delegate.
func (r *Relay) isDelegatedTo(ctx context.Context, payer, delegate common.Address) bool {
	code, err := r.signer.GetCode(ctx, payer.Hex())
	if err != nil {
		return false
	}
	target, ok := evm.ParseDelegation(code)
	return ok && strings.EqualFold(target.Hex(), delegate.Hex())
}
