package relay

import (
	"context"
	"time"

	"github.com/x402-foundation/gasless-relay/mechanisms/evm"
)

// ============================================================================
// Relay Hook Context Types
// ============================================================================

// RelayContext contains information passed to relay hooks
type RelayContext struct {
	Ctx       context.Context
	Request   RelayRequest
	Intent    *evm.ParsedIntent
	Timestamp time.Time
}

// RelayResultContext contains a relay outcome and context
type RelayResultContext struct {
	RelayContext
	Outcome  Outcome
	Duration time.Duration
}

// RelayFailureContext contains a relay failure and context
type RelayFailureContext struct {
	RelayContext
	Error    error
	Duration time.Duration
}

// ============================================================================
// Relay Hook Types
// ============================================================================

// BeforeHookResult represents the result of a "before" hook.
// If Abort is true, the relay is rejected with the given Reason
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// BeforeRelayHook is called after validation and before any chain access.
// A result with Abort=true rejects the relay without broadcasting
type BeforeRelayHook func(RelayContext) (*BeforeHookResult, error)

// AfterRelayHook is called with every outcome.
// Any error returned will be logged but will not affect the outcome
type AfterRelayHook func(RelayResultContext) error

// OnRelayFailureHook is called when the relay returns an error
type OnRelayFailureHook func(RelayFailureContext)

// OnBeforeRelay registers a hook run before the pipeline starts
func (r *Relay) OnBeforeRelay(hook BeforeRelayHook) *Relay {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeHooks = append(r.beforeHooks, hook)
	return r
}

// OnAfterRelay registers a hook run after every outcome
func (r *Relay) OnAfterRelay(hook AfterRelayHook) *Relay {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterHooks = append(r.afterHooks, hook)
	return r
}

// OnRelayFailure registers a hook run on every relay error
func (r *Relay) OnRelayFailure(hook OnRelayFailureHook) *Relay {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failureHooks = append(r.failureHooks, hook)
	return r
}

func (r *Relay) hooks() ([]BeforeRelayHook, []AfterRelayHook, []OnRelayFailureHook) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.beforeHooks, r.afterHooks, r.failureHooks
}
