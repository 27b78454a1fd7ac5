package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// DefaultInFlightTTL is how long broadcast outcomes stay cached.
const DefaultInFlightTTL = 10 * time.Minute

// CacheStatus is the state of a key in the InFlightCache.
type CacheStatus int

const (
	// StatusNotFound means the caller now owns the key and must Complete or Fail it.
	StatusNotFound CacheStatus = iota
	// StatusCached means an outcome for the key is already known.
	StatusCached
	// StatusInFlight means another caller is relaying the same payment.
	StatusInFlight
)

type cachedOutcome struct {
	outcome   *Outcome
	expiresAt time.Time
}

// InFlightCache shares one pipeline run between identical relay requests and
// remembers broadcast outcomes for a TTL, so a client retrying after a dropped
// response gets the original tx hash back instead of a second broadcast.
type InFlightCache struct {
	mu       sync.Mutex
	outcomes map[string]cachedOutcome
	running  map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

// NewInFlightCache creates a cache keeping outcomes for ttl.
func NewInFlightCache(ttl time.Duration) *InFlightCache {
	return &InFlightCache{
		outcomes: make(map[string]cachedOutcome),
		running:  make(map[string]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// RequestKey identifies a relay attempt by payer, sequence number and signature.
func RequestKey(payer, nonce, signature string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(payer) + "|" + nonce + "|" + strings.ToLower(signature)))
	return hex.EncodeToString(sum[:])
}

// CheckAndMark atomically looks key up and claims it when it is unknown. The
// returned channel is closed when the owner finishes; owners pass it back to
// Complete or Fail.
func (c *InFlightCache) CheckAndMark(key string) (CacheStatus, *Outcome, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.lookupLocked(key); ok {
		return StatusCached, cached, nil
	}
	if done, ok := c.running[key]; ok {
		return StatusInFlight, nil, done
	}
	done := make(chan struct{})
	c.running[key] = done
	return StatusNotFound, nil, done
}

// Wait blocks until the owner of key finishes or ctx ends. A nil outcome means
// the owner failed and the caller may claim the key itself.
func (c *InFlightCache) Wait(ctx context.Context, key string, done chan struct{}) (*Outcome, error) {
	select {
	case <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		outcome, _ := c.lookupLocked(key)
		return outcome, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete records outcome for key and releases waiters.
func (c *InFlightCache) Complete(key string, outcome *Outcome, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outcomes[key] = cachedOutcome{outcome: outcome, expiresAt: c.now().Add(c.ttl)}
	delete(c.running, key)
	close(done)
}

// Fail releases waiters without recording anything.
func (c *InFlightCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.running, key)
	close(done)
}

// Sweep drops expired outcomes and returns how many were dropped.
func (c *InFlightCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, cached := range c.outcomes {
		if !now.Before(cached.expiresAt) {
			delete(c.outcomes, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached outcomes.
func (c *InFlightCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outcomes)
}

func (c *InFlightCache) lookupLocked(key string) (*Outcome, bool) {
	cached, ok := c.outcomes[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(cached.expiresAt) {
		delete(c.outcomes, key)
		return nil, false
	}
	return cached.outcome, true
}
