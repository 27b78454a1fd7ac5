package session

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/x402-foundation/gasless-relay/mechanisms/evm"
	"github.com/x402-foundation/gasless-relay/pkg/log"
	"github.com/x402-foundation/gasless-relay/store"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrInvalidSession  = errors.New("invalid session")
)

// KeyRecord is the private-key half of a session. A consumed record carries
// no key and stays until the session's original expiry, so the id cannot be
// armed again.
type KeyRecord struct {
	Key      []byte `msgpack:"k"`
	Consumed bool   `msgpack:"c"`
}

// PaymentRequest is the payment half of a session, scanned from the second QR code.
type PaymentRequest struct {
	SessionID string `json:"sessionId" msgpack:"sid"`
	Amount    string `json:"amount" msgpack:"amt"`
	Recipient string `json:"recipient" msgpack:"to"`
	Token     string `json:"token" msgpack:"tok"`
	ChainID   string `json:"chainId,omitempty" msgpack:"cid"`
	// Deadline is a unix timestamp; empty means the relay picks one.
	Deadline string `json:"deadline,omitempty" msgpack:"dl"`
}

// Validate checks the payment fields.
func (r *PaymentRequest) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrInvalidSession)
	}
	if !evm.IsValidAddress(r.Recipient) {
		return fmt.Errorf("%w: invalid recipient %q", ErrInvalidSession, r.Recipient)
	}
	if !evm.IsValidAddress(r.Token) {
		return fmt.Errorf("%w: invalid token %q", ErrInvalidSession, r.Token)
	}
	amount, err := evm.ParseUint256(r.Amount)
	if err != nil || amount.Sign() == 0 {
		return fmt.Errorf("%w: invalid amount %q", ErrInvalidSession, r.Amount)
	}
	if r.ChainID != "" {
		if _, err := evm.ParseUint256(r.ChainID); err != nil {
			return fmt.Errorf("%w: invalid chain id %q", ErrInvalidSession, r.ChainID)
		}
	}
	if r.Deadline != "" {
		if _, err := evm.ParseUint256(r.Deadline); err != nil {
			return fmt.Errorf("%w: invalid deadline %q", ErrInvalidSession, r.Deadline)
		}
	}
	return nil
}

// CombinedTransfer is the merged result of both halves. Call Wipe once the
// key has been used.
type CombinedTransfer struct {
	SessionID string
	Key       []byte
	Recipient string
	Amount    *big.Int
	Token     string
	ChainID   *big.Int
	Deadline  *big.Int
}

// PrivateKey parses the key material.
func (t *CombinedTransfer) PrivateKey() (*ecdsa.PrivateKey, error) {
	key, err := crypto.ToECDSA(t.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: bad key material", ErrInvalidSession)
	}
	return key, nil
}

// Wipe zeroes the key material.
func (t *CombinedTransfer) Wipe() {
	wipe(t.Key)
	t.Key = nil
}

// Combiner pairs the key half and the payment half of a QR session exactly once.
type Combiner struct {
	keys     store.Store[KeyRecord]
	payments store.Store[PaymentRequest]
	cipher   *KeyCipher
	now      func() time.Time
}

// Option configures a Combiner.
type Option func(*Combiner)

// WithCipher enables encrypted key envelopes.
func WithCipher(cipher *KeyCipher) Option {
	return func(c *Combiner) {
		c.cipher = cipher
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Combiner) {
		c.now = now
	}
}

// NewCombiner creates a combiner over the given stores.
func NewCombiner(keys store.Store[KeyRecord], payments store.Store[PaymentRequest], opts ...Option) *Combiner {
	c := &Combiner{
		keys:     keys,
		payments: payments,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// StoreKey records the decrypted key for sessionID until expiresAt. A session
// id takes a key once: storing over a live, consumed or not yet swept session
// fails with ErrInvalidSession.
func (c *Combiner) StoreKey(ctx context.Context, sessionID string, key []byte, expiresAt time.Time) error {
	if sessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrInvalidSession)
	}
	if !c.now().Before(expiresAt) {
		return fmt.Errorf("%w: expiry %s is in the past", ErrSessionExpired, expiresAt.Format(time.RFC3339))
	}
	if _, err := crypto.ToECDSA(key); err != nil {
		return fmt.Errorf("%w: bad key material", ErrInvalidSession)
	}

	record := KeyRecord{Key: append([]byte(nil), key...)}
	stored, err := c.keys.SetNX(ctx, sessionID, record, expiresAt)
	if err != nil {
		wipe(record.Key)
		return fmt.Errorf("failed to store session key: %w", err)
	}
	if !stored {
		wipe(record.Key)
		return c.occupied(ctx, sessionID)
	}
	log.Session.Debug().Str("session", sessionID).Time("expiresAt", expiresAt).Msg("session key stored")
	return nil
}

// StoreEncryptedKey opens an envelope and stores the key it carries. Without
// a cipher the envelope must be the hex-encoded key itself.
func (c *Combiner) StoreEncryptedKey(ctx context.Context, sessionID string, envelope string, expiresAt time.Time) error {
	var key []byte
	var err error
	if c.cipher != nil {
		key, err = c.cipher.Open(sessionID, envelope)
	} else {
		key, err = evm.HexToBytes(envelope)
	}
	if err != nil {
		if errors.Is(err, ErrInvalidSession) {
			return err
		}
		return fmt.Errorf("%w: undecodable key", ErrInvalidSession)
	}
	defer wipe(key)
	return c.StoreKey(ctx, sessionID, key, expiresAt)
}

// StorePayment stages the payment half ahead of the combine call. It never
// extends the session: the staged record expires with the key.
func (c *Combiner) StorePayment(ctx context.Context, req PaymentRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	entry, err := c.keys.Get(ctx, req.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if entry.Value.Consumed {
		return ErrSessionNotFound
	}
	if entry.Expired(c.now()) {
		return ErrSessionExpired
	}
	return c.payments.Set(ctx, req.SessionID, req, entry.ExpiresAt)
}

// Combine consumes the session's key and merges it with req. When req is nil
// the staged payment is used. The key is swapped for a consumed marker before
// it is returned, so of two concurrent calls only the first succeeds; the
// second sees ErrSessionNotFound. An expired session has its key purged and is
// reported as ErrSessionExpired.
func (c *Combiner) Combine(ctx context.Context, sessionID string, req *PaymentRequest) (*CombinedTransfer, error) {
	if req == nil {
		staged, err := c.payments.Get(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, c.missingPayment(ctx, sessionID)
		}
		if err != nil {
			return nil, err
		}
		req = &staged.Value
	} else if req.SessionID == "" {
		copied := *req
		copied.SessionID = sessionID
		req = &copied
	}
	if req.SessionID != sessionID {
		return nil, fmt.Errorf("%w: payment is for session %s", ErrInvalidSession, req.SessionID)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	entry, err := c.keys.Update(ctx, sessionID, func(e store.Entry[KeyRecord]) (store.Entry[KeyRecord], error) {
		if e.Value.Consumed {
			return e, ErrSessionNotFound
		}
		return store.Entry[KeyRecord]{Value: KeyRecord{Consumed: true}, ExpiresAt: e.ExpiresAt}, nil
	})
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrSessionNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume session key: %w", err)
	}
	if delErr := c.payments.Delete(ctx, sessionID); delErr != nil {
		log.Session.Warn().Err(delErr).Str("session", sessionID).Msg("failed to delete staged payment")
	}

	if entry.Expired(c.now()) {
		wipe(entry.Value.Key)
		return nil, ErrSessionExpired
	}

	combined := &CombinedTransfer{
		SessionID: sessionID,
		Key:       entry.Value.Key,
		Recipient: evm.NormalizeAddress(req.Recipient),
		Token:     evm.NormalizeAddress(req.Token),
	}
	combined.Amount, _ = evm.ParseUint256(req.Amount)
	if req.ChainID != "" {
		combined.ChainID, _ = evm.ParseUint256(req.ChainID)
	}
	if req.Deadline != "" {
		combined.Deadline, _ = evm.ParseUint256(req.Deadline)
	}
	log.Session.Info().Str("session", sessionID).Msg("session combined")
	return combined, nil
}

// missingPayment reports why a combine without a payment body failed. An
// expired key is purged on the way.
func (c *Combiner) missingPayment(ctx context.Context, sessionID string) error {
	entry, err := c.keys.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if entry.Value.Consumed {
		return ErrSessionNotFound
	}
	if entry.Expired(c.now()) {
		_, _ = c.keys.Update(ctx, sessionID, func(e store.Entry[KeyRecord]) (store.Entry[KeyRecord], error) {
			return store.Entry[KeyRecord]{Value: KeyRecord{Consumed: true}, ExpiresAt: e.ExpiresAt}, nil
		})
		return ErrSessionExpired
	}
	return fmt.Errorf("%w: no payment request staged", ErrInvalidSession)
}

// occupied explains why a key could not be stored under sessionID.
func (c *Combiner) occupied(ctx context.Context, sessionID string) error {
	entry, err := c.keys.Get(ctx, sessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err == nil && entry.Value.Consumed {
		return fmt.Errorf("%w: session %s was already used", ErrInvalidSession, sessionID)
	}
	return fmt.Errorf("%w: session %s already holds a key", ErrInvalidSession, sessionID)
}

// Sweep purges expired keys and staged payments.
func (c *Combiner) Sweep(ctx context.Context) (int, error) {
	now := c.now()
	keys, err := c.keys.Sweep(ctx, now)
	if err != nil {
		return keys, fmt.Errorf("failed to sweep session keys: %w", err)
	}
	payments, err := c.payments.Sweep(ctx, now)
	if err != nil {
		return keys + payments, fmt.Errorf("failed to sweep staged payments: %w", err)
	}
	if keys+payments > 0 {
		log.Session.Info().Int("keys", keys).Int("payments", payments).Msg("expired sessions purged")
	}
	return keys + payments, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
