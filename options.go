package relay

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402-foundation/gasless-relay/mechanisms/evm"
	"github.com/x402-foundation/gasless-relay/queue"
)

// DefaultSessionDeadline is how far ahead a session payment's deadline is set
// when the payment request carries none.
const DefaultSessionDeadline = 10 * time.Minute

type config struct {
	domainName      string
	domainVersion   string
	expectedChainID *big.Int
	delegate        *common.Address
	confirmTimeout  time.Duration
	minTip          *big.Int
	inflightTTL     time.Duration
	sessionDeadline time.Duration
	receiptQueues   []*queue.Queue
}

func defaultConfig() *config {
	return &config{
		domainName:      DefaultDomainName,
		domainVersion:   DefaultDomainVersion,
		confirmTimeout:  evm.DefaultConfirmTimeout,
		minTip:          new(big.Int).Set(evm.DefaultMinPriorityFee),
		inflightTTL:     DefaultInFlightTTL,
		sessionDeadline: DefaultSessionDeadline,
	}
}

// Option configures a Relay.
type Option func(*config)

// WithConfirmTimeout bounds the wait for a receipt. Zero keeps the default.
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.confirmTimeout = d
		}
	}
}

// WithDelegateAddress pins the contract payers must delegate to. Session
// payments require it.
func WithDelegateAddress(delegate common.Address) Option {
	return func(c *config) {
		c.delegate = &delegate
	}
}

// WithDomain sets the default EIP-712 domain name and version.
func WithDomain(name, version string) Option {
	return func(c *config) {
		if name != "" {
			c.domainName = name
		}
		if version != "" {
			c.domainVersion = version
		}
	}
}

// WithChainID makes New fail unless the RPC reports this chain.
func WithChainID(chainID *big.Int) Option {
	return func(c *config) {
		c.expectedChainID = chainID
	}
}

// WithMinPriorityFee sets the floor for the priority fee.
func WithMinPriorityFee(wei *big.Int) Option {
	return func(c *config) {
		if wei != nil {
			c.minTip = wei
		}
	}
}

// WithInFlightTTL sets how long broadcast outcomes are remembered. Zero
// disables request deduplication.
func WithInFlightTTL(ttl time.Duration) Option {
	return func(c *config) {
		c.inflightTTL = ttl
	}
}

// WithSessionDeadline sets the deadline window for session payments.
func WithSessionDeadline(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.sessionDeadline = d
		}
	}
}

// WithReceiptQueue enqueues a receipt for every successful mined transfer.
func WithReceiptQueue(q *queue.Queue) Option {
	return func(c *config) {
		c.receiptQueues = append(c.receiptQueues, q)
	}
}
