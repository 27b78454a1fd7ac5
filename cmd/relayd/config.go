package main

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	relay "github.com/x402-foundation/gasless-relay"
	"github.com/x402-foundation/gasless-relay/mechanisms/evm"
	"github.com/x402-foundation/gasless-relay/queue"
	"github.com/x402-foundation/gasless-relay/session"
	"github.com/x402-foundation/gasless-relay/store"
)

const (
	storeMemory = "memory"
	storeRedis  = "redis"
)

type config struct {
	RPCURL         string
	SponsorKey     string
	ChainID        *big.Int
	Delegate       *common.Address
	DomainName     string
	DomainVersion  string
	Port           string
	LogLevel       string
	LogFormat      string
	StoreBackend   string
	RedisURL       string
	SessionKey     []byte
	ConfirmTimeout time.Duration
	MinPriorityFee *big.Int
	SweepSchedule  string
	DeliveryLease  time.Duration
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "rpc-url", EnvVars: []string{"RPC_URL"}, Required: true, Usage: "JSON-RPC endpoint"},
		&cli.StringFlag{Name: "sponsor-private-key", EnvVars: []string{"SPONSOR_PRIVATE_KEY"}, Required: true, Usage: "hex key of the gas-paying account"},
		&cli.Int64Flag{Name: "chain-id", EnvVars: []string{"CHAIN_ID"}, Usage: "expected chain id, checked against the RPC"},
		&cli.StringFlag{Name: "delegate-address", EnvVars: []string{"DELEGATE_ADDRESS"}, Usage: "delegate contract authorizations must target"},
		&cli.StringFlag{Name: "domain-name", EnvVars: []string{"DOMAIN_NAME"}, Value: relay.DefaultDomainName},
		&cli.StringFlag{Name: "domain-version", EnvVars: []string{"DOMAIN_VERSION"}, Value: relay.DefaultDomainVersion},
		&cli.StringFlag{Name: "port", EnvVars: []string{"PORT"}, Value: "8080"},
		&cli.StringFlag{Name: "log-level", EnvVars: []string{"LOG_LEVEL"}, Value: "info"},
		&cli.StringFlag{Name: "log-format", EnvVars: []string{"LOG_FORMAT"}, Value: "console", Usage: "console or json"},
		&cli.StringFlag{Name: "store-backend", EnvVars: []string{"STORE_BACKEND"}, Value: storeMemory, Usage: "memory or redis"},
		&cli.StringFlag{Name: "redis-url", EnvVars: []string{"REDIS_URL"}},
		&cli.StringFlag{Name: "session-encryption-key", EnvVars: []string{"SESSION_ENCRYPTION_KEY"}, Usage: "32-byte hex key for QR key envelopes"},
		&cli.DurationFlag{Name: "confirm-timeout", EnvVars: []string{"CONFIRM_TIMEOUT"}, Value: evm.DefaultConfirmTimeout},
		&cli.StringFlag{Name: "min-priority-fee-wei", EnvVars: []string{"MIN_PRIORITY_FEE_WEI"}, Value: evm.DefaultMinPriorityFee.String()},
		&cli.StringFlag{Name: "sweep-schedule", EnvVars: []string{"SWEEP_SCHEDULE"}, Value: "@every 10s"},
		&cli.DurationFlag{Name: "delivery-lease", EnvVars: []string{"DELIVERY_LEASE"}, Value: queue.DefaultLease, Usage: "how long a drained receipt waits for a status report"},
	}
}

func configFromCLI(c *cli.Context) (*config, error) {
	cfg := &config{
		RPCURL:         c.String("rpc-url"),
		SponsorKey:     c.String("sponsor-private-key"),
		DomainName:     c.String("domain-name"),
		DomainVersion:  c.String("domain-version"),
		Port:           c.String("port"),
		LogLevel:       c.String("log-level"),
		LogFormat:      c.String("log-format"),
		StoreBackend:   c.String("store-backend"),
		RedisURL:       c.String("redis-url"),
		ConfirmTimeout: c.Duration("confirm-timeout"),
		SweepSchedule:  c.String("sweep-schedule"),
		DeliveryLease:  c.Duration("delivery-lease"),
	}
	if id := c.Int64("chain-id"); id > 0 {
		cfg.ChainID = big.NewInt(id)
	}
	if err := cfg.parse(c.String("delegate-address"), c.String("session-encryption-key"), c.String("min-priority-fee-wei")); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse decodes the string settings that need validation.
func (cfg *config) parse(delegate, sessionKey, minTip string) error {
	if delegate != "" {
		if !evm.IsValidAddress(delegate) {
			return fmt.Errorf("invalid DELEGATE_ADDRESS %q", delegate)
		}
		addr := common.HexToAddress(delegate)
		cfg.Delegate = &addr
	}
	if sessionKey != "" {
		key, err := hexutil.Decode(sessionKey)
		if err != nil || len(key) != 32 {
			return errors.New("SESSION_ENCRYPTION_KEY must be 32 bytes of 0x-prefixed hex")
		}
		cfg.SessionKey = key
	}
	tip, err := evm.ParseUint256(minTip)
	if err != nil {
		return fmt.Errorf("invalid MIN_PRIORITY_FEE_WEI: %w", err)
	}
	cfg.MinPriorityFee = tip

	switch cfg.StoreBackend {
	case storeMemory:
	case storeRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis store backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	return nil
}

func (cfg *config) queueOptions() []queue.Option {
	return []queue.Option{queue.WithLease(cfg.DeliveryLease)}
}

func (cfg *config) relayOptions(q *queue.Queue) []relay.Option {
	opts := []relay.Option{
		relay.WithDomain(cfg.DomainName, cfg.DomainVersion),
		relay.WithConfirmTimeout(cfg.ConfirmTimeout),
		relay.WithMinPriorityFee(cfg.MinPriorityFee),
		relay.WithReceiptQueue(q),
	}
	if cfg.ChainID != nil {
		opts = append(opts, relay.WithChainID(cfg.ChainID))
	}
	if cfg.Delegate != nil {
		opts = append(opts, relay.WithDelegateAddress(*cfg.Delegate))
	}
	return opts
}

type stores struct {
	Keys     store.Store[session.KeyRecord]
	Payments store.Store[session.PaymentRequest]
	Items    store.Store[queue.Item]
	client   redis.UniversalClient
}

func (s *stores) Close() {
	if s.client != nil {
		_ = s.client.Close()
	}
}

func openStores(cfg *config) (*stores, error) {
	if cfg.StoreBackend != storeRedis {
		return &stores{
			Keys:     store.NewMemoryStore[session.KeyRecord](),
			Payments: store.NewMemoryStore[session.PaymentRequest](),
			Items:    store.NewMemoryStore[queue.Item](),
		}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	return redisStores(client), nil
}

func redisStores(client redis.UniversalClient) *stores {
	return &stores{
		Keys:     store.NewRedisStore[session.KeyRecord](client, "relay:session:key"),
		Payments: store.NewRedisStore[session.PaymentRequest](client, "relay:session:payment"),
		Items:    store.NewRedisStore[queue.Item](client, "relay:queue"),
		client:   client,
	}
}
