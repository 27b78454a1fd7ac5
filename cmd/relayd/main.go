package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	relay "github.com/x402-foundation/gasless-relay"
	relayhttp "github.com/x402-foundation/gasless-relay/http"
	"github.com/x402-foundation/gasless-relay/pkg/log"
	"github.com/x402-foundation/gasless-relay/queue"
	"github.com/x402-foundation/gasless-relay/session"
	evmsigners "github.com/x402-foundation/gasless-relay/signers/evm"
)

func init() {
	// for development
	//nolint:errcheck
	godotenv.Load("../../.env")

	// for production
	//nolint:errcheck
	godotenv.Load("./.env")
}

func main() {
	app := &cli.App{
		Name:  "relayd",
		Usage: "gasless payment relay",
		Commands: []*cli.Command{
			commandServe(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Root.Fatal().Err(err).Msg("relayd exited")
	}
}

func commandServe() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "start the relay HTTP server and background sweeps",
		Flags:  flags(),
		Action: serve,
	}
}

func serve(c *cli.Context) error {
	cfg, err := configFromCLI(c)
	if err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sponsor, err := evmsigners.NewSponsorSigner(ctx, cfg.SponsorKey, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("failed to create sponsor signer: %w", err)
	}
	defer sponsor.Close()

	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	q := queue.New(stores.Items, cfg.queueOptions()...)
	r, err := relay.New(ctx, sponsor, cfg.relayOptions(q)...)
	if err != nil {
		return err
	}

	combinerOpts := []session.Option{}
	if cfg.SessionKey != nil {
		cipher, err := session.NewKeyCipher(cfg.SessionKey)
		if err != nil {
			return err
		}
		combinerOpts = append(combinerOpts, session.WithCipher(cipher))
	}
	combiner := session.NewCombiner(stores.Keys, stores.Payments, combinerOpts...)

	runner := cron.New()
	if _, err := runner.AddFunc(cfg.SweepSchedule, newSweeper(combiner, q, r.InFlight()).run); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
	}

	log.Root.Info().
		Str("chainId", r.ChainID().String()).
		Str("sponsor", r.SponsorAddress()).
		Str("store", cfg.StoreBackend).
		Str("sweep", cfg.SweepSchedule).
		Msg("starting relay")

	server := relayhttp.NewServer(r, combiner, q)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, ":"+cfg.Port)
	})
	g.Go(func() error {
		runner.Start()
		<-gctx.Done()
		<-runner.Stop().Done()
		return nil
	})
	return g.Wait()
}

func initLogging(cfg *config) error {
	level, err := log.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	typ, err := log.ParseLoggerType(cfg.LogFormat)
	if err != nil {
		return err
	}
	log.Init(log.Options{LogLevel: level, Type: typ})
	return nil
}

// sweeper purges expired sessions, delivered queue items and stale relay
// outcomes on each cron tick.
type sweeper struct {
	combiner *session.Combiner
	queue    *queue.Queue
	inflight *relay.InFlightCache
}

func newSweeper(combiner *session.Combiner, q *queue.Queue, inflight *relay.InFlightCache) *sweeper {
	return &sweeper{combiner: combiner, queue: q, inflight: inflight}
}

func (s *sweeper) run() {
	ctx := context.Background()
	if _, err := s.combiner.Sweep(ctx); err != nil {
		log.Session.Error().Err(err).Msg("session sweep failed")
	}
	if _, err := s.queue.Sweep(ctx); err != nil {
		log.Queue.Error().Err(err).Msg("queue sweep failed")
	}
	if s.inflight != nil {
		if n := s.inflight.Sweep(); n > 0 {
			log.Relay.Debug().Int("removed", n).Msg("cached outcomes expired")
		}
	}
}
