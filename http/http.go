// Package http exposes the relay, the QR session combiner and the delivery
// queue over a gin router.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	relay "github.com/x402-foundation/gasless-relay"
	"github.com/x402-foundation/gasless-relay/pkg/log"
	"github.com/x402-foundation/gasless-relay/queue"
	"github.com/x402-foundation/gasless-relay/session"
)

// DefaultSessionTTL is the key expiry used when a store-key request sets none.
const DefaultSessionTTL = 2 * time.Minute

// Server holds the components behind the HTTP surface.
type Server struct {
	relay    *relay.Relay
	combiner *session.Combiner
	queue    *queue.Queue

	sessionTTL time.Duration
	now        func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithSessionTTL sets the default key expiry for store-key requests.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Server) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// NewServer creates a server over the given components.
func NewServer(r *relay.Relay, combiner *session.Combiner, q *queue.Queue, opts ...Option) *Server {
	s := &Server{
		relay:      r,
		combiner:   combiner,
		queue:      q,
		sessionTTL: DefaultSessionTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds a gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	s.Register(router)
	return router
}

// Register mounts the routes on r.
func (s *Server) Register(r gin.IRouter) {
	r.POST("/relay", s.handleRelay)
	r.POST("/nonce", s.handleNonce)
	r.GET("/delegation/:address", s.handleDelegation)

	r.POST("/session/key", s.handleStoreKey)
	r.POST("/session/payment", s.handleStagePayment)
	r.POST("/session/pay", s.handleSessionPay)

	r.GET("/queue", s.handleDrain)
	r.GET("/queue/:id", s.handleQueueItem)
	r.POST("/queue/:id/status", s.handleUpdateStatus)

	r.GET("/health", s.handleHealth)
}

// ListenAndServe runs the router until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.HTTP.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.HTTP.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.HTTP.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
