package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xeipuuv/gojsonschema"

	relay "github.com/x402-foundation/gasless-relay"
	"github.com/x402-foundation/gasless-relay/pkg/log"
	"github.com/x402-foundation/gasless-relay/queue"
	"github.com/x402-foundation/gasless-relay/session"
)

// StoreKeyRequest is the first QR scan: the session's encrypted key.
type StoreKeyRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Key       string `json:"key"`
	// ExpiresAt is a unix timestamp; zero means now plus the server's session TTL.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

// StoreKeyResponse acknowledges a stored key.
type StoreKeyResponse struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionPayRequest is the second QR scan. Payment may be omitted when it was
// staged through /session/payment.
type SessionPayRequest struct {
	SessionID string                  `json:"sessionId"`
	Payment   *session.PaymentRequest `json:"payment,omitempty"`
}

// StatusUpdateRequest reports a delivery outcome.
type StatusUpdateRequest struct {
	Status string `json:"status"`
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status     string `json:"status"`
	ChainID    string `json:"chainId"`
	Sponsor    string `json:"sponsor"`
	Delegate   string `json:"delegate,omitempty"`
	QueueDepth int    `json:"queueDepth"`
}

// bind validates the body against schema and decodes it into dst.
func bind(c *gin.Context, schema *gojsonschema.Schema, dst interface{}) bool {
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, fmt.Sprintf("failed to read request body: %v", err), nil)
		return false
	}
	violations, err := validateBody(schema, body)
	if err != nil {
		badRequest(c, err.Error(), nil)
		return false
	}
	if len(violations) > 0 {
		badRequest(c, "request body does not match schema", violations)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		badRequest(c, fmt.Sprintf("invalid request: %v", err), nil)
		return false
	}
	return true
}

// outcomeStatus maps a relay outcome to its HTTP status.
func outcomeStatus(outcome *relay.Outcome) int {
	switch outcome.Status {
	case relay.StatusPending:
		return http.StatusAccepted
	case relay.StatusRejected:
		return http.StatusBadGateway
	}
	return http.StatusOK
}

func (s *Server) handleRelay(c *gin.Context) {
	var req relay.RelayRequest
	if !bind(c, relaySchema, &req) {
		return
	}
	outcome, err := s.relay.Relay(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(outcomeStatus(outcome), outcome)
}

func (s *Server) handleNonce(c *gin.Context) {
	var req relay.NonceRequest
	if !bind(c, nonceSchema, &req) {
		return
	}
	resp, err := s.relay.ResolveNonce(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDelegation(c *gin.Context) {
	status, err := s.relay.DelegationStatus(c.Request.Context(), c.Param("address"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleStoreKey(c *gin.Context) {
	var req StoreKeyRequest
	if !bind(c, storeKeySchema, &req) {
		return
	}
	if req.SessionID == "" {
		req.SessionID = session.NewSessionID()
	}
	expiresAt := s.now().Add(s.sessionTTL)
	if req.ExpiresAt > 0 {
		expiresAt = time.Unix(req.ExpiresAt, 0)
	}

	if err := s.combiner.StoreEncryptedKey(c.Request.Context(), req.SessionID, req.Key, expiresAt); err != nil {
		abortWithError(c, relay.SessionError(err))
		return
	}
	c.JSON(http.StatusCreated, StoreKeyResponse{SessionID: req.SessionID, ExpiresAt: expiresAt.UTC()})
}

func (s *Server) handleStagePayment(c *gin.Context) {
	var req session.PaymentRequest
	if !bind(c, paymentSchema, &req) {
		return
	}
	if err := s.combiner.StorePayment(c.Request.Context(), req); err != nil {
		abortWithError(c, relay.SessionError(err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sessionId": req.SessionID, "staged": true})
}

func (s *Server) handleSessionPay(c *gin.Context) {
	var req SessionPayRequest
	if !bind(c, sessionPaySchema, &req) {
		return
	}
	if req.Payment != nil {
		if req.Payment.SessionID == "" {
			req.Payment.SessionID = req.SessionID
		}
		body, _ := json.Marshal(req.Payment)
		violations, err := validateBody(paymentSchema, body)
		if err != nil || len(violations) > 0 {
			badRequest(c, "payment does not match schema", violations)
			return
		}
	}

	ctx := c.Request.Context()
	combined, err := s.combiner.Combine(ctx, req.SessionID, req.Payment)
	if err != nil {
		abortWithError(c, relay.SessionError(err))
		return
	}
	outcome, err := s.relay.PayFromSession(ctx, combined)
	if err != nil {
		log.HTTP.Warn().Err(err).Str("session", req.SessionID).Msg("session payment failed")
		abortWithError(c, err)
		return
	}
	c.JSON(outcomeStatus(outcome), outcome)
}

func (s *Server) handleDrain(c *gin.Context) {
	items, err := s.queue.Drain(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	if items == nil {
		items = []queue.Item{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) handleQueueItem(c *gin.Context) {
	item, err := s.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, queueError(err))
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) handleUpdateStatus(c *gin.Context) {
	var req StatusUpdateRequest
	if !bind(c, statusSchema, &req) {
		return
	}
	status, err := queue.ParseStatus(req.Status)
	if err != nil {
		abortWithError(c, queueError(err))
		return
	}
	result, err := s.queue.UpdateStatus(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		abortWithError(c, queueError(err))
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleHealth(c *gin.Context) {
	depth, err := s.queue.Depth(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	resp := HealthResponse{
		Status:     "ok",
		ChainID:    s.relay.ChainID().String(),
		Sponsor:    s.relay.SponsorAddress(),
		QueueDepth: depth,
	}
	if delegate, ok := s.relay.Delegate(); ok {
		resp.Delegate = delegate.Hex()
	}
	c.JSON(http.StatusOK, resp)
}
