package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	relay "github.com/x402-foundation/gasless-relay"
	"github.com/x402-foundation/gasless-relay/pkg/log"
	"github.com/x402-foundation/gasless-relay/queue"
)

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var re *relay.RelayError
	if !errors.As(err, &re) {
		return http.StatusInternalServerError
	}
	switch {
	case relay.IsValidationError(err):
		return http.StatusBadRequest
	case relay.IsVerificationError(err):
		return http.StatusUnauthorized
	}
	switch re.Code {
	case relay.ErrCodeBadNonce, relay.ErrCodeInvalidStatusTransition:
		return http.StatusConflict
	case relay.ErrCodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case relay.ErrCodeSessionNotFound, relay.ErrCodeQueueItemNotFound:
		return http.StatusNotFound
	case relay.ErrCodeSessionExpired:
		return http.StatusGone
	case relay.ErrCodeNonceResolutionFailed, relay.ErrCodeBuildFailed, relay.ErrCodeSubmissionFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// queueError maps queue sentinels onto relay error codes.
func queueError(err error) error {
	switch {
	case errors.Is(err, queue.ErrItemNotFound):
		return relay.NewRelayError(relay.ErrCodeQueueItemNotFound, err.Error(), nil)
	case errors.Is(err, queue.ErrInvalidTransition):
		return relay.NewRelayError(relay.ErrCodeInvalidStatusTransition, err.Error(), nil)
	}
	return err
}

// abortWithError writes err as a JSON error body.
func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	var re *relay.RelayError
	if !errors.As(err, &re) {
		log.HTTP.Error().Err(err).Str("path", c.FullPath()).Msg("internal error")
		re = relay.NewRelayError("internal_error", err.Error(), nil)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": re})
}

func badRequest(c *gin.Context, message string, violations []string) {
	var details map[string]interface{}
	if len(violations) > 0 {
		details = map[string]interface{}{"violations": violations}
	}
	abortWithError(c, relay.NewRelayError(relay.ErrCodeInvalidRequest, message, details))
}
