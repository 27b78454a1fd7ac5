package relay

import (
	"context"
	"time"

	"github.com/x402-foundation/gasless-relay/pkg/log"
	"github.com/x402-foundation/gasless-relay/queue"
)

const enqueueTimeout = 5 * time.Second

// enqueueReceipt hands every successful mined transfer to the delivery queue.
func enqueueReceipt(q *queue.Queue) AfterRelayHook {
	return func(ctx RelayResultContext) error {
		if ctx.Outcome.Status != StatusMined || !ctx.Outcome.Success {
			return nil
		}
		receipt := queue.Receipt{
			TxHash:      ctx.Outcome.TxHash,
			BlockNumber: ctx.Outcome.BlockNumber,
			Payer:       ctx.Outcome.Payer,
			Recipient:   ctx.Intent.To.Hex(),
			Token:       ctx.Intent.Token.Hex(),
			Amount:      ctx.Intent.Amount.String(),
			SessionID:   ctx.Request.SessionID,
		}

		// The request context may already be cancelled by the caller.
		enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx.Ctx), enqueueTimeout)
		defer cancel()
		id, err := q.Enqueue(enqueueCtx, receipt)
		if err != nil {
			return err
		}
		log.Relay.Debug().Str("tx", receipt.TxHash).Str("item", id).Msg("receipt enqueued")
		return nil
	}
}
