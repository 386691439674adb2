package mq

import (
	"context"
	"fmt"

	"judgeline/pkg/utils/contextkey"
	"judgeline/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	HeaderNackReason  = "x-nack-reason"
	HeaderOriginTopic = "x-origin-topic"
	HeaderRedelivered = "x-redelivered"
)

// invokeHandler runs handler under the subscription timeout and enforces settlement.
func invokeHandler(ctx context.Context, opts SubscribeOptions, handler DeliveryHandler, d *Delivery) {
	ctx = context.WithValue(ctx, contextkey.DeliveryTag, d.Tag)
	hctx, cancel := context.WithTimeout(ctx, opts.HandlerTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			logger.Error(ctx, "message handler panicked",
				zap.String("topic", d.Topic),
				zap.Any("panic", p),
			)
			settleUnhandled(ctx, d, fmt.Sprintf("handler panic: %v", p))
		}
	}()

	handler(hctx, d)
	if !d.Settled() {
		settleUnhandled(ctx, d, "handler returned without settling")
	}
}

func settleUnhandled(ctx context.Context, d *Delivery, reason string) {
	if d.Settled() {
		return
	}
	if err := d.Nack(ctx, false, reason); err != nil && err != ErrAlreadySettled {
		logger.Error(ctx, "nack unsettled delivery failed",
			zap.String("topic", d.Topic),
			zap.Error(err),
		)
	}
}
