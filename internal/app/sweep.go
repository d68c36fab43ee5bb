package app

import (
	"context"
	"github.com/ariefcatur/go-realtime-checkout/internal/refund"
	"go.uber.org/zap"
	"time"
)

// SweepLoop runs the expiry sweep every SWEEP_INTERVAL until ctx is done.
// With a refund worker it also requeues stale pending refunds.
func (c *Core) SweepLoop(ctx context.Context, refunds *refund.Worker) {
	t := time.NewTicker(c.Cfg.SweepInterval)
	defer t.Stop()
	for {
		c.sweepOnce(ctx, refunds)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (c *Core) sweepOnce(ctx context.Context, refunds *refund.Worker) {
	res, err := c.Checkout.Sweep(ctx, time.Now().UTC())
	if err != nil && ctx.Err() == nil {
		c.Log.Error("sweep", zap.Error(err))
	}
	if res.Expired > 0 || res.Released > 0 {
		c.Log.Info("swept", zap.Int("sessions_expired", res.Expired), zap.Int("reservations_released", res.Released))
	}
	if refunds == nil {
		return
	}
	if _, err := refunds.Requeue(ctx, c.Cfg.RefundRequeueAfter); err != nil && ctx.Err() == nil {
		c.Log.Error("requeue refunds", zap.Error(err))
	}
}
