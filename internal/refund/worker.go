// Package refund executes refunds queued for oversold orders.
package refund

import (
	"context"
	"errors"
	kafkax "github.com/ariefcatur/go-realtime-checkout/internal/kafka"
	"github.com/ariefcatur/go-realtime-checkout/internal/metrics"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/payment"
	"github.com/ariefcatur/go-realtime-checkout/internal/store"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"time"
)

// StatusInvalidator drops cached order statuses.
type StatusInvalidator interface {
	Invalidate(ctx context.Context, orderID string) error
}

type Worker struct {
	DB      store.Store
	Gateway payment.Gateway
	Events  orders.EventPublisher
	Cache   StatusInvalidator
	Log     *zap.Logger
	Now     func() time.Time

	m *metrics.Metrics
}

func NewWorker(db store.Store, gw payment.Gateway, ev orders.EventPublisher, cache StatusInvalidator, log *zap.Logger, m *metrics.Metrics) *Worker {
	if ev == nil {
		ev = orders.NopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Worker{DB: db, Gateway: gw, Events: ev, Cache: cache, Log: log, Now: func() time.Time { return time.Now().UTC() }, m: m}
}

// HandleRefundRequested: dipasang sebagai handler consumer refund.requested.
func (w *Worker) HandleRefundRequested(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		w.Log.Warn("drop undecodable message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventRefundRequested {
		return nil
	} // ignore

	p, err := kafkax.UnwrapPayload[orders.RefundRequestedPayload](env.Payload)
	if err != nil || p.RefundID == "" {
		w.Log.Warn("drop bad refund payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	_, err = w.Execute(ctx, p.RefundID)
	if errors.Is(err, orders.ErrNotFound) {
		w.Log.Warn("refund not found", zap.String("refund_id", p.RefundID))
		return nil
	}
	return err
}

// Execute refunds one pending refund. The refund id is the gateway
// idempotency key, so a retry after a lost commit never pays twice.
// Refunds that are not pending are returned unchanged.
func (w *Worker) Execute(ctx context.Context, refundID string) (orders.Refund, error) {
	var r orders.Refund
	err := w.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) (err error) {
		r, err = tx.GetRefund(ctx, refundID)
		return err
	})
	if err != nil {
		return r, err
	}
	if r.Status != orders.RefundPending {
		return r, nil
	}
	if r.PaymentIntentID == "" {
		// nothing to refund against; park it so requeue stops picking it up
		err := w.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			_, err := tx.TransitionRefund(ctx, r.ID, orders.RefundPending, orders.RefundFailed, "")
			return err
		})
		if err != nil {
			return r, err
		}
		r.Status = orders.RefundFailed
		w.m.Refunds.WithLabelValues(string(r.Status)).Inc()
		w.Log.Error("refund without payment intent", zap.String("refund_id", r.ID), zap.String("order_id", r.OrderID))
		return r, nil
	}

	res, err := w.Gateway.CreateRefund(ctx, r.PaymentIntentID, r.ID)
	if err != nil {
		w.m.Refunds.WithLabelValues("error").Inc()
		return r, err
	}

	changed := false
	err = w.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ok, err := tx.TransitionRefund(ctx, r.ID, orders.RefundPending, orders.RefundRefunded, res.ID)
		if err != nil || !ok {
			return err
		}
		changed = true
		if r.OrderID != "" {
			if _, err := tx.UpdateOrderStatus(ctx, r.OrderID, orders.StatusOversold, orders.StatusRefunded); err != nil {
				return err
			}
		}
		_, err = tx.UpsertPayment(ctx, orders.Payment{PaymentIntentID: r.PaymentIntentID, Status: orders.PaymentRefunded})
		return err
	})
	if err != nil {
		return r, err
	}
	if !changed {
		return r, nil
	}

	r.Status, r.ExternalRefundID = orders.RefundRefunded, res.ID
	w.m.Refunds.WithLabelValues(string(r.Status)).Inc()
	if w.Cache != nil && r.OrderID != "" {
		if err := w.Cache.Invalidate(ctx, r.OrderID); err != nil {
			w.Log.Warn("invalidate order status", zap.String("order_id", r.OrderID), zap.Error(err))
		}
	}
	w.Log.Info("refund executed",
		zap.String("refund_id", r.ID),
		zap.String("order_id", r.OrderID),
		zap.String("external_refund_id", res.ID),
		zap.Int64("amount_cents", r.AmountCents))
	return r, nil
}

// Requeue republishes refund.requested for pending refunds older than
// after. A message lost between commit and publish is picked up here.
func (w *Worker) Requeue(ctx context.Context, after time.Duration) (int, error) {
	var rs []orders.Refund
	err := w.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) (err error) {
		rs, err = tx.ListRefunds(ctx, orders.RefundPending, w.Now().Add(-after))
		return err
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rs {
		err := w.Events.PublishEvent(ctx, orders.TopicRefundRequested, orders.EventRefundRequested, r.CheckoutSessionID,
			orders.RefundRequestedPayload{RefundID: r.ID, OrderID: r.OrderID, PaymentIntentID: r.PaymentIntentID, AmountCents: r.AmountCents})
		if err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		w.Log.Info("requeued refunds", zap.Int("count", n))
	}
	return n, nil
}
