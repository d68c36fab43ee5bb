// Package reconcile applies verified payment events to local state. It is
// the only writer of orders, payments and refunds that originate from the
// payment provider, and every handler tolerates redelivery.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-checkout/internal/checkout"
	"github.com/ariefcatur/go-realtime-checkout/internal/inventory"
	"github.com/ariefcatur/go-realtime-checkout/internal/metrics"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/payment"
	"github.com/ariefcatur/go-realtime-checkout/internal/reservation"
	"github.com/ariefcatur/go-realtime-checkout/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"time"
)

// Deduper remembers processed event ids. It only short-circuits; the
// database decides what is a duplicate.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type NopDeduper struct{}

func (NopDeduper) Seen(context.Context, string) (bool, error) { return false, nil }
func (NopDeduper) Mark(context.Context, string) error         { return nil }

type Outcome string

const (
	OutcomeFulfilled Outcome = "fulfilled"
	OutcomeOversold  Outcome = "oversold"
	OutcomeUpdated   Outcome = "updated"
	OutcomeReleased  Outcome = "released"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	// OutcomeOrphaned: money captured for a hosted session nothing local backs.
	OutcomeOrphaned Outcome = "orphaned"
)

type Reconciler struct {
	DB           store.Store
	Checkout     *checkout.Manager
	Reservations *reservation.Store
	Ledger       *inventory.Ledger
	Gateway      payment.Gateway
	Compensator  Compensator
	Dedup        Deduper
	Events       orders.EventPublisher
	Log          *zap.Logger
	Now          func() time.Time

	m *metrics.Metrics
}

type Deps struct {
	DB           store.Store
	Checkout     *checkout.Manager
	Reservations *reservation.Store
	Ledger       *inventory.Ledger
	Gateway      payment.Gateway
	Compensator  Compensator
	Dedup        Deduper
	Events       orders.EventPublisher
	Log          *zap.Logger
	Metrics      *metrics.Metrics
}

func New(d Deps) *Reconciler {
	r := &Reconciler{
		DB: d.DB, Checkout: d.Checkout, Reservations: d.Reservations, Ledger: d.Ledger,
		Gateway: d.Gateway, Compensator: d.Compensator, Dedup: d.Dedup, Events: d.Events,
		Log: d.Log, Now: func() time.Time { return time.Now().UTC() }, m: d.Metrics,
	}
	if r.Reservations == nil && r.Checkout != nil {
		r.Reservations = r.Checkout.Reservations
	}
	if r.Ledger == nil && r.Reservations != nil {
		r.Ledger = r.Reservations.Ledger
	}
	if r.Compensator == nil {
		r.Compensator = NewCompensator(PolicyRefund)
	}
	if r.Dedup == nil {
		r.Dedup = NopDeduper{}
	}
	if r.Events == nil {
		r.Events = orders.NopPublisher{}
	}
	if r.Log == nil {
		r.Log = zap.NewNop()
	}
	if r.m == nil {
		r.m = metrics.Nop()
	}
	return r
}

// errDuplicate aborts a transaction that lost the race to another delivery.
var errDuplicate = errors.New("duplicate delivery")

// Handle applies ev. A nil error means the event may be acknowledged;
// anything else should be left for redelivery, except orders.ErrNotFound
// which no retry can fix.
func (r *Reconciler) Handle(ctx context.Context, ev payment.Event) (Outcome, error) {
	if ev.Kind == payment.KindIgnored || ev.Kind == "" {
		return OutcomeIgnored, nil
	}
	if seen, err := r.Dedup.Seen(ctx, ev.ID); err != nil {
		r.Log.Warn("dedup lookup", zap.String("event_id", ev.ID), zap.Error(err))
	} else if seen {
		r.m.WebhookEvents.WithLabelValues(string(ev.Kind), string(OutcomeDuplicate)).Inc()
		return OutcomeDuplicate, nil
	}

	var out Outcome
	var err error
	switch ev.Kind {
	case payment.KindCheckoutCompleted:
		out, err = r.checkoutCompleted(ctx, ev.Completed)
	case payment.KindChargeSucceeded:
		out, err = r.chargeSucceeded(ctx, ev.Charge)
	case payment.KindPaymentFailed, payment.KindPaymentExpired:
		out, err = r.paymentFailed(ctx, ev.Kind, ev.Failure)
	default:
		return OutcomeIgnored, nil
	}

	if err != nil {
		r.m.WebhookEvents.WithLabelValues(string(ev.Kind), "error").Inc()
		r.Log.Error("reconcile event", zap.String("event_id", ev.ID), zap.String("type", ev.Type), zap.Error(err))
		return out, err
	}
	r.m.WebhookEvents.WithLabelValues(string(ev.Kind), string(out)).Inc()
	if err := r.Dedup.Mark(ctx, ev.ID); err != nil {
		r.Log.Warn("dedup mark", zap.String("event_id", ev.ID), zap.Error(err))
	}
	r.Log.Info("reconciled event", zap.String("event_id", ev.ID), zap.String("type", ev.Type), zap.String("outcome", string(out)))
	return out, nil
}

// resolveSession finds the local session by hosted id, then by metadata.
func resolveSession(ctx context.Context, tx store.Tx, externalID string, meta map[string]string) (orders.CheckoutSession, error) {
	cs, err := tx.GetSessionByExternalID(ctx, externalID)
	if errors.Is(err, orders.ErrNotFound) && meta[payment.MetaCheckoutSessionID] != "" {
		return tx.GetSession(ctx, meta[payment.MetaCheckoutSessionID])
	}
	return cs, err
}

func (r *Reconciler) checkoutCompleted(ctx context.Context, c *payment.CheckoutCompleted) (Outcome, error) {
	if c == nil || c.ExternalSessionID == "" {
		return "", fmt.Errorf("%w: checkout completed without session id", orders.ErrInvalid)
	}

	// Cheap duplicate check before calling the gateway.
	dup := false
	err := r.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cs, err := resolveSession(ctx, tx, c.ExternalSessionID, c.Metadata)
		if err != nil {
			return err
		}
		_, dup, err = tx.FindOrderBySession(ctx, cs.ID)
		return err
	})
	if errors.Is(err, orders.ErrNotFound) && c.PaymentIntentID != "" && c.Metadata[payment.MetaUserID] != "" {
		return r.orphaned(ctx, c)
	}
	if err != nil {
		return "", err
	}
	if dup {
		return OutcomeDuplicate, nil
	}

	var pi payment.PaymentIntent
	if c.PaymentIntentID != "" {
		if pi, err = r.Gateway.RetrievePaymentIntent(ctx, c.PaymentIntentID); err != nil {
			return "", err
		}
	}

	now := r.Now()
	var (
		order         orders.Order
		items         []orders.ItemPrice
		refund        orders.Refund
		requestRefund bool
		closed        checkout.Closed
	)
	err = r.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		items, refund, requestRefund, closed = nil, orders.Refund{}, false, checkout.Closed{}

		cs, err := resolveSession(ctx, tx, c.ExternalSessionID, c.Metadata)
		if err != nil {
			return err
		}
		if _, ok, err := tx.FindOrderBySession(ctx, cs.ID); err != nil {
			return err
		} else if ok {
			return errDuplicate
		}
		snaps, err := tx.ListSnapshots(ctx, cs.ID)
		if err != nil {
			return err
		}

		order = orders.Order{
			ID:                uuid.NewString(),
			UserID:            cs.UserID,
			CheckoutSessionID: cs.ID,
			Status:            orders.StatusPaid,
			TotalCents:        c.AmountTotal,
			TaxCents:          c.AmountTax,
			Currency:          c.Currency,
			PaymentIntentID:   c.PaymentIntentID,
			ExternalSessionID: c.ExternalSessionID,
			CustomerRef:       c.CustomerRef,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if order.TotalCents == 0 {
			for _, s := range snaps {
				order.TotalCents += s.UnitPriceCents * int64(s.Units)
			}
		}

		reason := ""
		if !cs.Live(now) {
			reason = fmt.Sprintf("checkout session %s no longer active", cs.Status)
			if cs.Status == orders.CheckoutActive {
				reason = "checkout session expired before payment"
			}
		} else if err := r.fulfill(ctx, tx, cs, snaps); errors.Is(err, orders.ErrInsufficientStock) {
			reason = "stock no longer available"
		} else if err != nil {
			return err
		}
		if reason != "" {
			order.Status = orders.StatusOversold
		}

		addr := c.Shipping
		addr.ID, addr.UserID = uuid.NewString(), cs.UserID
		if err := tx.InsertShippingAddress(ctx, addr); err != nil {
			return err
		}
		order.ShippingAddressID = addr.ID
		if err := tx.InsertOrder(ctx, order); errors.Is(err, orders.ErrConflict) {
			return errDuplicate
		} else if err != nil {
			return err
		}
		for _, s := range snaps {
			if err := tx.InsertOrderItem(ctx, orders.OrderItem{
				ID: uuid.NewString(), OrderID: order.ID, ProductID: s.ProductID, Units: s.Units, PriceCents: s.UnitPriceCents,
			}); err != nil {
				return err
			}
			items = append(items, orders.ItemPrice{ProductID: s.ProductID, Qty: s.Units, PriceCents: s.UnitPriceCents})
		}

		if c.PaymentIntentID != "" {
			charge := pi.LatestCharge()
			amount := pi.AmountReceived
			if amount == 0 {
				amount = c.AmountTotal
			}
			if _, err := tx.UpsertPayment(ctx, orders.Payment{
				PaymentIntentID:   c.PaymentIntentID,
				OrderID:           order.ID,
				UserID:            cs.UserID,
				CheckoutSessionID: cs.ID,
				ExternalSessionID: c.ExternalSessionID,
				CustomerRef:       c.CustomerRef,
				Status:            orders.PaymentPaid,
				Currency:          c.Currency,
				AmountCents:       amount,
				TaxCents:          c.AmountTax,
				ChargeID:          charge.ID,
				ReceiptURL:        charge.ReceiptURL,
			}); err != nil {
				return err
			}
		}

		if order.Status == orders.StatusOversold {
			// cart stays as it is; the buyer's promise could not be kept
			if refund, requestRefund, err = r.Compensator.Compensate(ctx, tx, order, reason); err != nil {
				return err
			}
			closed, err = r.Checkout.CloseTx(ctx, tx, cs, orders.CheckoutExpired)
			return err
		}

		pids := make([]string, 0, len(snaps))
		for _, s := range snaps {
			pids = append(pids, s.ProductID)
		}
		if err := tx.DeleteCartLines(ctx, cs.UserID, pids); err != nil {
			return err
		}
		closed, err = r.Checkout.CloseTx(ctx, tx, cs, orders.CheckoutConsumed)
		return err
	})
	if errors.Is(err, errDuplicate) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}

	r.Checkout.AfterClose(ctx, closed)
	if order.Status == orders.StatusOversold {
		r.m.Oversells.Inc()
		r.m.Refunds.WithLabelValues(string(refund.Status)).Inc()
		r.publish(ctx, orders.TopicOrderOversold, orders.EventOrderOversold, order.CheckoutSessionID, orders.OrderOversoldPayload{
			OrderID: order.ID, CheckoutSessionID: order.CheckoutSessionID, RefundID: refund.ID, Reason: refund.Reason,
		})
		if requestRefund {
			r.publish(ctx, orders.TopicRefundRequested, orders.EventRefundRequested, order.CheckoutSessionID, orders.RefundRequestedPayload{
				RefundID: refund.ID, OrderID: order.ID, PaymentIntentID: refund.PaymentIntentID, AmountCents: refund.AmountCents,
			})
		}
		r.Log.Warn("oversold checkout",
			zap.String("order_id", order.ID),
			zap.String("checkout_session_id", order.CheckoutSessionID),
			zap.String("refund_id", refund.ID),
			zap.String("refund_status", string(refund.Status)),
			zap.String("reason", refund.Reason))
		return OutcomeOversold, nil
	}

	r.publish(ctx, orders.TopicOrderPaid, orders.EventOrderPaid, order.CheckoutSessionID, orders.OrderPaidPayload{
		OrderID:           order.ID,
		CheckoutSessionID: order.CheckoutSessionID,
		UserID:            order.UserID,
		PaymentIntentID:   order.PaymentIntentID,
		Items:             items,
		TotalCents:        order.TotalCents,
	})
	return OutcomeFulfilled, nil
}

// orphaned records a payment for a hosted session we created (it carries our
// user metadata) but never committed locally, and compensates it. The refund
// is keyed by the hosted session id since no local session exists.
func (r *Reconciler) orphaned(ctx context.Context, c *payment.CheckoutCompleted) (Outcome, error) {
	userID := c.Metadata[payment.MetaUserID]
	now := r.Now()
	var refund orders.Refund
	var requestRefund bool
	err := r.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, ok, err := tx.FindRefundBySession(ctx, c.ExternalSessionID); err != nil {
			return err
		} else if ok {
			return errDuplicate
		}
		if _, err := tx.UpsertPayment(ctx, orders.Payment{
			PaymentIntentID:   c.PaymentIntentID,
			UserID:            userID,
			ExternalSessionID: c.ExternalSessionID,
			CustomerRef:       c.CustomerRef,
			Status:            orders.PaymentPaid,
			Currency:          c.Currency,
			AmountCents:       c.AmountTotal,
			TaxCents:          c.AmountTax,
		}); err != nil {
			return err
		}
		// no order row: the refund stands alone
		o := orders.Order{
			UserID:            userID,
			CheckoutSessionID: c.ExternalSessionID,
			PaymentIntentID:   c.PaymentIntentID,
			TotalCents:        c.AmountTotal,
			CreatedAt:         now,
		}
		var err error
		refund, requestRefund, err = r.Compensator.Compensate(ctx, tx, o, "no checkout session backs this payment")
		if errors.Is(err, orders.ErrConflict) {
			return errDuplicate
		}
		return err
	})
	if errors.Is(err, errDuplicate) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}

	r.m.Refunds.WithLabelValues(string(refund.Status)).Inc()
	if requestRefund {
		r.publish(ctx, orders.TopicRefundRequested, orders.EventRefundRequested, c.ExternalSessionID, orders.RefundRequestedPayload{
			RefundID: refund.ID, PaymentIntentID: refund.PaymentIntentID, AmountCents: refund.AmountCents,
		})
	}
	r.Log.Warn("payment without checkout session",
		zap.String("external_session_id", c.ExternalSessionID),
		zap.String("payment_intent_id", c.PaymentIntentID),
		zap.String("refund_id", refund.ID),
		zap.String("refund_status", string(refund.Status)))
	return OutcomeOrphaned, nil
}

// fulfill turns each snapshot line's hold into a stock debit. If any line
// cannot be debited, lines already debited are restocked and
// ErrInsufficientStock is returned; the session's remaining holds are left
// for CloseTx.
func (r *Reconciler) fulfill(ctx context.Context, tx store.Tx, cs orders.CheckoutSession, snaps []orders.CartSnapshot) error {
	done := make([]orders.CartSnapshot, 0, len(snaps))
	for _, s := range snaps {
		if _, err := r.Reservations.Release(ctx, tx, s.ProductID, cs.UserID, cs.ID); err != nil {
			return err
		}
		err := r.Ledger.Fulfill(ctx, tx, s.ProductID, s.Units)
		if errors.Is(err, orders.ErrInsufficientStock) {
			for _, d := range done {
				if rerr := r.Ledger.Restock(ctx, tx, d.ProductID, d.Units); rerr != nil {
					return errors.Join(err, rerr)
				}
			}
			return err
		}
		if err != nil {
			return err
		}
		done = append(done, s)
	}
	return nil
}

func (r *Reconciler) chargeSucceeded(ctx context.Context, c *payment.ChargeSucceeded) (Outcome, error) {
	if c == nil || c.PaymentIntentID == "" {
		// charge outside a payment intent; nothing here tracks it
		return OutcomeIgnored, nil
	}
	err := r.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.UpsertPayment(ctx, orders.Payment{
			PaymentIntentID:   c.PaymentIntentID,
			ChargeID:          c.ChargeID,
			ReceiptURL:        c.ReceiptURL,
			Currency:          c.Currency,
			AmountCents:       c.AmountCents,
			CheckoutSessionID: c.Metadata[payment.MetaCheckoutSessionID],
			UserID:            c.Metadata[payment.MetaUserID],
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return OutcomeUpdated, nil
}

// paymentFailed expires exactly the session the event names. The user may
// hold a newer session that must not be touched.
func (r *Reconciler) paymentFailed(ctx context.Context, kind payment.EventKind, f *payment.PaymentFailure) (Outcome, error) {
	if f == nil {
		return "", fmt.Errorf("%w: failure event without payload", orders.ErrInvalid)
	}
	candidates, err := r.failureCandidates(ctx, f)
	if err != nil {
		return "", err
	}

	status := orders.PaymentFailed
	if kind == payment.KindPaymentExpired {
		status = orders.PaymentCancelled
	}

	var closed checkout.Closed
	err = r.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		closed = checkout.Closed{}
		var cs orders.CheckoutSession
		found := false
		for _, cand := range candidates {
			var err error
			if cand.local != "" {
				cs, err = tx.GetSession(ctx, cand.local)
			} else {
				cs, err = tx.GetSessionByExternalID(ctx, cand.external)
			}
			if errors.Is(err, orders.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			found = true
			break
		}
		if !found {
			return fmt.Errorf("session for payment intent %q: %w", f.PaymentIntentID, orders.ErrNotFound)
		}

		var err error
		if closed, err = r.Checkout.CloseTx(ctx, tx, cs, orders.CheckoutExpired); err != nil {
			return err
		}
		if f.PaymentIntentID == "" {
			return nil
		}
		_, err = tx.UpsertPayment(ctx, orders.Payment{
			PaymentIntentID:   f.PaymentIntentID,
			UserID:            cs.UserID,
			CheckoutSessionID: cs.ID,
			ExternalSessionID: cs.ExternalID,
			Status:            status,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	r.Checkout.AfterClose(ctx, closed)
	if !closed.Changed {
		return OutcomeDuplicate, nil
	}
	if kind == payment.KindPaymentFailed && closed.Session.ExternalID != "" {
		// hosted page would accept a retry for a session we already released
		r.Checkout.ExpireHosted(ctx, closed.Session.ExternalID)
	}
	return OutcomeReleased, nil
}

type sessionRef struct{ local, external string }

func (r *Reconciler) failureCandidates(ctx context.Context, f *payment.PaymentFailure) ([]sessionRef, error) {
	var out []sessionRef
	if id := f.CheckoutSessionID(); id != "" {
		out = append(out, sessionRef{local: id})
	}
	if f.ExternalSessionID != "" {
		out = append(out, sessionRef{external: f.ExternalSessionID})
	}
	if len(out) > 0 || f.PaymentIntentID == "" {
		return out, nil
	}
	// no metadata on the event: ask the provider which session owns the intent
	hosted, err := r.Gateway.ListSessions(ctx, f.PaymentIntentID)
	if err != nil {
		return nil, err
	}
	for _, h := range hosted {
		if id := h.Metadata[payment.MetaCheckoutSessionID]; id != "" {
			out = append(out, sessionRef{local: id})
		}
		out = append(out, sessionRef{external: h.ID})
	}
	return out, nil
}

func (r *Reconciler) publish(ctx context.Context, topic, eventType, key string, payload any) {
	if err := r.Events.PublishEvent(ctx, topic, eventType, key, payload); err != nil {
		r.Log.Warn("publish event", zap.String("topic", topic), zap.String("key", key), zap.Error(err))
	}
}
