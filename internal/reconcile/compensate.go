package reconcile

import (
	"context"
	"fmt"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/store"
	"github.com/google/uuid"
	"time"
)

// Compensator decides what happens to money captured for an order that
// cannot be fulfilled. It runs inside the reconciling transaction and reports
// whether an automatic refund should be requested once that commits.
type Compensator interface {
	Compensate(ctx context.Context, tx store.Tx, o orders.Order, reason string) (orders.Refund, bool, error)
}

type Policy string

const (
	// PolicyRefund queues the refund for the refund worker.
	PolicyRefund Policy = "refund"
	// PolicyFlag parks the refund for an operator.
	PolicyFlag Policy = "flag"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyRefund:
		return PolicyRefund, nil
	case PolicyFlag:
		return PolicyFlag, nil
	}
	return "", fmt.Errorf("%w: unknown oversell policy %q", orders.ErrInvalid, s)
}

type PolicyCompensator struct {
	Policy Policy
	Now    func() time.Time
}

func NewCompensator(p Policy) *PolicyCompensator {
	return &PolicyCompensator{Policy: p, Now: func() time.Time { return time.Now().UTC() }}
}

func (c *PolicyCompensator) Compensate(ctx context.Context, tx store.Tx, o orders.Order, reason string) (orders.Refund, bool, error) {
	status, auto := orders.RefundPending, true
	if c.Policy == PolicyFlag {
		status, auto = orders.RefundPendingReview, false
	}
	now := c.Now()
	r := orders.Refund{
		ID:                uuid.NewString(),
		UserID:            o.UserID,
		OrderID:           o.ID,
		CheckoutSessionID: o.CheckoutSessionID,
		PaymentIntentID:   o.PaymentIntentID,
		AmountCents:       o.TotalCents,
		Reason:            reason,
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := tx.InsertRefund(ctx, r); err != nil {
		return orders.Refund{}, false, err
	}
	return r, auto, nil
}
