package memory

import (
	"context"
	"fmt"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/store"
	"github.com/google/uuid"
	"sort"
	"time"
)

type tx struct{ st *state }

var _ store.Tx = (*tx)(nil)

func missing(what, id string) error { return fmt.Errorf("%s %s: %w", what, id, orders.ErrNotFound) }

// ---- catalog / cart ----

func (t *tx) GetProduct(_ context.Context, id string) (orders.Product, error) {
	p, ok := t.st.products[id]
	if !ok {
		return orders.Product{}, missing("product", id)
	}
	return p, nil
}

func (t *tx) AdjustStock(_ context.Context, productID string, adj orders.StockAdjustment) (bool, error) {
	p, ok := t.st.products[productID]
	if !ok {
		return false, nil
	}
	next, ok := adj.Apply(p)
	if !ok {
		return false, nil
	}
	next.UpdatedAt = time.Now().UTC()
	t.st.products[productID] = next
	return true, nil
}

func (t *tx) CustomerRef(_ context.Context, userID string) (string, error) {
	return t.st.customers[userID], nil
}

func (t *tx) ListCart(_ context.Context, userID string) ([]orders.CartLine, error) {
	var out []orders.CartLine
	for k, units := range t.st.cart {
		if k.user == userID {
			out = append(out, orders.CartLine{UserID: k.user, ProductID: k.product, Units: units})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (t *tx) DeleteCartLines(_ context.Context, userID string, productIDs []string) error {
	for _, pid := range productIDs {
		delete(t.st.cart, cartKey{userID, pid})
	}
	return nil
}

// ---- reservations ----

func reservationLess(a, b orders.Reservation) bool {
	if a.ProductID != b.ProductID {
		return a.ProductID < b.ProductID
	}
	return a.ID < b.ID
}

func pending(r orders.Reservation) bool { return r.Status == orders.ReservationPending }

func (t *tx) FindPendingReservation(_ context.Context, userID, productID, sessionID string) (orders.Reservation, bool, error) {
	for _, r := range t.st.reservations {
		if pending(r) && r.UserID == userID && r.ProductID == productID && r.CheckoutSessionID == sessionID {
			return r, true, nil
		}
	}
	return orders.Reservation{}, false, nil
}

func (t *tx) InsertReservation(ctx context.Context, r orders.Reservation) error {
	if _, ok := t.st.products[r.ProductID]; !ok {
		return orders.Persistence("insert reservation", fmt.Errorf("foreign key: product %s", r.ProductID))
	}
	if _, ok, _ := t.FindPendingReservation(ctx, r.UserID, r.ProductID, r.CheckoutSessionID); ok && pending(r) {
		return orders.ErrDuplicateReservation
	}
	t.st.reservations[r.ID] = r
	return nil
}

func (t *tx) DeleteReservation(_ context.Context, id string) (bool, error) {
	r, ok := t.st.reservations[id]
	if !ok || !pending(r) {
		return false, nil
	}
	delete(t.st.reservations, id)
	return true, nil
}

func (t *tx) ListSessionReservations(_ context.Context, sessionID string) ([]orders.Reservation, error) {
	return sortedValues(t.st.reservations, func(r orders.Reservation) bool {
		return pending(r) && r.CheckoutSessionID == sessionID
	}, reservationLess), nil
}

func (t *tx) ListUserReservations(_ context.Context, userID string) ([]orders.Reservation, error) {
	return sortedValues(t.st.reservations, func(r orders.Reservation) bool {
		return pending(r) && r.UserID == userID
	}, reservationLess), nil
}

func (t *tx) ListExpiredReservations(_ context.Context, now time.Time) ([]orders.Reservation, error) {
	return sortedValues(t.st.reservations, func(r orders.Reservation) bool {
		return pending(r) && r.Expired(now)
	}, reservationLess), nil
}

// ---- checkout sessions ----

func (t *tx) InsertSession(_ context.Context, s orders.CheckoutSession) error {
	s.Status = s.Status.Stored()
	if s.Status == orders.CheckoutActive {
		for _, cur := range t.st.sessions {
			if cur.UserID == s.UserID && cur.Status == orders.CheckoutActive {
				return orders.ErrCheckoutInProgress
			}
		}
	}
	t.st.sessions[s.ID] = s
	return nil
}

func (t *tx) GetSession(_ context.Context, id string) (orders.CheckoutSession, error) {
	s, ok := t.st.sessions[id]
	if !ok {
		return orders.CheckoutSession{}, missing("checkout session", id)
	}
	return s, nil
}

func (t *tx) GetSessionByExternalID(_ context.Context, externalID string) (orders.CheckoutSession, error) {
	if externalID != "" {
		for _, s := range t.st.sessions {
			if s.ExternalID == externalID {
				return s, nil
			}
		}
	}
	return orders.CheckoutSession{}, missing("checkout session", externalID)
}

func (t *tx) ActiveSession(_ context.Context, userID string) (orders.CheckoutSession, bool, error) {
	for _, s := range t.st.sessions {
		if s.UserID == userID && s.Status == orders.CheckoutActive {
			return s, true, nil
		}
	}
	return orders.CheckoutSession{}, false, nil
}

func (t *tx) SetSessionExternal(_ context.Context, id, externalID, url string) error {
	s, ok := t.st.sessions[id]
	if !ok {
		return missing("checkout session", id)
	}
	s.ExternalID, s.URL = externalID, url
	t.st.sessions[id] = s
	return nil
}

func (t *tx) TransitionSession(_ context.Context, id string, from, to orders.CheckoutStatus) (bool, error) {
	s, ok := t.st.sessions[id]
	if !ok || !orders.CanTransitionCheckout(from, to) || s.Status != from.Stored() {
		return false, nil
	}
	s.Status = to.Stored()
	t.st.sessions[id] = s
	return true, nil
}

func (t *tx) ListStaleSessions(_ context.Context, now time.Time) ([]orders.CheckoutSession, error) {
	held := map[string]bool{}
	for _, r := range t.st.reservations {
		if pending(r) && r.Expired(now) {
			held[r.CheckoutSessionID] = true
		}
	}
	return sortedValues(t.st.sessions, func(s orders.CheckoutSession) bool {
		return s.Status == orders.CheckoutActive && (!now.Before(s.ExpiresAt) || held[s.ID])
	}, func(a, b orders.CheckoutSession) bool { return a.ExpiresAt.Before(b.ExpiresAt) }), nil
}

// ---- cart snapshots ----

func (t *tx) InsertSnapshot(_ context.Context, s orders.CartSnapshot) error {
	t.st.snapshots[s.ID] = s
	return nil
}

func (t *tx) ListSnapshots(_ context.Context, sessionID string) ([]orders.CartSnapshot, error) {
	return sortedValues(t.st.snapshots, func(s orders.CartSnapshot) bool {
		return s.CheckoutSessionID == sessionID
	}, func(a, b orders.CartSnapshot) bool { return a.ProductID < b.ProductID }), nil
}

func (t *tx) DeleteSnapshots(_ context.Context, sessionID string) error {
	for id, s := range t.st.snapshots {
		if s.CheckoutSessionID == sessionID {
			delete(t.st.snapshots, id)
		}
	}
	return nil
}

// ---- orders / payments / refunds ----

func (t *tx) FindOrderBySession(_ context.Context, sessionID string) (orders.Order, bool, error) {
	for _, o := range t.st.orders {
		if o.CheckoutSessionID == sessionID {
			return o, true, nil
		}
	}
	return orders.Order{}, false, nil
}

func (t *tx) GetOrder(_ context.Context, id string) (orders.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return orders.Order{}, missing("order", id)
	}
	return o, nil
}

func (t *tx) ListOrderItems(_ context.Context, orderID string) ([]orders.OrderItem, error) {
	return sortedValues(t.st.items, func(it orders.OrderItem) bool { return it.OrderID == orderID },
		func(a, b orders.OrderItem) bool { return a.ProductID < b.ProductID }), nil
}

func (t *tx) InsertShippingAddress(_ context.Context, a orders.ShippingAddress) error {
	t.st.addresses[a.ID] = a
	return nil
}

func (t *tx) InsertOrder(ctx context.Context, o orders.Order) error {
	if _, ok, _ := t.FindOrderBySession(ctx, o.CheckoutSessionID); ok {
		return orders.ErrConflict
	}
	t.st.orders[o.ID] = o
	return nil
}

func (t *tx) InsertOrderItem(_ context.Context, it orders.OrderItem) error {
	if _, ok := t.st.orders[it.OrderID]; !ok {
		return orders.Persistence("insert order item", fmt.Errorf("foreign key: order %s", it.OrderID))
	}
	t.st.items[it.ID] = it
	return nil
}

func (t *tx) UpdateOrderStatus(_ context.Context, id string, from, to orders.Status) (bool, error) {
	o, ok := t.st.orders[id]
	if !ok || o.Status != from || !orders.CanTransition(from, to) {
		return false, nil
	}
	o.Status, o.UpdatedAt = to, time.Now().UTC()
	t.st.orders[id] = o
	return true, nil
}

func (t *tx) UpsertPayment(_ context.Context, in orders.Payment) (orders.Payment, error) {
	if in.PaymentIntentID == "" {
		return orders.Payment{}, fmt.Errorf("%w: payment intent id required", orders.ErrInvalid)
	}
	now := time.Now().UTC()
	cur, ok := t.st.payments[in.PaymentIntentID]
	if !ok {
		cur = orders.Payment{ID: uuid.NewString(), PaymentIntentID: in.PaymentIntentID, Status: orders.PaymentPending, CreatedAt: now}
	}
	if in.UpdatedAt.IsZero() {
		in.UpdatedAt = now
	}
	m := cur.Merge(in)
	t.st.payments[in.PaymentIntentID] = m
	return m, nil
}

func (t *tx) GetPaymentByIntent(_ context.Context, intentID string) (orders.Payment, error) {
	p, ok := t.st.payments[intentID]
	if !ok {
		return orders.Payment{}, missing("payment", intentID)
	}
	return p, nil
}

func (t *tx) InsertRefund(ctx context.Context, r orders.Refund) error {
	if _, ok, _ := t.FindRefundBySession(ctx, r.CheckoutSessionID); ok {
		return orders.ErrConflict
	}
	t.st.refunds[r.ID] = r
	return nil
}

func (t *tx) GetRefund(_ context.Context, id string) (orders.Refund, error) {
	r, ok := t.st.refunds[id]
	if !ok {
		return orders.Refund{}, missing("refund", id)
	}
	return r, nil
}

func (t *tx) FindRefundBySession(_ context.Context, sessionID string) (orders.Refund, bool, error) {
	for _, r := range t.st.refunds {
		if r.CheckoutSessionID == sessionID {
			return r, true, nil
		}
	}
	return orders.Refund{}, false, nil
}

func (t *tx) TransitionRefund(_ context.Context, id string, from, to orders.RefundStatus, externalID string) (bool, error) {
	r, ok := t.st.refunds[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status, r.UpdatedAt = to, time.Now().UTC()
	if externalID != "" {
		r.ExternalRefundID = externalID
	}
	t.st.refunds[id] = r
	return true, nil
}

func (t *tx) ListRefunds(_ context.Context, status orders.RefundStatus, createdBefore time.Time) ([]orders.Refund, error) {
	return sortedValues(t.st.refunds, func(r orders.Refund) bool {
		return r.Status == status && r.CreatedAt.Before(createdBefore)
	}, func(a, b orders.Refund) bool { return a.CreatedAt.Before(b.CreatedAt) }), nil
}
