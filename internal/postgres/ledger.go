package postgres

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"time"
)

const orderCols = `id, user_id, checkout_session_id, shipping_address_id, status, total_cents, tax_cents,
	currency, payment_intent_id, external_session_id, customer_ref, created_at, updated_at`

func scanOrder(r pgx.Row) (orders.Order, error) {
	var o orders.Order
	err := r.Scan(&o.ID, &o.UserID, &o.CheckoutSessionID, &o.ShippingAddressID, &o.Status, &o.TotalCents, &o.TaxCents,
		&o.Currency, &o.PaymentIntentID, &o.ExternalSessionID, &o.CustomerRef, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func (t *tx) FindOrderBySession(ctx context.Context, sessionID string) (orders.Order, bool, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE checkout_session_id=$1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, false, nil
	}
	if err != nil {
		return orders.Order{}, false, orders.Persistence("find order", err)
	}
	return o, true, nil
}

func (t *tx) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id))
	if err != nil {
		return orders.Order{}, notFound(err, "order "+id)
	}
	return o, nil
}

func (t *tx) ListOrderItems(ctx context.Context, orderID string) ([]orders.OrderItem, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, order_id, product_id, units, price_cents FROM order_items
		WHERE order_id=$1 ORDER BY product_id`, orderID)
	out, err := scanAll(rows, err, func(r pgx.Row) (orders.OrderItem, error) {
		var it orders.OrderItem
		err := r.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Units, &it.PriceCents)
		return it, err
	})
	if err != nil {
		return nil, orders.Persistence("list order items", err)
	}
	return out, nil
}

func (t *tx) InsertShippingAddress(ctx context.Context, a orders.ShippingAddress) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO shipping_addresses(id, user_id, name, line1, line2, city, state, country, postal_code)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, a.UserID, a.Name, a.Line1, a.Line2, a.City, a.State, a.Country, a.PostalCode)
	return orders.Persistence("insert shipping address", err)
}

func (t *tx) InsertOrder(ctx context.Context, o orders.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders(`+orderCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		o.ID, o.UserID, o.CheckoutSessionID, o.ShippingAddressID, o.Status, o.TotalCents, o.TaxCents,
		o.Currency, o.PaymentIntentID, o.ExternalSessionID, o.CustomerRef, o.CreatedAt, o.UpdatedAt)
	if uniqueViolation(err, "orders_checkout_session_id_key") {
		return orders.ErrConflict
	}
	return orders.Persistence("insert order", err)
}

func (t *tx) InsertOrderItem(ctx context.Context, it orders.OrderItem) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO order_items(id, order_id, product_id, units, price_cents)
		VALUES ($1,$2,$3,$4,$5)`, it.ID, it.OrderID, it.ProductID, it.Units, it.PriceCents)
	return orders.Persistence("insert order item", err)
}

func (t *tx) UpdateOrderStatus(ctx context.Context, id string, from, to orders.Status) (bool, error) {
	if !orders.CanTransition(from, to) {
		return false, nil
	}
	ct, err := t.tx.Exec(ctx, `UPDATE orders SET status=$3, updated_at=now() WHERE id=$1 AND status=$2`, id, from, to)
	if err != nil {
		return false, orders.Persistence("update order status", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ---- payments ----

const paymentCols = `id, payment_intent_id, order_id, user_id, checkout_session_id, external_session_id, customer_ref,
	status, currency, amount_cents, tax_cents, charge_id, receipt_url, created_at, updated_at`

func scanPayment(r pgx.Row) (orders.Payment, error) {
	var p orders.Payment
	err := r.Scan(&p.ID, &p.PaymentIntentID, &p.OrderID, &p.UserID, &p.CheckoutSessionID, &p.ExternalSessionID, &p.CustomerRef,
		&p.Status, &p.Currency, &p.AmountCents, &p.TaxCents, &p.ChargeID, &p.ReceiptURL, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// UpsertPayment: insert-if-absent, lock the row, merge in Go, write back.
// Both payment events may race on the same intent; the row lock orders them.
func (t *tx) UpsertPayment(ctx context.Context, in orders.Payment) (orders.Payment, error) {
	if in.PaymentIntentID == "" {
		return orders.Payment{}, fmt.Errorf("%w: payment intent id required", orders.ErrInvalid)
	}
	now := time.Now().UTC()
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO payments(id, payment_intent_id, status, created_at, updated_at)
		VALUES ($1,$2,'pending',$3,$3)
		ON CONFLICT (payment_intent_id) DO NOTHING`, uuid.NewString(), in.PaymentIntentID, now); err != nil {
		return orders.Payment{}, orders.Persistence("upsert payment", err)
	}
	cur, err := scanPayment(t.tx.QueryRow(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE payment_intent_id=$1 FOR UPDATE`, in.PaymentIntentID))
	if err != nil {
		return orders.Payment{}, orders.Persistence("lock payment", err)
	}
	if in.UpdatedAt.IsZero() {
		in.UpdatedAt = now
	}
	m := cur.Merge(in)
	_, err = t.tx.Exec(ctx, `
		UPDATE payments SET order_id=$2, user_id=$3, checkout_session_id=$4, external_session_id=$5, customer_ref=$6,
			status=$7, currency=$8, amount_cents=$9, tax_cents=$10, charge_id=$11, receipt_url=$12, updated_at=$13
		WHERE id=$1`,
		m.ID, m.OrderID, m.UserID, m.CheckoutSessionID, m.ExternalSessionID, m.CustomerRef,
		m.Status, m.Currency, m.AmountCents, m.TaxCents, m.ChargeID, m.ReceiptURL, m.UpdatedAt)
	if err != nil {
		return orders.Payment{}, orders.Persistence("update payment", err)
	}
	return m, nil
}

func (t *tx) GetPaymentByIntent(ctx context.Context, intentID string) (orders.Payment, error) {
	p, err := scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE payment_intent_id=$1`, intentID))
	if err != nil {
		return orders.Payment{}, notFound(err, "payment "+intentID)
	}
	return p, nil
}

// ---- refunds ----

const refundCols = `id, user_id, order_id, checkout_session_id, payment_intent_id, external_refund_id,
	amount_cents, reason, status, created_at, updated_at`

func scanRefund(r pgx.Row) (orders.Refund, error) {
	var x orders.Refund
	err := r.Scan(&x.ID, &x.UserID, &x.OrderID, &x.CheckoutSessionID, &x.PaymentIntentID, &x.ExternalRefundID,
		&x.AmountCents, &x.Reason, &x.Status, &x.CreatedAt, &x.UpdatedAt)
	return x, err
}

func (t *tx) InsertRefund(ctx context.Context, r orders.Refund) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO refunds(`+refundCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.UserID, r.OrderID, r.CheckoutSessionID, r.PaymentIntentID, r.ExternalRefundID,
		r.AmountCents, r.Reason, r.Status, r.CreatedAt, r.UpdatedAt)
	if uniqueViolation(err, "refunds_one_per_session") {
		return orders.ErrConflict
	}
	return orders.Persistence("insert refund", err)
}

func (t *tx) GetRefund(ctx context.Context, id string) (orders.Refund, error) {
	r, err := scanRefund(t.tx.QueryRow(ctx, `SELECT `+refundCols+` FROM refunds WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return orders.Refund{}, notFound(err, "refund "+id)
	}
	return r, nil
}

func (t *tx) FindRefundBySession(ctx context.Context, sessionID string) (orders.Refund, bool, error) {
	r, err := scanRefund(t.tx.QueryRow(ctx, `SELECT `+refundCols+` FROM refunds WHERE checkout_session_id=$1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Refund{}, false, nil
	}
	if err != nil {
		return orders.Refund{}, false, orders.Persistence("find refund", err)
	}
	return r, true, nil
}

func (t *tx) TransitionRefund(ctx context.Context, id string, from, to orders.RefundStatus, externalID string) (bool, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE refunds SET status=$3, external_refund_id=COALESCE(NULLIF($4, ''), external_refund_id), updated_at=now()
		WHERE id=$1 AND status=$2`, id, from, to, externalID)
	if err != nil {
		return false, orders.Persistence("transition refund", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (t *tx) ListRefunds(ctx context.Context, status orders.RefundStatus, createdBefore time.Time) ([]orders.Refund, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+refundCols+` FROM refunds
		WHERE status=$1 AND created_at < $2 ORDER BY created_at LIMIT 500`, status, createdBefore)
	out, err := scanAll(rows, err, scanRefund)
	if err != nil {
		return nil, orders.Persistence("list refunds", err)
	}
	return out, nil
}
