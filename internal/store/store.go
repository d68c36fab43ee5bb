// Package store declares the persistence contract shared by the Postgres and
// in-memory implementations. Every method on Tx runs inside one database
// transaction; WithTx commits when fn returns nil and rolls back otherwise.
package store

import (
	"context"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"time"
)

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close()
}

type Tx interface {
	Catalog
	Cart
	Reservations
	Sessions
	Snapshots
	Ledger
}

// Catalog is the read side of the product collaborator plus the single
// write path to its stock columns.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (orders.Product, error)
	// AdjustStock applies adj in one conditional row update. It returns
	// false when the row is missing or the predicate fails; nothing changes.
	AdjustStock(ctx context.Context, productID string, adj orders.StockAdjustment) (bool, error)
	// CustomerRef returns the payment provider customer id for a user, or "".
	CustomerRef(ctx context.Context, userID string) (string, error)
}

type Cart interface {
	ListCart(ctx context.Context, userID string) ([]orders.CartLine, error)
	DeleteCartLines(ctx context.Context, userID string, productIDs []string) error
}

type Reservations interface {
	FindPendingReservation(ctx context.Context, userID, productID, sessionID string) (orders.Reservation, bool, error)
	InsertReservation(ctx context.Context, r orders.Reservation) error
	// DeleteReservation removes a pending reservation; false when another
	// transaction already removed it.
	DeleteReservation(ctx context.Context, id string) (bool, error)
	ListSessionReservations(ctx context.Context, sessionID string) ([]orders.Reservation, error)
	ListUserReservations(ctx context.Context, userID string) ([]orders.Reservation, error)
	// ListExpiredReservations returns pending reservations with expires_at <= now.
	ListExpiredReservations(ctx context.Context, now time.Time) ([]orders.Reservation, error)
}

type Sessions interface {
	// InsertSession fails with orders.ErrCheckoutInProgress when the user
	// already holds an active session.
	InsertSession(ctx context.Context, s orders.CheckoutSession) error
	GetSession(ctx context.Context, id string) (orders.CheckoutSession, error)
	GetSessionByExternalID(ctx context.Context, externalID string) (orders.CheckoutSession, error)
	ActiveSession(ctx context.Context, userID string) (orders.CheckoutSession, bool, error)
	SetSessionExternal(ctx context.Context, id, externalID, url string) error
	// TransitionSession moves id from `from` to `to` only if it is still in
	// `from`. It reports whether the row changed.
	TransitionSession(ctx context.Context, id string, from, to orders.CheckoutStatus) (bool, error)
	// ListStaleSessions returns active sessions past expiry or holding an
	// expired reservation.
	ListStaleSessions(ctx context.Context, now time.Time) ([]orders.CheckoutSession, error)
}

type Snapshots interface {
	InsertSnapshot(ctx context.Context, s orders.CartSnapshot) error
	ListSnapshots(ctx context.Context, sessionID string) ([]orders.CartSnapshot, error)
	DeleteSnapshots(ctx context.Context, sessionID string) error
}

// Ledger is the order/payment side: orders, payments and refunds.
type Ledger interface {
	FindOrderBySession(ctx context.Context, sessionID string) (orders.Order, bool, error)
	GetOrder(ctx context.Context, id string) (orders.Order, error)
	ListOrderItems(ctx context.Context, orderID string) ([]orders.OrderItem, error)
	InsertShippingAddress(ctx context.Context, a orders.ShippingAddress) error
	// InsertOrder fails with orders.ErrConflict when an order already
	// references the checkout session.
	InsertOrder(ctx context.Context, o orders.Order) error
	InsertOrderItem(ctx context.Context, it orders.OrderItem) error
	UpdateOrderStatus(ctx context.Context, id string, from, to orders.Status) (bool, error)

	// UpsertPayment merges p into the row keyed by p.PaymentIntentID,
	// creating it when absent. It returns the merged row.
	UpsertPayment(ctx context.Context, p orders.Payment) (orders.Payment, error)
	GetPaymentByIntent(ctx context.Context, intentID string) (orders.Payment, error)

	InsertRefund(ctx context.Context, r orders.Refund) error
	GetRefund(ctx context.Context, id string) (orders.Refund, error)
	FindRefundBySession(ctx context.Context, sessionID string) (orders.Refund, bool, error)
	TransitionRefund(ctx context.Context, id string, from, to orders.RefundStatus, externalID string) (bool, error)
	ListRefunds(ctx context.Context, status orders.RefundStatus, createdBefore time.Time) ([]orders.Refund, error)
}
