package postgres

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/jackc/pgx/v5"
	"time"
)

const reservationCols = `id, product_id, user_id, checkout_session_id, units, status, expires_at, created_at`

func scanReservation(r pgx.Row) (orders.Reservation, error) {
	var x orders.Reservation
	err := r.Scan(&x.ID, &x.ProductID, &x.UserID, &x.CheckoutSessionID, &x.Units, &x.Status, &x.ExpiresAt, &x.CreatedAt)
	return x, err
}

func (t *tx) FindPendingReservation(ctx context.Context, userID, productID, sessionID string) (orders.Reservation, bool, error) {
	r, err := scanReservation(t.tx.QueryRow(ctx, `
		SELECT `+reservationCols+` FROM reservations
		WHERE user_id=$1 AND product_id=$2 AND checkout_session_id=$3 AND status='pending'`,
		userID, productID, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Reservation{}, false, nil
	}
	if err != nil {
		return orders.Reservation{}, false, orders.Persistence("find reservation", err)
	}
	return r, true, nil
}

func (t *tx) InsertReservation(ctx context.Context, r orders.Reservation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO reservations(`+reservationCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.ProductID, r.UserID, r.CheckoutSessionID, r.Units, r.Status, r.ExpiresAt, r.CreatedAt)
	if uniqueViolation(err, "reservations_one_pending") {
		return orders.ErrDuplicateReservation
	}
	return orders.Persistence("insert reservation", err)
}

// DeleteReservation takes the row lock; a concurrent release that lost the
// race sees zero rows once the winner commits.
func (t *tx) DeleteReservation(ctx context.Context, id string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM reservations WHERE id=$1 AND status='pending'`, id)
	if err != nil {
		return false, orders.Persistence("delete reservation", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) listReservations(ctx context.Context, op, where string, args ...any) ([]orders.Reservation, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+reservationCols+` FROM reservations WHERE status='pending' AND `+where+` ORDER BY product_id, id`, args...)
	out, err := scanAll(rows, err, scanReservation)
	if err != nil {
		return nil, orders.Persistence(op, err)
	}
	return out, nil
}

func (t *tx) ListSessionReservations(ctx context.Context, sessionID string) ([]orders.Reservation, error) {
	return t.listReservations(ctx, "list session reservations", `checkout_session_id=$1`, sessionID)
}

func (t *tx) ListUserReservations(ctx context.Context, userID string) ([]orders.Reservation, error) {
	return t.listReservations(ctx, "list user reservations", `user_id=$1`, userID)
}

func (t *tx) ListExpiredReservations(ctx context.Context, now time.Time) ([]orders.Reservation, error) {
	return t.listReservations(ctx, "list expired reservations", `expires_at <= $1`, now)
}

// ---- checkout sessions ----

const sessionCols = `id, user_id, external_id, url, status, created_at, expires_at`

func scanSession(r pgx.Row) (orders.CheckoutSession, error) {
	var s orders.CheckoutSession
	err := r.Scan(&s.ID, &s.UserID, &s.ExternalID, &s.URL, &s.Status, &s.CreatedAt, &s.ExpiresAt)
	return s, err
}

func (t *tx) InsertSession(ctx context.Context, s orders.CheckoutSession) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO checkout_sessions(`+sessionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		s.ID, s.UserID, s.ExternalID, s.URL, s.Status.Stored(), s.CreatedAt, s.ExpiresAt)
	if uniqueViolation(err, "checkout_sessions_one_active") {
		return orders.ErrCheckoutInProgress
	}
	return orders.Persistence("insert session", err)
}

func (t *tx) GetSession(ctx context.Context, id string) (orders.CheckoutSession, error) {
	s, err := scanSession(t.tx.QueryRow(ctx, `SELECT `+sessionCols+` FROM checkout_sessions WHERE id=$1`, id))
	if err != nil {
		return orders.CheckoutSession{}, notFound(err, "checkout session "+id)
	}
	return s, nil
}

func (t *tx) GetSessionByExternalID(ctx context.Context, externalID string) (orders.CheckoutSession, error) {
	if externalID == "" {
		return orders.CheckoutSession{}, notFound(pgx.ErrNoRows, "checkout session")
	}
	s, err := scanSession(t.tx.QueryRow(ctx, `SELECT `+sessionCols+` FROM checkout_sessions WHERE external_id=$1`, externalID))
	if err != nil {
		return orders.CheckoutSession{}, notFound(err, "checkout session "+externalID)
	}
	return s, nil
}

func (t *tx) ActiveSession(ctx context.Context, userID string) (orders.CheckoutSession, bool, error) {
	s, err := scanSession(t.tx.QueryRow(ctx, `
		SELECT `+sessionCols+` FROM checkout_sessions
		WHERE user_id=$1 AND status='active' FOR UPDATE`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.CheckoutSession{}, false, nil
	}
	if err != nil {
		return orders.CheckoutSession{}, false, orders.Persistence("active session", err)
	}
	return s, true, nil
}

func (t *tx) SetSessionExternal(ctx context.Context, id, externalID, url string) error {
	ct, err := t.tx.Exec(ctx, `UPDATE checkout_sessions SET external_id=$2, url=$3 WHERE id=$1`, id, externalID, url)
	if err != nil {
		return orders.Persistence("set session external", err)
	}
	if ct.RowsAffected() == 0 {
		return notFound(pgx.ErrNoRows, "checkout session "+id)
	}
	return nil
}

func (t *tx) TransitionSession(ctx context.Context, id string, from, to orders.CheckoutStatus) (bool, error) {
	if !orders.CanTransitionCheckout(from, to) {
		return false, nil
	}
	ct, err := t.tx.Exec(ctx, `UPDATE checkout_sessions SET status=$3 WHERE id=$1 AND status=$2`,
		id, from.Stored(), to.Stored())
	if err != nil {
		return false, orders.Persistence("transition session", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (t *tx) ListStaleSessions(ctx context.Context, now time.Time) ([]orders.CheckoutSession, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+sessionCols+` FROM checkout_sessions s
		WHERE s.status='active'
		  AND (s.expires_at <= $1 OR EXISTS (
		        SELECT 1 FROM reservations r
		        WHERE r.checkout_session_id = s.id AND r.status='pending' AND r.expires_at <= $1))
		ORDER BY s.expires_at`, now)
	out, err := scanAll(rows, err, scanSession)
	if err != nil {
		return nil, orders.Persistence("list stale sessions", err)
	}
	return out, nil
}

// ---- cart snapshots ----

const snapshotCols = `id, checkout_session_id, user_id, product_id, title, units, unit_price_cents, created_at`

func (t *tx) InsertSnapshot(ctx context.Context, s orders.CartSnapshot) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO cart_snapshots(`+snapshotCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.ID, s.CheckoutSessionID, s.UserID, s.ProductID, s.Title, s.Units, s.UnitPriceCents, s.CreatedAt)
	return orders.Persistence("insert snapshot", err)
}

func (t *tx) ListSnapshots(ctx context.Context, sessionID string) ([]orders.CartSnapshot, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+snapshotCols+` FROM cart_snapshots
		WHERE checkout_session_id=$1 ORDER BY product_id`, sessionID)
	out, err := scanAll(rows, err, func(r pgx.Row) (orders.CartSnapshot, error) {
		var s orders.CartSnapshot
		err := r.Scan(&s.ID, &s.CheckoutSessionID, &s.UserID, &s.ProductID, &s.Title, &s.Units, &s.UnitPriceCents, &s.CreatedAt)
		return s, err
	})
	if err != nil {
		return nil, orders.Persistence("list snapshots", err)
	}
	return out, nil
}

func (t *tx) DeleteSnapshots(ctx context.Context, sessionID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM cart_snapshots WHERE checkout_session_id=$1`, sessionID)
	return orders.Persistence("delete snapshots", err)
}
