// Package reservation keeps reservation rows and ledger holds in lockstep: a
// row exists exactly while its units sit in the product's reserved counter.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-checkout/internal/inventory"
	"github.com/ariefcatur/go-realtime-checkout/internal/metrics"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/store"
	"github.com/google/uuid"
	"time"
)

// Tx is the slice of store.Tx reservations need.
type Tx interface {
	store.Catalog
	store.Reservations
	store.Sessions
}

type Store struct {
	Ledger *inventory.Ledger
	TTL    time.Duration
	Now    func() time.Time
	m      *metrics.Metrics
}

func New(l *inventory.Ledger, ttl time.Duration, m *metrics.Metrics) *Store {
	if m == nil {
		m = metrics.Nop()
	}
	return &Store{Ledger: l, TTL: ttl, Now: func() time.Time { return time.Now().UTC() }, m: m}
}

// Create holds units of productID for one checkout session.
func (s *Store) Create(ctx context.Context, tx Tx, productID, userID string, units int, sessionID string) (orders.Reservation, error) {
	if _, err := tx.GetProduct(ctx, productID); err != nil {
		return orders.Reservation{}, err
	}
	if _, ok, err := tx.FindPendingReservation(ctx, userID, productID, sessionID); err != nil {
		return orders.Reservation{}, err
	} else if ok {
		return orders.Reservation{}, fmt.Errorf("product %s: %w", productID, orders.ErrDuplicateReservation)
	}
	if err := s.Ledger.Reserve(ctx, tx, productID, units); err != nil {
		return orders.Reservation{}, err
	}
	now := s.Now()
	r := orders.Reservation{
		ID:                uuid.NewString(),
		ProductID:         productID,
		UserID:            userID,
		CheckoutSessionID: sessionID,
		Units:             units,
		Status:            orders.ReservationPending,
		ExpiresAt:         now.Add(s.TTL),
		CreatedAt:         now,
	}
	if err := tx.InsertReservation(ctx, r); err != nil {
		return orders.Reservation{}, err
	}
	s.m.ReservationsHeld.Inc()
	return r, nil
}

// Release gives back the hold for (product, user, session). A missing
// reservation is not an error: redelivered events release twice.
func (s *Store) Release(ctx context.Context, tx Tx, productID, userID, sessionID string) (bool, error) {
	r, ok, err := tx.FindPendingReservation(ctx, userID, productID, sessionID)
	if err != nil || !ok {
		return false, err
	}
	return s.release(ctx, tx, r)
}

// release deletes the row before touching the ledger: only the transaction
// that removed the row gives the units back.
func (s *Store) release(ctx context.Context, tx Tx, r orders.Reservation) (bool, error) {
	removed, err := tx.DeleteReservation(ctx, r.ID)
	if err != nil || !removed {
		return false, err
	}
	if err := s.Ledger.Release(ctx, tx, r.ProductID, r.Units); err != nil {
		return false, err
	}
	s.m.ReservationsHeld.Dec()
	return true, nil
}

// CreateMany reserves every line or none. Lines already reserved are released
// again before the failing line's error is returned.
func (s *Store) CreateMany(ctx context.Context, tx Tx, userID, sessionID string, lines []orders.CartLine) ([]orders.Reservation, error) {
	out := make([]orders.Reservation, 0, len(lines))
	for _, l := range lines {
		r, err := s.Create(ctx, tx, l.ProductID, userID, l.Units, sessionID)
		if err != nil {
			if uerr := s.unwind(ctx, tx, out); uerr != nil {
				return nil, errors.Join(err, uerr)
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) unwind(ctx context.Context, tx Tx, held []orders.Reservation) error {
	for i := len(held) - 1; i >= 0; i-- {
		if _, err := s.release(ctx, tx, held[i]); err != nil {
			return fmt.Errorf("unwind reservation %s: %w", held[i].ID, err)
		}
	}
	return nil
}

// ReleaseSession releases every pending reservation of a session.
func (s *Store) ReleaseSession(ctx context.Context, tx Tx, sessionID string) ([]orders.Reservation, error) {
	rs, err := tx.ListSessionReservations(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]orders.Reservation, 0, len(rs))
	for _, r := range rs {
		removed, err := s.release(ctx, tx, r)
		if err != nil {
			return nil, err
		}
		if removed {
			out = append(out, r)
		}
	}
	return out, nil
}

// ReleaseOrphans releases a user's pending reservations that no live session
// owns any more.
func (s *Store) ReleaseOrphans(ctx context.Context, tx Tx, userID string, now time.Time) ([]orders.Reservation, error) {
	rs, err := tx.ListUserReservations(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.releaseOrphaned(ctx, tx, rs, now)
}

// ReleaseExpired releases reservations past expiry whose session is no longer
// live. Held reservations of a live session are left to the session's own
// expiry.
func (s *Store) ReleaseExpired(ctx context.Context, tx Tx, now time.Time) ([]orders.Reservation, error) {
	rs, err := tx.ListExpiredReservations(ctx, now)
	if err != nil {
		return nil, err
	}
	return s.releaseOrphaned(ctx, tx, rs, now)
}

func (s *Store) releaseOrphaned(ctx context.Context, tx Tx, rs []orders.Reservation, now time.Time) ([]orders.Reservation, error) {
	live := map[string]bool{}
	var out []orders.Reservation
	for _, r := range rs {
		alive, seen := live[r.CheckoutSessionID]
		if !seen {
			cs, err := tx.GetSession(ctx, r.CheckoutSessionID)
			switch {
			case errors.Is(err, orders.ErrNotFound):
				alive = false
			case err != nil:
				return nil, err
			default:
				alive = cs.Live(now)
			}
			live[r.CheckoutSessionID] = alive
		}
		if alive {
			continue
		}
		removed, err := s.release(ctx, tx, r)
		if err != nil {
			return nil, err
		}
		if removed {
			out = append(out, r)
		}
	}
	return out, nil
}
