// Package checkout runs the lifecycle of one checkout attempt: it opens a
// session, reserves and snapshots the cart, hands the buyer to the hosted
// payment page and closes the session again on expiry, cancel or payment.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-checkout/internal/metrics"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/payment"
	"github.com/ariefcatur/go-realtime-checkout/internal/reservation"
	"github.com/ariefcatur/go-realtime-checkout/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"time"
)

type Config struct {
	// CheckoutTTL bounds the hosted payment session. Stripe requires at
	// least 30 minutes.
	CheckoutTTL time.Duration
}

type Manager struct {
	DB           store.Store
	Reservations *reservation.Store
	Gateway      payment.Gateway
	Events       orders.EventPublisher
	Log          *zap.Logger
	Now          func() time.Time

	cfg Config
	m   *metrics.Metrics
}

func NewManager(db store.Store, res *reservation.Store, gw payment.Gateway, ev orders.EventPublisher,
	cfg Config, log *zap.Logger, m *metrics.Metrics) *Manager {
	if ev == nil {
		ev = orders.NopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	if cfg.CheckoutTTL <= 0 {
		cfg.CheckoutTTL = 31 * time.Minute
	}
	return &Manager{
		DB: db, Reservations: res, Gateway: gw, Events: ev, Log: log,
		Now: func() time.Time { return time.Now().UTC() },
		cfg: cfg, m: m,
	}
}

type OpenRequest struct {
	UserID string
	// Lines defaults to the user's live cart when empty.
	Lines []orders.CartLine
}

type Opened struct {
	Session    orders.CheckoutSession
	Snapshots  []orders.CartSnapshot
	TotalCents int64
}

// Open starts a checkout. Everything it writes lives in one transaction
// together with the hosted session call: a gateway failure leaves no
// session, reservation or snapshot behind.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (Opened, error) {
	if req.UserID == "" {
		return Opened{}, fmt.Errorf("%w: user id required", orders.ErrInvalid)
	}
	now := m.Now()

	var out Opened
	var stale *Closed
	var hosted payment.HostedSession
	err := m.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		out, stale, hosted = Opened{}, nil, payment.HostedSession{}

		cur, ok, err := tx.ActiveSession(ctx, req.UserID)
		if err != nil {
			return err
		}
		if ok {
			if cur.Live(now) {
				return orders.ErrCheckoutInProgress
			}
			// lewat expiry tapi belum di-sweep: tutup dulu
			c, err := m.CloseTx(ctx, tx, cur, orders.CheckoutExpired)
			if err != nil {
				return err
			}
			stale = &c
		}

		lines := req.Lines
		if len(lines) == 0 {
			if lines, err = tx.ListCart(ctx, req.UserID); err != nil {
				return err
			}
		}
		if len(lines) == 0 {
			return orders.ErrEmptyCart
		}

		products := make(map[string]orders.Product, len(lines))
		for _, l := range lines {
			p, err := tx.GetProduct(ctx, l.ProductID)
			if err != nil {
				return err
			}
			if p.Status != "" && p.Status != "active" {
				return fmt.Errorf("%w: product %s is %s", orders.ErrInvalid, p.ID, p.Status)
			}
			products[p.ID] = p
		}

		cs := orders.CheckoutSession{
			ID:        uuid.NewString(),
			UserID:    req.UserID,
			Status:    orders.CheckoutActive,
			CreatedAt: now,
			ExpiresAt: now.Add(m.cfg.CheckoutTTL),
		}
		if err := tx.InsertSession(ctx, cs); err != nil {
			return err
		}
		if _, err := m.Reservations.CreateMany(ctx, tx, req.UserID, cs.ID, lines); err != nil {
			return err
		}

		items := make([]payment.LineItem, 0, len(lines))
		for _, l := range lines {
			p := products[l.ProductID]
			snap := orders.CartSnapshot{
				ID:                uuid.NewString(),
				CheckoutSessionID: cs.ID,
				UserID:            req.UserID,
				ProductID:         p.ID,
				Title:             p.Title,
				Units:             l.Units,
				UnitPriceCents:    p.UnitPriceCents(),
				CreatedAt:         now,
			}
			if err := tx.InsertSnapshot(ctx, snap); err != nil {
				return err
			}
			out.Snapshots = append(out.Snapshots, snap)
			out.TotalCents += snap.UnitPriceCents * int64(snap.Units)
			items = append(items, payment.LineItem{
				ProductID:       p.ID,
				Name:            p.Title,
				TaxCode:         p.TaxCode,
				UnitAmountCents: snap.UnitPriceCents,
				Quantity:        int64(snap.Units),
			})
		}

		customer, err := tx.CustomerRef(ctx, req.UserID)
		if err != nil {
			return err
		}
		hosted, err = m.Gateway.CreatePaymentSession(ctx, payment.SessionRequest{
			CheckoutSessionID: cs.ID,
			UserID:            req.UserID,
			CustomerRef:       customer,
			Lines:             items,
			ExpiresAt:         cs.ExpiresAt,
		})
		if err != nil {
			return err
		}
		if err := tx.SetSessionExternal(ctx, cs.ID, hosted.ID, hosted.URL); err != nil {
			return err
		}
		cs.ExternalID, cs.URL = hosted.ID, hosted.URL
		out.Session = cs
		return nil
	})
	if err != nil {
		m.m.CheckoutsOpened.WithLabelValues(resultLabel(err)).Inc()
		if hosted.ID != "" {
			// the hosted page exists but nothing local points at it
			m.ExpireHosted(ctx, hosted.ID)
		}
		return Opened{}, err
	}

	m.m.CheckoutsOpened.WithLabelValues("ok").Inc()
	if stale != nil {
		m.AfterClose(ctx, *stale)
	}
	m.publish(ctx, orders.TopicCheckoutOpened, orders.EventCheckoutOpened, out.Session.ID, orders.CheckoutOpenedPayload{
		CheckoutSessionID: out.Session.ID,
		UserID:            out.Session.UserID,
		ExternalID:        out.Session.ExternalID,
		Items:             snapshotItems(out.Snapshots),
		ExpiresAt:         out.Session.ExpiresAt,
	})
	m.Log.Info("checkout opened",
		zap.String("checkout_session_id", out.Session.ID),
		zap.String("user_id", out.Session.UserID),
		zap.Int("lines", len(out.Snapshots)),
		zap.Int64("total_cents", out.TotalCents))
	return out, nil
}

// Closed describes a session leaving active. Changed is false when the
// session was already terminal and nothing was written.
type Closed struct {
	Session  orders.CheckoutSession
	Status   orders.CheckoutStatus
	Released []orders.Reservation
	Changed  bool
}

// CloseTx moves cs from active to `to` inside tx, releases its pending
// reservations and drops its snapshots. Callers that read snapshots must do
// so first.
func (m *Manager) CloseTx(ctx context.Context, tx store.Tx, cs orders.CheckoutSession, to orders.CheckoutStatus) (Closed, error) {
	c := Closed{Session: cs, Status: to}
	ok, err := tx.TransitionSession(ctx, cs.ID, orders.CheckoutActive, to)
	if err != nil || !ok {
		return c, err
	}
	if c.Released, err = m.Reservations.ReleaseSession(ctx, tx, cs.ID); err != nil {
		return c, err
	}
	if err := tx.DeleteSnapshots(ctx, cs.ID); err != nil {
		return c, err
	}
	c.Changed = true
	c.Session.Status = to.Stored()
	return c, nil
}

// AfterClose runs the post-commit side of CloseTx.
func (m *Manager) AfterClose(ctx context.Context, c Closed) {
	if !c.Changed {
		return
	}
	m.m.CheckoutsClosed.WithLabelValues(string(c.Status)).Inc()
	if c.Status == orders.CheckoutConsumed {
		return
	}
	m.publish(ctx, orders.TopicCheckoutExpired, orders.EventCheckoutExpired, c.Session.ID, orders.CheckoutExpiredPayload{
		CheckoutSessionID: c.Session.ID,
		UserID:            c.Session.UserID,
		Status:            string(c.Status),
		Released:          reservationItems(c.Released),
	})
	m.Log.Info("checkout closed",
		zap.String("checkout_session_id", c.Session.ID),
		zap.String("status", string(c.Status)),
		zap.Int("released", len(c.Released)))
}

// Expire closes a session as expired. Expiring a closed session is a no-op.
func (m *Manager) Expire(ctx context.Context, sessionID string) (Closed, error) {
	var c Closed
	err := m.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cs, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		c, err = m.CloseTx(ctx, tx, cs, orders.CheckoutExpired)
		return err
	})
	if err != nil {
		return Closed{}, err
	}
	m.AfterClose(ctx, c)
	return c, nil
}

// Cancel closes the user's active session, if any, and expires its hosted
// page so it can no longer be paid.
func (m *Manager) Cancel(ctx context.Context, userID string) (Closed, error) {
	var c Closed
	err := m.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) (err error) {
		c, err = m.cancelTx(ctx, tx, userID)
		return err
	})
	if err != nil {
		return Closed{}, err
	}
	m.afterCancel(ctx, c)
	return c, nil
}

func (m *Manager) cancelTx(ctx context.Context, tx store.Tx, userID string) (Closed, error) {
	cs, ok, err := tx.ActiveSession(ctx, userID)
	if err != nil || !ok {
		return Closed{}, err
	}
	return m.CloseTx(ctx, tx, cs, orders.CheckoutCancelled)
}

func (m *Manager) afterCancel(ctx context.Context, c Closed) {
	if c.Changed && c.Session.ExternalID != "" {
		m.ExpireHosted(ctx, c.Session.ExternalID)
	}
	m.AfterClose(ctx, c)
}

// ReleaseUserReservations cancels the user's active checkout and releases
// any pending reservation of theirs that no live session owns.
func (m *Manager) ReleaseUserReservations(ctx context.Context, userID string) ([]orders.Reservation, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", orders.ErrInvalid)
	}
	now := m.Now()
	var c Closed
	var orphans []orders.Reservation
	err := m.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if c, err = m.cancelTx(ctx, tx, userID); err != nil {
			return err
		}
		orphans, err = m.Reservations.ReleaseOrphans(ctx, tx, userID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.afterCancel(ctx, c)
	return append(c.Released, orphans...), nil
}

type SweepResult struct {
	Expired  int
	Released int
}

// Sweep expires sessions past their deadline or holding an expired
// reservation, then releases expired reservations left without a live
// session. Each session closes in its own transaction.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	var stale []orders.CheckoutSession
	err := m.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) (err error) {
		stale, err = tx.ListStaleSessions(ctx, now)
		return err
	})
	if err != nil {
		m.m.SweepRuns.WithLabelValues("error").Inc()
		return res, err
	}

	var errs []error
	for _, cs := range stale {
		c, err := m.Expire(ctx, cs.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", cs.ID, err))
			continue
		}
		if c.Changed {
			res.Expired++
			res.Released += len(c.Released)
		}
	}

	var orphans []orders.Reservation
	err = m.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) (err error) {
		orphans, err = m.Reservations.ReleaseExpired(ctx, tx, now)
		return err
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("release expired: %w", err))
	}
	res.Released += len(orphans)

	if err := errors.Join(errs...); err != nil {
		m.m.SweepRuns.WithLabelValues("error").Inc()
		return res, err
	}
	m.m.SweepRuns.WithLabelValues("ok").Inc()
	if res.Expired > 0 || res.Released > 0 {
		m.Log.Info("sweep", zap.Int("expired", res.Expired), zap.Int("released", res.Released))
	}
	return res, nil
}

// ExpireHosted closes the provider's payment page best-effort so no payment
// can land on a session that is no longer live here.
func (m *Manager) ExpireHosted(ctx context.Context, externalID string) {
	if err := m.Gateway.ExpirePaymentSession(ctx, externalID); err != nil {
		m.Log.Warn("expire hosted session", zap.String("external_id", externalID), zap.Error(err))
	}
}

func (m *Manager) publish(ctx context.Context, topic, eventType, key string, payload any) {
	if err := m.Events.PublishEvent(ctx, topic, eventType, key, payload); err != nil {
		m.Log.Warn("publish event", zap.String("topic", topic), zap.String("key", key), zap.Error(err))
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, orders.ErrCheckoutInProgress):
		return "in_progress"
	case errors.Is(err, orders.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, orders.ErrGateway):
		return "gateway_error"
	case errors.Is(err, orders.ErrInvalid):
		return "invalid"
	case errors.Is(err, orders.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func snapshotItems(ss []orders.CartSnapshot) []orders.ItemPrice {
	out := make([]orders.ItemPrice, 0, len(ss))
	for _, s := range ss {
		out = append(out, orders.ItemPrice{ProductID: s.ProductID, Qty: s.Units, PriceCents: s.UnitPriceCents})
	}
	return out
}

func reservationItems(rs []orders.Reservation) []orders.ItemQty {
	out := make([]orders.ItemQty, 0, len(rs))
	for _, r := range rs {
		out = append(out, orders.ItemQty{ProductID: r.ProductID, Qty: r.Units})
	}
	return out
}
