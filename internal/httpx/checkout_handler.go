package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-checkout/internal/checkout"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/redisx"
	"github.com/ariefcatur/go-realtime-checkout/internal/store"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"io"
	"net/http"
	"time"
)

// HeaderUserID carries the authenticated user, set by the gateway in front.
const HeaderUserID = "X-User-ID"

// StatusCache is the order status cache; redisx.StatusCache implements it.
type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.OrderStatus, bool, error)
	Set(ctx context.Context, orderID string, s redisx.OrderStatus) error
}

type CheckoutHandler struct {
	Checkout *checkout.Manager
	DB       store.Store
	Cache    StatusCache // optional
	Log      *zap.Logger
}

func (h *CheckoutHandler) Register(r chi.Router) {
	if h.Log == nil {
		h.Log = zap.NewNop()
	}
	r.Post("/checkout", h.openCheckout)
	r.Delete("/checkout", h.cancelCheckout)
	r.Post("/reservations/release", h.releaseReservations)
	r.Get("/orders/{id}", h.getOrder)
}

type LineReq struct {
	ProductID string `json:"product_id"`
	Units     int    `json:"units"`
}

type OpenCheckoutReq struct {
	Lines []LineReq `json:"lines,omitempty"`
}

type ItemResp struct {
	ProductID      string `json:"product_id"`
	Title          string `json:"title"`
	Units          int    `json:"units"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type OpenCheckoutResp struct {
	CheckoutSessionID string     `json:"checkout_session_id"`
	URL               string     `json:"url"`
	ExpiresAt         time.Time  `json:"expires_at"`
	TotalCents        int64      `json:"total_cents"`
	Items             []ItemResp `json:"items"`
}

type ReleasedResp struct {
	Status   string           `json:"status,omitempty"`
	Released []orders.ItemQty `json:"released"`
}

func userID(r *http.Request) (string, error) {
	if u := r.Header.Get(HeaderUserID); u != "" {
		return u, nil
	}
	return "", fmt.Errorf("%w: missing %s header", orders.ErrInvalid, HeaderUserID)
}

func (h *CheckoutHandler) openCheckout(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req OpenCheckoutReq
	// body boleh kosong: pakai cart user
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json", Code: "invalid"})
		return
	}
	lines := make([]orders.CartLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		if l.ProductID == "" || l.Units <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "each line needs product_id and positive units", Code: "invalid"})
			return
		}
		lines = append(lines, orders.CartLine{UserID: uid, ProductID: l.ProductID, Units: l.Units})
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	o, err := h.Checkout.Open(ctx, checkout.OpenRequest{UserID: uid, Lines: lines})
	if err != nil {
		h.logFailure("open checkout", uid, err)
		writeError(w, err)
		return
	}
	resp := OpenCheckoutResp{
		CheckoutSessionID: o.Session.ID,
		URL:               o.Session.URL,
		ExpiresAt:         o.Session.ExpiresAt,
		TotalCents:        o.TotalCents,
		Items:             make([]ItemResp, 0, len(o.Snapshots)),
	}
	for _, s := range o.Snapshots {
		resp.Items = append(resp.Items, ItemResp{ProductID: s.ProductID, Title: s.Title, Units: s.Units, UnitPriceCents: s.UnitPriceCents})
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *CheckoutHandler) cancelCheckout(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	c, err := h.Checkout.Cancel(ctx, uid)
	if err != nil {
		h.logFailure("cancel checkout", uid, err)
		writeError(w, err)
		return
	}
	if !c.Changed {
		writeError(w, fmt.Errorf("active checkout: %w", orders.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, ReleasedResp{Status: string(c.Status), Released: qty(c.Released)})
}

func (h *CheckoutHandler) releaseReservations(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rs, err := h.Checkout.ReleaseUserReservations(ctx, uid)
	if err != nil {
		h.logFailure("release reservations", uid, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReleasedResp{Released: qty(rs)})
}

type OrderResp struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	Cached    bool      `json:"cached"`
}

func (h *CheckoutHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) coba cache
	if h.Cache != nil {
		if s, ok, err := h.Cache.Get(ctx, orderID); err == nil && ok {
			writeJSON(w, http.StatusOK, OrderResp{OrderID: orderID, Status: s.Status, UpdatedAt: s.UpdatedAt, Cached: true})
			return
		} else if err != nil {
			h.Log.Warn("order status cache", zap.String("order_id", orderID), zap.Error(err))
		}
	}

	// 2) fallback DB
	var o orders.Order
	err := h.DB.WithTx(ctx, func(ctx context.Context, tx store.Tx) (err error) {
		o, err = tx.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if h.Cache != nil {
		_ = h.Cache.Set(ctx, orderID, redisx.OrderStatus{Status: string(o.Status), UpdatedAt: o.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, OrderResp{OrderID: o.ID, Status: string(o.Status), UpdatedAt: o.UpdatedAt})
}

func (h *CheckoutHandler) logFailure(op, uid string, err error) {
	lvl := h.Log.Info
	if !errors.Is(err, orders.ErrConflict) && !errors.Is(err, orders.ErrInvalid) && !errors.Is(err, orders.ErrNotFound) {
		lvl = h.Log.Error
	}
	lvl(op+" failed", zap.String("user_id", uid), zap.Error(err))
}

func qty(rs []orders.Reservation) []orders.ItemQty {
	out := make([]orders.ItemQty, 0, len(rs))
	for _, r := range rs {
		out = append(out, orders.ItemQty{ProductID: r.ProductID, Qty: r.Units})
	}
	return out
}
