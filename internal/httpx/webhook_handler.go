package httpx

import (
	"errors"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/payment"
	"github.com/ariefcatur/go-realtime-checkout/internal/reconcile"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"io"
	"net/http"
)

// maxWebhookBody follows Stripe's Go webhook guide.
const maxWebhookBody = 65536

type WebhookHandler struct {
	Verifier   *payment.Verifier
	Reconciler *reconcile.Reconciler
	Log        *zap.Logger
}

func (h *WebhookHandler) Register(r chi.Router) {
	if h.Log == nil {
		h.Log = zap.NewNop()
	}
	r.Post("/webhook/stripe", h.stripe)
}

type webhookResp struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

// stripe answers 2xx only when the event is applied or can never be
// applied; anything else makes Stripe redeliver.
func (h *WebhookHandler) stripe(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "payload too large", Code: "invalid"})
		return
	}
	ev, err := h.Verifier.Parse(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.Log.Warn("reject webhook", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid webhook", Code: "invalid"})
		return
	}

	// context request tetap dipakai: Stripe menunggu sampai selesai
	out, err := h.Reconciler.Handle(r.Context(), ev)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, webhookResp{Received: true, Outcome: string(out)})
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, orders.ErrInvalid):
		h.Log.Warn("ack unusable webhook", zap.String("event_id", ev.ID), zap.String("type", ev.Type), zap.Error(err))
		writeJSON(w, http.StatusOK, webhookResp{Received: true, Outcome: "unmatched"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "event not processed"})
	}
}
