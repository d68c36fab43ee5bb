package httpx

import (
	"encoding/json"
	"errors"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"net/http"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error onto a status code. Conflicts carry a code
// so clients can tell "retry later" from "fix the cart".
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orders.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid"})
	case errors.Is(err, orders.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found", Code: "not_found"})
	case errors.Is(err, orders.ErrCheckoutInProgress):
		writeJSON(w, http.StatusConflict, errorBody{Error: "checkout already in progress", Code: "checkout_in_progress"})
	case errors.Is(err, orders.ErrInsufficientStock):
		writeJSON(w, http.StatusConflict, errorBody{Error: "insufficient stock", Code: "insufficient_stock"})
	case errors.Is(err, orders.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "conflict"})
	case errors.Is(err, orders.ErrGateway):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "payment provider unavailable", Code: "gateway"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}
