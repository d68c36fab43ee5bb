// Package memory is a process-local store.Store. Transactions are serialized
// by one mutex and run against a copy of the state that replaces the live
// state only when fn succeeds, so a failed transaction leaves nothing behind.
package memory

import (
	"context"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/store"
	"maps"
	"sort"
	"sync"
)

type cartKey struct{ user, product string }

type state struct {
	products     map[string]orders.Product
	customers    map[string]string
	cart         map[cartKey]int
	reservations map[string]orders.Reservation
	sessions     map[string]orders.CheckoutSession
	snapshots    map[string]orders.CartSnapshot
	addresses    map[string]orders.ShippingAddress
	orders       map[string]orders.Order
	items        map[string]orders.OrderItem
	payments     map[string]orders.Payment // by payment intent id
	refunds      map[string]orders.Refund
}

func newState() *state {
	return &state{
		products:     map[string]orders.Product{},
		customers:    map[string]string{},
		cart:         map[cartKey]int{},
		reservations: map[string]orders.Reservation{},
		sessions:     map[string]orders.CheckoutSession{},
		snapshots:    map[string]orders.CartSnapshot{},
		addresses:    map[string]orders.ShippingAddress{},
		orders:       map[string]orders.Order{},
		items:        map[string]orders.OrderItem{},
		payments:     map[string]orders.Payment{},
		refunds:      map[string]orders.Refund{},
	}
}

func (s *state) clone() *state {
	return &state{
		products:     maps.Clone(s.products),
		customers:    maps.Clone(s.customers),
		cart:         maps.Clone(s.cart),
		reservations: maps.Clone(s.reservations),
		sessions:     maps.Clone(s.sessions),
		snapshots:    maps.Clone(s.snapshots),
		addresses:    maps.Clone(s.addresses),
		orders:       maps.Clone(s.orders),
		items:        maps.Clone(s.items),
		payments:     maps.Clone(s.payments),
		refunds:      maps.Clone(s.refunds),
	}
}

type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store { return &Store{st: newState()} }

func (s *Store) Close() {}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return orders.Persistence("begin tx", err)
	}
	work := s.st.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// ---- seeding (catalog and cart collaborators) ----

func (s *Store) PutProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Status == "" {
		p.Status = "active"
	}
	p.Available = p.Stock - p.Reserved
	s.st.products[p.ID] = p
}

func (s *Store) PutCartLine(l orders.CartLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.cart[cartKey{l.UserID, l.ProductID}] = l.Units
}

func (s *Store) PutCustomer(userID, customerRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.customers[userID] = customerRef
}

// Counts is a row count per table.
type Counts struct {
	Sessions, ActiveSessions, Reservations, Snapshots int
	Orders, OrderItems, Payments, Refunds, Addresses  int
}

func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Counts{
		Sessions:     len(s.st.sessions),
		Reservations: len(s.st.reservations),
		Snapshots:    len(s.st.snapshots),
		Orders:       len(s.st.orders),
		OrderItems:   len(s.st.items),
		Payments:     len(s.st.payments),
		Refunds:      len(s.st.refunds),
		Addresses:    len(s.st.addresses),
	}
	for _, cs := range s.st.sessions {
		if cs.Status == orders.CheckoutActive {
			c.ActiveSessions++
		}
	}
	return c
}

func sortedValues[K comparable, V any](m map[K]V, keep func(V) bool, less func(a, b V) bool) []V {
	var out []V
	for _, v := range m {
		if keep(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
