// Package inventory owns the stock counters of a product. Every change goes
// through one conditional row update, so available = stock - reserved holds
// after each call and concurrent callers serialize on the row.
package inventory

import (
	"context"
	"fmt"
	"github.com/ariefcatur/go-realtime-checkout/internal/metrics"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/store"
)

type Ledger struct {
	m *metrics.Metrics
}

func NewLedger(m *metrics.Metrics) *Ledger {
	if m == nil {
		m = metrics.Nop()
	}
	return &Ledger{m: m}
}

// Reserve moves units from available to reserved.
func (l *Ledger) Reserve(ctx context.Context, tx store.Catalog, productID string, units int) error {
	return l.apply(ctx, tx, "reserve", productID, units, orders.StockAdjustment{
		Available: -units, Reserved: units,
		MinAvailable: units,
	})
}

// Release moves units back from reserved to available. The caller must have
// found the reservation being released; the ledger cannot tell a double
// release from a legitimate one.
func (l *Ledger) Release(ctx context.Context, tx store.Catalog, productID string, units int) error {
	return l.apply(ctx, tx, "release", productID, units, orders.StockAdjustment{
		Available: units, Reserved: -units,
		MinReserved: units,
	})
}

// Fulfill takes units out of physical stock. The matching reservation has
// already been released, so the units are debited from available.
func (l *Ledger) Fulfill(ctx context.Context, tx store.Catalog, productID string, units int) error {
	return l.apply(ctx, tx, "fulfill", productID, units, orders.StockAdjustment{
		Stock: -units, Available: -units,
		MinStock: units, MinAvailable: units,
	})
}

// Restock undoes a Fulfill.
func (l *Ledger) Restock(ctx context.Context, tx store.Catalog, productID string, units int) error {
	return l.apply(ctx, tx, "restock", productID, units, orders.StockAdjustment{
		Stock: units, Available: units,
	})
}

func (l *Ledger) apply(ctx context.Context, tx store.Catalog, op, productID string, units int, adj orders.StockAdjustment) error {
	if units <= 0 {
		l.m.LedgerOps.WithLabelValues(op, "invalid").Inc()
		return fmt.Errorf("%s %s: %w: units must be positive, got %d", op, productID, orders.ErrInvalid, units)
	}
	ok, err := tx.AdjustStock(ctx, productID, adj)
	if err != nil {
		l.m.LedgerOps.WithLabelValues(op, "error").Inc()
		return err
	}
	if !ok {
		l.m.LedgerOps.WithLabelValues(op, "conflict").Inc()
		return fmt.Errorf("%s %s x%d: %w", op, productID, units, orders.ErrInsufficientStock)
	}
	l.m.LedgerOps.WithLabelValues(op, "ok").Inc()
	return nil
}
