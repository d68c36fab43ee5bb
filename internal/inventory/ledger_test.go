package inventory_test

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-realtime-checkout/internal/inventory"
	"github.com/ariefcatur/go-realtime-checkout/internal/memory"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/store"
	"sync"
	"sync/atomic"
	"testing"
)

func seed(t *testing.T, stock int) *memory.Store {
	t.Helper()
	s := memory.New()
	s.PutProduct(orders.Product{ID: "p1", Title: "Mug", PriceCents: 1000, Stock: stock})
	return s
}

func product(t *testing.T, s *memory.Store) orders.Product {
	t.Helper()
	var p orders.Product
	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		p, err = tx.GetProduct(ctx, "p1")
		return err
	})
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if p.Available+p.Reserved != p.Stock {
		t.Fatalf("invariant broken: stock=%d reserved=%d available=%d", p.Stock, p.Reserved, p.Available)
	}
	return p
}

func run(s *memory.Store, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.WithTx(context.Background(), fn)
}

func TestReserveReleaseFulfill(t *testing.T) {
	s := seed(t, 5)
	l := inventory.NewLedger(nil)

	if err := run(s, func(ctx context.Context, tx store.Tx) error { return l.Reserve(ctx, tx, "p1", 3) }); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if p := product(t, s); p.Reserved != 3 || p.Available != 2 {
		t.Fatalf("after reserve: %+v", p)
	}

	err := run(s, func(ctx context.Context, tx store.Tx) error { return l.Reserve(ctx, tx, "p1", 3) })
	if !errors.Is(err, orders.ErrInsufficientStock) || !errors.Is(err, orders.ErrConflict) {
		t.Fatalf("expected insufficient stock conflict, got %v", err)
	}
	if p := product(t, s); p.Reserved != 3 || p.Available != 2 {
		t.Fatalf("failed reserve mutated stock: %+v", p)
	}

	if err := run(s, func(ctx context.Context, tx store.Tx) error { return l.Release(ctx, tx, "p1", 3) }); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := run(s, func(ctx context.Context, tx store.Tx) error { return l.Fulfill(ctx, tx, "p1", 2) }); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if p := product(t, s); p.Stock != 3 || p.Reserved != 0 || p.Available != 3 {
		t.Fatalf("after fulfill: %+v", p)
	}
}

func TestReleaseNeverDrivesReservedNegative(t *testing.T) {
	s := seed(t, 5)
	l := inventory.NewLedger(nil)

	err := run(s, func(ctx context.Context, tx store.Tx) error { return l.Release(ctx, tx, "p1", 1) })
	if !errors.Is(err, orders.ErrInsufficientStock) {
		t.Fatalf("expected conflict releasing unreserved units, got %v", err)
	}
	if p := product(t, s); p.Reserved != 0 || p.Available != 5 {
		t.Fatalf("stock changed: %+v", p)
	}
}

func TestFulfillRespectsAvailable(t *testing.T) {
	s := seed(t, 2)
	l := inventory.NewLedger(nil)

	if err := run(s, func(ctx context.Context, tx store.Tx) error { return l.Reserve(ctx, tx, "p1", 2) }); err != nil {
		t.Fatal(err)
	}
	// another checkout holds both units; fulfilling here would oversell
	err := run(s, func(ctx context.Context, tx store.Tx) error { return l.Fulfill(ctx, tx, "p1", 1) })
	if !errors.Is(err, orders.ErrInsufficientStock) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if p := product(t, s); p.Stock != 2 || p.Reserved != 2 {
		t.Fatalf("stock changed: %+v", p)
	}
}

func TestInvalidUnits(t *testing.T) {
	s := seed(t, 5)
	l := inventory.NewLedger(nil)
	for _, units := range []int{0, -2} {
		err := run(s, func(ctx context.Context, tx store.Tx) error { return l.Reserve(ctx, tx, "p1", units) })
		if !errors.Is(err, orders.ErrInvalid) {
			t.Fatalf("units=%d: expected invalid, got %v", units, err)
		}
	}
}

func TestUnknownProductIsConflictNotPanic(t *testing.T) {
	s := seed(t, 5)
	l := inventory.NewLedger(nil)
	err := run(s, func(ctx context.Context, tx store.Tx) error { return l.Reserve(ctx, tx, "nope", 1) })
	if !errors.Is(err, orders.ErrInsufficientStock) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestConcurrentReserveNeverExceedsAvailable(t *testing.T) {
	const stock, workers = 10, 64
	s := seed(t, stock)
	l := inventory.NewLedger(nil)

	var ok, conflicts atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := run(s, func(ctx context.Context, tx store.Tx) error { return l.Reserve(ctx, tx, "p1", 1) })
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, orders.ErrInsufficientStock):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != stock || conflicts.Load() != workers-stock {
		t.Fatalf("ok=%d conflicts=%d", ok.Load(), conflicts.Load())
	}
	if p := product(t, s); p.Reserved != stock || p.Available != 0 {
		t.Fatalf("final: %+v", p)
	}
}
