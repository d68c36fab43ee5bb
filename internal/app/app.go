// Package app wires the checkout core from configuration. Each binary under
// cmd/ builds one Core and adds its own transport.
package app

import (
	"context"
	"fmt"
	"github.com/ariefcatur/go-realtime-checkout/internal/checkout"
	"github.com/ariefcatur/go-realtime-checkout/internal/config"
	"github.com/ariefcatur/go-realtime-checkout/internal/inventory"
	"github.com/ariefcatur/go-realtime-checkout/internal/memory"
	"github.com/ariefcatur/go-realtime-checkout/internal/metrics"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/payment"
	"github.com/ariefcatur/go-realtime-checkout/internal/postgres"
	"github.com/ariefcatur/go-realtime-checkout/internal/reservation"
	"github.com/ariefcatur/go-realtime-checkout/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

type Core struct {
	Cfg      config.Config
	Log      *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	DB       store.Store
	Gateway  payment.Gateway
	Checkout *checkout.Manager
}

// NewCore connects storage and builds the checkout manager. Events may be
// nil for binaries that do not publish.
func NewCore(ctx context.Context, cfg config.Config, log *zap.Logger, events orders.EventPublisher) (*Core, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	db, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	gw := payment.NewStripe(payment.StripeConfig{
		SecretKey:        cfg.StripeSecretKey,
		SuccessURL:       cfg.SuccessURL,
		CancelURL:        cfg.CancelURL,
		Currency:         cfg.Currency,
		AllowedCountries: cfg.AllowedCountries,
	}, m)

	res := reservation.New(inventory.NewLedger(m), cfg.ReservationTTL, m)
	mgr := checkout.NewManager(db, res, gw, events, checkout.Config{CheckoutTTL: cfg.CheckoutTTL}, log, m)
	return &Core{Cfg: cfg, Log: log, Registry: reg, Metrics: m, DB: db, Gateway: gw, Checkout: mgr}, nil
}

// OpenStore returns the Postgres store, migrated, or the in-memory store
// when STORE_DRIVER=memory.
func OpenStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("using in-memory store; state is lost on exit")
		return memory.New(), nil
	}
	pool, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return postgres.NewStore(pool), nil
}

func (c *Core) Close() { c.DB.Close() }
