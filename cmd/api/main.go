package main

import (
	"context"
	"github.com/ariefcatur/go-realtime-checkout/internal/app"
	"github.com/ariefcatur/go-realtime-checkout/internal/config"
	"github.com/ariefcatur/go-realtime-checkout/internal/httpx"
	kafkax "github.com/ariefcatur/go-realtime-checkout/internal/kafka"
	"github.com/ariefcatur/go-realtime-checkout/internal/logging"
	"github.com/ariefcatur/go-realtime-checkout/internal/payment"
	"github.com/ariefcatur/go-realtime-checkout/internal/reconcile"
	"github.com/ariefcatur/go-realtime-checkout/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg := logging.Must(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer func() { _ = lg.Sync() }()

	policy, err := reconcile.ParsePolicy(cfg.OversellPolicy)
	if err != nil {
		lg.Fatal("config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, lg)
	prod.Start(ctx)
	events := &kafkax.Publisher{P: prod, Service: cfg.ServiceName}

	core, err := app.NewCore(ctx, cfg, lg, events)
	if err != nil {
		lg.Fatal("init", zap.Error(err))
	}
	defer core.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	rec := reconcile.New(reconcile.Deps{
		DB:          core.DB,
		Checkout:    core.Checkout,
		Gateway:     core.Gateway,
		Compensator: reconcile.NewCompensator(policy),
		Dedup:       redisx.NewDedup(rdb, cfg.ServiceName),
		Events:      events,
		Log:         lg,
		Metrics:     core.Metrics,
	})

	router := httpx.NewRouter(core.Registry)
	(&httpx.CheckoutHandler{
		Checkout: core.Checkout,
		DB:       core.DB,
		Cache:    redisx.NewStatusCache(rdb),
		Log:      lg,
	}).Register(router)
	(&httpx.WebhookHandler{
		Verifier:   payment.NewVerifier(cfg.StripeWebhookSecret),
		Reconciler: rec,
		Log:        lg,
	}).Register(router)

	// in-memory state is invisible to cmd/sweeper, so sweep here
	if cfg.StoreDriver == "memory" {
		go core.SweepLoop(ctx, nil)
	}

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	// graceful shutdown
	go func() {
		lg.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatal("listen", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	lg.Info("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()      // tutup inbox -> flush & close writer
	cancel()          // stop sweep loop
	prod.WaitClosed() // drain
}
