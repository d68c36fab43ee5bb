package main

import (
	"context"
	"github.com/ariefcatur/go-realtime-checkout/internal/app"
	"github.com/ariefcatur/go-realtime-checkout/internal/config"
	kafkax "github.com/ariefcatur/go-realtime-checkout/internal/kafka"
	"github.com/ariefcatur/go-realtime-checkout/internal/logging"
	"github.com/ariefcatur/go-realtime-checkout/internal/refund"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg := logging.Must(cfg.ServiceName+"-sweeper", cfg.Env, cfg.LogLevel)
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 256, lg)
	prod.Start(ctx)
	events := &kafkax.Publisher{P: prod, Service: cfg.ServiceName + "-sweeper"}

	core, err := app.NewCore(ctx, cfg, lg, events)
	if err != nil {
		lg.Fatal("init", zap.Error(err))
	}
	defer core.Close()

	refunds := refund.NewWorker(core.DB, core.Gateway, events, nil, lg, core.Metrics)

	lg.Info("sweeper started", zap.Duration("interval", cfg.SweepInterval), zap.Duration("refund_requeue_after", cfg.RefundRequeueAfter))
	core.SweepLoop(ctx, refunds)

	lg.Info("shutting down sweeper...")
	prod.Close()
	prod.WaitClosed()
}
