package main

import (
	"context"
	"github.com/ariefcatur/go-realtime-checkout/internal/app"
	"github.com/ariefcatur/go-realtime-checkout/internal/config"
	kafkax "github.com/ariefcatur/go-realtime-checkout/internal/kafka"
	"github.com/ariefcatur/go-realtime-checkout/internal/logging"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/redisx"
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
	lg := logging.Must(cfg.ServiceName+"-refunder", cfg.Env, cfg.LogLevel)
	defer func() { _ = lg.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core, err := app.NewCore(ctx, cfg, lg, nil)
	if err != nil {
		lg.Fatal("init", zap.Error(err))
	}
	defer core.Close()

	// Redis: invalidate cached order status after refund
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	w := refund.NewWorker(core.DB, core.Gateway, nil, redisx.NewStatusCache(rdb), lg, core.Metrics)

	// Consumer
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.RefunderGroup, orders.TopicRefundRequested, cfg.RefunderWorkers, lg)
	done := make(chan struct{})
	go func() {
		defer close(done)
		lg.Info("refund consumer started",
			zap.String("group", cfg.RefunderGroup),
			zap.String("topic", orders.TopicRefundRequested),
			zap.Int("workers", cfg.RefunderWorkers))
		if err := cons.Start(ctx, w.HandleRefundRequested); err != nil {
			lg.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	lg.Info("shutting down consumer...")
	cancel()
	<-done
}
