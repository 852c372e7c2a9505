package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-realtime-checkout/internal/app"
	"github.com/ariefcatur/go-realtime-checkout/internal/config"
	kafkax "github.com/ariefcatur/go-realtime-checkout/internal/kafka"
	"github.com/ariefcatur/go-realtime-checkout/internal/logx"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	cfg.ServiceName += "-reconciler"
	logger := logx.New(cfg.ServiceName, cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.StoreDriver == "memory" {
		log.Fatalf("reconciler needs STORE_DRIVER=postgres: the memory store is not shared with the api")
	}

	reg := prometheus.NewRegistry()
	a, err := app.New(ctx, cfg, logger, reg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer a.Close()

	// Producer: payment_failed, refund_required, review/status events
	prod := a.StartProducer(ctx)

	// metrics only; callbacks arrive through Kafka
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.Metrics.Handler())
		srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener", "err", err)
		}
	}()

	// Consumer
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ReconcilerGroup, orders.TopicPaymentCallbacks,
		cfg.ReconcilerWorkers, logger.With("component", "consumer"))

	go func() {
		logger.Info("reconciler consumer started", "group", cfg.ReconcilerGroup,
			"topic", orders.TopicPaymentCallbacks, "workers", cfg.ReconcilerWorkers)
		if err := cons.Start(ctx, a.Reconciler.HandleMessage); err != nil {
			logger.Error("consumer exit", "err", err)
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
	logger.Info("shutting down consumer...")
	cancel()
	time.Sleep(500 * time.Millisecond)
	prod.Close()
	prod.WaitClosed()
}
