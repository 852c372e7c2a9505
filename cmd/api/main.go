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
	"github.com/ariefcatur/go-realtime-checkout/internal/httpx"
	"github.com/ariefcatur/go-realtime-checkout/internal/logx"
	"github.com/ariefcatur/go-realtime-checkout/internal/redisx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logx.New(cfg.ServiceName, cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	a, err := app.New(ctx, cfg, logger, reg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer a.Close()

	// Kafka producer (order events + relayed callbacks)
	prod := a.StartProducer(ctx)

	router := httpx.NewRouter(a.Metrics)
	ch := &httpx.CheckoutHandler{
		Manager:     a.Checkout,
		Idempotency: &redisx.Idempotency{RDB: a.Redis},
		Redis:       a.Redis,
		Log:         logger,
	}
	ch.Register(router)
	cb := &httpx.CallbackHandler{Reconciler: a.Reconciler, Gateway: a.Gateway, Log: logger}
	if cfg.CallbackRelay {
		cb.Relay = prod
	}
	cb.Register(router)
	oh := &httpx.OrdersHandler{Orders: a.Orders, Redis: a.Redis, Log: logger}
	oh.Register(router)

	// session TTL sweeper
	go func() {
		t := time.NewTicker(cfg.ExpireInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := a.Checkout.ExpireStale(ctx); err != nil {
					logger.Error("expire sessions", "err", err)
				}
			}
		}
	}()

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	// graceful shutdown
	go func() {
		logger.Info("HTTP listening", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver,
			"gateway", cfg.GatewayMode, "callback_relay", cfg.CallbackRelay)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()      // tutup inbox -> flush & close writer
	cancel()          // stop sweeper
	prod.WaitClosed() // drain
}
