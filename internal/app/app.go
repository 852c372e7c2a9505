// Package app wires the checkout components from config. Every binary builds
// the same graph so the api, the reconciler and checkoutctl agree on behaviour.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ariefcatur/go-realtime-checkout/internal/checkout"
	"github.com/ariefcatur/go-realtime-checkout/internal/config"
	"github.com/ariefcatur/go-realtime-checkout/internal/fraud"
	kafkax "github.com/ariefcatur/go-realtime-checkout/internal/kafka"
	"github.com/ariefcatur/go-realtime-checkout/internal/memstore"
	"github.com/ariefcatur/go-realtime-checkout/internal/metrics"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/payment"
	"github.com/ariefcatur/go-realtime-checkout/internal/postgres"
	"github.com/ariefcatur/go-realtime-checkout/internal/pricing"
	"github.com/ariefcatur/go-realtime-checkout/internal/reconcile"
	"github.com/ariefcatur/go-realtime-checkout/internal/redisx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

type App struct {
	Cfg      config.Config
	Log      *slog.Logger
	DB       *pgxpool.Pool // nil with STORE_DRIVER=memory
	Store    orders.Store
	Redis    *redis.Client
	Producer *kafkax.Producer // nil until StartProducer
	Gateway  payment.Gateway
	Metrics  *metrics.Metrics

	Payments   *payment.Coordinator
	Finalizer  *orders.Finalizer
	Orders     *orders.Service
	Checkout   *checkout.Manager
	Reconciler *reconcile.Reconciler

	emitter orders.Emitter
}

// New connects the store and redis and builds every component. Kafka is not
// touched until StartProducer so offline tools do not need a broker.
func New(ctx context.Context, cfg config.Config, log *slog.Logger, reg *prometheus.Registry) (*App, error) {
	a := &App{Cfg: cfg, Log: log, emitter: orders.DiscardEmitter{}}
	if reg != nil {
		a.Metrics = metrics.New(reg)
	}

	switch cfg.StoreDriver {
	case "memory":
		st := memstore.New()
		seedDemo(st)
		a.Store = st
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.DB = db
		a.Store = &postgres.Store{DB: db}
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	gw, err := newGateway(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Gateway = gw
	a.Redis = redisx.New(cfg.RedisAddr)

	a.wire()
	return a, nil
}

func newGateway(cfg config.Config) (payment.Gateway, error) {
	switch cfg.GatewayMode {
	case "stripe":
		if cfg.StripeSecretKey == "" || cfg.StripeWebhookSecret == "" {
			return nil, errors.New("GATEWAY_MODE=stripe needs STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET")
		}
		return payment.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.GatewayTimeout), nil
	case "mock":
		return payment.NewMockGateway(cfg.MockWebhookSecret), nil
	}
	return nil, fmt.Errorf("unknown GATEWAY_MODE %q", cfg.GatewayMode)
}

func (a *App) wire() {
	cfg := a.Cfg
	fraudCfg := fraud.DefaultConfig()
	fraudCfg.HighValueCents = cfg.FraudHighValueCents

	a.Payments = &payment.Coordinator{
		Gateway:  a.Gateway,
		Sessions: a.Store,
		Timeout:  cfg.GatewayTimeout,
		Metrics:  a.Metrics,
		Log:      a.Log.With("component", "payment"),
	}
	a.Finalizer = &orders.Finalizer{
		Store:    a.Store,
		Fraud:    fraud.NewEvaluator(fraudCfg, nil),
		Emitter:  a.emitter,
		Refunds:  a.Payments,
		Metrics:  a.Metrics,
		Log:      a.Log.With("component", "finalizer"),
		Producer: cfg.ServiceName,
	}
	a.Orders = &orders.Service{
		Store:    a.Store,
		Emitter:  a.emitter,
		Log:      a.Log.With("component", "orders"),
		Producer: cfg.ServiceName,
	}
	a.Checkout = &checkout.Manager{
		Store:     a.Store,
		Pricing:   pricing.Config{TaxRate: cfg.TaxRate, StoreCountry: cfg.StoreCountry, Rates: pricing.DefaultRates()},
		Payments:  a.Payments,
		Finalizer: a.Finalizer,
		Currency:  cfg.Currency,
		TTL:       cfg.SessionTTL,
		Metrics:   a.Metrics,
		Log:       a.Log.With("component", "checkout"),
	}
	a.Reconciler = &reconcile.Reconciler{
		Gateway:   a.Gateway,
		Sessions:  a.Store,
		Finalizer: a.Finalizer,
		Orders:    a.Orders,
		Dedup:     &redisx.Deduper{RDB: a.Redis, Service: cfg.ServiceName},
		Emitter:   a.emitter,
		Producer:  cfg.ServiceName,
		Metrics:   a.Metrics,
		Log:       a.Log.With("component", "reconciler"),
	}
}

// StartProducer starts the Kafka writer and rewires every emitter onto it.
func (a *App) StartProducer(ctx context.Context) *kafkax.Producer {
	a.Producer = kafkax.NewProducer(a.Cfg.KafkaBrokers, 1024, a.Log.With("component", "kafka"))
	a.Producer.Start(ctx)
	a.emitter = kafkax.Emitter{P: a.Producer}
	a.wire()
	return a.Producer
}

// Close releases redis and the pool. The producer is drained by the caller.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// seedDemo gives the in-memory store a cart to check out in local runs.
func seedDemo(st *memstore.Store) {
	st.PutProduct(orders.Product{ID: "demo-mug", SKU: "MUG-01", Name: "Mug", Stock: 100, PriceCents: 1250})
	st.PutProduct(orders.Product{ID: "demo-tee", SKU: "TEE-01", Name: "T-shirt", Stock: 50, PriceCents: 2400})
	st.PutCart("demo-cart", []orders.LineItem{
		{ProductID: "demo-mug", Qty: 2, UnitPriceCents: 1250},
		{ProductID: "demo-tee", Qty: 1, UnitPriceCents: 2400},
	})
}
