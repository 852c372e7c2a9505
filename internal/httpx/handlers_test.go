package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-realtime-checkout/internal/checkout"
	"github.com/ariefcatur/go-realtime-checkout/internal/fraud"
	"github.com/ariefcatur/go-realtime-checkout/internal/memstore"
	"github.com/ariefcatur/go-realtime-checkout/internal/metrics"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/payment"
	"github.com/ariefcatur/go-realtime-checkout/internal/pricing"
	"github.com/ariefcatur/go-realtime-checkout/internal/reconcile"
	"github.com/ariefcatur/go-realtime-checkout/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic string
	key   []byte
	value []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) PublishSync(_ context.Context, topic string, key, value []byte, _ ...kafkago.Header) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, key: key, value: value})
	return nil
}

type api struct {
	st     *memstore.Store
	gw     *payment.MockGateway
	mr     *miniredis.Miniredis
	router *chi.Mux
	cb     *CallbackHandler
}

func newAPI(t *testing.T) *api {
	t.Helper()
	st := memstore.New()
	gw := payment.NewMockGateway("whsec_http")
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	m := metrics.New(prometheus.NewRegistry())
	coord := &payment.Coordinator{Gateway: gw, Sessions: st, Timeout: time.Second, Metrics: m}
	fin := &orders.Finalizer{Store: st, Fraud: fraud.NewEvaluator(fraud.DefaultConfig(), nil), Refunds: coord, Metrics: m}
	svc := &orders.Service{Store: st}
	mgr := &checkout.Manager{
		Store:     st,
		Pricing:   pricing.Config{TaxRate: decimal.RequireFromString("0.08"), StoreCountry: "US", Rates: pricing.DefaultRates()},
		Payments:  coord,
		Finalizer: fin,
		Currency:  "USD",
		Metrics:   m,
	}
	rec := &reconcile.Reconciler{Gateway: gw, Sessions: st, Finalizer: fin, Orders: svc}

	r := NewRouter(m)
	(&CheckoutHandler{Manager: mgr, Idempotency: &redisx.Idempotency{RDB: rdb}, Redis: rdb}).Register(r)
	(&OrdersHandler{Orders: svc, Redis: rdb}).Register(r)
	cb := &CallbackHandler{Reconciler: rec, Gateway: gw}
	cb.Register(r)

	st.PutProduct(orders.Product{ID: "p-1", Name: "Mug", Stock: 10, PriceCents: 4000})
	st.PutCart("cart-1", []orders.LineItem{{ProductID: "p-1", Qty: 2, UnitPriceCents: 4000}})
	return &api{st: st, gw: gw, mr: mr, router: r, cb: cb}
}

func (a *api) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("User-Agent", "Mozilla/5.0 (test)")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func sessionBody(cartID string) map[string]any {
	return map[string]any{
		"cart_id": cartID,
		"shipping_address": map[string]string{
			"name": "Ana", "line1": "1 Main St", "city": "Austin", "postal_code": "73301", "country": "US",
		},
		"shipping_method": "standard",
		"payment_method":  "card",
	}
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func errCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return string(decode[errorBody](t, rr).Error.Code)
}

func (a *api) createSession(t *testing.T) SessionResp {
	t.Helper()
	rr := a.do(t, http.MethodPost, "/checkout/sessions", sessionBody("cart-1"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[SessionResp](t, rr)
}

func TestCreateSession_ServerTotals(t *testing.T) {
	a := newAPI(t)
	s := a.createSession(t)

	assert.Equal(t, orders.SessionPending, s.Status)
	assert.Equal(t, int64(8000), s.SubtotalCents)
	assert.Equal(t, int64(640), s.TaxCents)
	assert.Equal(t, int64(599), s.ShippingCents)
	assert.Equal(t, s.SubtotalCents+s.TaxCents+s.ShippingCents-s.DiscountCents, s.TotalCents)

	stored, err := a.st.GetSession(context.Background(), s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "Mozilla/5.0 (test)", stored.UserAgent)
	assert.NotEmpty(t, stored.IPAddress)
}

func TestCreateSession_IdempotencyKeyReplays(t *testing.T) {
	a := newAPI(t)
	first := a.do(t, http.MethodPost, "/checkout/sessions", sessionBody("cart-1"), HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusCreated, first.Code)
	second := a.do(t, http.MethodPost, "/checkout/sessions", sessionBody("cart-1"), HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusCreated, second.Code)

	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, decode[SessionResp](t, first).SessionID, decode[SessionResp](t, second).SessionID)

	third := a.do(t, http.MethodPost, "/checkout/sessions", sessionBody("cart-1"), HeaderIdempotencyKey, "k-2")
	assert.NotEqual(t, decode[SessionResp](t, first).SessionID, decode[SessionResp](t, third).SessionID)

	// another cart reusing the key gets its own session
	a.st.PutCart("cart-2", []orders.LineItem{{ProductID: "p-1", Qty: 1, UnitPriceCents: 4000}})
	other := a.do(t, http.MethodPost, "/checkout/sessions", sessionBody("cart-2"), HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusCreated, other.Code)
	assert.Empty(t, other.Header().Get("Idempotent-Replayed"))
	got := decode[SessionResp](t, other)
	assert.NotEqual(t, decode[SessionResp](t, first).SessionID, got.SessionID)
	require.Len(t, got.Items, 1)
	assert.Equal(t, 1, got.Items[0].Qty)
}

func TestCreateSession_ErrorStatuses(t *testing.T) {
	a := newAPI(t)
	a.st.PutProduct(orders.Product{ID: "p-low", Stock: 1, PriceCents: 100})
	a.st.PutCart("cart-low", []orders.LineItem{{ProductID: "p-low", Qty: 3, UnitPriceCents: 100}})

	rr := a.do(t, http.MethodPost, "/checkout/sessions", sessionBody("cart-empty"))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "EMPTY_CART", errCode(t, rr))

	rr = a.do(t, http.MethodPost, "/checkout/sessions", sessionBody("cart-low"))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "OUT_OF_STOCK", errCode(t, rr))
	assert.Contains(t, rr.Body.String(), `"product_id":"p-low"`)

	body := sessionBody("cart-1")
	body["discount_code"] = "nope"
	rr = a.do(t, http.MethodPost, "/checkout/sessions", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "INVALID_DISCOUNT", errCode(t, rr))

	body = sessionBody("cart-1")
	delete(body, "shipping_address")
	rr = a.do(t, http.MethodPost, "/checkout/sessions", body)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "VALIDATION", errCode(t, rr))

	rr = a.do(t, http.MethodPost, "/checkout/sessions", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(t, http.MethodGet, "/checkout/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", errCode(t, rr))
}

func TestCheckoutFlow(t *testing.T) {
	a := newAPI(t)
	s := a.createSession(t)
	base := "/checkout/sessions/" + s.SessionID

	rr := a.do(t, http.MethodPost, base+"/payment-intent", map[string]int64{"amount_cents": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "AMOUNT_MISMATCH", errCode(t, rr))

	rr = a.do(t, http.MethodPost, base+"/payment-intent", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	intent := decode[PaymentIntentResp](t, rr)
	assert.Equal(t, s.TotalCents, intent.AmountCents)
	assert.NotEmpty(t, intent.ClientSecret)

	rr = a.do(t, http.MethodPost, base+"/complete", CompleteReq{IntentID: intent.IntentID})
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.Equal(t, "PAYMENT_NOT_SUCCESSFUL", errCode(t, rr))

	a.gw.SetStatus(intent.IntentID, payment.IntentSucceeded)
	rr = a.do(t, http.MethodPost, base+"/complete", CompleteReq{IntentID: intent.IntentID})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	done := decode[CompleteResp](t, rr)
	assert.NotEmpty(t, done.OrderID)
	assert.Equal(t, s.TotalCents, done.TotalCents)

	rr = a.do(t, http.MethodPost, base+"/complete", CompleteReq{IntentID: intent.IntentID})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "SESSION_NOT_PENDING", errCode(t, rr))

	rr = a.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[SessionResp](t, rr)
	assert.Equal(t, orders.SessionCompleted, got.Status)
	assert.Equal(t, done.OrderID, got.OrderID)
	assert.True(t, a.mr.Exists(fmt.Sprintf(redisx.KeySessionStatus, s.SessionID)))

	rr = a.do(t, http.MethodPost, base+"/payment-intent", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestPaymentIntent_GatewayDown(t *testing.T) {
	a := newAPI(t)
	s := a.createSession(t)
	a.gw.FailNext(payment.ErrUnavailable)

	rr := a.do(t, http.MethodPost, "/checkout/sessions/"+s.SessionID+"/payment-intent", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "GATEWAY_UNAVAILABLE", errCode(t, rr))
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	sess, err := a.st.GetSession(context.Background(), s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, orders.SessionPending, sess.Status)
}

func TestCallback_Inline(t *testing.T) {
	a := newAPI(t)
	s := a.createSession(t)
	rr := a.do(t, http.MethodPost, "/checkout/sessions/"+s.SessionID+"/payment-intent", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	intent := decode[PaymentIntentResp](t, rr)

	payload, sig, err := a.gw.Event(payment.EventIntentSucceeded, intent.IntentID, s.TotalCents)
	require.NoError(t, err)

	rr = a.do(t, http.MethodPost, "/payments/callback", payload, HeaderSignature, "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_SIGNATURE", errCode(t, rr))
	assert.Empty(t, a.st.Orders())

	for i := 0; i < 2; i++ {
		rr = a.do(t, http.MethodPost, "/payments/callback", payload, HeaderSignature, sig)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.JSONEq(t, `{"received":true}`, rr.Body.String())
	}
	assert.Len(t, a.st.Orders(), 1)
}

func TestCallback_Relay(t *testing.T) {
	a := newAPI(t)
	pub := &fakePublisher{}
	a.cb.Relay = pub

	payload, sig, err := a.gw.Event(payment.EventIntentFailed, "pi_x", 0)
	require.NoError(t, err)

	rr := a.do(t, http.MethodPost, "/payments/callback", payload, HeaderSignature, "garbage")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, pub.msgs)

	rr = a.do(t, http.MethodPost, "/payments/callback", payload, HeaderSignature, sig)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, orders.TopicPaymentCallbacks, pub.msgs[0].topic)
	assert.Equal(t, []byte("pi_x"), pub.msgs[0].key)

	var msg reconcile.CallbackMessage
	require.NoError(t, json.Unmarshal(pub.msgs[0].value, &msg))
	assert.Equal(t, payload, msg.Payload)
	assert.Equal(t, sig, msg.Signature)
}

func TestCallback_RelayBrokerDownIsRetryable(t *testing.T) {
	a := newAPI(t)
	pub := &fakePublisher{err: errors.New("dial tcp 127.0.0.1:1: connection refused")}
	a.cb.Relay = pub

	payload, sig, err := a.gw.Event(payment.EventIntentSucceeded, "pi_x", 100)
	require.NoError(t, err)

	rr := a.do(t, http.MethodPost, "/payments/callback", payload, HeaderSignature, sig)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.Equal(t, "RELAY_UNAVAILABLE", errCode(t, rr))
	assert.NotContains(t, rr.Body.String(), "received")

	// provider redelivers once the broker is back
	pub.err = nil
	rr = a.do(t, http.MethodPost, "/payments/callback", payload, HeaderSignature, sig)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, pub.msgs, 1)
}

func TestOrders_GetAndTransition(t *testing.T) {
	a := newAPI(t)
	cust := "c-1"
	a.st.SeedOrder(orders.Order{
		ID: "o-1", SessionID: "s-1", CustomerID: &cust, Status: orders.StatusConfirmed,
		Items:      []orders.OrderItem{{OrderID: "o-1", ProductID: "p-1", Qty: 2, UnitPriceCents: 4000, LineTotalCents: 8000}},
		TotalCents: 8000, Currency: "USD", CreatedAt: time.Now(),
	})

	rr := a.do(t, http.MethodGet, "/orders/o-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, orders.StatusConfirmed, decode[OrderResp](t, rr).Status)
	key := fmt.Sprintf(redisx.KeyOrderStatus, "o-1")
	assert.True(t, a.mr.Exists(key))

	rr = a.do(t, http.MethodPost, "/orders/o-1/transitions", TransitionReq{Status: orders.StatusCancelled})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, orders.StatusCancelled, decode[OrderResp](t, rr).Status)
	assert.False(t, a.mr.Exists(key))
	p, _ := a.st.Product("p-1")
	assert.Equal(t, 12, p.Stock)

	rr = a.do(t, http.MethodPost, "/orders/o-1/transitions", TransitionReq{Status: orders.StatusShipped})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "INVALID_TRANSITION", errCode(t, rr))

	rr = a.do(t, http.MethodPost, "/orders/o-1/transitions", TransitionReq{Status: "lost"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(t, http.MethodGet, "/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "ORDER_NOT_FOUND", errCode(t, rr))
}

func TestHealthAndMetrics(t *testing.T) {
	a := newAPI(t)
	rr := a.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())

	a.createSession(t)
	rr = a.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "checkout_sessions_created_total 1")
	assert.Contains(t, rr.Body.String(), `route="/checkout/sessions"`)
}
