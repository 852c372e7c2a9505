package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-realtime-checkout/internal/apperr"
	"github.com/ariefcatur/go-realtime-checkout/internal/fraud"
	"github.com/ariefcatur/go-realtime-checkout/internal/memstore"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/payment"
	"github.com/ariefcatur/go-realtime-checkout/internal/pricing"
	"github.com/ariefcatur/go-realtime-checkout/internal/reconcile"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []orders.Envelope
}

func (r *recorder) Emit(_ context.Context, _ string, env orders.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
	return nil
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	st  *memstore.Store
	gw  *payment.MockGateway
	em  *recorder
	mgr *Manager
	rec *reconcile.Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	gw := payment.NewMockGateway("whsec_test")
	em := &recorder{}
	coord := &payment.Coordinator{Gateway: gw, Sessions: st, Timeout: time.Second}
	fin := &orders.Finalizer{
		Store:    st,
		Fraud:    fraud.NewEvaluator(fraud.DefaultConfig(), nil),
		Emitter:  em,
		Refunds:  coord,
		Producer: "checkout-test",
	}
	mgr := &Manager{
		Store:     st,
		Pricing:   pricing.Config{TaxRate: decimal.RequireFromString("0.08"), StoreCountry: "US", Rates: pricing.DefaultRates()},
		Payments:  coord,
		Finalizer: fin,
		Currency:  "USD",
	}

	st.PutProduct(orders.Product{ID: "p-1", Name: "Mug", Stock: 10, PriceCents: 4000})
	st.PutProduct(orders.Product{ID: "p-2", Name: "Tee", Stock: 10, PriceCents: 2000})
	st.PutDiscount(orders.Discount{
		Code: "TEN", Kind: orders.DiscountPercentage, Percent: decimal.NewFromInt(10),
		Active: true, StartsAt: time.Now().Add(-time.Hour),
	})
	rec := &reconcile.Reconciler{Gateway: gw, Sessions: st, Finalizer: fin, Orders: &orders.Service{Store: st}}
	return &fixture{st: st, gw: gw, em: em, mgr: mgr, rec: rec}
}

func (f *fixture) cart(id string, items ...orders.LineItem) string {
	if len(items) == 0 {
		items = []orders.LineItem{
			{ProductID: "p-1", Qty: 2, UnitPriceCents: 4000},
			{ProductID: "p-2", Qty: 2, UnitPriceCents: 2000},
		}
	}
	f.st.PutCart(id, items)
	return id
}

func request(cartID string) CreateSessionRequest {
	addr := orders.Address{Name: "Ana", Line1: "1 Main St", City: "Springfield", PostalCode: "62704", Country: "US"}
	return CreateSessionRequest{
		CartID: cartID, ShippingAddress: addr, ShippingMethod: "pickup", PaymentMethod: orders.PaymentCard,
		IPAddress: "203.0.113.7", UserAgent: "Mozilla/5.0 (X11; Linux x86_64)",
	}
}

// pay creates the intent and marks it paid on the provider side.
func (f *fixture) pay(t *testing.T, sessionID string) string {
	t.Helper()
	ref, err := f.mgr.CreatePaymentIntent(context.Background(), sessionID, nil)
	require.NoError(t, err)
	f.gw.SetStatus(ref.ID, payment.IntentSucceeded)
	return ref.ID
}

func TestCreateSession_PercentDiscountTotals(t *testing.T) {
	f := newFixture(t)
	req := request(f.cart("c1"))
	req.DiscountCode = " ten "

	s, err := f.mgr.CreateSession(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, orders.SessionPending, s.Status)
	assert.Equal(t, "TEN", s.DiscountCode)
	assert.Equal(t, int64(11664), s.TotalCents)
	assert.True(t, s.TotalsConsistent())
	assert.Equal(t, s.ShippingAddress, s.BillingAddress)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), s.ExpiresAt, 5*time.Second)
}

func TestCreateSession_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.CreateSession(context.Background(), request("missing-cart"))
	assert.ErrorIs(t, err, apperr.ErrEmptyCart)

	f.cart("big", orders.LineItem{ProductID: "p-1", Qty: 11, UnitPriceCents: 4000})
	_, err = f.mgr.CreateSession(context.Background(), request("big"))
	assert.ErrorIs(t, err, apperr.ErrOutOfStock)

	req := request(f.cart("c1"))
	req.DiscountCode = "NOPE"
	_, err = f.mgr.CreateSession(context.Background(), req)
	assert.ErrorIs(t, err, apperr.ErrInvalidDiscount)
	assert.Equal(t, pricing.ReasonNotFound, pricing.RejectionReason(err))

	bad := request("c1")
	bad.ShippingAddress.Country = "USA"
	_, err = f.mgr.CreateSession(context.Background(), bad)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	bad = request("c1")
	bad.PaymentMethod = "barter"
	_, err = f.mgr.CreateSession(context.Background(), bad)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestCreateSession_DuplicateLinesExceedStock(t *testing.T) {
	f := newFixture(t)
	f.cart("dup",
		orders.LineItem{ProductID: "p-1", Qty: 6, UnitPriceCents: 4000},
		orders.LineItem{ProductID: "p-1", Qty: 6, UnitPriceCents: 4000},
	)
	_, err := f.mgr.CreateSession(context.Background(), request("dup"))
	require.ErrorIs(t, err, apperr.ErrOutOfStock)
	assert.Zero(t, f.st.SessionCount())
}

func TestCreateSession_NegativeQtyIsValidation(t *testing.T) {
	f := newFixture(t)
	f.cart("neg",
		orders.LineItem{ProductID: "p-1", Qty: 3, UnitPriceCents: 4000},
		orders.LineItem{ProductID: "p-2", Qty: -5, UnitPriceCents: 2000},
	)
	_, err := f.mgr.CreateSession(context.Background(), request("neg"))
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	assert.Zero(t, f.st.SessionCount())

	p2, _ := f.st.Product("p-2")
	assert.Equal(t, 10, p2.Stock)
}

func TestCompleteCheckout_CreatesOrder(t *testing.T) {
	f := newFixture(t)
	s, err := f.mgr.CreateSession(context.Background(), request(f.cart("c1")))
	require.NoError(t, err)
	intentID := f.pay(t, s.ID)

	o, err := f.mgr.CompleteCheckout(context.Background(), s.ID, intentID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusConfirmed, o.Status)
	assert.False(t, o.RequiresManualReview)
	assert.Equal(t, string(fraud.LevelMinimal), o.FraudLevel)
	require.Len(t, o.History, 1)

	var lines int64
	for _, it := range o.Items {
		lines += it.LineTotalCents
	}
	assert.Equal(t, o.SubtotalCents, lines)

	p1, _ := f.st.Product("p-1")
	p2, _ := f.st.Product("p-2")
	assert.Equal(t, 8, p1.Stock)
	assert.Equal(t, 8, p2.Stock)
	assert.Empty(t, f.st.Cart("c1"))

	got, err := f.mgr.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.SessionCompleted, got.Status)
	assert.Equal(t, o.ID, got.OrderID)
	assert.Equal(t, 1, f.em.count(orders.EventOrderCreated))
}

func TestCompleteCheckout_ConcurrentCallsCreateOneOrder(t *testing.T) {
	f := newFixture(t)
	s, err := f.mgr.CreateSession(context.Background(), request(f.cart("c1")))
	require.NoError(t, err)
	intentID := f.pay(t, s.ID)

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		okCount  int
		conflict int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.CompleteCheckout(context.Background(), s.ID, intentID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				okCount++
			case apperr.CodeOf(err) == apperr.CodeSessionNotPending:
				conflict++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, okCount)
	assert.Equal(t, n-1, conflict)
	assert.Len(t, f.st.Orders(), 1)
	p1, _ := f.st.Product("p-1")
	assert.Equal(t, 8, p1.Stock)
}

// The client completion and the provider callback race on one session.
func TestCompleteCheckout_RacesCallback(t *testing.T) {
	f := newFixture(t)
	s, err := f.mgr.CreateSession(context.Background(), request(f.cart("c1")))
	require.NoError(t, err)
	intentID := f.pay(t, s.ID)
	payload, sig, err := f.gw.Event(payment.EventIntentSucceeded, intentID, s.TotalCents)
	require.NoError(t, err)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
		finalized int
		lost      int
	)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.mgr.CompleteCheckout(context.Background(), s.ID, intentID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				completed++
			case apperr.CodeOf(err) == apperr.CodeSessionNotPending:
				lost++
			default:
				t.Errorf("complete: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			out, err := f.rec.HandleRaw(context.Background(), payload, sig)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				t.Errorf("callback: %v", err)
			case out == reconcile.OutcomeFinalized:
				finalized++
			case out == reconcile.OutcomeDuplicate:
				lost++
			default:
				t.Errorf("callback outcome %s", out)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, completed+finalized)
	assert.Equal(t, 2*n-1, lost)
	assert.Len(t, f.st.Orders(), 1)
	assert.Empty(t, f.st.Anomalies())
	p1, _ := f.st.Product("p-1")
	assert.Equal(t, 8, p1.Stock)
	assert.Equal(t, 1, f.em.count(orders.EventOrderCreated))
}

func TestCompleteCheckout_CallbackAfterCompletionIsDuplicate(t *testing.T) {
	f := newFixture(t)
	s, err := f.mgr.CreateSession(context.Background(), request(f.cart("c1")))
	require.NoError(t, err)
	intentID := f.pay(t, s.ID)

	_, err = f.mgr.CompleteCheckout(context.Background(), s.ID, intentID)
	require.NoError(t, err)

	payload, sig, err := f.gw.Event(payment.EventIntentSucceeded, intentID, s.TotalCents)
	require.NoError(t, err)
	out, err := f.rec.HandleRaw(context.Background(), payload, sig)
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeDuplicate, out)

	assert.Len(t, f.st.Orders(), 1)
	assert.Empty(t, f.st.Anomalies())
	p1, _ := f.st.Product("p-1")
	assert.Equal(t, 8, p1.Stock)
}

func TestExpiredSessionPaidLateIsRefunded(t *testing.T) {
	f := newFixture(t)
	s, err := f.mgr.CreateSession(context.Background(), request(f.cart("c1")))
	require.NoError(t, err)
	intentID := f.pay(t, s.ID)

	f.mgr.Now = func() time.Time { return time.Now().Add(DefaultTTL + time.Minute) }
	n, err := f.mgr.ExpireStale(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	payload, sig, err := f.gw.Event(payment.EventIntentSucceeded, intentID, s.TotalCents)
	require.NoError(t, err)
	out, err := f.rec.HandleRaw(context.Background(), payload, sig)
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeAnomaly, out)

	got, err := f.mgr.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.SessionExpired, got.Status)
	assert.Equal(t, orders.RefundIssued, got.RefundState)
	assert.Equal(t, 1, f.gw.Refunds(intentID))
	assert.Equal(t, 1, f.em.count(orders.EventRefundRequired))
	assert.Empty(t, f.st.Orders())

	// redelivery does not refund twice
	out, err = f.rec.HandleRaw(context.Background(), payload, sig)
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeDuplicate, out)
	assert.Equal(t, 1, f.gw.Refunds(intentID))
	assert.Len(t, f.st.Anomalies(), 1)
}

func TestCompleteCheckout_LastUnitRace(t *testing.T) {
	f := newFixture(t)
	f.st.PutProduct(orders.Product{ID: "rare", Stock: 1, PriceCents: 9900})
	one := orders.LineItem{ProductID: "rare", Qty: 1, UnitPriceCents: 9900}

	a, err := f.mgr.CreateSession(context.Background(), request(f.cart("ca", one)))
	require.NoError(t, err)
	b, err := f.mgr.CreateSession(context.Background(), request(f.cart("cb", one)))
	require.NoError(t, err)
	intentA, intentB := f.pay(t, a.ID), f.pay(t, b.ID)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = f.mgr.CompleteCheckout(context.Background(), a.ID, intentA) }()
	go func() { defer wg.Done(); _, errs[1] = f.mgr.CompleteCheckout(context.Background(), b.ID, intentB) }()
	wg.Wait()

	winners, losers := 0, 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if apperr.CodeOf(err) == apperr.CodeStockChanged {
			losers++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, losers)

	p, _ := f.st.Product("rare")
	assert.Equal(t, 0, p.Stock)
	assert.Len(t, f.st.Orders(), 1)

	loser := a
	if errs[1] != nil {
		loser = b
	}
	ls, err := f.mgr.GetSession(context.Background(), loser.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.SessionFailed, ls.Status)
	assert.Equal(t, orders.ReasonStockChanged, ls.FailureReason)
	assert.Equal(t, orders.RefundIssued, ls.RefundState)
	assert.Equal(t, 1, f.gw.Refunds(ls.IntentID))
	assert.Equal(t, 1, f.em.count(orders.EventRefundRequired))
}

func TestCompleteCheckout_DiscountLastUseRace(t *testing.T) {
	f := newFixture(t)
	f.st.PutDiscount(orders.Discount{
		Code: "ONCE", Kind: orders.DiscountFixed, AmountCents: 500,
		Active: true, StartsAt: time.Now().Add(-time.Hour), UsageLimitTotal: 1,
	})

	var ids, intents []string
	for _, cart := range []string{"c1", "c2"} {
		req := request(f.cart(cart))
		req.DiscountCode = "ONCE"
		s, err := f.mgr.CreateSession(context.Background(), req)
		require.NoError(t, err)
		ids = append(ids, s.ID)
		intents = append(intents, f.pay(t, s.ID))
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.mgr.CompleteCheckout(context.Background(), ids[i], intents[i])
		}(i)
	}
	wg.Wait()

	codes := []apperr.Code{apperr.CodeOf(errs[0]), apperr.CodeOf(errs[1])}
	assert.ElementsMatch(t, []apperr.Code{"", apperr.CodeDiscountExhausted}, codes)
	assert.Len(t, f.st.DiscountApplications("ONCE"), 1)
	assert.Len(t, f.st.Orders(), 1)

	// the loser's stock decrement rolled back with its transaction
	p1, _ := f.st.Product("p-1")
	assert.Equal(t, 8, p1.Stock)
}

func TestCompleteCheckout_HighRiskStillCreatesOrder(t *testing.T) {
	f := newFixture(t)
	cust := "cust-1"
	f.st.PutCustomer(orders.Customer{ID: cust, CreatedAt: time.Now().Add(-365 * 24 * time.Hour)})
	for i := 0; i < 4; i++ {
		f.st.SeedOrder(orders.Order{
			ID: "old-" + string(rune('a'+i)), SessionID: "old-s-" + string(rune('a'+i)), CustomerID: &cust,
			Status: orders.StatusConfirmed, CreatedAt: time.Now().Add(-time.Duration(i+1) * 10 * time.Minute),
		})
	}
	f.st.PutProduct(orders.Product{ID: "tv", Stock: 5, PriceCents: 150_000})

	req := request(f.cart("c1", orders.LineItem{ProductID: "tv", Qty: 1, UnitPriceCents: 150_000}))
	req.CustomerID = &cust
	s, err := f.mgr.CreateSession(context.Background(), req)
	require.NoError(t, err)

	o, err := f.mgr.CompleteCheckout(context.Background(), s.ID, f.pay(t, s.ID))
	require.NoError(t, err)
	assert.True(t, o.RequiresManualReview)
	assert.Equal(t, string(fraud.LevelHigh), o.FraudLevel)
	assert.GreaterOrEqual(t, o.FraudScore, 110)
	assert.Equal(t, orders.StatusPending, o.Status)

	q, err := f.st.ListReviewQueue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, o.ID, q[0].OrderID)
	assert.Equal(t, 1, f.em.count(orders.EventOrderReviewRequired))
}

func TestCompleteCheckout_PaymentNotSucceeded(t *testing.T) {
	f := newFixture(t)
	s, err := f.mgr.CreateSession(context.Background(), request(f.cart("c1")))
	require.NoError(t, err)
	ref, err := f.mgr.CreatePaymentIntent(context.Background(), s.ID, nil)
	require.NoError(t, err)

	_, err = f.mgr.CompleteCheckout(context.Background(), s.ID, ref.ID)
	assert.ErrorIs(t, err, apperr.ErrPaymentNotSuccessful)

	_, err = f.mgr.CompleteCheckout(context.Background(), s.ID, "pi_someone_else")
	assert.ErrorIs(t, err, apperr.ErrIntentMismatch)

	got, err := f.mgr.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.SessionPending, got.Status)
	assert.Empty(t, f.st.Orders())
}

func TestCompleteCheckout_CashOnDeliverySkipsGateway(t *testing.T) {
	f := newFixture(t)
	req := request(f.cart("c1"))
	req.PaymentMethod = orders.PaymentCashOnDelivery
	s, err := f.mgr.CreateSession(context.Background(), req)
	require.NoError(t, err)

	_, err = f.mgr.CreatePaymentIntent(context.Background(), s.ID, nil)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	o, err := f.mgr.CompleteCheckout(context.Background(), s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentCashOnDelivery, o.PaymentMethod)
	assert.Empty(t, o.IntentID)
	assert.Equal(t, orders.StatusConfirmed, o.Status)
}

func TestCompleteCheckout_TerminalSession(t *testing.T) {
	f := newFixture(t)
	s, err := f.mgr.CreateSession(context.Background(), request(f.cart("c1")))
	require.NoError(t, err)
	require.NoError(t, f.st.TransitionSession(context.Background(), s.ID, orders.SessionCanceled, "intent.canceled"))

	_, err = f.mgr.CompleteCheckout(context.Background(), s.ID, "pi_x")
	assert.ErrorIs(t, err, apperr.ErrSessionNotPending)

	_, err = f.mgr.CompleteCheckout(context.Background(), "unknown", "pi_x")
	assert.ErrorIs(t, err, apperr.ErrSessionNotFound)
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	s, err := f.mgr.CreateSession(context.Background(), request(f.cart("c1")))
	require.NoError(t, err)

	n, err := f.mgr.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.mgr.Now = func() time.Time { return time.Now().Add(DefaultTTL + time.Minute) }
	n, err = f.mgr.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.mgr.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.SessionExpired, got.Status)

	_, err = f.mgr.CreatePaymentIntent(context.Background(), s.ID, nil)
	assert.ErrorIs(t, err, apperr.ErrSessionNotPending)
}
