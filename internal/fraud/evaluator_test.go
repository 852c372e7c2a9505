package fraud

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	count int
	err   error
	calls int
}

func (f *fakeHistory) CountOrdersSince(_ context.Context, _ string, _ time.Time) (int, error) {
	f.calls++
	return f.count, f.err
}

type panicHistory struct{}

func (panicHistory) CountOrdersSince(context.Context, string, time.Time) (int, error) {
	panic("boom")
}

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

const browserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 Safari/605.1.15"

func usAddress() Address {
	return Address{City: "Portland", PostalCode: "97201", Country: "US"}
}

func baseInput() Input {
	return Input{
		OrderTotalCents: 4_500,
		PaymentMethod:   "card",
		Shipping:        usAddress(),
		Billing:         usAddress(),
		Customer:        &Customer{ID: "cust-1", CreatedAt: fixedNow.Add(-90 * 24 * time.Hour)},
		IPAddress:       "203.0.113.7",
		UserAgent:       browserUA,
	}
}

func newEvaluator() *Evaluator {
	return NewEvaluator(DefaultConfig(), func() time.Time { return fixedNow })
}

func TestEvaluate_LowRiskCardOrder(t *testing.T) {
	a := newEvaluator().Evaluate(context.Background(), baseInput(), &fakeHistory{})

	assert.Equal(t, 5, a.Score)
	assert.Equal(t, LevelMinimal, a.Level)
	assert.False(t, a.RequiresManualReview)
	assert.Equal(t, []Action{ActionAutoApprove}, a.Recommendations)
	assert.True(t, a.Has("PAYMENT_METHOD_CARD"))
}

func TestEvaluate_RapidOrdersAndHighValue(t *testing.T) {
	in := baseInput()
	in.OrderTotalCents = 150_000

	a := newEvaluator().Evaluate(context.Background(), in, &fakeHistory{count: 4})

	assert.GreaterOrEqual(t, a.Score, 110)
	assert.Equal(t, 115, a.Score)
	assert.Equal(t, LevelHigh, a.Level)
	assert.True(t, a.RequiresManualReview)
	assert.True(t, a.Has(FactorHighValue))
	assert.True(t, a.Has(FactorRapidOrders))
	assert.Equal(t, []Action{ActionManualReview}, a.Recommendations)
}

func TestEvaluate_ScoreIsSumOfFactors(t *testing.T) {
	in := baseInput()
	in.Customer.CreatedAt = fixedNow.Add(-2 * 24 * time.Hour)
	in.Shipping = Address{City: "X", PostalCode: "ABCDE", Country: "US"}
	in.Billing = Address{City: "Berlin", PostalCode: "10115", Country: "DE"}
	in.PaymentMethod = "alternative"
	in.UserAgent = "curl/8.4.0"
	in.IPAddress = ""

	a := newEvaluator().Evaluate(context.Background(), in, &fakeHistory{count: 3})

	sum := 0
	for _, f := range a.Factors {
		sum += f.Points
	}
	assert.Equal(t, sum, a.Score)
	assert.Equal(t, 50+80+50+30+25+20+10, a.Score)
	assert.Equal(t, LevelCritical, a.Level)
	assert.Equal(t, []Action{ActionBlockOrder, ActionManualReview}, a.Recommendations)
}

func TestEvaluate_Deterministic(t *testing.T) {
	e := newEvaluator()
	in := baseInput()
	in.OrderTotalCents = 250_000
	in.Customer.CreatedAt = fixedNow.Add(-time.Hour)

	first := e.Evaluate(context.Background(), in, &fakeHistory{count: 1})
	for i := 0; i < 20; i++ {
		again := e.Evaluate(context.Background(), in, &fakeHistory{count: 1})
		require.Equal(t, first, again)
	}
	assert.Equal(t, LevelMedium, first.Level)
	assert.Contains(t, first.Recommendations, ActionRequireIDVerification)
}

func TestEvaluate_GuestSkipsCustomerFactors(t *testing.T) {
	in := baseInput()
	in.Customer = nil
	h := &fakeHistory{count: 10}

	a := newEvaluator().Evaluate(context.Background(), in, h)

	assert.Zero(t, h.calls)
	assert.False(t, a.Has(FactorRapidOrders))
	assert.False(t, a.Has(FactorNewCustomer))
}

func TestEvaluate_HistoryErrorFailsClosed(t *testing.T) {
	a := newEvaluator().Evaluate(context.Background(), baseInput(), &fakeHistory{err: errors.New("db down")})

	assert.Equal(t, LevelHigh, a.Level)
	assert.True(t, a.RequiresManualReview)
	assert.True(t, a.Has(FactorEvaluationError))
	assert.Contains(t, a.Error, "db down")
}

func TestEvaluate_PanicFailsClosed(t *testing.T) {
	a := newEvaluator().Evaluate(context.Background(), baseInput(), panicHistory{})

	assert.Equal(t, LevelHigh, a.Level)
	assert.True(t, a.RequiresManualReview)
}

func TestLevelFor(t *testing.T) {
	cases := []struct {
		score int
		want  Level
	}{
		{0, LevelMinimal},
		{19, LevelMinimal},
		{20, LevelLow},
		{49, LevelLow},
		{50, LevelMedium},
		{99, LevelMedium},
		{100, LevelHigh},
		{149, LevelHigh},
		{150, LevelCritical},
		{400, LevelCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, LevelFor(tc.score), "score %d", tc.score)
	}
}

func TestSuspiciousAddress(t *testing.T) {
	assert.False(t, suspiciousAddress(Address{City: "Toronto", PostalCode: "M5V 2T6", Country: "CA"}))
	assert.False(t, suspiciousAddress(Address{City: "London", PostalCode: "SW1A 1AA", Country: "GB"}))
	assert.False(t, suspiciousAddress(Address{City: "Jakarta", PostalCode: "10110", Country: "ID"}))
	assert.True(t, suspiciousAddress(Address{City: "", PostalCode: "97201", Country: "US"}))
	assert.True(t, suspiciousAddress(Address{City: "Portland", PostalCode: "9720", Country: "US"}))
	assert.True(t, suspiciousAddress(Address{City: "Paris", PostalCode: "75O01", Country: "FR"}))
}

func TestSuspiciousUserAgent(t *testing.T) {
	assert.True(t, suspiciousUserAgent(""))
	assert.True(t, suspiciousUserAgent("python-requests/2.31"))
	assert.False(t, suspiciousUserAgent(browserUA))
}
