// Package fraud scores an order attempt from independent, named risk factors.
//
// Every factor looks only at the evaluation input, never at another factor's
// output, so the score is always the plain sum of the factor list.
package fraud

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Level string

const (
	LevelMinimal  Level = "MINIMAL"
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

type Action string

const (
	ActionBlockOrder            Action = "BLOCK_ORDER"
	ActionManualReview          Action = "MANUAL_REVIEW"
	ActionRequireIDVerification Action = "REQUIRE_ID_VERIFICATION"
	ActionStandardProcessing    Action = "STANDARD_PROCESSING"
	ActionAutoApprove           Action = "AUTO_APPROVE"
)

const (
	FactorHighValue           = "HIGH_VALUE_ORDER"
	FactorNewCustomer         = "NEW_CUSTOMER"
	FactorRapidOrders         = "RAPID_ORDERS"
	FactorSuspiciousAddress   = "SUSPICIOUS_ADDRESS"
	FactorGeoMismatch         = "GEO_MISMATCH"
	FactorSuspiciousAgent     = "SUSPICIOUS_USER_AGENT"
	FactorMissingIP           = "MISSING_IP_ADDRESS"
	FactorEvaluationError     = "EVALUATION_ERROR"
	factorPaymentMethodPrefix = "PAYMENT_METHOD_"
)

type Factor struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
}

type Assessment struct {
	Score                int      `json:"score"`
	Level                Level    `json:"level"`
	Factors              []Factor `json:"factors"`
	Recommendations      []Action `json:"recommendations"`
	RequiresManualReview bool     `json:"requires_manual_review"`
	Error                string   `json:"error,omitempty"`
}

func (a Assessment) Has(factor string) bool {
	for _, f := range a.Factors {
		if f.Name == factor {
			return true
		}
	}
	return false
}

type Address struct {
	City       string
	PostalCode string
	Country    string
}

type Customer struct {
	ID        string
	CreatedAt time.Time
}

type Input struct {
	OrderTotalCents int64
	PaymentMethod   string
	Shipping        Address
	Billing         Address
	Customer        *Customer // nil for guest checkout
	IPAddress       string
	UserAgent       string
}

// History answers the only stateful question the evaluator asks.
type History interface {
	CountOrdersSince(ctx context.Context, customerID string, since time.Time) (int, error)
}

type Config struct {
	HighValueCents    int64
	NewCustomerAge    time.Duration
	RapidWindow       time.Duration
	RapidOrderCount   int
	MethodWeights     map[string]int
	UnknownMethodRisk int
}

func DefaultConfig() Config {
	return Config{
		HighValueCents:  100_000,
		NewCustomerAge:  7 * 24 * time.Hour,
		RapidWindow:     24 * time.Hour,
		RapidOrderCount: 3,
		MethodWeights: map[string]int{
			"card":             5,
			"cash_on_delivery": 20,
			"alternative":      30,
		},
		UnknownMethodRisk: 30,
	}
}

type Evaluator struct {
	cfg Config
	now func() time.Time
}

func NewEvaluator(cfg Config, now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{cfg: cfg, now: now}
}

// Evaluate never fails open: a lookup error or panic yields a HIGH
// assessment that requires manual review.
func (e *Evaluator) Evaluate(ctx context.Context, in Input, h History) (a Assessment) {
	defer func() {
		if r := recover(); r != nil {
			a = worstCase(fmt.Errorf("panic: %v", r))
		}
	}()

	now := e.now()
	var factors []Factor
	add := func(name string, points int) {
		if points > 0 {
			factors = append(factors, Factor{Name: name, Points: points})
		}
	}

	if in.OrderTotalCents > e.cfg.HighValueCents {
		add(FactorHighValue, 30)
	}
	if in.Customer != nil {
		if now.Sub(in.Customer.CreatedAt) < e.cfg.NewCustomerAge {
			add(FactorNewCustomer, 50)
		}
		n, err := h.CountOrdersSince(ctx, in.Customer.ID, now.Add(-e.cfg.RapidWindow))
		if err != nil {
			return worstCase(err)
		}
		if n >= e.cfg.RapidOrderCount {
			add(FactorRapidOrders, 80)
		}
	}
	if suspiciousAddress(in.Shipping) {
		add(FactorSuspiciousAddress, 50)
	}
	add(factorPaymentMethodPrefix+strings.ToUpper(in.PaymentMethod), e.methodWeight(in.PaymentMethod))
	if geoMismatch(in.Shipping, in.Billing) {
		add(FactorGeoMismatch, 25)
	}
	if suspiciousUserAgent(in.UserAgent) {
		add(FactorSuspiciousAgent, 20)
	}
	if strings.TrimSpace(in.IPAddress) == "" {
		add(FactorMissingIP, 10)
	}

	return assemble(factors)
}

func (e *Evaluator) methodWeight(method string) int {
	if w, ok := e.cfg.MethodWeights[method]; ok {
		return w
	}
	return e.cfg.UnknownMethodRisk
}

func assemble(factors []Factor) Assessment {
	score := 0
	for _, f := range factors {
		score += f.Points
	}
	a := Assessment{Score: score, Level: LevelFor(score), Factors: factors}
	if a.Factors == nil {
		a.Factors = []Factor{}
	}
	a.RequiresManualReview = a.Level == LevelHigh || a.Level == LevelCritical
	a.Recommendations = Recommend(a)
	return a
}

func worstCase(err error) Assessment {
	return Assessment{
		Score:                100,
		Level:                LevelHigh,
		Factors:              []Factor{{Name: FactorEvaluationError, Points: 0}},
		Recommendations:      []Action{ActionManualReview},
		RequiresManualReview: true,
		Error:                err.Error(),
	}
}

func LevelFor(score int) Level {
	switch {
	case score >= 150:
		return LevelCritical
	case score >= 100:
		return LevelHigh
	case score >= 50:
		return LevelMedium
	case score >= 20:
		return LevelLow
	default:
		return LevelMinimal
	}
}

func Recommend(a Assessment) []Action {
	switch a.Level {
	case LevelCritical:
		return []Action{ActionBlockOrder, ActionManualReview}
	case LevelHigh:
		out := []Action{ActionManualReview}
		if a.Has(FactorNewCustomer) || a.Has(FactorSuspiciousAddress) {
			out = append(out, ActionRequireIDVerification)
		}
		return out
	case LevelMedium:
		out := []Action{ActionStandardProcessing}
		if a.Has(FactorNewCustomer) {
			out = append(out, ActionRequireIDVerification)
		}
		return out
	case LevelLow:
		return []Action{ActionStandardProcessing}
	default:
		return []Action{ActionAutoApprove}
	}
}
