// Package pricing derives checkout totals from a cart snapshot. It never
// reads client-supplied amounts: every figure comes from cart prices,
// inventory, the discount registry and configured rates.
package pricing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-realtime-checkout/internal/apperr"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/shopspring/decimal"
)

// Discount rejection reasons.
const (
	ReasonNotFound      = "NOT_FOUND"
	ReasonInactive      = "INACTIVE"
	ReasonExpired       = "EXPIRED"
	ReasonMinimumNotMet = "MINIMUM_NOT_MET"
	ReasonUsageExceeded = "USAGE_EXCEEDED"
)

const (
	ZoneDomestic      = "domestic"
	ZoneInternational = "international"
)

type ShippingRate struct {
	DomesticCents      int64
	InternationalCents int64
}

type Config struct {
	TaxRate      decimal.Decimal // 0.08 = 8%
	StoreCountry string
	Rates        map[string]ShippingRate
}

func DefaultRates() map[string]ShippingRate {
	return map[string]ShippingRate{
		"standard": {DomesticCents: 599, InternationalCents: 1999},
		"express":  {DomesticCents: 1499, InternationalCents: 4999},
		"pickup":   {DomesticCents: 0, InternationalCents: 0},
	}
}

type Input struct {
	Items           []orders.LineItem
	Products        map[string]orders.Product
	ShippingMethod  string
	ShippingCountry string

	DiscountCode string
	Discount     *orders.Discount // nil when DiscountCode is unknown
	Usage        orders.DiscountUsage
	CustomerID   *string
	Now          time.Time
}

type Totals struct {
	SubtotalCents int64 `json:"subtotal_cents"`
	TaxCents      int64 `json:"tax_cents"`
	ShippingCents int64 `json:"shipping_cents"`
	DiscountCents int64 `json:"discount_cents"`
	TotalCents    int64 `json:"total_cents"`
}

type DiscountRejection struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func (c Config) Zone(country string) string {
	if strings.EqualFold(country, c.StoreCountry) {
		return ZoneDomestic
	}
	return ZoneInternational
}

func (c Config) ShippingCost(method, country string) (int64, error) {
	rate, ok := c.Rates[method]
	if !ok {
		return 0, apperr.Validation("shipping_method", "unknown shipping method "+method)
	}
	if c.Zone(country) == ZoneDomestic {
		return rate.DomesticCents, nil
	}
	return rate.InternationalCents, nil
}

// validateItems rejects lines that would lower the subtotal or raise stock.
func validateItems(items []orders.LineItem) error {
	for i, it := range items {
		field := fmt.Sprintf("items[%d]", i)
		if it.ProductID == "" {
			return apperr.Validation(field+".product_id", "is required")
		}
		if it.Qty <= 0 {
			return apperr.Validation(field+".qty", "must be positive")
		}
		if it.UnitPriceCents < 0 {
			return apperr.Validation(field+".unit_price_cents", "must not be negative")
		}
	}
	return nil
}

func (c Config) Calculate(in Input) (Totals, error) {
	if len(in.Items) == 0 {
		return Totals{}, apperr.ErrEmptyCart
	}
	if err := validateItems(in.Items); err != nil {
		return Totals{}, err
	}
	if short := orders.Shortages(in.Items, in.Products); len(short) > 0 {
		return Totals{}, apperr.WithDetails(apperr.CodeOutOfStock, "items out of stock", short)
	}

	var t Totals
	for _, it := range in.Items {
		t.SubtotalCents += it.TotalCents()
	}

	shipping, err := c.ShippingCost(in.ShippingMethod, in.ShippingCountry)
	if err != nil {
		return Totals{}, err
	}
	t.ShippingCents = shipping

	if in.DiscountCode != "" {
		if err := CheckDiscount(in.DiscountCode, in.Discount, t.SubtotalCents, in.Usage, in.CustomerID != nil, in.Now); err != nil {
			return Totals{}, err
		}
		switch in.Discount.Kind {
		case orders.DiscountPercentage:
			t.DiscountCents = percentOf(t.SubtotalCents, in.Discount.Percent)
		case orders.DiscountFixed:
			t.DiscountCents = min(in.Discount.AmountCents, t.SubtotalCents)
		case orders.DiscountFreeShipping:
			t.ShippingCents = 0
		}
		if t.DiscountCents > t.SubtotalCents {
			t.DiscountCents = t.SubtotalCents
		}
	}

	t.TaxCents = roundCents(decimal.NewFromInt(t.SubtotalCents - t.DiscountCents).Mul(c.TaxRate))
	t.TotalCents = t.SubtotalCents + t.TaxCents + t.ShippingCents - t.DiscountCents
	return t, nil
}

// CheckDiscount returns an INVALID_DISCOUNT error carrying a named reason.
func CheckDiscount(code string, d *orders.Discount, subtotal int64, usage orders.DiscountUsage, hasCustomer bool, now time.Time) error {
	reject := func(reason string) error {
		return apperr.WithDetails(apperr.CodeInvalidDiscount, "discount "+code+" rejected: "+reason,
			DiscountRejection{Code: code, Reason: reason})
	}
	switch {
	case d == nil:
		return reject(ReasonNotFound)
	case !d.Active:
		return reject(ReasonInactive)
	case now.Before(d.StartsAt) || (d.ExpiresAt != nil && !now.Before(*d.ExpiresAt)):
		return reject(ReasonExpired)
	case subtotal < d.MinimumCents:
		return reject(ReasonMinimumNotMet)
	case d.CapReached(usage, hasCustomer):
		return reject(ReasonUsageExceeded)
	}
	return nil
}

func percentOf(cents int64, pct decimal.Decimal) int64 {
	return roundCents(decimal.NewFromInt(cents).Mul(pct).Div(decimal.NewFromInt(100)))
}

// half-up ke sen terdekat
func roundCents(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

// RejectionReason extracts the discount reason from an INVALID_DISCOUNT error.
func RejectionReason(err error) string {
	var e *apperr.Error
	if !errors.As(err, &e) || e.Code != apperr.CodeInvalidDiscount {
		return ""
	}
	if r, ok := e.Details.(DiscountRejection); ok {
		return r.Reason
	}
	return ""
}
