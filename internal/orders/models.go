package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID         string
	SKU        string
	Name       string
	Stock      int
	PriceCents int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Customer struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"` // ISO 3166-1 alpha-2
}

// LineItem dipakai untuk isi cart dan snapshot item di session.
type LineItem struct {
	ProductID      string `json:"product_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

func (li LineItem) TotalCents() int64 { return int64(li.Qty) * li.UnitPriceCents }

type PaymentMethod string

const (
	PaymentCard           PaymentMethod = "card"
	PaymentAlternative    PaymentMethod = "alternative"
	PaymentCashOnDelivery PaymentMethod = "cash_on_delivery"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCard, PaymentAlternative, PaymentCashOnDelivery:
		return true
	}
	return false
}

// UsesGateway is false for cash on delivery: no provider intent is ever
// created and the order is confirmed synchronously at completion.
func (m PaymentMethod) UsesGateway() bool { return m != PaymentCashOnDelivery }

type RefundState string

const (
	RefundNone     RefundState = ""
	RefundRequired RefundState = "required"
	RefundIssued   RefundState = "issued"
)

// IntentRef is the provider-side payment handle attached to a session.
type IntentRef struct {
	ID           string `json:"intent_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	AmountCents  int64  `json:"amount_cents"`
	Currency     string `json:"currency"`
}

type Session struct {
	ID              string
	CartID          string
	CustomerID      *string
	ShippingAddress Address
	BillingAddress  Address
	ShippingMethod  string
	PaymentMethod   PaymentMethod
	Items           []LineItem

	SubtotalCents int64
	TaxCents      int64
	ShippingCents int64
	DiscountCents int64
	TotalCents    int64
	DiscountCode  string
	Currency      string

	IntentID     string
	ClientSecret string

	Status        SessionStatus
	FailureReason string
	RefundState   RefundState
	OrderID       string

	IPAddress string
	UserAgent string

	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TotalsConsistent checks total = subtotal + tax + shipping - discount.
func (s *Session) TotalsConsistent() bool {
	return s.TotalCents == s.SubtotalCents+s.TaxCents+s.ShippingCents-s.DiscountCents
}

func (s *Session) Intent() IntentRef {
	return IntentRef{ID: s.IntentID, ClientSecret: s.ClientSecret, AmountCents: s.TotalCents, Currency: s.Currency}
}

type Order struct {
	ID            string
	SessionID     string
	CustomerID    *string
	SubtotalCents int64
	TaxCents      int64
	ShippingCents int64
	DiscountCents int64
	TotalCents    int64
	DiscountCode  string
	Currency      string

	PaymentMethod   PaymentMethod
	IntentID        string
	ShippingAddress Address
	BillingAddress  Address

	FraudScore           int
	FraudLevel           string
	RequiresManualReview bool

	Status    OrderStatus
	Items     []OrderItem
	History   []StatusHistoryEntry
	CreatedAt time.Time
	UpdatedAt time.Time
}

type OrderItem struct {
	OrderID        string
	Position       int
	ProductID      string
	Qty            int
	UnitPriceCents int64
	LineTotalCents int64
}

type StatusHistoryEntry struct {
	OrderID   string
	Status    OrderStatus
	Note      string
	CreatedAt time.Time
}

type DiscountKind string

const (
	DiscountPercentage   DiscountKind = "percentage"
	DiscountFixed        DiscountKind = "fixed"
	DiscountFreeShipping DiscountKind = "free_shipping"
)

type Discount struct {
	Code         string
	Kind         DiscountKind
	Percent      decimal.Decimal // percentage: 10 = 10%
	AmountCents  int64           // fixed
	Active       bool
	StartsAt     time.Time
	ExpiresAt    *time.Time
	MinimumCents int64
	// 0 = unlimited
	UsageLimitPerCustomer int
	UsageLimitTotal       int
}

type DiscountUsage struct {
	PerCustomer int
	Total       int
}

// CapReached reports whether one more use would exceed a usage cap.
// Guests have no per-customer history, so only the total cap applies to them.
func (d *Discount) CapReached(u DiscountUsage, hasCustomer bool) bool {
	if d.UsageLimitTotal > 0 && u.Total >= d.UsageLimitTotal {
		return true
	}
	if hasCustomer && d.UsageLimitPerCustomer > 0 && u.PerCustomer >= d.UsageLimitPerCustomer {
		return true
	}
	return false
}

type DiscountApplication struct {
	Code        string
	CustomerID  *string
	OrderID     string
	AmountCents int64
	CreatedAt   time.Time
}

// SessionAnomaly records a callback that contradicts a terminal session state.
type SessionAnomaly struct {
	SessionID      string
	EventType      string
	ObservedStatus SessionStatus
	Note           string
	CreatedAt      time.Time
}

type ReviewItem struct {
	OrderID   string
	Reason    string
	CreatedAt time.Time
}

// StockShortage describes one item that cannot be fulfilled.
type StockShortage struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// Shortages sums the requested quantity per product, so a product spread over
// several cart lines is checked against its stock once. Order follows the cart.
func Shortages(items []LineItem, products map[string]Product) []StockShortage {
	need := map[string]int{}
	var ids []string
	for _, it := range items {
		if _, ok := need[it.ProductID]; !ok {
			ids = append(ids, it.ProductID)
		}
		need[it.ProductID] += it.Qty
	}
	var out []StockShortage
	for _, id := range ids {
		p, ok := products[id]
		if !ok || p.Stock < need[id] {
			out = append(out, StockShortage{ProductID: id, Requested: need[id], Available: p.Stock})
		}
	}
	return out
}
