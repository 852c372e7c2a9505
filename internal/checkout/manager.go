// Package checkout owns the CheckoutSession lifecycle: creation from a cart,
// payment-intent attachment and the buyer-driven completion path.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ariefcatur/go-realtime-checkout/internal/apperr"
	"github.com/ariefcatur/go-realtime-checkout/internal/logx"
	"github.com/ariefcatur/go-realtime-checkout/internal/metrics"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/payment"
	"github.com/ariefcatur/go-realtime-checkout/internal/pricing"
	"github.com/google/uuid"
)

const DefaultTTL = 30 * time.Minute

type Manager struct {
	Store     orders.Store
	Pricing   pricing.Config
	Payments  *payment.Coordinator
	Finalizer *orders.Finalizer
	Currency  string
	TTL       time.Duration
	Metrics   *metrics.Metrics
	Log       *slog.Logger
	Now       func() time.Time
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Manager) ttl() time.Duration {
	if m.TTL > 0 {
		return m.TTL
	}
	return DefaultTTL
}

// CreateSessionRequest never carries amounts: every figure is computed here.
type CreateSessionRequest struct {
	CartID          string               `json:"cart_id"`
	CustomerID      *string              `json:"customer_id,omitempty"`
	ShippingAddress orders.Address       `json:"shipping_address"`
	BillingAddress  *orders.Address      `json:"billing_address,omitempty"` // default: shipping
	ShippingMethod  string               `json:"shipping_method"`
	PaymentMethod   orders.PaymentMethod `json:"payment_method"`
	DiscountCode    string               `json:"discount_code,omitempty"`

	// diisi dari request HTTP, bukan dari body
	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

func (r *CreateSessionRequest) Validate() error {
	if strings.TrimSpace(r.CartID) == "" {
		return apperr.Validation("cart_id", "required")
	}
	if r.CustomerID != nil && strings.TrimSpace(*r.CustomerID) == "" {
		return apperr.Validation("customer_id", "must not be blank")
	}
	if err := validateAddress("shipping_address", r.ShippingAddress); err != nil {
		return err
	}
	if r.BillingAddress != nil {
		if err := validateAddress("billing_address", *r.BillingAddress); err != nil {
			return err
		}
	}
	if strings.TrimSpace(r.ShippingMethod) == "" {
		return apperr.Validation("shipping_method", "required")
	}
	if !r.PaymentMethod.Valid() {
		return apperr.Validation("payment_method", "must be one of card, alternative, cash_on_delivery")
	}
	return nil
}

func validateAddress(field string, a orders.Address) error {
	switch {
	case strings.TrimSpace(a.Line1) == "":
		return apperr.Validation(field+".line1", "required")
	case strings.TrimSpace(a.City) == "":
		return apperr.Validation(field+".city", "required")
	case strings.TrimSpace(a.PostalCode) == "":
		return apperr.Validation(field+".postal_code", "required")
	case len(strings.TrimSpace(a.Country)) != 2:
		return apperr.Validation(field+".country", "must be an ISO 3166-1 alpha-2 code")
	}
	return nil
}

func normalizeCode(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }

// CreateSession prices the cart server-side and persists a pending session.
func (m *Manager) CreateSession(ctx context.Context, req CreateSessionRequest) (*orders.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	items, err := m.Store.GetCart(ctx, req.CartID)
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	if len(items) == 0 {
		return nil, apperr.ErrEmptyCart
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}
	products, err := m.Store.Products(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	billing := req.ShippingAddress
	if req.BillingAddress != nil {
		billing = *req.BillingAddress
	}
	now := m.now()
	in := pricing.Input{
		Items:           items,
		Products:        products,
		ShippingMethod:  req.ShippingMethod,
		ShippingCountry: req.ShippingAddress.Country,
		DiscountCode:    normalizeCode(req.DiscountCode),
		CustomerID:      req.CustomerID,
		Now:             now,
	}
	if in.DiscountCode != "" {
		d, err := m.Store.LookupDiscount(ctx, in.DiscountCode)
		switch {
		case errors.Is(err, orders.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("lookup discount: %w", err)
		default:
			in.Discount = d
			if in.Usage, err = m.Store.DiscountUsage(ctx, d.Code, req.CustomerID); err != nil {
				return nil, fmt.Errorf("discount usage: %w", err)
			}
		}
	}
	totals, err := m.Pricing.Calculate(in)
	if err != nil {
		return nil, err
	}

	s := &orders.Session{
		ID:              uuid.NewString(),
		CartID:          req.CartID,
		CustomerID:      req.CustomerID,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  billing,
		ShippingMethod:  req.ShippingMethod,
		PaymentMethod:   req.PaymentMethod,
		Items:           items,
		SubtotalCents:   totals.SubtotalCents,
		TaxCents:        totals.TaxCents,
		ShippingCents:   totals.ShippingCents,
		DiscountCents:   totals.DiscountCents,
		TotalCents:      totals.TotalCents,
		DiscountCode:    in.DiscountCode,
		Currency:        m.Currency,
		Status:          orders.SessionPending,
		IPAddress:       req.IPAddress,
		UserAgent:       req.UserAgent,
		ExpiresAt:       now.Add(m.ttl()),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.Store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.Metrics.SessionCreated()
	logx.OrDiscard(m.Log).Info("checkout session created", "session_id", s.ID, "cart_id", s.CartID,
		"total_cents", s.TotalCents, "payment_method", s.PaymentMethod)
	return s, nil
}

func (m *Manager) GetSession(ctx context.Context, id string) (*orders.Session, error) {
	s, err := m.Store.GetSession(ctx, id)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, apperr.ErrSessionNotFound
	}
	return s, err
}

// CreatePaymentIntent delegates to the coordinator; requested is the
// client's view of the amount and is only ever compared, never charged.
func (m *Manager) CreatePaymentIntent(ctx context.Context, sessionID string, requested *int64) (orders.IntentRef, error) {
	return m.Payments.CreateIntent(ctx, sessionID, requested)
}

// CompleteCheckout is the synchronous "buyer clicked pay" path. It races
// safely with the callback path: whichever reaches the session guard first
// creates the order, the other sees SESSION_NOT_PENDING.
func (m *Manager) CompleteCheckout(ctx context.Context, sessionID, intentID string) (*orders.Order, error) {
	log := logx.OrDiscard(m.Log).With("session_id", sessionID, "step", "complete")

	s, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != orders.SessionPending {
		return nil, apperr.WithDetails(apperr.CodeSessionNotPending, "session is "+string(s.Status),
			map[string]string{"status": string(s.Status), "order_id": s.OrderID})
	}

	if s.PaymentMethod.UsesGateway() {
		if intentID == "" || intentID != s.IntentID {
			return nil, apperr.WithDetails(apperr.CodeIntentMismatch, "payment intent does not belong to session",
				map[string]string{"intent_id": intentID})
		}
		in, err := m.Payments.ConfirmIntent(ctx, intentID)
		if err != nil {
			log.Info("payment not confirmed", "intent_id", intentID, "err", err)
			return nil, err
		}
		if in.AmountCents != s.TotalCents {
			log.Error("intent amount differs from session total", "intent_id", intentID,
				"intent_amount", in.AmountCents, "total_cents", s.TotalCents)
			return nil, apperr.WithDetails(apperr.CodeAmountMismatch, "paid amount does not match session total",
				map[string]int64{"paid": in.AmountCents, "expected": s.TotalCents})
		}
	} else if intentID != "" {
		return nil, apperr.Validation("intent_id", "cash on delivery sessions have no payment intent")
	}

	return m.Finalizer.Finalize(ctx, s.ID)
}

// ExpireStale flips pending sessions past their TTL to expired.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	n, err := m.Store.ExpireSessions(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	for i := 0; i < n; i++ {
		m.Metrics.SessionFailed("EXPIRED")
	}
	if n > 0 {
		logx.OrDiscard(m.Log).Info("expired stale sessions", "count", n)
	}
	return n, nil
}
