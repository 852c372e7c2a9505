package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ariefcatur/go-realtime-checkout/internal/checkout"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

const HeaderIdempotencyKey = "Idempotency-Key"

type CheckoutHandler struct {
	Manager     *checkout.Manager
	Idempotency *redisx.Idempotency // optional
	Redis       redis.Cmdable       // optional, caches terminal sessions
	Log         *slog.Logger
}

type SessionResp struct {
	SessionID      string               `json:"session_id"`
	Status         orders.SessionStatus `json:"status"`
	Items          []orders.LineItem    `json:"items"`
	SubtotalCents  int64                `json:"subtotal_cents"`
	TaxCents       int64                `json:"tax_cents"`
	ShippingCents  int64                `json:"shipping_cents"`
	DiscountCents  int64                `json:"discount_cents"`
	TotalCents     int64                `json:"total_cents"`
	Currency       string               `json:"currency"`
	DiscountCode   string               `json:"discount_code,omitempty"`
	PaymentMethod  orders.PaymentMethod `json:"payment_method"`
	ShippingMethod string               `json:"shipping_method"`
	IntentID       string               `json:"intent_id,omitempty"`
	OrderID        string               `json:"order_id,omitempty"`
	FailureReason  string               `json:"failure_reason,omitempty"`
	ExpiresAt      time.Time            `json:"expires_at"`
}

type PaymentIntentReq struct {
	AmountCents *int64 `json:"amount_cents,omitempty"`
}

type PaymentIntentResp struct {
	IntentID     string `json:"intent_id"`
	ClientSecret string `json:"client_secret"`
	AmountCents  int64  `json:"amount"`
	Currency     string `json:"currency"`
}

type CompleteReq struct {
	IntentID string `json:"intent_id"`
}

type CompleteResp struct {
	OrderID              string             `json:"order_id"`
	Status               orders.OrderStatus `json:"status"`
	TotalCents           int64              `json:"total_cents"`
	RequiresManualReview bool               `json:"requires_manual_review"`
}

func (h *CheckoutHandler) Register(r *chi.Mux) {
	r.Post("/checkout/sessions", h.createSession)
	r.Get("/checkout/sessions/{id}", h.getSession)
	r.Post("/checkout/sessions/{id}/payment-intent", h.createPaymentIntent)
	r.Post("/checkout/sessions/{id}/complete", h.complete)
}

func toSessionResp(s *orders.Session) SessionResp {
	return SessionResp{
		SessionID:      s.ID,
		Status:         s.Status,
		Items:          s.Items,
		SubtotalCents:  s.SubtotalCents,
		TaxCents:       s.TaxCents,
		ShippingCents:  s.ShippingCents,
		DiscountCents:  s.DiscountCents,
		TotalCents:     s.TotalCents,
		Currency:       s.Currency,
		DiscountCode:   s.DiscountCode,
		PaymentMethod:  s.PaymentMethod,
		ShippingMethod: s.ShippingMethod,
		IntentID:       s.IntentID,
		OrderID:        s.OrderID,
		FailureReason:  s.FailureReason,
		ExpiresAt:      s.ExpiresAt,
	}
}

func (h *CheckoutHandler) createSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req checkout.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badJSON(w)
		return
	}

	// replay respons pertama untuk Idempotency-Key yang sama (per cart)
	idemKey := r.Header.Get(HeaderIdempotencyKey)
	if b, ok, err := h.Idempotency.Lookup(ctx, req.CartID, idemKey); err == nil && ok {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(b)
		return
	}
	req.IPAddress = clientIP(r)
	req.UserAgent = r.UserAgent()

	s, err := h.Manager.CreateSession(ctx, req)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	b, err := json.Marshal(toSessionResp(s))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	_ = h.Idempotency.Remember(ctx, req.CartID, idemKey, b)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(b)
}

func (h *CheckoutHandler) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) coba cache (hanya session yang sudah final yang pernah di-cache)
	key := fmt.Sprintf(redisx.KeySessionStatus, id)
	if h.Redis != nil {
		if b, ok, err := redisx.GetBytes(ctx, h.Redis, key); err == nil && ok {
			writeJSON(w, http.StatusOK, json.RawMessage(b))
			return
		}
	}

	// 2) fallback store
	s, err := h.Manager.GetSession(ctx, id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	resp := toSessionResp(s)
	if h.Redis != nil && s.Status.Terminal() {
		if b, err := json.Marshal(resp); err == nil {
			_ = h.Redis.Set(ctx, key, b, redisx.TTLStatusCache).Err()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CheckoutHandler) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	var req PaymentIntentReq
	// body boleh kosong
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badJSON(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 12*time.Second)
	defer cancel()

	ref, err := h.Manager.CreatePaymentIntent(ctx, chi.URLParam(r, "id"), req.AmountCents)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, PaymentIntentResp{
		IntentID:     ref.ID,
		ClientSecret: ref.ClientSecret,
		AmountCents:  ref.AmountCents,
		Currency:     ref.Currency,
	})
}

func (h *CheckoutHandler) complete(w http.ResponseWriter, r *http.Request) {
	var req CompleteReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badJSON(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 12*time.Second)
	defer cancel()

	o, err := h.Manager.CompleteCheckout(ctx, chi.URLParam(r, "id"), req.IntentID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, CompleteResp{
		OrderID:              o.ID,
		Status:               o.Status,
		TotalCents:           o.TotalCents,
		RequiresManualReview: o.RequiresManualReview,
	})
}

// clientIP reads RemoteAddr after middleware.RealIP has rewritten it.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
