package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

type OrdersHandler struct {
	Orders *orders.Service
	Redis  redis.Cmdable // optional status cache
	Log    *slog.Logger
}

type OrderResp struct {
	OrderID              string               `json:"order_id"`
	SessionID            string               `json:"session_id"`
	Status               orders.OrderStatus   `json:"status"`
	Items                []OrderItemResp      `json:"items"`
	SubtotalCents        int64                `json:"subtotal_cents"`
	TaxCents             int64                `json:"tax_cents"`
	ShippingCents        int64                `json:"shipping_cents"`
	DiscountCents        int64                `json:"discount_cents"`
	TotalCents           int64                `json:"total_cents"`
	Currency             string               `json:"currency"`
	PaymentMethod        orders.PaymentMethod `json:"payment_method"`
	FraudScore           int                  `json:"fraud_score"`
	FraudLevel           string               `json:"fraud_level"`
	RequiresManualReview bool                 `json:"requires_manual_review"`
	History              []HistoryResp        `json:"history"`
	CreatedAt            time.Time            `json:"created_at"`
}

type OrderItemResp struct {
	ProductID      string `json:"product_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
}

type HistoryResp struct {
	Status    orders.OrderStatus `json:"status"`
	Note      string             `json:"note,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

type TransitionReq struct {
	Status orders.OrderStatus `json:"status"`
	Note   string             `json:"note,omitempty"`
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/transitions", h.transition)
}

func toOrderResp(o *orders.Order) OrderResp {
	resp := OrderResp{
		OrderID:              o.ID,
		SessionID:            o.SessionID,
		Status:               o.Status,
		Items:                make([]OrderItemResp, 0, len(o.Items)),
		SubtotalCents:        o.SubtotalCents,
		TaxCents:             o.TaxCents,
		ShippingCents:        o.ShippingCents,
		DiscountCents:        o.DiscountCents,
		TotalCents:           o.TotalCents,
		Currency:             o.Currency,
		PaymentMethod:        o.PaymentMethod,
		FraudScore:           o.FraudScore,
		FraudLevel:           o.FraudLevel,
		RequiresManualReview: o.RequiresManualReview,
		History:              make([]HistoryResp, 0, len(o.History)),
		CreatedAt:            o.CreatedAt,
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, OrderItemResp{
			ProductID: it.ProductID, Qty: it.Qty, UnitPriceCents: it.UnitPriceCents, LineTotalCents: it.LineTotalCents,
		})
	}
	for _, e := range o.History {
		resp.History = append(resp.History, HistoryResp{Status: e.Status, Note: e.Note, CreatedAt: e.CreatedAt})
	}
	return resp
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) coba cache
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if h.Redis != nil {
		if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			writeJSON(w, http.StatusOK, json.RawMessage(s))
			return
		}
	}

	// 2) fallback DB
	o, err := h.Orders.Get(ctx, orderID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	b, err := json.Marshal(toOrderResp(o))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if h.Redis != nil {
		_ = h.Redis.Set(ctx, key, b, redisx.TTLStatusCache).Err()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (h *OrdersHandler) transition(w http.ResponseWriter, r *http.Request) {
	var req TransitionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badJSON(w)
		return
	}
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.Transition(ctx, orderID, req.Status, req.Note)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if h.Redis != nil {
		_ = h.Redis.Del(ctx, fmt.Sprintf(redisx.KeyOrderStatus, orderID)).Err()
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}
