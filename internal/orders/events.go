package orders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderCreated        = "OrderCreated"
	EventOrderReviewRequired = "OrderReviewRequired"
	EventOrderStatusChanged  = "OrderStatusChanged"
	EventPaymentFailed       = "PaymentFailed"
	EventRefundRequired      = "RefundRequired"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // salah satu const di atas
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "checkout-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // session_id atau order_id
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(eventType, producer, correlationID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       b,
	}, nil
}

// Emitter delivers events to downstream consumers (notifications, analytics).
// Delivery is fire-and-forget from the pipeline's point of view.
type Emitter interface {
	Emit(ctx context.Context, topic string, env Envelope) error
}

// DiscardEmitter drops every event. Offline tools run with it.
type DiscardEmitter struct{}

func (DiscardEmitter) Emit(context.Context, string, Envelope) error { return nil }

// ---- Payload tipe per event ----

type ItemPrice struct {
	ProductID  string `json:"product_id"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
}

type OrderCreatedPayload struct {
	OrderID              string      `json:"order_id"`
	SessionID            string      `json:"session_id"`
	CustomerID           *string     `json:"customer_id,omitempty"`
	Items                []ItemPrice `json:"items"`
	TotalCents           int64       `json:"total_cents"`
	Currency             string      `json:"currency"`
	Status               OrderStatus `json:"status"`
	RequiresManualReview bool        `json:"requires_manual_review"`
}

type OrderReviewRequiredPayload struct {
	OrderID    string `json:"order_id"`
	Reason     string `json:"reason"`
	FraudScore int    `json:"fraud_score,omitempty"`
	FraudLevel string `json:"fraud_level,omitempty"`
}

type OrderStatusChangedPayload struct {
	OrderID string      `json:"order_id"`
	From    OrderStatus `json:"from"`
	To      OrderStatus `json:"to"`
	Note    string      `json:"note,omitempty"`
}

type PaymentFailedPayload struct {
	SessionID string `json:"session_id"`
	IntentID  string `json:"intent_id,omitempty"`
	Reason    string `json:"reason"` // e.g., STOCK_CHANGED, intent.failed
}

type RefundRequiredPayload struct {
	SessionID   string `json:"session_id"`
	IntentID    string `json:"intent_id"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
	Issued      bool   `json:"issued"`
}
