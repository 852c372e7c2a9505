package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ariefcatur/go-realtime-checkout/internal/apperr"
	"github.com/ariefcatur/go-realtime-checkout/internal/fraud"
	"github.com/ariefcatur/go-realtime-checkout/internal/logx"
	"github.com/ariefcatur/go-realtime-checkout/internal/metrics"
	"github.com/google/uuid"
)

const (
	ReasonStockChanged      = "STOCK_CHANGED"
	ReasonDiscountExhausted = "DISCOUNT_EXHAUSTED"
	ReasonFraudReview       = "FRAUD_REVIEW"
	ReasonDispute           = "DISPUTE"
	ReasonPaidAfterClose    = "PAID_AFTER_CLOSE"
)

// Finalizer is the single writer that turns a paid pending session into an Order.
type Finalizer struct {
	Store    Store
	Fraud    *fraud.Evaluator
	Emitter  Emitter
	Refunds  Refunder // optional; nil leaves refunds flagged as required
	Metrics  *metrics.Metrics
	Log      *slog.Logger
	Producer string
	Now      func() time.Time
}

func (f *Finalizer) now() time.Time {
	if f.Now != nil {
		return f.Now().UTC()
	}
	return time.Now().UTC()
}

// Finalize materializes the order for sessionID. Every write (order, items,
// stock, discount usage, history, review entry, session completion, cart
// clear) commits together or not at all.
//
// A session that is no longer pending yields SESSION_NOT_PENDING; the caller
// decides whether that is a duplicate (no-op) or a conflict.
func (f *Finalizer) Finalize(ctx context.Context, sessionID string) (*Order, error) {
	log := logx.OrDiscard(f.Log).With("session_id", sessionID, "step", "finalize")

	var (
		order   *Order
		session *Session
	)
	err := f.Store.WithinTx(ctx, func(tx Tx) error {
		s, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return apperr.ErrSessionNotFound
			}
			return fmt.Errorf("lock session: %w", err)
		}
		session = s
		if s.Status != SessionPending {
			return apperr.WithDetails(apperr.CodeSessionNotPending,
				"session is "+string(s.Status), map[string]string{"status": string(s.Status), "order_id": s.OrderID})
		}

		// 1) re-validate stock under row locks
		products, err := tx.LockProducts(ctx, productIDs(s.Items))
		if err != nil {
			return fmt.Errorf("lock products: %w", err)
		}
		if short := Shortages(s.Items, products); len(short) > 0 {
			return apperr.WithDetails(apperr.CodeStockChanged, "stock changed since session creation", short)
		}

		// 5) fraud assessment, frozen on the order
		assessment := f.Fraud.Evaluate(ctx, f.fraudInput(ctx, tx, s), tx)

		// 2) order + items from the frozen session snapshot
		o := buildOrder(s, assessment, f.now())
		if err := tx.InsertOrder(ctx, o); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		// 3) conditioned decrement
		for _, it := range s.Items {
			if err := tx.DecrementStock(ctx, it.ProductID, it.Qty); err != nil {
				if errors.Is(err, ErrInsufficientStock) {
					return apperr.WithDetails(apperr.CodeStockChanged, "stock changed since session creation",
						[]StockShortage{{ProductID: it.ProductID, Requested: it.Qty, Available: products[it.ProductID].Stock}})
				}
				return fmt.Errorf("decrement stock %s: %w", it.ProductID, err)
			}
		}

		// 4) discount cap re-check inside the same tx
		if s.DiscountCode != "" {
			if err := consumeDiscount(ctx, tx, s, o); err != nil {
				return err
			}
		}

		// 6) initial history entry
		note := "payment confirmed"
		if o.RequiresManualReview {
			note = fmt.Sprintf("held for manual review: fraud level %s (score %d)", o.FraudLevel, o.FraudScore)
		}
		entry := StatusHistoryEntry{OrderID: o.ID, Status: o.Status, Note: note, CreatedAt: o.CreatedAt}
		if err := tx.AppendStatus(ctx, entry); err != nil {
			return fmt.Errorf("append status: %w", err)
		}
		o.History = []StatusHistoryEntry{entry}
		if o.RequiresManualReview {
			if err := tx.EnqueueReview(ctx, ReviewItem{OrderID: o.ID, Reason: ReasonFraudReview, CreatedAt: o.CreatedAt}); err != nil {
				return fmt.Errorf("enqueue review: %w", err)
			}
		}

		// 7) session completed, guarded on pending
		if err := tx.CompleteSession(ctx, s.ID, o.ID); err != nil {
			if errors.Is(err, ErrConflict) {
				return apperr.ErrSessionNotPending
			}
			return fmt.Errorf("complete session: %w", err)
		}

		// 8) clear cart
		if err := tx.ClearCart(ctx, s.CartID); err != nil {
			return fmt.Errorf("clear cart: %w", err)
		}
		order = o
		return nil
	})
	if err != nil {
		switch apperr.CodeOf(err) {
		case apperr.CodeStockChanged:
			f.abandon(ctx, log, session, ReasonStockChanged)
		case apperr.CodeDiscountExhausted:
			f.abandon(ctx, log, session, ReasonDiscountExhausted)
		}
		return nil, err
	}

	f.Metrics.OrderFinalized(order.RequiresManualReview, order.FraudLevel)
	log.Info("order finalized", "order_id", order.ID, "status", order.Status,
		"fraud_level", order.FraudLevel, "manual_review", order.RequiresManualReview)
	f.announce(ctx, log, order)
	return order, nil
}

func (f *Finalizer) fraudInput(ctx context.Context, tx Tx, s *Session) fraud.Input {
	in := fraud.Input{
		OrderTotalCents: s.TotalCents,
		PaymentMethod:   string(s.PaymentMethod),
		Shipping:        fraudAddress(s.ShippingAddress),
		Billing:         fraudAddress(s.BillingAddress),
		IPAddress:       s.IPAddress,
		UserAgent:       s.UserAgent,
	}
	if s.CustomerID != nil {
		// unknown account age counts as a brand new account
		in.Customer = &fraud.Customer{ID: *s.CustomerID, CreatedAt: f.now()}
		if c, err := tx.GetCustomer(ctx, *s.CustomerID); err == nil {
			in.Customer.CreatedAt = c.CreatedAt
		}
	}
	return in
}

func fraudAddress(a Address) fraud.Address {
	return fraud.Address{City: a.City, PostalCode: a.PostalCode, Country: a.Country}
}

func consumeDiscount(ctx context.Context, tx Tx, s *Session, o *Order) error {
	d, err := tx.LockDiscount(ctx, s.DiscountCode)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.Newf(apperr.CodeDiscountExhausted, "discount %s no longer exists", s.DiscountCode)
		}
		return fmt.Errorf("lock discount: %w", err)
	}
	usage, err := tx.DiscountUsage(ctx, d.Code, s.CustomerID)
	if err != nil {
		return fmt.Errorf("discount usage: %w", err)
	}
	if d.CapReached(usage, s.CustomerID != nil) {
		return apperr.Newf(apperr.CodeDiscountExhausted, "discount %s usage cap reached", d.Code)
	}
	return tx.InsertDiscountApplication(ctx, DiscountApplication{
		Code: d.Code, CustomerID: s.CustomerID, OrderID: o.ID, AmountCents: s.DiscountCents, CreatedAt: o.CreatedAt,
	})
}

func buildOrder(s *Session, a fraud.Assessment, now time.Time) *Order {
	o := &Order{
		ID:                   uuid.NewString(),
		SessionID:            s.ID,
		CustomerID:           s.CustomerID,
		SubtotalCents:        s.SubtotalCents,
		TaxCents:             s.TaxCents,
		ShippingCents:        s.ShippingCents,
		DiscountCents:        s.DiscountCents,
		TotalCents:           s.TotalCents,
		DiscountCode:         s.DiscountCode,
		Currency:             s.Currency,
		PaymentMethod:        s.PaymentMethod,
		IntentID:             s.IntentID,
		ShippingAddress:      s.ShippingAddress,
		BillingAddress:       s.BillingAddress,
		FraudScore:           a.Score,
		FraudLevel:           string(a.Level),
		RequiresManualReview: a.RequiresManualReview,
		Status:               StatusConfirmed,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if o.RequiresManualReview {
		o.Status = StatusPending
	}
	for i, it := range s.Items {
		o.Items = append(o.Items, OrderItem{
			OrderID:        o.ID,
			Position:       i,
			ProductID:      it.ProductID,
			Qty:            it.Qty,
			UnitPriceCents: it.UnitPriceCents,
			LineTotalCents: it.TotalCents(),
		})
	}
	return o
}

// abandon moves a session that lost a stock/discount race to failed and
// deals with the money that already moved.
func (f *Finalizer) abandon(ctx context.Context, log *slog.Logger, s *Session, reason string) {
	if s == nil {
		return
	}
	if err := f.Store.TransitionSession(ctx, s.ID, SessionFailed, reason); err != nil {
		if !errors.Is(err, ErrConflict) {
			log.Error("mark session failed", "reason", reason, "err", err)
		}
		return
	}
	f.Metrics.SessionFailed(reason)
	log.Warn("finalization aborted", "reason", reason)
	f.emit(ctx, log, TopicPaymentFailed, EventPaymentFailed, s.ID,
		PaymentFailedPayload{SessionID: s.ID, IntentID: s.IntentID, Reason: reason})
	f.refund(ctx, log, s, reason)
}

// RefundOrphan handles a payment that succeeded on a session which closed
// without an order (expired, canceled or failed). It is a no-op once a refund
// has been flagged for the session.
func (f *Finalizer) RefundOrphan(ctx context.Context, s *Session) {
	if s == nil || s.RefundState != RefundNone || s.Status == SessionCompleted {
		return
	}
	log := logx.OrDiscard(f.Log).With("session_id", s.ID, "step", "refund")
	f.refund(ctx, log, s, ReasonPaidAfterClose)
}

func (f *Finalizer) refund(ctx context.Context, log *slog.Logger, s *Session, reason string) {
	if !s.PaymentMethod.UsesGateway() || s.IntentID == "" {
		return
	}
	if err := f.Store.SetRefundState(ctx, s.ID, RefundRequired); err != nil {
		log.Error("flag refund", "err", err)
	}
	issued := false
	if f.Refunds != nil {
		if err := f.Refunds.Refund(ctx, s.IntentID); err != nil {
			log.Error("refund failed, left flagged", "intent_id", s.IntentID, "err", err)
		} else if err := f.Store.SetRefundState(ctx, s.ID, RefundIssued); err != nil {
			log.Error("record refund", "err", err)
		} else {
			issued = true
		}
	}
	f.emit(ctx, log, TopicRefundRequired, EventRefundRequired, s.ID, RefundRequiredPayload{
		SessionID: s.ID, IntentID: s.IntentID, AmountCents: s.TotalCents, Reason: reason, Issued: issued,
	})
}

func (f *Finalizer) announce(ctx context.Context, log *slog.Logger, o *Order) {
	items := make([]ItemPrice, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, ItemPrice{ProductID: it.ProductID, Qty: it.Qty, PriceCents: it.UnitPriceCents})
	}
	f.emit(ctx, log, TopicOrderCreated, EventOrderCreated, o.ID, OrderCreatedPayload{
		OrderID: o.ID, SessionID: o.SessionID, CustomerID: o.CustomerID, Items: items,
		TotalCents: o.TotalCents, Currency: o.Currency, Status: o.Status, RequiresManualReview: o.RequiresManualReview,
	})
	if o.RequiresManualReview {
		f.emit(ctx, log, TopicOrderReviewRequired, EventOrderReviewRequired, o.ID, OrderReviewRequiredPayload{
			OrderID: o.ID, Reason: ReasonFraudReview, FraudScore: o.FraudScore, FraudLevel: o.FraudLevel,
		})
	}
}

// emit never fails the caller: notification delivery must not roll back an order.
func (f *Finalizer) emit(ctx context.Context, log *slog.Logger, topic, eventType, key string, payload any) {
	emitEvent(ctx, f.Emitter, log, f.Producer, topic, eventType, key, payload)
}

func emitEvent(ctx context.Context, em Emitter, log *slog.Logger, producer, topic, eventType, key string, payload any) {
	if em == nil {
		return
	}
	env, err := NewEnvelope(eventType, producer, key, payload)
	if err != nil {
		log.Error("build event", "event_type", eventType, "err", err)
		return
	}
	if err := em.Emit(ctx, topic, env); err != nil {
		log.Warn("emit event", "event_type", eventType, "err", err)
	}
}

func productIDs(items []LineItem) []string {
	seen := make(map[string]bool, len(items))
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			ids = append(ids, it.ProductID)
		}
	}
	// lock order tetap (by id) supaya tidak deadlock antar transaksi
	sort.Strings(ids)
	return ids
}
