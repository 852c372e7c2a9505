package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-realtime-checkout/internal/apperr"
	"github.com/ariefcatur/go-realtime-checkout/internal/logx"
)

// Service handles the order lifecycle after finalization: reads, status
// transitions and manual-review flags.
type Service struct {
	Store    Store
	Emitter  Emitter
	Log      *slog.Logger
	Producer string
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	o, err := s.Store.GetOrder(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.ErrOrderNotFound
	}
	return o, err
}

// Transition moves an order along the status machine and appends a history
// entry. Cancel (and refund before shipping) puts the decremented units back.
func (s *Service) Transition(ctx context.Context, id string, to OrderStatus, note string) (*Order, error) {
	if !to.Valid() {
		return nil, apperr.Validation("status", "unknown order status "+string(to))
	}
	log := logx.OrDiscard(s.Log).With("order_id", id, "step", "transition")

	var from OrderStatus
	err := s.Store.WithinTx(ctx, func(tx Tx) error {
		o, err := tx.LockOrder(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return apperr.ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}
		from = o.Status
		if !CanTransition(o.Status, to) {
			return apperr.WithDetails(apperr.CodeInvalidTransition,
				fmt.Sprintf("cannot move order from %s to %s", o.Status, to),
				map[string]string{"from": string(o.Status), "to": string(to)})
		}
		if restocksOn(o.Status, to) {
			for _, it := range o.Items {
				if err := tx.RestoreStock(ctx, it.ProductID, it.Qty); err != nil {
					return fmt.Errorf("restore stock %s: %w", it.ProductID, err)
				}
			}
		}
		if err := tx.UpdateOrder(ctx, id, to, o.RequiresManualReview); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if note == "" {
			note = fmt.Sprintf("%s -> %s", o.Status, to)
		}
		return tx.AppendStatus(ctx, StatusHistoryEntry{OrderID: id, Status: to, Note: note, CreatedAt: s.now()})
	})
	if err != nil {
		return nil, err
	}
	log.Info("order status changed", "from", from, "to", to)
	emitEvent(ctx, s.Emitter, log, s.Producer, TopicOrderStatusChanged, EventOrderStatusChanged, id,
		OrderStatusChangedPayload{OrderID: id, From: from, To: to, Note: note})
	return s.Get(ctx, id)
}

// FlagForReview marks an order for manual review without touching its status.
func (s *Service) FlagForReview(ctx context.Context, id, reason string) error {
	log := logx.OrDiscard(s.Log).With("order_id", id, "step", "flag_review")
	err := s.Store.WithinTx(ctx, func(tx Tx) error {
		o, err := tx.LockOrder(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return apperr.ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}
		if err := tx.UpdateOrder(ctx, id, o.Status, true); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		return tx.EnqueueReview(ctx, ReviewItem{OrderID: id, Reason: reason, CreatedAt: s.now()})
	})
	if err != nil {
		return err
	}
	log.Warn("order flagged for manual review", "reason", reason)
	emitEvent(ctx, s.Emitter, log, s.Producer, TopicOrderReviewRequired, EventOrderReviewRequired, id,
		OrderReviewRequiredPayload{OrderID: id, Reason: reason})
	return nil
}

func (s *Service) ReviewQueue(ctx context.Context, limit int) ([]ReviewItem, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.Store.ListReviewQueue(ctx, limit)
}
