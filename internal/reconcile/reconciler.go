// Package reconcile applies asynchronous gateway callbacks to checkout
// sessions. Delivery is at-least-once and unordered; the session status guard
// is what keeps a duplicate from creating a second order.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-realtime-checkout/internal/apperr"
	"github.com/ariefcatur/go-realtime-checkout/internal/logx"
	"github.com/ariefcatur/go-realtime-checkout/internal/metrics"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/payment"
	"github.com/ariefcatur/go-realtime-checkout/internal/redisx"
)

type Outcome string

const (
	OutcomeFinalized Outcome = "finalized"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeFlagged   Outcome = "flagged"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeAnomaly   Outcome = "anomaly"
	OutcomeIgnored   Outcome = "ignored"
	// finalization lost a stock/discount race; session failed, refund flagged
	OutcomeAbandoned Outcome = "abandoned"
)

type Reconciler struct {
	Gateway   payment.Gateway
	Sessions  orders.SessionStore
	Finalizer *orders.Finalizer
	Orders    *orders.Service
	Dedup     *redisx.Deduper // optional fast path
	Emitter   orders.Emitter
	Producer  string
	Metrics   *metrics.Metrics
	Log       *slog.Logger
	Now       func() time.Time
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// HandleRaw verifies the provider signature before anything else. An
// unverifiable body yields INVALID_SIGNATURE and touches nothing.
func (r *Reconciler) HandleRaw(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	ev, err := r.Gateway.ParseCallback(payload, signature)
	switch {
	case errors.Is(err, payment.ErrBadSignature):
		r.Metrics.Callback("unknown", "invalid_signature")
		return "", apperr.Wrap(apperr.CodeInvalidSig, "callback signature invalid", err)
	case errors.Is(err, payment.ErrUnhandledEvent):
		logx.OrDiscard(r.Log).Debug("callback ignored", "err", err)
		r.Metrics.Callback("unhandled", string(OutcomeIgnored))
		return OutcomeIgnored, nil
	case err != nil:
		return "", fmt.Errorf("parse callback: %w", err)
	}
	return r.Handle(ctx, ev)
}

// Handle applies one verified event. A nil error means the event may be
// acknowledged; a non-nil error asks the transport to redeliver.
func (r *Reconciler) Handle(ctx context.Context, ev *payment.CallbackEvent) (Outcome, error) {
	log := logx.OrDiscard(r.Log).With("event_type", ev.Type, "intent_id", ev.IntentID, "event_id", ev.ID)

	out, err := r.handle(ctx, log, ev)
	if err != nil {
		r.Metrics.Callback(ev.Type, "error")
		log.Error("callback handling failed", "err", err)
		return "", err
	}
	r.Metrics.Callback(ev.Type, string(out))
	log.Info("callback handled", "outcome", out)
	return out, nil
}

func (r *Reconciler) handle(ctx context.Context, log *slog.Logger, ev *payment.CallbackEvent) (Outcome, error) {
	if ev.IntentID == "" {
		return OutcomeIgnored, nil
	}
	s, err := r.Sessions.GetSessionByIntent(ctx, ev.IntentID)
	if errors.Is(err, orders.ErrNotFound) {
		log.Warn("callback for unknown intent")
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	log = log.With("session_id", s.ID)

	dedupID := s.ID + ":" + ev.Type
	if seen, err := r.Dedup.Seen(ctx, dedupID); err != nil {
		log.Warn("dedup lookup failed, continuing", "err", err)
	} else if seen {
		return OutcomeDuplicate, nil
	}

	var out Outcome
	switch ev.Type {
	case payment.EventIntentSucceeded:
		out, err = r.onSucceeded(ctx, log, s, ev)
	case payment.EventIntentFailed:
		out, err = r.onClosed(ctx, log, s, ev, orders.SessionFailed, OutcomeFailed)
	case payment.EventIntentCanceled:
		out, err = r.onClosed(ctx, log, s, ev, orders.SessionCanceled, OutcomeCanceled)
	case payment.EventDisputeCreated:
		out, err = r.onDispute(ctx, log, s, ev)
	default:
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}

	// ditulis setelah efek samping commit
	if err := r.Dedup.Mark(ctx, dedupID); err != nil {
		log.Warn("dedup mark failed", "err", err)
	}
	return out, nil
}

func (r *Reconciler) onSucceeded(ctx context.Context, log *slog.Logger, s *orders.Session, ev *payment.CallbackEvent) (Outcome, error) {
	if s.Status != orders.SessionPending {
		return r.onTerminal(ctx, log, s, ev)
	}
	if ev.AmountCents != 0 && ev.AmountCents != s.TotalCents {
		note := fmt.Sprintf("paid amount %d differs from session total %d", ev.AmountCents, s.TotalCents)
		return OutcomeAnomaly, r.anomaly(ctx, log, s, ev, note)
	}

	o, err := r.Finalizer.Finalize(ctx, s.ID)
	switch apperr.CodeOf(err) {
	case "":
		if err != nil {
			return "", err
		}
		log.Info("order finalized from callback", "order_id", o.ID)
		return OutcomeFinalized, nil
	case apperr.CodeSessionNotPending:
		// the completion path won the race; judge against the fresh state
		cur, gerr := r.Sessions.GetSession(ctx, s.ID)
		if gerr != nil {
			return "", fmt.Errorf("reload session: %w", gerr)
		}
		return r.onTerminal(ctx, log, cur, ev)
	case apperr.CodeStockChanged, apperr.CodeDiscountExhausted:
		return OutcomeAbandoned, nil
	default:
		return "", err
	}
}

func (r *Reconciler) onClosed(ctx context.Context, log *slog.Logger, s *orders.Session, ev *payment.CallbackEvent,
	to orders.SessionStatus, out Outcome) (Outcome, error) {
	if s.Status != orders.SessionPending {
		return r.onTerminal(ctx, log, s, ev)
	}
	err := r.Sessions.TransitionSession(ctx, s.ID, to, ev.Type)
	if errors.Is(err, orders.ErrConflict) {
		cur, gerr := r.Sessions.GetSession(ctx, s.ID)
		if gerr != nil {
			return "", fmt.Errorf("reload session: %w", gerr)
		}
		return r.onTerminal(ctx, log, cur, ev)
	}
	if err != nil {
		return "", fmt.Errorf("transition session: %w", err)
	}
	r.Metrics.SessionFailed(ev.Type)
	r.emit(ctx, log, orders.TopicPaymentFailed, orders.EventPaymentFailed, s.ID,
		orders.PaymentFailedPayload{SessionID: s.ID, IntentID: s.IntentID, Reason: ev.Type})
	return out, nil
}

func (r *Reconciler) onDispute(ctx context.Context, log *slog.Logger, s *orders.Session, ev *payment.CallbackEvent) (Outcome, error) {
	if s.OrderID == "" {
		return OutcomeAnomaly, r.anomaly(ctx, log, s, ev, "dispute on a session without an order")
	}
	if err := r.Orders.FlagForReview(ctx, s.OrderID, orders.ReasonDispute); err != nil {
		return "", fmt.Errorf("flag order %s: %w", s.OrderID, err)
	}
	return OutcomeFlagged, nil
}

// onTerminal never reverts a terminal session. A consistent event is a
// no-op; a contradicting one is kept for an operator.
func (r *Reconciler) onTerminal(ctx context.Context, log *slog.Logger, s *orders.Session, ev *payment.CallbackEvent) (Outcome, error) {
	if consistent(s, ev.Type) {
		return OutcomeDuplicate, nil
	}
	note := fmt.Sprintf("%s arrived for a %s session", ev.Type, s.Status)
	if err := r.anomaly(ctx, log, s, ev, note); err != nil {
		return "", err
	}
	if ev.Type == payment.EventIntentSucceeded {
		// uang sudah masuk tapi tidak ada order
		r.Finalizer.RefundOrphan(ctx, s)
	}
	return OutcomeAnomaly, nil
}

func consistent(s *orders.Session, eventType string) bool {
	switch eventType {
	case payment.EventIntentSucceeded:
		if s.Status == orders.SessionCompleted || s.RefundState != orders.RefundNone {
			return true
		}
		// paid, but finalization gave up and flagged the refund
		return s.Status == orders.SessionFailed &&
			(s.FailureReason == orders.ReasonStockChanged || s.FailureReason == orders.ReasonDiscountExhausted)
	case payment.EventIntentFailed, payment.EventIntentCanceled:
		return s.Status == orders.SessionFailed || s.Status == orders.SessionCanceled || s.Status == orders.SessionExpired
	}
	return false
}

func (r *Reconciler) anomaly(ctx context.Context, log *slog.Logger, s *orders.Session, ev *payment.CallbackEvent, note string) error {
	log.Warn("callback anomaly", "status", s.Status, "note", note)
	err := r.Sessions.RecordAnomaly(ctx, orders.SessionAnomaly{
		SessionID:      s.ID,
		EventType:      ev.Type,
		ObservedStatus: s.Status,
		Note:           note,
		CreatedAt:      r.now(),
	})
	if err != nil {
		return fmt.Errorf("record anomaly: %w", err)
	}
	return nil
}

func (r *Reconciler) emit(ctx context.Context, log *slog.Logger, topic, eventType, key string, payload any) {
	if r.Emitter == nil {
		return
	}
	env, err := orders.NewEnvelope(eventType, r.Producer, key, payload)
	if err != nil {
		log.Error("build event", "err", err)
		return
	}
	if err := r.Emitter.Emit(ctx, topic, env); err != nil {
		log.Warn("emit event", "event_type", eventType, "err", err)
	}
}
