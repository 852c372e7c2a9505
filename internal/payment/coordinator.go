package payment

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
)

const DefaultTimeout = 10 * time.Second

// Coordinator owns the 1:1 link between a checkout session and its provider intent.
type Coordinator struct {
	Gateway  Gateway
	Sessions orders.SessionStore
	Timeout  time.Duration
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

func (c *Coordinator) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// IdempotencyKey is stable per session so a retried create returns the same intent.
func IdempotencyKey(sessionID string) string { return "checkout-" + sessionID }

// CreateIntent requests a provider intent for the stored session total.
// requested, when non-nil, is the amount the caller believes it is paying and
// must match the session total exactly.
func (c *Coordinator) CreateIntent(ctx context.Context, sessionID string, requested *int64) (orders.IntentRef, error) {
	log := logx.OrDiscard(c.Log).With("session_id", sessionID, "step", "create_intent")

	s, err := c.session(ctx, sessionID)
	if err != nil {
		return orders.IntentRef{}, err
	}
	if s.Status != orders.SessionPending {
		return orders.IntentRef{}, notPending(s)
	}
	if !s.PaymentMethod.UsesGateway() {
		return orders.IntentRef{}, apperr.Validation("payment_method", "cash on delivery does not use a payment intent")
	}
	if requested != nil && *requested != s.TotalCents {
		return orders.IntentRef{}, apperr.WithDetails(apperr.CodeAmountMismatch,
			fmt.Sprintf("requested amount %d does not match session total %d", *requested, s.TotalCents),
			map[string]int64{"requested": *requested, "expected": s.TotalCents})
	}
	if s.IntentID != "" {
		return s.Intent(), nil
	}

	gctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	in, err := c.Gateway.CreateIntent(gctx, CreateIntentParams{
		AmountCents:    s.TotalCents,
		Currency:       s.Currency,
		SessionID:      s.ID,
		IdempotencyKey: IdempotencyKey(s.ID),
	})
	c.Metrics.GatewayCall("create_intent", err)
	if err != nil {
		log.Warn("gateway create intent failed", "err", err)
		return orders.IntentRef{}, gatewayErr("create intent", err)
	}

	ref := orders.IntentRef{ID: in.ID, ClientSecret: in.ClientSecret, AmountCents: s.TotalCents, Currency: s.Currency}
	if err := c.Sessions.AttachIntent(ctx, s.ID, ref); err != nil {
		if !errors.Is(err, orders.ErrConflict) {
			return orders.IntentRef{}, fmt.Errorf("attach intent: %w", err)
		}
		// kalah balapan: pakai state terbaru
		cur, gerr := c.session(ctx, sessionID)
		if gerr != nil {
			return orders.IntentRef{}, gerr
		}
		if cur.Status != orders.SessionPending {
			return orders.IntentRef{}, notPending(cur)
		}
		return cur.Intent(), nil
	}
	log.Info("payment intent attached", "intent_id", in.ID, "amount_cents", s.TotalCents)
	return ref, nil
}

// ConfirmIntent reads the provider status. Only succeeded counts as paid.
func (c *Coordinator) ConfirmIntent(ctx context.Context, intentID string) (*Intent, error) {
	gctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	in, err := c.Gateway.GetIntent(gctx, intentID)
	c.Metrics.GatewayCall("get_intent", err)
	if err != nil {
		return nil, gatewayErr("get intent", err)
	}
	if in.Status != IntentSucceeded {
		return in, apperr.WithDetails(apperr.CodePaymentNotSuccessful,
			"payment intent is "+string(in.Status), map[string]string{"intent_id": in.ID, "status": string(in.Status)})
	}
	return in, nil
}

// Refund satisfies orders.Refunder.
func (c *Coordinator) Refund(ctx context.Context, intentID string) error {
	gctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	err := c.Gateway.Refund(gctx, intentID)
	c.Metrics.GatewayCall("refund", err)
	if err != nil {
		return gatewayErr("refund", err)
	}
	return nil
}

func (c *Coordinator) session(ctx context.Context, id string) (*orders.Session, error) {
	s, err := c.Sessions.GetSession(ctx, id)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, apperr.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func notPending(s *orders.Session) error {
	return apperr.WithDetails(apperr.CodeSessionNotPending, "session is "+string(s.Status),
		map[string]string{"status": string(s.Status)})
}

// gatewayErr maps timeouts and transport failures to GATEWAY_UNAVAILABLE.
// Such a call is never assumed to have succeeded.
func gatewayErr(op string, err error) error {
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.CodeGatewayUnavailable, op+" timed out or unreachable", err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
