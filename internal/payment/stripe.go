package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

// StripeGateway talks to Stripe PaymentIntents.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

func NewStripeGateway(secretKey, webhookSecret string, timeout time.Duration) *StripeGateway {
	backends := stripe.NewBackends(&http.Client{Timeout: timeout})
	return &StripeGateway{api: client.New(secretKey, backends), webhookSecret: webhookSecret}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.AmountCents),
		Currency: stripe.String(strings.ToLower(p.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata(MetadataSessionID, p.SessionID)
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classifyStripe(err)
	}
	return fromStripeIntent(pi), nil
}

func (g *StripeGateway) GetIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, classifyStripe(err)
	}
	return fromStripeIntent(pi), nil
}

func (g *StripeGateway) Refund(ctx context.Context, intentID string) error {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(intentID)}
	params.Context = ctx
	params.SetIdempotencyKey("refund-" + intentID)
	if _, err := g.api.Refunds.New(params); err != nil {
		return classifyStripe(err)
	}
	return nil
}

func (g *StripeGateway) ParseCallback(payload []byte, signature string) (*CallbackEvent, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return stripeCallback(ev)
}

func stripeCallback(ev stripe.Event) (*CallbackEvent, error) {
	out := &CallbackEvent{ID: ev.ID}
	switch string(ev.Type) {
	case "payment_intent.succeeded":
		out.Type = EventIntentSucceeded
	case "payment_intent.payment_failed":
		out.Type = EventIntentFailed
	case "payment_intent.canceled":
		out.Type = EventIntentCanceled
	case "charge.dispute.created":
		var d stripe.Dispute
		if err := json.Unmarshal(ev.Data.Raw, &d); err != nil {
			return nil, fmt.Errorf("decode dispute: %w", err)
		}
		out.Type = EventDisputeCreated
		out.AmountCents = d.Amount
		if d.PaymentIntent != nil {
			out.IntentID = d.PaymentIntent.ID
		}
		out.Metadata = d.Metadata
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandledEvent, ev.Type)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}
	out.IntentID = pi.ID
	out.AmountCents = pi.Amount
	out.Metadata = pi.Metadata
	return out, nil
}

func fromStripeIntent(pi *stripe.PaymentIntent) *Intent {
	in := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountCents:  pi.Amount,
		Currency:     strings.ToUpper(string(pi.Currency)),
		SessionID:    pi.Metadata[MetadataSessionID],
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		in.Status = IntentSucceeded
	case stripe.PaymentIntentStatusCanceled:
		in.Status = IntentCanceled
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		in.Status = IntentProcessing
	default:
		in.Status = IntentRequiresPayment
		if pi.LastPaymentError != nil {
			in.Status = IntentFailed
		}
	}
	return in
}

// classifyStripe separates "try again later" from a real rejection.
func classifyStripe(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	// no API error body means the request never got a verdict
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
