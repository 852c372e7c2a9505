// Package payment coordinates provider-side payment intents. The amount sent
// to the provider is always the session total stored on the server.
package payment

import (
	"context"
	"errors"
)

type IntentStatus string

const (
	IntentRequiresPayment IntentStatus = "requires_payment"
	IntentProcessing      IntentStatus = "processing"
	IntentSucceeded       IntentStatus = "succeeded"
	IntentFailed          IntentStatus = "failed"
	IntentCanceled        IntentStatus = "canceled"
)

// Callback event types, normalized across providers.
const (
	EventIntentSucceeded = "intent.succeeded"
	EventIntentFailed    = "intent.failed"
	EventIntentCanceled  = "intent.canceled"
	EventDisputeCreated  = "dispute.created"
)

// MetadataSessionID correlates a provider intent with its checkout session.
const MetadataSessionID = "session_id"

var (
	// ErrUnavailable marks timeouts, transport failures and provider 5xx/429.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrBadSignature is returned by ParseCallback for unverifiable payloads.
	ErrBadSignature = errors.New("invalid callback signature")
	// ErrUnhandledEvent is returned for provider events the pipeline ignores.
	ErrUnhandledEvent = errors.New("unhandled callback event")
)

type Intent struct {
	ID           string
	ClientSecret string
	AmountCents  int64
	Currency     string
	Status       IntentStatus
	SessionID    string
}

type CreateIntentParams struct {
	AmountCents    int64
	Currency       string
	SessionID      string
	IdempotencyKey string
}

type CallbackEvent struct {
	ID          string
	Type        string
	IntentID    string
	AmountCents int64
	Metadata    map[string]string
}

// Gateway is the external payment provider.
type Gateway interface {
	CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error)
	GetIntent(ctx context.Context, id string) (*Intent, error)
	Refund(ctx context.Context, intentID string) error
	// ParseCallback verifies the signature and normalizes the event.
	ParseCallback(payload []byte, signature string) (*CallbackEvent, error)
}
