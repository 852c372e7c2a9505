package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockGateway is an in-process provider for local runs and tests. Callbacks
// are JSON signed with "t=<unix>,v1=<hex hmac-sha256(t.payload)>".
type MockGateway struct {
	Secret string
	// Delay is applied to every outbound call, honouring ctx.
	Delay time.Duration

	mu       sync.Mutex
	intents  map[string]*Intent
	byKey    map[string]string
	refunds  map[string]int
	failNext error
}

func NewMockGateway(secret string) *MockGateway {
	return &MockGateway{
		Secret:  secret,
		intents: map[string]*Intent{},
		byKey:   map[string]string{},
		refunds: map[string]int{},
	}
}

// mockEvent is the wire form of a mock callback.
type mockEvent struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	IntentID    string            `json:"intent_id"`
	AmountCents int64             `json:"amount_cents"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (g *MockGateway) wait(ctx context.Context) error {
	if g.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(g.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	case <-t.C:
		return nil
	}
}

// FailNext makes the next outbound call return err.
func (g *MockGateway) FailNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = err
}

func (g *MockGateway) takeFailure() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.failNext
	g.failNext = nil
	return err
}

func (g *MockGateway) CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	if err := g.takeFailure(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.byKey[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		cp := *g.intents[id]
		return &cp, nil
	}
	id := "pi_mock_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	in := &Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		AmountCents:  p.AmountCents,
		Currency:     p.Currency,
		Status:       IntentRequiresPayment,
		SessionID:    p.SessionID,
	}
	g.intents[id] = in
	if p.IdempotencyKey != "" {
		g.byKey[p.IdempotencyKey] = id
	}
	cp := *in
	return &cp, nil
}

func (g *MockGateway) GetIntent(ctx context.Context, id string) (*Intent, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	if err := g.takeFailure(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[id]
	if !ok {
		return nil, fmt.Errorf("mock intent %s not found", id)
	}
	cp := *in
	return &cp, nil
}

func (g *MockGateway) Refund(ctx context.Context, intentID string) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	if err := g.takeFailure(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.intents[intentID]; !ok {
		return fmt.Errorf("mock intent %s not found", intentID)
	}
	g.refunds[intentID]++
	return nil
}

// SetStatus simulates the buyer paying (or failing) on the provider side.
func (g *MockGateway) SetStatus(intentID string, st IntentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if in, ok := g.intents[intentID]; ok {
		in.Status = st
	}
}

func (g *MockGateway) Refunds(intentID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunds[intentID]
}

// Event builds a signed callback body for intentID, as the provider would send it.
func (g *MockGateway) Event(eventType, intentID string, amountCents int64) (payload []byte, signature string, err error) {
	payload, err = json.Marshal(mockEvent{
		ID: "evt_" + uuid.NewString(), Type: eventType, IntentID: intentID, AmountCents: amountCents,
	})
	if err != nil {
		return nil, "", err
	}
	return payload, SignMock(g.Secret, payload, time.Now()), nil
}

func (g *MockGateway) ParseCallback(payload []byte, signature string) (*CallbackEvent, error) {
	if !verifyMock(g.Secret, payload, signature) {
		return nil, ErrBadSignature
	}
	var ev mockEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	switch ev.Type {
	case EventIntentSucceeded, EventIntentFailed, EventIntentCanceled, EventDisputeCreated:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandledEvent, ev.Type)
	}
	return &CallbackEvent{ID: ev.ID, Type: ev.Type, IntentID: ev.IntentID, AmountCents: ev.AmountCents, Metadata: ev.Metadata}, nil
}

func SignMock(secret string, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + mockMAC(secret, ts, payload)
}

func mockMAC(secret, ts string, payload []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(ts))
	m.Write([]byte("."))
	m.Write(payload)
	return hex.EncodeToString(m.Sum(nil))
}

func verifyMock(secret string, payload []byte, header string) bool {
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(mockMAC(secret, ts, payload)))
}
