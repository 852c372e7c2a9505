package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Unwrap memudahkan decode payload spesifik
func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}

// Publisher is the part of Producer the emitter needs.
type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafka.Header)
}

// SyncPublisher writes and reports the broker result. The callback relay uses
// it so a failed write is never acknowledged to the provider.
type SyncPublisher interface {
	PublishSync(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error
}

// Emitter publishes order envelopes, keyed by correlation id so every event
// of one order or session stays on one partition.
type Emitter struct {
	P Publisher
}

var _ orders.Emitter = Emitter{}

func (e Emitter) Emit(_ context.Context, topic string, env orders.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	e.P.Publish(topic, orders.PartitionKey(env.CorrelationID), b,
		kafka.Header{Key: HeaderEventType, Value: []byte(env.EventType)},
		kafka.Header{Key: HeaderEventVersion, Value: []byte(fmt.Sprint(env.EventVersion))},
	)
	return nil
}
