package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ariefcatur/go-realtime-checkout/internal/apperr"
	"github.com/ariefcatur/go-realtime-checkout/internal/logx"
	kafkago "github.com/segmentio/kafka-go"
)

// CallbackMessage is a raw provider callback relayed onto payment.callbacks.
// The body is kept byte-for-byte so the signature still verifies downstream.
type CallbackMessage struct {
	Payload    []byte    `json:"payload"`
	Signature  string    `json:"signature"`
	ReceivedAt time.Time `json:"received_at"`
}

// HandleMessage dipasang sebagai handler consumer. Returning nil commits the
// offset, so only retryable failures are returned.
func (r *Reconciler) HandleMessage(ctx context.Context, m kafkago.Message) error {
	log := logx.OrDiscard(r.Log).With("partition", m.Partition, "offset", m.Offset)

	var msg CallbackMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		log.Error("drop undecodable callback message", "err", err)
		return nil
	}
	_, err := r.HandleRaw(ctx, msg.Payload, msg.Signature)
	if apperr.CodeOf(err) == apperr.CodeInvalidSig {
		log.Warn("drop callback with invalid signature")
		return nil
	}
	return err
}
