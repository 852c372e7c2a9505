package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ariefcatur/go-realtime-checkout/internal/apperr"
	kafkax "github.com/ariefcatur/go-realtime-checkout/internal/kafka"
	"github.com/ariefcatur/go-realtime-checkout/internal/logx"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/payment"
	"github.com/ariefcatur/go-realtime-checkout/internal/reconcile"
	"github.com/go-chi/chi/v5"
	kafkago "github.com/segmentio/kafka-go"
)

// HeaderSignature carries the provider signature; the mock gateway signs in the same format.
const HeaderSignature = "Stripe-Signature"

const (
	maxCallbackBody = 64 << 10
	relayTimeout    = 5 * time.Second
)

// CallbackHandler accepts provider callbacks. With Relay set the verified body
// is published to payment.callbacks and handled by the reconciler binary;
// otherwise it is reconciled inline before the ack.
type CallbackHandler struct {
	Reconciler *reconcile.Reconciler
	Gateway    payment.Gateway
	Relay      kafkax.SyncPublisher // optional
	Log        *slog.Logger
}

func (h *CallbackHandler) Register(r *chi.Mux) {
	r.Post("/payments/callback", h.callback)
}

func (h *CallbackHandler) callback(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		badJSON(w)
		return
	}
	sig := r.Header.Get(HeaderSignature)

	if h.Relay != nil {
		h.relay(w, r, payload, sig)
		return
	}

	if _, err := h.Reconciler.HandleRaw(r.Context(), payload, sig); err != nil {
		// selain signature invalid, provider akan kirim ulang
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *CallbackHandler) relay(w http.ResponseWriter, r *http.Request, payload []byte, sig string) {
	ev, err := h.Gateway.ParseCallback(payload, sig)
	switch {
	case errors.Is(err, payment.ErrBadSignature):
		writeError(w, h.Log, apperr.Wrap(apperr.CodeInvalidSig, "callback signature invalid", err))
		return
	case errors.Is(err, payment.ErrUnhandledEvent):
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	case err != nil:
		writeError(w, h.Log, err)
		return
	}

	msg, err := json.Marshal(reconcile.CallbackMessage{Payload: payload, Signature: sig, ReceivedAt: time.Now().UTC()})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), relayTimeout)
	defer cancel()
	// ack hanya setelah broker terima; kalau gagal provider kirim ulang
	if err := h.Relay.PublishSync(ctx, orders.TopicPaymentCallbacks, orders.PartitionKey(ev.IntentID), msg,
		kafkago.Header{Key: kafkax.HeaderEventType, Value: []byte(ev.Type)}); err != nil {
		logx.OrDiscard(h.Log).Error("callback relay failed", "event_type", ev.Type, "intent_id", ev.IntentID, "err", err)
		writeError(w, h.Log, apperr.Wrap(apperr.CodeRelayUnavailable, "callback could not be queued", err))
		return
	}
	logx.OrDiscard(h.Log).Info("callback relayed", "event_type", ev.Type, "intent_id", ev.IntentID)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
