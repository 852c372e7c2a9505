package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ariefcatur/go-realtime-checkout/internal/apperr"
	"github.com/ariefcatur/go-realtime-checkout/internal/logx"
)

var statusByCode = map[apperr.Code]int{
	apperr.CodeValidation:           http.StatusBadRequest,
	apperr.CodeEmptyCart:            http.StatusUnprocessableEntity,
	apperr.CodeOutOfStock:           http.StatusConflict,
	apperr.CodeInvalidDiscount:      http.StatusUnprocessableEntity,
	apperr.CodeAmountMismatch:       http.StatusUnprocessableEntity,
	apperr.CodeIntentMismatch:       http.StatusUnprocessableEntity,
	apperr.CodeInvalidSig:           http.StatusBadRequest,
	apperr.CodeSessionNotFound:      http.StatusNotFound,
	apperr.CodeOrderNotFound:        http.StatusNotFound,
	apperr.CodeSessionNotPending:    http.StatusConflict,
	apperr.CodeStockChanged:         http.StatusConflict,
	apperr.CodeDiscountExhausted:    http.StatusConflict,
	apperr.CodeInvalidTransition:    http.StatusConflict,
	apperr.CodeGatewayUnavailable:   http.StatusServiceUnavailable,
	apperr.CodePaymentNotSuccessful: http.StatusPaymentRequired,
	apperr.CodeRelayUnavailable:     http.StatusServiceUnavailable,
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
	Details any         `json:"details,omitempty"`
}

func statusFor(err error) int {
	if code, ok := statusByCode[apperr.CodeOf(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// writeError renders err as {"error":{code,message,details}}. Errors without a
// code are logged and reported as INTERNAL with a generic message.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		logx.OrDiscard(log).Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{Code: "INTERNAL", Message: "internal error"}})
		return
	}
	if statusFor(err) == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, statusFor(err), errorBody{Error: errorDetail{Code: ae.Code, Message: ae.Message, Details: ae.Details}})
}

func badJSON(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{Code: apperr.CodeValidation, Message: "invalid json"}})
}
