package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// classifyError переводит доменную ошибку в HTTP-статус и тело ответа.
// Сообщения бизнес-отказов отдаются как есть: клиент должен понять,
// что поправить (количество, ваучер, баллы).
func classifyError(err error) (int, errorBody) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, errorBody{Code: "invalid_argument", Message: verr.Message, Field: verr.Field}
	case errors.Is(err, domain.ErrOrderIDRequired), errors.Is(err, domain.ErrCustomerRequired),
		errors.Is(err, domain.ErrPaymentEventInvalid), errors.Is(err, domain.ErrIdempotencyKeyRequired):
		return http.StatusBadRequest, errorBody{Code: "invalid_argument", Message: err.Error()}
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrProductNotFound):
		return http.StatusNotFound, errorBody{Code: "not_found", Message: err.Error()}
	case domain.IsBusinessRejection(err):
		return http.StatusUnprocessableEntity, errorBody{Code: "rejected", Message: err.Error()}
	case domain.IsIllegalTransition(err):
		return http.StatusConflict, errorBody{Code: "illegal_transition", Message: err.Error()}
	case errors.Is(err, domain.ErrTransitionInProgress), domain.IsVersionConflict(err):
		return http.StatusConflict, errorBody{Code: "conflict", Message: err.Error()}
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return http.StatusUnprocessableEntity, errorBody{Code: "idempotency_mismatch", Message: "idempotency key is already used with a different request"}
	case errors.Is(err, domain.ErrPaymentNotRequired):
		return http.StatusConflict, errorBody{Code: "payment_not_required", Message: err.Error()}
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, errorBody{Code: "gateway_unavailable", Message: "payment gateway is temporarily unavailable, please retry"}
	case errors.Is(err, domain.ErrGatewayRejected):
		return http.StatusBadGateway, errorBody{Code: "gateway_rejected", Message: err.Error()}
	default:
		return http.StatusInternalServerError, errorBody{Code: "internal", Message: "internal error"}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, body := classifyError(err)
	entry := h.logger.WithError(err).WithFields(log.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": code,
	})
	if code >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	writeJSON(w, code, errorResponse{Error: body})
}
