package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/saga"
)

const defaultListLimit = 50

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &domain.ValidationError{Field: "body", Message: "invalid json: " + err.Error()}
	}
	return nil
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.checkout.CreateOrder(r.Context(), req.toCheckout())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.checkout.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	order, err := h.orchestrator.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) createPaymentLink(w http.ResponseWriter, r *http.Request) {
	link, err := h.payments.InitiatePayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":         link.URL,
		"gateway_ref": link.GatewayRef,
		"expires_at":  link.ExpiresAt,
	})
}

func (h *Handler) listCustomerOrders(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, r, &domain.ValidationError{Field: "limit", Message: "must be a positive integer"})
			return
		}
		limit = n
	}
	orders, err := h.checkout.ListForCustomer(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": resp})
}

func (h *Handler) pointBalance(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "id")
	balance, err := h.checkout.PointBalance(r.Context(), customerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customer_id": customerID, "balance": balance})
}

func (h *Handler) pointHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.checkout.PointHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]pointEntryDTO, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, pointEntryDTO{
			Direction:    string(e.Direction),
			Amount:       e.Amount,
			BalanceAfter: e.BalanceAfter,
			OrderID:      e.OrderID,
			Reason:       string(e.Reason),
			Description:  e.Description,
			At:           e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": resp})
}

func (h *Handler) transitionOrder(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := parseStatus(req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.orchestrator.Transition(r.Context(), chi.URLParam(r, "id"), to, req.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) batchTransition(w http.ResponseWriter, r *http.Request) {
	var req batchStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	requests := make([]saga.TransitionRequest, 0, len(req.Orders))
	for _, o := range req.Orders {
		to, err := parseStatus(o.Status)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		requests = append(requests, saga.TransitionRequest{OrderID: o.OrderID, To: to, Note: o.Note})
	}

	results, err := h.batch.Process(r.Context(), requests)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]batchResult, 0, len(results))
	for _, res := range results {
		item := batchResult{OrderID: res.OrderID}
		if res.Err != nil {
			_, body := classifyError(res.Err)
			item.Error = &body
		} else {
			order := toOrderResponse(res.Order)
			item.Order = &order
		}
		resp = append(resp, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": resp})
}

func (h *Handler) purgeOrder(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if err := h.orchestrator.Purge(r.Context(), chi.URLParam(r, "id"), reason); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) productMovements(w http.ResponseWriter, r *http.Request) {
	movements, product, err := h.checkout.ProductMovements(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	stock, sold := domain.ReplayStock(movements)
	resp := movementsResponse{
		ProductID:     product.ID,
		Stock:         product.Stock,
		SoldCount:     product.SoldCount,
		ReplayedStock: stock,
		ReplayedSold:  sold,
		Movements:     make([]movementDTO, 0, len(movements)),
	}
	for _, m := range movements {
		resp.Movements = append(resp.Movements, movementDTO{
			OrderID:    m.OrderID,
			LineIndex:  m.LineIndex,
			Kind:       string(m.Kind),
			StockDelta: m.StockDelta,
			SoldDelta:  m.SoldDelta,
			StockAfter: m.StockAfter,
			SoldAfter:  m.SoldAfter,
			At:         m.At,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// paymentWebhook принимает уведомление шлюза. Ошибка применения отдаётся
// как 5xx, чтобы шлюз доставил событие повторно; повтор безопасен.
func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	channel := domain.PaymentChannel(strings.ToLower(chi.URLParam(r, "channel")))
	if !channel.UsesGateway() {
		h.writeError(w, r, &domain.ValidationError{Field: "channel", Message: "must be redirect or card"})
		return
	}
	h.applyNotification(w, r, channel, domain.PaymentSourceWebhook)
}

// paymentReturn — синхронное подтверждение при возврате покупателя со шлюза.
func (h *Handler) paymentReturn(w http.ResponseWriter, r *http.Request) {
	h.applyNotification(w, r, "", domain.PaymentSourceReturn)
}

func (h *Handler) applyNotification(w http.ResponseWriter, r *http.Request, channel domain.PaymentChannel, source domain.PaymentEventSource) {
	var note gatewayNotification
	if err := decodeJSON(r, &note); err != nil {
		h.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(note.TransactionID) == "" {
		h.writeError(w, r, &domain.ValidationError{Field: "transaction_id", Message: "is required"})
		return
	}

	at := note.OccurredAt
	if at.IsZero() {
		at = h.now()
	}
	status := domain.GatewayStatus{
		State:         domain.GatewayState(strings.ToLower(note.Status)),
		TransactionID: note.TransactionID,
		Reason:        note.Reason,
	}
	event, ok := status.ToEvent(domain.Order{ID: note.OrderID, PaymentChannel: channel}, source, at)
	if !ok {
		// pending и неизвестные статусы подтверждаем без изменений.
		writeJSON(w, http.StatusAccepted, map[string]any{"order_id": note.OrderID, "outcome": "ignored"})
		return
	}

	outcome, err := h.payments.Apply(r.Context(), event)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := map[string]any{"order_id": note.OrderID, "outcome": string(outcome)}
	if source == domain.PaymentSourceReturn {
		if order, err := h.checkout.Get(r.Context(), note.OrderID); err == nil {
			resp["payment_status"] = string(order.PaymentStatus)
			resp["status"] = string(order.Status)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseStatus(raw string) (domain.OrderStatus, error) {
	status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", &domain.ValidationError{Field: "status", Message: "unknown order status " + strconv.Quote(raw)}
	}
	return status, nil
}
