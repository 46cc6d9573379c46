package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi"

	errors "github.com/frahmantamala/restaurant-pos/internal"
	"github.com/frahmantamala/restaurant-pos/internal/transport"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type ServiceAPI interface {
	ProcessPayment(ctx context.Context, req *PaymentRequest) (*PaymentResponse, error)
	GetTransaction(ctx context.Context, id string) (*TransactionResponse, error)
}

type RefundServiceAPI interface {
	RequestRefund(ctx context.Context, req *RefundRequest) (*RefundResponse, error)
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
	Refunds RefundServiceAPI
}

func NewHandler(baseHandler *transport.BaseHandler, service ServiceAPI, refunds RefundServiceAPI) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		Service:     service,
		Refunds:     refunds,
	}
}

// resolveKey merges the Idempotency-Key header with the key in the body. Both may be set only
// when they agree.
func resolveKey(r *http.Request, bodyKey string) (string, error) {
	header := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	bodyKey = strings.TrimSpace(bodyKey)

	switch {
	case header == "":
		return bodyKey, nil
	case bodyKey == "" || bodyKey == header:
		return header, nil
	default:
		return "", errors.NewValidationFieldError("idempotency_key", "idempotency key in header and body differ", errors.ErrCodeInvalidRequest)
	}
}

// CreatePayment handles POST /api/v1/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Warn("CreatePayment: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeInvalidRequest))
		return
	}

	key, err := resolveKey(r, req.IdempotencyKey)
	if err != nil {
		h.HandleError(w, err)
		return
	}
	req.IdempotencyKey = key

	resp, err := h.Service.ProcessPayment(r.Context(), &req)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, resp.HTTPStatus(), resp)
}

// GetPayment handles GET /api/v1/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.HandleError(w, errors.NewValidationError("transaction id is required", errors.ErrCodeInvalidRequest))
		return
	}

	resp, err := h.Service.GetTransaction(r.Context(), id)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, resp)
}

// CreateRefund handles POST /api/v1/payments/{id}/refunds
func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Warn("CreateRefund: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeInvalidRequest))
		return
	}
	req.TransactionID = chi.URLParam(r, "id")

	key, err := resolveKey(r, req.IdempotencyKey)
	if err != nil {
		h.HandleError(w, err)
		return
	}
	req.IdempotencyKey = key

	resp, err := h.Refunds.RequestRefund(r.Context(), &req)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, resp.HTTPStatus(), resp)
}
