package webhook

import (
	"context"
	goerrors "errors"
	"io"
	"net/http"

	"github.com/go-chi/chi"

	errors "github.com/frahmantamala/restaurant-pos/internal"
	"github.com/frahmantamala/restaurant-pos/internal/metrics"
	"github.com/frahmantamala/restaurant-pos/internal/provider"
	"github.com/frahmantamala/restaurant-pos/internal/transport"
)

const maxBodyBytes = 1 << 20

type VerifierResolver interface {
	Verifier(name string) (provider.WebhookVerifier, error)
}

type Applier interface {
	Apply(ctx context.Context, providerName string, ev *provider.WebhookEvent) (Result, error)
}

type Handler struct {
	*transport.BaseHandler
	verifiers  VerifierResolver
	reconciler Applier
}

func NewHandler(baseHandler *transport.BaseHandler, verifiers VerifierResolver, reconciler Applier) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		verifiers:   verifiers,
		reconciler:  reconciler,
	}
}

type AckResponse struct {
	Status string `json:"status"`
	Result Result `json:"result"`
}

// Receive handles POST /api/v1/webhooks/{provider}. The body is verified byte for byte as
// received; nothing reaches the ledger before the signature check passes.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")

	verifier, err := h.verifiers.Verifier(name)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if goerrors.As(err, &tooLarge) {
			h.HandleError(w, errors.NewValidationError("webhook body too large", errors.ErrCodeWebhookPayloadInvalid))
			return
		}
		h.HandleError(w, errors.NewValidationError("webhook body unreadable", errors.ErrCodeWebhookPayloadInvalid).WithCause(err))
		return
	}

	if err := verifier.VerifyWebhook(provider.WebhookRequest{Body: body, Header: r.Header}); err != nil {
		metrics.WebhookEvents.WithLabelValues(name, "rejected").Inc()
		h.Logger.Warn("webhook signature rejected",
			"provider", name,
			"remote_addr", r.RemoteAddr,
			"error", err)
		h.HandleError(w, errors.NewUnauthorizedError("webhook signature invalid", errors.ErrCodeSignatureInvalid))
		return
	}

	ev, err := verifier.ParseWebhook(body)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(name, "invalid").Inc()
		h.HandleError(w, errors.NewValidationError("webhook payload invalid", errors.ErrCodeWebhookPayloadInvalid).WithCause(err))
		return
	}

	result, err := h.reconciler.Apply(errors.Detached(r.Context()), name, ev)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, AckResponse{Status: "ok", Result: result})
}
