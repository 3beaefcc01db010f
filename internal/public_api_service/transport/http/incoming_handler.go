package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/dealerlink/leadrelay/internal/pipeline"
	"github.com/dealerlink/leadrelay/internal/platform/messagebroker"
)

// IncomingHandler terminates provider webhooks. It validates the
// payload and republishes it on the provider-suffixed subject; all
// processing happens in the subscribers.
type IncomingHandler struct {
	broker   messagebroker.Client
	validate *validator.Validate
	logger   *slog.Logger
}

func NewIncomingHandler(broker messagebroker.Client, logger *slog.Logger) *IncomingHandler {
	return &IncomingHandler{
		broker:   broker,
		validate: validator.New(),
		logger:   logger.With("component", "incoming_handler"),
	}
}

// HandleDLRStatus accepts POST /webhooks/sms/{provider_name}/status.
func (h *IncomingHandler) HandleDLRStatus(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider_name")

	var cb pipeline.ProviderDLRCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(cb); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	data, err := json.Marshal(cb)
	if err != nil {
		writeError(w, h.logger, http.StatusInternalServerError, "internal error")
		return
	}
	subject := pipeline.SubjectDLRPrefix + "." + providerName
	if err := h.broker.Publish(r.Context(), subject, data); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to publish DLR", "subject", subject, "error", err)
		writeError(w, h.logger, http.StatusServiceUnavailable, "failed to accept callback")
		return
	}

	h.logger.InfoContext(r.Context(), "DLR accepted",
		"provider", providerName, "provider_message_id", cb.ProviderMessageID, "status", cb.Status)
	w.WriteHeader(http.StatusNoContent)
}

// HandleInbound accepts POST /webhooks/sms/{provider_name}/inbound.
func (h *IncomingHandler) HandleInbound(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider_name")

	var msg pipeline.ProviderIncomingSMS
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(msg); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		writeError(w, h.logger, http.StatusInternalServerError, "internal error")
		return
	}
	subject := pipeline.SubjectIncomingSMSPrefix + "." + providerName
	if err := h.broker.Publish(r.Context(), subject, data); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to publish inbound SMS", "subject", subject, "error", err)
		writeError(w, h.logger, http.StatusServiceUnavailable, "failed to accept message")
		return
	}

	h.logger.InfoContext(r.Context(), "inbound SMS accepted", "provider", providerName, "from", msg.From)
	w.WriteHeader(http.StatusNoContent)
}
