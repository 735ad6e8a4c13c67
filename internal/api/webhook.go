package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/redmasterf0x/spad/internal/broker"
	"github.com/redmasterf0x/spad/internal/model"
)

const maxWebhookBody = 1 << 20

// BrokerWebhook handles POST /api/v1/webhooks/broker
//
// The body is a broker.Event signed with HMAC-SHA256 in X-Broker-Signature.
// Redelivered events for orders that are already final are acknowledged
// with 200 so the broker stops retrying.
func (h *Handler) BrokerWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		WriteError(w, http.StatusBadRequest, string(model.KindValidation), "unreadable body")
		return
	}
	if h.webhookSecret != "" && !broker.VerifySignature(body, r.Header.Get(broker.SignatureHeader), h.webhookSecret) {
		h.logger.Warn("broker webhook signature rejected", "remote", r.RemoteAddr)
		WriteError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed")
		return
	}

	var ev broker.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		WriteError(w, http.StatusBadRequest, string(model.KindValidation), "event must be valid JSON")
		return
	}

	err = h.engine.HandleEvent(r.Context(), ev)
	switch {
	case err == nil:
		h.logger.Info("broker event applied", "type", ev.Type, "order_id", ev.OrderID, "broker_order_id", ev.BrokerOrderID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
	case errors.Is(err, model.ErrInvalidOrderState):
		h.logger.Info("broker event ignored, order already final", "type", ev.Type, "order_id", ev.OrderID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	default:
		writeErr(w, r, err)
	}
}
