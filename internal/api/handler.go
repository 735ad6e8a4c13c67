// Package api exposes the settlement engine and ledger over HTTP and
// streams order and account notifications over WebSocket.
package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/redmasterf0x/spad/internal/ledger"
	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/money"
	"github.com/redmasterf0x/spad/internal/settlement"
)

// Handler serves the HTTP API.
type Handler struct {
	engine        *settlement.Engine
	ledger        *ledger.Service
	hub           *WSHub
	webhookSecret string
	logger        *slog.Logger
}

// NewHandler creates a handler. hub may be nil when streaming is not needed.
// An empty webhookSecret accepts unsigned broker webhooks; config only
// allows that with the mock broker.
func NewHandler(engine *settlement.Engine, led *ledger.Service, hub *WSHub, webhookSecret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:        engine,
		ledger:        led,
		hub:           hub,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

// --- Accounts ---

// OpenAccount handles POST /api/v1/accounts
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req settlement.OpenAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	acct, err := h.engine.OpenAccount(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.engine.Account(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountView{Account: acct, AvailableBalance: acct.AvailableBalance()})
}

type accountView struct {
	*model.Account
	AvailableBalance money.Money `json:"available_balance"`
}

type statusRequest struct {
	Status model.AccountStatus `json:"status"`
	Reason string              `json:"reason"`
}

// SetAccountStatus handles POST /api/v1/accounts/{accountID}/status
func (h *Handler) SetAccountStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	acct, err := h.engine.SetAccountStatus(r.Context(), chi.URLParam(r, "accountID"), req.Status, req.Reason)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// ListPositions handles GET /api/v1/accounts/{accountID}/positions
// ?open=true drops closed positions.
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.engine.Positions(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if r.URL.Query().Get("open") == "true" {
		open := []model.Position{}
		for _, p := range positions {
			if !p.Quantity.IsZero() {
				open = append(open, p)
			}
		}
		positions = open
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- Orders ---

// SubmitOrder handles POST /api/v1/accounts/{accountID}/orders
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req settlement.OrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))

	o, err := h.engine.SubmitOrder(r.Context(), chi.URLParam(r, "accountID"), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	status := http.StatusCreated
	if o.PartnerStatus == model.PartnerUnconfirmed {
		status = http.StatusAccepted
	}
	writeJSON(w, status, o)
}

// ListOrders handles GET /api/v1/accounts/{accountID}/orders
// Optional ?status= and ?limit=.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	status := model.OrderStatus(strings.ToUpper(r.URL.Query().Get("status")))
	orders, err := h.engine.OrderHistory(r.Context(), chi.URLParam(r, "accountID"), status, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.engine.Order(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.engine.CancelOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type fillRequest struct {
	Quantity      decimal.Decimal `json:"quantity"`
	Price         money.Money     `json:"price"`
	BrokerOrderID string          `json:"broker_order_id"`
}

// FillOrder handles POST /api/v1/orders/{orderID}/fill
// Operators use it to settle an execution reported out of band.
func (h *Handler) FillOrder(w http.ResponseWriter, r *http.Request) {
	var req fillRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	res, err := h.engine.FillOrder(r.Context(), chi.URLParam(r, "orderID"), req.Quantity, req.Price, req.BrokerOrderID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// OrderLedger handles GET /api/v1/orders/{orderID}/ledger
func (h *Handler) OrderLedger(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if _, err := h.engine.Order(r.Context(), orderID); err != nil {
		writeErr(w, r, err)
		return
	}
	entries, err := h.ledger.OrderEntries(r.Context(), orderID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
