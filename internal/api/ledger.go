package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/redmasterf0x/spad/internal/ledger"
	"github.com/redmasterf0x/spad/internal/model"
	"github.com/redmasterf0x/spad/internal/money"
	"github.com/redmasterf0x/spad/internal/settlement"
)

type entriesResponse struct {
	Entries []model.LedgerEntry `json:"entries"`
	Total   int                 `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// ListEntries handles GET /api/v1/accounts/{accountID}/ledger
// Optional ?limit=, ?offset= and ?entry_type=.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	page := ledger.Page{
		Limit:     limit,
		Offset:    offset,
		EntryType: model.EntryType(strings.ToUpper(r.URL.Query().Get("entry_type"))),
	}
	entries, total, err := h.ledger.Entries(r.Context(), chi.URLParam(r, "accountID"), page)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entriesResponse{Entries: entries, Total: total, Limit: limit, Offset: offset})
}

type postEntryRequest struct {
	EntryType   model.EntryType   `json:"entry_type"`
	Amount      money.Money       `json:"amount"`
	Description string            `json:"description"`
	OrderID     string            `json:"order_id"`
	Metadata    map[string]string `json:"metadata"`
}

// PostEntry handles POST /api/v1/accounts/{accountID}/ledger
// Used for manual adjustments, fees and dividends.
func (h *Handler) PostEntry(w http.ResponseWriter, r *http.Request) {
	var req postEntryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	entry, err := h.ledger.Post(r.Context(), ledger.PostRequest{
		AccountID:   chi.URLParam(r, "accountID"),
		EntryType:   req.EntryType,
		Amount:      req.Amount,
		Description: req.Description,
		OrderID:     req.OrderID,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// Balance handles GET /api/v1/accounts/{accountID}/balance
// Optional ?as_of=; defaults to now.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	asOf, err := queryTime(r, "as_of")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	b, err := h.ledger.BalanceAt(r.Context(), chi.URLParam(r, "accountID"), asOf)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// TrialBalance handles GET /api/v1/accounts/{accountID}/trial-balance
func (h *Handler) TrialBalance(w http.ResponseWriter, r *http.Request) {
	tb, err := h.ledger.TrialBalance(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tb)
}

// Statement handles GET /api/v1/accounts/{accountID}/statement?from=&to=
func (h *Handler) Statement(w http.ResponseWriter, r *http.Request) {
	from, to, err := window(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if from.IsZero() || to.IsZero() {
		writeErr(w, r, model.Validation("from and to are required"))
		return
	}
	st, err := h.ledger.Statement(r.Context(), chi.URLParam(r, "accountID"), from, to)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Unreconciled handles GET /api/v1/accounts/{accountID}/ledger/unreconciled
func (h *Handler) Unreconciled(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if _, err := h.engine.Account(r.Context(), accountID); err != nil {
		writeErr(w, r, err)
		return
	}
	entries, err := h.ledger.Unreconciled(r.Context(), accountID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ExportLedger handles GET /api/v1/accounts/{accountID}/ledger/export
// The body is a Parquet file of every entry, oldest first.
func (h *Handler) ExportLedger(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	var buf bytes.Buffer
	n, err := h.ledger.Export(r.Context(), accountID, &buf)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="ledger-%s.parquet"`, accountID))
	w.Header().Set("X-Row-Count", strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

type reconcileRequest struct {
	EntryIDs         []string `json:"entry_ids"`
	ReconciliationID string   `json:"reconciliation_id"`
}

// Reconcile handles POST /api/v1/ledger/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	n, err := h.ledger.Reconcile(r.Context(), req.EntryIDs, req.ReconciliationID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reconciliation_id": req.ReconciliationID,
		"reconciled":        n,
	})
}

// --- Fees ---

// FeeSummary handles GET /api/v1/accounts/{accountID}/fees?from=&to=
func (h *Handler) FeeSummary(w http.ResponseWriter, r *http.Request) {
	from, to, err := window(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	sum, err := h.engine.FeeSummary(r.Context(), chi.URLParam(r, "accountID"), from, to)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Invoice handles GET /api/v1/accounts/{accountID}/invoice?from=&to=
func (h *Handler) Invoice(w http.ResponseWriter, r *http.Request) {
	from, to, err := window(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	inv, err := h.engine.Invoice(r.Context(), chi.URLParam(r, "accountID"), from, to)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// PlatformRevenue handles GET /api/v1/fees/platform?from=&to=
func (h *Handler) PlatformRevenue(w http.ResponseWriter, r *http.Request) {
	from, to, err := window(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	p, err := h.engine.PlatformRevenue(r.Context(), from, to)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Transfers ---

// RequestTransfer handles POST /api/v1/transfers
func (h *Handler) RequestTransfer(w http.ResponseWriter, r *http.Request) {
	var req ledger.TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}
	t, err := h.ledger.RequestTransfer(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTransfer handles GET /api/v1/transfers/{transferID}
func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.ledger.Transfer(r.Context(), chi.URLParam(r, "transferID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type completeResponse struct {
	Transfer *model.Transfer    `json:"transfer"`
	Entry    *model.LedgerEntry `json:"ledger_entry"`
}

// CompleteTransfer handles POST /api/v1/transfers/{transferID}/complete
func (h *Handler) CompleteTransfer(w http.ResponseWriter, r *http.Request) {
	t, entry, err := h.ledger.CompleteTransfer(r.Context(), chi.URLParam(r, "transferID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if h.hub != nil {
		n := settlement.Notification{Type: "account_updated", AccountID: t.AccountID, At: t.UpdatedAt}
		if acct, err := h.engine.Account(r.Context(), t.AccountID); err == nil {
			n.Cash = &acct.CashBalance
		}
		h.hub.Publish(n)
	}
	writeJSON(w, http.StatusOK, completeResponse{Transfer: t, Entry: entry})
}

type failRequest struct {
	Reason string `json:"reason"`
}

// FailTransfer handles POST /api/v1/transfers/{transferID}/fail
func (h *Handler) FailTransfer(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	t, err := h.ledger.FailTransfer(r.Context(), chi.URLParam(r, "transferID"), req.Reason)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// window reads the optional ?from= and ?to= bounds.
func window(r *http.Request) (from, to time.Time, err error) {
	if from, err = queryTime(r, "from"); err != nil {
		return
	}
	to, err = queryTime(r, "to")
	return
}
