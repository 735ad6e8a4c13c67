package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/redmasterf0x/spad/internal/metrics"
)

// NewRouter registers every route with request logging, metrics and
// Content-Type validation.
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogging(h.logger))
	r.Use(metrics.Middleware)
	r.Use(cors)
	r.Use(contentTypeJSON)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/accounts", h.OpenAccount)
		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Get("/", h.GetAccount)
			r.Post("/status", h.SetAccountStatus)
			r.Get("/positions", h.ListPositions)
			r.Get("/orders", h.ListOrders)
			r.Post("/orders", h.SubmitOrder)
			r.Get("/ledger", h.ListEntries)
			r.Post("/ledger", h.PostEntry)
			r.Get("/ledger/unreconciled", h.Unreconciled)
			r.Get("/ledger/export", h.ExportLedger)
			r.Get("/balance", h.Balance)
			r.Get("/trial-balance", h.TrialBalance)
			r.Get("/statement", h.Statement)
			r.Get("/fees", h.FeeSummary)
			r.Get("/invoice", h.Invoice)
		})

		r.Get("/orders/{orderID}", h.GetOrder)
		r.Delete("/orders/{orderID}", h.CancelOrder)
		r.Post("/orders/{orderID}/fill", h.FillOrder)
		r.Get("/orders/{orderID}/ledger", h.OrderLedger)

		r.Post("/ledger/reconcile", h.Reconcile)
		r.Get("/fees/platform", h.PlatformRevenue)

		r.Post("/transfers", h.RequestTransfer)
		r.Get("/transfers/{transferID}", h.GetTransfer)
		r.Post("/transfers/{transferID}/complete", h.CompleteTransfer)
		r.Post("/transfers/{transferID}/fail", h.FailTransfer)

		r.Post("/webhooks/broker", h.BrokerWebhook)

		if h.hub != nil {
			r.Get("/ws", h.hub.HandleWS)
		}
	})
	return r
}

// requestLogging logs method, path, status and duration of each request.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// contentTypeJSON rejects POST, PUT and PATCH bodies that are not JSON.
// Bodyless POSTs are allowed.
func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if r.ContentLength != 0 && !strings.HasPrefix(ct, "application/json") {
				WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
