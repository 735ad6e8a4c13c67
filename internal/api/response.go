package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redmasterf0x/spad/internal/model"
)

// writeJSON writes data with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// errorResponse is the standard error body.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes an error body with a stable error code.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind model.Kind) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindAccountNotFound, model.KindOrderNotFound, model.KindTransferNotFound:
		return http.StatusNotFound
	case model.KindAccountNotActive:
		return http.StatusForbidden
	case model.KindInvalidOrderState, model.KindInvalidTransferState, model.KindConflict:
		return http.StatusConflict
	case model.KindInsufficientBalance, model.KindInsufficientPosition, model.KindPositionLimit:
		return http.StatusUnprocessableEntity
	case model.KindBroker:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeErr writes err using its kind. Internal errors are logged and their
// detail is not returned.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		WriteError(w, status, string(model.KindInternal), "internal error")
		return
	}
	var me *model.Error
	msg := err.Error()
	if errors.As(err, &me) && me.Err == nil {
		msg = me.Message
	}
	WriteError(w, status, string(kind), msg)
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.Validation("request body must be valid JSON: %v", err)
	}
	return nil
}

// queryTime parses an RFC 3339 timestamp or a YYYY-MM-DD date. A missing
// parameter yields the zero time.
func queryTime(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, model.Validation("%s must be RFC 3339 or YYYY-MM-DD", key)
	}
	return t, nil
}

// queryInt parses a non-negative integer parameter.
func queryInt(r *http.Request, key string, defaultVal int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, model.Validation("%s must be a non-negative integer", key)
	}
	return n, nil
}
