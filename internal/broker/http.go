package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redmasterf0x/spad/internal/metrics"
)

// HTTPConfig configures the REST gateway.
type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Timeout    time.Duration // per attempt
	MaxRetries int           // extra attempts after the first
	Backoff    time.Duration // first retry delay, doubled each attempt
}

const (
	defaultHTTPTimeout = 30 * time.Second
	defaultBackoff     = 200 * time.Millisecond
	maxBackoff         = 5 * time.Second
)

// HTTPGateway is a Gateway over the partner's REST API.
type HTTPGateway struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPGateway creates a REST gateway.
func NewHTTPGateway(cfg HTTPConfig, logger *slog.Logger) (*HTTPGateway, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("broker base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

func (g *HTTPGateway) Name() string { return "http" }

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (g *HTTPGateway) SubmitOrder(ctx context.Context, req OrderRequest) (res *SubmitResult, err error) {
	defer func(start time.Time) { metrics.ObserveBroker("submit", start, err) }(time.Now())

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode order: %w", err)
	}
	var out SubmitResult
	if err := g.do(ctx, http.MethodPost, "/orders", body, req.IdempotencyKey, &out); err != nil {
		return nil, err
	}
	if out.Status == StatusRejected {
		return nil, rejected(out.Message)
	}
	if out.BrokerOrderID == "" {
		return nil, rejected("broker returned no order id")
	}
	return &out, nil
}

func (g *HTTPGateway) CancelOrder(ctx context.Context, brokerOrderID string) (err error) {
	defer func(start time.Time) { metrics.ObserveBroker("cancel", start, err) }(time.Now())
	return g.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(brokerOrderID), nil, "", nil)
}

func (g *HTTPGateway) GetOrderStatus(ctx context.Context, brokerOrderID string) (snap *StatusSnapshot, err error) {
	defer func(start time.Time) { metrics.ObserveBroker("status", start, err) }(time.Now())
	var out StatusSnapshot
	if err := g.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(brokerOrderID), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends one request, retrying network failures and 5xx responses with
// exponential backoff. 4xx responses are returned as ErrRejected at once.
func (g *HTTPGateway) do(ctx context.Context, method, path string, body []byte, idemKey string, out any) error {
	delay := g.cfg.Backoff
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			g.logger.Warn("retrying broker call",
				"method", method,
				"path", path,
				"attempt", attempt,
				"error", lastErr,
			)
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return unavailable(ctx.Err())
			}
			delay = min(delay*2, maxBackoff)
		}

		retry, err := g.attempt(ctx, method, path, body, idemKey, out)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return unavailable(lastErr)
}

func (g *HTTPGateway) attempt(ctx context.Context, method, path string, body []byte, idemKey string, out any) (retry bool, err error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, rd)
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", g.cfg.APIKey)
	req.Header.Set("X-API-Secret", g.cfg.APISecret)
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return true, err
	}

	switch {
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("broker returned %d: %s", resp.StatusCode, brokerMessage(payload))
	case resp.StatusCode == http.StatusNotFound && method != http.MethodPost:
		return false, fmt.Errorf("%w: %s", ErrUnknownOrder, path)
	case resp.StatusCode >= 400:
		return false, rejected(fmt.Sprintf("%d %s", resp.StatusCode, brokerMessage(payload)))
	}

	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		// The call went through; only the answer is unreadable.
		return false, unavailable(fmt.Errorf("decode response: %w", err))
	}
	return false, nil
}

func brokerMessage(payload []byte) string {
	var eb errorBody
	if err := json.Unmarshal(payload, &eb); err == nil {
		if eb.Message != "" {
			return eb.Message
		}
		if eb.Error != "" {
			return eb.Error
		}
	}
	msg := strings.TrimSpace(string(payload))
	if msg == "" {
		return "no response body"
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
