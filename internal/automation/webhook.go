package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zoptal/mailflow/internal/metrics"
)

// WebhookClient performs webhook actions
type WebhookClient struct {
	client *http.Client
	logger *slog.Logger
}

// NewWebhookClient creates a webhook client with the given request timeout
func NewWebhookClient(timeout time.Duration, logger *slog.Logger) *WebhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookClient{
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "webhook"),
	}
}

// Call sends payload as JSON to cfg["url"]. The method defaults to POST.
// Configured headers are applied, then Content-Type is forced to JSON.
// Any non-2xx response is an error.
func (w *WebhookClient) Call(ctx context.Context, cfg map[string]any, payload map[string]any) error {
	url := configString(cfg, "url")
	method := strings.ToUpper(configString(cfg, "method"))
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(payload)
	if err != nil {
		metrics.IncWebhookCalls("error")
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		metrics.IncWebhookCalls("error")
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	if headers, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		metrics.IncWebhookCalls("error")
		w.logger.Warn("webhook call failed", "url", url, "error", err)
		return fmt.Errorf("webhook %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.IncWebhookCalls("rejected")
		w.logger.Warn("webhook rejected", "url", url, "status", resp.StatusCode)
		return fmt.Errorf("webhook %s %s: unexpected status %d", method, url, resp.StatusCode)
	}

	metrics.IncWebhookCalls("ok")
	w.logger.Debug("webhook called", "url", url, "status", resp.StatusCode)
	return nil
}
