package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/retry"
)

// Envelope is the body POSTed to the report webhook.
type Envelope struct {
	ID     string    `json:"id"`
	Kind   string    `json:"kind"`
	Tenant string    `json:"tenant"`
	SentAt time.Time `json:"sentAt"`
	Data   any       `json:"data"`
}

// WebhookReporter posts every report as JSON to a URL.
type WebhookReporter struct {
	url    string
	client retry.HTTPDoer
	now    func() time.Time
}

// NewWebhookReporter wraps client (typically a *retry.RetryClient).
func NewWebhookReporter(url string, client retry.HTTPDoer) *WebhookReporter {
	if client == nil {
		client = retry.NewRetryClient(nil, 3)
	}
	return &WebhookReporter{url: url, client: client, now: time.Now}
}

// DailyReport implements disparo.Reporter.
func (w *WebhookReporter) DailyReport(ctx context.Context, s disparo.DailySummary) error {
	return w.post(ctx, KindDaily, s.Tenant, s)
}

// ListReport implements disparo.Reporter.
func (w *WebhookReporter) ListReport(ctx context.Context, s disparo.ListSummary) error {
	return w.post(ctx, KindList, s.Tenant, s)
}

// Progress implements disparo.Reporter.
func (w *WebhookReporter) Progress(ctx context.Context, u disparo.ProgressUpdate) error {
	return w.post(ctx, KindProgress, u.Tenant, u)
}

func (w *WebhookReporter) post(ctx context.Context, kind, tenant string, data any) error {
	body, err := json.Marshal(Envelope{
		ID:     uuid.NewString(),
		Kind:   kind,
		Tenant: tenant,
		SentAt: w.now().UTC(),
		Data:   data,
	})
	if err != nil {
		return fmt.Errorf("marshaling %s report: %w", kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Report-Kind", kind)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s report: %w", kind, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d for %s report", resp.StatusCode, kind)
	}
	return nil
}
