package inbound

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/retry"
)

// Request is what the responder sees for one merged inbound burst.
type Request struct {
	Tenant  string                 `json:"tenant"`
	Phone   string                 `json:"phone"`
	ChatID  string                 `json:"chatId"`
	Message string                 `json:"message"`
	History []disparo.HistoryEntry `json:"history"`
}

// Responder produces the reply to an inbound message. An empty reply means
// no answer is sent.
type Responder interface {
	Respond(ctx context.Context, req Request) (string, error)
}

// HTTPResponder posts the request to an external service and reads
// {"reply": "..."} back.
type HTTPResponder struct {
	url    string
	client retry.HTTPDoer
}

// NewHTTPResponder wraps client (typically a *retry.RetryClient).
func NewHTTPResponder(url string, client retry.HTTPDoer) *HTTPResponder {
	if client == nil {
		client = retry.NewRetryClient(nil, 3)
	}
	return &HTTPResponder{url: url, client: client}
}

// Respond implements Responder. Client errors (4xx) are not retried.
func (h *HTTPResponder) Respond(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", retry.Stop(fmt.Errorf("marshaling responder request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return "", retry.Stop(fmt.Errorf("creating responder request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("calling responder: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading responder body: %w", err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", retry.Stop(fmt.Errorf("responder returned status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("responder returned status %d", resp.StatusCode)
	}

	var out struct {
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", retry.Stop(fmt.Errorf("decoding responder body: %w", err))
	}
	return out.Reply, nil
}
