package jobrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/target/mmk-queue/internal/domain/model"
)

// WebhookJobName is the job name served by WebhookHandler.
const WebhookJobName = "http.request"

const defaultMaxResponseBytes = 4 * 1024

// WebhookRequest is the payload of an http.request job.
type WebhookRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// Body is sent as-is when it is a JSON string, otherwise as JSON.
	Body     json.RawMessage `json:"body,omitempty"`
	OkStatus int             `json:"ok_status,omitempty"` // 0 accepts any 2xx
}

// WebhookResponse is stored as the job result.
type WebhookResponse struct {
	StatusCode    int               `json:"status_code"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          string            `json:"body,omitempty"`
	BodyTruncated bool              `json:"body_truncated,omitempty"`
	DurationMs    int64             `json:"duration_ms"`
}

// WebhookOptions configures WebhookHandler.
type WebhookOptions struct {
	HTTPClient       *http.Client
	Timeout          time.Duration // per request; defaults to 10s
	MaxResponseBytes int           // response body kept in the result; defaults to 4KB
}

// WebhookHandler delivers an HTTP request described by the job payload.
// An unexpected status fails the attempt so the job's retry policy applies.
type WebhookHandler struct {
	http             *http.Client
	timeout          time.Duration
	maxResponseBytes int
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(opts WebhookOptions) *WebhookHandler {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxBytes := opts.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}
	return &WebhookHandler{http: hc, timeout: timeout, maxResponseBytes: maxBytes}
}

// Process implements Handler.
func (h *WebhookHandler) Process(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	req, err := decodeWebhookRequest(job.Payload)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	resp, err := h.send(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.DurationMs = time.Since(start).Milliseconds()

	out, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}

func decodeWebhookRequest(raw []byte) (*WebhookRequest, error) {
	var req WebhookRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", req.URL)
	}
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	return &req, nil
}

func requestBody(body json.RawMessage) []byte {
	if len(body) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		return []byte(s)
	}
	return body
}

func (h *WebhookHandler) send(ctx context.Context, preq *WebhookRequest) (*WebhookResponse, error) {
	req, err := http.NewRequestWithContext(ctx, preq.Method, preq.URL, bytesReader(requestBody(preq.Body)))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range preq.Headers {
		req.Header.Set(k, v)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	body, truncated, readErr := readResponseBody(resp.Body, h.maxResponseBytes)
	if readErr != nil {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return nil, errors.Join(
				fmt.Errorf("read response body: %w", readErr),
				fmt.Errorf("close response body: %w", closeErr),
			)
		}
		return nil, fmt.Errorf("read response body: %w", readErr)
	}
	if closeErr := resp.Body.Close(); closeErr != nil {
		return nil, fmt.Errorf("close response body: %w", closeErr)
	}

	response := &WebhookResponse{
		StatusCode:    resp.StatusCode,
		Headers:       flattenResponseHeaders(resp.Header),
		Body:          body,
		BodyTruncated: truncated,
	}

	if !statusOK(resp.StatusCode, preq.OkStatus) {
		want := "2xx"
		if preq.OkStatus != 0 {
			want = fmt.Sprint(preq.OkStatus)
		}
		return response, fmt.Errorf("unexpected status: got %d, want %s", resp.StatusCode, want)
	}
	return response, nil
}

func statusOK(got, want int) bool {
	if want == 0 {
		return got >= 200 && got < 300
	}
	return got == want
}

// bytesReader returns an io.Reader for b, or nil if b is empty.
func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return nil
	}
	return bytes.NewReader(b)
}

func flattenResponseHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, values := range h {
		out[k] = strings.Join(values, ", ")
	}
	return out
}

func readResponseBody(body io.Reader, limit int) (string, bool, error) {
	if body == nil {
		return "", false, nil
	}
	limited := io.LimitReader(body, int64(limit)+1)
	data, readErr := io.ReadAll(limited)
	truncated := len(data) > limit
	if truncated {
		data = data[:limit]
		if _, drainErr := io.Copy(io.Discard, body); drainErr != nil && readErr == nil {
			readErr = drainErr
		}
	}
	return string(data), truncated, readErr
}
