package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tachyon-beep/elspeth-sub004/internal/batch"
	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
	"github.com/tachyon-beep/elspeth-sub004/pkg/canonical"
)

// HTTPBatchTransform posts each row as a JSON document to an endpoint
// through the batch adapter: concurrent in-flight requests, AIMD
// concurrency under 429/5xx pressure, and submission-order output.
type HTTPBatchTransform struct {
	*batch.Adapter
}

type httpWorker struct {
	url           string
	method        string
	headers       map[string]string
	timeout       time.Duration
	responseField string
}

func newHTTPBatchFromConfig(config map[string]any) (plugins.BatchTransform, error) {
	url, err := requireString("http transform", config, "url")
	if err != nil {
		return nil, err
	}

	headers, err := stringMapOption("http transform", config, "headers")
	if err != nil {
		return nil, err
	}

	worker := &httpWorker{
		url:           url,
		method:        stringOption(config, "method", http.MethodPost),
		headers:       headers,
		timeout:       time.Duration(intOption(config, "timeout_seconds", 30)) * time.Second,
		responseField: stringOption(config, "response_field", "response"),
	}

	adapter := batch.NewAdapter(batch.Config{
		PoolSize:         intOption(config, "pool_size", 4),
		MaxCapacityRetry: time.Duration(intOption(config, "max_capacity_retry_seconds", 60)) * time.Second,
	}, worker, slog.Default())

	return &HTTPBatchTransform{Adapter: adapter}, nil
}

func (w *httpWorker) client(clients *batch.ClientCache) *http.Client {
	c := clients.Acquire(batch.BatchScope, func() (any, func()) {
		client := &http.Client{Timeout: w.timeout}

		return client, client.CloseIdleConnections
	})

	return c.(*http.Client)
}

// ProcessRow posts one row and merges the response into it. Transport
// errors surface for the adapter's retry classification; HTTP statuses
// are classified here.
func (w *httpWorker) ProcessRow(ctx context.Context, clients *batch.ClientCache, sub plugins.Submission) (*plugins.TransformResult, error) {
	body, err := canonical.JSON(sub.Row)
	if err != nil {
		return plugins.Errorf(map[string]any{"error": "encode_request", "detail": err.Error()}), nil
	}

	req, err := http.NewRequestWithContext(ctx, w.method, w.url, bytes.NewReader(body))
	if err != nil {
		return plugins.Errorf(map[string]any{"error": "build_request", "detail": err.Error()}), nil
	}

	req.Header.Set("Content-Type", "application/json")

	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client(clients).Do(req)
	if err != nil {
		return nil, fmt.Errorf("http transform request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("http transform response read: %w", err)
	}

	if resp.StatusCode >= 400 {
		reason := map[string]any{
			"error":  "http_status",
			"status": resp.StatusCode,
		}

		if batch.RetryableStatus(resp.StatusCode) {
			return plugins.RetryableError(reason), nil
		}

		return plugins.Errorf(reason), nil
	}

	var decoded any

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return plugins.Errorf(map[string]any{"error": "decode_response", "detail": err.Error()}), nil
		}
	}

	out := plugins.CloneRow(sub.Row)
	out[w.responseField] = decoded

	return plugins.Success(out), nil
}
