// Package httpx is the thin HTTP layer the LLM adapters share: JSON POST
// helpers over an injectable transport, and an SSE scanner for streaming
// endpoints.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// Doer is the injectable transport surface. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Header is one custom request header.
type Header struct {
	Key   string
	Value string
}

// maxErrorBodySize caps how much of an error body is read (1 MB).
const maxErrorBodySize int64 = 1 << 20

// CloseWithLog closes a closer, logging any error. For defer statements
// where the close error must not override the primary error.
func CloseWithLog(closer io.Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err.Error())
	}
}

// StatusError reports a non-2xx upstream response. Callers map it to the
// typed error taxonomy with the body and headers preserved.
type StatusError struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-2xx status %d", e.StatusCode)
}

// PostJSON sends a JSON POST and decodes a JSON response into out. A
// non-2xx status returns a *StatusError carrying the body and headers.
// The response headers are returned for rate-limit snapshots.
func PostJSON(ctx context.Context, client Doer, url string, body any, out any, headers ...Header) (http.Header, error) {
	resp, err := post(ctx, client, url, body, false, headers...)
	if err != nil {
		return nil, err
	}
	defer CloseWithLog(resp.Body)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.Header, fmt.Errorf("reading response body: %w", err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return resp.Header, fmt.Errorf("decoding response body: %w", err)
	}
	return resp.Header, nil
}

// PostStream sends a JSON POST requesting an SSE stream and returns the
// open response. The caller owns the body. Non-2xx responses are drained,
// closed, and returned as *StatusError.
func PostStream(ctx context.Context, client Doer, url string, body any, headers ...Header) (*http.Response, error) {
	return post(ctx, client, url, body, true, headers...)
}

func post(ctx context.Context, client Doer, url string, body any, stream bool, headers ...Header) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	for _, h := range headers {
		req.Header.Set(h.Key, h.Value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer CloseWithLog(resp.Body)
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: errBody, Headers: resp.Header}
	}
	return resp, nil
}
