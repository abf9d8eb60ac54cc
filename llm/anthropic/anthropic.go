// Package anthropic adapts the unified LLM contract to the messages-style
// wire format: system as a separate parameter, strictly alternating
// user/assistant turns, native tool_use/thinking blocks, and SSE streams
// assembled per content-block index.
package anthropic

import (
	"context"
	"errors"

	"github.com/petal-labs/dotflow/internal/httpx"
	"github.com/petal-labs/dotflow/llm"
)

// Name is the provider identifier this adapter registers under.
const Name = "anthropic"

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	messagesEndpoint = "/messages"

	// apiVersion pins the wire format independently of the URL.
	apiVersion = "2023-06-01"
)

// Config configures the adapter. HTTPClient is the injectable transport;
// nil uses http.DefaultClient.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient httpx.Doer
}

// Adapter implements llm.Adapter for the Messages API.
type Adapter struct {
	cfg Config
}

// New creates an adapter from the config, applying the default base URL.
func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Adapter{cfg: cfg}
}

// Name implements llm.Adapter.
func (a *Adapter) Name() string { return Name }

// SupportsToolChoice implements llm.Adapter. Every mode is expressible:
// none is realized by omitting the tools array.
func (a *Adapter) SupportsToolChoice(llm.ToolChoiceMode) bool { return true }

// Close implements llm.Adapter.
func (a *Adapter) Close() error { return nil }

func (a *Adapter) headers() []httpx.Header {
	return []httpx.Header{
		{Key: "x-api-key", Value: a.cfg.APIKey},
		{Key: "anthropic-version", Value: apiVersion},
	}
}

// Complete implements llm.Adapter.
func (a *Adapter) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if a.cfg.APIKey == "" {
		return nil, &llm.APIError{Class: llm.ClassAuthentication, Message: "API key is not set", Provider: Name}
	}

	wireReq := toWireRequest(req)
	var wireResp wireResponse
	respHeaders, err := httpx.PostJSON(ctx, a.cfg.HTTPClient, a.cfg.BaseURL+messagesEndpoint, wireReq, &wireResp, a.headers()...)
	if err != nil {
		return nil, mapTransportError(err)
	}

	resp := fromWireResponse(wireResp)
	if resp.Model == "" {
		resp.Model = req.Model
	}
	if respHeaders != nil {
		resp.RateLimit = rateLimitFromHeaders(respHeaders.Get)
	}
	return resp, nil
}

// mapTransportError converts httpx failures into the typed taxonomy.
func mapTransportError(err error) error {
	var statusErr *httpx.StatusError
	if errors.As(err, &statusErr) {
		return llm.MapHTTPError(statusErr.StatusCode, statusErr.Body, Name, statusErr.Headers)
	}
	return &llm.APIError{Class: llm.ClassProvider, Message: err.Error(), Provider: Name, Retryable: true}
}

var _ llm.Adapter = (*Adapter)(nil)
