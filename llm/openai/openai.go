// Package openai adapts the unified LLM contract to the responses-style
// wire format: system text as a flat instructions string, conversation as
// ordered input items, strict function tools, and SSE streams assembled
// per output-item ID.
package openai

import (
	"context"
	"errors"

	"github.com/petal-labs/dotflow/internal/httpx"
	"github.com/petal-labs/dotflow/llm"
)

// Name is the provider identifier this adapter registers under.
const Name = "openai"

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	responsesEndpoint = "/responses"
)

// Config configures the adapter. HTTPClient is the injectable transport.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient httpx.Doer
}

// Adapter implements llm.Adapter for the Responses API.
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

// SupportsToolChoice implements llm.Adapter.
func (a *Adapter) SupportsToolChoice(llm.ToolChoiceMode) bool { return true }

// Close implements llm.Adapter.
func (a *Adapter) Close() error { return nil }

func (a *Adapter) headers() []httpx.Header {
	return []httpx.Header{{Key: "Authorization", Value: "Bearer " + a.cfg.APIKey}}
}

// Complete implements llm.Adapter.
func (a *Adapter) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if a.cfg.APIKey == "" {
		return nil, &llm.APIError{Class: llm.ClassAuthentication, Message: "API key is not set", Provider: Name}
	}

	wireReq := toWireRequest(req)
	var wireResp wireResponse
	if _, err := httpx.PostJSON(ctx, a.cfg.HTTPClient, a.cfg.BaseURL+responsesEndpoint, wireReq, &wireResp, a.headers()...); err != nil {
		return nil, mapTransportError(err)
	}

	resp := fromWireResponse(wireResp)
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp, nil
}

func mapTransportError(err error) error {
	var statusErr *httpx.StatusError
	if errors.As(err, &statusErr) {
		return llm.MapHTTPError(statusErr.StatusCode, statusErr.Body, Name, statusErr.Headers)
	}
	return &llm.APIError{Class: llm.ClassProvider, Message: err.Error(), Provider: Name, Retryable: true}
}

var _ llm.Adapter = (*Adapter)(nil)
