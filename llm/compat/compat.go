// Package compat is the chat-style fallback adapter for third-party
// OpenAI-compatible endpoints: messages stay a flat array with the native
// system role, tools use the non-strict function shape, and finish
// reasons map one to one. It never emits reasoning or instructions
// fields.
package compat

import (
	"context"
	"errors"
	"strings"

	"github.com/petal-labs/dotflow/internal/httpx"
	"github.com/petal-labs/dotflow/llm"
)

// DefaultName is the provider identifier when none is configured.
const DefaultName = "compat"

const completionsEndpoint = "/chat/completions"

// Config configures the adapter. Provider names the endpoint in
// responses and errors (e.g. "openrouter"); BaseURL is required.
type Config struct {
	Provider   string
	APIKey     string
	BaseURL    string
	HTTPClient httpx.Doer
}

// Adapter implements llm.Adapter for chat-completions endpoints.
type Adapter struct {
	cfg Config
}

// New creates an adapter from the config.
func New(cfg Config) *Adapter {
	if cfg.Provider == "" {
		cfg.Provider = DefaultName
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Adapter{cfg: cfg}
}

// Name implements llm.Adapter.
func (a *Adapter) Name() string { return a.cfg.Provider }

// SupportsToolChoice implements llm.Adapter.
func (a *Adapter) SupportsToolChoice(llm.ToolChoiceMode) bool { return true }

// Close implements llm.Adapter.
func (a *Adapter) Close() error { return nil }

func (a *Adapter) headers() []httpx.Header {
	if a.cfg.APIKey == "" {
		return nil
	}
	return []httpx.Header{{Key: "Authorization", Value: "Bearer " + a.cfg.APIKey}}
}

// Complete implements llm.Adapter.
func (a *Adapter) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	wireReq := toWireRequest(req)
	var wireResp wireResponse
	if _, err := httpx.PostJSON(ctx, a.cfg.HTTPClient, a.cfg.BaseURL+completionsEndpoint, wireReq, &wireResp, a.headers()...); err != nil {
		return nil, a.mapTransportError(err)
	}

	resp := fromWireResponse(wireResp, a.cfg.Provider)
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp, nil
}

func (a *Adapter) mapTransportError(err error) error {
	var statusErr *httpx.StatusError
	if errors.As(err, &statusErr) {
		return llm.MapHTTPError(statusErr.StatusCode, statusErr.Body, a.cfg.Provider, statusErr.Headers)
	}
	return &llm.APIError{Class: llm.ClassProvider, Message: err.Error(), Provider: a.cfg.Provider, Retryable: true}
}

var _ llm.Adapter = (*Adapter)(nil)
