// Package gemini adapts the unified LLM contract to the content-parts
// wire format: a dedicated systemInstruction object, model/user roles,
// and name-based tool correlation bridged through per-request synthetic
// IDs.
package gemini

import (
	"context"
	"errors"
	"fmt"

	"github.com/petal-labs/dotflow/internal/httpx"
	"github.com/petal-labs/dotflow/llm"
)

// Name is the provider identifier this adapter registers under.
const Name = "google"

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Config configures the adapter. HTTPClient is the injectable transport.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient httpx.Doer
}

// Adapter implements llm.Adapter for the content-parts API.
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

// SupportsToolChoice implements llm.Adapter. Named choice is expressed
// through ANY plus allowed function names.
func (a *Adapter) SupportsToolChoice(llm.ToolChoiceMode) bool { return true }

// Close implements llm.Adapter.
func (a *Adapter) Close() error { return nil }

func (a *Adapter) headers() []httpx.Header {
	return []httpx.Header{{Key: "x-goog-api-key", Value: a.cfg.APIKey}}
}

func (a *Adapter) endpoint(model, method string) string {
	return fmt.Sprintf("%s/models/%s:%s", a.cfg.BaseURL, model, method)
}

// Complete implements llm.Adapter.
func (a *Adapter) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if a.cfg.APIKey == "" {
		return nil, &llm.APIError{Class: llm.ClassAuthentication, Message: "API key is not set", Provider: Name}
	}

	wireReq := toWireRequest(req)
	var wireResp wireResponse
	if _, err := httpx.PostJSON(ctx, a.cfg.HTTPClient, a.endpoint(req.Model, "generateContent"), wireReq, &wireResp, a.headers()...); err != nil {
		return nil, mapTransportError(err)
	}
	return fromWireResponse(wireResp, req.Model), nil
}

func mapTransportError(err error) error {
	var statusErr *httpx.StatusError
	if errors.As(err, &statusErr) {
		return llm.MapHTTPError(statusErr.StatusCode, statusErr.Body, Name, statusErr.Headers)
	}
	return &llm.APIError{Class: llm.ClassProvider, Message: err.Error(), Provider: Name, Retryable: true}
}

var _ llm.Adapter = (*Adapter)(nil)
