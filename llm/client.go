package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Client errors.
var (
	ErrNoAdapter         = errors.New("no adapter registered")
	ErrNoDefaultProvider = errors.New("no default provider configured")
)

// Client routes requests to per-provider adapters. It never parses
// provider responses itself; translation is entirely the adapters' job.
type Client struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	def      string
}

// NewClient creates a client. The default provider may be empty when
// every request names its provider explicitly.
func NewClient(defaultProvider string) *Client {
	return &Client{
		adapters: make(map[string]Adapter),
		def:      strings.ToLower(defaultProvider),
	}
}

// Register adds an adapter under its provider name.
func (c *Client) Register(a Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[strings.ToLower(a.Name())] = a
}

// Adapter returns the adapter for a provider name.
func (c *Client) Adapter(provider string) (Adapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name := strings.ToLower(provider)
	if name == "" {
		name = c.def
	}
	if name == "" {
		return nil, ErrNoDefaultProvider
	}
	a, ok := c.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, name)
	}
	return a, nil
}

// Complete routes the request to its provider's adapter.
func (c *Client) Complete(ctx context.Context, req *Request) (*Response, error) {
	a, err := c.Adapter(req.Provider)
	if err != nil {
		return nil, err
	}
	return a.Complete(ctx, req)
}

// Stream routes the streaming request to its provider's adapter.
func (c *Client) Stream(ctx context.Context, req *Request) (Stream, error) {
	a, err := c.Adapter(req.Provider)
	if err != nil {
		return nil, err
	}
	return a.Stream(ctx, req)
}

// Close closes every registered adapter, returning the first error.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for _, a := range c.adapters {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
