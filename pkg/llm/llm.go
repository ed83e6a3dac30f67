package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jdziat/docpipe/pkg/core"
)

// ErrProviderNotRegistered is returned when a request names an unknown provider.
var ErrProviderNotRegistered = errors.New("docpipe: llm provider not registered")

// TextRequest is a text generation request.
type TextRequest struct {
	// System holds instructions; Prompt holds the content to act on.
	System    string
	Prompt    string
	MaxTokens int
	// Provider selects a registered provider; empty uses the default.
	Provider string
}

// Client generates text and embeddings.
type Client interface {
	GenerateText(ctx context.Context, req TextRequest) (string, error)
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Router dispatches requests to registered providers.
type Router struct {
	mu              sync.RWMutex
	defaultProvider string
	providers       map[string]Client
}

// NewRouter creates a router with a default provider name.
func NewRouter(defaultProvider string) *Router {
	return &Router{
		defaultProvider: defaultProvider,
		providers:       make(map[string]Client),
	}
}

// RegisterProvider adds a provider.
func (r *Router) RegisterProvider(name string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = c
}

func (r *Router) provider(name string) (string, Client, error) {
	if name == "" {
		name = r.defaultProvider
	}
	r.mu.RLock()
	c, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return name, nil, fmt.Errorf("%w: %s", ErrProviderNotRegistered, name)
	}
	return name, c, nil
}

// GenerateText implements Client. Provider failures are reported as
// transient infrastructure errors.
func (r *Router) GenerateText(ctx context.Context, req TextRequest) (string, error) {
	name, c, err := r.provider(req.Provider)
	if err != nil {
		return "", err
	}
	out, err := c.GenerateText(ctx, req)
	if err != nil {
		return "", wrapProviderError(ctx, name, err)
	}
	return out, nil
}

// GenerateEmbeddings implements Client using the default provider.
func (r *Router) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	name, c, err := r.provider("")
	if err != nil {
		return nil, err
	}
	out, err := c.GenerateEmbeddings(ctx, texts)
	if err != nil {
		return nil, wrapProviderError(ctx, name, err)
	}
	if len(out) != len(texts) {
		return nil, fmt.Errorf("llm %s: got %d embeddings for %d texts", name, len(out), len(texts))
	}
	return out, nil
}

func wrapProviderError(ctx context.Context, name string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	var transient *core.TransientInfraError
	if errors.As(err, &transient) {
		return err
	}
	return core.Transient("llm "+name, err)
}
