// Package backend sends chat-completion requests to the provider
// endpoints. One ChatBackend per provider variant; the Dispatcher owns
// the mapping and the retry discipline.
package backend

import (
	"context"
	"time"

	"github.com/Heratiki/locallama-mcp/internal/config"
	"github.com/Heratiki/locallama-mcp/internal/fault"
	"github.com/Heratiki/locallama-mcp/internal/registry"
	"go.uber.org/zap"
)

// Request is one chat invocation.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Response is the backend's answer plus its accounting data.
type Response struct {
	Content   string
	TokensIn  int
	TokensOut int
	Duration  time.Duration
}

// ChatBackend is the single operation every provider variant offers.
type ChatBackend interface {
	Provider() registry.Provider
	Chat(ctx context.Context, req Request) (Response, error)
}

// Dispatcher routes chat calls to the right provider backend and wraps
// them in the shared retry policy.
type Dispatcher struct {
	backends map[registry.Provider]ChatBackend
	retry    retryPolicy
	logger   *zap.Logger
}

// NewDispatcher builds the live backends from configuration.
func NewDispatcher(cfg *config.Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		backends: make(map[registry.Provider]ChatBackend),
		retry:    defaultRetryPolicy(),
		logger:   logger,
	}
	d.register(newOpenAICompat(registry.LMStudio, cfg.LMStudioEndpoint, ""))
	d.register(newOllamaBackend(cfg.OllamaEndpoint))
	d.register(newOpenAICompat(registry.OpenRouter, openRouterBaseURL, cfg.OpenRouterAPIKey))
	return d
}

func (d *Dispatcher) register(b ChatBackend) {
	d.backends[b.Provider()] = b
}

// Chat dispatches on the model's provider. Transient failures are
// retried per the policy; permanent failures surface immediately.
func (d *Dispatcher) Chat(ctx context.Context, m registry.Model, req Request) (Response, error) {
	b, ok := d.backends[m.Provider]
	if !ok {
		return Response{}, fault.New(fault.Internal, "no backend for provider %q", m.Provider)
	}
	if req.Model == "" {
		req.Model = m.ID
	}
	resp, err := d.retry.do(ctx, d.logger, m.Ref(), func(ctx context.Context) (Response, error) {
		return b.Chat(ctx, req)
	})
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}
