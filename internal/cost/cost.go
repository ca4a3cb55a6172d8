// Package cost estimates and accounts model invocation costs. The
// per-provider breakdown backs the get_cost_estimate operation; the
// usage tracker backs the /usage resources.
package cost

import (
	"context"
	"sort"
	"sync"

	"github.com/Heratiki/locallama-mcp/internal/registry"
)

// Estimate is the projected cost of one invocation against one model.
type Estimate struct {
	Model      string  `json:"model"`
	Provider   string  `json:"provider"`
	InputCost  float64 `json:"input_cost"`  // USD
	OutputCost float64 `json:"output_cost"` // USD
	Total      float64 `json:"total"`       // USD
	Free       bool    `json:"free"`
}

// Breakdown groups estimates per provider, cheapest first within each
// provider.
type Breakdown struct {
	ContextLength  int                   `json:"context_length"`
	ExpectedOutput int                   `json:"expected_output"`
	Providers      map[string][]Estimate `json:"providers"`
	Cheapest       *Estimate             `json:"cheapest,omitempty"`
}

// catalog is the slice of the registry the estimator needs.
type catalog interface {
	Models(ctx context.Context) []registry.Model
	Lookup(ctx context.Context, ref string) (registry.Model, error)
}

// Estimator prices invocations against the live catalog.
type Estimator struct {
	registry catalog
}

// NewEstimator builds an Estimator over the registry.
func NewEstimator(reg catalog) *Estimator {
	return &Estimator{registry: reg}
}

// ForModel prices one invocation against a specific model reference.
func (e *Estimator) ForModel(ctx context.Context, ref string, contextLength, expectedOutput int) (Estimate, error) {
	m, err := e.registry.Lookup(ctx, ref)
	if err != nil {
		return Estimate{}, err
	}
	return estimate(m, contextLength, expectedOutput), nil
}

// Breakdown prices an invocation against every known model and groups
// the result per provider. The Cheapest pointer favors free models and
// breaks cost ties by (provider, id).
func (e *Estimator) Breakdown(ctx context.Context, contextLength, expectedOutput int) Breakdown {
	out := Breakdown{
		ContextLength:  contextLength,
		ExpectedOutput: expectedOutput,
		Providers:      make(map[string][]Estimate),
	}
	for _, m := range e.registry.Models(ctx) {
		if m.ContextWindow < contextLength {
			continue
		}
		est := estimate(m, contextLength, expectedOutput)
		out.Providers[string(m.Provider)] = append(out.Providers[string(m.Provider)], est)
		if out.Cheapest == nil || cheaper(est, *out.Cheapest) {
			best := est
			out.Cheapest = &best
		}
	}
	for provider := range out.Providers {
		estimates := out.Providers[provider]
		sort.Slice(estimates, func(i, j int) bool {
			if estimates[i].Total != estimates[j].Total {
				return estimates[i].Total < estimates[j].Total
			}
			return estimates[i].Model < estimates[j].Model
		})
	}
	return out
}

func estimate(m registry.Model, contextLength, expectedOutput int) Estimate {
	in := float64(contextLength) * m.PromptCost
	out := float64(expectedOutput) * m.CompletionCost
	return Estimate{
		Model:      m.ID,
		Provider:   string(m.Provider),
		InputCost:  in,
		OutputCost: out,
		Total:      in + out,
		Free:       m.Free(),
	}
}

func cheaper(a, b Estimate) bool {
	if a.Total != b.Total {
		return a.Total < b.Total
	}
	if a.Provider != b.Provider {
		return a.Provider < b.Provider
	}
	return a.Model < b.Model
}

// Usage accumulates observed spend and token volume per API provider.
type Usage struct {
	Requests     int     `json:"requests"`
	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// Tracker is the thread-safe usage accumulator behind /usage/{api}.
type Tracker struct {
	mu    sync.RWMutex
	usage map[string]*Usage
}

// NewTracker builds an empty usage tracker.
func NewTracker() *Tracker {
	return &Tracker{usage: make(map[string]*Usage)}
}

// Record adds one observed invocation to the provider's totals.
func (t *Tracker) Record(provider string, tokensIn, tokensOut int, costUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.usage[provider]
	if !ok {
		u = &Usage{}
		t.usage[provider] = u
	}
	u.Requests++
	u.TokensIn += tokensIn
	u.TokensOut += tokensOut
	u.TotalCostUSD += costUSD
}

// For returns a snapshot of one provider's usage.
func (t *Tracker) For(provider string) Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if u, ok := t.usage[provider]; ok {
		return *u
	}
	return Usage{}
}

// Reset clears one provider's accumulated usage.
func (t *Tracker) Reset(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.usage, provider)
}
