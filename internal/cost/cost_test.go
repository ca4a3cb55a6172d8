package cost

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Heratiki/locallama-mcp/internal/fault"
	"github.com/Heratiki/locallama-mcp/internal/registry"
)

type fixedCatalog struct{ models []registry.Model }

func (f fixedCatalog) Models(context.Context) []registry.Model { return f.models }

func (f fixedCatalog) Lookup(_ context.Context, ref string) (registry.Model, error) {
	for _, m := range f.models {
		if m.Ref() == ref {
			return m, nil
		}
	}
	return registry.Model{}, fault.New(fault.NotFound, "model %q not in catalog", ref)
}

func testCatalog() fixedCatalog {
	return fixedCatalog{models: []registry.Model{
		{Provider: registry.LMStudio, ID: "phi3-mini", ContextWindow: 4096},
		{Provider: registry.OpenRouter, ID: "a/free:free", ContextWindow: 32768},
		{Provider: registry.OpenRouter, ID: "openai/gpt-4o", ContextWindow: 128000,
			PromptCost: 2.5e-6, CompletionCost: 10e-6},
	}}
}

func TestForModelPricesByTokens(t *testing.T) {
	e := NewEstimator(testCatalog())
	est, err := e.ForModel(context.Background(), "openrouter:openai/gpt-4o", 1000, 500)
	require.NoError(t, err)
	assert.InDelta(t, 0.0025, est.InputCost, 1e-9)
	assert.InDelta(t, 0.005, est.OutputCost, 1e-9)
	assert.InDelta(t, 0.0075, est.Total, 1e-9)
	assert.False(t, est.Free)

	est, err = e.ForModel(context.Background(), "lm-studio:phi3-mini", 1000, 500)
	require.NoError(t, err)
	assert.Zero(t, est.Total)
	assert.True(t, est.Free)
}

func TestBreakdownGroupsByProviderAndFindsCheapest(t *testing.T) {
	e := NewEstimator(testCatalog())
	b := e.Breakdown(context.Background(), 1000, 500)

	require.Contains(t, b.Providers, "lm-studio")
	require.Contains(t, b.Providers, "openrouter")
	assert.Len(t, b.Providers["openrouter"], 2)
	assert.Equal(t, "a/free:free", b.Providers["openrouter"][0].Model, "cheapest first")

	require.NotNil(t, b.Cheapest)
	assert.Zero(t, b.Cheapest.Total)
	assert.Equal(t, "lm-studio", b.Cheapest.Provider, "zero-cost tie breaks by provider name")
}

func TestBreakdownSkipsModelsWithSmallWindows(t *testing.T) {
	e := NewEstimator(testCatalog())
	b := e.Breakdown(context.Background(), 100000, 500)
	assert.NotContains(t, b.Providers, "lm-studio")
	require.Contains(t, b.Providers, "openrouter")
	assert.Len(t, b.Providers["openrouter"], 1)
}

func TestUsageTrackerAccumulates(t *testing.T) {
	tr := NewTracker()
	tr.Record("openrouter", 1000, 400, 0.004)
	tr.Record("openrouter", 500, 300, 0.002)

	u := tr.For("openrouter")
	assert.Equal(t, 2, u.Requests)
	assert.Equal(t, 1500, u.TokensIn)
	assert.Equal(t, 700, u.TokensOut)
	assert.InDelta(t, 0.006, u.TotalCostUSD, 1e-9)

	assert.Zero(t, tr.For("ollama").Requests)

	tr.Reset("openrouter")
	assert.Zero(t, tr.For("openrouter").Requests)
}
