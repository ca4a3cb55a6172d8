package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Heratiki/locallama-mcp/internal/fault"
)

const openRouterModelsURL = "https://openrouter.ai/api/v1/models"

// openRouterClient lists the hosted catalog. Listing works without an
// API key; invoking a model does not, which the backend layer enforces.
type openRouterClient struct {
	apiKey string
	url    string
	http   *http.Client
}

func newOpenRouterClient(apiKey string) *openRouterClient {
	return &openRouterClient{
		apiKey: apiKey,
		url:    openRouterModelsURL,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *openRouterClient) Provider() Provider { return OpenRouter }

func (c *openRouterClient) List(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.BackendTransient, err, "openrouter unreachable")
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fault.New(fault.BackendTransient, "openrouter models returned %d", resp.StatusCode)
	default:
		return nil, fault.New(fault.BackendPermanent, "openrouter models returned %d", resp.StatusCode)
	}

	var body struct {
		Data []struct {
			ID            string `json:"id"`
			Name          string `json:"name"`
			ContextLength int    `json:"context_length"`
			Pricing       struct {
				Prompt     string `json:"prompt"`
				Completion string `json:"completion"`
			} `json:"pricing"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fault.Wrap(fault.BackendPermanent, err, "openrouter models decode")
	}

	models := make([]Model, 0, len(body.Data))
	for _, entry := range body.Data {
		prompt, _ := strconv.ParseFloat(entry.Pricing.Prompt, 64)
		completion, _ := strconv.ParseFloat(entry.Pricing.Completion, 64)
		models = append(models, Model{
			Provider:       OpenRouter,
			ID:             entry.ID,
			Name:           entry.Name,
			ContextWindow:  entry.ContextLength,
			PromptCost:     prompt,
			CompletionCost: completion,
			Capabilities:   Capabilities{Chat: true, Completion: true},
		})
	}
	return models, nil
}
