package registry

import (
	"context"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/Heratiki/locallama-mcp/internal/fault"
)

// lmStudioClient lists models from an LM Studio server through its
// OpenAI-compatible models endpoint.
type lmStudioClient struct {
	client openai.Client
}

func newLMStudioClient(endpoint string) *lmStudioClient {
	return &lmStudioClient{
		client: openai.NewClient(
			option.WithBaseURL(endpoint),
			// The SDK insists on a key; loopback servers ignore it.
			option.WithAPIKey("lm-studio"),
		),
	}
}

func (c *lmStudioClient) Provider() Provider { return LMStudio }

func (c *lmStudioClient) List(ctx context.Context) ([]Model, error) {
	page, err := c.client.Models.List(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.BackendTransient, err, "lm-studio model listing failed")
	}

	models := make([]Model, 0, len(page.Data))
	for _, entry := range page.Data {
		models = append(models, Model{
			Provider:      LMStudio,
			ID:            entry.ID,
			Name:          entry.ID,
			ContextWindow: localContextWindow(entry.ID),
			Capabilities:  Capabilities{Chat: true, Completion: true},
		})
	}
	return models, nil
}

// localContextWindow guesses the window for local models, which do not
// advertise one. Known long-context families get their documented
// window; everything else gets a conservative default.
func localContextWindow(id string) int {
	lower := strings.ToLower(id)
	switch {
	case strings.Contains(lower, "llama-3") || strings.Contains(lower, "llama3"):
		return 8192
	case strings.Contains(lower, "qwen"):
		return 32768
	case strings.Contains(lower, "mistral") || strings.Contains(lower, "mixtral"):
		return 32768
	case strings.Contains(lower, "phi-3") || strings.Contains(lower, "phi3"):
		return 4096
	default:
		return 4096
	}
}
