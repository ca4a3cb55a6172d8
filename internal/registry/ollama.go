package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/Heratiki/locallama-mcp/internal/fault"
)

// ollamaClient lists installed models from an Ollama server's
// /api/tags endpoint.
type ollamaClient struct {
	endpoint string
	http     *http.Client
}

func newOllamaClient(endpoint string) *ollamaClient {
	return &ollamaClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *ollamaClient) Provider() Provider { return Ollama }

func (c *ollamaClient) List(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.BackendTransient, err, "ollama unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.BackendTransient, "ollama /api/tags returned %d", resp.StatusCode)
	}

	var body struct {
		Models []struct {
			Name    string `json:"name"`
			Details struct {
				ParameterSize string `json:"parameter_size"`
			} `json:"details"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fault.Wrap(fault.BackendPermanent, err, "ollama /api/tags decode")
	}

	models := make([]Model, 0, len(body.Models))
	for _, entry := range body.Models {
		models = append(models, Model{
			Provider:      Ollama,
			ID:            entry.Name,
			Name:          entry.Name,
			ContextWindow: localContextWindow(entry.Name),
			Capabilities:  Capabilities{Chat: true, Completion: true},
		})
	}
	return models, nil
}
