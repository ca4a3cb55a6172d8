package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/Heratiki/locallama-mcp/internal/fault"
	"github.com/Heratiki/locallama-mcp/internal/registry"
)

// ollamaBackend speaks Ollama's native /api/chat endpoint,
// non-streaming.
type ollamaBackend struct {
	endpoint string
	http     *http.Client
}

func newOllamaBackend(endpoint string) *ollamaBackend {
	return &ollamaBackend{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: 120 * time.Second},
	}
}

func (b *ollamaBackend) Provider() registry.Provider { return registry.Ollama }

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

func (b *ollamaBackend) Chat(ctx context.Context, req Request) (Response, error) {
	messages := make([]ollamaMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(ollamaChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   false,
		Options:  ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	})
	if err != nil {
		return Response{}, fault.Wrap(fault.Internal, err, "encode ollama request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := b.http.Do(httpReq)
	if err != nil {
		return Response{}, classify(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return Response{}, fault.New(fault.BackendPermanent, "ollama model %q not found", req.Model)
	case resp.StatusCode == 429 || resp.StatusCode >= 500:
		return Response{}, fault.New(fault.BackendTransient, "ollama returned %d", resp.StatusCode)
	default:
		return Response{}, fault.New(fault.BackendPermanent, "ollama returned %d", resp.StatusCode)
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fault.Wrap(fault.BackendPermanent, err, "decode ollama response")
	}
	return Response{
		Content:   out.Message.Content,
		TokensIn:  out.PromptEvalCount,
		TokensOut: out.EvalCount,
		Duration:  time.Since(start),
	}, nil
}
