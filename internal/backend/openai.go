package backend

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/Heratiki/locallama-mcp/internal/fault"
	"github.com/Heratiki/locallama-mcp/internal/registry"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// openAICompat speaks the OpenAI chat-completions wire format. It
// serves both LM Studio (loopback, no key) and OpenRouter (hosted,
// key required).
type openAICompat struct {
	provider registry.Provider
	client   openai.Client
	hasKey   bool
}

func newOpenAICompat(provider registry.Provider, baseURL, apiKey string) *openAICompat {
	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	} else {
		// The SDK insists on a key; loopback servers ignore it.
		opts = append(opts, option.WithAPIKey("not-needed"))
	}
	return &openAICompat{
		provider: provider,
		client:   openai.NewClient(opts...),
		hasKey:   apiKey != "",
	}
}

func (b *openAICompat) Provider() registry.Provider { return b.provider }

func (b *openAICompat) Chat(ctx context.Context, req Request) (Response, error) {
	if b.provider == registry.OpenRouter && !b.hasKey {
		return Response{}, fault.New(fault.PreconditionFailed,
			"openrouter call without a configured API key").
			WithHint("set OPENROUTER_API_KEY")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	start := time.Now()
	completion, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, classify(err)
	}
	if len(completion.Choices) == 0 {
		return Response{}, fault.New(fault.BackendPermanent, "%s returned no choices", b.provider)
	}
	return Response{
		Content:   completion.Choices[0].Message.Content,
		TokensIn:  int(completion.Usage.PromptTokens),
		TokensOut: int(completion.Usage.CompletionTokens),
		Duration:  time.Since(start),
	}, nil
}

// classify maps SDK and transport errors onto the retry taxonomy.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
			return fault.Wrap(fault.BackendTransient, err, "backend returned %d", apiErr.StatusCode)
		default:
			// Auth, bad request, context length, model not found,
			// content filter: retrying cannot help.
			return fault.Wrap(fault.BackendPermanent, err, "backend returned %d", apiErr.StatusCode)
		}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "eof") {
		return fault.Wrap(fault.BackendTransient, err, "backend unreachable")
	}
	return fault.Wrap(fault.BackendPermanent, err, "backend call failed")
}
