package backend

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Heratiki/locallama-mcp/internal/fault"
	"github.com/Heratiki/locallama-mcp/internal/registry"
	"go.uber.org/zap"
)

func fastPolicy() retryPolicy {
	return retryPolicy{
		maxRetries: 2,
		baseDelay:  time.Millisecond,
		maxDelay:   5 * time.Millisecond,
		rng:        rand.New(rand.NewSource(1)),
	}
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	calls := 0
	fn := func(ctx context.Context) (Response, error) {
		calls++
		if calls < 3 {
			return Response{}, fault.New(fault.BackendTransient, "flaky")
		}
		return Response{Content: "ok"}, nil
	}
	resp, err := fastPolicy().do(context.Background(), zap.NewNop(), "m", fn)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, calls, "two retries on top of the first attempt")
}

func TestRetryGivesUpAfterBudget(t *testing.T) {
	calls := 0
	fn := func(ctx context.Context) (Response, error) {
		calls++
		return Response{}, fault.New(fault.BackendTransient, "still down")
	}
	_, err := fastPolicy().do(context.Background(), zap.NewNop(), "m", fn)
	assert.Equal(t, fault.BackendTransient, fault.KindOf(err))
	assert.Equal(t, 3, calls)
}

func TestRetryNeverRepeatsPermanentFailures(t *testing.T) {
	calls := 0
	fn := func(ctx context.Context) (Response, error) {
		calls++
		return Response{}, fault.New(fault.BackendPermanent, "bad auth")
	}
	_, err := fastPolicy().do(context.Background(), zap.NewNop(), "m", fn)
	assert.Equal(t, fault.BackendPermanent, fault.KindOf(err))
	assert.Equal(t, 1, calls)
}

func TestRetryStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fn := func(ctx context.Context) (Response, error) {
		cancel()
		return Response{}, fault.New(fault.BackendTransient, "flaky")
	}
	_, err := fastPolicy().do(ctx, zap.NewNop(), "m", fn)
	assert.Error(t, err)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := retryPolicy{
		maxRetries: 5,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   5 * time.Second,
		rng:        rand.New(rand.NewSource(1)),
	}
	for attempt, want := range []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second,
		5 * time.Second, 5 * time.Second,
	} {
		got := p.backoff(attempt)
		assert.GreaterOrEqual(t, got, want, "attempt %d", attempt)
		assert.Less(t, got, want+p.baseDelay, "attempt %d jitter bound", attempt)
	}
}

func TestOpenRouterWithoutKeyIsPreconditionFailed(t *testing.T) {
	b := newOpenAICompat(registry.OpenRouter, openRouterBaseURL, "")
	_, err := b.Chat(context.Background(), Request{Model: "openai/gpt-4o", Prompt: "hi"})
	assert.Equal(t, fault.PreconditionFailed, fault.KindOf(err))
}

func TestOllamaChatRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3:8b", req.Model)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message:         ollamaMessage{Role: "assistant", Content: "def f(): pass"},
			PromptEvalCount: 20,
			EvalCount:       10,
		})
	}))
	defer srv.Close()

	b := newOllamaBackend(srv.URL)
	resp, err := b.Chat(context.Background(), Request{
		Model: "llama3:8b", System: "be brief", Prompt: "write f", Temperature: 0.2,
	})
	require.NoError(t, err)
	assert.Equal(t, "def f(): pass", resp.Content)
	assert.Equal(t, 20, resp.TokensIn)
	assert.Equal(t, 10, resp.TokensOut)
}

func TestOllamaStatusClassification(t *testing.T) {
	for _, tc := range []struct {
		status int
		kind   fault.Kind
	}{
		{http.StatusNotFound, fault.BackendPermanent},
		{http.StatusTooManyRequests, fault.BackendTransient},
		{http.StatusInternalServerError, fault.BackendTransient},
		{http.StatusBadRequest, fault.BackendPermanent},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		b := newOllamaBackend(srv.URL)
		_, err := b.Chat(context.Background(), Request{Model: "m", Prompt: "p"})
		assert.Equal(t, tc.kind, fault.KindOf(err), "status %d", tc.status)
		srv.Close()
	}
}

func TestClassifyTransportErrors(t *testing.T) {
	err := classify(context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
}
