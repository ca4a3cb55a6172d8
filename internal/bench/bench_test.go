package bench

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Heratiki/locallama-mcp/internal/backend"
	"github.com/Heratiki/locallama-mcp/internal/fault"
	"github.com/Heratiki/locallama-mcp/internal/perf"
	"github.com/Heratiki/locallama-mcp/internal/registry"
)

type benchChat struct {
	calls   atomic.Int64
	answers map[string]string
	errs    map[string]error
}

func (b *benchChat) Chat(_ context.Context, m registry.Model, _ backend.Request) (backend.Response, error) {
	b.calls.Add(1)
	if err, ok := b.errs[m.ID]; ok {
		return backend.Response{}, err
	}
	return backend.Response{Content: b.answers[m.ID], TokensIn: 20, TokensOut: 40}, nil
}

func freeModel(id string) registry.Model {
	return registry.Model{Provider: registry.OpenRouter, ID: id, ContextWindow: 32768}
}

func sampleTasks() []Task {
	return []Task{
		{TaskID: "fib", Task: "write a fibonacci function", ContextLength: 200, Complexity: 0.3},
		{TaskID: "sort", Task: "implement merge sort", ContextLength: 300, Complexity: 0.5},
	}
}

func newStore(t *testing.T) *perf.Store {
	t.Helper()
	return perf.NewStore(t.TempDir(), zap.NewNop())
}

func TestRunAggregatesPerModel(t *testing.T) {
	chat := &benchChat{
		answers: map[string]string{
			"good/model:free": "def fib(n):\n    return n",
		},
		errs: map[string]error{
			"bad/model:free": fault.New(fault.BackendTransient, "overloaded"),
		},
	}
	stats := newStore(t)
	r := NewRunner(chat, stats, "", zap.NewNop())

	summaries, err := r.Run(context.Background(),
		[]registry.Model{freeModel("good/model:free"), freeModel("bad/model:free")},
		sampleTasks(), Options{RunsPerTask: 2})
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	// Sorted by reference: bad before good.
	bad, good := summaries[0], summaries[1]
	assert.Equal(t, "openrouter:bad/model:free", bad.Model)
	assert.Zero(t, bad.SuccessRate)
	assert.Zero(t, bad.CompletedTasks)

	assert.Equal(t, "openrouter:good/model:free", good.Model)
	assert.Equal(t, 1.0, good.SuccessRate)
	assert.Equal(t, 4, good.CompletedTasks, "2 tasks x 2 runs")
	assert.Greater(t, good.QualityScore, 0.5)

	assert.EqualValues(t, 8, chat.calls.Load(), "2 models x 2 tasks x 2 runs")

	// Every run lands in the performance store.
	st, ok := stats.StatsFor("openrouter:good/model:free")
	require.True(t, ok)
	assert.Equal(t, 1.0, st.SuccessRate)
}

func TestRunWritesBootstrapReadableHistory(t *testing.T) {
	chat := &benchChat{answers: map[string]string{"good/model:free": "code()\nmore"}}
	dir := t.TempDir()
	r := NewRunner(chat, nil, dir, zap.NewNop())

	_, err := r.Run(context.Background(),
		[]registry.Model{freeModel("good/model:free")}, sampleTasks(), Options{})
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(dir, "comprehensive-results-*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	// A fresh store bootstraps from the file the runner just wrote.
	store := newStore(t)
	store.Bootstrap(dir)
	st, ok := store.StatsFor("openrouter:good/model:free")
	require.True(t, ok)
	assert.Equal(t, 1.0, st.SuccessRate)
}

func TestRunValidatesInput(t *testing.T) {
	r := NewRunner(&benchChat{}, nil, "", zap.NewNop())

	_, err := r.Run(context.Background(), nil, sampleTasks(), Options{})
	assert.Equal(t, fault.NoSuitableModel, fault.KindOf(err))

	_, err = r.Run(context.Background(), []registry.Model{freeModel("m:free")}, nil, Options{})
	assert.Equal(t, fault.InputInvalid, fault.KindOf(err))

	_, err = r.Run(context.Background(), []registry.Model{freeModel("m:free")},
		[]Task{{Task: "no id"}}, Options{})
	assert.Equal(t, fault.InputInvalid, fault.KindOf(err))
}

func TestParallelRunsHonorCancellation(t *testing.T) {
	chat := &benchChat{answers: map[string]string{"m:free": "x\ny"}}
	r := NewRunner(chat, nil, "", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, []registry.Model{freeModel("m:free")}, sampleTasks(),
		Options{Parallel: true, MaxParallelTasks: 4})
	require.Error(t, err)
}

func TestHistoryFileNameEmbedsTimestamp(t *testing.T) {
	chat := &benchChat{answers: map[string]string{"m:free": "ok()\nx"}}
	dir := t.TempDir()
	r := NewRunner(chat, nil, dir, zap.NewNop())
	r.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	_, err := r.Run(context.Background(), []registry.Model{freeModel("m:free")},
		sampleTasks()[:1], Options{})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "comprehensive-results-20260301-120000.json"))
	require.NoError(t, err)
	var out []ModelSummary
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out, 1)
}
