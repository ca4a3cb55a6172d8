package server

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Heratiki/locallama-mcp/internal/bench"
	"github.com/Heratiki/locallama-mcp/internal/codeindex"
	"github.com/Heratiki/locallama-mcp/internal/config"
	"github.com/Heratiki/locallama-mcp/internal/cost"
	"github.com/Heratiki/locallama-mcp/internal/decompose"
	"github.com/Heratiki/locallama-mcp/internal/executor"
	"github.com/Heratiki/locallama-mcp/internal/fault"
	"github.com/Heratiki/locallama-mcp/internal/jobs"
	"github.com/Heratiki/locallama-mcp/internal/perf"
	"github.com/Heratiki/locallama-mcp/internal/registry"
	"github.com/Heratiki/locallama-mcp/internal/route"
	"github.com/Heratiki/locallama-mcp/internal/score"
)

type fakeCatalog struct {
	models    []registry.Model
	refreshes atomic.Int64
}

func (f *fakeCatalog) Models(context.Context) []registry.Model { return f.models }

func (f *fakeCatalog) FreeModels(context.Context) ([]registry.Model, error) {
	var out []registry.Model
	for _, m := range f.models {
		if m.Free() {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeCatalog) Refresh(context.Context) { f.refreshes.Add(1) }

func (f *fakeCatalog) Lookup(_ context.Context, ref string) (registry.Model, error) {
	provider, id, err := registry.ParseRef(ref)
	if err != nil {
		return registry.Model{}, fault.Invalid("model", "%v", err)
	}
	for _, m := range f.models {
		if m.Provider == provider && m.ID == id {
			return m, nil
		}
	}
	return registry.Model{}, fault.New(fault.NotFound, "model %s not in catalog", ref)
}

func (f *fakeCatalog) ModelsFor(_ context.Context, provider registry.Provider) ([]registry.Model, error) {
	var out []registry.Model
	for _, m := range f.models {
		if m.Provider == provider {
			out = append(out, m)
		}
	}
	return out, nil
}

// fakeRunner completes the job the way the real executor does and
// hands back canned code.
type fakeRunner struct {
	tracker *jobs.Tracker
	code    string
	calls   atomic.Int64
}

func (f *fakeRunner) Execute(_ context.Context, jobID string, _ *decompose.DecomposedTask,
	_ map[string]route.Assignment, _ []registry.Model, _ string) (executor.Result, error) {
	f.calls.Add(1)
	f.tracker.Complete(jobID, []string{f.code})
	return executor.Result{Code: f.code, Synthesis: true}, nil
}

type cannedSearch struct {
	results []codeindex.Result
}

func (c cannedSearch) Search(string, int) ([]codeindex.Result, error) { return c.results, nil }
func (c cannedSearch) DocumentCount() int                             { return len(c.results) }

type testHarness struct {
	svc     *Service
	catalog *fakeCatalog
	tracker *jobs.Tracker
	runner  *fakeRunner
}

func newHarness(t *testing.T, models []registry.Model, index searcher) *testHarness {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	cat := &fakeCatalog{models: models}
	tracker := jobs.NewTracker(jobs.NewBus(), zap.NewNop())
	runner := &fakeRunner{tracker: tracker, code: "def factorial(n):\n    return 1 if n < 2 else n * factorial(n - 1)"}

	stats := perf.NewStore(t.TempDir(), zap.NewNop())
	scorer := score.New(stats, zap.NewNop(), score.WithJitter(func() float64 { return 0 }))
	router := route.New(scorer, cfg.LoadCap, cfg.HardLoadCap,
		route.NewMetrics(prometheus.NewRegistry()), zap.NewNop())

	svc := NewService(Deps{
		Config:    cfg,
		Catalog:   cat,
		Index:     index,
		Scorer:    scorer,
		Router:    router,
		Runner:    runner,
		Estimator: cost.NewEstimator(cat),
		Tracker:   tracker,
		Logger:    zap.NewNop(),
	})
	return &testHarness{svc: svc, catalog: cat, tracker: tracker, runner: runner}
}

func localFree(id string, window int) registry.Model {
	return registry.Model{Provider: registry.LMStudio, ID: id, ContextWindow: window}
}

func TestRouteTaskPrefersFreeLocalModel(t *testing.T) {
	h := newHarness(t, []registry.Model{localFree("phi3-mini", 4096)}, nil)

	resp, err := h.svc.RouteTask(context.Background(), RouteTaskRequest{
		Task:          "write factorial in python",
		ContextLength: 200,
		Priority:      "cost",
	})
	require.NoError(t, err)

	assert.Equal(t, "lm-studio", resp.Provider)
	assert.Equal(t, "phi3-mini", resp.Model)
	assert.Contains(t, resp.Reason, "minimize costs")
	assert.Zero(t, resp.EstimatedCost)
	assert.NotEmpty(t, resp.ResultCode)
	require.NotEmpty(t, resp.JobID)

	job, err := h.tracker.Get(resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.Completed, job.Status)
}

func TestRouteTaskNoWindowFitsCreatesNoJob(t *testing.T) {
	h := newHarness(t, []registry.Model{localFree("phi3-mini", 4096)}, nil)

	_, err := h.svc.RouteTask(context.Background(), RouteTaskRequest{
		Task:          "X",
		ContextLength: 200000,
	})
	require.Error(t, err)
	assert.Equal(t, fault.NoSuitableModel, fault.KindOf(err))
	assert.Empty(t, h.tracker.Active(), "no job may exist after a routing failure")
	assert.Zero(t, h.runner.calls.Load())
}

func TestRouteTaskRetrievalHitShortCircuits(t *testing.T) {
	const doc = "def factorial(n):\n    return 1 if n < 2 else n * factorial(n - 1)\n"
	index := cannedSearch{results: []codeindex.Result{
		{Path: "/ex/fact.py", Content: doc, Score: 0.93},
	}}
	h := newHarness(t, []registry.Model{localFree("phi3-mini", 4096)}, index)

	resp, err := h.svc.RouteTask(context.Background(), RouteTaskRequest{
		Task:          "python factorial function",
		ContextLength: 200,
	})
	require.NoError(t, err)

	assert.Equal(t, "local-cache", resp.Provider)
	assert.Equal(t, "retriv", resp.Model)
	assert.Equal(t, doc, resp.ResultCode)
	assert.Zero(t, resp.EstimatedCost)
	assert.Empty(t, resp.JobID, "cache hits never create jobs")
	assert.Zero(t, h.runner.calls.Load())
}

func TestRouteTaskWeakRetrievalScoreFallsThrough(t *testing.T) {
	index := cannedSearch{results: []codeindex.Result{
		{Path: "/ex/other.py", Content: "pass", Score: 0.5},
	}}
	h := newHarness(t, []registry.Model{localFree("phi3-mini", 4096)}, index)

	resp, err := h.svc.RouteTask(context.Background(), RouteTaskRequest{
		Task:          "write factorial in python",
		ContextLength: 200,
	})
	require.NoError(t, err)
	assert.Equal(t, "phi3-mini", resp.Model, "a below-threshold hit routes normally")
	assert.EqualValues(t, 1, h.runner.calls.Load())
}

func TestRouteTaskValidation(t *testing.T) {
	h := newHarness(t, []registry.Model{localFree("phi3-mini", 4096)}, nil)
	bad := 1.5

	cases := []RouteTaskRequest{
		{Task: "", ContextLength: 100},
		{Task: "x", ContextLength: 0},
		{Task: "x", ContextLength: 100, Complexity: &bad},
		{Task: "x", ContextLength: 100, Priority: "fastest"},
	}
	for _, req := range cases {
		_, err := h.svc.RouteTask(context.Background(), req)
		assert.Equal(t, fault.InputInvalid, fault.KindOf(err), "request %+v", req)
	}
}

// recordingAssigner captures the routing options the pipeline built.
type recordingAssigner struct {
	opts route.Options
}

func (r *recordingAssigner) Assign(task *decompose.DecomposedTask, models []registry.Model,
	opts route.Options) (map[string]route.Assignment, error) {
	r.opts = opts
	out := make(map[string]route.Assignment, len(task.Subtasks))
	for _, st := range task.Subtasks {
		out[st.ID] = route.Assignment{SubtaskID: st.ID, Model: models[0], Score: 0.7, Reason: "recorded"}
	}
	return out, nil
}

func TestRouteTaskForwardsPriorityAndBatch(t *testing.T) {
	h := newHarness(t, []registry.Model{localFree("phi3-mini", 4096)}, nil)
	rec := &recordingAssigner{}
	h.svc.router = rec

	_, err := h.svc.RouteTask(context.Background(), RouteTaskRequest{
		Task:          "write factorial in python",
		ContextLength: 200,
		Priority:      "efficiency",
		Batch:         true,
	})
	require.NoError(t, err)
	assert.Equal(t, route.PriorityEfficiency, rec.opts.Priority,
		"the efficiency path must be reachable from the tool surface")
	assert.True(t, rec.opts.Batch)
}

func TestPreemptiveRouteTaskSelectsWithoutJob(t *testing.T) {
	h := newHarness(t, []registry.Model{localFree("phi3-mini", 4096)}, nil)

	resp, err := h.svc.PreemptiveRouteTask(context.Background(), RouteTaskRequest{
		Task:          "write factorial in python",
		ContextLength: 200,
	})
	require.NoError(t, err)
	assert.Equal(t, "phi3-mini", resp.Model)
	assert.NotEmpty(t, resp.Reason)
	assert.Empty(t, h.tracker.Active())
	assert.Zero(t, h.runner.calls.Load())
}

func TestRouteTaskPreemptiveFlagSkipsExecution(t *testing.T) {
	h := newHarness(t, []registry.Model{localFree("phi3-mini", 4096)}, nil)

	resp, err := h.svc.RouteTask(context.Background(), RouteTaskRequest{
		Task:          "write factorial in python",
		ContextLength: 200,
		Preemptive:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "phi3-mini", resp.Model)
	assert.Empty(t, resp.JobID)
	assert.Empty(t, resp.ResultCode)
	assert.Zero(t, h.runner.calls.Load())
}

func TestCancelJobSemantics(t *testing.T) {
	h := newHarness(t, []registry.Model{localFree("phi3-mini", 4096)}, nil)
	job := h.tracker.Create("long task", "lm-studio:phi3-mini")

	resp, err := h.svc.CancelJob(job.ID)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, jobs.Cancelled, resp.Status)

	// Cancelling again reports the terminal state without an error.
	resp, err = h.svc.CancelJob(job.ID)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, jobs.Cancelled, resp.Status)
	assert.Contains(t, resp.Message, "already")

	_, err = h.svc.CancelJob("no-such-job")
	assert.Equal(t, fault.NotFound, fault.KindOf(err))

	_, err = h.svc.CancelJob("")
	assert.Equal(t, fault.InputInvalid, fault.KindOf(err))
}

func TestGetFreeModelsForceRefresh(t *testing.T) {
	models := []registry.Model{
		localFree("phi3-mini", 4096),
		{Provider: registry.OpenRouter, ID: "a/paid", ContextWindow: 32768, PromptCost: 1e-6},
	}
	h := newHarness(t, models, nil)

	free, err := h.svc.GetFreeModels(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, free, 1)
	assert.Equal(t, "phi3-mini", free[0].ID)
	assert.Zero(t, h.catalog.refreshes.Load())

	_, err = h.svc.GetFreeModels(context.Background(), true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.catalog.refreshes.Load())
}

func TestGetCostEstimateSingleModelAndBreakdown(t *testing.T) {
	models := []registry.Model{
		localFree("phi3-mini", 4096),
		{Provider: registry.OpenRouter, ID: "openai/gpt-4o", ContextWindow: 128000,
			PromptCost: 2.5e-6, CompletionCost: 10e-6},
	}
	h := newHarness(t, models, nil)

	one, err := h.svc.GetCostEstimate(context.Background(), CostEstimateRequest{
		ContextLength: 1000, ExpectedOutputLength: 500, Model: "openrouter:openai/gpt-4o",
	})
	require.NoError(t, err)
	require.NotNil(t, one.Cheapest)
	assert.InDelta(t, 0.0075, one.Cheapest.Total, 1e-9)

	all, err := h.svc.GetCostEstimate(context.Background(), CostEstimateRequest{ContextLength: 1000})
	require.NoError(t, err)
	assert.Len(t, all.Providers, 2)
	require.NotNil(t, all.Cheapest)
	assert.Equal(t, "lm-studio", all.Cheapest.Provider)

	_, err = h.svc.GetCostEstimate(context.Background(), CostEstimateRequest{ContextLength: 0})
	assert.Equal(t, fault.InputInvalid, fault.KindOf(err))
}

type cannedBench struct {
	summaries []bench.ModelSummary
	got       []registry.Model
}

func (c *cannedBench) Run(_ context.Context, models []registry.Model, _ []bench.Task, _ bench.Options) ([]bench.ModelSummary, error) {
	c.got = models
	return c.summaries, nil
}

func TestBenchmarkFreeModelsFiltersToFree(t *testing.T) {
	models := []registry.Model{
		localFree("phi3-mini", 4096),
		{Provider: registry.OpenRouter, ID: "a/paid", ContextWindow: 32768, PromptCost: 1e-6},
	}
	h := newHarness(t, models, nil)
	runner := &cannedBench{summaries: []bench.ModelSummary{{Model: "lm-studio:phi3-mini"}}}
	h.svc.bench = runner

	out, err := h.svc.BenchmarkFreeModels(context.Background(), BenchmarkRequest{
		Tasks: []bench.Task{{TaskID: "fib", Task: "fib"}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, runner.got, 1)
	assert.Equal(t, "phi3-mini", runner.got[0].ID)
}
