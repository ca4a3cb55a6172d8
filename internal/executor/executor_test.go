package executor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Heratiki/locallama-mcp/internal/backend"
	"github.com/Heratiki/locallama-mcp/internal/codeindex"
	"github.com/Heratiki/locallama-mcp/internal/decompose"
	"github.com/Heratiki/locallama-mcp/internal/fault"
	"github.com/Heratiki/locallama-mcp/internal/jobs"
	"github.com/Heratiki/locallama-mcp/internal/registry"
	"github.com/Heratiki/locallama-mcp/internal/route"
	"github.com/Heratiki/locallama-mcp/internal/score"
)

// scriptedChat answers by model id and records every prompt.
type scriptedChat struct {
	mu      sync.Mutex
	answers map[string]string
	errs    map[string]error
	prompts []backend.Request
}

func (s *scriptedChat) Chat(_ context.Context, m registry.Model, req backend.Request) (backend.Response, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, req)
	s.mu.Unlock()
	if err, ok := s.errs[m.ID]; ok {
		return backend.Response{}, err
	}
	return backend.Response{
		Content: s.answers[m.ID], TokensIn: 10, TokensOut: 20, Duration: time.Millisecond,
	}, nil
}

func (s *scriptedChat) allPrompts() []backend.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.Request(nil), s.prompts...)
}

type fixedSearch struct{ results []codeindex.Result }

func (f fixedSearch) Search(string, int) ([]codeindex.Result, error) { return f.results, nil }

func localModel(id string) registry.Model {
	return registry.Model{Provider: registry.LMStudio, ID: id, ContextWindow: 8192}
}

func linearTask() *decompose.DecomposedTask {
	return &decompose.DecomposedTask{
		Task: "build the parser",
		Subtasks: []decompose.Subtask{
			{ID: "st-1", Description: "implement the tokenizer", Complexity: 0.5,
				EstimatedTokens: 100, CodeType: decompose.CodeFunction},
			{ID: "st-2", Description: "implement the parser using the tokenizer", Complexity: 0.6,
				EstimatedTokens: 100, CodeType: decompose.CodeFunction, Dependencies: []string{"st-1"}},
		},
		ExecutionOrder: []string{"st-1", "st-2"},
	}
}

func assignmentsFor(task *decompose.DecomposedTask, m registry.Model) map[string]route.Assignment {
	out := make(map[string]route.Assignment, len(task.Subtasks))
	for _, st := range task.Subtasks {
		out[st.ID] = route.Assignment{SubtaskID: st.ID, Model: m}
	}
	return out
}

func TestExecutePassesDependencyContextInPlannerOrder(t *testing.T) {
	chat := &scriptedChat{answers: map[string]string{"worker": "tokenize() {}\nparse() {}"}}
	tracker := jobs.NewTracker(nil, nil)
	job := tracker.Create("build the parser", "lm-studio:worker")

	e := New(Config{Chat: chat, Tracker: tracker, Concurrency: 2})
	task := linearTask()
	result, err := e.Execute(context.Background(), job.ID, task,
		assignmentsFor(task, localModel("worker")), nil, "")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Code)

	prompts := chat.allPrompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0].Prompt, "implement the tokenizer")
	assert.Contains(t, prompts[1].Prompt, "st-1: implement the tokenizer",
		"the consumer sees the producer's output as context")

	got, err := tracker.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.Completed, got.Status)
	assert.Equal(t, 100, got.Progress)
}

func TestFailureWithDependentsFailsJob(t *testing.T) {
	chat := &scriptedChat{
		answers: map[string]string{"worker": "code"},
		errs:    map[string]error{"broken": fault.New(fault.BackendPermanent, "model gone")},
	}
	tracker := jobs.NewTracker(nil, nil)
	job := tracker.Create("build the parser", "m")

	task := linearTask()
	assignments := map[string]route.Assignment{
		"st-1": {SubtaskID: "st-1", Model: localModel("broken")},
		"st-2": {SubtaskID: "st-2", Model: localModel("worker")},
	}
	e := New(Config{Chat: chat, Tracker: tracker, Concurrency: 2})
	_, err := e.Execute(context.Background(), job.ID, task, assignments, nil, "")
	require.Error(t, err)

	got, err := tracker.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.Failed, got.Status)
}

func TestLeafFailureDegradesToAnnotatedDocument(t *testing.T) {
	task := &decompose.DecomposedTask{
		Task: "two independent pieces",
		Subtasks: []decompose.Subtask{
			{ID: "st-1", Description: "piece one", Complexity: 0.5, EstimatedTokens: 100},
			{ID: "st-2", Description: "piece two", Complexity: 0.5, EstimatedTokens: 100},
		},
		ExecutionOrder: []string{"st-1", "st-2"},
	}
	chat := &scriptedChat{
		answers: map[string]string{"worker": "piece one code\nok"},
		errs:    map[string]error{"broken": fault.New(fault.BackendPermanent, "model gone")},
	}
	tracker := jobs.NewTracker(nil, nil)
	job := tracker.Create("two independent pieces", "m")

	assignments := map[string]route.Assignment{
		"st-1": {SubtaskID: "st-1", Model: localModel("worker")},
		"st-2": {SubtaskID: "st-2", Model: localModel("broken")},
	}
	e := New(Config{Chat: chat, Tracker: tracker, Concurrency: 2})
	result, err := e.Execute(context.Background(), job.ID, task, assignments, nil, "")
	require.NoError(t, err, "a leaf failure must not fail the job")
	assert.Contains(t, result.Code, "piece one code")
	assert.Contains(t, result.Code, "[failed:")

	got, err := tracker.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.Completed, got.Status)
}

func TestCancelledJobStopsAtBoundary(t *testing.T) {
	chat := &scriptedChat{answers: map[string]string{"worker": "code"}}
	tracker := jobs.NewTracker(nil, nil)
	job := tracker.Create("task", "m")
	require.NoError(t, tracker.Cancel(job.ID))

	task := linearTask()
	e := New(Config{Chat: chat, Tracker: tracker, Concurrency: 1})
	_, err := e.Execute(context.Background(), job.ID, task,
		assignmentsFor(task, localModel("worker")), nil, "")
	require.Error(t, err)
	assert.Equal(t, fault.PreconditionFailed, fault.KindOf(err))
	assert.Empty(t, chat.allPrompts(), "no backend call after cancellation")
}

func TestSnippetsEmbeddedForCodeShapedSubtasks(t *testing.T) {
	chat := &scriptedChat{answers: map[string]string{"worker": "code\nmore"}}
	tracker := jobs.NewTracker(nil, nil)
	job := tracker.Create("task", "m")

	task := &decompose.DecomposedTask{
		Task: "factorial",
		Subtasks: []decompose.Subtask{{
			ID: "st-1", Description: "write factorial", Complexity: 0.3,
			EstimatedTokens: 100, CodeType: decompose.CodeFunction,
		}},
		ExecutionOrder: []string{"st-1"},
	}
	e := New(Config{
		Chat: chat, Tracker: tracker, Concurrency: 1,
		Index: fixedSearch{results: []codeindex.Result{
			{Path: "/ex/fact.py", Content: "def factorial(n): ...", Score: 2.0},
		}},
	})
	_, err := e.Execute(context.Background(), job.ID, task,
		assignmentsFor(task, localModel("worker")), nil, "")
	require.NoError(t, err)

	prompts := chat.allPrompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0].Prompt, "/ex/fact.py")
	assert.Contains(t, prompts[0].Prompt, "def factorial")
}

// cannedSelector feeds the router a fixed selection.
type cannedSelector struct{ sel score.Selection }

func (c cannedSelector) Select([]registry.Model, decompose.Subtask, string) (score.Selection, error) {
	return c.sel, nil
}

// gatedChat tracks how many calls overlap.
type gatedChat struct {
	delay       time.Duration
	content     string
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
}

func (g *gatedChat) Chat(ctx context.Context, _ registry.Model, _ backend.Request) (backend.Response, error) {
	cur := g.inFlight.Add(1)
	for {
		max := g.maxInFlight.Load()
		if cur <= max || g.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	g.calls.Add(1)
	select {
	case <-time.After(g.delay):
	case <-ctx.Done():
	}
	g.inFlight.Add(-1)
	return backend.Response{Content: g.content, TokensIn: 5, TokensOut: 10, Duration: g.delay}, nil
}

func TestQueuedAssignmentsWaitForRouterPromotion(t *testing.T) {
	m := localModel("solo")
	sel := score.Selection{
		Model: m, Score: 0.7, Reason: "only candidate",
		Candidates: []score.Candidate{{Model: m, Score: 0.7}},
	}
	router := route.New(cannedSelector{sel: sel}, 3, 1, nil, nil)

	task := &decompose.DecomposedTask{
		Task: "three independent pieces",
		Subtasks: []decompose.Subtask{
			{ID: "st-1", Description: "one", Complexity: 0.5, EstimatedTokens: 4000},
			{ID: "st-2", Description: "two", Complexity: 0.5, EstimatedTokens: 4000},
			{ID: "st-3", Description: "three", Complexity: 0.5, EstimatedTokens: 4000},
		},
		ExecutionOrder: []string{"st-1", "st-2", "st-3"},
	}
	assignments, err := router.Assign(task, nil, route.Options{})
	require.NoError(t, err)
	queued := 0
	for _, a := range assignments {
		if a.Queued {
			queued++
		}
	}
	require.Equal(t, 2, queued, "hard cap 1 admits one subtask at a time")

	chat := &gatedChat{delay: 5 * time.Millisecond, content: "code\nmore"}
	tracker := jobs.NewTracker(nil, nil)
	job := tracker.Create("three independent pieces", m.Ref())

	e := New(Config{Chat: chat, Tracker: tracker, Loads: router, Concurrency: 3})
	_, err = e.Execute(context.Background(), job.ID, task, assignments, nil, "")
	require.NoError(t, err)

	assert.EqualValues(t, 3, chat.calls.Load(), "every queued subtask eventually runs")
	assert.EqualValues(t, 1, chat.maxInFlight.Load(),
		"queued subtasks never overlap the model's active assignment")
}

func TestSynthesisPicksFreeRemoteAndDegradesGracefully(t *testing.T) {
	free := registry.Model{Provider: registry.OpenRouter, ID: "a/free:free", ContextWindow: 1 << 20}
	paid := registry.Model{Provider: registry.OpenRouter, ID: "b/paid", ContextWindow: 1 << 20,
		PromptCost: 1e-6, CompletionCost: 1e-6}

	e := New(Config{Chat: &scriptedChat{}, Tracker: jobs.NewTracker(nil, nil)})
	m, ok := e.synthesisModel([]registry.Model{paid, free}, "short doc", "")
	require.True(t, ok)
	assert.Equal(t, "a/free:free", m.ID, "free remote models are preferred for synthesis")

	// Nothing fits and no default: synthesis is skipped.
	_, ok = e.synthesisModel([]registry.Model{{Provider: registry.LMStudio, ID: "local", ContextWindow: 4096}},
		strings.Repeat("x", 100000), "")
	assert.False(t, ok)

	// Default reference resolves against the catalog.
	m, ok = e.synthesisModel([]registry.Model{{Provider: registry.LMStudio, ID: "local", ContextWindow: 4096}},
		strings.Repeat("x", 100000), "lm-studio:local")
	require.True(t, ok)
	assert.Equal(t, "local", m.ID)
}

func TestSynthesisFailureReturnsFramedDocument(t *testing.T) {
	chat := &scriptedChat{
		answers: map[string]string{"worker": "part one\ncode", "helper": "part two\ncode"},
		errs:    map[string]error{"a/free:free": fault.New(fault.BackendTransient, "down")},
	}
	tracker := jobs.NewTracker(nil, nil)
	job := tracker.Create("task", "m")

	task := &decompose.DecomposedTask{
		Task: "task",
		Subtasks: []decompose.Subtask{
			{ID: "st-1", Description: "one", Complexity: 0.5, EstimatedTokens: 50},
			{ID: "st-2", Description: "two", Complexity: 0.5, EstimatedTokens: 50},
		},
		ExecutionOrder: []string{"st-1", "st-2"},
	}
	assignments := map[string]route.Assignment{
		"st-1": {SubtaskID: "st-1", Model: localModel("worker")},
		"st-2": {SubtaskID: "st-2", Model: localModel("helper")},
	}
	synth := []registry.Model{{Provider: registry.OpenRouter, ID: "a/free:free", ContextWindow: 1 << 20}}

	e := New(Config{Chat: chat, Tracker: tracker, Concurrency: 2})
	result, err := e.Execute(context.Background(), job.ID, task, assignments, synth, "")
	require.NoError(t, err)
	assert.False(t, result.Synthesis)
	assert.Contains(t, result.Code, "part one")
	assert.Contains(t, result.Code, "part two")
	assert.Contains(t, result.Code, "[synthesis unavailable:")
}
