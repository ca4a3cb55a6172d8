// Package executor drives a planned task through its assigned
// backends: dependency-ordered execution with a bounded worker pool,
// context assembly from producer outputs, snippet retrieval, and
// final synthesis.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Heratiki/locallama-mcp/internal/backend"
	"github.com/Heratiki/locallama-mcp/internal/codeindex"
	"github.com/Heratiki/locallama-mcp/internal/decompose"
	"github.com/Heratiki/locallama-mcp/internal/fault"
	"github.com/Heratiki/locallama-mcp/internal/jobs"
	"github.com/Heratiki/locallama-mcp/internal/perf"
	"github.com/Heratiki/locallama-mcp/internal/registry"
	"github.com/Heratiki/locallama-mcp/internal/route"
)

// maxSnippets bounds how many index hits are embedded per subtask.
const maxSnippets = 3

// chatCaller is the dispatcher operation the executor needs.
type chatCaller interface {
	Chat(ctx context.Context, m registry.Model, req backend.Request) (backend.Response, error)
}

// snippetSearcher is the code-index operation the executor needs.
type snippetSearcher interface {
	Search(query string, limit int) ([]codeindex.Result, error)
}

// statsRecorder folds execution observations into the performance
// store.
type statsRecorder interface {
	Record(modelRef string, obs perf.Observation)
}

// loadGate admits queued subtasks when the router promotes them and
// returns capacity after a call.
type loadGate interface {
	WaitTurn(ctx context.Context, modelRef, subtaskID string) error
	Complete(modelRef string, responseTime time.Duration) (string, bool)
}

// usageRecorder accumulates per-provider spend.
type usageRecorder interface {
	Record(provider string, tokensIn, tokensOut int, costUSD float64)
}

// Executor runs planned tasks. All collaborators are injected; nil
// optional collaborators (index, strategies, usage) degrade to no-ops.
type Executor struct {
	chat        chatCaller
	index       snippetSearcher
	tracker     *jobs.Tracker
	stats       statsRecorder
	loads       loadGate
	usage       usageRecorder
	strategies  *registry.StrategyStore
	concurrency int
	logger      *zap.Logger
}

// Config wires an Executor.
type Config struct {
	Chat        chatCaller
	Index       snippetSearcher
	Tracker     *jobs.Tracker
	Stats       statsRecorder
	Loads       loadGate
	Usage       usageRecorder
	Strategies  *registry.StrategyStore
	Concurrency int
	Logger      *zap.Logger
}

// New builds an Executor.
func New(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Executor{
		chat:        cfg.Chat,
		index:       cfg.Index,
		tracker:     cfg.Tracker,
		stats:       cfg.Stats,
		loads:       cfg.Loads,
		usage:       cfg.Usage,
		strategies:  cfg.Strategies,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}
}

// Result is the executed task's final output.
type Result struct {
	Code       string
	Synthesis  bool // false when synthesis degraded to the framed document
	Model      string
	SubResults map[string]string // subtask id -> output
}

// Execute runs the task's subtasks in planner order against the
// assignment map, then synthesizes the final document. The job's
// status in the tracker gates cancellation: the executor stops at the
// next subtask boundary once the job leaves InProgress/Queued.
func (e *Executor) Execute(ctx context.Context, jobID string, task *decompose.DecomposedTask,
	assignments map[string]route.Assignment, synthesisModels []registry.Model, defaultModel string) (Result, error) {

	state := newRunState(task)
	group, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, e.concurrency)

	for _, id := range task.ExecutionOrder {
		id := id
		st := task.Subtask(id)
		if st == nil {
			return Result{}, fault.New(fault.Internal, "execution order names unknown subtask %q", id)
		}
		group.Go(func() error {
			if err := state.waitForDeps(ctx, st); err != nil {
				return err
			}
			// An assignment parked behind the hard load cap starts only
			// once the router promotes it off the model's FIFO queue.
			if a := assignments[id]; a.Queued && e.loads != nil {
				if err := e.loads.WaitTurn(ctx, a.Model.Ref(), id); err != nil {
					state.finish(id, "", err)
					return err
				}
			}
			if cancelled := e.jobCancelled(jobID); cancelled {
				state.finish(id, "", fault.New(fault.PreconditionFailed, "job cancelled"))
				return errJobCancelled
			}
			if failedDep := state.failedDependency(st); failedDep != "" {
				// The failure already decided the job's fate in the
				// producer's goroutine; just propagate skip.
				state.finish(id, "", fault.New(fault.DependencyUnavailable,
					"dependency %s failed", failedDep))
				return nil
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				state.finish(id, "", ctx.Err())
				return ctx.Err()
			}
			defer func() { <-sem }()

			output, err := e.runSubtask(ctx, task, state, st, assignments[id])
			state.finish(id, output, err)
			if err != nil {
				if state.hasDependents(id) {
					return fault.Wrap(fault.KindOf(err), err,
						"subtask %s failed with dependents waiting", id)
				}
				e.logger.Warn("leaf subtask failed, continuing",
					zap.String("job", jobID), zap.String("subtask", id), zap.Error(err))
				return nil
			}
			e.progress(jobID, state)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		if err == errJobCancelled {
			return Result{}, err
		}
		e.tracker.Fail(jobID, err.Error())
		return Result{}, err
	}

	result := e.synthesize(ctx, task, state, synthesisModels, defaultModel)
	result.SubResults = state.outputs()
	e.tracker.Complete(jobID, []string{result.Code})
	return result, nil
}

var errJobCancelled = fault.New(fault.PreconditionFailed, "job cancelled")

// runSubtask executes one subtask against its assigned model.
func (e *Executor) runSubtask(ctx context.Context, task *decompose.DecomposedTask,
	state *runState, st *decompose.Subtask, assignment route.Assignment) (string, error) {

	m := assignment.Model
	req := backend.Request{
		Model:  m.ID,
		Prompt: e.buildPrompt(task, state, st),
	}
	if e.strategies != nil && m.Provider.Local() {
		strat := e.strategies.For(m.ID)
		req.System = strat.SystemPrompt
		req.Temperature = strat.Temperature
		req.MaxTokens = strat.MaxTokens
	}

	start := time.Now()
	resp, err := e.chat.Chat(ctx, m, req)
	elapsed := time.Since(start)

	if e.loads != nil {
		e.loads.Complete(m.Ref(), elapsed)
	}
	if e.stats != nil {
		e.stats.Record(m.Ref(), perf.Observation{
			Success:      err == nil,
			Quality:      qualityOf(resp.Content, err),
			ResponseTime: elapsed,
			TokensIn:     resp.TokensIn,
			TokensOut:    resp.TokensOut,
			Complexity:   st.Complexity,
		})
	}
	if err != nil {
		return "", err
	}
	if e.usage != nil {
		e.usage.Record(string(m.Provider), resp.TokensIn, resp.TokensOut,
			float64(resp.TokensIn)*m.PromptCost+float64(resp.TokensOut)*m.CompletionCost)
	}
	return resp.Content, nil
}

// buildPrompt frames the subtask: the work item, dependency outputs in
// planner order, and up to three index snippets for code-shaped
// subtasks.
func (e *Executor) buildPrompt(task *decompose.DecomposedTask, state *runState, st *decompose.Subtask) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n\n", st.Description)

	deps := orderedDeps(task, state, st)
	if len(deps) > 0 {
		sb.WriteString("Context from completed prerequisite work:\n")
		for _, dep := range deps {
			fmt.Fprintf(&sb, "--- %s: %s ---\n%s\n", dep.id, dep.description, dep.output)
		}
		sb.WriteString("\n")
	}

	if e.index != nil && snippetWorthy(st.CodeType) {
		if results, err := e.index.Search(st.Description, maxSnippets); err == nil && len(results) > 0 {
			sb.WriteString("Possibly relevant existing code:\n")
			for _, r := range results {
				fmt.Fprintf(&sb, "--- %s ---\n%s\n", r.Path, r.Content)
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString("Respond with the code for this task only.")
	return sb.String()
}

type depOutput struct {
	id          string
	description string
	output      string
}

// orderedDeps returns the subtask's completed dependency outputs in
// planner order of their producers.
func orderedDeps(task *decompose.DecomposedTask, state *runState, st *decompose.Subtask) []depOutput {
	position := make(map[string]int, len(task.ExecutionOrder))
	for i, id := range task.ExecutionOrder {
		position[id] = i
	}
	deps := append([]string(nil), st.Dependencies...)
	sort.Slice(deps, func(i, j int) bool { return position[deps[i]] < position[deps[j]] })

	var out []depOutput
	for _, dep := range deps {
		producer := task.Subtask(dep)
		if producer == nil {
			continue
		}
		if output, ok := state.output(dep); ok {
			out = append(out, depOutput{id: dep, description: producer.Description, output: output})
		}
	}
	return out
}

func snippetWorthy(ct decompose.CodeType) bool {
	switch ct {
	case decompose.CodeFunction, decompose.CodeClass, decompose.CodeMethod, decompose.CodeModule:
		return true
	default:
		return false
	}
}

// qualityOf is the crude post-hoc quality heuristic: failures score
// zero, empty output low, code-shaped output high.
func qualityOf(content string, err error) float64 {
	switch {
	case err != nil:
		return 0
	case strings.TrimSpace(content) == "":
		return 0.1
	case strings.Contains(content, "\n"):
		return 0.8
	default:
		return 0.6
	}
}

func (e *Executor) jobCancelled(jobID string) bool {
	job, err := e.tracker.Get(jobID)
	if err != nil {
		return false
	}
	return job.Status == jobs.Cancelled
}

func (e *Executor) progress(jobID string, state *runState) {
	done, total := state.progress()
	if total == 0 {
		return
	}
	pct := done * 100 / total
	if pct >= 100 {
		pct = 99 // completion is the tracker's transition, not a progress update
	}
	e.tracker.UpdateProgress(jobID, pct, "")
}
