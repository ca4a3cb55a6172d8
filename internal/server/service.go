// Package server exposes the router's tool operations and the
// read-only resource surface. The Service owns the request pipeline:
// validate, retrieval short-circuit, decompose, plan, assign, execute,
// synthesize. Transport adapters (HTTP, stdio) stay thin.
package server

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Heratiki/locallama-mcp/internal/bench"
	"github.com/Heratiki/locallama-mcp/internal/codeindex"
	"github.com/Heratiki/locallama-mcp/internal/config"
	"github.com/Heratiki/locallama-mcp/internal/cost"
	"github.com/Heratiki/locallama-mcp/internal/decompose"
	"github.com/Heratiki/locallama-mcp/internal/executor"
	"github.com/Heratiki/locallama-mcp/internal/fault"
	"github.com/Heratiki/locallama-mcp/internal/jobs"
	"github.com/Heratiki/locallama-mcp/internal/plan"
	"github.com/Heratiki/locallama-mcp/internal/registry"
	"github.com/Heratiki/locallama-mcp/internal/route"
	"github.com/Heratiki/locallama-mcp/internal/score"
)

// Collaborator slices. The service depends on capabilities, not on the
// concrete components, so tests swap in scripted fakes.

type catalog interface {
	Models(ctx context.Context) []registry.Model
	FreeModels(ctx context.Context) ([]registry.Model, error)
	Refresh(ctx context.Context)
	Lookup(ctx context.Context, ref string) (registry.Model, error)
	ModelsFor(ctx context.Context, provider registry.Provider) ([]registry.Model, error)
}

type searcher interface {
	Search(query string, limit int) ([]codeindex.Result, error)
	DocumentCount() int
}

type assigner interface {
	Assign(task *decompose.DecomposedTask, models []registry.Model, opts route.Options) (map[string]route.Assignment, error)
}

type taskRunner interface {
	Execute(ctx context.Context, jobID string, task *decompose.DecomposedTask,
		assignments map[string]route.Assignment, synthesisModels []registry.Model, defaultModel string) (executor.Result, error)
}

type costEstimator interface {
	ForModel(ctx context.Context, ref string, contextLength, expectedOutput int) (cost.Estimate, error)
	Breakdown(ctx context.Context, contextLength, expectedOutput int) cost.Breakdown
}

type picker interface {
	Select(models []registry.Model, st decompose.Subtask, originalTask string) (score.Selection, error)
}

type benchRunner interface {
	Run(ctx context.Context, models []registry.Model, tasks []bench.Task, opts bench.Options) ([]bench.ModelSummary, error)
}

type usageReader interface {
	For(provider string) cost.Usage
}

// Service implements the tool operations.
type Service struct {
	cfg        config.Config
	catalog    catalog
	index      searcher
	planner    *plan.Planner
	scorer     picker
	router     assigner
	runner     taskRunner
	estimator  costEstimator
	tracker    *jobs.Tracker
	strategies *registry.StrategyStore
	bench      benchRunner
	usage      usageReader
	logger     *zap.Logger
	started    time.Time
}

// Deps wires a Service.
type Deps struct {
	Config     config.Config
	Catalog    catalog
	Index      searcher
	Planner    *plan.Planner
	Scorer     picker
	Router     assigner
	Runner     taskRunner
	Estimator  costEstimator
	Tracker    *jobs.Tracker
	Strategies *registry.StrategyStore
	Bench      benchRunner
	Usage      usageReader
	Logger     *zap.Logger
}

// NewService builds the Service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Planner == nil {
		d.Planner = plan.New(d.Logger)
	}
	return &Service{
		cfg:        d.Config,
		catalog:    d.Catalog,
		index:      d.Index,
		planner:    d.Planner,
		scorer:     d.Scorer,
		router:     d.Router,
		runner:     d.Runner,
		estimator:  d.Estimator,
		tracker:    d.Tracker,
		strategies: d.Strategies,
		bench:      d.Bench,
		usage:      d.Usage,
		logger:     d.Logger,
		started:    time.Now(),
	}
}

// RouteTaskRequest is the route_task input.
type RouteTaskRequest struct {
	Task                 string   `json:"task"`
	ContextLength        int      `json:"context_length"`
	ExpectedOutputLength int      `json:"expected_output_length,omitempty"`
	Complexity           *float64 `json:"complexity,omitempty"`
	Priority             string   `json:"priority,omitempty"`
	Preemptive           bool     `json:"preemptive,omitempty"`
	// Batch groups similar subtasks behind one scoring decision.
	Batch bool `json:"batch,omitempty"`
}

// RouteTaskResponse is the route_task output. For a retrieval-cache
// hit, Provider is "local-cache" and Model is "retriv".
type RouteTaskResponse struct {
	JobID         string  `json:"job_id,omitempty"`
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
	Reason        string  `json:"reason"`
	EstimatedCost float64 `json:"estimated_cost"`
	ResultCode    string  `json:"result_code,omitempty"`
	Synthesis     bool    `json:"synthesis,omitempty"`
	Subtasks      int     `json:"subtasks,omitempty"`
}

func (r RouteTaskRequest) validate() error {
	if strings.TrimSpace(r.Task) == "" {
		return fault.Invalid("task", "task text is required")
	}
	if r.ContextLength <= 0 {
		return fault.Invalid("context_length", "context_length must be positive, got %d", r.ContextLength)
	}
	if r.ExpectedOutputLength < 0 {
		return fault.Invalid("expected_output_length", "expected_output_length must be non-negative")
	}
	if r.Complexity != nil && (*r.Complexity < 0 || *r.Complexity > 1) {
		return fault.Invalid("complexity", "complexity must be in [0,1], got %v", *r.Complexity)
	}
	switch route.Priority(r.Priority) {
	case "", route.PrioritySpeed, route.PriorityCost, route.PriorityQuality, route.PriorityEfficiency:
	default:
		return fault.Invalid("priority",
			"priority must be speed, cost, quality or efficiency, got %q", r.Priority)
	}
	return nil
}

// RouteTask runs the full pipeline and waits for the synthesized
// result. With Preemptive set it degrades to selection only.
func (s *Service) RouteTask(ctx context.Context, req RouteTaskRequest) (RouteTaskResponse, error) {
	if err := req.validate(); err != nil {
		return RouteTaskResponse{}, err
	}
	if req.Preemptive {
		sel, err := s.PreemptiveRouteTask(ctx, req)
		if err != nil {
			return RouteTaskResponse{}, err
		}
		return RouteTaskResponse{Provider: sel.Provider, Model: sel.Model, Reason: sel.Reason}, nil
	}

	if resp, ok := s.cacheHit(req); ok {
		return resp, nil
	}

	task, assignments, err := s.prepare(ctx, req)
	if err != nil {
		return RouteTaskResponse{}, err
	}
	primary := primaryAssignment(task, assignments)
	est := s.estimateFor(ctx, primary.Model, req)

	job := s.tracker.Create(req.Task, primary.Model.Ref())
	s.logger.Info("job created",
		zap.String("job", job.ID),
		zap.String("model", primary.Model.Ref()),
		zap.Int("subtasks", len(task.Subtasks)))

	result, err := s.runner.Execute(ctx, job.ID, task, assignments,
		s.catalog.Models(ctx), s.cfg.DefaultModel)
	if err != nil {
		return RouteTaskResponse{}, err
	}
	return RouteTaskResponse{
		JobID:         job.ID,
		Provider:      string(primary.Model.Provider),
		Model:         primary.Model.ID,
		Reason:        primary.Reason,
		EstimatedCost: est,
		ResultCode:    result.Code,
		Synthesis:     result.Synthesis,
		Subtasks:      len(task.Subtasks),
	}, nil
}

// PreemptiveResponse is the selection-only result.
type PreemptiveResponse struct {
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	Reason   string  `json:"reason"`
	Score    float64 `json:"score"`
}

// PreemptiveRouteTask scores without creating a job, reserving load or
// executing anything.
func (s *Service) PreemptiveRouteTask(ctx context.Context, req RouteTaskRequest) (PreemptiveResponse, error) {
	if err := req.validate(); err != nil {
		return PreemptiveResponse{}, err
	}
	task, err := s.decompose(req)
	if err != nil {
		return PreemptiveResponse{}, err
	}
	st := mostComplex(task)
	sel, err := s.scorer.Select(s.catalog.Models(ctx), st, req.Task)
	if err != nil {
		return PreemptiveResponse{}, err
	}
	return PreemptiveResponse{
		Provider: string(sel.Model.Provider),
		Model:    sel.Model.ID,
		Reason:   sel.Reason,
		Score:    sel.Score,
	}, nil
}

// CostEstimateRequest is the get_cost_estimate input.
type CostEstimateRequest struct {
	ContextLength        int    `json:"context_length"`
	ExpectedOutputLength int    `json:"expected_output_length,omitempty"`
	Model                string `json:"model,omitempty"`
}

// GetCostEstimate returns either one model's estimate or the full
// per-provider breakdown.
func (s *Service) GetCostEstimate(ctx context.Context, req CostEstimateRequest) (cost.Breakdown, error) {
	if req.ContextLength <= 0 {
		return cost.Breakdown{}, fault.Invalid("context_length", "context_length must be positive, got %d", req.ContextLength)
	}
	if req.Model != "" {
		est, err := s.estimator.ForModel(ctx, req.Model, req.ContextLength, req.ExpectedOutputLength)
		if err != nil {
			return cost.Breakdown{}, err
		}
		return cost.Breakdown{
			ContextLength:  req.ContextLength,
			ExpectedOutput: req.ExpectedOutputLength,
			Providers:      map[string][]cost.Estimate{est.Provider: {est}},
			Cheapest:       &est,
		}, nil
	}
	return s.estimator.Breakdown(ctx, req.ContextLength, req.ExpectedOutputLength), nil
}

// CancelJobResponse is the cancel_job output.
type CancelJobResponse struct {
	Success bool        `json:"success"`
	Status  jobs.Status `json:"status"`
	Message string      `json:"message"`
}

// CancelJob requests cancellation. Cancelling a terminal job reports
// failure with the final status rather than an error; an unknown id is
// a NotFound fault.
func (s *Service) CancelJob(jobID string) (CancelJobResponse, error) {
	if jobID == "" {
		return CancelJobResponse{}, fault.Invalid("job_id", "job_id is required")
	}
	err := s.tracker.Cancel(jobID)
	job, getErr := s.tracker.Get(jobID)
	if getErr != nil {
		return CancelJobResponse{}, getErr
	}
	if err != nil {
		if fault.KindOf(err) == fault.PreconditionFailed {
			return CancelJobResponse{
				Success: false,
				Status:  job.Status,
				Message: fmt.Sprintf("job already %s", strings.ToLower(string(job.Status))),
			}, nil
		}
		return CancelJobResponse{}, err
	}
	return CancelJobResponse{Success: true, Status: job.Status, Message: "job cancelled"}, nil
}

// ModelInfo is the get_free_models element.
type ModelInfo struct {
	Provider      string                `json:"provider"`
	ID            string                `json:"id"`
	Name          string                `json:"name,omitempty"`
	ContextWindow int                   `json:"context_window"`
	Capabilities  registry.Capabilities `json:"capabilities"`
	Free          bool                  `json:"free"`
}

// GetFreeModels lists zero-cost models; forceRefresh bypasses the
// registry TTL first.
func (s *Service) GetFreeModels(ctx context.Context, forceRefresh bool) ([]ModelInfo, error) {
	if forceRefresh {
		s.catalog.Refresh(ctx)
	}
	models, err := s.catalog.FreeModels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ModelInfo, 0, len(models))
	for _, m := range models {
		out = append(out, modelInfo(m))
	}
	return out, nil
}

// BenchmarkRequest is the benchmark_free_models input.
type BenchmarkRequest struct {
	Tasks            []bench.Task `json:"tasks"`
	RunsPerTask      int          `json:"runs_per_task,omitempty"`
	Parallel         bool         `json:"parallel,omitempty"`
	MaxParallelTasks int          `json:"max_parallel_tasks,omitempty"`
}

// BenchmarkFreeModels runs the benchmark suite against every free
// model.
func (s *Service) BenchmarkFreeModels(ctx context.Context, req BenchmarkRequest) ([]bench.ModelSummary, error) {
	models, err := s.catalog.FreeModels(ctx)
	if err != nil {
		return nil, err
	}
	return s.bench.Run(ctx, models, req.Tasks, bench.Options{
		RunsPerTask:      req.RunsPerTask,
		Parallel:         req.Parallel,
		MaxParallelTasks: req.MaxParallelTasks,
	})
}

// cacheHit short-circuits the pipeline when the code index already
// holds a strong answer. The hit returns the indexed document verbatim
// at zero cost.
func (s *Service) cacheHit(req RouteTaskRequest) (RouteTaskResponse, bool) {
	if s.index == nil || s.index.DocumentCount() == 0 {
		return RouteTaskResponse{}, false
	}
	results, err := s.index.Search(req.Task, 1)
	if err != nil || len(results) == 0 || results[0].Score <= s.cfg.RetrievalThreshold {
		return RouteTaskResponse{}, false
	}
	hit := results[0]
	s.logger.Info("retrieval cache hit",
		zap.String("path", hit.Path), zap.Float64("score", hit.Score))
	return RouteTaskResponse{
		Provider:      string(registry.LocalCache),
		Model:         "retriv",
		Reason:        fmt.Sprintf("retrieval cache hit on %s (score %.2f)", hit.Path, hit.Score),
		EstimatedCost: 0,
		ResultCode:    hit.Content,
	}, true
}

// prepare decomposes, plans and assigns. Any failure here happens
// before a job exists.
func (s *Service) prepare(ctx context.Context, req RouteTaskRequest) (*decompose.DecomposedTask, map[string]route.Assignment, error) {
	task, err := s.decompose(req)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.planner.Resolve(task); err != nil {
		return nil, nil, err
	}
	assignments, err := s.router.Assign(task, s.catalog.Models(ctx), route.Options{
		OriginalTask: req.Task,
		Priority:     route.Priority(req.Priority),
		Batch:        req.Batch,
	})
	if err != nil {
		return nil, nil, err
	}
	return task, assignments, nil
}

func (s *Service) decompose(req RouteTaskRequest) (*decompose.DecomposedTask, error) {
	d, err := decompose.New(decompose.Granularity(s.cfg.Granularity), decompose.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}
	task, err := d.Decompose(req.Task)
	if err != nil {
		return nil, err
	}
	if req.Complexity != nil {
		task.ApplyComplexityHint(*req.Complexity)
	}
	// The caller's declared context must fit the chosen model's window
	// alongside the subtask's own token estimate.
	for i := range task.Subtasks {
		if task.Subtasks[i].EstimatedTokens < req.ContextLength {
			task.Subtasks[i].EstimatedTokens = req.ContextLength
		}
	}
	return task, nil
}

func (s *Service) estimateFor(ctx context.Context, m registry.Model, req RouteTaskRequest) float64 {
	if s.estimator == nil {
		return 0
	}
	est, err := s.estimator.ForModel(ctx, m.Ref(), req.ContextLength, req.ExpectedOutputLength)
	if err != nil {
		return 0
	}
	return est.Total
}

// primaryAssignment reports the assignment of the most complex subtask
// as the headline routing decision.
func primaryAssignment(task *decompose.DecomposedTask, assignments map[string]route.Assignment) route.Assignment {
	st := mostComplex(task)
	return assignments[st.ID]
}

func mostComplex(task *decompose.DecomposedTask) decompose.Subtask {
	best := task.Subtasks[0]
	for _, st := range task.Subtasks[1:] {
		if st.Complexity > best.Complexity || (st.Complexity == best.Complexity && st.ID < best.ID) {
			best = st
		}
	}
	return best
}

func modelInfo(m registry.Model) ModelInfo {
	return ModelInfo{
		Provider:      string(m.Provider),
		ID:            m.ID,
		Name:          m.Name,
		ContextWindow: m.ContextWindow,
		Capabilities:  m.Capabilities,
		Free:          m.Free(),
	}
}

// sortModelInfos orders by (provider, id) for stable resource output.
func sortModelInfos(infos []ModelInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Provider != infos[j].Provider {
			return infos[i].Provider < infos[j].Provider
		}
		return infos[i].ID < infos[j].ID
	})
}
