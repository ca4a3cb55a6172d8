// Package bench runs canned coding tasks against free models and
// records the outcomes, seeding the performance store with real
// observations before any production traffic arrives.
package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Heratiki/locallama-mcp/internal/backend"
	"github.com/Heratiki/locallama-mcp/internal/fault"
	"github.com/Heratiki/locallama-mcp/internal/perf"
	"github.com/Heratiki/locallama-mcp/internal/registry"
)

// Task is one benchmark work item.
type Task struct {
	TaskID               string  `json:"task_id"`
	Task                 string  `json:"task"`
	ContextLength        int     `json:"context_length"`
	ExpectedOutputLength int     `json:"expected_output_length,omitempty"`
	Complexity           float64 `json:"complexity,omitempty"`
}

// Options shape a benchmark run.
type Options struct {
	RunsPerTask      int
	Parallel         bool
	MaxParallelTasks int
}

func (o Options) normalized() Options {
	if o.RunsPerTask < 1 {
		o.RunsPerTask = 1
	}
	if o.MaxParallelTasks < 1 {
		o.MaxParallelTasks = 2
	}
	if !o.Parallel {
		o.MaxParallelTasks = 1
	}
	return o
}

// ModelSummary aggregates one model's runs. Field names match the
// history files the performance store bootstraps from.
type ModelSummary struct {
	Model          string  `json:"model"`
	SuccessRate    float64 `json:"success_rate"`
	QualityScore   float64 `json:"quality_score"`
	AvgResponseMS  float64 `json:"avg_response_ms"`
	AvgComplexity  float64 `json:"avg_complexity"`
	CompletedTasks int     `json:"completed_tasks"`
}

// chatCaller is the dispatcher operation the runner needs.
type chatCaller interface {
	Chat(ctx context.Context, m registry.Model, req backend.Request) (backend.Response, error)
}

// Runner benchmarks free models.
type Runner struct {
	chat       chatCaller
	stats      *perf.Store
	resultsDir string
	logger     *zap.Logger
	now        func() time.Time
}

// NewRunner builds a Runner writing history under resultsDir.
func NewRunner(chat chatCaller, stats *perf.Store, resultsDir string, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{chat: chat, stats: stats, resultsDir: resultsDir, logger: logger, now: time.Now}
}

// Run benchmarks every model against every task, records each
// observation in the performance store, and writes a summary file the
// store can bootstrap from later. Per-model ordering in the returned
// slice is by reference.
func (r *Runner) Run(ctx context.Context, models []registry.Model, tasks []Task, opts Options) ([]ModelSummary, error) {
	if len(models) == 0 {
		return nil, fault.New(fault.NoSuitableModel, "no free models to benchmark")
	}
	if len(tasks) == 0 {
		return nil, fault.Invalid("tasks", "at least one benchmark task is required")
	}
	for i, task := range tasks {
		if task.TaskID == "" {
			return nil, fault.Invalid("tasks", "task %d has no task_id", i)
		}
		if strings.TrimSpace(task.Task) == "" {
			return nil, fault.Invalid("tasks", "task %q has no prompt", task.TaskID)
		}
	}
	opts = opts.normalized()

	var (
		mu        sync.Mutex
		summaries = make(map[string]*accumulator, len(models))
	)
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(opts.MaxParallelTasks)

	for _, m := range models {
		for _, task := range tasks {
			for run := 0; run < opts.RunsPerTask; run++ {
				m, task := m, task
				group.Go(func() error {
					obs := r.runOne(ctx, m, task)
					mu.Lock()
					acc := summaries[m.Ref()]
					if acc == nil {
						acc = &accumulator{}
						summaries[m.Ref()] = acc
					}
					acc.add(obs)
					mu.Unlock()
					if r.stats != nil {
						r.stats.Record(m.Ref(), obs)
					}
					return ctx.Err()
				})
			}
		}
	}
	if err := group.Wait(); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "benchmark interrupted")
	}

	out := make([]ModelSummary, 0, len(summaries))
	for ref, acc := range summaries {
		out = append(out, acc.summary(ref))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })

	if err := r.writeHistory(out); err != nil {
		r.logger.Warn("benchmark history not written", zap.Error(err))
	}
	return out, nil
}

func (r *Runner) runOne(ctx context.Context, m registry.Model, task Task) perf.Observation {
	start := r.now()
	resp, err := r.chat.Chat(ctx, m, backend.Request{
		Model:  m.ID,
		Prompt: task.Task,
	})
	elapsed := r.now().Sub(start)
	if err != nil {
		r.logger.Debug("benchmark run failed",
			zap.String("model", m.Ref()), zap.String("task", task.TaskID), zap.Error(err))
		return perf.Observation{Success: false, ResponseTime: elapsed, Complexity: task.Complexity}
	}
	return perf.Observation{
		Success:      true,
		Quality:      grade(resp.Content, task),
		ResponseTime: elapsed,
		TokensIn:     resp.TokensIn,
		TokensOut:    resp.TokensOut,
		Complexity:   task.Complexity,
	}
}

// grade is a cheap static check: output present, code-shaped, and in
// the neighborhood of the expected length.
func grade(content string, task Task) float64 {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return 0
	}
	score := 0.5
	if strings.Contains(trimmed, "\n") {
		score += 0.2
	}
	if strings.ContainsAny(trimmed, "{}()=") {
		score += 0.1
	}
	if task.ExpectedOutputLength > 0 {
		ratio := float64(len(trimmed)) / float64(task.ExpectedOutputLength)
		if ratio >= 0.25 && ratio <= 4 {
			score += 0.2
		}
	} else {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

func (r *Runner) writeHistory(summaries []ModelSummary) error {
	if r.resultsDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.resultsDir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("comprehensive-results-%s.json", r.now().UTC().Format("20060102-150405"))
	path := filepath.Join(r.resultsDir, name)
	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// accumulator folds per-run observations into one model summary.
type accumulator struct {
	runs       int
	successes  int
	quality    float64
	responseMS float64
	complexity float64
}

func (a *accumulator) add(obs perf.Observation) {
	a.runs++
	if obs.Success {
		a.successes++
		a.quality += obs.Quality
		a.complexity += obs.Complexity
	}
	a.responseMS += float64(obs.ResponseTime.Milliseconds())
}

func (a *accumulator) summary(ref string) ModelSummary {
	s := ModelSummary{Model: ref, CompletedTasks: a.successes}
	if a.runs > 0 {
		s.SuccessRate = float64(a.successes) / float64(a.runs)
		s.AvgResponseMS = a.responseMS / float64(a.runs)
	}
	if a.successes > 0 {
		s.QualityScore = a.quality / float64(a.successes)
		s.AvgComplexity = a.complexity / float64(a.successes)
	}
	return s
}
