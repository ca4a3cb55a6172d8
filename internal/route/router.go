// Package route assigns scored models to subtasks under live-load
// constraints, with optional batching and a resource-optimized path.
package route

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Heratiki/locallama-mcp/internal/decompose"
	"github.com/Heratiki/locallama-mcp/internal/registry"
	"github.com/Heratiki/locallama-mcp/internal/score"
)

// Priority is the caller's routing preference.
type Priority string

const (
	PrioritySpeed      Priority = "speed"
	PriorityCost       Priority = "cost"
	PriorityQuality    Priority = "quality"
	PriorityEfficiency Priority = "efficiency"
)

// alternativeFloor is the fraction of the ideal score an alternative
// must reach to absorb load spill.
const alternativeFloor = 0.85

// Assignment binds one subtask to a model.
type Assignment struct {
	SubtaskID string
	Model     registry.Model
	Score     float64
	Reason    string
	// Queued marks an assignment parked behind the hard load cap; the
	// executor starts it when the model drains.
	Queued bool
}

// Options shape one Assign call. Quality is the scorer's default
// objective; speed and cost re-rank near-tied candidates, and
// efficiency switches to the resource-optimized path.
type Options struct {
	OriginalTask string
	Priority     Priority
	Batch        bool
}

// selector is the slice of the scoring engine the router needs.
type selector interface {
	Select(models []registry.Model, st decompose.Subtask, originalTask string) (score.Selection, error)
}

// queueEntry is one subtask waiting behind the hard cap; ready is
// closed when the subtask is promoted to active capacity.
type queueEntry struct {
	id    string
	ready chan struct{}
}

// modelLoad is the live-load record for one model.
type modelLoad struct {
	active      int
	completions []time.Time
	// responseEMA tracks observed response time; processing power is
	// derived from it so a slow model saturates earlier.
	responseEMA float64 // ms
	queue       []queueEntry
}

// processingPower normalizes a model's throughput against a 5-second
// baseline response. A model with no history has power 1.
func (l *modelLoad) processingPower() float64 {
	if l.responseEMA <= 0 {
		return 1
	}
	power := 5000 / l.responseEMA
	if power < 0.1 {
		power = 0.1
	}
	return power
}

func (l *modelLoad) effectiveLoad() float64 {
	return float64(l.active) / l.processingPower()
}

// loadAfterOneMore is the effective load this model would carry after
// accepting one more assignment.
func (l *modelLoad) loadAfterOneMore() float64 {
	return float64(l.active+1) / l.processingPower()
}

// retire drops completion estimates already in the past, decrementing
// the active count.
func (l *modelLoad) retire(now time.Time) {
	kept := l.completions[:0]
	for _, at := range l.completions {
		if at.After(now) {
			kept = append(kept, at)
		} else if l.active > 0 {
			l.active--
		}
	}
	l.completions = kept
}

// Router balances subtask assignments across models.
type Router struct {
	mu       sync.Mutex
	loads    map[string]*modelLoad
	selector selector
	softCap  float64
	hardCap  float64
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// New builds a Router. softCap is the effective load above which the
// ideal model spills to alternatives; hardCap is the level at which
// subtasks queue instead.
func New(sel selector, softCap, hardCap float64, metrics *Metrics, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics()
	}
	return &Router{
		loads:    make(map[string]*modelLoad),
		selector: sel,
		softCap:  softCap,
		hardCap:  hardCap,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Assign routes every subtask of the task. Subtasks are processed in
// descending complexity so the hardest work gets first pick of
// capacity. The returned map is keyed by subtask id.
func (r *Router) Assign(task *decompose.DecomposedTask, models []registry.Model, opts Options) (map[string]Assignment, error) {
	ordered := make([]decompose.Subtask, len(task.Subtasks))
	copy(ordered, task.Subtasks)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Complexity != ordered[j].Complexity {
			return ordered[i].Complexity > ordered[j].Complexity
		}
		return ordered[i].ID < ordered[j].ID
	})

	if opts.Priority == PriorityEfficiency {
		return r.assignResourceOptimized(ordered, models, opts)
	}
	if opts.Batch {
		return r.assignBatched(ordered, models, opts)
	}

	assignments := make(map[string]Assignment, len(ordered))
	for _, st := range ordered {
		a, err := r.assignOne(st, models, opts)
		if err != nil {
			return nil, err
		}
		assignments[st.ID] = a
	}
	return assignments, nil
}

func (r *Router) assignOne(st decompose.Subtask, models []registry.Model, opts Options) (Assignment, error) {
	sel, err := r.selector.Select(models, st, opts.OriginalTask)
	if err != nil {
		return Assignment{}, err
	}
	chosen, chosenScore, reason := r.balance(st, sel, opts.Priority)
	return r.reserve(st, chosen, chosenScore, reason), nil
}

// balance applies the caller's priority re-rank and the soft-cap
// spill: when the ideal model is overloaded, the best-scoring
// near-ideal alternative with headroom takes the subtask instead.
func (r *Router) balance(st decompose.Subtask, sel score.Selection, priority Priority) (registry.Model, float64, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sel = r.rerankLocked(priority, sel)
	ideal := sel.Model
	idealLoad := r.loadLocked(ideal.Ref())
	idealLoad.retire(r.now())
	// Spill when taking this subtask would push the ideal model past
	// the soft cap.
	if idealLoad.loadAfterOneMore() <= r.softCap {
		return ideal, sel.Score, sel.Reason
	}

	type option struct {
		candidate score.Candidate
		load      float64
	}
	var options []option
	for _, c := range sel.Candidates {
		if c.Model.Ref() == ideal.Ref() {
			continue
		}
		if c.Score < alternativeFloor*sel.Score {
			continue
		}
		if c.Model.ContextWindow < st.EstimatedTokens {
			continue
		}
		load := r.loadLocked(c.Model.Ref())
		load.retire(r.now())
		options = append(options, option{candidate: c, load: load.effectiveLoad()})
	}
	if len(options) == 0 {
		return ideal, sel.Score, sel.Reason
	}
	sort.Slice(options, func(i, j int) bool {
		if options[i].load != options[j].load {
			return options[i].load < options[j].load
		}
		return options[i].candidate.Score > options[j].candidate.Score
	})
	best := options[0]
	r.metrics.rerouted.Inc()
	r.logger.Debug("rerouted from overloaded model",
		zap.String("subtask", st.ID),
		zap.String("ideal", ideal.Ref()),
		zap.String("chosen", best.candidate.Model.Ref()))
	return best.candidate.Model, best.candidate.Score, "rerouted from overloaded ideal model"
}

// rerankLocked applies the stated priority across candidates within
// the alternative floor of the ideal score. Cost prefers a free model;
// speed prefers the fastest observed backend; quality (and no
// priority) keep the scorer's order.
func (r *Router) rerankLocked(priority Priority, sel score.Selection) score.Selection {
	switch priority {
	case PriorityCost:
		var best registry.Model
		bestScore := 0.0
		found := false
		for _, c := range sel.Candidates {
			if c.Score < alternativeFloor*sel.Score || !c.Model.Free() {
				continue
			}
			if !found || c.Score > bestScore ||
				(c.Score == bestScore && c.Model.Ref() < best.Ref()) {
				best, bestScore, found = c.Model, c.Score, true
			}
		}
		if found && best.Ref() != sel.Model.Ref() {
			sel.Model, sel.Score = best, bestScore
			sel.Reason = "near-ideal free model preferred to minimize costs"
		}
	case PrioritySpeed:
		best, bestScore := sel.Model, sel.Score
		bestEMA := r.observedEMALocked(sel.Model.Ref())
		for _, c := range sel.Candidates {
			if c.Score < alternativeFloor*sel.Score {
				continue
			}
			ema := r.observedEMALocked(c.Model.Ref())
			if ema < bestEMA || (ema == bestEMA && c.Score > bestScore) {
				best, bestScore, bestEMA = c.Model, c.Score, ema
			}
		}
		if best.Ref() != sel.Model.Ref() {
			sel.Model, sel.Score = best, bestScore
			sel.Reason = "fastest near-ideal model preferred for speed"
		}
	}
	return sel
}

// observedEMALocked reads a model's response-time EMA; unknown models
// sit at the 5-second baseline.
func (r *Router) observedEMALocked(ref string) float64 {
	load := r.loadLocked(ref)
	if load.responseEMA <= 0 {
		return 5000
	}
	return load.responseEMA
}

// reserve books capacity on the chosen model, or parks the subtask in
// the model's FIFO queue at the hard cap.
func (r *Router) reserve(st decompose.Subtask, m registry.Model, modelScore float64, reason string) Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()

	load := r.loadLocked(m.Ref())
	load.retire(r.now())
	a := Assignment{SubtaskID: st.ID, Model: m, Score: modelScore, Reason: reason}
	if load.loadAfterOneMore() > r.hardCap {
		load.queue = append(load.queue, queueEntry{id: st.ID, ready: make(chan struct{})})
		a.Queued = true
		r.metrics.queued.Inc()
		r.metrics.queueDepth.WithLabelValues(m.Ref()).Set(float64(len(load.queue)))
		return a
	}
	load.active++
	load.completions = append(load.completions, r.now().Add(estimatedDuration(st)))
	r.metrics.assignments.WithLabelValues(string(m.Provider)).Inc()
	r.metrics.activeAssignments.WithLabelValues(m.Ref()).Set(float64(load.active))
	return a
}

// Complete releases capacity after an execution and folds the observed
// response time into the model's processing-power estimate. If the
// model has queued subtasks, the head of the queue is returned so the
// caller can start it.
func (r *Router) Complete(modelRef string, responseTime time.Duration) (promoted string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	load := r.loadLocked(modelRef)
	if load.active > 0 {
		load.active--
		if len(load.completions) > 0 {
			load.completions = load.completions[1:]
		}
	}
	ms := float64(responseTime.Milliseconds())
	if ms > 0 {
		if load.responseEMA == 0 {
			load.responseEMA = ms
		} else {
			load.responseEMA = 0.3*ms + 0.7*load.responseEMA
		}
		r.metrics.callDuration.WithLabelValues(providerOf(modelRef)).Observe(responseTime.Seconds())
	}
	r.metrics.activeAssignments.WithLabelValues(modelRef).Set(float64(load.active))

	if len(load.queue) > 0 && load.effectiveLoad() < r.hardCap {
		head := load.queue[0]
		load.queue = load.queue[1:]
		load.active++
		close(head.ready)
		r.metrics.queueDepth.WithLabelValues(modelRef).Set(float64(len(load.queue)))
		r.metrics.activeAssignments.WithLabelValues(modelRef).Set(float64(load.active))
		return head.id, true
	}
	return "", false
}

// waitPoll is how often a queued subtask re-evaluates capacity while
// waiting; completion estimates retire over time and can free capacity
// without a Complete call.
const waitPoll = 200 * time.Millisecond

// WaitTurn blocks a queued subtask until the router promotes it to
// active capacity on the model. Subtasks that were never queued, or
// whose promotion already happened, return immediately. A cancelled
// waiter leaves the queue so completions do not promote it.
func (r *Router) WaitTurn(ctx context.Context, modelRef, subtaskID string) error {
	for {
		r.mu.Lock()
		load := r.loadLocked(modelRef)
		load.retire(r.now())
		idx := -1
		for i, entry := range load.queue {
			if entry.id == subtaskID {
				idx = i
				break
			}
		}
		if idx < 0 {
			r.mu.Unlock()
			return nil
		}
		if idx == 0 && load.loadAfterOneMore() <= r.hardCap {
			load.queue = load.queue[1:]
			load.active++
			r.metrics.queueDepth.WithLabelValues(modelRef).Set(float64(len(load.queue)))
			r.metrics.activeAssignments.WithLabelValues(modelRef).Set(float64(load.active))
			r.mu.Unlock()
			return nil
		}
		ready := load.queue[idx].ready
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			select {
			case <-ready:
				return nil
			default:
			}
			r.abandon(modelRef, subtaskID)
			return ctx.Err()
		case <-ready:
			return nil
		case <-time.After(waitPoll):
		}
	}
}

func (r *Router) abandon(modelRef, subtaskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	load := r.loadLocked(modelRef)
	for i, entry := range load.queue {
		if entry.id == subtaskID {
			load.queue = append(load.queue[:i], load.queue[i+1:]...)
			r.metrics.queueDepth.WithLabelValues(modelRef).Set(float64(len(load.queue)))
			return
		}
	}
}

// providerOf extracts the provider label from a provider:id reference.
func providerOf(ref string) string {
	if i := strings.Index(ref, ":"); i > 0 {
		return ref[:i]
	}
	return ref
}

// ActiveLoad reports a model's current effective load.
func (r *Router) ActiveLoad(modelRef string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	load := r.loadLocked(modelRef)
	load.retire(r.now())
	return load.effectiveLoad()
}

func (r *Router) loadLocked(ref string) *modelLoad {
	l, ok := r.loads[ref]
	if !ok {
		l = &modelLoad{}
		r.loads[ref] = l
	}
	return l
}

// estimatedDuration turns the subtask's time heuristic into a wall
// estimate for completion retirement.
func estimatedDuration(st decompose.Subtask) time.Duration {
	return time.Duration(st.EstimatedTime()) * time.Millisecond
}
