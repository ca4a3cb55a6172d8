// Package score ranks candidate models for a subtask over a weighted
// multi-factor score with adaptive acceptance thresholds.
package score

import (
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Heratiki/locallama-mcp/internal/decompose"
	"github.com/Heratiki/locallama-mcp/internal/fault"
	"github.com/Heratiki/locallama-mcp/internal/perf"
	"github.com/Heratiki/locallama-mcp/internal/registry"
)

// Factor weights. They sum to 1; boosts are added on top and the final
// score is clamped back into [0,1].
const (
	weightComplexity  = 0.30
	weightPerformance = 0.30
	weightEfficiency  = 0.20
	weightCost        = 0.20
)

// thresholds are the adaptive acceptance levels for one complexity band.
type thresholds struct {
	minAcceptable float64
	preferLocal   float64
}

// thresholdsFor picks the band by subtask complexity: demanding tasks
// require better candidates but also reward keeping work local less
// eagerly.
func thresholdsFor(complexity float64) thresholds {
	switch {
	case complexity >= 0.7:
		return thresholds{minAcceptable: 0.6, preferLocal: 0.75}
	case complexity >= 0.4:
		return thresholds{minAcceptable: 0.5, preferLocal: 0.65}
	default:
		return thresholds{minAcceptable: 0.4, preferLocal: 0.55}
	}
}

// statsReader is the slice of the performance store the engine needs.
type statsReader interface {
	StatsFor(modelRef string) (perf.Stats, bool)
	AnalyzeByComplexity(min, max float64) perf.Analysis
}

// Candidate is one scored model.
type Candidate struct {
	Model registry.Model
	Score float64
}

// Selection is the winning model plus the ranked field it beat.
type Selection struct {
	Model      registry.Model
	Score      float64
	Reason     string
	Candidates []Candidate // accepted candidates, rank order
}

// Engine scores (model, subtask) pairs. The randomization source is
// injectable so tests can pin a seed.
type Engine struct {
	stats  statsReader
	logger *zap.Logger

	mu     sync.Mutex
	jitter func() float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithSeed pins the tie-avoidance randomization.
func WithSeed(seed int64) Option {
	return func(e *Engine) {
		rng := rand.New(rand.NewSource(seed))
		e.jitter = func() float64 { return rng.Float64() * 0.05 }
	}
}

// WithJitter replaces the randomization term entirely; tests use a
// zero jitter to expose deterministic ties.
func WithJitter(jitter func() float64) Option {
	return func(e *Engine) { e.jitter = jitter }
}

// New builds an Engine over the performance store.
func New(stats statsReader, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	rng := rand.New(rand.NewSource(rand.Int63()))
	e := &Engine{
		stats:  stats,
		logger: logger,
		jitter: func() float64 { return rng.Float64() * 0.05 },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Score computes the composite score for one (model, subtask) pair.
// The analysis argument is the performance window around the subtask's
// complexity; pass the same analysis for every model in one ranking so
// the comparison stays consistent.
func (e *Engine) Score(m registry.Model, st decompose.Subtask, analysis perf.Analysis, originalTask string) float64 {
	stats, known := e.stats.StatsFor(m.Ref())

	var composite float64
	if known && stats.SampleCount > 0 {
		composite = weightComplexity*e.complexityMatch(m, st, stats) +
			weightPerformance*performanceFactor(m, stats, analysis) +
			weightEfficiency*efficiencyFactor(m, st, stats) +
			weightCost*costFactor(m, st)
	} else {
		composite = e.fallbackScore(m, st)
	}

	composite += boosts(m, st, originalTask)

	e.mu.Lock()
	composite += e.jitter()
	e.mu.Unlock()

	return clamp01(composite)
}

// Select ranks candidates for the subtask and applies the adaptive
// thresholds. Models whose context window cannot hold the estimated
// tokens are excluded up front; when that excludes everyone the error
// is NoSuitableModel.
func (e *Engine) Select(models []registry.Model, st decompose.Subtask, originalTask string) (Selection, error) {
	fitting := models[:0:0]
	for _, m := range models {
		if m.ContextWindow >= st.EstimatedTokens {
			fitting = append(fitting, m)
		}
	}
	if len(fitting) == 0 {
		return Selection{}, fault.New(fault.NoSuitableModel,
			"no model has a context window covering %d tokens", st.EstimatedTokens)
	}

	window := 0.15
	analysis := e.stats.AnalyzeByComplexity(st.Complexity-window, st.Complexity+window)

	candidates := make([]Candidate, 0, len(fitting))
	for _, m := range fitting {
		candidates = append(candidates, Candidate{
			Model: m,
			Score: e.Score(m, st, analysis, originalTask),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if candidates[i].Model.Provider != candidates[j].Model.Provider {
			return candidates[i].Model.Provider < candidates[j].Model.Provider
		}
		return candidates[i].Model.ID < candidates[j].Model.ID
	})

	th := thresholdsFor(st.Complexity)
	accepted := candidates[:0:0]
	for _, c := range candidates {
		if c.Score >= th.minAcceptable {
			accepted = append(accepted, c)
		}
	}
	if len(accepted) == 0 {
		return Selection{}, fault.New(fault.NoSuitableModel,
			"no model scored above %.2f for complexity %.2f", th.minAcceptable, st.Complexity)
	}

	// A local model good enough for the band wins even when a remote
	// model scores higher.
	winner := accepted[0]
	reason := "highest composite score"
	for _, c := range accepted {
		if c.Model.Provider.Local() && c.Score >= th.preferLocal {
			winner = c
			reason = "local model met the prefer-local threshold"
			break
		}
	}
	if winner.Model.Provider.Local() && winner.Model.Free() {
		reason = "selected local model to minimize costs"
	}

	e.logger.Debug("model selected",
		zap.String("subtask", st.ID),
		zap.String("model", winner.Model.Ref()),
		zap.Float64("score", winner.Score),
		zap.Int("candidates", len(accepted)))
	return Selection{Model: winner.Model, Score: winner.Score, Reason: reason, Candidates: accepted}, nil
}

// complexityMatch rewards models whose observed complexity band sits
// close to the subtask, with a bonus for a size-category fit.
func (e *Engine) complexityMatch(m registry.Model, st decompose.Subtask, stats perf.Stats) float64 {
	base := 1 - math.Abs(stats.ComplexityScore-st.Complexity)
	if m.Size() == st.RecommendedSize {
		base += 0.3
	}
	return clamp01(base)
}

func performanceFactor(m registry.Model, stats perf.Stats, analysis perf.Analysis) float64 {
	var f float64
	if stats.SuccessRate > analysis.AvgSuccess {
		f += 0.4
	}
	if stats.QualityScore > analysis.AvgQuality {
		f += 0.4
	}
	for _, ref := range analysis.TopPerformers {
		if ref == m.Ref() {
			f += 0.2
			break
		}
	}
	return f
}

// efficiencyFactor blends response speed, context utilization near the
// 0.7 sweet spot, and provider locality.
func efficiencyFactor(m registry.Model, st decompose.Subtask, stats perf.Stats) float64 {
	speed := 1 / (1 + stats.ResponseTimeMS/5000)

	utilization := 0.0
	if m.ContextWindow > 0 {
		utilization = float64(st.EstimatedTokens) / float64(m.ContextWindow)
	}
	fit := clamp01(1 - math.Abs(utilization-0.7))

	locality := 0.0
	if m.Provider.Local() {
		locality = 1.0
	}
	return 0.4*speed + 0.4*fit + 0.2*locality
}

// costFactor gives free models a flat strong score; paid models are
// graded by whether the complexity justifies paying.
func costFactor(m registry.Model, st decompose.Subtask) float64 {
	if m.Free() {
		return 0.8
	}
	return 0.3 + 0.5*st.Complexity
}

// fallbackScore covers models with no history: size alignment against
// the complexity band, locality, and cost, monotonic in the same
// directions as the informed factors.
func (e *Engine) fallbackScore(m registry.Model, st decompose.Subtask) float64 {
	sizeMatch := 1 - math.Abs(sizeMidpoint(m.Size())-st.Complexity)

	locality := 0.0
	if m.Provider.Local() {
		locality = 1.0
	}
	return weightComplexity*sizeMatch +
		weightPerformance*0.5 + // neutral with no evidence
		weightEfficiency*(0.5+0.5*locality) +
		weightCost*costFactor(m, st)
}

func sizeMidpoint(size registry.SizeCategory) float64 {
	switch size {
	case registry.SizeSmall:
		return 0.2
	case registry.SizeMedium:
		return 0.55
	case registry.SizeLarge:
		return 0.8
	default:
		return 0.95
	}
}

var codeSpecialized = []string{"coder", "code", "starcoder", "deepseek", "codestral"}

// boosts are the additive adjustments applied after the weighted sum.
func boosts(m registry.Model, st decompose.Subtask, originalTask string) float64 {
	id := strings.ToLower(m.ID)
	var b float64
	for _, hint := range codeSpecialized {
		if strings.Contains(id, hint) {
			b += 0.10
			break
		}
	}
	if st.CodeType != decompose.CodeOther && strings.Contains(id, string(st.CodeType)) {
		b += 0.10
	}
	if lang := detectLanguage(originalTask); lang != "" && strings.Contains(id, lang) {
		b += 0.15
	}
	if m.Provider == registry.OpenRouter {
		b += 0.05
	}
	return b
}

var languageHints = []string{
	"python", "javascript", "typescript", "golang", "rust", "java",
	"ruby", "swift", "kotlin", "sql",
}

func detectLanguage(task string) string {
	lower := strings.ToLower(task)
	for _, lang := range languageHints {
		if strings.Contains(lower, lang) {
			return lang
		}
	}
	if strings.Contains(lower, " go ") || strings.HasSuffix(lower, " go") {
		return "golang"
	}
	return ""
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
