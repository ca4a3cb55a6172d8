package decompose

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/Heratiki/locallama-mcp/internal/fault"
)

// Decomposer splits tasks into subtask graphs. The jitter source is
// injectable so tests can pin a seed and get identical graphs.
type Decomposer struct {
	granularity Granularity
	rng         *rand.Rand
	logger      *zap.Logger
}

// Option configures a Decomposer.
type Option func(*Decomposer)

// WithSeed pins the complexity-jitter source.
func WithSeed(seed int64) Option {
	return func(d *Decomposer) { d.rng = rand.New(rand.NewSource(seed)) }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Decomposer) { d.logger = logger }
}

// New builds a Decomposer for the given granularity.
func New(granularity Granularity, opts ...Option) (*Decomposer, error) {
	switch granularity {
	case Fine, Medium, Coarse:
	default:
		return nil, fault.Invalid("granularity", "must be fine, medium or coarse, got %q", granularity)
	}
	d := &Decomposer{
		granularity: granularity,
		rng:         rand.New(rand.NewSource(rand.Int63())),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Decompose produces the subtask graph for a task string. Subtask ids
// are "st-1", "st-2", … in creation order; dependency inference only
// ever points backwards, so the raw graph is already acyclic unless a
// later planner edit introduces cycles.
func (d *Decomposer) Decompose(task string) (*DecomposedTask, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, fault.Invalid("task", "must not be empty")
	}

	segments := segment(task)
	var subtasks []Subtask
	switch d.granularity {
	case Coarse:
		if len(segments) <= 3 {
			subtasks = d.build([]string{task})
		} else {
			subtasks = d.build(segments)
		}
	case Medium:
		subtasks = d.build(segments)
	case Fine:
		subtasks = d.buildFine(segments)
	}

	d.inferDependencies(subtasks)

	d.logger.Debug("task decomposed",
		zap.Int("segments", len(segments)),
		zap.Int("subtasks", len(subtasks)),
		zap.String("granularity", string(d.granularity)))
	return &DecomposedTask{Task: task, Subtasks: subtasks}, nil
}

var segmentSplit = regexp.MustCompile(`(?:[.;!?]\s+|\n+|\s+(?:and then|then)\s+|^\s*\d+[.)]\s+|\s\d+[.)]\s+)`)

// segment splits a task on sentence boundaries, list markers and
// sequencing connectives.
func segment(task string) []string {
	parts := segmentSplit.Split(task, -1)
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimRight(p, ".;!?"))
		if p != "" {
			segments = append(segments, p)
		}
	}
	if len(segments) == 0 {
		return []string{task}
	}
	return segments
}

func (d *Decomposer) build(descriptions []string) []Subtask {
	subtasks := make([]Subtask, 0, len(descriptions))
	for i, desc := range descriptions {
		subtasks = append(subtasks, d.newSubtask(fmt.Sprintf("st-%d", i+1), desc))
	}
	return subtasks
}

// buildFine expands each segment into implement/verify phases; complex
// segments additionally get a leading design phase. Phase dependencies
// are chained within a segment.
func (d *Decomposer) buildFine(descriptions []string) []Subtask {
	var subtasks []Subtask
	next := 1
	id := func() string {
		s := fmt.Sprintf("st-%d", next)
		next++
		return s
	}
	for _, desc := range descriptions {
		impl := d.newSubtask(id(), desc)
		if impl.Complexity >= 0.5 {
			design := d.newSubtask(impl.ID, "outline the approach for: "+desc)
			design.CodeType = CodeOther
			impl.ID = id()
			impl.Dependencies = append(impl.Dependencies, design.ID)
			subtasks = append(subtasks, design)
		}
		verify := d.newSubtask(id(), "write tests covering: "+desc)
		verify.CodeType = CodeTest
		verify.Dependencies = append(verify.Dependencies, impl.ID)
		subtasks = append(subtasks, impl, verify)
	}
	return subtasks
}

func (d *Decomposer) newSubtask(id, desc string) Subtask {
	raw := d.complexity(desc)
	st := Subtask{
		ID:              id,
		Description:     desc,
		EstimatedTokens: len(desc) * 4,
		Complexity:      raw,
		RecommendedSize: recommendedSize(raw),
		CodeType:        codeTypeOf(desc),
	}
	if raw > complexityCeiling {
		st.Complexity = complexityCeiling
		st.Clamped = true
	}
	return st
}

var complexityKeywords = []string{
	"algorithm", "architecture", "concurrent", "distributed", "optimize",
	"refactor", "parse", "protocol", "secure", "transaction", "cache",
	"recursive", "async", "migrate", "integrate",
}

var structuralKeywords = []string{
	"class", "module", "system", "service", "interface", "pipeline",
	"database", "multiple", "api",
}

// complexity combines description length, keyword density and
// structural indicators, plus a small seeded jitter so sibling
// subtasks with identical text do not collapse to one score.
func (d *Decomposer) complexity(desc string) float64 {
	lower := strings.ToLower(desc)

	score := float64(len(desc)) / 500.0
	if score > 0.4 {
		score = 0.4
	}
	var keyword float64
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			keyword += 0.1
		}
	}
	if keyword > 0.4 {
		keyword = 0.4
	}
	var structural float64
	for _, kw := range structuralKeywords {
		if strings.Contains(lower, kw) {
			structural += 0.1
		}
	}
	if structural > 0.2 {
		structural = 0.2
	}
	return score + keyword + structural + d.rng.Float64()*0.05
}

func codeTypeOf(desc string) CodeType {
	lower := strings.ToLower(desc)
	switch {
	case strings.Contains(lower, "test"):
		return CodeTest
	case strings.Contains(lower, "interface"):
		return CodeInterface
	case strings.Contains(lower, "class"):
		return CodeClass
	case strings.Contains(lower, "method"):
		return CodeMethod
	case strings.Contains(lower, "module") || strings.Contains(lower, "package") || strings.Contains(lower, "library"):
		return CodeModule
	case strings.Contains(lower, "function") || strings.Contains(lower, "func "):
		return CodeFunction
	default:
		return CodeOther
	}
}

// inferDependencies links a subtask to earlier siblings it references
// textually: either an explicit "step N" mention or a shared salient
// token. Links only point backwards.
func (d *Decomposer) inferDependencies(subtasks []Subtask) {
	salient := make([]map[string]struct{}, len(subtasks))
	for i, st := range subtasks {
		salient[i] = salientTokens(st.Description)
	}
	for i := range subtasks {
		deps := map[string]struct{}{}
		for _, existing := range subtasks[i].Dependencies {
			deps[existing] = struct{}{}
		}
		lower := strings.ToLower(subtasks[i].Description)
		for j := 0; j < i; j++ {
			if _, ok := deps[subtasks[j].ID]; ok {
				continue
			}
			if strings.Contains(lower, fmt.Sprintf("step %d", j+1)) {
				deps[subtasks[j].ID] = struct{}{}
				continue
			}
			if referencesEarlier(lower) && sharesToken(salient[i], salient[j]) {
				deps[subtasks[j].ID] = struct{}{}
			}
		}
		if len(deps) != len(subtasks[i].Dependencies) {
			ordered := make([]string, 0, len(deps))
			for j := 0; j < i; j++ {
				if _, ok := deps[subtasks[j].ID]; ok {
					ordered = append(ordered, subtasks[j].ID)
				}
			}
			subtasks[i].Dependencies = ordered
		}
	}
}

// referencesEarlier reports whether a description implies it builds on
// prior work.
func referencesEarlier(lower string) bool {
	for _, marker := range []string{"using", "based on", "from the", "the above", "previous", "existing", "covering:"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

var genericTokens = map[string]struct{}{
	"write": {}, "implement": {}, "create": {}, "build": {}, "make": {},
	"add": {}, "with": {}, "that": {}, "this": {}, "tests": {}, "test": {},
	"code": {}, "function": {}, "class": {}, "using": {}, "covering": {},
	"outline": {}, "approach": {},
}

func salientTokens(desc string) map[string]struct{} {
	tokens := map[string]struct{}{}
	for _, f := range strings.Fields(strings.ToLower(desc)) {
		f = strings.Trim(f, ".,;:!?()[]{}\"'")
		if len(f) < 4 {
			continue
		}
		if _, generic := genericTokens[f]; generic {
			continue
		}
		tokens[f] = struct{}{}
	}
	return tokens
}

func sharesToken(a, b map[string]struct{}) bool {
	for tok := range a {
		if _, ok := b[tok]; ok {
			return true
		}
	}
	return false
}
