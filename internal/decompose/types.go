// Package decompose turns a natural-language coding task into a graph
// of subtasks with complexity estimates and inferred dependencies.
package decompose

import "github.com/Heratiki/locallama-mcp/internal/registry"

// Granularity controls how aggressively a task is split.
type Granularity string

const (
	// Fine expands each segment into design/implement/verify phases.
	Fine Granularity = "fine"
	// Medium produces one subtask per task segment.
	Medium Granularity = "medium"
	// Coarse keeps the task whole unless it is clearly multi-part.
	Coarse Granularity = "coarse"
)

// CodeType classifies what kind of artifact a subtask produces.
type CodeType string

const (
	CodeFunction  CodeType = "function"
	CodeClass     CodeType = "class"
	CodeMethod    CodeType = "method"
	CodeModule    CodeType = "module"
	CodeInterface CodeType = "interface"
	CodeTest      CodeType = "test"
	CodeOther     CodeType = "other"
)

// complexityCeiling is the hard clamp applied to subtask complexity.
// Anything above it is unroutable in practice; clamping keeps the
// scorer's adaptive thresholds meaningful.
const complexityCeiling = 0.8

// Subtask is one atomic unit of work, executable by a single model
// call. Dependencies reference sibling subtask ids; only the planner
// mutates the dependency set, during cycle resolution.
type Subtask struct {
	ID              string
	Description     string
	EstimatedTokens int
	Complexity      float64
	RecommendedSize registry.SizeCategory
	CodeType        CodeType
	Dependencies    []string
	// Clamped marks a subtask whose raw complexity exceeded the
	// ceiling and was pulled down to it.
	Clamped bool
}

// EstimatedTime is the duration heuristic used for critical-path
// weighting: complexity scaled by token volume.
func (s Subtask) EstimatedTime() float64 {
	return s.Complexity * float64(s.EstimatedTokens)
}

// DecomposedTask owns its subtasks. ExecutionOrder and CriticalPath
// are filled in by the planner.
type DecomposedTask struct {
	Task           string
	Subtasks       []Subtask
	ExecutionOrder []string
	CriticalPath   []string
}

// Subtask returns the subtask with the given id, or nil.
func (d *DecomposedTask) Subtask(id string) *Subtask {
	for i := range d.Subtasks {
		if d.Subtasks[i].ID == id {
			return &d.Subtasks[i]
		}
	}
	return nil
}

// ApplyComplexityHint blends a caller-supplied complexity estimate
// into every subtask, re-deriving size from the blended value before
// the ceiling clamp.
func (d *DecomposedTask) ApplyComplexityHint(hint float64) {
	for i := range d.Subtasks {
		st := &d.Subtasks[i]
		blended := (st.Complexity + hint) / 2
		st.RecommendedSize = recommendedSize(blended)
		if blended > complexityCeiling {
			blended = complexityCeiling
			st.Clamped = true
		}
		st.Complexity = blended
	}
}

// recommendedSize maps a complexity estimate onto the size category a
// model should bring to the subtask.
func recommendedSize(complexity float64) registry.SizeCategory {
	switch {
	case complexity < 0.4:
		return registry.SizeSmall
	case complexity < 0.7:
		return registry.SizeMedium
	case complexity < 0.9:
		return registry.SizeLarge
	default:
		return registry.SizeRemote
	}
}
