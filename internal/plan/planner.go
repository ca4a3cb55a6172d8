// Package plan resolves a decomposed task into an executable schedule:
// it breaks dependency cycles, computes the execution order and the
// critical path, and renders the graph for debugging.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Heratiki/locallama-mcp/internal/decompose"
	"github.com/Heratiki/locallama-mcp/internal/fault"
)

// Note records one edge removed during cycle resolution.
type Note struct {
	From string // the subtask whose dependency was dropped
	To   string // the dependency that was dropped
}

func (n Note) String() string {
	return fmt.Sprintf("broke cycle: removed dependency %s -> %s", n.From, n.To)
}

// Plan is the resolved schedule for one decomposed task.
type Plan struct {
	Order        []string
	CriticalPath []string
	Notes        []Note
}

// Planner mutates the task's dependency sets during cycle resolution
// and fills in ExecutionOrder and CriticalPath. Planner failures are
// always invariant violations, never user errors.
type Planner struct {
	logger *zap.Logger
}

// New builds a Planner.
func New(logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{logger: logger}
}

// Resolve breaks cycles, orders the subtasks and computes the critical
// path, writing the results back onto the task.
func (p *Planner) Resolve(task *decompose.DecomposedTask) (*Plan, error) {
	byID := make(map[string]*decompose.Subtask, len(task.Subtasks))
	for i := range task.Subtasks {
		st := &task.Subtasks[i]
		if _, dup := byID[st.ID]; dup {
			return nil, fault.New(fault.Internal, "duplicate subtask id %q", st.ID)
		}
		byID[st.ID] = st
	}
	for _, st := range task.Subtasks {
		for _, dep := range st.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, fault.New(fault.Internal,
					"subtask %q depends on unknown id %q", st.ID, dep)
			}
		}
	}

	notes := p.breakCycles(task, byID)
	order, err := p.executionOrder(task)
	if err != nil {
		return nil, err
	}
	critical := p.criticalPath(task, byID, order)

	task.ExecutionOrder = order
	task.CriticalPath = critical

	for _, note := range notes {
		p.logger.Warn("dependency cycle resolved", zap.String("edge", note.String()))
	}
	return &Plan{Order: order, CriticalPath: critical, Notes: notes}, nil
}

// breakCycles runs Tarjan repeatedly. In every component of size > 1
// it removes the intra-component edge targeting the lowest-complexity
// node (ascending-id tie-break on the target, then on the source) and
// starts over, until only trivial components remain.
func (p *Planner) breakCycles(task *decompose.DecomposedTask, byID map[string]*decompose.Subtask) []Note {
	var notes []Note
	for {
		components := tarjan(task)
		broke := false
		for _, comp := range components {
			if len(comp) < 2 {
				continue
			}
			note := breakOne(comp, byID)
			notes = append(notes, note)
			broke = true
		}
		if !broke {
			return notes
		}
	}
}

// breakOne removes one edge inside the component and returns the note.
func breakOne(comp []string, byID map[string]*decompose.Subtask) Note {
	inComp := make(map[string]struct{}, len(comp))
	for _, id := range comp {
		inComp[id] = struct{}{}
	}

	// Target: lowest complexity, then ascending id.
	target := comp[0]
	for _, id := range comp[1:] {
		a, b := byID[id], byID[target]
		if a.Complexity < b.Complexity || (a.Complexity == b.Complexity && id < target) {
			target = id
		}
	}

	// Source: the ascending-id-first subtask in the component that
	// depends on the target.
	sources := make([]string, 0, len(comp))
	for _, id := range comp {
		if id == target {
			continue
		}
		for _, dep := range byID[id].Dependencies {
			if dep == target {
				sources = append(sources, id)
				break
			}
		}
	}
	sort.Strings(sources)
	source := sources[0]

	st := byID[source]
	kept := st.Dependencies[:0]
	for _, dep := range st.Dependencies {
		if dep != target {
			kept = append(kept, dep)
		}
	}
	st.Dependencies = kept
	return Note{From: source, To: target}
}

// tarjan returns the strongly-connected components of the dependency
// graph, iteratively to survive deep graphs.
func tarjan(task *decompose.DecomposedTask) [][]string {
	index := 0
	indices := map[string]int{}
	lowlink := map[string]int{}
	onStack := map[string]bool{}
	var stack []string
	var components [][]string

	type frame struct {
		id   string
		deps []string
		next int
	}

	var visit func(root *decompose.Subtask)
	visit = func(root *decompose.Subtask) {
		frames := []frame{{id: root.ID, deps: root.Dependencies}}
		indices[root.ID] = index
		lowlink[root.ID] = index
		index++
		stack = append(stack, root.ID)
		onStack[root.ID] = true

		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			if f.next < len(f.deps) {
				dep := f.deps[f.next]
				f.next++
				if _, seen := indices[dep]; !seen {
					indices[dep] = index
					lowlink[dep] = index
					index++
					stack = append(stack, dep)
					onStack[dep] = true
					frames = append(frames, frame{id: dep, deps: task.Subtask(dep).Dependencies})
				} else if onStack[dep] {
					if indices[dep] < lowlink[f.id] {
						lowlink[f.id] = indices[dep]
					}
				}
				continue
			}
			// Frame exhausted: pop and fold lowlink into the parent.
			if lowlink[f.id] == indices[f.id] {
				var comp []string
				for {
					top := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[top] = false
					comp = append(comp, top)
					if top == f.id {
						break
					}
				}
				sort.Strings(comp)
				components = append(components, comp)
			}
			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := &frames[len(frames)-1]
				if lowlink[f.id] < lowlink[parent.id] {
					lowlink[parent.id] = lowlink[f.id]
				}
			}
		}
	}

	for i := range task.Subtasks {
		if _, seen := indices[task.Subtasks[i].ID]; !seen {
			visit(&task.Subtasks[i])
		}
	}
	return components
}

// executionOrder is Kahn's algorithm; within one ready set, descending
// complexity first, ascending id on ties.
func (p *Planner) executionOrder(task *decompose.DecomposedTask) ([]string, error) {
	indegree := map[string]int{}
	dependents := map[string][]string{}
	for _, st := range task.Subtasks {
		indegree[st.ID] += 0
		for _, dep := range st.Dependencies {
			indegree[st.ID]++
			dependents[dep] = append(dependents[dep], st.ID)
		}
	}

	var ready []string
	for _, st := range task.Subtasks {
		if indegree[st.ID] == 0 {
			ready = append(ready, st.ID)
		}
	}

	less := func(a, b string) bool {
		sa, sb := task.Subtask(a), task.Subtask(b)
		if sa.Complexity != sb.Complexity {
			return sa.Complexity > sb.Complexity
		}
		return a < b
	}

	order := make([]string, 0, len(task.Subtasks))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if len(order) != len(task.Subtasks) {
		return nil, fault.New(fault.Internal, "cycle survived resolution: ordered %d of %d subtasks",
			len(order), len(task.Subtasks))
	}
	return order, nil
}

// criticalPath is the longest path weighted by estimated time,
// computed over the topological order; equal-length predecessors break
// ties by ascending id.
func (p *Planner) criticalPath(task *decompose.DecomposedTask, byID map[string]*decompose.Subtask, order []string) []string {
	length := map[string]float64{}
	prev := map[string]string{}

	for _, id := range order {
		st := byID[id]
		best := 0.0
		bestDep := ""
		for _, dep := range st.Dependencies {
			candidate := length[dep]
			if bestDep == "" || candidate > best || (candidate == best && dep < bestDep) {
				best = candidate
				bestDep = dep
			}
		}
		length[id] = best + st.EstimatedTime()
		if bestDep != "" {
			prev[id] = bestDep
		}
	}

	end := ""
	for _, id := range order {
		if end == "" || length[id] > length[end] || (length[id] == length[end] && id < end) {
			end = id
		}
	}
	if end == "" {
		return nil
	}

	var path []string
	for id := end; id != ""; id = prev[id] {
		path = append(path, id)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Render produces the deterministic text form of the graph: one line
// per subtask in id order, listing its direct dependencies.
func Render(task *decompose.DecomposedTask) string {
	ids := make([]string, 0, len(task.Subtasks))
	for _, st := range task.Subtasks {
		ids = append(ids, st.ID)
	}
	sort.Strings(ids)

	var sb strings.Builder
	for _, id := range ids {
		st := task.Subtask(id)
		deps := append([]string(nil), st.Dependencies...)
		sort.Strings(deps)
		if len(deps) == 0 {
			fmt.Fprintf(&sb, "%s (complexity %.2f)\n", id, st.Complexity)
			continue
		}
		fmt.Fprintf(&sb, "%s (complexity %.2f) <- %s\n", id, st.Complexity, strings.Join(deps, ", "))
	}
	return sb.String()
}
