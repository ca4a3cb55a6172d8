package route

import (
	"fmt"
	"math"
	"sort"

	"github.com/Heratiki/locallama-mcp/internal/decompose"
	"github.com/Heratiki/locallama-mcp/internal/registry"
	"github.com/Heratiki/locallama-mcp/internal/score"
)

// batchKey groups subtasks that can share one scoring decision.
type batchKey struct {
	size     registry.SizeCategory
	bucket   int // complexity bucket
	codeType decompose.CodeType
}

// assignBatched groups subtasks by (size, 0.1-complexity bucket, code
// type), scores the most complex member of each group, and assigns the
// winner to every member.
func (r *Router) assignBatched(ordered []decompose.Subtask, models []registry.Model, opts Options) (map[string]Assignment, error) {
	groups := groupBy(ordered, 0.1)
	assignments := make(map[string]Assignment, len(ordered))
	for _, group := range groups {
		representative := group[0] // groups preserve descending complexity
		sel, err := r.selector.Select(models, representative, opts.OriginalTask)
		if err != nil {
			return nil, err
		}
		chosen, chosenScore, reason := r.balance(representative, sel, opts.Priority)
		reason = fmt.Sprintf("%s (batched with %d peers)", reason, len(group)-1)
		for _, st := range group {
			assignments[st.ID] = r.reserve(st, chosen, chosenScore, reason)
		}
	}
	return assignments, nil
}

// assignResourceOptimized favors cheap capacity: coarser 0.25 buckets,
// a preference for quantized models on simple work, a penalty for
// oversized models on simple work, and a per-model assignment cap so
// one model cannot absorb the whole task.
func (r *Router) assignResourceOptimized(ordered []decompose.Subtask, models []registry.Model, opts Options) (map[string]Assignment, error) {
	groups := groupBy(ordered, 0.25)
	perModelCap := len(ordered)/2 + 1

	assignments := make(map[string]Assignment, len(ordered))
	counts := make(map[string]int)
	for _, group := range groups {
		representative := group[0]
		sel, err := r.selector.Select(models, representative, opts.OriginalTask)
		if err != nil {
			return nil, err
		}

		simple := representative.Complexity < 0.4
		adjusted := make([]score.Candidate, len(sel.Candidates))
		copy(adjusted, sel.Candidates)
		if simple {
			for i := range adjusted {
				if adjusted[i].Model.Quantized() {
					adjusted[i].Score += 0.10
				}
				switch adjusted[i].Model.Size() {
				case registry.SizeLarge, registry.SizeRemote:
					adjusted[i].Score -= 0.15
				}
			}
		}
		sort.Slice(adjusted, func(i, j int) bool {
			if adjusted[i].Score != adjusted[j].Score {
				return adjusted[i].Score > adjusted[j].Score
			}
			if adjusted[i].Model.Provider != adjusted[j].Model.Provider {
				return adjusted[i].Model.Provider < adjusted[j].Model.Provider
			}
			return adjusted[i].Model.ID < adjusted[j].Model.ID
		})

		for _, st := range group {
			chosen := adjusted[0]
			for _, c := range adjusted {
				if counts[c.Model.Ref()] < perModelCap {
					chosen = c
					break
				}
			}
			counts[chosen.Model.Ref()]++
			assignments[st.ID] = r.reserve(st, chosen.Model, chosen.Score,
				"resource-optimized assignment")
		}
	}
	return assignments, nil
}

// groupBy buckets the already-descending-complexity subtasks; group
// order follows the first (most complex) member of each group.
func groupBy(ordered []decompose.Subtask, bucketWidth float64) [][]decompose.Subtask {
	index := make(map[batchKey]int)
	var groups [][]decompose.Subtask
	for _, st := range ordered {
		key := batchKey{
			size:     st.RecommendedSize,
			bucket:   int(math.Floor(st.Complexity / bucketWidth)),
			codeType: st.CodeType,
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], st)
	}
	return groups
}
