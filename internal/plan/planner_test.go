package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Heratiki/locallama-mcp/internal/decompose"
	"github.com/Heratiki/locallama-mcp/internal/fault"
)

func graph(subtasks ...decompose.Subtask) *decompose.DecomposedTask {
	return &decompose.DecomposedTask{Task: "t", Subtasks: subtasks}
}

func st(id string, complexity float64, tokens int, deps ...string) decompose.Subtask {
	return decompose.Subtask{
		ID: id, Description: id, Complexity: complexity,
		EstimatedTokens: tokens, Dependencies: deps,
	}
}

func TestResolveBreaksCycleAtLowestComplexity(t *testing.T) {
	// a -> b -> c -> a, with b the least complex node.
	task := graph(
		st("st-a", 0.6, 100, "st-c"),
		st("st-b", 0.2, 100, "st-a"),
		st("st-c", 0.5, 100, "st-b"),
	)
	p := New(nil)
	plan, err := p.Resolve(task)
	require.NoError(t, err)

	require.Len(t, plan.Notes, 1)
	assert.Equal(t, "st-b", plan.Notes[0].To, "the edge into the least complex node breaks")
	assert.Equal(t, "st-c", plan.Notes[0].From)
	assert.Len(t, plan.Order, 3, "resolution must leave a DAG covering every subtask")
	assert.Empty(t, task.Subtask("st-c").Dependencies)
}

func TestResolveCycleTieBreaksByAscendingID(t *testing.T) {
	task := graph(
		st("st-1", 0.5, 100, "st-2"),
		st("st-2", 0.5, 100, "st-1"),
	)
	plan, err := New(nil).Resolve(task)
	require.NoError(t, err)
	require.Len(t, plan.Notes, 1)
	assert.Equal(t, Note{From: "st-2", To: "st-1"}, plan.Notes[0])
}

func TestExecutionOrderDescendingComplexityThenID(t *testing.T) {
	task := graph(
		st("st-1", 0.3, 100),
		st("st-2", 0.9, 100),
		st("st-3", 0.3, 100),
		st("st-4", 0.5, 100, "st-2"),
	)
	plan, err := New(nil).Resolve(task)
	require.NoError(t, err)
	assert.Equal(t, []string{"st-2", "st-4", "st-1", "st-3"}, plan.Order)
	assert.Equal(t, plan.Order, task.ExecutionOrder)
}

func TestCriticalPathFollowsHeaviestChain(t *testing.T) {
	// Chain st-1 -> st-2 -> st-4 outweighs the st-3 branch.
	task := graph(
		st("st-1", 0.5, 400),
		st("st-2", 0.6, 400, "st-1"),
		st("st-3", 0.2, 100, "st-1"),
		st("st-4", 0.7, 400, "st-2", "st-3"),
	)
	plan, err := New(nil).Resolve(task)
	require.NoError(t, err)
	assert.Equal(t, []string{"st-1", "st-2", "st-4"}, plan.CriticalPath)
	assert.Equal(t, plan.CriticalPath, task.CriticalPath)
}

func TestResolveRejectsUnknownDependency(t *testing.T) {
	task := graph(st("st-1", 0.5, 100, "st-missing"))
	_, err := New(nil).Resolve(task)
	assert.Equal(t, fault.Internal, fault.KindOf(err))
}

func TestRenderIsDeterministic(t *testing.T) {
	task := graph(
		st("st-2", 0.5, 100, "st-1"),
		st("st-1", 0.25, 100),
	)
	want := "st-1 (complexity 0.25)\nst-2 (complexity 0.50) <- st-1\n"
	assert.Equal(t, want, Render(task))
	assert.Equal(t, want, Render(task), "rendering twice must match byte for byte")
}
