package executor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Heratiki/locallama-mcp/internal/backend"
	"github.com/Heratiki/locallama-mcp/internal/decompose"
	"github.com/Heratiki/locallama-mcp/internal/registry"
)

// synthesize combines per-subtask outputs, in planner order, into one
// framed document and asks a remote model to produce the final answer.
// Any synthesis failure degrades to the framed document itself plus an
// annotation; the job still completes.
func (e *Executor) synthesize(ctx context.Context, task *decompose.DecomposedTask,
	state *runState, models []registry.Model, defaultModel string) Result {

	framed := frame(task, state)
	if len(task.Subtasks) == 1 {
		// A single subtask needs no synthesis pass.
		if out, ok := state.output(task.Subtasks[0].ID); ok {
			return Result{Code: out, Synthesis: false}
		}
	}

	m, ok := e.synthesisModel(models, framed, defaultModel)
	if !ok {
		return Result{Code: framed, Synthesis: false}
	}

	resp, err := e.chat.Chat(ctx, m, backend.Request{
		Model: m.ID,
		System: "You combine partial code outputs into one coherent final answer. " +
			"Preserve all working code; remove duplication; answer the original task.",
		Prompt: fmt.Sprintf("Original task: %s\n\n%s", task.Task, framed),
	})
	if err != nil {
		e.logger.Warn("synthesis failed, returning framed document",
			zap.String("model", m.Ref()), zap.Error(err))
		return Result{
			Code:      framed + "\n\n[synthesis unavailable: " + err.Error() + "]",
			Synthesis: false,
		}
	}
	if e.usage != nil {
		e.usage.Record(string(m.Provider), resp.TokensIn, resp.TokensOut,
			float64(resp.TokensIn)*m.PromptCost+float64(resp.TokensOut)*m.CompletionCost)
	}
	return Result{Code: resp.Content, Synthesis: true, Model: m.Ref()}
}

// frame concatenates subtask outputs in planner order under headed
// sections. Failed subtasks appear as annotations so the document
// stays honest about gaps.
func frame(task *decompose.DecomposedTask, state *runState) string {
	var sb strings.Builder
	for _, id := range task.ExecutionOrder {
		st := task.Subtask(id)
		if st == nil {
			continue
		}
		if out, ok := state.output(id); ok {
			fmt.Fprintf(&sb, "## %s: %s\n\n%s\n\n", id, st.Description, out)
			continue
		}
		if err := state.failure(id); err != nil {
			fmt.Fprintf(&sb, "## %s: %s\n\n[failed: %v]\n\n", id, st.Description, err)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// synthesisModel picks the best remote model whose context window
// covers the framed document, free models first, largest window as the
// tie-break; falls back to the configured default reference.
func (e *Executor) synthesisModel(models []registry.Model, framed string, defaultModel string) (registry.Model, bool) {
	needed := len(framed) * 4

	var best registry.Model
	found := false
	better := func(c registry.Model) bool {
		if !found {
			return true
		}
		if c.Free() != best.Free() {
			return c.Free()
		}
		if c.ContextWindow != best.ContextWindow {
			return c.ContextWindow > best.ContextWindow
		}
		return c.ID < best.ID
	}
	for _, m := range models {
		if m.Provider != registry.OpenRouter || m.ContextWindow < needed {
			continue
		}
		if better(m) {
			best = m
			found = true
		}
	}
	if found {
		return best, true
	}

	// No remote model fits; try the configured default.
	if defaultModel != "" {
		provider, id, err := registry.ParseRef(defaultModel)
		if err == nil {
			for _, m := range models {
				if m.Provider == provider && m.ID == id {
					return m, true
				}
			}
		}
	}
	return registry.Model{}, false
}
