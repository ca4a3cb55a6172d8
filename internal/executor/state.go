package executor

import (
	"context"
	"sync"

	"github.com/Heratiki/locallama-mcp/internal/decompose"
)

// runState tracks per-subtask completion for one Execute call. Each
// subtask owns a done channel closed exactly once by finish; waiters
// select on it alongside the context.
type runState struct {
	mu         sync.Mutex
	done       map[string]chan struct{}
	results    map[string]string
	errs       map[string]error
	dependents map[string][]string
	total      int
}

func newRunState(task *decompose.DecomposedTask) *runState {
	s := &runState{
		done:       make(map[string]chan struct{}, len(task.Subtasks)),
		results:    make(map[string]string, len(task.Subtasks)),
		errs:       make(map[string]error),
		dependents: make(map[string][]string),
		total:      len(task.Subtasks),
	}
	for _, st := range task.Subtasks {
		s.done[st.ID] = make(chan struct{})
		for _, dep := range st.Dependencies {
			s.dependents[dep] = append(s.dependents[dep], st.ID)
		}
	}
	return s
}

// waitForDeps blocks until every dependency has finished (successfully
// or not) or the context ends.
func (s *runState) waitForDeps(ctx context.Context, st *decompose.Subtask) error {
	for _, dep := range st.Dependencies {
		s.mu.Lock()
		ch := s.done[dep]
		s.mu.Unlock()
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// finish records a subtask's outcome and releases its waiters. Safe to
// call once per subtask.
func (s *runState) finish(id, output string, err error) {
	s.mu.Lock()
	if err != nil {
		s.errs[id] = err
	} else {
		s.results[id] = output
	}
	ch := s.done[id]
	s.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// failedDependency returns the id of a failed dependency, or "".
func (s *runState) failedDependency(st *decompose.Subtask) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dep := range st.Dependencies {
		if _, failed := s.errs[dep]; failed {
			return dep
		}
	}
	return ""
}

// hasDependents reports whether any subtask depends on id.
func (s *runState) hasDependents(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dependents[id]) > 0
}

// failure returns a failed subtask's error, or nil.
func (s *runState) failure(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs[id]
}

// output returns a completed subtask's result.
func (s *runState) output(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.results[id]
	return out, ok
}

// outputs snapshots all successful results.
func (s *runState) outputs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out
}

// progress reports finished (success or failure) over total.
func (s *runState) progress() (finished, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results) + len(s.errs), s.total
}
