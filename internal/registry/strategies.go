package registry

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Strategy is the prompting profile applied to one local model: how to
// frame the system prompt and which sampling knobs to pin. Profiles
// are learned from benchmark runs and persisted across restarts.
type Strategy struct {
	SystemPrompt string  `json:"system_prompt"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
	UseChat      bool    `json:"use_chat"`
}

// DefaultStrategy is applied when no learned profile exists for a
// model family.
var DefaultStrategy = Strategy{
	SystemPrompt: "You are a precise coding assistant. Answer with code first and keep prose minimal.",
	Temperature:  0.2,
	MaxTokens:    1024,
	UseChat:      true,
}

// StrategyStore persists per-model prompting profiles.
type StrategyStore struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	path       string
	logger     *zap.Logger
}

// NewStrategyStore loads lm-studio-strategies.json from dataDir, or
// starts empty when the file is absent or unreadable.
func NewStrategyStore(dataDir string, logger *zap.Logger) *StrategyStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &StrategyStore{
		strategies: make(map[string]Strategy),
		path:       filepath.Join(dataDir, "lm-studio-strategies.json"),
		logger:     logger,
	}
	if err := readJSON(s.path, &s.strategies); err != nil && !os.IsNotExist(err) {
		logger.Warn("strategy store unreadable, starting fresh",
			zap.String("path", s.path), zap.Error(err))
		s.strategies = make(map[string]Strategy)
	}
	return s
}

// For returns the profile for a model id, falling back through the
// model family (id prefix before the first '-' or ':') to the default.
func (s *StrategyStore) For(modelID string) Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if strat, ok := s.strategies[modelID]; ok {
		return strat
	}
	if strat, ok := s.strategies[familyOf(modelID)]; ok {
		return strat
	}
	return DefaultStrategy
}

// Set records a profile and persists the store.
func (s *StrategyStore) Set(modelID string, strat Strategy) error {
	s.mu.Lock()
	s.strategies[modelID] = strat
	snapshot := make(map[string]Strategy, len(s.strategies))
	for k, v := range s.strategies {
		snapshot[k] = v
	}
	s.mu.Unlock()
	return writeJSON(s.path, snapshot)
}

func familyOf(modelID string) string {
	id := strings.ToLower(modelID)
	for _, sep := range []string{":", "-", "/"} {
		if idx := strings.Index(id, sep); idx > 0 {
			id = id[:idx]
		}
	}
	return id
}
