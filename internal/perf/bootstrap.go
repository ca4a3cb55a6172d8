package perf

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

// benchmarkResult mirrors one model summary inside a
// comprehensive-results-*.json file produced by the benchmark runner.
type benchmarkResult struct {
	Model          string  `json:"model"`
	SuccessRate    float64 `json:"success_rate"`
	QualityScore   float64 `json:"quality_score"`
	AvgResponseMS  float64 `json:"avg_response_ms"`
	AvgComplexity  float64 `json:"avg_complexity"`
	CompletedTasks int     `json:"completed_tasks"`
}

// Bootstrap seeds an empty store from historical benchmark files under
// benchmarkDir. A store that already has entries is left untouched;
// live observations always outrank old benchmarks.
func (s *Store) Bootstrap(benchmarkDir string) {
	s.mu.RLock()
	populated := len(s.stats) > 0
	s.mu.RUnlock()
	if populated {
		return
	}

	matches, err := filepath.Glob(filepath.Join(benchmarkDir, "comprehensive-results-*.json"))
	if err != nil || len(matches) == 0 {
		return
	}
	// Newest file wins; names embed a sortable timestamp.
	sort.Strings(matches)
	path := matches[len(matches)-1]

	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("benchmark history unreadable", zap.String("path", path), zap.Error(err))
		return
	}
	var results []benchmarkResult
	if err := json.Unmarshal(data, &results); err != nil {
		s.logger.Warn("benchmark history corrupted", zap.String("path", path), zap.Error(err))
		return
	}

	seeded := 0
	for _, r := range results {
		if r.Model == "" || r.CompletedTasks == 0 {
			continue
		}
		s.Record(r.Model, Observation{
			Success:      r.SuccessRate >= 0.5,
			Quality:      r.QualityScore,
			ResponseTime: time.Duration(r.AvgResponseMS) * time.Millisecond,
			Complexity:   r.AvgComplexity,
		})
		seeded++
	}
	if seeded > 0 {
		s.logger.Info("performance store seeded from benchmark history",
			zap.String("path", path), zap.Int("models", seeded))
	}
}
