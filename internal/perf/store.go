// Package perf keeps rolling per-model execution statistics and
// persists them to models-db.json. The scorer reads snapshots; the
// executor is the single writer.
package perf

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// alpha is the EMA smoothing factor for all rolling averages.
const alpha = 0.3

// Stats are the rolling averages for one model reference.
type Stats struct {
	SuccessRate     float64 `json:"success_rate"`
	QualityScore    float64 `json:"quality_score"`
	ResponseTimeMS  float64 `json:"response_time_ms"`
	TokenEfficiency float64 `json:"token_efficiency"`
	// ComplexityScore is the running mean of task complexity over
	// executions whose quality reached 0.6. It approximates the
	// complexity band where the model performs well.
	ComplexityScore   float64 `json:"complexity_score"`
	complexitySamples int
	SampleCount       int `json:"sample_count"`
}

// statsRecord is the persisted form; the unexported running-mean
// counter travels under its own key.
type statsRecord struct {
	Stats
	ComplexitySamples int `json:"complexity_samples"`
}

// Observation is one completed model execution.
type Observation struct {
	Success      bool
	Quality      float64 // [0,1]
	ResponseTime time.Duration
	TokensIn     int
	TokensOut    int
	Complexity   float64 // [0,1]
}

// Analysis summarizes the models observed inside one complexity window.
type Analysis struct {
	AvgSuccess    float64
	AvgQuality    float64
	TopPerformers []string // model refs in the top quartile by quality
}

// Store is the process-wide performance store. Single writer behind a
// mutex; readers take value snapshots.
type Store struct {
	mu     sync.RWMutex
	stats  map[string]*Stats
	path   string
	logger *zap.Logger
}

// NewStore loads models-db.json from dataDir. Entries that fail to
// decode are dropped rather than aborting startup.
func NewStore(dataDir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		stats:  make(map[string]*Stats),
		path:   filepath.Join(dataDir, "models-db.json"),
		logger: logger,
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("performance db unreadable, starting fresh",
				zap.String("path", s.path), zap.Error(err))
		}
		return
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("performance db corrupted, starting fresh", zap.Error(err))
		return
	}
	dropped := 0
	for ref, entry := range raw {
		var rec statsRecord
		if err := json.Unmarshal(entry, &rec); err != nil {
			dropped++
			continue
		}
		st := rec.Stats
		st.complexitySamples = rec.ComplexitySamples
		s.stats[ref] = &st
	}
	if dropped > 0 {
		s.logger.Warn("dropped corrupted performance entries", zap.Int("count", dropped))
	}
}

// Record folds one observation into the model's rolling stats and
// persists the store.
func (s *Store) Record(modelRef string, obs Observation) {
	s.mu.Lock()
	st, ok := s.stats[modelRef]
	if !ok {
		st = &Stats{}
		s.stats[modelRef] = st
	}

	success := 0.0
	if obs.Success {
		success = 1.0
	}
	responseMS := float64(obs.ResponseTime.Milliseconds())
	efficiency := tokenEfficiency(obs.TokensIn, obs.TokensOut)

	if st.SampleCount == 0 {
		st.SuccessRate = success
		st.QualityScore = obs.Quality
		st.ResponseTimeMS = responseMS
		st.TokenEfficiency = efficiency
	} else {
		st.SuccessRate = ema(st.SuccessRate, success)
		st.QualityScore = ema(st.QualityScore, obs.Quality)
		st.ResponseTimeMS = ema(st.ResponseTimeMS, responseMS)
		st.TokenEfficiency = ema(st.TokenEfficiency, efficiency)
	}
	if obs.Quality >= 0.6 {
		st.complexitySamples++
		st.ComplexityScore += (obs.Complexity - st.ComplexityScore) / float64(st.complexitySamples)
	}
	st.SampleCount++
	s.mu.Unlock()

	if err := s.save(); err != nil {
		s.logger.Warn("performance db write failed", zap.Error(err))
	}
}

// StatsFor returns a snapshot of one model's stats. The second return
// is false when the model has never been observed.
func (s *Store) StatsFor(modelRef string) (Stats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stats[modelRef]
	if !ok {
		return Stats{}, false
	}
	return *st, true
}

// AnalyzeByComplexity summarizes models whose observed complexity band
// falls inside [min, max]. TopPerformers is the top quartile by quality
// (at least one model when any qualify), sorted descending quality with
// an ascending-ref tie-break.
func (s *Store) AnalyzeByComplexity(min, max float64) Analysis {
	s.mu.RLock()
	type scored struct {
		ref     string
		quality float64
	}
	var inWindow []scored
	var sumSuccess, sumQuality float64
	for ref, st := range s.stats {
		if st.SampleCount == 0 || st.ComplexityScore < min || st.ComplexityScore > max {
			continue
		}
		inWindow = append(inWindow, scored{ref: ref, quality: st.QualityScore})
		sumSuccess += st.SuccessRate
		sumQuality += st.QualityScore
	}
	s.mu.RUnlock()

	if len(inWindow) == 0 {
		return Analysis{}
	}
	sort.Slice(inWindow, func(i, j int) bool {
		if inWindow[i].quality != inWindow[j].quality {
			return inWindow[i].quality > inWindow[j].quality
		}
		return inWindow[i].ref < inWindow[j].ref
	})
	quartile := int(math.Ceil(float64(len(inWindow)) / 4))
	top := make([]string, 0, quartile)
	for _, entry := range inWindow[:quartile] {
		top = append(top, entry.ref)
	}
	return Analysis{
		AvgSuccess:    sumSuccess / float64(len(inWindow)),
		AvgQuality:    sumQuality / float64(len(inWindow)),
		TopPerformers: top,
	}
}

func (s *Store) save() error {
	s.mu.RLock()
	out := make(map[string]statsRecord, len(s.stats))
	for ref, st := range s.stats {
		out[ref] = statsRecord{Stats: *st, ComplexitySamples: st.complexitySamples}
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func ema(prev, next float64) float64 {
	return alpha*next + (1-alpha)*prev
}

// tokenEfficiency is output per total token, a crude proxy for how much
// of the budget the model spends answering rather than reading.
func tokenEfficiency(in, out int) float64 {
	total := in + out
	if total == 0 {
		return 0
	}
	return float64(out) / float64(total)
}
