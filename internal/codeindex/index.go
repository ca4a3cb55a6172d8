// Package codeindex maintains an in-memory BM25 inverted index over
// workspace files. The index is a best-effort cache consulted before
// dispatch: it is rebuildable, process-local, and discarded on shutdown.
package codeindex

import (
	"math"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Heratiki/locallama-mcp/internal/fault"
)

// Document is one indexable unit. Paths are unique: re-indexing a path
// replaces the prior entry.
type Document struct {
	Path     string
	Content  string
	Language string
	Metadata map[string]string
}

// Result is a ranked search hit.
type Result struct {
	Path       string
	Content    string
	Score      float64
	Highlights []string
}

// Params tune BM25 ranking.
type Params struct {
	K1 float64 // term-frequency saturation
	B  float64 // length normalization
}

// DefaultParams are the standard Okapi values used across the codebase.
func DefaultParams() Params { return Params{K1: 1.5, B: 0.75} }

type docEntry struct {
	doc    Document
	length int            // token count, for length normalization
	freqs  map[string]int // token -> tf
}

// Index is the process-local inverted index. Builds take the write
// lock; searches take read locks. Re-indexing is atomic per path.
type Index struct {
	mu       sync.RWMutex
	params   Params
	docs     map[string]*docEntry
	postings map[string]map[string]int // token -> path -> tf
	totalLen int

	excludes   []string
	chunkLines int
	hashes     map[string]string // source file path -> content hash

	logger   *zap.Logger
	disabled bool
	warnOnce sync.Once
}

// Option configures an Index.
type Option func(*Index)

// WithParams overrides the BM25 parameters.
func WithParams(p Params) Option { return func(ix *Index) { ix.params = p } }

// WithExcludes sets directory-walk exclude patterns.
func WithExcludes(patterns []string) Option {
	return func(ix *Index) { ix.excludes = patterns }
}

// WithChunkLines sets the line count above which files are split.
func WithChunkLines(n int) Option { return func(ix *Index) { ix.chunkLines = n } }

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option { return func(ix *Index) { ix.logger = l } }

// Disabled marks the index unavailable; every operation degrades to a
// no-op and Search reports DependencyUnavailable once via the log.
func Disabled() Option { return func(ix *Index) { ix.disabled = true } }

// New creates an empty index.
func New(opts ...Option) *Index {
	ix := &Index{
		params:     DefaultParams(),
		docs:       make(map[string]*docEntry),
		postings:   make(map[string]map[string]int),
		hashes:     make(map[string]string),
		chunkLines: 400,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Add indexes the given documents, replacing any prior entry at the
// same path. Idempotent per path.
func (ix *Index) Add(docs ...Document) {
	if ix.disabled {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, d := range docs {
		ix.addLocked(d)
	}
}

func (ix *Index) addLocked(d Document) {
	if prev, ok := ix.docs[d.Path]; ok {
		ix.removeLocked(d.Path, prev)
	}
	tokens := Tokenize(d.Content)
	entry := &docEntry{doc: d, length: len(tokens), freqs: make(map[string]int)}
	for _, tok := range tokens {
		entry.freqs[tok]++
	}
	for tok, tf := range entry.freqs {
		posting := ix.postings[tok]
		if posting == nil {
			posting = make(map[string]int)
			ix.postings[tok] = posting
		}
		posting[d.Path] = tf
	}
	ix.docs[d.Path] = entry
	ix.totalLen += entry.length
}

func (ix *Index) removeLocked(path string, entry *docEntry) {
	for tok := range entry.freqs {
		posting := ix.postings[tok]
		delete(posting, path)
		if len(posting) == 0 {
			delete(ix.postings, tok)
		}
	}
	ix.totalLen -= entry.length
	delete(ix.docs, path)
}

// Remove drops every document whose path equals path or is a chunk of
// it (path#n).
func (ix *Index) Remove(path string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for p, entry := range ix.docs {
		if p == path || strings.HasPrefix(p, path+"#") {
			ix.removeLocked(p, entry)
		}
	}
	delete(ix.hashes, path)
}

// DocumentCount returns the exact number of indexed documents.
func (ix *Index) DocumentCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Search returns the top-limit documents ranked by BM25, sorted by
// non-increasing score with ascending-path tie-break.
func (ix *Index) Search(query string, limit int) ([]Result, error) {
	if ix.disabled {
		ix.warnOnce.Do(func() {
			ix.logger.Warn("code index unavailable; retrieval cache disabled")
		})
		return nil, fault.New(fault.DependencyUnavailable, "code index unavailable")
	}
	terms := Tokenize(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := float64(len(ix.docs))
	if n == 0 {
		return nil, nil
	}
	avgLen := float64(ix.totalLen) / n

	scores := make(map[string]float64)
	for _, term := range terms {
		posting, ok := ix.postings[term]
		if !ok {
			continue
		}
		df := float64(len(posting))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for path, tf := range posting {
			entry := ix.docs[path]
			norm := 1 - ix.params.B + ix.params.B*float64(entry.length)/avgLen
			tfScore := float64(tf) * (ix.params.K1 + 1) / (float64(tf) + ix.params.K1*norm)
			scores[path] += idf * tfScore
		}
	}

	results := make([]Result, 0, len(scores))
	for path, score := range scores {
		entry := ix.docs[path]
		results = append(results, Result{
			Path:       path,
			Content:    entry.doc.Content,
			Score:      score,
			Highlights: highlights(entry.doc.Content, terms, 3),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Path < results[j].Path
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// highlights returns up to max lines of content containing a query term.
func highlights(content string, terms []string, max int) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		lower := strings.ToLower(line)
		for _, term := range terms {
			if strings.Contains(lower, term) {
				out = append(out, strings.TrimSpace(line))
				break
			}
		}
		if len(out) >= max {
			break
		}
	}
	return out
}
