package registry

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Heratiki/locallama-mcp/internal/config"
	"github.com/Heratiki/locallama-mcp/internal/fault"
)

// providerClient is the discovery interface one backend implements.
type providerClient interface {
	Provider() Provider
	List(ctx context.Context) ([]Model, error)
}

// providerState tracks one provider's cached catalog and its in-flight
// refresh. The refreshing channel is the coalescing point: concurrent
// callers wait on it instead of issuing duplicate upstream calls.
type providerState struct {
	client      providerClient
	models      []Model
	lastRefresh time.Time
	refreshing  chan struct{} // non-nil while a refresh is in flight
	cachePath   string        // "" for providers not persisted to disk
}

// Registry owns the model catalog across providers. All reads return
// copies; the catalog only changes under refresh.
type Registry struct {
	mu        chanMutex
	providers map[Provider]*providerState
	ttl       time.Duration
	remoteTTL time.Duration
	logger    *zap.Logger
}

// chanMutex is a channel-based mutex so refresh waiters can block
// without holding the lock.
type chanMutex chan struct{}

func newChanMutex() chanMutex { return make(chanMutex, 1) }
func (m chanMutex) Lock()     { m <- struct{}{} }
func (m chanMutex) Unlock()   { <-m }

// New builds a registry with live provider clients from configuration
// and warms each provider's catalog from its on-disk cache when one
// survives from a previous run.
func New(cfg *config.Config, logger *zap.Logger) *Registry {
	reg := newWith(cfg.RegistryTTL, cfg.RemoteCacheTTL, logger,
		withClient(newLMStudioClient(cfg.LMStudioEndpoint),
			filepath.Join(cfg.DataDir, "lm-studio-models.json")),
		withClient(newOllamaClient(cfg.OllamaEndpoint), ""),
		withClient(newOpenRouterClient(cfg.OpenRouterAPIKey),
			filepath.Join(cfg.DataDir, "openrouter-models.json")),
	)
	for _, state := range reg.providers {
		reg.loadCache(state)
	}
	return reg
}

type clientEntry struct {
	client    providerClient
	cachePath string
}

func withClient(c providerClient, cachePath string) clientEntry {
	return clientEntry{client: c, cachePath: cachePath}
}

func newWith(ttl, remoteTTL time.Duration, logger *zap.Logger, entries ...clientEntry) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := &Registry{
		mu:        newChanMutex(),
		providers: make(map[Provider]*providerState, len(entries)),
		ttl:       ttl,
		remoteTTL: remoteTTL,
		logger:    logger,
	}
	for _, entry := range entries {
		reg.providers[entry.client.Provider()] = &providerState{
			client:    entry.client,
			cachePath: entry.cachePath,
		}
	}
	return reg
}

func (r *Registry) loadCache(state *providerState) {
	if state.cachePath == "" {
		return
	}
	var file cacheFile
	if err := readJSON(state.cachePath, &file); err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("model cache unreadable, discarding",
				zap.String("path", state.cachePath), zap.Error(err))
		}
		return
	}
	state.models = file.Models
	state.lastRefresh = time.Unix(file.UpdatedAt, 0)
	r.logger.Debug("model cache loaded",
		zap.String("provider", string(state.client.Provider())),
		zap.Int("models", len(file.Models)))
}

// Models returns every known model, refreshing stale providers first.
// A provider that fails to refresh contributes its previous catalog.
func (r *Registry) Models(ctx context.Context) []Model {
	var all []Model
	for provider := range r.providers {
		models, _ := r.ModelsFor(ctx, provider)
		all = append(all, models...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Provider != all[j].Provider {
			return all[i].Provider < all[j].Provider
		}
		return all[i].ID < all[j].ID
	})
	return all
}

// ModelsFor returns one provider's catalog, refreshing it when the TTL
// has lapsed. On refresh failure the previous catalog is returned along
// with the error so callers can degrade rather than stall.
func (r *Registry) ModelsFor(ctx context.Context, provider Provider) ([]Model, error) {
	state, ok := r.providers[provider]
	if !ok {
		return nil, fault.New(fault.NotFound, "unknown provider %q", provider)
	}

	r.mu.Lock()
	ttl := r.ttl
	if provider == OpenRouter {
		// Remote catalogs are cheap to list and change often; use the
		// short shared-cache window instead of the discovery TTL.
		ttl = r.remoteTTL
	}
	if time.Since(state.lastRefresh) < ttl && state.models != nil {
		models := snapshot(state.models)
		r.mu.Unlock()
		return models, nil
	}

	if state.refreshing != nil {
		// Another caller is already refreshing; wait for its result.
		done := state.refreshing
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		r.mu.Lock()
		models := snapshot(state.models)
		r.mu.Unlock()
		return models, nil
	}

	done := make(chan struct{})
	state.refreshing = done
	r.mu.Unlock()

	models, err := state.client.List(ctx)

	r.mu.Lock()
	state.refreshing = nil
	close(done)
	if err != nil {
		stale := snapshot(state.models)
		r.mu.Unlock()
		r.logger.Warn("provider refresh failed, serving previous catalog",
			zap.String("provider", string(provider)),
			zap.Int("stale_models", len(stale)),
			zap.Error(err))
		return stale, err
	}
	state.models = models
	state.lastRefresh = time.Now()
	fresh := snapshot(models)
	cachePath := state.cachePath
	updatedAt := state.lastRefresh.Unix()
	r.mu.Unlock()

	if cachePath != "" {
		if err := writeJSON(cachePath, cacheFile{UpdatedAt: updatedAt, Models: models}); err != nil {
			r.logger.Warn("model cache write failed",
				zap.String("path", cachePath), zap.Error(err))
		}
	}
	r.logger.Info("provider catalog refreshed",
		zap.String("provider", string(provider)), zap.Int("models", len(models)))
	return fresh, nil
}

// Refresh forces a refresh of every provider, ignoring TTLs. Used by
// the benchmark runner and the clear_openrouter_tracking operation.
func (r *Registry) Refresh(ctx context.Context) {
	for provider, state := range r.providers {
		r.mu.Lock()
		state.lastRefresh = time.Time{}
		r.mu.Unlock()
		if _, err := r.ModelsFor(ctx, provider); err != nil {
			r.logger.Warn("forced refresh failed",
				zap.String("provider", string(provider)), zap.Error(err))
		}
	}
}

// Lookup resolves a "provider:id" reference against the catalog.
func (r *Registry) Lookup(ctx context.Context, ref string) (Model, error) {
	provider, id, err := ParseRef(ref)
	if err != nil {
		return Model{}, fault.Wrap(fault.InputInvalid, err, "model reference")
	}
	if provider == LocalCache {
		return Model{Provider: LocalCache, ID: id, Name: id}, nil
	}
	models, _ := r.ModelsFor(ctx, provider)
	for _, m := range models {
		if m.ID == id {
			return m, nil
		}
	}
	return Model{}, fault.New(fault.NotFound, "model %q not in catalog", ref)
}

// FreeModels returns the zero-cost subset of the hosted catalog, sorted
// by id for stable output.
func (r *Registry) FreeModels(ctx context.Context) ([]Model, error) {
	models, err := r.ModelsFor(ctx, OpenRouter)
	var free []Model
	for _, m := range models {
		if m.Free() {
			free = append(free, m)
		}
	}
	sort.Slice(free, func(i, j int) bool { return free[i].ID < free[j].ID })
	if len(free) == 0 && err != nil {
		return nil, err
	}
	return free, nil
}

func snapshot(models []Model) []Model {
	if models == nil {
		return nil
	}
	out := make([]Model, len(models))
	copy(out, models)
	return out
}
