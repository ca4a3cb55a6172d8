package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/Heratiki/locallama-mcp/internal/backend"
	"github.com/Heratiki/locallama-mcp/internal/bench"
	"github.com/Heratiki/locallama-mcp/internal/codeindex"
	"github.com/Heratiki/locallama-mcp/internal/config"
	"github.com/Heratiki/locallama-mcp/internal/cost"
	"github.com/Heratiki/locallama-mcp/internal/executor"
	"github.com/Heratiki/locallama-mcp/internal/fault"
	"github.com/Heratiki/locallama-mcp/internal/jobs"
	"github.com/Heratiki/locallama-mcp/internal/lockfile"
	"github.com/Heratiki/locallama-mcp/internal/logging"
	"github.com/Heratiki/locallama-mcp/internal/perf"
	"github.com/Heratiki/locallama-mcp/internal/registry"
	"github.com/Heratiki/locallama-mcp/internal/route"
	"github.com/Heratiki/locallama-mcp/internal/score"
	"github.com/Heratiki/locallama-mcp/internal/server"
)

func newServeCmd() *cobra.Command {
	var indexRoot string
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the router",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), indexRoot, watch)
		},
	}
	cmd.Flags().StringVar(&indexRoot, "index", "", "directory to index for retrieval at startup")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-index files under --index as they change")
	return cmd
}

func serve(parent context.Context, indexRoot string, watch bool) error {
	cfg, err := config.Load()
	if err != nil {
		return &exitError{code: 1, msg: err.Error()}
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return &exitError{code: 1, msg: err.Error()}
	}
	defer logger.Sync()

	lock, err := lockfile.Acquire(cfg.DataDir, cfg.ListenAddr, logger.Named("lock"))
	if err != nil {
		if fault.KindOf(err) == fault.PreconditionFailed {
			logger.Info("another instance is running, exiting", zap.Error(err))
			return &exitError{code: 0}
		}
		return &exitError{code: 1, msg: err.Error()}
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := jobs.NewBus()
	bus.Subscribe(jobs.TraceSubscriber(otel.Tracer("locallama")))
	tracker := jobs.NewTracker(bus, logger.Named("jobs"))

	cleanupStop := make(chan struct{})
	defer close(cleanupStop)
	go tracker.RunCleanup(cfg.JobRetention, time.Minute, cleanupStop)

	stats := perf.NewStore(cfg.DataDir, logger.Named("perf"))
	stats.Bootstrap(cfg.BenchmarkDir())

	reg := registry.New(&cfg, logger.Named("registry"))
	strategies := registry.NewStrategyStore(cfg.DataDir, logger.Named("strategies"))

	index := codeindex.New(
		codeindex.WithExcludes(cfg.IndexExcludes),
		codeindex.WithChunkLines(cfg.IndexChunkLines),
		codeindex.WithLogger(logger.Named("index")),
	)
	if indexRoot != "" {
		if err := index.IndexDirectory(indexRoot, false); err != nil {
			logger.Warn("startup indexing failed", zap.String("root", indexRoot), zap.Error(err))
		}
		if watch {
			go func() {
				if err := index.Watch(ctx, indexRoot); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("index watcher stopped", zap.Error(err))
				}
			}()
		}
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())

	scorer := score.New(stats, logger.Named("score"))
	router := route.New(scorer, cfg.LoadCap, cfg.HardLoadCap,
		route.NewMetrics(promReg), logger.Named("route"))

	dispatcher := backend.NewDispatcher(&cfg, logger.Named("backend"))
	usage := cost.NewTracker()

	exec := executor.New(executor.Config{
		Chat:        dispatcher,
		Index:       index,
		Tracker:     tracker,
		Stats:       stats,
		Loads:       router,
		Usage:       usage,
		Strategies:  strategies,
		Concurrency: cfg.MaxConcurrency,
		Logger:      logger.Named("executor"),
	})

	svc := server.NewService(server.Deps{
		Config:     cfg,
		Catalog:    reg,
		Index:      index,
		Scorer:     scorer,
		Router:     router,
		Runner:     exec,
		Estimator:  cost.NewEstimator(reg),
		Tracker:    tracker,
		Strategies: strategies,
		Bench:      bench.NewRunner(dispatcher, stats, cfg.BenchmarkDir(), logger.Named("bench")),
		Usage:      usage,
		Logger:     logger.Named("server"),
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.Handle("/", server.NewHTTP(svc, logger.Named("http")).Handler())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
		for _, job := range tracker.Active() {
			tracker.Cancel(job.ID)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return &exitError{code: 1, msg: err.Error()}
	}
}
