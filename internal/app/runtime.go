package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/bugfind/internal/config"
	"github.com/cam3ron2/bugfind/internal/crawl"
	"github.com/cam3ron2/bugfind/internal/exporter"
	"github.com/cam3ron2/bugfind/internal/health"
	"github.com/cam3ron2/bugfind/internal/record"
	"github.com/cam3ron2/bugfind/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Crawler runs one crawl and exposes its live progress.
type Crawler interface {
	Run(ctx context.Context) (crawl.Result, error)
	Progress() *crawl.Progress
}

// Runtime runs one crawl, serves its status while it runs and writes the artifacts.
type Runtime struct {
	cfg     *config.Config
	crawler Crawler
	store   store.ProgressStore
	logger  *zap.Logger

	mu                 sync.RWMutex
	githubClientUsable bool
	storeHealthy       bool
	listenAddr         string

	// SaveFiles writes the output artifacts; replaced in tests.
	SaveFiles func(jsonPath, csvPath string, records []record.Record) error
	// NewRunID tags the run; replaced in tests.
	NewRunID func() string
}

// NewRuntime creates a runtime around crawler. progressStore may be nil.
func NewRuntime(cfg *config.Config, crawler Crawler, progressStore store.ProgressStore, logger ...*zap.Logger) *Runtime {
	if cfg == nil {
		cfg = config.Default()
	}
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}

	return &Runtime{
		cfg:                cfg,
		crawler:            crawler,
		store:              progressStore,
		logger:             baseLogger,
		githubClientUsable: crawler != nil,
		storeHealthy:       true,
		SaveFiles:          record.SaveFiles,
		NewRunID:           func() string { return uuid.NewString() },
	}
}

// Build opens the configured progress store and GitHub collector and wires them into a Runtime.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	progressStore, err := openProgressStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	collector, err := crawl.NewCollectorFromConfig(cfg, logger, progressStore)
	if err != nil {
		if progressStore != nil {
			_ = progressStore.Close()
		}
		return nil, fmt.Errorf("build collector: %w", err)
	}
	return NewRuntime(cfg, collector, progressStore, logger), nil
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	var progress *crawl.Progress
	if r.crawler != nil {
		progress = r.crawler.Progress()
	}

	var reader exporter.SnapshotReader
	if progress != nil {
		reader = progress
	}
	return NewHTTPHandler(Handlers{
		Metrics: exporter.NewOpenMetricsHandler(reader, exporter.HandlerOptions{IncludeRuntime: true}),
		Health:  health.NewHandler(r),
		Summary: summaryHandler(progress),
	})
}

// CurrentStatus returns current health status.
func (r *Runtime) CurrentStatus(ctx context.Context) health.Status {
	storeHealthy := true
	if r.store != nil {
		storeHealthy = r.store.Ping(ctx) == nil
	}

	r.mu.Lock()
	r.storeHealthy = storeHealthy
	input := health.Input{
		GitHubClientUsable: r.githubClientUsable,
		StoreHealthy:       r.storeHealthy,
	}
	r.mu.Unlock()

	if r.crawler != nil {
		progress := r.crawler.Progress()
		input.CrawlRunning = progress.Running()
		input.CrawlFailed = progress.Failed()
		input.RateLimited = progress.RateLimited()
	}
	return health.Evaluate(input)
}

// ListenAddr returns the bound HTTP address while the server runs.
func (r *Runtime) ListenAddr() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listenAddr
}

// Run serves the HTTP endpoints when configured, runs the crawl, and writes the
// JSON and CSV artifacts. A cancelled crawl still writes the issues it finished.
func (r *Runtime) Run(ctx context.Context) (crawl.Result, error) {
	if r.crawler == nil {
		return crawl.Result{}, fmt.Errorf("crawler is required")
	}

	runID := r.NewRunID()
	logger := r.logger.With(zap.String("run_id", runID))

	if collector, ok := r.store.(store.Collector); ok {
		if err := collector.GC(ctx); err != nil {
			logger.Warn("progress store gc failed", zap.Error(err))
		}
	}
	if counter, ok := r.store.(store.Counter); ok {
		if stored, err := counter.Count(ctx); err == nil && stored > 0 {
			logger.Info("resuming from progress store", zap.Int("stored_issues", stored))
		}
	}

	stopServer, err := r.startServer(logger)
	if err != nil {
		return crawl.Result{}, err
	}
	defer stopServer()

	logger.Info("crawl started",
		zap.String("language", r.cfg.Crawl.Language),
		zap.String("cutoff", r.cfg.Crawl.Cutoff.Format(config.CutoffLayout)),
		zap.Int("max_repos", r.cfg.Crawl.MaxRepos),
		zap.Int("max_issues_per_repo", r.cfg.Crawl.MaxIssuesPerRepo),
		zap.String("store_backend", r.cfg.Store.Backend),
	)

	result, crawlErr := r.crawler.Run(ctx)
	if crawlErr != nil && !errors.Is(crawlErr, context.Canceled) && !errors.Is(crawlErr, context.DeadlineExceeded) {
		logger.Error("crawl failed", zap.Error(crawlErr))
		return result, fmt.Errorf("crawl: %w", crawlErr)
	}
	if crawlErr != nil {
		logger.Warn("crawl interrupted; saving completed issues", zap.Error(crawlErr), zap.Int("records", len(result.Records)))
	}

	if err := r.SaveFiles(r.cfg.Output.JSONPath, r.cfg.Output.CSVPath, result.Records); err != nil {
		return result, fmt.Errorf("save output: %w", err)
	}

	summary := result.Summary
	logger.Info("crawl finished",
		zap.Int("records", len(result.Records)),
		zap.Int64("repos_processed", summary.ReposProcessed),
		zap.Int64("repos_failed", summary.ReposFailed),
		zap.Int64("issues_processed", summary.IssuesProcessed),
		zap.Int64("issues_resumed", summary.IssuesResumed),
		zap.Int64("issues_without_fix", summary.IssuesWithoutFix),
		zap.Int64("issues_incomplete", summary.IssuesIncomplete),
		zap.Int64("runnable_commits", summary.RunnableCommits),
		zap.Int64("commits_skipped", summary.CommitsSkipped),
		zap.Int64("rate_limit_waits", summary.RateLimitWaits),
		zap.Duration("duration", summary.Duration),
		zap.String("json_path", r.cfg.Output.JSONPath),
		zap.String("csv_path", r.cfg.Output.CSVPath),
	)
	return result, crawlErr
}

// Close releases the progress store.
func (r *Runtime) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}

// startServer serves Handler on the configured address. The returned func
// shuts the server down.
func (r *Runtime) startServer(logger *zap.Logger) (func(), error) {
	addr := strings.TrimSpace(r.cfg.Server.ListenAddr)
	if addr == "" {
		return func() {}, nil
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	r.mu.Lock()
	r.listenAddr = listener.Addr().String()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("http server starting", zap.String("addr", listener.Addr().String()))
		if serveErr := server.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(serveErr))
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", zap.Error(err))
		}
		<-done
		r.mu.Lock()
		r.listenAddr = ""
		r.mu.Unlock()
	}, nil
}

func summaryHandler(progress *crawl.Progress) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		payload, err := json.Marshal(progress.Summary())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		//nolint:gosec // Summary payload is server-generated JSON.
		_, _ = w.Write(payload)
	})
}
