package crawl

import (
	"fmt"
	"net/http"

	"github.com/cam3ron2/bugfind/internal/config"
	"github.com/cam3ron2/bugfind/internal/githubapi"
	"github.com/cam3ron2/bugfind/internal/store"
	"go.uber.org/zap"
)

// NewHTTPClientFromConfig builds the authenticated GitHub HTTP client: App
// installation auth when configured, bearer token auth otherwise.
func NewHTTPClientFromConfig(cfg *config.Config) (*http.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	httpClient, err := githubapi.NewHTTPClient(githubapi.AuthConfig{
		Token:          cfg.GitHub.Token,
		AppID:          cfg.GitHub.AppID,
		InstallationID: cfg.GitHub.InstallationID,
		PrivateKeyPath: cfg.GitHub.PrivateKeyPath,
		Timeout:        cfg.GitHub.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create github http client: %w", err)
	}
	return httpClient, nil
}

// NewCollectorFromConfig builds a Collector over an authenticated data client.
func NewCollectorFromConfig(cfg *config.Config, logger *zap.Logger, progressStore store.ProgressStore) (*Collector, error) {
	httpClient, err := NewHTTPClientFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewCollectorWithDoer(cfg, httpClient, logger, progressStore)
}

// NewCollectorWithDoer builds a Collector whose requests go through doer.
func NewCollectorWithDoer(cfg *config.Config, doer githubapi.HTTPDoer, logger *zap.Logger, progressStore store.ProgressStore) (*Collector, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	progress := NewProgress()
	requestClient := newRequestClient(cfg, doer, progress, logger)
	dataClient, err := githubapi.NewDataClient(cfg.GitHub.APIBaseURL, requestClient)
	if err != nil {
		return nil, fmt.Errorf("create data client: %w", err)
	}

	opts := []Option{WithLogger(logger), WithProgress(progress)}
	if progressStore != nil {
		opts = append(opts, WithProgressStore(progressStore))
	}
	return NewCollector(dataClient, ConfigFromCrawl(cfg.Crawl), opts...), nil
}

// newRequestClient builds the retrying, paced request client and reports
// every rate-limit pause to progress.
func newRequestClient(cfg *config.Config, doer githubapi.HTTPDoer, progress *Progress, logger *zap.Logger) *githubapi.Client {
	requestClient := githubapi.NewClient(doer, githubapi.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	}, githubapi.RateLimitPolicy{
		MinRemainingThreshold: cfg.RateLimit.MinRemainingThreshold,
		MinResetBuffer:        cfg.RateLimit.MinResetBuffer,
		MinWait:               cfg.RateLimit.MinWait,
		SecondaryLimitBackoff: cfg.RateLimit.SecondaryLimitBackoff,
	}).WithRequestDelay(cfg.GitHub.RequestDelay)
	requestClient.OnRateLimitWait = func(decision githubapi.Decision) {
		progress.RecordRateLimitWait(decision.Reason, decision.WaitFor)
		logger.Warn("github rate limit reached; waiting",
			zap.String("reason", decision.Reason),
			zap.Duration("wait", decision.WaitFor),
		)
	}
	return requestClient
}

// ConfigFromCrawl maps the crawl section of the application config.
func ConfigFromCrawl(cfg config.CrawlConfig) Config {
	return Config{
		Language:           cfg.Language,
		Cutoff:             cfg.Cutoff,
		MaxRepos:           cfg.MaxRepos,
		ReposPerPage:       cfg.ReposPerPage,
		IssueLabel:         cfg.IssueLabel,
		MaxIssuesPerRepo:   cfg.MaxIssuesPerRepo,
		IssuesPerPage:      cfg.IssuesPerPage,
		MaxCommitsPerIssue: cfg.MaxCommitsPerIssue,
		BuildFiles:         append([]string(nil), cfg.BuildFiles...),
		StopOnRunnable:     cfg.StopOnRunnable,
	}
}
