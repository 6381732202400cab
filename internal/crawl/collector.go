// Package crawl discovers bug issues in popular repositories and pairs them
// with candidate fix commits scored for runnability.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/bugfind/internal/githubapi"
	"github.com/cam3ron2/bugfind/internal/record"
	"github.com/cam3ron2/bugfind/internal/store"
	"github.com/cam3ron2/bugfind/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const tracerName = "bugfind/internal/crawl"

// GitHubDataClient is the typed GitHub API interface consumed by the collector.
type GitHubDataClient interface {
	SearchRepositories(ctx context.Context, query, sort, order string, perPage, maxRepos int) (githubapi.RepositorySearchResult, error)
	SearchIssues(ctx context.Context, query string, perPage, maxItems int) (githubapi.IssueSearchResult, error)
	SearchCommits(ctx context.Context, query string, perPage int) (githubapi.CommitSearchResult, error)
	GetPullRequest(ctx context.Context, owner, repo string, number int) (githubapi.PullRequestDetail, error)
	ListPullRequestCommits(ctx context.Context, owner, repo string, number, maxCommits int) (githubapi.PullRequestCommitsResult, error)
	GetCommit(ctx context.Context, owner, repo, sha string) (githubapi.CommitDetail, error)
	GetContentType(ctx context.Context, owner, repo, path, ref string) (githubapi.ContentResult, error)
	GetCombinedStatus(ctx context.Context, owner, repo, ref string) (githubapi.CombinedStatusResult, error)
	ListCheckRuns(ctx context.Context, owner, repo, ref string) (githubapi.CheckRunsResult, error)
}

// Config scopes one crawl.
type Config struct {
	Language           string
	Cutoff             time.Time
	MaxRepos           int
	ReposPerPage       int
	IssueLabel         string
	MaxIssuesPerRepo   int
	IssuesPerPage      int
	MaxCommitsPerIssue int
	BuildFiles         []string
	StopOnRunnable     bool
}

// DefaultBuildFiles are the build descriptors probed at a commit, in order.
var DefaultBuildFiles = []string{"pom.xml", "build.gradle", "build.gradle.kts", "settings.gradle"}

// Result is the outcome of one crawl.
type Result struct {
	Records []record.Record
	Summary Summary
}

// Collector runs the crawl pipeline.
type Collector struct {
	client   GitHubDataClient
	cfg      Config
	logger   *zap.Logger
	progress *Progress
	store    store.ProgressStore
}

// Option customizes a Collector.
type Option func(*Collector)

// WithLogger sets the collector logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithProgressStore enables resume through a progress store.
func WithProgressStore(progressStore store.ProgressStore) Option {
	return func(c *Collector) {
		c.store = progressStore
	}
}

// WithProgress shares progress counters with the caller.
func WithProgress(progress *Progress) Option {
	return func(c *Collector) {
		if progress != nil {
			c.progress = progress
		}
	}
}

// NewCollector creates a collector over client.
func NewCollector(client GitHubDataClient, cfg Config, opts ...Option) *Collector {
	if strings.TrimSpace(cfg.Language) == "" {
		cfg.Language = "Java"
	}
	if strings.TrimSpace(cfg.IssueLabel) == "" {
		cfg.IssueLabel = "bug"
	}
	if cfg.ReposPerPage <= 0 {
		cfg.ReposPerPage = 50
	}
	if cfg.IssuesPerPage <= 0 {
		cfg.IssuesPerPage = 100
	}
	if cfg.MaxCommitsPerIssue <= 0 {
		cfg.MaxCommitsPerIssue = 5
	}
	if len(cfg.BuildFiles) == 0 {
		cfg.BuildFiles = DefaultBuildFiles
	}

	c := &Collector{
		client:   client,
		cfg:      cfg,
		logger:   zap.NewNop(),
		progress: NewProgress(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Progress returns the live counters of the collector.
func (c *Collector) Progress() *Progress {
	return c.progress
}

// Run executes the whole pipeline. On context cancellation it returns the
// records of fully processed issues together with the context error.
func (c *Collector) Run(ctx context.Context) (Result, error) {
	if c == nil || c.client == nil {
		return Result{}, fmt.Errorf("collector is not initialized")
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "crawl.run",
		attribute.String("crawl.language", c.cfg.Language),
		attribute.Int("crawl.max_repos", c.cfg.MaxRepos),
	)
	defer span.End()

	c.progress.start()
	defer c.progress.finish()

	repos, err := c.DiscoverRepositories(ctx)
	if err != nil {
		span.Fail(err)
		c.progress.fail()
		return Result{}, err
	}
	c.logger.Info("repositories discovered", zap.Int("repos", len(repos)), zap.String("language", c.cfg.Language))

	var records []record.Record
	for _, repo := range repos {
		if err := ctx.Err(); err != nil {
			return c.result(records), err
		}
		repoRecords, err := c.crawlRepository(ctx, repo)
		records = append(records, repoRecords...)
		if err != nil {
			return c.result(records), err
		}
	}

	result := c.result(records)
	span.SetAttributes(attribute.Int("crawl.records", len(result.Records)))
	return result, nil
}

func (c *Collector) result(records []record.Record) Result {
	if records == nil {
		records = []record.Record{}
	}
	return Result{
		Records: records,
		Summary: c.progress.Summary(),
	}
}

// DiscoverRepositories returns the most-starred repositories of the configured language.
func (c *Collector) DiscoverRepositories(ctx context.Context) ([]githubapi.Repository, error) {
	query := "language:" + c.cfg.Language
	result, err := c.client.SearchRepositories(ctx, query, "stars", "desc", c.cfg.ReposPerPage, c.cfg.MaxRepos)
	if err != nil {
		return nil, fmt.Errorf("search repositories: %w", err)
	}
	if result.Status != githubapi.EndpointStatusOK {
		if len(result.Repos) == 0 {
			return nil, fmt.Errorf("search repositories: status %s", result.Status)
		}
		c.logger.Warn("repository search ended early", zap.String("status", string(result.Status)), zap.Int("repos", len(result.Repos)))
	}
	c.progress.reposDiscovered.Add(int64(len(result.Repos)))
	return result.Repos, nil
}

// BugIssues returns the labeled issues of repo created on or after the cutoff. Pull requests are dropped.
func (c *Collector) BugIssues(ctx context.Context, repoFullName string) ([]githubapi.Issue, error) {
	query := fmt.Sprintf("repo:%s is:issue label:%s", repoFullName, quoteQualifier(c.cfg.IssueLabel))
	if !c.cfg.Cutoff.IsZero() {
		query += " created:>=" + c.cfg.Cutoff.UTC().Format(time.DateOnly)
	}

	result, err := c.client.SearchIssues(ctx, query, c.cfg.IssuesPerPage, c.cfg.MaxIssuesPerRepo)
	if err != nil {
		return nil, fmt.Errorf("search issues for %s: %w", repoFullName, err)
	}
	if result.Status != githubapi.EndpointStatusOK && len(result.Issues) == 0 {
		return nil, fmt.Errorf("search issues for %s: status %s", repoFullName, result.Status)
	}

	issues := make([]githubapi.Issue, 0, len(result.Issues))
	for _, issue := range result.Issues {
		if issue.IsPullRequest {
			continue
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

func (c *Collector) crawlRepository(ctx context.Context, repo githubapi.Repository) ([]record.Record, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "crawl.repository", attribute.String("github.repo", repo.FullName))
	defer span.End()

	issues, err := c.BugIssues(ctx, repo.FullName)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		span.Fail(err)
		c.progress.reposFailed.Add(1)
		c.logger.Warn("issue search failed; skipping repository", zap.String("repo", repo.FullName), zap.Error(err))
		return nil, nil
	}
	c.progress.reposProcessed.Add(1)
	c.logger.Debug("bug issues found", zap.String("repo", repo.FullName), zap.Int("issues", len(issues)))

	var records []record.Record
	for _, issue := range issues {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		issueRecords, err := c.crawlIssue(ctx, repo, issue)
		if err != nil {
			return records, err
		}
		records = append(records, issueRecords...)
	}
	return records, nil
}

func (c *Collector) crawlIssue(ctx context.Context, repo githubapi.Repository, apiIssue githubapi.Issue) ([]record.Record, error) {
	key := store.IssueKey(repo.FullName, apiIssue.Number)
	if c.store != nil {
		stored, ok, err := c.store.LoadIssue(ctx, key)
		switch {
		case err != nil:
			c.logger.Warn("progress lookup failed", zap.String("issue", key), zap.Error(err))
		case ok:
			c.progress.issuesResumed.Add(1)
			c.progress.recordsEmitted.Add(int64(len(stored)))
			return stored, nil
		}
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "crawl.issue",
		attribute.String("github.repo", repo.FullName),
		attribute.Int("github.issue_number", apiIssue.Number),
	)
	defer span.End()

	issue := issueRecord(repo, apiIssue)
	candidates, complete, err := c.fixCandidates(ctx, repo.FullName, apiIssue.Number)
	if err != nil {
		span.Fail(err)
		return nil, err
	}
	c.progress.candidatesFound.Add(int64(len(candidates)))

	var records []record.Record
	if len(candidates) == 0 {
		c.progress.issuesWithoutFix.Add(1)
		records = append(records, record.NewIssueOnly(issue))
	}
	for _, candidate := range candidates {
		commit, err := c.evaluateCommit(ctx, repo.FullName, candidate.SHA)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			c.progress.commitsSkipped.Add(1)
			complete = false
			c.logger.Warn("commit detail unavailable; skipping commit",
				zap.String("repo", repo.FullName),
				zap.Int("issue", apiIssue.Number),
				zap.String("sha", candidate.SHA),
				zap.Error(err),
			)
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		records = append(records, record.NewCommitRecord(issue, commit))
		if commit.Runnable() {
			c.progress.runnableCommits.Add(1)
			if c.cfg.StopOnRunnable {
				break
			}
		}
	}

	c.progress.issuesProcessed.Add(1)
	c.progress.recordsEmitted.Add(int64(len(records)))
	span.SetAttributes(attribute.Int("crawl.records", len(records)))

	// Incomplete issues stay out of the store so the next run crawls them again.
	switch {
	case !complete:
		c.progress.issuesIncomplete.Add(1)
		c.logger.Debug("issue crawled with failures; progress not saved", zap.String("issue", key))
	case c.store != nil:
		if err := c.store.SaveIssue(ctx, key, records); err != nil {
			c.logger.Warn("progress save failed", zap.String("issue", key), zap.Error(err))
		}
	}
	return records, nil
}

// evaluateCommit describes sha and runs both runnability checks.
func (c *Collector) evaluateCommit(ctx context.Context, repoFullName, sha string) (record.Commit, error) {
	commit, err := c.DescribeCommit(ctx, repoFullName, sha)
	if err != nil {
		return record.Commit{}, err
	}
	c.progress.commitsDescribed.Add(1)

	commit.HasBuildFile, commit.BuildFileName = c.BuildFileCheck(ctx, repoFullName, sha)
	commit.CheckSuccess, commit.CheckInfo = c.CIStatusCheck(ctx, repoFullName, sha)
	return commit, nil
}

func issueRecord(repo githubapi.Repository, issue githubapi.Issue) record.Issue {
	return record.Issue{
		ID:           issue.ID,
		Number:       issue.Number,
		Title:        issue.Title,
		Body:         issue.Body,
		CreatedAt:    issue.CreatedAt,
		UpdatedAt:    issue.UpdatedAt,
		URL:          issue.HTMLURL,
		RepoFullName: repo.FullName,
		RepoURL:      issue.RepositoryURL,
		UserLogin:    issue.UserLogin,
	}
}

// quoteQualifier quotes search qualifier values containing spaces.
func quoteQualifier(value string) string {
	if strings.ContainsAny(value, " \t") {
		return `"` + value + `"`
	}
	return value
}

var errNotOK = errors.New("unexpected endpoint status")

func statusError(operation string, status githubapi.EndpointStatus) error {
	return fmt.Errorf("%s: %w: %s", operation, errNotOK, status)
}
