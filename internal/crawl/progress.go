package crawl

import (
	"sync/atomic"
	"time"

	"github.com/cam3ron2/bugfind/internal/exporter"
	"github.com/cam3ron2/bugfind/internal/githubapi"
)

const (
	// MetricReposDiscovered counts repositories returned by repository search.
	MetricReposDiscovered = "bugfind_repos_discovered"
	// MetricReposProcessed counts repositories whose issue search succeeded.
	MetricReposProcessed = "bugfind_repos_processed"
	// MetricReposFailed counts repositories skipped after a failed issue search.
	MetricReposFailed = "bugfind_repos_failed"
	// MetricIssuesProcessed counts issues crawled against the API.
	MetricIssuesProcessed = "bugfind_issues_processed"
	// MetricIssuesResumed counts issues replayed from the progress store.
	MetricIssuesResumed = "bugfind_issues_resumed"
	// MetricIssuesIncomplete counts issues with a failed search or commit fetch.
	// They are left out of the progress store so a later run retries them.
	MetricIssuesIncomplete = "bugfind_issues_incomplete"
	// MetricIssuesWithoutFix counts issues for which no candidate commit was found.
	MetricIssuesWithoutFix = "bugfind_issues_without_fix"
	// MetricCandidatesFound counts candidate fix commits after dedup.
	MetricCandidatesFound = "bugfind_candidates_found"
	// MetricCommitsDescribed counts commits whose detail fetch succeeded.
	MetricCommitsDescribed = "bugfind_commits_described"
	// MetricCommitsSkipped counts commits dropped after a failed detail fetch.
	MetricCommitsSkipped = "bugfind_commits_skipped"
	// MetricRunnableCommits counts commits with a build file and green CI.
	MetricRunnableCommits = "bugfind_runnable_commits"
	// MetricRecordsEmitted counts output rows.
	MetricRecordsEmitted = "bugfind_records_emitted"
	// MetricRateLimitWaits counts pauses taken because of GitHub rate limits, by reason.
	MetricRateLimitWaits = "bugfind_rate_limit_waits"
	// MetricCrawlRunning is 1 while a crawl is in progress.
	MetricCrawlRunning = "bugfind_crawl_running"
	// MetricCrawlFailed is 1 when the last crawl failed before producing output.
	MetricCrawlFailed = "bugfind_crawl_failed"
)

// Summary is a point-in-time copy of the crawl counters.
type Summary struct {
	ReposDiscovered  int64         `json:"repos_discovered"`
	ReposProcessed   int64         `json:"repos_processed"`
	ReposFailed      int64         `json:"repos_failed"`
	IssuesProcessed  int64         `json:"issues_processed"`
	IssuesResumed    int64         `json:"issues_resumed"`
	IssuesIncomplete int64         `json:"issues_incomplete"`
	IssuesWithoutFix int64         `json:"issues_without_fix"`
	CandidatesFound  int64         `json:"candidates_found"`
	CommitsDescribed int64         `json:"commits_described"`
	CommitsSkipped   int64         `json:"commits_skipped"`
	RunnableCommits  int64         `json:"runnable_commits"`
	RecordsEmitted   int64         `json:"records_emitted"`
	RateLimitWaits   int64         `json:"rate_limit_waits"`
	Duration         time.Duration `json:"duration_ns"`
}

// Progress holds crawl counters that are safe to read while the crawl runs.
type Progress struct {
	reposDiscovered  atomic.Int64
	reposProcessed   atomic.Int64
	reposFailed      atomic.Int64
	issuesProcessed  atomic.Int64
	issuesResumed    atomic.Int64
	issuesIncomplete atomic.Int64
	issuesWithoutFix atomic.Int64
	candidatesFound  atomic.Int64
	commitsDescribed atomic.Int64
	commitsSkipped   atomic.Int64
	runnableCommits  atomic.Int64
	recordsEmitted   atomic.Int64

	primaryWaits   atomic.Int64
	secondaryWaits atomic.Int64
	budgetWaits    atomic.Int64

	running      atomic.Bool
	failed       atomic.Bool
	startedAt    atomic.Int64
	endedAt      atomic.Int64
	waitingUntil atomic.Int64

	now func() time.Time
}

// NewProgress creates zeroed counters.
func NewProgress() *Progress {
	return &Progress{now: time.Now}
}

// RecordRateLimitWait counts one rate-limit pause of wait with its reason.
func (p *Progress) RecordRateLimitWait(reason string, wait time.Duration) {
	if p == nil {
		return
	}
	p.waitingUntil.Store(p.now().Add(wait).UnixNano())
	switch reason {
	case githubapi.ReasonSecondaryLimit:
		p.secondaryWaits.Add(1)
	case githubapi.ReasonPrimaryLimit:
		p.primaryWaits.Add(1)
	default:
		p.budgetWaits.Add(1)
	}
}

// Running reports whether a crawl is in progress.
func (p *Progress) Running() bool {
	return p != nil && p.running.Load()
}

// RateLimited reports whether the crawl is inside a rate-limit pause.
func (p *Progress) RateLimited() bool {
	return p != nil && p.now().UnixNano() < p.waitingUntil.Load()
}

// Failed reports whether the last crawl failed.
func (p *Progress) Failed() bool {
	return p != nil && p.failed.Load()
}

func (p *Progress) start() {
	p.failed.Store(false)
	p.running.Store(true)
	p.startedAt.Store(p.now().UnixNano())
	p.endedAt.Store(0)
}

func (p *Progress) finish() {
	p.endedAt.Store(p.now().UnixNano())
	p.running.Store(false)
}

func (p *Progress) fail() {
	p.failed.Store(true)
}

// Summary copies the counters.
func (p *Progress) Summary() Summary {
	if p == nil {
		return Summary{}
	}

	summary := Summary{
		ReposDiscovered:  p.reposDiscovered.Load(),
		ReposProcessed:   p.reposProcessed.Load(),
		ReposFailed:      p.reposFailed.Load(),
		IssuesProcessed:  p.issuesProcessed.Load(),
		IssuesResumed:    p.issuesResumed.Load(),
		IssuesIncomplete: p.issuesIncomplete.Load(),
		IssuesWithoutFix: p.issuesWithoutFix.Load(),
		CandidatesFound:  p.candidatesFound.Load(),
		CommitsDescribed: p.commitsDescribed.Load(),
		CommitsSkipped:   p.commitsSkipped.Load(),
		RunnableCommits:  p.runnableCommits.Load(),
		RecordsEmitted:   p.recordsEmitted.Load(),
		RateLimitWaits:   p.primaryWaits.Load() + p.secondaryWaits.Load() + p.budgetWaits.Load(),
	}
	if started := p.startedAt.Load(); started > 0 {
		ended := p.endedAt.Load()
		if ended == 0 {
			ended = p.now().UnixNano()
		}
		summary.Duration = time.Duration(ended - started)
	}
	return summary
}

// Snapshot renders the counters as metric samples.
func (p *Progress) Snapshot() []exporter.Sample {
	if p == nil {
		return nil
	}

	summary := p.Summary()
	samples := []exporter.Sample{
		{Name: MetricReposDiscovered, Value: float64(summary.ReposDiscovered)},
		{Name: MetricReposProcessed, Value: float64(summary.ReposProcessed)},
		{Name: MetricReposFailed, Value: float64(summary.ReposFailed)},
		{Name: MetricIssuesProcessed, Value: float64(summary.IssuesProcessed)},
		{Name: MetricIssuesResumed, Value: float64(summary.IssuesResumed)},
		{Name: MetricIssuesIncomplete, Value: float64(summary.IssuesIncomplete)},
		{Name: MetricIssuesWithoutFix, Value: float64(summary.IssuesWithoutFix)},
		{Name: MetricCandidatesFound, Value: float64(summary.CandidatesFound)},
		{Name: MetricCommitsDescribed, Value: float64(summary.CommitsDescribed)},
		{Name: MetricCommitsSkipped, Value: float64(summary.CommitsSkipped)},
		{Name: MetricRunnableCommits, Value: float64(summary.RunnableCommits)},
		{Name: MetricRecordsEmitted, Value: float64(summary.RecordsEmitted)},
		{Name: MetricRateLimitWaits, Labels: map[string]string{"reason": githubapi.ReasonPrimaryLimit}, Value: float64(p.primaryWaits.Load())},
		{Name: MetricRateLimitWaits, Labels: map[string]string{"reason": githubapi.ReasonSecondaryLimit}, Value: float64(p.secondaryWaits.Load())},
		{Name: MetricRateLimitWaits, Labels: map[string]string{"reason": githubapi.ReasonBudgetLow}, Value: float64(p.budgetWaits.Load())},
		{Name: MetricCrawlRunning, Value: boolGauge(p.running.Load())},
		{Name: MetricCrawlFailed, Value: boolGauge(p.failed.Load())},
	}
	for i := range samples {
		samples[i].Help = metricHelp[samples[i].Name]
	}
	return samples
}

var metricHelp = map[string]string{
	MetricReposDiscovered:  "Repositories returned by the repository search.",
	MetricReposProcessed:   "Repositories whose bug issue search succeeded.",
	MetricReposFailed:      "Repositories skipped after a failed bug issue search.",
	MetricIssuesProcessed:  "Bug issues crawled against the GitHub API.",
	MetricIssuesResumed:    "Bug issues replayed from the progress store.",
	MetricIssuesIncomplete: "Bug issues with a failed search or commit fetch, left for the next run.",
	MetricIssuesWithoutFix: "Bug issues with no candidate fix commit.",
	MetricCandidatesFound:  "Candidate fix commits after dedup.",
	MetricCommitsDescribed: "Candidate commits whose detail fetch succeeded.",
	MetricCommitsSkipped:   "Candidate commits dropped after a failed detail fetch.",
	MetricRunnableCommits:  "Commits with a build file and green CI.",
	MetricRecordsEmitted:   "Output rows produced.",
	MetricRateLimitWaits:   "Pauses taken because of GitHub rate limits, by reason.",
	MetricCrawlRunning:     "1 while a crawl is in progress.",
	MetricCrawlFailed:      "1 when the last crawl failed before producing output.",
}

func boolGauge(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
