package crawl

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cam3ron2/bugfind/internal/githubapi"
	"github.com/cam3ron2/bugfind/internal/record"
	"github.com/cam3ron2/bugfind/internal/store"
)

type fakeDataClient struct {
	mu sync.Mutex

	repos       githubapi.RepositorySearchResult
	reposErr    error
	issues      map[string]githubapi.IssueSearchResult
	issuesErr   map[string]error
	commits     map[string]githubapi.CommitSearchResult
	commitsErr  error
	prs         map[int]githubapi.PullRequestDetail
	prErr       error
	prCommits   map[int]githubapi.PullRequestCommitsResult
	details     map[string]githubapi.CommitDetail
	detailErr   map[string]error
	contents    map[string]string
	statuses    map[string]string
	checkRuns   map[string][]githubapi.CheckRun
	onGetCommit func(sha string)

	calls []string
}

func newFakeDataClient() *fakeDataClient {
	return &fakeDataClient{
		repos:     githubapi.RepositorySearchResult{Status: githubapi.EndpointStatusOK},
		issues:    map[string]githubapi.IssueSearchResult{},
		issuesErr: map[string]error{},
		commits:   map[string]githubapi.CommitSearchResult{},
		prs:       map[int]githubapi.PullRequestDetail{},
		prCommits: map[int]githubapi.PullRequestCommitsResult{},
		details:   map[string]githubapi.CommitDetail{},
		detailErr: map[string]error{},
		contents:  map[string]string{},
		statuses:  map[string]string{},
		checkRuns: map[string][]githubapi.CheckRun{},
	}
}

func (f *fakeDataClient) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDataClient) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.calls {
		if strings.HasPrefix(call, prefix) {
			count++
		}
	}
	return count
}

func (f *fakeDataClient) SearchRepositories(_ context.Context, query, _, _ string, _, _ int) (githubapi.RepositorySearchResult, error) {
	f.record("repos " + query)
	return f.repos, f.reposErr
}

func (f *fakeDataClient) SearchIssues(_ context.Context, query string, _, _ int) (githubapi.IssueSearchResult, error) {
	f.record("issues " + query)
	if err := f.issuesErr[query]; err != nil {
		return githubapi.IssueSearchResult{}, err
	}
	if result, ok := f.issues[query]; ok {
		return result, nil
	}
	return githubapi.IssueSearchResult{Status: githubapi.EndpointStatusOK}, nil
}

func (f *fakeDataClient) SearchCommits(_ context.Context, query string, _ int) (githubapi.CommitSearchResult, error) {
	f.record("commits " + query)
	if f.commitsErr != nil {
		return githubapi.CommitSearchResult{}, f.commitsErr
	}
	if result, ok := f.commits[query]; ok {
		return result, nil
	}
	return githubapi.CommitSearchResult{Status: githubapi.EndpointStatusOK}, nil
}

func (f *fakeDataClient) GetPullRequest(_ context.Context, _, _ string, number int) (githubapi.PullRequestDetail, error) {
	f.record("pr")
	if f.prErr != nil {
		return githubapi.PullRequestDetail{}, f.prErr
	}
	if detail, ok := f.prs[number]; ok {
		return detail, nil
	}
	return githubapi.PullRequestDetail{Status: githubapi.EndpointStatusNotFound}, nil
}

func (f *fakeDataClient) ListPullRequestCommits(_ context.Context, _, _ string, number, _ int) (githubapi.PullRequestCommitsResult, error) {
	f.record("pr_commits")
	if result, ok := f.prCommits[number]; ok {
		return result, nil
	}
	return githubapi.PullRequestCommitsResult{Status: githubapi.EndpointStatusOK}, nil
}

func (f *fakeDataClient) GetCommit(_ context.Context, _, _ string, sha string) (githubapi.CommitDetail, error) {
	f.record("commit " + sha)
	if f.onGetCommit != nil {
		f.onGetCommit(sha)
	}
	if err := f.detailErr[sha]; err != nil {
		return githubapi.CommitDetail{}, err
	}
	if detail, ok := f.details[sha]; ok {
		return detail, nil
	}
	return githubapi.CommitDetail{Status: githubapi.EndpointStatusOK, SHA: sha, Message: "msg " + sha}, nil
}

func (f *fakeDataClient) GetContentType(_ context.Context, _, _ string, path, ref string) (githubapi.ContentResult, error) {
	f.record("content " + ref + " " + path)
	if contentType, ok := f.contents[ref+":"+path]; ok {
		return githubapi.ContentResult{Status: githubapi.EndpointStatusOK, Type: contentType}, nil
	}
	return githubapi.ContentResult{Status: githubapi.EndpointStatusNotFound}, nil
}

func (f *fakeDataClient) GetCombinedStatus(_ context.Context, _, _ string, ref string) (githubapi.CombinedStatusResult, error) {
	f.record("status " + ref)
	return githubapi.CombinedStatusResult{Status: githubapi.EndpointStatusOK, State: f.statuses[ref]}, nil
}

func (f *fakeDataClient) ListCheckRuns(_ context.Context, _, _ string, ref string) (githubapi.CheckRunsResult, error) {
	f.record("checks " + ref)
	return githubapi.CheckRunsResult{Status: githubapi.EndpointStatusOK, Runs: f.checkRuns[ref]}, nil
}

var testCutoff = time.Date(2025, time.January, 22, 0, 0, 0, 0, time.UTC)

func issueQuery(repo string) string {
	return "repo:" + repo + " is:issue label:bug created:>=2025-01-22"
}

func testConfig() Config {
	return Config{
		Language:           "Java",
		Cutoff:             testCutoff,
		MaxRepos:           10,
		MaxIssuesPerRepo:   20,
		MaxCommitsPerIssue: 5,
		StopOnRunnable:     true,
	}
}

func TestCollectorRun(t *testing.T) {
	t.Parallel()

	client := newFakeDataClient()
	client.repos.Repos = []githubapi.Repository{{FullName: "org/alpha"}, {FullName: "org/beta"}}
	client.issues[issueQuery("org/alpha")] = githubapi.IssueSearchResult{
		Status: githubapi.EndpointStatusOK,
		Issues: []githubapi.Issue{
			{ID: 11, Number: 1, Title: "crash", CreatedAt: testCutoff},
			{ID: 12, Number: 2, Title: "a pull request", IsPullRequest: true},
			{ID: 13, Number: 3, Title: "no fix"},
		},
	}
	client.commits[`repo:org/alpha "#1"`] = githubapi.CommitSearchResult{
		Status:  githubapi.EndpointStatusOK,
		Commits: []githubapi.CommitRef{{SHA: "aaa"}, {SHA: "bbb"}, {SHA: "ccc"}, {SHA: "ddd"}, {SHA: "eee"}},
	}
	client.details["aaa"] = githubapi.CommitDetail{
		Status:  githubapi.EndpointStatusOK,
		SHA:     "aaa",
		Message: "fix crash",
		Date:    testCutoff.Add(time.Hour),
		Files:   []githubapi.CommitFile{{Filename: "A.java", Patch: "@@ -1 +1 @@", HasPatch: true}},
	}
	client.detailErr["bbb"] = errors.New("boom")
	client.contents["ccc:build.gradle"] = "file"
	client.statuses["ccc"] = "success"
	client.issuesErr[issueQuery("org/beta")] = errors.New("search failed")

	collector := NewCollector(client, testConfig())
	result, err := collector.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}

	var got []string
	for _, rec := range result.Records {
		sha := "<nil>"
		if rec.CommitSHA != nil {
			sha = *rec.CommitSHA
		}
		got = append(got, rec.RepoFullName+"#"+strconv.Itoa(rec.IssueNumber)+":"+sha)
	}
	want := []string{"org/alpha#1:aaa", "org/alpha#1:ccc", "org/alpha#3:<nil>"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("records = %v, want %v", got, want)
	}

	first := result.Records[0]
	if first.Patch == nil || *first.Patch != "--- a/A.java\n+++ b/A.java\n@@ -1 +1 @@" {
		t.Fatalf("patch = %v", first.Patch)
	}
	if first.CommitHasBuildFile || first.CommitCheckSuccess {
		t.Fatalf("first record runnability = %t/%t, want false/false", first.CommitHasBuildFile, first.CommitCheckSuccess)
	}
	runnable := result.Records[1]
	if !runnable.CommitHasBuildFile || runnable.CommitBuildFileName == nil || *runnable.CommitBuildFileName != "build.gradle" {
		t.Fatalf("runnable build file = %v", runnable.CommitBuildFileName)
	}
	if runnable.CommitCheckInfo == nil || *runnable.CommitCheckInfo != "status:success" {
		t.Fatalf("runnable check info = %v", runnable.CommitCheckInfo)
	}
	if client.callCount("commit ddd") != 0 {
		t.Fatalf("commits after a runnable one were described")
	}
	if client.callCount("pr") != 0 {
		t.Fatalf("pull request search ran although commit search filled the candidates")
	}

	summary := result.Summary
	if summary.ReposDiscovered != 2 || summary.ReposProcessed != 1 || summary.ReposFailed != 1 {
		t.Fatalf("repo counters = %+v", summary)
	}
	if summary.IssuesProcessed != 2 || summary.IssuesWithoutFix != 1 || summary.RecordsEmitted != 3 {
		t.Fatalf("issue counters = %+v", summary)
	}
	if summary.CommitsSkipped != 1 || summary.RunnableCommits != 1 {
		t.Fatalf("commit counters = %+v", summary)
	}
	if collector.Progress().Running() {
		t.Fatalf("Running() after Run = true, want false")
	}
}

func TestCollectorRunWithoutStopOnRunnable(t *testing.T) {
	t.Parallel()

	client := newFakeDataClient()
	client.repos.Repos = []githubapi.Repository{{FullName: "org/alpha"}}
	client.issues[issueQuery("org/alpha")] = githubapi.IssueSearchResult{
		Status: githubapi.EndpointStatusOK,
		Issues: []githubapi.Issue{{Number: 1}},
	}
	client.commits[`repo:org/alpha "#1"`] = githubapi.CommitSearchResult{
		Status:  githubapi.EndpointStatusOK,
		Commits: []githubapi.CommitRef{{SHA: "aaa"}, {SHA: "bbb"}},
	}
	client.contents["aaa:pom.xml"] = "file"
	client.statuses["aaa"] = "success"

	cfg := testConfig()
	cfg.StopOnRunnable = false
	result, err := NewCollector(client, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if len(result.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(result.Records))
	}
}

func TestCollectorRunRepositorySearchFailure(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		result githubapi.RepositorySearchResult
		err    error
	}{
		{name: "transport_error", err: errors.New("dial tcp: refused")},
		{name: "forbidden_without_results", result: githubapi.RepositorySearchResult{Status: githubapi.EndpointStatusForbidden}},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client := newFakeDataClient()
			client.repos = tc.result
			client.reposErr = tc.err
			collector := NewCollector(client, testConfig())
			if _, err := collector.Run(context.Background()); err == nil {
				t.Fatalf("Run() expected error, got nil")
			}
			if !collector.Progress().Failed() {
				t.Fatalf("Failed() = false, want true")
			}
		})
	}
}

func TestCollectorRunCancelledKeepsCompletedIssues(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newFakeDataClient()
	client.repos.Repos = []githubapi.Repository{{FullName: "org/alpha"}}
	client.issues[issueQuery("org/alpha")] = githubapi.IssueSearchResult{
		Status: githubapi.EndpointStatusOK,
		Issues: []githubapi.Issue{{Number: 1}, {Number: 2}, {Number: 3}},
	}
	client.commits[`repo:org/alpha "#1"`] = githubapi.CommitSearchResult{Status: githubapi.EndpointStatusOK, Commits: []githubapi.CommitRef{{SHA: "aaa"}}}
	client.commits[`repo:org/alpha "#2"`] = githubapi.CommitSearchResult{Status: githubapi.EndpointStatusOK, Commits: []githubapi.CommitRef{{SHA: "bbb"}}}
	client.onGetCommit = func(sha string) {
		if sha == "bbb" {
			cancel()
		}
	}

	result, err := NewCollector(client, testConfig()).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if len(result.Records) != 1 || *result.Records[0].CommitSHA != "aaa" {
		t.Fatalf("records = %#v, want only issue 1", result.Records)
	}
}

func TestCollectorResumesFromStore(t *testing.T) {
	t.Parallel()

	client := newFakeDataClient()
	client.repos.Repos = []githubapi.Repository{{FullName: "Org/Alpha"}}
	client.issues[issueQuery("Org/Alpha")] = githubapi.IssueSearchResult{
		Status: githubapi.EndpointStatusOK,
		Issues: []githubapi.Issue{{Number: 1}, {Number: 2}},
	}

	progressStore := store.NewMemoryStore(0)
	stored := []record.Record{record.NewIssueOnly(record.Issue{Number: 1, Title: "from store", RepoFullName: "Org/Alpha"})}
	if err := progressStore.SaveIssue(context.Background(), store.IssueKey("org/alpha", 1), stored); err != nil {
		t.Fatalf("SaveIssue() unexpected error: %v", err)
	}

	collector := NewCollector(client, testConfig(), WithProgressStore(progressStore))
	result, err := collector.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if len(result.Records) != 2 || result.Records[0].IssueTitle != "from store" {
		t.Fatalf("records = %#v", result.Records)
	}
	if client.callCount(`commits repo:Org/Alpha "#1"`) != 0 {
		t.Fatalf("resumed issue was crawled again")
	}
	if result.Summary.IssuesResumed != 1 || result.Summary.IssuesProcessed != 1 {
		t.Fatalf("summary = %+v", result.Summary)
	}
	if _, ok, _ := progressStore.LoadIssue(context.Background(), "org/alpha#2"); !ok {
		t.Fatalf("processed issue was not saved to the store")
	}
}

func TestCollectorRetriesIncompleteIssues(t *testing.T) {
	t.Parallel()

	const commitQuery = `repo:Org/Alpha "#1"`
	const prQuery = `repo:Org/Alpha is:pr "#1"`

	newClient := func() *fakeDataClient {
		client := newFakeDataClient()
		client.repos.Repos = []githubapi.Repository{{FullName: "Org/Alpha"}}
		client.issues[issueQuery("Org/Alpha")] = githubapi.IssueSearchResult{
			Status: githubapi.EndpointStatusOK,
			Issues: []githubapi.Issue{{Number: 1}},
		}
		client.commits[commitQuery] = githubapi.CommitSearchResult{
			Status:  githubapi.EndpointStatusOK,
			Commits: []githubapi.CommitRef{{SHA: "abc"}},
		}
		return client
	}

	testCases := []struct {
		name string
		fail func(client *fakeDataClient)
	}{
		{
			name: "commit_detail_forbidden",
			fail: func(client *fakeDataClient) {
				client.details["abc"] = githubapi.CommitDetail{Status: githubapi.EndpointStatusForbidden}
			},
		},
		{
			name: "commit_detail_error",
			fail: func(client *fakeDataClient) {
				client.detailErr["abc"] = errors.New("connection reset")
			},
		},
		{
			name: "commit_search_error",
			fail: func(client *fakeDataClient) {
				client.commitsErr = errors.New("connection reset")
			},
		},
		{
			name: "commit_search_unavailable",
			fail: func(client *fakeDataClient) {
				client.commits[commitQuery] = githubapi.CommitSearchResult{Status: githubapi.EndpointStatusUnavailable}
			},
		},
		{
			name: "pull_request_stage_stopped",
			fail: func(client *fakeDataClient) {
				client.commits[commitQuery] = githubapi.CommitSearchResult{Status: githubapi.EndpointStatusOK}
				client.issues[prQuery] = githubapi.IssueSearchResult{
					Status: githubapi.EndpointStatusOK,
					Issues: []githubapi.Issue{{Number: 10}},
				}
				client.prErr = errors.New("connection reset")
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			progressStore := store.NewMemoryStore(0)
			key := store.IssueKey("Org/Alpha", 1)

			failing := newClient()
			tc.fail(failing)
			first, err := NewCollector(failing, testConfig(), WithProgressStore(progressStore)).Run(context.Background())
			if err != nil {
				t.Fatalf("first Run() unexpected error: %v", err)
			}
			if first.Summary.IssuesIncomplete != 1 {
				t.Fatalf("first Summary.IssuesIncomplete = %d, want 1", first.Summary.IssuesIncomplete)
			}
			if _, ok, _ := progressStore.LoadIssue(context.Background(), key); ok {
				t.Fatalf("issue with a failed lookup was saved to the store")
			}

			healthy := newClient()
			second, err := NewCollector(healthy, testConfig(), WithProgressStore(progressStore)).Run(context.Background())
			if err != nil {
				t.Fatalf("second Run() unexpected error: %v", err)
			}
			if got := healthy.callCount("commit abc"); got != 1 {
				t.Fatalf("second run commit fetches = %d, want 1", got)
			}
			if len(second.Records) != 1 || second.Records[0].CommitSHA == nil || *second.Records[0].CommitSHA != "abc" {
				t.Fatalf("second run records = %#v, want one row for commit abc", second.Records)
			}
			if second.Summary.IssuesResumed != 0 || second.Summary.IssuesIncomplete != 0 {
				t.Fatalf("second Summary = %+v, want a fresh complete crawl", second.Summary)
			}
			if _, ok, _ := progressStore.LoadIssue(context.Background(), key); !ok {
				t.Fatalf("issue was not saved after a complete crawl")
			}
		})
	}
}

func TestBugIssuesQuery(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		cfg   Config
		query string
	}{
		{name: "defaults", cfg: Config{Cutoff: testCutoff}, query: "repo:org/alpha is:issue label:bug created:>=2025-01-22"},
		{name: "quoted_label", cfg: Config{Cutoff: testCutoff, IssueLabel: "type: bug"}, query: `repo:org/alpha is:issue label:"type: bug" created:>=2025-01-22`},
		{name: "no_cutoff", cfg: Config{}, query: "repo:org/alpha is:issue label:bug"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client := newFakeDataClient()
			if _, err := NewCollector(client, tc.cfg).BugIssues(context.Background(), "org/alpha"); err != nil {
				t.Fatalf("BugIssues() unexpected error: %v", err)
			}
			if client.callCount("issues "+tc.query) != 1 {
				t.Fatalf("calls = %v, want query %q", client.calls, tc.query)
			}
		})
	}
}

func TestProgressSnapshot(t *testing.T) {
	t.Parallel()

	progress := NewProgress()
	progress.recordsEmitted.Add(4)
	now := time.Unix(1739836800, 0)
	progress.now = func() time.Time { return now }
	progress.RecordRateLimitWait("secondary_limit", time.Minute)
	progress.RecordRateLimitWait("remaining_below_threshold", time.Second)
	if !progress.RateLimited() {
		t.Fatalf("RateLimited() during a pause = false, want true")
	}

	values := map[string]float64{}
	for _, sample := range progress.Snapshot() {
		key := sample.Name
		if reason := sample.Labels["reason"]; reason != "" {
			key += "/" + reason
		}
		values[key] = sample.Value
	}
	for _, sample := range progress.Snapshot() {
		if sample.Help == "" || sample.Help == sample.Name {
			t.Fatalf("sample %s has no help text", sample.Name)
		}
	}
	if values[MetricRecordsEmitted] != 4 {
		t.Fatalf("%s = %v, want 4", MetricRecordsEmitted, values[MetricRecordsEmitted])
	}
	if values[MetricRateLimitWaits+"/secondary_limit"] != 1 || values[MetricRateLimitWaits+"/primary_limit"] != 0 {
		t.Fatalf("rate limit samples = %v", values)
	}
	if got := progress.Summary().RateLimitWaits; got != 2 {
		t.Fatalf("Summary().RateLimitWaits = %d, want 2", got)
	}
	now = now.Add(2 * time.Second)
	if progress.RateLimited() {
		t.Fatalf("RateLimited() after the pause = true, want false")
	}
}
