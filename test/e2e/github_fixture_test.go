//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeGitHubAPI serves the subset of the GitHub REST API the crawler reads.
type fakeGitHubAPI struct {
	mu sync.Mutex

	server *httptest.Server

	repos     []string
	repoData  map[string]repositoryFixture
	failures  map[string]int
	callCount map[string]int
}

// repositoryFixture keys CommitRefs and PullRefs by the issue number the
// commit message or pull request references. Files maps a path to its content
// type at every ref.
type repositoryFixture struct {
	Issues     []fixtureIssue
	CommitRefs map[int][]fixtureCommit
	PullRefs   map[int][]fixturePull
	Commits    map[string]fixtureCommit
	Files      map[string]string
	Statuses   map[string]string
	CheckRuns  map[string][]fixtureCheckRun
}

type fixtureIssue struct {
	ID        int64
	Number    int
	Title     string
	Body      string
	User      string
	CreatedAt time.Time
}

type fixtureCommit struct {
	SHA     string
	Message string
	Date    time.Time
	Files   map[string]string
}

type fixturePull struct {
	Number   int
	Title    string
	Merged   bool
	MergeSHA string
	Commits  []fixtureCommit
}

type fixtureCheckRun struct {
	Name       string
	Status     string
	Conclusion string
}

func newFakeGitHubAPI(t *testing.T) *fakeGitHubAPI {
	t.Helper()

	fixture := &fakeGitHubAPI{
		repoData:  make(map[string]repositoryFixture),
		failures:  make(map[string]int),
		callCount: make(map[string]int),
	}
	fixture.server = httptest.NewServer(http.HandlerFunc(fixture.serveHTTP))
	t.Cleanup(fixture.server.Close)
	return fixture
}

func (f *fakeGitHubAPI) URL() string {
	return f.server.URL
}

func (f *fakeGitHubAPI) SetRepository(fullName string, data repositoryFixture) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos = append(f.repos, fullName)
	f.repoData[fullName] = data
}

// FailIssueSearch answers issue searches for fullName with 422.
func (f *fakeGitHubAPI) FailIssueSearch(fullName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[fullName] = http.StatusUnprocessableEntity
}

func (f *fakeGitHubAPI) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for path, count := range f.callCount {
		if strings.HasPrefix(path, prefix) {
			total += count
		}
	}
	return total
}

func (f *fakeGitHubAPI) serveHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.callCount[r.URL.Path]++
	w.Header().Set("X-RateLimit-Limit", "5000")
	w.Header().Set("X-RateLimit-Remaining", "4999")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))

	query := r.URL.Query().Get("q")
	switch r.URL.Path {
	case "/search/repositories":
		f.searchRepositories(w)
		return
	case "/search/issues":
		f.searchIssues(w, query)
		return
	case "/search/commits":
		f.searchCommits(w, query)
		return
	}

	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(segments) < 4 || segments[0] != "repos" {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	fullName := segments[1] + "/" + segments[2]
	data, ok := f.repoData[fullName]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	f.repositoryRoute(w, fullName, data, segments[3:])
}

func (f *fakeGitHubAPI) searchRepositories(w http.ResponseWriter) {
	items := make([]map[string]any, 0, len(f.repos))
	for i, fullName := range f.repos {
		items = append(items, map[string]any{
			"full_name":        fullName,
			"html_url":         "https://github.com/" + fullName,
			"url":              f.server.URL + "/repos/" + fullName,
			"stargazers_count": 1000 - i,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_count": len(items), "items": items})
}

func (f *fakeGitHubAPI) searchIssues(w http.ResponseWriter, query string) {
	fullName := qualifier(query, "repo:")
	if status, failing := f.failures[fullName]; failing && !strings.Contains(query, "is:pr") {
		writeJSON(w, status, map[string]string{"message": "Validation Failed"})
		return
	}
	data := f.repoData[fullName]

	items := []map[string]any{}
	if strings.Contains(query, "is:pr") {
		for _, pull := range data.PullRefs[referencedIssue(query)] {
			items = append(items, map[string]any{
				"number":       pull.Number,
				"title":        pull.Title,
				"pull_request": map[string]any{"url": fmt.Sprintf("%s/repos/%s/pulls/%d", f.server.URL, fullName, pull.Number)},
			})
		}
	} else {
		for _, issue := range data.Issues {
			items = append(items, map[string]any{
				"id":             issue.ID,
				"number":         issue.Number,
				"title":          issue.Title,
				"body":           issue.Body,
				"html_url":       fmt.Sprintf("https://github.com/%s/issues/%d", fullName, issue.Number),
				"repository_url": f.server.URL + "/repos/" + fullName,
				"user":           map[string]any{"login": issue.User},
				"created_at":     issue.CreatedAt.Format(time.RFC3339),
				"updated_at":     issue.CreatedAt.Add(time.Hour).Format(time.RFC3339),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_count": len(items), "items": items})
}

func (f *fakeGitHubAPI) searchCommits(w http.ResponseWriter, query string) {
	data := f.repoData[qualifier(query, "repo:")]
	items := []map[string]any{}
	for _, commit := range data.CommitRefs[referencedIssue(query)] {
		items = append(items, map[string]any{
			"sha":    commit.SHA,
			"commit": map[string]any{"message": commit.Message},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_count": len(items), "items": items})
}

func (f *fakeGitHubAPI) repositoryRoute(w http.ResponseWriter, fullName string, data repositoryFixture, rest []string) {
	switch {
	case rest[0] == "pulls" && len(rest) == 2:
		pull, ok := findPull(data, rest[1])
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		payload := map[string]any{"number": pull.Number, "title": pull.Title, "merged": pull.Merged}
		if pull.MergeSHA != "" {
			payload["merge_commit_sha"] = pull.MergeSHA
		}
		writeJSON(w, http.StatusOK, payload)
	case rest[0] == "pulls" && len(rest) == 3 && rest[2] == "commits":
		pull, _ := findPull(data, rest[1])
		items := []map[string]any{}
		for _, commit := range pull.Commits {
			items = append(items, map[string]any{"sha": commit.SHA, "commit": map[string]any{"message": commit.Message}})
		}
		writeJSON(w, http.StatusOK, items)
	case rest[0] == "commits" && len(rest) == 2:
		commit, ok := data.Commits[rest[1]]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "No commit found for SHA"})
			return
		}
		files := []map[string]any{}
		for name, patch := range commit.Files {
			files = append(files, map[string]any{"filename": name, "patch": patch})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sha": commit.SHA,
			"commit": map[string]any{
				"message":   commit.Message,
				"committer": map[string]any{"date": commit.Date.Format(time.RFC3339)},
			},
			"files": files,
		})
	case rest[0] == "commits" && len(rest) == 3 && rest[2] == "status":
		state := data.Statuses[rest[1]]
		if state == "" {
			state = "pending"
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": state, "sha": rest[1]})
	case rest[0] == "commits" && len(rest) == 3 && rest[2] == "check-runs":
		runs := []map[string]any{}
		for _, run := range data.CheckRuns[rest[1]] {
			runs = append(runs, map[string]any{"name": run.Name, "status": run.Status, "conclusion": run.Conclusion})
		}
		writeJSON(w, http.StatusOK, map[string]any{"total_count": len(runs), "check_runs": runs})
	case rest[0] == "contents" && len(rest) >= 2:
		path := strings.Join(rest[1:], "/")
		contentType, ok := data.Files[path]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		if contentType == "dir" {
			writeJSON(w, http.StatusOK, []map[string]any{})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"type": contentType, "path": path, "name": path})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found: " + fullName})
	}
}

func findPull(data repositoryFixture, rawNumber string) (fixturePull, bool) {
	number, err := strconv.Atoi(rawNumber)
	if err != nil {
		return fixturePull{}, false
	}
	for _, pulls := range data.PullRefs {
		for _, pull := range pulls {
			if pull.Number == number {
				return pull, true
			}
		}
	}
	return fixturePull{}, false
}

func qualifier(query, prefix string) string {
	for _, field := range strings.Fields(query) {
		if strings.HasPrefix(field, prefix) {
			return strings.TrimPrefix(field, prefix)
		}
	}
	return ""
}

// referencedIssue extracts N from a quoted "#N" search term.
func referencedIssue(query string) int {
	for _, field := range strings.Fields(query) {
		trimmed := strings.Trim(field, `"`)
		if strings.HasPrefix(trimmed, "#") {
			number, err := strconv.Atoi(strings.TrimPrefix(trimmed, "#"))
			if err == nil {
				return number
			}
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
