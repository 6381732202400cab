package githubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v75/github"
)

const (
	defaultGitHubAPIBaseURL = "https://api.github.com/"
	defaultAcceptHeader     = "application/vnd.github+json"
	commitSearchAccept      = "application/vnd.github.cloak-preview+json"
	apiVersionHeader        = "2022-11-28"
	// searchResultCap is the number of results GitHub search serves per query.
	searchResultCap = 1000
	maxPerPage      = 100
)

// EndpointStatus represents a normalized GitHub API endpoint outcome.
type EndpointStatus string

const (
	// EndpointStatusOK indicates a successful response.
	EndpointStatusOK EndpointStatus = "ok"
	// EndpointStatusForbidden indicates authorization failure, restricted access or an unrecovered rate limit.
	EndpointStatusForbidden EndpointStatus = "forbidden"
	// EndpointStatusNotFound indicates the resource does not exist or is hidden.
	EndpointStatusNotFound EndpointStatus = "not_found"
	// EndpointStatusConflict indicates a state conflict, like an empty repository.
	EndpointStatusConflict EndpointStatus = "conflict"
	// EndpointStatusUnprocessable indicates request validation failure, like a malformed search query.
	EndpointStatusUnprocessable EndpointStatus = "unprocessable"
	// EndpointStatusUnavailable indicates a temporary service-side failure.
	EndpointStatusUnavailable EndpointStatus = "unavailable"
	// EndpointStatusUnknown indicates an unclassified non-success status.
	EndpointStatusUnknown EndpointStatus = "unknown"
)

// Repository is one repository returned by repository search.
type Repository struct {
	FullName string
	HTMLURL  string
	APIURL   string
	Stars    int
}

// RepositorySearchResult is the typed result for repository search.
type RepositorySearchResult struct {
	Status   EndpointStatus
	Repos    []Repository
	Metadata CallMetadata
}

// Issue is one issue or pull request returned by issue search.
type Issue struct {
	ID            int64
	Number        int
	Title         string
	Body          string
	HTMLURL       string
	RepositoryURL string
	UserLogin     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	IsPullRequest bool
}

// IssueSearchResult is the typed result for issue search.
type IssueSearchResult struct {
	Status   EndpointStatus
	Issues   []Issue
	Metadata CallMetadata
}

// CommitRef is a commit sha with its headline message.
type CommitRef struct {
	SHA     string
	Message string
}

// CommitSearchResult is the typed result for commit search.
type CommitSearchResult struct {
	Status   EndpointStatus
	Commits  []CommitRef
	Metadata CallMetadata
}

// PullRequestDetail is the subset of a pull request used to locate its fix commit.
type PullRequestDetail struct {
	Status         EndpointStatus
	Number         int
	Title          string
	Merged         bool
	MergeCommitSHA string
	Metadata       CallMetadata
}

// PullRequestCommitsResult is the typed result for listing a pull request's commits.
type PullRequestCommitsResult struct {
	Status   EndpointStatus
	Commits  []CommitRef
	Metadata CallMetadata
}

// CommitFile is one file changed by a commit.
type CommitFile struct {
	Filename string
	Patch    string
	HasPatch bool
}

// CommitDetail is a typed commit detail response.
type CommitDetail struct {
	Status   EndpointStatus
	SHA      string
	Message  string
	Date     time.Time
	Files    []CommitFile
	Metadata CallMetadata
}

// ContentResult reports the type of a path at a ref.
type ContentResult struct {
	Status   EndpointStatus
	Type     string
	Metadata CallMetadata
}

// CombinedStatusResult is the combined commit status for a ref.
type CombinedStatusResult struct {
	Status   EndpointStatus
	State    string
	Metadata CallMetadata
}

// CheckRun is one check run attached to a ref.
type CheckRun struct {
	Name       string
	Status     string
	Conclusion string
}

// CheckRunsResult is the typed result for listing check runs.
type CheckRunsResult struct {
	Status   EndpointStatus
	Runs     []CheckRun
	Metadata CallMetadata
}

// DataClient is a typed GitHub REST client over the retry/rate-limit request client.
type DataClient struct {
	baseURL       *url.URL
	requestClient *Client
}

// NewDataClient creates a typed data client over the generic retry/rate-limit request client.
func NewDataClient(baseURL string, requestClient *Client) (*DataClient, error) {
	if requestClient == nil {
		return nil, fmt.Errorf("request client is required")
	}

	parsed, err := parseAPIBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	return &DataClient{
		baseURL:       parsed,
		requestClient: requestClient,
	}, nil
}

// SearchRepositories pages through repository search until maxRepos results, an empty page or a short page.
func (c *DataClient) SearchRepositories(ctx context.Context, query, sort, order string, perPage, maxRepos int) (RepositorySearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return RepositorySearchResult{}, fmt.Errorf("query is required")
	}
	perPage = clampPerPage(perPage)

	result := RepositorySearchResult{Status: EndpointStatusOK}
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("q", query)
		if sort != "" {
			params.Set("sort", sort)
		}
		if order != "" {
			params.Set("order", order)
		}
		params.Set("per_page", strconv.Itoa(perPage))
		params.Set("page", strconv.Itoa(page))

		var payload github.RepositoriesSearchResult
		status, metadata, err := c.getJSON(ctx, "search repositories", c.endpoint(params, "search", "repositories"), defaultAcceptHeader, &payload)
		result.Metadata = mergeMetadata(result.Metadata, metadata)
		if err != nil {
			return RepositorySearchResult{}, err
		}
		if status != EndpointStatusOK {
			result.Status = status
			return result, nil
		}

		for _, repo := range payload.Repositories {
			if repo == nil {
				continue
			}
			result.Repos = append(result.Repos, Repository{
				FullName: repo.GetFullName(),
				HTMLURL:  repo.GetHTMLURL(),
				APIURL:   repo.GetURL(),
				Stars:    repo.GetStargazersCount(),
			})
			if maxRepos > 0 && len(result.Repos) >= maxRepos {
				return result, nil
			}
		}

		if lastSearchPage(len(payload.Repositories), perPage, page) {
			break
		}
	}

	return result, nil
}

// SearchIssues pages through issue search until maxItems results, an empty page or a short page.
func (c *DataClient) SearchIssues(ctx context.Context, query string, perPage, maxItems int) (IssueSearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return IssueSearchResult{}, fmt.Errorf("query is required")
	}
	perPage = clampPerPage(perPage)

	result := IssueSearchResult{Status: EndpointStatusOK}
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("q", query)
		params.Set("per_page", strconv.Itoa(perPage))
		params.Set("page", strconv.Itoa(page))

		var payload github.IssuesSearchResult
		status, metadata, err := c.getJSON(ctx, "search issues", c.endpoint(params, "search", "issues"), defaultAcceptHeader, &payload)
		result.Metadata = mergeMetadata(result.Metadata, metadata)
		if err != nil {
			return IssueSearchResult{}, err
		}
		if status != EndpointStatusOK {
			result.Status = status
			return result, nil
		}

		for _, item := range payload.Issues {
			if item == nil {
				continue
			}
			result.Issues = append(result.Issues, issueFromPayload(item))
			if maxItems > 0 && len(result.Issues) >= maxItems {
				return result, nil
			}
		}

		if lastSearchPage(len(payload.Issues), perPage, page) {
			break
		}
	}

	return result, nil
}

// SearchCommits reads one page of commit search results.
func (c *DataClient) SearchCommits(ctx context.Context, query string, perPage int) (CommitSearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return CommitSearchResult{}, fmt.Errorf("query is required")
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("per_page", strconv.Itoa(clampPerPage(perPage)))

	var payload github.CommitsSearchResult
	status, metadata, err := c.getJSON(ctx, "search commits", c.endpoint(params, "search", "commits"), commitSearchAccept, &payload)
	if err != nil {
		return CommitSearchResult{}, err
	}
	result := CommitSearchResult{Status: status, Metadata: metadata}
	if status != EndpointStatusOK {
		return result, nil
	}
	for _, item := range payload.Commits {
		if item == nil {
			continue
		}
		result.Commits = append(result.Commits, CommitRef{
			SHA:     item.GetSHA(),
			Message: item.GetCommit().GetMessage(),
		})
	}
	return result, nil
}

// GetPullRequest reads one pull request.
func (c *DataClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (PullRequestDetail, error) {
	if err := requireRepo(owner, repo); err != nil {
		return PullRequestDetail{}, err
	}
	if number <= 0 {
		return PullRequestDetail{}, fmt.Errorf("pull request number must be > 0")
	}

	var payload github.PullRequest
	status, metadata, err := c.getJSON(ctx, "get pull request", c.repoEndpoint(nil, owner, repo, "pulls", strconv.Itoa(number)), defaultAcceptHeader, &payload)
	if err != nil {
		return PullRequestDetail{}, err
	}
	result := PullRequestDetail{Status: status, Metadata: metadata}
	if status != EndpointStatusOK {
		return result, nil
	}
	result.Number = payload.GetNumber()
	result.Title = payload.GetTitle()
	result.Merged = payload.GetMerged() || payload.MergedAt != nil
	result.MergeCommitSHA = payload.GetMergeCommitSHA()
	return result, nil
}

// ListPullRequestCommits lists up to maxCommits commits of one pull request.
func (c *DataClient) ListPullRequestCommits(ctx context.Context, owner, repo string, number, maxCommits int) (PullRequestCommitsResult, error) {
	if err := requireRepo(owner, repo); err != nil {
		return PullRequestCommitsResult{}, err
	}
	if number <= 0 {
		return PullRequestCommitsResult{}, fmt.Errorf("pull request number must be > 0")
	}

	result := PullRequestCommitsResult{Status: EndpointStatusOK}
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("per_page", strconv.Itoa(maxPerPage))
		params.Set("page", strconv.Itoa(page))

		var payload []*github.RepositoryCommit
		status, metadata, err := c.getJSON(ctx, "list pull request commits", c.repoEndpoint(params, owner, repo, "pulls", strconv.Itoa(number), "commits"), defaultAcceptHeader, &payload)
		result.Metadata = mergeMetadata(result.Metadata, metadata)
		if err != nil {
			return PullRequestCommitsResult{}, err
		}
		if status != EndpointStatusOK {
			result.Status = status
			return result, nil
		}

		for _, commit := range payload {
			if commit == nil {
				continue
			}
			result.Commits = append(result.Commits, CommitRef{
				SHA:     commit.GetSHA(),
				Message: commit.GetCommit().GetMessage(),
			})
			if maxCommits > 0 && len(result.Commits) >= maxCommits {
				return result, nil
			}
		}

		if len(payload) < maxPerPage {
			break
		}
	}
	return result, nil
}

// GetCommit reads commit detail including changed files and their patches.
func (c *DataClient) GetCommit(ctx context.Context, owner, repo, sha string) (CommitDetail, error) {
	if err := requireRepo(owner, repo); err != nil {
		return CommitDetail{}, err
	}
	trimmedSHA := strings.TrimSpace(sha)
	if trimmedSHA == "" {
		return CommitDetail{}, fmt.Errorf("sha is required")
	}

	var payload github.RepositoryCommit
	status, metadata, err := c.getJSON(ctx, "commit detail", c.repoEndpoint(nil, owner, repo, "commits", trimmedSHA), defaultAcceptHeader, &payload)
	if err != nil {
		return CommitDetail{}, err
	}
	result := CommitDetail{Status: status, Metadata: metadata}
	if status != EndpointStatusOK {
		return result, nil
	}

	result.SHA = payload.GetSHA()
	core := payload.GetCommit()
	result.Message = core.GetMessage()
	if date := core.GetCommitter().GetDate(); !date.IsZero() {
		result.Date = date.UTC()
	} else if date := core.GetAuthor().GetDate(); !date.IsZero() {
		result.Date = date.UTC()
	}
	for _, file := range payload.Files {
		if file == nil {
			continue
		}
		result.Files = append(result.Files, CommitFile{
			Filename: file.GetFilename(),
			Patch:    file.GetPatch(),
			HasPatch: file.Patch != nil,
		})
	}
	return result, nil
}

// GetContentType reports the content type (file, dir, symlink, submodule) of path at ref.
func (c *DataClient) GetContentType(ctx context.Context, owner, repo, path, ref string) (ContentResult, error) {
	if err := requireRepo(owner, repo); err != nil {
		return ContentResult{}, err
	}
	trimmedPath := strings.Trim(strings.TrimSpace(path), "/")
	if trimmedPath == "" {
		return ContentResult{}, fmt.Errorf("path is required")
	}

	params := url.Values{}
	if ref != "" {
		params.Set("ref", ref)
	}
	segments := append([]string{"contents"}, strings.Split(trimmedPath, "/")...)

	var raw json.RawMessage
	status, metadata, err := c.getJSON(ctx, "get content", c.repoEndpoint(params, owner, repo, segments...), defaultAcceptHeader, &raw)
	if err != nil {
		return ContentResult{}, err
	}
	result := ContentResult{Status: status, Metadata: metadata}
	if status != EndpointStatusOK {
		return result, nil
	}

	// Directories are served as a JSON array of entries.
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		result.Type = "dir"
		return result, nil
	}
	var payload github.RepositoryContent
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ContentResult{}, fmt.Errorf("decode get content response: %w", err)
	}
	result.Type = payload.GetType()
	return result, nil
}

// GetCombinedStatus reads the combined commit status for ref.
func (c *DataClient) GetCombinedStatus(ctx context.Context, owner, repo, ref string) (CombinedStatusResult, error) {
	if err := requireRepo(owner, repo); err != nil {
		return CombinedStatusResult{}, err
	}
	if strings.TrimSpace(ref) == "" {
		return CombinedStatusResult{}, fmt.Errorf("ref is required")
	}

	var payload github.CombinedStatus
	status, metadata, err := c.getJSON(ctx, "combined status", c.repoEndpoint(nil, owner, repo, "commits", ref, "status"), defaultAcceptHeader, &payload)
	if err != nil {
		return CombinedStatusResult{}, err
	}
	result := CombinedStatusResult{Status: status, Metadata: metadata}
	if status == EndpointStatusOK {
		result.State = payload.GetState()
	}
	return result, nil
}

// ListCheckRuns lists the first page of check runs for ref.
func (c *DataClient) ListCheckRuns(ctx context.Context, owner, repo, ref string) (CheckRunsResult, error) {
	if err := requireRepo(owner, repo); err != nil {
		return CheckRunsResult{}, err
	}
	if strings.TrimSpace(ref) == "" {
		return CheckRunsResult{}, fmt.Errorf("ref is required")
	}

	params := url.Values{}
	params.Set("per_page", strconv.Itoa(maxPerPage))

	var payload github.ListCheckRunsResults
	status, metadata, err := c.getJSON(ctx, "list check runs", c.repoEndpoint(params, owner, repo, "commits", ref, "check-runs"), defaultAcceptHeader, &payload)
	if err != nil {
		return CheckRunsResult{}, err
	}
	result := CheckRunsResult{Status: status, Metadata: metadata}
	if status != EndpointStatusOK {
		return result, nil
	}
	for _, run := range payload.CheckRuns {
		if run == nil {
			continue
		}
		result.Runs = append(result.Runs, CheckRun{
			Name:       run.GetName(),
			Status:     run.GetStatus(),
			Conclusion: run.GetConclusion(),
		})
	}
	return result, nil
}

// getJSON issues one GET and decodes a successful body into target.
// Non-success statuses are reported through EndpointStatus with a nil error.
func (c *DataClient) getJSON(ctx context.Context, operation, reqURL, accept string, target any) (EndpointStatus, CallMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", CallMetadata{}, fmt.Errorf("build %s request: %w", operation, err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("X-GitHub-Api-Version", apiVersionHeader)

	resp, metadata, err := c.requestClient.Do(req)
	if err != nil {
		return "", metadata, fmt.Errorf("%s request failed: %w", operation, err)
	}
	if resp == nil {
		return "", metadata, fmt.Errorf("%s request failed: nil response", operation)
	}

	status := endpointStatusFromHTTP(resp.StatusCode)
	if status != EndpointStatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return status, metadata, nil
	}
	if err := decodeJSONAndClose(resp, target); err != nil {
		return "", metadata, fmt.Errorf("decode %s response: %w", operation, err)
	}
	return status, metadata, nil
}

func (c *DataClient) endpoint(params url.Values, segments ...string) string {
	reqURL := c.cloneBaseURL()
	reqURL.Path = joinURLPath(reqURL.Path, segments...)
	if len(params) > 0 {
		reqURL.RawQuery = params.Encode()
	}
	return reqURL.String()
}

func (c *DataClient) repoEndpoint(params url.Values, owner, repo string, segments ...string) string {
	escaped := []string{"repos", url.PathEscape(strings.TrimSpace(owner)), url.PathEscape(strings.TrimSpace(repo))}
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	return c.endpoint(params, escaped...)
}

func issueFromPayload(item *github.Issue) Issue {
	return Issue{
		ID:            item.GetID(),
		Number:        item.GetNumber(),
		Title:         item.GetTitle(),
		Body:          item.GetBody(),
		HTMLURL:       item.GetHTMLURL(),
		RepositoryURL: item.GetRepositoryURL(),
		UserLogin:     item.GetUser().GetLogin(),
		CreatedAt:     item.GetCreatedAt().UTC(),
		UpdatedAt:     item.GetUpdatedAt().UTC(),
		IsPullRequest: item.IsPullRequest(),
	}
}

func requireRepo(owner, repo string) error {
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("owner is required")
	}
	if strings.TrimSpace(repo) == "" {
		return fmt.Errorf("repo is required")
	}
	return nil
}

// SplitFullName splits "owner/repo" into its parts.
func SplitFullName(fullName string) (string, string, error) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(fullName), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("invalid repository full name %q", fullName)
	}
	return owner, repo, nil
}

func clampPerPage(perPage int) int {
	if perPage <= 0 || perPage > maxPerPage {
		return maxPerPage
	}
	return perPage
}

// lastSearchPage reports whether a search page ends pagination: it was short
// or the next page would go past the search result cap.
func lastSearchPage(items, perPage, page int) bool {
	if items == 0 || items < perPage {
		return true
	}
	return page*perPage >= searchResultCap
}

func parseAPIBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = defaultGitHubAPIBaseURL
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return parsed, nil
}

func (c *DataClient) cloneBaseURL() *url.URL {
	cloned := *c.baseURL
	return &cloned
}

func joinURLPath(base string, segments ...string) string {
	trimmedBase := strings.TrimSuffix(base, "/")
	builder := strings.Builder{}
	builder.WriteString(trimmedBase)
	for _, segment := range segments {
		builder.WriteString("/")
		builder.WriteString(strings.TrimPrefix(segment, "/"))
	}
	return builder.String()
}

func endpointStatusFromHTTP(statusCode int) EndpointStatus {
	switch statusCode {
	case http.StatusForbidden, http.StatusUnauthorized, http.StatusTooManyRequests:
		return EndpointStatusForbidden
	case http.StatusNotFound:
		return EndpointStatusNotFound
	case http.StatusConflict:
		return EndpointStatusConflict
	case http.StatusUnprocessableEntity:
		return EndpointStatusUnprocessable
	}
	if statusCode >= 200 && statusCode <= 299 {
		return EndpointStatusOK
	}
	if statusCode >= 500 {
		return EndpointStatusUnavailable
	}
	return EndpointStatusUnknown
}

func decodeJSONAndClose(resp *http.Response, target any) error {
	defer resp.Body.Close()
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(target); err != nil {
		return err
	}
	return nil
}

func mergeMetadata(current CallMetadata, incoming CallMetadata) CallMetadata {
	current.Attempts += incoming.Attempts
	current.RateLimitWaits += incoming.RateLimitWaits
	current.LastDecision = incoming.LastDecision
	current.LastQuota = incoming.LastQuota
	return current
}
