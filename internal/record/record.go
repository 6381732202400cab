// Package record holds the flattened issue/commit rows and their JSON and CSV encodings.
package record

import (
	"time"
)

// TimeLayout is the timestamp layout used in output rows.
const TimeLayout = time.RFC3339

// Issue is the normalised identity of one bug issue.
type Issue struct {
	ID           int64
	Number       int
	Title        string
	Body         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	URL          string
	RepoFullName string
	RepoURL      string
	UserLogin    string
}

// Commit is one described candidate fix commit with its runnability checks.
type Commit struct {
	SHA     string
	Message string
	Date    time.Time
	// Patch is nil when no changed file carried a patch.
	Patch         *string
	HasBuildFile  bool
	BuildFileName string
	CheckSuccess  bool
	CheckInfo     string
}

// Runnable reports whether both runnability heuristics hold.
func (c Commit) Runnable() bool {
	return c.HasBuildFile && c.CheckSuccess
}

// Record is one output row: an issue paired with one candidate commit, or an
// issue alone with null commit fields.
type Record struct {
	IssueID             int64   `json:"issue_id"`
	IssueNumber         int     `json:"issue_number"`
	IssueTitle          string  `json:"issue_title"`
	IssueBody           string  `json:"issue_body"`
	IssueCreatedAt      string  `json:"issue_created_at"`
	IssueUpdatedAt      string  `json:"issue_updated_at"`
	IssueURL            string  `json:"issue_url"`
	RepoFullName        string  `json:"repo_fullname"`
	RepoURL             string  `json:"repo_url"`
	UserLogin           string  `json:"user_login"`
	CommitSHA           *string `json:"commit_sha"`
	CommitMessage       *string `json:"commit_message"`
	CommitDate          *string `json:"commit_date"`
	Patch               *string `json:"patch"`
	CommitHasBuildFile  bool    `json:"commit_has_build_file"`
	CommitBuildFileName *string `json:"commit_build_file_name"`
	CommitCheckSuccess  bool    `json:"commit_check_success"`
	CommitCheckInfo     *string `json:"commit_check_info"`
}

// HasCommit reports whether the row carries a commit.
func (r Record) HasCommit() bool {
	return r.CommitSHA != nil
}

// NewIssueOnly builds the row for an issue without any candidate commit.
func NewIssueOnly(issue Issue) Record {
	return issueFields(issue)
}

// NewCommitRecord builds the row pairing issue with commit.
func NewCommitRecord(issue Issue, commit Commit) Record {
	rec := issueFields(issue)
	rec.CommitSHA = stringPtr(commit.SHA)
	rec.CommitMessage = stringPtr(commit.Message)
	rec.CommitDate = formatTime(commit.Date)
	if commit.Patch != nil {
		rec.Patch = stringPtr(*commit.Patch)
	}
	rec.CommitHasBuildFile = commit.HasBuildFile
	rec.CommitBuildFileName = optionalString(commit.BuildFileName)
	rec.CommitCheckSuccess = commit.CheckSuccess
	rec.CommitCheckInfo = optionalString(commit.CheckInfo)
	return rec
}

func issueFields(issue Issue) Record {
	rec := Record{
		IssueID:      issue.ID,
		IssueNumber:  issue.Number,
		IssueTitle:   issue.Title,
		IssueBody:    issue.Body,
		IssueURL:     issue.URL,
		RepoFullName: issue.RepoFullName,
		RepoURL:      issue.RepoURL,
		UserLogin:    issue.UserLogin,
	}
	if created := formatTime(issue.CreatedAt); created != nil {
		rec.IssueCreatedAt = *created
	}
	if updated := formatTime(issue.UpdatedAt); updated != nil {
		rec.IssueUpdatedAt = *updated
	}
	return rec
}

func formatTime(ts time.Time) *string {
	if ts.IsZero() {
		return nil
	}
	return stringPtr(ts.UTC().Format(TimeLayout))
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return stringPtr(value)
}

func stringPtr(value string) *string {
	return &value
}
