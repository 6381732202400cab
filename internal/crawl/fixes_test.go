package crawl

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/cam3ron2/bugfind/internal/githubapi"
)

func TestFixCandidates(t *testing.T) {
	t.Parallel()

	const (
		commitQuery = `repo:org/alpha "#7"`
		prQuery     = `repo:org/alpha is:pr "#7"`
	)

	testCases := []struct {
		name       string
		setup      func(client *fakeDataClient)
		limit      int
		want       []string
		wantPRCall bool
	}{
		{
			name: "dedup_and_drop_empty",
			setup: func(client *fakeDataClient) {
				client.commits[commitQuery] = githubapi.CommitSearchResult{
					Status:  githubapi.EndpointStatusOK,
					Commits: []githubapi.CommitRef{{SHA: "aaa"}, {SHA: ""}, {SHA: "aaa"}, {SHA: "bbb"}},
				}
			},
			limit:      5,
			want:       []string{"aaa", "bbb"},
			wantPRCall: false,
		},
		{
			name: "commit_search_fills_limit_skips_prs",
			setup: func(client *fakeDataClient) {
				client.commits[commitQuery] = githubapi.CommitSearchResult{
					Status:  githubapi.EndpointStatusOK,
					Commits: []githubapi.CommitRef{{SHA: "aaa"}, {SHA: "bbb"}},
				}
			},
			limit: 2,
			want:  []string{"aaa", "bbb"},
		},
		{
			name: "merged_pr_uses_merge_commit",
			setup: func(client *fakeDataClient) {
				client.issues[prQuery] = githubapi.IssueSearchResult{
					Status: githubapi.EndpointStatusOK,
					Issues: []githubapi.Issue{{Number: 40, IsPullRequest: true}},
				}
				client.prs[40] = githubapi.PullRequestDetail{
					Status:         githubapi.EndpointStatusOK,
					Number:         40,
					Title:          "Fix #7",
					Merged:         true,
					MergeCommitSHA: "merge1",
				}
			},
			limit:      5,
			want:       []string{"merge1"},
			wantPRCall: true,
		},
		{
			name: "unmerged_pr_lists_commits",
			setup: func(client *fakeDataClient) {
				client.commits[commitQuery] = githubapi.CommitSearchResult{
					Status:  githubapi.EndpointStatusOK,
					Commits: []githubapi.CommitRef{{SHA: "aaa"}},
				}
				client.issues[prQuery] = githubapi.IssueSearchResult{
					Status: githubapi.EndpointStatusOK,
					Issues: []githubapi.Issue{{Number: 41, IsPullRequest: true}},
				}
				client.prs[41] = githubapi.PullRequestDetail{Status: githubapi.EndpointStatusOK, Number: 41, MergeCommitSHA: "test-merge"}
				client.prCommits[41] = githubapi.PullRequestCommitsResult{
					Status:  githubapi.EndpointStatusOK,
					Commits: []githubapi.CommitRef{{SHA: "aaa"}, {SHA: "c1"}, {SHA: "c2"}},
				}
			},
			limit:      5,
			want:       []string{"aaa", "c1", "c2"},
			wantPRCall: true,
		},
		{
			name: "commit_search_error_ignored",
			setup: func(client *fakeDataClient) {
				client.commitsErr = errors.New("boom")
				client.issues[prQuery] = githubapi.IssueSearchResult{
					Status: githubapi.EndpointStatusOK,
					Issues: []githubapi.Issue{{Number: 40, IsPullRequest: true}},
				}
				client.prs[40] = githubapi.PullRequestDetail{Status: githubapi.EndpointStatusOK, Merged: true, MergeCommitSHA: "merge1"}
			},
			limit:      5,
			want:       []string{"merge1"},
			wantPRCall: true,
		},
		{
			name: "pr_failure_stops_pr_stage",
			setup: func(client *fakeDataClient) {
				client.commits[commitQuery] = githubapi.CommitSearchResult{
					Status:  githubapi.EndpointStatusOK,
					Commits: []githubapi.CommitRef{{SHA: "aaa"}},
				}
				client.issues[prQuery] = githubapi.IssueSearchResult{
					Status: githubapi.EndpointStatusOK,
					Issues: []githubapi.Issue{{Number: 40, IsPullRequest: true}, {Number: 41, IsPullRequest: true}},
				}
				client.prErr = errors.New("server error")
			},
			limit:      5,
			want:       []string{"aaa"},
			wantPRCall: true,
		},
		{
			name:       "nothing_found",
			setup:      func(*fakeDataClient) {},
			limit:      5,
			want:       []string{},
			wantPRCall: false,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client := newFakeDataClient()
			tc.setup(client)
			cfg := testConfig()
			cfg.MaxCommitsPerIssue = tc.limit
			collector := NewCollector(client, cfg)

			got, err := collector.FixCandidates(context.Background(), "org/alpha", 7)
			if err != nil {
				t.Fatalf("FixCandidates() unexpected error: %v", err)
			}
			shas := make([]string, 0, len(got))
			for _, commit := range got {
				shas = append(shas, commit.SHA)
			}
			if !reflect.DeepEqual(shas, tc.want) {
				t.Fatalf("FixCandidates() = %v, want %v", shas, tc.want)
			}
			if gotPRCall := client.callCount("pr") > 0; gotPRCall != tc.wantPRCall {
				t.Fatalf("pull request lookup = %t, want %t", gotPRCall, tc.wantPRCall)
			}
		})
	}
}

func TestFixCandidatesMergeCommitMessage(t *testing.T) {
	t.Parallel()

	client := newFakeDataClient()
	client.issues[`repo:org/alpha is:pr "#7"`] = githubapi.IssueSearchResult{
		Status: githubapi.EndpointStatusOK,
		Issues: []githubapi.Issue{{Number: 40, IsPullRequest: true}},
	}
	client.prs[40] = githubapi.PullRequestDetail{Status: githubapi.EndpointStatusOK, Title: "Fix NPE (#7)", Merged: true, MergeCommitSHA: "merge1"}

	got, err := NewCollector(client, testConfig()).FixCandidates(context.Background(), "org/alpha", 7)
	if err != nil {
		t.Fatalf("FixCandidates() unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Message != "Fix NPE (#7)" {
		t.Fatalf("FixCandidates() = %#v, want merge commit carrying the PR title", got)
	}
}

func TestFixCandidatesRejectsInvalidRepo(t *testing.T) {
	t.Parallel()

	if _, err := NewCollector(newFakeDataClient(), testConfig()).FixCandidates(context.Background(), "not-a-repo", 1); err == nil {
		t.Fatalf("FixCandidates() expected error, got nil")
	}
}

func TestDedupeCandidates(t *testing.T) {
	t.Parallel()

	in := []githubapi.CommitRef{{SHA: " a "}, {SHA: "b"}, {SHA: "a"}, {SHA: "c"}, {SHA: "d"}}
	got := dedupeCandidates(in, 3)
	want := []githubapi.CommitRef{{SHA: "a"}, {SHA: "b"}, {SHA: "c"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("dedupeCandidates() = %v, want %v", got, want)
	}
}
