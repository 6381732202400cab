package crawl

import (
	"context"
	"fmt"
	"strings"

	"github.com/cam3ron2/bugfind/internal/githubapi"
	"github.com/cam3ron2/bugfind/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// FixCandidates returns the commits that reference issueNumber, first through
// commit search and then through pull requests mentioning the issue.
// Shas are unique, non-empty, in first-seen order and capped at MaxCommitsPerIssue.
func (c *Collector) FixCandidates(ctx context.Context, repoFullName string, issueNumber int) ([]githubapi.CommitRef, error) {
	candidates, _, err := c.fixCandidates(ctx, repoFullName, issueNumber)
	return candidates, err
}

// fixCandidates also reports whether every search it ran succeeded.
func (c *Collector) fixCandidates(ctx context.Context, repoFullName string, issueNumber int) ([]githubapi.CommitRef, bool, error) {
	owner, repo, err := githubapi.SplitFullName(repoFullName)
	if err != nil {
		return nil, false, err
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "crawl.fix_candidates",
		attribute.String("github.repo", repoFullName),
		attribute.Int("github.issue_number", issueNumber),
	)
	defer span.End()

	limit := c.cfg.MaxCommitsPerIssue
	reference := fmt.Sprintf("%q", fmt.Sprintf("#%d", issueNumber))

	complete := true
	var found []githubapi.CommitRef
	commits, err := c.client.SearchCommits(ctx, fmt.Sprintf("repo:%s %s", repoFullName, reference), limit)
	switch {
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		complete = false
		c.logger.Debug("commit search failed", zap.String("repo", repoFullName), zap.Int("issue", issueNumber), zap.Error(err))
	case commits.Status != githubapi.EndpointStatusOK:
		complete = false
		c.logger.Debug("commit search unavailable", zap.String("repo", repoFullName), zap.Int("issue", issueNumber), zap.String("status", string(commits.Status)))
	default:
		found = append(found, commits.Commits...)
	}

	if len(found) < limit {
		prCommits, err := c.pullRequestCommits(ctx, owner, repo, repoFullName, reference, limit)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, false, ctxErr
			}
			complete = false
			c.logger.Debug("pull request search stopped", zap.String("repo", repoFullName), zap.Int("issue", issueNumber), zap.Error(err))
		}
		found = append(found, prCommits...)
	}

	candidates := dedupeCandidates(found, limit)
	span.SetAttributes(
		attribute.Int("crawl.candidates", len(candidates)),
		attribute.Bool("crawl.complete", complete),
	)
	return candidates, complete, nil
}

// pullRequestCommits collects fix commits from pull requests mentioning the
// issue. Commits gathered before a failure are returned with the error.
func (c *Collector) pullRequestCommits(ctx context.Context, owner, repo, repoFullName, reference string, limit int) ([]githubapi.CommitRef, error) {
	prs, err := c.client.SearchIssues(ctx, fmt.Sprintf("repo:%s is:pr %s", repoFullName, reference), limit, limit)
	if err != nil {
		return nil, err
	}
	if prs.Status != githubapi.EndpointStatusOK {
		return nil, statusError("search pull requests", prs.Status)
	}

	var found []githubapi.CommitRef
	for _, pr := range prs.Issues {
		if pr.Number <= 0 {
			continue
		}
		detail, err := c.client.GetPullRequest(ctx, owner, repo, pr.Number)
		if err != nil {
			return found, err
		}
		if detail.Status != githubapi.EndpointStatusOK {
			return found, statusError(fmt.Sprintf("get pull request %d", pr.Number), detail.Status)
		}

		// Only a merged PR's merge_commit_sha names a commit on the base branch;
		// for open or closed-unmerged PRs it is a test merge, so fall back to the
		// PR's own commits.
		if detail.Merged && strings.TrimSpace(detail.MergeCommitSHA) != "" {
			found = append(found, githubapi.CommitRef{SHA: detail.MergeCommitSHA, Message: detail.Title})
			continue
		}

		commits, err := c.client.ListPullRequestCommits(ctx, owner, repo, pr.Number, limit)
		if err != nil {
			return found, err
		}
		if commits.Status != githubapi.EndpointStatusOK {
			return found, statusError(fmt.Sprintf("list pull request %d commits", pr.Number), commits.Status)
		}
		found = append(found, commits.Commits...)
	}
	return found, nil
}

func dedupeCandidates(commits []githubapi.CommitRef, limit int) []githubapi.CommitRef {
	seen := make(map[string]struct{}, len(commits))
	out := make([]githubapi.CommitRef, 0, len(commits))
	for _, commit := range commits {
		sha := strings.TrimSpace(commit.SHA)
		if sha == "" {
			continue
		}
		if _, ok := seen[sha]; ok {
			continue
		}
		seen[sha] = struct{}{}
		commit.SHA = sha
		out = append(out, commit)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
