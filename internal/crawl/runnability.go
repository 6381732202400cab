package crawl

import (
	"context"
	"strings"

	"github.com/cam3ron2/bugfind/internal/githubapi"
	"github.com/cam3ron2/bugfind/internal/record"
	"go.uber.org/zap"
)

const (
	checkInfoStatusSuccess = "status:success"
	checkInfoRunPrefix     = "check-run:"
)

// DescribeCommit fetches sha and returns its message, date and unified diff text.
func (c *Collector) DescribeCommit(ctx context.Context, repoFullName, sha string) (record.Commit, error) {
	owner, repo, err := githubapi.SplitFullName(repoFullName)
	if err != nil {
		return record.Commit{}, err
	}

	detail, err := c.client.GetCommit(ctx, owner, repo, sha)
	if err != nil {
		return record.Commit{}, err
	}
	if detail.Status != githubapi.EndpointStatusOK {
		return record.Commit{}, statusError("commit detail", detail.Status)
	}

	commit := record.Commit{
		SHA:     sha,
		Message: detail.Message,
		Date:    detail.Date,
		Patch:   unifiedPatch(detail.Files),
	}
	if detail.SHA != "" {
		commit.SHA = detail.SHA
	}
	return commit, nil
}

// unifiedPatch joins every file patch under a ---/+++ header, separated by a
// blank line. It returns nil when no file carries a patch.
func unifiedPatch(files []githubapi.CommitFile) *string {
	parts := make([]string, 0, len(files))
	for _, file := range files {
		if !file.HasPatch {
			continue
		}
		parts = append(parts, "--- a/"+file.Filename+"\n+++ b/"+file.Filename+"\n"+file.Patch)
	}
	if len(parts) == 0 {
		return nil
	}
	patch := strings.Join(parts, "\n\n")
	return &patch
}

// BuildFileCheck reports the first configured build file present as a regular
// file at sha. Lookup failures count as absent.
func (c *Collector) BuildFileCheck(ctx context.Context, repoFullName, sha string) (bool, string) {
	owner, repo, err := githubapi.SplitFullName(repoFullName)
	if err != nil {
		return false, ""
	}

	for _, name := range c.cfg.BuildFiles {
		content, err := c.client.GetContentType(ctx, owner, repo, name, sha)
		if err != nil {
			if ctx.Err() != nil {
				return false, ""
			}
			c.logger.Debug("build file lookup failed", zap.String("repo", repoFullName), zap.String("sha", sha), zap.String("path", name), zap.Error(err))
			continue
		}
		if content.Status == githubapi.EndpointStatusOK && content.Type == "file" {
			return true, name
		}
	}
	return false, ""
}

// CIStatusCheck reports whether CI is green at sha, with the evidence that
// decided it. Lookup failures count as not green.
func (c *Collector) CIStatusCheck(ctx context.Context, repoFullName, sha string) (bool, string) {
	owner, repo, err := githubapi.SplitFullName(repoFullName)
	if err != nil {
		return false, ""
	}

	combined, err := c.client.GetCombinedStatus(ctx, owner, repo, sha)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return false, ""
		}
		c.logger.Debug("combined status lookup failed", zap.String("repo", repoFullName), zap.String("sha", sha), zap.Error(err))
	case combined.Status == githubapi.EndpointStatusOK && combined.State == "success":
		return true, checkInfoStatusSuccess
	}

	runs, err := c.client.ListCheckRuns(ctx, owner, repo, sha)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Debug("check runs lookup failed", zap.String("repo", repoFullName), zap.String("sha", sha), zap.Error(err))
		}
		return false, ""
	}
	if runs.Status != githubapi.EndpointStatusOK {
		return false, ""
	}
	for _, run := range runs.Runs {
		if run.Status == "completed" && run.Conclusion == "success" {
			return true, checkInfoRunPrefix + run.Name
		}
	}
	return false, ""
}
