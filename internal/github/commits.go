package github

import (
	"context"
	"fmt"
	"log/slog"

	gogithub "github.com/google/go-github/v60/github"

	"github.com/jacklau/fwstats/internal/workpool"
)

// CommitCollector fetches the commits a user authored in each repository.
type CommitCollector struct {
	client  *gogithub.Client
	logger  *slog.Logger
	pool    workpool.Pool
	perPage int
}

// NewCommitCollector creates a CommitCollector that fans out over
// repositories using pool and reads one page of perPage commits each.
func NewCommitCollector(client *gogithub.Client, logger *slog.Logger, pool workpool.Pool, perPage int) *CommitCollector {
	return &CommitCollector{client: client, logger: logger, pool: pool, perPage: perPage}
}

// CommitSHAs returns the ids of commits authored by owner in repo.
func (c *CommitCollector) CommitSHAs(ctx context.Context, owner, repo string) ([]string, error) {
	opts := &gogithub.CommitsListOptions{
		Author:      owner,
		ListOptions: gogithub.ListOptions{PerPage: c.perPage},
	}
	commits, err := call(ctx, c.logger, "list_commits", func() ([]*gogithub.RepositoryCommit, *gogithub.Response, error) {
		return c.client.Repositories.ListCommits(ctx, owner, repo, opts)
	})
	if err != nil {
		return nil, fmt.Errorf("listing commits for %s/%s: %w", owner, repo, err)
	}

	shas := make([]string, 0, len(commits))
	for _, commit := range commits {
		if sha := commit.GetSHA(); sha != "" {
			shas = append(shas, sha)
		}
	}
	return shas, nil
}

// Collect fills CommitSHAs on every repository. A repository whose fetch
// fails or times out keeps an empty commit list; Collect itself never fails.
func (c *CommitCollector) Collect(ctx context.Context, owner string, repos []RepositoryInfo) {
	results := workpool.Run(ctx, c.pool, len(repos), func(ctx context.Context, i int) ([]string, error) {
		return c.CommitSHAs(ctx, owner, repos[i].Name)
	})

	for i, r := range results {
		if r.Err != nil {
			c.logger.Warn("commit fetch failed, repository contributes no commits",
				"repo", repos[i].Name, "error", r.Err)
			repos[i].CommitSHAs = nil
			continue
		}
		repos[i].CommitSHAs = r.Value
	}
}
