package accounting

import (
	"context"
	"log/slog"
	"time"

	"github.com/jacklau/fwstats/internal/detect"
	"github.com/jacklau/fwstats/internal/github"
	"github.com/jacklau/fwstats/internal/workpool"
)

// CommitSource lists the files a commit changed.
type CommitSource interface {
	ChangedFiles(ctx context.Context, owner, repo, sha string) ([]string, error)
}

// Accountant attributes changed files to detected frameworks.
type Accountant struct {
	source CommitSource
	rules  *detect.Rules
	pool   workpool.Pool
	logger *slog.Logger
}

// NewAccountant creates an Accountant. pool applies per repository, so its
// cap bounds concurrent commit fetches within one repository.
func NewAccountant(source CommitSource, rules *detect.Rules, pool workpool.Pool, logger *slog.Logger) *Accountant {
	return &Accountant{source: source, rules: rules, pool: pool, logger: logger}
}

// Account walks repos one at a time and, within each, fetches commits in
// parallel, recording every changed file whose extension matches one of the
// repository's frameworks. Repositories without commits or frameworks are
// skipped. Failed commits contribute nothing.
func (a *Accountant) Account(ctx context.Context, owner string, repos []github.RepositoryInfo, frameworks map[string]detect.FrameworkSet) *FileIndex {
	index := NewFileIndex()

	for _, repo := range repos {
		if ctx.Err() != nil {
			break
		}
		fws := frameworks[repo.Name].Sorted()
		if len(fws) == 0 || len(repo.CommitSHAs) == 0 {
			a.logger.Debug("skipping repository without evidence",
				"repo", repo.Name, "frameworks", len(fws), "commits", len(repo.CommitSHAs))
			continue
		}
		a.accountRepo(ctx, owner, repo, fws, index)
	}

	return index
}

func (a *Accountant) accountRepo(ctx context.Context, owner string, repo github.RepositoryInfo, frameworks []string, index *FileIndex) {
	start := time.Now()
	logger := a.logger.With("repo", repo.Name)

	results := workpool.Run(ctx, a.pool, len(repo.CommitSHAs), func(ctx context.Context, i int) (int, error) {
		files, err := a.source.ChangedFiles(ctx, owner, repo.Name, repo.CommitSHAs[i])
		if err != nil {
			return 0, err
		}
		// A task cancelled by the drain timeout must not add late evidence.
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		added := 0
		for _, f := range files {
			if a.rules.IsVendored(f) {
				continue
			}
			for _, fw := range frameworks {
				if a.rules.MatchesExtension(fw, f) && index.Add(fw, repo.Name+"/"+f) {
					added++
				}
			}
		}
		return added, nil
	})

	added := 0
	for i, r := range results {
		if r.Err != nil {
			logger.Warn("commit skipped", "sha", repo.CommitSHAs[i], "error", r.Err)
			continue
		}
		added += r.Value
	}

	logger.Info("repository accounted",
		"commits", len(repo.CommitSHAs),
		"failed", workpool.Failed(results),
		"new_files", added,
		"duration", time.Since(start),
	)
}
