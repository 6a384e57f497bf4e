package detect

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/jacklau/fwstats/internal/github"
	"github.com/jacklau/fwstats/internal/workpool"
)

// Source is the subset of the GitHub API the detector reads.
type Source interface {
	BlobPaths(ctx context.Context, owner, repo, ref string) ([]string, error)
	FileContent(ctx context.Context, owner, repo, path, ref string) (string, error)
}

// FrameworkSet is the set of frameworks detected in one repository.
type FrameworkSet map[string]struct{}

// Sorted returns the framework names in lexical order.
func (s FrameworkSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for fw := range s {
		out = append(out, fw)
	}
	sort.Strings(out)
	return out
}

// Detector finds frameworks in repositories.
type Detector struct {
	source Source
	rules  *Rules
	pool   workpool.Pool
	logger *slog.Logger
}

// NewDetector creates a Detector.
func NewDetector(source Source, rules *Rules, pool workpool.Pool, logger *slog.Logger) *Detector {
	return &Detector{source: source, rules: rules, pool: pool, logger: logger}
}

type configMatch struct {
	path      string
	candidate string
}

// shortlist keeps paths that end with a candidate config name and do not
// sit inside a vendor directory.
func (d *Detector) shortlist(paths, candidates []string) []configMatch {
	var out []configMatch
	for _, p := range paths {
		if d.rules.IsVendored(p) {
			continue
		}
		for _, c := range candidates {
			if strings.HasSuffix(p, c) {
				out = append(out, configMatch{path: p, candidate: c})
				break
			}
		}
	}
	return out
}

// Detect returns the frameworks evidenced by repo's config files. Problems
// with individual files are logged and skipped; only a failure to list the
// tree is returned.
func (d *Detector) Detect(ctx context.Context, owner string, repo github.RepositoryInfo) (FrameworkSet, error) {
	found := make(FrameworkSet)

	candidates := d.rules.CandidateConfigs(repo.LanguageNames())
	if len(candidates) == 0 {
		return found, nil
	}

	paths, err := d.source.BlobPaths(ctx, owner, repo.Name, repo.DefaultBranch)
	if err != nil {
		return found, err
	}

	logger := d.logger.With("repo", repo.Name)
	for _, m := range d.shortlist(paths, candidates) {
		rules, ok := d.rules.ConfigRules(m.path, m.candidate)
		if !ok {
			logger.Warn("no rules for config file", "path", m.path)
			continue
		}

		content, err := d.source.FileContent(ctx, owner, repo.Name, m.path, repo.DefaultBranch)
		if err != nil {
			logger.Warn("skipping unreadable config file", "path", m.path, "error", err)
			continue
		}

		for _, rule := range rules {
			if rule.Matches(content) {
				found[rule.Framework] = struct{}{}
			}
		}
	}

	logger.Debug("frameworks detected", "frameworks", found.Sorted())
	return found, nil
}

// DetectAll runs Detect across repos on the detector's pool. The result is
// keyed by repository name; repositories that failed or timed out map to an
// empty set.
func (d *Detector) DetectAll(ctx context.Context, owner string, repos []github.RepositoryInfo) map[string]FrameworkSet {
	results := workpool.Run(ctx, d.pool, len(repos), func(ctx context.Context, i int) (FrameworkSet, error) {
		return d.Detect(ctx, owner, repos[i])
	})

	out := make(map[string]FrameworkSet, len(repos))
	for i, r := range results {
		if r.Err != nil {
			d.logger.Warn("framework detection failed", "repo", repos[i].Name, "error", r.Err)
			out[repos[i].Name] = FrameworkSet{}
			continue
		}
		out[repos[i].Name] = r.Value
	}
	return out
}
