// Package pipeline mines one user's GitHub repositories for framework usage:
// catalog, then commits and framework detection in parallel, then file
// accounting, then the stats update.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v60/github"
	"golang.org/x/sync/errgroup"

	"github.com/jacklau/fwstats/internal/accounting"
	"github.com/jacklau/fwstats/internal/config"
	"github.com/jacklau/fwstats/internal/detect"
	"github.com/jacklau/fwstats/internal/github"
	"github.com/jacklau/fwstats/internal/metrics"
	"github.com/jacklau/fwstats/internal/pubsub"
	"github.com/jacklau/fwstats/internal/queue"
	"github.com/jacklau/fwstats/internal/stats"
	"github.com/jacklau/fwstats/internal/store"
	"github.com/jacklau/fwstats/internal/workpool"
)

// UserLookup resolves usernames to registered users.
type UserLookup interface {
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
}

// PipelineDeps holds the dependencies for the Pipeline.
type PipelineDeps struct {
	Users   UserLookup
	Clients *github.ClientFactory
	Rules   *detect.Rules
	Updater *stats.Updater
	Config  config.PipelineConfig
	Logger  *slog.Logger
}

// Pipeline turns a job into an updated usage record.
type Pipeline struct {
	deps PipelineDeps
}

// Result summarizes one processed job.
type Result struct {
	UserID       string
	Repositories int
	Counts       map[string]int
	Event        pubsub.EventType
}

// New creates a new Pipeline with the given dependencies.
func New(deps PipelineDeps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Rules == nil {
		deps.Rules = detect.DefaultRules()
	}
	return &Pipeline{deps: deps}
}

// Process runs the whole pipeline for job. Errors that redelivery cannot
// fix are marked with queue.Permanent; anything else is transient.
func (p *Pipeline) Process(ctx context.Context, job queue.Job) (*Result, error) {
	if err := job.Validate(); err != nil {
		return nil, queue.Permanent(err)
	}
	username := strings.TrimSpace(job.Username)
	logger := p.deps.Logger.With("user", username)

	user, err := p.deps.Users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, queue.Permanent(err)
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	client, err := p.deps.Clients.ForCredential(job.Credential)
	if err != nil {
		return nil, queue.Permanent(fmt.Errorf("%w: %w", queue.ErrInvalidJob, err))
	}

	start := time.Now()
	defer func() { metrics.PipelineDuration.Observe(time.Since(start).Seconds()) }()
	logger.Info("processing job")

	cfg := p.deps.Config
	catalog := github.NewCatalog(client, logger,
		github.WithRepoLimit(cfg.RepoLimit),
		github.WithLanguageLimit(cfg.LanguageLimit),
		github.WithGraphQLPath(p.deps.Clients.GraphQLPath()),
	)
	repos, err := catalog.Repositories(ctx, username)
	if err != nil {
		if errors.Is(err, github.ErrUserNotFound) {
			return nil, queue.Permanent(err)
		}
		return nil, fmt.Errorf("listing repositories: %w", err)
	}

	counts := map[string]int{}
	if len(repos) > 0 {
		counts = p.mine(ctx, client, username, repos, logger)
	} else {
		logger.Info("user has no repositories")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	event, err := p.deps.Updater.Update(ctx, user.ID, counts)
	if err != nil {
		return nil, fmt.Errorf("updating stats: %w", err)
	}

	logger.Info("job processed",
		"repos", len(repos),
		"frameworks", len(counts),
		"event", event,
		"duration", time.Since(start),
	)
	return &Result{UserID: user.ID, Repositories: len(repos), Counts: counts, Event: event}, nil
}

func (p *Pipeline) mine(ctx context.Context, client *gogithub.Client, owner string, repos []github.RepositoryInfo, logger *slog.Logger) map[string]int {
	cfg := p.deps.Config
	repoPool := poolOf(cfg.RepoWorkers, cfg.RepoTaskTimeout(), cfg.RepoDrainTimeout())
	commitPool := poolOf(cfg.CommitWorkers, cfg.CommitTaskTimeout(), cfg.CommitDrainTimeout())

	reader := github.NewRepoReader(client, logger)
	collector := github.NewCommitCollector(client, logger, repoPool, cfg.CommitsPerPage)
	detector := detect.NewDetector(reader, p.deps.Rules, repoPool, logger)

	// The detector gets its own copy; Collect writes commit lists in place.
	detectRepos := slices.Clone(repos)
	var frameworks map[string]detect.FrameworkSet

	var g errgroup.Group
	g.Go(func() error {
		collector.Collect(ctx, owner, repos)
		return nil
	})
	g.Go(func() error {
		frameworks = detector.DetectAll(ctx, owner, detectRepos)
		return nil
	})
	g.Wait()

	accountant := accounting.NewAccountant(reader, p.deps.Rules, commitPool, logger)
	return accountant.Account(ctx, owner, repos, frameworks).Counts()
}

func poolOf(workers int, task, drain time.Duration) workpool.Pool {
	return workpool.Pool{Cap: workers, TaskTimeout: task, DrainTimeout: drain}
}
