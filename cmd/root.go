package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"

	gogithub "github.com/google/go-github/v60/github"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jacklau/fwstats/internal/config"
	"github.com/jacklau/fwstats/internal/detect"
	"github.com/jacklau/fwstats/internal/dispatch"
	"github.com/jacklau/fwstats/internal/github"
	"github.com/jacklau/fwstats/internal/notify"
	"github.com/jacklau/fwstats/internal/pipeline"
	"github.com/jacklau/fwstats/internal/pubsub"
	"github.com/jacklau/fwstats/internal/queue"
	"github.com/jacklau/fwstats/internal/retry"
	"github.com/jacklau/fwstats/internal/stats"
	"github.com/jacklau/fwstats/internal/store"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "fwstats",
	Short: "Mine GitHub activity for framework usage statistics",
	Long: `fwstats estimates which frameworks a GitHub user works with by mining
their recent commits. Jobs are queued, processed by workers with bounded
retries, and jobs that keep failing are reported to supervisors.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", fmt.Sprintf("config file (default %s)", defaultConfigPath()))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fwstats/config.yaml"
	}
	return home + "/.fwstats/config.yaml"
}

// setupLogger builds the process logger from the log config. --verbose
// forces debug level.
func setupLogger(cfg *config.Config) (*slog.Logger, func() error) {
	level, err := config.ParseLevel(cfg.Log.Level)
	if verbose {
		level = slog.LevelDebug
	}
	logger, cleanup := config.SetupLogger(cfg.Log.File, level)
	if err != nil {
		logger.Warn("invalid log level, using info", "error", err)
	}
	return logger, cleanup
}

// loadConfig reads --config, or the default path when it exists. Without
// either the built-in defaults apply.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.Load(cfgFile)
	}
	cfg, err := config.Load(defaultConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

// components holds initialized components for use by subcommands.
type components struct {
	Config   *config.Config
	Store    store.Store
	Broker   queue.Broker
	Rules    *detect.Rules
	Clients  *github.ClientFactory
	Notifier *notify.MultiNotifier
	Events   *pubsub.Broker[store.FrameworkUsage]
	Logger   *slog.Logger

	closers []func() error
}

// Close releases everything initComponents opened, newest first.
func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	return errors.Join(errs...)
}

// initComponents creates all components from config.
func initComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *components, err error) {
	c := &components{
		Config: cfg,
		Logger: logger,
		Events: pubsub.NewBroker[store.FrameworkUsage](),
	}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	// Store
	var sqliteDB *store.DB
	switch cfg.Store.Driver {
	case "mongo":
		ms, err := store.OpenMongo(ctx, cfg.Store.Mongo.URI, cfg.Store.Mongo.Database)
		if err != nil {
			return nil, fmt.Errorf("opening mongo store: %w", err)
		}
		c.Store = ms
		c.closers = append(c.closers, ms.Close)
	default:
		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		sqliteDB = db
		c.Store = db
		c.closers = append(c.closers, db.Close)
	}

	// Broker
	policy := queuePolicy(cfg.Queue)
	switch cfg.Queue.Driver {
	case "memory":
		b := queue.NewMemoryBroker(cfg.Queue.Name, policy)
		c.Broker = b
		c.closers = append(c.closers, b.Close)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		})
		c.closers = append(c.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Queue.Redis.Addr, err)
		}
		b := queue.NewRedisBroker(client, cfg.Queue.Name, policy, cfg.Queue.PollInterval())
		c.Broker = b
		c.closers = append(c.closers, b.Close)
	default:
		if sqliteDB == nil {
			// The store lives elsewhere; the queue still needs a local database.
			db, err := store.Open(cfg.Store.Path)
			if err != nil {
				return nil, fmt.Errorf("opening queue database: %w", err)
			}
			sqliteDB = db
			c.closers = append(c.closers, db.Close)
		}
		b, err := queue.NewSQLiteBroker(sqliteDB.Conn(), cfg.Queue.Name, policy,
			queue.WithPollInterval(cfg.Queue.PollInterval()),
			queue.WithLease(cfg.Queue.Lease()))
		if err != nil {
			return nil, fmt.Errorf("creating sqlite broker: %w", err)
		}
		c.Broker = b
		c.closers = append(c.closers, b.Close)
	}

	// Detection rules
	c.Rules = detect.DefaultRules()
	if cfg.Pipeline.RulesFile != "" {
		rules, err := detect.LoadRules(cfg.Pipeline.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("loading rules: %w", err)
		}
		c.Rules = rules
	}

	// GitHub clients
	c.Clients = &github.ClientFactory{BaseURL: cfg.GitHub.BaseURL}
	if cfg.GitHub.Auth == "app" {
		client, err := appClient(cfg.GitHub)
		if err != nil {
			return nil, err
		}
		c.Clients.Fallback = client
	}

	c.Notifier = notify.FromConfig(cfg.Notify, logger)

	return c, nil
}

// queuePolicy converts the queue config to a redelivery policy.
func queuePolicy(q config.QueueConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:  q.MaxAttempts,
		InitialDelay: q.InitialDelay(),
		Multiplier:   q.Multiplier,
		MaxDelay:     q.MaxDelay(),
	}
}

// appClient creates the GitHub App installation client.
func appClient(gh config.GitHubConfig) (*gogithub.Client, error) {
	appID, err := strconv.ParseInt(gh.AppID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing app_id: %w", err)
	}
	installID, err := strconv.ParseInt(gh.InstallationID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing installation_id: %w", err)
	}
	client, err := github.NewGitHubClient(appID, installID, []byte(gh.PrivateKey), gh.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("creating GitHub client: %w", err)
	}
	return github.WithBaseURL(client, gh.BaseURL)
}

// createPipeline builds a Pipeline from components.
func createPipeline(c *components) *pipeline.Pipeline {
	return pipeline.New(pipeline.PipelineDeps{
		Users:   c.Store,
		Clients: c.Clients,
		Rules:   c.Rules,
		Updater: stats.NewUpdater(c.Store, c.Events, c.Logger),
		Config:  c.Config.Pipeline,
		Logger:  c.Logger,
	})
}

// createDispatcher builds a Dispatcher from components.
func createDispatcher(c *components) *dispatch.Dispatcher {
	return dispatch.New(c.Store, c.Broker, c.Config.Dispatch.FreshnessWindow(), c.Logger)
}

// deadLetterNotifier returns the configured notifiers, or nil when there
// are none.
func deadLetterNotifier(c *components) notify.Notifier {
	if c.Notifier == nil || c.Notifier.Len() == 0 {
		return nil
	}
	return c.Notifier
}

// setup loads config, the logger and components for a subcommand.
func setup(ctx context.Context) (*components, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger, closeLog := setupLogger(cfg)

	c, err := initComponents(ctx, cfg, logger)
	if err != nil {
		closeLog()
		return nil, nil, fmt.Errorf("initializing components: %w", err)
	}
	return c, func() {
		if err := c.Close(); err != nil {
			logger.Warn("closing components", "error", err)
		}
		closeLog()
	}, nil
}
