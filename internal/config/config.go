package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	GitHub   GitHubConfig   `yaml:"github"`
	Queue    QueueConfig    `yaml:"queue"`
	Store    StoreConfig    `yaml:"store"`
	Notify   NotifyConfig   `yaml:"notify"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
}

// GitHubConfig holds GitHub API settings. With auth "token" every job uses
// its own credential; with auth "app" jobs that carry no credential fall back
// to the installation token.
type GitHubConfig struct {
	Auth           string `yaml:"auth"`
	BaseURL        string `yaml:"base_url"`
	AppID          string `yaml:"app_id"`
	InstallationID string `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	PrivateKey     string `yaml:"private_key"`
}

// RedisConfig holds connection settings for the redis broker.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig holds broker selection and the retry policy.
type QueueConfig struct {
	Driver          string      `yaml:"driver"`
	Name            string      `yaml:"name"`
	Redis           RedisConfig `yaml:"redis"`
	MaxAttempts     int         `yaml:"max_attempts"`
	InitialDelayRaw string      `yaml:"initial_delay"`
	Multiplier      float64     `yaml:"multiplier"`
	MaxDelayRaw     string      `yaml:"max_delay"`
	Prefetch        int         `yaml:"prefetch"`
	PollIntervalRaw string      `yaml:"poll_interval"`
	LeaseRaw        string      `yaml:"lease"`
}

// MongoConfig holds connection settings for the mongo store.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// StoreConfig holds storage settings.
type StoreConfig struct {
	Driver string      `yaml:"driver"`
	Path   string      `yaml:"path"`
	Mongo  MongoConfig `yaml:"mongo"`
}

// SMTPConfig holds outgoing mail settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// NotifyConfig holds operator notification targets. Supervisors is a
// comma-separated list of email addresses.
type NotifyConfig struct {
	Supervisors    string     `yaml:"supervisors"`
	SMTP           SMTPConfig `yaml:"smtp"`
	SlackWebhook   string     `yaml:"slack_webhook"`
	DiscordWebhook string     `yaml:"discord_webhook"`
}

// PipelineConfig holds fan-out limits and timeouts for the mining pipeline.
type PipelineConfig struct {
	RulesFile             string `yaml:"rules_file"`
	RepoLimit             int    `yaml:"repo_limit"`
	LanguageLimit         int    `yaml:"language_limit"`
	CommitsPerPage        int    `yaml:"commits_per_page"`
	RepoWorkers           int    `yaml:"repo_workers"`
	RepoTaskTimeoutRaw    string `yaml:"repo_task_timeout"`
	RepoDrainTimeoutRaw   string `yaml:"repo_drain_timeout"`
	CommitWorkers         int    `yaml:"commit_workers"`
	CommitTaskTimeoutRaw  string `yaml:"commit_task_timeout"`
	CommitDrainTimeoutRaw string `yaml:"commit_drain_timeout"`
}

// DispatchConfig holds job dispatch settings.
type DispatchConfig struct {
	FreshnessWindowRaw string `yaml:"freshness_window"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ServerConfig holds the admin/API HTTP server settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// InitialDelay returns the first redelivery delay.
func (q QueueConfig) InitialDelay() time.Duration { return mustDuration(q.InitialDelayRaw) }

// MaxDelay returns the redelivery delay cap.
func (q QueueConfig) MaxDelay() time.Duration { return mustDuration(q.MaxDelayRaw) }

// PollInterval returns how often polling brokers check for ready messages.
func (q QueueConfig) PollInterval() time.Duration { return mustDuration(q.PollIntervalRaw) }

// Lease returns how long a delivered message stays invisible to other consumers.
func (q QueueConfig) Lease() time.Duration { return mustDuration(q.LeaseRaw) }

// RepoTaskTimeout returns the per-repository task timeout.
func (p PipelineConfig) RepoTaskTimeout() time.Duration { return mustDuration(p.RepoTaskTimeoutRaw) }

// RepoDrainTimeout returns the overall wait for a repository-level pool.
func (p PipelineConfig) RepoDrainTimeout() time.Duration { return mustDuration(p.RepoDrainTimeoutRaw) }

// CommitTaskTimeout returns the per-commit task timeout.
func (p PipelineConfig) CommitTaskTimeout() time.Duration {
	return mustDuration(p.CommitTaskTimeoutRaw)
}

// CommitDrainTimeout returns the overall wait for a commit-level pool.
func (p PipelineConfig) CommitDrainTimeout() time.Duration {
	return mustDuration(p.CommitDrainTimeoutRaw)
}

// FreshnessWindow returns how long computed stats are considered current.
func (d DispatchConfig) FreshnessWindow() time.Duration { return mustDuration(d.FreshnessWindowRaw) }

// SupervisorList splits the comma-separated supervisor addresses.
func (n NotifyConfig) SupervisorList() []string {
	var out []string
	for _, s := range strings.Split(n.Supervisors, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// mustDuration parses a duration that validate has already checked.
func mustDuration(raw string) time.Duration {
	d, _ := time.ParseDuration(raw)
	return d
}

// envVarPattern matches ${VAR} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} placeholders with environment variable values.
// Returns an error if any referenced variable is not set.
func expandEnvVars(data []byte) ([]byte, error) {
	var missing []string

	result := envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		val, ok := os.LookupEnv(string(varName))
		if !ok {
			missing = append(missing, string(varName))
			return match
		}
		return []byte(val)
	})

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return result, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + strings.TrimPrefix(path, "~")
}

// Load reads and parses a config file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses config from raw YAML bytes, expanding env vars and validating.
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnvVars(data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	cfg.Store.Path = expandTilde(cfg.Store.Path)
	cfg.Log.File = expandTilde(cfg.Log.File)
	cfg.Pipeline.RulesFile = expandTilde(cfg.Pipeline.RulesFile)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	cfg.Store.Path = expandTilde(cfg.Store.Path)
	return &cfg
}

func applyDefaults(cfg *Config) {
	setString := func(p *string, v string) {
		if *p == "" {
			*p = v
		}
	}
	setInt := func(p *int, v int) {
		if *p == 0 {
			*p = v
		}
	}

	setString(&cfg.GitHub.Auth, "token")

	setString(&cfg.Queue.Driver, "sqlite")
	setString(&cfg.Queue.Name, "framework-stats")
	setString(&cfg.Queue.Redis.Addr, "localhost:6379")
	setInt(&cfg.Queue.MaxAttempts, 5)
	setString(&cfg.Queue.InitialDelayRaw, "1s")
	if cfg.Queue.Multiplier == 0 {
		cfg.Queue.Multiplier = 3.0
	}
	setString(&cfg.Queue.MaxDelayRaw, "5s")
	setInt(&cfg.Queue.Prefetch, 1)
	setString(&cfg.Queue.PollIntervalRaw, "500ms")
	setString(&cfg.Queue.LeaseRaw, "45m")

	setString(&cfg.Store.Driver, "sqlite")
	setString(&cfg.Store.Path, "~/.fwstats/fwstats.db")
	setString(&cfg.Store.Mongo.Database, "fwstats")

	setInt(&cfg.Notify.SMTP.Port, 587)

	setInt(&cfg.Pipeline.RepoLimit, 25)
	setInt(&cfg.Pipeline.LanguageLimit, 3)
	setInt(&cfg.Pipeline.CommitsPerPage, 100)
	setInt(&cfg.Pipeline.RepoWorkers, 10)
	setString(&cfg.Pipeline.RepoTaskTimeoutRaw, "60s")
	setString(&cfg.Pipeline.RepoDrainTimeoutRaw, "60s")
	setInt(&cfg.Pipeline.CommitWorkers, 100)
	setString(&cfg.Pipeline.CommitTaskTimeoutRaw, "30s")
	setString(&cfg.Pipeline.CommitDrainTimeoutRaw, "90s")

	setString(&cfg.Dispatch.FreshnessWindowRaw, "6h")

	setString(&cfg.Log.Level, "info")
	setString(&cfg.Server.Addr, ":8080")
}

func validate(cfg *Config) error {
	validAuth := map[string]bool{"token": true, "app": true}
	if !validAuth[cfg.GitHub.Auth] {
		return fmt.Errorf("unsupported github auth: %q", cfg.GitHub.Auth)
	}
	if cfg.GitHub.Auth == "app" {
		if cfg.GitHub.AppID == "" || cfg.GitHub.InstallationID == "" {
			return fmt.Errorf("github auth app requires app_id and installation_id")
		}
		if cfg.GitHub.PrivateKey == "" && cfg.GitHub.PrivateKeyPath == "" {
			return fmt.Errorf("github auth app requires private_key or private_key_path")
		}
	}

	validQueue := map[string]bool{"sqlite": true, "redis": true, "memory": true}
	if !validQueue[cfg.Queue.Driver] {
		return fmt.Errorf("unsupported queue driver: %q", cfg.Queue.Driver)
	}
	if cfg.Queue.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1, got %f", cfg.Queue.Multiplier)
	}
	if cfg.Queue.Prefetch < 1 {
		return fmt.Errorf("prefetch must be at least 1, got %d", cfg.Queue.Prefetch)
	}

	validStore := map[string]bool{"sqlite": true, "mongo": true}
	if !validStore[cfg.Store.Driver] {
		return fmt.Errorf("unsupported store driver: %q", cfg.Store.Driver)
	}
	if cfg.Store.Driver == "mongo" && cfg.Store.Mongo.URI == "" {
		return fmt.Errorf("store driver mongo requires mongo.uri")
	}

	for _, w := range []struct {
		name string
		val  int
	}{
		{"repo_limit", cfg.Pipeline.RepoLimit},
		{"language_limit", cfg.Pipeline.LanguageLimit},
		{"commits_per_page", cfg.Pipeline.CommitsPerPage},
		{"repo_workers", cfg.Pipeline.RepoWorkers},
		{"commit_workers", cfg.Pipeline.CommitWorkers},
	} {
		if w.val < 1 {
			return fmt.Errorf("%s must be positive, got %d", w.name, w.val)
		}
	}
	if cfg.Pipeline.CommitsPerPage > 100 {
		return fmt.Errorf("commits_per_page must be at most 100, got %d", cfg.Pipeline.CommitsPerPage)
	}

	durations := []struct {
		name string
		raw  string
	}{
		{"queue.initial_delay", cfg.Queue.InitialDelayRaw},
		{"queue.max_delay", cfg.Queue.MaxDelayRaw},
		{"queue.poll_interval", cfg.Queue.PollIntervalRaw},
		{"queue.lease", cfg.Queue.LeaseRaw},
		{"pipeline.repo_task_timeout", cfg.Pipeline.RepoTaskTimeoutRaw},
		{"pipeline.repo_drain_timeout", cfg.Pipeline.RepoDrainTimeoutRaw},
		{"pipeline.commit_task_timeout", cfg.Pipeline.CommitTaskTimeoutRaw},
		{"pipeline.commit_drain_timeout", cfg.Pipeline.CommitDrainTimeoutRaw},
		{"dispatch.freshness_window", cfg.Dispatch.FreshnessWindowRaw},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.raw)
		}
	}

	return nil
}
