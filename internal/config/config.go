package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	validLogLevels     = []string{"debug", "info", "warn", "error"}
	validStoreBackends = []string{"none", "memory", "redis", "sqlite"}
)

// CutoffLayout is the accepted layout for crawl.cutoff.
const CutoffLayout = "2006-01-02"

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig
	GitHub    GitHubConfig
	RateLimit RateLimitConfig
	Retry     RetryConfig
	Crawl     CrawlConfig
	Output    OutputConfig
	Store     StoreConfig
	Telemetry TelemetryConfig
}

// ServerConfig contains logging and optional HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// GitHubConfig configures GitHub API access.
type GitHubConfig struct {
	APIBaseURL     string
	Token          string
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	RequestTimeout time.Duration
	RequestDelay   time.Duration
}

// UsesAppAuth reports whether GitHub App installation auth is configured.
func (g GitHubConfig) UsesAppAuth() bool {
	return g.AppID > 0 || g.InstallationID > 0 || strings.TrimSpace(g.PrivateKeyPath) != ""
}

// RateLimitConfig configures rate-limit controls.
type RateLimitConfig struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	MinWait               time.Duration
	SecondaryLimitBackoff time.Duration
}

// RetryConfig configures retries.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// CrawlConfig scopes the repository and issue search.
type CrawlConfig struct {
	Language           string
	Cutoff             time.Time
	MaxRepos           int
	ReposPerPage       int
	IssueLabel         string
	MaxIssuesPerRepo   int
	IssuesPerPage      int
	MaxCommitsPerIssue int
	BuildFiles         []string
	StopOnRunnable     bool
}

// OutputConfig configures output artifact paths.
type OutputConfig struct {
	JSONPath string `yaml:"json_path"`
	CSVPath  string `yaml:"csv_path"`
}

// StoreConfig configures the resume store.
type StoreConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Namespace     string
	SQLitePath    string
	Retention     time.Duration
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg, fieldPresence{})
	return cfg
}

// TokenEnv is read for the token when neither a token nor GitHub App auth is
// configured.
const TokenEnv = "GITHUB_TOKEN"

// Load reads configuration from YAML, applies the GITHUB_TOKEN fallback and
// validates the result.
func Load(reader io.Reader) (*Config, error) {
	return LoadWithEnv(reader, os.Getenv)
}

// LoadWithEnv is Load with the environment read through getenv.
func LoadWithEnv(reader io.Reader, getenv func(string) string) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg, err := raw.toConfig()
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg, raw.presence())
	cfg.ApplyEnv(getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills an empty token from TokenEnv unless GitHub App auth is configured.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil || strings.TrimSpace(c.GitHub.Token) != "" || c.GitHub.UsesAppAuth() {
		return
	}
	c.GitHub.Token = strings.TrimSpace(getenv(TokenEnv))
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}

	if c.GitHub.RequestTimeout <= 0 {
		errs = append(errs, "github.request_timeout must be > 0")
	}
	if c.GitHub.RequestDelay < 0 {
		errs = append(errs, "github.request_delay must be >= 0")
	}
	if c.GitHub.UsesAppAuth() {
		if c.GitHub.AppID <= 0 {
			errs = append(errs, "github.app_id must be > 0 when app auth is configured")
		}
		if c.GitHub.InstallationID <= 0 {
			errs = append(errs, "github.installation_id must be > 0 when app auth is configured")
		}
		if strings.TrimSpace(c.GitHub.PrivateKeyPath) == "" {
			errs = append(errs, "github.private_key_path is required when app auth is configured")
		}
		if strings.TrimSpace(c.GitHub.Token) != "" {
			errs = append(errs, "github.token and github app auth are mutually exclusive")
		}
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.max_attempts must be > 0")
	}

	if strings.TrimSpace(c.Crawl.Language) == "" {
		errs = append(errs, "crawl.language is required")
	}
	if c.Crawl.Cutoff.IsZero() {
		errs = append(errs, "crawl.cutoff is required")
	}
	if c.Crawl.MaxRepos <= 0 {
		errs = append(errs, "crawl.max_repos must be > 0")
	}
	if c.Crawl.ReposPerPage <= 0 || c.Crawl.ReposPerPage > 100 {
		errs = append(errs, "crawl.repos_per_page must be between 1 and 100")
	}
	if strings.TrimSpace(c.Crawl.IssueLabel) == "" {
		errs = append(errs, "crawl.issue_label is required")
	}
	if c.Crawl.MaxIssuesPerRepo <= 0 {
		errs = append(errs, "crawl.max_issues_per_repo must be > 0")
	}
	if c.Crawl.IssuesPerPage <= 0 || c.Crawl.IssuesPerPage > 100 {
		errs = append(errs, "crawl.issues_per_page must be between 1 and 100")
	}
	if c.Crawl.MaxCommitsPerIssue <= 0 {
		errs = append(errs, "crawl.max_commits_per_issue must be > 0")
	}
	if len(c.Crawl.BuildFiles) == 0 {
		errs = append(errs, "crawl.build_files must contain at least one file name")
	}

	if strings.TrimSpace(c.Output.JSONPath) == "" {
		errs = append(errs, "output.json_path is required")
	}
	if strings.TrimSpace(c.Output.CSVPath) == "" {
		errs = append(errs, "output.csv_path is required")
	}

	if !slices.Contains(validStoreBackends, c.Store.Backend) {
		errs = append(errs, "store.backend must be one of none|memory|redis|sqlite")
	}
	if c.Store.Backend == "redis" && strings.TrimSpace(c.Store.RedisAddr) == "" {
		errs = append(errs, "store.redis_addr is required when store.backend=redis")
	}
	if c.Store.Backend == "sqlite" && strings.TrimSpace(c.Store.SQLitePath) == "" {
		errs = append(errs, "store.sqlite_path is required when store.backend=sqlite")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ParseCutoff parses a crawl cutoff date in YYYY-MM-DD form.
func ParseCutoff(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(CutoffLayout, trimmed)
	if err != nil {
		if full, fullErr := time.Parse(time.RFC3339, trimmed); fullErr == nil {
			y, m, d := full.UTC().Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
		return time.Time{}, fmt.Errorf("parse cutoff %q: expected YYYY-MM-DD", raw)
	}
	return parsed.UTC(), nil
}

// fieldPresence records booleans that were explicitly set so defaults don't override them.
type fieldPresence struct {
	stopOnRunnable bool
}

func applyDefaults(cfg *Config, present fieldPresence) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}

	if strings.TrimSpace(cfg.GitHub.APIBaseURL) == "" {
		cfg.GitHub.APIBaseURL = "https://api.github.com"
	}
	if cfg.GitHub.RequestTimeout == 0 {
		cfg.GitHub.RequestTimeout = 30 * time.Second
	}
	if cfg.GitHub.RequestDelay == 0 {
		cfg.GitHub.RequestDelay = 250 * time.Millisecond
	}

	if cfg.RateLimit.MinResetBuffer == 0 {
		cfg.RateLimit.MinResetBuffer = 3 * time.Second
	}
	if cfg.RateLimit.MinWait == 0 {
		cfg.RateLimit.MinWait = 5 * time.Second
	}
	if cfg.RateLimit.SecondaryLimitBackoff == 0 {
		cfg.RateLimit.SecondaryLimitBackoff = 60 * time.Second
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = 2 * time.Second
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = time.Minute
	}

	if cfg.Crawl.Language == "" {
		cfg.Crawl.Language = "Java"
	}
	if cfg.Crawl.Cutoff.IsZero() {
		cfg.Crawl.Cutoff = time.Date(2025, time.January, 22, 0, 0, 0, 0, time.UTC)
	}
	if cfg.Crawl.MaxRepos == 0 {
		cfg.Crawl.MaxRepos = 100
	}
	if cfg.Crawl.ReposPerPage == 0 {
		cfg.Crawl.ReposPerPage = 50
	}
	if cfg.Crawl.IssueLabel == "" {
		cfg.Crawl.IssueLabel = "bug"
	}
	if cfg.Crawl.MaxIssuesPerRepo == 0 {
		cfg.Crawl.MaxIssuesPerRepo = 20
	}
	if cfg.Crawl.IssuesPerPage == 0 {
		cfg.Crawl.IssuesPerPage = 100
	}
	if cfg.Crawl.MaxCommitsPerIssue == 0 {
		cfg.Crawl.MaxCommitsPerIssue = 5
	}
	if len(cfg.Crawl.BuildFiles) == 0 {
		cfg.Crawl.BuildFiles = []string{"pom.xml", "build.gradle", "build.gradle.kts", "settings.gradle"}
	}
	if !present.stopOnRunnable {
		cfg.Crawl.StopOnRunnable = true
	}

	if cfg.Output.JSONPath == "" {
		cfg.Output.JSONPath = "issues_commits.json"
	}
	if cfg.Output.CSVPath == "" {
		cfg.Output.CSVPath = "issues_commits.csv"
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "none"
	}
	if cfg.Store.Namespace == "" {
		cfg.Store.Namespace = "bugfind"
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "bugfind.db"
	}

	if cfg.Telemetry.OTELTraceMode == "" {
		cfg.Telemetry.OTELTraceMode = "off"
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server    ServerConfig `yaml:"server"`
	GitHub    rawGitHub    `yaml:"github"`
	RateLimit rawRateLimit `yaml:"rate_limit"`
	Retry     rawRetry     `yaml:"retry"`
	Crawl     rawCrawl     `yaml:"crawl"`
	Output    OutputConfig `yaml:"output"`
	Store     rawStore     `yaml:"store"`
	Telemetry rawTelemetry `yaml:"telemetry"`
}

type rawGitHub struct {
	APIBaseURL     string   `yaml:"api_base_url"`
	Token          string   `yaml:"token"`
	AppID          int64    `yaml:"app_id"`
	InstallationID int64    `yaml:"installation_id"`
	PrivateKeyPath string   `yaml:"private_key_path"`
	RequestTimeout duration `yaml:"request_timeout"`
	RequestDelay   duration `yaml:"request_delay"`
}

type rawRateLimit struct {
	MinRemainingThreshold int      `yaml:"min_remaining_threshold"`
	MinResetBuffer        duration `yaml:"min_reset_buffer"`
	MinWait               duration `yaml:"min_wait"`
	SecondaryLimitBackoff duration `yaml:"secondary_limit_backoff"`
}

type rawRetry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff duration `yaml:"initial_backoff"`
	MaxBackoff     duration `yaml:"max_backoff"`
}

type rawCrawl struct {
	Language           string   `yaml:"language"`
	Cutoff             string   `yaml:"cutoff"`
	MaxRepos           int      `yaml:"max_repos"`
	ReposPerPage       int      `yaml:"repos_per_page"`
	IssueLabel         string   `yaml:"issue_label"`
	MaxIssuesPerRepo   int      `yaml:"max_issues_per_repo"`
	IssuesPerPage      int      `yaml:"issues_per_page"`
	MaxCommitsPerIssue int      `yaml:"max_commits_per_issue"`
	BuildFiles         []string `yaml:"build_files"`
	StopOnRunnable     *bool    `yaml:"stop_on_runnable"`
}

type rawStore struct {
	Backend       string   `yaml:"backend"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	Namespace     string   `yaml:"namespace"`
	SQLitePath    string   `yaml:"sqlite_path"`
	Retention     duration `yaml:"retention"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) presence() fieldPresence {
	return fieldPresence{
		stopOnRunnable: r.Crawl.StopOnRunnable != nil,
	}
}

func (r rawConfig) toConfig() (*Config, error) {
	cutoff, err := ParseCutoff(r.Crawl.Cutoff)
	if err != nil {
		return nil, fmt.Errorf("crawl.cutoff: %w", err)
	}

	cfg := &Config{
		Server: r.Server,
		GitHub: GitHubConfig{
			APIBaseURL:     r.GitHub.APIBaseURL,
			Token:          r.GitHub.Token,
			AppID:          r.GitHub.AppID,
			InstallationID: r.GitHub.InstallationID,
			PrivateKeyPath: r.GitHub.PrivateKeyPath,
			RequestTimeout: r.GitHub.RequestTimeout.Duration,
			RequestDelay:   r.GitHub.RequestDelay.Duration,
		},
		RateLimit: RateLimitConfig{
			MinRemainingThreshold: r.RateLimit.MinRemainingThreshold,
			MinResetBuffer:        r.RateLimit.MinResetBuffer.Duration,
			MinWait:               r.RateLimit.MinWait.Duration,
			SecondaryLimitBackoff: r.RateLimit.SecondaryLimitBackoff.Duration,
		},
		Retry: RetryConfig{
			MaxAttempts:    r.Retry.MaxAttempts,
			InitialBackoff: r.Retry.InitialBackoff.Duration,
			MaxBackoff:     r.Retry.MaxBackoff.Duration,
		},
		Crawl: CrawlConfig{
			Language:           strings.TrimSpace(r.Crawl.Language),
			Cutoff:             cutoff,
			MaxRepos:           r.Crawl.MaxRepos,
			ReposPerPage:       r.Crawl.ReposPerPage,
			IssueLabel:         strings.TrimSpace(r.Crawl.IssueLabel),
			MaxIssuesPerRepo:   r.Crawl.MaxIssuesPerRepo,
			IssuesPerPage:      r.Crawl.IssuesPerPage,
			MaxCommitsPerIssue: r.Crawl.MaxCommitsPerIssue,
			BuildFiles:         slices.Clone(r.Crawl.BuildFiles),
		},
		Output: r.Output,
		Store: StoreConfig{
			Backend:       strings.ToLower(strings.TrimSpace(r.Store.Backend)),
			RedisAddr:     r.Store.RedisAddr,
			RedisPassword: r.Store.RedisPassword,
			RedisDB:       r.Store.RedisDB,
			Namespace:     r.Store.Namespace,
			SQLitePath:    r.Store.SQLitePath,
			Retention:     r.Store.Retention.Duration,
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}
	if r.Crawl.StopOnRunnable != nil {
		cfg.Crawl.StopOnRunnable = *r.Crawl.StopOnRunnable
	}

	return cfg, nil
}
