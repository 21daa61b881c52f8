package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envPrefix      = "ARTICLERELAY_"
	configPathEnv  = envPrefix + "CONFIG"
	aiKeyEnvPrefix = envPrefix + "AI_KEY_"
	defaultGroup   = "default"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Stages      StagesConfig      `yaml:"stages"`
	Sources     []SourceConfig    `yaml:"sources"`
	OpenAI      OpenAIConfig      `yaml:"openai"`
	WordPress   WordPressConfig   `yaml:"wordpress"`
	Media       MediaConfig       `yaml:"media"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Redis       RedisConfig       `yaml:"redis"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LedgerConfig selects the ledger database.
type LedgerConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// SchedulerConfig defines cycle cadence and per-cycle limits.
type SchedulerConfig struct {
	Interval          time.Duration `yaml:"interval"`
	Retention         time.Duration `yaml:"retention"`
	MaxItemsPerSource int           `yaml:"maxItemsPerSource"`
	ItemDelay         time.Duration `yaml:"itemDelay"`
	ParallelSources   int           `yaml:"parallelSources"`
	BreakerThreshold  int           `yaml:"breakerThreshold"`
	MaxItemAttempts   int           `yaml:"maxItemAttempts"`
	LockTTL           time.Duration `yaml:"lockTTL"`
}

// CredentialsConfig describes the AI credential groups and their cooldowns.
type CredentialsConfig struct {
	FailureThreshold int                           `yaml:"failureThreshold"`
	BaseCooldown     time.Duration                 `yaml:"baseCooldown"`
	QuotaCooldown    time.Duration                 `yaml:"quotaCooldown"`
	MaxCooldown      time.Duration                 `yaml:"maxCooldown"`
	DefaultGroup     string                        `yaml:"defaultGroup"`
	Groups           map[string][]CredentialConfig `yaml:"groups"`
}

// CredentialConfig is one API key inside a group.
type CredentialConfig struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

// StagesConfig carries the retry policy of each pipeline stage.
type StagesConfig struct {
	Extract PolicyConfig `yaml:"extract"`
	Rewrite PolicyConfig `yaml:"rewrite"`
	Media   PolicyConfig `yaml:"media"`
	Publish PolicyConfig `yaml:"publish"`
}

// PolicyConfig is the retry/backoff envelope of a stage.
type PolicyConfig struct {
	MaxAttempts       int           `yaml:"maxAttempts"`
	BaseDelay         time.Duration `yaml:"baseDelay"`
	Multiplier        float64       `yaml:"multiplier"`
	MaxDelay          time.Duration `yaml:"maxDelay"`
	Jitter            float64       `yaml:"jitter"`
	Timeout           time.Duration `yaml:"timeout"`
	RateLimitFactor   float64       `yaml:"rateLimitFactor"`
	MalformedAttempts int           `yaml:"malformedAttempts"`
	Retryable         []string      `yaml:"retryable"`
}

// SourceConfig describes one feed in the priority list.
type SourceConfig struct {
	ID          string            `yaml:"id"`
	Scanner     string            `yaml:"scanner"`
	Category    string            `yaml:"category"`
	SourceName  string            `yaml:"sourceName"`
	URLs        []string          `yaml:"urls"`
	DenyPattern string            `yaml:"denyPattern"`
	Options     map[string]string `yaml:"options"`
}

// OpenAIConfig defines how to contact the rewriting model.
type OpenAIConfig struct {
	BaseURL      string  `yaml:"baseUrl"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"systemPrompt"`
	Temperature  float32 `yaml:"temperature"`
	MaxTokens    int     `yaml:"maxTokens"`
}

// WordPressConfig wires the publishing backend.
type WordPressConfig struct {
	URL              string         `yaml:"url"`
	User             string         `yaml:"user"`
	Password         string         `yaml:"password"`
	Categories       map[string]int `yaml:"categories"`
	FixedCategoryIDs []int          `yaml:"fixedCategoryIds"`
	Status           string         `yaml:"status"`
	// LinkMapPath holds existing posts used for internal linking; a missing
	// file disables linking.
	LinkMapPath      string         `yaml:"linkMapPath"`
	PillarPosts      []string       `yaml:"pillarPosts"`
	MaxInternalLinks int            `yaml:"maxInternalLinks"`
	LinkMapMaxPosts  int            `yaml:"linkMapMaxPosts"`
}

// MediaConfig controls staging of downloaded media before upload.
type MediaConfig struct {
	StagingDir    string `yaml:"stagingDir"`
	MaxImageBytes int64  `yaml:"maxImageBytes"`
	FeaturedOnly  bool   `yaml:"featuredOnly"`
}

// KafkaConfig enables disposition events when brokers are set.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// TelegramConfig wires failure notifications.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// RedisConfig enables cross-process item leases when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// GroupFor returns the credential group used for a source category.
func (c CredentialsConfig) GroupFor(category string) string {
	if _, ok := c.Groups[category]; ok && category != "" {
		return category
	}
	if c.DefaultGroup != "" {
		return c.DefaultGroup
	}
	return defaultGroup
}

// Source returns the configured source with the given ID.
func (c Config) Source(id string) (SourceConfig, bool) {
	for _, src := range c.Sources {
		if src.ID == id {
			return src, true
		}
	}
	return SourceConfig{}, false
}

// SourceIDs lists source IDs in priority order.
func (c Config) SourceIDs() []string {
	ids := make([]string, 0, len(c.Sources))
	for _, src := range c.Sources {
		ids = append(ids, src.ID)
	}
	return ids
}

// Load reads YAML configuration (if present) and applies environment overrides.
// An empty path falls back to ARTICLERELAY_CONFIG.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides(os.Environ())

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the scheduler cannot run with.
func (c Config) Validate() error {
	var errs []error

	if len(c.Sources) == 0 {
		errs = append(errs, errors.New("no sources configured"))
	}
	seen := map[string]bool{}
	for i, src := range c.Sources {
		if src.ID == "" {
			errs = append(errs, fmt.Errorf("source #%d has no id", i))
			continue
		}
		if seen[src.ID] {
			errs = append(errs, fmt.Errorf("duplicate source id %q", src.ID))
		}
		seen[src.ID] = true
		if len(src.URLs) == 0 {
			errs = append(errs, fmt.Errorf("source %q has no urls", src.ID))
		}
	}

	if c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if c.Scheduler.Retention <= 0 {
		errs = append(errs, errors.New("scheduler.retention must be positive"))
	}
	if c.Ledger.Driver != "sqlite3" && c.Ledger.Driver != "postgres" {
		errs = append(errs, fmt.Errorf("unsupported ledger driver %q", c.Ledger.Driver))
	}
	if c.Ledger.DSN == "" {
		errs = append(errs, errors.New("ledger.dsn is empty"))
	}

	return errors.Join(errs...)
}

func (c *Config) applyEnvOverrides(environ []string) {
	env := map[string]string{}
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && v != "" {
			env[k] = v
		}
	}

	if v := env[envPrefix+"LOG_LEVEL"]; v != "" {
		c.Logging.Level = v
	}
	if v := env[envPrefix+"LOG_FORMAT"]; v != "" {
		c.Logging.Format = v
	}
	if v := env[envPrefix+"LEDGER_DRIVER"]; v != "" {
		c.Ledger.Driver = v
	}
	if v := env[envPrefix+"LEDGER_DSN"]; v != "" {
		c.Ledger.DSN = v
	}
	if v := env[envPrefix+"INTERVAL"]; v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scheduler.Interval = d
		}
	}
	if v := env[envPrefix+"MAX_ITEMS_PER_SOURCE"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.MaxItemsPerSource = n
		}
	}
	if v := env[envPrefix+"OPENAI_BASE_URL"]; v != "" {
		c.OpenAI.BaseURL = v
	}
	if v := env[envPrefix+"OPENAI_MODEL"]; v != "" {
		c.OpenAI.Model = v
	}
	if v := env[envPrefix+"WORDPRESS_URL"]; v != "" {
		c.WordPress.URL = v
	}
	if v := env[envPrefix+"WORDPRESS_USER"]; v != "" {
		c.WordPress.User = v
	}
	if v := env[envPrefix+"WORDPRESS_PASSWORD"]; v != "" {
		c.WordPress.Password = v
	}
	if v := env[envPrefix+"TELEGRAM_BOT_TOKEN"]; v != "" {
		c.Telegram.BotToken = v
	}
	if v := env[envPrefix+"TELEGRAM_CHAT_ID"]; v != "" {
		c.Telegram.ChatID = v
	}
	if v := env[envPrefix+"REDIS_ADDR"]; v != "" {
		c.Redis.Addr = v
	}
	if v := env[envPrefix+"REDIS_PASSWORD"]; v != "" {
		c.Redis.Password = v
	}
	if v := env[envPrefix+"KAFKA_BROKERS"]; v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}

	c.applyKeyEnv(env)
}

// applyKeyEnv appends keys from ARTICLERELAY_AI_KEY_<GROUP>_<N> variables in
// name order. Underscores inside GROUP map to hyphens.
func (c *Config) applyKeyEnv(env map[string]string) {
	names := make([]string, 0)
	for k := range env {
		if strings.HasPrefix(k, aiKeyEnvPrefix) {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		rest := strings.TrimPrefix(name, aiKeyEnvPrefix)
		group := rest
		if idx := strings.LastIndex(rest, "_"); idx > 0 {
			if _, err := strconv.Atoi(rest[idx+1:]); err == nil {
				group = rest[:idx]
			}
		}
		group = strings.ReplaceAll(strings.ToLower(group), "_", "-")
		if group == "" {
			continue
		}

		if c.Credentials.Groups == nil {
			c.Credentials.Groups = map[string][]CredentialConfig{}
		}
		c.Credentials.Groups[group] = append(c.Credentials.Groups[group], CredentialConfig{
			Name: strings.ToLower(rest),
			Key:  env[name],
		})
	}
}

func defaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Ledger: LedgerConfig{
			Driver:          "sqlite3",
			DSN:             "data/ledger.db",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Interval:          15 * time.Minute,
			Retention:         72 * time.Hour,
			MaxItemsPerSource: 3,
			ItemDelay:         8 * time.Second,
			ParallelSources:   1,
			BreakerThreshold:  3,
			MaxItemAttempts:   5,
			LockTTL:           30 * time.Minute,
		},
		Credentials: CredentialsConfig{
			FailureThreshold: 1,
			BaseCooldown:     60 * time.Second,
			QuotaCooldown:    15 * time.Minute,
			MaxCooldown:      time.Hour,
			DefaultGroup:     defaultGroup,
		},
		Stages: StagesConfig{
			Extract: PolicyConfig{
				MaxAttempts: 3,
				BaseDelay:   2 * time.Second,
				Multiplier:  2,
				MaxDelay:    30 * time.Second,
				Timeout:     30 * time.Second,
			},
			Rewrite: PolicyConfig{
				MaxAttempts:       3,
				BaseDelay:         5 * time.Second,
				Multiplier:        2,
				MaxDelay:          2 * time.Minute,
				Timeout:           90 * time.Second,
				RateLimitFactor:   4,
				MalformedAttempts: 2,
			},
			Media: PolicyConfig{
				MaxAttempts: 3,
				BaseDelay:   2 * time.Second,
				Multiplier:  2,
				MaxDelay:    30 * time.Second,
				Timeout:     60 * time.Second,
			},
			Publish: PolicyConfig{
				MaxAttempts: 4,
				BaseDelay:   5 * time.Second,
				Multiplier:  2,
				MaxDelay:    time.Minute,
				Timeout:     30 * time.Second,
			},
		},
		OpenAI: OpenAIConfig{
			Model:        "gpt-4o-mini",
			SystemPrompt: "You rewrite news articles into original, well-structured posts. Answer with JSON only.",
			Temperature:  0.7,
			MaxTokens:    4096,
		},
		WordPress: WordPressConfig{
			Status:           "publish",
			LinkMapPath:      "data/internal_links.json",
			MaxInternalLinks: 6,
			LinkMapMaxPosts:  1000,
		},
		Media: MediaConfig{
			StagingDir:    "data/media",
			MaxImageBytes: 10 << 20,
			FeaturedOnly:  true,
		},
		Kafka:   KafkaConfig{Topic: "article-dispositions"},
		Metrics: MetricsConfig{Enabled: true, Port: 9090},
	}
}
