// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// State backends.
const (
	StateBackendFile     = "file"
	StateBackendPostgres = "postgres"
	StateBackendRedis    = "redis"
)

// Upload backends.
const (
	UploadBackendNone   = "none"
	UploadBackendLocal  = "local"
	UploadBackendGCS    = "gcs"
	UploadBackendMemory = "memory"
)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	State    StateConfig    `mapstructure:"state"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Writer   WriterConfig   `mapstructure:"writer"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Server   ServerConfig   `mapstructure:"server"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CrawlConfig governs the driver loop.
type CrawlConfig struct {
	Name          string   `mapstructure:"name"`
	BaseURL       string   `mapstructure:"base_url"`
	Workers       int      `mapstructure:"workers"`
	Strict        bool     `mapstructure:"strict"`
	StatsInterval int      `mapstructure:"stats_interval"`
	ExpectedTotal int      `mapstructure:"expected_total"`
	Seeds         []string `mapstructure:"seeds"`
}

// FetchConfig configures the resilient fetcher.
type FetchConfig struct {
	TimeoutSeconds      int     `mapstructure:"timeout_seconds"`
	MaxAttempts         int     `mapstructure:"max_attempts"`
	MaxRedirects        int     `mapstructure:"max_redirects"`
	BackoffStartMs      int     `mapstructure:"backoff_start_ms"`
	BackoffIncrementMs  int     `mapstructure:"backoff_increment_ms"`
	BackoffMaxMs        int     `mapstructure:"backoff_max_ms"`
	DontRetryMin        int     `mapstructure:"dont_retry_min"`
	DontRetryMax        int     `mapstructure:"dont_retry_max"`
	DontRetryExceptions []int   `mapstructure:"dont_retry_exceptions"`
	UserAgent           string  `mapstructure:"user_agent"`
	CloudflareBypass    bool    `mapstructure:"cloudflare_bypass"`
	RatePerSecond       float64 `mapstructure:"rate_per_second"`
	RateBurst           int     `mapstructure:"rate_burst"`
}

// Timeout is the per-attempt timeout.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// BackoffStart is the first retry delay.
func (f FetchConfig) BackoffStart() time.Duration {
	return time.Duration(f.BackoffStartMs) * time.Millisecond
}

// BackoffIncrement is added to the delay after every attempt.
func (f FetchConfig) BackoffIncrement() time.Duration {
	return time.Duration(f.BackoffIncrementMs) * time.Millisecond
}

// BackoffMax caps the retry delay.
func (f FetchConfig) BackoffMax() time.Duration {
	return time.Duration(f.BackoffMaxMs) * time.Millisecond
}

// ProxyConfig lists egress proxies. An empty list means direct mode.
type ProxyConfig struct {
	URLs                 []string `mapstructure:"urls"`
	RotationRetries      int      `mapstructure:"rotation_retries"`
	IPRotationMaxRetries int      `mapstructure:"ip_rotation_max_retries"`
	IPEchoURL            string   `mapstructure:"ip_echo_url"`
}

// StateConfig selects where crawl state is persisted.
type StateConfig struct {
	Backend             string `mapstructure:"backend"`
	Path                string `mapstructure:"path"`
	SaveIntervalSeconds int    `mapstructure:"save_interval_seconds"`
	SignalFile          string `mapstructure:"signal_file"`
}

// SaveInterval is the debounce between opportunistic saves.
func (s StateConfig) SaveInterval() time.Duration {
	return time.Duration(s.SaveIntervalSeconds) * time.Second
}

// DedupConfig sets the record identity and cycle detection. An empty
// IdentityFields keeps the identity declared by the site's field definitions.
type DedupConfig struct {
	IdentityFields   []string       `mapstructure:"identity_fields"`
	Truncate         map[string]int `mapstructure:"truncate"`
	StreakMinimum    int            `mapstructure:"streak_minimum"`
	FailureFactor    float64        `mapstructure:"failure_factor"`
	FailOnEmptyField bool           `mapstructure:"fail_on_empty_field"`
	FailOnEmptyID    bool           `mapstructure:"fail_on_empty_id"`
}

// WriterConfig sets the output workbook.
type WriterConfig struct {
	Path         string `mapstructure:"path"`
	FlushEvery   int    `mapstructure:"flush_every"`
	PartitionCap int    `mapstructure:"partition_cap"`
}

// UploadConfig selects where flushed workbooks are copied.
type UploadConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// DatabaseConfig controls the Postgres state backend.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RedisConfig controls the Redis state backend.
type RedisConfig struct {
	Address    string `mapstructure:"address"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	Prefix     string `mapstructure:"prefix"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// PubSubConfig holds metadata for flush notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)

	v.SetDefault("crawl.name", "zoro")
	v.SetDefault("crawl.base_url", "https://www.zoro.com")
	v.SetDefault("crawl.workers", 8)
	v.SetDefault("crawl.strict", false)
	v.SetDefault("crawl.stats_interval", 100)
	v.SetDefault("crawl.expected_total", 0)
	v.SetDefault("crawl.seeds", []string{})

	v.SetDefault("fetch.timeout_seconds", 61)
	v.SetDefault("fetch.max_attempts", 10)
	v.SetDefault("fetch.max_redirects", 10)
	v.SetDefault("fetch.backoff_start_ms", 1000)
	v.SetDefault("fetch.backoff_increment_ms", 3000)
	v.SetDefault("fetch.backoff_max_ms", 31000)
	v.SetDefault("fetch.dont_retry_min", 400)
	v.SetDefault("fetch.dont_retry_max", 599)
	v.SetDefault("fetch.dont_retry_exceptions", []int{})
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("fetch.cloudflare_bypass", false)
	v.SetDefault("fetch.rate_per_second", 2.0)
	v.SetDefault("fetch.rate_burst", 4)

	v.SetDefault("proxy.urls", []string{})
	v.SetDefault("proxy.rotation_retries", 10)
	v.SetDefault("proxy.ip_rotation_max_retries", 10)
	v.SetDefault("proxy.ip_echo_url", "https://jsonip.com/")

	v.SetDefault("state.backend", StateBackendFile)
	v.SetDefault("state.path", "state.json")
	v.SetDefault("state.save_interval_seconds", 30)
	v.SetDefault("state.signal_file", ".save_state_trigger")

	v.SetDefault("dedup.identity_fields", []string{})
	v.SetDefault("dedup.truncate", map[string]int{})
	v.SetDefault("dedup.streak_minimum", 1000)
	v.SetDefault("dedup.failure_factor", 2.0)
	v.SetDefault("dedup.fail_on_empty_field", false)
	v.SetDefault("dedup.fail_on_empty_id", true)

	v.SetDefault("writer.path", "data.xlsx")
	v.SetDefault("writer.flush_every", 100)
	v.SetDefault("writer.partition_cap", 999999)

	v.SetDefault("upload.backend", UploadBackendNone)
	v.SetDefault("upload.base_dir", "")
	v.SetDefault("upload.bucket", "")
	v.SetDefault("upload.prefix", "exports")

	// Every key needs a default for AutomaticEnv to reach it on Unmarshal.
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "crawl_state")
	v.SetDefault("database.max_conns", 4)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "crawlstate")
	v.SetDefault("redis.ttl_seconds", 0)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Crawl.Name) == "" {
		return fmt.Errorf("crawl.name is required")
	}
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0")
	}
	if c.Crawl.StatsInterval <= 0 {
		return fmt.Errorf("crawl.stats_interval must be > 0")
	}
	if err := c.Fetch.validate(); err != nil {
		return err
	}
	if c.Proxy.RotationRetries < 0 || c.Proxy.IPRotationMaxRetries < 0 {
		return fmt.Errorf("proxy.rotation_retries and proxy.ip_rotation_max_retries must be >= 0")
	}
	if err := c.validateState(); err != nil {
		return err
	}
	for _, field := range c.Dedup.IdentityFields {
		if strings.TrimSpace(field) == "" {
			return fmt.Errorf("dedup.identity_fields must not contain blank names")
		}
	}
	for field, digits := range c.Dedup.Truncate {
		if digits < 0 {
			return fmt.Errorf("dedup.truncate.%s must be >= 0", field)
		}
	}
	if c.Dedup.FailureFactor <= 0 {
		return fmt.Errorf("dedup.failure_factor must be > 0")
	}
	if c.Dedup.StreakMinimum < 0 {
		return fmt.Errorf("dedup.streak_minimum must be >= 0")
	}
	if strings.TrimSpace(c.Writer.Path) == "" {
		return fmt.Errorf("writer.path is required")
	}
	if c.Writer.FlushEvery <= 0 {
		return fmt.Errorf("writer.flush_every must be > 0")
	}
	if c.Writer.PartitionCap <= 0 {
		return fmt.Errorf("writer.partition_cap must be > 0")
	}
	if err := c.validateUpload(); err != nil {
		return err
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

func (f FetchConfig) validate() error {
	switch {
	case f.TimeoutSeconds <= 0:
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	case f.MaxAttempts <= 0:
		return fmt.Errorf("fetch.max_attempts must be > 0")
	case f.MaxRedirects < 0:
		return fmt.Errorf("fetch.max_redirects must be >= 0")
	case f.BackoffStartMs < 0 || f.BackoffIncrementMs < 0 || f.BackoffMaxMs < 0:
		return fmt.Errorf("fetch.backoff_* must be >= 0")
	case f.DontRetryMin > f.DontRetryMax:
		return fmt.Errorf("fetch.dont_retry_min must be <= fetch.dont_retry_max")
	case f.RatePerSecond < 0:
		return fmt.Errorf("fetch.rate_per_second must be >= 0")
	case f.RatePerSecond > 0 && f.RateBurst <= 0:
		return fmt.Errorf("fetch.rate_burst must be > 0 when rate limiting is enabled")
	}
	return nil
}

func (c Config) validateState() error {
	switch c.State.Backend {
	case StateBackendFile:
		if strings.TrimSpace(c.State.Path) == "" {
			return fmt.Errorf("state.path is required for the file backend")
		}
	case StateBackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	case StateBackendRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address is required for the redis backend")
		}
	default:
		return fmt.Errorf("state.backend must be one of %s", strings.Join(stateBackends, ", "))
	}
	if c.State.SaveIntervalSeconds < 0 {
		return fmt.Errorf("state.save_interval_seconds must be >= 0")
	}
	return nil
}

var stateBackends = []string{StateBackendFile, StateBackendPostgres, StateBackendRedis}

var uploadBackends = []string{UploadBackendNone, UploadBackendLocal, UploadBackendGCS, UploadBackendMemory}

func (c Config) validateUpload() error {
	if !slices.Contains(uploadBackends, c.Upload.Backend) {
		return fmt.Errorf("upload.backend must be one of %s", strings.Join(uploadBackends, ", "))
	}
	if c.Upload.Backend == UploadBackendLocal && strings.TrimSpace(c.Upload.BaseDir) == "" {
		return fmt.Errorf("upload.base_dir is required for the local backend")
	}
	if c.Upload.Backend == UploadBackendGCS && c.Upload.Bucket == "" {
		return fmt.Errorf("upload.bucket is required for the gcs backend")
	}
	return nil
}
