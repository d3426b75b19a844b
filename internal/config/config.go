// Package config loads and validates ingestor configuration via Viper.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
)

// minTokenSafetyMargin is the floor applied to upstream.token_safety_margin.
const minTokenSafetyMargin = 300 * time.Second

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig             `mapstructure:"server"`
	Auth      AuthConfig               `mapstructure:"auth"`
	Logging   LoggingConfig            `mapstructure:"logging"`
	Upstream  UpstreamConfig           `mapstructure:"upstream"`
	Store     StoreConfig              `mapstructure:"store"`
	Ingest    IngestConfig             `mapstructure:"ingest"`
	Channels  map[string]ChannelConfig `mapstructure:"channels"`
	Database  DatabaseConfig           `mapstructure:"database"`
	Progress  ProgressConfig           `mapstructure:"progress"`
	PubSub    PubSubConfig             `mapstructure:"pubsub"`
	Redis     RedisConfig              `mapstructure:"redis"`
	Archive   ArchiveConfig            `mapstructure:"archive"`
	Telemetry TelemetryConfig          `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port       int `mapstructure:"port"`
	QueueDepth int `mapstructure:"queue_depth"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// UpstreamConfig describes the forum API and its token endpoint.
type UpstreamConfig struct {
	APIBaseURL        string        `mapstructure:"api_base_url"`
	TokenURL          string        `mapstructure:"token_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	PageSize          int           `mapstructure:"page_size"`
	MinInterval       time.Duration `mapstructure:"min_interval"`
	TokenSafetyMargin time.Duration `mapstructure:"token_safety_margin"`
	DeeplinkBase      string        `mapstructure:"deeplink_base"`
	Timeout           time.Duration `mapstructure:"timeout"`
	ClientID          string        `mapstructure:"client_id"`
	ClientSecret      string        `mapstructure:"client_secret"`
}

// StoreConfig describes the remote document store.
type StoreConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Token      string        `mapstructure:"token"`
	SourceName string        `mapstructure:"source_name"`
	Pacing     time.Duration `mapstructure:"pacing"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// IngestConfig governs orchestration and retry behavior.
type IngestConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	WindowHours int           `mapstructure:"window_hours"`
}

// ChannelConfig is one configured channel.
type ChannelConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	PlatformTag  string `mapstructure:"platform_tag"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Migrate         bool          `mapstructure:"migrate"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ProgressConfig tunes the progress hub and its sinks.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEvents      bool          `mapstructure:"log_events"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RedisConfig configures the Redis progress fan-out.
type RedisConfig struct {
	Addr   string `mapstructure:"addr"`
	Stream string `mapstructure:"stream"`
}

// ArchiveConfig selects where completed job summaries are written.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	BaseDir string `mapstructure:"base_dir"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
}

// Load builds a Config from disk/environment. A .env file in the working
// directory (or the file named by ENV_FILE) is loaded first.
func Load(path string) (Config, error) {
	if err := loadEnvFiles(); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("INGESTOR")
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
	if cfg.Upstream.TokenSafetyMargin < minTokenSafetyMargin {
		cfg.Upstream.TokenSafetyMargin = minTokenSafetyMargin
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.queue_depth", 16)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("upstream.api_base_url", "https://oauth.reddit.com")
	v.SetDefault("upstream.token_url", "https://www.reddit.com/api/v1/access_token")
	v.SetDefault("upstream.user_agent", "forum-ingestor/0.1")
	v.SetDefault("upstream.page_size", 100)
	v.SetDefault("upstream.min_interval", time.Second)
	v.SetDefault("upstream.token_safety_margin", minTokenSafetyMargin)
	v.SetDefault("upstream.deeplink_base", "https://www.reddit.com")
	v.SetDefault("upstream.timeout", 30*time.Second)
	v.SetDefault("store.source_name", "reddit")
	v.SetDefault("store.pacing", 100*time.Millisecond)
	v.SetDefault("store.max_retries", 3)
	v.SetDefault("store.timeout", 30*time.Second)
	v.SetDefault("ingest.concurrency", 3)
	v.SetDefault("ingest.max_retries", 3)
	v.SetDefault("ingest.backoff_base", time.Second)
	v.SetDefault("ingest.window_hours", 24)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 1000)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)
	v.SetDefault("progress.log_events", true)
	v.SetDefault("redis.stream", "ingestor:progress")
	v.SetDefault("archive.backend", "memory")
	v.SetDefault("archive.base_dir", "archive")
	v.SetDefault("telemetry.service_name", "forum-ingestor")
	v.SetDefault("telemetry.version", "dev")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Upstream.APIBaseURL == "" {
		return fmt.Errorf("upstream.api_base_url must be set")
	}
	if c.Upstream.PageSize <= 0 || c.Upstream.PageSize > 100 {
		return fmt.Errorf("upstream.page_size must be between 1 and 100")
	}
	if c.Upstream.MinInterval < 0 {
		return fmt.Errorf("upstream.min_interval must be >= 0")
	}
	if c.Ingest.Concurrency <= 0 {
		return fmt.Errorf("ingest.concurrency must be > 0")
	}
	if c.Ingest.MaxRetries <= 0 {
		return fmt.Errorf("ingest.max_retries must be > 0")
	}
	if c.Store.MaxRetries <= 0 {
		return fmt.Errorf("store.max_retries must be > 0")
	}
	if c.Store.Pacing < 0 {
		return fmt.Errorf("store.pacing must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Archive.Backend {
	case "", "memory", "local":
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	for name, ch := range c.Channels {
		if ch.Enabled && ch.PlatformTag == "" {
			return fmt.Errorf("channels.%s.platform_tag must be set", name)
		}
	}
	return nil
}

// EnabledChannels returns the enabled channels sorted by name, with
// credentials falling back to the upstream defaults.
func (c Config) EnabledChannels() []ingestor.ChannelSpec {
	names := make([]string, 0, len(c.Channels))
	for name, ch := range c.Channels {
		if ch.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]ingestor.ChannelSpec, 0, len(names))
	for _, name := range names {
		ch := c.Channels[name]
		spec := ingestor.ChannelSpec{
			Name:         name,
			PlatformTag:  ch.PlatformTag,
			ClientID:     ch.ClientID,
			ClientSecret: ch.ClientSecret,
		}
		if spec.ClientID == "" {
			spec.ClientID = c.Upstream.ClientID
		}
		if spec.ClientSecret == "" {
			spec.ClientSecret = c.Upstream.ClientSecret
		}
		out = append(out, spec)
	}
	return out
}

// SelectChannels filters the enabled channels down to names. An empty filter
// returns every enabled channel; unknown names are an error.
func (c Config) SelectChannels(names []string) ([]ingestor.ChannelSpec, error) {
	enabled := c.EnabledChannels()
	if len(names) == 0 {
		return enabled, nil
	}
	byName := make(map[string]ingestor.ChannelSpec, len(enabled))
	for _, ch := range enabled {
		byName[ch.Name] = ch
	}
	out := make([]ingestor.ChannelSpec, 0, len(names))
	for _, name := range names {
		ch, ok := byName[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("channel %q is not configured or not enabled", name)
		}
		out = append(out, ch)
	}
	return out, nil
}
